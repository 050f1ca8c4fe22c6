package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/sphgrow/config"
	"github.com/pthm-cable/sphgrow/kernels"
	"github.com/pthm-cable/sphgrow/particles"
	"github.com/pthm-cable/sphgrow/sim"
	"github.com/pthm-cable/sphgrow/snapshot"
	"github.com/pthm-cable/sphgrow/systems"
	"github.com/pthm-cable/sphgrow/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database  string
	RunID     string
	OutputDir string
	MaxSteps  int
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation from the configured case",
		Long: `Load the configured case, run it until time_max or max_steps and save
parts to a SQLite database.

Example:
  sphgrow --config channel.yaml run --db ./channel.db
  sphgrow --config channel.yaml run --db ./channel.db --output-dir ./out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database for parts (empty = no parts)")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "run id (empty = generated)")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "directory for CSV telemetry (overrides config)")
	cmd.Flags().IntVar(&opts.MaxSteps, "max-steps", 0, "stop after N steps (overrides config)")

	return cmd
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// loadCase reads the configured case from CSV or from a part in a SQLite database.
func loadCase(ctx context.Context, cfg *config.Config) (*snapshot.Case, error) {
	if cfg.Case.Path == "" {
		return nil, fmt.Errorf("case.path is empty: %w", config.ErrInvalid)
	}
	switch cfg.Case.Format {
	case "sqlite":
		st, err := snapshot.Open(cfg.Case.Path)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		c, err := st.Loader("", cfg.Case.Part).Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading part %d from %s: %w", cfg.Case.Part, cfg.Case.Path, err)
		}
		return c, nil
	default:
		loader := snapshot.CSVLoader{
			Path:            cfg.Case.Path,
			Rho0:            cfg.Physics.Rho0,
			Dp:              cfg.Physics.Dp,
			SinglePrecision: cfg.Case.SinglePrecision,
			Simulate2D:      cfg.Case.Simulate2D,
		}
		return loader.Load(ctx)
	}
}

// collaborators builds the reference force kernel and integrator.
func collaborators(cfg *config.Config, c *snapshot.Case, pool *systems.WorkerPool) (sim.ForceKernel, *kernels.Euler, systems.Domain, error) {
	realMap, err := sim.RealMap(cfg, c)
	if err != nil {
		return nil, nil, realMap, err
	}
	g := cfg.Physics.Gravity
	kernel := kernels.BodyForce{
		Gravity:        particles.Vec3{X: g[0], Y: g[1], Z: g[2]},
		Damping:        cfg.Physics.Damping,
		MassGrowthRate: cfg.Physics.MassGrowthRate,
		Pool:           pool,
	}
	euler := kernels.NewEuler(realMap, cfg.Derived.PeriodicMask,
		sim.PeriodicIncrements(cfg, realMap), cfg.Case.Simulate2D || c.Simulate2D, pool)
	return kernel, euler, realMap, nil
}

func runSimulation(cmd *cobra.Command, opts *RunOptions) error {
	cfg := config.Cfg()
	if opts.OutputDir != "" {
		cfg.Telemetry.OutputDir = opts.OutputDir
	}
	if opts.MaxSteps > 0 {
		cfg.Run.MaxSteps = opts.MaxSteps
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	c, err := loadCase(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("case loaded", "name", c.Name, "particles", len(c.Records), "counts", c.Counts)

	pool := systems.NewWorkerPool(cfg.Parallel.Workers, cfg.Parallel.Threshold)
	defer pool.Stop()

	kernel, euler, realMap, err := collaborators(cfg, c, pool)
	if err != nil {
		return err
	}

	runID := opts.RunID
	var snapshots sim.SnapshotWriter
	if opts.Database != "" {
		st, err := snapshot.Open(opts.Database)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		runID, err = st.BeginRun(ctx, snapshot.Run{
			ID:         runID,
			Name:       c.Name,
			Periodic:   int(cfg.Derived.PeriodicMask),
			MapMin:     realMap.Min,
			MapMax:     realMap.Max,
			Dp:         cfg.Physics.Dp,
			Simulate2D: cfg.Case.Simulate2D || c.Simulate2D,
		})
		if err != nil {
			return err
		}
		snapshots = st
	}

	out, err := telemetry.NewOutputManager(cfg.Telemetry.OutputDir, runID)
	if err != nil {
		return fmt.Errorf("creating output manager: %w", err)
	}
	defer out.Close()
	if err := out.WriteConfig(cfg); err != nil {
		slog.Error("failed to write config", "error", err)
	}

	s, err := sim.New(ctx, cfg, c, sim.Options{
		Kernel:     kernel,
		Integrator: euler,
		Snapshots:  snapshots,
		Output:     out,
		Pool:       pool,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("run interrupted", "step", res.Steps, "time", res.Time)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "steps=%d time=%g np=%d real=%d splits=%d excluded=%d parts=%d collapsed=%t\n",
		res.Steps, res.Time, res.Np, res.Real, res.Splits, res.Excluded, res.Parts, res.Collapsed)
	return nil
}
