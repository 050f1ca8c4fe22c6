// Package sim runs the per-step particle pipeline: forces, integration,
// growth, periodic replication and reindexing.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pthm-cable/sphgrow/config"
	"github.com/pthm-cable/sphgrow/particles"
	"github.com/pthm-cable/sphgrow/snapshot"
	"github.com/pthm-cable/sphgrow/systems"
	"github.com/pthm-cable/sphgrow/telemetry"
)

// Options holds the collaborators of a Simulation. Kernel and Integrator
// are required; the rest may be nil.
type Options struct {
	Kernel     ForceKernel
	Integrator Integrator
	Snapshots  SnapshotWriter
	Output     *telemetry.OutputManager

	// Pool is shared with the caller when set, otherwise one is created
	// from the parallel config and stopped by Close.
	Pool *systems.WorkerPool
}

// Result summarizes a finished run.
type Result struct {
	Steps     uint64
	Time      float64
	Parts     int
	Np        int
	Real      int
	Splits    int
	Excluded  int
	Grows     int
	Collapsed bool
}

// Simulation owns the particle store and drives it through the step stages.
type Simulation struct {
	cfg *config.Config

	store    *particles.Store
	pool     *systems.WorkerPool
	ownsPool bool

	realMap  systems.Domain
	index    *systems.SpatialIndex
	periodic *systems.PeriodicReplicator
	growth   *systems.GrowthEngine

	kernel     ForceKernel
	integrator Integrator
	snapshots  SnapshotWriter
	output     *telemetry.OutputManager
	perf       *telemetry.PerfCollector

	forces Forces
	stage  Stage
	step   uint64
	time   float64

	part         int
	nextPartTime float64
	lastReport   systems.Report
	lastPeriodic systems.PeriodicReport

	// Totals over the run.
	splits   int
	excluded int
	grows    int

	// Per-step counters.
	stepGrows int
}

// New loads a case into a fresh store and performs the initial periodic
// replication and reindex.
func New(ctx context.Context, cfg *config.Config, c *snapshot.Case, opts Options) (*Simulation, error) {
	if opts.Kernel == nil || opts.Integrator == nil {
		return nil, errors.New("sim: kernel and integrator are required")
	}

	if cfg.Case.CheckCounts {
		expected := snapshot.Counts{
			Fixed:    cfg.Case.Expected.Fixed,
			Moving:   cfg.Case.Expected.Moving,
			Floating: cfg.Case.Expected.Floating,
			Fluid:    cfg.Case.Expected.Fluid,
		}
		if err := c.Check(expected, cfg.Derived.PeriodicMask); err != nil {
			return nil, err
		}
	}
	if c.Simulate2D && cfg.Periodic.Y {
		return nil, fmt.Errorf("2D case with periodic Y: %w", ErrConfigMismatch)
	}

	realMap, err := RealMap(cfg, c)
	if err != nil {
		return nil, err
	}
	grid, err := systems.NewGrid(realMap.Expand(cfg.Derived.CellSize, cfg.Derived.PeriodicMask), cfg.Derived.CellSize)
	if err != nil {
		return nil, err
	}

	policy, err := systems.NewPolicy(cfg.Growth, cfg.Derived)
	if err != nil {
		return nil, err
	}
	axis, err := systems.NewAxisStrategy(cfg.Growth)
	if err != nil {
		return nil, err
	}

	sim := &Simulation{
		cfg:          cfg,
		store:        particles.NewStore(particles.WithMemoryLimit(cfg.Derived.MemoryLimit)),
		pool:         opts.Pool,
		realMap:      realMap,
		kernel:       opts.Kernel,
		integrator:   opts.Integrator,
		snapshots:    opts.Snapshots,
		output:       opts.Output,
		perf:         telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow),
		time:         c.Time,
		nextPartTime: c.Time + cfg.Run.PartInterval,
	}
	if sim.pool == nil {
		sim.pool = systems.NewWorkerPool(cfg.Parallel.Workers, cfg.Parallel.Threshold)
		sim.ownsPool = true
	}

	sim.index = systems.NewSpatialIndex(grid, cfg.Run.Stable, sim.pool)
	sim.periodic = systems.NewPeriodicReplicator(grid, cfg.Derived.PeriodicMask,
		PeriodicIncrements(cfg, realMap), cfg.Run.Stable, sim.pool)
	sim.growth = systems.NewGrowthEngine(policy, axis, systems.GrowthOptions{
		SplitDistance: cfg.Growth.SplitDistance,
		Rho0:          cfg.Physics.Rho0,
		PartsOutMax:   cfg.Run.PartsOutMax,
		Seed:          cfg.Growth.Seed,
	}, sim.pool)

	if err := sim.store.Load(c.Records, c.Counts.Boundary(), cfg.Memory.Oversize); err != nil {
		sim.Close()
		return nil, fmt.Errorf("loading case: %w", err)
	}
	sim.store.AdvanceNextID(c.NextID)
	if err := sim.integrator.Attach(sim.store); err != nil {
		sim.Close()
		return nil, fmt.Errorf("attaching integrator: %w", err)
	}

	if err := sim.replicateAndReindex(ctx); err != nil {
		sim.Close()
		return nil, err
	}
	rep := sim.lastReport
	sim.growth.SetWatermark(rep.Np-rep.NpbGhost-rep.NpfGhost, rep.Npb)
	sim.stage = StageCommitted

	slog.Info("simulation initialized",
		"case", c.Name,
		"np", rep.Np,
		"npb", rep.Npb,
		"ghosts", rep.NpbGhost+rep.NpfGhost,
		"cap", sim.store.Cap(),
		"cells", grid.Cells,
		"domain_min", realMap.Min,
		"domain_max", realMap.Max,
		"periodic", cfg.Derived.PeriodicMask,
		"np_minimum", sim.growth.NpMinimum(),
		"growth", cfg.Growth.Policy,
		"workers", sim.pool.Workers(),
	)
	return sim, nil
}

// Close stops the worker pool if the simulation created it.
func (s *Simulation) Close() {
	if s.ownsPool {
		s.pool.Stop()
		s.ownsPool = false
	}
}

// Store returns the particle store. Slices taken from it are invalidated
// by the next step.
func (s *Simulation) Store() *particles.Store { return s.store }

// Index returns the spatial index built by the last reindex.
func (s *Simulation) Index() *systems.SpatialIndex { return s.index }

// Report returns the last reindex report.
func (s *Simulation) Report() systems.Report { return s.lastReport }

// RealMap returns the bounds of the real particles.
func (s *Simulation) RealMap() systems.Domain { return s.realMap }

// Stage returns the stage the simulation is in.
func (s *Simulation) Stage() Stage { return s.stage }

// StepCount returns the number of committed steps.
func (s *Simulation) StepCount() uint64 { return s.step }

// Time returns the simulated time.
func (s *Simulation) Time() float64 { return s.time }

// Perf returns the stage timing collector.
func (s *Simulation) Perf() *telemetry.PerfCollector { return s.perf }

// Grow is the capacity service handed to the growth and periodic stages.
// The store is resized in place and the calling stage resumes.
func (s *Simulation) Grow(required int) error {
	start := time.Now()
	before := s.store.Cap()
	if err := s.store.EnsureCapacity(required, s.cfg.Memory.Oversize); err != nil {
		return fmt.Errorf("%s stage: %w", s.stage, err)
	}
	s.stepGrows++
	s.grows++
	slog.Info("particle store grown",
		"stage", s.stage.String(),
		"required", required,
		"from", before,
		"to", s.store.Cap(),
		"np", s.store.Np(),
		"duration", time.Since(start),
	)
	return nil
}

func (s *Simulation) enter(st Stage) {
	s.stage = st
	s.perf.StartPhase(st.String())
}

// replicateAndReindex runs the periodic and reindex stages and handles
// excluded particles.
func (s *Simulation) replicateAndReindex(ctx context.Context) error {
	if s.periodic.Active() {
		s.enter(StagePeriodic)
		prep, err := s.periodic.Run(s.store, s)
		if err != nil {
			return fmt.Errorf("periodic replication: %w", err)
		}
		s.lastPeriodic = prep
	}

	s.enter(StageReindex)
	rep := s.index.Reindex(s.store)
	s.lastReport = rep

	if rep.NpbOut > 0 {
		bound := rep.Excluded[:rep.NpbOut]
		for _, r := range bound {
			slog.Error("boundary particle excluded",
				"step", s.step,
				"id", r.ID,
				"type", r.Code.Base().String(),
				"x", r.Pos.X, "y", r.Pos.Y, "z", r.Pos.Z,
				"vx", r.Velrhop.X, "vy", r.Velrhop.Y, "vz", r.Velrhop.Z,
				"rho", r.Velrhop.W,
			)
		}
		return &ExclusionError{Step: s.step, Time: s.time, Records: bound}
	}

	if rep.NpfOut > 0 {
		s.excluded += rep.NpfOut
		slog.Warn("fluid particles excluded", "step", s.step, "time", s.time, "count", rep.NpfOut)
		if err := s.output.WriteExcluded(s.step, s.time, rep.Excluded); err != nil {
			slog.Error("failed to write excluded particles", "error", err)
		}
		if s.snapshots != nil {
			if err := s.snapshots.WriteExcluded(ctx, s.step, s.time, rep.Excluded); err != nil {
				return fmt.Errorf("recording excluded particles: %w", err)
			}
		}
	}
	return nil
}

// Step advances the simulation by one time step. On ErrPopulationCollapse
// the step is committed and the run should stop.
func (s *Simulation) Step(ctx context.Context) error {
	dt := s.cfg.Physics.DT
	s.stepGrows = 0
	s.perf.StartStep()

	s.enter(StageComputeForces)
	s.forces.Reset(s.store.Np())
	view := View{Store: s.store, Index: s.index, Step: s.step, Time: s.time, DT: dt}
	if err := s.kernel.Compute(ctx, view, &s.forces); err != nil {
		return fmt.Errorf("step %d: computing forces: %w", s.step, err)
	}

	s.enter(StageIntegrate)
	if err := s.integrator.Integrate(s.store, &s.forces, dt); err != nil {
		return fmt.Errorf("step %d: integrating: %w", s.step, err)
	}

	s.enter(StageGrow)
	grep, err := s.growth.Step(s.store, s, s.step, dt)
	if err != nil {
		return fmt.Errorf("step %d: growth: %w", s.step, err)
	}
	s.splits += grep.Marked

	if err := s.replicateAndReindex(ctx); err != nil {
		return fmt.Errorf("step %d: %w", s.step, err)
	}

	s.stage = StageCommitted
	s.step++
	s.time += dt

	s.perf.StartPhase(telemetry.PhaseOutput)
	s.recordStep(grep)
	s.perf.EndStep()

	rep := s.lastReport
	nreal := rep.Np - rep.NpbGhost - rep.NpfGhost
	if nreal < s.growth.NpMinimum() || rep.Np == 0 {
		slog.Warn("population collapsed",
			"step", s.step,
			"real", nreal,
			"np_minimum", s.growth.NpMinimum(),
		)
		return fmt.Errorf("step %d: %d real particles, minimum %d: %w",
			s.step, nreal, s.growth.NpMinimum(), ErrPopulationCollapse)
	}
	return nil
}

// recordStep writes step statistics every LogEvery steps.
func (s *Simulation) recordStep(grep systems.GrowthReport) {
	every := uint64(s.cfg.Telemetry.LogEvery)
	if every == 0 || s.step%every != 0 {
		return
	}

	rep := s.lastReport
	stats := telemetry.StepStats{
		Step:     s.step,
		Time:     s.time,
		Np:       rep.Np,
		Npb:      rep.Npb,
		NpbGhost: rep.NpbGhost,
		NpfGhost: rep.NpfGhost,
		Real:     rep.Np - rep.NpbGhost - rep.NpfGhost,
		Splits:   grep.Marked,
		FluidOut: rep.NpfOut,
		Retired:  s.lastPeriodic.Retired,
		Cap:      s.store.Cap(),
		Grows:    s.stepGrows,
	}
	stats.ComputeMassStats(s.fluidMasses())
	stats.LogStats()

	perf := s.perf.Stats()
	perf.LogStats()

	if err := s.output.WriteStep(stats); err != nil {
		slog.Error("failed to write step stats", "error", err)
	}
	if err := s.output.WritePerf(perf, s.step); err != nil {
		slog.Error("failed to write perf", "error", err)
	}
}

func (s *Simulation) fluidMasses() []float32 {
	codes, mass := s.store.Code(), s.store.Mass()
	out := make([]float32, 0, s.store.Np()-s.store.Npb())
	for p := s.store.Npb(); p < s.store.Np(); p++ {
		if codes[p].IsFluid() && codes[p].IsNormal() {
			out = append(out, mass[p])
		}
	}
	return out
}

func (s *Simulation) writePart(ctx context.Context) error {
	if s.snapshots == nil {
		return nil
	}
	if err := s.snapshots.WritePart(ctx, s.part, s.time, s.store); err != nil {
		return fmt.Errorf("writing part %d: %w", s.part, err)
	}
	slog.Info("part saved", "part", s.part, "time", s.time, "np", s.lastReport.Np)
	s.part++
	return nil
}

func (s *Simulation) finished() bool {
	run := s.cfg.Run
	if run.MaxSteps > 0 && s.step >= uint64(run.MaxSteps) {
		return true
	}
	// Half a step of slack absorbs the rounding of accumulated time.
	return run.TimeMax > 0 && s.time+0.5*s.cfg.Physics.DT > run.TimeMax
}

// Run steps until TimeMax or MaxSteps, saving a part every PartInterval of
// simulated time. Cancellation is checked between steps. A population
// collapse ends the run without error.
func (s *Simulation) Run(ctx context.Context) (Result, error) {
	if err := s.writePart(ctx); err != nil {
		return s.result(), err
	}
	lastSaved := s.step

	for !s.finished() {
		if err := ctx.Err(); err != nil {
			return s.result(), err
		}

		err := s.Step(ctx)
		if errors.Is(err, ErrPopulationCollapse) {
			res := s.result()
			res.Collapsed = true
			if err := s.writePart(ctx); err != nil {
				return res, err
			}
			res.Parts = s.part
			return res, nil
		}
		if err != nil {
			return s.result(), err
		}

		if s.cfg.Run.PartInterval > 0 && s.time+0.5*s.cfg.Physics.DT >= s.nextPartTime {
			if err := s.writePart(ctx); err != nil {
				return s.result(), err
			}
			lastSaved = s.step
			for s.nextPartTime <= s.time+0.5*s.cfg.Physics.DT {
				s.nextPartTime += s.cfg.Run.PartInterval
			}
		}
	}

	if lastSaved != s.step {
		if err := s.writePart(ctx); err != nil {
			return s.result(), err
		}
	}

	res := s.result()
	slog.Info("run finished",
		"steps", res.Steps,
		"time", res.Time,
		"np", res.Np,
		"real", res.Real,
		"splits", res.Splits,
		"excluded", res.Excluded,
		"parts", res.Parts,
	)
	return res, nil
}

func (s *Simulation) result() Result {
	rep := s.lastReport
	return Result{
		Steps:    s.step,
		Time:     s.time,
		Parts:    s.part,
		Np:       rep.Np,
		Real:     rep.Np - rep.NpbGhost - rep.NpfGhost,
		Splits:   s.splits,
		Excluded: s.excluded,
		Grows:    s.grows,
	}
}
