package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pthm-cable/sphgrow/config"
	"github.com/pthm-cable/sphgrow/sim"
	"github.com/pthm-cable/sphgrow/systems"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Radius float64 // interaction radius in units of h
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Load the configured case and report its layout",
		Long: `Load the configured case, perform the initial periodic replication and
reindex, and print particle counts, the cell grid and neighbour statistics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectCase(cmd, opts)
		},
	}

	cmd.Flags().Float64Var(&opts.Radius, "radius", 2, "interaction radius in units of h")

	return cmd
}

// NeighborStats summarizes neighbour counts of real fluid particles.
type NeighborStats struct {
	Particles int
	Min       int
	Max       int
	Mean      float64
}

// CountNeighbors counts, for each real non-boundary particle, the live
// particles other than itself within radius.
func CountNeighbors(s *sim.Simulation, radius float64, hdiv int) NeighborStats {
	store := s.Store()
	pos, codes := store.Pos(), store.Code()
	var st NeighborStats
	total := 0
	for p := store.Npb(); p < store.Np(); p++ {
		if !codes[p].IsNormal() {
			continue
		}
		n := 0
		s.Index().ForEachNeighbor(pos[p], hdiv, func(q int) {
			if q != p && pos[q].Sub(pos[p]).Norm() <= radius {
				n++
			}
		})
		if st.Particles == 0 || n < st.Min {
			st.Min = n
		}
		if n > st.Max {
			st.Max = n
		}
		total += n
		st.Particles++
	}
	if st.Particles > 0 {
		st.Mean = float64(total) / float64(st.Particles)
	}
	return st
}

func inspectCase(cmd *cobra.Command, opts *InspectOptions) error {
	cfg := config.Cfg()
	ctx, stop := commandContext(cmd)
	defer stop()

	c, err := loadCase(ctx, cfg)
	if err != nil {
		return err
	}

	pool := systems.NewWorkerPool(cfg.Parallel.Workers, cfg.Parallel.Threshold)
	defer pool.Stop()

	kernel, euler, _, err := collaborators(cfg, c, pool)
	if err != nil {
		return err
	}
	s, err := sim.New(ctx, cfg, c, sim.Options{Kernel: kernel, Integrator: euler, Pool: pool})
	if err != nil {
		return err
	}
	defer s.Close()

	radius := opts.Radius * cfg.Physics.H
	hdiv := 1
	if cell := cfg.Derived.CellSize; cell > 0 && radius > cell {
		hdiv = int(radius/cell) + 1
	}
	printInspection(cmd.OutOrStdout(), s, CountNeighbors(s, radius, hdiv))
	return nil
}

func printInspection(w io.Writer, s *sim.Simulation, nb NeighborStats) {
	rep := s.Report()
	g := s.Index().Grid()
	m := s.RealMap()
	fmt.Fprintf(w, "np:        %d\n", rep.Np)
	fmt.Fprintf(w, "npb:       %d\n", rep.Npb)
	fmt.Fprintf(w, "ghosts:    %d boundary, %d fluid\n", rep.NpbGhost, rep.NpfGhost)
	fmt.Fprintf(w, "excluded:  %d\n", rep.NpfOut)
	fmt.Fprintf(w, "capacity:  %d (%d bytes/slot)\n", s.Store().Cap(), s.Store().SlotBytes())
	fmt.Fprintf(w, "real map:  %v .. %v\n", m.Min, m.Max)
	fmt.Fprintf(w, "cells:     %d x %d x %d\n", g.Cells[0], g.Cells[1], g.Cells[2])
	fmt.Fprintf(w, "neighbors: min %d, mean %.2f, max %d over %d particles\n", nb.Min, nb.Mean, nb.Max, nb.Particles)
}
