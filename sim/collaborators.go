package sim

import (
	"context"

	"github.com/pthm-cable/sphgrow/particles"
	"github.com/pthm-cable/sphgrow/systems"
)

// View is what a force kernel sees of the committed state.
type View struct {
	Store *particles.Store
	Index *systems.SpatialIndex
	Step  uint64
	Time  float64
	DT    float64
}

// Forces holds per-slot rates produced by a ForceKernel.
type Forces struct {
	Ace  []particles.Vec3 // acceleration
	Arho []float32        // density rate
	Mdot []float32        // mass rate
}

// Reset sizes every array to n slots and zeroes them.
func (f *Forces) Reset(n int) {
	f.Ace = resize(f.Ace, n)
	f.Arho = resize(f.Arho, n)
	f.Mdot = resize(f.Mdot, n)
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	s = s[:n]
	clear(s)
	return s
}

// ForceKernel computes interaction rates for slots [0,Np).
type ForceKernel interface {
	Compute(ctx context.Context, v View, f *Forces) error
}

// Integrator advances real particles by dt. Attach is called once after
// the case is loaded and may register shadow columns.
type Integrator interface {
	Attach(s *particles.Store) error
	Integrate(s *particles.Store, f *Forces, dt float64) error
}

// SnapshotWriter persists parts and excluded particles.
type SnapshotWriter interface {
	WritePart(ctx context.Context, part int, t float64, s *particles.Store) error
	WriteExcluded(ctx context.Context, step uint64, t float64, recs []particles.Record) error
}
