package kernels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/sphgrow/particles"
	"github.com/pthm-cable/sphgrow/sim"
	"github.com/pthm-cable/sphgrow/systems"
)

func rec(id uint32, code particles.TypeCode, x float64, vel particles.Vec4) particles.Record {
	return particles.Record{
		ID:      id,
		Code:    code,
		Pos:     particles.Vec3{X: x, Y: 0.5, Z: 0.5},
		Velrhop: vel,
		Mass:    2,
	}
}

// mixedStore holds a fixed particle, two fluids, a floating body and a
// periodic ghost of the first fluid.
func mixedStore(t *testing.T) *particles.Store {
	t.Helper()
	s := particles.NewStore()
	require.NoError(t, s.Load([]particles.Record{
		rec(0, particles.TypeFixed, 1, particles.Vec4{X: 1, W: 1000}),
		rec(1, particles.TypeFluid, 2, particles.Vec4{X: 1, W: 1000}),
		rec(2, particles.TypeFluid, 9.95, particles.Vec4{X: 1, Y: 2, W: 1000}),
		rec(3, particles.TypeFloating, 5, particles.Vec4{X: -1, W: 1000}),
		rec(1, particles.TypeFluid.WithSpecial(particles.SpecialPeriodic), 12, particles.Vec4{X: 1, W: 1000}),
	}, 1, 0))
	return s
}

func box10() systems.Domain {
	return systems.Domain{Max: particles.Vec3{X: 10, Y: 1, Z: 1}}
}

func TestBodyForce_Compute(t *testing.T) {
	s := mixedStore(t)
	var f sim.Forces
	f.Reset(s.Np())

	k := BodyForce{
		Gravity:        particles.Vec3{Z: -10},
		Damping:        0.5,
		MassGrowthRate: 0.1,
	}
	require.NoError(t, k.Compute(context.Background(), sim.View{Store: s}, &f))

	assert.Equal(t, particles.Vec3{}, f.Ace[0], "boundary gets no force")
	assert.Equal(t, particles.Vec3{X: -0.5, Z: -10}, f.Ace[1])
	assert.Equal(t, particles.Vec3{X: -0.5, Y: -1, Z: -10}, f.Ace[2])
	assert.Equal(t, particles.Vec3{X: 0.5, Z: -10}, f.Ace[3])

	assert.Zero(t, f.Mdot[0])
	assert.InDelta(t, 0.2, f.Mdot[1], 1e-6)
	assert.Zero(t, f.Mdot[3], "floating bodies keep their mass")
}

func TestBodyForce_Cancelled(t *testing.T) {
	s := mixedStore(t)
	var f sim.Forces
	f.Reset(s.Np())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, BodyForce{}.Compute(ctx, sim.View{Store: s}, &f), context.Canceled)
}

func TestEuler_IntegrateBeforeAttach(t *testing.T) {
	s := mixedStore(t)
	var f sim.Forces
	f.Reset(s.Np())
	assert.Error(t, NewEuler(box10(), 0, [3]particles.Vec3{}, false, nil).Integrate(s, &f, 0.1))
}

func TestEuler_ShortForces(t *testing.T) {
	s := mixedStore(t)
	e := NewEuler(box10(), 0, [3]particles.Vec3{}, false, nil)
	require.NoError(t, e.Attach(s))
	var f sim.Forces
	f.Reset(2)
	assert.Error(t, e.Integrate(s, &f, 0.1))
}

func TestEuler_Integrate(t *testing.T) {
	s := mixedStore(t)
	pool := systems.NewWorkerPool(2, 1)
	defer pool.Stop()

	e := NewEuler(box10(), 1, [3]particles.Vec3{{X: -10}}, false, pool)
	require.NoError(t, e.Attach(s))
	_, ok := s.Column(ColMassPre)
	require.True(t, ok)

	var f sim.Forces
	f.Reset(s.Np())
	for p := range f.Ace {
		f.Ace[p] = particles.Vec3{Y: 10}
		f.Arho[p] = 5
		f.Mdot[p] = 1
	}
	before := make([]particles.Record, s.Np())
	for p := range before {
		before[p] = s.Record(p)
	}

	require.NoError(t, e.Integrate(s, &f, 0.1))

	// Boundary and ghost slots do not move.
	assert.Equal(t, before[0], s.Record(0))
	assert.Equal(t, before[4], s.Record(4))

	r := s.Record(1)
	assert.InDelta(t, 1.0, r.Velrhop.Y, 1e-6)
	assert.InDelta(t, 1000.5, r.Velrhop.W, 1e-3)
	assert.InDelta(t, 2.1, r.Mass, 1e-6)
	assert.InDelta(t, 2.1, r.Pos.X, 1e-6)
	assert.InDelta(t, 0.6, r.Pos.Y, 1e-6)

	// 9.95 + 0.1 leaves the map and comes back at the other side.
	assert.InDelta(t, 0.05, s.Pos()[2].X, 1e-6)

	for p := range before {
		pos, vel, mass := e.Previous(p)
		assert.Equal(t, before[p].Pos, pos)
		assert.Equal(t, before[p].Velrhop, vel)
		assert.Equal(t, before[p].Mass, mass)
	}
}

func TestEuler_NonPeriodicLeavesPositionOutside(t *testing.T) {
	s := mixedStore(t)
	e := NewEuler(box10(), 0, [3]particles.Vec3{}, false, nil)
	require.NoError(t, e.Attach(s))

	var f sim.Forces
	f.Reset(s.Np())
	require.NoError(t, e.Integrate(s, &f, 0.1))
	assert.InDelta(t, 10.05, s.Pos()[2].X, 1e-6)
}

func TestEuler_Simulate2DZeroesVY(t *testing.T) {
	s := mixedStore(t)
	e := NewEuler(box10(), 0, [3]particles.Vec3{}, true, nil)
	require.NoError(t, e.Attach(s))

	var f sim.Forces
	f.Reset(s.Np())
	f.Ace[2] = particles.Vec3{Y: 3}
	require.NoError(t, e.Integrate(s, &f, 0.1))

	assert.Zero(t, s.Velrhop()[2].Y)
	assert.Equal(t, 0.5, s.Pos()[2].Y)
}

func TestEuler_ShadowFollowsSplit(t *testing.T) {
	s := mixedStore(t)
	e := NewEuler(box10(), 0, [3]particles.Vec3{}, false, nil)
	require.NoError(t, e.Attach(s))

	var f sim.Forces
	f.Reset(s.Np())
	require.NoError(t, e.Integrate(s, &f, 0.1))

	require.NoError(t, s.EnsureCapacity(s.Np()+1, 0))
	daughter := s.Np()
	s.SetCounts(s.Np()+1, s.Npb())
	s.Split(1, daughter)

	_, velA, massA := e.Previous(1)
	_, velB, massB := e.Previous(daughter)
	assert.Equal(t, float32(1), massA)
	assert.Equal(t, float32(1), massB)
	assert.Equal(t, velA, velB)
}
