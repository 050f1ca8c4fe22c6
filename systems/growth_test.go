package systems

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm-cable/sphgrow/config"
	"github.com/pthm-cable/sphgrow/particles"
)

func massEngine(pool *WorkerPool) *GrowthEngine {
	policy := MassThreshold{Factor: 1.5, ReferenceMass: 1.0}
	return NewGrowthEngine(policy, FixedAxis{Dir: particles.Vec3{X: 2}},
		GrowthOptions{SplitDistance: 1, Rho0: 1000, PartsOutMax: 1}, pool)
}

func TestGrowth_ScenarioB(t *testing.T) {
	heavy := fluidAt(5, 5, 0.5, 0.5)
	heavy.Mass = 2
	heavy.Velrhop = particles.Vec4{X: 0.1, W: 1000}
	heavy.Generation = 3
	s := loadStore(t, []particles.Record{boundAt(0, 0, 0, 0), heavy, fluidAt(6, 2, 0.5, 0.5)}, 1)
	require.NoError(t, s.EnsureCapacity(8, 0))

	e := massEngine(nil)
	rep, err := e.Step(s, noGrow(t), 1, 1e-4)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Marked)
	assert.Equal(t, 4, rep.Np)
	assert.Equal(t, 4, s.Np())
	assert.False(t, rep.Grown)

	r := EquivalentRadius(2, 1000)
	a, b := s.Record(1), s.Record(3)
	assert.Equal(t, float32(1), a.Mass)
	assert.Equal(t, float32(1), b.Mass)
	assert.InDelta(t, 5-r, a.Pos.X, 1e-12)
	assert.InDelta(t, 5+r, b.Pos.X, 1e-12)
	assert.Equal(t, a.Pos.Y, b.Pos.Y)
	assert.Equal(t, uint32(5), a.ID)
	assert.Equal(t, uint32(7), b.ID, "daughter takes the next free id")
	assert.Equal(t, uint32(4), a.Generation)
	assert.Equal(t, uint32(4), b.Generation)
	assert.Equal(t, a.Velrhop, b.Velrhop)
	assert.False(t, s.Growth()[1])
	assert.False(t, s.Growth()[3])

	// The light particle is untouched.
	assert.Equal(t, float32(1), s.Mass()[2])
	assert.Equal(t, uint32(8), s.NextID())
}

func TestGrowth_IDSpaceExhausted(t *testing.T) {
	heavy := fluidAt(math.MaxUint32-1, 5, 0.5, 0.5)
	heavy.Mass = 2
	s := loadStore(t, []particles.Record{fluidAt(0, 2, 0.5, 0.5), heavy}, 0)
	require.NoError(t, s.EnsureCapacity(4, 0))

	_, err := massEngine(nil).Step(s, noGrow(t), 1, 1e-4)
	assert.ErrorIs(t, err, particles.ErrParticleCountOverflow)
	assert.Equal(t, 2, s.Np(), "no daughter is added")
	assert.Equal(t, uint32(math.MaxUint32), s.NextID())
}

func TestGrowth_MassConservationAndSlotOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	var recs []particles.Record
	for i := 0; i < 500; i++ {
		r := fluidAt(uint32(i), rng.Float64()*10, 0.5, 0.5)
		r.Mass = float32(0.5 + 2*rng.Float64())
		recs = append(recs, r)
	}
	s := loadStore(t, recs, 0)
	massPre := particles.NewAttr[float32]("mass_pre", particles.Halve[float32])
	require.NoError(t, s.Register(massPre))
	for i := range recs {
		massPre.Data()[i] = recs[i].Mass
	}

	pool := NewWorkerPool(4, 1)
	defer pool.Stop()
	var calls int
	rep, err := massEngine(pool).Step(s, growInto(s, &calls), 1, 1e-4)
	require.NoError(t, err)

	var marked []int
	var before, after float64
	for i, r := range recs {
		before += float64(r.Mass)
		if float64(r.Mass) > 1.5 {
			marked = append(marked, i)
		}
	}
	require.Equal(t, len(marked), rep.Marked)
	assert.Equal(t, 500+len(marked), s.Np())
	assert.Equal(t, 1, calls, "capacity grown once before splitting")

	for p := 0; p < s.Np(); p++ {
		after += float64(s.Mass()[p])
	}
	assert.InDelta(t, before, after, 1e-9)

	// Daughter k belongs to the k-th marked parent in slot order.
	for k, parent := range marked {
		d := 500 + k
		assert.Equal(t, uint32(500+k), s.ID()[d])
		assert.Equal(t, recs[parent].Mass, s.Mass()[parent]+s.Mass()[d])
		assert.Equal(t, s.Mass()[parent], massPre.Data()[d])
		assert.InDelta(t, recs[parent].Pos.X, (s.Pos()[parent].X+s.Pos()[d].X)/2, 1e-12)
	}
}

func TestGrowth_GhostsAndBoundariesNeverSplit(t *testing.T) {
	recs := []particles.Record{boundAt(0, 1, 0.5, 0.5), fluidAt(1, 2, 0.5, 0.5), fluidAt(2, 3, 0.5, 0.5)}
	recs[0].Mass = 9
	recs[2].Mass = 9
	recs[1].Code = particles.TypeFloating
	recs[1].Mass = 9
	s := loadStore(t, recs, 1)
	s.Code()[2] = s.Code()[2].WithSpecial(particles.SpecialPeriodic)

	rep, err := massEngine(nil).Step(s, noGrow(t), 1, 1e-4)
	require.NoError(t, err)
	assert.Zero(t, rep.Marked)
	assert.Equal(t, 3, s.Np())
	assert.Equal(t, 2, rep.Real)
}

func TestGrowth_NilPolicy(t *testing.T) {
	s := loadStore(t, []particles.Record{fluidAt(0, 1, 1, 1)}, 0)
	e := NewGrowthEngine(nil, nil, GrowthOptions{PartsOutMax: 1}, nil)
	rep, err := e.Step(s, noGrow(t), 1, 1)
	require.NoError(t, err)
	assert.Zero(t, rep.Marked)
}

func TestGrowth_Watermark(t *testing.T) {
	assert.Equal(t, 55, Watermark(100, 10, 0.5))
	assert.Equal(t, 10, Watermark(100, 10, 1))
	assert.Equal(t, 100, Watermark(100, 10, 0))

	recs := []particles.Record{boundAt(0, 0, 0, 0)}
	for i := 1; i <= 10; i++ {
		r := fluidAt(uint32(i), float64(i), 0.5, 0.5)
		r.Mass = 2
		recs = append(recs, r)
	}
	s := loadStore(t, recs, 1)
	e := NewGrowthEngine(MassThreshold{Factor: 1.5, ReferenceMass: 1}, nil,
		GrowthOptions{SplitDistance: 1, Rho0: 1000, PartsOutMax: 0.5}, nil)
	e.SetWatermark(s.Np(), s.Npb())
	assert.Equal(t, 6, e.NpMinimum())

	var calls int
	rep, err := e.Step(s, growInto(s, &calls), 1, 1e-4)
	require.NoError(t, err)
	assert.Equal(t, 21, rep.Real)
	assert.Equal(t, 11, rep.NpMinimum)
	assert.Equal(t, 11, e.NpMinimum())
}

func TestGrowth_GrowFailureLeavesStoreIntact(t *testing.T) {
	r := fluidAt(0, 1, 1, 1)
	r.Mass = 5
	s := loadStore(t, []particles.Record{r}, 0)
	fail := CapacityFunc(func(int) error { return particles.ErrOutOfMemory })

	_, err := massEngine(nil).Step(s, fail, 1, 1)
	assert.ErrorIs(t, err, particles.ErrOutOfMemory)
	assert.Equal(t, 1, s.Np())
	assert.Equal(t, float32(5), s.Mass()[0])
}

func TestAxisStrategies(t *testing.T) {
	s := loadStore(t, []particles.Record{fluidAt(0, 0, 0, 0), fluidAt(1, 0, 0, 0)}, 0)
	s.Velrhop()[1] = particles.Vec4{Y: -1, W: 1000}
	s.Shape()[0] = particles.SymMatrix3{XX: 1, YY: 4, ZZ: 2}

	assert.Equal(t, particles.Vec3{X: 1}, VelocityAxis{}.Axis(s, 0), "at rest falls back to X")
	assert.Equal(t, particles.Vec3{Y: -1}, VelocityAxis{}.Axis(s, 1))
	assert.Equal(t, particles.Vec3{Z: 1}, FixedAxis{Dir: particles.Vec3{Z: 1}}.Axis(s, 0))
	assert.Equal(t, particles.Vec3{X: 1}, FixedAxis{}.Axis(s, 0))

	v := ShapeAxis{}.Axis(s, 0)
	assert.InDelta(t, 1, math.Abs(v.Y), 1e-9)
	assert.InDelta(t, 0, v.X, 1e-9)
	assert.Equal(t, float32(4), s.Shape()[0].YY, "unrefined axis leaves the tensor alone")

	v = ShapeAxis{Refine: true}.Axis(s, 0)
	assert.InDelta(t, 1, math.Abs(v.Y), 1e-9)
	q := s.Shape()[0]
	assert.InDelta(t, 16, q.YY, 1e-5)
	assert.InDelta(t, 1, q.XX, 1e-5)
	assert.InDelta(t, 2, q.ZZ, 1e-5)
	assert.InDelta(t, 0, q.XY, 1e-5)
}

func TestShapeAxis_RefineIsInherited(t *testing.T) {
	r := fluidAt(0, 5, 0.5, 0.5)
	r.Mass = 2
	r.Shape = particles.SymMatrix3{XX: 9, YY: 1, ZZ: 1}
	s := loadStore(t, []particles.Record{r}, 0)

	e := NewGrowthEngine(MassThreshold{Factor: 1, ReferenceMass: 1}, ShapeAxis{Refine: true},
		GrowthOptions{SplitDistance: 0.5, Rho0: 1000, PartsOutMax: 1}, nil)
	var calls int
	_, err := e.Step(s, growInto(s, &calls), 1, 1e-4)
	require.NoError(t, err)

	for p := 0; p < 2; p++ {
		assert.InDelta(t, 36, s.Shape()[p].XX, 1e-4)
		assert.Equal(t, 0.5, s.Pos()[p].Y)
	}
	off := EquivalentRadius(2, 1000) * 0.5
	assert.InDelta(t, 2*off, math.Abs(s.Pos()[1].X-s.Pos()[0].X), 1e-12)
}

func TestPolicies(t *testing.T) {
	recs := []particles.Record{
		fluidAt(0, 1.0, 0.5, 0.5), // tip
		fluidAt(1, 0.9, 0.5, 0.5), // in band
		fluidAt(2, 0.5, 0.5, 0.5), // behind band
	}
	recs[0].Shape = particles.SymMatrix3{XX: 4}   // length 1
	recs[1].Shape = particles.SymMatrix3{XX: 100} // length 0.2
	s := loadStore(t, recs, 0)

	mark := func(p Policy) []bool {
		st := GrowthStep{Step: 3, DT: 1, Seed: 9}
		p.Prepare(s, &st)
		out := make([]bool, s.Np())
		for i := range out {
			out[i] = p.Mark(s, i, &st)
		}
		return out
	}

	assert.Equal(t, []bool{false, true, false}, mark(TipBandBirth{Rate: 1, Near: 0.05, Far: 0.25}))
	assert.Equal(t, []bool{false, false, false}, mark(TipBandBirth{Rate: 0, Near: 0.05, Far: 0.25}))
	assert.Equal(t, []bool{true, false, false}, mark(ShapeThreshold{Cap: 0.5}))
	assert.Equal(t, []bool{true, true, false}, mark(ShapeThreshold{Base: 0.1, Cap: 0.5}))
	assert.Equal(t, []bool{true, false, false},
		mark(GaussianBirth{Rate: 1e9, Location: particles.Vec3{X: 1, Y: 0.5, Z: 0.5}, Sigma: 0.01}))

	// With an aperture the mass threshold grows away from the tip.
	s.Mass()[0], s.Mass()[1], s.Mass()[2] = 1.2, 1.2, 1.2
	assert.Equal(t, []bool{true, true, false},
		mark(MassThreshold{Factor: 1, ReferenceMass: 1, Aperture: 1}))
}

func TestUniform_IsReproducible(t *testing.T) {
	var sum float64
	for id := uint32(0); id < 2000; id++ {
		u := uniform(42, 7, id)
		require.GreaterOrEqual(t, u, 0.0)
		require.Less(t, u, 1.0)
		assert.Equal(t, u, uniform(42, 7, id))
		sum += u
	}
	assert.InDelta(t, 0.5, sum/2000, 0.05)
	assert.NotEqual(t, uniform(42, 7, 1), uniform(42, 8, 1))
}

func TestGaussianBirth_IndependentOfWorkers(t *testing.T) {
	var recs []particles.Record
	for i := 0; i < 400; i++ {
		recs = append(recs, fluidAt(uint32(i), float64(i)*0.01, 0.5, 0.5))
	}
	policy := GaussianBirth{Rate: 2000, Location: particles.Vec3{X: 2, Y: 0.5, Z: 0.5}, Sigma: 0.5}

	run := func(pool *WorkerPool) []uint32 {
		s := loadStore(t, recs, 0)
		e := NewGrowthEngine(policy, nil, GrowthOptions{SplitDistance: 1, Rho0: 1000, PartsOutMax: 1, Seed: 5}, pool)
		var calls int
		_, err := e.Step(s, growInto(s, &calls), 17, 1e-3)
		require.NoError(t, err)
		return append([]uint32(nil), s.ID()[:s.Np()]...)
	}
	pool := NewWorkerPool(4, 1)
	defer pool.Stop()
	serial := run(nil)
	assert.Greater(t, len(serial), 400)
	assert.Equal(t, serial, run(pool))
}

func TestNewPolicy(t *testing.T) {
	cfg := config.Default()
	p, err := NewPolicy(cfg.Growth, cfg.Derived)
	require.NoError(t, err)
	assert.Nil(t, p)

	cfg.Growth.Policy = "mass"
	cfg.Growth.Factor = 2
	p, err = NewPolicy(cfg.Growth, cfg.Derived)
	require.NoError(t, err)
	assert.Equal(t, MassThreshold{Factor: 2, ReferenceMass: cfg.Derived.ReferenceMass}, p)

	cfg.Growth.Policy = "tipband"
	cfg.Growth.Near, cfg.Growth.Far = 0.3, 0.1
	_, err = NewPolicy(cfg.Growth, cfg.Derived)
	assert.Error(t, err)

	cfg.Growth.Axis = "shape"
	a, err := NewAxisStrategy(cfg.Growth)
	require.NoError(t, err)
	assert.Equal(t, ShapeAxis{}, a)
}
