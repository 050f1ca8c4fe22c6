package systems

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pthm-cable/sphgrow/config"
	"github.com/pthm-cable/sphgrow/particles"
)

// GrowthStep carries the per-step inputs shared by every particle.
type GrowthStep struct {
	Step uint64
	DT   float64
	Seed uint64
	TipX float64 // largest x of the real fluid, set by Prepare
}

// Policy decides which fluid particles split this step. Mark must only
// read the store so it can run concurrently over disjoint slots.
type Policy interface {
	Name() string
	// Prepare computes reductions over the whole population before marking.
	Prepare(s *particles.Store, step *GrowthStep)
	Mark(s *particles.Store, p int, step *GrowthStep) bool
}

// tipX returns the largest x among normal fluid particles, or -Inf.
func tipX(s *particles.Store) float64 {
	tip := math.Inf(-1)
	pos, codes := s.Pos(), s.Code()
	for p := s.Npb(); p < s.Np(); p++ {
		if codes[p].IsFluid() && codes[p].IsNormal() && pos[p].X > tip {
			tip = pos[p].X
		}
	}
	return tip
}

// profile evaluates base*(1+aperture*(d-center)^2), skipping the distance
// term when there is no aperture.
func profile(base, aperture, center, d float64) float64 {
	if aperture == 0 {
		return base
	}
	x := d - center
	return base * (1 + aperture*x*x)
}

// uniform returns a number in [0,1) that depends only on seed, step and
// particle id, so marking is reproducible regardless of slot order or
// worker count.
func uniform(seed, step uint64, id uint32) float64 {
	var src rand.PCG
	src.Seed(seed, step<<32|uint64(id))
	return float64(src.Uint64()>>11) * 0x1p-53
}

// MassThreshold marks particles heavier than Factor*ReferenceMass. A
// non-zero Aperture scales the threshold with the distance d to the tip:
// Factor*ReferenceMass*(1+Aperture*(d-Center)^2).
type MassThreshold struct {
	Factor        float64
	ReferenceMass float64
	Aperture      float64
	Center        float64
}

func (m MassThreshold) Name() string { return "mass" }

func (m MassThreshold) Prepare(s *particles.Store, step *GrowthStep) {
	if m.Aperture != 0 {
		step.TipX = tipX(s)
	}
}

func (m MassThreshold) Mark(s *particles.Store, p int, step *GrowthStep) bool {
	limit := profile(m.Factor*m.ReferenceMass, m.Aperture, m.Center, step.TipX-s.Pos()[p].X)
	return float64(s.Mass()[p]) > limit
}

// GaussianBirth marks particles with probability
// Rate*dt*exp(-r²/2σ²), where r is the distance to Location.
type GaussianBirth struct {
	Rate     float64
	Location particles.Vec3
	Sigma    float64
}

func (g GaussianBirth) Name() string { return "gaussian" }

func (g GaussianBirth) Prepare(*particles.Store, *GrowthStep) {}

func (g GaussianBirth) Mark(s *particles.Store, p int, step *GrowthStep) bool {
	r := s.Pos()[p].Sub(g.Location).Norm()
	prob := g.Rate * step.DT * math.Exp(-r*r/(2*g.Sigma*g.Sigma))
	return uniform(step.Seed, step.Step, s.ID()[p]) < prob
}

// TipBandBirth marks particles with probability Rate*dt when they lie in
// the band tipX-Far < x < tipX-Near behind the growing tip.
type TipBandBirth struct {
	Rate      float64
	Near, Far float64
}

func (t TipBandBirth) Name() string { return "tipband" }

func (t TipBandBirth) Prepare(s *particles.Store, step *GrowthStep) { step.TipX = tipX(s) }

func (t TipBandBirth) Mark(s *particles.Store, p int, step *GrowthStep) bool {
	x := s.Pos()[p].X
	if x <= step.TipX-t.Far || x >= step.TipX-t.Near {
		return false
	}
	return uniform(step.Seed, step.Step, s.ID()[p]) < t.Rate*step.DT
}

// ShapeThreshold marks particles whose length along X, 2/sqrt(shape.XX),
// exceeds min(Cap, Base*(1+Aperture*(d-Center)^2)).
type ShapeThreshold struct {
	Base     float64
	Aperture float64
	Center   float64
	Cap      float64
}

func (t ShapeThreshold) Name() string { return "shape" }

func (t ShapeThreshold) Prepare(s *particles.Store, step *GrowthStep) {
	if t.Aperture != 0 {
		step.TipX = tipX(s)
	}
}

func (t ShapeThreshold) Mark(s *particles.Store, p int, step *GrowthStep) bool {
	qxx := float64(s.Shape()[p].XX)
	if !(qxx > 0) {
		return false
	}
	limit := t.Cap
	if t.Base > 0 {
		limit = profile(t.Base, t.Aperture, t.Center, step.TipX-s.Pos()[p].X)
		if t.Cap > 0 {
			limit = math.Min(limit, t.Cap)
		}
	}
	return 2/math.Sqrt(qxx) > limit
}

// NewPolicy builds the configured policy. It returns nil for "none".
func NewPolicy(g config.GrowthConfig, d config.DerivedConfig) (Policy, error) {
	switch g.Policy {
	case "none":
		return nil, nil
	case "mass":
		return MassThreshold{Factor: g.Factor, ReferenceMass: d.ReferenceMass, Aperture: g.Aperture, Center: g.Center}, nil
	case "gaussian":
		if g.Sigma <= 0 {
			return nil, fmt.Errorf("gaussian growth needs a positive sigma, got %g", g.Sigma)
		}
		loc := particles.Vec3{X: g.Location[0], Y: g.Location[1], Z: g.Location[2]}
		return GaussianBirth{Rate: g.Rate, Location: loc, Sigma: g.Sigma}, nil
	case "tipband":
		if g.Near >= g.Far {
			return nil, fmt.Errorf("tip band near %g must be below far %g", g.Near, g.Far)
		}
		return TipBandBirth{Rate: g.Rate, Near: g.Near, Far: g.Far}, nil
	case "shape":
		return ShapeThreshold{Base: g.Base, Aperture: g.Aperture, Center: g.Center, Cap: d.ShapeCap}, nil
	}
	return nil, fmt.Errorf("unknown growth policy %q", g.Policy)
}
