package kernels

import (
	"fmt"

	"github.com/pthm-cable/sphgrow/particles"
	"github.com/pthm-cable/sphgrow/sim"
	"github.com/pthm-cable/sphgrow/systems"
)

// Names of the previous-step shadow columns.
const (
	ColPosPre     = "pos_pre"
	ColVelrhopPre = "velrhop_pre"
	ColMassPre    = "mass_pre"
)

// Euler is a semi-implicit Euler integrator. It keeps the previous-step
// state of every particle in shadow columns and wraps positions that cross
// a periodic axis back into the real map.
type Euler struct {
	realMap    systems.Domain
	mask       uint8
	inc        [3]particles.Vec3
	simulate2D bool
	pool       *systems.WorkerPool

	posPre     *particles.Attr[particles.Vec3]
	velrhopPre *particles.Attr[particles.Vec4]
	massPre    *particles.Attr[float32]
}

// NewEuler creates an integrator for the given real map. inc holds the
// periodic translation of each axis set in mask.
func NewEuler(realMap systems.Domain, mask uint8, inc [3]particles.Vec3, simulate2D bool, pool *systems.WorkerPool) *Euler {
	return &Euler{realMap: realMap, mask: mask, inc: inc, simulate2D: simulate2D, pool: pool}
}

// Attach implements sim.Integrator.
func (e *Euler) Attach(s *particles.Store) error {
	e.posPre = particles.NewAttr[particles.Vec3](ColPosPre, nil)
	e.velrhopPre = particles.NewAttr[particles.Vec4](ColVelrhopPre, nil)
	e.massPre = particles.NewAttr[float32](ColMassPre, particles.Halve[float32])
	for _, c := range []particles.Column{e.posPre, e.velrhopPre, e.massPre} {
		if err := s.Register(c); err != nil {
			return fmt.Errorf("registering %s: %w", c.Name(), err)
		}
	}
	return nil
}

// Integrate implements sim.Integrator. Boundary particles and ghosts are
// left in place.
func (e *Euler) Integrate(s *particles.Store, f *sim.Forces, dt float64) error {
	if e.posPre == nil {
		return fmt.Errorf("euler: integrate before attach")
	}
	np, npb := s.Np(), s.Npb()
	if len(f.Ace) < np || len(f.Arho) < np || len(f.Mdot) < np {
		return fmt.Errorf("euler: forces sized %d for %d particles", len(f.Ace), np)
	}

	codes := s.Code()
	pos, velrhop, mass := s.Pos(), s.Velrhop(), s.Mass()
	posPre, velrhopPre, massPre := e.posPre.Data(), e.velrhopPre.Data(), e.massPre.Data()

	copy(posPre[:np], pos[:np])
	copy(velrhopPre[:np], velrhop[:np])
	copy(massPre[:np], mass[:np])

	e.pool.For(np-npb, func(_, i0, i1 int) {
		for p := npb + i0; p < npb+i1; p++ {
			if !codes[p].IsNormal() {
				continue
			}
			vr := velrhop[p]
			a := f.Ace[p]
			vr.X += float32(a.X * dt)
			vr.Y += float32(a.Y * dt)
			vr.Z += float32(a.Z * dt)
			if e.simulate2D {
				vr.Y = 0
			}
			vr.W += f.Arho[p] * float32(dt)
			velrhop[p] = vr

			mass[p] += f.Mdot[p] * float32(dt)
			pos[p] = e.wrap(pos[p].Add(vr.Velocity().Scale(dt)))
		}
	})
	return nil
}

// wrap moves a position that left the real map across a periodic axis back
// by one period. Non-finite positions are left for the reindex to exclude.
func (e *Euler) wrap(p particles.Vec3) particles.Vec3 {
	if e.mask == 0 || !p.Finite() {
		return p
	}
	for a := 0; a < 3; a++ {
		if e.mask&(1<<a) == 0 {
			continue
		}
		switch {
		case p.Axis(a) >= e.realMap.Max.Axis(a):
			p = p.Add(e.inc[a])
		case p.Axis(a) < e.realMap.Min.Axis(a):
			p = p.Sub(e.inc[a])
		}
	}
	return p
}

// Previous returns the shadow state of slot p from before the last step.
func (e *Euler) Previous(p int) (particles.Vec3, particles.Vec4, float32) {
	return e.posPre.Data()[p], e.velrhopPre.Data()[p], e.massPre.Data()[p]
}
