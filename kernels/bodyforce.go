// Package kernels holds simple force kernels and integrators that drive the
// particle core without a full SPH interaction model.
package kernels

import (
	"context"

	"github.com/pthm-cable/sphgrow/particles"
	"github.com/pthm-cable/sphgrow/sim"
	"github.com/pthm-cable/sphgrow/systems"
)

// BodyForce applies gravity and linear damping to every live non-boundary
// particle, and grows fluid mass at a fixed fractional rate.
type BodyForce struct {
	Gravity        particles.Vec3
	Damping        float64 // per second, opposes velocity
	MassGrowthRate float64 // per second, fraction of current mass
	Pool           *systems.WorkerPool
}

// Compute implements sim.ForceKernel.
func (k BodyForce) Compute(ctx context.Context, v sim.View, f *sim.Forces) error {
	s := v.Store
	codes, velrhop, mass := s.Code(), s.Velrhop(), s.Mass()
	npb, np := s.Npb(), s.Np()

	k.Pool.For(np-npb, func(_, i0, i1 int) {
		for p := npb + i0; p < npb+i1; p++ {
			c := codes[p]
			if !c.IsLive() || c.IsBoundary() {
				continue
			}
			vel := velrhop[p].Velocity()
			f.Ace[p] = k.Gravity.Sub(vel.Scale(k.Damping))
			if c.IsFluid() {
				f.Mdot[p] = float32(k.MassGrowthRate) * mass[p]
			}
		}
	})
	return ctx.Err()
}
