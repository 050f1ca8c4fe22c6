package sim

import (
	"fmt"

	"github.com/pthm-cable/sphgrow/config"
	"github.com/pthm-cable/sphgrow/particles"
	"github.com/pthm-cable/sphgrow/snapshot"
	"github.com/pthm-cable/sphgrow/systems"
)

// RealMap returns the bounds particles live in. Configured bounds win,
// then the bounds stored with the case, then the particle bounds widened
// by border*h (dp/2 on periodic axes so images keep the particle spacing).
func RealMap(cfg *config.Config, c *snapshot.Case) (systems.Domain, error) {
	var d systems.Domain
	switch {
	case !cfg.Derived.DeriveDomain:
		d.Min = vec(cfg.Domain.Min)
		d.Max = vec(cfg.Domain.Max)
	case c.HasMap():
		d.Min, d.Max = c.MapMin, c.MapMax
	default:
		if len(c.Records) == 0 {
			return d, fmt.Errorf("cannot derive domain from an empty case: %w", config.ErrInvalid)
		}
		d.Min, d.Max = c.Limits(cfg.Domain.Border*cfg.Physics.H, cfg.Physics.Dp/2, cfg.Derived.PeriodicMask)
	}

	size := d.Size()
	for a := 0; a < 3; a++ {
		if !(size.Axis(a) > 0) {
			return d, fmt.Errorf("domain %v..%v is empty along axis %d: %w", d.Min, d.Max, a, config.ErrInvalid)
		}
	}
	return d, nil
}

// PeriodicIncrements returns the image translation for each periodic axis:
// minus the map size along the axis plus the configured cross offsets.
func PeriodicIncrements(cfg *config.Config, realMap systems.Domain) [3]particles.Vec3 {
	size := realMap.Size()
	var inc [3]particles.Vec3
	cross := [3][3]float64{cfg.Periodic.XInc, cfg.Periodic.YInc, cfg.Periodic.ZInc}
	for a := 0; a < 3; a++ {
		if cfg.Derived.PeriodicMask&(1<<a) == 0 {
			continue
		}
		v := vec(cross[a])
		switch a {
		case 0:
			v.X -= size.X
		case 1:
			v.Y -= size.Y
		case 2:
			v.Z -= size.Z
		}
		inc[a] = v
	}
	return inc
}

func vec(a [3]float64) particles.Vec3 { return particles.Vec3{X: a[0], Y: a[1], Z: a[2]} }
