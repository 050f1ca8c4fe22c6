package systems

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/sphgrow/config"
	"github.com/pthm-cable/sphgrow/particles"
)

var unitX = particles.Vec3{X: 1}

// AxisStrategy picks the unit direction along which slot p splits. It may
// update state of p that both daughters then inherit.
type AxisStrategy interface {
	Axis(s *particles.Store, p int) particles.Vec3
}

func normalize(v particles.Vec3) particles.Vec3 {
	n := v.Norm()
	if !(n > 0) || !v.Finite() {
		return unitX
	}
	return v.Scale(1 / n)
}

// FixedAxis splits every particle along the same direction.
type FixedAxis struct {
	Dir particles.Vec3
}

func (f FixedAxis) Axis(*particles.Store, int) particles.Vec3 { return normalize(f.Dir) }

// VelocityAxis splits along the particle velocity, or X when at rest.
type VelocityAxis struct{}

func (VelocityAxis) Axis(s *particles.Store, p int) particles.Vec3 {
	return normalize(s.Velrhop()[p].Velocity())
}

// ShapeAxis splits along the eigenvector of the largest eigenvalue of the
// shape tensor. With Refine the eigenvalue is multiplied by 4, halving
// the extent of both daughters along the split axis.
type ShapeAxis struct {
	Refine bool
}

func (a ShapeAxis) Axis(s *particles.Store, p int) particles.Vec3 {
	q := s.Shape()[p]
	sym := mat.NewSymDense(3, []float64{
		q.At(0, 0), q.At(0, 1), q.At(0, 2),
		q.At(1, 0), q.At(1, 1), q.At(1, 2),
		q.At(2, 0), q.At(2, 1), q.At(2, 2),
	})
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return unitX
	}
	// Values are in ascending order.
	lambda := eig.Values(nil)[2]
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	v := particles.Vec3{X: vecs.At(0, 2), Y: vecs.At(1, 2), Z: vecs.At(2, 2)}
	if !(lambda > 0) {
		return unitX
	}
	v = normalize(v)

	if a.Refine {
		// Q + 3λvvᵀ has the same eigenvectors with λ replaced by 4λ.
		c := [3]float64{v.X, v.Y, v.Z}
		s.Shape()[p] = particles.Sym(func(i, j int) float64 {
			return q.At(i, j) + 3*lambda*c[i]*c[j]
		})
	}
	return v
}

// NewAxisStrategy builds the configured axis strategy.
func NewAxisStrategy(g config.GrowthConfig) (AxisStrategy, error) {
	switch g.Axis {
	case "fixed":
		return FixedAxis{Dir: particles.Vec3{X: g.FixedAxis[0], Y: g.FixedAxis[1], Z: g.FixedAxis[2]}}, nil
	case "velocity":
		return VelocityAxis{}, nil
	case "shape":
		return ShapeAxis{Refine: g.RefineShape}, nil
	}
	return nil, fmt.Errorf("unknown growth axis %q", g.Axis)
}
