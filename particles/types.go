// Package particles holds the columnar particle store and its value types.
package particles

import "math"

// Vec3 is a double precision position or displacement.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Sub returns v-o.
func (v Vec3) Sub(o Vec3) Vec3 { return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z} }

// Scale returns v*s.
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v.X * s, v.Y * s, v.Z * s} }

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 { return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z) }

// Finite reports whether every component is a finite number.
func (v Vec3) Finite() bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}

// Axis returns the component for axis 0 (X), 1 (Y) or 2 (Z).
func (v Vec3) Axis(a int) float64 {
	switch a {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// Vec4 packs velocity and density: X, Y, Z are velocity, W is density.
type Vec4 struct {
	X, Y, Z, W float32
}

// Velocity returns the velocity part as a double precision vector.
func (v Vec4) Velocity() Vec3 { return Vec3{float64(v.X), float64(v.Y), float64(v.Z)} }

// SymMatrix3 is a symmetric 3x3 matrix stored as its upper triangle.
type SymMatrix3 struct {
	XX, XY, XZ, YY, YZ, ZZ float32
}

// At returns element (i, j).
func (m SymMatrix3) At(i, j int) float64 {
	if i > j {
		i, j = j, i
	}
	switch {
	case i == 0 && j == 0:
		return float64(m.XX)
	case i == 0 && j == 1:
		return float64(m.XY)
	case i == 0 && j == 2:
		return float64(m.XZ)
	case i == 1 && j == 1:
		return float64(m.YY)
	case i == 1 && j == 2:
		return float64(m.YZ)
	default:
		return float64(m.ZZ)
	}
}

// Sym builds a SymMatrix3 from a row-major element accessor.
func Sym(at func(i, j int) float64) SymMatrix3 {
	return SymMatrix3{
		XX: float32(at(0, 0)), XY: float32(at(0, 1)), XZ: float32(at(0, 2)),
		YY: float32(at(1, 1)), YZ: float32(at(1, 2)),
		ZZ: float32(at(2, 2)),
	}
}

// Base particle types, stored in the low bits of a TypeCode.
const (
	TypeFixed    TypeCode = 0
	TypeMoving   TypeCode = 1
	TypeFloating TypeCode = 2
	TypeFluid    TypeCode = 3

	typeMask TypeCode = 0x0003
)

// Special status values, stored in the high bits of a TypeCode.
// Ordering matters: anything above SpecialPeriodic is not a live particle.
const (
	SpecialNormal   TypeCode = 0
	SpecialPeriodic TypeCode = 1 << 14
	SpecialIgnore   TypeCode = 2 << 14
	SpecialOut      TypeCode = 3 << 14

	specialMask TypeCode = 0xc000
)

// TypeCode is a bitfield holding base type and status flags.
type TypeCode uint16

// Base returns the base type (fixed, moving, floating or fluid).
func (c TypeCode) Base() TypeCode { return c & typeMask }

// Special returns the status bits.
func (c TypeCode) Special() TypeCode { return c & specialMask }

// WithSpecial returns c with its status replaced.
func (c TypeCode) WithSpecial(s TypeCode) TypeCode { return (c &^ specialMask) | (s & specialMask) }

// IsBoundary reports whether the particle belongs to the leading boundary
// block (fixed or moving).
func (c TypeCode) IsBoundary() bool { return c.Base() <= TypeMoving }

// IsFloating reports whether the base type is floating.
func (c TypeCode) IsFloating() bool { return c.Base() == TypeFloating }

// IsFluid reports whether the base type is fluid.
func (c TypeCode) IsFluid() bool { return c.Base() == TypeFluid }

// IsNormal reports whether the particle is a regular live particle.
func (c TypeCode) IsNormal() bool { return c.Special() == SpecialNormal }

// IsPeriodic reports whether the particle is a periodic ghost.
func (c TypeCode) IsPeriodic() bool { return c.Special() == SpecialPeriodic }

// IsLive reports whether the particle is normal or a periodic ghost.
func (c TypeCode) IsLive() bool { return c.Special() <= SpecialPeriodic }

func (c TypeCode) String() string {
	var base string
	switch c.Base() {
	case TypeFixed:
		base = "fixed"
	case TypeMoving:
		base = "moving"
	case TypeFloating:
		base = "floating"
	default:
		base = "fluid"
	}
	switch c.Special() {
	case SpecialPeriodic:
		return base + "/periodic"
	case SpecialIgnore:
		return base + "/ignore"
	case SpecialOut:
		return base + "/out"
	}
	return base
}

// Record is a row view of one particle, used at load and dump boundaries.
type Record struct {
	ID         uint32
	Code       TypeCode
	Pos        Vec3
	Velrhop    Vec4
	Mass       float32
	Shape      SymMatrix3
	Stress     SymMatrix3
	Pore       float32
	StrainRate float32
	Generation uint32
}
