// Package snapshot loads initial particle sets and persists simulation parts.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/pthm-cable/sphgrow/particles"
)

// ErrConfigMismatch reports a loaded case that disagrees with the run configuration.
var ErrConfigMismatch = errors.New("case does not match configuration")

// PeriodicUnknown marks a case whose periodic mode was not recorded.
const PeriodicUnknown = -1

// Counts holds per-type particle counts of a case.
type Counts struct {
	Fixed    int
	Moving   int
	Floating int
	Fluid    int
}

// Total returns the sum of all counts.
func (c Counts) Total() int { return c.Fixed + c.Moving + c.Floating + c.Fluid }

// Boundary returns the number of particles in the leading boundary block.
func (c Counts) Boundary() int { return c.Fixed + c.Moving }

// Case is a loaded particle set with its metadata.
type Case struct {
	Name    string
	Records []particles.Record
	Counts  Counts

	// Periodic is the axis mask the case was generated with, or PeriodicUnknown.
	Periodic int
	MapMin   particles.Vec3
	MapMax   particles.Vec3

	Part       int
	Time       float64
	NextID     uint32
	Dp         float64
	Simulate2D bool
}

// Loader produces a case.
type Loader interface {
	Load(ctx context.Context) (*Case, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (*Case, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context) (*Case, error) { return f(ctx) }

// HasMap reports whether the case carries explicit map bounds.
func (c *Case) HasMap() bool { return c.MapMin != c.MapMax }

// Check compares the loaded counts and periodic mode against the expected ones.
func (c *Case) Check(expected Counts, mask uint8) error {
	if c.Counts != expected {
		return fmt.Errorf("%w: loaded %+v, expected %+v", ErrConfigMismatch, c.Counts, expected)
	}
	if c.Periodic != PeriodicUnknown && c.Periodic != int(mask) {
		return fmt.Errorf("%w: periodic mode %d, configured %d", ErrConfigMismatch, c.Periodic, mask)
	}
	return nil
}

// Bounds returns the bounding box of all particle positions.
func (c *Case) Bounds() (lo, hi particles.Vec3) {
	if len(c.Records) == 0 {
		return lo, hi
	}
	lo = particles.Vec3{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64}
	hi = particles.Vec3{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64}
	for _, r := range c.Records {
		lo.X, hi.X = math.Min(lo.X, r.Pos.X), math.Max(hi.X, r.Pos.X)
		lo.Y, hi.Y = math.Min(lo.Y, r.Pos.Y), math.Max(hi.Y, r.Pos.Y)
		lo.Z, hi.Z = math.Min(lo.Z, r.Pos.Z), math.Max(hi.Z, r.Pos.Z)
	}
	return lo, hi
}

// Limits returns the particle bounds widened by border on every axis,
// or by borderPeri on the axes set in mask.
func (c *Case) Limits(border, borderPeri float64, mask uint8) (lo, hi particles.Vec3) {
	lo, hi = c.Bounds()
	b := [3]float64{border, border, border}
	for a := 0; a < 3; a++ {
		if mask&(1<<a) != 0 {
			b[a] = borderPeri
		}
	}
	lo = lo.Sub(particles.Vec3{X: b[0], Y: b[1], Z: b[2]})
	hi = hi.Add(particles.Vec3{X: b[0], Y: b[1], Z: b[2]})
	return lo, hi
}

// normalize orders records boundary first then by id, and recounts types.
func (c *Case) normalize() {
	sort.SliceStable(c.Records, func(i, j int) bool {
		bi, bj := c.Records[i].Code.IsBoundary(), c.Records[j].Code.IsBoundary()
		if bi != bj {
			return bi
		}
		return c.Records[i].ID < c.Records[j].ID
	})
	c.Counts = Counts{}
	for _, r := range c.Records {
		switch r.Code.Base() {
		case particles.TypeFixed:
			c.Counts.Fixed++
		case particles.TypeMoving:
			c.Counts.Moving++
		case particles.TypeFloating:
			c.Counts.Floating++
		default:
			c.Counts.Fluid++
		}
	}
}
