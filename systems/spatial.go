// Package systems provides the per-step particle systems: spatial
// indexing, periodic replication and population growth.
package systems

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/pthm-cable/sphgrow/particles"
)

// ErrGridTooLarge is returned when the cell coordinates do not fit a packed
// cell code or the reindex buckets do not fit int32 keys.
var ErrGridTooLarge = errors.New("grid does not fit 32-bit cell indexing")

// Domain is an axis aligned box. Contains treats it as half-open.
type Domain struct {
	Min, Max particles.Vec3
}

// Size returns Max-Min.
func (d Domain) Size() particles.Vec3 { return d.Max.Sub(d.Min) }

// Contains reports whether p is finite and Min <= p < Max on every axis.
func (d Domain) Contains(p particles.Vec3) bool {
	return p.Finite() &&
		d.Min.X <= p.X && p.X < d.Max.X &&
		d.Min.Y <= p.Y && p.Y < d.Max.Y &&
		d.Min.Z <= p.Z && p.Z < d.Max.Z
}

// Expand grows the box by margin on the axes selected by mask
// (bit 0 = X, bit 1 = Y, bit 2 = Z).
func (d Domain) Expand(margin float64, mask uint8) Domain {
	if mask&1 != 0 {
		d.Min.X -= margin
		d.Max.X += margin
	}
	if mask&2 != 0 {
		d.Min.Y -= margin
		d.Max.Y += margin
	}
	if mask&4 != 0 {
		d.Min.Z -= margin
		d.Max.Z += margin
	}
	return d
}

// Grid is a uniform cell partition of a Domain.
type Grid struct {
	Domain   Domain
	CellSize float64
	Cells    [3]int // cells per axis

	shift [3]uint // bit offset of each axis in a cell code
}

// NewGrid builds a grid of cubic cells of edge cellSize covering d.
func NewGrid(d Domain, cellSize float64) (Grid, error) {
	if !(cellSize > 0) {
		return Grid{}, fmt.Errorf("cell size %g must be positive", cellSize)
	}
	g := Grid{Domain: d, CellSize: cellSize}
	size := d.Size()
	var width [3]uint
	for a := 0; a < 3; a++ {
		n := int(math.Ceil(size.Axis(a) / cellSize))
		if n < 1 {
			n = 1
		}
		g.Cells[a] = n
		width[a] = uint(bits.Len(uint(n - 1)))
	}
	if width[0]+width[1]+width[2] > 32 {
		return Grid{}, fmt.Errorf("%dx%dx%d cells: %w", g.Cells[0], g.Cells[1], g.Cells[2], ErrGridTooLarge)
	}
	if buckets := numLiveClasses*g.NumCells() + numClasses - numLiveClasses; buckets > math.MaxInt32 {
		return Grid{}, fmt.Errorf("%dx%dx%d cells need %d sort buckets: %w",
			g.Cells[0], g.Cells[1], g.Cells[2], buckets, ErrGridTooLarge)
	}
	// X is most significant so that code order matches linear index order.
	g.shift = [3]uint{width[1] + width[2], width[2], 0}
	return g, nil
}

// NumCells returns the total number of cells.
func (g Grid) NumCells() int { return g.Cells[0] * g.Cells[1] * g.Cells[2] }

// CellOf returns floor((p-min)/cellSize) per axis, clamped to the grid.
func (g Grid) CellOf(p particles.Vec3) (cx, cy, cz int) {
	return g.clamp(0, p.X-g.Domain.Min.X), g.clamp(1, p.Y-g.Domain.Min.Y), g.clamp(2, p.Z-g.Domain.Min.Z)
}

func (g Grid) clamp(axis int, d float64) int {
	c := math.Floor(d / g.CellSize)
	if !(c >= 0) { // also catches NaN
		return 0
	}
	if c > float64(g.Cells[axis]-1) {
		return g.Cells[axis] - 1
	}
	return int(c)
}

// Encode packs cell coordinates into a cell code.
func (g Grid) Encode(cx, cy, cz int) uint32 {
	return uint32(cx)<<g.shift[0] | uint32(cy)<<g.shift[1] | uint32(cz)<<g.shift[2]
}

// Decode unpacks a cell code.
func (g Grid) Decode(code uint32) (cx, cy, cz int) {
	cx = int(code >> g.shift[0])
	cy = int((code >> g.shift[1]) & (1<<(g.shift[0]-g.shift[1]) - 1))
	cz = int(code & (1<<g.shift[1] - 1))
	return cx, cy, cz
}

// CodeOf returns the cell code of a position.
func (g Grid) CodeOf(p particles.Vec3) uint32 {
	return g.Encode(g.CellOf(p))
}

// Linear returns the dense index of a cell, Z fastest.
func (g Grid) Linear(cx, cy, cz int) int {
	return (cx*g.Cells[1]+cy)*g.Cells[2] + cz
}

// Class is the group a particle is sorted into by Reindex.
// Classes are laid out in this order in the store.
type Class uint8

const (
	ClassBound      Class = iota // real fixed and moving
	ClassFluid                   // real fluid and floating
	ClassGhostBound              // periodic images of boundary particles
	ClassGhostFluid              // periodic images of fluid and floating particles
	ClassOutBound                // excluded fixed, moving or floating
	ClassOutFluid                // excluded fluid
	ClassIgnore                  // retired ghosts and other dead slots

	numLiveClasses = 4
	numClasses     = 7
)

func (c Class) String() string {
	switch c {
	case ClassBound:
		return "bound"
	case ClassFluid:
		return "fluid"
	case ClassGhostBound:
		return "ghost_bound"
	case ClassGhostFluid:
		return "ghost_fluid"
	case ClassOutBound:
		return "out_bound"
	case ClassOutFluid:
		return "out_fluid"
	}
	return "ignore"
}

// classify returns the class of a particle and its (possibly updated) code.
// Live particles outside the domain are marked out.
func classify(code particles.TypeCode, inside bool) (Class, particles.TypeCode) {
	switch code.Special() {
	case particles.SpecialNormal:
		if !inside {
			code = code.WithSpecial(particles.SpecialOut)
			if code.IsFluid() {
				return ClassOutFluid, code
			}
			return ClassOutBound, code
		}
		if code.IsBoundary() {
			return ClassBound, code
		}
		return ClassFluid, code
	case particles.SpecialPeriodic:
		if !inside {
			return ClassIgnore, code
		}
		if code.IsBoundary() {
			return ClassGhostBound, code
		}
		return ClassGhostFluid, code
	}
	return ClassIgnore, code
}

// Report summarizes one Reindex pass.
type Report struct {
	Np       int // active particles including ghosts
	Npb      int // real boundary particles at the front
	NpbOk    int // boundary particles retained
	NpbGhost int
	NpfGhost int
	NpbOut   int // excluded fixed, moving or floating particles
	NpfOut   int // excluded fluid particles
	Domain   Domain

	// Excluded holds copies of the excluded particles, boundary first.
	Excluded []particles.Record
}

// SpatialIndex sorts the store into classes and grid cells and keeps the
// per-cell slot ranges of the live classes.
type SpatialIndex struct {
	grid   Grid
	stable bool
	pool   *WorkerPool

	keys   []int32
	order  []int32
	counts []int32
	begin  []int32 // bucket start slots, len = buckets+1
}

// NewSpatialIndex creates an index over grid. In stable mode equal keys
// keep their slot order, otherwise their order is unspecified.
func NewSpatialIndex(grid Grid, stable bool, pool *WorkerPool) *SpatialIndex {
	return &SpatialIndex{grid: grid, stable: stable, pool: pool}
}

// Grid returns the grid used by the index.
func (x *SpatialIndex) Grid() Grid { return x.grid }

func (x *SpatialIndex) buckets() int { return numLiveClasses*x.grid.NumCells() + numClasses - numLiveClasses }

func (x *SpatialIndex) bucketOf(c Class, linear int) int {
	if c < numLiveClasses {
		return int(c)*x.grid.NumCells() + linear
	}
	return numLiveClasses*x.grid.NumCells() + int(c-numLiveClasses)
}

// Reindex classifies slots [0,Np), recomputes cell codes, and permutes
// every store column so that classes and cells are contiguous. The store
// counts are set to the live range and the real boundary block.
func (x *SpatialIndex) Reindex(s *particles.Store) Report {
	n := s.Np()
	if cap(x.keys) < n {
		x.keys = make([]int32, n)
		x.order = make([]int32, n)
	}
	keys, order := x.keys[:n], x.order[:n]
	nb := x.buckets()
	if cap(x.counts) < nb {
		x.counts = make([]int32, nb)
		x.begin = make([]int32, nb+1)
	}
	counts, begin := x.counts[:nb], x.begin[:nb+1]
	clear(counts)

	pos, codes, cells := s.Pos(), s.Code(), s.Cell()
	g := x.grid
	x.pool.For(n, func(_, i0, i1 int) {
		for i := i0; i < i1; i++ {
			class, code := classify(codes[i], g.Domain.Contains(pos[i]))
			codes[i] = code
			linear := 0
			if class < numLiveClasses {
				cx, cy, cz := g.CellOf(pos[i])
				cells[i] = g.Encode(cx, cy, cz)
				linear = g.Linear(cx, cy, cz)
			}
			keys[i] = int32(x.bucketOf(class, linear))
		}
	})

	if x.stable {
		for _, k := range keys {
			counts[k]++
		}
		prefix(counts, begin)
		cursor := counts // reused as write cursors
		copy(cursor, begin[:nb])
		for i, k := range keys {
			order[cursor[k]] = int32(i)
			cursor[k]++
		}
	} else {
		x.pool.For(n, func(_, i0, i1 int) {
			for _, k := range keys[i0:i1] {
				atomic.AddInt32(&counts[k], 1)
			}
		})
		prefix(counts, begin)
		copy(counts, begin[:nb])
		x.pool.For(n, func(_, i0, i1 int) {
			for i := i0; i < i1; i++ {
				slot := atomic.AddInt32(&counts[keys[i]], 1) - 1
				order[slot] = int32(i)
			}
		})
	}

	s.Permute(order)

	classStart := func(c Class) int { return int(begin[x.bucketOf(c, 0)]) }
	rep := Report{
		Npb:      classStart(ClassFluid),
		NpbGhost: classStart(ClassGhostFluid) - classStart(ClassGhostBound),
		NpfGhost: classStart(ClassOutBound) - classStart(ClassGhostFluid),
		NpbOut:   classStart(ClassOutFluid) - classStart(ClassOutBound),
		NpfOut:   classStart(ClassIgnore) - classStart(ClassOutFluid),
		Np:       classStart(ClassOutBound),
		Domain:   g.Domain,
	}
	rep.NpbOk = rep.Npb
	if out := rep.NpbOut + rep.NpfOut; out > 0 {
		rep.Excluded = make([]particles.Record, 0, out)
		for p := rep.Np; p < rep.Np+out; p++ {
			rep.Excluded = append(rep.Excluded, s.Record(p))
		}
	}
	s.SetCounts(rep.Np, rep.Npb)
	return rep
}

// prefix writes exclusive prefix sums of counts into begin, with the total last.
func prefix(counts, begin []int32) {
	var sum int32
	for k, c := range counts {
		begin[k] = sum
		sum += c
	}
	begin[len(counts)] = sum
}

// CellRange returns the slot range [start,end) of class c in cell
// (cx,cy,cz) as of the last Reindex. Only live classes are indexed by cell.
func (x *SpatialIndex) CellRange(c Class, cx, cy, cz int) (start, end int) {
	if c >= numLiveClasses || x.begin == nil {
		return 0, 0
	}
	k := x.bucketOf(c, x.grid.Linear(cx, cy, cz))
	return int(x.begin[k]), int(x.begin[k+1])
}

// NeighborBounds returns the inclusive cell bounds within hdiv cells of
// (cx,cy,cz), clipped to the grid.
func (x *SpatialIndex) NeighborBounds(cx, cy, cz, hdiv int) (lo, hi [3]int) {
	c := [3]int{cx, cy, cz}
	for a := 0; a < 3; a++ {
		lo[a] = max(c[a]-hdiv, 0)
		hi[a] = min(c[a]+hdiv, x.grid.Cells[a]-1)
	}
	return lo, hi
}

// ForEachNeighbor calls fn with every live slot in the cells within hdiv
// cells of p. Cells adjacent in Z are contiguous, so each (x,y) column of
// cells is one slot range per class.
func (x *SpatialIndex) ForEachNeighbor(p particles.Vec3, hdiv int, fn func(q int)) {
	if x.begin == nil {
		return
	}
	cx, cy, cz := x.grid.CellOf(p)
	lo, hi := x.NeighborBounds(cx, cy, cz, hdiv)
	for c := Class(0); c < numLiveClasses; c++ {
		for ix := lo[0]; ix <= hi[0]; ix++ {
			for iy := lo[1]; iy <= hi[1]; iy++ {
				k0 := x.bucketOf(c, x.grid.Linear(ix, iy, lo[2]))
				k1 := x.bucketOf(c, x.grid.Linear(ix, iy, hi[2]))
				for q := x.begin[k0]; q < x.begin[k1+1]; q++ {
					fn(int(q))
				}
			}
		}
	}
}
