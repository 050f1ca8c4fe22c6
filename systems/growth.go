package systems

import (
	"fmt"
	"math"

	"github.com/pthm-cable/sphgrow/particles"
)

// GrowthReport summarizes one growth step.
type GrowthReport struct {
	Marked    int // particles split this step
	Np        int // store count after the splits, ghosts included
	Real      int // Np without periodic ghosts
	NpMinimum int // watermark over real particles, only recomputed when something split
	Grown     bool
}

// GrowthEngine splits fluid particles selected by a Policy.
type GrowthEngine struct {
	policy        Policy
	axis          AxisStrategy
	splitDistance float64
	rho0          float64
	partsOutMax   float64
	seed          uint64
	pool          *WorkerPool

	chunkCounts []int
	chunkGhosts []int
	npMinimum   int
}

// GrowthOptions configures a GrowthEngine.
type GrowthOptions struct {
	SplitDistance float64 // offset in units of the equivalent radius
	Rho0          float64 // density used when a particle has none
	PartsOutMax   float64
	Seed          uint64
}

// NewGrowthEngine creates an engine. A nil policy never marks anything.
func NewGrowthEngine(policy Policy, axis AxisStrategy, opts GrowthOptions, pool *WorkerPool) *GrowthEngine {
	if axis == nil {
		axis = FixedAxis{Dir: unitX}
	}
	return &GrowthEngine{
		policy:        policy,
		axis:          axis,
		splitDistance: opts.SplitDistance,
		rho0:          opts.Rho0,
		partsOutMax:   opts.PartsOutMax,
		seed:          opts.Seed,
		pool:          pool,
	}
}

// Watermark returns the population below which a run stops:
// np - floor(partsOutMax*(np-npb)).
func Watermark(np, npb int, partsOutMax float64) int {
	return np - int(partsOutMax*float64(np-npb))
}

// SetWatermark initializes the watermark from the loaded population.
func (e *GrowthEngine) SetWatermark(np, npb int) {
	e.npMinimum = Watermark(np, npb, e.partsOutMax)
}

// NpMinimum returns the current watermark.
func (e *GrowthEngine) NpMinimum() int { return e.npMinimum }

// Policy returns the configured policy, or nil.
func (e *GrowthEngine) Policy() Policy { return e.policy }

// EquivalentRadius returns the radius of a sphere of the given mass and density.
func EquivalentRadius(mass, rho float64) float64 {
	return math.Cbrt(3 * mass / (4 * math.Pi * rho))
}

// Step marks and splits particles in [Npb,Np). Daughter B of the k-th
// marked particle in slot order lands in slot Np+k with id NextID+k.
// Capacity is grown before any split.
func (e *GrowthEngine) Step(s *particles.Store, capacity CapacityService, step uint64, dt float64) (GrowthReport, error) {
	rep := GrowthReport{Np: s.Np(), Real: s.Np(), NpMinimum: e.npMinimum}
	if e.policy == nil {
		return rep, nil
	}

	gs := GrowthStep{Step: step, DT: dt, Seed: e.seed}
	e.policy.Prepare(s, &gs)

	np, npb := s.Np(), s.Npb()
	n := np - npb
	chunks := e.pool.Chunks(n)
	if cap(e.chunkCounts) < chunks+1 {
		e.chunkCounts = make([]int, chunks+1)
	}
	if cap(e.chunkGhosts) < chunks {
		e.chunkGhosts = make([]int, chunks)
	}
	counts, ghosts := e.chunkCounts[:chunks+1], e.chunkGhosts[:chunks]
	clear(counts)
	clear(ghosts)

	growth, codes := s.Growth(), s.Code()
	e.pool.For(n, func(chunk, i0, i1 int) {
		marked, periodic := 0, 0
		for p := npb + i0; p < npb+i1; p++ {
			c := codes[p]
			if c.IsPeriodic() {
				periodic++
			}
			growth[p] = c.IsFluid() && c.IsNormal() && e.policy.Mark(s, p, &gs)
			if growth[p] {
				marked++
			}
		}
		counts[chunk+1] = marked
		ghosts[chunk] = periodic
	})
	nGhost := 0
	for c := 1; c <= chunks; c++ {
		counts[c] += counts[c-1]
		nGhost += ghosts[c-1]
	}
	total := counts[chunks]
	rep.Real = np - nGhost
	if total == 0 {
		return rep, nil
	}

	if required := np + total; required > s.Cap() {
		if err := capacity.Grow(required); err != nil {
			return rep, fmt.Errorf("growing for %d splits: %w", total, err)
		}
		if s.Cap() < required {
			return rep, fmt.Errorf("capacity %d after grow is below %d: %w", s.Cap(), required, particles.ErrOutOfMemory)
		}
		rep.Grown = true
	}

	firstID, err := s.ReserveIDs(total)
	if err != nil {
		return rep, fmt.Errorf("assigning ids to %d daughters: %w", total, err)
	}
	s.SetCounts(np+total, npb)
	e.pool.For(n, func(chunk, i0, i1 int) {
		// Slices are fetched here since the grow above replaced them.
		growth, pos, ids := s.Growth(), s.Pos(), s.ID()
		mass, velrhop := s.Mass(), s.Velrhop()
		k := counts[chunk]
		for p := npb + i0; p < npb+i1; p++ {
			if !growth[p] {
				continue
			}
			rho := float64(velrhop[p].W)
			if !(rho > 0) {
				rho = e.rho0
			}
			offset := EquivalentRadius(float64(mass[p]), rho) * e.splitDistance
			axis := e.axis.Axis(s, p)
			center := pos[p]

			daughter := np + k
			s.Split(p, daughter)
			pos[p] = center.Sub(axis.Scale(offset))
			pos[daughter] = center.Add(axis.Scale(offset))
			ids[daughter] = firstID + uint32(k)
			k++
		}
	})

	rep.Marked = total
	rep.Np = s.Np()
	rep.Real += total
	e.npMinimum = Watermark(rep.Real, npb, e.partsOutMax)
	rep.NpMinimum = e.npMinimum
	return rep, nil
}
