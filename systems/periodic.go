package systems

import (
	"fmt"
	"sync/atomic"

	"github.com/pthm-cable/sphgrow/particles"
)

// directionBit marks a list entry whose ghost is placed at pos-inc.
const directionBit = 0x80000000

// CapacityService grows the store so that at least required slots fit.
type CapacityService interface {
	Grow(required int) error
}

// CapacityFunc adapts a function to CapacityService.
type CapacityFunc func(required int) error

// Grow calls f(required).
func (f CapacityFunc) Grow(required int) error { return f(required) }

// PeriodicReport summarizes one replication pass.
type PeriodicReport struct {
	Retired  int // ghosts from the previous pass marked ignore
	NpbGhost int
	NpfGhost int
	Grows    int // capacity grows needed to fit the ghosts
}

// PeriodicReplicator creates ghost copies of particles whose image across
// a periodic axis falls inside the simulation domain.
type PeriodicReplicator struct {
	grid   Grid
	mask   uint8
	inc    [3]particles.Vec3
	stable bool
	pool   *WorkerPool

	list []uint32
}

// NewPeriodicReplicator creates a replicator. mask selects the periodic
// axes (bit 0 = X, bit 1 = Y, bit 2 = Z) and inc holds the translation
// for each axis, normally minus the real map size along that axis. Ghost
// positions must fall inside grid.Domain.
func NewPeriodicReplicator(grid Grid, mask uint8, inc [3]particles.Vec3, stable bool, pool *WorkerPool) *PeriodicReplicator {
	return &PeriodicReplicator{grid: grid, mask: mask, inc: inc, stable: stable, pool: pool}
}

// Active reports whether any axis is periodic.
func (r *PeriodicReplicator) Active() bool { return r.mask != 0 }

// Run retires the previous ghosts and appends a fresh set after slot Np.
// When the candidates do not fit, the store is grown through capacity and
// the same scan is repeated.
func (r *PeriodicReplicator) Run(s *particles.Store, capacity CapacityService) (PeriodicReport, error) {
	var rep PeriodicReport
	np0, npb0 := s.Np(), s.Npb()

	codes := s.Code()
	for p := 0; p < np0; p++ {
		if codes[p].IsPeriodic() {
			codes[p] = codes[p].WithSpecial(particles.SpecialIgnore)
			rep.Retired++
		}
	}

	var perCount [2]int // new ghosts of the boundary and fluid blocks
	for block := 0; block < 2; block++ {
		pini, num := 0, npb0
		if block == 1 {
			pini, num = npb0, np0-npb0
		}
		for axis := 0; axis < 3; axis++ {
			if r.mask&(1<<axis) == 0 {
				continue
			}
			// New ghosts first so that multi-axis images are generated.
			for pass := 0; pass < 2; pass++ {
				start, n := s.Np()-perCount[block], perCount[block]
				if pass == 1 {
					start, n = pini, num
				}
				for n > 0 {
					if s.Np() >= particles.MaxParticles {
						return rep, fmt.Errorf("%d particles leave no room for periodic direction flags: %w",
							s.Np(), particles.ErrParticleCountOverflow)
					}
					nmax := s.Cap() - 1
					count := r.makeList(s, start, n, r.inc[axis], nmax)
					if count > nmax || s.Np()+count > s.Cap() {
						required := s.Np() + count
						if err := capacity.Grow(required); err != nil {
							return rep, fmt.Errorf("growing for %d periodic particles: %w", count, err)
						}
						if s.Cap() < required {
							return rep, fmt.Errorf("capacity %d after grow is below %d: %w",
								s.Cap(), required, particles.ErrOutOfMemory)
						}
						rep.Grows++
						continue
					}
					r.duplicate(s, r.list[:count], r.inc[axis])
					perCount[block] += count
					break
				}
			}
		}
	}

	rep.NpbGhost, rep.NpfGhost = perCount[0], perCount[1]
	return rep, nil
}

// makeList records every slot in [start,start+n) with an image inside the
// domain. It returns the number of images, which may exceed nmax; only the
// first nmax are stored.
func (r *PeriodicReplicator) makeList(s *particles.Store, start, n int, inc particles.Vec3, nmax int) int {
	if cap(r.list) < nmax {
		r.list = make([]uint32, nmax)
	}
	list := r.list[:nmax]
	pos, codes := s.Pos(), s.Code()
	d := r.grid.Domain

	if r.stable {
		count := 0
		add := func(v uint32) {
			if count < nmax {
				list[count] = v
			}
			count++
		}
		for p := start; p < start+n; p++ {
			if !codes[p].IsLive() {
				continue
			}
			if d.Contains(pos[p].Add(inc)) {
				add(uint32(p))
			}
			if d.Contains(pos[p].Sub(inc)) {
				add(uint32(p) | directionBit)
			}
		}
		return count
	}

	var count atomic.Int64
	add := func(v uint32) {
		if c := count.Add(1) - 1; c < int64(nmax) {
			list[c] = v
		}
	}
	r.pool.For(n, func(_, i0, i1 int) {
		for p := start + i0; p < start+i1; p++ {
			if !codes[p].IsLive() {
				continue
			}
			if d.Contains(pos[p].Add(inc)) {
				add(uint32(p))
			}
			if d.Contains(pos[p].Sub(inc)) {
				add(uint32(p) | directionBit)
			}
		}
	})
	return int(count.Load())
}

// duplicate appends one ghost per list entry after slot Np.
func (r *PeriodicReplicator) duplicate(s *particles.Store, list []uint32, inc particles.Vec3) {
	np := s.Np()
	s.SetCounts(np+len(list), s.Npb())
	r.pool.For(len(list), func(_, i0, i1 int) {
		pos, codes, cells := s.Pos(), s.Code(), s.Cell()
		for i := i0; i < i1; i++ {
			src := int(list[i] &^ directionBit)
			dst := np + i
			s.Duplicate(dst, src)
			if list[i]&directionBit != 0 {
				pos[dst] = pos[src].Sub(inc)
			} else {
				pos[dst] = pos[src].Add(inc)
			}
			cells[dst] = r.grid.CodeOf(pos[dst])
			codes[dst] = codes[src].WithSpecial(particles.SpecialPeriodic)
		}
	})
}
