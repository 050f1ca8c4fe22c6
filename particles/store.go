package particles

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// MaxParticles is the addressable particle limit. The top bit of a slot
// reference is reserved for direction flags by periodic replication.
const MaxParticles = 1 << 31

// Capacity errors.
var (
	ErrOutOfMemory           = errors.New("out of memory")
	ErrParticleCountOverflow = errors.New("particle count exceeds addressable range")
	ErrDuplicateColumn       = errors.New("column already registered")
)

// Names of the primary columns.
const (
	ColID         = "id"
	ColCode       = "code"
	ColCell       = "cell"
	ColPos        = "pos"
	ColVelrhop    = "velrhop"
	ColMass       = "mass"
	ColShape      = "shape"
	ColStress     = "stress"
	ColPore       = "pore"
	ColStrainRate = "strain_rate"
	ColGeneration = "generation"
	ColGrowth     = "growth"
)

// Option configures a Store.
type Option func(*Store)

// WithMemoryLimit caps the bytes the store may allocate for its columns.
// Zero means no limit.
func WithMemoryLimit(bytes int64) Option {
	return func(s *Store) { s.memLimit = bytes }
}

// Store owns every per-particle array and their shared capacity.
// Slots [0,Npb) hold boundary particles, [Npb,Np) fluid and ghosts.
type Store struct {
	columns []Column
	byName  map[string]Column

	capacity int
	np       int
	npb      int
	nextID   uint32
	memLimit int64

	id         *Attr[uint32]
	code       *Attr[TypeCode]
	cell       *Attr[uint32]
	pos        *Attr[Vec3]
	velrhop    *Attr[Vec4]
	mass       *Attr[float32]
	shape      *Attr[SymMatrix3]
	stress     *Attr[SymMatrix3]
	pore       *Attr[float32]
	strainRate *Attr[float32]
	generation *Attr[uint32]
	growth     *Attr[bool]
}

// NewStore creates an empty store with the primary columns registered.
func NewStore(opts ...Option) *Store {
	s := &Store{byName: make(map[string]Column)}
	for _, opt := range opts {
		opt(s)
	}

	s.id = NewAttr[uint32](ColID, nil)
	s.code = NewAttr[TypeCode](ColCode, nil)
	s.cell = NewAttr[uint32](ColCell, nil)
	s.pos = NewAttr[Vec3](ColPos, nil)
	s.velrhop = NewAttr[Vec4](ColVelrhop, nil)
	s.mass = NewAttr[float32](ColMass, Halve[float32])
	s.shape = NewAttr[SymMatrix3](ColShape, nil)
	s.stress = NewAttr[SymMatrix3](ColStress, nil)
	s.pore = NewAttr[float32](ColPore, nil)
	s.strainRate = NewAttr[float32](ColStrainRate, nil)
	s.generation = NewAttr[uint32](ColGeneration, Increment[uint32])
	s.growth = NewAttr[bool](ColGrowth, Clear[bool])

	for _, c := range []Column{
		s.id, s.code, s.cell, s.pos, s.velrhop, s.mass,
		s.shape, s.stress, s.pore, s.strainRate, s.generation, s.growth,
	} {
		if err := s.Register(c); err != nil {
			panic(err)
		}
	}
	return s
}

// Register adds a column. It is sized to the current capacity with
// slots [0,Np) zeroed.
func (s *Store) Register(c Column) error {
	if _, ok := s.byName[c.Name()]; ok {
		return fmt.Errorf("%s: %w", c.Name(), ErrDuplicateColumn)
	}
	if err := c.prepare(s.capacity, 0); err != nil {
		return err
	}
	c.commit()
	s.columns = append(s.columns, c)
	s.byName[c.Name()] = c
	return nil
}

// Column returns a registered column by name.
func (s *Store) Column(name string) (Column, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// Columns returns the registered columns in registration order.
func (s *Store) Columns() []Column { return s.columns }

// SlotBytes is the memory cost of one particle across all columns.
func (s *Store) SlotBytes() int {
	n := 0
	for _, c := range s.columns {
		n += c.SlotBytes()
	}
	return n
}

// Cap returns the allocated slot count.
func (s *Store) Cap() int { return s.capacity }

// Np returns the number of slots in use.
func (s *Store) Np() int { return s.np }

// Npb returns the number of boundary slots at the front of the store.
func (s *Store) Npb() int { return s.npb }

// SetCounts updates the in-use and boundary counts.
func (s *Store) SetCounts(np, npb int) {
	if np > s.capacity || npb > np || npb < 0 {
		panic(fmt.Sprintf("particles: invalid counts np=%d npb=%d cap=%d", np, npb, s.capacity))
	}
	s.np = np
	s.npb = npb
}

// NextID returns the id that the next new particle will receive.
func (s *Store) NextID() uint32 { return s.nextID }

// AdvanceNextID raises the next id to at least id. It never lowers it.
func (s *Store) AdvanceNextID(id uint32) {
	if id > s.nextID {
		s.nextID = id
	}
}

// ReserveIDs hands out n consecutive ids and returns the first. The
// counter itself must stay representable, so the last usable id is
// math.MaxUint32-1.
func (s *Store) ReserveIDs(n int) (uint32, error) {
	if n < 0 || uint64(s.nextID)+uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("reserving %d ids after %d: %w", n, s.nextID, ErrParticleCountOverflow)
	}
	first := s.nextID
	s.nextID += uint32(n)
	return first, nil
}

// EnsureCapacity grows every column so at least requested slots fit.
// With oversize > 0 the new capacity is ceil(requested*(1+oversize)). Slots
// [0,Np) are preserved in order. The store never shrinks.
func (s *Store) EnsureCapacity(requested int, oversize float64) error {
	if requested <= s.capacity {
		return nil
	}
	if requested > MaxParticles {
		return fmt.Errorf("requested %d slots: %w", requested, ErrParticleCountOverflow)
	}
	newCap := requested
	if oversize > 0 {
		newCap += int(math.Ceil(oversize * float64(requested)))
	}
	if newCap > MaxParticles {
		newCap = MaxParticles
	}
	if s.memLimit > 0 && int64(newCap)*int64(s.SlotBytes()) > s.memLimit {
		return fmt.Errorf("growing to %d slots (%d bytes, limit %d): %w",
			newCap, int64(newCap)*int64(s.SlotBytes()), s.memLimit, ErrOutOfMemory)
	}

	for i, c := range s.columns {
		if err := c.prepare(newCap, s.np); err != nil {
			for _, done := range s.columns[:i] {
				done.abort()
			}
			return err
		}
	}
	for _, c := range s.columns {
		c.commit()
	}

	slog.Debug("particle store resized", "from", s.capacity, "to", newCap, "np", s.np)
	s.capacity = newCap
	return nil
}

// Permute applies one gather permutation to every registered column:
// new slot i takes old slot order[i]. Columns are permuted concurrently.
func (s *Store) Permute(order []int32) {
	done := make(chan struct{}, len(s.columns))
	for _, c := range s.columns {
		go func(c Column) {
			c.permute(order)
			done <- struct{}{}
		}(c)
	}
	for range s.columns {
		<-done
	}
}

// Duplicate copies every column of slot src into slot dst.
func (s *Store) Duplicate(dst, src int) {
	for _, c := range s.columns {
		c.copySlot(dst, src)
	}
}

// Split copies parent into daughter and applies each column's split rule.
func (s *Store) Split(parent, daughter int) {
	for _, c := range s.columns {
		c.split(parent, daughter)
	}
}

// Primary column accessors. Slices are invalidated by EnsureCapacity and Permute.

func (s *Store) ID() []uint32 { return s.id.data }
func (s *Store) Code() []TypeCode { return s.code.data }
func (s *Store) Cell() []uint32 { return s.cell.data }
func (s *Store) Pos() []Vec3 { return s.pos.data }
func (s *Store) Velrhop() []Vec4 { return s.velrhop.data }
func (s *Store) Mass() []float32 { return s.mass.data }
func (s *Store) Shape() []SymMatrix3 { return s.shape.data }
func (s *Store) Stress() []SymMatrix3 { return s.stress.data }
func (s *Store) Pore() []float32 { return s.pore.data }
func (s *Store) StrainRate() []float32 { return s.strainRate.data }
func (s *Store) Generation() []uint32 { return s.generation.data }
func (s *Store) Growth() []bool { return s.growth.data }

// Record returns a row copy of slot p.
func (s *Store) Record(p int) Record {
	return Record{
		ID:         s.id.data[p],
		Code:       s.code.data[p],
		Pos:        s.pos.data[p],
		Velrhop:    s.velrhop.data[p],
		Mass:       s.mass.data[p],
		Shape:      s.shape.data[p],
		Stress:     s.stress.data[p],
		Pore:       s.pore.data[p],
		StrainRate: s.strainRate.data[p],
		Generation: s.generation.data[p],
	}
}

// SetRecord writes a row into slot p. Slot p must be below Cap().
func (s *Store) SetRecord(p int, r Record) {
	s.id.data[p] = r.ID
	s.code.data[p] = r.Code
	s.pos.data[p] = r.Pos
	s.velrhop.data[p] = r.Velrhop
	s.mass.data[p] = r.Mass
	s.shape.data[p] = r.Shape
	s.stress.data[p] = r.Stress
	s.pore.data[p] = r.Pore
	s.strainRate.data[p] = r.StrainRate
	s.generation.data[p] = r.Generation
	s.growth.data[p] = false
	s.cell.data[p] = 0
}

// Load replaces the store contents with records. Boundary records must
// come first; npb is the number of them.
func (s *Store) Load(records []Record, npb int, oversize float64) error {
	if err := s.EnsureCapacity(len(records), oversize); err != nil {
		return err
	}
	var next uint64
	for i, r := range records {
		if (i < npb) != r.Code.IsBoundary() {
			return fmt.Errorf("record %d (id %d, %s) is out of boundary/fluid order", i, r.ID, r.Code)
		}
		if r.ID == math.MaxUint32 {
			return fmt.Errorf("record %d has id %d: %w", i, r.ID, ErrParticleCountOverflow)
		}
		s.SetRecord(i, r)
		next = max(next, uint64(r.ID)+1)
	}
	s.SetCounts(len(records), npb)
	s.nextID = uint32(next)
	return nil
}
