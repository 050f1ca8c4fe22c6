package particles

import (
	"fmt"
	"unsafe"
)

// Column is one per-particle attribute array owned by a Store.
// All registered columns share the store's capacity and are grown,
// permuted, duplicated and split together.
type Column interface {
	Name() string
	// SlotBytes is the memory cost of one slot.
	SlotBytes() int

	prepare(capacity, keep int) error
	commit()
	abort()
	permute(order []int32)
	copySlot(dst, src int)
	split(parent, daughter int)
}

// SplitRule adjusts parent and daughter values after the daughter slot
// has been copied from the parent.
type SplitRule[T any] func(parent, daughter *T)

// Attr is a typed Column.
type Attr[T any] struct {
	name  string
	data  []T
	next  []T
	spare []T
	rule  SplitRule[T]
}

// NewAttr creates an unregistered column. A nil rule copies the parent value.
func NewAttr[T any](name string, rule SplitRule[T]) *Attr[T] {
	return &Attr[T]{name: name, rule: rule}
}

// Name returns the registry key.
func (a *Attr[T]) Name() string { return a.name }

// SlotBytes returns the size of one element.
func (a *Attr[T]) SlotBytes() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Data returns the backing array. It is only valid until the next
// capacity change or permutation.
func (a *Attr[T]) Data() []T { return a.data }

func (a *Attr[T]) prepare(capacity, keep int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.next = nil
			err = fmt.Errorf("allocating %s[%d]: %v: %w", a.name, capacity, r, ErrOutOfMemory)
		}
	}()
	next := make([]T, capacity)
	if keep > len(a.data) {
		keep = len(a.data)
	}
	copy(next, a.data[:keep])
	a.next = next
	return nil
}

func (a *Attr[T]) commit() {
	if a.next == nil {
		return
	}
	a.data = a.next
	a.next = nil
	a.spare = nil
}

func (a *Attr[T]) abort() { a.next = nil }

// permute gathers data[order[i]] into slot i.
func (a *Attr[T]) permute(order []int32) {
	if cap(a.spare) < len(a.data) {
		a.spare = make([]T, len(a.data))
	}
	dst := a.spare[:len(a.data)]
	for i, src := range order {
		dst[i] = a.data[src]
	}
	a.data, a.spare = dst, a.data
}

func (a *Attr[T]) copySlot(dst, src int) { a.data[dst] = a.data[src] }

func (a *Attr[T]) split(parent, daughter int) {
	a.data[daughter] = a.data[parent]
	if a.rule != nil {
		a.rule(&a.data[parent], &a.data[daughter])
	}
}

// Halve splits a quantity evenly between parent and daughter.
func Halve[T ~float32 | ~float64](parent, daughter *T) {
	*parent /= 2
	*daughter = *parent
}

// Increment bumps a counter on both parent and daughter.
func Increment[T ~uint32 | ~uint64 | ~int](parent, daughter *T) {
	*parent++
	*daughter = *parent
}

// Clear resets a value on both parent and daughter.
func Clear[T any](parent, daughter *T) {
	var zero T
	*parent = zero
	*daughter = zero
}
