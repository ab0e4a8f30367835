package pool

import "github.com/pkg/errors"

// Objects is a typed slot table over one pool class. The backing slice is
// sized to the class capacity once and never grows, so pointers into it
// stay valid for the life of the pool.
type Objects[T any] struct {
	pool  *Pool
	class Class
	slots []T
}

func NewObjects[T any](p *Pool, cl Class) *Objects[T] {
	return &Objects[T]{
		pool:  p,
		class: cl,
		slots: make([]T, p.Capacity(cl)),
	}
}

// Alloc takes a slab from the class and returns its slot. The slot keeps
// whatever its previous owner left in it; callers reset what they need.
func (o *Objects[T]) Alloc() (Ref, *T, error) {
	ref, err := o.pool.Allocate(o.class)
	if err != nil {
		return Ref{}, nil, err
	}
	return ref, &o.slots[ref.index], nil
}

// Get returns the slot for a live ref.
func (o *Objects[T]) Get(ref Ref) (*T, bool) {
	if ref.class != o.class || !o.pool.Valid(ref) {
		return nil, false
	}
	return &o.slots[ref.index], true
}

// Free releases the slab. The slot is zeroed first.
func (o *Objects[T]) Free(ref Ref) error {
	if ref.class != o.class {
		return errors.Wrapf(ErrInvalidRef, "free %v from %v table", ref, o.class)
	}
	if err := o.pool.Release(ref); err != nil {
		return err
	}
	var zero T
	o.slots[ref.index] = zero
	return nil
}

// Each calls fn for every live slot in index order.
func (o *Objects[T]) Each(fn func(Ref, *T)) {
	c := &o.pool.classes[o.class]
	for i := range o.slots {
		if c.live[i] {
			fn(Ref{class: o.class, index: uint32(i), gen: c.gen[i]}, &o.slots[i])
		}
	}
}
