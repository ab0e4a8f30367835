package pool

import (
	"fmt"

	"github.com/pkg/errors"
)

// Alignment of every slab inside the arena
const Alignment = 8

// Class identifies one category of fixed-size object
type Class uint8

const (
	ClassRecord   Class = iota // connection records held by the handle table
	ClassConn                  // engine control blocks
	ClassListener              // engine listening control blocks
	ClassSegment               // outgoing segment descriptors
	ClassBufDesc               // chain node descriptors
	ClassBuffer                // payload buffers
	NumClasses
)

var classNames = [NumClasses]string{"RECORD", "TCP_PCB", "TCP_PCB_LISTEN", "TCP_SEG", "PBUF", "PBUF_POOL"}

func (c Class) String() string {
	if c < NumClasses {
		return classNames[c]
	}
	return fmt.Sprintf("CLASS(%d)", uint8(c))
}

var (
	ErrNoMemory    = errors.New("pool: out of memory")
	ErrInvalidRef  = errors.New("pool: invalid slab reference")
	ErrTornDown    = errors.New("pool: used after teardown")
	ErrBadConfig   = errors.New("pool: invalid configuration")
	ErrNotByteSlab = errors.New("pool: class carries no payload bytes")
)

// ClassConfig sizes one class. Size is the payload bytes reserved per slab
// in the arena; object classes (held in an Objects table) may use 0.
type ClassConfig struct {
	Size     int
	Capacity int
}

// Ref names one slab. The generation changes on every release, so a stale
// Ref never matches a slab that was handed out again.
type Ref struct {
	class Class
	index uint32
	gen   uint32
}

func (r Ref) Class() Class   { return r.class }
func (r Ref) Index() int     { return int(r.index) }
func (r Ref) IsZero() bool   { return r.gen == 0 }
func (r Ref) String() string { return fmt.Sprintf("%v[%d#%d]", r.class, r.index, r.gen) }

// Stats is the per-class accounting exposed for observability
type Stats struct {
	Class Class
	Size  int
	Avail int
	Used  int
	Max   int
	Err   int
}

type class struct {
	size int // aligned slab size
	base int // offset of the first slab in the arena
	cap  int
	free []uint32 // free index stack, top is the end
	gen  []uint32
	live []bool
	used int
	max  int
	err  int
}

// Pool serves every class from one arena allocated at construction.
// It is not safe for concurrent use; the poll loop is its only caller.
type Pool struct {
	arena   []byte
	classes [NumClasses]class
	down    bool
}

func alignSize(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// New allocates the arena and threads every slab into its class free stack.
func New(cfg [NumClasses]ClassConfig) (p *Pool, err error) {
	total := Alignment - 1
	for i, cc := range cfg {
		if cc.Capacity <= 0 || cc.Size < 0 {
			return nil, errors.Wrapf(ErrBadConfig, "class %v: size %d capacity %d", Class(i), cc.Size, cc.Capacity)
		}
		total += alignSize(cc.Size) * cc.Capacity
	}

	defer func() {
		if r := recover(); r != nil {
			p, err = nil, errors.Wrapf(ErrNoMemory, "arena of %d bytes: %v", total, r)
		}
	}()

	p = &Pool{arena: make([]byte, total)}
	off := 0
	for i, cc := range cfg {
		c := &p.classes[i]
		c.size = alignSize(cc.Size)
		c.base = off
		c.cap = cc.Capacity
		c.gen = make([]uint32, cc.Capacity)
		c.live = make([]bool, cc.Capacity)
		c.free = make([]uint32, 0, cc.Capacity)
		// push highest first so the first pop returns the lowest address
		for j := cc.Capacity - 1; j >= 0; j-- {
			c.free = append(c.free, uint32(j))
			c.gen[j] = 1
		}
		off += c.size * cc.Capacity
	}
	return p, nil
}

// Allocate pops a slab from the class free stack.
func (p *Pool) Allocate(cl Class) (Ref, error) {
	if p.down {
		return Ref{}, ErrTornDown
	}
	if cl >= NumClasses {
		return Ref{}, errors.Wrapf(ErrInvalidRef, "class %d", cl)
	}
	c := &p.classes[cl]
	n := len(c.free)
	if n == 0 {
		c.err++
		return Ref{}, errors.Wrapf(ErrNoMemory, "class %v exhausted (%d slabs)", cl, c.cap)
	}
	idx := c.free[n-1]
	c.free = c.free[:n-1]
	c.live[idx] = true
	c.used++
	if c.used > c.max {
		c.max = c.used
	}
	return Ref{class: cl, index: idx, gen: c.gen[idx]}, nil
}

// Valid reports whether ref names a slab that is currently allocated.
func (p *Pool) Valid(ref Ref) bool {
	if p.down || ref.class >= NumClasses {
		return false
	}
	c := &p.classes[ref.class]
	if int(ref.index) >= c.cap {
		return false
	}
	return c.live[ref.index] && c.gen[ref.index] == ref.gen
}

// Release returns a slab to its class. Releasing a ref that is not live,
// or releasing it twice, is rejected without touching the free stack.
func (p *Pool) Release(ref Ref) error {
	if p.down {
		return ErrTornDown
	}
	if !p.Valid(ref) {
		return errors.Wrapf(ErrInvalidRef, "release %v", ref)
	}
	c := &p.classes[ref.class]
	c.live[ref.index] = false
	c.gen[ref.index]++
	if c.gen[ref.index] == 0 {
		c.gen[ref.index] = 1
	}
	c.free = append(c.free, ref.index)
	c.used--
	return nil
}

// Addr is the offset of the slab inside the arena. For classes with no
// payload it is the slot index.
func (p *Pool) Addr(ref Ref) int {
	c := &p.classes[ref.class]
	if c.size == 0 {
		return int(ref.index)
	}
	return c.base + int(ref.index)*c.size
}

// Bytes returns the payload bytes of a live slab.
func (p *Pool) Bytes(ref Ref) ([]byte, error) {
	if !p.Valid(ref) {
		return nil, errors.Wrapf(ErrInvalidRef, "bytes %v", ref)
	}
	c := &p.classes[ref.class]
	if c.size == 0 {
		return nil, errors.Wrapf(ErrNotByteSlab, "class %v", ref.class)
	}
	off := c.base + int(ref.index)*c.size
	return p.arena[off : off+c.size : off+c.size], nil
}

// SlabSize is the aligned slab size of a class
func (p *Pool) SlabSize(cl Class) int {
	return p.classes[cl].size
}

func (p *Pool) Capacity(cl Class) int {
	return p.classes[cl].cap
}

func (p *Pool) Stats(cl Class) Stats {
	c := &p.classes[cl]
	return Stats{
		Class: cl,
		Size:  c.size,
		Avail: len(c.free),
		Used:  c.used,
		Max:   c.max,
		Err:   c.err,
	}
}

func (p *Pool) ArenaSize() int {
	return len(p.arena)
}

// Teardown drops the arena. The pool is unusable afterwards.
func (p *Pool) Teardown() {
	p.arena = nil
	p.down = true
	for i := range p.classes {
		p.classes[i].free = nil
	}
}
