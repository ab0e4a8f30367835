// Package chain implements datagram payloads as singly linked chains of
// fixed-size pool buffers. Trimming and appending never copy payload bytes.
package chain

import (
	"github.com/google/netstack/tcpip/buffer"
	"github.com/pkg/errors"

	"rudp-tcp-pa/pool"
)

type node struct {
	buf  pool.Ref // payload slab
	off  int      // first valid byte in the slab
	len  int
	next pool.Ref // zero on the last node
}

// Allocator hands out chains backed by the buffer and buffer-descriptor classes.
type Allocator struct {
	pool    *pool.Pool
	nodes   *pool.Objects[node]
	bufSize int
}

func NewAllocator(p *pool.Pool) *Allocator {
	return &Allocator{
		pool:    p,
		nodes:   pool.NewObjects[node](p, pool.ClassBufDesc),
		bufSize: p.SlabSize(pool.ClassBuffer),
	}
}

// BufSize is the payload capacity of a single node
func (a *Allocator) BufSize() int {
	return a.bufSize
}

// Chain is one owner's view of a payload. The zero value is not usable;
// chains come from an Allocator.
type Chain struct {
	a    *Allocator
	head pool.Ref
	tail pool.Ref
	n    int
}

func (a *Allocator) newNode(length int) (pool.Ref, error) {
	buf, err := a.pool.Allocate(pool.ClassBuffer)
	if err != nil {
		return pool.Ref{}, err
	}
	ref, nd, err := a.nodes.Alloc()
	if err != nil {
		a.pool.Release(buf)
		return pool.Ref{}, err
	}
	*nd = node{buf: buf, len: length}
	return ref, nil
}

// Alloc returns a chain able to hold n bytes. On failure nothing stays allocated.
func (a *Allocator) Alloc(n int) (*Chain, error) {
	c := &Chain{a: a}
	for rem := n; rem > 0; rem -= a.bufSize {
		ref, err := a.newNode(min(rem, a.bufSize))
		if err != nil {
			c.Free()
			return nil, errors.Wrapf(err, "alloc chain of %d bytes", n)
		}
		c.link(ref)
	}
	c.n = n
	return c, nil
}

// From copies b into a freshly allocated chain.
func (a *Allocator) From(b []byte) (*Chain, error) {
	c, err := a.Alloc(len(b))
	if err != nil {
		return nil, err
	}
	c.fill(b)
	return c, nil
}

func (c *Chain) link(ref pool.Ref) {
	if c.tail.IsZero() {
		c.head = ref
	} else {
		tail, _ := c.a.nodes.Get(c.tail)
		tail.next = ref
	}
	c.tail = ref
}

func (c *Chain) fill(b []byte) {
	for ref := c.head; !ref.IsZero(); {
		nd, _ := c.a.nodes.Get(ref)
		slab, _ := c.a.pool.Bytes(nd.buf)
		b = b[copy(slab[nd.off:nd.off+nd.len], b):]
		ref = nd.next
	}
}

// Len is the total length of all nodes
func (c *Chain) Len() int {
	return c.n
}

// Nodes counts the nodes in the chain.
func (c *Chain) Nodes() int {
	count := 0
	for ref := c.head; !ref.IsZero(); count++ {
		nd, _ := c.a.nodes.Get(ref)
		ref = nd.next
	}
	return count
}

// Consume trims n bytes from the front. Nodes that become empty go back to the pool.
func (c *Chain) Consume(n int) error {
	if n < 0 || n > c.n {
		return errors.Errorf("chain: consume %d of %d bytes", n, c.n)
	}
	c.n -= n
	for n > 0 {
		nd, _ := c.a.nodes.Get(c.head)
		if n < nd.len {
			nd.off += n
			nd.len -= n
			return nil
		}
		n -= nd.len
		c.popFront()
	}
	return nil
}

func (c *Chain) popFront() {
	ref := c.head
	nd, _ := c.a.nodes.Get(ref)
	c.head = nd.next
	if c.head.IsZero() {
		c.tail = pool.Ref{}
	}
	c.a.pool.Release(nd.buf)
	c.a.nodes.Free(ref)
}

// Concat moves every node of o to the end of c. o is left empty.
func (c *Chain) Concat(o *Chain) {
	if o == nil || o.head.IsZero() {
		return
	}
	if c.tail.IsZero() {
		c.head = o.head
	} else {
		tail, _ := c.a.nodes.Get(c.tail)
		tail.next = o.head
	}
	c.tail = o.tail
	c.n += o.n
	o.head, o.tail, o.n = pool.Ref{}, pool.Ref{}, 0
}

// CopyTo copies the payload into dst and returns the number of bytes copied.
func (c *Chain) CopyTo(dst []byte) int {
	copied := 0
	for ref := c.head; !ref.IsZero() && copied < len(dst); {
		nd, _ := c.a.nodes.Get(ref)
		slab, _ := c.a.pool.Bytes(nd.buf)
		copied += copy(dst[copied:], slab[nd.off:nd.off+nd.len])
		ref = nd.next
	}
	return copied
}

// Bytes returns a copy of the payload.
func (c *Chain) Bytes() []byte {
	b := make([]byte, c.n)
	c.CopyTo(b)
	return b
}

// VectorisedView returns views aliasing the pool buffers. They are only
// valid until the chain is consumed or freed.
func (c *Chain) VectorisedView() buffer.VectorisedView {
	views := make([]buffer.View, 0, 2)
	for ref := c.head; !ref.IsZero(); {
		nd, _ := c.a.nodes.Get(ref)
		slab, _ := c.a.pool.Bytes(nd.buf)
		views = append(views, buffer.View(slab[nd.off:nd.off+nd.len]))
		ref = nd.next
	}
	return buffer.NewVectorisedView(c.n, views)
}

// Free returns every node to the pool.
func (c *Chain) Free() {
	if c == nil {
		return
	}
	for !c.head.IsZero() {
		c.popFront()
	}
	c.n = 0
}
