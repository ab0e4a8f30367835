package protocol

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"rudp-tcp-pa/chain"
	"rudp-tcp-pa/lnxconfig"
)

// memNet is an in-memory datagram network. Datagrams are copied on send
// and dropped when the receiver's queue is full, as UDP would.
type memNet struct {
	mu    sync.Mutex
	ports map[netip.AddrPort]*memConn
	drop  func(from, to netip.AddrPort, b []byte) bool
}

type datagram struct {
	b    []byte
	from netip.AddrPort
}

func newMemNet() *memNet {
	return &memNet{ports: map[netip.AddrPort]*memConn{}}
}

func (n *memNet) listen(t *testing.T, addr string) *memConn {
	t.Helper()
	ap := netip.MustParseAddrPort(addr)
	c := &memConn{net: n, addr: ap, rx: make(chan datagram, 256), done: make(chan struct{})}
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotContains(t, n.ports, ap)
	n.ports[ap] = c
	return c
}

func (n *memNet) setDrop(drop func(from, to netip.AddrPort, b []byte) bool) {
	n.mu.Lock()
	n.drop = drop
	n.mu.Unlock()
}

type memConn struct {
	net  *memNet
	addr netip.AddrPort
	rx   chan datagram

	mu       sync.Mutex
	deadline time.Time
	done     chan struct{}
	once     sync.Once
}

func (c *memConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !d.IsZero() {
		wait := time.Until(d)
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case dg := <-c.rx:
		return copy(b, dg.b), net.UDPAddrFromAddrPort(dg.from), nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *memConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	to := addrPortOf(addr)
	c.net.mu.Lock()
	dst, drop := c.net.ports[to], c.net.drop
	c.net.mu.Unlock()
	if dst == nil || (drop != nil && drop(c.addr, to, b)) {
		return len(b), nil
	}
	select {
	case dst.rx <- datagram{b: append([]byte(nil), b...), from: c.addr}:
	default:
	}
	return len(b), nil
}

func (c *memConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.net.mu.Lock()
		delete(c.net.ports, c.addr)
		c.net.mu.Unlock()
	})
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(c.addr) }

func (c *memConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }

func (c *memConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

func testConfig() lnxconfig.IPConfig {
	cfg := lnxconfig.Default()
	cfg.Tick = 2 * time.Millisecond
	cfg.MaxDrain = 64
	cfg.LogLevel = zapcore.WarnLevel
	return cfg
}

// newTestStack builds a stack whose socket is addr on n. A nil n leaves
// the stack without a socket.
func newTestStack(t *testing.T, n *memNet, addr string, mutate func(*lnxconfig.IPConfig)) *Stack {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	stack, err := Initialize(cfg, zaptest.NewLogger(t, zaptest.Level(cfg.LogLevel)))
	require.NoError(t, err)
	if n != nil {
		require.NoError(t, stack.Attach(n.listen(t, addr)))
	}
	t.Cleanup(func() { stack.Shutdown() })
	return stack
}

// runUntil drives every stack from this goroutine until cond holds.
func runUntil(t *testing.T, cond func() bool, stacks ...*Stack) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		for _, s := range stacks {
			require.NoError(t, s.RunOnce())
		}
	}
}

// sink collects what a stack's callbacks report, keyed by handle.
type sink struct {
	data      map[Handle][]byte
	peerClose map[Handle]bool
	failed    map[Handle]error
	accepted  []Handle
	connected map[Handle]error
}

func newSink() *sink {
	return &sink{
		data:      map[Handle][]byte{},
		peerClose: map[Handle]bool{},
		failed:    map[Handle]error{},
		connected: map[Handle]error{},
	}
}

func (s *sink) onData(h Handle, data *chain.Chain, err error) {
	switch {
	case err != nil:
		s.failed[h] = err
	case data == nil:
		s.peerClose[h] = true
	default:
		s.data[h] = append(s.data[h], data.Bytes()...)
	}
}

func (s *sink) onAccept(_ Handle, h Handle, err error) {
	if err == nil {
		s.accepted = append(s.accepted, h)
	}
}

func (s *sink) onConnected(h Handle, err error) {
	s.connected[h] = err
}
