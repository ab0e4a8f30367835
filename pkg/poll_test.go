package protocol

import (
	"context"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudp-tcp-pa/lnxconfig"
	"rudp-tcp-pa/pool"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// scriptConn hands out queued datagrams, then times out at once by moving
// the fake clock to the deadline, as if the read had blocked that long.
type scriptConn struct {
	clock     *fakeClock
	queue     [][]byte
	deadlines []time.Time
	reads     int
	closed    bool
	fail      error
}

func (c *scriptConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.reads++
	if c.closed {
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: net.ErrClosed}
	}
	if c.fail != nil {
		return 0, nil, c.fail
	}
	if len(c.queue) > 0 {
		dg := c.queue[0]
		c.queue = c.queue[1:]
		return copy(b, dg), net.UDPAddrFromAddrPort(netip.MustParseAddrPort("10.0.0.9:9")), nil
	}
	if n := len(c.deadlines); n > 0 && c.deadlines[n-1].After(c.clock.now) {
		c.clock.now = c.deadlines[n-1]
	}
	return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: os.ErrDeadlineExceeded}
}

func (c *scriptConn) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }
func (c *scriptConn) Close() error { c.closed = true; return nil }
func (c *scriptConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(netip.MustParseAddrPort(serverAddr))
}
func (c *scriptConn) SetDeadline(t time.Time) error { return c.SetReadDeadline(t) }
func (c *scriptConn) SetReadDeadline(t time.Time) error {
	c.deadlines = append(c.deadlines, t)
	return nil
}
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

func newScriptedStack(t *testing.T, mutate func(*lnxconfig.IPConfig)) (*Stack, *scriptConn, *fakeClock) {
	t.Helper()
	stack := newTestStack(t, nil, "", func(cfg *lnxconfig.IPConfig) {
		cfg.Tick = 100 * time.Millisecond
		if mutate != nil {
			mutate(cfg)
		}
	})
	clock := &fakeClock{now: time.Unix(1000, 0)}
	stack.now = clock.Now
	stack.lastTick = clock.Now()
	conn := &scriptConn{clock: clock}
	require.NoError(t, stack.Attach(conn))
	return stack, conn, clock
}

func TestReadDeadlineIsTimeLeftUntilTick(t *testing.T) {
	stack, conn, clock := newScriptedStack(t, nil)
	start := clock.Now()

	clock.Advance(30 * time.Millisecond)
	require.NoError(t, stack.RunOnce())
	require.Len(t, conn.deadlines, 1)
	assert.Equal(t, start.Add(100*time.Millisecond), conn.deadlines[0])
	// the timeout wakeup ran the tick that was due
	assert.Equal(t, uint64(1), stack.Counters().Ticks)
	assert.Equal(t, uint32(1), stack.Engine().Ticks())

	clock.Advance(99 * time.Millisecond)
	require.NoError(t, stack.RunOnce())
	require.Len(t, conn.deadlines, 2)
	assert.Equal(t, start.Add(200*time.Millisecond), conn.deadlines[1])
	assert.Equal(t, uint64(2), stack.Counters().Ticks)
}

func TestOverdueTickSkipsTheRead(t *testing.T) {
	stack, conn, clock := newScriptedStack(t, nil)
	clock.Advance(150 * time.Millisecond)

	require.NoError(t, stack.RunOnce())
	assert.Zero(t, conn.reads)
	assert.Empty(t, conn.deadlines)
	assert.Equal(t, uint64(1), stack.Counters().Ticks)
}

func TestDrainIsBounded(t *testing.T) {
	stack, conn, clock := newScriptedStack(t, func(cfg *lnxconfig.IPConfig) {
		cfg.MaxDrain = 2
	})
	conn.queue = [][]byte{{1}, {2}, {3}}
	start := clock.Now()

	require.NoError(t, stack.RunOnce())
	assert.Equal(t, 2, conn.reads)
	assert.Equal(t, uint64(2), stack.Counters().Received)
	assert.Equal(t, uint64(2), stack.Counters().Dropped)
	assert.Zero(t, stack.Counters().Ticks, "no time passed, no tick")
	assert.Equal(t, start, clock.Now())

	require.NoError(t, stack.RunOnce())
	assert.Equal(t, uint64(3), stack.Counters().Received)
	assert.Equal(t, uint64(1), stack.Counters().Ticks)
	assert.Equal(t, 0, stack.Pool().Stats(pool.ClassBuffer).Used)
}

func TestReadErrors(t *testing.T) {
	stack, conn, _ := newScriptedStack(t, nil)
	conn.fail = errors.New("icmp unreachable")
	err := stack.RunOnce()
	assert.Equal(t, Transport, ErrorCode(err))

	conn.closed = true
	err = stack.RunOnce()
	assert.Equal(t, ErrShutdown, errors.Cause(err))
	assert.Equal(t, ErrShutdown, errors.Cause(stack.RunForever(context.Background())))
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	defer leaktest.Check(t)()
	stack, _, _ := newScriptedStack(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- stack.RunForever(ctx) }()

	ran := make(chan Handle, 1)
	require.NoError(t, stack.Invoke(ctx, func() {
		h, err := stack.CreateConnection()
		assert.NoError(t, err)
		ran <- h
	}))
	select {
	case h := <-ran:
		assert.Equal(t, Handle(1), h)
	case <-time.After(5 * time.Second):
		t.Fatal("posted command never ran")
	}

	cancel()
	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Equal(t, context.Canceled, stack.Invoke(ctx, func() {}))
}

func TestRunOnceWithoutSocketStillTicks(t *testing.T) {
	stack := newTestStack(t, nil, "", nil)
	stack.lastTick = time.Now().Add(-time.Second)
	require.NoError(t, stack.RunOnce())
	assert.Equal(t, uint64(1), stack.Counters().Ticks)
}
