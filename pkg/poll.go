package protocol

import (
	"context"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	tcp "rudp-tcp-pa/tcp_pkg"
)

// untilTick is how long the loop may block before the engine timer is due.
func (stack *Stack) untilTick() time.Duration {
	return stack.lastTick.Add(stack.cfg.Tick).Sub(stack.now())
}

// RunOnce is one loop iteration: drain up to MaxDrain datagrams, blocking
// no longer than the time left until the next tick, then tick if due.
func (stack *Stack) RunOnce() error {
	if stack.down {
		return ErrShutdown
	}
	if stack.conn == nil {
		if wait := stack.untilTick(); wait > 0 {
			time.Sleep(wait)
		}
		stack.checkTick()
		return nil
	}

	var rerr error
	for n := 0; n < stack.cfg.MaxDrain; n++ {
		wait := stack.untilTick()
		if wait <= 0 {
			break
		}
		if err := stack.conn.SetReadDeadline(stack.now().Add(wait)); err != nil {
			rerr = errors.Wrapf(ErrTransport, "set deadline: %v", err)
			break
		}
		nr, from, err := stack.conn.ReadFrom(stack.rxBuf)
		if err != nil {
			switch {
			case isTimeout(err):
			case errors.Is(err, net.ErrClosed):
				rerr = errors.Wrap(ErrShutdown, "socket closed")
			default:
				rerr = errors.Wrapf(ErrTransport, "receive: %v", err)
			}
			break
		}
		stack.deliver(stack.rxBuf[:nr], addrPortOf(from))
	}
	stack.checkTick()
	return rerr
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// deliver copies one datagram into a pool chain and dispatches it. A
// datagram too short to carry an identifier never touches the pool. With
// no buffers left the datagram is dropped; the sender retransmits.
func (stack *Stack) deliver(b []byte, from netip.AddrPort) {
	stack.counters.Received++
	id, ok := tcp.PeekConnID(b)
	if !ok {
		stack.counters.Dropped++
		stack.log.Debug("runt datagram", zap.Int("len", len(b)), zap.Stringer("from", from))
		return
	}
	ch, err := stack.fill(b)
	if err != nil {
		stack.counters.Dropped++
		stack.log.Debug("no buffer for datagram", zap.Stringer("id", id), zap.Int("len", len(b)), zap.Error(err))
		return
	}
	stack.dispatch(func() {
		stack.demuxInbound(ch, from)
	})
}

func (stack *Stack) checkTick() {
	now := stack.now()
	if now.Sub(stack.lastTick) < stack.cfg.Tick {
		return
	}
	stack.lastTick = now
	stack.counters.Ticks++
	stack.dispatch(stack.engine.Tick)
}

// RunForever loops until ctx is done. The context and posted commands are
// looked at between iterations, never while a drain is in progress.
func (stack *Stack) RunForever(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		stack.runInbox()
		if err := stack.RunOnce(); err != nil {
			if errors.Cause(err) == ErrShutdown {
				return err
			}
			stack.log.Warn("poll", zap.Error(err))
		}
	}
}

// Invoke posts fn to run on the loop goroutine between iterations.
func (stack *Stack) Invoke(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case stack.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (stack *Stack) runInbox() {
	for {
		select {
		case fn := <-stack.inbox:
			fn()
		default:
			return
		}
	}
}
