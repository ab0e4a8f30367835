package protocol

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	tcp "rudp-tcp-pa/tcp_pkg"
)

// Send queues data on a connecting or established handle. A write deeper
// than the send queue is refused as a whole.
func (stack *Stack) Send(h Handle, data []byte) error {
	rec, err := stack.lookup(h)
	if err != nil {
		return err
	}
	if rec.conn == nil || (rec.State != CONNECTING && rec.State != ESTABLISHED) {
		return errors.Wrapf(ErrEngine, "send on handle %d in state %v", h, rec.State)
	}
	if err := stack.engine.Write(rec.conn, data); err != nil {
		return errors.Wrapf(err, "send %d bytes on handle %d", len(data), h)
	}
	return nil
}

// Close shuts h down gracefully. On success the handle is gone at once.
// WouldBlock means the engine could not queue its FIN: the handle stays
// valid and the engine retries on its own ticks, releasing the handle when
// it succeeds. Calling Close again meanwhile returns WouldBlock again.
func (stack *Stack) Close(h Handle) error {
	rec, err := stack.lookup(h)
	if err != nil {
		return err
	}
	if l := rec.listener; l != nil {
		stack.detach(rec)
		stack.closeListener(l)
		rec.State = CLOSED
		stack.release(rec)
		return nil
	}
	if rec.conn == nil {
		rec.State = CLOSED
		stack.release(rec)
		return nil
	}
	if err := stack.engine.Close(rec.conn); err != nil {
		if errors.Cause(err) == tcp.ErrWouldBlock {
			rec.State = CLOSING
			stack.log.Debug("close pending", zap.Int32("handle", int32(h)))
			return errors.Wrapf(ErrWouldBlock, "handle %d", h)
		}
		return errors.Wrapf(err, "close handle %d", h)
	}
	rec.State = CLOSED
	stack.release(rec)
	return nil
}

// Abort resets the connection, discarding queued data, and releases h.
func (stack *Stack) Abort(h Handle) error {
	stack.log.Debug("abort", zap.Int32("handle", int32(h)))
	return stack.Release(h)
}
