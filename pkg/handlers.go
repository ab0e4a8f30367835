package protocol

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rudp-tcp-pa/chain"
	"rudp-tcp-pa/pool"
	tcp "rudp-tcp-pa/tcp_pkg"
)

// callbacks is the set every connection record registers with the engine.
func (stack *Stack) callbacks() tcp.Callbacks {
	return tcp.Callbacks{
		Recv:      stack.handleRecv,
		Poll:      stack.handlePoll,
		Sent:      stack.handleSent,
		Err:       stack.handleErr,
		Connected: stack.handleConnected,
		Closed:    stack.handleClosed,
	}
}

func (stack *Stack) liveRecord(c *tcp.TCPConn) *Record {
	rec := stack.recordOf(c)
	if rec == nil || rec.closing {
		return nil
	}
	return rec
}

// handleRecv lends the chain to the user for one call, then frees it and
// reopens the window by what was consumed.
func (stack *Stack) handleRecv(c *tcp.TCPConn, ch *chain.Chain, err error) {
	rec := stack.liveRecord(c)
	if ch == nil {
		if rec != nil {
			stack.log.Debug("peer closed", zap.Int32("handle", int32(rec.Handle)))
			if rec.onData != nil {
				rec.onData(rec.Handle, nil, err)
			}
		}
		return
	}
	n := ch.Len()
	ref := c.Ref()
	if rec != nil && rec.onData != nil {
		rec.onData(rec.Handle, ch, nil)
	}
	ch.Free()
	if stack.engine.Alive(c, ref) {
		if err := stack.engine.Recved(c, n); err != nil {
			stack.log.Debug("window update", zap.Stringer("id", c.ID), zap.Error(err))
		}
	}
}

// handleErr runs after the engine dropped the connection. The record goes
// once the user heard about it.
func (stack *Stack) handleErr(arg any, err error) {
	ref, ok := arg.(pool.Ref)
	if !ok {
		return
	}
	rec, ok := stack.records.Get(ref)
	if !ok || rec.closing {
		return
	}
	rec.conn = nil
	connecting := rec.State == CONNECTING
	rec.State = CLOSED
	stack.log.Debug("connection failed", zap.Int32("handle", int32(rec.Handle)), zap.Error(err))
	switch {
	case connecting && rec.onConnected != nil:
		rec.onConnected(rec.Handle, err)
	case rec.onData != nil:
		rec.onData(rec.Handle, nil, err)
	}
	stack.release(rec)
}

// handleConnected completes a handshake. Accepted connections are
// reported to their listener only now.
func (stack *Stack) handleConnected(c *tcp.TCPConn, err error) error {
	rec := stack.liveRecord(c)
	if rec == nil {
		return errors.Wrap(ErrInvalidHandle, "connected")
	}
	if err != nil {
		return err
	}
	rec.State = ESTABLISHED
	rec.ID = c.ID
	stack.log.Debug("established", zap.Int32("handle", int32(rec.Handle)), zap.Stringer("id", c.ID))

	if !rec.parent.IsZero() {
		lrec, ok := stack.records.Get(rec.parent)
		if !ok || lrec.closing {
			// nobody can learn this handle any more
			rec.onData = nil
			return errors.Wrap(ErrInvalidHandle, "listener closed")
		}
		if lrec.onAccept != nil {
			lrec.onAccept(lrec.Handle, rec.Handle, nil)
		}
		return nil
	}
	if rec.onConnected != nil {
		rec.onConnected(rec.Handle, nil)
	}
	return nil
}

// handleClosed finishes a close that returned WouldBlock.
func (stack *Stack) handleClosed(c *tcp.TCPConn) {
	rec := stack.liveRecord(c)
	if rec == nil {
		return
	}
	stack.log.Debug("pending close done", zap.Int32("handle", int32(rec.Handle)))
	rec.State = CLOSED
	stack.release(rec)
}

func (stack *Stack) handleSent(c *tcp.TCPConn, n int) {
	if rec := stack.liveRecord(c); rec != nil {
		stack.syncState(rec, c)
	}
}

func (stack *Stack) handlePoll(c *tcp.TCPConn) {
	if rec := stack.liveRecord(c); rec != nil {
		stack.syncState(rec, c)
	}
}

// syncState follows the engine state on the coarser record states.
func (stack *Stack) syncState(rec *Record, c *tcp.TCPConn) {
	if rec.State == CLOSING || rec.State == CLOSED {
		return
	}
	switch c.State {
	case tcp.SYN_SENT, tcp.SYN_RECEIVED:
		rec.State = CONNECTING
	case tcp.ESTABLISHED, tcp.CLOSE_WAIT:
		rec.State = ESTABLISHED
	case tcp.FIN_WAIT_1, tcp.FIN_WAIT_2, tcp.CLOSING, tcp.LAST_ACK:
		rec.State = CLOSING
	case tcp.TIME_WAIT:
		rec.State = TIME_WAIT
	}
}
