package protocol

import (
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rudp-tcp-pa/chain"
	"rudp-tcp-pa/pool"
	tcp "rudp-tcp-pa/tcp_pkg"
)

// demuxInbound routes one datagram to the engine object its identifier
// names. The chain belongs to the engine from then on; datagrams nobody
// owns are dropped without an answer.
func (stack *Stack) demuxInbound(ch *chain.Chain, from netip.AddrPort) {
	hdr, err := stack.engine.ParseSegment(ch)
	if err != nil {
		stack.drop(ch, from, "malformed", zap.Error(err))
		return
	}
	stack.rxFrom = from

	if hdr.IsSYN() {
		// a repeated SYN belongs to the connection the first one created
		if c, ok := stack.origins[origin{high: hdr.ID.High, remote: from}]; ok {
			stack.engine.Input(c, hdr, ch)
			return
		}
		if hdr.ID.Low > 0xffff {
			stack.drop(ch, from, "syn port out of range", zap.Stringer("id", hdr.ID))
			return
		}
		l, ok := stack.listeners[uint16(hdr.ID.Low)]
		if !ok {
			stack.drop(ch, from, "no listener", zap.Uint32("port", hdr.ID.Low))
			return
		}
		if _, err := stack.engine.ListenInput(l, hdr, ch); err != nil {
			stack.log.Debug("syn not accepted", zap.Stringer("from", from), zap.Error(err))
		}
		return
	}

	if e, ok := stack.demux[hdr.ID]; ok {
		stack.engine.Input(e.conn, hdr, ch)
		return
	}
	if hdr.IsSYNACK() {
		// the answer to our SYN completes the identifier
		if e, ok := stack.demux[tcp.ConnID{High: hdr.ID.High}]; ok && e.remote == from {
			stack.engine.Input(e.conn, hdr, ch)
			return
		}
	}
	stack.drop(ch, from, "unknown connection", zap.Stringer("id", hdr.ID))
}

func (stack *Stack) drop(ch *chain.Chain, from netip.AddrPort, why string, fields ...zap.Field) {
	stack.counters.Dropped++
	ch.Free()
	stack.log.Debug("dropped: "+why, append(fields, zap.Stringer("from", from))...)
}

// acceptInbound returns the accept callback of the listener record lref.
// The engine calls it for each new connection, before the SYN-ACK goes
// out, so the demultiplexer knows where to send it.
func (stack *Stack) acceptInbound(lref pool.Ref) tcp.AcceptFunc {
	return func(l *tcp.TCPListener, c *tcp.TCPConn, err error) error {
		lrec, ok := stack.records.Get(lref)
		if !ok || lrec.closing {
			return errors.Wrap(ErrInvalidHandle, "listener gone")
		}
		if err != nil {
			if lrec.onAccept != nil {
				lrec.onAccept(lrec.Handle, 0, errors.Wrap(err, "accept"))
			}
			return nil
		}

		rec, err := stack.create()
		if err != nil {
			stack.log.Warn("accept failed", zap.Int32("listener", int32(lrec.Handle)), zap.Error(err))
			if lrec.onAccept != nil {
				lrec.onAccept(lrec.Handle, 0, err)
			}
			// the engine aborts c
			return err
		}
		rec.State = CONNECTING
		rec.conn = c
		rec.parent = lref
		rec.onData = lrec.onData
		rec.Local = lrec.Local
		rec.Remote = stack.rxFrom
		rec.ID = c.ID
		c.Arg = rec.ref

		stack.demux[c.ID] = demuxEntry{conn: c, remote: stack.rxFrom}
		stack.origins[origin{high: c.ID.High, remote: stack.rxFrom}] = c
		stack.engine.SetCallbacks(c, stack.callbacks())
		stack.log.Debug("accepting",
			zap.Int32("listener", int32(lrec.Handle)),
			zap.Int32("handle", int32(rec.Handle)),
			zap.Stringer("id", c.ID),
			zap.Stringer("from", stack.rxFrom))
		return nil
	}
}
