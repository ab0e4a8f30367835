package tcp_protocol

import (
	"math/rand"

	"github.com/eapache/queue"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rudp-tcp-pa/chain"
	"rudp-tcp-pa/pool"
	"rudp-tcp-pa/priorityQueue"
)

// ParseSegment decodes the header at the front of ch and trims it, leaving
// the payload. On error ch is untouched and still belongs to the caller.
func (stack *TCPStack) ParseSegment(ch *chain.Chain) (*Header, error) {
	var raw [HeaderLen]byte
	if ch.CopyTo(raw[:]) < HeaderLen {
		return nil, errors.Wrapf(ErrMalformed, "%d bytes", ch.Len())
	}
	h, hdrLen, err := Decode(raw[:])
	if err != nil {
		return nil, err
	}
	if hdrLen > ch.Len() {
		return nil, errors.Wrapf(ErrMalformed, "header of %d bytes in %d", hdrLen, ch.Len())
	}
	if stack.opts.Checksum && h.Checksum != 0 && !VerifyChecksum(ch.VectorisedView()) {
		return nil, errors.Wrapf(ErrMalformed, "bad checksum %04x", h.Checksum)
	}
	if err := ch.Consume(hdrLen); err != nil {
		return nil, err
	}
	return h, nil
}

// Alive reports whether ref still names c. Callers capture ref before a
// callback that may free c and hand the slot to a new connection.
func (stack *TCPStack) Alive(c *TCPConn, ref pool.Ref) bool {
	got, ok := stack.conns.Get(ref)
	return ok && got == c
}

// ListenInput handles a segment addressed to a listener. Only a bare SYN
// does anything: it creates a connection in SYN_RECEIVED, reports it to the
// accept callback and answers with a SYN-ACK. The listener consumes ch.
func (stack *TCPStack) ListenInput(l *TCPListener, h *Header, ch *chain.Chain) (*TCPConn, error) {
	defer ch.Free()
	if !h.IsSYN() {
		return nil, nil
	}
	accept := l.accept
	low, err := stack.hooks.NewToken(h.ID.High)
	if err != nil {
		return nil, errors.Wrap(err, "connection token")
	}
	c, err := stack.NewConn()
	if err != nil {
		stack.log.Debug("syn dropped", zap.Uint16("port", l.LocalPort), zap.Error(err))
		if accept != nil {
			accept(l, nil, err)
		}
		return nil, err
	}
	ref := c.ref
	c.ID = ConnID{High: h.ID.High, Low: low}
	c.LocalPort = l.LocalPort
	c.Arg = l.Arg
	c.iss = seqnum.Value(rand.Uint32())
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.sndLbb = c.iss
	c.sndWnd = seqnum.Size(h.WindowSize)
	c.rcvNxt = seqnum.Value(h.SeqNum).Add(1)
	c.State = SYN_RECEIVED

	if accept != nil {
		if err := accept(l, c, nil); err != nil {
			if stack.Alive(c, ref) {
				stack.freeConn(c)
			}
			return nil, errors.Wrap(err, "accept")
		}
		if !stack.Alive(c, ref) {
			return nil, errors.Wrap(ErrAborted, "accept")
		}
	}
	if err := stack.enqueue(c, flagSyn, nil); err != nil {
		stack.freeConn(c)
		return nil, err
	}
	stack.log.Debug("syn received", zap.Stringer("id", c.ID), zap.Uint16("port", l.LocalPort))
	return c, stack.output(c)
}

// Input processes one segment for c. Input consumes ch: it is either handed
// to the Recv callback, held for reassembly or freed.
func (stack *TCPStack) Input(c *TCPConn, h *Header, ch *chain.Chain) {
	data := ch
	defer func() { data.Free() }()
	if !stack.Live(c) {
		return
	}
	ref := c.ref
	seq := seqnum.Value(h.SeqNum)
	ack := seqnum.Value(h.AckNum)

	switch c.State {
	case CLOSED, LISTEN:
		return
	case SYN_SENT:
		stack.synSentInput(c, h)
		return
	case SYN_RECEIVED:
		if h.Has(flagRst) {
			stack.abandon(c, errors.Wrap(ErrReset, "during handshake"), false)
			return
		}
		if h.Has(flagSyn) {
			// our SYN-ACK got lost
			stack.rexmit(c)
			stack.output(c)
			return
		}
		if !h.Has(flagAck) || !c.acceptable(ack) {
			return
		}
		c.State = ESTABLISHED
		c.tmr = 0
		stack.ackSegments(c, ack)
		c.sndWnd = seqnum.Size(h.WindowSize)
		stack.log.Debug("established", zap.Stringer("id", c.ID))
		if cb := c.callbacks.Connected; cb != nil {
			if err := cb(c, nil); err != nil {
				if stack.Alive(c, ref) {
					stack.abandon(c, err, true)
				}
				return
			}
			if !stack.Alive(c, ref) {
				return
			}
		}
		stack.output(c)
	}

	if h.Has(flagRst) {
		if seq == c.rcvNxt || seq.InWindow(c.rcvNxt, c.rcvWnd) {
			stack.abandon(c, ErrReset, false)
		}
		return
	}
	if h.Has(flagSyn) {
		// the peer did not see our ACK of its SYN-ACK
		stack.sendAck(c)
		return
	}
	if h.Has(flagAck) {
		if !stack.ackInput(c, ack, seqnum.Size(h.WindowSize)) {
			return
		}
		if !stack.Alive(c, ref) {
			return
		}
	}
	if data.Len() == 0 && !h.Has(flagFin) {
		return
	}

	switch c.State {
	case ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2:
	default:
		// retransmitted FIN or data after the peer's FIN
		stack.sendAck(c)
		return
	}

	fin := h.Has(flagFin)
	if seq.LessThan(c.rcvNxt) {
		overlap := int(seq.Size(c.rcvNxt))
		if overlap >= data.Len()+boolToInt(fin) {
			stack.sendAck(c)
			return
		}
		if overlap > data.Len() {
			overlap = data.Len()
		}
		data.Consume(overlap)
		seq = c.rcvNxt
	}
	if seq != c.rcvNxt {
		if seq.InWindow(c.rcvNxt, c.rcvWnd) {
			held := &priorityQueue.EarlyArrivalPacket{SeqNum: uint32(seq), Chain: data, Fin: fin}
			if c.ooseq.Add(held) {
				data = nil
			}
		}
		stack.sendAck(c)
		return
	}
	if seqnum.Size(data.Len()) > c.rcvWnd {
		stack.sendAck(c)
		return
	}

	c.rcvNxt = c.rcvNxt.Add(seqnum.Size(data.Len()))
	for !fin && c.ooseq.Len() > 0 {
		front := c.ooseq.Front()
		if c.rcvNxt.LessThan(seqnum.Value(front.SeqNum)) {
			break
		}
		c.ooseq.PopFront()
		if front.End().LessThanEq(c.rcvNxt) {
			front.Chain.Free()
			continue
		}
		front.Chain.Consume(int(seqnum.Value(front.SeqNum).Size(c.rcvNxt)))
		c.rcvNxt = c.rcvNxt.Add(seqnum.Size(front.Chain.Len()))
		data.Concat(front.Chain)
		front.Chain.Free()
		fin = front.Fin
	}
	if fin {
		c.rcvNxt = c.rcvNxt.Add(1)
	}
	n := data.Len()
	if seqnum.Size(n) > c.rcvWnd {
		c.rcvWnd = 0
	} else {
		c.rcvWnd -= seqnum.Size(n)
	}
	stack.sendAck(c)

	if n > 0 {
		if recv := c.callbacks.Recv; recv != nil {
			delivered := data
			data = nil
			recv(c, delivered, nil)
			if !stack.Alive(c, ref) {
				return
			}
		} else {
			data.Free()
			stack.Recved(c, n)
		}
	}
	if !fin {
		return
	}
	switch c.State {
	case ESTABLISHED:
		c.State = CLOSE_WAIT
	case FIN_WAIT_1:
		if c.finAcked() {
			c.State = TIME_WAIT
		} else {
			c.State = CLOSING
		}
	case FIN_WAIT_2:
		c.State = TIME_WAIT
	}
	c.tmr = 0
	stack.log.Debug("peer closed", zap.Stringer("id", c.ID), zap.Stringer("state", c.State))
	if recv := c.callbacks.Recv; recv != nil {
		recv(c, nil, nil)
	}
}

func (stack *TCPStack) synSentInput(c *TCPConn, h *Header) {
	ack := seqnum.Value(h.AckNum)
	if h.Has(flagRst) {
		if h.Has(flagAck) && ack == c.sndNxt {
			stack.failConnect(c, ErrReset)
		}
		return
	}
	if !h.Has(flagSyn|flagAck) || ack != c.iss.Add(1) {
		return
	}
	ref := c.ref
	c.rcvNxt = seqnum.Value(h.SeqNum).Add(1)
	c.sndWnd = seqnum.Size(h.WindowSize)
	stack.ackSegments(c, ack)
	old := c.ID
	c.ID.Low = h.ID.Low
	c.State = ESTABLISHED
	c.tmr = 0
	if stack.hooks.Rekeyed != nil {
		stack.hooks.Rekeyed(c, old)
	}
	stack.log.Debug("established", zap.Stringer("id", c.ID))
	if cb := c.callbacks.Connected; cb != nil {
		if err := cb(c, nil); err != nil {
			if stack.Alive(c, ref) {
				stack.abandon(c, err, true)
			}
			return
		}
		if !stack.Alive(c, ref) {
			return
		}
	}
	stack.sendAck(c)
	stack.output(c)
}

// failConnect ends a handshake we started; the error callback reports why.
func (stack *TCPStack) failConnect(c *TCPConn, reason error) {
	stack.abandon(c, errors.Wrap(reason, "connect"), false)
}

// acceptable reports whether ack covers something sent and not yet acknowledged.
func (c *TCPConn) acceptable(ack seqnum.Value) bool {
	return c.sndUna.LessThan(ack) && ack.LessThanEq(c.sndLbb)
}

func (c *TCPConn) finAcked() bool {
	return c.finQueued && c.SendQueued() == 0 && c.sndUna == c.sndLbb
}

// ackInput handles the acknowledgement and window of a segment. It returns
// false when the connection is gone or nothing else in the segment matters.
func (stack *TCPStack) ackInput(c *TCPConn, ack seqnum.Value, wnd seqnum.Size) bool {
	if !c.acceptable(ack) {
		if ack == c.sndUna {
			c.sndWnd = wnd
			stack.output(c)
		}
		return true
	}
	ref := c.ref
	n := stack.ackSegments(c, ack)
	c.sndWnd = wnd
	if n > 0 {
		if sent := c.callbacks.Sent; sent != nil {
			sent(c, n)
			if !stack.Alive(c, ref) {
				return false
			}
		}
	}
	if c.finAcked() {
		switch c.State {
		case FIN_WAIT_1:
			c.State = FIN_WAIT_2
			c.tmr = 0
		case CLOSING:
			c.State = TIME_WAIT
			c.tmr = 0
		case LAST_ACK:
			stack.log.Debug("closed", zap.Stringer("id", c.ID))
			stack.freeConn(c)
			return false
		}
	}
	stack.output(c)
	return true
}

// ackSegments frees every segment ack covers and returns the payload bytes
// they carried.
func (stack *TCPStack) ackSegments(c *TCPConn, ack seqnum.Value) int {
	n := stack.ackQueue(c, c.unacked, ack)
	if c.unacked.Length() == 0 {
		// segments put back by a retransmission may be covered too
		n += stack.ackQueue(c, c.unsent, ack)
	}
	c.sndUna = ack
	if c.sndNxt.LessThan(ack) {
		c.sndNxt = ack
	}
	c.nrtx = 0
	c.rto = stack.opts.InitialRTO
	if c.unacked.Length() == 0 {
		c.rtime = -1
	} else {
		c.rtime = 0
	}
	return n
}

func (stack *TCPStack) ackQueue(c *TCPConn, q *queue.Queue, ack seqnum.Value) int {
	n := 0
	for q.Length() > 0 {
		s := q.Peek().(*segment)
		if ack.LessThan(s.seq.Add(s.seqLen())) {
			break
		}
		q.Remove()
		n += s.len
		c.sndQueued -= s.len
		stack.freeSeg(s)
	}
	return n
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
