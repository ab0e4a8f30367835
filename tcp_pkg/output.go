package tcp_protocol

import (
	"github.com/eapache/queue"
	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rudp-tcp-pa/chain"
)

const (
	flagFin = header.TCPFlagFin
	flagSyn = header.TCPFlagSyn
	flagRst = header.TCPFlagRst
	flagPsh = header.TCPFlagPsh
	flagAck = header.TCPFlagAck
)

// enqueue appends one segment to the unsent queue. SYN and FIN take a
// sequence number of their own.
func (stack *TCPStack) enqueue(c *TCPConn, flags uint8, data []byte) error {
	ref, s, err := stack.segs.Alloc()
	if err != nil {
		return errors.Wrapf(ErrMem, "segment: %v", err)
	}
	var payload *chain.Chain
	if len(data) > 0 {
		payload, err = stack.bufs.From(data)
		if err != nil {
			stack.segs.Free(ref)
			return errors.Wrapf(ErrMem, "segment payload: %v", err)
		}
	}
	*s = segment{
		ref:     ref,
		seq:     c.sndLbb,
		flags:   flags,
		payload: payload,
		len:     len(data),
	}
	c.sndLbb = c.sndLbb.Add(s.seqLen())
	c.sndQueued += s.len
	c.unsent.Add(s)
	return nil
}

// dequeueTail drops the last n unsent segments, undoing a partial Write.
func (stack *TCPStack) dequeueTail(c *TCPConn, n int) {
	if n <= 0 {
		return
	}
	keep := c.unsent.Length() - n
	q := queue.New()
	for i := 0; c.unsent.Length() > 0; i++ {
		s := c.unsent.Remove().(*segment)
		if i < keep {
			q.Add(s)
			continue
		}
		if i == keep {
			c.sndLbb = s.seq
		}
		c.sndQueued -= s.len
		stack.freeSeg(s)
	}
	c.unsent = q
}

// output sends whatever the peer's window allows.
func (stack *TCPStack) output(c *TCPConn) error {
	return stack.flush(c, false)
}

// flush moves segments from unsent to unacked as they go on the wire. With
// force set the first segment goes out regardless of the window, which is
// how a zero window gets probed.
func (stack *TCPStack) flush(c *TCPConn, force bool) error {
	synchronized := c.State != SYN_SENT && c.State != SYN_RECEIVED
	for c.unsent.Length() > 0 {
		s := c.unsent.Peek().(*segment)
		if !synchronized && s.flags&flagSyn == 0 {
			break
		}
		if s.len > 0 && !force {
			end := s.seq.Add(seqnum.Size(s.len))
			if c.sndUna.Size(end) > c.sndWnd {
				break
			}
		}
		force = false
		c.unsent.Remove()
		if err := stack.transmit(c, s); err != nil {
			// still counts as in flight, the retransmission timer covers it
			stack.log.Debug("transmit", zap.Stringer("id", c.ID), zap.Error(err))
		}
		c.unacked.Add(s)
		if end := s.seq.Add(s.seqLen()); c.sndNxt.LessThan(end) {
			c.sndNxt = end
		}
		if c.rtime < 0 {
			c.rtime = 0
		}
		c.persist = 0
	}
	return nil
}

// wireID is the identifier a segment carries. Until the peer picked the low
// half, a SYN carries the port it is addressed to.
func (c *TCPConn) wireID(flags uint8) ConnID {
	if c.State == SYN_SENT && flags&flagSyn != 0 {
		return ConnID{High: c.ID.High, Low: uint32(c.RemotePort)}
	}
	return c.ID
}

func (stack *TCPStack) transmit(c *TCPConn, s *segment) error {
	flags := s.flags
	if c.State != SYN_SENT {
		flags |= flagAck
	}
	if s.len > 0 {
		flags |= flagPsh
	}
	n := 0
	if s.payload != nil {
		n = s.payload.CopyTo(stack.txBuf[HeaderLen:])
	}
	return stack.send(c, &Header{
		ID:     c.wireID(s.flags),
		SeqNum: uint32(s.seq),
		AckNum: uint32(c.rcvNxt),
		Flags:  flags,
	}, stack.txBuf[HeaderLen:HeaderLen+n])
}

func (stack *TCPStack) send(c *TCPConn, h *Header, payload []byte) error {
	h.WindowSize = uint16(c.rcvWnd)
	total, err := Encode(stack.txBuf, h, payload, stack.opts.Checksum)
	if err != nil {
		return err
	}
	if h.Flags&flagAck != 0 {
		c.rcvAnnounced = c.rcvWnd
	}
	if stack.hooks.SendRaw == nil {
		return errors.New("no transport")
	}
	return stack.hooks.SendRaw(stack.txBuf[:total], c.ID)
}

func (stack *TCPStack) sendCtrl(c *TCPConn, flags uint8) error {
	return stack.send(c, &Header{
		ID:     c.ID,
		SeqNum: uint32(c.sndNxt),
		AckNum: uint32(c.rcvNxt),
		Flags:  flags,
	}, nil)
}

func (stack *TCPStack) sendAck(c *TCPConn) error {
	return stack.sendCtrl(c, flagAck)
}

func (stack *TCPStack) sendRst(c *TCPConn) {
	if err := stack.sendCtrl(c, flagRst|flagAck); err != nil {
		stack.log.Debug("send rst", zap.Stringer("id", c.ID), zap.Error(err))
	}
}

// rexmit puts every unacknowledged segment back in front of the unsent ones.
func (stack *TCPStack) rexmit(c *TCPConn) {
	if c.unacked.Length() == 0 {
		return
	}
	q := queue.New()
	for c.unacked.Length() > 0 {
		q.Add(c.unacked.Remove())
	}
	for c.unsent.Length() > 0 {
		q.Add(c.unsent.Remove())
	}
	c.unsent = q
	c.sndNxt = c.sndUna
}
