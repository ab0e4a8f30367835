package tcp_protocol

import (
	"math/rand"

	"github.com/eapache/queue"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rudp-tcp-pa/pool"
)

// NewConn allocates a control block in the CLOSED state.
func (stack *TCPStack) NewConn() (*TCPConn, error) {
	ref, c, err := stack.conns.Alloc()
	if err != nil {
		return nil, errors.Wrapf(ErrMem, "new pcb: %v", err)
	}
	*c = TCPConn{
		ref:     ref,
		stack:   stack,
		State:   CLOSED,
		rcvWnd:  seqnum.Size(stack.opts.Window),
		unsent:  queue.New(),
		unacked: queue.New(),
		rtime:   -1,
		rto:     stack.opts.InitialRTO,
	}
	return c, nil
}

// SetCallbacks replaces every callback of c. The zero value detaches them all.
func (stack *TCPStack) SetCallbacks(c *TCPConn, cb Callbacks) {
	c.callbacks = cb
}

func (stack *TCPStack) portInUse(port uint16) bool {
	used := false
	stack.listeners.Each(func(_ pool.Ref, l *TCPListener) {
		if l.LocalPort == port {
			used = true
		}
	})
	stack.conns.Each(func(_ pool.Ref, c *TCPConn) {
		if c.State == CLOSED && c.LocalPort == port {
			used = true
		}
	})
	return used
}

// Bind gives c a logical local port. Only listeners use it for demux.
func (stack *TCPStack) Bind(c *TCPConn, port uint16) error {
	if c.State != CLOSED {
		return errors.Wrapf(ErrIsConn, "bind in state %v", c.State)
	}
	if port == 0 {
		return errors.Wrap(ErrArg, "bind to port 0")
	}
	if stack.portInUse(port) {
		return errors.Wrapf(ErrInUse, "port %d", port)
	}
	c.LocalPort = port
	return nil
}

// Listen trades the bound control block for a listening one. On success c
// is released and must not be used again.
func (stack *TCPStack) Listen(c *TCPConn, accept AcceptFunc) (*TCPListener, error) {
	if c.State != CLOSED || c.LocalPort == 0 {
		return nil, errors.Wrapf(ErrConn, "listen in state %v port %d", c.State, c.LocalPort)
	}
	ref, l, err := stack.listeners.Alloc()
	if err != nil {
		return nil, errors.Wrapf(ErrMem, "new listen pcb: %v", err)
	}
	*l = TCPListener{
		ref:       ref,
		stack:     stack,
		LocalPort: c.LocalPort,
		Arg:       c.Arg,
		accept:    accept,
	}
	// the port check in Bind must not see the old block
	c.LocalPort = 0
	stack.freeConn(c)
	stack.log.Debug("listening", zap.Uint16("port", l.LocalPort))
	return l, nil
}

// SetAccept replaces the accept callback; nil detaches it.
func (stack *TCPStack) SetAccept(l *TCPListener, accept AcceptFunc) {
	l.accept = accept
}

// CloseListener releases a listening block.
func (stack *TCPStack) CloseListener(l *TCPListener) {
	if !stack.ListenerLive(l) {
		return
	}
	stack.listeners.Free(l.ref)
}

// Connect starts the handshake. id.High names the connection on our side;
// port is the peer's listening port.
func (stack *TCPStack) Connect(c *TCPConn, id ConnID, port uint16, connected func(c *TCPConn, err error) error) error {
	if c.State != CLOSED {
		return errors.Wrapf(ErrIsConn, "connect in state %v", c.State)
	}
	if id.High == 0 {
		return errors.Wrap(ErrArg, "connection id high is zero")
	}
	c.ID = ConnID{High: id.High}
	c.RemotePort = port
	c.iss = seqnum.Value(rand.Uint32())
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.sndLbb = c.iss
	c.sndWnd = seqnum.Size(stack.opts.MSS)
	c.callbacks.Connected = connected
	if err := stack.enqueue(c, flagSyn, nil); err != nil {
		return err
	}
	c.State = SYN_SENT
	c.tmr = 0
	stack.log.Debug("connecting", zap.Stringer("id", c.ID), zap.Uint16("port", port))
	return stack.output(c)
}

// Write queues data for transmission. Data that does not fit the send queue
// is rejected as a whole with ErrMem.
func (stack *TCPStack) Write(c *TCPConn, data []byte) error {
	switch c.State {
	case ESTABLISHED, CLOSE_WAIT, SYN_SENT, SYN_RECEIVED:
	default:
		return errors.Wrapf(ErrConn, "write in state %v", c.State)
	}
	if c.finQueued || c.closePending {
		return errors.Wrap(ErrConn, "write after close")
	}
	if len(data) == 0 {
		return nil
	}
	mss := stack.opts.MSS
	nsegs := (len(data) + mss - 1) / mss
	if c.SendQueued()+nsegs > stack.opts.SendQueueLen {
		return errors.Wrapf(ErrMem, "%d segments queued, %d more exceeds %d", c.SendQueued(), nsegs, stack.opts.SendQueueLen)
	}
	if c.sndQueued+len(data) > stack.opts.SendBuf {
		return errors.Wrapf(ErrMem, "%d bytes queued, %d more exceeds %d", c.sndQueued, len(data), stack.opts.SendBuf)
	}

	queued := 0
	for off := 0; off < len(data); off += mss {
		end := min(off+mss, len(data))
		if err := stack.enqueue(c, 0, data[off:end]); err != nil {
			stack.dequeueTail(c, queued)
			return err
		}
		queued++
	}
	if c.State == ESTABLISHED || c.State == CLOSE_WAIT {
		return stack.output(c)
	}
	return nil
}

// Recved opens the receive window after the application consumed n bytes.
func (stack *TCPStack) Recved(c *TCPConn, n int) error {
	wnd := c.rcvWnd + seqnum.Size(n)
	if wnd > seqnum.Size(stack.opts.Window) {
		wnd = seqnum.Size(stack.opts.Window)
	}
	c.rcvWnd = wnd
	// announce once the window grew by a full segment or reopened from zero
	if c.rcvWnd-c.rcvAnnounced >= seqnum.Size(stack.opts.MSS) || (c.rcvAnnounced == 0 && c.rcvWnd > 0) {
		switch c.State {
		case ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2:
			return stack.sendAck(c)
		}
	}
	return nil
}

// Close starts a graceful shutdown. ErrWouldBlock means the FIN could not be
// queued; the engine retries on the next ticks and fires Closed when it did.
// After a nil return the block belongs to the engine.
func (stack *TCPStack) Close(c *TCPConn) error {
	switch c.State {
	case CLOSED, SYN_SENT:
		stack.freeConn(c)
		return nil
	case SYN_RECEIVED, ESTABLISHED, CLOSE_WAIT:
		if c.closePending {
			return errors.Wrap(ErrWouldBlock, "close already pending")
		}
		if err := stack.sendFin(c); err != nil {
			if errors.Cause(err) == ErrMem {
				c.closePending = true
				return errors.Wrap(ErrWouldBlock, err.Error())
			}
			return err
		}
		return nil
	default:
		// already closing
		return nil
	}
}

func (stack *TCPStack) sendFin(c *TCPConn) error {
	if c.SendQueued() >= stack.opts.SendQueueLen {
		return errors.Wrapf(ErrMem, "send queue full (%d)", c.SendQueued())
	}
	if err := stack.enqueue(c, flagFin, nil); err != nil {
		return err
	}
	c.finQueued = true
	if c.State == CLOSE_WAIT {
		c.State = LAST_ACK
	} else {
		c.State = FIN_WAIT_1
	}
	c.tmr = 0
	return stack.output(c)
}

// Abort drops c at once, resets the peer when synchronized and reports
// ErrAborted through the error callback.
func (stack *TCPStack) Abort(c *TCPConn) {
	stack.abandon(c, ErrAborted, true)
}

func (stack *TCPStack) abandon(c *TCPConn, reason error, reset bool) {
	if !stack.Live(c) {
		return
	}
	if reset {
		switch c.State {
		case ESTABLISHED, FIN_WAIT_1, FIN_WAIT_2, CLOSE_WAIT, CLOSING, LAST_ACK, SYN_RECEIVED:
			stack.sendRst(c)
		}
	}
	errf, arg := c.callbacks.Err, c.Arg
	stack.log.Debug("abandon", zap.Stringer("id", c.ID), zap.Stringer("state", c.State), zap.Error(reason))
	stack.freeConn(c)
	if errf != nil {
		errf(arg, reason)
	}
}

func (stack *TCPStack) freeSeg(s *segment) {
	s.payload.Free()
	stack.segs.Free(s.ref)
}

func (stack *TCPStack) freeConn(c *TCPConn) {
	for c.unsent != nil && c.unsent.Length() > 0 {
		stack.freeSeg(c.unsent.Remove().(*segment))
	}
	for c.unacked != nil && c.unacked.Length() > 0 {
		stack.freeSeg(c.unacked.Remove().(*segment))
	}
	for c.ooseq.Len() > 0 {
		c.ooseq.PopFront().Chain.Free()
	}
	if stack.hooks.Freed != nil {
		stack.hooks.Freed(c)
	}
	stack.conns.Free(c.ref)
}
