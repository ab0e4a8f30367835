package protocol

import (
	"context"
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	tcp "rudp-tcp-pa/tcp_pkg"
)

// CreateConnection allocates a record and its engine control block. A
// failure leaves neither behind.
func (stack *Stack) CreateConnection() (Handle, error) {
	rec, err := stack.create()
	if err != nil {
		return 0, err
	}
	c, err := stack.engine.NewConn()
	if err != nil {
		stack.free(rec)
		return 0, errors.Wrap(err, "create connection")
	}
	c.Arg = rec.ref
	rec.conn = c
	stack.engine.SetCallbacks(c, stack.callbacks())
	return rec.Handle, nil
}

// Bind gives h a local port. The first bind also opens the UDP socket on
// address:port; later binds must name the port that socket is on.
func (stack *Stack) Bind(h Handle, address string, port uint16) error {
	rec, err := stack.lookup(h)
	if err != nil {
		return err
	}
	if rec.State != CLOSED || rec.conn == nil {
		return errors.Wrapf(ErrBindFailed, "handle %d is %v", h, rec.State)
	}
	addr, err := parseAddr(address)
	if err != nil {
		return errors.Wrapf(ErrBindFailed, "%v", err)
	}
	local := netip.AddrPortFrom(addr, port)
	if stack.conn == nil {
		if err := stack.openSocket(local); err != nil {
			return err
		}
	} else if open := stack.LocalAddr().Port(); port != open {
		// peers reach a listener through the UDP port, so the two must agree
		return errors.Wrapf(ErrBindFailed, "port %d, socket is on %d", port, open)
	}
	if err := stack.engine.Bind(rec.conn, port); err != nil {
		return errors.Wrapf(err, "bind handle %d", h)
	}
	rec.State = BOUND
	rec.Local = local
	return nil
}

// Listen turns a bound handle into a listener. Accepted connections inherit
// onData and are announced through onAccept once their handshake completed.
func (stack *Stack) Listen(h Handle, onAccept AcceptFunc, onData DataFunc) error {
	rec, err := stack.lookup(h)
	if err != nil {
		return err
	}
	if rec.State != BOUND || rec.conn == nil {
		return errors.Wrapf(ErrEngine, "listen on handle %d in state %v", h, rec.State)
	}
	l, err := stack.engine.Listen(rec.conn, stack.acceptInbound(rec.ref))
	if err != nil {
		return errors.Wrapf(err, "listen on handle %d", h)
	}
	rec.conn = nil
	rec.listener = l
	l.Arg = rec.ref
	rec.onAccept = onAccept
	rec.onData = onData
	rec.State = LISTENING
	stack.listeners[l.LocalPort] = l
	stack.log.Info("listening", zap.Int32("handle", int32(h)), zap.Uint16("port", l.LocalPort))
	return nil
}

// Connect starts a handshake with the listener on address:port. Data sent
// before onConnected fires is queued.
func (stack *Stack) Connect(h Handle, address string, port uint16, onConnected ConnectedFunc, onData DataFunc) error {
	rec, err := stack.lookup(h)
	if err != nil {
		return err
	}
	if (rec.State != CLOSED && rec.State != BOUND) || rec.conn == nil {
		return errors.Wrapf(ErrEngine, "connect on handle %d in state %v", h, rec.State)
	}
	addr, err := parseAddr(address)
	if err != nil {
		return errors.Wrapf(ErrEngine, "%v", err)
	}
	remote := netip.AddrPortFrom(addr, port)
	if stack.conn == nil {
		if err := stack.openSocket(netip.AddrPortFrom(unspecifiedLike(addr), 0)); err != nil {
			return err
		}
	}
	high, err := stack.newHigh()
	if err != nil {
		return err
	}

	id := tcp.ConnID{High: high}
	prev := rec.State
	stack.demux[id] = demuxEntry{conn: rec.conn, remote: remote}
	rec.onConnected = onConnected
	rec.onData = onData
	rec.Remote = remote
	rec.ID = id
	rec.State = CONNECTING
	if err := stack.engine.Connect(rec.conn, id, port, stack.handleConnected); err != nil {
		delete(stack.demux, id)
		rec.State = prev
		rec.onConnected = nil
		rec.onData = nil
		return errors.Wrapf(err, "connect handle %d", h)
	}
	stack.log.Debug("connecting", zap.Int32("handle", int32(h)), zap.Stringer("remote", remote), zap.Stringer("id", id))
	return nil
}

// Open opens the UDP socket on local ahead of any Bind.
func (stack *Stack) Open(local netip.AddrPort) error {
	if stack.down {
		return ErrShutdown
	}
	if stack.conn != nil {
		return errors.Wrap(ErrBindFailed, "socket already open")
	}
	return stack.openSocket(local)
}

func (stack *Stack) openSocket(local netip.AddrPort) error {
	lc := net.ListenConfig{Control: socketControl(stack.cfg.RcvBuf)}
	pc, err := lc.ListenPacket(context.Background(), "udp", local.String())
	if err != nil {
		return errors.Wrapf(ErrBindFailed, "udp %v: %v", local, err)
	}
	stack.conn = pc
	stack.log.Info("socket open", zap.Stringer("local", stack.LocalAddr()))
	return nil
}

// Attach hands the stack an already open packet socket in place of the one
// Bind or Connect would open.
func (stack *Stack) Attach(pc net.PacketConn) error {
	if stack.conn != nil {
		return errors.Wrap(ErrBindFailed, "socket already open")
	}
	stack.conn = pc
	return nil
}
