package protocol

import (
	"io"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rudp-tcp-pa/chain"
	"rudp-tcp-pa/lnxconfig"
	"rudp-tcp-pa/pool"
	tcp "rudp-tcp-pa/tcp_pkg"
)

const (
	maxDatagram = 65535
	inboxSize   = 64
	tokenProbes = 8
)

type demuxEntry struct {
	conn   *tcp.TCPConn
	remote netip.AddrPort // where the segments of this connection go
}

// origin names a handshake by the peer that started it
type origin struct {
	high   uint32
	remote netip.AddrPort
}

// Counters are kept for the REPL
type Counters struct {
	Received   uint64
	Dropped    uint64
	Sent       uint64
	SendErrors uint64
	Ticks      uint64
}

// Stack is the context every operation runs against. It owns the UDP
// socket, the pools, the engine and the handle table, and it is driven from
// a single goroutine; other goroutines reach it through Invoke.
type Stack struct {
	cfg    lnxconfig.IPConfig
	log    *zap.Logger
	pool   *pool.Pool
	bufs   *chain.Allocator
	engine *tcp.TCPStack

	records    *pool.Objects[Record]
	handles    map[Handle]pool.Ref
	nextHandle Handle

	demux     map[tcp.ConnID]demuxEntry   // every identifier the engine may see
	origins   map[origin]*tcp.TCPConn     // connections created from a SYN
	listeners map[uint16]*tcp.TCPListener // logical port to listener
	conn      net.PacketConn
	rxFrom    netip.AddrPort // source of the datagram being dispatched
	rxBuf     []byte

	dispatching int
	releases    *queue.Queue

	lastTick time.Time
	now      func() time.Time
	random   func() uint32
	inbox    chan func()
	counters Counters
	out      io.Writer
	down     bool
}

// Initialize carves the pools and builds the engine. Nothing is bound yet;
// the first Bind or Connect opens the UDP socket.
func Initialize(cfg lnxconfig.IPConfig, log *zap.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	p, err := pool.New(cfg.PoolConfig())
	if err != nil {
		return nil, errors.Wrap(err, "initialize pools")
	}

	stack := &Stack{
		cfg:        cfg,
		log:        log,
		pool:       p,
		bufs:       chain.NewAllocator(p),
		records:    pool.NewObjects[Record](p, pool.ClassRecord),
		handles:    make(map[Handle]pool.Ref),
		nextHandle: 1,
		demux:      make(map[tcp.ConnID]demuxEntry),
		origins:    make(map[origin]*tcp.TCPConn),
		listeners:  make(map[uint16]*tcp.TCPListener),
		rxBuf:      make([]byte, maxDatagram),
		releases:   queue.New(),
		now:        time.Now,
		random:     rand.Uint32,
		inbox:      make(chan func(), inboxSize),
		out:        os.Stdout,
	}

	opts := tcp.DefaultOptions()
	opts.MSS = cfg.MSS
	opts.SendQueueLen = cfg.SendQueue
	opts.SendBuf = 12 * cfg.MSS
	opts.Window = uint16(cfg.Window)
	opts.Checksum = cfg.Checksum
	opts.Logger = log.Named("tcp")
	stack.engine = tcp.NewTCPStack(p, stack.bufs, tcp.Hooks{
		SendRaw:  stack.sendRaw,
		NewToken: stack.newToken,
		Rekeyed:  stack.rekeyed,
		Freed:    stack.freed,
	}, opts)
	stack.lastTick = stack.now()

	log.Info("stack initialized",
		zap.Int("arena", p.ArenaSize()),
		zap.Duration("tick", cfg.Tick),
		zap.Int("mss", cfg.MSS))
	return stack, nil
}

// Shutdown closes the socket and tears the pools down. Every handle is
// invalid afterwards.
func (stack *Stack) Shutdown() error {
	if stack.down {
		return nil
	}
	stack.down = true
	var err error
	if stack.conn != nil {
		err = stack.conn.Close()
	}
	stack.pool.Teardown()
	stack.handles = make(map[Handle]pool.Ref)
	stack.log.Info("stack shut down")
	return errors.Wrap(err, "close socket")
}

// Engine exposes the protocol engine, mostly for inspection.
func (stack *Stack) Engine() *tcp.TCPStack {
	return stack.engine
}

func (stack *Stack) Pool() *pool.Pool {
	return stack.pool
}

func (stack *Stack) Counters() Counters {
	return stack.counters
}

// LocalAddr is the address of the UDP socket, invalid until one is open.
func (stack *Stack) LocalAddr() netip.AddrPort {
	if stack.conn == nil {
		return netip.AddrPort{}
	}
	return addrPortOf(stack.conn.LocalAddr())
}

// dispatch runs fn as one dispatch pass. Records released by callbacks
// during the pass are freed once the outermost pass returns.
func (stack *Stack) dispatch(fn func()) {
	stack.dispatching++
	defer func() {
		stack.dispatching--
		if stack.dispatching == 0 {
			stack.drainReleases()
		}
	}()
	fn()
}

// sendRaw is the engine's only way out: one datagram per segment.
func (stack *Stack) sendRaw(b []byte, id tcp.ConnID) error {
	e, ok := stack.demux[id]
	if !ok {
		return errors.Wrapf(ErrTransport, "no peer for %v", id)
	}
	if stack.conn == nil {
		return errors.Wrap(ErrTransport, "socket not open")
	}
	if _, err := stack.conn.WriteTo(b, net.UDPAddrFromAddrPort(e.remote)); err != nil {
		stack.counters.SendErrors++
		return errors.Wrapf(ErrTransport, "send to %v: %v", e.remote, err)
	}
	stack.counters.Sent++
	return nil
}

// newToken picks the low half of an identifier for an accepted connection.
func (stack *Stack) newToken(high uint32) (uint32, error) {
	for i := 0; i < tokenProbes; i++ {
		low := stack.random()
		if low == 0 {
			continue
		}
		if _, taken := stack.demux[tcp.ConnID{High: high, Low: low}]; !taken {
			return low, nil
		}
	}
	return 0, errors.Wrapf(ErrTableFull, "no token for %08x", high)
}

// newHigh picks the high half for a connection we start. It must differ
// from the high half of every identifier in use, rekeyed ones included.
func (stack *Stack) newHigh() (uint32, error) {
	for i := 0; i < tokenProbes; i++ {
		high := stack.random()
		if high != 0 && !stack.highInUse(high) {
			return high, nil
		}
	}
	return 0, errors.Wrap(ErrTableFull, "no free connection id")
}

func (stack *Stack) highInUse(high uint32) bool {
	for id := range stack.demux {
		if id.High == high {
			return true
		}
	}
	return false
}

func (stack *Stack) rekeyed(c *tcp.TCPConn, old tcp.ConnID) {
	if e, ok := stack.demux[old]; ok && e.conn == c {
		delete(stack.demux, old)
		stack.demux[c.ID] = e
	}
	if rec := stack.recordOf(c); rec != nil {
		rec.ID = c.ID
	}
	stack.log.Debug("rekeyed", zap.Stringer("old", old), zap.Stringer("id", c.ID))
}

func (stack *Stack) freed(c *tcp.TCPConn) {
	for _, id := range []tcp.ConnID{c.ID, {High: c.ID.High}} {
		e, ok := stack.demux[id]
		if !ok || e.conn != c {
			continue
		}
		delete(stack.demux, id)
		o := origin{high: id.High, remote: e.remote}
		if stack.origins[o] == c {
			delete(stack.origins, o)
		}
	}
	if rec := stack.recordOf(c); rec != nil && rec.conn == c {
		rec.conn = nil
		if rec.State == CONNECTING && !rec.parent.IsZero() {
			// accepted but never reported to the user
			stack.release(rec)
		}
	}
}

func addrPortOf(addr net.Addr) netip.AddrPort {
	if udp, ok := addr.(*net.UDPAddr); ok {
		ap := udp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap, _ := netip.ParseAddrPort(addr.String())
	return ap
}
