package tcp_protocol

import (
	"github.com/eapache/queue"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rudp-tcp-pa/chain"
	"rudp-tcp-pa/pool"
	"rudp-tcp-pa/priorityQueue"
)

type TCPState int

const (
	CLOSED TCPState = iota
	LISTEN
	SYN_SENT
	SYN_RECEIVED
	ESTABLISHED
	FIN_WAIT_1
	FIN_WAIT_2
	CLOSE_WAIT
	CLOSING
	LAST_ACK
	TIME_WAIT
)

var stateNames = []string{"CLOSED", "LISTEN", "SYN_SENT", "SYN_RECEIVED", "ESTABLISHED",
	"FIN_WAIT_1", "FIN_WAIT_2", "CLOSE_WAIT", "CLOSING", "LAST_ACK", "TIME_WAIT"}

func (s TCPState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

var (
	ErrMem        = errors.New("out of memory")
	ErrConn       = errors.New("not connected")
	ErrWouldBlock = errors.New("operation would block")
	ErrInUse      = errors.New("address in use")
	ErrIsConn     = errors.New("already connected")
	ErrReset      = errors.New("connection reset")
	ErrAborted    = errors.New("connection aborted")
	ErrTimeout    = errors.New("retransmission timeout")
	ErrArg        = errors.New("illegal argument")
	ErrClosed     = errors.New("connection closed")
)

// Options configure the engine. Times are counted in ticks.
type Options struct {
	MSS            int    // largest payload per segment
	SendQueueLen   int    // segments queued for transmission or acknowledgement
	SendBuf        int    // bytes queued for transmission or acknowledgement
	Window         uint16 // receive window announced to the peer
	InitialRTO     int
	MaxRTO         int
	MaxRetries     int
	SynRetries     int
	TimeWait       int
	FinWaitTimeout int
	PollInterval   int
	Checksum       bool
	Logger         *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		MSS:            536,
		SendQueueLen:   40,
		SendBuf:        12 * 536,
		Window:         10 * 536,
		InitialRTO:     6,
		MaxRTO:         60,
		MaxRetries:     12,
		SynRetries:     6,
		TimeWait:       20,
		FinWaitTimeout: 200,
		PollInterval:   4,
		Checksum:       true,
		Logger:         zap.NewNop(),
	}
}

// Hooks connect the engine to the datagram transport that drives it.
type Hooks struct {
	// SendRaw emits one segment. It is the engine's only way out.
	SendRaw func(b []byte, id ConnID) error
	// NewToken returns a connid-low value unused for the given connid-high.
	NewToken func(high uint32) (uint32, error)
	// Rekeyed reports that the handshake completed the identifier of c.
	Rekeyed func(c *TCPConn, old ConnID)
	// Freed reports that a control block is about to go back to the pool.
	Freed func(c *TCPConn)
}

// Callbacks are invoked inline from Input, Tick and the socket calls.
// A nil chain in Recv means the peer closed; Recv owns the chain it is handed.
type Callbacks struct {
	Recv func(c *TCPConn, ch *chain.Chain, err error)
	Poll func(c *TCPConn)
	Sent func(c *TCPConn, n int)

	// Err runs after the block was freed, so it only gets the Arg.
	Err func(arg any, err error)

	// Connected fires once the handshake completes, for both ends.
	Connected func(c *TCPConn, err error) error

	// Closed fires when a close that returned ErrWouldBlock went through.
	Closed func(c *TCPConn)
}

// AcceptFunc is told about a new connection created from a SYN. Returning
// an error makes the listener abort it.
type AcceptFunc func(l *TCPListener, c *TCPConn, err error) error

type segment struct {
	ref     pool.Ref
	seq     seqnum.Value
	flags   uint8
	payload *chain.Chain
	len     int // payload length; SYN and FIN count one more in seqLen
}

func (s *segment) seqLen() seqnum.Size {
	n := s.len
	if s.flags&flagSyn != 0 {
		n++
	}
	if s.flags&flagFin != 0 {
		n++
	}
	return seqnum.Size(n)
}

type TCPConn struct {
	ref       pool.Ref
	stack     *TCPStack
	ID        ConnID
	State     TCPState
	LocalPort uint16
	// RemotePort is the logical port carried in our SYN
	RemotePort uint16
	Arg        any

	iss          seqnum.Value
	sndUna       seqnum.Value // oldest unacknowledged
	sndNxt       seqnum.Value // next to transmit
	sndLbb       seqnum.Value // next to queue
	sndWnd       seqnum.Size
	sndQueued    int // payload bytes in unsent and unacked
	rcvNxt       seqnum.Value
	rcvWnd       seqnum.Size
	rcvAnnounced seqnum.Size
	unsent       *queue.Queue
	unacked      *queue.Queue
	ooseq        priorityQueue.PriorityQueue

	rtime        int // ticks since the retransmission timer started, -1 when stopped
	rto          int
	nrtx         int
	persist      int
	tmr          int // ticks spent in the current state
	pollTmr      int
	finQueued    bool
	closePending bool

	callbacks Callbacks
}

type TCPListener struct {
	ref       pool.Ref
	stack     *TCPStack
	LocalPort uint16
	Arg       any
	accept    AcceptFunc
}

// TCPStack owns every control block. It is driven from one goroutine.
type TCPStack struct {
	opts      Options
	hooks     Hooks
	pool      *pool.Pool
	bufs      *chain.Allocator
	conns     *pool.Objects[TCPConn]
	listeners *pool.Objects[TCPListener]
	segs      *pool.Objects[segment]
	ticks     uint32
	txBuf     []byte
	log       *zap.Logger
}

func NewTCPStack(p *pool.Pool, bufs *chain.Allocator, hooks Hooks, opts Options) *TCPStack {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MSS <= 0 {
		opts.MSS = DefaultOptions().MSS
	}
	return &TCPStack{
		opts:      opts,
		hooks:     hooks,
		pool:      p,
		bufs:      bufs,
		conns:     pool.NewObjects[TCPConn](p, pool.ClassConn),
		listeners: pool.NewObjects[TCPListener](p, pool.ClassListener),
		segs:      pool.NewObjects[segment](p, pool.ClassSegment),
		txBuf:     make([]byte, HeaderLen+opts.MSS),
		log:       opts.Logger,
	}
}

func (stack *TCPStack) Options() Options {
	return stack.opts
}

// Ticks counts Tick calls since the engine was created
func (stack *TCPStack) Ticks() uint32 {
	return stack.ticks
}

// Live reports whether c still names an allocated control block.
func (stack *TCPStack) Live(c *TCPConn) bool {
	if c == nil {
		return false
	}
	got, ok := stack.conns.Get(c.ref)
	return ok && got == c
}

func (stack *TCPStack) ListenerLive(l *TCPListener) bool {
	if l == nil {
		return false
	}
	got, ok := stack.listeners.Get(l.ref)
	return ok && got == l
}

// Ref is the pool slab backing the control block
func (c *TCPConn) Ref() pool.Ref {
	return c.ref
}

func (l *TCPListener) Ref() pool.Ref {
	return l.ref
}

// SendQueued is the number of segments not yet acknowledged
func (c *TCPConn) SendQueued() int {
	return c.unsent.Length() + c.unacked.Length()
}

func (c *TCPConn) SendWindow() int {
	return int(c.sndWnd)
}

// SendSpace is how many more bytes Write would accept right now.
func (c *TCPConn) SendSpace() int {
	space := c.stack.opts.SendBuf - c.sndQueued
	if c.SendQueued() >= c.stack.opts.SendQueueLen || space < 0 {
		return 0
	}
	return space
}
