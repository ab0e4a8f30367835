package protocol

import (
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rudp-tcp-pa/chain"
	"rudp-tcp-pa/pool"
	tcp "rudp-tcp-pa/tcp_pkg"
)

// at most this many handle values are tried before the table counts as full
const handleProbes = 3

// Handle is the opaque integer the user holds for one connection.
type Handle int32

type State int

const (
	CLOSED State = iota
	BOUND
	LISTENING
	CONNECTING
	ESTABLISHED
	CLOSING
	TIME_WAIT
)

var stateNames = []string{"CLOSED", "BOUND", "LISTENING", "CONNECTING", "ESTABLISHED", "CLOSING", "TIME_WAIT"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// AcceptFunc is told about every connection a listener accepted, once its
// handshake completed, or about the error that made it fail.
type AcceptFunc func(listener Handle, h Handle, err error)

// ConnectedFunc reports the end of a handshake started by Connect.
type ConnectedFunc func(h Handle, err error)

// DataFunc receives a payload that is only valid during the call. A nil
// chain with a nil error means the peer closed; with an error it means the
// connection failed and the handle is gone once the call returns.
type DataFunc func(h Handle, data *chain.Chain, err error)

// Record is the handle table entry of one endpoint.
type Record struct {
	Handle Handle
	State  State
	Local  netip.AddrPort
	Remote netip.AddrPort
	ID     tcp.ConnID

	ref      pool.Ref
	conn     *tcp.TCPConn
	listener *tcp.TCPListener
	parent   pool.Ref // listener record of an accepted connection

	onAccept    AcceptFunc
	onConnected ConnectedFunc
	onData      DataFunc

	// released but still referenced by the running dispatch pass
	closing bool
}

// Info is a snapshot of a live record.
type Info struct {
	Handle Handle
	State  State
	Local  netip.AddrPort
	Remote netip.AddrPort
	ID     tcp.ConnID
	Slab   int // address of the record slab in its pool class
}

// create takes a record slab and the next free handle.
func (stack *Stack) create() (*Record, error) {
	if stack.down {
		return nil, ErrShutdown
	}
	h, err := stack.nextFreeHandle()
	if err != nil {
		return nil, err
	}
	ref, rec, err := stack.records.Alloc()
	if err != nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "connection record: %v", err)
	}
	*rec = Record{
		Handle: h,
		State:  CLOSED,
		ref:    ref,
	}
	stack.handles[h] = ref
	return rec, nil
}

func (stack *Stack) nextFreeHandle() (Handle, error) {
	for i := 0; i < handleProbes; i++ {
		h := stack.nextHandle
		stack.nextHandle++
		if stack.nextHandle <= 0 {
			stack.nextHandle = 1
		}
		if _, live := stack.handles[h]; !live {
			return h, nil
		}
	}
	return 0, ErrTableFull
}

// lookup is the first step of every operation on a handle.
func (stack *Stack) lookup(h Handle) (*Record, error) {
	if stack.down {
		return nil, ErrShutdown
	}
	ref, ok := stack.handles[h]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %d", h)
	}
	rec, ok := stack.records.Get(ref)
	if !ok || rec.closing {
		return nil, errors.Wrapf(ErrInvalidHandle, "handle %d", h)
	}
	return rec, nil
}

// Lookup returns a snapshot of the record behind h.
func (stack *Stack) Lookup(h Handle) (Info, error) {
	rec, err := stack.lookup(h)
	if err != nil {
		return Info{}, err
	}
	return rec.info(stack.pool), nil
}

func (rec *Record) info(p *pool.Pool) Info {
	return Info{
		Handle: rec.Handle,
		State:  rec.State,
		Local:  rec.Local,
		Remote: rec.Remote,
		ID:     rec.ID,
		Slab:   p.Addr(rec.ref),
	}
}

// recordOf finds the record an engine object reports to.
func (stack *Stack) recordOf(c *tcp.TCPConn) *Record {
	ref, ok := c.Arg.(pool.Ref)
	if !ok {
		return nil
	}
	rec, ok := stack.records.Get(ref)
	if !ok {
		return nil
	}
	return rec
}

// release detaches rec from the engine and frees it. Inside a dispatch
// pass the record is only marked; the pass frees it when it unwinds.
func (stack *Stack) release(rec *Record) {
	stack.detach(rec)
	if stack.dispatching > 0 {
		if !rec.closing {
			rec.closing = true
			stack.releases.Add(rec.ref)
		}
		return
	}
	stack.free(rec)
}

// detach makes sure no engine callback reaches rec again.
func (stack *Stack) detach(rec *Record) {
	if rec.conn != nil {
		if stack.engine.Live(rec.conn) {
			stack.engine.SetCallbacks(rec.conn, tcp.Callbacks{})
			rec.conn.Arg = nil
		}
		rec.conn = nil
	}
	if rec.listener != nil {
		if stack.engine.ListenerLive(rec.listener) {
			stack.engine.SetAccept(rec.listener, nil)
			rec.listener.Arg = nil
		}
		rec.listener = nil
	}
}

func (stack *Stack) free(rec *Record) {
	h := rec.Handle
	if stack.handles[h] == rec.ref {
		delete(stack.handles, h)
	}
	if err := stack.records.Free(rec.ref); err != nil {
		stack.log.Warn("free record", zap.Int32("handle", int32(h)), zap.Error(err))
	}
}

func (stack *Stack) drainReleases() {
	for stack.releases.Length() > 0 {
		ref := stack.releases.Remove().(pool.Ref)
		if rec, ok := stack.records.Get(ref); ok {
			stack.free(rec)
		}
	}
}

// Release drops h at once: the engine object is aborted if it is still
// open, no callback fires, and the handle becomes invalid.
func (stack *Stack) Release(h Handle) error {
	rec, err := stack.lookup(h)
	if err != nil {
		return err
	}
	conn, listener := rec.conn, rec.listener
	stack.detach(rec)
	if conn != nil && stack.engine.Live(conn) {
		stack.engine.Abort(conn)
	}
	if listener != nil {
		stack.closeListener(listener)
	}
	stack.release(rec)
	return nil
}

func (stack *Stack) closeListener(l *tcp.TCPListener) {
	if stack.listeners[l.LocalPort] == l {
		delete(stack.listeners, l.LocalPort)
	}
	stack.engine.CloseListener(l)
}

// Handles lists live handles in ascending order.
func (stack *Stack) Handles() []Info {
	if stack.down {
		return nil
	}
	var infos []Info
	stack.records.Each(func(_ pool.Ref, rec *Record) {
		if !rec.closing {
			infos = append(infos, rec.info(stack.pool))
		}
	})
	sortInfos(infos)
	return infos
}
