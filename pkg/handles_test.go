package protocol

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudp-tcp-pa/lnxconfig"
	"rudp-tcp-pa/pool"
	tcp "rudp-tcp-pa/tcp_pkg"
)

func TestHandlesAreMonotonic(t *testing.T) {
	stack := newTestStack(t, nil, "", nil)

	var hs []Handle
	for i := 0; i < 3; i++ {
		h, err := stack.CreateConnection()
		require.NoError(t, err)
		hs = append(hs, h)
	}
	assert.Equal(t, []Handle{1, 2, 3}, hs)

	// a released value is not handed out again right away
	require.NoError(t, stack.Release(2))
	h, err := stack.CreateConnection()
	require.NoError(t, err)
	assert.Equal(t, Handle(4), h)

	infos := stack.Handles()
	require.Len(t, infos, 3)
	assert.Equal(t, []Handle{1, 3, 4}, []Handle{infos[0].Handle, infos[1].Handle, infos[2].Handle})
	assert.Equal(t, CLOSED, infos[0].State)
}

func TestHandleWraparoundSkipsLive(t *testing.T) {
	stack := newTestStack(t, nil, "", nil)
	h1, err := stack.CreateConnection()
	require.NoError(t, err)
	require.Equal(t, Handle(1), h1)

	stack.nextHandle = math.MaxInt32
	h, err := stack.CreateConnection()
	require.NoError(t, err)
	assert.Equal(t, Handle(math.MaxInt32), h)

	// 1 is still live, so the counter moves on to 2
	h, err = stack.CreateConnection()
	require.NoError(t, err)
	assert.Equal(t, Handle(2), h)
}

func TestHandleProbesAreBounded(t *testing.T) {
	stack := newTestStack(t, nil, "", nil)
	for h := Handle(1); h <= handleProbes; h++ {
		stack.handles[h] = pool.Ref{}
	}
	_, err := stack.CreateConnection()
	assert.Equal(t, ErrTableFull, errors.Cause(err))
	assert.Equal(t, OutOfMemory, ErrorCode(err))
	assert.Equal(t, 0, stack.Pool().Stats(pool.ClassRecord).Used)

	h, err := stack.CreateConnection()
	require.NoError(t, err)
	assert.Equal(t, Handle(handleProbes+1), h)
}

func TestStaleHandleRejected(t *testing.T) {
	stack := newTestStack(t, newMemNet(), "10.0.0.1:7000", nil)
	h, err := stack.CreateConnection()
	require.NoError(t, err)
	first, err := stack.Lookup(h)
	require.NoError(t, err)

	require.NoError(t, stack.Release(h))
	assert.Equal(t, ErrInvalidHandle, errors.Cause(stack.Release(h)))
	assert.Equal(t, InvalidHandle, ErrorCode(stack.Close(h)))
	assert.Equal(t, InvalidHandle, ErrorCode(stack.Send(h, []byte("x"))))
	assert.Equal(t, InvalidHandle, ErrorCode(stack.Bind(h, "", 1)))
	_, err = stack.Lookup(99)
	assert.Equal(t, InvalidHandle, ErrorCode(err))

	// the double release left the pool sound: the next record reuses the
	// slab under a new handle and works like any other
	fresh, err := stack.CreateConnection()
	require.NoError(t, err)
	assert.NotEqual(t, h, fresh)
	info, err := stack.Lookup(fresh)
	require.NoError(t, err)
	assert.Equal(t, CLOSED, info.State)
	assert.Equal(t, first.Slab, info.Slab)
	assert.Equal(t, 1, stack.Pool().Stats(pool.ClassRecord).Used)
	assert.Equal(t, 1, stack.Pool().Stats(pool.ClassConn).Used)
	require.NoError(t, stack.Bind(fresh, "*", 7000))
	info, err = stack.Lookup(fresh)
	require.NoError(t, err)
	assert.Equal(t, BOUND, info.State)
	assert.Equal(t, uint16(7000), info.Local.Port())
}

func TestReleaseDuringDispatchIsDeferred(t *testing.T) {
	stack := newTestStack(t, nil, "", nil)
	h, err := stack.CreateConnection()
	require.NoError(t, err)

	stack.dispatch(func() {
		stack.dispatch(func() {
			require.NoError(t, stack.Release(h))
		})
		_, err := stack.Lookup(h)
		assert.Equal(t, InvalidHandle, ErrorCode(err))
		assert.Empty(t, stack.Handles())
		// the slab stays taken until the outermost pass returns
		assert.Equal(t, 1, stack.Pool().Stats(pool.ClassRecord).Used)
		assert.Equal(t, InvalidHandle, ErrorCode(stack.Release(h)))
	})
	assert.Equal(t, 0, stack.Pool().Stats(pool.ClassRecord).Used)
	assert.Equal(t, 0, stack.releases.Length())
}

func TestCreateFailureLeavesNothing(t *testing.T) {
	stack := newTestStack(t, nil, "", func(cfg *lnxconfig.IPConfig) {
		cfg.Pools[pool.ClassConn] = 1
	})
	_, err := stack.CreateConnection()
	require.NoError(t, err)

	_, err = stack.CreateConnection()
	assert.Equal(t, OutOfMemory, ErrorCode(err))
	assert.Equal(t, 1, stack.Pool().Stats(pool.ClassRecord).Used)
	assert.Len(t, stack.Handles(), 1)
}

func TestBindStateChecks(t *testing.T) {
	stack := newTestStack(t, newMemNet(), "10.0.0.1:7000", nil)
	h, err := stack.CreateConnection()
	require.NoError(t, err)

	assert.Equal(t, EngineFailure, ErrorCode(stack.Listen(h, nil, nil)), "listen needs a bound handle")
	assert.Equal(t, BindFailed, ErrorCode(stack.Bind(h, "not an address", 7000)))
	require.NoError(t, stack.Bind(h, "*", 7000))
	info, _ := stack.Lookup(h)
	assert.Equal(t, uint16(7000), info.Local.Port())
	assert.Equal(t, BindFailed, ErrorCode(stack.Bind(h, "*", 7001)))

	other, err := stack.CreateConnection()
	require.NoError(t, err)
	require.NoError(t, stack.Listen(h, nil, nil))
	assert.Equal(t, BindFailed, ErrorCode(stack.Bind(other, "*", 7000)), "port held by the listener")
}

func TestBindMustMatchOpenSocket(t *testing.T) {
	stack := newTestStack(t, newMemNet(), serverAddr, nil)
	lh, err := stack.CreateConnection()
	require.NoError(t, err)
	require.NoError(t, stack.Bind(lh, "0.0.0.0", 10001))
	require.NoError(t, stack.Listen(lh, nil, nil))

	// no datagram can reach 10002 while the socket sits on 10001
	h, err := stack.CreateConnection()
	require.NoError(t, err)
	err = stack.Bind(h, "0.0.0.0", 10002)
	assert.Equal(t, BindFailed, ErrorCode(err))
	assert.Equal(t, ErrBindFailed, errors.Cause(err))
	info, err := stack.Lookup(h)
	require.NoError(t, err)
	assert.Equal(t, CLOSED, info.State)
	assert.False(t, info.Local.IsValid())
	assert.Equal(t, EngineFailure, ErrorCode(stack.Listen(h, nil, nil)))
	assert.Equal(t, uint16(10001), stack.LocalAddr().Port())
	assert.Len(t, stack.listeners, 1)
}

func TestNewHighAvoidsRekeyedIdentifiers(t *testing.T) {
	stack := newTestStack(t, nil, "", nil)
	stack.demux[tcp.ConnID{High: 7, Low: 0x55}] = demuxEntry{}
	stack.demux[tcp.ConnID{High: 8}] = demuxEntry{}
	draws := []uint32{0, 7, 8, 9}
	stack.random = func() uint32 {
		v := draws[0]
		draws = draws[1:]
		return v
	}

	high, err := stack.newHigh()
	require.NoError(t, err)
	assert.Equal(t, uint32(9), high)
	assert.Empty(t, draws)

	stack.random = func() uint32 { return 7 }
	_, err = stack.newHigh()
	assert.Equal(t, ErrTableFull, errors.Cause(err))
}

func TestShutdownInvalidatesEverything(t *testing.T) {
	stack := newTestStack(t, newMemNet(), "10.0.0.1:7000", nil)
	h, err := stack.CreateConnection()
	require.NoError(t, err)

	require.NoError(t, stack.Shutdown())
	_, err = stack.Lookup(h)
	assert.Equal(t, ErrShutdown, errors.Cause(err))
	assert.Empty(t, stack.Handles())
	_, err = stack.CreateConnection()
	assert.Equal(t, InvalidHandle, ErrorCode(err))
	assert.Equal(t, ErrShutdown, errors.Cause(stack.RunOnce()))
	assert.NoError(t, stack.Shutdown())
}
