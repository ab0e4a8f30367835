package protocol

import (
	"net/netip"
	"testing"

	"github.com/google/netstack/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rudp-tcp-pa/pool"
	tcp "rudp-tcp-pa/tcp_pkg"
)

func segment(t *testing.T, id tcp.ConnID, flags uint8, payload string) []byte {
	t.Helper()
	b := make([]byte, tcp.HeaderLen+len(payload))
	_, err := tcp.Encode(b, &tcp.Header{ID: id, SeqNum: 1, Flags: flags, WindowSize: 1000}, []byte(payload), true)
	require.NoError(t, err)
	return b
}

func poolUsage(p *pool.Pool) [pool.NumClasses]int {
	var used [pool.NumClasses]int
	for cl := pool.Class(0); cl < pool.NumClasses; cl++ {
		used[cl] = p.Stats(cl).Used
	}
	return used
}

func TestUnknownIdentifierDroppedSilently(t *testing.T) {
	n := newMemNet()
	stack := newTestStack(t, n, serverAddr, nil)
	peer := n.listen(t, "10.0.0.9:9")
	from := netip.MustParseAddrPort("10.0.0.9:9")
	listenServer(t, stack, newSink())
	before := poolUsage(stack.Pool())

	stack.deliver(segment(t, tcp.ConnID{High: 1, Low: 2}, header.TCPFlagAck, "data"), from)
	// a SYN-ACK nobody asked for
	stack.deliver(segment(t, tcp.ConnID{High: 3, Low: 4}, header.TCPFlagSyn|header.TCPFlagAck, ""), from)
	// a SYN for a port nobody listens on
	stack.deliver(segment(t, tcp.ConnID{High: 5, Low: 10002}, header.TCPFlagSyn, ""), from)
	stack.deliver(segment(t, tcp.ConnID{High: 5, Low: 0x10000 | 10001}, header.TCPFlagSyn, ""), from)
	// too short to carry a header
	stack.deliver([]byte{1, 2, 3}, from)

	assert.Equal(t, before, poolUsage(stack.Pool()))
	assert.Equal(t, uint64(5), stack.Counters().Received)
	assert.Equal(t, uint64(5), stack.Counters().Dropped)
	assert.Equal(t, uint64(0), stack.Counters().Sent)
	assert.Empty(t, peer.rx, "no reset goes back")
}

func TestRuntDatagramNeverTouchesThePool(t *testing.T) {
	stack := newTestStack(t, nil, "", nil)
	from := netip.MustParseAddrPort("10.0.0.9:9")

	stack.deliver(make([]byte, tcp.HeaderLen-1), from)
	assert.Equal(t, uint64(1), stack.Counters().Dropped)
	assert.Zero(t, stack.Pool().Stats(pool.ClassBuffer).Max)
	assert.Zero(t, stack.Pool().Stats(pool.ClassBufDesc).Max)

	// a full header is copied in before the identifier is looked up
	stack.deliver(segment(t, tcp.ConnID{High: 1, Low: 2}, header.TCPFlagAck, ""), from)
	assert.Equal(t, uint64(2), stack.Counters().Dropped)
	assert.Equal(t, 1, stack.Pool().Stats(pool.ClassBuffer).Max)
	assert.Zero(t, stack.Pool().Stats(pool.ClassBuffer).Used)
}

func TestCorruptSegmentDropped(t *testing.T) {
	n := newMemNet()
	stack := newTestStack(t, n, serverAddr, nil)
	from := netip.MustParseAddrPort("10.0.0.9:9")
	srv := newSink()
	listenServer(t, stack, srv)
	before := poolUsage(stack.Pool())

	b := segment(t, tcp.ConnID{High: 5, Low: 10001}, header.TCPFlagSyn, "")
	b[len(b)-1] ^= 0xff
	stack.deliver(b, from)
	assert.Equal(t, before, poolUsage(stack.Pool()))
	assert.Equal(t, uint64(1), stack.Counters().Dropped)
}

func TestSynCreatesEmbryonicRecord(t *testing.T) {
	n := newMemNet()
	stack := newTestStack(t, n, serverAddr, nil)
	peer := n.listen(t, "10.0.0.9:9")
	from := netip.MustParseAddrPort("10.0.0.9:9")
	srv := newSink()
	listenServer(t, stack, srv)

	syn := segment(t, tcp.ConnID{High: 0xabc, Low: 10001}, header.TCPFlagSyn, "")
	stack.deliver(syn, from)
	require.Len(t, peer.rx, 1, "SYN-ACK sent back to the source")
	synAck := <-peer.rx
	h, _, err := tcp.Decode(synAck.b)
	require.NoError(t, err)
	assert.True(t, h.IsSYNACK())
	assert.Equal(t, uint32(0xabc), h.ID.High)
	assert.NotZero(t, h.ID.Low)

	// the handle exists but is not announced before the handshake completes
	assert.Empty(t, srv.accepted)
	assert.Len(t, stack.Handles(), 2)
	assert.Contains(t, stack.demux, h.ID)

	// a repeated SYN reaches the same connection instead of creating another
	stack.deliver(syn, from)
	assert.Len(t, stack.Handles(), 2)
	assert.Equal(t, 1, stack.Pool().Stats(pool.ClassConn).Used)
	require.Len(t, peer.rx, 1)
	again := <-peer.rx
	id, ok := tcp.PeekConnID(again.b)
	require.True(t, ok)
	assert.Equal(t, h.ID, id)

	// the peer's ACK completes the handshake and announces the handle
	ack := make([]byte, tcp.HeaderLen)
	_, err = tcp.Encode(ack, &tcp.Header{ID: h.ID, SeqNum: 2, AckNum: h.SeqNum + 1, Flags: header.TCPFlagAck, WindowSize: 1000}, nil, true)
	require.NoError(t, err)
	stack.deliver(ack, from)
	require.Len(t, srv.accepted, 1)
	info, err := stack.Lookup(srv.accepted[0])
	require.NoError(t, err)
	assert.Equal(t, ESTABLISHED, info.State)
	assert.Equal(t, from, info.Remote)
	assert.Equal(t, h.ID, info.ID)
}

func TestListenerClosedBeforeHandshakeCompletes(t *testing.T) {
	n := newMemNet()
	stack := newTestStack(t, n, serverAddr, nil)
	peer := n.listen(t, "10.0.0.9:9")
	from := netip.MustParseAddrPort("10.0.0.9:9")
	srv := newSink()
	lh := listenServer(t, stack, srv)

	stack.deliver(segment(t, tcp.ConnID{High: 0xabc, Low: 10001}, header.TCPFlagSyn, ""), from)
	require.Len(t, peer.rx, 1)
	synAck, _, err := tcp.Decode((<-peer.rx).b)
	require.NoError(t, err)
	require.NoError(t, stack.Close(lh))
	require.Len(t, stack.Handles(), 1)

	// completing the handshake finds nobody to announce it to
	ack := make([]byte, tcp.HeaderLen)
	_, err = tcp.Encode(ack, &tcp.Header{ID: synAck.ID, SeqNum: 2, AckNum: synAck.SeqNum + 1, Flags: header.TCPFlagAck, WindowSize: 1000}, nil, true)
	require.NoError(t, err)
	stack.deliver(ack, from)

	assert.Empty(t, srv.accepted)
	assert.Empty(t, stack.Handles())
	assert.Empty(t, stack.demux)
	assert.Empty(t, stack.origins)
	assert.Equal(t, 0, stack.Pool().Stats(pool.ClassRecord).Used)
	assert.Equal(t, 0, stack.Pool().Stats(pool.ClassConn).Used)
	require.Len(t, peer.rx, 1)
	rst, _, err := tcp.Decode((<-peer.rx).b)
	require.NoError(t, err)
	assert.True(t, rst.Has(header.TCPFlagRst))
}
