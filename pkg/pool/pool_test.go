package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrpc/meshrpc/internal/pendingq"
	"github.com/meshrpc/meshrpc/internal/securechan"
	"github.com/meshrpc/meshrpc/internal/wire"
	"github.com/meshrpc/meshrpc/pkg/rtlog"
)

// attachedPair wires a Pool's peer entry to a remote-side securechan.Channel
// that the test drives directly, standing in for the actual remote peer.
func attachedPair(t *testing.T, p *Pool, peer string) *securechan.Channel {
	t.Helper()
	clientConn, remoteConn := net.Pipe()
	seed := make([]byte, 32)

	local := securechan.New(clientConn, seed, true, true)
	remote := securechan.New(remoteConn, seed, false, false)

	p.AddChannel(context.Background(), peer, local, false)
	t.Cleanup(func() { remote.Close() })
	return remote
}

func TestEnqueueDeliversToRemoteChannel(t *testing.T) {
	p := New(rtlog.Nop(), pendingq.New(), nil, nil, nil)
	remote := attachedPair(t, p, "peer-a")

	req := wire.EncodeRequest(wire.Request{ID: 1, Procedure: "echo.Say", Args: []byte("[]")})
	require.NoError(t, p.Enqueue("peer-a", req))

	body, err := remote.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, req, body)
}

func TestEnqueueUnknownPeerFails(t *testing.T) {
	p := New(rtlog.Nop(), pendingq.New(), nil, nil, nil)
	err := p.Enqueue("nobody", []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestInboundRequestInvokesHandlerAndRepliesOnChannel(t *testing.T) {
	handled := make(chan *wire.Request, 1)
	onReq := func(ctx context.Context, peer string, req *wire.Request) *wire.Response {
		handled <- req
		return &wire.Response{ID: req.ID, HasResult: true, Result: []byte(`"ok"`)}
	}

	p := New(rtlog.Nop(), pendingq.New(), onReq, nil, nil)
	remote := attachedPair(t, p, "peer-a")

	req := wire.Request{ID: 7, Procedure: "echo.Say", Args: []byte(`["hi"]`)}
	require.NoError(t, remote.Send(context.Background(), wire.EncodeRequest(req)))

	select {
	case got := <-handled:
		assert.Equal(t, req.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("onReq was never called")
	}

	body, err := remote.Receive(context.Background())
	require.NoError(t, err)
	decoded, err := wire.Decode(body)
	require.NoError(t, err)
	resp := decoded.(*wire.Response)
	assert.EqualValues(t, 7, resp.ID)
	assert.Equal(t, []byte(`"ok"`), resp.Result)
}

func TestInboundResponseCompletesPendingQuery(t *testing.T) {
	pending := pendingq.New()
	p := New(rtlog.Nop(), pending, nil, nil, nil)
	remote := attachedPair(t, p, "peer-a")

	entry := pending.Register(3, "peer-a")
	resp := wire.Response{ID: 3, HasResult: true, Result: []byte(`99`)}
	require.NoError(t, remote.Send(context.Background(), wire.EncodeResponse(resp)))

	select {
	case got := <-entry.Wait():
		assert.Equal(t, []byte(`99`), got.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("pending query was never completed")
	}
}

func TestPeersAndQueueDepth(t *testing.T) {
	p := New(rtlog.Nop(), pendingq.New(), nil, nil, nil)
	assert.Equal(t, -1, p.QueueDepth("peer-a"))
	assert.False(t, p.HasPeer("peer-a"))

	attachedPair(t, p, "peer-a")
	assert.True(t, p.HasPeer("peer-a"))
	assert.Contains(t, p.Peers(), "peer-a")
	assert.Equal(t, 0, p.QueueDepth("peer-a"))
}

func TestDisconnectFiresHandlerAndFailsPending(t *testing.T) {
	pending := pendingq.New()
	disconnected := make(chan string, 1)
	onDisc := func(peer string) { disconnected <- peer }

	p := New(rtlog.Nop(), pending, nil, onDisc, nil)
	remote := attachedPair(t, p, "peer-a")
	entry := pending.Register(1, "peer-a")

	remote.Close()

	select {
	case peer := <-disconnected:
		assert.Equal(t, "peer-a", peer)
	case <-time.After(2 * time.Second):
		t.Fatal("onDisc was never called")
	}

	resp := <-entry.Wait()
	require.NotNil(t, resp.Err)
	assert.False(t, p.HasPeer("peer-a"))
}

func TestRemovePeer(t *testing.T) {
	p := New(rtlog.Nop(), pendingq.New(), nil, nil, nil)
	attachedPair(t, p, "peer-a")
	p.RemovePeer("peer-a")
	assert.False(t, p.HasPeer("peer-a"))
}
