package lifecycle

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrpc/meshrpc/internal/catalogue"
	"github.com/meshrpc/meshrpc/internal/keymat"
	"github.com/meshrpc/meshrpc/internal/keystore"
	"github.com/meshrpc/meshrpc/internal/pendingq"
	"github.com/meshrpc/meshrpc/internal/registry"
	"github.com/meshrpc/meshrpc/pkg/pool"
	"github.com/meshrpc/meshrpc/pkg/rpcerr"
	"github.com/meshrpc/meshrpc/pkg/rtlog"
)

// testBits keeps RSA key generation fast; spec §6.6's 8192-bit default
// would make every test in this file unbearably slow.
const testBits = 2048

func newManager(t *testing.T, id *keymat.Identity, services []string, onEvent EventHandler) (*Manager, *keystore.Store, *catalogue.Catalogue) {
	t.Helper()
	ks := keystore.New()
	cat := catalogue.New()
	reg := registry.New()
	t.Cleanup(reg.Close)
	for _, s := range services {
		require.NoError(t, reg.Register(&registry.ServiceDescriptor{Name: s, Methods: map[string]registry.MethodDescriptor{}}, registry.Singleton, func(string) (any, error) { return struct{}{}, nil }))
	}
	p := pool.New(rtlog.Nop(), pendingq.New(), nil, nil, nil)
	m := New(rtlog.Nop(), id, ks, cat, reg, p, 5*time.Second, onEvent)
	return m, ks, cat
}

func TestConnectPathAndAcceptPathHandshake(t *testing.T) {
	acceptorID, err := keymat.Generate(testBits)
	require.NoError(t, err)
	initiatorID, err := keymat.Generate(testBits)
	require.NoError(t, err)

	var acceptorEvents, initiatorEvents []Event
	acceptorMgr, acceptorKS, acceptorCat := newManager(t, acceptorID, []string{"acceptor-svc"}, func(e Event) { acceptorEvents = append(acceptorEvents, e) })
	initiatorMgr, _, initiatorCat := newManager(t, initiatorID, []string{"initiator-svc"}, func(e Event) { initiatorEvents = append(initiatorEvents, e) })

	require.NoError(t, acceptorKS.Add("initiator", initiatorID.Public))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = acceptorMgr.AcceptPath(context.Background(), conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = initiatorMgr.ConnectPath(ctx, PeerSpec{
		Name:          "acceptor",
		Addr:          ln.Addr().String(),
		TrustedPubKey: acceptorID.Public,
		Connections:   1,
		IsRoot:        true,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(acceptorEvents) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, EventConnected, acceptorEvents[0].Kind)
	assert.Equal(t, "initiator", acceptorEvents[0].Peer)

	require.Len(t, initiatorEvents, 1)
	assert.Equal(t, EventConnected, initiatorEvents[0].Kind)
	assert.Equal(t, "acceptor", initiatorEvents[0].Peer)

	assert.Contains(t, initiatorCat.Lookup("acceptor-svc"), "acceptor")
	assert.Contains(t, initiatorMgr.RootPeers(), "acceptor")

	// The accept path never reads the initiator's catalogue (only the
	// connecting side exchanges one, per §4.10's accept-path note).
	assert.Empty(t, acceptorCat.Lookup("initiator-svc"))
}

func TestAcceptPathRejectsUntrustedKey(t *testing.T) {
	acceptorID, err := keymat.Generate(testBits)
	require.NoError(t, err)
	initiatorID, err := keymat.Generate(testBits)
	require.NoError(t, err)

	acceptorMgr, _, _ := newManager(t, acceptorID, nil, nil)
	initiatorMgr, _, _ := newManager(t, initiatorID, nil, nil)
	// acceptorMgr's keystore is left empty: initiator's key is untrusted.

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptErrs := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErrs <- err
			return
		}
		acceptErrs <- acceptorMgr.AcceptPath(context.Background(), conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = initiatorMgr.ConnectPath(ctx, PeerSpec{
		Name:          "acceptor",
		Addr:          ln.Addr().String(),
		TrustedPubKey: acceptorID.Public,
		Connections:   1,
	})
	assert.Error(t, err)

	select {
	case aerr := <-acceptErrs:
		require.Error(t, aerr)
		rerr, ok := aerr.(*rpcerr.Error)
		require.True(t, ok)
		assert.Equal(t, rpcerr.KindUntrustedPeer, rerr.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("AcceptPath never returned")
	}
}

func TestDisconnectedCleansUpState(t *testing.T) {
	id, err := keymat.Generate(testBits)
	require.NoError(t, err)

	var events []Event
	m, ks, cat := newManager(t, id, nil, func(e Event) { events = append(events, e) })

	peerID, err := keymat.Generate(testBits)
	require.NoError(t, err)
	require.NoError(t, ks.Add("peer-a", peerID.Public))
	cat.Add("echo", "peer-a")
	m.addRoot("peer-a")

	m.Disconnected("peer-a")

	assert.Empty(t, cat.Lookup("echo"))
	_, found, _ := ks.FindName(peerID.Public)
	assert.False(t, found)
	assert.NotContains(t, m.RootPeers(), "peer-a")
	require.Len(t, events, 1)
	assert.Equal(t, EventDisconnected, events[0].Kind)
}

func TestStopPreventsReconnectLoop(t *testing.T) {
	id, err := keymat.Generate(testBits)
	require.NoError(t, err)
	m, _, _ := newManager(t, id, nil, nil)

	m.mu.Lock()
	m.specs["peer-a"] = PeerSpec{Name: "peer-a", Addr: "127.0.0.1:1"}
	m.mu.Unlock()
	m.Stop()

	done := make(chan struct{})
	go func() {
		m.reconnectLoop(context.Background(), PeerSpec{Name: "peer-a", Addr: "127.0.0.1:1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnectLoop did not observe Stop and return")
	}
}
