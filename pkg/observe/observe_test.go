package observe

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrpc/meshrpc/internal/catalogue"
	"github.com/meshrpc/meshrpc/internal/keystore"
	"github.com/meshrpc/meshrpc/internal/pendingq"
	"github.com/meshrpc/meshrpc/internal/securechan"
	"github.com/meshrpc/meshrpc/pkg/dispatch"
	"github.com/meshrpc/meshrpc/pkg/lifecycle"
	"github.com/meshrpc/meshrpc/pkg/pool"
	"github.com/meshrpc/meshrpc/pkg/rtlog"
)

func TestMetricsObserveDispatchAndLifecycleDoNotPanic(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)

	m.ObserveDispatch(dispatch.Event{Forwarded: false, Err: false})
	m.ObserveDispatch(dispatch.Event{Forwarded: true, Err: true})
	m.ObserveLifecycle(lifecycle.Event{Kind: lifecycle.EventReconnectFailed, Peer: "peer-a"})
	m.ObserveLifecycle(lifecycle.Event{Kind: lifecycle.EventConnected, Peer: "peer-a"})

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestSnapshotSourceBuild(t *testing.T) {
	ks := keystore.New()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	require.NoError(t, ks.Add("peer-a", &priv.PublicKey))

	cat := catalogue.New()
	cat.AddAll([]string{"echo"}, "peer-a")

	p := pool.New(rtlog.Nop(), pendingq.New(), nil, nil, nil)
	conn1, conn2 := net.Pipe()
	t.Cleanup(func() { conn2.Close() })
	seed := make([]byte, 32)
	ch := securechan.New(conn1, seed, true, true)
	p.AddChannel(context.Background(), "peer-a", ch, false)

	src := SnapshotSource{
		Pool:      p,
		Keystore:  ks,
		Catalogue: cat,
		InFlight:  func() int64 { return 3 },
	}

	snap := src.build()
	assert.Contains(t, snap.Peers, "peer-a")
	assert.Equal(t, 0, snap.QueueDepths["peer-a"])
	assert.Equal(t, []string{"peer-a"}, snap.Catalogue["echo"])
	assert.Contains(t, snap.TrustedKeys, "peer-a")
	assert.EqualValues(t, 3, snap.PendingCalls)
}

func TestSnapshotSourceBuildWithoutInFlight(t *testing.T) {
	src := SnapshotSource{
		Pool:      pool.New(rtlog.Nop(), pendingq.New(), nil, nil, nil),
		Keystore:  keystore.New(),
		Catalogue: catalogue.New(),
	}
	snap := src.build()
	assert.EqualValues(t, 0, snap.PendingCalls)
	assert.Empty(t, snap.Peers)
}
