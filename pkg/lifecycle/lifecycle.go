// Package lifecycle implements the Lifecycle Manager of spec §4.10: the
// accept path, connect path, disconnect path, and process-exit path that
// turn raw TCP connections into catalogue-registered, pool-attached
// secure channels, plus the supervisory reconnect loop spec §7 describes
// ("reconnects to a configured peer are attempted indefinitely at
// reconnect_delay intervals; each failed reconnect emits reconnect_failed").
//
// Grounded on the teacher's pkg/daemon/daemon.go (accept/connect
// bookkeeping) and pkg/daemon/handshake.go (handshake-then-attach flow),
// re-keyed from the VPN's Ed25519/ECDH handshake to this spec's RSA one.
package lifecycle

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshrpc/meshrpc/internal/catalogue"
	"github.com/meshrpc/meshrpc/internal/framing"
	"github.com/meshrpc/meshrpc/internal/handshake"
	"github.com/meshrpc/meshrpc/internal/keymat"
	"github.com/meshrpc/meshrpc/internal/keystore"
	"github.com/meshrpc/meshrpc/internal/registry"
	"github.com/meshrpc/meshrpc/internal/securechan"
	"github.com/meshrpc/meshrpc/internal/wire"
	"github.com/meshrpc/meshrpc/pkg/pool"
	"github.com/meshrpc/meshrpc/pkg/rpcerr"
)

// EventKind identifies one lifecycle observability event (spec §4.10, §7).
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventReconnectFailed
)

// Event is emitted for every lifecycle transition.
type Event struct {
	Kind EventKind
	Peer string
	Err  error
}

// EventHandler receives lifecycle events.
type EventHandler func(Event)

// PeerSpec is one configured peer (spec §6.6 "Per-peer" block).
type PeerSpec struct {
	Name          string
	Addr          string // host:port to dial
	TrustedPubKey *rsa.PublicKey
	Connections   int  // N forward channels, 1-255
	Reverse       bool // also open a reversed channel after connecting
	IsRoot        bool // fallback routing target (spec §4.8 step 2)
}

// Manager is the Lifecycle Manager. One instance belongs to exactly one
// Runtime.
type Manager struct {
	log       *zap.Logger
	identity  *keymat.Identity
	keystore  *keystore.Store
	catalogue *catalogue.Catalogue
	registry  *registry.Registry
	pool      *pool.Pool
	onEvent   EventHandler

	reconnectDelay time.Duration

	mu        sync.RWMutex
	specs     map[string]PeerSpec
	rootPeers map[string]struct{}
	stopped   bool
}

func New(log *zap.Logger, id *keymat.Identity, ks *keystore.Store, cat *catalogue.Catalogue, reg *registry.Registry, p *pool.Pool, reconnectDelay time.Duration, onEvent EventHandler) *Manager {
	m := &Manager{
		log:            log,
		identity:       id,
		keystore:       ks,
		catalogue:      cat,
		registry:       reg,
		pool:           p,
		onEvent:        onEvent,
		reconnectDelay: reconnectDelay,
		specs:          make(map[string]PeerSpec),
		rootPeers:      make(map[string]struct{}),
	}
	return m
}

func (m *Manager) emit(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// RootPeers returns the current fallback routing set, wired directly as
// invocation.RootPeers.
func (m *Manager) RootPeers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rootPeers))
	for name := range m.rootPeers {
		out = append(out, name)
	}
	return out
}

func (m *Manager) addRoot(name string) {
	m.mu.Lock()
	m.rootPeers[name] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) removeRoot(name string) {
	m.mu.Lock()
	delete(m.rootPeers, name)
	m.mu.Unlock()
}

// AcceptPath handles one accepted TCP connection through to pool
// attachment (spec §4.10 "Accept path"). The caller is responsible for
// the net.Listener's Accept loop; this handles one connection at a time
// and is safe to call from multiple goroutines concurrently.
func (m *Manager) AcceptPath(ctx context.Context, conn net.Conn) error {
	body, err := framing.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("lifecycle: read handshake frame: %w", err)
	}

	msg, err := handshake.ParseInitiatorMessage(body, m.identity.Private)
	if err != nil {
		conn.Close()
		return err // already a *rpcerr.Error (KindBadHandshake)
	}

	name, found, ferr := m.keystore.FindName(msg.InitiatorPubKey)
	if ferr != nil {
		conn.Close()
		return rpcerr.New(rpcerr.KindBadHandshake, "keystore lookup: %v", ferr)
	}
	if !found {
		conn.Close()
		return rpcerr.New(rpcerr.KindUntrustedPeer, "presented public key is not in the trusted key store")
	}
	// AmbiguousPeer (a key trusted under two names) cannot occur here: the
	// keystore's Add invariant (internal/keystore) rejects that
	// registration before it ever lands in byKeyID, so FindName can only
	// ever resolve to zero or one name.

	ch := securechan.New(conn, msg.Seed, false, false)

	if err := ch.Send(ctx, wire.EncodeCatalogue(m.registry.ServiceNames())); err != nil {
		ch.Close()
		return fmt.Errorf("lifecycle: send local catalogue to %q: %w", name, err)
	}

	m.pool.AddChannel(ctx, name, ch, false)
	m.emit(Event{Kind: EventConnected, Peer: name})
	m.log.Info("accepted peer", zap.String("peer", name), zap.String("remote", conn.RemoteAddr().String()))
	return nil
}

// dial opens one TCP connection to addr and runs the handshake as
// initiator, returning the attached secure channel with reconnect wired
// up for this spec.
func (m *Manager) dial(ctx context.Context, spec PeerSpec) (*securechan.Channel, []string, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", spec.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("lifecycle: dial %q: %w", spec.Addr, err)
	}

	seed, err := m.runInitiatorHandshake(conn, spec.TrustedPubKey)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	ch := securechan.New(conn, seed, true, true)
	ch.SetReconnect(
		func(ctx context.Context) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", spec.Addr)
		},
		func(ctx context.Context, conn net.Conn) ([]byte, error) {
			return m.runInitiatorHandshake(conn, spec.TrustedPubKey)
		},
	)

	body, err := ch.Receive(ctx)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("lifecycle: read catalogue from %q: %w", spec.Name, err)
	}
	names, err := wire.DecodeCatalogue(body)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("lifecycle: decode catalogue from %q: %w", spec.Name, err)
	}
	return ch, names, nil
}

func (m *Manager) runInitiatorHandshake(conn net.Conn, peerPub *rsa.PublicKey) ([]byte, error) {
	wireMsg, seed, err := handshake.BuildInitiatorMessage(m.identity.Private, peerPub)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build handshake: %w", err)
	}
	if err := framing.WriteFrame(conn, wireMsg); err != nil {
		return nil, fmt.Errorf("lifecycle: write handshake: %w", err)
	}
	return seed, nil
}

// ConnectPath opens spec.Connections forward channels to a configured
// peer, registers its advertised catalogue, and — if spec.Reverse is set
// — opens one additional reversed channel (spec §4.10 "Connect path").
// Registers spec for the supervisory reconnect loop.
func (m *Manager) ConnectPath(ctx context.Context, spec PeerSpec) error {
	m.mu.Lock()
	m.specs[spec.Name] = spec
	if spec.IsRoot {
		m.rootPeers[spec.Name] = struct{}{}
	}
	m.mu.Unlock()

	n := spec.Connections
	if n <= 0 {
		n = 1
	}

	// Forward channels are independent dials against the same peer, so
	// they fan out concurrently rather than one-at-a-time: with N in the
	// hundreds (spec §6.6 allows up to 255) a sequential loop pays N
	// round trips of handshake latency back to back for no reason.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			ch, names, err := m.dial(gctx, spec)
			if err != nil {
				return err
			}
			m.catalogue.AddAll(names, spec.Name)
			m.pool.AddChannel(ctx, spec.Name, ch, false)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if spec.Reverse {
		ch, _, err := m.dial(ctx, spec)
		if err != nil {
			return fmt.Errorf("lifecycle: open reverse channel to %q: %w", spec.Name, err)
		}
		if err := ch.SendRoleReversal(ctx); err != nil {
			ch.Close()
			return fmt.Errorf("lifecycle: send role reversal to %q: %w", spec.Name, err)
		}
		if err := ch.Send(ctx, wire.EncodeCatalogue(m.registry.ServiceNames())); err != nil {
			ch.Close()
			return fmt.Errorf("lifecycle: send local catalogue on reversed channel to %q: %w", spec.Name, err)
		}
		m.pool.AddChannel(ctx, spec.Name, ch, true)
	}

	m.emit(Event{Kind: EventConnected, Peer: spec.Name})
	m.log.Info("connected to peer", zap.String("peer", spec.Name), zap.Int("channels", n), zap.Bool("reverse", spec.Reverse))
	return nil
}

// OnPostReversalCatalogue is wired as pool.CatalogueHandler: it handles
// the accept-path note in spec §4.10 — entries arriving on a channel this
// side accepted, then saw reversed by the peer.
func (m *Manager) OnPostReversalCatalogue(peer string, names []string) {
	m.catalogue.AddAll(names, peer)
	m.log.Info("registered post-reversal catalogue", zap.String("peer", peer), zap.Int("services", len(names)))
}

// Disconnected implements spec §4.10's disconnect path. It is wired as
// pool.DisconnectHandler; the pool has already closed the queue and
// failed pending queries by the time this runs.
func (m *Manager) Disconnected(peer string) {
	m.catalogue.RemoveByPeer(peer)
	m.keystore.Remove(peer)
	m.removeRoot(peer)
	m.emit(Event{Kind: EventDisconnected, Peer: peer})
	m.log.Info("peer disconnected", zap.String("peer", peer))

	m.mu.RLock()
	spec, ok := m.specs[peer]
	stopped := m.stopped
	m.mu.RUnlock()
	if ok && !stopped {
		go m.reconnectLoop(context.Background(), spec)
	}
}

// reconnectLoop retries ConnectPath indefinitely at reconnectDelay
// intervals for a statically configured peer (spec §7), emitting
// reconnect_failed per failed attempt, until it succeeds or the Manager
// is stopped.
func (m *Manager) reconnectLoop(ctx context.Context, spec PeerSpec) {
	delay := m.reconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	for {
		m.mu.RLock()
		stopped := m.stopped
		m.mu.RUnlock()
		if stopped {
			return
		}

		time.Sleep(delay)

		if err := m.ConnectPath(ctx, spec); err != nil {
			m.emit(Event{Kind: EventReconnectFailed, Peer: spec.Name, Err: err})
			m.log.Warn("reconnect failed", zap.String("peer", spec.Name), zap.Error(err))
			continue
		}
		return
	}
}

// Stop halts the supervisory reconnect loop (spec §4.10 "process exit").
// Tearing down live connections is the caller's responsibility via the
// Pool's Shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}
