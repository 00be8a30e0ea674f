// Package pool implements the Connection Pool of spec §4.7: per peer, an
// unbounded request queue feeding N forward and (optionally) N reverse
// channels, each with its own outbound and inbound worker.
//
// Grounded on the teacher's pkg/daemon/services.go accept-loop-per-port
// worker shape (goroutine-per-channel, select against a stop channel) and
// internal/pool/pool.go's sync.Pool buffer recycling, here repurposed from
// VPN tunnel segments to RPC frame payloads: every enqueued/dequeued frame
// passes through that package's small-buffer pool instead of a local one.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/meshrpc/meshrpc/internal/pendingq"
	bufpool "github.com/meshrpc/meshrpc/internal/pool"
	"github.com/meshrpc/meshrpc/internal/securechan"
	"github.com/meshrpc/meshrpc/internal/wire"
	"github.com/meshrpc/meshrpc/pkg/rpcerr"
)

// ErrUnknownPeer is returned when a caller tries to enqueue against a peer
// the pool has no entry for.
var ErrUnknownPeer = errors.New("pool: unknown peer")

// getBuf and putBuf recycle the internal/pool small-buffer pool for
// outbound frame payloads: most transaction frames (catalogue exchange,
// small request/response bodies) fit in bufpool.SmallBufSize comfortably.
// A larger frame grows the buffer with a fresh allocation, which putBuf
// still recycles unless its capacity exceeds four times SmallBufSize.
func getBuf() *[]byte {
	b := bufpool.GetSmall()
	*b = (*b)[:0]
	return b
}

func putBuf(b *[]byte) {
	if cap(*b) > bufpool.SmallBufSize*4 {
		return // don't hoard oversized buffers
	}
	bufpool.PutSmall(b)
}

// RequestHandler processes an inbound request frame arriving from peer and
// returns the response frame to send back. It is invoked by an inbound
// worker goroutine, so it must be safe for concurrent use.
type RequestHandler func(ctx context.Context, peer string, req *wire.Request) *wire.Response

// DisconnectHandler is invoked once per peer teardown, when any one of its
// channels fails, after the peer's entire entry has been removed from the
// pool (spec §4.7).
type DisconnectHandler func(peer string)

// CatalogueHandler receives a peer's service name list arriving on a
// channel that was just reversed (spec §4.10 accept-path note: "If the
// peer subsequently reverts the channel and then sends its own catalogue,
// the entries are added to the catalogue"). Ordinary catalogue exchange
// right after a handshake is read directly by the Lifecycle Manager
// before the channel ever reaches the pool; this hook only covers the
// post-reversal case, where the frame arrives inside the pool's regular
// inbound loop.
type CatalogueHandler func(peer string, names []string)

// chanState pairs a channel with the one piece of state the pool's
// inbound loop needs outside the channel itself: whether the very next
// frame is a catalogue rather than a tagged transaction, set the instant
// a role-reversal signal is consumed (§4.3, §4.10).
type chanState struct {
	ch              *securechan.Channel
	expectCatalogue atomic.Bool
	forwardStarted  sync.Once
}

// peerEntry is the per-peer bookkeeping of spec §3 "Connection pool entry."
type peerEntry struct {
	name string

	mu       sync.Mutex
	channels []*chanState
	closed   bool

	queue *fifo
	wg    sync.WaitGroup
}

// Pool is the Connection Pool. One Pool instance belongs to exactly one
// Runtime (spec §9 "avoid global mutable state").
type Pool struct {
	log      *zap.Logger
	pending  *pendingq.Table
	onReq    RequestHandler
	onDisc   DisconnectHandler
	onCatlog CatalogueHandler

	mu    sync.RWMutex
	peers map[string]*peerEntry
}

// New constructs a Pool. onReq handles inbound request frames (wired to
// the Inbound Dispatcher); onDisc is called when any channel of a peer
// dies and the peer is torn down (wired to the Lifecycle Manager's
// disconnect path); onCatalogue is
// called when a post-reversal catalogue frame arrives on a channel already
// owned by the pool.
func New(log *zap.Logger, pending *pendingq.Table, onReq RequestHandler, onDisc DisconnectHandler, onCatalogue CatalogueHandler) *Pool {
	return &Pool{
		log:      log,
		pending:  pending,
		onReq:    onReq,
		onDisc:   onDisc,
		onCatlog: onCatalogue,
		peers:    make(map[string]*peerEntry),
	}
}

func (p *Pool) entry(peer string) *peerEntry {
	p.mu.RLock()
	e, ok := p.peers[peer]
	p.mu.RUnlock()
	if ok {
		return e
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.peers[peer]; ok {
		return e
	}
	e = &peerEntry{name: peer, queue: newFifo()}
	p.peers[peer] = e
	return e
}

// AddChannel attaches an already-handshaken channel to peer's pool entry,
// always spawning an inbound reader, and an outbound (forward) worker only
// once the channel is request-capable. An acceptor-side channel starts
// with can_request=false (§4.3) and has no outbound worker until a
// role-reversal signal flips it — at which point spec §4.10's "a new
// forward worker is spawned on this channel" is satisfied directly.
func (p *Pool) AddChannel(ctx context.Context, peer string, ch *securechan.Channel, reverse bool) {
	e := p.entry(peer)
	cs := &chanState{ch: ch}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		ch.Close()
		return
	}
	e.channels = append(e.channels, cs)
	e.mu.Unlock()

	ch.OnRevert(func() {
		cs.expectCatalogue.Store(true)
		p.startForwardWorker(ctx, e, cs)
	})

	e.wg.Add(1)
	go p.inboundWorker(ctx, peer, e, cs)
	if ch.CanRequest() {
		p.startForwardWorker(ctx, e, cs)
	}

	kind := "forward"
	if reverse {
		kind = "reverse"
	}
	p.log.Info("channel attached", zap.String("peer", peer), zap.String("kind", kind))
}

// startForwardWorker launches a channel's outbound worker exactly once,
// whether at attach time (already request-capable) or later from the
// reversal callback.
func (p *Pool) startForwardWorker(ctx context.Context, e *peerEntry, cs *chanState) {
	cs.forwardStarted.Do(func() {
		e.wg.Add(1)
		go p.outboundWorker(ctx, e, cs.ch)
	})
}

// outboundWorker drains the per-peer queue onto one channel until the
// channel breaks or the entry is closed.
func (p *Pool) outboundWorker(ctx context.Context, e *peerEntry, ch *securechan.Channel) {
	defer e.wg.Done()
	for {
		payload, ok := e.queue.pop()
		if !ok {
			return // queue closed: peer torn down
		}
		err := ch.Send(ctx, payload)
		putBuf(&payload)
		if err != nil {
			p.log.Warn("outbound send failed, tearing down peer",
				zap.String("peer", e.name), zap.Error(err))
			p.teardown(e.name, err)
			return
		}
	}
}

// inboundWorker reads frames off one channel, dispatching requests to
// onReq and routing responses to the pending query table, until the
// channel breaks. If the channel was just reversed, the next frame is a
// catalogue rather than a tagged transaction (§4.10 accept-path note) and
// is routed to onCatlog instead of wire.Decode.
func (p *Pool) inboundWorker(ctx context.Context, peer string, e *peerEntry, cs *chanState) {
	ch := cs.ch
	defer e.wg.Done()
	for {
		body, err := ch.Receive(ctx)
		if err != nil {
			p.log.Info("inbound channel closed, tearing down peer",
				zap.String("peer", peer), zap.Error(err))
			p.teardown(peer, err)
			return
		}

		if cs.expectCatalogue.CompareAndSwap(true, false) {
			names, cerr := wire.DecodeCatalogue(body)
			if cerr != nil {
				p.log.Warn("malformed post-reversal catalogue, dropping",
					zap.String("peer", peer), zap.Error(cerr))
				continue
			}
			if p.onCatlog != nil {
				p.onCatlog(peer, names)
			}
			continue
		}

		txn, err := wire.Decode(body)
		if err != nil {
			p.log.Warn("malformed transaction frame, dropping", zap.String("peer", peer), zap.Error(err))
			continue
		}

		switch t := txn.(type) {
		case *wire.Request:
			if p.onReq == nil {
				continue
			}
			resp := p.onReq(ctx, peer, t)
			if resp == nil {
				continue
			}
			if serr := ch.Send(ctx, wire.EncodeResponse(*resp)); serr != nil {
				p.log.Warn("reply send failed", zap.String("peer", peer), zap.Error(serr))
				p.teardown(peer, serr)
				return
			}
		case *wire.Response:
			p.pending.Complete(t)
		default:
			p.log.Warn("unexpected transaction type", zap.String("peer", peer))
		}
	}
}

// teardown removes peer's entry, closes its queue and channels, fails
// every pending query targeted at it, and fires the disconnect handler —
// spec §4.7 "entire peer entry is torn down."
func (p *Pool) teardown(peer string, cause error) {
	p.mu.Lock()
	e, ok := p.peers[peer]
	if ok {
		delete(p.peers, peer)
	}
	p.mu.Unlock()
	if !ok {
		return // already torn down by a sibling channel
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	chans := e.channels
	e.mu.Unlock()

	e.queue.close()
	for _, cs := range chans {
		cs.ch.Close()
	}

	p.pending.FailAllForPeer(peer, rpcerr.New(rpcerr.KindPeerDisconnected, "peer %q disconnected: %v", peer, cause))

	if p.onDisc != nil {
		p.onDisc(peer)
	}
}

// Enqueue pushes an already-encoded transaction frame onto peer's outbound
// queue. Returns ErrUnknownPeer if peer has no live pool entry (no channel
// was ever attached, or the peer has since been torn down).
func (p *Pool) Enqueue(peer string, payload []byte) error {
	p.mu.RLock()
	e, ok := p.peers[peer]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	buf := getBuf()
	*buf = append((*buf)[:0], payload...)
	if !e.queue.push(*buf) {
		return fmt.Errorf("%w: %s: peer torn down", ErrUnknownPeer, peer)
	}
	return nil
}

// QueueDepth returns the current backlog for peer, or -1 if peer is
// unknown. Used by the Invocation Engine's least-loaded peer selection
// (§4.8 step 3) and exposed on the observability endpoint (SPEC_FULL.md §A.5).
func (p *Pool) QueueDepth(peer string) int {
	p.mu.RLock()
	e, ok := p.peers[peer]
	p.mu.RUnlock()
	if !ok {
		return -1
	}
	return e.queue.len()
}

// Peers returns the set of peer names with at least one live channel.
func (p *Pool) Peers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.peers))
	for name := range p.peers {
		out = append(out, name)
	}
	return out
}

// HasPeer reports whether peer currently has a live pool entry.
func (p *Pool) HasPeer(peer string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.peers[peer]
	return ok
}

// RemovePeer tears a peer down explicitly, with the same effects as a
// channel failure: queue and channels closed, pending queries failed with
// PeerDisconnected, and the disconnect handler fired.
func (p *Pool) RemovePeer(peer string) {
	p.teardown(peer, errors.New("removed"))
}

// Shutdown tears down every peer (spec §4.10 "process exit"), failing all
// pending queries with Shutdown instead of PeerDisconnected.
func (p *Pool) Shutdown() {
	p.mu.RLock()
	names := make([]string, 0, len(p.peers))
	for name := range p.peers {
		names = append(names, name)
	}
	p.mu.RUnlock()

	for _, name := range names {
		p.mu.Lock()
		e, ok := p.peers[name]
		if ok {
			delete(p.peers, name)
		}
		p.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		e.closed = true
		chans := e.channels
		e.mu.Unlock()
		e.queue.close()
		for _, cs := range chans {
			cs.ch.Close()
		}
	}
	p.pending.FailAll(rpcerr.ErrShutdown)
}
