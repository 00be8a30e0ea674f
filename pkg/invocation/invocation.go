// Package invocation implements the Invocation Engine of spec §4.8: given
// a procedure name, it chooses a target peer, correlates the call through
// the pending query table, and waits for a response or timeout.
//
// Grounded on luxfi-rpc's zap.go ZAPConn.Call (register a pending entry,
// push the frame, block on a per-request completion channel) and the
// teacher's pkg/tasksubmit/tasksubmit.go accept/await/timeout state
// machine, generalized from a single fixed worker to peer selection across
// a catalogue.
package invocation

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meshrpc/meshrpc/internal/catalogue"
	"github.com/meshrpc/meshrpc/internal/pendingq"
	"github.com/meshrpc/meshrpc/internal/wire"
	"github.com/meshrpc/meshrpc/pkg/pool"
	"github.com/meshrpc/meshrpc/pkg/rpcerr"
)

// RootPeers supplies the current fallback routing set (spec §4.8 step 2),
// owned by the Lifecycle Manager ("is_root" configured peers).
type RootPeers func() []string

// Engine is the Invocation Engine. One instance belongs to exactly one
// Runtime.
type Engine struct {
	log       *zap.Logger
	catalogue *catalogue.Catalogue
	pool      *pool.Pool
	pending   *pendingq.Table
	rootPeers RootPeers

	// Timeout is the global per-call timeout (spec §6.6); <0 disables it.
	Timeout time.Duration
}

func New(log *zap.Logger, cat *catalogue.Catalogue, p *pool.Pool, pending *pendingq.Table, rootPeers RootPeers, timeout time.Duration) *Engine {
	return &Engine{
		log:       log,
		catalogue: cat,
		pool:      p,
		pending:   pending,
		rootPeers: rootPeers,
		Timeout:   timeout,
	}
}

// SplitProcedure validates and splits "service.method" per spec §8's
// boundary cases: "", "x", "x.y.z", ".m", "s." are all malformed. Exported
// for the Inbound Dispatcher, which parses the same procedure strings on
// the receiving side (§4.9 step 1).
func SplitProcedure(procedure string) (service, method string, ok bool) {
	if strings.Count(procedure, ".") != 1 {
		return "", "", false
	}
	i := strings.IndexByte(procedure, '.')
	service, method = procedure[:i], procedure[i+1:]
	if service == "" || method == "" {
		return "", "", false
	}
	return service, method, true
}

// choosePeer implements spec §4.8 step 3: single candidate is used
// directly; otherwise the candidate with the minimum queue depth is
// picked, ties broken uniformly at random.
func (e *Engine) choosePeer(candidates []string) string {
	if len(candidates) == 1 {
		return candidates[0]
	}

	best := candidates[0]
	bestDepth := e.pool.QueueDepth(best)
	tied := []string{best}

	for _, c := range candidates[1:] {
		d := e.pool.QueueDepth(c)
		switch {
		case d < bestDepth:
			best, bestDepth = c, d
			tied = tied[:0]
			tied = append(tied, c)
		case d == bestDepth:
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return tied[rand.IntN(len(tied))]
}

// Call executes one unary RPC (spec §4.8). scopeID is empty for
// non-scoped calls.
func (e *Engine) Call(ctx context.Context, scopeID, procedure string, args []byte) ([]byte, *rpcerr.Error) {
	service, _, ok := SplitProcedure(procedure)
	if !ok {
		return nil, rpcerr.New(rpcerr.KindBadProcedure, "malformed procedure %q", procedure)
	}

	candidates := e.catalogue.Lookup(service)
	if len(candidates) == 0 {
		candidates = e.rootPeers()
	}
	if len(candidates) == 0 {
		return nil, rpcerr.New(rpcerr.KindNoRoute, "no peer hosts %q and no root fallback configured", service)
	}

	peer := e.choosePeer(candidates)
	return e.callPeer(ctx, peer, scopeID, procedure, args)
}

// callPeer issues the call against a specific, already-chosen peer. Call
// is its only caller; the Inbound Dispatcher's mesh-forward path (spec
// §4.9 step 3) re-enters the engine through Call, so each attempt chooses
// its peer afresh.
func (e *Engine) callPeer(ctx context.Context, peer, scopeID, procedure string, args []byte) ([]byte, *rpcerr.Error) {
	id := pendingq.NextID()
	entry := e.pending.Register(id, peer)

	req := wire.Request{ID: id, Procedure: procedure, Args: args}
	if scopeID != "" {
		req.HasScope = true
		req.ScopeID = scopeID
	}

	if err := e.pool.Enqueue(peer, wire.EncodeRequest(req)); err != nil {
		rerr := rpcerr.New(rpcerr.KindNoRoute, "enqueue to %q: %v", peer, err)
		e.pending.Fail(id, rerr)
		<-entry.Wait() // drain the self-failed entry
		return nil, rerr
	}

	waitCtx := ctx
	var cancel context.CancelFunc
	if e.Timeout >= 0 {
		waitCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	select {
	case resp := <-entry.Wait():
		if resp.Err != nil {
			return nil, resp.Err
		}
		if resp.HasResult {
			return resp.Result, nil
		}
		return nil, nil

	case <-waitCtx.Done():
		e.pending.Fail(id, rpcerr.ErrTimeout)
		return nil, rpcerr.New(rpcerr.KindTimeout, "call to %q: %v", peer, waitCtx.Err())
	}
}
