// Package dispatch implements the Inbound Dispatcher of spec §4.9: for
// every request frame arriving on any channel of any peer, it resolves a
// local implementation, forwards the call across the mesh, or replies
// NoRoute, and emits an inbound-completed observability event for every
// path.
//
// Grounded on the teacher's pkg/daemon/services.go frame-dispatch loop
// (decode frame, look up a handler, reply), generalized from a fixed set
// of built-in ports to the Implementation Registry/Invocation Engine
// indirection spec §4.9 requires.
package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshrpc/meshrpc/internal/catalogue"
	"github.com/meshrpc/meshrpc/internal/registry"
	"github.com/meshrpc/meshrpc/internal/wire"
	"github.com/meshrpc/meshrpc/pkg/invocation"
	"github.com/meshrpc/meshrpc/pkg/proxygen"
	"github.com/meshrpc/meshrpc/pkg/rpcerr"
)

// maxForwardAttempts is spec §4.9 step 3's "up to three attempts."
const maxForwardAttempts = 3

// Event is the inbound-completed observability record spec §4.9's closing
// paragraph requires for every reply path.
type Event struct {
	Peer      string
	Procedure string
	ScopeID   string
	Duration  time.Duration
	Err       bool
	Forwarded bool
}

// EventHandler receives one Event per handled request.
type EventHandler func(Event)

// Dispatcher is the Inbound Dispatcher. One instance belongs to exactly
// one Runtime.
type Dispatcher struct {
	log       *zap.Logger
	registry  *registry.Registry
	table     *proxygen.Table
	engine    *invocation.Engine
	catalogue *catalogue.Catalogue
	allowMesh bool
	onEvent   EventHandler
}

func New(log *zap.Logger, reg *registry.Registry, table *proxygen.Table, engine *invocation.Engine, cat *catalogue.Catalogue, allowMesh bool, onEvent EventHandler) *Dispatcher {
	return &Dispatcher{
		log:       log,
		registry:  reg,
		table:     table,
		engine:    engine,
		catalogue: cat,
		allowMesh: allowMesh,
		onEvent:   onEvent,
	}
}

// Handle processes one inbound request frame from peer and returns the
// response to send back (never nil, matching pool.RequestHandler). It
// implements spec §4.9 steps 1-4.
func (d *Dispatcher) Handle(ctx context.Context, peer string, req *wire.Request) *wire.Response {
	start := time.Now()
	scopeID := ""
	if req.HasScope {
		scopeID = req.ScopeID
	}

	resp, forwarded := d.route(ctx, peer, scopeID, req)
	resp.ID = req.ID

	if d.onEvent != nil {
		d.onEvent(Event{
			Peer:      peer,
			Procedure: req.Procedure,
			ScopeID:   scopeID,
			Duration:  time.Since(start),
			Err:       resp.Err != nil,
			Forwarded: forwarded,
		})
	}
	return resp
}

func (d *Dispatcher) route(ctx context.Context, peer, scopeID string, req *wire.Request) (*wire.Response, bool) {
	service, method, ok := invocation.SplitProcedure(req.Procedure)
	if !ok {
		return errResponse(rpcerr.New(rpcerr.KindBadProcedure, "malformed procedure %q", req.Procedure)), false
	}

	if d.registry.Has(service) {
		return d.invokeLocal(ctx, service, method, scopeID, req.Args), false
	}

	if d.allowMesh && d.catalogue.Contains(service) {
		return d.forward(ctx, scopeID, req.Procedure, req.Args), true
	}

	return errResponse(rpcerr.New(rpcerr.KindNoRoute, "no local implementation or mesh route for %q", service)), false
}

func (d *Dispatcher) invokeLocal(ctx context.Context, service, method, scopeID string, args []byte) *wire.Response {
	entry, ok := d.table.Lookup(service, method)
	if !ok {
		return errResponse(rpcerr.New(rpcerr.KindBadProcedure, "unknown method %q.%q", service, method))
	}
	instance, err := d.registry.Resolve(service, scopeID)
	if err != nil {
		return errResponse(rpcerr.Wrap(err))
	}

	result, err := proxygen.Invoke(entry, ctx, instance, args)
	if err != nil {
		// Unwraps exactly one layer of invocation-wrapper error per
		// spec §4.9 step 2 / §7 — rpcerr.Wrap already does this.
		return errResponse(rpcerr.Wrap(err))
	}
	if result == nil {
		return &wire.Response{}
	}
	return &wire.Response{HasResult: true, Result: result}
}

// forward re-enters the Invocation Engine up to maxForwardAttempts times
// (spec §4.9 step 3). The Open Question on retry budget (spec §9) is
// resolved in favor of a single timeout covering all attempts: the
// engine's request timeout is started once, before the first attempt, and
// the same ctx is reused across every attempt rather than being refreshed
// per attempt.
func (d *Dispatcher) forward(ctx context.Context, scopeID, procedure string, args []byte) *wire.Response {
	if d.engine.Timeout >= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.engine.Timeout)
		defer cancel()
	}
	var lastErr *rpcerr.Error
	for attempt := 0; attempt < maxForwardAttempts; attempt++ {
		result, rerr := d.engine.Call(ctx, scopeID, procedure, args)
		if rerr == nil {
			if result == nil {
				return &wire.Response{}
			}
			return &wire.Response{HasResult: true, Result: result}
		}
		lastErr = rerr
		d.log.Debug("mesh forward attempt failed",
			zap.String("procedure", procedure), zap.Int("attempt", attempt+1), zap.Error(rerr))
	}
	return errResponse(lastErr)
}

func errResponse(err *rpcerr.Error) *wire.Response {
	return &wire.Response{Err: err}
}
