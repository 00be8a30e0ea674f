// Package pendingq implements the pending query table of spec §3: a map
// from request id to {target peer, completion handle}, alive from enqueue
// until a matching response, a target-peer disconnect, or process
// shutdown resolves it.
//
// Grounded directly on luxfi-rpc's ZAPConn (zap.go): a sync.Map keyed by
// request id holding a buffered completion channel per in-flight call.
// Here the atomic counter tracks the in-flight count; ids come from NextID.
package pendingq

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/meshrpc/meshrpc/internal/wire"
	"github.com/meshrpc/meshrpc/pkg/rpcerr"
)

// NextID generates a request id. Grounded on viamrobotics-rdk's
// operation/opid.go use of github.com/google/uuid for globally unique
// identifiers; folded to a uint64 because the wire format (spec §6.4)
// carries request ids as fixed-width integers, not strings.
func NextID() uint64 {
	u := uuid.New()
	// Fold the 128-bit UUID into 64 bits; collisions are astronomically
	// unlikely and spec §8 only requires uniqueness within the window of
	// in-flight requests, not global uniqueness forever.
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(u[i]^u[i+8])
	}
	return v
}

// Entry is one pending query (spec §3).
type Entry struct {
	TargetPeer string
	done       chan *wire.Response // buffered(1)
}

// Table is the pending query table. Safe for concurrent use.
type Table struct {
	m       sync.Map // uint64 -> *Entry
	inFlight atomic.Int64
}

func New() *Table { return &Table{} }

// Register creates a pending entry for id targeting peer and returns it.
func (t *Table) Register(id uint64, targetPeer string) *Entry {
	e := &Entry{TargetPeer: targetPeer, done: make(chan *wire.Response, 1)}
	t.m.Store(id, e)
	t.inFlight.Add(1)
	return e
}

// Complete resolves the pending entry for a response's id with the
// response itself. Returns false if no such entry exists (e.g. it already
// timed out, or the response is late/duplicate) — the caller should
// discard the response in that case (spec §5 "a late-arriving response is
// discarded").
func (t *Table) Complete(resp *wire.Response) bool {
	v, ok := t.m.LoadAndDelete(resp.ID)
	if !ok {
		return false
	}
	t.inFlight.Add(-1)
	e := v.(*Entry)
	e.done <- resp
	return true
}

// Fail resolves the pending entry for id with a structured error (used
// for Timeout, PeerDisconnected, Shutdown — spec §7). Returns false if no
// such entry exists.
func (t *Table) Fail(id uint64, err *rpcerr.Error) bool {
	v, ok := t.m.LoadAndDelete(id)
	if !ok {
		return false
	}
	t.inFlight.Add(-1)
	e := v.(*Entry)
	e.done <- &wire.Response{ID: id, Err: err}
	return true
}

// Wait blocks on an entry's completion channel.
func (e *Entry) Wait() <-chan *wire.Response { return e.done }

// FailAllForPeer fails every entry whose TargetPeer matches peer (spec
// §4.10 disconnect path, §5 "Peer disconnect cancels all pending queries
// targeted at that peer").
func (t *Table) FailAllForPeer(peer string, err *rpcerr.Error) {
	var ids []uint64
	t.m.Range(func(k, v any) bool {
		if v.(*Entry).TargetPeer == peer {
			ids = append(ids, k.(uint64))
		}
		return true
	})
	for _, id := range ids {
		t.Fail(id, err)
	}
}

// FailAll fails every pending entry (process exit — spec §4.10, §5).
func (t *Table) FailAll(err *rpcerr.Error) {
	var ids []uint64
	t.m.Range(func(k, v any) bool {
		ids = append(ids, k.(uint64))
		return true
	})
	for _, id := range ids {
		t.Fail(id, err)
	}
}

// InFlight returns the current count of unresolved pending queries.
func (t *Table) InFlight() int64 { return t.inFlight.Load() }
