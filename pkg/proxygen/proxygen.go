// Package proxygen implements the Proxy Generator of spec §4.5 and the
// "table of (interface, method) -> dispatch_fn" alternative design notes
// §9 recommends in place of an IL-emitting code generator: a caller-side
// Proxy that serializes a method call into an Invocation Engine call, and
// a server-side Table that deserializes arguments into reflect-typed
// parameters and invokes the locally registered MethodFunc.
//
// Grounded on the teacher's lack of a direct analog (the VPN protocol has
// no RPC-proxy concept) combined with the table-driven shape the teacher
// uses for port dispatch in pkg/daemon/services.go (a name keyed to a
// handler function, looked up instead of switch-cased).
package proxygen

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/meshrpc/meshrpc/pkg/rpcerr"
)

// Caller is the subset of the Invocation Engine the Proxy needs, kept as
// an interface so tests can substitute a fake without importing pool/
// catalogue/pendingq.
type Caller interface {
	Call(ctx context.Context, scopeID, procedure string, args []byte) ([]byte, *rpcerr.Error)
}

// Proxy is the client-side stand-in for a remote-only service interface
// (spec §4.5). One Proxy is built per (service, scope).
type Proxy struct {
	caller  Caller
	service string
	scopeID string // empty for non-scoped dispatchers
}

func NewProxy(caller Caller, service, scopeID string) *Proxy {
	return &Proxy{caller: caller, service: service, scopeID: scopeID}
}

// Invoke implements spec §4.5 steps 1-4: box args into an ordered tuple,
// serialize, call through, deserialize the result into out (a pointer), or
// return the structured error unchanged.
func (p *Proxy) Invoke(ctx context.Context, method string, args []any, out any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("proxygen: marshal args for %s.%s: %w", p.service, method, err)
	}

	procedure := p.service + "." + method
	result, rerr := p.caller.Call(ctx, p.scopeID, procedure, payload)
	if rerr != nil {
		return rerr
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("proxygen: unmarshal result for %s.%s: %w", p.service, method, err)
	}
	return nil
}

// MethodFunc is a reflection-free server-side method body: given
// already-decoded arguments, it returns a result (or an error). Hand
// implementations register one of these per method instead of the
// runtime discovering a Go method set by name, so there is no IL-emitting
// codegen step (spec §9).
type MethodFunc func(ctx context.Context, instance any, args []any) (any, error)

// MethodEntry binds a MethodFunc to the parameter types needed to decode
// the incoming JSON argument tuple.
type MethodEntry struct {
	Fn         MethodFunc
	ParamTypes []reflect.Type
}

// Table is the server-side "(interface, method) -> dispatch_fn" map
// design notes §9 prescribes. It is filled at startup from the method
// entries passed to Runtime.RegisterService and held by the Inbound
// Dispatcher.
type Table struct {
	entries map[string]map[string]MethodEntry // service -> method -> entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]map[string]MethodEntry)}
}

// Register binds one method's dispatch function for service.
func (t *Table) Register(service, method string, entry MethodEntry) {
	m, ok := t.entries[service]
	if !ok {
		m = make(map[string]MethodEntry)
		t.entries[service] = m
	}
	m[method] = entry
}

// Lookup returns the dispatch entry for service.method.
func (t *Table) Lookup(service, method string) (MethodEntry, bool) {
	m, ok := t.entries[service]
	if !ok {
		return MethodEntry{}, false
	}
	e, ok := m[method]
	return e, ok
}

// Invoke decodes the JSON argument tuple per entry.ParamTypes, calls
// entry.Fn against instance, and serializes the result — the server side
// of spec §4.5's boxing/serialization steps, run in reverse.
func Invoke(entry MethodEntry, ctx context.Context, instance any, rawArgs []byte) ([]byte, error) {
	var raw []json.RawMessage
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &raw); err != nil {
			return nil, fmt.Errorf("proxygen: unmarshal argument tuple: %w", err)
		}
	}
	if len(raw) != len(entry.ParamTypes) {
		return nil, fmt.Errorf("proxygen: expected %d arguments, got %d", len(entry.ParamTypes), len(raw))
	}

	args := make([]any, len(raw))
	for i, pt := range entry.ParamTypes {
		v := reflect.New(pt)
		if err := json.Unmarshal(raw[i], v.Interface()); err != nil {
			return nil, fmt.Errorf("proxygen: unmarshal argument %d: %w", i, err)
		}
		args[i] = v.Elem().Interface()
	}

	result, err := entry.Fn(ctx, instance, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}
