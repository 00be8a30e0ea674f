// Package registry implements the Implementation Registry of spec §4.4:
// the contract through which the core invokes local service
// implementations, independent of how those implementations were
// constructed or discovered (spec §1 "given a service name and method
// name, invoke the method with arguments and return a result or error").
//
// Grounded on the teacher's pkg/registry/server.go bookkeeping style
// (RWMutex-guarded maps, append-only descriptor tables) adapted from a
// network node registry to an in-process service/method descriptor table
// with lifetime-scoped factories.
package registry

import (
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Lifetime controls how a service instance is resolved per call (spec
// §4.4).
type Lifetime int

const (
	// Singleton returns the one cached instance for the process lifetime.
	Singleton Lifetime = iota
	// Scoped returns the instance tagged with the call's scope id,
	// creating one on first use.
	Scoped
	// Transient returns a new instance on every call.
	Transient
)

// MethodDescriptor describes one method of a service contract.
type MethodDescriptor struct {
	Name        string
	ParamTypes  []reflect.Type
	ReturnType  reflect.Type // nil means "none"
}

// ServiceDescriptor binds a service name to its method table. Descriptors
// are immutable for the process lifetime once registered (spec §3).
type ServiceDescriptor struct {
	Name    string
	Methods map[string]MethodDescriptor
}

// Factory constructs a new instance of a service implementation. scopeID
// is empty for Singleton/Transient lifetimes.
type Factory func(scopeID string) (any, error)

type factoryEntry struct {
	lifetime Lifetime
	build    Factory
}

// scopeSweepInterval is how often the opportunistic sweeper checks for
// idle scoped instances, used as the periodic-tick fallback spec §9
// sanctions when a memory-pressure signal isn't available.
const scopeSweepInterval = 30 * time.Second

// scopeIdleTTL bounds how long a scoped instance survives with no access
// before it is evicted.
const scopeIdleTTL = 10 * time.Minute

type scopedInstance struct {
	instance   any
	lastAccess time.Time
}

// Registry is the process's (here, per-Runtime — spec §9) Implementation
// Registry.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*ServiceDescriptor
	factories   map[string]factoryEntry
	singletons  map[string]any
	scoped      map[string]map[string]*scopedInstance // service -> scopeID -> instance

	stopSweep chan struct{}
}

func New() *Registry {
	r := &Registry{
		descriptors: make(map[string]*ServiceDescriptor),
		factories:   make(map[string]factoryEntry),
		singletons:  make(map[string]any),
		scoped:      make(map[string]map[string]*scopedInstance),
		stopSweep:   make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Register binds a service descriptor and its factory. Call once at
// startup per service; re-registering the same name is a programming
// error.
func (r *Registry) Register(desc *ServiceDescriptor, lifetime Lifetime, build Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[desc.Name]; exists {
		return fmt.Errorf("registry: service %q already registered", desc.Name)
	}
	r.descriptors[desc.Name] = desc
	r.factories[desc.Name] = factoryEntry{lifetime: lifetime, build: build}
	return nil
}

// Has reports whether service is implemented locally.
func (r *Registry) Has(service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descriptors[service]
	return ok
}

// Descriptor returns the descriptor for service, if registered.
func (r *Registry) Descriptor(service string) (*ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[service]
	return d, ok
}

// ServiceNames returns the set of service names hosted locally — the
// payload of the initial catalogue exchange (spec §4.4, §4.10).
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for n := range r.descriptors {
		names = append(names, n)
	}
	return names
}

// Resolve returns the instance to invoke for service, honoring its
// configured lifetime and the call's scope id (empty for non-scoped
// calls).
func (r *Registry) Resolve(service, scopeID string) (any, error) {
	r.mu.RLock()
	entry, ok := r.factories[service]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no factory for service %q", service)
	}

	switch entry.lifetime {
	case Transient:
		return entry.build("")

	case Singleton:
		r.mu.RLock()
		inst, ok := r.singletons[service]
		r.mu.RUnlock()
		if ok {
			return inst, nil
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if inst, ok := r.singletons[service]; ok {
			return inst, nil
		}
		inst, err := entry.build("")
		if err != nil {
			return nil, err
		}
		r.singletons[service] = inst
		return inst, nil

	case Scoped:
		return r.resolveScoped(service, scopeID, entry.build)

	default:
		return nil, fmt.Errorf("registry: unknown lifetime %d for %q", entry.lifetime, service)
	}
}

func (r *Registry) resolveScoped(service, scopeID string, build Factory) (any, error) {
	if scopeID == "" {
		return nil, fmt.Errorf("registry: scoped service %q invoked without a scope id", service)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byScope, ok := r.scoped[service]
	if !ok {
		byScope = make(map[string]*scopedInstance)
		r.scoped[service] = byScope
	}
	if si, ok := byScope[scopeID]; ok {
		si.lastAccess = time.Now()
		return si.instance, nil
	}

	inst, err := build(scopeID)
	if err != nil {
		return nil, err
	}
	byScope[scopeID] = &scopedInstance{instance: inst, lastAccess: time.Now()}
	return inst, nil
}

// ReleaseScope evicts a scoped instance immediately — the explicit
// release-call fallback spec §9 describes for environments without weak
// references, usable by a caller (or its dispatcher's finalizer) that
// knows a scope is done.
func (r *Registry) ReleaseScope(service, scopeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if byScope, ok := r.scoped[service]; ok {
		delete(byScope, scopeID)
	}
}

// sweepLoop is the opportunistic sweeper spec §5 describes ("runs
// opportunistically when the runtime signals memory pressure, or on a
// periodic tick where such signals are unavailable"). Go exposes no
// portable memory-pressure signal, so this always uses the tick fallback.
func (r *Registry) sweepLoop() {
	t := time.NewTicker(scopeSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.sweepOnce()
		case <-r.stopSweep:
			return
		}
	}
}

func (r *Registry) sweepOnce() {
	cutoff := time.Now().Add(-scopeIdleTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	for service, byScope := range r.scoped {
		for scopeID, si := range byScope {
			if si.lastAccess.Before(cutoff) {
				delete(byScope, scopeID)
			}
		}
		if len(byScope) == 0 {
			delete(r.scoped, service)
		}
	}
}

// Close stops the background sweeper.
func (r *Registry) Close() {
	close(r.stopSweep)
}
