// Package catalogue implements the Service Catalogue of spec §4.6: a
// concurrent multimap from service name to the set of peer names that
// host it, populated by peer catalogue exchange (spec §4.10) and pruned
// on disconnect.
//
// Grounded on the teacher's pkg/registry/server.go concurrent-map
// bookkeeping (RWMutex-guarded maps, bulk removal keyed by node) and the
// multimap shape of pkg/nameserver/records.go.
package catalogue

import "sync"

// Catalogue is the process's (here, per-Runtime) service catalogue.
type Catalogue struct {
	mu      sync.RWMutex
	byService map[string]map[string]struct{} // service -> set of peer names
}

func New() *Catalogue {
	return &Catalogue{byService: make(map[string]map[string]struct{})}
}

// Add records that peer hosts service.
func (c *Catalogue) Add(service, peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers, ok := c.byService[service]
	if !ok {
		peers = make(map[string]struct{})
		c.byService[service] = peers
	}
	peers[peer] = struct{}{}
}

// Contains reports whether any peer hosts service.
func (c *Catalogue) Contains(service string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	peers, ok := c.byService[service]
	return ok && len(peers) > 0
}

// Lookup returns a snapshot of the peers hosting service.
func (c *Catalogue) Lookup(service string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	peers, ok := c.byService[service]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(peers))
	for p := range peers {
		out = append(out, p)
	}
	return out
}

// RemoveByPeer removes every entry naming peer, e.g. on disconnect (spec
// §3 "Lifecycles", §4.10 disconnect path).
func (c *Catalogue) RemoveByPeer(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for service, peers := range c.byService {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(c.byService, service)
		}
	}
}

// AddAll records that peer hosts every service in names, as done once
// after a successful catalogue exchange.
func (c *Catalogue) AddAll(names []string, peer string) {
	for _, n := range names {
		c.Add(n, peer)
	}
}

// Services returns a snapshot of every service name known to be hosted
// somewhere in the mesh, used to build the observability snapshot's
// per-service peer breakdown (SPEC_FULL.md §A.5).
func (c *Catalogue) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byService))
	for s := range c.byService {
		out = append(out, s)
	}
	return out
}
