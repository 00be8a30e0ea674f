// Package keystore implements the trusted key store of spec §3: a
// process-wide (here, per-Runtime — see spec §9 "Global mutable state")
// map from friendly peer name to RSA public key, with the invariant that
// a given public key may be registered under at most one name.
//
// Grounded on the teacher's pkg/registry/server.go bidirectional index
// pattern (pubKeyIdx/ownerIdx maps alongside the primary nodes map) and
// its writer-preferring RWMutex discipline.
package keystore

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
)

// ErrKeyAlreadyTrusted is wrapped into the error Add returns when pub is
// already registered under a different name — the AmbiguousPeer condition
// spec §4.2/§7 documents, caught here at registration time rather than
// later at lookup (see FindName).
var ErrKeyAlreadyTrusted = errors.New("keystore: key already registered under a different name")

// Store is a trusted key store. The zero value is not usable; use New.
type Store struct {
	mu      sync.RWMutex
	byName  map[string]*rsa.PublicKey
	byKeyID map[string]string // fingerprint(pubkey) -> name, enforces key-once
}

func New() *Store {
	return &Store{
		byName:  make(map[string]*rsa.PublicKey),
		byKeyID: make(map[string]string),
	}
}

// fingerprint derives a stable map key for a public key from its DER
// encoding, so two rsa.PublicKey values with equal moduli/exponents
// collide as intended.
func fingerprint(pub *rsa.PublicKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("keystore: nil public key")
	}
	return string(x509.MarshalPKCS1PublicKey(pub)), nil
}

// Add registers name -> pub. It fails if the key is already registered
// under a different name ("registered more than once", spec §3), which is
// checked before the name-uniqueness check per the key-identity-first
// precedence decided in DESIGN.md.
func (s *Store) Add(name string, pub *rsa.PublicKey) error {
	fp, err := fingerprint(pub)
	if err != nil {
		return fmt.Errorf("keystore: fingerprint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKeyID[fp]; ok && existing != name {
		return fmt.Errorf("%w (already trusted as %q)", ErrKeyAlreadyTrusted, existing)
	}
	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("keystore: name %q already registered", name)
	}

	s.byName[name] = pub
	s.byKeyID[fp] = name
	return nil
}

// Lookup returns the public key trusted under name, or false.
func (s *Store) Lookup(name string) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.byName[name]
	return pub, ok
}

// FindName returns the name a given public key is trusted under. It
// reports found=false if the key is not present. This store's invariant
// (enforced at Add time) means a key can never be found under more than
// one name, so the AmbiguousPeer condition is prevented at registration,
// not detected here.
func (s *Store) FindName(pub *rsa.PublicKey) (name string, found bool, err error) {
	fp, ferr := fingerprint(pub)
	if ferr != nil {
		return "", false, ferr
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, found = s.byKeyID[fp]
	return name, found, nil
}

// Remove deletes the trust entry for name, e.g. on peer disconnect
// (spec §3 "Lifecycles").
func (s *Store) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pub, ok := s.byName[name]
	if !ok {
		return
	}
	delete(s.byName, name)
	if fp, err := fingerprint(pub); err == nil {
		if s.byKeyID[fp] == name {
			delete(s.byKeyID, fp)
		}
	}
}

// Names returns a snapshot of all trusted peer names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byName))
	for n := range s.byName {
		out = append(out, n)
	}
	return out
}
