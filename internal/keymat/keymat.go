// Package keymat owns the local node's RSA identity: generation,
// PKCS#1/PKCS#8 persistence to disk, and loading. Grounded on the
// teacher's internal/crypto/identity.go (generate-or-load, 0600 files,
// consistency check on load), adapted from Ed25519 to RSA because spec §3
// and §6.2 require an RSA key pair (PKCS#1 public, PKCS#8 private).
package keymat

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/meshrpc/meshrpc/internal/fsutil"
)

// DefaultBits is the key size spec §6.6 mandates for generated identities.
const DefaultBits = 8192

// Identity holds the local node's RSA key pair.
type Identity struct {
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// Generate creates a new RSA key pair of the given bit size.
func Generate(bits int) (*Identity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("keymat: generate key: %w", err)
	}
	return &Identity{Public: &priv.PublicKey, Private: priv}, nil
}

// Save persists the identity as a PEM file: the private key PKCS#8-encoded
// in one block, the public key PKCS#1-encoded in a second block. Uses
// fsutil.AtomicWrite so a crash mid-write never corrupts the file.
func Save(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("keymat: create key dir: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(id.Private)
	if err != nil {
		return fmt.Errorf("keymat: marshal private key: %w", err)
	}
	pubDER := x509.MarshalPKCS1PublicKey(id.Public)

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: pubDER})...)

	return fsutil.AtomicWrite(path, out, 0600)
}

// Load reads a previously saved identity. It returns (nil, nil) if path
// does not exist, signaling "first run, generate one" to the caller,
// matching the teacher's LoadIdentity contract.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("keymat: read key file: %w", err)
	}

	var priv *rsa.PrivateKey
	var pub *rsa.PublicKey
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("keymat: parse private key: %w", err)
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("keymat: private key is not RSA")
			}
			priv = rsaKey
		case "RSA PUBLIC KEY":
			pk, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("keymat: parse public key: %w", err)
			}
			pub = pk
		}
	}

	if priv == nil || pub == nil {
		return nil, fmt.Errorf("keymat: identity file missing key material")
	}
	// Identity file corrupted if the stored public key doesn't match the
	// one derivable from the private key (mirrors the teacher's L5 fix).
	if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
		return nil, fmt.Errorf("keymat: identity file corrupted: public key does not match private key")
	}

	return &Identity{Public: &priv.PublicKey, Private: priv}, nil
}

// LoadOrGenerate loads the identity at path, generating and persisting a
// fresh one of the given bit size if none exists.
func LoadOrGenerate(path string, bits int) (*Identity, error) {
	id, err := Load(path)
	if err != nil {
		return nil, err
	}
	if id != nil {
		return id, nil
	}
	id, err = Generate(bits)
	if err != nil {
		return nil, err
	}
	if err := Save(path, id); err != nil {
		return nil, err
	}
	return id, nil
}
