// Package handshake implements the RSA-based mutual key exchange of spec
// §4.2 and §6.2: the connecting side (initiator) proves its identity and
// delivers a random seed that both ends use to derive the secure
// channel's symmetric keystream (internal/securechan).
//
// Grounded on the teacher's pkg/secure/secure.go handshake shape (generate
// ephemeral material, exchange it over the raw conn, derive a shared
// value) but re-keyed from X25519/ECDH to RSA-OAEP + PKCS#1 v1.5 signing
// because spec.md §6.2 names that exact primitive combination.
//
// Message layout note: spec §6.2 describes the handshake token as "seed,
// initiator public key, signature" all "encrypted to the acceptor's
// public key." RSA-OAEP's plaintext capacity is bounded by the modulus
// size (for SHA-256, keySize - 66 bytes), which at the spec's 8192-bit key
// size (1024 bytes) leaves room for the 32+ byte seed but not for also
// embedding an 8192-bit public key and its PKCS#1 v1.5 signature inline.
// Only the seed — the one field that must stay confidential — is
// RSA-OAEP encrypted; the initiator's public key and the signature over
// the seed (whose security is unforgeability, not secrecy) travel
// alongside it in the clear within the same handshake message.
package handshake

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meshrpc/meshrpc/pkg/rpcerr"
)

// SeedSize is the minimum (and, here, exact) size of the random seed
// shared during the handshake (spec §4.2: "≥ 32 bytes").
const SeedSize = 32

// Message is the decoded handshake token sent initiator -> acceptor.
type Message struct {
	Seed            []byte
	InitiatorPubKey *rsa.PublicKey
	Signature       []byte
}

// BuildInitiatorMessage generates a fresh random seed, signs it with the
// initiator's private key, and encodes the wire message: RSA-OAEP
// ciphertext of the seed, followed by the cleartext public key and
// signature.
func BuildInitiatorMessage(priv *rsa.PrivateKey, responderPub *rsa.PublicKey) (wireMsg []byte, seed []byte, err error) {
	seed = make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, nil, fmt.Errorf("handshake: generate seed: %w", err)
	}

	digest := sha256.Sum256(seed)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: sign seed: %w", err)
	}

	cipherSeed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, responderPub, seed, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake: encrypt seed: %w", err)
	}

	pubDER := x509.MarshalPKCS1PublicKey(&priv.PublicKey)

	buf := make([]byte, 0, 2+len(cipherSeed)+2+len(pubDER)+2+len(sig))
	buf = appendChunk(buf, cipherSeed)
	buf = appendChunk(buf, pubDER)
	buf = appendChunk(buf, sig)

	return buf, seed, nil
}

// ParseInitiatorMessage decodes and authenticates an initiator's
// handshake message. It returns rpcerr.ErrBadHandshake if decoding,
// decryption, or signature verification fails; the caller (lifecycle
// manager) is responsible for the subsequent trusted-key-store lookup
// that can yield UntrustedPeer or AmbiguousPeer.
func ParseInitiatorMessage(wireMsg []byte, myPriv *rsa.PrivateKey) (*Message, error) {
	cipherSeed, rest, err := readChunk(wireMsg)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindBadHandshake, "malformed handshake message: %v", err)
	}
	pubDER, rest, err := readChunk(rest)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindBadHandshake, "malformed handshake message: %v", err)
	}
	sig, _, err := readChunk(rest)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindBadHandshake, "malformed handshake message: %v", err)
	}

	seed, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, myPriv, cipherSeed, nil)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindBadHandshake, "decrypt seed: %v", err)
	}
	if len(seed) < SeedSize {
		return nil, rpcerr.New(rpcerr.KindBadHandshake, "seed too short: %d bytes", len(seed))
	}

	pub, err := x509.ParsePKCS1PublicKey(pubDER)
	if err != nil {
		return nil, rpcerr.New(rpcerr.KindBadHandshake, "parse initiator public key: %v", err)
	}

	digest := sha256.Sum256(seed)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return nil, rpcerr.New(rpcerr.KindBadHandshake, "signature verification failed: %v", err)
	}

	return &Message{Seed: seed, InitiatorPubKey: pub, Signature: sig}, nil
}

func appendChunk(buf, chunk []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(chunk)))
	buf = append(buf, l[:]...)
	return append(buf, chunk...)
}

func readChunk(buf []byte) (chunk []byte, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("truncated chunk length")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	if len(buf) < 2+n {
		return nil, nil, fmt.Errorf("truncated chunk body")
	}
	return buf[2 : 2+n], buf[2+n:], nil
}
