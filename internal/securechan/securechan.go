// Package securechan implements the per-frame symmetric encryption layer
// of spec §4.3: from a shared handshake seed, both ends derive identical
// successive (key, iv) pairs and roll to the next pair after every frame,
// so the two sides stay in lockstep as long as every frame is processed.
//
// Grounded on the teacher's pkg/secure/secure.go (send-lock/receive-lock
// discipline, length-prefixed AEAD frames over a raw net.Conn) but
// re-derived to match spec.md's "roll on every frame" keystream, which
// the teacher's fixed-key/rolling-nonce-counter design does not do.
//
// Direction resolution (not fully specified by spec.md): §4.3 describes "the sender advances... the
// receiver advances..." as if a single generator were shared across both
// directions of a duplex channel. Because sends and receives use
// independent locks and can happen concurrently, a single shared counter
// cannot be kept in lockstep without forcing sends and receives to
// serialize. Instead, two independent generators are derived from the
// master seed via HMAC-SHA256 domain separation (one per direction,
// grounded on the teacher's role-based nonce-prefix trick in
// pkg/secure/secure.go). Each direction's generator is advanced only by
// the frames that travel in that direction, which both ends can compute
// identically and independently — satisfying §8's "two independent
// instances seeded identically produce identical (key, iv) sequences"
// property without requiring artificial serialization between sends and
// receives.
package securechan

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/meshrpc/meshrpc/internal/framing"
)

// ErrBroken is returned once a channel has failed a decrypt/MAC check or
// exhausted its reconnect attempts; the channel must be torn down.
var ErrBroken = errors.New("securechan: channel broken")

// ErrDisconnected mirrors framing.ErrPeerDisconnected for callers that
// only import this package.
var ErrDisconnected = framing.ErrPeerDisconnected

const (
	aesKeyLen  = 32 // AES-256
	ivLen      = 16 // CTR IV
	macKeyLen  = 32 // HMAC-SHA256 key
	keysetLen  = aesKeyLen + ivLen + macKeyLen
	macTagLen  = 32
)

type keyset struct {
	aesKey [aesKeyLen]byte
	iv     [ivLen]byte
	macKey [macKeyLen]byte
}

func drawKeyset(gen *rand.ChaCha8) keyset {
	var buf [keysetLen]byte
	// ChaCha8 implements io.Reader-style Read via rand.ChaCha8.Read.
	if _, err := gen.Read(buf[:]); err != nil {
		// rand.ChaCha8 never returns an error from Read; this is
		// defensive only.
		panic(fmt.Sprintf("securechan: keystream read failed: %v", err))
	}
	var ks keyset
	copy(ks.aesKey[:], buf[0:aesKeyLen])
	copy(ks.iv[:], buf[aesKeyLen:aesKeyLen+ivLen])
	copy(ks.macKey[:], buf[aesKeyLen+ivLen:])
	return ks
}

func deriveSubSeed(masterSeed []byte, label string) [32]byte {
	h := hmac.New(sha256.New, masterSeed)
	h.Write([]byte(label))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DialFunc re-establishes the raw transport for a client-originated
// channel on reconnect. It must return an already-connected net.Conn.
type DialFunc func(ctx context.Context) (net.Conn, error)

// RehandshakeFunc re-runs the handshake over a freshly dialed connection
// and returns the new shared seed.
type RehandshakeFunc func(ctx context.Context, conn net.Conn) (seed []byte, err error)

// Channel is one authenticated, encrypted duplex stream (spec glossary
// "Channel"). At most one Send and one Receive may be in flight at once.
type Channel struct {
	connMu sync.Mutex // guards conn swap-out during reconnect
	conn   net.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex

	outGen *rand.ChaCha8
	inGen  *rand.ChaCha8
	outKey keyset
	inKey  keyset

	isInitiator bool // physical TCP dial side, fixes direction labels
	canRequest  atomic.Bool

	broken atomic.Bool

	// Reconnect support; nil for acceptor-originated channels, which do
	// not self-reconnect (spec §4.3).
	dial        DialFunc
	rehandshake RehandshakeFunc

	onRevert func()
}

// New wraps an already-handshaken connection. canRequest is true for the
// channel's initial request-capable side (true for the initiator, false
// for the acceptor — spec §4.3).
func New(conn net.Conn, seed []byte, isInitiator, canRequest bool) *Channel {
	c := &Channel{
		conn:        conn,
		isInitiator: isInitiator,
	}
	c.canRequest.Store(canRequest)
	c.seedGenerators(seed)
	return c
}

func (c *Channel) seedGenerators(seed []byte) {
	initToAccept := deriveSubSeed(seed, "initiator->acceptor")
	acceptToInit := deriveSubSeed(seed, "acceptor->initiator")

	var outSeed, inSeed [32]byte
	if c.isInitiator {
		outSeed, inSeed = initToAccept, acceptToInit
	} else {
		outSeed, inSeed = acceptToInit, initToAccept
	}

	c.outGen = rand.NewChaCha8(outSeed)
	c.inGen = rand.NewChaCha8(inSeed)
	c.outKey = drawKeyset(c.outGen)
	c.inKey = drawKeyset(c.inGen)
}

// SetReconnect enables client-originated reconnect behavior.
func (c *Channel) SetReconnect(dial DialFunc, rehandshake RehandshakeFunc) {
	c.dial = dial
	c.rehandshake = rehandshake
}

// OnRevert registers the callback fired when the peer signals role
// reversal (spec §4.3).
func (c *Channel) OnRevert(fn func()) { c.onRevert = fn }

// CanRequest reports whether this side may currently originate requests
// on this channel.
func (c *Channel) CanRequest() bool { return c.canRequest.Load() }

// IsClientOriginated reports whether this channel can self-reconnect.
func (c *Channel) IsClientOriginated() bool { return c.dial != nil }

// Broken reports whether the channel has failed permanently.
func (c *Channel) Broken() bool { return c.broken.Load() }

func seal(ks keyset, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(ks.aesKey[:])
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, ks.iv[:]).XORKeyStream(ciphertext, plaintext)

	mac := hmac.New(sha256.New, ks.macKey[:])
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	out := make([]byte, 0, len(ciphertext)+macTagLen)
	out = append(out, ciphertext...)
	out = append(out, tag...)
	return out, nil
}

func open(ks keyset, framed []byte) ([]byte, error) {
	if len(framed) < macTagLen {
		return nil, errors.New("securechan: frame shorter than mac tag")
	}
	ciphertext := framed[:len(framed)-macTagLen]
	tag := framed[len(framed)-macTagLen:]

	mac := hmac.New(sha256.New, ks.macKey[:])
	mac.Write(ciphertext)
	expected := mac.Sum(nil)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, errors.New("securechan: mac verification failed")
	}

	block, err := aes.NewCipher(ks.aesKey[:])
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, ks.iv[:]).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// Send encrypts and writes one application frame, then rolls the outbound
// keystream. On a transport-level write error it attempts reconnect (for
// client-originated channels) before giving up.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	if c.broken.Load() {
		return ErrBroken
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	sealed, err := seal(c.outKey, payload)
	if err != nil {
		c.broken.Store(true)
		return fmt.Errorf("%w: seal: %v", ErrBroken, err)
	}

	for attempt := 0; ; attempt++ {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if werr := framing.WriteFrame(conn, sealed); werr != nil {
			if attempt > 0 {
				c.broken.Store(true)
				return fmt.Errorf("%w: send failed after reconnect: %v", ErrBroken, werr)
			}
			if rerr := c.tryReconnect(ctx); rerr != nil {
				c.broken.Store(true)
				return fmt.Errorf("%w: send failed and reconnect failed: %v", ErrBroken, rerr)
			}
			continue // retry once against the new connection
		}

		c.outKey = drawKeyset(c.outGen)
		return nil
	}
}

// SendRoleReversal sends the single-byte control signal out-of-band,
// bypassing encryption entirely (spec §4.1: the signal "never appears
// encrypted inside the payload stream"). It does not roll the keystream.
func (c *Channel) SendRoleReversal(ctx context.Context) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	return framing.WriteFrame(conn, framing.RoleReversalSignal)
}

// Receive reads, authenticates, and decrypts the next application frame,
// transparently consuming and handling any role-reversal control frames
// in between. It rolls the inbound keystream after each decrypted data
// frame.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	if c.broken.Load() {
		return nil, ErrBroken
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		body, err := framing.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, framing.ErrPeerDisconnected) {
				return nil, ErrDisconnected
			}
			if rerr := c.tryReconnect(ctx); rerr != nil {
				c.broken.Store(true)
				return nil, fmt.Errorf("%w: receive failed and reconnect failed: %v", ErrBroken, rerr)
			}
			continue
		}

		if framing.IsRoleReversal(body) {
			c.canRequest.Store(true)
			if c.onRevert != nil {
				c.onRevert()
			}
			continue
		}

		plaintext, derr := open(c.inKey, body)
		if derr != nil {
			c.broken.Store(true)
			return nil, fmt.Errorf("%w: %v", ErrBroken, derr)
		}
		c.inKey = drawKeyset(c.inGen)
		return plaintext, nil
	}
}

// tryReconnect re-dials and re-handshakes a client-originated channel,
// resetting both keystream generators from the fresh seed. Acceptor-
// originated channels (dial == nil) cannot reconnect and the error
// propagates so the owning connection pool tears down the peer entry.
func (c *Channel) tryReconnect(ctx context.Context) error {
	if c.dial == nil {
		return errors.New("securechan: acceptor-originated channel cannot reconnect")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	seed, err := c.rehandshake(ctx, conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("rehandshake: %w", err)
	}

	c.connMu.Lock()
	old := c.conn
	c.conn = conn
	c.connMu.Unlock()
	old.Close()

	c.seedGenerators(seed)
	c.broken.Store(false)
	return nil
}

// Close closes the underlying transport.
func (c *Channel) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn.Close()
}
