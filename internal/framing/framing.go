// Package framing implements the length-prefixed wire framing of spec §4.1
// and §6.1: a 4-byte little-endian length followed by that many bytes. It
// is the layer immediately below the secure channel — frames here carry
// encrypted payloads (or, during handshake, the handshake token itself),
// never plaintext application data once a channel is established.
//
// Grounded on the teacher's pkg/dataexchange and pkg/eventstream framing
// (length-prefixed binary.BigEndian headers over io.Reader/io.Writer),
// adapted to the little-endian uint32 length and single-byte
// role-reversal sentinel spec.md specifies.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen bounds the accepted frame body size to defend against a
// peer advertising an unreasonable length and exhausting memory.
const MaxFrameLen = 32 * 1024 * 1024 // 32 MiB

// RoleReversalSignal is the single-byte plaintext body reserved for the
// role-reversal control signal (spec §4.3, §6.1). It is never confusable
// with an encrypted payload frame because real payloads are always
// AEAD-sealed and therefore never exactly one byte of value 0 (the sealed
// form always carries at least a nonce/tag's worth of overhead).
var RoleReversalSignal = []byte{0x00}

// ErrPeerDisconnected is returned by ReadFrame when the peer sends a
// zero-length frame, which spec §4.1/§6.1 define as the clean-disconnect
// marker.
var ErrPeerDisconnected = errors.New("framing: peer disconnected")

// ReadFrame reads one length-prefixed frame from r. A zero-length frame
// surfaces as ErrPeerDisconnected rather than an empty, valid frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, ErrPeerDisconnected
	}
	if n > MaxFrameLen {
		return nil, fmt.Errorf("framing: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame to w. Writing a zero-length
// body is a protocol violation from this layer's perspective (callers
// that want to signal disconnect should simply close the connection); it
// is rejected rather than silently sent.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return errors.New("framing: refusing to write a zero-length frame")
	}
	if len(body) > MaxFrameLen {
		return fmt.Errorf("framing: frame too large: %d bytes", len(body))
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	buf := make([]byte, 0, 4+len(body))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// IsRoleReversal reports whether a decoded plaintext frame body is the
// role-reversal sentinel.
func IsRoleReversal(body []byte) bool {
	return len(body) == 1 && body[0] == 0x00
}
