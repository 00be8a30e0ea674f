// Package wire implements the compact binary object format spec.md §6.3
// and §6.4 describe: a length-prefixed, map-free encoding used both for
// the post-handshake catalogue exchange (an array of service names) and
// for every request/response transaction frame.
//
// Grounded on the teacher's explicit binary.BigEndian framing style
// (pkg/protocol/packet.go, pkg/dataexchange/dataexchange.go). Kept on the
// standard library rather than a third-party codec because spec.md fixes
// the exact byte layout (field order, optionality) as part of the wire
// contract itself — see DESIGN.md's internal/wire entry.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meshrpc/meshrpc/pkg/rpcerr"
)

// Tag identifies which variant of the transaction union a frame holds.
type Tag uint8

const (
	TagRequest  Tag = 0
	TagResponse Tag = 1
)

// Request is the wire form of spec §3's request frame.
type Request struct {
	ID       uint64
	ScopeID  string // empty means "no scope" (optional field is nullable)
	HasScope bool
	Procedure string
	Args      []byte
}

// Response is the wire form of spec §3's response frame.
type Response struct {
	ID        uint64
	HasResult bool
	Result    []byte
	Err       *rpcerr.Error // nil if no error
}

// maxStringLen / maxArgsLen bound untrusted input during decode.
const (
	maxStringLen = 1 << 16
	maxArgsLen   = 64 * 1024 * 1024
)

func putString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(l[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeCatalogue encodes a set of service names as the array-of-strings
// format spec §6.3 describes.
func EncodeCatalogue(names []string) []byte {
	var buf bytes.Buffer
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(names)))
	buf.Write(count[:])
	for _, n := range names {
		putString(&buf, n)
	}
	return buf.Bytes()
}

// DecodeCatalogue decodes the array-of-strings catalogue payload.
func DecodeCatalogue(data []byte) ([]string, error) {
	r := bytes.NewReader(data)
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: decode catalogue count: %w", err)
	}
	count := binary.BigEndian.Uint32(countBuf[:])
	if count > maxStringLen {
		return nil, fmt.Errorf("wire: catalogue count too large: %d", count)
	}
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		s, err := getString(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decode catalogue entry %d: %w", i, err)
		}
		names = append(names, s)
	}
	return names, nil
}

// EncodeRequest encodes a request transaction frame.
func EncodeRequest(req Request) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagRequest))

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], req.ID)
	buf.Write(idBuf[:])

	if req.HasScope {
		buf.WriteByte(1)
		putString(&buf, req.ScopeID)
	} else {
		buf.WriteByte(0)
	}

	putString(&buf, req.Procedure)

	var argLen [4]byte
	binary.BigEndian.PutUint32(argLen[:], uint32(len(req.Args)))
	buf.Write(argLen[:])
	buf.Write(req.Args)

	return buf.Bytes()
}

// EncodeResponse encodes a response transaction frame.
func EncodeResponse(resp Response) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(TagResponse))

	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], resp.ID)
	buf.Write(idBuf[:])

	if resp.HasResult {
		buf.WriteByte(1)
		var rl [4]byte
		binary.BigEndian.PutUint32(rl[:], uint32(len(resp.Result)))
		buf.Write(rl[:])
		buf.Write(resp.Result)
	} else {
		buf.WriteByte(0)
	}

	if resp.Err != nil {
		buf.WriteByte(1)
		buf.WriteByte(byte(resp.Err.Kind))
		putString(&buf, resp.Err.Message)
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

// Decode decodes any transaction frame, returning either a *Request or a
// *Response depending on the leading tag.
func Decode(data []byte) (any, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("wire: empty transaction frame")
	}
	tag := Tag(data[0])
	r := bytes.NewReader(data[1:])

	switch tag {
	case TagRequest:
		var idBuf [8]byte
		if _, err := io.ReadFull(r, idBuf[:]); err != nil {
			return nil, fmt.Errorf("wire: decode request id: %w", err)
		}
		req := Request{ID: binary.BigEndian.Uint64(idBuf[:])}

		hasScope, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wire: decode has-scope: %w", err)
		}
		if hasScope == 1 {
			req.HasScope = true
			req.ScopeID, err = getString(r)
			if err != nil {
				return nil, fmt.Errorf("wire: decode scope id: %w", err)
			}
		}

		req.Procedure, err = getString(r)
		if err != nil {
			return nil, fmt.Errorf("wire: decode procedure: %w", err)
		}

		var argLenBuf [4]byte
		if _, err := io.ReadFull(r, argLenBuf[:]); err != nil {
			return nil, fmt.Errorf("wire: decode args length: %w", err)
		}
		argLen := binary.BigEndian.Uint32(argLenBuf[:])
		if argLen > maxArgsLen {
			return nil, fmt.Errorf("wire: args too large: %d", argLen)
		}
		req.Args = make([]byte, argLen)
		if _, err := io.ReadFull(r, req.Args); err != nil {
			return nil, fmt.Errorf("wire: decode args: %w", err)
		}
		return &req, nil

	case TagResponse:
		var idBuf [8]byte
		if _, err := io.ReadFull(r, idBuf[:]); err != nil {
			return nil, fmt.Errorf("wire: decode response id: %w", err)
		}
		resp := Response{ID: binary.BigEndian.Uint64(idBuf[:])}

		hasResult, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wire: decode has-result: %w", err)
		}
		if hasResult == 1 {
			var rl [4]byte
			if _, err := io.ReadFull(r, rl[:]); err != nil {
				return nil, fmt.Errorf("wire: decode result length: %w", err)
			}
			n := binary.BigEndian.Uint32(rl[:])
			if n > maxArgsLen {
				return nil, fmt.Errorf("wire: result too large: %d", n)
			}
			resp.HasResult = true
			resp.Result = make([]byte, n)
			if _, err := io.ReadFull(r, resp.Result); err != nil {
				return nil, fmt.Errorf("wire: decode result: %w", err)
			}
		}

		hasErr, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("wire: decode has-error: %w", err)
		}
		if hasErr == 1 {
			kindByte, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("wire: decode error kind: %w", err)
			}
			msg, err := getString(r)
			if err != nil {
				return nil, fmt.Errorf("wire: decode error message: %w", err)
			}
			resp.Err = &rpcerr.Error{Kind: rpcerr.Kind(kindByte), Message: msg}
		}
		return &resp, nil

	default:
		return nil, fmt.Errorf("wire: unknown transaction tag: %d", tag)
	}
}
