// Package rpcerr defines the structured error taxonomy that crosses the
// wire inside response frames (spec §7). Every error the invocation engine
// or inbound dispatcher can surface to a caller is one of these kinds.
package rpcerr

import "fmt"

// Kind identifies a category of RPC failure. Kinds are wire-stable: their
// numeric value is what a response frame carries, so existing values must
// never be renumbered.
type Kind uint8

const (
	// KindNone is the zero value; never used on the wire.
	KindNone Kind = iota

	// Authentication
	KindUntrustedPeer
	KindAmbiguousPeer
	KindBadHandshake

	// Routing
	KindBadProcedure
	KindNoRoute

	// Transport
	KindPeerDisconnected
	KindTimeout
	KindShutdown

	// Application — wraps whatever a local implementation raised.
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindUntrustedPeer:
		return "UntrustedPeer"
	case KindAmbiguousPeer:
		return "AmbiguousPeer"
	case KindBadHandshake:
		return "BadHandshake"
	case KindBadProcedure:
		return "BadProcedure"
	case KindNoRoute:
		return "NoRoute"
	case KindPeerDisconnected:
		return "PeerDisconnected"
	case KindTimeout:
		return "Timeout"
	case KindShutdown:
		return "Shutdown"
	case KindApplication:
		return "Application"
	default:
		return "None"
	}
}

// Error is the transport-safe structured error carried in response frames.
// Stack frames are never preserved across the wire (spec §7).
type Error struct {
	Kind    Kind
	Message string
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is allows errors.Is(err, rpcerr.ErrTimeout) style checks against a kind
// sentinel constructed with just a Kind set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is comparisons; Message is ignored by Is.
var (
	ErrUntrustedPeer    = &Error{Kind: KindUntrustedPeer}
	ErrAmbiguousPeer    = &Error{Kind: KindAmbiguousPeer}
	ErrBadHandshake     = &Error{Kind: KindBadHandshake}
	ErrBadProcedure     = &Error{Kind: KindBadProcedure}
	ErrNoRoute          = &Error{Kind: KindNoRoute}
	ErrPeerDisconnected = &Error{Kind: KindPeerDisconnected}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrShutdown         = &Error{Kind: KindShutdown}
)

// Wrap produces an Application-kind error from an arbitrary local error,
// unwrapping exactly one layer of invocation-wrapper error if present
// (spec §4.9 step 2, §7).
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if rerr, ok := err.(*Error); ok {
		return rerr
	}
	if uw, ok := err.(interface{ Unwrap() error }); ok {
		if inner := uw.Unwrap(); inner != nil {
			if rerr, ok := inner.(*Error); ok {
				return rerr
			}
		}
	}
	return &Error{Kind: KindApplication, Message: err.Error()}
}
