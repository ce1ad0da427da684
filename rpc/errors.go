package rpc

import (
	"errors"
	"fmt"
)

// Kind tells callers how a call ended without a reply
type Kind int

const (
	KindInternal Kind = iota
	// KindConnectivity: no broker session, or the session was lost mid-call
	KindConnectivity
	// KindPublish: the broker rejected the request
	KindPublish
	// KindCancelled: the caller's context was cancelled
	KindCancelled
	// KindTimeout: no reply within the deadline
	KindTimeout
	// KindClosed: the client was closed
	KindClosed
)

var (
	ErrInternal     = errors.New("rpc: internal error")
	ErrConnectivity = errors.New("rpc: broker unavailable")
	ErrPublish      = errors.New("rpc: publish failed")
	ErrCancelled    = errors.New("rpc: call cancelled")
	ErrTimeout      = errors.New("rpc: call timed out")
	ErrClosed       = errors.New("rpc: client closed")

	// ErrDuplicateToken is returned by Registry.Register for a token that
	// is still pending
	ErrDuplicateToken = errors.New("rpc: correlation token already registered")
)

var sentinels = map[Kind]error{
	KindInternal:     ErrInternal,
	KindConnectivity: ErrConnectivity,
	KindPublish:      ErrPublish,
	KindCancelled:    ErrCancelled,
	KindTimeout:      ErrTimeout,
	KindClosed:       ErrClosed,
}

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindPublish:
		return "publish"
	case KindCancelled:
		return "cancelled"
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	default:
		return "internal"
	}
}

// Error is the only error type returned by Client.Call.
// errors.Is(err, ErrTimeout) and friends match on Kind.
type Error struct {
	Kind          Kind
	Op            string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("rpc %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("rpc %s [%s]: %s: %v", e.Op, e.CorrelationID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// KindOf returns the kind of an *Error in err's chain, or KindInternal
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return KindInternal
}
