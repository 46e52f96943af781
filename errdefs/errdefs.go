package errdefs

import (
	"errors"
	"fmt"
)

// Kind is the numeric error class carried over the wire.
// The client re-materializes it into the matching sentinel below.
type Kind uint8

const (
	KindNone Kind = iota
	KindProtocol
	KindBackendRejected
	KindConnectionBroken
	KindTimeout
	KindInvalidState
	KindAlreadyClosed
	KindNotFound
	KindSyntaxRejected
	KindInvalidParameterIndex
	KindParameterNotRegistered
	KindBatchPartialFailure
	KindLobExpired
	KindInvalidSavepoint
	KindConcurrentAccess
	KindThrottled
)

var (
	// ErrProtocol - malformed or unexpected response shape. Fatal to the logical connection.
	ErrProtocol = errors.New("protocol error")
	// ErrBackendRejected - the real database returned a SQL-level error.
	// The original diagnostic text is preserved verbatim in the wrapping message.
	ErrBackendRejected = errors.New("backend rejected")
	// ErrConnectionBroken - transport failure. Fatal to the logical connection.
	ErrConnectionBroken = errors.New("connection broken")
	// ErrTimeout - operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrInvalidState - client violated the statement/result lifecycle. Detected locally.
	ErrInvalidState = errors.New("invalid state")
	// ErrAlreadyClosed - release of an unknown or already-released handle.
	ErrAlreadyClosed = errors.New("already closed")
	// ErrNotFound - handle cannot be resolved.
	ErrNotFound = errors.New("not found")
	// ErrSyntaxRejected - the backend rejected the statement text at prepare time.
	ErrSyntaxRejected = errors.New("syntax rejected")
	// ErrInvalidParameterIndex - bind position out of range.
	ErrInvalidParameterIndex = errors.New("invalid parameter index")
	// ErrParameterNotRegistered - read of an unregistered out-parameter.
	ErrParameterNotRegistered = errors.New("parameter not registered")
	// ErrBatchPartialFailure - one or more batch entries failed. Carries per-entry outcomes.
	ErrBatchPartialFailure = errors.New("batch partially failed")
	// ErrLobExpired - read of a large-object handle after its owning row or connection closed.
	ErrLobExpired = errors.New("lob handle expired")
	// ErrInvalidSavepoint - savepoint token used on a connection that did not create it.
	ErrInvalidSavepoint = errors.New("invalid savepoint")
	// ErrConcurrentAccess - two operations entered the same handle from different goroutines.
	ErrConcurrentAccess = errors.New("concurrent access detected")
	// ErrThrottled - the relay refused the operation under slow-query segregation.
	ErrThrottled = errors.New("throttled")
)

var sentinels = map[Kind]error{
	KindProtocol:               ErrProtocol,
	KindBackendRejected:        ErrBackendRejected,
	KindConnectionBroken:       ErrConnectionBroken,
	KindTimeout:                ErrTimeout,
	KindInvalidState:           ErrInvalidState,
	KindAlreadyClosed:          ErrAlreadyClosed,
	KindNotFound:               ErrNotFound,
	KindSyntaxRejected:         ErrSyntaxRejected,
	KindInvalidParameterIndex:  ErrInvalidParameterIndex,
	KindParameterNotRegistered: ErrParameterNotRegistered,
	KindBatchPartialFailure:    ErrBatchPartialFailure,
	KindLobExpired:             ErrLobExpired,
	KindInvalidSavepoint:       ErrInvalidSavepoint,
	KindConcurrentAccess:       ErrConcurrentAccess,
	KindThrottled:              ErrThrottled,
}

// New wraps the sentinel for kind with a detail message.
func New(kind Kind, msg string) error {
	sentinel, ok := sentinels[kind]
	if !ok {
		return fmt.Errorf("%w: unknown error kind %d: %s", ErrProtocol, kind, msg)
	}
	if msg == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}

// KindOf reports the Kind of err, or KindNone if err does not belong to the taxonomy.
func KindOf(err error) Kind {
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindNone
}
