// Package errors classifies the failures that can happen inside the gateway
// core so callers can decide between local recovery and a client-visible
// envelope.
//
// Every error produced by procmesh packages is either one of the sentinel
// values below or a *ClassifiedError wrapping one, so both errors.Is and
// errors.As work across package boundaries.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is the taxonomy used to route an error to recovery or to a reply.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProtocol is a malformed frame or undecodable document.
	KindProtocol
	// KindTransport is missing data or a socket failure.
	KindTransport
	// KindRouting is an unknown destination or function.
	KindRouting
	// KindConnection is an exhausted retry budget.
	KindConnection
	// KindProcess is a worker that exited with an error or wrote to stderr.
	KindProcess
	// KindPortConflict is a transient port allocation race, resolved by retry.
	KindPortConflict
	// KindConfig is invalid or missing configuration.
	KindConfig
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindRouting:
		return "routing"
	case KindConnection:
		return "connection"
	case KindProcess:
		return "process"
	case KindPortConflict:
		return "port_conflict"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Standard error variables
var (
	// Wire
	ErrMalformedFrame = stderrors.New("malformed frame")
	ErrFrameTooLarge  = stderrors.New("frame too large")

	// Transport
	ErrNoData         = stderrors.New("no data received")
	ErrConnectionLost = stderrors.New("connection lost")
	ErrNoConnection   = stderrors.New("no connection available")

	// Routing
	ErrUnknownDestination = stderrors.New("destination unknown")
	ErrUnknownFunction    = stderrors.New("function unknown")
	ErrNoInstances        = stderrors.New("no instances available")

	// Connection
	ErrMaxRetriesExceeded = stderrors.New("maximum retries exceeded")
	ErrReadinessTimeout   = stderrors.New("socket initialization timeout")

	// Process
	ErrProcessExited = stderrors.New("process exited")
	ErrPortInUse     = stderrors.New("port already in use")
	ErrStillSpawning = stderrors.New("instance is still spawning")

	// Configuration
	ErrInvalidConfig  = stderrors.New("invalid configuration")
	ErrServiceDefined = stderrors.New("service already defined")
	ErrUnknownService = stderrors.New("service not defined")
)

// ClassifiedError wraps an error with its classification and the place it
// was raised.
type ClassifiedError struct {
	Kind      Kind
	Err       error
	Component string
	Operation string
	Message   string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return fmt.Sprintf("%s.%s: %s: %v", ce.Component, ce.Operation, ce.Message, ce.Err)
	}
	return fmt.Sprintf("%s.%s: %v", ce.Component, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Kind:      kind,
		Err:       err,
		Component: component,
		Operation: operation,
		Message:   message,
	}
}

// KindOf reports the classification of err. Unclassified sentinels are
// mapped to their natural kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case stderrors.Is(err, ErrMalformedFrame), stderrors.Is(err, ErrFrameTooLarge):
		return KindProtocol
	case stderrors.Is(err, ErrNoData), stderrors.Is(err, ErrConnectionLost), stderrors.Is(err, ErrNoConnection):
		return KindTransport
	case stderrors.Is(err, ErrUnknownDestination), stderrors.Is(err, ErrUnknownFunction), stderrors.Is(err, ErrNoInstances):
		return KindRouting
	case stderrors.Is(err, ErrMaxRetriesExceeded), stderrors.Is(err, ErrReadinessTimeout):
		return KindConnection
	case stderrors.Is(err, ErrProcessExited):
		return KindProcess
	case stderrors.Is(err, ErrPortInUse):
		return KindPortConflict
	case stderrors.Is(err, ErrInvalidConfig), stderrors.Is(err, ErrServiceDefined), stderrors.Is(err, ErrUnknownService):
		return KindConfig
	}
	return KindUnknown
}

func IsProtocol(err error) bool     { return KindOf(err) == KindProtocol }
func IsTransport(err error) bool    { return KindOf(err) == KindTransport }
func IsRouting(err error) bool      { return KindOf(err) == KindRouting }
func IsConnection(err error) bool   { return KindOf(err) == KindConnection }
func IsProcess(err error) bool      { return KindOf(err) == KindProcess }
func IsPortConflict(err error) bool { return KindOf(err) == KindPortConflict }

// IsRecoverable reports whether err is handled locally and never surfaced
// to a client.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindPortConflict, KindProcess:
		return true
	}
	return false
}

// Is, As and New re-export the standard library helpers so callers that
// import this package as "errors" keep them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func New(text string) error { return stderrors.New(text) }
