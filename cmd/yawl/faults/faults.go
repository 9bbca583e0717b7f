// Package faults defines the engine's error kinds and their HTTP mapping.
// Kinds, not types: callers branch on the kind, never on concrete structs.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindValidation covers malformed specifications and request payloads.
	KindValidation Kind = iota
	// KindAuth covers missing or expired sessions.
	KindAuth
	// KindForbidden covers insufficient scope on a valid session.
	KindForbidden
	// KindConflict covers state conflicts: item already checked out, spec
	// delete with live cases, repeated checkin.
	KindConflict
	// KindNotFound covers unknown case, work item, or specification ids.
	KindNotFound
	// KindBusy covers case-lock acquisition timeouts. Retriable.
	KindBusy
	// KindLog covers event log append failures. Fatal: the engine goes
	// read-only until the log is restored.
	KindLog
	// KindNetSemantic covers failures fatal to one case: deadlock, MI bound
	// violations, predicate errors on a required path.
	KindNetSemantic
	// KindExceptionHandler covers unreachable or malformed Interface X
	// responses.
	KindExceptionHandler
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindBusy:
		return "busy"
	case KindLog:
		return "log"
	case KindNetSemantic:
		return "net_semantic"
	case KindExceptionHandler:
		return "exception_handler"
	default:
		return "unknown"
	}
}

// Fault is an error with a kind and, for validation failures, the
// diagnostics that produced it.
type Fault struct {
	Kind        Kind
	Message     string
	Diagnostics []string
	wrapped     error
}

func (f *Fault) Error() string {
	if f.wrapped != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.wrapped)
	}
	return f.Message
}

func (f *Fault) Unwrap() error { return f.wrapped }

// New creates a fault of the given kind.
func New(kind Kind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

// Errorf creates a fault with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault wrapping an underlying error.
func Wrap(kind Kind, err error, message string) *Fault {
	return &Fault{Kind: kind, Message: message, wrapped: err}
}

// WithDiagnostics attaches validation diagnostics.
func (f *Fault) WithDiagnostics(diags []string) *Fault {
	f.Diagnostics = diags
	return f
}

// KindOf extracts the kind from an error chain. Errors that carry no fault
// map to -1.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Kind(-1)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

// DiagnosticsOf returns attached diagnostics, if any.
func DiagnosticsOf(err error) []string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Diagnostics
	}
	return nil
}

// HTTPStatus maps an error to the status code the interfaces return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindBusy:
		return http.StatusServiceUnavailable
	case KindLog:
		return http.StatusServiceUnavailable
	case KindExceptionHandler:
		return http.StatusBadGateway
	case KindNetSemantic:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
