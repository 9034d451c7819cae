// Package fault is the closed error taxonomy of the receipt pipeline.
// Low-level primitives surface transport and store errors as-is; domain
// modules classify them into a Kind before any user-visible layer sees them.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
)

// Kind enumerates every failure class the pipeline distinguishes.
type Kind string

const (
	Network             Kind = "network"
	Server              Kind = "server"
	Quota               Kind = "quota"
	PermitExpired       Kind = "permit_expired"
	InvalidSignature    Kind = "invalid_signature"
	Validation          Kind = "validation"
	Conflict            Kind = "conflict"
	IdempotentDuplicate Kind = "idempotent_duplicate"
	Unknown             Kind = "unknown"
)

// Retriable is true for kinds that a bounded retry may resolve.
// Conflicts are retriable only after the caller rebases.
func (k Kind) Retriable() bool {
	switch k {
	case Network, Server, Conflict:
		return true
	default:
		return false
	}
}

// Error pairs a Kind with its cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns a bare Error of |kind| with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Wrap attaches |kind| to |cause|, preserving the chain for errors.Is/As.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the Kind of |err|, classifying unrecognized errors
// as Network (timeouts, cancellation, refused connections) or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Network
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Network
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorFault() {
		case smithy.FaultServer:
			return Server
		case smithy.FaultClient:
			return Unknown
		}
		return Network
	}
	return Unknown
}

// FromStatus classifies an HTTP response status, using the gateway error
// code when one is present in the body.
func FromStatus(status int, code string) Kind {
	switch {
	case status == http.StatusConflict:
		return Conflict
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		switch code {
		case "PERMIT_EXPIRED":
			return PermitExpired
		case "INVALID_SIGNATURE":
			return InvalidSignature
		default:
			return Quota
		}
	case status >= 500:
		return Server
	case status >= 400:
		return Unknown
	default:
		return ""
	}
}

// StatusOf maps a Kind onto the HTTP status the gateway responds with.
func StatusOf(kind Kind) int {
	switch kind {
	case Quota, PermitExpired, InvalidSignature:
		return http.StatusForbidden
	case Validation:
		return http.StatusBadRequest
	case Conflict:
		return http.StatusConflict
	case IdempotentDuplicate:
		return http.StatusOK
	case Server:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// GatewayCode is the wire error code of a Kind in gateway response bodies.
func GatewayCode(kind Kind) string {
	switch kind {
	case Quota:
		return "QUOTA_EXCEEDED"
	case PermitExpired:
		return "PERMIT_EXPIRED"
	case InvalidSignature:
		return "INVALID_SIGNATURE"
	case Validation:
		return "INVALID_PARAM"
	case Server:
		return "SERVICE_UNAVAILABLE"
	default:
		return "INTERNAL_ERROR"
	}
}
