// Package gwerrors defines the gateway's error taxonomy, mapping each
// kind to an HTTP status and, where applicable, a JSON-RPC error code.
package gwerrors

import (
	"net/http"

	"github.com/sugora-systems/sugora-gateway/internal/jsonrpc"
)

// Kind identifies one of the gateway's well-known error categories.
type Kind int

const (
	Unauthorized Kind = iota
	RateLimited
	PayloadTooLarge
	ProtocolError
	UnsupportedProtocol
	UpstreamTimeout
	UpstreamUnavailable
	InternalError
)

// Error is a Kind carrying a human-readable message and the
// correlation id it occurred under.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
}

func (e *Error) Error() string { return e.Message }

// New builds an Error of the given kind.
func New(kind Kind, correlationID, message string) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: correlationID}
}

// HTTPStatus maps a Kind to the status code the Edge Service writes.
func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimited:
		return http.StatusTooManyRequests
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ProtocolError:
		return http.StatusBadRequest
	case UnsupportedProtocol:
		return http.StatusUnsupportedMediaType
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps a Kind to its JSON-RPC error code. ok is false for
// kinds that have no JSON-RPC representation (the caller should omit
// the jsonrpc envelope entirely in that case).
func (k Kind) JSONRPCCode() (code int, ok bool) {
	switch k {
	case RateLimited:
		return -32001, true
	case ProtocolError:
		return jsonrpc.CodeInvalidRequest, true
	case UpstreamTimeout, UpstreamUnavailable:
		return -32002, true
	case InternalError:
		return jsonrpc.CodeInternalError, true
	default:
		return 0, false
	}
}

// TripsBreaker reports whether this Kind counts as a breaker failure
// when produced by an upstream call, per the recovery policy: only
// transport-level failures trip the breaker, never application-level
// JSON-RPC errors.
func (k Kind) TripsBreaker() bool {
	return k == UpstreamTimeout || k == UpstreamUnavailable
}
