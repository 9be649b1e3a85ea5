// Package apperr defines the error kinds shared by the redemption, analysis
// and transport layers. Every failure a caller can act on carries a Kind; the
// HTTP layer maps kinds to status codes and anything without a Kind is
// treated as an unexpected fault.
package apperr

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind categorizes a failure.
type Kind int

const (
	// Internal is an unexpected fault: storage outage, contract violation.
	Internal Kind = iota
	// NotFound indicates an unknown code or a missing cached result.
	NotFound
	// Expired indicates the code is past its retention window.
	Expired
	// Unauthorized indicates a missing or unusable bearer code.
	Unauthorized
	// DeviceMismatch indicates the code is bound to another device.
	DeviceMismatch
	// AlreadyConsumed indicates the single analysis has already been used.
	AlreadyConsumed
	// InFlight indicates an analysis for the code is already running.
	InFlight
	// InvalidImage indicates an upload could not be decoded.
	InvalidImage
	// InvalidRequest indicates malformed input (missing fields, no parent image).
	InvalidRequest
	// RateLimited indicates the caller exceeded the attempt budget.
	RateLimited
	// UpstreamUnavailable indicates the AI model stayed overloaded after retries.
	UpstreamUnavailable
	// EmptyAIResponse indicates the model returned no text.
	EmptyAIResponse
	// MalformedAIResponse indicates the model text could not be parsed.
	MalformedAIResponse
	// InvalidAIPayload indicates the parsed payload violates the result schema.
	InvalidAIPayload
)

var kindNames = map[Kind]string{
	Internal:            "internal",
	NotFound:            "not_found",
	Expired:             "expired",
	Unauthorized:        "unauthorized",
	DeviceMismatch:      "forbidden.device_mismatch",
	AlreadyConsumed:     "forbidden.already_consumed",
	InFlight:            "conflict.in_flight",
	InvalidImage:        "invalid_image",
	InvalidRequest:      "invalid_request",
	RateLimited:         "rate_limited",
	UpstreamUnavailable: "upstream_unavailable",
	EmptyAIResponse:     "empty_ai_response",
	MalformedAIResponse: "malformed_ai_response",
	InvalidAIPayload:    "invalid_ai_payload",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Expected reports whether the kind is a user-facing outcome rather than a
// server fault. Expected kinds are not logged as errors.
func (k Kind) Expected() bool {
	return k != Internal
}

// HTTPStatus maps a kind to the status code the transport layer returns.
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case Expired:
		return http.StatusGone
	case Unauthorized:
		return http.StatusUnauthorized
	case DeviceMismatch, AlreadyConsumed:
		return http.StatusForbidden
	case InFlight:
		return http.StatusConflict
	case InvalidImage, InvalidRequest:
		return http.StatusBadRequest
	case RateLimited:
		return http.StatusTooManyRequests
	case EmptyAIResponse, MalformedAIResponse, InvalidAIPayload:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// Error is a classified failure. Message is safe to show to the end user;
// Raw optionally carries diagnostic text (e.g. the unparsable model output)
// that is logged but never returned to clients.
type Error struct {
	Kind    Kind
	Message string
	Raw     string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an Error of the given kind around cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// PublicMessage returns the message to show a client. Unexpected faults get
// a generic retry message without internal detail.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Message
	}
	return "service unavailable, please retry later"
}

// RawText returns the diagnostic text attached to err, if any.
func RawText(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Raw
	}
	return ""
}
