package apperr

import (
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestKindOf(t *testing.T) {
	base := New(DeviceMismatch, "bound to another device")
	wrapped := errors.Wrap(base, "verify ABC123")

	if got := KindOf(wrapped); got != DeviceMismatch {
		t.Errorf("expected DeviceMismatch, got %s", got)
	}
	if got := KindOf(errors.New("boom")); got != Internal {
		t.Errorf("expected Internal for unclassified error, got %s", got)
	}
	if Is(nil, Internal) {
		t.Error("expected Is(nil) to be false")
	}
}

func TestForbiddenKindsAreDistinct(t *testing.T) {
	if DeviceMismatch == AlreadyConsumed {
		t.Fatal("device mismatch and already consumed must be different kinds")
	}
	if DeviceMismatch.String() == AlreadyConsumed.String() {
		t.Errorf("expected distinct names, both are %s", DeviceMismatch.String())
	}
	if DeviceMismatch.HTTPStatus() != http.StatusForbidden || AlreadyConsumed.HTTPStatus() != http.StatusForbidden {
		t.Error("expected both forbidden kinds to map to 403")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{NotFound, http.StatusNotFound},
		{Expired, http.StatusGone},
		{Unauthorized, http.StatusUnauthorized},
		{InFlight, http.StatusConflict},
		{InvalidImage, http.StatusBadRequest},
		{InvalidRequest, http.StatusBadRequest},
		{RateLimited, http.StatusTooManyRequests},
		{UpstreamUnavailable, http.StatusServiceUnavailable},
		{EmptyAIResponse, http.StatusBadGateway},
		{MalformedAIResponse, http.StatusBadGateway},
		{InvalidAIPayload, http.StatusBadGateway},
		{Internal, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.HTTPStatus(); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestPublicMessageHidesInternalDetail(t *testing.T) {
	err := Wrap(Internal, errors.New("dial tcp 10.0.0.1:5432: connection refused"), "load code")
	msg := PublicMessage(err)
	if msg != "service unavailable, please retry later" {
		t.Errorf("expected generic message, got %q", msg)
	}

	err = New(Expired, "code has expired")
	if got := PublicMessage(err); got != "code has expired" {
		t.Errorf("expected user message, got %q", got)
	}
}

func TestRawText(t *testing.T) {
	err := &Error{Kind: MalformedAIResponse, Message: "unreadable model output", Raw: "not json"}
	if got := RawText(errors.Wrap(err, "analyze")); got != "not json" {
		t.Errorf("expected raw text to survive wrapping, got %q", got)
	}
}
