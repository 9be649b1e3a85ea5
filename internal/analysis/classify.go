package analysis

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"
	"google.golang.org/genai"
)

// isTransient reports whether err is the overload class that is worth
// retrying. Anything else fails the call immediately.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	if apiErr, ok := asAPIError(err); ok {
		return transientAPIError(apiErr)
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "503")
}

func transientAPIError(e genai.APIError) bool {
	if e.Code == http.StatusServiceUnavailable || strings.EqualFold(e.Status, "UNAVAILABLE") {
		return true
	}
	return strings.Contains(strings.ToLower(e.Message), "overloaded")
}

// asAPIError finds a genai.APIError in either its value or pointer form.
func asAPIError(err error) (genai.APIError, bool) {
	var ptr *genai.APIError
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val genai.APIError
	if errors.As(err, &val) {
		return val, true
	}
	return genai.APIError{}, false
}
