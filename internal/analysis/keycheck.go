package analysis

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/family-resemblance/internal/metrics"
)

// KeyProblem categorizes a failed API key probe.
type KeyProblem int

const (
	KeyInvalid KeyProblem = iota
	KeyQuota
	KeyNetwork
	KeyUnknown
)

func (p KeyProblem) String() string {
	switch p {
	case KeyInvalid:
		return "invalid"
	case KeyQuota:
		return "quota"
	case KeyNetwork:
		return "network_error"
	default:
		return "unknown"
	}
}

// KeyCheckError reports why the startup key probe failed.
type KeyCheckError struct {
	Problem KeyProblem
	Message string
	Err     error
}

func (e *KeyCheckError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *KeyCheckError) Unwrap() error { return e.Err }

// CheckAPIKey makes a minimal model call so a bad or revoked key fails the
// server at startup rather than on the first paid analysis.
func CheckAPIKey(ctx context.Context, client *genai.Client, model string) error {
	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, model, genai.Text("hi"), nil)
	elapsed := time.Since(start)

	result := "success"
	var out error
	switch {
	case err != nil:
		kerr := classifyKeyError(err)
		result = kerr.Problem.String()
		out = kerr
	case resp == nil || len(resp.Candidates) == 0:
		result = "empty_response"
		out = &KeyCheckError{Problem: KeyUnknown, Message: "API returned empty response"}
	}

	metrics.New().
		Dimension("Result", result).
		Duration("ApiKeyValidationMs", elapsed).
		Count("ApiKeyValidationResult").
		Flush()

	if out != nil {
		log.Error().Err(out).Str("result", result).Msg("Gemini API key check failed")
		return out
	}
	log.Info().Dur("duration", elapsed).Msg("Gemini API key validated")
	return nil
}

func classifyKeyError(err error) *KeyCheckError {
	if apiErr, ok := asAPIError(err); ok {
		switch apiErr.Code {
		case 400, 401, 403:
			return &KeyCheckError{Problem: KeyInvalid, Message: "API key is invalid, expired, or lacks permissions", Err: err}
		case 429:
			return &KeyCheckError{Problem: KeyQuota, Message: "API quota exceeded", Err: err}
		case 500, 502, 503, 504:
			return &KeyCheckError{Problem: KeyNetwork, Message: "Gemini API server error", Err: err}
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "api key not valid", "invalid api key", "api_key_invalid", "permission denied"):
		return &KeyCheckError{Problem: KeyInvalid, Message: "API key is invalid or has been revoked", Err: err}
	case containsAny(msg, "quota", "resource exhausted", "rate limit"):
		return &KeyCheckError{Problem: KeyQuota, Message: "API quota exceeded", Err: err}
	case containsAny(msg, "connection", "network", "timeout", "dial", "no such host", "unreachable"):
		return &KeyCheckError{Problem: KeyNetwork, Message: "network error reaching the Gemini API", Err: err}
	default:
		return &KeyCheckError{Problem: KeyUnknown, Message: "failed to validate API key", Err: err}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
