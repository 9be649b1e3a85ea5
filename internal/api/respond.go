package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fpang/family-resemblance/internal/apperr"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// httpError writes err as a JSON error response. Classified errors return
// their public message; anything else is logged in full and reported as a
// generic retryable failure.
func httpError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := kind.HTTPStatus()
	logger := zerolog.Ctx(r.Context())

	if kind.Expected() {
		evt := logger.Info()
		if status >= http.StatusInternalServerError {
			evt = logger.Warn()
		}
		if raw := apperr.RawText(err); raw != "" {
			evt = evt.Str("raw", truncate(raw, 2000))
		}
		evt.Str("kind", kind.String()).Int("status", status).Err(err).Msg("Request rejected")
	} else {
		logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}

	respondJSON(w, status, errorBody{Error: apperr.PublicMessage(err), Code: kind.String()})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
