package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fpang/family-resemblance/internal/apperr"
)

type verifyRequest struct {
	Code     string `json:"code"`
	DeviceID string `json:"device_id"`
}

type verifyResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Activated bool   `json:"activated"`
	Restored  bool   `json:"restored"`
	HasResult bool   `json:"has_result"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		httpError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "invalid request body"))
		return
	}

	res, err := s.machine.Verify(r.Context(), req.Code, req.DeviceID)
	if err != nil {
		httpError(w, r, err)
		return
	}

	msg := "code activated"
	if res.Restored {
		msg = "session restored"
	}
	respondJSON(w, http.StatusOK, verifyResponse{
		Success:   true,
		Message:   msg,
		Activated: res.Activated,
		Restored:  res.Restored,
		HasResult: res.HasResult,
	})
}

// handleStatus always answers 200; an unknown or missing code simply
// reports valid=false.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.machine.CheckStatus(r.Context(), bearerCode(r)))
}

type batchCreateRequest struct {
	Codes []string `json:"codes"`
}

type batchCreateResponse struct {
	Success bool `json:"success"`
	Created int  `json:"created"`
	Skipped int  `json:"skipped"`
}

func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		httpError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "invalid request body"))
		return
	}
	if len(req.Codes) == 0 {
		httpError(w, r, apperr.New(apperr.InvalidRequest, "codes must not be empty"))
		return
	}

	res, err := s.machine.BatchCreate(r.Context(), req.Codes)
	if err != nil {
		httpError(w, r, err)
		return
	}
	zerolog.Ctx(r.Context()).Info().Int("created", res.Created).Int("skipped", res.Skipped).Msg("Codes imported")
	respondJSON(w, http.StatusOK, batchCreateResponse{Success: true, Created: res.Created, Skipped: res.Skipped})
}
