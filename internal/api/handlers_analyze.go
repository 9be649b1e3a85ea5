package api

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/fpang/family-resemblance/internal/analysis"
	"github.com/fpang/family-resemblance/internal/apperr"
	"github.com/fpang/family-resemblance/internal/pipeline"
)

// multipart parts above this size spill to temporary files
const multipartMemory = 8 << 20

type analysisResponse struct {
	Success         bool                `json:"success"`
	AnalysisResults []analysis.Item     `json:"analysis_results"`
	FaceCenter      analysis.FaceCenter `json:"face_center"`
	FaceWidth       int                 `json:"face_width"`
	Images          map[string]string   `json:"images,omitempty"`
}

func newAnalysisResponse(res *analysis.Result, images map[string]string) analysisResponse {
	return analysisResponse{
		Success:         true,
		AnalysisResults: res.AnalysisResults,
		FaceCenter:      res.FaceCenter,
		FaceWidth:       res.FaceWidth,
		Images:          images,
	}
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		httpError(w, r, apperr.New(apperr.UpstreamUnavailable, "analysis is not available"))
		return
	}
	code := bearerCode(r)
	// Reject bad codes before reading a large body.
	if _, err := s.machine.Authorize(r.Context(), code); err != nil {
		httpError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "upload is too large"))
			return
		}
		httpError(w, r, apperr.Wrap(apperr.InvalidRequest, err, "invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	var up pipeline.Uploads
	var err error
	if up.Child, err = formUpload(r, pipeline.RoleChild); err != nil {
		httpError(w, r, err)
		return
	}
	if up.Father, err = formUpload(r, pipeline.RoleFather); err != nil {
		httpError(w, r, err)
		return
	}
	if up.Mother, err = formUpload(r, pipeline.RoleMother); err != nil {
		httpError(w, r, err)
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("code", code).
		Bool("father", up.Father != nil).
		Bool("mother", up.Mother != nil).
		Msg("Analysis requested")

	out, err := s.pipeline.Run(r.Context(), code, up)
	if err != nil {
		httpError(w, r, err)
		return
	}
	images := pipeline.ImageURLs(r.Context(), s.artifacts, out.Artifacts)
	respondJSON(w, http.StatusOK, newAnalysisResponse(out.Result, images))
}

// formUpload reads the named file field. A missing field yields nil.
func formUpload(r *http.Request, field string) (*pipeline.Upload, error) {
	f, hdr, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "invalid "+field+" upload")
	}
	defer f.Close()
	return readUpload(f, hdr)
}

func readUpload(f multipart.File, hdr *multipart.FileHeader) (*pipeline.Upload, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "failed to read upload")
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &pipeline.Upload{Data: data, ContentType: hdr.Header.Get("Content-Type")}, nil
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	code := bearerCode(r)
	if _, err := s.machine.Authorize(r.Context(), code); err != nil {
		httpError(w, r, err)
		return
	}
	rec, err := s.machine.Result(r.Context(), code)
	if err != nil {
		httpError(w, r, err)
		return
	}

	var res analysis.Result
	if err := json.Unmarshal(rec.ResultCache, &res); err != nil {
		httpError(w, r, apperr.Wrap(apperr.Internal, err, "decode cached result"))
		return
	}
	images := pipeline.ImageURLs(r.Context(), s.artifacts, rec.ArtifactRefs)
	respondJSON(w, http.StatusOK, newAnalysisResponse(&res, images))
}
