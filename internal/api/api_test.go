package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fpang/family-resemblance/internal/analysis"
	"github.com/fpang/family-resemblance/internal/apperr"
	"github.com/fpang/family-resemblance/internal/artifact"
	"github.com/fpang/family-resemblance/internal/gate"
	"github.com/fpang/family-resemblance/internal/pipeline"
	"github.com/fpang/family-resemblance/internal/ratelimit"
	"github.com/fpang/family-resemblance/internal/redeem"
	"github.com/fpang/family-resemblance/internal/store"
)

type stubAnalyzer struct {
	calls int
	err   error
}

func (s *stubAnalyzer) Analyze(_ context.Context, _ analysis.Input) (*analysis.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	items := make([]analysis.Item, 0, len(analysis.FeatureParts))
	for _, p := range analysis.FeatureParts {
		items = append(items, analysis.Item{Part: p, SimilarTo: analysis.Mother, SimilarityScore: 64, Description: "像妈妈"})
	}
	return &analysis.Result{FaceCenter: analysis.FaceCenter{X: 48, Y: 42}, FaceWidth: 30, AnalysisResults: items}, nil
}

type testServer struct {
	handler  http.Handler
	machine  *redeem.Machine
	analyzer *stubAnalyzer
}

func newTestServer(t *testing.T, mutate func(*Options)) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	machine := redeem.New(st, gate.NewMemory())
	_, err := machine.BatchCreate(context.Background(), []string{"ABC123", "XYZ789"})
	require.NoError(t, err)

	dir := t.TempDir()
	artifacts, err := artifact.NewLocalStore(dir, "")
	require.NoError(t, err)

	analyzer := &stubAnalyzer{}
	opts := Options{
		Machine:       machine,
		Pipeline:      pipeline.New(machine, analyzer, artifacts, time.Minute),
		Artifacts:     artifacts,
		Limiter:       ratelimit.NewMemory(5, time.Minute),
		ImageDir:      dir,
		AdminUsername: "admin",
		AdminPassword: "secret",
		CORSOrigins:   []string{"http://localhost:5173"},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &testServer{handler: NewRouter(opts), machine: machine, analyzer: analyzer}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) verify(t *testing.T, code, device string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"code":"` + code + `","device_id":"` + device + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/code/verify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 6), uint8(y * 8), 120, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func analyzeRequest(t *testing.T, code string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for field, data := range files {
		part, err := mw.CreateFormFile(field, field+".png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if code != "" {
		req.Header.Set("Authorization", "Bearer "+code)
	}
	return req
}

func TestVerifyThenStatus(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.verify(t, " abc123 ", "device-a")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[verifyResponse](t, rec)
	require.True(t, got.Success)
	require.True(t, got.Activated)
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = s.verify(t, "ABC123", "device-a")
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[verifyResponse](t, rec)
	require.True(t, got.Restored)
	require.False(t, got.HasResult)

	req := httptest.NewRequest(http.MethodGet, "/api/code/status", nil)
	req.Header.Set("Authorization", "Bearer ABC123")
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[redeem.StatusResult](t, rec)
	require.Equal(t, redeem.StatusResult{Valid: true}, status)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/code/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decode[redeem.StatusResult](t, rec).Valid)
}

func TestVerify_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.verify(t, "ABC123", "device-a").Code)

	tests := []struct {
		name   string
		code   string
		device string
		status int
		kind   apperr.Kind
	}{
		{"unknown code", "NOPE00", "device-a", http.StatusNotFound, apperr.NotFound},
		{"other device", "ABC123", "device-b", http.StatusForbidden, apperr.DeviceMismatch},
		{"missing device", "XYZ789", "", http.StatusBadRequest, apperr.InvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.verify(t, tt.code, tt.device)
			require.Equal(t, tt.status, rec.Code)
			body := decode[errorBody](t, rec)
			require.Equal(t, tt.kind.String(), body.Code)
			require.NotEmpty(t, body.Error)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/code/verify", strings.NewReader("{"))
	require.Equal(t, http.StatusBadRequest, s.do(req).Code)
}

func TestVerify_RateLimited(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.Limiter = ratelimit.NewMemory(2, time.Minute) })

	require.Equal(t, http.StatusNotFound, s.verify(t, "GUESS1", "d").Code)
	require.Equal(t, http.StatusNotFound, s.verify(t, "GUESS2", "d").Code)

	rec := s.verify(t, "ABC123", "d")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, apperr.RateLimited.String(), decode[errorBody](t, rec).Code)

	// Status checks are not rate limited.
	req := httptest.NewRequest(http.MethodGet, "/api/code/status", nil)
	require.Equal(t, http.StatusOK, s.do(req).Code)
}

func (s *testServer) verifyFrom(t *testing.T, remoteAddr, forwardedFor, code string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"code":"` + code + `","device_id":"d"}`
	req := httptest.NewRequest(http.MethodPost, "/api/code/verify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	return s.do(req)
}

func TestVerify_ForwardedForIgnoredWithoutTrustedProxy(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.Limiter = ratelimit.NewMemory(2, time.Minute) })

	statuses := map[int]int{}
	for i := 0; i < 10; i++ {
		fake := "198.51.100." + strconv.Itoa(i+1)
		rec := s.verifyFrom(t, "203.0.113.7:40000", fake, "GUESS"+strconv.Itoa(i))
		statuses[rec.Code]++
	}
	require.Equal(t, map[int]int{http.StatusNotFound: 2, http.StatusTooManyRequests: 8}, statuses)

	// A different peer has its own budget.
	require.Equal(t, http.StatusNotFound, s.verifyFrom(t, "203.0.113.8:40000", "", "GUESS").Code)
}

func TestVerify_TrustedProxyHop(t *testing.T) {
	s := newTestServer(t, func(o *Options) {
		o.Limiter = ratelimit.NewMemory(2, time.Minute)
		o.TrustedProxyHops = 1
	})
	const proxy = "10.0.0.5:443"

	// The client controls everything left of the entry the proxy appended.
	require.Equal(t, http.StatusNotFound, s.verifyFrom(t, proxy, "1.1.1.1, 203.0.113.7", "GUESS1").Code)
	require.Equal(t, http.StatusNotFound, s.verifyFrom(t, proxy, "2.2.2.2, 203.0.113.7", "GUESS2").Code)
	require.Equal(t, http.StatusTooManyRequests, s.verifyFrom(t, proxy, "3.3.3.3, 203.0.113.7", "GUESS3").Code)

	require.Equal(t, http.StatusNotFound, s.verifyFrom(t, proxy, "203.0.113.9", "GUESS4").Code)
}

func TestForwardedFor(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		hops    int
		want    string
	}{
		{"single proxy", []string{"203.0.113.7"}, 1, "203.0.113.7"},
		{"spoofed prefix", []string{"6.6.6.6, 203.0.113.7"}, 1, "203.0.113.7"},
		{"two proxies", []string{"6.6.6.6, 203.0.113.7, 10.0.0.1"}, 2, "203.0.113.7"},
		{"split headers", []string{"6.6.6.6", "203.0.113.7"}, 1, "203.0.113.7"},
		{"too few entries", []string{"203.0.113.7"}, 2, ""},
		{"not an address", []string{"unknown"}, 1, ""},
		{"no header", nil, 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, forwardedFor(tt.headers, tt.hops))
		})
	}
}

func TestAnalyzeThenResult(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.verify(t, "ABC123", "device-a").Code)

	img := pngBytes(t)
	rec := s.do(analyzeRequest(t, "abc123", map[string][]byte{"child": img, "mother": img}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[analysisResponse](t, rec)
	require.True(t, got.Success)
	require.Len(t, got.AnalysisResults, len(analysis.FeatureParts))
	require.Equal(t, 30, got.FaceWidth)
	require.Equal(t, "/api/images/ABC123_child.png", got.Images["child"])
	require.Contains(t, got.Images, "mother")
	require.NotContains(t, got.Images, "father")

	// Second analysis is refused and the model is not called again.
	rec = s.do(analyzeRequest(t, "ABC123", map[string][]byte{"child": img, "father": img}))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, apperr.AlreadyConsumed.String(), decode[errorBody](t, rec).Code)
	require.Equal(t, 1, s.analyzer.calls)

	req := httptest.NewRequest(http.MethodGet, "/api/analyze/result", nil)
	req.Header.Set("Authorization", "Bearer ABC123")
	rec = s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	cached := decode[analysisResponse](t, rec)
	require.Equal(t, got.AnalysisResults, cached.AnalysisResults)
	require.Equal(t, got.Images, cached.Images)

	rec = s.do(httptest.NewRequest(http.MethodGet, cached.Images["child"], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, img, rec.Body.Bytes())

	rec = s.verify(t, "ABC123", "device-a")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, apperr.AlreadyConsumed.String(), decode[errorBody](t, rec).Code)
}

func TestAnalyze_Rejections(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.verify(t, "ABC123", "device-a").Code)
	img := pngBytes(t)

	rec := s.do(analyzeRequest(t, "", map[string][]byte{"child": img, "father": img}))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(analyzeRequest(t, "XYZ789", map[string][]byte{"child": img, "father": img}))
	require.Equal(t, http.StatusUnauthorized, rec.Code, "unused codes cannot analyze")

	rec = s.do(analyzeRequest(t, "ABC123", map[string][]byte{"child": img}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, apperr.InvalidRequest.String(), decode[errorBody](t, rec).Code)

	rec = s.do(analyzeRequest(t, "ABC123", map[string][]byte{"child": []byte("not an image"), "father": img}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, apperr.InvalidImage.String(), decode[errorBody](t, rec).Code)

	require.Zero(t, s.analyzer.calls)
}

func TestAnalyze_UploadTooLarge(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.MaxUpload = 1024 })
	require.Equal(t, http.StatusOK, s.verify(t, "ABC123", "device-a").Code)

	big := bytes.Repeat([]byte{0xff}, 4096)
	rec := s.do(analyzeRequest(t, "ABC123", map[string][]byte{"child": big, "father": big}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, s.analyzer.calls)
}

func TestAnalyze_UpstreamFailureKeepsCodeUsable(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.verify(t, "ABC123", "device-a").Code)
	s.analyzer.err = apperr.New(apperr.UpstreamUnavailable, "the analysis service is busy, please retry later")
	img := pngBytes(t)

	rec := s.do(analyzeRequest(t, "ABC123", map[string][]byte{"child": img, "father": img}))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "the analysis service is busy, please retry later", decode[errorBody](t, rec).Error)

	s.analyzer.err = nil
	rec = s.do(analyzeRequest(t, "ABC123", map[string][]byte{"child": img, "father": img}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestResult_NotFoundBeforeAnalysis(t *testing.T) {
	s := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, s.verify(t, "ABC123", "device-a").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/analyze/result", nil)
	req.Header.Set("Authorization", "Bearer ABC123")
	rec := s.do(req)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, apperr.NotFound.String(), decode[errorBody](t, rec).Code)
}

func TestBatchCreate(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"codes":["new001"," NEW002 ","ABC123",""]}`

	req := httptest.NewRequest(http.MethodPost, "/api/code/batch-create", strings.NewReader(body))
	require.Equal(t, http.StatusUnauthorized, s.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/code/batch-create", strings.NewReader(body))
	req.SetBasicAuth("admin", "wrong")
	require.Equal(t, http.StatusUnauthorized, s.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/api/code/batch-create", strings.NewReader(body))
	req.SetBasicAuth("admin", "secret")
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, batchCreateResponse{Success: true, Created: 2, Skipped: 1}, decode[batchCreateResponse](t, rec))

	require.Equal(t, http.StatusOK, s.verify(t, "NEW002", "device-z").Code)
}

func TestBatchCreate_DisabledWithoutPassword(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.AdminPassword = "" })
	req := httptest.NewRequest(http.MethodPost, "/api/code/batch-create", strings.NewReader(`{"codes":["A"]}`))
	req.SetBasicAuth("admin", "")
	require.Equal(t, http.StatusNotFound, s.do(req).Code)
}

func TestHealthAndCORS(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/health", "/api/health"} {
		rec := s.do(httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, map[string]string{"status": "ok"}, decode[map[string]string](t, rec))
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/code/verify", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := s.do(req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/code/verify", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = s.do(req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestBearerCode(t *testing.T) {
	tests := map[string]string{
		"Bearer ABC123":    "ABC123",
		"bearer  abc123 ":  "abc123",
		"Basic Zm9vOmJhcg": "",
		"Bearer":           "",
		"":                 "",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		require.Equal(t, want, bearerCode(req), header)
	}
}
