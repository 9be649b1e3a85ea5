// Package api is the HTTP transport for code redemption and analysis.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"github.com/fpang/family-resemblance/internal/artifact"
	"github.com/fpang/family-resemblance/internal/metrics"
	"github.com/fpang/family-resemblance/internal/pipeline"
	"github.com/fpang/family-resemblance/internal/ratelimit"
	"github.com/fpang/family-resemblance/internal/redeem"
)

// Defaults applied when Options leaves a limit unset.
const (
	DefaultMaxUpload    = 32 << 20
	DefaultVerifyLimit  = 10
	DefaultVerifyWindow = time.Minute
)

// Options configures the router.
type Options struct {
	Machine   *redeem.Machine
	Pipeline  *pipeline.Pipeline
	Artifacts artifact.Store
	Limiter   ratelimit.Limiter

	// ImageDir, when set, is served under artifact.DefaultURLPrefix.
	ImageDir string

	AdminUsername string
	AdminPassword string

	CORSOrigins []string
	MaxUpload   int64

	// TrustedProxyHops is the number of reverse proxies in front of the
	// service that append to X-Forwarded-For. Zero keys clients by the
	// socket peer address.
	TrustedProxyHops int

	// Metrics mounts the Prometheus scrape endpoint at /metrics.
	Metrics bool
}

// Server holds the handler dependencies.
type Server struct {
	machine   *redeem.Machine
	pipeline  *pipeline.Pipeline
	artifacts artifact.Store
	maxUpload int64
}

// NewRouter builds the HTTP handler for the service. Admin routes are only
// mounted when an admin password is configured.
func NewRouter(opts Options) http.Handler {
	s := &Server{
		machine:   opts.Machine,
		pipeline:  opts.Pipeline,
		artifacts: opts.Artifacts,
		maxUpload: opts.MaxUpload,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUpload
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMemory(DefaultVerifyLimit, DefaultVerifyWindow)
	}

	r := chi.NewRouter()
	r.Use(withClientIP(opts.TrustedProxyHops))
	r.Use(withRequestID)
	r.Use(withAccessLog)
	r.Use(middleware.Recoverer)
	r.Use(withCORS(opts.CORSOrigins))

	r.Get("/health", handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handleHealth)

		r.Route("/code", func(r chi.Router) {
			r.With(withRateLimit(limiter)).Post("/verify", s.handleVerify)
			r.Get("/status", s.handleStatus)
			if opts.AdminPassword != "" {
				r.With(withAdminAuth(opts.AdminUsername, opts.AdminPassword)).Post("/batch-create", s.handleBatchCreate)
			}
		})

		r.Post("/analyze", s.handleAnalyze)
		r.Get("/analyze/result", s.handleResult)

		if opts.ImageDir != "" {
			fs := http.StripPrefix(artifact.DefaultURLPrefix, http.FileServer(http.Dir(opts.ImageDir)))
			r.Get("/images/*", func(w http.ResponseWriter, r *http.Request) {
				if strings.HasSuffix(r.URL.Path, "/") {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("X-Content-Type-Options", "nosniff")
				fs.ServeHTTP(w, r)
			})
		}
	})

	if opts.Metrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	return gzhttp.GzipHandler(r)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
