package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/apperr"
	"github.com/fpang/family-resemblance/internal/metrics"
	"github.com/fpang/family-resemblance/internal/ratelimit"
)

const requestIDHeader = "X-Request-Id"

// withRequestID tags each request with an ID (taken from the caller when
// present) and stores a request-scoped logger in the context.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		logger := log.Logger.With().Str("requestId", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

// withAccessLog logs API requests and records per-route latency metrics.
func withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}

		metrics.ObserveHTTP(route, r.Method, strconv.Itoa(status), elapsed.Seconds())
		metrics.New().
			Dimension("Endpoint", route).
			Metric("RequestLatencyMs", float64(elapsed.Milliseconds()), metrics.UnitMilliseconds).
			Count("RequestCount").
			Property("method", r.Method).
			Property("statusCode", status).
			Flush()

		if strings.HasPrefix(r.URL.Path, "/api/") {
			zerolog.Ctx(r.Context()).Info().
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("duration", elapsed).
				Msg("API request")
		}
	})
}

// withCORS allows the configured browser origins.
func withCORS(origins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader, "Retry-After"},
		AllowCredentials: true,
	}).Handler
}

// withClientIP resolves the caller address used for rate limiting. With no
// trusted proxies the socket peer is kept and forwarding headers are ignored.
// With n trusted proxies the n-th X-Forwarded-For entry from the right is
// used; entries left of it are client supplied.
func withClientIP(trustedHops int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if trustedHops <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip := forwardedFor(r.Header.Values("X-Forwarded-For"), trustedHops); ip != "" {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedFor(headers []string, hops int) string {
	var chain []string
	for _, h := range headers {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				chain = append(chain, part)
			}
		}
	}
	if hops <= 0 || len(chain) < hops {
		return ""
	}
	ip := net.ParseIP(chain[len(chain)-hops])
	if ip == nil {
		return ""
	}
	return ip.String()
}

// withRateLimit rejects callers that exceed the limiter's budget. Keys are
// the client IP as resolved by withClientIP.
func withRateLimit(l ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			d, err := l.Allow(r.Context(), key)
			if err != nil {
				// A broken limiter backend must not lock everyone out.
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				secs := retryAfterHeader(d.RetryAfter)
				w.Header().Set("Retry-After", secs)
				httpError(w, r, apperr.New(apperr.RateLimited, "too many attempts, please wait "+secs+" seconds and try again"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withAdminAuth guards the admin routes with HTTP Basic credentials compared
// in constant time.
func withAdminAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
			if !ok || !userOK || !passOK {
				w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
				httpError(w, r, apperr.New(apperr.Unauthorized, "admin authentication failed"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bearerCode extracts the redemption code from "Authorization: Bearer <code>".
func bearerCode(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func retryAfterHeader(d time.Duration) string {
	seconds := int(d.Round(time.Second).Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
