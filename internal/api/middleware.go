package api

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/doravidan/vibing2-sub003/internal/metrics"
)

// RequestIDMiddleware tags the request with X-Request-ID, generating one
// when the caller did not send it.
func (h *Handlers) RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDKey, id)))
	})
}

// allowOrigin reports whether a browser origin may call the API. Requests
// without an Origin header are not cross-origin and always pass.
func (h *Handlers) allowOrigin(origin string) bool {
	if origin == "" || len(h.config.CORSOrigins) == 0 {
		return true
	}
	return slices.Contains(h.config.CORSOrigins, "*") || slices.Contains(h.config.CORSOrigins, origin)
}

// CORSMiddleware answers preflight requests and sets CORS headers for
// allowed origins. It must wrap the router: mux does not run middleware for
// OPTIONS requests that match no route.
func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		w.Header().Add("Vary", "Origin")
		if origin != "" && h.allowOrigin(origin) {
			hdr := w.Header()
			hdr.Set("Access-Control-Allow-Origin", origin)
			hdr.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			hdr.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, Last-Event-ID")
			hdr.Set("Access-Control-Expose-Headers", "X-Request-ID")
			hdr.Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware records one log line and the HTTP metrics per request.
// Server errors log at error, client errors at warn.
func (h *Handlers) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		if quiet(r.URL.Path) {
			return
		}

		elapsed := time.Since(start)
		route := routeTemplate(r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case rw.statusCode >= 500:
			level = slog.LevelError
		case rw.statusCode >= 400:
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("request_id", GetRequestID(r.Context(), r)),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", rw.statusCode),
			slog.Duration("duration", elapsed),
		}
		if id, ok := mux.Vars(r)["id"]; ok && strings.HasPrefix(route, "/api/v1/workflows/") {
			attrs = append(attrs, slog.String("workflow_id", id))
		}
		h.logger.LogAttrs(r.Context(), level, "request", attrs...)
	})
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func (h *Handlers) RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.Error("handler panic",
				slog.Any("panic", rec),
				slog.String("route", routeTemplate(r)),
				slog.String("request_id", GetRequestID(r.Context(), r)),
				slog.String("stack", string(debug.Stack())),
			)
			writeErrorResponse(w, r, http.StatusInternalServerError, "internal server error", nil)
		}()
		next.ServeHTTP(w, r)
	})
}

// clientIdle is how long an unused client bucket is kept.
const clientIdle = 5 * time.Minute

// RateLimiter gives every client address its own token bucket.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateLimiter allows each client rps requests per second with bursts of
// up to burst requests.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:       rate.Limit(rps),
		burst:     max(burst, 1),
		clients:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

// Allow reports whether the client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.lastSweep) > clientIdle {
		for k, b := range rl.clients {
			if now.Sub(b.seen) > clientIdle {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}

	b, ok := rl.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[client] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// Handler rejects requests over the client's rate with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !quiet(r.URL.Path) && !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", strconv.Itoa(int(max(1, 1/float64(rl.rps)))))
			writeErrorResponse(w, r, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey identifies the caller by the first X-Forwarded-For hop or the
// remote host.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TracingMiddleware opens a server span per request named after the route.
func TracingMiddleware(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "orchestrator.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
		otelhttp.WithFilter(func(r *http.Request) bool { return !quiet(r.URL.Path) }),
	)
}

// quiet reports health and scrape paths, which are neither logged, limited
// nor traced.
func quiet(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

// routeTemplate is the matched mux path template. Unmatched requests share
// one label so arbitrary paths cannot grow metric cardinality.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// responseWriter records the status code. Flush and Hijack pass through so
// event streams and websocket upgrades work behind the middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
