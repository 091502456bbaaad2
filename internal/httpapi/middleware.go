package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/careerpulse/hub/internal/hub"
	"github.com/careerpulse/hub/internal/ratelimit"
)

type ctxKey int

const userIDKey ctxKey = 1

// userID returns the authenticated user id, empty on unauthenticated routes.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func clientIP(r *http.Request) string {
	// chi's RealIP middleware already rewrote RemoteAddr from the
	// forwarding headers.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// recoverer converts panics into 503s without killing the process.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeError(w, hub.E(hub.KindInternalUnavailable, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request and feeds the latency histogram.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		labels := map[string]string{
			"method": r.Method,
			"path":   routePattern(r),
			"status": strconv.Itoa(ww.Status()),
		}
		s.registry.IncrCounter("http.requests", 1, labels)
		s.registry.Observe("http.request_duration_ms", float64(elapsed.Milliseconds()), labels)

		evt := s.log.Info()
		if ww.Status() >= 500 {
			evt = s.log.Error()
		}
		evt.Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", elapsed).
			Str("ip", clientIP(r)).
			Msg("request")
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// limitBy applies a rate-limit scope keyed by the client IP.
func (s *Server) limitBy(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.enforce(w, r, next, scope, clientIP(r))
		})
	}
}

// limitGlobal applies the DDoS backstop across all callers.
func (s *Server) limitGlobal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.enforce(w, r, next, ratelimit.ScopeGlobalDDoS, "all")
	})
}

// limitUser applies a scope keyed by the authenticated user. Must run after
// requireAuth.
func (s *Server) limitUser(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := userID(r.Context())
			if id == "" {
				id = clientIP(r)
			}
			s.enforce(w, r, next, scope, id)
		})
	}
}

func (s *Server) enforce(w http.ResponseWriter, r *http.Request, next http.Handler, scope, identifier string) {
	d := s.limiter.Check(r.Context(), identifier, scope)
	if d.Status != ratelimit.Allowed {
		retry := int(d.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeError(w, hub.E(hub.KindRateLimited, "rate limit exceeded").
			WithDetails(map[string]interface{}{
				"scope":               scope,
				"retry_after_seconds": retry,
			}))
		return
	}
	if d.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	}
	next.ServeHTTP(w, r)
}

// requireAuth validates the bearer token and stores the subject in context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, hub.E(hub.KindUnauthorized, "missing bearer token"))
			return
		}
		sub, err := s.auth.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, sub)))
	})
}

// authorizeUser rejects requests whose body names a different user than the
// token subject. The hub never trusts client-asserted identity.
func (s *Server) authorizeUser(w http.ResponseWriter, r *http.Request, bodyUserID string) bool {
	sub := userID(r.Context())
	if bodyUserID != "" && bodyUserID != sub {
		writeError(w, hub.E(hub.KindForbidden, "user_id does not match token"))
		return false
	}
	return true
}
