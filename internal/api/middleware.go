package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/studio-brain/capabilities/internal/auth"
	"github.com/studio-brain/capabilities/internal/orchestrator"
	"github.com/studio-brain/capabilities/internal/ratelimit"
)

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const principalCtxKey contextKey = iota

// principalFromContext extracts the authenticated principal from the request context.
func principalFromContext(ctx context.Context) *auth.Principal {
	v, _ := ctx.Value(principalCtxKey).(*auth.Principal)
	return v
}

// --- Auth middleware ---

// authMiddleware resolves the caller from the admin token header, when
// configured, or from the bearer credential.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if adminHeader := r.Header.Get(auth.AdminTokenHeader); adminHeader != "" && d.AdminToken.Enabled() {
			if !d.AdminToken.Check(adminHeader) {
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Message: "Invalid admin token"})
				return
			}
			ctx := context.WithValue(r.Context(), principalCtxKey, auth.AdminPrincipal())
			next(w, r.WithContext(ctx))
			return
		}

		token, err := auth.ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Message: "Missing or invalid Authorization header"})
			return
		}
		if d.Verifier == nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Message: "Bearer authentication is not configured"})
			return
		}
		p, err := d.Verifier.Verify(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrAuthUnavailable) {
				d.Logger.Error("auth backend unavailable", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Message: "Authentication unavailable"})
				return
			}
			d.Logger.Warn("auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Message: "Invalid credentials"})
			return
		}

		ctx := context.WithValue(r.Context(), principalCtxKey, p)
		next(w, r.WithContext(ctx))
	}
}

// --- Endpoint throttle ---

// throttle applies the per-endpoint, per-principal minute limit. It runs
// after auth so the key is the verified uid.
func (d *Dependencies) throttle(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Limiter == nil {
			next(w, r)
			return
		}
		p := principalFromContext(r.Context())
		dec := d.Limiter.Allow(r.Context(), ratelimit.Key(endpoint, p.UID), d.EndpointLimit)
		if dec.Allowed {
			next(w, r)
			return
		}

		retry := dec.RetryAfterSeconds(time.Now())
		d.Logger.Info("endpoint rate limit triggered",
			zap.String("endpoint", endpoint),
			zap.String("uid", p.UID),
			zap.Int("count", dec.Count),
		)
		if d.Runtime != nil {
			d.Runtime.RecordRateLimit(r.Context(), p.UID, endpoint, dec.Count, dec.Limit)
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, ErrorResp{
			Message:           "Too many requests",
			ReasonCode:        "RATE_LIMITED",
			RetryAfterSeconds: retry,
		})
	}
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer. An empty
// body leaves v untouched.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// writeError maps runtime errors onto the shared error shape. Internal
// causes are logged, never returned.
func (d *Dependencies) writeError(w http.ResponseWriter, err error) {
	e, ok := orchestrator.AsError(err)
	if !ok {
		d.Logger.Error("unhandled error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Message: "internal error"})
		return
	}
	if e.Kind == orchestrator.KindInternal {
		d.Logger.Error("runtime error", zap.Error(e))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Message: "internal error"})
		return
	}
	status := statusForKind(e.Kind)
	if e.Kind == orchestrator.KindRateLimited && e.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfterSeconds))
	}
	writeJSON(w, status, ErrorResp{
		Message:           e.Message,
		ReasonCode:        e.ReasonCode,
		RetryAfterSeconds: e.RetryAfterSeconds,
	})
}

func statusForKind(k orchestrator.Kind) int {
	switch k {
	case orchestrator.KindValidation:
		return http.StatusBadRequest
	case orchestrator.KindNotFound:
		return http.StatusNotFound
	case orchestrator.KindForbidden:
		return http.StatusForbidden
	case orchestrator.KindConflict:
		return http.StatusConflict
	case orchestrator.KindRateLimited:
		return http.StatusTooManyRequests
	case orchestrator.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// queryInt parses an integer query parameter, returning def when absent or
// malformed.
func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

// corsMiddleware echoes the Origin back only when it is allow-listed. A
// "*" entry allows any origin.
func corsMiddleware(next http.Handler, allowed []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowed) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+auth.AdminTokenHeader)
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(origin string, allowed []string) bool {
	return slices.ContainsFunc(allowed, func(a string) bool {
		return a == "*" || strings.EqualFold(strings.TrimRight(a, "/"), origin)
	})
}
