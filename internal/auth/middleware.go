package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// Enabled controls whether auth is enforced
	Enabled bool

	// PublicPaths skip authentication. A path ending in "/" matches as a prefix.
	PublicPaths []string

	Logger *slog.Logger
}

// Middleware authenticates requests with a bearer token.
type Middleware struct {
	verifier    Verifier
	enabled     bool
	publicPaths map[string]bool
	prefixes    []string
	logger      *slog.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(verifier Verifier, cfg *MiddlewareConfig) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}
	m := &Middleware{
		verifier: verifier,
		enabled:  cfg.Enabled,
		publicPaths: map[string]bool{
			"/health":  true,
			"/healthz": true,
			"/ready":   true,
			"/metrics": true,
		},
		logger: cfg.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for _, p := range cfg.PublicPaths {
		if strings.HasSuffix(p, "/") {
			m.prefixes = append(m.prefixes, p)
			continue
		}
		m.publicPaths[p] = true
	}
	return m
}

func (m *Middleware) public(path string) bool {
	if m.publicPaths[path] {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Handler returns the auth middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || m.verifier == nil || m.public(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "missing authorization header")
			return
		}
		token := stripBearer(header)
		if token == header {
			unauthorized(w, "invalid authorization header format")
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Debug("token rejected", "path", r.URL.Path, "error", err)
			unauthorized(w, "invalid token")
			return
		}
		if claims.IsExpired() {
			unauthorized(w, "token expired")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// WithClaims stores claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// RequireRole rejects callers that neither hold role nor belong to a group of
// that name. When enforce is false the check is skipped, matching a server
// running without authentication.
func RequireRole(role string, enforce bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if enforce && role != "" {
				claims := GetClaims(r.Context())
				if claims == nil || !(claims.HasRole(role) || claims.HasGroup(role)) {
					writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="blueprint-engine"`)
	writeError(w, http.StatusUnauthorized, "unauthorized", message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}

// RateLimiter keeps one token bucket per client.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*client
	rps      rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
	lastTidy time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client rate limiter. rps is requests per
// second, burst is the maximum burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*client),
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
	}
}

// Allow reports whether key may make a request now. Buckets idle for longer
// than the idle window are dropped.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastTidy) > rl.idle {
		for k, c := range rl.clients {
			if now.Sub(c.lastSeen) > rl.idle {
				delete(rl.clients, k)
			}
		}
		rl.lastTidy = now
	}

	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Handler returns the rate limiting middleware handler. Authenticated
// callers are keyed by subject, anonymous ones by client IP.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientIP(r)
		if claims := GetClaims(r.Context()); claims != nil && claims.Subject != "" {
			key = "sub:" + claims.Subject
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating client address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
