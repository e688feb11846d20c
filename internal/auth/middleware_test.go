package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeVerifier struct {
	verifyFn func(ctx context.Context, raw string) (*Claims, error)
}

func (f *fakeVerifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	return f.verifyFn(ctx, raw)
}

func tokenVerifier() *fakeVerifier {
	return &fakeVerifier{verifyFn: func(_ context.Context, raw string) (*Claims, error) {
		switch raw {
		case "good":
			return &Claims{Subject: "u1", Email: "u1@example.com", Roles: []string{"approver"}}, nil
		case "viewer":
			return &Claims{Subject: "u2"}, nil
		case "stale":
			return &Claims{Subject: "u3", Expiry: time.Now().Add(-time.Minute)}, nil
		}
		return nil, errors.New("bad token")
	}}
}

func TestMiddleware(t *testing.T) {
	m := NewMiddleware(tokenVerifier(), &MiddlewareConfig{
		Enabled:     true,
		PublicPaths: []string{"/api/v1/approvals/"},
	})
	var seen *Claims
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClaims(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		path     string
		header   string
		wantCode int
		wantSub  string
	}{
		{"valid token", "/api/v1/runs", "Bearer good", http.StatusNoContent, "u1"},
		{"lowercase scheme", "/api/v1/runs", "bearer good", http.StatusNoContent, "u1"},
		{"missing header", "/api/v1/runs", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "/api/v1/runs", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", "/api/v1/runs", "Bearer nope", http.StatusUnauthorized, ""},
		{"expired", "/api/v1/runs", "Bearer stale", http.StatusUnauthorized, ""},
		{"health is public", "/health", "", http.StatusNoContent, ""},
		{"public prefix", "/api/v1/approvals/tok", "", http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Code == http.StatusUnauthorized {
				var body map[string]string
				if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if body["code"] != "unauthorized" || body["error"] == "" {
					t.Errorf("body = %v", body)
				}
				return
			}
			if tt.wantSub == "" && seen != nil {
				t.Errorf("unexpected claims %+v", seen)
			}
			if tt.wantSub != "" && (seen == nil || seen.Subject != tt.wantSub) {
				t.Errorf("claims = %+v, want subject %s", seen, tt.wantSub)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	m := NewMiddleware(tokenVerifier(), &MiddlewareConfig{Enabled: false})
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name    string
		claims  *Claims
		enforce bool
		want    int
	}{
		{"approver", &Claims{Subject: "a", Roles: []string{"approver"}}, true, http.StatusOK},
		{"approver group", &Claims{Subject: "g", Groups: []string{"approver"}}, true, http.StatusOK},
		{"missing role", &Claims{Subject: "b", Roles: []string{"viewer"}, Groups: []string{"staff"}}, true, http.StatusForbidden},
		{"anonymous", nil, true, http.StatusForbidden},
		{"not enforced", nil, false, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.claims != nil {
				req = req.WithContext(WithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			RequireRole("approver", tt.enforce)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Unix(1700000000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if !rl.Allow("a") {
			t.Fatalf("request %d should pass", i)
		}
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("other client should have its own bucket")
	}

	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Error("bucket should refill")
	}

	now = now.Add(time.Hour)
	rl.Allow("c")
	if got := rl.Len(); got != 1 {
		t.Errorf("idle clients kept: %d", got)
	}
}

func TestRateLimiterHandler(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	h := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	send := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if code := send("10.0.0.1:5000"); code != http.StatusOK {
		t.Fatalf("first = %d", code)
	}
	if code := send("10.0.0.1:5001"); code != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", code)
	}
	if code := send("10.0.0.2:5000"); code != http.StatusOK {
		t.Errorf("other ip = %d", code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "10.0.0.1:80", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": "5.6.7.8"}, "10.0.0.1:80", "5.6.7.8"},
		{"remote", nil, "9.9.9.9:1234", "9.9.9.9"},
		{"ipv6", nil, "[::1]:1234", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
