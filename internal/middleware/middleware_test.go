package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benvon/liftlog/internal/request"
	"github.com/benvon/liftlog/internal/services/session"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequireSession(t *testing.T) {
	t.Parallel()

	resolver := request.NewResolver(session.Static{"good-token": "u-1"}, "", nil)
	next := &countingHandler{}
	h := RequireSession(resolver, zap.NewNop())(next)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"no session", "", http.StatusUnauthorized},
		{"bad session", "forged", http.StatusUnauthorized},
		{"good session", "good-token", http.StatusOK},
	}
	for _, tt := range tests {
		resp := serve(h, newRequest("1.2.3.4", browserUA, tt.token))
		_ = resp.Body.Close()
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: expected status %d, got %d", tt.name, tt.wantStatus, resp.StatusCode)
		}
	}
	if next.calls.Load() != 1 {
		t.Errorf("Expected handler to run once, ran %d", next.calls.Load())
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = request.RequestIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("Expected generated UUID, got %q", seen)
	}
	if w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Expected response header %q, got %q", seen, w.Header().Get(RequestIDHeader))
	}

	inbound := uuid.NewString()
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, inbound)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != inbound {
		t.Errorf("Expected inbound ID %q to be reused, got %q", inbound, seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "<script>")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "<script>" {
		t.Error("Expected malformed inbound ID to be replaced")
	}
}

func TestParseOrigins(t *testing.T) {
	t.Parallel()

	got := ParseOrigins(" https://app.liftlog.io , http://localhost:3000,,https://app.liftlog.io")
	want := []string{"http://localhost:3000", "https://app.liftlog.io"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("ParseOrigins() = %v, want %v", got, want)
	}
}

func TestCORS_ExposesRateLimitHeaders(t *testing.T) {
	t.Parallel()

	h := CORSFromEnv("https://app.liftlog.io")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/auth/verify", nil)
	req.Header.Set("Origin", "https://app.liftlog.io")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.liftlog.io" {
		t.Errorf("Expected allowed origin, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials allowed, got %q", got)
	}
	if got := w.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(strings.ToLower(got), "x-ratelimit-remaining") {
		t.Errorf("Expected rate limit headers exposed, got %q", got)
	}

	req = httptest.NewRequest("GET", "/api/auth/verify", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected disallowed origin to get no CORS headers, got %q", got)
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := SecurityHeaders(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected nosniff header")
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("Expected no HSTS over plain HTTP")
	}

	req := httptest.NewRequest("GET", "https://api.liftlog.io/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("Expected HSTS over TLS")
	}
}

func TestMaxRequestSize(t *testing.T) {
	t.Parallel()

	h := MaxRequestSize(8, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest("POST", "/", strings.NewReader("0123456789"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", w.Code)
	}
}

func TestAudit_LogsRateLimitViolations(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	h := Audit(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(headerReset, "1700000060000")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	resp := serve(h, newRequest("1.2.3.4", botUA, ""))
	_ = resp.Body.Close()

	entries := logs.FilterMessage("rate_limit_violation").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 rate_limit_violation entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["ip"] != "1.2.3.4" || fields["browser"] != false || fields["reset_at"] != "1700000060000" {
		t.Errorf("Unexpected audit fields: %v", fields)
	}

	h = Audit(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	resp = serve(h, newRequest("1.2.3.4", browserUA, ""))
	_ = resp.Body.Close()
	if logs.FilterMessage("security_event").Len() != 1 {
		t.Error("Expected security_event for 401")
	}
}

func TestTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	defer close(block)
	h := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-block:
		}
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Request timed out") {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
}
