package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAdminAuthMiddlewareRejectsMissingToken(t *testing.T) {
	cfg := &config.Config{AdminToken: "secret-1"}
	m := NewAdminAuthMiddleware(zerolog.New(io.Discard), cfg)

	req := httptest.NewRequest("GET", "/api/v1/admin/status", nil)
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminAuthMiddlewareAcceptsRotatedToken(t *testing.T) {
	cfg := &config.Config{AdminToken: "secret-new, secret-old"}
	m := NewAdminAuthMiddleware(zerolog.New(io.Discard), cfg)

	var authenticated bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authenticated = IsAdminAuthenticated(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/api/v1/admin/status", nil)
	req.Header.Set("Authorization", "Bearer secret-old")
	rec := httptest.NewRecorder()
	m.Handler(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !authenticated {
		t.Fatal("expected IsAdminAuthenticated to report true in the downstream handler")
	}
}

func TestAdminAuthMiddlewareRejectsWrongToken(t *testing.T) {
	cfg := &config.Config{AdminToken: "secret-1"}
	m := NewAdminAuthMiddleware(zerolog.New(io.Discard), cfg)

	req := httptest.NewRequest("GET", "/api/v1/admin/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestIsAdminAuthenticatedFalseOnBareContext(t *testing.T) {
	if IsAdminAuthenticated(context.Background()) {
		t.Fatal("expected false on a context with no auth marker")
	}
}

func TestCORSMiddlewareAllowsConfiguredOrigin(t *testing.T) {
	mw := CORSMiddleware([]string{"https://example.com"})
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://example.com" {
		t.Fatalf("expected origin echoed back, got %q", got)
	}
}

func TestCORSMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	mw := CORSMiddleware([]string{"https://example.com"})
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS header for an unlisted origin, got %q", got)
	}
}

func TestCORSMiddlewareHandlesPreflight(t *testing.T) {
	mw := CORSMiddleware([]string{"*"})
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a preflight request, got %d", rec.Code)
	}
}

func TestSecurityHeadersMiddlewareSetsHSTSOnlyInProduction(t *testing.T) {
	prodCfg := &config.Config{Env: "production"}
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	SecurityHeadersMiddleware(prodCfg)(okHandler()).ServeHTTP(rec, req)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("expected HSTS header in production")
	}

	devCfg := &config.Config{Env: "development"}
	rec2 := httptest.NewRecorder()
	SecurityHeadersMiddleware(devCfg)(okHandler()).ServeHTTP(rec2, req)
	if rec2.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("expected no HSTS header in development")
	}
}

func TestRequestIDMiddlewareGeneratesWhenAbsent(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	RequestIDMiddleware(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got == "" {
		t.Fatal("expected a generated X-Request-ID header")
	}
}

func TestRequestIDMiddlewarePreservesExisting(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	RequestIDMiddleware(okHandler()).ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "caller-supplied-id" {
		t.Fatalf("expected caller-supplied id preserved, got %q", got)
	}
}

func TestLocalRateLimiterAllowsWithinBurst(t *testing.T) {
	l := NewLocalRateLimiter(1, 2)
	req := httptest.NewRequest("GET", "/healthz", nil)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		l.Handler(okHandler()).ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected request %d within burst to succeed, got %d", i, rec.Code)
		}
	}
}

func TestLocalRateLimiterRejectsOverBurst(t *testing.T) {
	l := NewLocalRateLimiter(0.001, 1)
	req := httptest.NewRequest("GET", "/healthz", nil)

	rec1 := httptest.NewRecorder()
	l.Handler(okHandler()).ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	l.Handler(okHandler()).ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rejected, got %d", rec2.Code)
	}
}

func TestTimeoutMiddlewarePassesThroughFastHandler(t *testing.T) {
	tm := NewTimeoutMiddleware(zerolog.New(io.Discard), time.Second)
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	tm.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTimeoutMiddlewareCutsSlowHandler(t *testing.T) {
	tm := NewTimeoutMiddleware(zerolog.New(io.Discard), 20*time.Millisecond)
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	tm.Handler(slow).ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on timeout, got %d", rec.Code)
	}
}

func TestTimeoutMiddlewareZeroTimeoutDisablesEnforcement(t *testing.T) {
	tm := NewTimeoutMiddleware(zerolog.New(io.Discard), 0)
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	tm.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with enforcement disabled, got %d", rec.Code)
	}
}
