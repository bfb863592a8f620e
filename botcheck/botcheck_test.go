package botcheck

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestVerifyMissingTokenFailsFast(t *testing.T) {
	v := New("secret", "http://unused.invalid", zerolog.New(io.Discard))
	res := v.Verify(context.Background(), "", "1.2.3.4")
	if res.Success {
		t.Fatal("expected failure for empty token")
	}
	if res.Reason != "missing_token" {
		t.Fatalf("expected reason missing_token, got %q", res.Reason)
	}
}

func TestVerifySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(verifyResponse{Success: true})
	}))
	defer srv.Close()

	v := New("secret", srv.URL, zerolog.New(io.Discard))
	res := v.Verify(context.Background(), "valid-token", "1.2.3.4")
	if !res.Success {
		t.Fatalf("expected success, got reason %q", res.Reason)
	}
}

func TestVerifyFailureReportsErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(verifyResponse{Success: false, ErrorCodes: []string{"invalid-input-response"}})
	}))
	defer srv.Close()

	v := New("secret", srv.URL, zerolog.New(io.Discard))
	res := v.Verify(context.Background(), "bad-token", "1.2.3.4")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Reason != "invalid-input-response" {
		t.Fatalf("expected reason invalid-input-response, got %q", res.Reason)
	}
}

func TestVerifyNonOKStatusCollapsesToUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	v := New("secret", srv.URL, zerolog.New(io.Discard))
	res := v.Verify(context.Background(), "token", "1.2.3.4")
	if res.Success {
		t.Fatal("expected failure on non-200")
	}
	if res.Reason != "unreachable" {
		t.Fatalf("expected reason unreachable, got %q", res.Reason)
	}
}

func TestVerifyUnparseableBodyCollapsesToUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	v := New("secret", srv.URL, zerolog.New(io.Discard))
	res := v.Verify(context.Background(), "token", "1.2.3.4")
	if res.Success {
		t.Fatal("expected failure on unparseable body")
	}
	if res.Reason != "unreachable" {
		t.Fatalf("expected reason unreachable, got %q", res.Reason)
	}
}

func TestVerifyNeverReturnsError(t *testing.T) {
	// network failure path: point at a closed connection.
	v := New("secret", "http://127.0.0.1:1", zerolog.New(io.Discard))
	res := v.Verify(context.Background(), "token", "1.2.3.4")
	if res.Success {
		t.Fatal("expected failure for an unreachable endpoint")
	}
	if res.Reason != "unreachable" {
		t.Fatalf("expected reason unreachable, got %q", res.Reason)
	}
}
