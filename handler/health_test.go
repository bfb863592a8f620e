package handler

import (
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"io"

	"github.com/IndigoNakamoto/litecoin-knowledge-hub/guard/store"
)

func testHealthHandler(t *testing.T) (*HealthHandler, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewWithClient(rdb, zerolog.New(io.Discard))
	return NewHealthHandler(s), mr
}

func TestHealthLiveAlwaysOK(t *testing.T) {
	h, _ := testHealthHandler(t)
	rec := httptest.NewRecorder()
	h.Live(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthReadyOKWhenStoreReachable(t *testing.T) {
	h, _ := testHealthHandler(t)
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHealthReadyUnavailableWhenStoreDown(t *testing.T) {
	h, mr := testHealthHandler(t)
	mr.Close()
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthDetailedReportsStoreDependency(t *testing.T) {
	h, _ := testHealthHandler(t)
	rec := httptest.NewRecorder()
	h.Detailed(rec, httptest.NewRequest("GET", "/health/detailed", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
