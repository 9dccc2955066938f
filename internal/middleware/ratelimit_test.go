package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToRate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.allow("192.0.2.10") {
			t.Fatalf("request %d within rate was rejected", i+1)
		}
	}
	if rl.allow("192.0.2.10") {
		t.Fatalf("request above rate was allowed")
	}
}

func TestRateLimiterTracksIPsIndependently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1, time.Minute)
	if !rl.allow("192.0.2.10") {
		t.Fatalf("first request from first IP was rejected")
	}
	if !rl.allow("192.0.2.11") {
		t.Fatalf("first request from second IP was rejected")
	}
	if rl.allow("192.0.2.10") {
		t.Fatalf("second request from first IP was allowed")
	}
}

func TestRateLimiterMiddlewareRejectsWith429(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 1, time.Minute)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest("POST", "http://localhost/api/upload/image", nil)
		req.RemoteAddr = "192.0.2.10:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: got status %d, want %d", i+1, rec.Code, want)
		}
	}
}

func TestRateLimiterGetIPStripsPort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 10, time.Minute)
	req := httptest.NewRequest("GET", "http://localhost", nil)
	req.RemoteAddr = "192.0.2.10:54321"

	if got := rl.getIP(req); got != "192.0.2.10" {
		t.Fatalf("expected bare remote IP, got %q", got)
	}
}
