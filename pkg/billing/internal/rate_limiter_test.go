package internal

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRateLimiter_AllowsBurstThenLimits(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(5, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("Expected 6th request to be rate limited")
	}
	if !limiter.allow("10.0.0.2") {
		t.Error("Expected a different IP to have its own bucket")
	}

	// One token refills every 12 seconds.
	now = now.Add(13 * time.Second)
	if !limiter.allow("10.0.0.1") {
		t.Error("Expected a refilled token after 13s")
	}
}

func TestRateLimiter_CleanupRemovesIdleBuckets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(10, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		limiter.allow("192.168.1." + strings.Repeat("1", i%5+1))
	}
	if len(limiter.limiters) == 0 {
		t.Fatal("Expected buckets after requests")
	}

	now = now.Add(3 * time.Minute)
	limiter.Cleanup()
	if len(limiter.limiters) != 0 {
		t.Errorf("Expected idle buckets to be removed, got %d", len(limiter.limiters))
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "198.51.100.4:443"
	if got := GetClientIP(req); got != "198.51.100.4" {
		t.Errorf("GetClientIP = %q", got)
	}

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := GetClientIP(req); got != "203.0.113.9" {
		t.Errorf("GetClientIP with XFF = %q", got)
	}
}

func TestReadBodyStrict(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"ok":true}`)))
	body, err := ReadBodyStrict(rec, req, 1024)
	if err != nil || string(body) != `{"ok":true}` {
		t.Fatalf("ReadBodyStrict = %q, %v", body, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 2048)))
	_, err = ReadBodyStrict(rec, req, 1024)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	_, err = ReadBodyStrict(rec, req, 1024)
	if !errors.Is(err, ErrEmptyBody) {
		t.Errorf("Expected ErrEmptyBody, got %v", err)
	}
}
