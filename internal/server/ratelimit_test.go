package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(0.001, 3, false)

	for i := 0; i < 3; i++ {
		if !rl.Allow("192.168.1.1") {
			t.Errorf("request %d should be allowed (within burst)", i+1)
		}
	}
	if rl.Allow("192.168.1.1") {
		t.Error("request 4 should be denied (burst exhausted)")
	}

	// Other clients have their own bucket.
	if !rl.Allow("192.168.1.2") {
		t.Error("second IP should be allowed")
	}
	if rl.Len() != 2 {
		t.Errorf("expected 2 tracked clients, got %d", rl.Len())
	}
}

func TestRateLimiter_Replenish(t *testing.T) {
	rl := NewRateLimiter(100, 1, false)

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatal("second immediate request should be denied")
	}
	time.Sleep(50 * time.Millisecond)
	if !rl.Allow("10.0.0.1") {
		t.Error("request should be allowed after tokens replenish")
	}
}

func TestRateLimiter_MinimumBurst(t *testing.T) {
	rl := NewRateLimiter(1, 0, false)
	if !rl.Allow("10.0.0.1") {
		t.Error("a zero burst should be raised to one")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, false)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.Allow("10.0.0.1")
	now = now.Add(20 * time.Minute)
	rl.Allow("10.0.0.2")

	rl.Cleanup(limiterIdleTimeout)

	if rl.Len() != 1 {
		t.Fatalf("expected 1 client after cleanup, got %d", rl.Len())
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, false)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "203.0.113.7:51234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("expected Retry-After header")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{name: "ipv4 remote addr", remoteAddr: "192.168.1.1:1234", want: "192.168.1.1"},
		{name: "ipv6 remote addr", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "no port", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
		{
			name:       "forwarded header ignored without trust",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			want:       "10.0.0.1",
		},
		{
			name:       "first forwarded address with trust",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.2"},
			trustProxy: true,
			want:       "203.0.113.1",
		},
		{
			name:       "real ip with trust",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Real-IP": "203.0.113.9"},
			trustProxy: true,
			want:       "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
