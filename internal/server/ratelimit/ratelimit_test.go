package ratelimit

import (
	"net/http"
	"testing"
	"time"
)

func newTestLimiter(maxConns, maxAuth int) *RateLimiter {
	return &RateLimiter{
		connections:  make(map[string]int),
		authAttempts: make(map[string][]time.Time),
		maxConns:     maxConns,
		maxAuth:      maxAuth,
	}
}

func TestConnectionCap(t *testing.T) {
	rl := newTestLimiter(2, 5)

	if !rl.CanConnect("1.2.3.4") {
		t.Fatal("expected first connection to be allowed")
	}
	rl.AddConnection("1.2.3.4")
	rl.AddConnection("1.2.3.4")

	if rl.CanConnect("1.2.3.4") {
		t.Error("expected third connection to be rejected")
	}
	if !rl.CanConnect("5.6.7.8") {
		t.Error("expected other IPs to be unaffected")
	}

	rl.RemoveConnection("1.2.3.4")
	if !rl.CanConnect("1.2.3.4") {
		t.Error("expected connection slot to free up")
	}
}

func TestRemoveConnectionBelowZero(t *testing.T) {
	rl := newTestLimiter(2, 5)
	rl.RemoveConnection("1.2.3.4")
	rl.RemoveConnection("1.2.3.4")

	if !rl.CanConnect("1.2.3.4") {
		t.Error("expected count to never go negative")
	}
}

func TestAuthAttemptWindow(t *testing.T) {
	rl := newTestLimiter(10, 3)

	for i := 0; i < 3; i++ {
		if !rl.CanAuth("1.2.3.4") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if rl.CanAuth("1.2.3.4") {
		t.Error("expected fourth attempt in the window to be rejected")
	}
	if !rl.CanAuth("5.6.7.8") {
		t.Error("expected other IPs to be unaffected")
	}

	// Age the recorded attempts past the window.
	rl.mu.Lock()
	aged := make([]time.Time, 0, 3)
	for range rl.authAttempts["1.2.3.4"] {
		aged = append(aged, time.Now().Add(-2*time.Minute))
	}
	rl.authAttempts["1.2.3.4"] = aged
	rl.mu.Unlock()

	if !rl.CanAuth("1.2.3.4") {
		t.Error("expected attempts outside the window to be forgotten")
	}
}

func TestSweepDropsStaleEntries(t *testing.T) {
	rl := newTestLimiter(10, 3)
	rl.authAttempts["1.2.3.4"] = []time.Time{time.Now().Add(-2 * time.Minute)}

	rl.sweep()

	rl.mu.RLock()
	_, ok := rl.authAttempts["1.2.3.4"]
	rl.mu.RUnlock()
	if ok {
		t.Error("expected stale entry to be removed")
	}
}

func TestGetClientIP(t *testing.T) {
	r, _ := http.NewRequest("GET", "/", nil)
	r.RemoteAddr = "9.9.9.9:1234"

	if ip := GetClientIP(r); ip != "9.9.9.9" {
		t.Errorf("got %q, want socket address", ip)
	}

	r.Header.Set("X-Real-IP", "2.2.2.2")
	if ip := GetClientIP(r); ip != "2.2.2.2" {
		t.Errorf("got %q, want X-Real-IP", ip)
	}

	r.Header.Set("X-Forwarded-For", "1.1.1.1")
	if ip := GetClientIP(r); ip != "1.1.1.1" {
		t.Errorf("got %q, want X-Forwarded-For", ip)
	}
}
