// Package ratelimit caps concurrent sockets and login attempts per
// client IP for the reference backend.
package ratelimit

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const authWindow = time.Minute

type RateLimiter struct {
	mu           sync.RWMutex
	connections  map[string]int
	authAttempts map[string][]time.Time
	maxConns     int
	maxAuth      int
}

// New reads MAX_CONNECTIONS_PER_IP and AUTH_ATTEMPTS_PER_MIN from the
// environment and starts the background sweep of stale auth attempts.
func New() *RateLimiter {
	rl := &RateLimiter{
		connections:  make(map[string]int),
		authAttempts: make(map[string][]time.Time),
		maxConns:     envInt("MAX_CONNECTIONS_PER_IP", 10),
		maxAuth:      envInt("AUTH_ATTEMPTS_PER_MIN", 5),
	}

	go func() {
		for {
			time.Sleep(authWindow)
			rl.sweep()
		}
	}()

	return rl
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-authWindow)
	for ip, attempts := range rl.authAttempts {
		valid := attempts[:0]
		for _, t := range attempts {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(rl.authAttempts, ip)
		} else {
			rl.authAttempts[ip] = valid
		}
	}
}

func (rl *RateLimiter) CanConnect(ip string) bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.connections[ip] < rl.maxConns
}

func (rl *RateLimiter) AddConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]++
}

func (rl *RateLimiter) RemoveConnection(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.connections[ip]--
	if rl.connections[ip] <= 0 {
		delete(rl.connections, ip)
	}
}

// CanAuth records the attempt when it is allowed, so callers must only
// invoke it once per login request.
func (rl *RateLimiter) CanAuth(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-authWindow)
	recent := rl.authAttempts[ip][:0]
	for _, t := range rl.authAttempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxAuth {
		rl.authAttempts[ip] = recent
		return false
	}

	rl.authAttempts[ip] = append(recent, time.Now())
	return true
}

// GetClientIP honors reverse-proxy headers before falling back to the
// socket address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, _ := net.SplitHostPort(r.RemoteAddr)
	return ip
}
