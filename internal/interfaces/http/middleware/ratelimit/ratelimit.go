// Package ratelimit throttles unauthenticated endpoints per client IP.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	httperrors "github.com/manorfm/gitlab-mcp-proxy/internal/interfaces/http/errors"
	"golang.org/x/time/rate"
)

const cleanupInterval = time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// held counts tokens reserved by checks still in flight
	held int
}

type RateLimiter struct {
	visitors map[string]*clientLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

func NewRateLimiter(r rate.Limit, b int, ttl time.Duration) *RateLimiter {
	rl := newRateLimiter(r, b, ttl)
	go rl.cleanupVisitors(cleanupInterval)
	return rl
}

func newRateLimiter(r rate.Limit, b int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors: make(map[string]*clientLimiter),
		rate:     r,
		burst:    b,
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.visitor(ip).limiter
}

// visitor must be called with rl.mu held
func (rl *RateLimiter) visitor(ip string) *clientLimiter {
	if v, exists := rl.visitors[ip]; exists {
		v.lastSeen = time.Now()
		return v
	}

	v := &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst), lastSeen: time.Now()}
	rl.visitors[ip] = v
	return v
}

func (rl *RateLimiter) cleanupVisitors(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.removeStale(time.Now())
		}
	}
}

func (rl *RateLimiter) removeStale(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if v.held == 0 && now.Sub(v.lastSeen) > rl.ttl {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := rl.getVisitor(clientIP(r))
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			httperrors.RespondWithError(w, httperrors.ErrCodeTooManyRequests, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Reserve holds one token from the caller's bucket for the length of an
// expensive check. ok is false when every available token is already spent or
// held. settle must be called once: settle(true) spends the held token and
// settle(false) hands it back, so only failed checks drain the bucket.
func (rl *RateLimiter) Reserve(r *http.Request) (settle func(spend bool), ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v := rl.visitor(clientIP(r))
	if v.limiter.Tokens() < float64(v.held+1) {
		return func(bool) {}, false
	}
	v.held++

	var once sync.Once
	return func(spend bool) {
		once.Do(func() {
			rl.mu.Lock()
			defer rl.mu.Unlock()
			v.held--
			if spend {
				v.limiter.Allow()
			}
		})
	}, true
}

// clientIP accepts RemoteAddr with or without a port; chi's RealIP strips it
func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}
