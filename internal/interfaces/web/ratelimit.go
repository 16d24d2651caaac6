package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const idleLimiter = 10 * time.Minute

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	every time.Duration
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
	swept   time.Time
}

// NewRateLimiter allows perMinute requests per client with bursts of burst.
// It returns nil, which disables limiting, when perMinute is not positive.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		every:   time.Minute / time.Duration(perMinute),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow takes a token from ip's bucket.
func (l *RateLimiter) Allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > idleLimiter {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > idleLimiter {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.lim.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limit rejects requests over the client's budget with 429.
func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	if s.Limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.Limiter.Allow(ip, s.Now()) {
			s.Log.Warn("rate limit exceeded", zap.String("ip", ip), zap.String("path", r.URL.Path))
			writeJSONError(w, http.StatusTooManyRequests, "too many requests, try again shortly")
			return
		}
		next(w, r)
	}
}
