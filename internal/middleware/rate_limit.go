package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimit 限制同一来源在固定窗口内的请求数量。
// 来源取自 RemoteAddr，需放在 chi 的 RealIP 之后才能识别代理后的客户端。
func RateLimit(maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	if maxRequests <= 0 || window <= 0 {
		return passthrough
	}

	limiter := newWindowLimiter(maxRequests, window, time.Now)
	retryAfter := strconv.Itoa(int(window.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				rateLimitedTotal.Inc()
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler {
	return next
}

type windowLimiter struct {
	mu          sync.Mutex
	clients     map[string]*clientCounter
	maxRequests int
	window      time.Duration
	now         func() time.Time
	nextSweep   time.Time
}

type clientCounter struct {
	count   int
	expires time.Time
}

func newWindowLimiter(maxRequests int, window time.Duration, now func() time.Time) *windowLimiter {
	return &windowLimiter{
		clients:     make(map[string]*clientCounter),
		maxRequests: maxRequests,
		window:      window,
		now:         now,
	}
}

func (l *windowLimiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextSweep) {
		l.sweepLocked(now)
		l.nextSweep = now.Add(l.window)
	}

	entry, ok := l.clients[key]
	if !ok || now.After(entry.expires) {
		l.clients[key] = &clientCounter{count: 1, expires: now.Add(l.window)}
		return true
	}
	if entry.count >= l.maxRequests {
		return false
	}
	entry.count++
	return true
}

func (l *windowLimiter) sweepLocked(now time.Time) {
	for key, entry := range l.clients {
		if now.After(entry.expires) {
			delete(l.clients, key)
		}
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
