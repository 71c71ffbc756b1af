package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/feed-ranker/pkg/errors"
	"golang.org/x/time/rate"
)

// HeaderViewerID lets POST clients name the viewer for rate limiting
// without the middleware reading the body.
const HeaderViewerID = "X-Viewer-ID"

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is a per-viewer token bucket: requests per window, refilled
// continuously, with a burst of the full window allowance.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
}

func NewLimiter(requests int, window time.Duration) *Limiter {
	if requests <= 0 {
		requests = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		idle:    max(window, time.Hour),
		now:     time.Now,
	}
}

// Reserve takes one token for key. When none is available it returns false
// and how long until one is.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	now := l.now()
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastAccess = now
	l.mu.Unlock()

	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := e.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// Run evicts idle viewers every interval until ctx ends.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evict()
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) evict() int {
	threshold := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, e := range l.entries {
		if e.lastAccess.Before(threshold) {
			delete(l.entries, key)
			n++
		}
	}
	return n
}

// rateKey identifies the caller: the viewer when known, else the client
// address.
func rateKey(r *http.Request) string {
	if v := r.URL.Query().Get("viewer_id"); v != "" {
		return "viewer:" + v
	}
	if v := r.Header.Get(HeaderViewerID); v != "" {
		return "viewer:" + v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// RateLimit rejects callers over their allowance with 429 RateLimited.
// Health probes are never limited.
func RateLimit(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/health") || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			ok, wait := l.Reserve(rateKey(r))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"` + apperrors.ErrRateLimited.Error() + `","kind":"` + apperrors.KindRateLimited + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
