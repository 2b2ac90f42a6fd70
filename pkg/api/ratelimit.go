package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/argos-ci/argos-pipeline/pkg/config"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// tierLimiter holds one token bucket per client IP for a tier.
type tierLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

func newTierLimiter(tier config.RateLimitTier) *tierLimiter {
	perMinute := max(tier.RequestsPerMinute, 1)

	return &tierLimiter{
		clients: make(map[string]*clientLimiter, 64),
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		now:     time.Now,
	}
}

// allow consumes a token for ip. When none is left it returns how long
// the client should wait.
func (tl *tierLimiter) allow(ip string) (bool, time.Duration) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	now := tl.now()

	entry, ok := tl.clients[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(tl.limit, tl.burst)}
		tl.clients[ip] = entry
	}

	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)

		return false, delay
	}

	return true, 0
}

// sweep forgets clients idle for longer than the entry TTL.
func (tl *tierLimiter) sweep() {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	cutoff := tl.now().Add(-rateLimitEntryTTL)

	for ip, entry := range tl.clients {
		if entry.lastSeen.Before(cutoff) {
			delete(tl.clients, ip)
		}
	}
}

// rateLimitMiddleware returns a per-IP rate limiting middleware for
// the given tier configuration.
func (s *server) rateLimitMiddleware(
	tier config.RateLimitTier,
) func(http.Handler) http.Handler {
	tl := newTierLimiter(tier)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(rateLimitCleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				tl.sweep()
			case <-s.done:
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := tl.allow(extractIP(r))
			if !ok {
				w.Header().Set("Retry-After",
					strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// The first X-Forwarded-For hop is the client behind a proxy.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
