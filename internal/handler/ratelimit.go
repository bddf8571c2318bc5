package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// CodeRateLimited is returned with 429 responses.
const CodeRateLimited = "rate_limited"

// clientIdleTTL is how long an unused client bucket is kept.
const clientIdleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimits keeps one token bucket per client key.
type ClientLimits struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewClientLimits allows each client rps requests per second with bursts of
// up to burst.
func NewClientLimits(rps, burst int) *ClientLimits {
	return &ClientLimits{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from key's bucket at now. When none is available it
// reports how long the client should wait.
func (l *ClientLimits) Allow(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Sweep drops buckets idle since before now-clientIdleTTL and returns how
// many remain.
func (l *ClientLimits) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > clientIdleTTL {
			delete(l.buckets, key)
		}
	}
	return len(l.buckets)
}

// Run sweeps idle buckets every interval until ctx is done.
func (l *ClientLimits) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.Sweep(now)
		case <-ctx.Done():
			return
		}
	}
}

// Middleware rejects clients, keyed by IP, that exceed their bucket.
func (l *ClientLimits) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP(), time.Now())
		if !ok {
			quorumRateLimitedTotal.Inc()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"code":  CodeRateLimited,
			})
			return
		}
		c.Next()
	}
}
