package fscp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUnauthenticatedRate is the default throttle: one
// unauthenticated message per source per second.
const DefaultUnauthenticatedRate = 1.0

// BucketGCInterval is how long a source's bucket may sit idle before it
// is garbage-collected.
const BucketGCInterval = time.Minute

// handshakeBurst is the bucket depth: a cold source gets one handshake's
// worth of unauthenticated messages up front (HELLO, both PRESENTATIONs,
// SESSION_REQUEST, plus margin — none are retransmitted), while the
// sustained rate stays at the configured cap.
const handshakeBurst = 8

// RateLimiter throttles unauthenticated traffic (HELLO, PRESENTATION,
// SESSION_REQUEST signature-verification work) per source endpoint with a
// token bucket, garbage-collecting buckets that have been idle for over
// a minute.
type RateLimiter struct {
	mu      sync.Mutex
	ratePS  float64
	buckets map[Endpoint]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// NewRateLimiter builds a limiter with the given per-source rate (messages
// per second); ratePerSecond <= 0 selects DefaultUnauthenticatedRate.
func NewRateLimiter(ratePerSecond float64) *RateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = DefaultUnauthenticatedRate
	}
	return &RateLimiter{
		ratePS:  ratePerSecond,
		buckets: make(map[Endpoint]*bucket),
	}
}

// Allow reports whether a message from source may be processed right now,
// consuming a token from its bucket if so. Excess messages are expected
// to be dropped silently by the caller.
func (r *RateLimiter) Allow(source Endpoint, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[source]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(r.ratePS), handshakeBurst)}
		r.buckets[source] = b
	}
	b.lastUsed = now
	return b.limiter.AllowN(now, 1)
}

// GC drops buckets that have been idle for over BucketGCInterval. Called
// periodically from the strand housekeeping tick.
func (r *RateLimiter) GC(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ep, b := range r.buckets {
		if now.Sub(b.lastUsed) >= BucketGCInterval {
			delete(r.buckets, ep)
		}
	}
}
