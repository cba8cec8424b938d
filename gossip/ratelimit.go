package gossip

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a per-sender token bucket. Senders exceeding the
// budget repeatedly are flagged for blacklisting.
type Limiter struct {
	sync.Mutex
	buckets       map[string]*rate.Limiter
	violations    map[string]int
	refill        rate.Limit
	burst         int
	maxViolations int
}

// NewLimiter builds a limiter refilling refill tokens per second with the
// given burst. After maxViolations rejected frames a sender is reported
// for blacklisting.
func NewLimiter(refill float64, burst, maxViolations int) *Limiter {
	return &Limiter{
		buckets:       make(map[string]*rate.Limiter),
		violations:    make(map[string]int),
		refill:        rate.Limit(refill),
		burst:         burst,
		maxViolations: maxViolations,
	}
}

// Allow consumes one token for the sender at the given time. It returns
// whether the frame passes, and whether the sender just crossed the
// violation threshold and must be blacklisted.
func (l *Limiter) Allow(id string, now time.Time) (ok, blacklist bool) {
	l.Lock()
	defer l.Unlock()
	b, found := l.buckets[id]
	if !found {
		b = rate.NewLimiter(l.refill, l.burst)
		l.buckets[id] = b
	}
	if b.AllowN(now, 1) {
		return true, false
	}
	l.violations[id]++
	return false, l.violations[id] >= l.maxViolations
}

// Violations returns the number of rejected frames for a sender.
func (l *Limiter) Violations(id string) int {
	l.Lock()
	defer l.Unlock()
	return l.violations[id]
}

// Forget drops the state kept for a sender, typically after eviction.
func (l *Limiter) Forget(id string) {
	l.Lock()
	defer l.Unlock()
	delete(l.buckets, id)
	delete(l.violations, id)
}
