package gossip

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/crunchmesh/crunchmesh/protocol"
)

// Replay guard rejection reasons.
var (
	ErrSeenMessage     = errors.New("gossip: message id already seen")
	ErrSeenNonce       = errors.New("gossip: nonce already seen")
	ErrStaleTimestamp  = errors.New("gossip: timestamp outside window")
	ErrFutureTimestamp = errors.New("gossip: timestamp too far in the future")
)

// guardCacheSize bounds the replay caches; entries also expire by TTL
// during cleanup.
const guardCacheSize = 8192

// ReplayGuard rejects duplicated and stale frames by message id, nonce
// and timestamp. Safe for concurrent use.
type ReplayGuard struct {
	seenMsgs    *lru.Cache
	seenNonces  *lru.Cache
	window      time.Duration
	futureBound time.Duration
	ttl         time.Duration
}

// NewReplayGuard builds a guard accepting timestamps within [-window,
// +futureBound] of local time and remembering ids and nonces for ttl.
func NewReplayGuard(window, futureBound, ttl time.Duration) *ReplayGuard {
	msgs, err := lru.New(guardCacheSize)
	if err != nil {
		panic(err)
	}
	nonces, err := lru.New(guardCacheSize)
	if err != nil {
		panic(err)
	}
	return &ReplayGuard{
		seenMsgs:    msgs,
		seenNonces:  nonces,
		window:      window,
		futureBound: futureBound,
		ttl:         ttl,
	}
}

// Check validates the envelope against the replay rules and, on success,
// records its message id and nonce.
func (r *ReplayGuard) Check(e *protocol.Envelope, now time.Time) error {
	ts := protocol.TimeFromUnix(e.Timestamp)
	if ts.After(now.Add(r.futureBound)) {
		return ErrFutureTimestamp
	}
	if now.Sub(ts) > r.window {
		return ErrStaleTimestamp
	}
	if r.seenMsgs.Contains(e.MessageID) {
		return ErrSeenMessage
	}
	if r.seenNonces.Contains(e.Nonce) {
		return ErrSeenNonce
	}
	r.seenMsgs.Add(e.MessageID, now)
	r.seenNonces.Add(e.Nonce, now)
	return nil
}

// Seen reports whether a message id was recorded already.
func (r *ReplayGuard) Seen(messageID string) bool {
	return r.seenMsgs.Contains(messageID)
}

// Cleanup evicts entries older than the TTL and returns how many were
// removed.
func (r *ReplayGuard) Cleanup(now time.Time) int {
	evicted := 0
	for _, cache := range []*lru.Cache{r.seenMsgs, r.seenNonces} {
		for _, k := range cache.Keys() {
			v, ok := cache.Get(k)
			if !ok {
				continue
			}
			if now.Sub(v.(time.Time)) > r.ttl {
				cache.Remove(k)
				evicted++
			}
		}
	}
	return evicted
}
