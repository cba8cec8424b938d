package gossip

import (
	"sort"
	"sync"
)

// ackWait tracks the ACKs still needed for one reliable broadcast.
type ackWait struct {
	needed int
	from   map[string]bool
	done   chan struct{}
	closed bool
}

// ackTracker correlates incoming ACK messages with pending reliable
// broadcasts.
type ackTracker struct {
	sync.Mutex
	pending map[string]*ackWait
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[string]*ackWait)}
}

// Register starts waiting for needed distinct ACKs of the given message
// id. The returned channel closes once the quorum is reached; it is
// already closed when needed is zero.
func (a *ackTracker) Register(messageID string, needed int) <-chan struct{} {
	a.Lock()
	defer a.Unlock()
	w := &ackWait{
		needed: needed,
		from:   make(map[string]bool),
		done:   make(chan struct{}),
	}
	if needed <= 0 {
		close(w.done)
		w.closed = true
	}
	a.pending[messageID] = w
	return w.done
}

// Resolve feeds one ACK from a peer into the tracker. Duplicate ACKs from
// the same peer do not count twice.
func (a *ackTracker) Resolve(messageID, from string) {
	a.Lock()
	defer a.Unlock()
	w, ok := a.pending[messageID]
	if !ok || w.closed {
		return
	}
	if w.from[from] {
		return
	}
	w.from[from] = true
	if len(w.from) >= w.needed {
		close(w.done)
		w.closed = true
	}
}

// Count returns how many distinct peers acknowledged so far.
func (a *ackTracker) Count(messageID string) int {
	a.Lock()
	defer a.Unlock()
	w, ok := a.pending[messageID]
	if !ok {
		return 0
	}
	return len(w.from)
}

// Acked returns the peers that acknowledged so far, sorted.
func (a *ackTracker) Acked(messageID string) []string {
	a.Lock()
	defer a.Unlock()
	w, ok := a.pending[messageID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(w.from))
	for id := range w.from {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cancel forgets a pending wait.
func (a *ackTracker) Cancel(messageID string) {
	a.Lock()
	defer a.Unlock()
	delete(a.pending, messageID)
}
