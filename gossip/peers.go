package gossip

import (
	"container/ring"
	"sort"
	"sync"
	"time"

	"github.com/crunchmesh/crunchmesh/protocol"
)

// rttWindow is how many round-trip samples are retained per peer.
const rttWindow = 100

// Peer is the tracked view of another node on the mesh, built from its
// announces and observed traffic.
type Peer struct {
	ID           string
	Name         string
	IP           string
	Port         int
	Capabilities []string
	TrustScore   float64
	TokenBalance float64
	LastSeen     time.Time
	Blacklisted  bool
}

type peerEntry struct {
	Peer
	rtts   *ring.Ring
	offset time.Duration
	hasOff bool
}

// Table tracks every peer the node has heard from. All methods are safe
// for concurrent use.
type Table struct {
	sync.Mutex
	peers  map[string]*peerEntry
	banned map[string]bool
}

// NewTable returns an empty peer table.
func NewTable() *Table {
	return &Table{
		peers:  make(map[string]*peerEntry),
		banned: make(map[string]bool),
	}
}

func (t *Table) entry(id string) *peerEntry {
	e, ok := t.peers[id]
	if !ok {
		e = &peerEntry{Peer: Peer{ID: id}, rtts: ring.New(rttWindow)}
		e.Blacklisted = t.banned[id]
		t.peers[id] = e
	}
	return e
}

// Upsert merges a peer announce into the table.
func (t *Table) Upsert(a *protocol.PeerAnnounce, now time.Time) {
	t.Lock()
	defer t.Unlock()
	e := t.entry(a.NodeID)
	e.Name = a.NodeName
	e.IP = a.IP
	e.Port = a.Port
	if a.Capabilities != nil {
		e.Capabilities = a.Capabilities
	}
	e.TrustScore = a.TrustScore
	e.TokenBalance = a.TokenBalance
	e.LastSeen = now
}

// Touch refreshes last_seen for a peer, creating it if unknown.
func (t *Table) Touch(id string, now time.Time) {
	t.Lock()
	defer t.Unlock()
	t.entry(id).LastSeen = now
}

// Remove drops a peer from the table.
func (t *Table) Remove(id string) {
	t.Lock()
	defer t.Unlock()
	delete(t.peers, id)
}

// Get returns a copy of the peer, if known.
func (t *Table) Get(id string) (Peer, bool) {
	t.Lock()
	defer t.Unlock()
	e, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return e.Peer, true
}

// List returns a copy of every tracked peer.
func (t *Table) List() []Peer {
	t.Lock()
	defer t.Unlock()
	out := make([]Peer, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, e.Peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked peers.
func (t *Table) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.peers)
}

// Blacklist marks a peer so its traffic is dropped from now on. The ban
// survives eviction: a banned peer that re-announces stays banned.
func (t *Table) Blacklist(id string) {
	t.Lock()
	defer t.Unlock()
	t.banned[id] = true
	t.entry(id).Blacklisted = true
}

// IsBlacklisted reports whether the peer has been blacklisted.
func (t *Table) IsBlacklisted(id string) bool {
	t.Lock()
	defer t.Unlock()
	return t.banned[id]
}

// HealthyIDs returns the sorted ids of peers seen within the staleness
// cutoff, excluding blacklisted ones. The caller usually appends itself.
func (t *Table) HealthyIDs(now time.Time, staleAfter time.Duration) []string {
	t.Lock()
	defer t.Unlock()
	var out []string
	for id, e := range t.peers {
		if e.Blacklisted {
			continue
		}
		if now.Sub(e.LastSeen) >= staleAfter {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// EvictStale removes peers not seen within the cutoff and returns their
// ids.
func (t *Table) EvictStale(now time.Time, staleAfter time.Duration) []string {
	t.Lock()
	defer t.Unlock()
	var evicted []string
	for id, e := range t.peers {
		if now.Sub(e.LastSeen) >= staleAfter {
			delete(t.peers, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// RecordRTT appends a round-trip sample for the peer.
func (t *Table) RecordRTT(id string, rtt time.Duration) {
	t.Lock()
	defer t.Unlock()
	e := t.entry(id)
	e.rtts.Value = rtt
	e.rtts = e.rtts.Next()
}

// RecordOffset stores the latest clock offset sample observed for a peer.
func (t *Table) RecordOffset(id string, offset time.Duration) {
	t.Lock()
	defer t.Unlock()
	e := t.entry(id)
	e.offset = offset
	e.hasOff = true
}

// P99RTT returns the 99th percentile over the retained round-trip samples
// of every peer. Zero when no sample was recorded yet.
func (t *Table) P99RTT() time.Duration {
	t.Lock()
	defer t.Unlock()
	var samples []time.Duration
	for _, e := range t.peers {
		e.rtts.Do(func(v interface{}) {
			if v != nil {
				samples = append(samples, v.(time.Duration))
			}
		})
	}
	if len(samples) == 0 {
		return 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := (len(samples)*99 + 99) / 100
	if idx > len(samples) {
		idx = len(samples)
	}
	return samples[idx-1]
}

// MedianOffset returns the median clock offset across peers that answered
// a ping. Zero when no sample exists.
func (t *Table) MedianOffset() time.Duration {
	t.Lock()
	defer t.Unlock()
	var offsets []time.Duration
	for _, e := range t.peers {
		if e.hasOff {
			offsets = append(offsets, e.offset)
		}
	}
	if len(offsets) == 0 {
		return 0
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets[len(offsets)/2]
}
