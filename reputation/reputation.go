// Package reputation tracks how much the mesh should trust this node
// and how much this node trusts everyone else. Own trust moves with job
// outcomes and decays linearly while the node sits idle; peer trust is
// updated from observed results and gates quarantine.
package reputation

import (
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"
	json "github.com/nikkolasg/hexjson"

	"github.com/crunchmesh/crunchmesh/fs"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/metrics"
	"github.com/crunchmesh/crunchmesh/protocol"
)

// Default trust economics. The config file can override each knob.
const (
	DefaultStartingTrust           = 0.5
	DefaultDecayRate               = 0.01 // per day of silence
	DefaultMinTrust                = 0.1
	DefaultQuarantineThreshold     = 0.2
	DefaultRehabilitationJobs      = 10
	DefaultRehabilitationThreshold = 0.3
	DefaultOnTimeReward            = 0.02
	DefaultLateReward              = 0.01
	DefaultFailurePenalty          = 0.05
	DefaultMaliciousPenalty        = 0.50
)

// Event reasons recorded in the reputation history.
const (
	ReasonSuccessOnTime = "success_on_time"
	ReasonSuccessLate   = "success_late"
	ReasonFailure       = "failure"
	ReasonTimeout       = "timeout"
	ReasonMalicious     = "malicious"
	ReasonQuarantine    = "quarantine"
	ReasonRehabilitated = "rehabilitated"
)

// Event is one recorded trust change.
type Event struct {
	NodeID    string  `json:"node_id"`
	Reason    string  `json:"reason"`
	Delta     float64 `json:"delta"`
	Score     float64 `json:"score"`
	Timestamp float64 `json:"timestamp"`
}

// PeerInfo is the tracked state of one peer.
type PeerInfo struct {
	Trust       float64 `json:"trust"`
	Quarantined bool    `json:"quarantined"`
	// Successes counts observed successful jobs since the last
	// quarantine began; it drives rehabilitation.
	Successes  int     `json:"successes"`
	Failures   int     `json:"failures"`
	Timeouts   int     `json:"timeouts"`
	Malicious  int     `json:"malicious"`
	LastUpdate float64 `json:"last_update"`
}

// Snapshot is the JSON-persisted reputation state, also served by the
// local API.
type Snapshot struct {
	NodeID     string               `json:"node_id"`
	Trust      float64              `json:"trust"`
	LastUpdate float64              `json:"last_update"`
	Peers      map[string]*PeerInfo `json:"peers,omitempty"`
	Events     []*Event             `json:"events,omitempty"`
	UpdatedAt  float64              `json:"updated_at"`
}

// Config holds the store dependencies and trust parameters.
type Config struct {
	Log    log.Logger
	Clock  clock.Clock
	NodeID string
	// Folder is the data directory holding reputation_<node_id>.json.
	Folder string

	StartingTrust           float64
	DecayRate               float64
	MinTrust                float64
	QuarantineThreshold     float64
	RehabilitationJobs      int
	RehabilitationThreshold float64
	OnTimeReward            float64
	LateReward              float64
	FailurePenalty          float64
	MaliciousPenalty        float64
}

func (c *Config) fillDefaults() {
	if c.Log == nil {
		c.Log = log.DefaultLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	if c.StartingTrust == 0 {
		c.StartingTrust = DefaultStartingTrust
	}
	if c.DecayRate == 0 {
		c.DecayRate = DefaultDecayRate
	}
	if c.MinTrust == 0 {
		c.MinTrust = DefaultMinTrust
	}
	if c.QuarantineThreshold == 0 {
		c.QuarantineThreshold = DefaultQuarantineThreshold
	}
	if c.RehabilitationJobs == 0 {
		c.RehabilitationJobs = DefaultRehabilitationJobs
	}
	if c.RehabilitationThreshold == 0 {
		c.RehabilitationThreshold = DefaultRehabilitationThreshold
	}
	if c.OnTimeReward == 0 {
		c.OnTimeReward = DefaultOnTimeReward
	}
	if c.LateReward == 0 {
		c.LateReward = DefaultLateReward
	}
	if c.FailurePenalty == 0 {
		c.FailurePenalty = DefaultFailurePenalty
	}
	if c.MaliciousPenalty == 0 {
		c.MaliciousPenalty = DefaultMaliciousPenalty
	}
}

// Store is the reputation book of a node. All methods are safe for
// concurrent use.
//
//nolint:gocritic// We do want to have a mutex here
type Store struct {
	sync.Mutex
	l     log.Logger
	clock clock.Clock
	conf  *Config
	id    string

	trust      float64
	lastUpdate time.Time
	events     []*Event
	peers      map[string]*PeerInfo
	file       string
}

// New opens the reputation store for the node, restoring any state a
// previous run left in the data directory.
func New(conf *Config) (*Store, error) {
	if conf.NodeID == "" {
		return nil, fmt.Errorf("reputation: config needs a node id")
	}
	conf.fillDefaults()

	s := &Store{
		l:          conf.Log.Named("reputation"),
		clock:      conf.Clock,
		conf:       conf,
		id:         conf.NodeID,
		trust:      conf.StartingTrust,
		lastUpdate: conf.Clock.Now(),
		peers:      make(map[string]*PeerInfo),
		file:       path.Join(conf.Folder, fmt.Sprintf("reputation_%s.json", conf.NodeID)),
	}
	if exists, _ := fs.Exists(s.file); exists {
		if err := s.restore(); err != nil {
			return nil, err
		}
		s.l.Infow("reputation restored", "trust", s.trust, "peers", len(s.peers))
	}
	metrics.ReputationScore.WithLabelValues(s.id).Set(s.trust)
	return s, nil
}

func (s *Store) restore() error {
	buff, err := os.ReadFile(s.file)
	if err != nil {
		return fmt.Errorf("reputation: reading snapshot: %w", err)
	}
	snap := new(Snapshot)
	if err := json.Unmarshal(buff, snap); err != nil {
		return fmt.Errorf("reputation: decoding snapshot: %w", err)
	}
	if snap.NodeID != s.id {
		return fmt.Errorf("reputation: snapshot belongs to %s, not %s", snap.NodeID, s.id)
	}
	s.trust = snap.Trust
	s.lastUpdate = protocol.TimeFromUnix(snap.LastUpdate)
	s.events = snap.Events
	for id, p := range snap.Peers {
		s.peers[id] = p
	}
	return nil
}

// TrustScore applies the idle decay and returns the node's own trust.
func (s *Store) TrustScore() float64 {
	s.Lock()
	defer s.Unlock()
	s.decay()
	return s.trust
}

// decay moves trust down by decayRate per idle day, floored at the
// minimum. Callers hold the lock. Linear decay is additive over time, so
// re-stamping lastUpdate on every call keeps repeated reads exact.
func (s *Store) decay() {
	now := s.clock.Now()
	days := now.Sub(s.lastUpdate).Hours() / 24
	if days <= 0 {
		return
	}
	decayed := s.trust - s.conf.DecayRate*days
	if decayed < s.conf.MinTrust {
		decayed = s.conf.MinTrust
	}
	if decayed < s.trust {
		s.trust = decayed
		metrics.ReputationScore.WithLabelValues(s.id).Set(s.trust)
	}
	s.lastUpdate = now
}

// Record applies an own-job outcome to the node's trust and appends the
// event. Timeouts are failures as far as trust is concerned.
func (s *Store) Record(status string, onTime bool) float64 {
	s.Lock()
	defer s.Unlock()
	s.decay()

	var delta float64
	var reason string
	switch {
	case status == protocol.StatusSuccess && onTime:
		delta, reason = s.conf.OnTimeReward, ReasonSuccessOnTime
	case status == protocol.StatusSuccess:
		delta, reason = s.conf.LateReward, ReasonSuccessLate
	case status == protocol.StatusTimeout:
		delta, reason = -s.conf.FailurePenalty, ReasonTimeout
	default:
		delta, reason = -s.conf.FailurePenalty, ReasonFailure
	}
	return s.apply(delta, reason)
}

// RecordMalicious punishes the node's own trust after the mesh observed
// an invalid signature attributed to us. Absent a key compromise this
// cannot happen, which is exactly why the penalty is severe.
func (s *Store) RecordMalicious() float64 {
	s.Lock()
	defer s.Unlock()
	s.decay()
	return s.apply(-s.conf.MaliciousPenalty, ReasonMalicious)
}

// apply shifts own trust by delta, clamped to [0,1]. Callers hold the
// lock.
func (s *Store) apply(delta float64, reason string) float64 {
	s.trust = clamp01(s.trust + delta)
	s.lastUpdate = s.clock.Now()
	s.events = append(s.events, &Event{
		NodeID:    s.id,
		Reason:    reason,
		Delta:     delta,
		Score:     s.trust,
		Timestamp: protocol.UnixSeconds(s.lastUpdate),
	})
	metrics.ReputationScore.WithLabelValues(s.id).Set(s.trust)
	s.save()
	s.l.Debugw("own trust updated", "reason", reason, "delta", delta, "trust", s.trust)
	return s.trust
}

// ObservePeer folds an observed job result into the peer's trust,
// entering quarantine when trust sinks below the threshold and releasing
// the peer once it served its rehabilitation.
func (s *Store) ObservePeer(nodeID, status string, onTime bool) {
	s.Lock()
	defer s.Unlock()
	p := s.peer(nodeID)

	switch {
	case status == protocol.StatusSuccess && onTime:
		p.Trust = clamp01(p.Trust + s.conf.OnTimeReward)
	case status == protocol.StatusSuccess:
		p.Trust = clamp01(p.Trust + s.conf.LateReward)
	case status == protocol.StatusTimeout:
		p.Trust = clamp01(p.Trust - s.conf.FailurePenalty)
		p.Timeouts++
	default:
		p.Trust = clamp01(p.Trust - s.conf.FailurePenalty)
		p.Failures++
	}
	if status == protocol.StatusSuccess && p.Quarantined {
		p.Successes++
	}
	p.LastUpdate = protocol.UnixSeconds(s.clock.Now())

	s.reconsider(nodeID, p)
	metrics.ReputationScore.WithLabelValues(nodeID).Set(p.Trust)
	s.save()
}

// ObserveMalicious folds an observed protocol violation (bad signature,
// forged identity) into the peer's trust.
func (s *Store) ObserveMalicious(nodeID string) {
	s.Lock()
	defer s.Unlock()
	p := s.peer(nodeID)
	p.Trust = clamp01(p.Trust - s.conf.MaliciousPenalty)
	p.Malicious++
	p.LastUpdate = protocol.UnixSeconds(s.clock.Now())

	s.reconsider(nodeID, p)
	metrics.ReputationScore.WithLabelValues(nodeID).Set(p.Trust)
	s.save()
}

// reconsider moves the peer across the quarantine boundary if its state
// calls for it. Callers hold the lock.
func (s *Store) reconsider(nodeID string, p *PeerInfo) {
	if !p.Quarantined && p.Trust < s.conf.QuarantineThreshold {
		s.quarantine(nodeID, p, "trust below threshold")
		return
	}
	if p.Quarantined && p.Successes >= s.conf.RehabilitationJobs &&
		p.Trust > s.conf.RehabilitationThreshold {
		p.Quarantined = false
		p.Successes = 0
		p.Failures = 0
		p.Timeouts = 0
		s.events = append(s.events, &Event{
			NodeID:    nodeID,
			Reason:    ReasonRehabilitated,
			Score:     p.Trust,
			Timestamp: protocol.UnixSeconds(s.clock.Now()),
		})
		s.l.Infow("peer rehabilitated", "peer", nodeID, "trust", p.Trust)
	}
}

// quarantine flags the peer and resets its rehabilitation counters.
// Callers hold the lock.
func (s *Store) quarantine(nodeID string, p *PeerInfo, why string) {
	p.Quarantined = true
	p.Successes = 0
	s.events = append(s.events, &Event{
		NodeID:    nodeID,
		Reason:    ReasonQuarantine,
		Score:     p.Trust,
		Timestamp: protocol.UnixSeconds(s.clock.Now()),
	})
	s.l.Warnw("peer quarantined", "peer", nodeID, "trust", p.Trust, "why", why)
}

// Quarantine forces the peer into quarantine, used by the watchdog when
// failure counters escalate.
func (s *Store) Quarantine(nodeID, why string) {
	s.Lock()
	defer s.Unlock()
	p := s.peer(nodeID)
	if p.Quarantined {
		return
	}
	s.quarantine(nodeID, p, why)
	s.save()
}

// peer returns the tracked state of nodeID, creating it at the starting
// trust. Callers hold the lock.
func (s *Store) peer(nodeID string) *PeerInfo {
	p, ok := s.peers[nodeID]
	if !ok {
		p = &PeerInfo{Trust: s.conf.StartingTrust}
		s.peers[nodeID] = p
	}
	return p
}

// PeerTrust returns the trust held for a peer, the starting trust when
// the peer was never observed.
func (s *Store) PeerTrust(nodeID string) float64 {
	s.Lock()
	defer s.Unlock()
	if p, ok := s.peers[nodeID]; ok {
		return p.Trust
	}
	return s.conf.StartingTrust
}

// Quarantined reports whether the peer is currently quarantined.
func (s *Store) Quarantined(nodeID string) bool {
	s.Lock()
	defer s.Unlock()
	p, ok := s.peers[nodeID]
	return ok && p.Quarantined
}

// Peers returns a copy of every tracked peer state.
func (s *Store) Peers() map[string]PeerInfo {
	s.Lock()
	defer s.Unlock()
	out := make(map[string]PeerInfo, len(s.peers))
	for id, p := range s.peers {
		out[id] = *p
	}
	return out
}

// Events returns a copy of the recorded trust history.
func (s *Store) Events() []*Event {
	s.Lock()
	defer s.Unlock()
	events := make([]*Event, len(s.events))
	copy(events, s.events)
	return events
}

// Stats returns the full reputation snapshot with decay applied.
func (s *Store) Stats() *Snapshot {
	s.Lock()
	defer s.Unlock()
	s.decay()
	return s.snapshot()
}

func (s *Store) snapshot() *Snapshot {
	peers := make(map[string]*PeerInfo, len(s.peers))
	for id, p := range s.peers {
		cp := *p
		peers[id] = &cp
	}
	events := make([]*Event, len(s.events))
	copy(events, s.events)
	return &Snapshot{
		NodeID:     s.id,
		Trust:      s.trust,
		LastUpdate: protocol.UnixSeconds(s.lastUpdate),
		Peers:      peers,
		Events:     events,
		UpdatedAt:  protocol.UnixSeconds(s.clock.Now()),
	}
}

func (s *Store) save() {
	buff, err := json.Marshal(s.snapshot())
	if err != nil {
		s.l.Errorw("encoding reputation snapshot", "err", err)
		return
	}
	fd, err := fs.CreateSecureFile(s.file)
	if err != nil {
		s.l.Errorw("creating reputation snapshot", "file", s.file, "err", err)
		return
	}
	defer fd.Close()
	if _, err := fd.Write(buff); err != nil {
		s.l.Errorw("writing reputation snapshot", "file", s.file, "err", err)
	}
}

// Close writes a final snapshot.
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	s.save()
	return nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
