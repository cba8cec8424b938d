// Package election picks the coordinator for each job without a message
// exchange: every node sorts the same healthy set the same way and maps
// the job id onto it with the same hash, so they all arrive at the same
// coordinator. Fairness bookkeeping lives here too, feeding both the
// coordinator rotation and the scorer's starvation bonus.
package election

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/crunchmesh/crunchmesh/log"
)

// DefaultCacheTTL is how long a computed healthy set is reused before the
// peer table is consulted again.
const DefaultCacheTTL = 5 * time.Second

// Config parameterizes an Elector.
type Config struct {
	Log    log.Logger
	Clock  clock.Clock
	SelfID string
	// Healthy returns the ids of the peers currently eligible to
	// coordinate. The elector adds the local node itself.
	Healthy  func() []string
	CacheTTL time.Duration
}

// Elector deterministically elects one coordinator per job id.
type Elector struct {
	sync.Mutex
	conf   *Config
	l      log.Logger
	clock  clock.Clock
	selfID string

	activeJobs   map[string]int
	counts       map[string]int
	coordinators map[string]string

	cache       []string
	cacheExpiry time.Time
}

// NewElector builds an elector over the given healthy-peer source.
func NewElector(conf *Config) *Elector {
	if conf.Log == nil {
		conf.Log = log.DefaultLogger()
	}
	if conf.Clock == nil {
		conf.Clock = clock.NewRealClock()
	}
	if conf.CacheTTL == 0 {
		conf.CacheTTL = DefaultCacheTTL
	}
	return &Elector{
		conf:         conf,
		l:            conf.Log.Named("election"),
		clock:        conf.Clock,
		selfID:       conf.SelfID,
		activeJobs:   make(map[string]int),
		counts:       make(map[string]int),
		coordinators: make(map[string]string),
	}
}

// Elect returns the coordinator for the job. Repeated calls for the same
// job return the recorded winner without counting a second election.
func (e *Elector) Elect(jobID string) string {
	e.Lock()
	defer e.Unlock()

	if id, ok := e.coordinators[jobID]; ok {
		return id
	}

	healthy := e.healthySet(e.clock.Now())
	sorted := append([]string(nil), healthy...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if e.activeJobs[a] != e.activeJobs[b] {
			return e.activeJobs[a] < e.activeJobs[b]
		}
		if e.counts[a] != e.counts[b] {
			return e.counts[a] < e.counts[b]
		}
		return a < b
	})

	// candidates are the least-loaded, least-elected prefix
	minActive, minCount := e.activeJobs[sorted[0]], e.counts[sorted[0]]
	cut := 1
	for cut < len(sorted) {
		id := sorted[cut]
		if e.activeJobs[id] != minActive || e.counts[id] != minCount {
			break
		}
		cut++
	}
	candidates := sorted[:cut]

	winner := candidates[indexFor(jobID, len(candidates))]
	e.counts[winner]++
	e.coordinators[jobID] = winner
	e.l.Debugw("elected coordinator", "job", jobID, "coordinator", winner,
		"candidates", len(candidates), "healthy", len(healthy))
	return winner
}

// indexFor maps a job id onto a candidate slot. The hash must be
// identical across processes, so it is always sha256 over the raw job id
// bytes, never a language-level hash.
func indexFor(jobID string, n int) int {
	sum := sha256.Sum256([]byte(jobID))
	return int(binary.BigEndian.Uint32(sum[:4]) % uint32(n))
}

// healthySet returns the cached sorted healthy set, self included.
// Callers hold the lock.
func (e *Elector) healthySet(now time.Time) []string {
	if e.cache != nil && now.Before(e.cacheExpiry) {
		return e.cache
	}
	ids := append(e.conf.Healthy(), e.selfID)
	sort.Strings(ids)
	e.cache = ids
	e.cacheExpiry = now.Add(e.conf.CacheTTL)
	return ids
}

// Coordinator returns the recorded coordinator for a job, if any.
func (e *Elector) Coordinator(jobID string) (string, bool) {
	e.Lock()
	defer e.Unlock()
	id, ok := e.coordinators[jobID]
	return id, ok
}

// RecordCoordinator stores a coordinator learned from the wire, keeping
// the local rotation counters in step with elections run elsewhere.
func (e *Elector) RecordCoordinator(jobID, nodeID string) {
	e.Lock()
	defer e.Unlock()
	if _, ok := e.coordinators[jobID]; ok {
		return
	}
	e.coordinators[jobID] = nodeID
	e.counts[nodeID]++
}

// CoordinatorCount reports how often a node was elected.
func (e *Elector) CoordinatorCount(nodeID string) int {
	e.Lock()
	defer e.Unlock()
	return e.counts[nodeID]
}

// ObserveClaim bumps the active-job estimate of a node that just claimed.
func (e *Elector) ObserveClaim(nodeID string) {
	e.Lock()
	defer e.Unlock()
	e.activeJobs[nodeID]++
}

// ObserveResult lowers the active-job estimate after a node delivered.
func (e *Elector) ObserveResult(nodeID string) {
	e.Lock()
	defer e.Unlock()
	if e.activeJobs[nodeID] > 0 {
		e.activeJobs[nodeID]--
	}
}

// ActiveEstimate returns the current active-job estimate for a node.
func (e *Elector) ActiveEstimate(nodeID string) int {
	e.Lock()
	defer e.Unlock()
	return e.activeJobs[nodeID]
}

// Forget drops the per-job record once an auction is garbage collected.
func (e *Elector) Forget(jobID string) {
	e.Lock()
	defer e.Unlock()
	delete(e.coordinators, jobID)
}
