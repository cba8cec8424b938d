package election

import (
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"
)

// DefaultStarvationThreshold is the idle time after which a node counts
// as fully starving.
const DefaultStarvationThreshold = 60 * time.Second

type nodeStats struct {
	jobsExecuted  int
	lastExecution time.Time
}

// Tracker follows who actually wins work on the mesh. The scorer turns
// its starvation score into a bounded bid bonus, pulling starving nodes
// back into the game.
type Tracker struct {
	sync.Mutex
	clock     clock.Clock
	threshold time.Duration
	stats     map[string]*nodeStats
	seenJobs  map[string]bool
}

// NewTracker builds a fairness tracker with the given starvation
// threshold. Zero means the 60s default.
func NewTracker(c clock.Clock, threshold time.Duration) *Tracker {
	if c == nil {
		c = clock.NewRealClock()
	}
	if threshold == 0 {
		threshold = DefaultStarvationThreshold
	}
	return &Tracker{
		clock:     c,
		threshold: threshold,
		stats:     make(map[string]*nodeStats),
		seenJobs:  make(map[string]bool),
	}
}

// RecordWin notes a job-won event for a node, observed from a claim or a
// result. The same job counts once no matter how many events mention it,
// but every event refreshes the node's last execution time.
func (t *Tracker) RecordWin(nodeID, jobID string) {
	t.Lock()
	defer t.Unlock()
	s, ok := t.stats[nodeID]
	if !ok {
		s = &nodeStats{}
		t.stats[nodeID] = s
	}
	s.lastExecution = t.clock.Now()
	if t.seenJobs[jobID] {
		return
	}
	t.seenJobs[jobID] = true
	s.jobsExecuted++
}

// StarvationScore reports how starved a node is, in [0,1]. Nodes that
// never executed anything are fully starving.
func (t *Tracker) StarvationScore(nodeID string) float64 {
	t.Lock()
	defer t.Unlock()
	s, ok := t.stats[nodeID]
	if !ok || s.lastExecution.IsZero() {
		return 1.0
	}
	elapsed := t.clock.Since(s.lastExecution)
	score := float64(elapsed) / float64(t.threshold)
	if score > 1 {
		return 1.0
	}
	if score < 0 {
		return 0
	}
	return score
}

// JobsExecuted returns how many distinct jobs a node won.
func (t *Tracker) JobsExecuted(nodeID string) int {
	t.Lock()
	defer t.Unlock()
	s, ok := t.stats[nodeID]
	if !ok {
		return 0
	}
	return s.jobsExecuted
}

// Executions returns a copy of the per-node win counters.
func (t *Tracker) Executions() map[string]int {
	t.Lock()
	defer t.Unlock()
	out := make(map[string]int, len(t.stats))
	for id, s := range t.stats {
		out[id] = s.jobsExecuted
	}
	return out
}

// Forget drops the dedup record of a finished job.
func (t *Tracker) Forget(jobID string) {
	t.Lock()
	defer t.Unlock()
	delete(t.seenJobs, jobID)
}
