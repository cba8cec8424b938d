package executor

import (
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/protocol"
)

// DefaultHeartbeatTimeout is how long a backup waits for heartbeats
// before assuming the primary died.
const DefaultHeartbeatTimeout = 15 * time.Second

// TakeoverFunc re-executes a job after its primary went silent.
type TakeoverFunc func(job *protocol.JobBroadcast)

// RecoveryManager watches the jobs this node backs up. Heartbeats from
// the primary keep a watch alive; when they stop for longer than the
// timeout the manager fires the takeover so the job still finishes,
// resuming from a checkpoint when one exists.
type RecoveryManager struct {
	l        log.Logger
	clock    clock.Clock
	timeout  time.Duration
	takeover TakeoverFunc

	mu      sync.Mutex
	watched map[string]*primaryWatch

	done     chan struct{}
	stopOnce sync.Once
}

type primaryWatch struct {
	job      *protocol.JobBroadcast
	primary  string
	lastBeat time.Time
}

// NewRecoveryManager returns a manager firing takeover after timeout of
// heartbeat silence.
func NewRecoveryManager(l log.Logger, c clock.Clock, timeout time.Duration, takeover TakeoverFunc) *RecoveryManager {
	if timeout == 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &RecoveryManager{
		l:        l.Named("recovery"),
		clock:    c,
		timeout:  timeout,
		takeover: takeover,
		watched:  make(map[string]*primaryWatch),
		done:     make(chan struct{}),
	}
}

// Start launches the silence scanner.
func (r *RecoveryManager) Start() {
	go r.loop()
}

// Stop terminates the scanner. Safe to call more than once.
func (r *RecoveryManager) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// WatchAsBackup registers this node as backup for the job executed by
// primary. The watch starts fresh: the primary has a full timeout to
// send its first heartbeat.
func (r *RecoveryManager) WatchAsBackup(job *protocol.JobBroadcast, primary string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watched[job.JobID] = &primaryWatch{
		job:      job,
		primary:  primary,
		lastBeat: r.clock.Now(),
	}
	r.l.Infow("watching as backup", "job", job.JobID, "primary", primary)
}

// Heartbeat refreshes the watch for a job. Heartbeats from nodes other
// than the watched primary are ignored.
func (r *RecoveryManager) Heartbeat(jobID, from string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watched[jobID]
	if !ok || w.primary != from {
		return
	}
	w.lastBeat = r.clock.Now()
}

// Resolve drops the watch for a job whose result arrived.
func (r *RecoveryManager) Resolve(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watched, jobID)
}

// Watching returns how many jobs this node currently backs up.
func (r *RecoveryManager) Watching() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watched)
}

func (r *RecoveryManager) loop() {
	// scan a few times per timeout so a takeover fires promptly
	ticker := r.clock.NewTicker(r.timeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			r.scan()
		case <-r.done:
			return
		}
	}
}

func (r *RecoveryManager) scan() {
	now := r.clock.Now()
	var expired []*primaryWatch
	r.mu.Lock()
	for jobID, w := range r.watched {
		if now.Sub(w.lastBeat) >= r.timeout {
			expired = append(expired, w)
			delete(r.watched, jobID)
		}
	}
	r.mu.Unlock()

	for _, w := range expired {
		r.l.Warnw("primary went silent, taking over", "job", w.job.JobID,
			"primary", w.primary, "silence", now.Sub(w.lastBeat).String())
		if r.takeover != nil {
			r.takeover(w.job)
		}
	}
}
