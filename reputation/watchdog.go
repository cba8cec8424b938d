package reputation

import (
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"

	"github.com/crunchmesh/crunchmesh/log"
)

// Watchdog sweep defaults.
const (
	DefaultWatchdogInterval = 10 * time.Second
	DefaultEscalateAfter    = 3
)

// Watchdog periodically sweeps the tracked peers and quarantines the
// ones the per-result updates let through: peers whose trust sank below
// the threshold between observations and peers accumulating failures or
// timeouts faster than their trust reflects.
type Watchdog struct {
	l        log.Logger
	clock    clock.Clock
	store    *Store
	interval time.Duration
	after    int

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatchdog returns a watchdog sweeping store every interval,
// escalating peers to quarantine after escalateAfter failures.
func NewWatchdog(l log.Logger, c clock.Clock, store *Store, interval time.Duration, escalateAfter int) *Watchdog {
	if interval == 0 {
		interval = DefaultWatchdogInterval
	}
	if escalateAfter == 0 {
		escalateAfter = DefaultEscalateAfter
	}
	return &Watchdog{
		l:        l.Named("watchdog"),
		clock:    c,
		store:    store,
		interval: interval,
		after:    escalateAfter,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *Watchdog) Start() {
	go w.loop()
}

// Stop terminates the sweep loop. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watchdog) loop() {
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			w.Sweep()
		case <-w.done:
			return
		}
	}
}

// Sweep runs one pass over the tracked peers.
func (w *Watchdog) Sweep() {
	threshold := w.store.conf.QuarantineThreshold
	for id, p := range w.store.Peers() {
		if p.Quarantined {
			continue
		}
		switch {
		case p.Trust < threshold:
			w.store.Quarantine(id, "trust below threshold")
		case p.Failures+p.Timeouts >= w.after:
			w.store.Quarantine(id, "repeated failures")
		}
	}
}
