package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/crunchmesh/crunchmesh/log"
)

// QuorumMonitor keeps track of peers that fail to acknowledge reliable
// broadcasts and raises the alarm when a whole quorum worth of them goes
// quiet inside the same period.
type QuorumMonitor struct {
	lock         sync.RWMutex
	log          log.Logger
	meshID       string
	quorum       int
	missingPeers map[string]bool
	ctx          context.Context
	cancel       func()
	period       time.Duration
}

func NewQuorumMonitor(meshID string, l log.Logger, quorum int) *QuorumMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &QuorumMonitor{
		lock:         sync.RWMutex{},
		log:          l,
		meshID:       meshID,
		quorum:       quorum,
		missingPeers: make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
		period:       1 * time.Minute,
	}
}

func (q *QuorumMonitor) Start() {
	q.log.Infow("starting quorum monitor", "meshID", q.meshID)

	go func() {
		for {
			select {
			case <-q.ctx.Done():
				q.log.Infow("ending quorum monitor", "meshID", q.meshID)
				return
			default:
				q.lock.RLock()
				var silentPeers []string
				for id := range q.missingPeers {
					silentPeers = append(silentPeers, id)
				}

				if len(silentPeers) >= q.quorum {
					q.log.Errorw(
						"missed acks crossed quorum in the last minute",
						"meshID", q.meshID,
						"quorum", q.quorum,
						"missing", len(silentPeers),
						"peers", strings.Join(silentPeers, ","),
					)
				} else if len(silentPeers) >= q.quorum/2 {
					q.log.Warnw(
						"missed acks crossed half quorum in the last minute",
						"meshID", q.meshID,
						"quorum", q.quorum,
						"missing", len(silentPeers),
						"peers", strings.Join(silentPeers, ","),
					)
				} else {
					q.log.Debugw(
						"quorum monitor healthy",
						"quorum", q.quorum,
						"meshID", q.meshID,
						"missing", len(silentPeers),
						"peers", strings.Join(silentPeers, ","),
					)
				}
				q.lock.RUnlock()

				q.lock.Lock()
				q.missingPeers = make(map[string]bool)
				q.lock.Unlock()

				time.Sleep(q.period)
			}
		}
	}()
}

func (q *QuorumMonitor) Stop() {
	q.cancel()
}

// ReportMissing records a peer that stayed silent on a reliable broadcast.
func (q *QuorumMonitor) ReportMissing(peerID string) {
	q.lock.Lock()
	q.missingPeers[peerID] = true
	q.lock.Unlock()
	MissingAckCounter.WithLabelValues(peerID).Inc()
}

// UpdateQuorum follows the mesh size as peers come and go.
func (q *QuorumMonitor) UpdateQuorum(newQuorum int) {
	q.lock.Lock()
	q.quorum = newQuorum
	q.lock.Unlock()
}
