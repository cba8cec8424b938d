// Package advisor holds the pluggable decision points of the agent:
// whether to bid on a job at all, how to bend scores for fairness, and
// whether a cached output can answer a job without executing it. The
// defaults keep the agent greedy and neutral; operators swap in their
// own implementations through the node options.
package advisor

import (
	"github.com/crunchmesh/crunchmesh/protocol"
	"github.com/crunchmesh/crunchmesh/scorer"
)

// Action is a policy's verdict on an incoming job.
type Action string

// The three verdicts a policy can return.
const (
	// ActionBid enters the auction for the job.
	ActionBid Action = "bid"
	// ActionForward skips the auction but relays the job on.
	ActionForward Action = "forward"
	// ActionDefer skips the job for now; the auction may still pick it
	// up when it comes around again.
	ActionDefer Action = "defer"
)

// Policy decides what to do with a job before any scoring happens.
type Policy interface {
	Decide(job *protocol.JobBroadcast, snap scorer.Snapshot) Action
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(job *protocol.JobBroadcast, snap scorer.Snapshot) Action

// Decide implements Policy.
func (f PolicyFunc) Decide(job *protocol.JobBroadcast, snap scorer.Snapshot) Action {
	return f(job, snap)
}

// Fairness bends a bid score after the scorer computed it. The mesh
// ships a pass-through; deployments with their own fairness economics
// plug in here.
type Fairness interface {
	Adjust(nodeID string, score float64) float64
}

// FairnessFunc adapts a function to the Fairness interface.
type FairnessFunc func(nodeID string, score float64) float64

// Adjust implements Fairness.
func (f FairnessFunc) Adjust(nodeID string, score float64) float64 {
	return f(nodeID, score)
}

// Cache answers jobs from prior outputs, skipping execution entirely on
// a hit.
type Cache interface {
	Lookup(job *protocol.JobBroadcast) (interface{}, bool)
	Store(job *protocol.JobBroadcast, output interface{})
}

// GreedyPolicy bids on everything. It is the default: the scorer and
// the wallet already keep the node from overcommitting.
type GreedyPolicy struct{}

// Decide implements Policy.
func (GreedyPolicy) Decide(*protocol.JobBroadcast, scorer.Snapshot) Action {
	return ActionBid
}

// PassFairness keeps scores untouched.
type PassFairness struct{}

// Adjust implements Fairness.
func (PassFairness) Adjust(_ string, score float64) float64 {
	return score
}

// NullCache never hits.
type NullCache struct{}

// Lookup implements Cache.
func (NullCache) Lookup(*protocol.JobBroadcast) (interface{}, bool) {
	return nil, false
}

// Store implements Cache.
func (NullCache) Store(*protocol.JobBroadcast, interface{}) {}
