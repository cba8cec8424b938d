// Package scorer turns a job announcement and the node's current
// condition into the bid score driving the auction. Scores live in
// [0,1): the soft clamp keeps even perfect nodes below 1.0 so top bids
// stay ordered.
package scorer

import (
	"math"
	"math/rand"
	"time"

	"github.com/crunchmesh/crunchmesh/protocol"
)

// Base score weights. They sum to 1.0.
const (
	capabilityWeight = 0.35
	loadWeight       = 0.30
	trustWeight      = 0.15
	urgencyWeight    = 0.10
	priorityWeight   = 0.10
)

const (
	// capability component
	missingRequirementDecay = 0.7
	completionBonusStep     = 0.02
	completionBonusCap      = 0.2

	// load component blends queue slack with machine utilization
	loadJobsBlend = 0.6
	loadUtilBlend = 0.4

	// trust gets diminishing returns
	trustExponent = 0.7

	// jobs further than this from their deadline are not urgent at all
	urgencyHorizon = 300 * time.Second

	// fairness additives
	idleBonusStep      = 0.01
	idleBonusCap       = 0.05
	starvationBonusCap = 0.05
	jitterSpan         = 0.02

	softClampCenter = 0.8
	softClampGain   = 5.0
)

// Snapshot captures the node's condition at bid time. The orchestrator
// assembles it from the executor, wallet and fairness tracker.
type Snapshot struct {
	Trust             float64
	ActiveJobs        int
	CPUUtil           float64
	MemUtil           float64
	Completions       int
	ConsecutiveLosses int
	Starvation        float64
}

// Breakdown carries every intermediate of one scoring pass. The status
// API exposes it so an operator can see why the node bid what it bid.
type Breakdown struct {
	Capability      float64 `json:"capability"`
	Load            float64 `json:"load"`
	Trust           float64 `json:"trust"`
	Urgency         float64 `json:"urgency"`
	Priority        float64 `json:"priority"`
	Base            float64 `json:"base"`
	IdleBonus       float64 `json:"idle_bonus"`
	StarvationBonus float64 `json:"starvation_bonus"`
	Jitter          float64 `json:"jitter"`
	Final           float64 `json:"final"`
}

// Config holds the static side of scoring.
type Config struct {
	Capabilities  []string
	MaxConcurrent int
	// DisableJitter makes scoring reproducible, for tests and what-if
	// queries against the status API.
	DisableJitter bool
	Rand          *rand.Rand
}

// Scorer computes bid scores for the local node.
type Scorer struct {
	conf *Config
	caps map[string]bool
}

// New builds a scorer for a node with the given capabilities.
func New(conf *Config) *Scorer {
	if conf.MaxConcurrent <= 0 {
		conf.MaxConcurrent = 1
	}
	caps := make(map[string]bool, len(conf.Capabilities))
	for _, c := range conf.Capabilities {
		caps[c] = true
	}
	return &Scorer{conf: conf, caps: caps}
}

// Score returns the final bid score for the job.
func (s *Scorer) Score(job *protocol.JobBroadcast, timeToDeadline time.Duration, snap Snapshot) float64 {
	return s.Explain(job, timeToDeadline, snap).Final
}

// Capable reports whether the node supports the job's type at all.
// Missing secondary requirements only decay the score; a missing job
// type is a hard no.
func (s *Scorer) Capable(job *protocol.JobBroadcast) bool {
	return s.caps[job.JobType]
}

// Explain runs one scoring pass and returns every intermediate.
func (s *Scorer) Explain(job *protocol.JobBroadcast, timeToDeadline time.Duration, snap Snapshot) Breakdown {
	var b Breakdown
	b.Capability = s.capability(job, snap.Completions)
	b.Load = s.load(snap)
	b.Trust = math.Pow(clamp01(snap.Trust), trustExponent)
	b.Urgency = urgency(timeToDeadline)
	b.Priority = clamp01(job.Priority)

	b.Base = clamp01(capabilityWeight*b.Capability +
		loadWeight*b.Load +
		trustWeight*b.Trust +
		urgencyWeight*b.Urgency +
		priorityWeight*b.Priority)

	b.IdleBonus = math.Min(idleBonusCap, float64(snap.ConsecutiveLosses)*idleBonusStep)
	b.StarvationBonus = starvationBonusCap * clamp01(snap.Starvation)
	if !s.conf.DisableJitter {
		b.Jitter = (s.rand01()*2 - 1) * jitterSpan
	}

	b.Final = round4(softClamp(b.Base + b.IdleBonus + b.StarvationBonus + b.Jitter))
	return b
}

// capability gates on the job type and decays per missing requirement;
// prior completions of the type earn a small capped bonus.
func (s *Scorer) capability(job *protocol.JobBroadcast, completions int) float64 {
	if !s.caps[job.JobType] {
		return 0
	}
	c := 1.0
	for _, req := range job.Requirements {
		if !s.caps[req] {
			c *= missingRequirementDecay
		}
	}
	bonus := math.Min(completionBonusCap, float64(completions)*completionBonusStep)
	return clamp01(c + bonus)
}

func (s *Scorer) load(snap Snapshot) float64 {
	jobs := 1 - float64(snap.ActiveJobs)/float64(s.conf.MaxConcurrent)
	if jobs < 0 {
		jobs = 0
	}
	util := 1 - (clamp01(snap.CPUUtil)+clamp01(snap.MemUtil))/2
	return clamp01(loadJobsBlend*jobs + loadUtilBlend*util)
}

func urgency(timeToDeadline time.Duration) float64 {
	if timeToDeadline <= 0 {
		return 1
	}
	r := float64(timeToDeadline) / float64(urgencyHorizon)
	if r > 1 {
		r = 1
	}
	return 1 - r
}

// softClamp leaves scores below the center alone and squeezes everything
// above it through a tanh, so the output approaches 1.0 without ever
// reaching it.
func softClamp(x float64) float64 {
	if x <= softClampCenter {
		return clamp01(x)
	}
	return softClampCenter + (1-softClampCenter)*math.Tanh(softClampGain*(x-softClampCenter))
}

func round4(x float64) float64 {
	r := math.Round(x*10000) / 10000
	if r >= 1 {
		r = 0.9999
	}
	if r < 0 {
		r = 0
	}
	return r
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

func (s *Scorer) rand01() float64 {
	if s.conf.Rand != nil {
		return s.conf.Rand.Float64()
	}
	return rand.Float64()
}
