package wallet

import (
	"sync"
	"time"
)

// Default economics applied when the token config leaves a knob unset.
const (
	// DefaultNetworkFee is the fraction of every payment burned by the
	// mesh.
	DefaultNetworkFee = 0.02
	// DefaultSuccessBonus rewards on-time completion, paid out of the
	// reward pool while it lasts.
	DefaultSuccessBonus = 5
	// DefaultLatePenalty is subtracted from payments delivered after the
	// deadline but within the late window.
	DefaultLatePenalty = 10
	// DefaultRewardPool caps how many bonus tokens the mesh can mint.
	DefaultRewardPool = 1000
	// LateWindow separates a late delivery from a very late one.
	LateWindow = 60 * time.Second
	// VeryLateFactor keeps half the payment when delivery misses the
	// deadline by more than the late window.
	VeryLateFactor = 0.5
)

// Timeliness buckets of a settled job.
const (
	OnTime   = "on_time"
	Late     = "late"
	VeryLate = "very_late"
)

// Payment is the settlement breakdown for one completed job.
type Payment struct {
	Base       float64 `json:"base"`
	Fee        float64 `json:"fee"`
	Bonus      float64 `json:"bonus"`
	Penalty    float64 `json:"penalty"`
	Total      float64 `json:"total"`
	Timeliness string  `json:"timeliness"`
}

// CalcConfig sets the economics of a Calculator. Zero values fall back
// to the package defaults.
type CalcConfig struct {
	NetworkFee   float64
	SuccessBonus float64
	LatePenalty  float64
	RewardPool   float64
}

// Calculator turns a job's base payment and delivery time into the
// amount the winner actually earns. Bonuses draw from a bounded reward
// pool; slashed stakes flow back into it, so the mesh cannot mint more
// tokens than the pool ever held.
type Calculator struct {
	mu      sync.Mutex
	fee     float64
	bonus   float64
	penalty float64
	pool    float64
	poolCap float64
}

// NewCalculator returns a calculator with a full reward pool.
func NewCalculator(conf CalcConfig) *Calculator {
	if conf.NetworkFee == 0 {
		conf.NetworkFee = DefaultNetworkFee
	}
	if conf.SuccessBonus == 0 {
		conf.SuccessBonus = DefaultSuccessBonus
	}
	if conf.LatePenalty == 0 {
		conf.LatePenalty = DefaultLatePenalty
	}
	if conf.RewardPool == 0 {
		conf.RewardPool = DefaultRewardPool
	}
	return &Calculator{
		fee:     conf.NetworkFee,
		bonus:   conf.SuccessBonus,
		penalty: conf.LatePenalty,
		pool:    conf.RewardPool,
		poolCap: conf.RewardPool,
	}
}

// Settle computes the payout for a job paying base that was due at
// deadline and delivered at finished. On-time work earns a bonus while
// the pool has tokens left; late work is penalized; very late work keeps
// half the after-fee payment. The total never goes negative.
func (c *Calculator) Settle(base float64, deadline, finished time.Time) Payment {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := Payment{Base: base}
	p.Fee = base * c.fee
	after := base - p.Fee

	switch {
	case !finished.After(deadline):
		p.Timeliness = OnTime
		p.Bonus = c.bonus
		if p.Bonus > c.pool {
			p.Bonus = c.pool
		}
		c.pool -= p.Bonus
		p.Total = after + p.Bonus
	case finished.Sub(deadline) < LateWindow:
		p.Timeliness = Late
		p.Penalty = c.penalty
		if p.Penalty > after {
			p.Penalty = after
		}
		p.Total = after - p.Penalty
	default:
		p.Timeliness = VeryLate
		p.Total = after * VeryLateFactor
		p.Penalty = after - p.Total
	}
	return p
}

// Refill returns slashed tokens to the reward pool, never beyond its
// original size.
func (c *Calculator) Refill(amount float64) {
	if amount <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool += amount
	if c.pool > c.poolCap {
		c.pool = c.poolCap
	}
}

// Pool returns the bonus tokens still available.
func (c *Calculator) Pool() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}
