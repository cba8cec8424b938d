package wallet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOnTimeDeliveryEarnsBonus(t *testing.T) {
	c := NewCalculator(CalcConfig{NetworkFee: 0.02, SuccessBonus: 5, RewardPool: 100})
	deadline := time.Now()

	p := c.Settle(100, deadline, deadline.Add(-time.Second))
	require.Equal(t, OnTime, p.Timeliness)
	require.InDelta(t, 2, p.Fee, 1e-9)
	require.InDelta(t, 5, p.Bonus, 1e-9)
	require.InDelta(t, 103, p.Total, 1e-9)
	require.InDelta(t, 95, c.Pool(), 1e-9)
}

func TestDeliveryAtTheDeadlineIsOnTime(t *testing.T) {
	c := NewCalculator(CalcConfig{})
	deadline := time.Now()
	p := c.Settle(100, deadline, deadline)
	require.Equal(t, OnTime, p.Timeliness)
}

func TestLateDeliveryIsPenalized(t *testing.T) {
	c := NewCalculator(CalcConfig{NetworkFee: 0.02, LatePenalty: 10})
	deadline := time.Now()

	p := c.Settle(100, deadline, deadline.Add(30*time.Second))
	require.Equal(t, Late, p.Timeliness)
	require.Zero(t, p.Bonus)
	require.InDelta(t, 10, p.Penalty, 1e-9)
	require.InDelta(t, 88, p.Total, 1e-9)
}

func TestVeryLateDeliveryKeepsHalf(t *testing.T) {
	c := NewCalculator(CalcConfig{NetworkFee: 0.02})
	deadline := time.Now()

	p := c.Settle(100, deadline, deadline.Add(LateWindow))
	require.Equal(t, VeryLate, p.Timeliness)
	require.InDelta(t, 49, p.Total, 1e-9)
	require.InDelta(t, 49, p.Penalty, 1e-9)
}

func TestBonusPoolRunsDry(t *testing.T) {
	c := NewCalculator(CalcConfig{SuccessBonus: 5, RewardPool: 12})
	deadline := time.Now()

	p := c.Settle(100, deadline, deadline)
	require.InDelta(t, 5, p.Bonus, 1e-9)
	p = c.Settle(100, deadline, deadline)
	require.InDelta(t, 5, p.Bonus, 1e-9)

	// only 2 tokens left in the pool
	p = c.Settle(100, deadline, deadline)
	require.InDelta(t, 2, p.Bonus, 1e-9)
	require.Zero(t, c.Pool())

	p = c.Settle(100, deadline, deadline)
	require.Zero(t, p.Bonus)
	require.Equal(t, OnTime, p.Timeliness)
}

func TestSlashedStakesRefillThePoolBounded(t *testing.T) {
	c := NewCalculator(CalcConfig{SuccessBonus: 5, RewardPool: 10})
	deadline := time.Now()

	c.Settle(100, deadline, deadline)
	require.InDelta(t, 5, c.Pool(), 1e-9)

	c.Refill(3)
	require.InDelta(t, 8, c.Pool(), 1e-9)

	// the pool never grows beyond its original size
	c.Refill(1000)
	require.InDelta(t, 10, c.Pool(), 1e-9)

	c.Refill(-5)
	require.InDelta(t, 10, c.Pool(), 1e-9)
}

func TestPayoutNeverGoesNegative(t *testing.T) {
	c := NewCalculator(CalcConfig{NetworkFee: 0.02, LatePenalty: 1000})
	deadline := time.Now()

	p := c.Settle(100, deadline, deadline.Add(10*time.Second))
	require.Equal(t, Late, p.Timeliness)
	require.Zero(t, p.Total)
	require.InDelta(t, 98, p.Penalty, 1e-9)
}
