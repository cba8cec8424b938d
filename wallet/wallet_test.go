package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/log"
)

func newTestWallet(t *testing.T) (*Wallet, *Config) {
	t.Helper()
	conf := &Config{
		Log:    log.New(nil, log.WarnLevel, true),
		Clock:  clock.NewFakeClock(),
		Pair:   key.NewKeyPair("127.0.0.1:0"),
		Folder: t.TempDir(),
	}
	w, err := New(conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, conf
}

func TestWalletStartsFunded(t *testing.T) {
	w, _ := newTestWallet(t)
	require.Equal(t, float64(DefaultStartingBalance), w.Balance())
	require.Zero(t, w.Staked())

	txs := w.Transactions()
	require.Len(t, txs, 1)
	require.Equal(t, KindDeposit, txs[0].Kind)
	require.Equal(t, "initial_balance", txs[0].Reason)

	n, err := w.Ledger().Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	w, _ := newTestWallet(t)
	before := w.Balance()

	_, err := w.Deposit(42.5, "payment", "job-1", "cm1aabbccdd001122")
	require.NoError(t, err)
	require.Equal(t, before+42.5, w.Balance())

	tx, err := w.Withdraw(42.5, "payout", "job-1")
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, before, w.Balance())

	require.Len(t, w.Transactions(), 3)
}

func TestNonPositiveAmountsAreInvalid(t *testing.T) {
	w, _ := newTestWallet(t)
	for _, amount := range []float64{0, -1, -0.01} {
		_, err := w.Deposit(amount, "x", "", "")
		require.ErrorIs(t, err, ErrInvalidAmount)
		_, err = w.Withdraw(amount, "x", "")
		require.ErrorIs(t, err, ErrInvalidAmount)
		_, err = w.Stake(amount, "job-1")
		require.ErrorIs(t, err, ErrInvalidAmount)
		_, err = w.Unstake(amount, "job-1", true)
		require.ErrorIs(t, err, ErrInvalidAmount)
	}
	require.Len(t, w.Transactions(), 1)
}

func TestWithdrawBeyondBalanceIsSilent(t *testing.T) {
	w, _ := newTestWallet(t)
	before := w.Balance()

	tx, err := w.Withdraw(before+1, "too much", "")
	require.NoError(t, err)
	require.Nil(t, tx)
	require.Equal(t, before, w.Balance())
	require.Len(t, w.Transactions(), 1)
}

func TestStakeMovesBalanceIntoEscrow(t *testing.T) {
	w, _ := newTestWallet(t)
	before := w.Balance()

	_, err := w.Stake(30, "job-1")
	require.NoError(t, err)
	require.Equal(t, before-30, w.Balance())
	require.Equal(t, float64(30), w.Staked())
	require.Equal(t, float64(30), w.StakedFor("job-1"))
	require.True(t, w.CanAfford(before-30))
	require.False(t, w.CanAfford(before))
}

func TestStakeBeyondBalanceFails(t *testing.T) {
	w, _ := newTestWallet(t)
	_, err := w.Stake(w.Balance()+1, "job-1")
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Zero(t, w.Staked())
}

func TestUnstakeSuccessRestoresBalance(t *testing.T) {
	w, _ := newTestWallet(t)
	before := w.Balance()

	_, err := w.Stake(25, "job-1")
	require.NoError(t, err)
	_, err = w.Unstake(25, "job-1", true)
	require.NoError(t, err)

	require.Equal(t, before, w.Balance())
	require.Zero(t, w.Staked())
	require.Zero(t, w.StakedFor("job-1"))
}

func TestSlashBurnsTheStake(t *testing.T) {
	w, _ := newTestWallet(t)
	before := w.Balance()

	_, err := w.Stake(25, "job-1")
	require.NoError(t, err)
	tx, err := w.Unstake(25, "job-1", false)
	require.NoError(t, err)
	require.Equal(t, KindSlash, tx.Kind)

	require.Equal(t, before-25, w.Balance())
	require.Zero(t, w.Staked())
	require.Equal(t, float64(25), w.Stats().Slashed)
}

func TestUnstakeMoreThanStakedIsInvalid(t *testing.T) {
	w, _ := newTestWallet(t)
	_, err := w.Stake(10, "job-1")
	require.NoError(t, err)

	_, err = w.Unstake(11, "job-1", true)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = w.Unstake(5, "job-2", false)
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Equal(t, float64(10), w.Staked())
}

func TestStakesAreTrackedPerJob(t *testing.T) {
	w, _ := newTestWallet(t)
	_, err := w.Stake(10, "job-1")
	require.NoError(t, err)
	_, err = w.Stake(20, "job-2")
	require.NoError(t, err)

	require.Equal(t, float64(30), w.Staked())
	require.Equal(t, float64(10), w.StakedFor("job-1"))
	require.Equal(t, float64(20), w.StakedFor("job-2"))

	_, err = w.Unstake(20, "job-2", true)
	require.NoError(t, err)
	require.Equal(t, float64(10), w.Staked())
	require.Zero(t, w.StakedFor("job-2"))
}

func TestConservationHoldsAcrossMutations(t *testing.T) {
	w, _ := newTestWallet(t)

	_, err := w.Deposit(50, "payment", "job-1", "")
	require.NoError(t, err)
	_, err = w.Stake(40, "job-2")
	require.NoError(t, err)
	_, err = w.Unstake(15, "job-2", true)
	require.NoError(t, err)
	_, err = w.Unstake(25, "job-2", false)
	require.NoError(t, err)
	tx, err := w.Withdraw(10, "fees", "")
	require.NoError(t, err)
	require.NotNil(t, tx)

	stats := w.Stats()
	require.InDelta(t, stats.Balance+stats.Staked,
		stats.Deposits-stats.Withdrawals-stats.Slashed, 1e-9)

	var sum float64
	for _, e := range w.Transactions() {
		sum += e.Delta()
	}
	require.InDelta(t, stats.Balance+stats.Staked, sum, 1e-9)
}

func TestWalletSurvivesRestart(t *testing.T) {
	conf := &Config{
		Log:    log.New(nil, log.WarnLevel, true),
		Clock:  clock.NewFakeClock(),
		Pair:   key.NewKeyPair("127.0.0.1:0"),
		Folder: t.TempDir(),
	}
	w, err := New(conf)
	require.NoError(t, err)
	_, err = w.Deposit(50, "payment", "job-1", "")
	require.NoError(t, err)
	_, err = w.Stake(30, "job-2")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reopened, err := New(conf)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, float64(DefaultStartingBalance)+50-30, reopened.Balance())
	require.Equal(t, float64(30), reopened.Staked())
	require.Equal(t, float64(30), reopened.StakedFor("job-2"))

	stats := reopened.Stats()
	require.InDelta(t, stats.Balance+stats.Staked,
		stats.Deposits-stats.Withdrawals-stats.Slashed, 1e-9)

	// the ledger keeps growing after the restart
	_, err = reopened.Deposit(1, "idle_reward", "", "")
	require.NoError(t, err)
	n, err := reopened.Ledger().Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestLedgerEntriesVerify(t *testing.T) {
	w, _ := newTestWallet(t)
	_, err := w.Deposit(12, "payment", "job-1", "cm1deadbeef001122")
	require.NoError(t, err)
	_, err = w.Stake(5, "job-1")
	require.NoError(t, err)

	var seen int
	err = w.Ledger().Walk(context.Background(), func(e *LedgerEntry) error {
		seen++
		return e.Verify()
	})
	require.NoError(t, err)
	require.Equal(t, 3, seen)
}

func TestTamperedEntryFailsVerification(t *testing.T) {
	w, _ := newTestWallet(t)
	tx, err := w.Deposit(12, "payment", "job-1", "")
	require.NoError(t, err)
	require.NoError(t, tx.Verify())

	tampered := *tx
	tampered.Amount = 1200
	require.ErrorIs(t, tampered.Verify(), ErrBadEntryID)

	// recomputing the id over the tampered content is not enough, the
	// signature check still fails
	cp := tampered
	cp.ID = ""
	cp.Signature = ""
	cp.PublicKey = ""
	canonical, err := cp.canonical()
	require.NoError(t, err)
	sum := sha256.Sum256(canonical)
	tampered.ID = hex.EncodeToString(sum[:])
	require.ErrorIs(t, tampered.Verify(), ErrBadEntrySignature)
}

func TestEntryTimestampFollowsClock(t *testing.T) {
	fc := clock.NewFakeClock()
	conf := &Config{
		Log:    log.New(nil, log.WarnLevel, true),
		Clock:  fc,
		Pair:   key.NewKeyPair("127.0.0.1:0"),
		Folder: t.TempDir(),
	}
	w, err := New(conf)
	require.NoError(t, err)
	defer w.Close()

	fc.Advance(90 * time.Second)
	tx, err := w.Deposit(1, "payment", "", "")
	require.NoError(t, err)

	txs := w.Transactions()
	require.InDelta(t, 90, tx.Timestamp-txs[0].Timestamp, 1e-6)
}
