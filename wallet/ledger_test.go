package wallet

import (
	"context"
	"errors"
	"testing"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/protocol"
)

func newTestLedger(t *testing.T) (*Ledger, *key.Pair) {
	t.Helper()
	l, err := NewLedger(context.Background(), log.New(nil, log.WarnLevel, true), t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close(context.Background()) })
	return l, key.NewKeyPair("127.0.0.1:0")
}

func sealedEntry(t *testing.T, pair *key.Pair, kind string, amount float64) *LedgerEntry {
	t.Helper()
	e := &LedgerEntry{
		NodeID:    pair.Public.ID(),
		Kind:      kind,
		Amount:    amount,
		Reason:    "test",
		Nonce:     protocol.NewNonce(),
		Timestamp: protocol.UnixSeconds(clock.NewFakeClock().Now()),
	}
	require.NoError(t, e.seal(pair))
	return e
}

func TestLedgerWalksInAppendOrder(t *testing.T) {
	l, pair := newTestLedger(t)
	amounts := []float64{1, 2, 3, 4, 5}
	for _, a := range amounts {
		require.NoError(t, l.Append(context.Background(), sealedEntry(t, pair, KindDeposit, a)))
	}

	var walked []float64
	err := l.Walk(context.Background(), func(e *LedgerEntry) error {
		walked = append(walked, e.Amount)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, amounts, walked)
}

func TestLedgerFindsEntriesByContentAddress(t *testing.T) {
	l, pair := newTestLedger(t)
	e := sealedEntry(t, pair, KindStake, 12.5)
	require.NoError(t, l.Append(context.Background(), e))

	found, err := l.Find(context.Background(), e.ID)
	require.NoError(t, err)
	require.Equal(t, e.Amount, found.Amount)
	require.Equal(t, e.Signature, found.Signature)
	require.NoError(t, found.Verify())

	_, err = l.Find(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNoEntry)
}

func TestLedgerLastAndLen(t *testing.T) {
	l, pair := newTestLedger(t)

	_, err := l.Last(context.Background())
	require.ErrorIs(t, err, ErrNoEntry)

	require.NoError(t, l.Append(context.Background(), sealedEntry(t, pair, KindDeposit, 1)))
	require.NoError(t, l.Append(context.Background(), sealedEntry(t, pair, KindWithdraw, 2)))

	last, err := l.Last(context.Background())
	require.NoError(t, err)
	require.Equal(t, KindWithdraw, last.Kind)

	n, err := l.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLedgerHonorsContext(t *testing.T) {
	l, pair := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, l.Append(ctx, sealedEntry(t, pair, KindDeposit, 1)), context.Canceled)
	_, err := l.Last(ctx)
	require.ErrorIs(t, err, context.Canceled)
	err = l.Walk(ctx, func(*LedgerEntry) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestLedgerWalkStopsOnError(t *testing.T) {
	l, pair := newTestLedger(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(context.Background(), sealedEntry(t, pair, KindDeposit, float64(i+1))))
	}

	boom := errors.New("boom")
	var walked int
	err := l.Walk(context.Background(), func(*LedgerEntry) error {
		walked++
		if walked == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, walked)
}
