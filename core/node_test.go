package core

import (
	"context"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	dhttp "github.com/crunchmesh/crunchmesh/http"
	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/protocol"
	"github.com/crunchmesh/crunchmesh/reputation"
	"github.com/crunchmesh/crunchmesh/wallet"
)

func newTestNode(t *testing.T, opts ...ConfigOption) *Node {
	t.Helper()
	folder := t.TempDir()
	store := key.NewFileStore(folder)
	require.NoError(t, store.SaveKeyPair(key.NewKeyPair("")))

	conf := NewConfig(append([]ConfigOption{
		WithConfigFolder(folder),
		WithNodeName("test-node"),
	}, opts...)...)
	n, err := NewNode(store, conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Stop(ctx)
	})
	return n
}

func TestNewNodeDerivesIdentity(t *testing.T) {
	n := newTestNode(t)
	require.True(t, key.VerifyID(n.NodeID(), n.priv.Public.Key))
	require.Equal(t, "test-node", n.Name())
	require.Equal(t, DefaultMeshID, n.MeshID())
	require.True(t, n.StartedAt().IsZero())
}

func TestNewNodeStartsFunded(t *testing.T) {
	n := newTestNode(t)
	stats := n.WalletStats()
	require.Equal(t, float64(wallet.DefaultStartingBalance), stats.Balance)
	require.Zero(t, stats.Staked)

	trust := n.TrustStats()
	require.Equal(t, reputation.DefaultStartingTrust, trust.Trust)
}

func TestNewNodeRejectsBadFileConfig(t *testing.T) {
	folder := t.TempDir()
	store := key.NewFileStore(folder)
	require.NoError(t, store.SaveKeyPair(key.NewKeyPair("")))

	fc := NewFileConfig()
	fc.Executor.MaxConcurrentJobs = -1
	_, err := NewNode(store, NewConfig(WithConfigFolder(folder), WithFileConfig(fc)))
	require.Error(t, err)
}

func TestSubmitRequiresRunningNode(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Submit(context.Background(), &dhttp.SubmitRequest{
		JobType: "echo",
		Payment: 10,
	})
	require.ErrorIs(t, err, errNotStarted)
}

func TestSubmitValidatesRequest(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Submit(context.Background(), &dhttp.SubmitRequest{Payment: 10})
	require.Error(t, err)

	_, err = n.Submit(context.Background(), &dhttp.SubmitRequest{JobType: "echo"})
	require.Error(t, err)

	_, err = n.Submit(context.Background(), &dhttp.SubmitRequest{
		JobType: "echo",
		Payment: wallet.DefaultStartingBalance + 1,
	})
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)
}

func TestStopBeforeStartIsClean(t *testing.T) {
	n := newTestNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(ctx))
	// a second stop is a no-op
	require.NoError(t, n.Stop(ctx))
	select {
	case <-n.WaitExit():
	default:
		t.Fatal("exit channel did not fire")
	}
}

func TestViewsAnswerBeforeStart(t *testing.T) {
	n := newTestNode(t)
	require.Nil(t, n.Addresses())
	require.Nil(t, n.MeshPeers())
	require.Nil(t, n.Auctions())
	require.Zero(t, n.Running())
	_, _, _, ok := n.Job("nope")
	require.False(t, ok)
}

func TestSweepJobsDropsStaleRecords(t *testing.T) {
	clk := clock.NewFakeClock()
	n := newTestNode(t, WithClock(clk))
	n.state.Lock()
	n.jobs["old"] = &jobRecord{status: JobStatusAuctioning, updated: clk.Now()}
	n.state.Unlock()

	clk.Advance(jobRetention / 2)
	n.sweepJobs()
	_, _, _, ok := n.Job("old")
	require.True(t, ok)

	clk.Advance(jobRetention)
	n.sweepJobs()
	_, _, _, ok = n.Job("old")
	require.False(t, ok)
}

func TestReasonFor(t *testing.T) {
	require.Equal(t, reputation.ReasonSuccessOnTime, reasonFor(protocol.StatusSuccess, true))
	require.Equal(t, reputation.ReasonSuccessLate, reasonFor(protocol.StatusSuccess, false))
	require.Equal(t, reputation.ReasonTimeout, reasonFor(protocol.StatusTimeout, true))
	require.Equal(t, reputation.ReasonFailure, reasonFor(protocol.StatusFailure, false))
}

func TestSealUnsealRoundTrip(t *testing.T) {
	n := newTestNode(t)
	encKey := key.PointToString(n.priv.Public.EncKey)

	ct, err := n.seal(encKey, map[string]interface{}{"answer": 42.0})
	require.NoError(t, err)

	out, err := n.unseal(ct)
	require.NoError(t, err)
	m, ok := out.(map[string]interface{})
	require.True(t, ok)
	require.EqualValues(t, 42, m["answer"])
}
