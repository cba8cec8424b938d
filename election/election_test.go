package election

import (
	"fmt"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func meshIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("cm1node%02d", i)
	}
	return ids
}

// electorFor builds the elector a given node would run: its healthy set
// is everyone else, itself added internally.
func electorFor(self string, all []string, c clock.Clock) *Elector {
	peers := make([]string, 0, len(all)-1)
	for _, id := range all {
		if id != self {
			peers = append(peers, id)
		}
	}
	return NewElector(&Config{
		Clock:   c,
		SelfID:  self,
		Healthy: func() []string { return append([]string(nil), peers...) },
	})
}

func TestElectIsDeterministicAcrossNodes(t *testing.T) {
	fc := clock.NewFakeClock()
	all := meshIDs(5)

	electors := make([]*Elector, len(all))
	for i, id := range all {
		electors[i] = electorFor(id, all, fc)
	}

	for i := 0; i < 50; i++ {
		jobID := fmt.Sprintf("job-%04d", i)
		want := electors[0].Elect(jobID)
		for _, e := range electors[1:] {
			require.Equal(t, want, e.Elect(jobID), "diverged on %s", jobID)
		}
	}
}

func TestElectRotatesEvenly(t *testing.T) {
	fc := clock.NewFakeClock()
	all := meshIDs(10)
	e := electorFor(all[0], all, fc)

	for i := 0; i < 100; i++ {
		e.Elect(fmt.Sprintf("job-%04d", i))
	}

	// the least-elected tiebreak turns the election into a rotation:
	// ten nodes, a hundred jobs, ten each
	for _, id := range all {
		require.Equal(t, 10, e.CoordinatorCount(id), "node %s", id)
	}
}

func TestElectSkipsBusyNodes(t *testing.T) {
	fc := clock.NewFakeClock()
	all := meshIDs(4)
	e := electorFor(all[0], all, fc)

	busy := all[2]
	e.ObserveClaim(busy)
	e.ObserveClaim(busy)
	require.Equal(t, 2, e.ActiveEstimate(busy))

	for i := 0; i < 20; i++ {
		require.NotEqual(t, busy, e.Elect(fmt.Sprintf("job-%04d", i)))
	}
	require.Equal(t, 0, e.CoordinatorCount(busy))

	// once its jobs drain the node is eligible again
	e.ObserveResult(busy)
	e.ObserveResult(busy)
	require.Equal(t, 0, e.ActiveEstimate(busy))
	found := false
	for i := 20; i < 40 && !found; i++ {
		found = e.Elect(fmt.Sprintf("job-%04d", i)) == busy
	}
	require.True(t, found, "drained node should win again")
}

func TestElectIsIdempotentPerJob(t *testing.T) {
	fc := clock.NewFakeClock()
	all := meshIDs(3)
	e := electorFor(all[0], all, fc)

	first := e.Elect("job-1")
	count := e.CoordinatorCount(first)
	require.Equal(t, first, e.Elect("job-1"))
	require.Equal(t, count, e.CoordinatorCount(first))

	got, ok := e.Coordinator("job-1")
	require.True(t, ok)
	require.Equal(t, first, got)

	e.Forget("job-1")
	_, ok = e.Coordinator("job-1")
	require.False(t, ok)
}

func TestElectHealthySetCached(t *testing.T) {
	fc := clock.NewFakeClock()
	peers := []string{}
	e := NewElector(&Config{
		Clock:   fc,
		SelfID:  "cm1zz",
		Healthy: func() []string { return append([]string(nil), peers...) },
	})

	// alone on the mesh: self wins everything
	require.Equal(t, "cm1zz", e.Elect("job-1"))

	// a fresh idle peer shows up, but the 5s cache still hides it
	peers = []string{"cm1aa"}
	require.Equal(t, "cm1zz", e.Elect("job-2"))

	fc.Advance(6 * time.Second)
	// cache expired: the new peer has the lower election count and wins
	require.Equal(t, "cm1aa", e.Elect("job-3"))
}

func TestRecordCoordinatorKeepsCountersInStep(t *testing.T) {
	fc := clock.NewFakeClock()
	all := meshIDs(3)
	e := electorFor(all[0], all, fc)

	e.RecordCoordinator("job-1", all[1])
	require.Equal(t, 1, e.CoordinatorCount(all[1]))
	got, ok := e.Coordinator("job-1")
	require.True(t, ok)
	require.Equal(t, all[1], got)

	// a local election for the same job defers to the recorded one
	require.Equal(t, all[1], e.Elect("job-1"))
	require.Equal(t, 1, e.CoordinatorCount(all[1]))

	// recording twice does not double count
	e.RecordCoordinator("job-1", all[2])
	require.Equal(t, 0, e.CoordinatorCount(all[2]))
}
