package executor

import (
	"sync"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/protocol"
)

type takeoverRec struct {
	mu   sync.Mutex
	jobs []string
}

func (r *takeoverRec) take(job *protocol.JobBroadcast) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job.JobID)
	r.mu.Unlock()
}

func (r *takeoverRec) taken() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.jobs...)
}

func newTestRecovery(t *testing.T) (*RecoveryManager, clock.FakeClock, *takeoverRec) {
	t.Helper()
	fc := clock.NewFakeClock()
	rec := &takeoverRec{}
	r := NewRecoveryManager(log.New(nil, log.WarnLevel, true), fc, 0, rec.take)
	return r, fc, rec
}

func TestTakeoverFiresAfterHeartbeatSilence(t *testing.T) {
	r, fc, rec := newTestRecovery(t)
	job := testJob("j1", fc.Now().Add(time.Hour))
	r.WatchAsBackup(job, "cm1primary0000000")
	require.Equal(t, 1, r.Watching())

	fc.Advance(DefaultHeartbeatTimeout)
	r.scan()

	require.Equal(t, []string{"j1"}, rec.taken())
	require.Zero(t, r.Watching())
}

func TestHeartbeatsKeepThePrimaryAlive(t *testing.T) {
	r, fc, rec := newTestRecovery(t)
	job := testJob("j1", fc.Now().Add(time.Hour))
	r.WatchAsBackup(job, "cm1primary0000000")

	for i := 0; i < 6; i++ {
		fc.Advance(DefaultHeartbeatTimeout / 2)
		r.Heartbeat("j1", "cm1primary0000000")
		r.scan()
	}
	require.Empty(t, rec.taken())
	require.Equal(t, 1, r.Watching())
}

func TestForeignHeartbeatsDoNotRefreshTheWatch(t *testing.T) {
	r, fc, rec := newTestRecovery(t)
	job := testJob("j1", fc.Now().Add(time.Hour))
	r.WatchAsBackup(job, "cm1primary0000000")

	fc.Advance(DefaultHeartbeatTimeout / 2)
	r.Heartbeat("j1", "cm1somebodyelse00")
	fc.Advance(DefaultHeartbeatTimeout / 2)
	r.scan()

	require.Equal(t, []string{"j1"}, rec.taken())
}

func TestResolvedJobsAreNotTakenOver(t *testing.T) {
	r, fc, rec := newTestRecovery(t)
	job := testJob("j1", fc.Now().Add(time.Hour))
	r.WatchAsBackup(job, "cm1primary0000000")

	r.Resolve("j1")
	fc.Advance(2 * DefaultHeartbeatTimeout)
	r.scan()

	require.Empty(t, rec.taken())
	require.Zero(t, r.Watching())
}

func TestRecoveryLoopScansOnItsOwn(t *testing.T) {
	r, fc, rec := newTestRecovery(t)
	job := testJob("j1", fc.Now().Add(time.Hour))
	r.WatchAsBackup(job, "cm1primary0000000")

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		fc.Advance(DefaultHeartbeatTimeout / 3)
		return len(rec.taken()) == 1
	}, time.Second, 10*time.Millisecond)
}
