package executor

import (
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/protocol"
)

func newTestCheckpoints(t *testing.T) (*CheckpointManager, clock.FakeClock) {
	t.Helper()
	fc := clock.NewFakeClock()
	mgr := NewCheckpointManager(log.New(nil, log.WarnLevel, true), fc, t.TempDir(), 0)
	return mgr, fc
}

func TestCheckpointRoundTrip(t *testing.T) {
	mgr, _ := newTestCheckpoints(t)
	cp := &Checkpoint{
		JobID:               "j1",
		Progress:            0.5,
		State:               map[string]interface{}{"cursor": "page-3"},
		CompletedSteps:      []string{"fetch", "transform"},
		CurrentStep:         "transform",
		IntermediateResults: map[string]interface{}{"rows": float64(1200)},
	}
	require.NoError(t, mgr.Save(cp))

	loaded, found := mgr.Load("j1")
	require.True(t, found)
	require.Equal(t, cp.Progress, loaded.Progress)
	require.Equal(t, cp.CompletedSteps, loaded.CompletedSteps)
	require.Equal(t, cp.CurrentStep, loaded.CurrentStep)
	require.Equal(t, "page-3", loaded.State["cursor"])
	require.Equal(t, float64(1200), loaded.IntermediateResults["rows"])

	mgr.Delete("j1")
	_, found = mgr.Load("j1")
	require.False(t, found)
}

func TestCheckpointScheduleIsTimeBased(t *testing.T) {
	mgr, fc := newTestCheckpoints(t)

	// nothing saved yet, so the first ask always fires
	require.True(t, mgr.ShouldSave("j1", 0))
	require.NoError(t, mgr.Save(&Checkpoint{JobID: "j1"}))

	require.False(t, mgr.ShouldSave("j1", 0.1))
	fc.Advance(DefaultCheckpointInterval)
	require.True(t, mgr.ShouldSave("j1", 0.1))
}

func TestCheckpointScheduleIsMilestoneBased(t *testing.T) {
	mgr, _ := newTestCheckpoints(t)
	require.NoError(t, mgr.Save(&Checkpoint{JobID: "j1", Progress: 0.1}))

	require.False(t, mgr.ShouldSave("j1", 0.2))
	require.True(t, mgr.ShouldSave("j1", 0.25))
	require.True(t, mgr.ShouldSave("j1", 0.6))

	require.NoError(t, mgr.Save(&Checkpoint{JobID: "j1", Progress: 0.6}))
	require.False(t, mgr.ShouldSave("j1", 0.7))
	require.True(t, mgr.ShouldSave("j1", 0.75))
}

func TestResumableContextTracksStepsWithoutManager(t *testing.T) {
	job := &protocol.JobBroadcast{JobID: "j1", JobType: "sum"}
	var reported []float64
	rc := newResumableContext(log.New(nil, log.WarnLevel, true), job, nil,
		func(p float64) { reported = append(reported, p) })

	require.False(t, rc.WasStepCompleted("fetch"))
	rc.MarkStepComplete("fetch")
	require.True(t, rc.WasStepCompleted("fetch"))

	rc.SetState("cursor", "page-2")
	v, ok := rc.State("cursor")
	require.True(t, ok)
	require.Equal(t, "page-2", v)

	rc.SetIntermediateResult("partial", 7)
	v, ok = rc.IntermediateResult("partial")
	require.True(t, ok)
	require.Equal(t, 7, v)

	rc.SetProgress(1.5)
	require.Equal(t, []float64{1.0}, reported)

	// no manager: checkpointing is a no-op, not a crash
	rc.Checkpoint()
	rc.CheckpointIfNeeded()
}

func TestResumableContextRestore(t *testing.T) {
	mgr, _ := newTestCheckpoints(t)
	job := &protocol.JobBroadcast{JobID: "j1", JobType: "sum"}

	rc := newResumableContext(log.New(nil, log.WarnLevel, true), job, mgr, nil)
	rc.MarkStepComplete("fetch")
	rc.SetState("cursor", "page-2")
	rc.SetIntermediateResult("rows", float64(300))
	rc.SetProgress(0.5)
	rc.Checkpoint()

	cp, found := mgr.Load("j1")
	require.True(t, found)

	resumed := newResumableContext(log.New(nil, log.WarnLevel, true), job, mgr, nil)
	resumed.restore(cp)
	require.True(t, resumed.WasStepCompleted("fetch"))
	require.False(t, resumed.WasStepCompleted("transform"))
	v, ok := resumed.State("cursor")
	require.True(t, ok)
	require.Equal(t, "page-2", v)
	v, ok = resumed.IntermediateResult("rows")
	require.True(t, ok)
	require.Equal(t, float64(300), v)
}
