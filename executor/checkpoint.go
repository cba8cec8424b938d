package executor

import (
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"
	json "github.com/nikkolasg/hexjson"

	"github.com/crunchmesh/crunchmesh/fs"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/protocol"
)

// DefaultCheckpointInterval is the time-based checkpoint schedule.
const DefaultCheckpointInterval = 30 * time.Second

// progressMilestones are the progress fractions that force a checkpoint
// when first crossed.
var progressMilestones = []float64{0.25, 0.5, 0.75}

// Checkpoint is the persisted execution state of one job, enough for a
// backup node (or a restarted primary) to pick up where the run stopped.
type Checkpoint struct {
	JobID               string                 `json:"job_id"`
	Progress            float64                `json:"progress"`
	State               map[string]interface{} `json:"state,omitempty"`
	CompletedSteps      []string               `json:"completed_steps,omitempty"`
	CurrentStep         string                 `json:"current_step,omitempty"`
	IntermediateResults map[string]interface{} `json:"intermediate_results,omitempty"`
	UpdatedAt           float64                `json:"updated_at"`
}

// CheckpointManager persists checkpoints as JSON files in the node's
// checkpoints directory. Saves happen on a schedule: every interval,
// when a progress milestone is crossed, or whenever a runner asks.
type CheckpointManager struct {
	sync.Mutex
	l        log.Logger
	clock    clock.Clock
	folder   string
	interval time.Duration

	lastSave     map[string]time.Time
	lastProgress map[string]float64
}

// NewCheckpointManager creates the checkpoints directory under folder
// and returns the manager.
func NewCheckpointManager(l log.Logger, c clock.Clock, folder string, interval time.Duration) *CheckpointManager {
	if interval == 0 {
		interval = DefaultCheckpointInterval
	}
	return &CheckpointManager{
		l:            l.Named("checkpoint"),
		clock:        c,
		folder:       fs.CreateSecureFolder(path.Join(folder, "checkpoints")),
		interval:     interval,
		lastSave:     make(map[string]time.Time),
		lastProgress: make(map[string]float64),
	}
}

func (m *CheckpointManager) file(jobID string) string {
	return path.Join(m.folder, fmt.Sprintf("checkpoint_%s.json", jobID))
}

// ShouldSave reports whether the schedule calls for a checkpoint at the
// given progress: the interval elapsed since the last save, or a
// milestone was crossed since.
func (m *CheckpointManager) ShouldSave(jobID string, progress float64) bool {
	m.Lock()
	defer m.Unlock()
	last, saved := m.lastSave[jobID]
	if !saved {
		return true
	}
	if m.clock.Now().Sub(last) >= m.interval {
		return true
	}
	before := m.lastProgress[jobID]
	for _, milestone := range progressMilestones {
		if before < milestone && progress >= milestone {
			return true
		}
	}
	return false
}

// Save persists the checkpoint. IO failures are logged and returned; the
// caller keeps executing either way.
func (m *CheckpointManager) Save(cp *Checkpoint) error {
	cp.UpdatedAt = protocol.UnixSeconds(m.clock.Now())
	buff, err := json.Marshal(cp)
	if err != nil {
		m.l.Errorw("encoding checkpoint", "job", cp.JobID, "err", err)
		return err
	}
	if err := os.WriteFile(m.file(cp.JobID), buff, 0600); err != nil {
		m.l.Errorw("writing checkpoint", "job", cp.JobID, "err", err)
		return err
	}

	m.Lock()
	m.lastSave[cp.JobID] = m.clock.Now()
	m.lastProgress[cp.JobID] = cp.Progress
	m.Unlock()
	m.l.Debugw("checkpoint saved", "job", cp.JobID, "progress", cp.Progress,
		"step", cp.CurrentStep)
	return nil
}

// Load returns the persisted checkpoint of a job, if any.
func (m *CheckpointManager) Load(jobID string) (*Checkpoint, bool) {
	buff, err := os.ReadFile(m.file(jobID))
	if err != nil {
		return nil, false
	}
	cp := new(Checkpoint)
	if err := json.Unmarshal(buff, cp); err != nil {
		m.l.Errorw("decoding checkpoint", "job", jobID, "err", err)
		return nil, false
	}
	return cp, true
}

// Delete removes the checkpoint of a finished job.
func (m *CheckpointManager) Delete(jobID string) {
	if err := os.Remove(m.file(jobID)); err != nil && !os.IsNotExist(err) {
		m.l.Warnw("removing checkpoint", "job", jobID, "err", err)
	}
	m.Lock()
	delete(m.lastSave, jobID)
	delete(m.lastProgress, jobID)
	m.Unlock()
}

// ResumableContext is the handle a checkpointing runner works through.
// It accumulates step completions, scratch state and intermediate
// results, and persists them on the manager's schedule. All methods are
// safe for concurrent use by a runner's internal goroutines.
type ResumableContext struct {
	mu         sync.Mutex
	l          log.Logger
	job        *protocol.JobBroadcast
	mgr        *CheckpointManager
	cp         Checkpoint
	steps      map[string]bool
	onProgress func(float64)
}

func newResumableContext(l log.Logger, job *protocol.JobBroadcast, mgr *CheckpointManager, onProgress func(float64)) *ResumableContext {
	return &ResumableContext{
		l:   l,
		job: job,
		mgr: mgr,
		cp: Checkpoint{
			JobID:               job.JobID,
			State:               make(map[string]interface{}),
			IntermediateResults: make(map[string]interface{}),
		},
		steps:      make(map[string]bool),
		onProgress: onProgress,
	}
}

// restore seeds the context from a previously persisted checkpoint.
func (rc *ResumableContext) restore(cp *Checkpoint) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cp = *cp
	if rc.cp.State == nil {
		rc.cp.State = make(map[string]interface{})
	}
	if rc.cp.IntermediateResults == nil {
		rc.cp.IntermediateResults = make(map[string]interface{})
	}
	for _, step := range cp.CompletedSteps {
		rc.steps[step] = true
	}
}

// MarkStepComplete records the step as done, advances the current step
// marker and checkpoints if the schedule calls for it.
func (rc *ResumableContext) MarkStepComplete(step string) {
	rc.mu.Lock()
	if !rc.steps[step] {
		rc.steps[step] = true
		rc.cp.CompletedSteps = append(rc.cp.CompletedSteps, step)
	}
	rc.cp.CurrentStep = step
	rc.mu.Unlock()
	rc.CheckpointIfNeeded()
}

// WasStepCompleted reports whether the step already ran, either in this
// attempt or in the one the checkpoint came from.
func (rc *ResumableContext) WasStepCompleted(step string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.steps[step]
}

// SetState stores a scratch value carried across attempts.
func (rc *ResumableContext) SetState(key string, value interface{}) {
	rc.mu.Lock()
	rc.cp.State[key] = value
	rc.mu.Unlock()
}

// State returns a scratch value stored by a previous attempt or step.
func (rc *ResumableContext) State(key string) (interface{}, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.cp.State[key]
	return v, ok
}

// SetIntermediateResult stores a partial output carried across attempts.
func (rc *ResumableContext) SetIntermediateResult(key string, value interface{}) {
	rc.mu.Lock()
	rc.cp.IntermediateResults[key] = value
	rc.mu.Unlock()
}

// IntermediateResult returns a partial output stored earlier.
func (rc *ResumableContext) IntermediateResult(key string) (interface{}, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.cp.IntermediateResults[key]
	return v, ok
}

// SetProgress reports execution progress in [0,1]. It feeds the
// heartbeat loop and counts toward the milestone schedule.
func (rc *ResumableContext) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	rc.mu.Lock()
	rc.cp.Progress = p
	rc.mu.Unlock()
	if rc.onProgress != nil {
		rc.onProgress(p)
	}
	rc.CheckpointIfNeeded()
}

// CheckpointIfNeeded persists the state when the manager's schedule
// calls for it. Runners may also call it at natural boundaries.
func (rc *ResumableContext) CheckpointIfNeeded() {
	if rc.mgr == nil {
		return
	}
	rc.mu.Lock()
	progress := rc.cp.Progress
	rc.mu.Unlock()
	if !rc.mgr.ShouldSave(rc.job.JobID, progress) {
		return
	}
	rc.Checkpoint()
}

// Checkpoint persists the state unconditionally. IO failures only log;
// execution continues without the checkpoint.
func (rc *ResumableContext) Checkpoint() {
	if rc.mgr == nil {
		return
	}
	rc.mu.Lock()
	cp := rc.cp
	cp.CompletedSteps = append([]string(nil), rc.cp.CompletedSteps...)
	cp.State = copyValues(rc.cp.State)
	cp.IntermediateResults = copyValues(rc.cp.IntermediateResults)
	rc.mu.Unlock()
	_ = rc.mgr.Save(&cp)
}

func copyValues(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
