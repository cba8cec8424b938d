// Package executor runs the jobs this node wins. It schedules at most a
// configured number of concurrent runners, enforces the job deadline,
// emits progress heartbeats while a job runs and hands every outcome to
// the settlement sink. Long runners can opt into checkpointing through a
// ResumableContext, which also powers takeover by a backup node.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/metrics"
	"github.com/crunchmesh/crunchmesh/protocol"
)

// Executor defaults.
const (
	DefaultMaxConcurrent     = 4
	DefaultMinTimeout        = 30 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
)

var (
	// ErrUnknownJobType rejects jobs no registered runner can execute.
	ErrUnknownJobType = errors.New("executor: no runner for job type")
	// ErrAlreadyRunning rejects a second Execute for the same job id.
	ErrAlreadyRunning = errors.New("executor: job already running")
)

// Runner executes one type of job. The passed context carries the job
// deadline; a runner that outlives it has its result discarded.
type Runner interface {
	Run(ctx context.Context, job *protocol.JobBroadcast) (interface{}, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *protocol.JobBroadcast) (interface{}, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, job *protocol.JobBroadcast) (interface{}, error) {
	return f(ctx, job)
}

// ResumableRunner is a Runner that checkpoints its progress and can pick
// up where a previous attempt stopped. The executor detects it with a
// type assertion and wires the resume context to the checkpoint manager.
type ResumableRunner interface {
	Runner
	RunResumable(ctx context.Context, job *protocol.JobBroadcast, rc *ResumableContext) (interface{}, error)
}

// Result is the terminal outcome of one execution.
type Result struct {
	JobID     string      `json:"job_id"`
	Status    string      `json:"status"`
	Output    interface{} `json:"output,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	// Duration is in seconds, matching the wire format.
	Duration float64 `json:"duration"`
}

// Sink receives every finished result, in completion order.
type Sink func(res *Result)

// HeartbeatFunc publishes a progress heartbeat for a running job.
type HeartbeatFunc func(jobID string, progress float64)

// Config wires the executor into the node.
type Config struct {
	Log   log.Logger
	Clock clock.Clock
	// MaxConcurrent bounds how many runners execute at once; further
	// jobs queue on the semaphore.
	MaxConcurrent int64
	// MinTimeout floors the per-job timeout so an almost-expired
	// deadline still gets a useful execution window.
	MinTimeout        time.Duration
	HeartbeatInterval time.Duration
	// Heartbeat fires every interval while a job runs. Optional.
	Heartbeat HeartbeatFunc
	// Sink receives results. Optional, but a node without one settles
	// nothing.
	Sink Sink
	// Checkpoints enables resumable runners. Optional.
	Checkpoints *CheckpointManager
	// Archiver uploads finished results to cold storage. Optional.
	Archiver *Archiver
}

func (c *Config) fillDefaults() {
	if c.Log == nil {
		c.Log = log.DefaultLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MinTimeout == 0 {
		c.MinTimeout = DefaultMinTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
}

// task is the live state of one running job.
type task struct {
	cancel context.CancelFunc
	start  time.Time
	limit  time.Duration

	mu       sync.Mutex
	progress float64
}

func (t *task) setProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
}

// estimate returns the reported progress when the runner gave one, or
// the elapsed fraction of the execution window otherwise.
func (t *task) estimate(now time.Time) float64 {
	t.mu.Lock()
	p := t.progress
	t.mu.Unlock()
	if p > 0 {
		return p
	}
	frac := float64(now.Sub(t.start)) / float64(t.limit)
	if frac > 0.99 {
		frac = 0.99
	}
	if frac < 0 {
		frac = 0
	}
	return frac
}

// Executor is the node's job harness.
type Executor struct {
	conf  *Config
	l     log.Logger
	clock clock.Clock
	sem   *semaphore.Weighted

	mu      sync.Mutex
	runners map[string]Runner
	running map[string]*task
}

// New returns an executor ready to register runners.
func New(conf *Config) *Executor {
	conf.fillDefaults()
	return &Executor{
		conf:    conf,
		l:       conf.Log.Named("executor"),
		clock:   conf.Clock,
		sem:     semaphore.NewWeighted(conf.MaxConcurrent),
		runners: make(map[string]Runner),
		running: make(map[string]*task),
	}
}

// Register binds a runner to a job type, replacing any previous one.
func (e *Executor) Register(jobType string, r Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[jobType] = r
}

// RegisterFunc binds a plain function to a job type.
func (e *Executor) RegisterFunc(jobType string, fn RunnerFunc) {
	e.Register(jobType, fn)
}

// CanRun reports whether a runner is registered for the job type.
func (e *Executor) CanRun(jobType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runners[jobType]
	return ok
}

// JobTypes returns the registered job types.
func (e *Executor) JobTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]string, 0, len(e.runners))
	for t := range e.runners {
		types = append(types, t)
	}
	return types
}

// Running returns how many jobs are currently executing or queued.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Progress returns the last known progress of a running job.
func (e *Executor) Progress(jobID string) (float64, bool) {
	e.mu.Lock()
	t, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return 0, false
	}
	return t.estimate(e.clock.Now()), true
}

// Execute schedules the job on the harness and returns immediately. The
// outcome arrives at the sink. ctx cancellation before or during the run
// cancels the job.
func (e *Executor) Execute(ctx context.Context, job *protocol.JobBroadcast) error {
	e.mu.Lock()
	runner, ok := e.runners[job.JobType]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownJobType, job.JobType)
	}
	if _, dup := e.running[job.JobID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, job.JobID)
	}

	now := e.clock.Now()
	limit := protocol.TimeFromUnix(job.Deadline).Sub(now)
	if limit < e.conf.MinTimeout {
		limit = e.conf.MinTimeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, start: now, limit: limit}
	e.running[job.JobID] = t
	e.mu.Unlock()

	go e.run(runCtx, job, runner, t)
	return nil
}

// CancelJob stops a running job. The job finishes with a failure result.
func (e *Executor) CancelJob(jobID string) bool {
	e.mu.Lock()
	t, ok := e.running[jobID]
	e.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Stop cancels every running job.
func (e *Executor) Stop() {
	e.mu.Lock()
	tasks := make([]*task, 0, len(e.running))
	for _, t := range e.running {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
}

func (e *Executor) run(ctx context.Context, job *protocol.JobBroadcast, runner Runner, t *task) {
	defer t.cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.finish(job, t, nil, err)
		return
	}
	defer e.sem.Release(1)

	// the deadline clock starts when the job starts, not while it sits
	// in the queue
	t.start = e.clock.Now()
	runCtx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()

	stopBeats := e.heartbeats(job.JobID, t)
	defer stopBeats()

	outcome := make(chan runOutcome, 1)
	go func() {
		out, err := e.invoke(runCtx, job, runner, t)
		outcome <- runOutcome{out, err}
	}()

	select {
	case res := <-outcome:
		e.finish(job, t, res.out, res.err)
	case <-runCtx.Done():
		// the runner keeps the goroutine until it honors the context;
		// its slot is released so the harness stays usable
		e.finish(job, t, nil, runCtx.Err())
	}
}

type runOutcome struct {
	out interface{}
	err error
}

// invoke calls the runner, restoring a checkpoint for resumable runners
// and converting panics into errors.
func (e *Executor) invoke(ctx context.Context, job *protocol.JobBroadcast, runner Runner, t *task) (out interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: runner panicked: %v", r)
		}
	}()

	resumable, ok := runner.(ResumableRunner)
	if !ok {
		return runner.Run(ctx, job)
	}

	rc := newResumableContext(e.l, job, e.conf.Checkpoints, t.setProgress)
	if e.conf.Checkpoints != nil {
		if cp, found := e.conf.Checkpoints.Load(job.JobID); found {
			rc.restore(cp)
			t.setProgress(cp.Progress)
			e.l.Infow("resuming from checkpoint", "job", job.JobID,
				"progress", cp.Progress, "step", cp.CurrentStep)
		}
	}
	return resumable.RunResumable(ctx, job, rc)
}

// heartbeats starts the progress ticker for a job and returns its stop
// function.
func (e *Executor) heartbeats(jobID string, t *task) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	if e.conf.Heartbeat == nil {
		return stop
	}
	go func() {
		ticker := e.clock.NewTicker(e.conf.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				e.conf.Heartbeat(jobID, t.estimate(e.clock.Now()))
			case <-done:
				return
			}
		}
	}()
	return stop
}

// finish releases the job id before the sink runs, so settlement code
// may immediately re-execute the same job.
func (e *Executor) finish(job *protocol.JobBroadcast, t *task, out interface{}, err error) {
	e.forget(job.JobID)
	end := e.clock.Now()
	res := &Result{
		JobID:     job.JobID,
		Status:    protocol.StatusSuccess,
		Output:    out,
		StartTime: t.start,
		EndTime:   end,
		Duration:  end.Sub(t.start).Seconds(),
	}
	switch {
	case err == nil:
		// the checkpoint served its purpose
		if e.conf.Checkpoints != nil {
			e.conf.Checkpoints.Delete(job.JobID)
		}
	case errors.Is(err, context.DeadlineExceeded):
		res.Status = protocol.StatusTimeout
		res.Error = fmt.Sprintf("deadline exceeded after %.1fs", res.Duration)
	default:
		res.Status = protocol.StatusFailure
		res.Error = err.Error()
	}

	metrics.JobCounter.WithLabelValues(res.Status).Inc()
	metrics.JobDuration.Observe(res.Duration)
	e.l.Infow("job finished", "job", job.JobID, "status", res.Status,
		"duration", res.Duration)

	if e.conf.Sink != nil {
		e.conf.Sink(res)
	}
	if e.conf.Archiver != nil {
		go e.conf.Archiver.Archive(context.Background(), res)
	}
}

func (e *Executor) forget(jobID string) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
}
