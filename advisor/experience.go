package advisor

import (
	"context"
	"fmt"

	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/protocol"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	clock "github.com/jonboulle/clockwork"
	json "github.com/nikkolasg/hexjson"
)

// experiencePrefix namespaces the buffer inside the node's shared
// datastore, next to the libp2p peerstore.
var experiencePrefix = datastore.NewKey("/experience")

// Experience is one decision and, once settled, its outcome. Records
// are storage only; nothing in the mesh learns from them.
type Experience struct {
	JobID     string  `json:"job_id"`
	JobType   string  `json:"job_type"`
	Action    Action  `json:"action"`
	Score     float64 `json:"score"`
	Outcome   string  `json:"outcome,omitempty"`
	Payment   float64 `json:"payment,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// ExperienceBuffer persists advisor decisions in the node's datastore.
type ExperienceBuffer struct {
	l     log.Logger
	clock clock.Clock
	store datastore.Datastore
}

// NewExperienceBuffer wraps the given datastore under the experience
// namespace. Passing the node's backing store is fine; keys will not
// collide with other components.
func NewExperienceBuffer(l log.Logger, c clock.Clock, ds datastore.Datastore) *ExperienceBuffer {
	if l == nil {
		l = log.DefaultLogger()
	}
	if c == nil {
		c = clock.NewRealClock()
	}
	return &ExperienceBuffer{
		l:     l.Named("experience"),
		clock: c,
		store: namespace.Wrap(ds, experiencePrefix),
	}
}

// Record stores the decision taken for a job. A later Settle call fills
// in the outcome.
func (b *ExperienceBuffer) Record(ctx context.Context, job *protocol.JobBroadcast, action Action, score float64) error {
	exp := &Experience{
		JobID:     job.JobID,
		JobType:   job.JobType,
		Action:    action,
		Score:     score,
		Timestamp: protocol.UnixSeconds(b.clock.Now()),
	}
	return b.put(ctx, exp)
}

// Settle attaches the final outcome and payment to a recorded decision.
// Settling an unknown job is a no-op: the node may settle jobs it never
// decided on, e.g. after recovering someone else's work.
func (b *ExperienceBuffer) Settle(ctx context.Context, jobID, outcome string, payment float64) error {
	exp, err := b.Get(ctx, jobID)
	if err == datastore.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	exp.Outcome = outcome
	exp.Payment = payment
	return b.put(ctx, exp)
}

// Get returns the record for a job, or datastore.ErrNotFound.
func (b *ExperienceBuffer) Get(ctx context.Context, jobID string) (*Experience, error) {
	buf, err := b.store.Get(ctx, datastore.NewKey(jobID))
	if err != nil {
		return nil, err
	}
	exp := new(Experience)
	if err := json.Unmarshal(buf, exp); err != nil {
		return nil, fmt.Errorf("decoding experience %s: %w", jobID, err)
	}
	return exp, nil
}

// List returns up to limit records, ordered by job id. A limit of zero
// returns everything.
func (b *ExperienceBuffer) List(ctx context.Context, limit int) ([]*Experience, error) {
	res, err := b.store.Query(ctx, query.Query{
		Orders: []query.Order{query.OrderByKey{}},
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}
	out := make([]*Experience, 0, len(entries))
	for _, e := range entries {
		exp := new(Experience)
		if err := json.Unmarshal(e.Value, exp); err != nil {
			b.l.Errorw("", "experience", "skipping corrupt record", "key", e.Key, "err", err)
			continue
		}
		out = append(out, exp)
	}
	return out, nil
}

func (b *ExperienceBuffer) put(ctx context.Context, exp *Experience) error {
	buf, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encoding experience %s: %w", exp.JobID, err)
	}
	return b.store.Put(ctx, datastore.NewKey(exp.JobID), buf)
}
