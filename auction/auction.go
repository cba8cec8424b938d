// Package auction runs the three-phase job auction: bid, claim, grace.
// Every node executes the same state machine over the same gossip and
// reaches the same winner; the deterministic tiebreak plus the quorum-
// acknowledged claim keep the winner unique under message loss and
// reordering. All timing is anchored to the job's broadcast timestamp,
// never to local receive time, so the window closes simultaneously
// everywhere.
package auction

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/crunchmesh/crunchmesh/advisor"
	"github.com/crunchmesh/crunchmesh/election"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/metrics"
	"github.com/crunchmesh/crunchmesh/protocol"
	"github.com/crunchmesh/crunchmesh/scorer"
	"github.com/crunchmesh/crunchmesh/wallet"
	clock "github.com/jonboulle/clockwork"
)

// Defaults for the auction timing knobs.
const (
	DefaultBiddingWindow    = 2 * time.Second
	DefaultCollectionBuffer = 500 * time.Millisecond
	DefaultGracePeriod      = 5 * time.Second
	DefaultBackoffBase      = 100 * time.Millisecond
	DefaultBackoffMax       = time.Second
	DefaultStakeRequirement = 5

	// backoffJitter spreads bids of equally-scored nodes apart.
	backoffJitter = 50 * time.Millisecond
	// deadlineMargin is how long before the window closes the last bid
	// must leave, so it still propagates in time.
	deadlineMargin = 500 * time.Millisecond
	// gcSlack is added after the grace period before the auction state
	// is collected.
	gcSlack    = time.Second
	gcInterval = time.Second

	// Bounds for the dynamic grace period.
	graceFloor = 1500 * time.Millisecond
	graceCeil  = 10 * time.Second
)

// Phase is where an auction stands on this node.
type Phase string

// The auction phases. Observing means the node tracks the auction for
// winner bookkeeping without having entered it.
const (
	PhaseObserving Phase = "observing"
	PhaseBidding   Phase = "bidding"
	PhaseSent      Phase = "sent"
	PhaseResolved  Phase = "resolved"
	PhaseLost      Phase = "lost"
	PhaseClaimed   Phase = "claimed"
	PhaseConfirmed Phase = "confirmed"
)

// Terminal outcome reasons.
const (
	ReasonWon       = "won"
	ReasonOutbid    = "outbid"
	ReasonConflict  = "conflict"
	ReasonNoQuorum  = "no_quorum"
	ReasonNoStake   = "stake_unavailable"
	ReasonCancelled = "cancelled"
)

// Outcome tells the orchestrator how an entered auction ended. Won
// outcomes hand the job to the executor; the stake stays escrowed until
// the result settles.
type Outcome struct {
	Job    *protocol.JobBroadcast
	Won    bool
	Reason string
	Score  float64
	Stake  float64
	Winner string
	Bids   int
}

// Wallet is the slice of the token wallet the auction needs: an
// affordability check, the stake escrow, and the abort path.
type Wallet interface {
	CanAfford(amount float64) bool
	Stake(amount float64, jobID string) (*wallet.LedgerEntry, error)
	Unstake(amount float64, jobID string, success bool) (*wallet.LedgerEntry, error)
}

// Broadcaster is the slice of the gossip gateway the auction needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg protocol.Message)
	BroadcastReliable(ctx context.Context, msg protocol.Message) error
}

// SnapshotFunc samples the node's current condition for scoring.
type SnapshotFunc func(job *protocol.JobBroadcast) scorer.Snapshot

// Config wires an auction manager. Wallet, Scorer, Snapshot and Gossip
// are required.
type Config struct {
	Log    log.Logger
	Clock  clock.Clock
	NodeID string

	Wallet   Wallet
	Scorer   *scorer.Scorer
	Snapshot SnapshotFunc
	Gossip   Broadcaster
	Policy   advisor.Policy
	Fairness advisor.Fairness
	// Elector, when set, elects and records the coordinator per job.
	Elector *election.Elector
	// Quarantined, when set, reports whether this node is currently
	// quarantined and must sit auctions out.
	Quarantined func() bool
	// RTT99, when set, switches the grace period to the dynamic form
	// 2·p99+1s bounded to [1.5s, 10s].
	RTT99 func() time.Duration

	StakeRequirement float64
	BiddingWindow    time.Duration
	CollectionBuffer time.Duration
	GracePeriod      time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	OutcomeBuffer    int
	// Rand drives the backoff jitter; nil uses the global source.
	Rand *rand.Rand
}

func (c *Config) fillDefaults() {
	if c.Log == nil {
		c.Log = log.DefaultLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	if c.Policy == nil {
		c.Policy = advisor.GreedyPolicy{}
	}
	if c.Fairness == nil {
		c.Fairness = advisor.PassFairness{}
	}
	if c.StakeRequirement <= 0 {
		c.StakeRequirement = DefaultStakeRequirement
	}
	if c.BiddingWindow <= 0 {
		c.BiddingWindow = DefaultBiddingWindow
	}
	if c.CollectionBuffer <= 0 {
		c.CollectionBuffer = DefaultCollectionBuffer
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.OutcomeBuffer <= 0 {
		c.OutcomeBuffer = 64
	}
}

// auctionState is everything this node tracks for one job's auction.
type auctionState struct {
	job   *protocol.JobBroadcast
	phase Phase

	deadline  time.Time // job timestamp + bidding window
	collected time.Time // deadline + collection buffer
	graceEnd  time.Time // collected + grace period
	gcAt      time.Time // graceEnd + slack

	bids        bidSet
	myBid       *Bid
	myScore     float64
	claimed     bool
	claimScore  float64
	backedDown  bool
	fired       bool
	entered     bool
	coordinator string
}

func (st *auctionState) holding() bool {
	return st.claimed && !st.backedDown && !st.fired
}

// Manager runs one auction state machine per broadcast job.
type Manager struct {
	sync.Mutex //nolint:gocritic// We do want to have a mutex here

	conf  *Config
	l     log.Logger
	clock clock.Clock

	auctions map[string]*auctionState
	out      chan Outcome
	done     chan bool
	stopOnce sync.Once
}

// NewManager builds an auction manager from the config.
func NewManager(conf *Config) (*Manager, error) {
	conf.fillDefaults()
	if conf.NodeID == "" {
		return nil, errors.New("auction: node id required")
	}
	if conf.Wallet == nil || conf.Scorer == nil || conf.Snapshot == nil || conf.Gossip == nil {
		return nil, errors.New("auction: wallet, scorer, snapshot and gossip are required")
	}
	return &Manager{
		conf:     conf,
		l:        conf.Log.Named("auction"),
		clock:    conf.Clock,
		auctions: make(map[string]*auctionState),
		out:      make(chan Outcome, conf.OutcomeBuffer),
		done:     make(chan bool),
	}, nil
}

// NodeID returns the identity the manager bids as.
func (m *Manager) NodeID() string { return m.conf.NodeID }

// Outcomes delivers one value per entered auction. The channel is never
// closed; consumers stop reading after Stop.
func (m *Manager) Outcomes() <-chan Outcome { return m.out }

// Start launches the state garbage collector.
func (m *Manager) Start() {
	go m.gcLoop()
}

// Stop cancels every pending auction, fires the remaining outcomes with
// won=false and terminates the monitors.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.Lock()
		var cancelled []*auctionState
		for _, st := range m.auctions {
			if st.entered && !st.fired {
				st.fired = true
				st.phase = PhaseLost
				cancelled = append(cancelled, st)
			}
		}
		m.auctions = make(map[string]*auctionState)
		m.Unlock()

		for _, st := range cancelled {
			if st.claimed && !st.backedDown {
				m.unstake(st.job.JobID)
			}
			metrics.AuctionOutcomeCounter.WithLabelValues(ReasonCancelled).Inc()
			select {
			case m.out <- Outcome{Job: st.job, Won: false, Reason: ReasonCancelled, Score: st.myScore}:
			default:
				m.l.Warnw("dropping outcome on shutdown", "job", st.job.JobID)
			}
		}
		close(m.done)
	})
}

// HandleMessage dispatches the auction-relevant gossip types. Register
// it with the gateway for job_bid, job_claim and auction_coordinate;
// job_broadcast usually goes through Consider so the caller sees the
// decision.
func (m *Manager) HandleMessage(msg protocol.Message) {
	switch t := msg.(type) {
	case *protocol.JobBroadcast:
		m.Consider(t)
	case *protocol.JobBid:
		m.receiveBid(t)
	case *protocol.JobClaim:
		m.receiveClaim(t)
	case *protocol.AuctionCoordinate:
		m.receiveCoordinate(t)
	}
}

// Consider opens the auction for a freshly broadcast job and decides
// whether to enter it. It returns the effective decision and the score
// the node would bid, for the caller's bookkeeping. Duplicate
// broadcasts are ignored.
func (m *Manager) Consider(job *protocol.JobBroadcast) (advisor.Action, float64) {
	now := m.clock.Now()
	anchor := protocol.TimeFromUnix(job.Timestamp)

	st := &auctionState{
		job:      job,
		phase:    PhaseObserving,
		deadline: anchor.Add(m.conf.BiddingWindow),
		bids:     make(bidSet),
	}
	st.collected = st.deadline.Add(m.conf.CollectionBuffer)
	st.graceEnd = st.collected.Add(m.grace())
	st.gcAt = st.graceEnd.Add(gcSlack)

	m.Lock()
	if _, ok := m.auctions[job.JobID]; ok {
		m.Unlock()
		return advisor.ActionDefer, 0
	}
	m.auctions[job.JobID] = st
	m.Unlock()

	m.coordinate(st)

	if !now.Before(st.deadline) {
		m.l.Debugw("auction already closed", "job", job.JobID, "from", job.NodeID)
		return advisor.ActionDefer, 0
	}
	if !m.conf.Scorer.Capable(job) {
		m.l.Debugw("job type not supported", "job", job.JobID, "type", job.JobType)
		return advisor.ActionDefer, 0
	}
	if m.conf.Quarantined != nil && m.conf.Quarantined() {
		m.l.Debugw("quarantined, sitting out", "job", job.JobID)
		return advisor.ActionDefer, 0
	}

	snap := m.conf.Snapshot(job)
	score := m.conf.Scorer.Score(job, protocol.TimeFromUnix(job.Deadline).Sub(now), snap)
	score = m.conf.Fairness.Adjust(m.conf.NodeID, score)

	action := m.conf.Policy.Decide(job, snap)
	if action != advisor.ActionBid {
		m.l.Debugw("policy declined", "job", job.JobID, "action", action)
		return action, score
	}
	if !m.conf.Wallet.CanAfford(m.conf.StakeRequirement) {
		m.l.Debugw("cannot afford stake", "job", job.JobID, "stake", m.conf.StakeRequirement)
		return advisor.ActionDefer, score
	}

	m.Lock()
	st.phase = PhaseBidding
	st.entered = true
	st.myScore = score
	m.Unlock()

	metrics.AuctionOutcomeCounter.WithLabelValues("entered").Inc()
	go m.monitor(st)
	return advisor.ActionBid, score
}

// coordinate elects the coordinator for the job; if it is us, announce
// the bid deadline we will honor. The coordinator is bookkeeping, not
// authority: the winner is computed locally by everyone.
func (m *Manager) coordinate(st *auctionState) {
	if m.conf.Elector == nil {
		return
	}
	coord := m.conf.Elector.Elect(st.job.JobID)
	m.Lock()
	st.coordinator = coord
	m.Unlock()
	if coord != m.conf.NodeID {
		return
	}
	m.conf.Gossip.Broadcast(context.Background(), &protocol.AuctionCoordinate{
		JobID:         st.job.JobID,
		CoordinatorID: coord,
		BidDeadline:   protocol.UnixSeconds(st.deadline),
	})
}

// monitor drives one entered auction through its phases.
func (m *Manager) monitor(st *auctionState) {
	select {
	case <-m.clock.After(m.backoff(st)):
	case <-m.done:
		return
	}
	m.sendBid(st)

	select {
	case <-m.clock.After(m.until(st.collected)):
	case <-m.done:
		return
	}
	if !m.resolve(st) {
		return
	}
	if !m.claim(st) {
		return
	}

	select {
	case <-m.clock.After(m.until(st.graceEnd)):
	case <-m.done:
		return
	}
	m.confirm(st)
}

// backoff computes how long to sit on the bid. Strong nodes bid early,
// weak ones late; the margin keeps the bid inside the window with room
// to propagate. When the window is nearly gone the bid goes out
// immediately rather than not at all.
func (m *Manager) backoff(st *auctionState) time.Duration {
	spread := float64(m.conf.BackoffMax - m.conf.BackoffBase)
	d := m.conf.BackoffBase + time.Duration((1-st.myScore)*spread)
	d += time.Duration((m.rand01()*2 - 1) * float64(backoffJitter))

	upper := st.deadline.Sub(m.clock.Now()) - deadlineMargin
	if upper < 0 {
		upper = 0
	}
	lower := 50 * time.Millisecond
	if lower > upper {
		lower = upper
	}
	if d < lower {
		return lower
	}
	if d > upper {
		return upper
	}
	return d
}

func (m *Manager) sendBid(st *auctionState) {
	now := m.clock.Now()
	est := protocol.TimeFromUnix(st.job.Deadline).Sub(now).Seconds() / 2
	if est < 1 {
		est = 1
	}

	m.Lock()
	if st.fired {
		m.Unlock()
		return
	}
	bid := &Bid{
		JobID:         st.job.JobID,
		NodeID:        m.conf.NodeID,
		Score:         st.myScore,
		StakeAmount:   m.conf.StakeRequirement,
		EstimatedTime: est,
		Timestamp:     protocol.UnixSeconds(now),
	}
	// self-origin gossip is dropped by the gateway, so the own bid is
	// recorded directly
	st.bids.add(bid)
	st.myBid = bid
	st.phase = PhaseSent
	m.Unlock()

	m.conf.Gossip.Broadcast(context.Background(), &protocol.JobBid{
		JobID:         st.job.JobID,
		BidScore:      st.myScore,
		EstimatedTime: est,
		StakeAmount:   m.conf.StakeRequirement,
	})
	m.l.Debugw("bid placed", "job", st.job.JobID, "score", st.myScore)
}

// resolve closes the collection phase and determines the winner.
// Returns true when this node won and the claim phase should start.
func (m *Manager) resolve(st *auctionState) bool {
	m.Lock()
	if st.fired {
		m.Unlock()
		return false
	}
	st.phase = PhaseResolved
	w := determineWinner(st.bids.list())
	n := len(st.bids)
	if w == nil || w.NodeID != m.conf.NodeID {
		st.phase = PhaseLost
		st.fired = true
		m.Unlock()

		winner := ""
		if w != nil {
			winner = w.NodeID
		}
		metrics.AuctionOutcomeCounter.WithLabelValues("lost").Inc()
		m.l.Debugw("auction lost", "job", st.job.JobID, "winner", winner, "bids", n)
		m.deliver(Outcome{Job: st.job, Won: false, Reason: ReasonOutbid, Score: st.myScore, Winner: winner, Bids: n})
		return false
	}
	m.Unlock()
	return true
}

// claim stakes the escrow and announces the win over the reliable
// broadcast. A failed quorum means we cannot know the mesh persisted
// the claim: execution is aborted and the stake returned, but the claim
// is not revoked — an isolated retraction cannot reach anyone either,
// and peers will time the job out.
func (m *Manager) claim(st *auctionState) bool {
	jobID := st.job.JobID
	if _, err := m.conf.Wallet.Stake(m.conf.StakeRequirement, jobID); err != nil {
		m.Lock()
		st.phase = PhaseLost
		st.fired = true
		m.Unlock()

		metrics.AuctionOutcomeCounter.WithLabelValues("declined").Inc()
		m.l.Warnw("won but cannot stake", "job", jobID, "err", err)
		m.deliver(Outcome{Job: st.job, Won: false, Reason: ReasonNoStake, Score: st.myScore})
		return false
	}

	m.Lock()
	st.phase = PhaseClaimed
	st.claimed = true
	st.claimScore = st.myScore
	backup := m.runnerUp(st)
	m.Unlock()

	err := m.conf.Gossip.BroadcastReliable(context.Background(), &protocol.JobClaim{
		JobID:        jobID,
		WinnerNodeID: m.conf.NodeID,
		BackupNodeID: backup,
		StakeAmount:  m.conf.StakeRequirement,
		WinningScore: st.myScore,
	})
	if err == nil {
		m.l.Infow("job claimed", "job", jobID, "score", st.myScore, "backup", backup)
		return true
	}

	m.Lock()
	if st.fired {
		m.Unlock()
		return false
	}
	st.phase = PhaseLost
	st.fired = true
	st.backedDown = true
	m.Unlock()

	m.unstake(jobID)
	metrics.AuctionOutcomeCounter.WithLabelValues("quorum_failed").Inc()
	m.l.Warnw("claim quorum failed, aborting execution", "job", jobID, "err", err)
	m.deliver(Outcome{Job: st.job, Won: false, Reason: ReasonNoQuorum, Score: st.myScore})
	return false
}

// runnerUp returns the best non-self bidder, the natural recovery
// backup for the claim. Callers hold the manager lock.
func (m *Manager) runnerUp(st *auctionState) string {
	others := make([]*Bid, 0, len(st.bids))
	for id, b := range st.bids {
		if id != m.conf.NodeID {
			others = append(others, b)
		}
	}
	if w := determineWinner(others); w != nil {
		return w.NodeID
	}
	return ""
}

// confirm re-runs winner determination at the end of grace, with every
// claim observed meanwhile folded in as a synthetic bid.
func (m *Manager) confirm(st *auctionState) {
	m.Lock()
	if st.fired {
		m.Unlock()
		return
	}
	w := determineWinner(st.bids.list())
	n := len(st.bids)
	still := w != nil && w.NodeID == m.conf.NodeID && !st.backedDown
	if still {
		st.phase = PhaseConfirmed
	} else {
		st.phase = PhaseLost
	}
	st.fired = true
	m.Unlock()

	if still {
		metrics.AuctionOutcomeCounter.WithLabelValues(ReasonWon).Inc()
		m.l.Infow("claim confirmed", "job", st.job.JobID, "score", st.myScore, "bids", n)
		m.deliver(Outcome{Job: st.job, Won: true, Reason: ReasonWon, Score: st.myScore,
			Stake: m.conf.StakeRequirement, Winner: m.conf.NodeID, Bids: n})
		return
	}

	winner := ""
	if w != nil {
		winner = w.NodeID
	}
	m.unstake(st.job.JobID)
	metrics.AuctionOutcomeCounter.WithLabelValues(ReasonConflict).Inc()
	m.l.Infow("outbid during grace", "job", st.job.JobID, "winner", winner)
	m.deliver(Outcome{Job: st.job, Won: false, Reason: ReasonConflict, Score: st.myScore, Winner: winner, Bids: n})
}

// receiveBid folds a peer's bid into the auction. Bids after the
// collection cutoff are dropped; bids for auctions we never opened are
// dropped too, the broadcast has to come first.
func (m *Manager) receiveBid(b *protocol.JobBid) {
	now := m.clock.Now()
	m.Lock()
	defer m.Unlock()

	st, ok := m.auctions[b.JobID]
	if !ok {
		m.l.Debugw("bid for unknown auction", "job", b.JobID, "from", b.NodeID)
		return
	}
	if now.After(st.collected) {
		m.l.Debugw("late bid ignored", "job", b.JobID, "from", b.NodeID)
		return
	}
	st.bids.add(&Bid{
		JobID:         b.JobID,
		NodeID:        b.NodeID,
		Score:         b.BidScore,
		StakeAmount:   b.StakeAmount,
		EstimatedTime: b.EstimatedTime,
		Timestamp:     b.Timestamp,
	})
}

// receiveClaim injects the claim as a synthetic bid, so the final
// winner determination converges even when the claimer's original bid
// was lost, and resolves claim-versus-claim conflicts: the higher
// score keeps the job, equal scores yield to the smaller node id.
func (m *Manager) receiveClaim(c *protocol.JobClaim) {
	if c.WinnerNodeID == m.conf.NodeID {
		return
	}
	m.Lock()
	st, ok := m.auctions[c.JobID]
	if !ok {
		m.Unlock()
		return
	}
	st.bids.add(&Bid{
		JobID:       c.JobID,
		NodeID:      c.WinnerNodeID,
		Score:       c.WinningScore,
		StakeAmount: c.StakeAmount,
		Timestamp:   c.Timestamp,
		Synthetic:   true,
	})
	if !st.holding() {
		m.Unlock()
		return
	}
	yield := c.WinningScore > st.claimScore ||
		(c.WinningScore == st.claimScore && c.WinnerNodeID < m.conf.NodeID)
	if !yield {
		m.Unlock()
		m.l.Debugw("maintaining claim over conflict", "job", c.JobID, "rival", c.WinnerNodeID)
		return
	}
	st.backedDown = true
	st.fired = true
	st.phase = PhaseLost
	score := st.myScore
	m.Unlock()

	m.unstake(c.JobID)
	metrics.AuctionOutcomeCounter.WithLabelValues(ReasonConflict).Inc()
	m.l.Warnw("backing down from claim", "job", c.JobID, "rival", c.WinnerNodeID, "rival_score", c.WinningScore)
	m.deliver(Outcome{Job: st.job, Won: false, Reason: ReasonConflict, Score: score, Winner: c.WinnerNodeID})
}

// receiveCoordinate records who coordinates the job. The announced
// deadline is informational; our window stays anchored to the job
// timestamp.
func (m *Manager) receiveCoordinate(c *protocol.AuctionCoordinate) {
	m.Lock()
	st, ok := m.auctions[c.JobID]
	if ok {
		st.coordinator = c.CoordinatorID
	}
	m.Unlock()
	if ok && m.conf.Elector != nil {
		m.conf.Elector.RecordCoordinator(c.JobID, c.CoordinatorID)
	}
}

// Standing is one auction's state as served by the status API.
type Standing struct {
	JobID       string  `json:"job_id"`
	Phase       Phase   `json:"phase"`
	Entered     bool    `json:"entered"`
	MyScore     float64 `json:"my_score,omitempty"`
	Bids        int     `json:"bids"`
	Coordinator string  `json:"coordinator,omitempty"`
	Deadline    float64 `json:"deadline"`
}

// Auctions lists the auctions currently tracked, ordered by job id.
func (m *Manager) Auctions() []Standing {
	m.Lock()
	out := make([]Standing, 0, len(m.auctions))
	for id, st := range m.auctions {
		out = append(out, Standing{
			JobID:       id,
			Phase:       st.phase,
			Entered:     st.entered,
			MyScore:     st.myScore,
			Bids:        len(st.bids),
			Coordinator: st.coordinator,
			Deadline:    protocol.UnixSeconds(st.deadline),
		})
	}
	m.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// gcLoop drops auction state once its lifetime bound passed, so the
// maps stay bounded no matter how auctions ended.
func (m *Manager) gcLoop() {
	ticker := m.clock.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			now := m.clock.Now()
			m.Lock()
			for id, st := range m.auctions {
				if now.Before(st.gcAt) {
					continue
				}
				delete(m.auctions, id)
				if m.conf.Elector != nil {
					m.conf.Elector.Forget(id)
				}
			}
			m.Unlock()
		case <-m.done:
			return
		}
	}
}

// grace returns the grace period, dynamic when an RTT source is wired.
func (m *Manager) grace() time.Duration {
	if m.conf.RTT99 == nil {
		return m.conf.GracePeriod
	}
	g := 2*m.conf.RTT99() + time.Second
	if g < graceFloor {
		return graceFloor
	}
	if g > graceCeil {
		return graceCeil
	}
	return g
}

func (m *Manager) until(t time.Time) time.Duration {
	d := t.Sub(m.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (m *Manager) unstake(jobID string) {
	if _, err := m.conf.Wallet.Unstake(m.conf.StakeRequirement, jobID, true); err != nil {
		m.l.Errorw("returning stake", "job", jobID, "err", err)
	}
}

// deliver hands an outcome to the orchestrator. Never called with the
// manager lock held.
func (m *Manager) deliver(o Outcome) {
	select {
	case m.out <- o:
	case <-m.done:
	}
}

func (m *Manager) rand01() float64 {
	if m.conf.Rand != nil {
		m.Lock()
		defer m.Unlock()
		return m.conf.Rand.Float64()
	}
	return rand.Float64()
}
