// Package core assembles the crunchmesh subsystems into one running
// agent: identity and stores, the gossip gateway, auctions, execution
// and settlement. Everything below core is a library; core owns the
// wiring and the money flow.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	bds "github.com/ipfs/go-ds-badger2"
	clock "github.com/jonboulle/clockwork"
	"github.com/libp2p/go-libp2p-core/host"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	ma "github.com/multiformats/go-multiaddr"
	json "github.com/nikkolasg/hexjson"

	"github.com/crunchmesh/crunchmesh/advisor"
	"github.com/crunchmesh/crunchmesh/auction"
	"github.com/crunchmesh/crunchmesh/ecies"
	"github.com/crunchmesh/crunchmesh/election"
	"github.com/crunchmesh/crunchmesh/executor"
	"github.com/crunchmesh/crunchmesh/fs"
	"github.com/crunchmesh/crunchmesh/gossip"
	dhttp "github.com/crunchmesh/crunchmesh/http"
	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/lp2p"
	"github.com/crunchmesh/crunchmesh/metrics"
	"github.com/crunchmesh/crunchmesh/metrics/pprof"
	"github.com/crunchmesh/crunchmesh/protocol"
	"github.com/crunchmesh/crunchmesh/reputation"
	"github.com/crunchmesh/crunchmesh/scorer"
	"github.com/crunchmesh/crunchmesh/wallet"
)

// Job lifecycle as tracked by the node. Terminal states reuse the wire
// statuses.
const (
	JobStatusAuctioning = "auctioning"
	JobStatusClaimed    = "claimed"
	JobStatusRunning    = "running"
)

// jobRetention is how long a job record outlives its last update.
const jobRetention = time.Hour

var errNotStarted = errors.New("core: node not started")

// jobRecord follows one job seen on the mesh from broadcast to result.
type jobRecord struct {
	job        *protocol.JobBroadcast
	mine       bool
	considered bool
	status     string
	claimedBy  string
	result     *protocol.JobResult
	updated    time.Time
}

// Node is one crunchmesh participant. It owns the key pair, the local
// stores and every long-running loop; all mesh side effects go through
// its gateway.
type Node struct {
	opts *Config
	l    log.Logger
	clk  clock.Clock
	priv *key.Pair
	id   string

	ds     *bds.Datastore
	wallet *wallet.Wallet
	calc   *wallet.Calculator
	rep    *reputation.Store
	expBuf *advisor.ExperienceBuffer

	samp    *sampler
	scorer  *scorer.Scorer
	elector *election.Elector
	tracker *election.Tracker

	exec    *executor.Executor
	recov   *executor.RecoveryManager
	auction *auction.Manager

	policy   advisor.Policy
	fairness advisor.Fairness
	cache    advisor.Cache

	host  host.Host
	psub  *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	gw    *gossip.Gateway

	api       *dhttp.Server
	metricsLn net.Listener

	caps      []string
	startedAt time.Time

	state       sync.Mutex
	jobs        map[string]*jobRecord
	completions int
	losses      int
	started     bool
	stopped     bool

	done   chan bool
	exitCh chan bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNode loads the node identity and opens every local store. Network
// side effects wait until Start, so runners can still be registered on
// the returned node.
func NewNode(s key.Store, c *Config) (*Node, error) {
	priv, err := s.LoadKeyPair()
	if err != nil {
		return nil, fmt.Errorf("loading keys: %w", err)
	}
	fc := c.File()
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	if fs.CreateSecureFolder(c.DBFolder()) == "" {
		return nil, fmt.Errorf("creating db folder %s", c.DBFolder())
	}

	id := priv.Public.ID()
	l := c.Logger().Named("node")

	dstore, err := bds.NewDatastore(path.Join(c.DBFolder(), "datastore"), nil)
	if err != nil {
		return nil, fmt.Errorf("opening datastore: %w", err)
	}
	w, err := wallet.New(&wallet.Config{
		Log:             c.Logger(),
		Clock:           c.Clock(),
		Pair:            priv,
		Folder:          c.DBFolder(),
		StartingBalance: fc.Token.StartingBalance,
		BoltOptions:     c.BoltOptions(),
	})
	if err != nil {
		dstore.Close()
		return nil, fmt.Errorf("opening wallet: %w", err)
	}
	rep, err := reputation.New(&reputation.Config{
		Log:                     c.Logger(),
		Clock:                   c.Clock(),
		NodeID:                  id,
		Folder:                  c.DBFolder(),
		StartingTrust:           fc.Trust.StartingTrust,
		DecayRate:               fc.Trust.DecayRate,
		MinTrust:                fc.Trust.MinTrust,
		QuarantineThreshold:     fc.Trust.QuarantineThreshold,
		RehabilitationJobs:      fc.Trust.RehabilitationJobs,
		RehabilitationThreshold: fc.Trust.RehabilitationThreshold,
		OnTimeReward:            fc.Trust.SuccessReward,
		MaliciousPenalty:        fc.Trust.MaliciousPenalty,
	})
	if err != nil {
		w.Close()
		dstore.Close()
		return nil, fmt.Errorf("opening reputation store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		opts:     c,
		l:        l,
		clk:      c.Clock(),
		priv:     priv,
		id:       id,
		ds:       dstore,
		wallet:   w,
		rep:      rep,
		expBuf:   advisor.NewExperienceBuffer(c.Logger(), c.Clock(), dstore),
		samp:     newSampler(l),
		tracker:  election.NewTracker(c.Clock(), 0),
		policy:   c.Policy(),
		fairness: c.Fairness(),
		cache:    c.Cache(),
		jobs:     make(map[string]*jobRecord),
		done:     make(chan bool),
		exitCh:   make(chan bool, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	n.calc = wallet.NewCalculator(wallet.CalcConfig{
		NetworkFee:   fc.Token.NetworkFee,
		SuccessBonus: fc.Token.SuccessBonus,
		LatePenalty:  fc.Token.LatePenalty,
	})
	n.elector = election.NewElector(&election.Config{
		Log:     c.Logger(),
		Clock:   c.Clock(),
		SelfID:  id,
		Healthy: n.healthyPeers,
	})

	var archiver *executor.Archiver
	if fc.Archive.Bucket != "" {
		archiver, err = executor.NewArchiver(c.Logger(), fc.Archive.Region, fc.Archive.Bucket, fc.Archive.Prefix)
		if err != nil {
			rep.Close()
			w.Close()
			dstore.Close()
			return nil, fmt.Errorf("opening result archive: %w", err)
		}
	}
	n.exec = executor.New(&executor.Config{
		Log:               c.Logger(),
		Clock:             c.Clock(),
		MaxConcurrent:     int64(fc.Executor.MaxConcurrentJobs),
		MinTimeout:        secs(fc.Executor.JobTimeout),
		HeartbeatInterval: secs(fc.Network.HeartbeatInterval),
		Heartbeat:         n.heartbeat,
		Sink:              n.settle,
		Checkpoints: executor.NewCheckpointManager(c.Logger(), c.Clock(),
			path.Join(c.DBFolder(), "checkpoints"), secs(fc.Executor.CheckpointInterval)),
		Archiver: archiver,
	})
	n.recov = executor.NewRecoveryManager(c.Logger(), c.Clock(), 0, n.takeover)
	return n, nil
}

// RegisterRunner installs a runner for a job type. Registration must
// happen before Start so the capability is scored and announced.
func (n *Node) RegisterRunner(jobType string, r executor.Runner) {
	n.exec.Register(jobType, r)
}

// Start brings the node online: scoring, auctions, the libp2p host, the
// gossip gateway and, when enabled, the metrics listener and local API.
func (n *Node) Start() error {
	n.state.Lock()
	if n.started {
		n.state.Unlock()
		return errors.New("core: node already started")
	}
	n.started = true
	n.state.Unlock()

	fc := n.opts.File()
	caps := append(n.exec.JobTypes(), n.opts.Capabilities()...)
	n.scorer = scorer.New(&scorer.Config{
		Capabilities:  caps,
		MaxConcurrent: fc.Executor.MaxConcurrentJobs,
	})
	mgr, err := auction.NewManager(&auction.Config{
		Log:              n.opts.Logger(),
		Clock:            n.opts.Clock(),
		NodeID:           n.id,
		Wallet:           n.wallet,
		Scorer:           n.scorer,
		Snapshot:         n.snapshot,
		Gossip:           n,
		Policy:           n.policy,
		Fairness:         n.fairness,
		Elector:          n.elector,
		Quarantined:      n.selfQuarantined,
		RTT99:            n.p99,
		StakeRequirement: fc.Token.StakeRequirement,
	})
	if err != nil {
		return fmt.Errorf("building auction manager: %w", err)
	}
	n.state.Lock()
	n.auction = mgr
	n.state.Unlock()

	p2pPriv, err := lp2p.PrivKeyFromPair(n.priv)
	if err != nil {
		return fmt.Errorf("deriving host identity: %w", err)
	}
	bootstrap := make([]ma.Multiaddr, 0, len(n.opts.Bootstrap()))
	for _, s := range n.opts.Bootstrap() {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("parsing bootstrap address %q: %w", s, err)
		}
		bootstrap = append(bootstrap, addr)
	}
	listen := DefaultListenAddress
	if fc.Network.PubPort > 0 {
		listen = fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", fc.Network.PubPort)
	}
	listen = n.opts.ListenAddress(listen)

	n.host, n.psub, err = lp2p.ConstructHost(n.ds, p2pPriv, listen, bootstrap, fc.Network.MaxPeers, n.opts.Logger())
	if err != nil {
		return fmt.Errorf("constructing host: %w", err)
	}
	n.topic, err = n.psub.Join(lp2p.Topic(n.opts.MeshID()))
	if err != nil {
		return fmt.Errorf("joining mesh topic: %w", err)
	}
	n.sub, err = n.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to mesh topic: %w", err)
	}

	ip, port := contactAddr(n.host)
	gw, err := gossip.NewGateway(&gossip.Config{
		Log:          n.opts.Logger(),
		Clock:        n.opts.Clock(),
		MeshID:       n.opts.MeshID(),
		Pair:         n.priv,
		NodeName:     n.opts.NodeName(),
		IP:           ip,
		Port:         port,
		Capabilities: caps,
		Publish: func(ctx context.Context, frame []byte) error {
			return n.topic.Publish(ctx, frame)
		},
		Stats: func() (float64, float64) {
			return n.rep.TrustScore(), n.wallet.Balance()
		},
		DiscoveryInterval: secs(fc.Network.DiscoveryInterval),
		RateRefill:        fc.RL.RefillRate,
		RateBurst:         fc.RL.Burst,
		MaxViolations:     fc.RL.MaxViolations,
	})
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}
	n.state.Lock()
	n.gw = gw
	n.caps = caps
	n.startedAt = n.clk.Now()
	n.state.Unlock()
	n.registerHandlers()

	n.gw.Start()
	n.auction.Start()
	n.recov.Start()
	go n.readLoop()
	go n.outcomeLoop()
	go n.samplerLoop()
	go n.houseLoop()

	if bind := n.opts.MetricsAddress(); bind != "" {
		n.metricsLn = metrics.Start(bind, pprof.WithProfile())
	}
	if fc.Dashboard.Enabled {
		n.api = dhttp.NewServer(n.opts.APIAddress(fc.Dashboard.Address), n, n.opts.Logger())
		if fc.Dashboard.CertPath != "" {
			n.api.UseTLS(fc.Dashboard.CertPath, fc.Dashboard.KeyPath)
		}
		if fc.Dashboard.AccessLog != "" {
			n.api.UseAccessLog(fc.Dashboard.AccessLog)
		}
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("starting local api: %w", err)
		}
	}

	n.l.Infow("node started", "id", n.id, "mesh", n.opts.MeshID(),
		"listen", listen, "capabilities", caps)
	return nil
}

// Stop shuts the node down in reverse start order and reports every
// failure encountered on the way.
func (n *Node) Stop(ctx context.Context) error {
	n.state.Lock()
	if n.stopped {
		n.state.Unlock()
		return nil
	}
	n.stopped = true
	n.state.Unlock()

	var result *multierror.Error
	if n.api != nil {
		if err := n.api.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping api: %w", err))
		}
	}
	if n.metricsLn != nil {
		if err := n.metricsLn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing metrics listener: %w", err))
		}
	}
	if n.auction != nil {
		n.auction.Stop()
	}
	n.recov.Stop()
	n.exec.Stop()
	if gw := n.gateway(); gw != nil {
		gw.Stop(ctx)
	}
	n.cancel()
	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		if err := n.topic.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing topic: %w", err))
		}
	}
	if n.host != nil {
		if err := n.host.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing host: %w", err))
		}
	}
	close(n.done)
	if err := n.wallet.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing wallet: %w", err))
	}
	if err := n.rep.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing reputation store: %w", err))
	}
	if err := n.ds.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing datastore: %w", err))
	}
	n.l.Infow("node stopped", "id", n.id)
	n.exitCh <- true
	return result.ErrorOrNil()
}

// WaitExit returns the channel that fires once Stop finished.
func (n *Node) WaitExit() chan bool {
	return n.exitCh
}

// Submit broadcasts a new job on behalf of this node. The node takes
// part in the resulting auction like everyone else, through the
// self-delivery of the broadcast.
func (n *Node) Submit(ctx context.Context, req *dhttp.SubmitRequest) (string, error) {
	if req.JobType == "" {
		return "", errors.New("core: job type required")
	}
	if req.Payment <= 0 {
		return "", errors.New("core: payment must be positive")
	}
	if !n.wallet.CanAfford(req.Payment) {
		return "", wallet.ErrInsufficientFunds
	}
	gw := n.gateway()
	if gw == nil {
		return "", errNotStarted
	}
	deadline := secs(req.DeadlineSeconds)
	if deadline <= 0 {
		deadline = DefaultJobDeadline
	}
	priority := req.Priority
	if priority <= 0 {
		priority = DefaultJobPriority
	}
	if priority > 1 {
		priority = 1
	}
	job := &protocol.JobBroadcast{
		JobID:        uuid.NewString(),
		JobType:      req.JobType,
		Priority:     priority,
		Payment:      req.Payment,
		Deadline:     protocol.UnixSeconds(n.clk.Now().Add(deadline)),
		Requirements: req.Requirements,
		Payload:      req.Payload,
		Verify:       req.Verify,
		Verifiers:    req.Verifiers,
		Confidential: req.Confidential,
	}
	if req.Confidential {
		job.RequesterEncKey = key.PointToString(n.priv.Public.EncKey)
	}
	n.state.Lock()
	n.jobs[job.JobID] = &jobRecord{
		job:     job,
		mine:    true,
		status:  JobStatusAuctioning,
		updated: n.clk.Now(),
	}
	n.state.Unlock()
	gw.Broadcast(ctx, job)
	n.l.Infow("job submitted", "job", job.JobID, "type", job.JobType,
		"payment", job.Payment, "deadline_in", deadline)
	return job.JobID, nil
}

// Broadcast publishes a signed message to the mesh. Before Start it is
// a no-op, so settlement of an offline node only touches local state.
func (n *Node) Broadcast(ctx context.Context, msg protocol.Message) {
	if gw := n.gateway(); gw != nil {
		gw.Broadcast(ctx, msg)
	}
}

// BroadcastReliable publishes a message and waits for the ack quorum.
func (n *Node) BroadcastReliable(ctx context.Context, msg protocol.Message) error {
	gw := n.gateway()
	if gw == nil {
		return errNotStarted
	}
	return gw.BroadcastReliable(ctx, msg)
}

func (n *Node) gateway() *gossip.Gateway {
	n.state.Lock()
	defer n.state.Unlock()
	return n.gw
}

func (n *Node) registerHandlers() {
	n.gw.Register(protocol.TypeJobBroadcast, n.handleJobBroadcast)
	n.gw.Register(protocol.TypeJobBid, n.auction.HandleMessage)
	n.gw.Register(protocol.TypeAuctionCoordinate, n.auction.HandleMessage)
	n.gw.Register(protocol.TypeJobClaim, n.handleJobClaim)
	n.gw.Register(protocol.TypeJobHeartbeat, n.handleJobHeartbeat)
	n.gw.Register(protocol.TypeJobResult, n.handleJobResult)
	n.gw.Register(protocol.TypeReputationUpdate, n.handleReputationUpdate)
	n.gw.Register(protocol.TypeTokenTransaction, n.handleTokenTransaction)
}

func (n *Node) handleJobBroadcast(msg protocol.Message) {
	job, ok := msg.(*protocol.JobBroadcast)
	if !ok {
		return
	}
	n.state.Lock()
	rec := n.jobs[job.JobID]
	if rec == nil {
		rec = &jobRecord{
			job:     job,
			mine:    job.NodeID == n.id,
			status:  JobStatusAuctioning,
			updated: n.clk.Now(),
		}
		n.jobs[job.JobID] = rec
	}
	first := !rec.considered
	rec.considered = true
	n.state.Unlock()

	action, score := n.auction.Consider(job)
	if first {
		n.expBuf.Record(n.ctx, job, action, score)
	}
	if action == advisor.ActionForward {
		// gossipsub already floods the broadcast to every peer, so a
		// forward decision is bookkeeping, not a send.
		n.l.Debugw("forwarding job without bidding", "job", job.JobID)
	}
}

func (n *Node) handleJobClaim(msg protocol.Message) {
	m, ok := msg.(*protocol.JobClaim)
	if !ok {
		return
	}
	n.auction.HandleMessage(msg)
	n.tracker.RecordWin(m.WinnerNodeID, m.JobID)
	n.elector.ObserveClaim(m.WinnerNodeID)

	n.state.Lock()
	rec := n.jobs[m.JobID]
	var job *protocol.JobBroadcast
	if rec != nil {
		rec.status = JobStatusClaimed
		rec.claimedBy = m.WinnerNodeID
		rec.updated = n.clk.Now()
		job = rec.job
	}
	n.state.Unlock()

	if m.BackupNodeID == n.id && m.WinnerNodeID != n.id {
		if job == nil {
			n.l.Debugw("named backup for unknown job", "job", m.JobID)
			return
		}
		n.l.Infow("watching job as backup", "job", m.JobID, "primary", m.WinnerNodeID)
		n.recov.WatchAsBackup(job, m.WinnerNodeID)
	}
}

func (n *Node) handleJobHeartbeat(msg protocol.Message) {
	m, ok := msg.(*protocol.JobHeartbeat)
	if !ok {
		return
	}
	n.recov.Heartbeat(m.JobID, m.Env().NodeID)
	n.state.Lock()
	if rec := n.jobs[m.JobID]; rec != nil && rec.status == JobStatusClaimed {
		rec.status = JobStatusRunning
		rec.updated = n.clk.Now()
	}
	n.state.Unlock()
}

func (n *Node) handleJobResult(msg protocol.Message) {
	m, ok := msg.(*protocol.JobResult)
	if !ok {
		return
	}
	from := m.Env().NodeID
	n.recov.Resolve(m.JobID)
	n.elector.ObserveResult(from)
	n.tracker.RecordWin(from, m.JobID)

	stored := *m
	n.state.Lock()
	rec := n.jobs[m.JobID]
	var job *protocol.JobBroadcast
	var mine bool
	if rec != nil {
		job, mine = rec.job, rec.mine
		rec.status = m.Status
		rec.result = &stored
		rec.updated = n.clk.Now()
	}
	n.state.Unlock()

	if job == nil {
		// Without the broadcast there is no deadline to judge this
		// against, so the peer's trust is left untouched.
		n.l.Debugw("result for unknown job", "job", m.JobID, "from", from)
		return
	}
	onTime := m.Timestamp <= job.Deadline
	n.rep.ObservePeer(from, m.Status, onTime)

	if mine && from != n.id {
		n.settleAsRequester(job, &stored)
	}
}

// settleAsRequester debits the payment for a job this node submitted
// once a peer delivered it. Wallets are node-local: the debit is our own
// bookkeeping, the winner credits itself independently, and the gossiped
// transaction is a transparency record for everyone else.
func (n *Node) settleAsRequester(job *protocol.JobBroadcast, res *protocol.JobResult) {
	if res.Status != protocol.StatusSuccess {
		n.l.Infow("submitted job did not complete", "job", job.JobID, "status", res.Status)
		return
	}
	if res.SealedOutput != nil {
		out, err := n.unseal(res.SealedOutput)
		if err != nil {
			n.l.Errorw("unsealing job output", "job", job.JobID, "err", err)
		} else {
			n.state.Lock()
			res.Output = out
			res.SealedOutput = nil
			n.state.Unlock()
		}
	}
	if _, err := n.wallet.Withdraw(job.Payment, "job_payment", job.JobID); err != nil {
		// The winner still settles on its side; the shortfall only
		// shows in our own ledger.
		n.l.Warnw("payment debit failed", "job", job.JobID, "err", err)
		return
	}
	n.Broadcast(n.ctx, &protocol.TokenTransaction{
		FromNode: n.id,
		ToNode:   res.Env().NodeID,
		Amount:   job.Payment,
		Reason:   "job_payment",
		JobID:    job.JobID,
	})
}

// Trust moves only on results this node observed itself. Gossiped
// reputation updates are self-reports from the subject's own ledger and
// are recorded in the log, nothing more.
func (n *Node) handleReputationUpdate(msg protocol.Message) {
	m, ok := msg.(*protocol.ReputationUpdate)
	if !ok {
		return
	}
	n.l.Debugw("peer trust self-report", "subject", m.SubjectNodeID,
		"score", m.NewScore, "reason", m.Reason)
}

func (n *Node) handleTokenTransaction(msg protocol.Message) {
	m, ok := msg.(*protocol.TokenTransaction)
	if !ok {
		return
	}
	n.l.Debugw("observed transfer", "from", m.FromNode, "to", m.ToNode,
		"amount", m.Amount, "reason", m.Reason, "job", m.JobID)
}

func (n *Node) outcomeLoop() {
	for {
		select {
		case o := <-n.auction.Outcomes():
			n.handleOutcome(o)
		case <-n.done:
			return
		}
	}
}

func (n *Node) handleOutcome(o auction.Outcome) {
	jobID := o.Job.JobID
	if !o.Won {
		if o.Reason != auction.ReasonCancelled {
			n.state.Lock()
			n.losses++
			n.state.Unlock()
		}
		n.expBuf.Settle(n.ctx, jobID, o.Reason, 0)
		return
	}

	n.tracker.RecordWin(n.id, jobID)
	n.state.Lock()
	n.losses = 0
	if rec := n.jobs[jobID]; rec != nil {
		rec.status = JobStatusClaimed
		rec.claimedBy = n.id
		rec.updated = n.clk.Now()
	}
	n.state.Unlock()

	if out, ok := n.cache.Lookup(o.Job); ok {
		now := n.clk.Now()
		n.l.Infow("serving job from cache", "job", jobID)
		n.settle(&executor.Result{
			JobID:     jobID,
			Status:    protocol.StatusSuccess,
			Output:    out,
			StartTime: now,
			EndTime:   now,
		})
		return
	}
	if err := n.exec.Execute(n.ctx, o.Job); err != nil {
		// The stake is already locked; hand it back and let the mesh
		// time the job out.
		n.l.Errorw("cannot execute won job", "job", jobID, "err", err)
		if staked := n.wallet.StakedFor(jobID); staked > 0 {
			if _, err := n.wallet.Unstake(staked, jobID, true); err != nil {
				n.l.Errorw("returning stake", "job", jobID, "err", err)
			}
		}
	}
}

// settle runs on every finished local execution: it moves the tokens,
// updates own trust and tells the mesh. Peers account for this result on
// their own when they observe it.
func (n *Node) settle(res *executor.Result) {
	n.state.Lock()
	rec := n.jobs[res.JobID]
	var job *protocol.JobBroadcast
	if rec != nil {
		job = rec.job
	}
	n.state.Unlock()
	if job == nil {
		n.l.Errorw("result for untracked job", "job", res.JobID)
		return
	}

	deadline := protocol.TimeFromUnix(job.Deadline)
	staked := n.wallet.StakedFor(res.JobID)
	out := &protocol.JobResult{
		JobID:    res.JobID,
		Status:   res.Status,
		Duration: res.Duration,
		Output:   res.Output,
		Error:    res.Error,
	}

	var paid float64
	switch res.Status {
	case protocol.StatusSuccess:
		pay := n.calc.Settle(job.Payment, deadline, res.EndTime)
		paid = pay.Total
		if _, err := n.wallet.Deposit(pay.Total, "job_payment", res.JobID, job.NodeID); err != nil {
			n.l.Errorw("crediting payment", "job", res.JobID, "err", err)
		}
		if staked > 0 {
			if _, err := n.wallet.Unstake(staked, res.JobID, true); err != nil {
				n.l.Errorw("returning stake", "job", res.JobID, "err", err)
			}
		}
		onTime := !res.EndTime.After(deadline)
		trust := n.rep.Record(res.Status, onTime)
		n.cache.Store(job, res.Output)
		if job.NodeID == n.id {
			// Own submission: the payment leaves the same wallet it
			// arrived in.
			if _, err := n.wallet.Withdraw(job.Payment, "job_payment", res.JobID); err != nil {
				n.l.Warnw("payment debit failed", "job", res.JobID, "err", err)
			}
		}
		if job.Confidential && job.RequesterEncKey != "" {
			sealed, err := n.seal(job.RequesterEncKey, res.Output)
			out.Output = nil
			if err != nil {
				n.l.Errorw("sealing job output", "job", res.JobID, "err", err)
			} else {
				out.SealedOutput = sealed
			}
		}
		n.Broadcast(n.ctx, &protocol.TokenTransaction{
			FromNode: job.NodeID,
			ToNode:   n.id,
			Amount:   pay.Total,
			Reason:   "job_payment",
			JobID:    res.JobID,
		})
		n.broadcastTrust(trust, reasonFor(res.Status, onTime))
		n.l.Infow("job settled", "job", res.JobID, "paid", pay.Total,
			"timeliness", pay.Timeliness, "trust", trust)
	default:
		penalty := n.opts.File().Token.FailurePenalty
		if penalty > staked {
			penalty = staked
		}
		if penalty > 0 {
			if _, err := n.wallet.Unstake(penalty, res.JobID, false); err != nil {
				n.l.Errorw("slashing stake", "job", res.JobID, "err", err)
			} else {
				// slashed stakes flow back into the reward pool
				n.calc.Refill(penalty)
			}
		}
		if rest := staked - penalty; rest > 0 {
			if _, err := n.wallet.Unstake(rest, res.JobID, true); err != nil {
				n.l.Errorw("returning stake", "job", res.JobID, "err", err)
			}
		}
		trust := n.rep.Record(res.Status, false)
		n.broadcastTrust(trust, reasonFor(res.Status, false))
		n.l.Infow("job failed", "job", res.JobID, "status", res.Status,
			"slashed", penalty, "trust", trust)
	}

	n.Broadcast(n.ctx, out)

	n.state.Lock()
	if rec != nil {
		rec.status = res.Status
		rec.result = out
		rec.updated = n.clk.Now()
	}
	if res.Status == protocol.StatusSuccess {
		n.completions++
	}
	n.state.Unlock()

	n.recov.Resolve(res.JobID)
	n.expBuf.Settle(n.ctx, res.JobID, res.Status, paid)
}

func (n *Node) broadcastTrust(score float64, reason string) {
	n.Broadcast(n.ctx, &protocol.ReputationUpdate{
		SubjectNodeID: n.id,
		NewScore:      score,
		Reason:        reason,
		Event:         "job_result",
	})
}

func reasonFor(status string, onTime bool) string {
	switch {
	case status == protocol.StatusSuccess && onTime:
		return reputation.ReasonSuccessOnTime
	case status == protocol.StatusSuccess:
		return reputation.ReasonSuccessLate
	case status == protocol.StatusTimeout:
		return reputation.ReasonTimeout
	default:
		return reputation.ReasonFailure
	}
}

// takeover re-executes a job whose primary went silent. The backup runs
// it without a new auction or stake; peers accept the result because the
// claim named us.
func (n *Node) takeover(job *protocol.JobBroadcast) {
	n.l.Warnw("taking over job from silent primary", "job", job.JobID)
	n.state.Lock()
	if rec := n.jobs[job.JobID]; rec != nil {
		rec.status = JobStatusRunning
		rec.claimedBy = n.id
		rec.updated = n.clk.Now()
	}
	n.state.Unlock()
	if err := n.exec.Execute(n.ctx, job); err != nil {
		n.l.Errorw("takeover execution failed to start", "job", job.JobID, "err", err)
	}
}

func (n *Node) heartbeat(jobID string, progress float64) {
	n.Broadcast(context.Background(), &protocol.JobHeartbeat{
		JobID:    jobID,
		Progress: progress,
	})
}

func (n *Node) readLoop() {
	for {
		msg, err := n.sub.Next(n.ctx)
		if n.ctx.Err() != nil {
			return
		}
		if err != nil {
			n.l.Warnw("subscription read failed", "err", err)
			continue
		}
		n.gw.NewIncoming(msg.Data)
	}
}

func (n *Node) samplerLoop() {
	ticker := n.clk.NewTicker(DefaultSnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			n.samp.refresh()
		case <-n.done:
			return
		}
	}
}

func (n *Node) houseLoop() {
	ticker := n.clk.NewTicker(DefaultIdleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			n.idleTick()
			n.sweepJobs()
		case <-n.done:
			return
		}
	}
}

// idleTick drips the configured idle reward while nothing is running.
func (n *Node) idleTick() {
	reward := n.opts.File().Token.IdleReward
	if reward <= 0 || n.exec.Running() > 0 {
		return
	}
	if _, err := n.wallet.Deposit(reward, "idle_reward", "", "mesh"); err != nil {
		n.l.Errorw("crediting idle reward", "err", err)
	}
}

// sweepJobs drops job records an hour after their last update, whatever
// state they ended in.
func (n *Node) sweepJobs() {
	now := n.clk.Now()
	n.state.Lock()
	for id, rec := range n.jobs {
		if now.Sub(rec.updated) > jobRetention {
			delete(n.jobs, id)
		}
	}
	n.state.Unlock()
}

// snapshot assembles the local load picture the scorer bids with.
func (n *Node) snapshot() scorer.Snapshot {
	cpuFrac, memFrac := n.samp.utilization()
	n.state.Lock()
	completions, losses := n.completions, n.losses
	n.state.Unlock()
	return scorer.Snapshot{
		Trust:             n.rep.TrustScore(),
		ActiveJobs:        n.exec.Running(),
		CPUUtil:           cpuFrac,
		MemUtil:           memFrac,
		Completions:       completions,
		ConsecutiveLosses: losses,
		Starvation:        n.tracker.StarvationScore(n.id),
	}
}

func (n *Node) healthyPeers() []string {
	if gw := n.gateway(); gw != nil {
		return gw.Healthy()
	}
	return nil
}

// selfQuarantined reports whether our own trust fell below the
// quarantine threshold, in which case the node sits out auctions.
func (n *Node) selfQuarantined() bool {
	return n.rep.TrustScore() < n.opts.File().Trust.QuarantineThreshold
}

func (n *Node) p99() time.Duration {
	if gw := n.gateway(); gw != nil {
		return gw.Peers().P99RTT()
	}
	return 0
}

func (n *Node) seal(encKey string, output interface{}) (*ecies.Ciphertext, error) {
	point, err := key.StringToPoint(key.Curve, encKey)
	if err != nil {
		return nil, fmt.Errorf("parsing requester key: %w", err)
	}
	buf, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}
	return ecies.Encrypt(key.Curve, ecies.DefaultHash, point, buf)
}

func (n *Node) unseal(ct *ecies.Ciphertext) (interface{}, error) {
	buf, err := ecies.Decrypt(key.Curve, ecies.DefaultHash, n.priv.EncKey, ct)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, fmt.Errorf("decoding unsealed output: %w", err)
	}
	return out, nil
}

// contactAddr extracts the first TCP listen address of the host for the
// peer announcement. Nodes without one announce with zero values.
func contactAddr(h host.Host) (string, int) {
	for _, addr := range h.Addrs() {
		port, err := addr.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		var p int
		fmt.Sscanf(port, "%d", &p)
		ip, err := addr.ValueForProtocol(ma.P_IP4)
		if err != nil {
			ip, _ = addr.ValueForProtocol(ma.P_IP6)
		}
		return ip, p
	}
	return "", 0
}
