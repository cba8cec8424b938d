// Package gossip implements the message gateway every crunchmesh node
// runs on top of its pubsub topic. The gateway seals and publishes
// outbound messages, verifies and filters everything that arrives, keeps
// the live peer table, and hands surviving messages to the registered
// handlers. It never touches libp2p directly: the transport is injected
// as a publish function so tests can run whole meshes in-process.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	clock "github.com/jonboulle/clockwork"

	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/metrics"
	"github.com/crunchmesh/crunchmesh/protocol"
)

// ErrNoQuorum is returned by BroadcastReliable when the ack quorum did
// not arrive before the timeout.
var ErrNoQuorum = errors.New("gossip: ack quorum not reached")

// Gateway intervals and limits. They follow the mesh protocol, so nodes
// with different settings still interoperate but will flag each other as
// stale or floody earlier or later than the rest.
const (
	DefaultDiscoveryInterval = 5 * time.Second
	DefaultCleanupInterval   = 60 * time.Second
	DefaultSeenTTL           = 60 * time.Second
	DefaultStalePeerAfter    = 30 * time.Second
	DefaultPingInterval      = 10 * time.Second
	DefaultPingTimeout       = 5 * time.Second
	DefaultClockSyncInterval = 5 * time.Minute
	DefaultSkewWarn          = 5 * time.Second
	DefaultAckTimeout        = 2 * time.Second
	DefaultReplayWindow      = 30 * time.Second
	DefaultFutureBound       = 5 * time.Second
	DefaultRateRefill        = 2.0
	DefaultRateBurst         = 10
	DefaultMaxViolations     = 3
)

// PublishFunc sends one sealed frame to the whole mesh, the sender
// included. Gossipsub delivers published messages back to their
// publisher, and the gateway relies on that for job broadcasts.
type PublishFunc func(ctx context.Context, frame []byte) error

// Handler consumes one verified inbound message. Handlers run on the
// gateway's receive path, so anything slow should hop onto its own
// goroutine.
type Handler func(msg protocol.Message)

// Config holds the parameters of a Gateway. Zero durations and limits
// fall back to the defaults above.
type Config struct {
	Log    log.Logger
	Clock  clock.Clock
	MeshID string

	Pair         *key.Pair
	NodeName     string
	IP           string
	Port         int
	Capabilities []string

	Publish PublishFunc
	// Stats feeds the trust score and token balance into peer
	// announcements when set.
	Stats func() (trust, balance float64)

	DiscoveryInterval time.Duration
	CleanupInterval   time.Duration
	SeenTTL           time.Duration
	StalePeerAfter    time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ClockSyncInterval time.Duration
	SkewWarn          time.Duration
	AckTimeout        time.Duration
	ReplayWindow      time.Duration
	FutureBound       time.Duration

	RateRefill    float64
	RateBurst     int
	MaxViolations int
}

func (c *Config) fillDefaults() {
	if c.Log == nil {
		c.Log = log.DefaultLogger()
	}
	if c.Clock == nil {
		c.Clock = clock.NewRealClock()
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.SeenTTL == 0 {
		c.SeenTTL = DefaultSeenTTL
	}
	if c.StalePeerAfter == 0 {
		c.StalePeerAfter = DefaultStalePeerAfter
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.ClockSyncInterval == 0 {
		c.ClockSyncInterval = DefaultClockSyncInterval
	}
	if c.SkewWarn == 0 {
		c.SkewWarn = DefaultSkewWarn
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.FutureBound == 0 {
		c.FutureBound = DefaultFutureBound
	}
	if c.RateRefill == 0 {
		c.RateRefill = DefaultRateRefill
	}
	if c.RateBurst == 0 {
		c.RateBurst = DefaultRateBurst
	}
	if c.MaxViolations == 0 {
		c.MaxViolations = DefaultMaxViolations
	}
}

// Gateway is the crunchmesh message pump.
type Gateway struct {
	conf   *Config
	l      log.Logger
	clock  clock.Clock
	pair   *key.Pair
	nodeID string

	peers   *Table
	guard   *ReplayGuard
	limiter *Limiter
	acks    *ackTracker
	monitor *metrics.QuorumMonitor

	mu       sync.Mutex
	handlers map[string][]Handler
	pings    map[string]time.Time
	offset   time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewGateway builds a stopped gateway. Call Start to launch the
// discovery, cleanup, health and clock sync loops.
func NewGateway(conf *Config) (*Gateway, error) {
	if conf.Pair == nil {
		return nil, errors.New("gossip: config needs a key pair")
	}
	if conf.Publish == nil {
		return nil, errors.New("gossip: config needs a publish function")
	}
	conf.fillDefaults()

	g := &Gateway{
		conf:     conf,
		l:        conf.Log.Named("gossip"),
		clock:    conf.Clock,
		pair:     conf.Pair,
		nodeID:   conf.Pair.Public.ID(),
		peers:    NewTable(),
		guard:    NewReplayGuard(conf.ReplayWindow, conf.FutureBound, conf.SeenTTL),
		limiter:  NewLimiter(conf.RateRefill, conf.RateBurst, conf.MaxViolations),
		acks:     newAckTracker(),
		monitor:  metrics.NewQuorumMonitor(conf.MeshID, conf.Log.Named("quorum"), 1),
		handlers: make(map[string][]Handler),
		pings:    make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	return g, nil
}

// NodeID returns the mesh identity the gateway signs with.
func (g *Gateway) NodeID() string { return g.nodeID }

// Peers exposes the live peer table.
func (g *Gateway) Peers() *Table { return g.peers }

// Healthy returns the peers seen recently enough to count for quorums
// and elections. The local node is not part of the table.
func (g *Gateway) Healthy() []string {
	return g.peers.HealthyIDs(g.clock.Now(), g.conf.StalePeerAfter)
}

// ClockOffset reports the latest estimate of how far the local clock
// sits from the mesh median.
func (g *Gateway) ClockOffset() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.offset
}

// Register subscribes a handler to one wire type. Registration is not
// synchronized with delivery: register everything before Start.
func (g *Gateway) Register(wireType string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[wireType] = append(g.handlers[wireType], h)
}

// Start launches the background loops and the quorum monitor.
func (g *Gateway) Start() {
	g.monitor.Start()
	go g.discoveryLoop()
	go g.cleanupLoop()
	go g.healthLoop()
	go g.clockSyncLoop()
}

// Stop says goodbye to the mesh and terminates the background loops.
func (g *Gateway) Stop(ctx context.Context) {
	g.stopOnce.Do(func() {
		g.Broadcast(ctx, &protocol.PeerGoodbye{})
		close(g.done)
		g.monitor.Stop()
	})
}

// Broadcast seals and publishes a message without waiting for anyone to
// receive it. Publish failures are logged, not returned: gossip is best
// effort and the callers that need delivery guarantees use
// BroadcastReliable.
func (g *Gateway) Broadcast(ctx context.Context, msg protocol.Message) {
	frame, err := protocol.Seal(g.pair, msg, g.clock.Now())
	if err != nil {
		g.l.Errorw("sealing message", "type", msg.Kind(), "err", err)
		return
	}
	if err := g.conf.Publish(ctx, frame); err != nil {
		g.l.Warnw("publish failed", "type", msg.Kind(), "err", err)
		return
	}
	metrics.OutboundMessageCounter.WithLabelValues(msg.Kind()).Inc()
}

// BroadcastReliable publishes a message and waits until at least
// ceil(2n/3) of the currently healthy peers acknowledged it, n being the
// healthy peer count at send time. With no healthy peers the broadcast
// succeeds immediately. On timeout the silent peers are reported to the
// quorum monitor and ErrNoQuorum is returned.
func (g *Gateway) BroadcastReliable(ctx context.Context, msg protocol.Message) error {
	now := g.clock.Now()
	expected := g.peers.HealthyIDs(now, g.conf.StalePeerAfter)
	needed := key.DefaultThreshold(len(expected))

	e := msg.Env()
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	done := g.acks.Register(e.MessageID, needed)
	defer g.acks.Cancel(e.MessageID)

	frame, err := protocol.Seal(g.pair, msg, now)
	if err != nil {
		return fmt.Errorf("sealing %s: %w", msg.Kind(), err)
	}
	if err := g.conf.Publish(ctx, frame); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Kind(), err)
	}
	metrics.OutboundMessageCounter.WithLabelValues(msg.Kind()).Inc()

	select {
	case <-done:
		return nil
	case <-g.clock.After(g.conf.AckTimeout):
		got := g.acks.Count(e.MessageID)
		g.reportSilent(expected, e.MessageID)
		metrics.QuorumFailureCounter.WithLabelValues(msg.Kind()).Inc()
		return fmt.Errorf("%w: %d of %d acks for %s", ErrNoQuorum, got, needed, msg.Kind())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) reportSilent(expected []string, messageID string) {
	acked := make(map[string]bool)
	for _, id := range g.acks.Acked(messageID) {
		acked[id] = true
	}
	for _, id := range expected {
		if !acked[id] {
			g.monitor.ReportMissing(id)
		}
	}
}

// NewIncoming feeds one raw frame from the transport through the
// verification pipeline: decode and signature check, replay guard, the
// self-receipt rule, rate limiting, then transport bookkeeping and
// handler dispatch. Frames that fail any step are dropped and counted.
func (g *Gateway) NewIncoming(frame []byte) {
	now := g.clock.Now()

	msg, err := protocol.Decode(frame)
	if err != nil {
		metrics.DroppedMessageCounter.WithLabelValues(dropReason(err)).Inc()
		g.l.Debugw("dropping frame", "err", err)
		return
	}
	e := msg.Env()
	metrics.InboundMessageCounter.WithLabelValues(e.Type).Inc()

	if g.peers.IsBlacklisted(e.NodeID) {
		metrics.DroppedMessageCounter.WithLabelValues("blacklisted").Inc()
		return
	}

	// The guard runs before the self check so that our own messages
	// land in the dedupe cache: a replayed copy of them must not pass.
	if err := g.guard.Check(e, now); err != nil {
		metrics.DroppedMessageCounter.WithLabelValues(dropReason(err)).Inc()
		g.l.Debugw("dropping message", "from", e.NodeID, "type", e.Type, "err", err)
		return
	}

	self := e.NodeID == g.nodeID
	if self && e.Type != protocol.TypeJobBroadcast {
		// Own job broadcasts re-enter the pipeline so the node can bid
		// on its own jobs. Everything else we published is done once
		// the dedupe cache recorded it.
		return
	}

	if !self {
		if ok, blacklist := g.limiter.Allow(e.NodeID, now); !ok {
			if blacklist {
				g.peers.Blacklist(e.NodeID)
				metrics.BlacklistedPeerCounter.Inc()
				g.l.Warnw("blacklisting peer for flooding", "peer", e.NodeID,
					"violations", g.limiter.Violations(e.NodeID))
			}
			metrics.DroppedMessageCounter.WithLabelValues("rate_limit").Inc()
			return
		}
		g.peers.Touch(e.NodeID, now)
	}

	switch m := msg.(type) {
	case *protocol.PeerAnnounce:
		g.peers.Upsert(m, now)
		metrics.ConnectedPeers.Set(float64(g.peers.Len()))
	case *protocol.PeerGoodbye:
		g.peers.Remove(e.NodeID)
		g.limiter.Forget(e.NodeID)
		metrics.ConnectedPeers.Set(float64(g.peers.Len()))
	case *protocol.Ping:
		g.Broadcast(context.Background(), &protocol.Pong{PingID: m.PingID})
	case *protocol.Pong:
		g.handlePong(m, now)
	case *protocol.Ack:
		g.acks.Resolve(m.AckMessageID, e.NodeID)
	case *protocol.JobClaim:
		g.Broadcast(context.Background(), &protocol.Ack{AckMessageID: e.MessageID})
	case *protocol.JobResult:
		g.Broadcast(context.Background(), &protocol.Ack{AckMessageID: e.MessageID})
	}

	g.dispatch(msg)
}

func (g *Gateway) dispatch(msg protocol.Message) {
	g.mu.Lock()
	hs := g.handlers[msg.Kind()]
	g.mu.Unlock()
	for _, h := range hs {
		h(msg)
	}
}

// handlePong records the RTT and clock offset of a peer that answered
// one of our pings. Pongs for other nodes' pings carry unknown ping ids
// and only refresh last_seen.
func (g *Gateway) handlePong(m *protocol.Pong, now time.Time) {
	g.mu.Lock()
	sent, ok := g.pings[m.PingID]
	g.mu.Unlock()
	if !ok {
		return
	}
	rtt := now.Sub(sent)
	if rtt < 0 || rtt > g.conf.PingTimeout {
		return
	}
	peer := m.Env().NodeID
	g.peers.RecordRTT(peer, rtt)
	metrics.PeerRTT.Observe(rtt.Seconds())

	// The peer stamped its pong at roughly sent+rtt/2 on our clock, so
	// the difference estimates its clock offset against ours.
	peerTime := protocol.TimeFromUnix(m.Env().Timestamp)
	g.peers.RecordOffset(peer, peerTime.Sub(sent.Add(rtt/2)))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInvalidSignature):
		return "bad_signature"
	case errors.Is(err, protocol.ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, ErrSeenMessage), errors.Is(err, ErrSeenNonce):
		return "replay"
	case errors.Is(err, ErrStaleTimestamp), errors.Is(err, ErrFutureTimestamp):
		return "bad_timestamp"
	default:
		return "malformed"
	}
}

func (g *Gateway) announce(ctx context.Context) {
	a := &protocol.PeerAnnounce{
		NodeName:     g.conf.NodeName,
		IP:           g.conf.IP,
		Port:         g.conf.Port,
		Capabilities: g.conf.Capabilities,
	}
	if g.conf.Stats != nil {
		a.TrustScore, a.TokenBalance = g.conf.Stats()
	}
	g.Broadcast(ctx, a)
}

func (g *Gateway) discoveryLoop() {
	ticker := g.clock.NewTicker(g.conf.DiscoveryInterval)
	defer ticker.Stop()
	g.announce(context.Background())
	for {
		select {
		case <-ticker.Chan():
			g.announce(context.Background())
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) cleanupLoop() {
	ticker := g.clock.NewTicker(g.conf.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			now := g.clock.Now()
			expired := g.guard.Cleanup(now)
			evicted := g.peers.EvictStale(now, g.conf.StalePeerAfter)
			for _, id := range evicted {
				g.limiter.Forget(id)
			}
			metrics.ConnectedPeers.Set(float64(g.peers.Len()))
			g.monitor.UpdateQuorum(key.DefaultThreshold(len(g.Healthy())))
			if expired > 0 || len(evicted) > 0 {
				g.l.Debugw("cleanup pass", "expired_ids", expired, "evicted_peers", len(evicted))
			}
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) healthLoop() {
	ticker := g.clock.NewTicker(g.conf.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			id := uuid.NewString()
			now := g.clock.Now()
			g.mu.Lock()
			for pid, sent := range g.pings {
				if now.Sub(sent) > 2*g.conf.PingTimeout {
					delete(g.pings, pid)
				}
			}
			g.pings[id] = now
			g.mu.Unlock()
			g.Broadcast(context.Background(), &protocol.Ping{PingID: id})
		case <-g.done:
			return
		}
	}
}

func (g *Gateway) clockSyncLoop() {
	ticker := g.clock.NewTicker(g.conf.ClockSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			off := g.peers.MedianOffset()
			g.mu.Lock()
			g.offset = off
			g.mu.Unlock()
			metrics.ClockSkew.Set(off.Seconds())
			if off > g.conf.SkewWarn || off < -g.conf.SkewWarn {
				g.l.Warnw("local clock drifts from the mesh median",
					"offset", off, "peers", g.peers.Len())
			}
		case <-g.done:
			return
		}
	}
}
