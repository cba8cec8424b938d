package gossip

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	clock "github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/protocol"
)

// bus fans published frames out to every attached gateway, the publisher
// included, the way gossipsub delivers to its own subscriber.
type bus struct {
	sync.Mutex
	gateways []*Gateway
}

func (b *bus) attach(g *Gateway) {
	b.Lock()
	defer b.Unlock()
	b.gateways = append(b.gateways, g)
}

func (b *bus) publish(_ context.Context, frame []byte) error {
	b.Lock()
	gws := append([]*Gateway(nil), b.gateways...)
	b.Unlock()
	for _, g := range gws {
		g.NewIncoming(frame)
	}
	return nil
}

func newTestGateway(t *testing.T, b *bus, name string, c clock.Clock) *Gateway {
	t.Helper()
	g, err := NewGateway(&Config{
		Log:          log.New(nil, log.WarnLevel, true),
		Clock:        c,
		MeshID:       "testnet",
		Pair:         key.NewKeyPair("127.0.0.1:0"),
		NodeName:     name,
		IP:           "127.0.0.1",
		Port:         7946,
		Capabilities: []string{"docker"},
		Publish:      b.publish,
	})
	require.NoError(t, err)
	b.attach(g)
	return g
}

// counter collects messages a handler saw, safe against the gateway
// calling from other goroutines.
type counter struct {
	sync.Mutex
	msgs []protocol.Message
}

func (c *counter) handle(m protocol.Message) {
	c.Lock()
	defer c.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *counter) count() int {
	c.Lock()
	defer c.Unlock()
	return len(c.msgs)
}

func TestGatewayAnnounceBuildsPeerTable(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)
	bob := newTestGateway(t, b, "bob", fc)

	alice.announce(context.Background())

	p, ok := bob.Peers().Get(alice.NodeID())
	require.True(t, ok)
	require.Equal(t, "alice", p.Name)
	require.Equal(t, 7946, p.Port)
	// our own announce does not land in our table
	require.Equal(t, 0, alice.Peers().Len())

	bob.announce(context.Background())
	_, ok = alice.Peers().Get(bob.NodeID())
	require.True(t, ok)
}

func TestGatewaySelfJobBroadcastRedelivered(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)
	bob := newTestGateway(t, b, "bob", fc)

	aliceJobs, bobJobs := &counter{}, &counter{}
	alicePings := &counter{}
	alice.Register(protocol.TypeJobBroadcast, aliceJobs.handle)
	bob.Register(protocol.TypeJobBroadcast, bobJobs.handle)
	alice.Register(protocol.TypePong, alicePings.handle)

	alice.Broadcast(context.Background(), &protocol.JobBroadcast{
		JobID:   "job-1",
		JobType: "render",
		Payment: 40,
	})

	// job broadcasts come back to the sender so it can bid on its own job
	require.Equal(t, 1, aliceJobs.count())
	require.Equal(t, 1, bobJobs.count())

	// any other self message is swallowed after the dedupe cache records it
	alice.Broadcast(context.Background(), &protocol.Pong{PingID: "p1"})
	require.Equal(t, 0, alicePings.count())
}

func TestGatewayDropsReplayedFrames(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)

	beats := &counter{}
	alice.Register(protocol.TypeJobHeartbeat, beats.handle)

	charlie := key.NewKeyPair("127.0.0.1:0")
	frame, err := protocol.Seal(charlie, &protocol.JobHeartbeat{JobID: "job-1", Progress: 0.5}, fc.Now())
	require.NoError(t, err)

	alice.NewIncoming(frame)
	alice.NewIncoming(frame)
	require.Equal(t, 1, beats.count())
}

func TestGatewayDropsTamperedFrames(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)

	beats := &counter{}
	alice.Register(protocol.TypeJobHeartbeat, beats.handle)

	charlie := key.NewKeyPair("127.0.0.1:0")
	frame, err := protocol.Seal(charlie, &protocol.JobHeartbeat{JobID: "job-1", Progress: 0.5}, fc.Now())
	require.NoError(t, err)

	tampered := bytes.Replace(frame, []byte(`"job-1"`), []byte(`"job-2"`), 1)
	alice.NewIncoming(tampered)
	require.Equal(t, 0, beats.count())
}

func TestGatewayDropsFramesOutsideTimestampWindow(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)

	beats := &counter{}
	alice.Register(protocol.TypeJobHeartbeat, beats.handle)

	charlie := key.NewKeyPair("127.0.0.1:0")

	old, err := protocol.Seal(charlie, &protocol.JobHeartbeat{JobID: "job-1"}, fc.Now().Add(-40*time.Second))
	require.NoError(t, err)
	alice.NewIncoming(old)

	future, err := protocol.Seal(charlie, &protocol.JobHeartbeat{JobID: "job-2"}, fc.Now().Add(10*time.Second))
	require.NoError(t, err)
	alice.NewIncoming(future)

	require.Equal(t, 0, beats.count())
}

func TestGatewayBlacklistsFloodingPeer(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice, err := NewGateway(&Config{
		Log:           log.New(nil, log.WarnLevel, true),
		Clock:         fc,
		MeshID:        "testnet",
		Pair:          key.NewKeyPair("127.0.0.1:0"),
		NodeName:      "alice",
		Publish:       b.publish,
		RateBurst:     2,
		RateRefill:    1.0,
		MaxViolations: 2,
	})
	require.NoError(t, err)
	b.attach(alice)

	beats := &counter{}
	alice.Register(protocol.TypeJobHeartbeat, beats.handle)

	charlie := key.NewKeyPair("127.0.0.1:0")
	flood := func(jobID string) {
		frame, err := protocol.Seal(charlie, &protocol.JobHeartbeat{JobID: jobID, Progress: 0.1}, fc.Now())
		require.NoError(t, err)
		alice.NewIncoming(frame)
	}

	flood("job-1") // passes
	flood("job-2") // passes, burst exhausted
	flood("job-3") // violation 1
	flood("job-4") // violation 2, blacklist
	flood("job-5") // dropped outright

	require.Equal(t, 2, beats.count())
	require.True(t, alice.Peers().IsBlacklisted(charlie.Public.ID()))
}

func TestGatewayPingPongRecordsRTTAndOffset(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)

	// alice pinged 40ms ago
	alice.mu.Lock()
	alice.pings["ping-1"] = fc.Now()
	alice.mu.Unlock()
	fc.Advance(40 * time.Millisecond)

	// bob answers with a clock running 4s ahead of ours
	bob := key.NewKeyPair("127.0.0.1:0")
	frame, err := protocol.Seal(bob, &protocol.Pong{PingID: "ping-1"}, fc.Now().Add(4*time.Second))
	require.NoError(t, err)
	alice.NewIncoming(frame)

	require.Equal(t, 40*time.Millisecond, alice.Peers().P99RTT())
	wantOffset := 4*time.Second + 20*time.Millisecond
	require.InDelta(t, wantOffset.Seconds(), alice.Peers().MedianOffset().Seconds(), 0.001)

	// a pong for a ping we never sent leaves the samples alone
	frame, err = protocol.Seal(bob, &protocol.Pong{PingID: "someone-else"}, fc.Now())
	require.NoError(t, err)
	alice.NewIncoming(frame)
	require.Equal(t, 40*time.Millisecond, alice.Peers().P99RTT())
}

func TestGatewayAnswersPings(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)
	bob := newTestGateway(t, b, "bob", fc)

	pongs := &counter{}
	alice.Register(protocol.TypePong, pongs.handle)

	// bob pings by hand; alice must answer on the shared topic
	frame, err := protocol.Seal(bob.pair, &protocol.Ping{PingID: "ping-7"}, fc.Now())
	require.NoError(t, err)
	alice.NewIncoming(frame)

	require.Equal(t, 1, pongs.count())
	pong, ok := pongs.msgs[0].(*protocol.Pong)
	require.True(t, ok)
	require.Equal(t, "ping-7", pong.PingID)
}

func TestBroadcastReliableReachesQuorum(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)
	bob := newTestGateway(t, b, "bob", fc)
	carol := newTestGateway(t, b, "carol", fc)

	bob.announce(context.Background())
	carol.announce(context.Background())
	require.Len(t, alice.Healthy(), 2)

	// bob and carol ack the claim inline, satisfying the 2-of-2 quorum
	err := alice.BroadcastReliable(context.Background(), &protocol.JobClaim{
		JobID:        "job-1",
		WinnerNodeID: alice.NodeID(),
		StakeAmount:  4,
	})
	require.NoError(t, err)
}

func TestBroadcastReliableJobResultAcked(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)
	bob := newTestGateway(t, b, "bob", fc)

	bob.announce(context.Background())

	err := alice.BroadcastReliable(context.Background(), &protocol.JobResult{
		JobID:    "job-1",
		Status:   protocol.StatusSuccess,
		Duration: 12.5,
	})
	require.NoError(t, err)
}

func TestBroadcastReliableTimesOutBelowQuorum(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)

	// alice knows two peers that never answer: they are not on the bus
	for _, name := range []string{"bob", "carol"} {
		p := key.NewKeyPair("127.0.0.1:0")
		frame, err := protocol.Seal(p, &protocol.PeerAnnounce{NodeName: name, IP: "127.0.0.1", Port: 7946}, fc.Now())
		require.NoError(t, err)
		alice.NewIncoming(frame)
	}
	require.Len(t, alice.Healthy(), 2)

	errc := make(chan error, 1)
	go func() {
		errc <- alice.BroadcastReliable(context.Background(), &protocol.JobClaim{
			JobID:        "job-9",
			WinnerNodeID: alice.NodeID(),
		})
	}()

	fc.BlockUntil(1)
	fc.Advance(DefaultAckTimeout)
	require.ErrorIs(t, <-errc, ErrNoQuorum)
}

func TestGatewayGoodbyeRemovesPeer(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)
	bob := newTestGateway(t, b, "bob", fc)

	bob.announce(context.Background())
	require.Equal(t, 1, alice.Peers().Len())

	bob.Stop(context.Background())
	require.Equal(t, 0, alice.Peers().Len())
}

func TestGatewayStartAnnouncesImmediately(t *testing.T) {
	fc := clock.NewFakeClock()
	b := &bus{}
	alice := newTestGateway(t, b, "alice", fc)
	bob := newTestGateway(t, b, "bob", fc)

	alice.Start()
	bob.Start()
	defer alice.Stop(context.Background())
	defer bob.Stop(context.Background())

	require.Eventually(t, func() bool {
		_, ok1 := alice.Peers().Get(bob.NodeID())
		_, ok2 := bob.Peers().Get(alice.NodeID())
		return ok1 && ok2
	}, 2*time.Second, 10*time.Millisecond)
}
