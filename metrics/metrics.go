package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crunchmesh/crunchmesh/log"
)

var (
	// PrivateMetrics about the internal world (go process, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (http requests, local API)
	HTTPMetrics = prometheus.NewRegistry()
	// MeshMetrics about the gossip surface (messages, peers, auctions)
	MeshMetrics = prometheus.NewRegistry()

	// InboundMessageCounter (Mesh) how many verified messages arrived per type
	InboundMessageCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gossip_inbound_messages",
		Help: "Number of verified messages received from the mesh",
	}, []string{"type"})
	// OutboundMessageCounter (Mesh) how many messages we published per type
	OutboundMessageCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gossip_outbound_messages",
		Help: "Number of messages published to the mesh",
	}, []string{"type"})
	// DroppedMessageCounter (Mesh) how many frames were rejected before dispatch
	DroppedMessageCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gossip_dropped_messages",
		Help: "Number of inbound frames rejected by the gateway",
	}, []string{"reason"})
	// ConnectedPeers (Mesh) size of the live peer table
	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connected_peers",
		Help: "Number of peers currently tracked by the peer table",
	})
	// BlacklistedPeerCounter (Mesh) how many peers were banned for flooding
	BlacklistedPeerCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mesh_blacklisted_peers",
		Help: "Number of peers blacklisted for repeated rate violations",
	})
	// PeerRTT (Mesh) round trip latencies measured by health pings
	PeerRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "peer_rtt_seconds",
		Help:    "Histogram of peer round trip times",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	// ClockSkew (Mesh) estimated offset between local clock and mesh median
	ClockSkew = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_clock_skew_seconds",
		Help: "Estimated local clock offset against the mesh median",
	})
	// MissingAckCounter (Mesh) acks that never arrived for a reliable broadcast
	MissingAckCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "missing_acks",
		Help: "Number of times a peer failed to acknowledge a reliable broadcast",
	}, []string{"peer_id"})
	// QuorumFailureCounter (Mesh) reliable broadcasts that missed their quorum
	QuorumFailureCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_quorum_failures",
		Help: "Number of reliable broadcasts that timed out below ack quorum",
	}, []string{"type"})
	// AuctionOutcomeCounter (Mesh) how auctions the node entered ended
	AuctionOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auction_outcomes",
		Help: "Number of auctions the node took part in, by outcome",
	}, []string{"outcome"})
	// JobCounter (Mesh) executions finished by the local node
	JobCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_executed",
		Help: "Number of jobs the local node finished executing",
	}, []string{"status"})
	// JobDuration (Mesh) how long local executions take
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_execution_seconds",
		Help:    "Histogram of local job execution times",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	// WalletBalance (Mesh) spendable tokens in the local wallet
	WalletBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_balance",
		Help: "Spendable token balance of the local wallet",
	})
	// WalletStaked (Mesh) tokens locked behind active claims
	WalletStaked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wallet_staked",
		Help: "Tokens currently staked behind claimed jobs",
	})
	// ReputationScore (Mesh) trust scores tracked per peer
	ReputationScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reputation_score",
		Help: "Trust score tracked for each known peer",
	}, []string{"node_id"})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	metricsBound = false
)

func bindMetrics() {
	if metricsBound {
		return
	}
	metricsBound = true

	// The private go-level metrics live in private.
	PrivateMetrics.Register(prometheus.NewGoCollector())
	PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	// Mesh metrics
	mesh := []prometheus.Collector{
		InboundMessageCounter,
		OutboundMessageCounter,
		DroppedMessageCounter,
		ConnectedPeers,
		BlacklistedPeerCounter,
		PeerRTT,
		ClockSkew,
		MissingAckCounter,
		QuorumFailureCounter,
		AuctionOutcomeCounter,
		JobCounter,
		JobDuration,
		WalletBalance,
		WalletStaked,
		ReputationScore,
	}
	for _, c := range mesh {
		MeshMetrics.Register(c)
		PrivateMetrics.Register(c)
	}

	// HTTP metrics
	http := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	for _, c := range http {
		HTTPMetrics.Register(c)
		PrivateMetrics.Register(c)
	}
}

// Start starts a prometheus metrics server with debug endpoints.
func Start(metricsBind string, pprof http.Handler) net.Listener {
	log.DefaultLogger().Debugw("starting metrics server", "at", metricsBind)
	bindMetrics()

	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		log.DefaultLogger().Warnw("metrics listen failed", "err", err)
		return nil
	}
	s := http.Server{Addr: l.Addr().String()}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))

	if pprof != nil {
		mux.Handle("/debug/pprof", pprof)
	}

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s.Handler = mux
	go func() {
		log.DefaultLogger().Warnw("metrics listen finished", "err", s.Serve(l))
	}()
	return l
}

// MeshHandler provides the mesh-facing registry as an http handler.
// The local API mounts it at `/metrics` so operators can scrape a node
// without opening the private listener.
func MeshHandler() http.Handler {
	bindMetrics()
	return promhttp.HandlerFor(MeshMetrics, promhttp.HandlerOpts{Registry: MeshMetrics})
}
