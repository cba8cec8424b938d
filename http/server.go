// Package http serves the local JSON API of a node: status, peers,
// wallet, auctions, reputation and job submission. It binds to loopback
// by default and is the surface the CLI talks to; the mesh itself never
// goes through it.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	nhttp "net/http"
	"os"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/handlers"
	"github.com/kabukky/httpscerts"
	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crunchmesh/crunchmesh/auction"
	"github.com/crunchmesh/crunchmesh/gossip"
	"github.com/crunchmesh/crunchmesh/log"
	"github.com/crunchmesh/crunchmesh/metrics"
	"github.com/crunchmesh/crunchmesh/protocol"
	"github.com/crunchmesh/crunchmesh/reputation"
	"github.com/crunchmesh/crunchmesh/wallet"
)

const accessLogPerm = 0666

// shutdownGrace bounds how long Stop waits for in-flight requests when
// the caller's context carries no deadline of its own.
const shutdownGrace = 5 * time.Second

// Node is the view of the local node the API serves. core.Node satisfies
// it; tests substitute fakes.
type Node interface {
	NodeID() string
	Name() string
	MeshID() string
	StartedAt() time.Time
	Addresses() []string
	Capabilities() []string
	Running() int
	WalletStats() *wallet.Snapshot
	Transactions() []*wallet.LedgerEntry
	TrustStats() *reputation.Snapshot
	MeshPeers() []gossip.Peer
	Auctions() []auction.Standing
	Job(id string) (*protocol.JobBroadcast, string, *protocol.JobResult, bool)
	Submit(ctx context.Context, req *SubmitRequest) (string, error)
}

// SubmitRequest is the body of POST /jobs. DeadlineSeconds is relative to
// submission time; zero picks the node default.
type SubmitRequest struct {
	JobType         string                 `json:"job_type"`
	Priority        float64                `json:"priority,omitempty"`
	Payment         float64                `json:"payment"`
	DeadlineSeconds float64                `json:"deadline_seconds,omitempty"`
	Requirements    []string               `json:"requirements,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Verify          bool                   `json:"verify,omitempty"`
	Verifiers       int                    `json:"verifiers,omitempty"`
	Confidential    bool                   `json:"confidential,omitempty"`
}

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// StatusResponse summarizes the node.
type StatusResponse struct {
	NodeID        string   `json:"node_id"`
	Name          string   `json:"name,omitempty"`
	MeshID        string   `json:"mesh_id"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	Addresses     []string `json:"addresses,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	RunningJobs   int      `json:"running_jobs"`
	Peers         int      `json:"peers"`
	Balance       float64  `json:"balance"`
	Staked        float64  `json:"staked"`
	Trust         float64  `json:"trust"`
}

// PeerView is one peer as served by GET /peers. LastSeen is a float unix
// timestamp like every timestamp on the wire.
type PeerView struct {
	NodeID       string   `json:"node_id"`
	Name         string   `json:"name,omitempty"`
	IP           string   `json:"ip,omitempty"`
	Port         int      `json:"port,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	TrustScore   float64  `json:"trust_score"`
	TokenBalance float64  `json:"token_balance"`
	LastSeen     float64  `json:"last_seen"`
	Blacklisted  bool     `json:"blacklisted,omitempty"`
}

// PeersResponse is the body of GET /peers.
type PeersResponse struct {
	Count int        `json:"count"`
	Peers []PeerView `json:"peers"`
}

// JobResponse is the tracked state of one job.
type JobResponse struct {
	JobID  string                 `json:"job_id"`
	Status string                 `json:"status"`
	Job    *protocol.JobBroadcast `json:"job,omitempty"`
	Result *protocol.JobResult    `json:"result,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the local API listener. Configure it with UseTLS and
// UseAccessLog before Start.
type Server struct {
	addr string
	node Node
	l    log.Logger

	certPath      string
	keyPath       string
	accessLogPath string
	accessLog     *os.File

	ln  net.Listener
	srv *nhttp.Server
}

// NewServer returns a server bound to addr once started.
func NewServer(addr string, node Node, l log.Logger) *Server {
	return &Server{
		addr: addr,
		node: node,
		l:    l.Named("api"),
	}
}

// UseTLS makes the server answer TLS on the given certificate pair. When
// the files do not exist yet a self-signed pair is generated in place, so
// a dev node gets a working TLS endpoint without ceremony.
func (s *Server) UseTLS(certPath, keyPath string) {
	s.certPath = certPath
	s.keyPath = keyPath
}

// UseAccessLog appends an Apache-style access log to the file at path.
func (s *Server) UseAccessLog(path string) {
	s.accessLogPath = path
}

// Start binds the listener and serves in the background. Bind failures
// are returned synchronously; later serve errors are logged.
func (s *Server) Start() error {
	handler, err := s.handler()
	if err != nil {
		return err
	}
	if s.certPath != "" {
		if err := httpscerts.Check(s.certPath, s.keyPath); err != nil {
			s.l.Infow("generating self-signed api certificate", "cert", s.certPath)
			if err := httpscerts.Generate(s.certPath, s.keyPath, s.addr); err != nil {
				return fmt.Errorf("http: generating certificate: %w", err)
			}
		}
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http: listening on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &nhttp.Server{Handler: handler}
	go func() {
		var err error
		if s.certPath != "" {
			err = s.srv.ServeTLS(ln, s.certPath, s.keyPath)
		} else {
			err = s.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, nhttp.ErrServerClosed) {
			s.l.Errorw("api serve finished", "err", err)
		}
	}()
	s.l.Infow("local api listening", "addr", ln.Addr().String(), "tls", s.certPath != "")
	return nil
}

// Addr returns the bound address, useful when starting on port 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
	}
	err := s.srv.Shutdown(ctx)
	if s.accessLog != nil {
		if cerr := s.accessLog.Close(); err == nil {
			err = cerr
		}
		s.accessLog = nil
	}
	return err
}

// handler assembles the route tree with the metrics instrumentation and,
// when asked for, the access log wrapped around it.
func (s *Server) handler() (nhttp.Handler, error) {
	r := chi.NewRouter()
	r.Get("/health", s.getHealth)
	r.Get("/status", s.getStatus)
	r.Get("/peers", s.getPeers)
	r.Get("/wallet", s.getWallet)
	r.Get("/wallet/transactions", s.getTransactions)
	r.Get("/auctions", s.getAuctions)
	r.Get("/reputation", s.getReputation)
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.postJob)
		r.Get("/{id}", s.getJob)
	})
	r.Handle("/metrics", metrics.MeshHandler())

	var h nhttp.Handler = promhttp.InstrumentHandlerCounter(
		metrics.HTTPCallCounter,
		promhttp.InstrumentHandlerDuration(
			metrics.HTTPLatency,
			promhttp.InstrumentHandlerInFlight(metrics.HTTPInFlight, r)))

	if s.accessLogPath != "" {
		fd, err := os.OpenFile(s.accessLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, accessLogPerm)
		if err != nil {
			return nil, fmt.Errorf("http: opening access log: %w", err)
		}
		s.accessLog = fd
		h = handlers.CombinedLoggingHandler(fd, h)
	}
	return h, nil
}

func (s *Server) getHealth(w nhttp.ResponseWriter, r *nhttp.Request) {
	w.WriteHeader(nhttp.StatusOK)
}

func (s *Server) getStatus(w nhttp.ResponseWriter, r *nhttp.Request) {
	ws := s.node.WalletStats()
	rs := s.node.TrustStats()
	resp := &StatusResponse{
		NodeID:       s.node.NodeID(),
		Name:         s.node.Name(),
		MeshID:       s.node.MeshID(),
		Addresses:    s.node.Addresses(),
		Capabilities: s.node.Capabilities(),
		RunningJobs:  s.node.Running(),
		Peers:        len(s.node.MeshPeers()),
		Balance:      ws.Balance,
		Staked:       ws.Staked,
		Trust:        rs.Trust,
	}
	if started := s.node.StartedAt(); !started.IsZero() {
		resp.UptimeSeconds = time.Since(started).Seconds()
	}
	s.writeJSON(w, r, nhttp.StatusOK, resp)
}

func (s *Server) getPeers(w nhttp.ResponseWriter, r *nhttp.Request) {
	peers := s.node.MeshPeers()
	resp := &PeersResponse{Count: len(peers), Peers: make([]PeerView, 0, len(peers))}
	for _, p := range peers {
		view := PeerView{
			NodeID:       p.ID,
			Name:         p.Name,
			IP:           p.IP,
			Port:         p.Port,
			Capabilities: p.Capabilities,
			TrustScore:   p.TrustScore,
			TokenBalance: p.TokenBalance,
			Blacklisted:  p.Blacklisted,
		}
		if !p.LastSeen.IsZero() {
			view.LastSeen = protocol.UnixSeconds(p.LastSeen)
		}
		resp.Peers = append(resp.Peers, view)
	}
	s.writeJSON(w, r, nhttp.StatusOK, resp)
}

func (s *Server) getWallet(w nhttp.ResponseWriter, r *nhttp.Request) {
	s.writeJSON(w, r, nhttp.StatusOK, s.node.WalletStats())
}

func (s *Server) getTransactions(w nhttp.ResponseWriter, r *nhttp.Request) {
	txs := s.node.Transactions()
	if txs == nil {
		txs = []*wallet.LedgerEntry{}
	}
	s.writeJSON(w, r, nhttp.StatusOK, txs)
}

func (s *Server) getAuctions(w nhttp.ResponseWriter, r *nhttp.Request) {
	standings := s.node.Auctions()
	if standings == nil {
		standings = []auction.Standing{}
	}
	s.writeJSON(w, r, nhttp.StatusOK, standings)
}

func (s *Server) getReputation(w nhttp.ResponseWriter, r *nhttp.Request) {
	s.writeJSON(w, r, nhttp.StatusOK, s.node.TrustStats())
}

func (s *Server) getJob(w nhttp.ResponseWriter, r *nhttp.Request) {
	id := chi.URLParam(r, "id")
	job, status, result, ok := s.node.Job(id)
	if !ok {
		s.writeError(w, r, nhttp.StatusNotFound, "unknown job")
		return
	}
	s.writeJSON(w, r, nhttp.StatusOK, &JobResponse{
		JobID:  id,
		Status: status,
		Job:    job,
		Result: result,
	})
}

func (s *Server) postJob(w nhttp.ResponseWriter, r *nhttp.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, nhttp.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	id, err := s.node.Submit(r.Context(), &req)
	if err != nil {
		code := nhttp.StatusBadRequest
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			code = nhttp.StatusPaymentRequired
		}
		s.writeError(w, r, code, err.Error())
		return
	}
	// The auction runs asynchronously; the id is enough to follow it.
	s.writeJSON(w, r, nhttp.StatusAccepted, &SubmitResponse{JobID: id})
}

func (s *Server) writeJSON(w nhttp.ResponseWriter, r *nhttp.Request, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.l.Warnw("encoding api response", "path", r.URL.Path, "err", err)
	}
}

func (s *Server) writeError(w nhttp.ResponseWriter, r *nhttp.Request, code int, msg string) {
	s.l.Debugw("api request failed", "path", r.URL.Path, "code", code, "err", msg)
	s.writeJSON(w, r, code, &errorResponse{Error: msg})
}
