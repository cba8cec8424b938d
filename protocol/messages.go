// Package protocol defines the JSON wire format of the mesh: the signed
// envelope common to every message and the per-type payload structs.
// Messages are flat JSON objects, envelope and payload fields side by side.
package protocol

import (
	"github.com/crunchmesh/crunchmesh/ecies"
)

// Wire type identifiers.
const (
	TypePeerAnnounce      = "peer_announce"
	TypePeerGoodbye       = "peer_goodbye"
	TypeJobBroadcast      = "job_broadcast"
	TypeJobBid            = "job_bid"
	TypeAuctionCoordinate = "auction_coordinate"
	TypeJobClaim          = "job_claim"
	TypeJobHeartbeat      = "job_heartbeat"
	TypeJobResult         = "job_result"
	TypeReputationUpdate  = "reputation_update"
	TypeTokenTransaction  = "token_transaction"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeAck               = "ack"
)

// Job result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusTimeout = "timeout"
)

// Envelope carries the authentication fields present on every message.
// Timestamp is a float unix timestamp in seconds, stamped by the sender.
type Envelope struct {
	Type      string  `json:"type"`
	NodeID    string  `json:"node_id"`
	Timestamp float64 `json:"timestamp"`
	MessageID string  `json:"message_id"`
	Nonce     string  `json:"nonce"`
	Signature string  `json:"signature"`
	PublicKey string  `json:"public_key"`
}

// Env gives sealing and pipeline code access to the envelope of any message.
func (e *Envelope) Env() *Envelope { return e }

// Message is implemented by every wire payload.
type Message interface {
	Kind() string
	Env() *Envelope
}

// PeerAnnounce advertises a node's presence and self-reported stats.
type PeerAnnounce struct {
	Envelope
	NodeName     string   `json:"node_name"`
	IP           string   `json:"ip"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities,omitempty"`
	TrustScore   float64  `json:"trust_score,omitempty"`
	TokenBalance float64  `json:"token_balance,omitempty"`
}

func (m *PeerAnnounce) Kind() string { return TypePeerAnnounce }

// PeerGoodbye is sent on clean shutdown.
type PeerGoodbye struct {
	Envelope
}

func (m *PeerGoodbye) Kind() string { return TypePeerGoodbye }

// JobBroadcast announces a job to the mesh and opens its auction. The
// envelope timestamp doubles as the auction anchor: the bidding window is
// measured from it on every node. Immutable once broadcast.
type JobBroadcast struct {
	Envelope
	JobID        string                 `json:"job_id"`
	JobType      string                 `json:"job_type"`
	Priority     float64                `json:"priority"`
	Payment      float64                `json:"payment"`
	Deadline     float64                `json:"deadline"`
	Requirements []string               `json:"requirements,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Verify       bool                   `json:"verify,omitempty"`
	Verifiers    int                    `json:"verifiers,omitempty"`
	// Confidential asks the winner to seal the result output to the
	// requester's encryption key instead of gossiping it in the clear.
	Confidential    bool   `json:"confidential,omitempty"`
	RequesterEncKey string `json:"requester_enc_key,omitempty"`
}

func (m *JobBroadcast) Kind() string { return TypeJobBroadcast }

// JobBid is a node's offer to execute a job.
type JobBid struct {
	Envelope
	JobID         string  `json:"job_id"`
	BidScore      float64 `json:"bid_score"`
	EstimatedTime float64 `json:"estimated_time"`
	StakeAmount   float64 `json:"stake_amount"`
}

func (m *JobBid) Kind() string { return TypeJobBid }

// AuctionCoordinate is emitted by the elected coordinator to announce the
// bid deadline it will honor.
type AuctionCoordinate struct {
	Envelope
	JobID         string  `json:"job_id"`
	CoordinatorID string  `json:"coordinator_id"`
	BidDeadline   float64 `json:"bid_deadline"`
}

func (m *AuctionCoordinate) Kind() string { return TypeAuctionCoordinate }

// JobClaim announces the auction winner. It must travel via the reliable
// broadcast path: the claim only stands once an ACK quorum is reached.
type JobClaim struct {
	Envelope
	JobID        string  `json:"job_id"`
	WinnerNodeID string  `json:"winner_node_id"`
	BackupNodeID string  `json:"backup_node_id,omitempty"`
	StakeAmount  float64 `json:"stake_amount"`
	WinningScore float64 `json:"winning_score"`
}

func (m *JobClaim) Kind() string { return TypeJobClaim }

// JobHeartbeat reports execution progress in [0,1].
type JobHeartbeat struct {
	Envelope
	JobID    string  `json:"job_id"`
	Progress float64 `json:"progress"`
}

func (m *JobHeartbeat) Kind() string { return TypeJobHeartbeat }

// JobResult reports the outcome of an execution. Output is opaque to the
// mesh. When the job asked for confidentiality the output travels sealed
// to the requester's encryption key instead.
type JobResult struct {
	Envelope
	JobID        string            `json:"job_id"`
	Status       string            `json:"status"`
	Duration     float64           `json:"duration"`
	Output       interface{}       `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	SealedOutput *ecies.Ciphertext `json:"sealed_output,omitempty"`
}

func (m *JobResult) Kind() string { return TypeJobResult }

// ReputationUpdate gossips an observed trust change about a node.
type ReputationUpdate struct {
	Envelope
	SubjectNodeID string  `json:"subject_node_id"`
	NewScore      float64 `json:"new_score"`
	Reason        string  `json:"reason"`
	Event         string  `json:"event"`
}

func (m *ReputationUpdate) Kind() string { return TypeReputationUpdate }

// TokenTransaction gossips a settled transfer for best-effort
// reconciliation of the local ledgers.
type TokenTransaction struct {
	Envelope
	FromNode string  `json:"from_node"`
	ToNode   string  `json:"to_node"`
	Amount   float64 `json:"amount"`
	Reason   string  `json:"reason"`
	JobID    string  `json:"job_id,omitempty"`
}

func (m *TokenTransaction) Kind() string { return TypeTokenTransaction }

// Ping probes a peer for liveness and round-trip time.
type Ping struct {
	Envelope
	PingID string `json:"ping_id"`
}

func (m *Ping) Kind() string { return TypePing }

// Pong answers a Ping, echoing its ping_id.
type Pong struct {
	Envelope
	PingID string `json:"ping_id"`
}

func (m *Pong) Kind() string { return TypePong }

// Ack confirms receipt of a critical message (job_claim, job_result).
type Ack struct {
	Envelope
	AckMessageID string `json:"ack_message_id"`
}

func (m *Ack) Kind() string { return TypeAck }

// New returns an empty message value for the given wire type, or nil when
// the type is unknown.
func New(wireType string) Message {
	switch wireType {
	case TypePeerAnnounce:
		return &PeerAnnounce{}
	case TypePeerGoodbye:
		return &PeerGoodbye{}
	case TypeJobBroadcast:
		return &JobBroadcast{}
	case TypeJobBid:
		return &JobBid{}
	case TypeAuctionCoordinate:
		return &AuctionCoordinate{}
	case TypeJobClaim:
		return &JobClaim{}
	case TypeJobHeartbeat:
		return &JobHeartbeat{}
	case TypeJobResult:
		return &JobResult{}
	case TypeReputationUpdate:
		return &ReputationUpdate{}
	case TypeTokenTransaction:
		return &TokenTransaction{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeAck:
		return &Ack{}
	default:
		return nil
	}
}
