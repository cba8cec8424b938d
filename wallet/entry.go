package wallet

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drand/kyber/sign/eddsa"

	"github.com/crunchmesh/crunchmesh/key"
	"github.com/crunchmesh/crunchmesh/protocol"
)

// Entry kinds as they appear in the ledger.
const (
	KindDeposit  = "deposit"
	KindWithdraw = "withdraw"
	KindStake    = "stake"
	KindUnstake  = "unstake"
	KindSlash    = "slash"
)

var (
	// ErrBadEntryID marks an entry whose id is not the hash of its content.
	ErrBadEntryID = errors.New("wallet: entry id does not match content")
	// ErrBadEntrySignature marks an entry that fails signature verification.
	ErrBadEntrySignature = errors.New("wallet: invalid entry signature")
)

// LedgerEntry is one signed mutation of the wallet. The entry id is the
// SHA-256 of the canonical JSON form with the id, signature and public_key
// fields removed, so the id is content-addressed: any receiver can
// recompute it and two entries with the same id carry the same content.
type LedgerEntry struct {
	ID        string  `json:"id"`
	NodeID    string  `json:"node_id"`
	Kind      string  `json:"kind"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason,omitempty"`
	JobID     string  `json:"job_id,omitempty"`
	FromNode  string  `json:"from_node,omitempty"`
	Balance   float64 `json:"balance"`
	Staked    float64 `json:"staked"`
	Nonce     string  `json:"nonce"`
	Timestamp float64 `json:"timestamp"`
	Signature string  `json:"signature,omitempty"`
	PublicKey string  `json:"public_key,omitempty"`
}

// Delta is the signed contribution of this entry to balance + staked.
// Stakes and successful unstakes move tokens between the two halves and
// contribute nothing; deposits add, withdrawals and slashes remove.
func (e *LedgerEntry) Delta() float64 {
	switch e.Kind {
	case KindDeposit:
		return e.Amount
	case KindWithdraw, KindSlash:
		return -e.Amount
	default:
		return 0
	}
}

func (e *LedgerEntry) canonical() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return protocol.Canonical(raw, "id", "signature", "public_key")
}

// seal derives the content address and signs the entry with the node's
// long-term pair. It must run after every content field is set.
func (e *LedgerEntry) seal(pair *key.Pair) error {
	e.ID = ""
	e.Signature = ""
	e.PublicKey = ""

	canonical, err := e.canonical()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(canonical)
	e.ID = hex.EncodeToString(sum[:])

	sig, err := pair.Key.Sign(canonical)
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	e.PublicKey = key.PointToString(pair.Public.Key)
	return nil
}

// Verify checks the content address, the node-id binding and the
// signature of the entry. The signature covers the canonical form the id
// is derived from, so a verified entry cannot have been altered.
func (e *LedgerEntry) Verify() error {
	cp := *e
	cp.ID = ""
	cp.Signature = ""
	cp.PublicKey = ""
	canonical, err := cp.canonical()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(canonical)
	if e.ID != hex.EncodeToString(sum[:]) {
		return ErrBadEntryID
	}

	pub, err := key.StringToPoint(key.Curve, e.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: bad public key", ErrBadEntrySignature)
	}
	if !key.VerifyID(e.NodeID, pub) {
		return fmt.Errorf("%w: node id does not match public key", ErrBadEntrySignature)
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrBadEntrySignature)
	}
	if err := eddsa.Verify(pub, canonical, sig); err != nil {
		return ErrBadEntrySignature
	}
	return nil
}
