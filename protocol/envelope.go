package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drand/kyber/sign/eddsa"
	"github.com/google/uuid"

	"github.com/crunchmesh/crunchmesh/key"
)

var (
	// ErrMalformed marks frames that cannot be parsed into a message.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrUnknownType marks frames with a type no handler knows.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrInvalidSignature marks frames whose signature does not verify.
	ErrInvalidSignature = errors.New("protocol: invalid signature")
	// ErrIdentityMismatch marks frames whose node_id is not the one derived
	// from the attached public key.
	ErrIdentityMismatch = errors.New("protocol: node id does not match public key")
)

// NonceLength is the number of random bytes in an envelope nonce.
const NonceLength = 16

// NewNonce returns a fresh hex-encoded nonce.
func NewNonce() string {
	buff := make([]byte, NonceLength)
	if _, err := rand.Read(buff); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buff)
}

// UnixSeconds converts wall time to the float second timestamps used on
// the wire.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// TimeFromUnix converts a wire timestamp back to wall time.
func TimeFromUnix(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}

// Canonical returns the canonical signing bytes of a JSON document: the
// object re-marshalled with lexicographically sorted keys and the given
// top-level fields removed. Both the sender and every receiver derive the
// bytes this way, so numeric formatting agrees on both sides.
func Canonical(raw []byte, omit ...string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for _, field := range omit {
		delete(m, field)
	}
	return json.Marshal(m)
}

// Seal stamps the envelope of msg with the sender identity, a fresh
// message id and nonce, and the given send time, signs the canonical form
// and returns the wire bytes. A message id already present is kept, so a
// caller may pre-allocate it to track ACKs.
func Seal(pair *key.Pair, msg Message, now time.Time) ([]byte, error) {
	e := msg.Env()
	e.Type = msg.Kind()
	e.NodeID = pair.Public.ID()
	e.Timestamp = UnixSeconds(now)
	if e.MessageID == "" {
		e.MessageID = uuid.NewString()
	}
	e.Nonce = NewNonce()
	e.Signature = ""
	e.PublicKey = ""

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	canonical, err := Canonical(raw, "signature", "public_key")
	if err != nil {
		return nil, err
	}
	sig, err := pair.Key.Sign(canonical)
	if err != nil {
		return nil, err
	}
	e.Signature = base64.StdEncoding.EncodeToString(sig)
	e.PublicKey = key.PointToString(pair.Public.Key)

	return json.Marshal(msg)
}

// Decode parses a wire frame, checks the node-id binding and the envelope
// signature, and returns the typed message. Any tampering with any field
// fails the signature check because the canonical form covers the whole
// object.
func Decode(raw []byte) (Message, error) {
	var probe Envelope
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	pub, err := key.StringToPoint(key.Curve, probe.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad public key", ErrMalformed)
	}
	if !key.VerifyID(probe.NodeID, pub) {
		return nil, ErrIdentityMismatch
	}

	sig, err := base64.StdEncoding.DecodeString(probe.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrMalformed)
	}
	canonical, err := Canonical(raw, "signature", "public_key")
	if err != nil {
		return nil, err
	}
	if err := eddsa.Verify(pub, canonical, sig); err != nil {
		return nil, ErrInvalidSignature
	}

	msg := New(probe.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}
