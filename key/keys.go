// Package key holds the long-term identity of a mesh node: an Ed25519
// signing pair used for every gossip envelope and an edwards25519
// encryption pair used for sealed job payloads.
package key

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/group/edwards25519"
	"github.com/drand/kyber/sign/eddsa"
	"github.com/drand/kyber/util/random"
)

// Curve is the group used for both signatures and payload encryption.
var Curve = edwards25519.NewBlakeSHA256Ed25519()

// IDPrefix starts every node identifier. The rest is the hex encoding of
// the first 8 bytes of SHA-256 over the raw public signing key, so any
// receiver can re-derive the identifier and check the binding.
const IDPrefix = "cm1"

// Pair is the full private identity of a node.
type Pair struct {
	// Key signs every envelope the node emits.
	Key *eddsa.EdDSA
	// EncKey is the secret half of the payload-encryption pair.
	EncKey kyber.Scalar
	// Public is the shareable side of both keys.
	Public *Identity
}

// Identity is the public identity of a node as announced on the mesh.
type Identity struct {
	// Key is the public signing key.
	Key kyber.Point
	// EncKey is the public payload-encryption key.
	EncKey kyber.Point
	Addr   string
	Name   string
}

// NewKeyPair returns a freshly created signing + encryption key pair
// reachable at the given address.
func NewKeyPair(address string) *Pair {
	signer := eddsa.NewEdDSA(random.New())
	encSecret := Curve.Scalar().Pick(random.New())
	encPublic := Curve.Point().Mul(encSecret, nil)
	pub := &Identity{
		Key:    signer.Public,
		EncKey: encPublic,
		Addr:   address,
	}
	return &Pair{
		Key:    signer,
		EncKey: encSecret,
		Public: pub,
	}
}

// Address implements the peer addressing used by the transport.
func (i *Identity) Address() string {
	return i.Addr
}

// ID returns the derived node identifier of this identity.
func (i *Identity) ID() string {
	return PublicID(i.Key)
}

// Equal returns true if the cryptographic public key of i equals i2's.
func (i *Identity) Equal(i2 *Identity) bool {
	return i.Key.Equal(i2.Key)
}

// PublicID derives the node identifier bound to the given public signing
// key.
func PublicID(pub kyber.Point) string {
	buff, _ := pub.MarshalBinary()
	sum := sha256.Sum256(buff)
	return IDPrefix + hex.EncodeToString(sum[:8])
}

// VerifyID reports whether the identifier is the one derived from the
// public key.
func VerifyID(id string, pub kyber.Point) bool {
	return id == PublicID(pub)
}

// PairTOML is the TOML-able version of a private pair.
type PairTOML struct {
	SigningKey    string
	EncryptionKey string
}

// PublicTOML is the TOML-able version of a public identity.
type PublicTOML struct {
	ID            string
	Address       string
	Name          string
	Key           string
	EncryptionKey string
}

// TOML returns a struct that can be marshalled using a TOML-encoding library.
func (p *Pair) TOML() interface{} {
	sigBuff, _ := p.Key.MarshalBinary()
	return &PairTOML{
		SigningKey:    base64.StdEncoding.EncodeToString(sigBuff),
		EncryptionKey: ScalarToString(p.EncKey),
	}
}

// FromTOML constructs the private pair from an unmarshalled TOML structure.
func (p *Pair) FromTOML(i interface{}) error {
	ptoml, ok := i.(*PairTOML)
	if !ok {
		return errors.New("key: private pair can't decode from non PairTOML struct")
	}

	sigBuff, err := base64.StdEncoding.DecodeString(ptoml.SigningKey)
	if err != nil {
		return fmt.Errorf("key: signing key corrupted: %w", err)
	}
	p.Key = &eddsa.EdDSA{}
	if err := p.Key.UnmarshalBinary(sigBuff); err != nil {
		return fmt.Errorf("key: signing key corrupted: %w", err)
	}
	p.EncKey, err = StringToScalar(Curve, ptoml.EncryptionKey)
	if err != nil {
		return fmt.Errorf("key: encryption key corrupted: %w", err)
	}
	p.Public = &Identity{
		Key:    p.Key.Public,
		EncKey: Curve.Point().Mul(p.EncKey, nil),
	}
	return nil
}

// TOMLValue returns an empty TOML-compatible interface value.
func (p *Pair) TOMLValue() interface{} {
	return &PairTOML{}
}

// TOML returns a TOML-compatible version of the identity.
func (i *Identity) TOML() interface{} {
	return &PublicTOML{
		ID:            i.ID(),
		Address:       i.Addr,
		Name:          i.Name,
		Key:           PointToString(i.Key),
		EncryptionKey: PointToString(i.EncKey),
	}
}

// FromTOML reads the TOML description of the public identity. The stored
// identifier must match the one derived from the key.
func (i *Identity) FromTOML(t interface{}) error {
	ptoml, ok := t.(*PublicTOML)
	if !ok {
		return errors.New("key: identity can't decode from non PublicTOML struct")
	}
	var err error
	i.Key, err = StringToPoint(Curve, ptoml.Key)
	if err != nil {
		return fmt.Errorf("key: public key corrupted: %w", err)
	}
	i.EncKey, err = StringToPoint(Curve, ptoml.EncryptionKey)
	if err != nil {
		return fmt.Errorf("key: public encryption key corrupted: %w", err)
	}
	if !VerifyID(ptoml.ID, i.Key) {
		return fmt.Errorf("key: stored id %q does not match public key", ptoml.ID)
	}
	i.Addr = ptoml.Address
	i.Name = ptoml.Name
	return nil
}

// TOMLValue returns an empty TOML-compatible identity.
func (i *Identity) TOMLValue() interface{} {
	return &PublicTOML{}
}

// ByID sorts identities by their derived identifier.
type ByID []*Identity

func (b ByID) Len() int      { return len(b) }
func (b ByID) Swap(i, j int) { b[i], b[j] = b[j], b[i] }
func (b ByID) Less(i, j int) bool {
	return bytes.Compare([]byte(b[i].ID()), []byte(b[j].ID())) < 0
}

// PointToString returns a hex-encoded string representation of the given point.
func PointToString(p kyber.Point) string {
	buff, _ := p.MarshalBinary()
	return hex.EncodeToString(buff)
}

// ScalarToString returns a hex-encoded string representation of the given scalar.
func ScalarToString(s kyber.Scalar) string {
	buff, _ := s.MarshalBinary()
	return hex.EncodeToString(buff)
}

// StringToPoint unmarshals a point in the given group from the given string.
func StringToPoint(g kyber.Group, s string) (kyber.Point, error) {
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	p := g.Point()
	return p, p.UnmarshalBinary(buff)
}

// StringToScalar unmarshals a scalar in the given group from the given string.
func StringToScalar(g kyber.Group, s string) (kyber.Scalar, error) {
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	sc := g.Scalar()
	return sc, sc.UnmarshalBinary(buff)
}

// DefaultThreshold is the number of acknowledging peers required before a
// broadcast is considered accepted by the mesh: two thirds of the peer
// set, rounded up.
func DefaultThreshold(n int) int {
	return (n*2 + 2) / 3
}
