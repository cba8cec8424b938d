// Package ecies seals small payloads to a peer's public encryption key.
// It is used for confidential job outputs travelling inside JSON envelopes,
// so the ciphertext struct marshals to base64 fields.
package ecies

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"hash"

	"github.com/drand/kyber"
	"github.com/drand/kyber/util/random"
	"golang.org/x/crypto/hkdf"
)

// DefaultHash is the hash used by the key derivation.
var DefaultHash = sha256.New

const keyLength = 32
const nonceLength = 12

// Ciphertext is the sealed form of a payload: the ephemeral point of the DH
// exchange, the AEAD ciphertext and its nonce.
type Ciphertext struct {
	Ephemeral  []byte `json:"ephemeral"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// Encrypt performs an ephemeral-static DH exchange, derives the symmetric
// key with hkdf and seals msg with AES-GCM.
func Encrypt(g kyber.Group, fn func() hash.Hash, public kyber.Point, msg []byte) (*Ciphertext, error) {
	r := g.Scalar().Pick(random.New())
	eph := g.Point().Mul(r, nil)
	ephBuff, err := eph.MarshalBinary()
	if err != nil {
		return nil, err
	}

	dh := g.Point().Mul(r, public)
	key, err := deriveKey(fn, dh)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	aesgcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Ciphertext{
		Ephemeral:  ephBuff,
		Ciphertext: aesgcm.Seal(nil, nonce, msg, nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt runs the static side of the DH exchange and opens the ciphertext.
func Decrypt(g kyber.Group, fn func() hash.Hash, priv kyber.Scalar, c *Ciphertext) ([]byte, error) {
	eph := g.Point()
	if err := eph.UnmarshalBinary(c.Ephemeral); err != nil {
		return nil, err
	}

	dh := g.Point().Mul(priv, eph)
	key, err := deriveKey(fn, dh)
	if err != nil {
		return nil, err
	}

	aesgcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, c.Nonce, c.Ciphertext, nil)
}

func deriveKey(fn func() hash.Hash, dh kyber.Point) ([]byte, error) {
	dhBuff, err := dh.MarshalBinary()
	if err != nil {
		return nil, err
	}
	reader := hkdf.New(fn, dhBuff, nil, nil)
	key := make([]byte, keyLength)
	n, err := reader.Read(key)
	if err != nil {
		return nil, err
	}
	if n != keyLength {
		return nil, errors.New("ecies: not enough bits from the shared secret")
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
