package ecies

import (
	"crypto/sha256"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crunchmesh/crunchmesh/key"
)

func TestECIES(t *testing.T) {
	msg := []byte("shake that cipher")
	kp := key.NewKeyPair("127.0.0.1")
	h := sha256.New
	cipher, err := Encrypt(key.Curve, h, kp.Public.EncKey, msg)
	require.Nil(t, err)

	plain, err := Decrypt(key.Curve, h, kp.EncKey, cipher)
	require.Nil(t, err)
	require.Equal(t, msg, plain)
}

func TestECIESWrongKey(t *testing.T) {
	msg := []byte("sealed result")
	kp := key.NewKeyPair("127.0.0.1")
	other := key.NewKeyPair("127.0.0.2")

	cipher, err := Encrypt(key.Curve, DefaultHash, kp.Public.EncKey, msg)
	require.NoError(t, err)

	_, err = Decrypt(key.Curve, DefaultHash, other.EncKey, cipher)
	require.Error(t, err)
}

func TestECIESTampered(t *testing.T) {
	msg := []byte("sealed result")
	kp := key.NewKeyPair("127.0.0.1")

	cipher, err := Encrypt(key.Curve, DefaultHash, kp.Public.EncKey, msg)
	require.NoError(t, err)
	cipher.Ciphertext[0] ^= 0xff

	_, err = Decrypt(key.Curve, DefaultHash, kp.EncKey, cipher)
	require.Error(t, err)
}

func TestECIESJSONRoundTrip(t *testing.T) {
	msg := []byte(`{"answer":42}`)
	kp := key.NewKeyPair("127.0.0.1")

	cipher, err := Encrypt(key.Curve, DefaultHash, kp.Public.EncKey, msg)
	require.NoError(t, err)

	buff, err := json.Marshal(cipher)
	require.NoError(t, err)

	var decoded Ciphertext
	require.NoError(t, json.Unmarshal(buff, &decoded))

	plain, err := Decrypt(key.Curve, DefaultHash, kp.EncKey, &decoded)
	require.NoError(t, err)
	require.Equal(t, msg, plain)
}
