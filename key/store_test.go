package key

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crunchmesh/crunchmesh/fs"
)

func TestKeysSaveLoad(t *testing.T) {
	tmp := t.TempDir()
	store := NewFileStore(tmp).(*fileStore)
	require.Equal(t, tmp, store.baseFolder)

	pair := NewKeyPair("127.0.0.1:9000")
	pair.Public.Name = "alpha"
	require.NoError(t, store.SaveKeyPair(pair))

	keyFolder := path.Join(tmp, KeyFolderName)
	require.True(t, fs.FileExists(keyFolder, store.privateKeyFile))
	require.True(t, fs.FileExists(keyFolder, store.publicKeyFile))

	info, err := os.Stat(store.privateKeyFile)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := store.LoadKeyPair()
	require.NoError(t, err)
	require.Equal(t, pair.Key.Secret.String(), loaded.Key.Secret.String())
	require.True(t, pair.Public.Equal(loaded.Public))
	require.Equal(t, "alpha", loaded.Public.Name)
	require.Equal(t, pair.Public.ID(), loaded.Public.ID())
}

func TestLoadCorrupted(t *testing.T) {
	tmp := t.TempDir()
	store := NewFileStore(tmp).(*fileStore)

	pair := NewKeyPair("127.0.0.1:9000")
	require.NoError(t, store.SaveKeyPair(pair))

	require.NoError(t, os.WriteFile(store.privateKeyFile, []byte("SigningKey = \"bm90IGEga2V5\"\nEncryptionKey = \"zzzz\"\n"), 0600))
	_, err := store.LoadKeyPair()
	require.Error(t, err)
}

func TestLoadMismatchedPublic(t *testing.T) {
	tmp := t.TempDir()
	store := NewFileStore(tmp).(*fileStore)

	pair := NewKeyPair("127.0.0.1:9000")
	require.NoError(t, store.SaveKeyPair(pair))

	// overwrite the public file with another node's identity
	other := NewKeyPair("127.0.0.1:9001")
	require.NoError(t, Save(store.publicKeyFile, other.Public, false))

	_, err := store.LoadKeyPair()
	require.Error(t, err)
}
