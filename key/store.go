package key

import (
	"fmt"
	"os"
	"path"

	"github.com/BurntSushi/toml"

	"github.com/crunchmesh/crunchmesh/fs"
)

// KeyFolderName is the name of the folder where the identity files live,
// under the base data folder.
const KeyFolderName = "key"

const keyFileName = "crunchmesh_id"
const privateExtension = ".private"
const publicExtension = ".public"

// Store abstracts the loading and saving of the node identity.
type Store interface {
	SaveKeyPair(p *Pair) error
	LoadKeyPair() (*Pair, error)
}

// Tomler represents any struct that can be (un)marshalled into/from toml
// format.
type Tomler interface {
	TOML() interface{}
	FromTOML(i interface{}) error
	TOMLValue() interface{}
}

type fileStore struct {
	baseFolder     string
	privateKeyFile string
	publicKeyFile  string
}

// NewFileStore is used to create the config folder and all the subfolders.
// If a folder already exists, we simply check the rights.
func NewFileStore(baseFolder string) Store {
	store := &fileStore{baseFolder: baseFolder}
	keyFolder := fs.CreateSecureFolder(path.Join(baseFolder, KeyFolderName))
	store.privateKeyFile = path.Join(keyFolder, keyFileName+privateExtension)
	store.publicKeyFile = path.Join(keyFolder, keyFileName+publicExtension)
	return store
}

// SaveKeyPair first saves the private key in a file with tight permissions
// and then saves the public part in another file.
func (f *fileStore) SaveKeyPair(p *Pair) error {
	if err := Save(f.privateKeyFile, p, true); err != nil {
		return err
	}
	return Save(f.publicKeyFile, p.Public, false)
}

// LoadKeyPair decodes the private pair and restores the stored public
// metadata (address, name) from the public file.
func (f *fileStore) LoadKeyPair() (*Pair, error) {
	p := new(Pair)
	if err := Load(f.privateKeyFile, p); err != nil {
		return nil, err
	}
	pub := new(Identity)
	if err := Load(f.publicKeyFile, pub); err != nil {
		return nil, err
	}
	if !pub.Equal(p.Public) {
		return nil, fmt.Errorf("key: public file does not match private key at %s", f.publicKeyFile)
	}
	p.Public = pub
	return p, nil
}

// Save the given Tomler interface to the given path. If secure is true, the
// file is created with tight permissions.
func Save(filePath string, t Tomler, secure bool) error {
	var fd *os.File
	var err error
	if secure {
		fd, err = fs.CreateSecureFile(filePath)
	} else {
		fd, err = os.Create(filePath)
	}
	if err != nil {
		return fmt.Errorf("key: can't save to %s: %w", filePath, err)
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(t.TOML())
}

// Load the given Tomler from the given file path.
func Load(filePath string, t Tomler) error {
	tomlValue := t.TOMLValue()
	if _, err := toml.DecodeFile(filePath, tomlValue); err != nil {
		return err
	}
	return t.FromTOML(tomlValue)
}
