package core

import (
	"path"
	"time"

	"github.com/crunchmesh/crunchmesh/fs"
)

// DefaultConfigFolderName is the name of the folder containing all key
// material and node state. It is relative to the user's home directory.
const DefaultConfigFolderName = ".crunchmesh"

// DefaultConfigFolder returns the default path of the configuration folder.
func DefaultConfigFolder() string {
	return path.Join(fs.HomeFolder(), DefaultConfigFolderName)
}

// DefaultDbFolder is the name of the folder in which the datastore, the
// ledger and the checkpoints are saved. By default it is relative to the
// DefaultConfigFolder path.
const DefaultDbFolder = "db"

// DefaultMeshID is the mesh a node joins when none is configured. Nodes on
// different mesh ids share no topic and never see each other's traffic.
const DefaultMeshID = "main"

// DefaultAPIAddress is the loopback bind of the local JSON API.
const DefaultAPIAddress = "127.0.0.1:8555"

// DefaultListenAddress is the multiaddr the libp2p host binds to when none
// is configured.
const DefaultListenAddress = "/ip4/0.0.0.0/tcp/4222"

// DefaultMaxPeers bounds the connection manager of the host.
const DefaultMaxPeers = 50

// DefaultIdleInterval is how often an idle node credits itself the idle
// reward, when one is configured.
const DefaultIdleInterval = time.Minute

// DefaultSnapshotInterval is how often the node samples CPU and memory
// utilization for bid scoring.
const DefaultSnapshotInterval = 10 * time.Second

// DefaultJobDeadline is the execution deadline given to submitted jobs
// that do not specify one.
const DefaultJobDeadline = 5 * time.Minute

// DefaultJobPriority is assigned to submitted jobs that do not specify a
// priority of their own.
const DefaultJobPriority = 0.5
