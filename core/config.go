package core

import (
	"path"

	clock "github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/crunchmesh/crunchmesh/advisor"
	"github.com/crunchmesh/crunchmesh/log"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a crunchmesh node to run.
type Config struct {
	configFolder string
	dbFolder     string
	listenAddr   string
	apiAddr      string
	metricsAddr  string
	meshID       string
	nodeName     string
	bootstrap    []string
	capabilities []string
	fileConf     *FileConfig
	boltOpts     *bolt.Options
	policy       advisor.Policy
	fairness     advisor.Fairness
	cache        advisor.Cache
	logger       log.Logger
	clock        clock.Clock
}

// NewConfig returns the config to pass to a node with the default options
// set and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	d := &Config{
		configFolder: DefaultConfigFolder(),
		meshID:       DefaultMeshID,
		fileConf:     NewFileConfig(),
		policy:       advisor.GreedyPolicy{},
		fairness:     advisor.PassFairness{},
		cache:        advisor.NullCache{},
		logger:       log.DefaultLogger(),
		clock:        clock.NewRealClock(),
	}
	d.dbFolder = path.Join(d.configFolder, DefaultDbFolder)
	for i := range opts {
		opts[i](d)
	}
	return d
}

// ConfigFolder returns the folder under which the node stores all its
// configuration and state.
func (d *Config) ConfigFolder() string {
	return d.configFolder
}

// DBFolder returns the folder under which the node stores its datastore,
// ledger and checkpoints.
func (d *Config) DBFolder() string {
	return d.dbFolder
}

// ListenAddress returns the given default address or the listen address
// stored in the config thanks to WithListenAddress.
func (d *Config) ListenAddress(defaultAddr string) string {
	if d.listenAddr != "" {
		return d.listenAddr
	}
	return defaultAddr
}

// APIAddress returns the given default address or the API address stored
// in the config thanks to WithAPIAddress.
func (d *Config) APIAddress(defaultAddr string) string {
	if d.apiAddr != "" {
		return d.apiAddr
	}
	return defaultAddr
}

// MetricsAddress returns the bind address of the metrics listener, empty
// when metrics are disabled.
func (d *Config) MetricsAddress() string {
	return d.metricsAddr
}

// MeshID returns the mesh this node joins.
func (d *Config) MeshID() string {
	return d.meshID
}

// NodeName returns the human-readable name announced to peers.
func (d *Config) NodeName() string {
	return d.nodeName
}

// Bootstrap returns the multiaddrs dialed on startup.
func (d *Config) Bootstrap() []string {
	return d.bootstrap
}

// Capabilities returns the job types this node advertises and executes.
func (d *Config) Capabilities() []string {
	return d.capabilities
}

// File returns the structured file configuration, never nil.
func (d *Config) File() *FileConfig {
	return d.fileConf
}

// BoltOptions returns the options passed to the ledger database.
func (d *Config) BoltOptions() *bolt.Options {
	return d.boltOpts
}

// Policy returns the bidding policy advisor.
func (d *Config) Policy() advisor.Policy {
	return d.policy
}

// Fairness returns the fairness advisor applied to every own bid score.
func (d *Config) Fairness() advisor.Fairness {
	return d.fairness
}

// Cache returns the result cache advisor.
func (d *Config) Cache() advisor.Cache {
	return d.cache
}

// Logger returns the logger associated with this config.
func (d *Config) Logger() log.Logger {
	return d.logger
}

// Clock returns the clock associated with this config.
func (d *Config) Clock() clock.Clock {
	return d.clock
}

// WithConfigFolder sets the base configuration folder to the given string.
func WithConfigFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.configFolder = folder
		d.dbFolder = path.Join(d.configFolder, DefaultDbFolder)
	}
}

// WithDbFolder sets the path folder for the databases. This path is NOT
// relative to the config folder path if set.
func WithDbFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.dbFolder = folder
	}
}

// WithListenAddress specifies the multiaddr the host should bind to. It is
// useful if you want several nodes on one machine or a non-default port.
func WithListenAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.listenAddr = addr
	}
}

// WithAPIAddress specifies the bind address of the local JSON API.
func WithAPIAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.apiAddr = addr
	}
}

// WithMetricsAddress enables the metrics listener on the given address.
func WithMetricsAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.metricsAddr = addr
	}
}

// WithMeshID sets the mesh the node joins.
func WithMeshID(id string) ConfigOption {
	return func(d *Config) {
		d.meshID = id
	}
}

// WithNodeName sets the name announced to peers.
func WithNodeName(name string) ConfigOption {
	return func(d *Config) {
		d.nodeName = name
	}
}

// WithBootstrap sets the multiaddrs of peers dialed on startup.
func WithBootstrap(addrs []string) ConfigOption {
	return func(d *Config) {
		d.bootstrap = addrs
	}
}

// WithCapabilities sets the job types the node advertises and executes.
func WithCapabilities(types []string) ConfigOption {
	return func(d *Config) {
		d.capabilities = types
	}
}

// WithFileConfig applies a structured file configuration, typically loaded
// with LoadFileConfig.
func WithFileConfig(fc *FileConfig) ConfigOption {
	return func(d *Config) {
		if fc != nil {
			d.fileConf = fc
		}
	}
}

// WithBoltOptions applies boltdb specific options when storing the ledger.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(d *Config) {
		d.boltOpts = opts
	}
}

// WithPolicy installs a custom bidding policy advisor.
func WithPolicy(p advisor.Policy) ConfigOption {
	return func(d *Config) {
		if p != nil {
			d.policy = p
		}
	}
}

// WithFairness installs a custom fairness advisor.
func WithFairness(f advisor.Fairness) ConfigOption {
	return func(d *Config) {
		if f != nil {
			d.fairness = f
		}
	}
}

// WithCache installs a result cache consulted before executing won jobs.
func WithCache(c advisor.Cache) ConfigOption {
	return func(d *Config) {
		if c != nil {
			d.cache = c
		}
	}
}

// WithLogger sets the logger used by the node and all its subsystems.
func WithLogger(l log.Logger) ConfigOption {
	return func(d *Config) {
		d.logger = l
	}
}

// WithClock sets the time source of the node. Tests drive fake clocks
// through this.
func WithClock(c clock.Clock) ConfigOption {
	return func(d *Config) {
		d.clock = c
	}
}
