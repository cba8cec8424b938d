package core

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/crunchmesh/crunchmesh/auction"
	"github.com/crunchmesh/crunchmesh/executor"
	"github.com/crunchmesh/crunchmesh/gossip"
	"github.com/crunchmesh/crunchmesh/reputation"
	"github.com/crunchmesh/crunchmesh/wallet"
)

// FileConfigName is the name of the node configuration file inside the
// config folder.
const FileConfigName = "crunchmesh.toml"

// FileConfig is the structured on-disk configuration of a node. Every
// interval and timeout is in seconds, matching the wire format. Absent
// keys keep their defaults, unknown keys are rejected at load time.
type FileConfig struct {
	Network   NetworkConfig   `toml:"network"`
	Token     TokenConfig     `toml:"token"`
	Trust     TrustConfig     `toml:"trust"`
	RL        RateLimitConfig `toml:"rl"`
	Executor  ExecutorConfig  `toml:"executor"`
	Dashboard DashboardConfig `toml:"dashboard"`
	Archive   ArchiveConfig   `toml:"archive"`
}

// NetworkConfig tunes the gossip layer. PubPort picks the TCP port of the
// host listener; SubPort is accepted for symmetry but the libp2p transport
// multiplexes both directions over the one socket, so it only has to be
// free of conflicts.
type NetworkConfig struct {
	PubPort           int     `toml:"pub_port"`
	SubPort           int     `toml:"sub_port"`
	DiscoveryInterval float64 `toml:"discovery_interval"`
	HeartbeatInterval float64 `toml:"heartbeat_interval"`
	MaxPeers          int     `toml:"max_peers"`
}

// TokenConfig sets the economics of the node's wallet.
type TokenConfig struct {
	StartingBalance  float64 `toml:"starting_balance"`
	NetworkFee       float64 `toml:"network_fee"`
	IdleReward       float64 `toml:"idle_reward"`
	StakeRequirement float64 `toml:"stake_requirement"`
	SuccessBonus     float64 `toml:"success_bonus"`
	LatePenalty      float64 `toml:"late_penalty"`
	FailurePenalty   float64 `toml:"failure_penalty"`
}

// TrustConfig sets the reputation state machine parameters.
type TrustConfig struct {
	StartingTrust           float64 `toml:"starting_trust"`
	DecayRate               float64 `toml:"decay_rate"`
	MinTrust                float64 `toml:"min_trust"`
	QuarantineThreshold     float64 `toml:"quarantine_threshold"`
	RehabilitationJobs      int     `toml:"rehabilitation_jobs"`
	RehabilitationThreshold float64 `toml:"rehabilitation_threshold"`
	SuccessReward           float64 `toml:"success_reward"`
	MaliciousPenalty        float64 `toml:"malicious_penalty"`
}

// RateLimitConfig tunes the per-sender token bucket of the inbound
// pipeline.
type RateLimitConfig struct {
	RefillRate    float64 `toml:"refill_rate"`
	Burst         int     `toml:"burst"`
	MaxViolations int     `toml:"max_violations"`
}

// ExecutorConfig bounds job execution.
type ExecutorConfig struct {
	MaxConcurrentJobs int `toml:"max_concurrent_jobs"`
	// JobTimeout floors the per-job execution window in seconds; the
	// effective timeout is the larger of it and the time left until the
	// job deadline.
	JobTimeout         float64 `toml:"job_timeout"`
	CheckpointInterval float64 `toml:"checkpoint_interval"`
}

// DashboardConfig controls the local JSON API. When a certificate pair
// is configured but absent on disk, a self-signed one is generated at
// startup.
type DashboardConfig struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	CertPath  string `toml:"cert_path"`
	KeyPath   string `toml:"key_path"`
	AccessLog string `toml:"access_log"`
}

// ArchiveConfig points result archival at an S3 bucket. An empty bucket
// disables archival.
type ArchiveConfig struct {
	Region string `toml:"region"`
	Bucket string `toml:"bucket"`
	Prefix string `toml:"prefix"`
}

// NewFileConfig returns a file config with every knob at its default.
func NewFileConfig() *FileConfig {
	return &FileConfig{
		Network: NetworkConfig{
			DiscoveryInterval: gossip.DefaultDiscoveryInterval.Seconds(),
			HeartbeatInterval: executor.DefaultHeartbeatInterval.Seconds(),
			MaxPeers:          DefaultMaxPeers,
		},
		Token: TokenConfig{
			StartingBalance:  wallet.DefaultStartingBalance,
			NetworkFee:       wallet.DefaultNetworkFee,
			StakeRequirement: auction.DefaultStakeRequirement,
			SuccessBonus:     wallet.DefaultSuccessBonus,
			LatePenalty:      wallet.DefaultLatePenalty,
			FailurePenalty:   auction.DefaultStakeRequirement,
		},
		Trust: TrustConfig{
			StartingTrust:           reputation.DefaultStartingTrust,
			DecayRate:               reputation.DefaultDecayRate,
			MinTrust:                reputation.DefaultMinTrust,
			QuarantineThreshold:     reputation.DefaultQuarantineThreshold,
			RehabilitationJobs:      reputation.DefaultRehabilitationJobs,
			RehabilitationThreshold: reputation.DefaultRehabilitationThreshold,
			SuccessReward:           reputation.DefaultOnTimeReward,
			MaliciousPenalty:        reputation.DefaultMaliciousPenalty,
		},
		RL: RateLimitConfig{
			RefillRate:    gossip.DefaultRateRefill,
			Burst:         gossip.DefaultRateBurst,
			MaxViolations: gossip.DefaultMaxViolations,
		},
		Executor: ExecutorConfig{
			MaxConcurrentJobs:  int(executor.DefaultMaxConcurrent),
			JobTimeout:         executor.DefaultMinTimeout.Seconds(),
			CheckpointInterval: executor.DefaultCheckpointInterval.Seconds(),
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Address: DefaultAPIAddress,
		},
	}
}

// LoadFileConfig reads the TOML file at path over the defaults. Unknown
// keys are an error so typos do not silently fall back to defaults.
func LoadFileConfig(path string) (*FileConfig, error) {
	fc := NewFileConfig()
	md, err := toml.DecodeFile(path, fc)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return fc, nil
}

// Validate checks every section and accumulates all violations, so a bad
// config file reports everything wrong with it at once.
func (fc *FileConfig) Validate() error {
	var result *multierror.Error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			result = multierror.Append(result, fmt.Errorf(format, args...))
		}
	}

	check(fc.Network.PubPort >= 0 && fc.Network.PubPort <= 65535,
		"network.pub_port %d out of range", fc.Network.PubPort)
	check(fc.Network.SubPort >= 0 && fc.Network.SubPort <= 65535,
		"network.sub_port %d out of range", fc.Network.SubPort)
	check(fc.Network.PubPort == 0 || fc.Network.PubPort != fc.Network.SubPort,
		"network.pub_port and sub_port both %d", fc.Network.PubPort)
	check(fc.Network.DiscoveryInterval > 0,
		"network.discovery_interval must be positive")
	check(fc.Network.HeartbeatInterval > 0,
		"network.heartbeat_interval must be positive")
	check(fc.Network.MaxPeers > 0,
		"network.max_peers must be positive")

	check(fc.Token.StartingBalance >= 0,
		"token.starting_balance must not be negative")
	check(fc.Token.NetworkFee >= 0 && fc.Token.NetworkFee < 1,
		"token.network_fee %v outside [0,1)", fc.Token.NetworkFee)
	check(fc.Token.IdleReward >= 0,
		"token.idle_reward must not be negative")
	check(fc.Token.StakeRequirement >= 0,
		"token.stake_requirement must not be negative")
	check(fc.Token.FailurePenalty >= 0,
		"token.failure_penalty must not be negative")
	check(fc.Token.FailurePenalty <= fc.Token.StakeRequirement,
		"token.failure_penalty %v exceeds the stake requirement %v",
		fc.Token.FailurePenalty, fc.Token.StakeRequirement)

	check(fc.Trust.StartingTrust >= 0 && fc.Trust.StartingTrust <= 1,
		"trust.starting_trust %v outside [0,1]", fc.Trust.StartingTrust)
	check(fc.Trust.MinTrust >= 0 && fc.Trust.MinTrust <= 1,
		"trust.min_trust %v outside [0,1]", fc.Trust.MinTrust)
	check(fc.Trust.QuarantineThreshold >= 0 && fc.Trust.QuarantineThreshold <= 1,
		"trust.quarantine_threshold %v outside [0,1]", fc.Trust.QuarantineThreshold)
	check(fc.Trust.RehabilitationThreshold >= fc.Trust.QuarantineThreshold,
		"trust.rehabilitation_threshold %v below the quarantine threshold %v",
		fc.Trust.RehabilitationThreshold, fc.Trust.QuarantineThreshold)
	check(fc.Trust.RehabilitationJobs > 0,
		"trust.rehabilitation_jobs must be positive")
	check(fc.Trust.DecayRate >= 0,
		"trust.decay_rate must not be negative")

	check(fc.RL.RefillRate > 0,
		"rl.refill_rate must be positive")
	check(fc.RL.Burst > 0,
		"rl.burst must be positive")
	check(fc.RL.MaxViolations > 0,
		"rl.max_violations must be positive")

	check(fc.Executor.MaxConcurrentJobs > 0,
		"executor.max_concurrent_jobs must be positive")
	check(fc.Executor.JobTimeout > 0,
		"executor.job_timeout must be positive")

	check(!fc.Dashboard.Enabled || fc.Dashboard.Address != "",
		"dashboard.address required when the dashboard is enabled")
	check((fc.Dashboard.CertPath == "") == (fc.Dashboard.KeyPath == ""),
		"dashboard.cert_path and key_path must be set together")

	check(fc.Archive.Bucket == "" || fc.Archive.Region != "",
		"archive.region required when archive.bucket is set")

	return result.ErrorOrNil()
}

// Save writes the config as TOML to path, so a generated starter config
// can be edited by hand.
func (fc *FileConfig) Save(path string) error {
	fd, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config %s: %w", path, err)
	}
	defer fd.Close()
	return toml.NewEncoder(fd).Encode(fc)
}

// secs converts a seconds value from the config file into a duration.
func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
