package core

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileConfigDefaultsAreValid(t *testing.T) {
	require.NoError(t, NewFileConfig().Validate())
}

func TestFileConfigSaveLoadRoundTrip(t *testing.T) {
	fc := NewFileConfig()
	fc.Network.PubPort = 4242
	fc.Token.StartingBalance = 500
	fc.Trust.QuarantineThreshold = 0.25
	fc.Trust.RehabilitationThreshold = 0.35
	fc.Executor.MaxConcurrentJobs = 7
	fc.Archive.Region = "eu-west-1"
	fc.Archive.Bucket = "results"

	p := path.Join(t.TempDir(), FileConfigName)
	require.NoError(t, fc.Save(p))

	loaded, err := LoadFileConfig(p)
	require.NoError(t, err)
	require.Equal(t, fc, loaded)
}

func TestFileConfigRejectsUnknownKeys(t *testing.T) {
	p := path.Join(t.TempDir(), FileConfigName)
	require.NoError(t, os.WriteFile(p, []byte("[network]\npub_port = 4242\ntypo_key = true\n"), 0600))

	_, err := LoadFileConfig(p)
	require.Error(t, err)
	require.Contains(t, err.Error(), "typo_key")
}

func TestFileConfigValidateAccumulates(t *testing.T) {
	fc := NewFileConfig()
	fc.Network.PubPort = -1
	fc.Token.NetworkFee = 1.5
	fc.Trust.StartingTrust = 2
	fc.Executor.MaxConcurrentJobs = 0

	err := fc.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "pub_port")
	require.Contains(t, err.Error(), "network_fee")
	require.Contains(t, err.Error(), "starting_trust")
	require.Contains(t, err.Error(), "max_concurrent_jobs")
}

func TestFileConfigPenaltyBoundedByStake(t *testing.T) {
	fc := NewFileConfig()
	fc.Token.StakeRequirement = 1
	fc.Token.FailurePenalty = 2
	err := fc.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failure_penalty")
}

func TestFileConfigDashboardCertPairing(t *testing.T) {
	fc := NewFileConfig()
	fc.Dashboard.CertPath = "/tmp/cert.pem"
	err := fc.Validate()
	require.Error(t, err)

	fc.Dashboard.KeyPath = "/tmp/key.pem"
	require.NoError(t, fc.Validate())
}

func TestSecs(t *testing.T) {
	require.Equal(t, int64(2500), secs(2.5).Milliseconds())
	require.Zero(t, secs(0))
}
