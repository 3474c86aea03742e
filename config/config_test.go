package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)
	require.NoError(t, cfg.ValidateBasic())

	assert.Equal(t, "anonymous", cfg.Moniker)
	assert.EqualValues(t, 64, cfg.P2P.MaxConnected)

	cfg.SetRoot("/foo")
	assert.Equal(t, "/foo/config/node_key.json", cfg.NodeKeyFile())
	assert.Equal(t, "/foo/config/membership.toml", cfg.P2P.MembershipFile(cfg.RootDir))
	assert.Equal(t, "/foo/data/checkpoints", cfg.StateSync.CheckpointDirPath(cfg.RootDir))
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateBasic())

	cfg.LogFormat = "xml"
	require.Error(t, cfg.ValidateBasic())

	cfg = DefaultConfig()
	cfg.P2P.ListenAddress = ""
	require.Error(t, cfg.ValidateBasic())

	cfg = DefaultConfig()
	cfg.Gossip.MaxDownloadAttempts = -1
	require.Error(t, cfg.ValidateBasic())

	cfg = DefaultConfig()
	cfg.StateSync.RetryBudget = -1
	require.Error(t, cfg.ValidateBasic())
}

func TestEnsureRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "replica-home")
	require.NoError(t, EnsureRoot(root))

	for _, dir := range []string{root, filepath.Join(root, "config"), filepath.Join(root, "data")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestWrittenConfigRoundTrips(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureRoot(root))

	cfg := DefaultConfig()
	cfg.Moniker = "round-tripper"
	cfg.P2P.MinRetryTime = 123 * time.Millisecond
	cfg.Gossip.MaxPendingAdverts = 77
	require.NoError(t, WriteConfigFile(root, cfg))

	v := viper.New()
	v.SetConfigFile(filepath.Join(root, "config", "config.toml"))
	require.NoError(t, v.ReadInConfig())

	loaded := DefaultConfig()
	require.NoError(t, v.Unmarshal(loaded))

	assert.Equal(t, "round-tripper", loaded.Moniker)
	assert.Equal(t, 123*time.Millisecond, loaded.P2P.MinRetryTime)
	assert.Equal(t, 77, loaded.Gossip.MaxPendingAdverts)
	require.NoError(t, loaded.ValidateBasic())
}

func TestMembershipFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "membership.toml")
	peers := []string{
		"1111111111111111111111111111111111111111@10.0.0.1:26656",
		"2222222222222222222222222222222222222222@10.0.0.2:26656",
	}
	require.NoError(t, WriteMembershipFile(path, &MembershipFile{Peers: peers}))

	loaded, err := LoadMembershipFile(path)
	require.NoError(t, err)
	require.Equal(t, peers, loaded.Peers)

	_, err = LoadMembershipFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
