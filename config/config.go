// Package config defines the replica's configuration: one root Config with
// a section per subsystem, default constructors, validation, and TOML
// loading/writing.
//
// NOTE: Most of the structs & relevant comments + the default configuration
// options were used to manually generate the config.toml. Please reflect any
// changes made here in the defaultConfigTemplate constant in config/toml.go.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	// DefaultReplicaDir is the default root directory, relative to $HOME.
	DefaultReplicaDir = ".replica"

	// DefaultConfigDir and DefaultDataDir are the names of the config and
	// data directories under the root.
	DefaultConfigDir = "config"
	DefaultDataDir   = "data"

	defaultConfigFileName     = "config.toml"
	defaultNodeKeyName        = "node_key.json"
	defaultMembershipFileName = "membership.toml"
	defaultCheckpointDir      = "checkpoints"

	defaultConfigFilePath     = filepath.Join(DefaultConfigDir, defaultConfigFileName)
	defaultNodeKeyPath        = filepath.Join(DefaultConfigDir, defaultNodeKeyName)
	defaultMembershipFilePath = filepath.Join(DefaultConfigDir, defaultMembershipFileName)
)

// Config defines the top level configuration for a replica node.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Gossip          *GossipConfig          `mapstructure:"gossip"`
	StateSync       *StateSyncConfig       `mapstructure:"statesync"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a replica node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		Gossip:          DefaultGossipConfig(),
		StateSync:       DefaultStateSyncConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// File returns the full path to the config.toml file.
func (cfg *Config) File() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [p2p] section: %w", err)
	}
	if err := cfg.Gossip.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [gossip] section: %w", err)
	}
	if err := cfg.StateSync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [statesync] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a replica node.
type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Database backend: goleveldb | badgerdb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Path to the JSON file containing the node's Ed25519 private key
	NodeKey string `mapstructure:"node-key-file"`
}

// DefaultBaseConfig returns a default base configuration for a replica node.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   "anonymous",
		LogLevel:  "info",
		LogFormat: "plain",
		DBBackend: "goleveldb",
		DBPath:    DefaultDataDir,
		NodeKey:   defaultNodeKeyPath,
	}
}

// NodeKeyFile returns the full path to the node_key.json file.
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case "", "plain", "text", "json":
	default:
		return errors.New("unknown log format (must be 'plain', 'text' or 'json')")
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer-to-peer layer.
type P2PConfig struct {
	// Address to listen for incoming connections, host:port
	ListenAddress string `mapstructure:"laddr"`

	// Address to advertise to peers for them to dial
	ExternalAddress string `mapstructure:"external-address"`

	// Maximum number of connected peers (inbound and outbound).
	MaxConnected uint16 `mapstructure:"max-connected"`

	// Maximum number of peers to track information about.
	MaxPeers uint16 `mapstructure:"max-peers"`

	// Minimum and maximum dial retry intervals. Retry intervals grow
	// linearly with the failure count between these bounds.
	MinRetryTime time.Duration `mapstructure:"min-retry-time"`
	MaxRetryTime time.Duration `mapstructure:"max-retry-time"`

	// Timeout for the authenticated handshake on new connections.
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	// Timeout for a single dial attempt.
	DialTimeout time.Duration `mapstructure:"dial-timeout"`

	// How often to reconcile the peer set against the membership registry.
	MembershipPollInterval time.Duration `mapstructure:"membership-poll-interval"`

	// Path to the TOML file listing the member replicas.
	MembershipFilePath string `mapstructure:"membership-file"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer
// layer.
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:          "0.0.0.0:26656",
		MaxConnected:           64,
		MaxPeers:               1000,
		MinRetryTime:           250 * time.Millisecond,
		MaxRetryTime:           30 * time.Minute,
		HandshakeTimeout:       20 * time.Second,
		DialTimeout:            3 * time.Second,
		MembershipPollInterval: 30 * time.Second,
		MembershipFilePath:     defaultMembershipFilePath,
	}
}

// MembershipFile returns the full path to the membership.toml file.
func (cfg *P2PConfig) MembershipFile(rootDir string) string {
	return rootify(cfg.MembershipFilePath, rootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.ListenAddress == "" {
		return errors.New("laddr cannot be empty")
	}
	if cfg.MinRetryTime < 0 || cfg.MaxRetryTime < 0 ||
		cfg.HandshakeTimeout < 0 || cfg.DialTimeout < 0 ||
		cfg.MembershipPollInterval < 0 {
		return errors.New("durations cannot be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// GossipConfig

// GossipConfig defines the configuration options for artifact distribution.
type GossipConfig struct {
	// Maximum number of artifact downloads in flight globally.
	MaxConcurrentDownloads int64 `mapstructure:"max-concurrent-downloads"`

	// Maximum number of downloads in flight against a single peer.
	MaxInFlightPerPeer int `mapstructure:"max-in-flight-per-peer"`

	// How long to wait for an artifact payload before retrying elsewhere.
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Per-artifact retry budget before the download is abandoned.
	MaxDownloadAttempts int `mapstructure:"max-download-attempts"`

	// Maximum number of artifacts awaiting scheduling; adverts over the
	// bound are dropped.
	MaxPendingAdverts int `mapstructure:"max-pending-adverts"`
}

// DefaultGossipConfig returns a default configuration for artifact
// distribution.
func DefaultGossipConfig() *GossipConfig {
	return &GossipConfig{
		MaxConcurrentDownloads: 16,
		MaxInFlightPerPeer:     4,
		RequestTimeout:         10 * time.Second,
		MaxDownloadAttempts:    5,
		MaxPendingAdverts:      1024,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *GossipConfig) ValidateBasic() error {
	if cfg.MaxConcurrentDownloads < 0 {
		return errors.New("max-concurrent-downloads cannot be negative")
	}
	if cfg.MaxInFlightPerPeer < 0 {
		return errors.New("max-in-flight-per-peer cannot be negative")
	}
	if cfg.RequestTimeout < 0 {
		return errors.New("request-timeout cannot be negative")
	}
	if cfg.MaxDownloadAttempts < 0 {
		return errors.New("max-download-attempts cannot be negative")
	}
	if cfg.MaxPendingAdverts < 0 {
		return errors.New("max-pending-adverts cannot be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// StateSyncConfig

// StateSyncConfig defines the configuration options for state
// synchronization.
type StateSyncConfig struct {
	// How far ahead of the local checkpoint an advertised height must be to
	// start a sync session.
	CatchUpThreshold uint64 `mapstructure:"catch-up-threshold"`

	// Number of concurrent chunk fetcher workers.
	ChunkFetchers int `mapstructure:"chunk-fetchers"`

	// Session-wide budget of chunk fetch retries.
	RetryBudget int `mapstructure:"retry-budget"`

	// Timeout for a single manifest or chunk request.
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Checkpoint chunk size in bytes.
	ChunkSize int `mapstructure:"chunk-size"`

	// Directory holding the checkpoint files, relative to the root dir.
	CheckpointDir string `mapstructure:"checkpoint-dir"`
}

// DefaultStateSyncConfig returns a default configuration for state
// synchronization.
func DefaultStateSyncConfig() *StateSyncConfig {
	return &StateSyncConfig{
		CatchUpThreshold: 1,
		ChunkFetchers:    4,
		RetryBudget:      8,
		RequestTimeout:   10 * time.Second,
		ChunkSize:        1 << 20,
		CheckpointDir:    filepath.Join(DefaultDataDir, defaultCheckpointDir),
	}
}

// CheckpointDirPath returns the full path to the checkpoint directory.
func (cfg *StateSyncConfig) CheckpointDirPath(rootDir string) string {
	return rootify(cfg.CheckpointDir, rootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *StateSyncConfig) ValidateBasic() error {
	if cfg.ChunkFetchers < 0 {
		return errors.New("chunk-fetchers cannot be negative")
	}
	if cfg.RetryBudget < 0 {
		return errors.New("retry-budget cannot be negative")
	}
	if cfg.RequestTimeout < 0 {
		return errors.New("request-timeout cannot be negative")
	}
	if cfg.ChunkSize < 0 {
		return errors.New("chunk-size cannot be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "replica",
	}
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
