package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0o700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't
// exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, DefaultConfigDir),
		filepath.Join(rootDir, DefaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return fmt.Errorf("ensure %q: %w", dir, err)
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// <root>/config/config.toml.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by the path,
// in the default toml template and does not mangle the path or filename at
// all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	return os.WriteFile(path, buffer.Bytes(), 0o644)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.replica" by default, but could be changed via $REPLICA_HOME env
# variable or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Output level for logging, including package level options
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Database backend: goleveldb | badgerdb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ .BaseConfig.DBPath }}"

# Path to the JSON file containing the node's Ed25519 private key
node-key-file = "{{ .BaseConfig.NodeKey }}"

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Address to advertise to peers for them to dial
external-address = "{{ .P2P.ExternalAddress }}"

# Maximum number of connected peers (inbound and outbound).
max-connected = {{ .P2P.MaxConnected }}

# Maximum number of peers to track information about.
max-peers = {{ .P2P.MaxPeers }}

# Minimum and maximum dial retry intervals. Retry intervals grow linearly
# with the failure count between these bounds.
min-retry-time = "{{ .P2P.MinRetryTime }}"
max-retry-time = "{{ .P2P.MaxRetryTime }}"

# Timeout for the authenticated handshake on new connections.
handshake-timeout = "{{ .P2P.HandshakeTimeout }}"

# Timeout for a single dial attempt.
dial-timeout = "{{ .P2P.DialTimeout }}"

# How often to reconcile the peer set against the membership registry.
membership-poll-interval = "{{ .P2P.MembershipPollInterval }}"

# Path to the TOML file listing the member replicas.
membership-file = "{{ .P2P.MembershipFilePath }}"

#######################################################
###          Gossip Configuration Options           ###
#######################################################
[gossip]

# Maximum number of artifact downloads in flight globally.
max-concurrent-downloads = {{ .Gossip.MaxConcurrentDownloads }}

# Maximum number of downloads in flight against a single peer.
max-in-flight-per-peer = {{ .Gossip.MaxInFlightPerPeer }}

# How long to wait for an artifact payload before retrying elsewhere.
request-timeout = "{{ .Gossip.RequestTimeout }}"

# Per-artifact retry budget before the download is abandoned.
max-download-attempts = {{ .Gossip.MaxDownloadAttempts }}

# Maximum number of artifacts awaiting scheduling; adverts over the bound
# are dropped.
max-pending-adverts = {{ .Gossip.MaxPendingAdverts }}

#######################################################
###        State Sync Configuration Options         ###
#######################################################
[statesync]

# How far ahead of the local checkpoint an advertised height must be to
# start a sync session.
catch-up-threshold = {{ .StateSync.CatchUpThreshold }}

# Number of concurrent chunk fetcher workers.
chunk-fetchers = {{ .StateSync.ChunkFetchers }}

# Session-wide budget of chunk fetch retries.
retry-budget = {{ .StateSync.RetryBudget }}

# Timeout for a single manifest or chunk request.
request-timeout = "{{ .StateSync.RequestTimeout }}"

# Checkpoint chunk size in bytes.
chunk-size = {{ .StateSync.ChunkSize }}

# Directory holding the checkpoint files, relative to the root dir.
checkpoint-dir = "{{ .StateSync.CheckpointDir }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# prometheus-listen-addr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections.
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace.
namespace = "{{ .Instrumentation.Namespace }}"
`
