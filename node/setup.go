package node

import (
	"fmt"
	"net"
	"strconv"
	"time"

	dbm "github.com/tendermint/tm-db"

	"github.com/Lildeebo2002/ic/config"
	"github.com/Lildeebo2002/ic/internal/gossip"
	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/internal/statesync"
	"github.com/Lildeebo2002/ic/types"
)

// metricsProvider returns the metrics for each subsystem, either backed by
// Prometheus or no-ops, depending on the instrumentation config.
type metricsProvider func() (*p2p.Metrics, *gossip.Metrics, *statesync.Metrics)

func defaultMetricsProvider(cfg *config.InstrumentationConfig) metricsProvider {
	return func() (*p2p.Metrics, *gossip.Metrics, *statesync.Metrics) {
		if cfg.Prometheus {
			return p2p.PrometheusMetrics(cfg.Namespace),
				gossip.PrometheusMetrics(cfg.Namespace),
				statesync.PrometheusMetrics(cfg.Namespace)
		}
		return p2p.NopMetrics(), gossip.NopMetrics(), statesync.NopMetrics()
	}
}

// parseListenEndpoint parses a "host:port" listen address into a TCP
// endpoint.
func parseListenEndpoint(addr string) (p2p.Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return p2p.Endpoint{}, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return p2p.Endpoint{}, fmt.Errorf("invalid listen address %q: host must be an IP", addr)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return p2p.Endpoint{}, fmt.Errorf("invalid port in listen address %q: %w", addr, err)
	}
	return p2p.Endpoint{Protocol: p2p.TCPProtocol, IP: ip, Port: uint16(port)}, nil
}

func createPeerManager(
	cfg *config.Config,
	peerDB dbm.DB,
	nodeID types.NodeID,
) (*p2p.PeerManager, error) {
	options := p2p.PeerManagerOptions{
		MaxConnected:    cfg.P2P.MaxConnected,
		MaxPeers:        cfg.P2P.MaxPeers,
		MinRetryTime:    cfg.P2P.MinRetryTime,
		MaxRetryTime:    cfg.P2P.MaxRetryTime,
		RetryTimeJitter: 3 * time.Second,
	}
	peerManager, err := p2p.NewPeerManager(nodeID, peerDB, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer manager: %w", err)
	}
	return peerManager, nil
}

// loadFileMembership builds a static membership set from the configured
// membership file.
func loadFileMembership(cfg *config.Config) (p2p.Membership, error) {
	file, err := config.LoadMembershipFile(cfg.P2P.MembershipFile(cfg.RootDir))
	if err != nil {
		return nil, err
	}
	addresses := make([]p2p.NodeAddress, 0, len(file.Peers))
	for _, peer := range file.Peers {
		address, err := p2p.ParseNodeAddress(peer)
		if err != nil {
			return nil, fmt.Errorf("invalid membership entry %q: %w", peer, err)
		}
		addresses = append(addresses, address)
	}
	return p2p.NewStaticMembership(addresses), nil
}
