// Package node assembles a replica from its parts: transport, router, peer
// manager, membership poller, artifact gossip and state sync. The domain
// collaborators that judge artifacts and checkpoint hashes are injected by
// the embedding application.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dbm "github.com/tendermint/tm-db"

	"github.com/Lildeebo2002/ic/config"
	"github.com/Lildeebo2002/ic/internal/gossip"
	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/internal/statesync"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/libs/service"
	"github.com/Lildeebo2002/ic/pool"
	"github.com/Lildeebo2002/ic/types"
)

var _ service.Service = (*Node)(nil)

// Options supplies the node's domain collaborators. Zero values get
// permissive defaults, suitable for tests and for deployments where
// validation happens elsewhere.
type Options struct {
	// Validator judges gossiped artifact payloads before they enter the
	// pool. Nil accepts everything.
	Validator gossip.Validator

	// StateVerifier vouches for checkpoint root hashes during state sync.
	// Nil accepts everything.
	StateVerifier statesync.StateVerifier

	// Membership supplies the authoritative peer set. Nil reads the
	// configured membership file.
	Membership p2p.Membership
}

// Node is the highest level interface to a replica's networking stack. It
// includes all configuration information and running services.
type Node struct {
	service.BaseService
	logger log.Logger
	config *config.Config

	nodeKey  types.NodeKey
	peerDB   dbm.DB
	endpoint p2p.Endpoint

	transport   *p2p.TCPTransport
	peerManager *p2p.PeerManager
	router      *p2p.Router
	poller      *p2p.MembershipPoller

	artifactPool pool.Pool
	validator    gossip.Validator
	verifier     statesync.StateVerifier
	store        *statesync.CheckpointStore

	p2pMetrics       *p2p.Metrics
	gossipMetrics    *gossip.Metrics
	statesyncMetrics *statesync.Metrics

	// populated on start
	gossipReactor    *gossip.Reactor
	statesyncReactor *statesync.Reactor
	syncer           *statesync.Syncer
	prometheusSrv    *http.Server
}

// New constructs a replica node from the given configuration. The node does
// not touch the network until Start.
func New(logger log.Logger, cfg *config.Config, options Options) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	nodeKey, err := types.LoadOrGenNodeKey(cfg.NodeKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or generate node key: %w", err)
	}

	peerDB, err := dbm.NewDB("peerstore", dbm.BackendType(cfg.DBBackend), cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open peer store: %w", err)
	}

	peerManager, err := createPeerManager(cfg, peerDB, nodeKey.ID)
	if err != nil {
		return nil, err
	}

	membership := options.Membership
	if membership == nil {
		if membership, err = loadFileMembership(cfg); err != nil {
			return nil, err
		}
	}

	endpoint, err := parseListenEndpoint(cfg.P2P.ListenAddress)
	if err != nil {
		return nil, err
	}

	p2pLogger := logger.With("module", "p2p")
	transport := p2p.NewTCPTransport(p2pLogger, p2p.TCPTransportOptions{
		MaxAcceptedConnections: uint32(cfg.P2P.MaxConnected),
	})

	p2pMetrics, gossipMetrics, statesyncMetrics := defaultMetricsProvider(cfg.Instrumentation)()

	router, err := p2p.NewRouter(
		p2pLogger,
		p2pMetrics,
		nodeKey.PrivKey,
		peerManager,
		transport,
		&endpoint,
		p2p.RouterOptions{
			DialTimeout:      cfg.P2P.DialTimeout,
			HandshakeTimeout: cfg.P2P.HandshakeTimeout,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	store, err := statesync.NewCheckpointStore(
		cfg.StateSync.CheckpointDirPath(cfg.RootDir), cfg.StateSync.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	validator := options.Validator
	if validator == nil {
		validator = gossip.ValidatorFunc(func(types.Artifact) error { return nil })
	}
	verifier := options.StateVerifier
	if verifier == nil {
		verifier = statesync.StateVerifierFunc(func(uint64, []byte) error { return nil })
	}

	n := &Node{
		logger:  logger,
		config:  cfg,
		nodeKey: nodeKey,
		peerDB:  peerDB,

		endpoint:    endpoint,
		transport:   transport,
		peerManager: peerManager,
		router:      router,
		poller: p2p.NewMembershipPoller(
			logger.With("module", "membership"),
			membership,
			peerManager,
			cfg.P2P.MembershipPollInterval,
		),

		artifactPool: pool.NewInMemoryPool(),
		validator:    validator,
		verifier:     verifier,
		store:        store,

		p2pMetrics:       p2pMetrics,
		gossipMetrics:    gossipMetrics,
		statesyncMetrics: statesyncMetrics,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart opens the reactor channels on the router and starts all services.
// The channels must exist before the router starts, since the set of open
// channels is exchanged during the transport handshake.
func (n *Node) OnStart(ctx context.Context) error {
	if err := n.transport.Listen(n.endpoint); err != nil {
		return fmt.Errorf("failed to listen on %v: %w", n.endpoint, err)
	}

	gossipCh, err := n.router.OpenChannel(ctx, gossip.ChannelDescriptor())
	if err != nil {
		return err
	}
	descs := statesync.ChannelDescriptors()
	manifestCh, err := n.router.OpenChannel(ctx, descs[0])
	if err != nil {
		return err
	}
	chunkCh, err := n.router.OpenChannel(ctx, descs[1])
	if err != nil {
		return err
	}

	n.gossipReactor, err = gossip.NewReactor(
		n.logger.With("module", "gossip"),
		n.gossipMetrics,
		n.artifactPool,
		n.validator,
		gossipCh,
		n.peerManager.Subscribe(ctx),
		gossip.ReactorOptions{
			MaxConcurrentDownloads: n.config.Gossip.MaxConcurrentDownloads,
			MaxInFlightPerPeer:     n.config.Gossip.MaxInFlightPerPeer,
			RequestTimeout:         n.config.Gossip.RequestTimeout,
			MaxDownloadAttempts:    n.config.Gossip.MaxDownloadAttempts,
			MaxPendingAdverts:      n.config.Gossip.MaxPendingAdverts,
		},
	)
	if err != nil {
		return err
	}

	statesyncLogger := n.logger.With("module", "statesync")
	n.syncer, err = statesync.NewSyncer(
		statesyncLogger,
		n.statesyncMetrics,
		n.store,
		n.verifier,
		n.peerScores(),
		manifestCh,
		chunkCh,
		statesync.SyncerOptions{
			CatchUpThreshold: n.config.StateSync.CatchUpThreshold,
			ChunkFetchers:    n.config.StateSync.ChunkFetchers,
			RetryBudget:      n.config.StateSync.RetryBudget,
			RequestTimeout:   n.config.StateSync.RequestTimeout,
		},
	)
	if err != nil {
		return err
	}
	n.statesyncReactor = statesync.NewReactor(
		statesyncLogger,
		n.statesyncMetrics,
		n.store,
		n.syncer,
		manifestCh,
		chunkCh,
		n.peerManager.Subscribe(ctx),
	)

	for _, svc := range []service.Service{
		n.router, n.poller, n.gossipReactor, n.statesyncReactor,
	} {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", svc, err)
		}
	}

	if n.config.Instrumentation.Prometheus {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}
	return nil
}

// OnStop stops the services in reverse start order and releases the node's
// resources.
func (n *Node) OnStop() {
	n.logger.Info("stopping the node")

	if n.prometheusSrv != nil {
		if err := n.prometheusSrv.Close(); err != nil {
			n.logger.Error("prometheus http server close error", "err", err)
		}
	}

	for _, svc := range []service.Service{
		n.statesyncReactor, n.gossipReactor, n.poller, n.router,
	} {
		stopService(n.logger, svc)
	}

	if closer, ok := n.artifactPool.(interface{ Close() }); ok {
		closer.Close()
	}
	if err := n.peerDB.Close(); err != nil {
		n.logger.Error("failed to close peer store", "err", err)
	}
}

// stopService stops a sub-service, tolerating services that already stopped
// with the start context.
func stopService(logger log.Logger, svc service.Service) {
	if svc == nil {
		return
	}
	switch err := svc.(interface{ Stop() error }).Stop(); {
	case err == nil, errors.Is(err, service.ErrAlreadyStopped), errors.Is(err, service.ErrNotStarted):
	default:
		logger.Error("error stopping service", "service", svc, "err", err)
	}
}

// peerScores adapts the peer manager's scores for chunk source weighting.
func (n *Node) peerScores() statesync.PeerScoreFunc {
	return func() map[types.NodeID]int64 {
		raw := n.peerManager.Scores()
		scores := make(map[types.NodeID]int64, len(raw))
		for id, score := range raw {
			scores[id] = int64(score)
		}
		return scores
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for
// metrics collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("prometheus http server error", "err", err)
		}
	}()
	return srv
}

// NodeID returns the node's authenticated identity.
func (n *Node) NodeID() types.NodeID { return n.nodeKey.ID }

// Pool returns the node's artifact pool, through which the embedding
// application submits and consumes artifacts.
func (n *Node) Pool() pool.Pool { return n.artifactPool }

// CheckpointHeight returns the height of the latest installed checkpoint,
// if any.
func (n *Node) CheckpointHeight() (uint64, bool) { return n.store.Height() }
