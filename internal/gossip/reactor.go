// Package gossip implements artifact distribution between replicas: adverts
// are broadcast to all peers, payloads are fetched on demand from one
// advertiser at a time, and downloaded payloads are validated before they
// enter the pool.
package gossip

import (
	"context"
	"fmt"
	"time"

	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/libs/service"
	"github.com/Lildeebo2002/ic/pool"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

var _ service.Service = (*Reactor)(nil)

const (
	// GossipChannel exchanges adverts and artifact request/response pairs.
	GossipChannel = p2p.ChannelID(0x30)

	// gossipMsgSize is the maximum size of a gossip channel message. It must
	// accommodate a full artifact payload plus envelope overhead.
	gossipMsgSize = int(16e6)
)

// ChannelDescriptor returns the gossip channel descriptor for the router.
func ChannelDescriptor() *p2p.ChannelDescriptor {
	return &p2p.ChannelDescriptor{
		ID:                 GossipChannel,
		Name:               "gossip",
		RecvBufferCapacity: 128,
		MaxMsgSize:         gossipMsgSize,
	}
}

// Validator is the consensus-side collaborator that judges downloaded
// payloads. Validation failures are attributed to the sending peer.
type Validator interface {
	Validate(artifact types.Artifact) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(artifact types.Artifact) error

func (f ValidatorFunc) Validate(artifact types.Artifact) error { return f(artifact) }

// ReactorOptions specifies tuning options for a gossip Reactor.
type ReactorOptions struct {
	// MaxConcurrentDownloads bounds in-flight artifact fetches globally.
	MaxConcurrentDownloads int64

	// MaxInFlightPerPeer bounds in-flight fetches against a single peer.
	MaxInFlightPerPeer int

	// RequestTimeout is how long to wait for an artifact payload before the
	// download is rescheduled against another advertiser.
	RequestTimeout time.Duration

	// MaxDownloadAttempts is the per-artifact retry budget. Once exhausted
	// the artifact is abandoned until a fresh advertiser appears.
	MaxDownloadAttempts int

	// MaxPendingAdverts bounds the number of artifacts awaiting scheduling.
	// Adverts for new artifacts arriving over the bound are dropped.
	MaxPendingAdverts int

	// Priority orders schedulable artifacts. Nil means DefaultPriority.
	Priority PriorityFunc
}

// Validate validates the options, filling in defaults for zero values.
func (o *ReactorOptions) Validate() error {
	if o.MaxConcurrentDownloads < 0 || o.MaxInFlightPerPeer < 0 ||
		o.RequestTimeout < 0 || o.MaxDownloadAttempts < 0 || o.MaxPendingAdverts < 0 {
		return fmt.Errorf("gossip reactor options must be non-negative: %+v", o)
	}
	if o.MaxConcurrentDownloads == 0 {
		o.MaxConcurrentDownloads = 16
	}
	if o.MaxInFlightPerPeer == 0 {
		o.MaxInFlightPerPeer = 4
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.MaxDownloadAttempts == 0 {
		o.MaxDownloadAttempts = 5
	}
	if o.MaxPendingAdverts == 0 {
		o.MaxPendingAdverts = 1024
	}
	if o.Priority == nil {
		o.Priority = DefaultPriority
	}
	return nil
}

// Reactor distributes pool artifacts to peers and fetches advertised
// artifacts from them. It broadcasts an advert for every pool insert, serves
// payload requests from the pool, and runs the download scheduler for
// inbound adverts.
type Reactor struct {
	service.BaseService
	logger  log.Logger
	metrics *Metrics
	options ReactorOptions

	pool      pool.Pool
	validator Validator
	scheduler *scheduler

	channel     *p2p.Channel
	peerUpdates *p2p.PeerUpdates
}

// NewReactor creates a gossip Reactor on the given channel. The validator
// judges every downloaded payload before it is inserted into the pool.
func NewReactor(
	logger log.Logger,
	metrics *Metrics,
	artifactPool pool.Pool,
	validator Validator,
	channel *p2p.Channel,
	peerUpdates *p2p.PeerUpdates,
	options ReactorOptions,
) (*Reactor, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	r := &Reactor{
		logger:      logger,
		metrics:     metrics,
		options:     options,
		pool:        artifactPool,
		validator:   validator,
		channel:     channel,
		peerUpdates: peerUpdates,
	}
	r.scheduler = newScheduler(
		logger.With("component", "scheduler"),
		metrics,
		options.Priority,
		options.MaxConcurrentDownloads,
		options.MaxInFlightPerPeer,
		options.RequestTimeout,
		options.MaxDownloadAttempts,
	)
	r.BaseService = *service.NewBaseService(logger, "Gossip", r)
	return r, nil
}

// OnStart starts the scheduler loop and the goroutines consuming the gossip
// channel, the pool's insert stream, scheduled requests and peer updates.
// They all run until ctx is canceled.
func (r *Reactor) OnStart(ctx context.Context) error {
	go r.scheduler.run(ctx)
	go r.processChannel(ctx)
	go r.processInserts(ctx)
	go r.processRequests(ctx)
	go r.processPeerUpdates(ctx)
	return nil
}

// OnStop implements service.Implementation. All goroutines exit with the
// start context.
func (r *Reactor) OnStop() {}

// DownloadState reports the download state of an artifact.
func (r *Reactor) DownloadState(id types.ArtifactID) DownloadState {
	return r.scheduler.State(id)
}

// processChannel consumes inbound gossip envelopes. Handler errors are
// reported as peer errors, which lower the peer's score.
func (r *Reactor) processChannel(ctx context.Context) {
	iter := r.channel.Receive(ctx)
	for iter.Next(ctx) {
		envelope := iter.Envelope()
		if err := r.handleMessage(ctx, envelope); err != nil {
			r.logger.Error("failed to process message",
				"ch_id", r.channel.ID, "peer", envelope.From, "err", err)
			if serr := r.channel.SendError(ctx, p2p.PeerError{
				NodeID: envelope.From,
				Err:    err,
			}); serr != nil {
				return
			}
		}
	}
}

// handleMessage dispatches an envelope by message type. Panics in handlers
// are recovered and treated as peer errors.
func (r *Reactor) handleMessage(ctx context.Context, envelope *p2p.Envelope) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic in processing message: %v", e)
		}
	}()

	switch msg := envelope.Message.(type) {
	case *wire.Advert:
		err = r.handleAdvert(envelope.From, msg)
	case *wire.ArtifactRequest:
		err = r.handleArtifactRequest(ctx, envelope.From, msg)
	case *wire.ArtifactResponse:
		err = r.handleArtifactResponse(envelope.From, msg)
	default:
		err = fmt.Errorf("received unknown message %T", msg)
	}
	return err
}

// handleAdvert registers an inbound advert with the scheduler. Adverts for
// artifacts we already hold or already validated are ignored; adverts for
// new artifacts are dropped when the pending set is full.
func (r *Reactor) handleAdvert(from types.NodeID, msg *wire.Advert) error {
	r.metrics.AdvertsReceived.Add(1)
	if err := msg.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid advert: %w", err)
	}

	advert := msg.ToAdvert()
	if r.pool.Has(advert.ID) {
		return nil
	}
	switch r.scheduler.State(advert.ID) {
	case DownloadStateValidated:
		return nil
	case DownloadStateUnknown:
		if r.scheduler.Pending() >= r.options.MaxPendingAdverts {
			r.metrics.AdvertsDropped.Add(1)
			r.logger.Debug("dropping advert, pending set full",
				"artifact", advert.ID, "peer", from)
			return nil
		}
	}

	r.scheduler.OnAdvert(from, advert)
	return nil
}

// handleArtifactRequest serves an artifact payload from the pool. An empty
// response tells the requester we no longer hold the artifact.
func (r *Reactor) handleArtifactRequest(ctx context.Context, from types.NodeID, msg *wire.ArtifactRequest) error {
	if err := msg.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid artifact request: %w", err)
	}

	resp := &wire.ArtifactResponse{ID: msg.ID}
	if artifact, ok := r.pool.Get(msg.ID); ok {
		resp.Kind = artifact.Kind
		resp.Height = artifact.Height
		resp.Payload = artifact.Data
		r.metrics.ArtifactsServed.Add(1)
	} else {
		r.logger.Debug("artifact requested but not held", "artifact", msg.ID, "peer", from)
	}
	return r.channel.Send(ctx, p2p.Envelope{To: from, Message: resp})
}

// handleArtifactResponse validates a downloaded payload and inserts it into
// the pool. The first validated delivery wins; later deliveries of the same
// artifact are discarded. Invalid payloads penalize the sending peer and
// reschedule the download against its remaining advertisers.
func (r *Reactor) handleArtifactResponse(from types.NodeID, msg *wire.ArtifactResponse) error {
	if err := msg.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid artifact response: %w", err)
	}

	if len(msg.Payload) == 0 {
		// The peer no longer holds the artifact. Not a protocol violation,
		// but it is no longer a usable source.
		r.logger.Debug("peer no longer holds artifact", "artifact", msg.ID, "peer", from)
		r.scheduler.OnRejected(msg.ID, from)
		return nil
	}

	if types.ComputeArtifactID(msg.Payload) != msg.ID {
		return r.rejectArtifact(from, msg.ID, fmt.Errorf("payload does not match artifact id %v", msg.ID))
	}

	if r.pool.Has(msg.ID) {
		// Late duplicate delivery, another peer won the race.
		r.scheduler.OnValidated(msg.ID)
		return nil
	}

	artifact := types.Artifact{
		ID:     msg.ID,
		Kind:   msg.Kind,
		Height: msg.Height,
		Data:   msg.Payload,
	}
	if err := artifact.ValidateBasic(); err != nil {
		return r.rejectArtifact(from, msg.ID, err)
	}
	if err := r.validator.Validate(artifact); err != nil {
		return r.rejectArtifact(from, msg.ID, err)
	}

	added, err := r.pool.Insert(artifact)
	if err != nil {
		// A pool failure is local, not the peer's fault.
		r.logger.Error("failed to insert validated artifact", "artifact", msg.ID, "err", err)
		return nil
	}
	r.scheduler.OnValidated(artifact.ID)
	r.metrics.DownloadsValidated.Add(1)
	if added {
		r.logger.Debug("artifact validated", "artifact", artifact.ID, "peer", from,
			"kind", artifact.Kind, "height", artifact.Height)
	}
	return nil
}

// rejectArtifact records a validation failure against the sending peer. The
// returned error propagates to the peer error path.
func (r *Reactor) rejectArtifact(from types.NodeID, id types.ArtifactID, err error) error {
	r.metrics.DownloadsRejected.Add(1)
	r.scheduler.OnRejected(id, from)
	return fmt.Errorf("artifact %v rejected: %w", id, err)
}

// processInserts broadcasts an advert for every artifact inserted into the
// pool, including artifacts that arrived via gossip, so dissemination is
// transitive.
func (r *Reactor) processInserts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case artifact := <-r.pool.Inserted():
			if err := r.channel.Send(ctx, p2p.Envelope{
				Broadcast: true,
				Message:   wire.AdvertFrom(artifact.Advert()),
			}); err != nil {
				return
			}
		}
	}
}

// processRequests sends each scheduled fetch to its peer.
func (r *Reactor) processRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.scheduler.Requests():
			if err := r.channel.Send(ctx, p2p.Envelope{
				To:      req.Peer,
				Message: &wire.ArtifactRequest{ID: req.ID},
			}); err != nil {
				return
			}
		}
	}
}

// processPeerUpdates returns a departed peer's artifacts to the schedulable
// set.
func (r *Reactor) processPeerUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.peerUpdates.Done():
			return
		case update := <-r.peerUpdates.Updates():
			r.logger.Debug("received peer update", "peer", update.NodeID, "status", update.Status)
			if update.Status == p2p.PeerStatusDown {
				r.scheduler.OnPeerDown(update.NodeID)
			}
		}
	}
}
