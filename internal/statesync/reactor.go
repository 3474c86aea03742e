package statesync

import (
	"context"
	"fmt"

	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/libs/service"
	"github.com/Lildeebo2002/ic/wire"
)

var _ service.Service = (*Reactor)(nil)

const (
	// ManifestChannel exchanges height adverts and checkpoint manifests.
	ManifestChannel = p2p.ChannelID(0x60)

	// ChunkChannel exchanges chunk contents. It is separate from the
	// manifest channel so bulk transfers cannot starve control traffic.
	ChunkChannel = p2p.ChannelID(0x61)

	// manifestMsgSize is the maximum size of a manifest channel message.
	manifestMsgSize = int(4e6)

	// chunkMsgSize is the maximum size of a chunk channel message. It must
	// accommodate a full chunk plus envelope overhead.
	chunkMsgSize = int(4e6)
)

// ChannelDescriptors returns the channel descriptors for this package's two
// channels.
func ChannelDescriptors() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                 ManifestChannel,
			Name:               "manifest",
			RecvBufferCapacity: 32,
			MaxMsgSize:         manifestMsgSize,
		},
		{
			ID:                 ChunkChannel,
			Name:               "chunk",
			RecvBufferCapacity: 16,
			MaxMsgSize:         chunkMsgSize,
		},
	}
}

// Reactor handles state sync on both sides: it serves manifests and chunks
// from the local checkpoint store, and it feeds height adverts and responses
// from peers into the syncer.
type Reactor struct {
	service.BaseService
	logger  log.Logger
	metrics *Metrics

	store  *CheckpointStore
	syncer *Syncer

	manifestCh  *p2p.Channel
	chunkCh     *p2p.Channel
	peerUpdates *p2p.PeerUpdates
}

// NewReactor creates a state sync Reactor. The syncer must have been built
// on the same pair of channels.
func NewReactor(
	logger log.Logger,
	metrics *Metrics,
	store *CheckpointStore,
	syncer *Syncer,
	manifestCh, chunkCh *p2p.Channel,
	peerUpdates *p2p.PeerUpdates,
) *Reactor {
	r := &Reactor{
		logger:      logger,
		metrics:     metrics,
		store:       store,
		syncer:      syncer,
		manifestCh:  manifestCh,
		chunkCh:     chunkCh,
		peerUpdates: peerUpdates,
	}
	r.BaseService = *service.NewBaseService(logger, "StateSync", r)
	return r
}

// OnStart starts goroutines consuming both channels and the peer update
// stream. They run until ctx is canceled.
func (r *Reactor) OnStart(ctx context.Context) error {
	if height, ok := r.store.Height(); ok {
		r.metrics.SyncHeight.Set(float64(height))
	}
	go r.processCh(ctx, r.manifestCh, r.handleManifestMessage)
	go r.processCh(ctx, r.chunkCh, r.handleChunkMessage)
	go r.processPeerUpdates(ctx)
	return nil
}

// OnStop implements service.Implementation. All goroutines exit with the
// start context.
func (r *Reactor) OnStop() {}

// processCh consumes envelopes from one channel. Handler errors are reported
// as peer errors.
func (r *Reactor) processCh(ctx context.Context, ch *p2p.Channel, handle func(context.Context, *p2p.Envelope) error) {
	iter := ch.Receive(ctx)
	for iter.Next(ctx) {
		envelope := iter.Envelope()
		if err := r.handleMessage(ctx, envelope, handle); err != nil {
			r.logger.Error("failed to process message",
				"ch_id", ch.ID, "peer", envelope.From, "err", err)
			if serr := ch.SendError(ctx, p2p.PeerError{
				NodeID: envelope.From,
				Err:    err,
			}); serr != nil {
				return
			}
		}
	}
}

// handleMessage invokes a channel handler, converting panics to peer errors.
func (r *Reactor) handleMessage(ctx context.Context, envelope *p2p.Envelope, handle func(context.Context, *p2p.Envelope) error) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic in processing message: %v", e)
		}
	}()
	return handle(ctx, envelope)
}

func (r *Reactor) handleManifestMessage(ctx context.Context, envelope *p2p.Envelope) error {
	switch msg := envelope.Message.(type) {
	case *wire.HeightAdvert:
		if err := msg.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid height advert: %w", err)
		}
		r.syncer.OfferTarget(ctx, envelope.From, msg.Height)
		return nil

	case *wire.ManifestRequest:
		if err := msg.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid manifest request: %w", err)
		}
		resp := &wire.ManifestResponse{Height: msg.Height}
		if manifest, ok := r.store.Manifest(msg.Height); ok {
			resp.RootHash = manifest.RootHash
			resp.ChunkHashes = manifest.ChunkHashes
			r.metrics.ManifestsServed.Add(1)
		} else {
			r.logger.Debug("manifest requested but not held",
				"height", msg.Height, "peer", envelope.From)
		}
		return r.manifestCh.Send(ctx, p2p.Envelope{To: envelope.From, Message: resp})

	case *wire.ManifestResponse:
		if err := msg.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid manifest response: %w", err)
		}
		r.syncer.AddManifest(envelope.From, msg)
		return nil

	default:
		return fmt.Errorf("received unknown message %T", msg)
	}
}

func (r *Reactor) handleChunkMessage(ctx context.Context, envelope *p2p.Envelope) error {
	switch msg := envelope.Message.(type) {
	case *wire.ChunkRequest:
		if err := msg.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid chunk request: %w", err)
		}
		resp := &wire.ChunkResponse{Height: msg.Height, Index: msg.Index}
		if chunk, ok := r.store.Chunk(msg.Height, msg.Index); ok {
			resp.Chunk = chunk
			r.metrics.ChunksServed.Add(1)
		} else {
			resp.Missing = true
		}
		return r.chunkCh.Send(ctx, p2p.Envelope{To: envelope.From, Message: resp})

	case *wire.ChunkResponse:
		if err := msg.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid chunk response: %w", err)
		}
		r.syncer.AddChunk(envelope.From, msg)
		return nil

	default:
		return fmt.Errorf("received unknown message %T", msg)
	}
}

// processPeerUpdates advertises our checkpoint height to peers as they come
// up and drops departed peers from the running session.
func (r *Reactor) processPeerUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.peerUpdates.Done():
			return
		case update := <-r.peerUpdates.Updates():
			switch update.Status {
			case p2p.PeerStatusUp:
				height, ok := r.store.Height()
				if !ok {
					continue
				}
				if err := r.manifestCh.Send(ctx, p2p.Envelope{
					To:      update.NodeID,
					Message: &wire.HeightAdvert{Height: height},
				}); err != nil {
					return
				}
			case p2p.PeerStatusDown:
				r.syncer.PeerDown(update.NodeID)
			}
		}
	}
}
