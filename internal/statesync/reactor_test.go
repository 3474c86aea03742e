package statesync

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

type reactorTestSuite struct {
	reactor *Reactor
	store   *CheckpointStore
	syncer  *Syncer

	manifestIn  chan p2p.Envelope
	manifestOut chan p2p.Envelope
	chunkIn     chan p2p.Envelope
	chunkOut    chan p2p.Envelope

	peerUpdatesCh chan p2p.PeerUpdate
}

func setupReactor(ctx context.Context, t *testing.T) *reactorTestSuite {
	t.Helper()

	store, err := NewCheckpointStore(t.TempDir(), testChunkSize)
	require.NoError(t, err)

	rts := &reactorTestSuite{
		store:         store,
		manifestIn:    make(chan p2p.Envelope, 32),
		manifestOut:   make(chan p2p.Envelope, 32),
		chunkIn:       make(chan p2p.Envelope, 32),
		chunkOut:      make(chan p2p.Envelope, 32),
		peerUpdatesCh: make(chan p2p.PeerUpdate, 32),
	}
	manifestCh := p2p.NewChannel(ManifestChannel, rts.manifestIn, rts.manifestOut, make(chan p2p.PeerError, 32))
	chunkCh := p2p.NewChannel(ChunkChannel, rts.chunkIn, rts.chunkOut, make(chan p2p.PeerError, 32))
	peerUpdates := p2p.NewPeerUpdates(rts.peerUpdatesCh)
	t.Cleanup(peerUpdates.Close)

	logger := log.NewTestingLogger(t)
	rts.syncer, err = NewSyncer(logger, NopMetrics(), store,
		verifierFunc(func(uint64, []byte) error { return nil }), nil,
		manifestCh, chunkCh, SyncerOptions{})
	require.NoError(t, err)

	rts.reactor = NewReactor(logger, NopMetrics(), store, rts.syncer,
		manifestCh, chunkCh, peerUpdates)
	require.NoError(t, rts.reactor.Start(ctx))
	return rts
}

func recvEnvelope(t *testing.T, ch chan p2p.Envelope) p2p.Envelope {
	t.Helper()
	select {
	case envelope := <-ch:
		return envelope
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an outbound envelope")
		return p2p.Envelope{}
	}
}

func TestReactorServesManifests(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t)
	data := []byte("0123456789abcdefghij")
	require.NoError(t, rts.store.Save(4, data))
	manifest, _ := rts.store.Manifest(4)

	rts.manifestIn <- p2p.Envelope{From: "peer", Message: &wire.ManifestRequest{Height: 4}}
	envelope := recvEnvelope(t, rts.manifestOut)
	require.Equal(t, types.NodeID("peer"), envelope.To)
	resp, ok := envelope.Message.(*wire.ManifestResponse)
	require.True(t, ok)
	require.Equal(t, manifest.RootHash, resp.RootHash)
	require.Len(t, resp.ChunkHashes, manifest.NumChunks())

	// Unknown heights get an empty response.
	rts.manifestIn <- p2p.Envelope{From: "peer", Message: &wire.ManifestRequest{Height: 9}}
	envelope = recvEnvelope(t, rts.manifestOut)
	resp, ok = envelope.Message.(*wire.ManifestResponse)
	require.True(t, ok)
	require.Empty(t, resp.ChunkHashes)
	require.Empty(t, resp.RootHash)
}

func TestReactorServesChunks(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t)
	require.NoError(t, rts.store.Save(4, []byte("0123456789abcdefghij")))

	rts.chunkIn <- p2p.Envelope{From: "peer", Message: &wire.ChunkRequest{Height: 4, Index: 2}}
	envelope := recvEnvelope(t, rts.chunkOut)
	resp, ok := envelope.Message.(*wire.ChunkResponse)
	require.True(t, ok)
	require.False(t, resp.Missing)
	require.Equal(t, []byte("ghij"), resp.Chunk)

	// A chunk we cannot serve comes back flagged missing.
	rts.chunkIn <- p2p.Envelope{From: "peer", Message: &wire.ChunkRequest{Height: 4, Index: 9}}
	envelope = recvEnvelope(t, rts.chunkOut)
	resp, ok = envelope.Message.(*wire.ChunkResponse)
	require.True(t, ok)
	require.True(t, resp.Missing)
	require.Empty(t, resp.Chunk)
}

func TestReactorStartsSessionOnHeightAdvert(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t)
	rts.manifestIn <- p2p.Envelope{From: "peer", Message: &wire.HeightAdvert{Height: 12}}

	require.Eventually(t, func() bool {
		target, running := rts.syncer.Target()
		return running && target == 12
	}, time.Second, 10*time.Millisecond)

	// The session asks the advertising peer for the manifest.
	envelope := recvEnvelope(t, rts.manifestOut)
	require.Equal(t, types.NodeID("peer"), envelope.To)
	req, ok := envelope.Message.(*wire.ManifestRequest)
	require.True(t, ok)
	require.EqualValues(t, 12, req.Height)
}

func TestReactorAdvertisesHeightToNewPeers(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t)
	require.NoError(t, rts.store.Save(6, []byte("state")))

	rts.peerUpdatesCh <- p2p.PeerUpdate{NodeID: "fresh", Status: p2p.PeerStatusUp}
	envelope := recvEnvelope(t, rts.manifestOut)
	require.Equal(t, types.NodeID("fresh"), envelope.To)
	advert, ok := envelope.Message.(*wire.HeightAdvert)
	require.True(t, ok)
	require.EqualValues(t, 6, advert.Height)
}
