package gossip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/pool"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

type reactorTestSuite struct {
	reactor *Reactor
	pool    *pool.InMemoryPool

	inCh  chan p2p.Envelope
	outCh chan p2p.Envelope
	errCh chan p2p.PeerError

	peerUpdatesCh chan p2p.PeerUpdate
}

func setupReactor(ctx context.Context, t *testing.T, validator Validator, options ReactorOptions) *reactorTestSuite {
	t.Helper()

	rts := &reactorTestSuite{
		pool:          pool.NewInMemoryPool(),
		inCh:          make(chan p2p.Envelope, 32),
		outCh:         make(chan p2p.Envelope, 32),
		errCh:         make(chan p2p.PeerError, 32),
		peerUpdatesCh: make(chan p2p.PeerUpdate, 32),
	}
	if validator == nil {
		validator = ValidatorFunc(func(types.Artifact) error { return nil })
	}

	channel := p2p.NewChannel(GossipChannel, rts.inCh, rts.outCh, rts.errCh)
	peerUpdates := p2p.NewPeerUpdates(rts.peerUpdatesCh)
	t.Cleanup(peerUpdates.Close)

	var err error
	rts.reactor, err = NewReactor(
		log.NewTestingLogger(t),
		NopMetrics(),
		rts.pool,
		validator,
		channel,
		peerUpdates,
		options,
	)
	require.NoError(t, err)
	require.NoError(t, rts.reactor.Start(ctx))
	return rts
}

func (rts *reactorTestSuite) recvOut(t *testing.T) p2p.Envelope {
	t.Helper()
	select {
	case envelope := <-rts.outCh:
		return envelope
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an outbound envelope")
		return p2p.Envelope{}
	}
}

func TestReactorBroadcastsInserts(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t, nil, ReactorOptions{})
	artifact := types.NewArtifact(types.ArtifactKindBlock, 1, []byte("block"))

	added, err := rts.pool.Insert(artifact)
	require.NoError(t, err)
	require.True(t, added)

	envelope := rts.recvOut(t)
	require.True(t, envelope.Broadcast)
	advert, ok := envelope.Message.(*wire.Advert)
	require.True(t, ok)
	require.Equal(t, artifact.ID, advert.ID)
	require.Equal(t, uint64(len(artifact.Data)), advert.Size)
}

func TestReactorServesArtifactRequests(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t, nil, ReactorOptions{})
	artifact := types.NewArtifact(types.ArtifactKindShare, 3, []byte("share payload"))
	_, err := rts.pool.Insert(artifact)
	require.NoError(t, err)
	rts.recvOut(t) // insert broadcast

	rts.inCh <- p2p.Envelope{
		From:    "peer",
		Message: &wire.ArtifactRequest{ID: artifact.ID},
	}
	envelope := rts.recvOut(t)
	require.Equal(t, types.NodeID("peer"), envelope.To)
	resp, ok := envelope.Message.(*wire.ArtifactResponse)
	require.True(t, ok)
	require.Equal(t, artifact.Data, resp.Payload)
	require.Equal(t, artifact.Height, resp.Height)

	// Unknown artifacts get an empty response.
	unknown := types.ComputeArtifactID([]byte("unknown"))
	rts.inCh <- p2p.Envelope{
		From:    "peer",
		Message: &wire.ArtifactRequest{ID: unknown},
	}
	envelope = rts.recvOut(t)
	resp, ok = envelope.Message.(*wire.ArtifactResponse)
	require.True(t, ok)
	require.Empty(t, resp.Payload)
}

func TestReactorFetchesAdvertisedArtifact(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t, nil, ReactorOptions{})
	artifact := types.NewArtifact(types.ArtifactKindBlock, 7, []byte("fetched block"))

	rts.inCh <- p2p.Envelope{From: "peer", Message: wire.AdvertFrom(artifact.Advert())}

	envelope := rts.recvOut(t)
	require.Equal(t, types.NodeID("peer"), envelope.To)
	req, ok := envelope.Message.(*wire.ArtifactRequest)
	require.True(t, ok)
	require.Equal(t, artifact.ID, req.ID)

	rts.inCh <- p2p.Envelope{From: "peer", Message: &wire.ArtifactResponse{
		ID:      artifact.ID,
		Kind:    artifact.Kind,
		Height:  artifact.Height,
		Payload: artifact.Data,
	}}

	// The payload lands in the pool and is re-advertised to everyone else.
	envelope = rts.recvOut(t)
	require.True(t, envelope.Broadcast)
	advert, ok := envelope.Message.(*wire.Advert)
	require.True(t, ok)
	require.Equal(t, artifact.ID, advert.ID)
	require.True(t, rts.pool.Has(artifact.ID))
	require.Equal(t, DownloadStateValidated, rts.reactor.DownloadState(artifact.ID))
}

func TestReactorRejectsInvalidPayload(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t, ValidatorFunc(func(types.Artifact) error {
		return errors.New("bad signature")
	}), ReactorOptions{})
	artifact := types.NewArtifact(types.ArtifactKindShare, 2, []byte("bogus share"))

	rts.inCh <- p2p.Envelope{From: "peer", Message: wire.AdvertFrom(artifact.Advert())}
	rts.recvOut(t) // request

	rts.inCh <- p2p.Envelope{From: "peer", Message: &wire.ArtifactResponse{
		ID:      artifact.ID,
		Kind:    artifact.Kind,
		Height:  artifact.Height,
		Payload: artifact.Data,
	}}

	select {
	case peerErr := <-rts.errCh:
		require.Equal(t, types.NodeID("peer"), peerErr.NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a peer error")
	}
	require.False(t, rts.pool.Has(artifact.ID))

	// The only advertiser misbehaved, nothing left to try.
	require.Equal(t, DownloadStateAbandoned, rts.reactor.DownloadState(artifact.ID))
}

func TestReactorMismatchedPayloadID(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t, nil, ReactorOptions{})
	artifact := types.NewArtifact(types.ArtifactKindBlock, 1, []byte("advertised"))

	rts.inCh <- p2p.Envelope{From: "peer", Message: wire.AdvertFrom(artifact.Advert())}
	rts.recvOut(t) // request

	rts.inCh <- p2p.Envelope{From: "peer", Message: &wire.ArtifactResponse{
		ID:      artifact.ID,
		Kind:    artifact.Kind,
		Height:  artifact.Height,
		Payload: []byte("something else entirely"),
	}}

	select {
	case peerErr := <-rts.errCh:
		require.Equal(t, types.NodeID("peer"), peerErr.NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a peer error")
	}
	require.False(t, rts.pool.Has(artifact.ID))
}

func TestReactorFirstValidatorWins(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t, nil, ReactorOptions{})
	artifact := types.NewArtifact(types.ArtifactKindBlock, 5, []byte("raced block"))

	rts.inCh <- p2p.Envelope{From: "p1", Message: wire.AdvertFrom(artifact.Advert())}
	rts.inCh <- p2p.Envelope{From: "p2", Message: wire.AdvertFrom(artifact.Advert())}
	rts.recvOut(t) // single request

	// Both peers deliver; the second is a late duplicate and must be
	// discarded without touching the pool or penalizing anyone.
	resp := &wire.ArtifactResponse{
		ID:      artifact.ID,
		Kind:    artifact.Kind,
		Height:  artifact.Height,
		Payload: artifact.Data,
	}
	rts.inCh <- p2p.Envelope{From: "p1", Message: resp}
	rts.inCh <- p2p.Envelope{From: "p2", Message: resp}

	envelope := rts.recvOut(t) // re-advertise broadcast
	require.True(t, envelope.Broadcast)
	require.True(t, rts.pool.Has(artifact.ID))
	require.Equal(t, 1, rts.pool.Size())

	select {
	case peerErr := <-rts.errCh:
		t.Fatalf("unexpected peer error: %v", peerErr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReactorDropsAdvertsWhenPendingFull(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t, nil, ReactorOptions{
		MaxConcurrentDownloads: 1,
		MaxInFlightPerPeer:     1,
		MaxPendingAdverts:      1,
	})
	a1 := types.NewArtifact(types.ArtifactKindBlock, 1, []byte("one"))
	a2 := types.NewArtifact(types.ArtifactKindBlock, 2, []byte("two"))
	a3 := types.NewArtifact(types.ArtifactKindBlock, 3, []byte("three"))

	rts.inCh <- p2p.Envelope{From: "peer", Message: wire.AdvertFrom(a1.Advert())}
	rts.recvOut(t) // a1 requested, not pending anymore

	rts.inCh <- p2p.Envelope{From: "peer", Message: wire.AdvertFrom(a2.Advert())}
	require.Eventually(t, func() bool {
		return rts.reactor.DownloadState(a2.ID) == DownloadStateAdvertised
	}, time.Second, 10*time.Millisecond)

	// The pending set is full, the third advert is dropped.
	rts.inCh <- p2p.Envelope{From: "peer", Message: wire.AdvertFrom(a3.Advert())}
	require.Eventually(t, func() bool {
		return rts.reactor.DownloadState(a3.ID) == DownloadStateUnknown
	}, time.Second, 10*time.Millisecond)
}

func TestReactorPeerDownRequeues(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rts := setupReactor(ctx, t, nil, ReactorOptions{})
	artifact := types.NewArtifact(types.ArtifactKindBlock, 1, []byte("requeued"))

	rts.inCh <- p2p.Envelope{From: "p1", Message: wire.AdvertFrom(artifact.Advert())}
	rts.inCh <- p2p.Envelope{From: "p2", Message: wire.AdvertFrom(artifact.Advert())}

	first := rts.recvOut(t)
	req, ok := first.Message.(*wire.ArtifactRequest)
	require.True(t, ok)
	require.Equal(t, artifact.ID, req.ID)

	rts.peerUpdatesCh <- p2p.PeerUpdate{NodeID: first.To, Status: p2p.PeerStatusDown}

	second := rts.recvOut(t)
	require.NotEqual(t, first.To, second.To)
	req, ok = second.Message.(*wire.ArtifactRequest)
	require.True(t, ok)
	require.Equal(t, artifact.ID, req.ID)
}
