package statesync

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

type verifierFunc func(height uint64, rootHash []byte) error

func (f verifierFunc) VerifyStateHash(height uint64, rootHash []byte) error {
	return f(height, rootHash)
}

type syncerTestSuite struct {
	syncer *Syncer
	store  *CheckpointStore

	manifestOut chan p2p.Envelope
	manifestErr chan p2p.PeerError
	chunkOut    chan p2p.Envelope
	chunkErr    chan p2p.PeerError
}

const testChunkSize = 8

func setupSyncer(t *testing.T, verifier StateVerifier, options SyncerOptions) *syncerTestSuite {
	t.Helper()

	store, err := NewCheckpointStore(t.TempDir(), testChunkSize)
	require.NoError(t, err)

	ts := &syncerTestSuite{
		store:       store,
		manifestOut: make(chan p2p.Envelope, 64),
		manifestErr: make(chan p2p.PeerError, 64),
		chunkOut:    make(chan p2p.Envelope, 64),
		chunkErr:    make(chan p2p.PeerError, 64),
	}
	manifestCh := p2p.NewChannel(ManifestChannel, nil, ts.manifestOut, ts.manifestErr)
	chunkCh := p2p.NewChannel(ChunkChannel, nil, ts.chunkOut, ts.chunkErr)

	ts.syncer, err = NewSyncer(
		log.NewTestingLogger(t),
		NopMetrics(),
		store,
		verifier,
		nil,
		manifestCh,
		chunkCh,
		options,
	)
	require.NoError(t, err)
	return ts
}

// acceptManifest builds a verifier accepting exactly the given manifest.
func acceptManifest(m Manifest) StateVerifier {
	return verifierFunc(func(height uint64, rootHash []byte) error {
		if height != m.Height || !bytes.Equal(rootHash, m.RootHash) {
			return errors.New("root hash does not match certified state")
		}
		return nil
	})
}

// serveManifest waits for a ManifestRequest at height and answers it.
func (ts *syncerTestSuite) serveManifest(t *testing.T, m Manifest) types.NodeID {
	t.Helper()
	for {
		select {
		case envelope := <-ts.manifestOut:
			req, ok := envelope.Message.(*wire.ManifestRequest)
			if !ok || req.Height != m.Height {
				continue
			}
			ts.syncer.AddManifest(envelope.To, &wire.ManifestResponse{
				Height:      m.Height,
				RootHash:    m.RootHash,
				ChunkHashes: m.ChunkHashes,
			})
			return envelope.To
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for a manifest request")
		}
	}
}

// serveChunks answers chunk requests until the syncer stores the target
// checkpoint. corrupt, if non-nil, may substitute a served chunk; it is
// consulted with the requested index and target peer.
func (ts *syncerTestSuite) serveChunks(t *testing.T, m Manifest, chunks [][]byte, corrupt func(peer types.NodeID, index uint32) []byte) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if height, ok := ts.store.Height(); ok && height == m.Height {
			return
		}
		select {
		case envelope := <-ts.chunkOut:
			req, ok := envelope.Message.(*wire.ChunkRequest)
			if !ok || req.Height != m.Height {
				continue
			}
			chunk := chunks[req.Index]
			if corrupt != nil {
				if c := corrupt(envelope.To, req.Index); c != nil {
					chunk = c
				}
			}
			ts.syncer.AddChunk(envelope.To, &wire.ChunkResponse{
				Height: req.Height,
				Index:  req.Index,
				Chunk:  chunk,
			})
		case <-deadline:
			t.Fatal("timed out serving chunks")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSyncerCompletesSession(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := []byte("0123456789abcdefghij")
	chunks := splitChunks(data, testChunkSize)
	manifest := NewManifest(5, chunks)

	ts := setupSyncer(t, acceptManifest(manifest), SyncerOptions{})
	ts.syncer.OfferTarget(ctx, "p1", 5)

	peer := ts.serveManifest(t, manifest)
	require.Equal(t, types.NodeID("p1"), peer)
	ts.serveChunks(t, manifest, chunks, nil)

	height, ok := ts.store.Height()
	require.True(t, ok)
	require.EqualValues(t, 5, height)
	got, ok := ts.store.Data()
	require.True(t, ok)
	require.Equal(t, data, got)

	// The new height is broadcast when the session completes.
	require.Eventually(t, func() bool {
		select {
		case envelope := <-ts.manifestOut:
			advert, ok := envelope.Message.(*wire.HeightAdvert)
			return ok && envelope.Broadcast && advert.Height == 5
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestSyncerRejectsBadManifest(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := []byte("certified state blob")
	chunks := splitChunks(data, testChunkSize)
	manifest := NewManifest(7, chunks)
	forged := NewManifest(7, splitChunks([]byte("forged state blob!!!"), testChunkSize))

	ts := setupSyncer(t, acceptManifest(manifest), SyncerOptions{})
	ts.syncer.OfferTarget(ctx, "evil", 7)
	ts.syncer.AddManifest("evil", &wire.ManifestResponse{}) // ignored, wrong height shape

	// The bad peer serves a well-formed manifest for the wrong state.
	peer := ts.serveManifest(t, forged)
	require.Equal(t, types.NodeID("evil"), peer)

	// The manifest is rejected and the peer penalized.
	select {
	case peerErr := <-ts.manifestErr:
		require.Equal(t, types.NodeID("evil"), peerErr.NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a peer error")
	}

	// The session winds down with its only source gone, then a second
	// source recovers the sync.
	require.Eventually(t, func() bool {
		_, running := ts.syncer.Target()
		return !running
	}, time.Second, 10*time.Millisecond)
	ts.syncer.OfferTarget(ctx, "good", 7)
	peer = ts.serveManifest(t, manifest)
	require.Equal(t, types.NodeID("good"), peer)
	ts.serveChunks(t, manifest, chunks, nil)

	height, ok := ts.store.Height()
	require.True(t, ok)
	require.EqualValues(t, 7, height)
}

func TestSyncerChunkMismatchRetriesOtherPeer(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := []byte("0123456789abcdefghij")
	chunks := splitChunks(data, testChunkSize)
	manifest := NewManifest(3, chunks)

	ts := setupSyncer(t, acceptManifest(manifest), SyncerOptions{})
	ts.syncer.OfferTarget(ctx, "p1", 3)
	ts.syncer.OfferTarget(ctx, "p2", 3) // same target, extra source

	ts.serveManifest(t, manifest)

	// One peer serves garbage for chunk 1; the retry must go to the other.
	var corruptedBy types.NodeID
	served := map[types.NodeID]bool{}
	ts.serveChunks(t, manifest, chunks, func(peer types.NodeID, index uint32) []byte {
		if index == 1 && corruptedBy == "" {
			corruptedBy = peer
			return []byte("garbage!")
		}
		if index == 1 {
			served[peer] = true
		}
		return nil
	})

	require.NotEmpty(t, corruptedBy)
	require.False(t, served[corruptedBy], "retry went back to the corrupting peer")

	select {
	case peerErr := <-ts.chunkErr:
		require.Equal(t, corruptedBy, peerErr.NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a peer error")
	}

	got, _ := ts.store.Data()
	require.Equal(t, data, got)
}

func TestSyncerRetryBudgetAbortsSession(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := []byte("0123456789abcdefghij")
	chunks := splitChunks(data, testChunkSize)
	manifest := NewManifest(4, chunks)

	ts := setupSyncer(t, acceptManifest(manifest), SyncerOptions{RetryBudget: 1, ChunkFetchers: 1})
	ts.syncer.OfferTarget(ctx, "p1", 4)
	ts.serveManifest(t, manifest)

	// Serve garbage for every chunk request until the session gives up.
	deadline := time.After(3 * time.Second)
	for {
		if _, running := ts.syncer.Target(); !running {
			break
		}
		select {
		case envelope := <-ts.chunkOut:
			if req, ok := envelope.Message.(*wire.ChunkRequest); ok {
				ts.syncer.AddChunk(envelope.To, &wire.ChunkResponse{
					Height: req.Height,
					Index:  req.Index,
					Chunk:  []byte("garbage!"),
				})
			}
		case <-deadline:
			t.Fatal("session did not abort")
		case <-time.After(10 * time.Millisecond):
		}
	}

	_, ok := ts.store.Height()
	require.False(t, ok, "aborted session must not install a checkpoint")
}

func TestSyncerSupersession(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataOld := []byte("old target checkpoint")
	dataNew := []byte("new target checkpoint, higher")
	manifestNew := NewManifest(10, splitChunks(dataNew, testChunkSize))

	ts := setupSyncer(t, acceptManifest(manifestNew), SyncerOptions{})

	// A session toward height 5 starts but its manifest never arrives.
	ts.syncer.OfferTarget(ctx, "p1", 5)
	target, running := ts.syncer.Target()
	require.True(t, running)
	require.EqualValues(t, 5, target)

	// A higher advert supersedes it.
	ts.syncer.OfferTarget(ctx, "p2", 10)
	require.Eventually(t, func() bool {
		target, running := ts.syncer.Target()
		return running && target == 10
	}, time.Second, 10*time.Millisecond)

	ts.serveManifest(t, manifestNew)
	ts.serveChunks(t, manifestNew, splitChunks(dataNew, testChunkSize), nil)

	height, ok := ts.store.Height()
	require.True(t, ok)
	require.EqualValues(t, 10, height)
	got, _ := ts.store.Data()
	require.Equal(t, dataNew, got)
	require.NotEqual(t, dataOld, got)
}

func TestSyncerIgnoresNearbyHeights(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := setupSyncer(t, verifierFunc(func(uint64, []byte) error { return nil }),
		SyncerOptions{CatchUpThreshold: 5})
	require.NoError(t, ts.store.Save(10, []byte("current state")))

	// 14 < 10+5, not worth a session.
	ts.syncer.OfferTarget(ctx, "p1", 14)
	_, running := ts.syncer.Target()
	require.False(t, running)
	select {
	case envelope := <-ts.manifestOut:
		t.Fatalf("unexpected outbound envelope: %v", envelope)
	case <-time.After(50 * time.Millisecond):
	}

	// 15 crosses the threshold.
	ts.syncer.OfferTarget(ctx, "p1", 15)
	require.Eventually(t, func() bool {
		target, running := ts.syncer.Target()
		return running && target == 15
	}, time.Second, 10*time.Millisecond)
}

func TestSyncerReusesLocalChunks(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prev := []byte("0123456789abcdefghij")
	next := []byte("0123456789abcdefXXXX")
	chunks := splitChunks(next, testChunkSize)
	manifest := NewManifest(9, chunks)

	ts := setupSyncer(t, acceptManifest(manifest), SyncerOptions{})
	require.NoError(t, ts.store.Save(1, prev))

	ts.syncer.OfferTarget(ctx, "p1", 9)
	ts.serveManifest(t, manifest)

	requested := map[uint32]bool{}
	ts.serveChunks(t, manifest, chunks, func(_ types.NodeID, index uint32) []byte {
		requested[index] = true
		return nil
	})

	// Only the changed tail chunk crossed the wire.
	require.Equal(t, map[uint32]bool{2: true}, requested)
	got, _ := ts.store.Data()
	require.Equal(t, next, got)
}

func TestSyncerPeerDownFailsManifestFetch(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts := setupSyncer(t, verifierFunc(func(uint64, []byte) error { return nil }),
		SyncerOptions{RequestTimeout: 100 * time.Millisecond})
	ts.syncer.OfferTarget(ctx, "p1", 6)
	ts.syncer.PeerDown("p1")

	// The only source is gone; the session winds down without installing
	// anything.
	require.Eventually(t, func() bool {
		_, running := ts.syncer.Target()
		return !running
	}, 2*time.Second, 20*time.Millisecond)
	_, ok := ts.store.Height()
	require.False(t, ok)
}
