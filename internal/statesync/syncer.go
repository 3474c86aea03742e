package statesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/mroth/weightedrand"

	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

var (
	// errSuperseded cancels a session in favor of a higher target.
	errSuperseded = errors.New("session superseded by higher target")

	// errNoSources aborts a session when no usable source peer remains.
	errNoSources = errors.New("no source peers available")
)

// StateVerifier is the consensus-side collaborator vouching for checkpoint
// root hashes. A manifest whose root hash fails verification must not be
// used, no matter how many peers serve it.
type StateVerifier interface {
	VerifyStateHash(height uint64, rootHash []byte) error
}

// StateVerifierFunc adapts a function to the StateVerifier interface.
type StateVerifierFunc func(height uint64, rootHash []byte) error

// VerifyStateHash implements StateVerifier.
func (f StateVerifierFunc) VerifyStateHash(height uint64, rootHash []byte) error {
	return f(height, rootHash)
}

// PeerScoreFunc supplies relative peer quality for weighting chunk source
// selection. Nil or empty results fall back to uniform choice.
type PeerScoreFunc func() map[types.NodeID]int64

// SyncerOptions specifies tuning options for a Syncer.
type SyncerOptions struct {
	// CatchUpThreshold is how far ahead of the local checkpoint an advertised
	// height must be to start a session.
	CatchUpThreshold uint64

	// ChunkFetchers is the number of concurrent chunk fetcher workers.
	ChunkFetchers int

	// RetryBudget is the session-wide budget of chunk fetch retries. Hash
	// mismatches, missing chunks and timeouts all draw on it.
	RetryBudget int

	// RequestTimeout bounds each manifest or chunk request.
	RequestTimeout time.Duration
}

// Validate validates the options, filling in defaults for zero values.
func (o *SyncerOptions) Validate() error {
	if o.ChunkFetchers < 0 || o.RetryBudget < 0 || o.RequestTimeout < 0 {
		return fmt.Errorf("syncer options must be non-negative: %+v", o)
	}
	if o.CatchUpThreshold == 0 {
		o.CatchUpThreshold = 1
	}
	if o.ChunkFetchers == 0 {
		o.ChunkFetchers = 4
	}
	if o.RetryBudget == 0 {
		o.RetryBudget = 8
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 10 * time.Second
	}
	return nil
}

// Syncer drives state sync sessions. At most one session runs at a time; a
// session targets one checkpoint height and fetches its manifest and chunks
// from the peers that advertised the height. The reactor feeds inbound
// responses in via AddManifest/AddChunk.
type Syncer struct {
	logger  log.Logger
	metrics *Metrics
	options SyncerOptions

	store    *CheckpointStore
	verifier StateVerifier
	scores   PeerScoreFunc

	manifestCh *p2p.Channel
	chunkCh    *p2p.Channel

	mtx     sync.Mutex
	session *session
}

// NewSyncer creates a Syncer sending requests on the given channels.
func NewSyncer(
	logger log.Logger,
	metrics *Metrics,
	store *CheckpointStore,
	verifier StateVerifier,
	scores PeerScoreFunc,
	manifestCh, chunkCh *p2p.Channel,
	options SyncerOptions,
) (*Syncer, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	return &Syncer{
		logger:     logger,
		metrics:    metrics,
		options:    options,
		store:      store,
		verifier:   verifier,
		scores:     scores,
		manifestCh: manifestCh,
		chunkCh:    chunkCh,
	}, nil
}

// manifestReply and chunkReply carry inbound responses into a session.
type manifestReply struct {
	peer types.NodeID
	msg  *wire.ManifestResponse
}

type chunkReply struct {
	peer types.NodeID
	msg  *wire.ChunkResponse
}

// session is one sync attempt at a fixed target height.
type session struct {
	id     string
	target uint64
	ctx    context.Context
	cancel context.CancelFunc

	mtx       sync.Mutex
	sources   map[types.NodeID]bool
	reason    error
	manifests chan manifestReply
	pending   map[uint32]chan chunkReply
}

func newSession(ctx context.Context, target uint64, peer types.NodeID) *session {
	sctx, cancel := context.WithCancel(ctx)
	return &session{
		id:        uuid.NewString(),
		target:    target,
		ctx:       sctx,
		cancel:    cancel,
		sources:   map[types.NodeID]bool{peer: true},
		manifests: make(chan manifestReply, 4),
		pending:   make(map[uint32]chan chunkReply),
	}
}

func (sess *session) addSource(peer types.NodeID) {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	sess.sources[peer] = true
}

func (sess *session) removeSource(peer types.NodeID) {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	delete(sess.sources, peer)
}

func (sess *session) sourceList() []types.NodeID {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	peers := make([]types.NodeID, 0, len(sess.sources))
	for peer := range sess.sources {
		peers = append(peers, peer)
	}
	return peers
}

// abort records the cancellation reason and cancels the session context.
func (sess *session) abort(reason error) {
	sess.mtx.Lock()
	if sess.reason == nil {
		sess.reason = reason
	}
	sess.mtx.Unlock()
	sess.cancel()
}

func (sess *session) abortReason() error {
	sess.mtx.Lock()
	defer sess.mtx.Unlock()
	return sess.reason
}

// registerChunk installs a reply channel for a chunk index. Replies for
// unregistered indexes are dropped.
func (sess *session) registerChunk(index uint32) chan chunkReply {
	ch := make(chan chunkReply, 1)
	sess.mtx.Lock()
	sess.pending[index] = ch
	sess.mtx.Unlock()
	return ch
}

func (sess *session) unregisterChunk(index uint32) {
	sess.mtx.Lock()
	delete(sess.pending, index)
	sess.mtx.Unlock()
}

func (sess *session) deliverManifest(reply manifestReply) {
	select {
	case sess.manifests <- reply:
	default:
	}
}

func (sess *session) deliverChunk(reply chunkReply) {
	sess.mtx.Lock()
	ch, ok := sess.pending[reply.msg.Index]
	sess.mtx.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// OfferTarget reacts to a peer advertising a checkpoint at height. A session
// starts when the height sufficiently exceeds the local checkpoint and any
// running session's target; a running session with the same target gains the
// peer as an additional chunk source; a higher target supersedes the running
// session.
func (s *Syncer) OfferTarget(ctx context.Context, peer types.NodeID, height uint64) {
	local, _ := s.store.Height()
	if height < local+s.options.CatchUpThreshold {
		return
	}

	s.mtx.Lock()
	if cur := s.session; cur != nil {
		if height == cur.target {
			cur.addSource(peer)
			s.mtx.Unlock()
			return
		}
		if height < cur.target {
			s.mtx.Unlock()
			return
		}
		s.logger.Info("superseding session", "session", cur.id,
			"old_target", cur.target, "new_target", height)
		cur.abort(errSuperseded)
		s.metrics.SessionsSuperseded.Add(1)
	}
	sess := newSession(ctx, height, peer)
	s.session = sess
	s.mtx.Unlock()

	s.metrics.SessionsStarted.Add(1)
	s.logger.Info("starting state sync session", "session", sess.id,
		"target", height, "local", local, "peer", peer)
	go s.runSession(sess)
}

// AddManifest routes an inbound manifest response into the running session.
func (s *Syncer) AddManifest(peer types.NodeID, msg *wire.ManifestResponse) {
	s.mtx.Lock()
	sess := s.session
	s.mtx.Unlock()
	if sess == nil || msg.Height != sess.target {
		return
	}
	sess.deliverManifest(manifestReply{peer: peer, msg: msg})
}

// AddChunk routes an inbound chunk response into the running session.
func (s *Syncer) AddChunk(peer types.NodeID, msg *wire.ChunkResponse) {
	s.mtx.Lock()
	sess := s.session
	s.mtx.Unlock()
	if sess == nil || msg.Height != sess.target {
		return
	}
	sess.deliverChunk(chunkReply{peer: peer, msg: msg})
}

// PeerDown removes a departed peer from the running session's source set.
func (s *Syncer) PeerDown(peer types.NodeID) {
	s.mtx.Lock()
	sess := s.session
	s.mtx.Unlock()
	if sess != nil {
		sess.removeSource(peer)
	}
}

// Target returns the running session's target height, if any.
func (s *Syncer) Target() (uint64, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.session == nil {
		return 0, false
	}
	return s.session.target, true
}

func (s *Syncer) finishSession(sess *session) {
	s.mtx.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.mtx.Unlock()
	sess.cancel()
}

// runSession drives one session to completion: manifest, chunks, assembly,
// install, height advertisement.
func (s *Syncer) runSession(sess *session) {
	defer s.finishSession(sess)
	logger := s.logger.With("session", sess.id, "target", sess.target)

	manifest, err := s.fetchManifest(sess)
	if err != nil {
		s.logSessionFailure(logger, sess, "manifest", err)
		return
	}
	logger.Info("fetched manifest", "chunks", manifest.NumChunks())

	prev, _ := s.store.Data()
	queue := newChunkQueue(manifest, prev, s.store.ChunkSize(), s.options.RetryBudget)
	if reused := queue.Reused(); reused > 0 {
		s.metrics.ChunksReused.Add(float64(reused))
		logger.Info("reused chunks from previous checkpoint", "chunks", reused)
	}

	fctx, fcancel := context.WithCancel(sess.ctx)
	defer fcancel()
	g := taskgroup.New(taskgroup.Trigger(fcancel))
	for i := 0; i < s.options.ChunkFetchers; i++ {
		g.Go(func() error {
			return s.fetchChunks(fctx, sess, manifest, queue)
		})
	}
	if err := g.Wait(); err != nil {
		s.logSessionFailure(logger, sess, "chunks", err)
		return
	}

	data, err := queue.Assemble()
	if err != nil {
		s.metrics.SessionsAborted.Add(1)
		logger.Error("aborting session", "phase", "assembly", "err", err)
		return
	}
	if err := s.store.Save(manifest.Height, data); err != nil {
		s.metrics.SessionsAborted.Add(1)
		logger.Error("aborting session", "phase", "install", "err", err)
		return
	}

	s.metrics.SessionsCompleted.Add(1)
	s.metrics.SyncHeight.Set(float64(manifest.Height))
	logger.Info("state sync complete", "height", manifest.Height, "size", len(data))

	// Tell everyone about the new checkpoint so lagging peers can sync from
	// us.
	_ = s.manifestCh.Send(sess.ctx, p2p.Envelope{
		Broadcast: true,
		Message:   &wire.HeightAdvert{Height: manifest.Height},
	})
}

// logSessionFailure classifies a session failure: supersession is routine,
// shutdown is silent, anything else is an abort.
func (s *Syncer) logSessionFailure(logger log.Logger, sess *session, phase string, err error) {
	if reason := sess.abortReason(); errors.Is(reason, errSuperseded) {
		logger.Info("session superseded", "phase", phase)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.metrics.SessionsAborted.Add(1)
	logger.Error("aborting session", "phase", phase, "err", err)
}

// fetchManifest asks source peers for the target's manifest until one
// verifies against the certified state hash. Peers serving bad manifests are
// reported and skipped; running out of peers fails the session.
func (s *Syncer) fetchManifest(sess *session) (Manifest, error) {
	tried := map[types.NodeID]bool{}
	for {
		if err := sess.ctx.Err(); err != nil {
			return Manifest{}, err
		}

		var peer types.NodeID
		found := false
		for _, p := range sess.sourceList() {
			if !tried[p] {
				peer, found = p, true
				break
			}
		}
		if !found {
			return Manifest{}, errNoSources
		}
		tried[peer] = true

		if err := s.manifestCh.Send(sess.ctx, p2p.Envelope{
			To:      peer,
			Message: &wire.ManifestRequest{Height: sess.target},
		}); err != nil {
			return Manifest{}, err
		}

		manifest, err := s.awaitManifest(sess, peer)
		if err != nil {
			if sess.ctx.Err() != nil {
				return Manifest{}, sess.ctx.Err()
			}
			s.logger.Info("manifest fetch failed, trying next peer",
				"session", sess.id, "peer", peer, "err", err)
			continue
		}
		return manifest, nil
	}
}

// awaitManifest waits for a verified manifest from the given peer.
func (s *Syncer) awaitManifest(sess *session, peer types.NodeID) (Manifest, error) {
	timeout := time.After(s.options.RequestTimeout)
	for {
		select {
		case <-sess.ctx.Done():
			return Manifest{}, sess.ctx.Err()
		case <-timeout:
			return Manifest{}, fmt.Errorf("manifest request to %v timed out", peer)
		case reply := <-sess.manifests:
			if reply.peer != peer {
				continue
			}
			if len(reply.msg.ChunkHashes) == 0 {
				sess.removeSource(peer)
				return Manifest{}, fmt.Errorf("peer %v does not hold checkpoint %d", peer, sess.target)
			}
			manifest := Manifest{
				Height:      reply.msg.Height,
				RootHash:    reply.msg.RootHash,
				ChunkHashes: reply.msg.ChunkHashes,
			}
			if err := manifest.Validate(); err != nil {
				s.rejectManifest(sess, peer, err)
				return Manifest{}, err
			}
			if err := s.verifier.VerifyStateHash(sess.target, manifest.RootHash); err != nil {
				s.rejectManifest(sess, peer, err)
				return Manifest{}, err
			}
			return manifest, nil
		}
	}
}

// rejectManifest penalizes a peer that served an unverifiable manifest and
// drops it as a source.
func (s *Syncer) rejectManifest(sess *session, peer types.NodeID, err error) {
	sess.removeSource(peer)
	_ = s.manifestCh.SendError(sess.ctx, p2p.PeerError{
		NodeID: peer,
		Err:    fmt.Errorf("manifest for height %d rejected: %w", sess.target, err),
	})
}

// fetchChunks is one fetcher worker: it pulls chunk assignments off the
// queue until every chunk is verified or the session fails.
func (s *Syncer) fetchChunks(ctx context.Context, sess *session, manifest Manifest, queue *chunkQueue) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		index, ok := queue.Allocate()
		if !ok {
			if queue.Done() {
				return nil
			}
			// Other fetchers still have chunks in flight; one of them may
			// fail and requeue.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		if err := s.fetchChunk(ctx, sess, manifest, queue, index); err != nil {
			return err
		}
	}
}

// fetchChunk requests one chunk from a weighted-random eligible source and
// verifies the reply. Failures requeue the chunk against the shared retry
// budget.
func (s *Syncer) fetchChunk(ctx context.Context, sess *session, manifest Manifest, queue *chunkQueue, index int) error {
	peer, ok := s.pickSource(sess, queue, index)
	if !ok {
		return errNoSources
	}

	replyCh := sess.registerChunk(uint32(index))
	defer sess.unregisterChunk(uint32(index))

	if err := s.chunkCh.Send(ctx, p2p.Envelope{
		To:      peer,
		Message: &wire.ChunkRequest{Height: manifest.Height, Index: uint32(index)},
	}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.options.RequestTimeout):
		s.metrics.ChunksRefetched.Add(1)
		s.logger.Info("chunk request timed out", "session", sess.id, "chunk", index, "peer", peer)
		return queue.Fail(index, peer)
	case reply := <-replyCh:
		if reply.msg.Missing {
			s.metrics.ChunksRefetched.Add(1)
			s.logger.Info("peer cannot serve chunk", "session", sess.id, "chunk", index, "peer", reply.peer)
			return queue.Fail(index, reply.peer)
		}
		err := queue.Deliver(index, reply.peer, reply.msg.Chunk)
		if errors.Is(err, errChunkMismatch) {
			s.metrics.ChunksRefetched.Add(1)
			_ = s.chunkCh.SendError(ctx, p2p.PeerError{
				NodeID: reply.peer,
				Err:    fmt.Errorf("chunk %d of checkpoint %d: %w", index, manifest.Height, err),
			})
			return nil
		}
		if err != nil {
			return err
		}
		s.metrics.ChunksFetched.Add(1)
		return nil
	}
}

// pickSource chooses a source peer for a chunk, weighted by peer score, over
// the sources that have not failed this chunk before.
func (s *Syncer) pickSource(sess *session, queue *chunkQueue, index int) (types.NodeID, bool) {
	var eligible []types.NodeID
	for _, peer := range sess.sourceList() {
		if queue.Eligible(index, peer) {
			eligible = append(eligible, peer)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}
	if len(eligible) == 1 {
		return eligible[0], true
	}

	var scores map[types.NodeID]int64
	if s.scores != nil {
		scores = s.scores()
	}
	var min int64
	for _, peer := range eligible {
		if sc := scores[peer]; sc < min {
			min = sc
		}
	}
	choices := make([]weightedrand.Choice, len(eligible))
	for i, peer := range eligible {
		// Shift so the lowest score still gets weight 1.
		choices[i] = weightedrand.NewChoice(peer, uint(scores[peer]-min+1))
	}
	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return eligible[0], true
	}
	return chooser.Pick().(types.NodeID), true
}
