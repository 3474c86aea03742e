package gossip

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Lildeebo2002/ic/libs/log"
	tmsync "github.com/Lildeebo2002/ic/libs/sync"
	"github.com/Lildeebo2002/ic/types"
)

// request is a scheduled artifact fetch, to be sent to a peer.
type request struct {
	ID   types.ArtifactID
	Peer types.NodeID
}

// scheduler decides which advertised artifact to fetch next from whom,
// subject to a global concurrent-download bound and a per-peer in-flight
// cap. It owns the download table's scheduling transitions; the reactor
// feeds it adverts and outcomes and consumes scheduled requests.
type scheduler struct {
	logger  log.Logger
	metrics *Metrics

	table    *downloadTable
	priority PriorityFunc

	// Global concurrency slots. A slot is held from the moment a request
	// is scheduled until its download reaches a terminal or retriable
	// outcome.
	slots *semaphore.Weighted

	perPeerMax     int
	requestTimeout time.Duration
	maxAttempts    int

	wake *tmsync.Waker

	mtx      sync.Mutex
	inflight map[types.NodeID]int

	requestsCh chan request
}

func newScheduler(
	logger log.Logger,
	metrics *Metrics,
	priority PriorityFunc,
	maxConcurrent int64,
	perPeerMax int,
	requestTimeout time.Duration,
	maxAttempts int,
) *scheduler {
	return &scheduler{
		logger:         logger,
		metrics:        metrics,
		table:          newDownloadTable(),
		priority:       priority,
		slots:          semaphore.NewWeighted(maxConcurrent),
		perPeerMax:     perPeerMax,
		requestTimeout: requestTimeout,
		maxAttempts:    maxAttempts,
		wake:           tmsync.NewWaker(),
		inflight:       map[types.NodeID]int{},
		requestsCh:     make(chan request),
	}
}

// Requests returns the stream of scheduled fetches. The reactor sends each
// request to its peer.
func (s *scheduler) Requests() <-chan request { return s.requestsCh }

// OnAdvert registers an advert and wakes the scheduling loop if the
// artifact became schedulable.
func (s *scheduler) OnAdvert(peer types.NodeID, advert types.Advert) {
	if s.table.AddAdvert(peer, advert) {
		s.wake.Wake()
	}
}

// OnValidated marks an artifact validated, freeing its slot. It returns the
// peer the download was in flight against, if any.
func (s *scheduler) OnValidated(id types.ArtifactID) (types.NodeID, bool) {
	peer, inFlight := s.table.CurrentPeer(id)
	if s.table.Validated(id) {
		s.releaseSlot(peer)
		s.wake.Wake()
	}
	return peer, inFlight
}

// OnRejected records a failed validation from a peer, freeing the slot and
// making the artifact schedulable against its remaining advertisers.
func (s *scheduler) OnRejected(id types.ArtifactID, peer types.NodeID) DownloadState {
	state, freed := s.table.Rejected(id, peer)
	if freed {
		s.releaseSlot(peer)
	}
	if state == DownloadStateAdvertised {
		s.wake.Wake()
	}
	return state
}

// OnPeerDown cancels all outstanding work against a departed peer and
// returns its artifacts to the schedulable set.
func (s *scheduler) OnPeerDown(peer types.NodeID) {
	freed := s.table.PeerDisconnected(peer)
	for i := 0; i < freed; i++ {
		s.releaseSlot(peer)
	}
	if freed > 0 {
		s.wake.Wake()
	}
}

// State exposes an artifact's download state, for idempotency checks.
func (s *scheduler) State(id types.ArtifactID) DownloadState {
	return s.table.State(id)
}

// Pending returns the number of artifacts awaiting scheduling.
func (s *scheduler) Pending() int {
	return s.table.Pending()
}

func (s *scheduler) releaseSlot(peer types.NodeID) {
	s.slots.Release(1)
	s.metrics.DownloadsInFlight.Add(-1)
	if peer == "" {
		return
	}
	s.mtx.Lock()
	if s.inflight[peer] > 0 {
		s.inflight[peer]--
	}
	s.mtx.Unlock()
}

func (s *scheduler) peerEligible(peer types.NodeID) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.inflight[peer] < s.perPeerMax
}

// run is the scheduling loop: it expires overdue downloads, then issues as
// many requests as concurrency slots allow, then sleeps until woken by a new
// advert or a freed slot, or until the next expiry tick.
func (s *scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.requestTimeout / 2)
	defer ticker.Stop()

	for {
		s.expire()
		if err := s.schedule(ctx); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake.Sleep():
		}
	}
}

// expire times out overdue downloads. Timed-out artifacts with retry budget
// left return to the schedulable set (eligible against a different peer, or
// the same one if it is the only advertiser); exhausted ones are abandoned
// and logged.
func (s *scheduler) expire() {
	for _, e := range s.table.Expired(time.Now(), s.maxAttempts) {
		s.releaseSlot(e.Peer)
		s.metrics.DownloadsTimedOut.Add(1)
		if e.Abandoned {
			s.metrics.DownloadsAbandoned.Add(1)
			s.logger.Error("abandoning artifact download, retry budget exhausted",
				"artifact", e.ID, "last_peer", e.Peer)
		} else {
			s.logger.Debug("download timed out, rescheduling", "artifact", e.ID, "peer", e.Peer)
		}
	}
}

func (s *scheduler) schedule(ctx context.Context) error {
	for {
		if !s.slots.TryAcquire(1) {
			return nil
		}

		advert, peer, ok := s.table.NextRequest(s.priority, s.peerEligible)
		if !ok {
			s.slots.Release(1)
			return nil
		}

		s.mtx.Lock()
		s.inflight[peer]++
		s.mtx.Unlock()

		s.table.MarkDownloading(advert.ID, time.Now().Add(s.requestTimeout))
		s.metrics.DownloadsInFlight.Add(1)

		select {
		case s.requestsCh <- request{ID: advert.ID, Peer: peer}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
