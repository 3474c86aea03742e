package gossip

import (
	"sync"
	"time"

	"github.com/Lildeebo2002/ic/types"
)

// DownloadState is the state of an artifact download.
//
// An artifact may be advertised by multiple peers, but at most one fetch is
// in flight globally per artifact, and per (artifact, peer) pair at most one
// request is ever outstanding. Validated is terminal and idempotent across
// peers: the first validator wins, later deliveries are discarded by
// identifier check.
type DownloadState int

const (
	DownloadStateUnknown DownloadState = iota
	DownloadStateAdvertised
	DownloadStateRequested
	DownloadStateDownloading
	DownloadStateValidated
	DownloadStateAbandoned
)

func (s DownloadState) String() string {
	switch s {
	case DownloadStateAdvertised:
		return "advertised"
	case DownloadStateRequested:
		return "requested"
	case DownloadStateDownloading:
		return "downloading"
	case DownloadStateValidated:
		return "validated"
	case DownloadStateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// download tracks one artifact across all peers that advertised it.
type download struct {
	advert   types.Advert
	state    DownloadState
	peers    map[types.NodeID]bool // advertisers
	tried    map[types.NodeID]bool // peers a request has been sent to
	current  types.NodeID          // peer with the outstanding request
	attempts int
	deadline time.Time
}

// downloadTable tracks download state per artifact. It is the shared mutable
// core of the distribution manager; the scheduler and the reactor touch it
// only through its methods, which hold the table lock.
type downloadTable struct {
	mtx       sync.Mutex
	downloads map[types.ArtifactID]*download

	// validated remembers terminal artifacts after their entry is pruned,
	// so late duplicate adverts stay cheap to ignore.
	validated map[types.ArtifactID]bool
}

func newDownloadTable() *downloadTable {
	return &downloadTable{
		downloads: make(map[types.ArtifactID]*download),
		validated: make(map[types.ArtifactID]bool),
	}
}

// AddAdvert registers an advert from a peer. It returns true if this makes
// the artifact newly eligible for scheduling. Duplicate adverts, adverts for
// validated artifacts and adverts for artifacts already in flight just
// register the extra peer and return false.
func (t *downloadTable) AddAdvert(peer types.NodeID, advert types.Advert) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.validated[advert.ID] {
		return false
	}

	d, ok := t.downloads[advert.ID]
	if !ok {
		d = &download{
			advert: advert,
			state:  DownloadStateAdvertised,
			peers:  map[types.NodeID]bool{},
			tried:  map[types.NodeID]bool{},
		}
		t.downloads[advert.ID] = d
		d.peers[peer] = true
		return true
	}

	if d.state == DownloadStateAbandoned {
		// A fresh advertiser revives an abandoned artifact.
		d.state = DownloadStateAdvertised
		d.peers[peer] = true
		return true
	}

	d.peers[peer] = true
	return false
}

// NextRequest selects the highest-priority advertised artifact that has an
// untried advertiser accepted by eligible, marks it requested against that
// peer, and returns it. It returns false if nothing is schedulable.
func (t *downloadTable) NextRequest(
	priority PriorityFunc,
	eligible func(types.NodeID) bool,
) (types.Advert, types.NodeID, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var (
		best     *download
		bestPeer types.NodeID
	)
	for _, d := range t.downloads {
		if d.state != DownloadStateAdvertised {
			continue
		}
		peer, ok := t.pickPeerLocked(d, eligible)
		if !ok {
			continue
		}
		if best == nil || priority(d.advert, best.advert) {
			best, bestPeer = d, peer
		}
	}
	if best == nil {
		return types.Advert{}, "", false
	}

	best.state = DownloadStateRequested
	best.current = bestPeer
	best.tried[bestPeer] = true
	best.attempts++
	return best.advert, bestPeer, true
}

// pickPeerLocked returns an eligible advertiser that has not been tried yet,
// or any eligible advertiser once all have been tried (retry round).
func (t *downloadTable) pickPeerLocked(d *download, eligible func(types.NodeID) bool) (types.NodeID, bool) {
	var fallback types.NodeID
	for peer := range d.peers {
		if !eligible(peer) {
			continue
		}
		if !d.tried[peer] {
			return peer, true
		}
		fallback = peer
	}
	if fallback != "" {
		return fallback, true
	}
	return "", false
}

// MarkDownloading records that the request for the artifact was sent and a
// payload transfer is under way, setting its deadline.
func (t *downloadTable) MarkDownloading(id types.ArtifactID, deadline time.Time) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if d, ok := t.downloads[id]; ok && d.state == DownloadStateRequested {
		d.state = DownloadStateDownloading
		d.deadline = deadline
	}
}

// Validated marks the artifact validated and prunes its entry. It returns
// true if the artifact had an in-flight download (i.e. a concurrency slot is
// now free).
func (t *downloadTable) Validated(id types.ArtifactID) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.validated[id] = true
	d, ok := t.downloads[id]
	if !ok {
		return false
	}
	delete(t.downloads, id)
	return d.state == DownloadStateRequested || d.state == DownloadStateDownloading
}

// Rejected records a failed validation from a peer. The offending peer is
// removed from the advertiser set; if the peer held the outstanding request,
// the artifact returns to advertised if other advertisers remain, else it is
// abandoned. It returns the new state and whether an in-flight slot was
// freed.
//
// Only the peer the request is outstanding against may settle the fetch: a
// late response from a timed-out peer, or an unsolicited one, must not free
// the slot or re-open scheduling while the real request is still pending.
func (t *downloadTable) Rejected(id types.ArtifactID, peer types.NodeID) (DownloadState, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	d, ok := t.downloads[id]
	if !ok {
		return DownloadStateUnknown, false
	}

	delete(d.peers, peer)
	if peer != d.current {
		if len(d.peers) == 0 && d.current == "" && d.state == DownloadStateAdvertised {
			d.state = DownloadStateAbandoned
		}
		return d.state, false
	}

	freed := d.state == DownloadStateRequested || d.state == DownloadStateDownloading
	d.current = ""
	if len(d.peers) == 0 {
		d.state = DownloadStateAbandoned
	} else {
		d.state = DownloadStateAdvertised
	}
	return d.state, freed
}

// Expired returns the artifacts whose download deadline has passed,
// transitioning each back to advertised if its retry budget remains, else
// to abandoned. The returned slots count is the number of freed in-flight
// slots; expired lists the artifact with the peer the request was
// outstanding against.
type expiredDownload struct {
	ID        types.ArtifactID
	Peer      types.NodeID
	Abandoned bool
}

func (t *downloadTable) Expired(now time.Time, maxAttempts int) []expiredDownload {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var expired []expiredDownload
	for id, d := range t.downloads {
		if d.state != DownloadStateDownloading || now.Before(d.deadline) {
			continue
		}
		e := expiredDownload{ID: id, Peer: d.current}
		d.current = ""
		if d.attempts >= maxAttempts {
			d.state = DownloadStateAbandoned
			e.Abandoned = true
		} else {
			d.state = DownloadStateAdvertised
		}
		expired = append(expired, e)
	}
	return expired
}

// PeerDisconnected removes the peer from all advertiser sets. Outstanding
// requests against it return to advertised; artifacts left with no
// advertisers are dropped entirely (a future advert recreates them). It
// returns the number of freed in-flight slots.
func (t *downloadTable) PeerDisconnected(peer types.NodeID) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	freed := 0
	for id, d := range t.downloads {
		if !d.peers[peer] {
			continue
		}
		delete(d.peers, peer)
		if d.current == peer {
			if d.state == DownloadStateRequested || d.state == DownloadStateDownloading {
				freed++
			}
			d.current = ""
			d.state = DownloadStateAdvertised
		}
		if len(d.peers) == 0 && d.state == DownloadStateAdvertised {
			delete(t.downloads, id)
		}
	}
	return freed
}

// State returns the download state of an artifact.
func (t *downloadTable) State(id types.ArtifactID) DownloadState {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.validated[id] {
		return DownloadStateValidated
	}
	if d, ok := t.downloads[id]; ok {
		return d.state
	}
	return DownloadStateUnknown
}

// CurrentPeer returns the peer an in-flight request is outstanding against.
func (t *downloadTable) CurrentPeer(id types.ArtifactID) (types.NodeID, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	d, ok := t.downloads[id]
	if !ok || d.current == "" {
		return "", false
	}
	return d.current, true
}

// Pending returns the number of artifacts awaiting scheduling.
func (t *downloadTable) Pending() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	n := 0
	for _, d := range t.downloads {
		if d.state == DownloadStateAdvertised {
			n++
		}
	}
	return n
}
