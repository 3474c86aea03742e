package p2p

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	tmsync "github.com/Lildeebo2002/ic/libs/sync"
	"github.com/Lildeebo2002/ic/types"
)

const (
	// retryNever is returned by retryDelay() when retries are disabled.
	retryNever time.Duration = math.MaxInt64
)

// PeerStatus is a peer status.
//
// The peer manager has many more internal states for a peer (e.g. dialing,
// connected, evicting, and so on), which are tracked separately. PeerStatus
// is for external use outside of the peer manager.
type PeerStatus string

const (
	PeerStatusUp   PeerStatus = "up"   // connected and ready
	PeerStatusDown PeerStatus = "down" // disconnected
)

// PeerScore is a numeric score assigned to a peer (higher is better).
type PeerScore int16

const (
	// minEvictionScore is the score at or below which a connected peer is
	// scheduled for eviction.
	minEvictionScore PeerScore = -10
)

// PeerUpdate is a peer update event sent via PeerUpdates.
type PeerUpdate struct {
	NodeID types.NodeID
	Status PeerStatus
}

// PeerUpdates is a peer update subscription with notifications about peer
// events (currently just status changes).
type PeerUpdates struct {
	updatesCh chan PeerUpdate
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewPeerUpdates creates a new PeerUpdates subscription. It is primarily for
// internal use, callers should typically use PeerManager.Subscribe(). The
// subscriber must call Close() when done.
func NewPeerUpdates(updatesCh chan PeerUpdate) *PeerUpdates {
	return &PeerUpdates{
		updatesCh: updatesCh,
		closeCh:   make(chan struct{}),
	}
}

// Updates returns a channel for consuming peer updates.
func (pu *PeerUpdates) Updates() <-chan PeerUpdate { return pu.updatesCh }

// Close closes the peer updates subscription.
func (pu *PeerUpdates) Close() {
	pu.closeOnce.Do(func() {
		close(pu.closeCh)
	})
}

// Done returns a channel that is closed when the subscription is closed.
func (pu *PeerUpdates) Done() <-chan struct{} { return pu.closeCh }

// PeerManagerOptions specifies options for a PeerManager.
type PeerManagerOptions struct {
	// MaxPeers is the maximum number of peers to track information about,
	// i.e. store in the peer store. When exceeded, the lowest-scored
	// disconnected peers will be deleted. 0 means no limit.
	MaxPeers uint16

	// MaxConnected is the maximum number of connected peers (inbound and
	// outbound). 0 means no limit.
	MaxConnected uint16

	// MinRetryTime is the minimum time to wait between retries. Retry times
	// grow linearly with the failure count, up to MaxRetryTime. 0 disables
	// retries.
	MinRetryTime time.Duration

	// MaxRetryTime is the maximum time to wait between retries. 0 means
	// no maximum, in which case the retry time will keep doubling.
	MaxRetryTime time.Duration

	// RetryTimeJitter is the upper bound of a random interval added to
	// retry times, to avoid thundering herds. 0 disables jitter.
	RetryTimeJitter time.Duration
}

// Validate validates the options.
func (o *PeerManagerOptions) Validate() error {
	if o.MaxPeers > 0 && o.MaxConnected > o.MaxPeers {
		return fmt.Errorf("MaxConnected %d can't exceed MaxPeers %d", o.MaxConnected, o.MaxPeers)
	}
	if o.MaxRetryTime > 0 {
		if o.MinRetryTime == 0 {
			return errors.New("can't set MaxRetryTime without MinRetryTime")
		}
		if o.MinRetryTime > o.MaxRetryTime {
			return fmt.Errorf("MinRetryTime %v is greater than MaxRetryTime %v", o.MinRetryTime, o.MaxRetryTime)
		}
	}
	return nil
}

// PeerManager manages peer lifecycle information, using a peerStore for
// underlying storage. Its primary purpose is to determine which peer to
// connect to next (including retry timers), make sure a peer only has a
// single active connection, and evict peers removed from the membership or
// observed to misbehave.
//
// The peer manager does not actually establish connections itself; the
// Router and Transport do, with the peer manager as the arbiter:
//
//   - DialNext: returns a peer address to dial, if appropriate.
//   - Dialed/DialFailed: report the outcome of a dial attempt.
//   - Accepted: report an inbound connection.
//   - Ready: report that a connection is fully set up (post-handshake).
//   - Disconnected: report a closed connection.
//   - Errored: report a peer error, lowering the peer's score.
//   - EvictNext: returns a connected peer to disconnect, if appropriate.
//
// Membership reconciliation is driven externally via Reconcile(), which
// supplies the authoritative peer set: new addresses are added to the store,
// departed peers are removed and their connections evicted.
type PeerManager struct {
	selfID     types.NodeID
	options    PeerManagerOptions
	rand       *rand.Rand
	dialWaker  *tmsync.Waker // wakes up DialNext() on relevant peer changes
	evictWaker *tmsync.Waker // wakes up EvictNext() on relevant peer changes

	mtx           sync.Mutex
	store         *peerStore
	subscriptions map[*PeerUpdates]*PeerUpdates   // keyed by struct identity
	dialing       map[types.NodeID]bool           // peers being dialed (DialNext → Dialed/DialFailed)
	connected     map[types.NodeID]bool           // connected peers (Dialed/Accepted → Disconnected)
	ready         map[types.NodeID]bool           // ready peers (Ready → Disconnected)
	evict         map[types.NodeID]bool           // peers scheduled for eviction (Errored → EvictNext)
	evicting      map[types.NodeID]bool           // peers being evicted (EvictNext → Disconnected)
	member        map[types.NodeID]bool           // current membership set (Reconcile)
}

// NewPeerManager creates a new peer manager backed by the given database.
func NewPeerManager(selfID types.NodeID, peerDB dbm.DB, options PeerManagerOptions) (*PeerManager, error) {
	if selfID == "" {
		return nil, errors.New("self ID not given")
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}

	store, err := newPeerStore(peerDB)
	if err != nil {
		return nil, err
	}

	peerManager := &PeerManager{
		selfID:     selfID,
		options:    options,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		dialWaker:  tmsync.NewWaker(),
		evictWaker: tmsync.NewWaker(),

		store:         store,
		subscriptions: map[*PeerUpdates]*PeerUpdates{},
		dialing:       map[types.NodeID]bool{},
		connected:     map[types.NodeID]bool{},
		ready:         map[types.NodeID]bool{},
		evict:         map[types.NodeID]bool{},
		evicting:      map[types.NodeID]bool{},
		member:        map[types.NodeID]bool{},
	}

	// Assume stored peers are members until the first reconcile says
	// otherwise, so a restarting node can redial immediately.
	for _, peer := range store.List() {
		peerManager.member[peer.ID] = true
	}
	return peerManager, nil
}

// Add adds a peer address to the peer store. Returns true if a new address
// was added.
func (m *PeerManager) Add(address NodeAddress) (bool, error) {
	if err := address.Validate(); err != nil {
		return false, err
	}
	if address.NodeID == m.selfID {
		return false, fmt.Errorf("can't add self (%v) to peer store", m.selfID)
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	added, err := m.addLocked(address)
	if err != nil {
		return false, err
	}
	if added {
		m.dialWaker.Wake()
	}
	return added, nil
}

func (m *PeerManager) addLocked(address NodeAddress) (bool, error) {
	peer, ok := m.store.Get(address.NodeID)
	if !ok {
		peer = peerInfo{ID: address.NodeID, AddressInfo: map[string]*peerAddressInfo{}}
	}
	addr := address.String()
	if _, ok := peer.AddressInfo[addr]; ok {
		return false, nil
	}
	peer.AddressInfo[addr] = &peerAddressInfo{Address: address}
	m.member[address.NodeID] = true
	if err := m.store.Set(peer); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile applies the authoritative membership-derived peer set. New
// addresses are added; peers absent from the set are removed from the store
// and, if connected, scheduled for eviction. This is the §4.1 reconcile:
// connection churn from membership changes is observable to dependents via
// the resulting peer updates.
func (m *PeerManager) Reconcile(addresses []NodeAddress) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	desired := map[types.NodeID]bool{}
	for _, address := range addresses {
		if address.NodeID == m.selfID {
			continue
		}
		if _, err := m.addLocked(address); err != nil {
			return err
		}
		desired[address.NodeID] = true
	}

	for _, peer := range m.store.List() {
		if desired[peer.ID] {
			continue
		}
		delete(m.member, peer.ID)
		if err := m.store.Delete(peer.ID); err != nil {
			return err
		}
		if m.connected[peer.ID] {
			m.evict[peer.ID] = true
		}
	}

	m.dialWaker.Wake()
	m.evictWaker.Wake()
	return nil
}

// Members returns the node IDs of the current membership set.
func (m *PeerManager) Members() []types.NodeID {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	ids := make([]types.NodeID, 0, len(m.member))
	for id := range m.member {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// DialNext finds an appropriate peer address to dial, and marks it as
// dialing. If no peer is found, it blocks until one becomes available or the
// context is canceled.
func (m *PeerManager) DialNext(ctx context.Context) (NodeAddress, error) {
	for {
		if address := m.TryDialNext(); (address != NodeAddress{}) {
			return address, nil
		}
		select {
		case <-m.dialWaker.Sleep():
		case <-ctx.Done():
			return NodeAddress{}, ctx.Err()
		}
	}
}

// TryDialNext is equivalent to DialNext(), but immediately returns an empty
// address if no peers or connection slots are available.
func (m *PeerManager) TryDialNext() NodeAddress {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	// We allow dialing MaxConnected peers, no more.
	if m.options.MaxConnected > 0 &&
		len(m.connected)+len(m.dialing) >= int(m.options.MaxConnected) {
		return NodeAddress{}
	}

	for _, peer := range m.store.Ranked() {
		if m.dialing[peer.ID] || m.connected[peer.ID] || !m.member[peer.ID] {
			continue
		}

		for _, addressInfo := range peer.AddressInfo {
			if time.Since(addressInfo.LastDialFailure) < m.retryDelay(addressInfo.DialFailures) {
				continue
			}
			m.dialing[peer.ID] = true
			return addressInfo.Address
		}
	}
	return NodeAddress{}
}

// DialFailed reports a failed dial attempt. This will make the peer
// available for dialing again when appropriate (possibly after a retry
// timeout).
func (m *PeerManager) DialFailed(ctx context.Context, address NodeAddress) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.dialing, address.NodeID)

	peer, ok := m.store.Get(address.NodeID)
	if !ok { // Peer may have been removed while dialing, ignore.
		return nil
	}
	addressInfo, ok := peer.AddressInfo[address.String()]
	if !ok {
		return nil
	}
	addressInfo.LastDialFailure = time.Now().UTC()
	addressInfo.DialFailures++
	if err := m.store.Set(peer); err != nil {
		return err
	}

	// We spawn a goroutine that notifies DialNext() again when the retry
	// timeout elapses, so that we can consider dialing it again.
	delay := m.retryDelay(addressInfo.DialFailures)
	if delay != retryNever {
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				m.dialWaker.Wake()
			case <-ctx.Done():
			}
		}()
	} else {
		m.dialWaker.Wake()
	}
	return nil
}

// Dialed marks a peer as successfully dialed. Any further connections will
// be rejected, and two peers that dial each other may end up with duplicate
// connections, in which case one of them is rejected by the router.
func (m *PeerManager) Dialed(address NodeAddress) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	delete(m.dialing, address.NodeID)

	if address.NodeID == m.selfID {
		return fmt.Errorf("rejecting connection to self (%v)", address.NodeID)
	}
	if m.connected[address.NodeID] {
		return fmt.Errorf("peer %v is already connected", address.NodeID)
	}
	if m.options.MaxConnected > 0 && len(m.connected) >= int(m.options.MaxConnected) {
		return fmt.Errorf("already connected to maximum number of peers")
	}
	if !m.member[address.NodeID] {
		return fmt.Errorf("peer %v is not a member", address.NodeID)
	}

	peer, ok := m.store.Get(address.NodeID)
	if !ok {
		return fmt.Errorf("peer %q was removed while dialing", address.NodeID)
	}
	now := time.Now().UTC()
	peer.LastConnected = now
	if addressInfo, ok := peer.AddressInfo[address.String()]; ok {
		addressInfo.DialFailures = 0
		addressInfo.LastDialSuccess = now
	}
	if err := m.store.Set(peer); err != nil {
		return err
	}

	m.connected[peer.ID] = true
	m.evictWaker.Wake()
	return nil
}

// Accepted marks an incoming peer connection successfully accepted. If the
// peer is already connected, or not a member, this will return an error.
//
// If the connection is accepted, an outgoing connection to the same peer
// that is being dialed may be rejected when Dialed is called for it.
func (m *PeerManager) Accepted(peerID types.NodeID) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if peerID == m.selfID {
		return fmt.Errorf("rejecting connection from self (%v)", peerID)
	}
	if m.connected[peerID] {
		return fmt.Errorf("peer %q is already connected", peerID)
	}
	if m.options.MaxConnected > 0 && len(m.connected) >= int(m.options.MaxConnected) {
		return fmt.Errorf("already connected to maximum number of peers")
	}
	if !m.member[peerID] {
		return fmt.Errorf("peer %v is not a member", peerID)
	}

	peer, ok := m.store.Get(peerID)
	if !ok {
		// Inbound connection from a member we have no address for yet.
		peer = peerInfo{ID: peerID, AddressInfo: map[string]*peerAddressInfo{}}
	}
	peer.LastConnected = time.Now().UTC()
	if err := m.store.Set(peer); err != nil {
		return err
	}

	m.connected[peerID] = true
	return nil
}

// Ready marks a peer as ready, broadcasting status updates to subscribers.
// The peer must already be marked as connected. This is separate from Dialed
// and Accepted to allow the router to set up the connection (e.g. open
// channels) first.
func (m *PeerManager) Ready(ctx context.Context, peerID types.NodeID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.connected[peerID] {
		m.ready[peerID] = true
		m.broadcast(ctx, PeerUpdate{NodeID: peerID, Status: PeerStatusUp})
	}
}

// EvictNext returns the next peer to evict (i.e. disconnect), or blocks
// until one becomes available or the context is canceled.
func (m *PeerManager) EvictNext(ctx context.Context) (types.NodeID, error) {
	for {
		if id, err := m.TryEvictNext(); err != nil || id != "" {
			return id, err
		}
		select {
		case <-m.evictWaker.Sleep():
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// TryEvictNext is equivalent to EvictNext, but immediately returns an empty
// ID if no evictable peers are found.
func (m *PeerManager) TryEvictNext() (types.NodeID, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for peerID := range m.evict {
		delete(m.evict, peerID)
		if m.connected[peerID] && !m.evicting[peerID] {
			m.evicting[peerID] = true
			return peerID, nil
		}
	}
	return "", nil
}

// Disconnected unmarks a peer as connected, allowing it to be dialed or
// accepted again as appropriate.
func (m *PeerManager) Disconnected(ctx context.Context, peerID types.NodeID) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	ready := m.ready[peerID]

	delete(m.connected, peerID)
	delete(m.ready, peerID)
	delete(m.evict, peerID)
	delete(m.evicting, peerID)

	if ready {
		m.broadcast(ctx, PeerUpdate{NodeID: peerID, Status: PeerStatusDown})
	}
	m.dialWaker.Wake()
}

// Errored reports a peer error, such as a protocol violation. The peer's
// score is lowered; at or below the eviction threshold the peer is
// scheduled for eviction.
func (m *PeerManager) Errored(peerID types.NodeID, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	peer, ok := m.store.Get(peerID)
	if ok {
		peer.MutableScore--
		_ = m.store.Set(peer)
	}

	if m.connected[peerID] && (!ok || peer.Score() <= minEvictionScore) {
		m.evict[peerID] = true
		m.evictWaker.Wake()
	}
}

// Subscribe subscribes to peer updates. The caller must consume the peer
// updates in a timely fashion, since delivery is guaranteed and can block
// delivery of other updates.
func (m *PeerManager) Subscribe(ctx context.Context) *PeerUpdates {
	peerUpdates := NewPeerUpdates(make(chan PeerUpdate, 1))
	m.Register(ctx, peerUpdates)
	return peerUpdates
}

// Register allows you to inject a custom PeerUpdates instance into the
// PeerManager, rather than relying on the instance constructed by
// Subscribe().
func (m *PeerManager) Register(ctx context.Context, peerUpdates *PeerUpdates) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.subscriptions[peerUpdates] = peerUpdates

	go func() {
		select {
		case <-peerUpdates.Done():
		case <-ctx.Done():
		}
		m.mtx.Lock()
		defer m.mtx.Unlock()
		delete(m.subscriptions, peerUpdates)
	}()
}

// broadcast broadcasts a peer update to all subscriptions. The caller must
// already hold the mutex lock, to make sure updates are sent in the same
// order as the PeerManager processes them.
func (m *PeerManager) broadcast(ctx context.Context, peerUpdate PeerUpdate) {
	for _, sub := range m.subscriptions {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
		case sub.updatesCh <- peerUpdate:
		}
	}
}

// Addresses returns all known addresses for a peer, primarily for testing.
func (m *PeerManager) Addresses(peerID types.NodeID) []NodeAddress {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	addresses := []NodeAddress{}
	if peer, ok := m.store.Get(peerID); ok {
		for _, addressInfo := range peer.AddressInfo {
			addresses = append(addresses, addressInfo.Address)
		}
	}
	return addresses
}

// Peers returns all known peers, primarily for testing. The returned list
// is in arbitrary order.
func (m *PeerManager) Peers() []types.NodeID {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	peers := []types.NodeID{}
	for _, peer := range m.store.List() {
		peers = append(peers, peer.ID)
	}
	return peers
}

// Scores returns the peer scores for all known peers.
func (m *PeerManager) Scores() map[types.NodeID]PeerScore {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	scores := map[types.NodeID]PeerScore{}
	for _, peer := range m.store.List() {
		scores[peer.ID] = peer.Score()
	}
	return scores
}

// Status returns the status for a peer, primarily for testing.
func (m *PeerManager) Status(id types.NodeID) PeerStatus {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.ready[id] {
		return PeerStatusUp
	}
	return PeerStatusDown
}

// retryDelay calculates a dial retry delay based on the failure counter:
//
//	min(minInterval * failures, maxInterval) + jitter
//
// 0 disables retries.
func (m *PeerManager) retryDelay(failures uint32) time.Duration {
	if failures == 0 {
		return 0
	}
	if m.options.MinRetryTime == 0 {
		return retryNever
	}

	maxDelay := m.options.MaxRetryTime

	delay := m.options.MinRetryTime * time.Duration(failures)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if m.options.RetryTimeJitter > 0 {
		delay += time.Duration(m.rand.Int63n(int64(m.options.RetryTimeJitter)))
	}
	return delay
}

// peerStore stores information about peers. It is not thread-safe, assuming
// it is only used by PeerManager which handles concurrency control. This
// allows the manager to execute multiple operations atomically via its own
// mutex.
//
// The entire set of peers is kept in memory, for performance. It is loaded
// from disk on initialization, and any changes are written back to disk
// (without fsync, since we can afford to lose recent writes).
type peerStore struct {
	db    dbm.DB
	peers map[types.NodeID]*peerInfo
}

// newPeerStore creates a new peer store, loading all persisted peers from
// the database into memory.
func newPeerStore(db dbm.DB) (*peerStore, error) {
	if db == nil {
		return nil, errors.New("no database provided")
	}
	store := &peerStore{db: db}
	if err := store.loadPeers(); err != nil {
		return nil, err
	}
	return store, nil
}

// loadPeers loads all peers from the database into memory.
func (s *peerStore) loadPeers() error {
	peers := map[types.NodeID]*peerInfo{}

	start, end := keyPeerInfoRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		var peer peerInfo
		if err := cbor.Unmarshal(iter.Value(), &peer); err != nil {
			return fmt.Errorf("invalid peer record: %w", err)
		}
		if err := peer.Validate(); err != nil {
			return fmt.Errorf("invalid peer record: %w", err)
		}
		peers[peer.ID] = &peer
	}
	if iter.Error() != nil {
		return iter.Error()
	}
	s.peers = peers
	return nil
}

// Get fetches a peer, returning a copy.
func (s *peerStore) Get(id types.NodeID) (peerInfo, bool) {
	peer, ok := s.peers[id]
	if !ok {
		return peerInfo{}, false
	}
	return peer.Copy(), true
}

// Set stores peer data.
func (s *peerStore) Set(peer peerInfo) error {
	if err := peer.Validate(); err != nil {
		return err
	}
	peer = peer.Copy()
	s.peers[peer.ID] = &peer

	bz, err := cbor.Marshal(&peer)
	if err != nil {
		return err
	}
	return s.db.Set(keyPeerInfo(peer.ID), bz)
}

// Delete deletes a peer, or does nothing if it does not exist.
func (s *peerStore) Delete(id types.NodeID) error {
	if _, ok := s.peers[id]; !ok {
		return nil
	}
	delete(s.peers, id)
	return s.db.Delete(keyPeerInfo(id))
}

// List retrieves all peers in an arbitrary order, as copies.
func (s *peerStore) List() []peerInfo {
	peers := make([]peerInfo, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer.Copy())
	}
	return peers
}

// Ranked returns a list of peers ordered by score (best first), mutable
// references for convenience of the caller. The PeerManager mutex serializes
// access.
func (s *peerStore) Ranked() []*peerInfo {
	peers := make([]*peerInfo, 0, len(s.peers))
	for _, peer := range s.peers {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Score() == peers[j].Score() {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].Score() > peers[j].Score()
	})
	return peers
}

// Size returns the number of peers in the peer store.
func (s *peerStore) Size() int { return len(s.peers) }

// peerInfo contains peer information stored in a peerStore.
type peerInfo struct {
	ID            types.NodeID                `cbor:"1,keyasint"`
	AddressInfo   map[string]*peerAddressInfo `cbor:"2,keyasint"`
	LastConnected time.Time                   `cbor:"3,keyasint,omitempty"`

	// MutableScore is the portion of the score that changes at runtime:
	// it is decremented on peer errors.
	MutableScore int64 `cbor:"4,keyasint,omitempty"`
}

// Copy returns a deep copy of the peer info.
func (p *peerInfo) Copy() peerInfo {
	c := *p
	c.AddressInfo = make(map[string]*peerAddressInfo, len(p.AddressInfo))
	for addr, addressInfo := range p.AddressInfo {
		addressInfoCopy := addressInfo.Copy()
		c.AddressInfo[addr] = &addressInfoCopy
	}
	return c
}

// Score calculates the peer's score, clamped into PeerScore range.
func (p *peerInfo) Score() PeerScore {
	score := p.MutableScore
	if score < math.MinInt16 {
		score = math.MinInt16
	}
	if score > math.MaxInt16 {
		score = math.MaxInt16
	}
	return PeerScore(score)
}

// Validate validates the peer info.
func (p *peerInfo) Validate() error {
	if p.ID == "" {
		return errors.New("no peer ID")
	}
	return nil
}

// peerAddressInfo contains information and statistics about a peer address.
type peerAddressInfo struct {
	Address         NodeAddress `cbor:"1,keyasint"`
	LastDialSuccess time.Time   `cbor:"2,keyasint,omitempty"`
	LastDialFailure time.Time   `cbor:"3,keyasint,omitempty"`
	DialFailures    uint32      `cbor:"4,keyasint,omitempty"` // since last success
}

// Copy returns a copy of the address info.
func (a *peerAddressInfo) Copy() peerAddressInfo { return *a }

// Database key prefixes.
const (
	prefixPeerInfo int64 = 1
)

// keyPeerInfo generates a peerInfo database key.
func keyPeerInfo(id types.NodeID) []byte {
	key, err := orderedcode.Append(nil, prefixPeerInfo, string(id))
	if err != nil {
		panic(err)
	}
	return key
}

// keyPeerInfoRange generates start/end keys for the entire peerInfo key
// range.
func keyPeerInfoRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixPeerInfo, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixPeerInfo, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}
