package p2p

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/Lildeebo2002/ic/types"
)

func nodeID(t *testing.T, b byte) types.NodeID {
	t.Helper()
	id, err := types.NewNodeID(strings.Repeat(string("0123456789abcdef"[b%16]), 40))
	require.NoError(t, err)
	return id
}

func nodeAddr(t *testing.T, b byte, port uint16) NodeAddress {
	t.Helper()
	return NodeAddress{NodeID: nodeID(t, b), Protocol: TCPProtocol, Host: "127.0.0.1", Port: port}
}

func makePeerManager(t *testing.T, options PeerManagerOptions) *PeerManager {
	t.Helper()
	m, err := NewPeerManager(nodeID(t, 15), dbm.NewMemDB(), options)
	require.NoError(t, err)
	return m
}

func TestPeerManagerDialLifecycle(t *testing.T) {
	m := makePeerManager(t, PeerManagerOptions{})
	addr := nodeAddr(t, 1, 26656)

	added, err := m.Add(addr)
	require.NoError(t, err)
	require.True(t, added)

	// Adding the same address again is a no-op.
	added, err = m.Add(addr)
	require.NoError(t, err)
	require.False(t, added)

	dial := m.TryDialNext()
	require.Equal(t, addr, dial)

	// The peer is marked dialing, no duplicate dial is returned.
	require.Equal(t, NodeAddress{}, m.TryDialNext())

	require.NoError(t, m.Dialed(addr))
	require.Equal(t, NodeAddress{}, m.TryDialNext())

	ctx := context.Background()
	m.Ready(ctx, addr.NodeID)
	require.Equal(t, PeerStatusUp, m.Status(addr.NodeID))

	m.Disconnected(ctx, addr.NodeID)
	require.Equal(t, PeerStatusDown, m.Status(addr.NodeID))

	// After disconnect the peer is dialable again.
	require.Equal(t, addr, m.TryDialNext())
}

func TestPeerManagerDialFailedBackoff(t *testing.T) {
	m := makePeerManager(t, PeerManagerOptions{
		MinRetryTime: 100 * time.Millisecond,
		MaxRetryTime: time.Second,
	})
	addr := nodeAddr(t, 1, 26656)

	_, err := m.Add(addr)
	require.NoError(t, err)

	require.Equal(t, addr, m.TryDialNext())
	require.NoError(t, m.DialFailed(context.Background(), addr))

	// Within the retry delay the address must not be offered.
	require.Equal(t, NodeAddress{}, m.TryDialNext())

	require.Eventually(t, func() bool {
		return m.TryDialNext() == addr
	}, time.Second, 10*time.Millisecond)
}

func TestPeerManagerRetryDelay(t *testing.T) {
	m := makePeerManager(t, PeerManagerOptions{
		MinRetryTime: time.Second,
		MaxRetryTime: 5 * time.Second,
	})

	require.Equal(t, time.Duration(0), m.retryDelay(0))
	require.Equal(t, time.Second, m.retryDelay(1))
	require.Equal(t, 3*time.Second, m.retryDelay(3))
	// capped
	require.Equal(t, 5*time.Second, m.retryDelay(10))

	// Without MinRetryTime retries are disabled.
	m2 := makePeerManager(t, PeerManagerOptions{})
	require.Equal(t, retryNever, m2.retryDelay(1))
}

func TestPeerManagerAccepted(t *testing.T) {
	m := makePeerManager(t, PeerManagerOptions{})
	addr := nodeAddr(t, 1, 26656)

	// Unknown peers are not members, and are rejected.
	require.Error(t, m.Accepted(nodeID(t, 2)))

	_, err := m.Add(addr)
	require.NoError(t, err)
	require.NoError(t, m.Accepted(addr.NodeID))

	// A second connection for the same peer is rejected.
	require.Error(t, m.Accepted(addr.NodeID))
}

func TestPeerManagerReconcileEvictsDeparted(t *testing.T) {
	defer leaktest.Check(t)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := makePeerManager(t, PeerManagerOptions{})
	a := nodeAddr(t, 1, 26656)
	b := nodeAddr(t, 2, 26656)

	require.NoError(t, m.Reconcile([]NodeAddress{a, b}))
	require.ElementsMatch(t, []types.NodeID{a.NodeID, b.NodeID}, m.Members())

	// Connect b, then reconcile it away: it must be scheduled for eviction
	// and removed from the store.
	require.NoError(t, m.Accepted(b.NodeID))
	m.Ready(ctx, b.NodeID)

	require.NoError(t, m.Reconcile([]NodeAddress{a}))
	require.ElementsMatch(t, []types.NodeID{a.NodeID}, m.Members())

	evictID, err := m.TryEvictNext()
	require.NoError(t, err)
	require.Equal(t, b.NodeID, evictID)

	// Departed peers are no longer dialable.
	m.Disconnected(ctx, b.NodeID)
	require.Equal(t, a, m.TryDialNext())
	require.Equal(t, NodeAddress{}, m.TryDialNext())
}

func TestPeerManagerErroredEviction(t *testing.T) {
	m := makePeerManager(t, PeerManagerOptions{})
	addr := nodeAddr(t, 1, 26656)

	_, err := m.Add(addr)
	require.NoError(t, err)
	require.NoError(t, m.Accepted(addr.NodeID))

	// One error lowers the score but does not evict.
	m.Errored(addr.NodeID, errors.New("invalid payload"))
	id, err := m.TryEvictNext()
	require.NoError(t, err)
	require.Empty(t, id)

	// Repeated errors cross the eviction threshold.
	for i := 0; i < 12; i++ {
		m.Errored(addr.NodeID, errors.New("invalid payload"))
	}
	id, err = m.TryEvictNext()
	require.NoError(t, err)
	require.Equal(t, addr.NodeID, id)
}

func TestPeerManagerSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := makePeerManager(t, PeerManagerOptions{})
	addr := nodeAddr(t, 1, 26656)

	sub := m.Subscribe(ctx)
	defer sub.Close()

	_, err := m.Add(addr)
	require.NoError(t, err)
	require.NoError(t, m.Accepted(addr.NodeID))
	m.Ready(ctx, addr.NodeID)

	select {
	case update := <-sub.Updates():
		require.Equal(t, PeerUpdate{NodeID: addr.NodeID, Status: PeerStatusUp}, update)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer update")
	}

	m.Disconnected(ctx, addr.NodeID)

	select {
	case update := <-sub.Updates():
		require.Equal(t, PeerUpdate{NodeID: addr.NodeID, Status: PeerStatusDown}, update)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer update")
	}
}

func TestPeerStorePersistence(t *testing.T) {
	db := dbm.NewMemDB()
	addr := nodeAddr(t, 1, 26656)

	m, err := NewPeerManager(nodeID(t, 15), db, PeerManagerOptions{})
	require.NoError(t, err)
	_, err = m.Add(addr)
	require.NoError(t, err)
	require.Equal(t, addr, m.TryDialNext())
	require.NoError(t, m.DialFailed(context.Background(), addr))

	// A new manager over the same DB sees the peer and its dial stats.
	m2, err := NewPeerManager(nodeID(t, 15), db, PeerManagerOptions{})
	require.NoError(t, err)
	require.Equal(t, []types.NodeID{addr.NodeID}, m2.Peers())
	require.Equal(t, []NodeAddress{addr}, m2.Addresses(addr.NodeID))

	peer, ok := m2.store.Get(addr.NodeID)
	require.True(t, ok)
	require.EqualValues(t, 1, peer.AddressInfo[addr.String()].DialFailures)
}

func TestPeerManagerMaxConnected(t *testing.T) {
	m := makePeerManager(t, PeerManagerOptions{MaxConnected: 1})
	a := nodeAddr(t, 1, 26656)
	b := nodeAddr(t, 2, 26656)

	_, err := m.Add(a)
	require.NoError(t, err)
	_, err = m.Add(b)
	require.NoError(t, err)

	require.NoError(t, m.Accepted(a.NodeID))
	require.Error(t, m.Accepted(b.NodeID))

	// With the connection slot taken, no dial is offered either.
	require.Equal(t, NodeAddress{}, m.TryDialNext())
}
