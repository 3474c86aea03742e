package p2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

const testChannelID = ChannelID(100)

var testChDesc = &ChannelDescriptor{
	ID:                 testChannelID,
	Name:               "test",
	RecvBufferCapacity: 10,
}

// testNode is a node on an in-memory network: a peer manager, a router and
// an open channel.
type testNode struct {
	id          types.NodeID
	peerManager *PeerManager
	router      *Router
	channel     *Channel
	updates     *PeerUpdates
}

func makeTestNode(ctx context.Context, t *testing.T, network *MemoryNetwork, b byte) *testNode {
	t.Helper()

	logger := log.NewTestingLogger(t)
	id := nodeID(t, b)

	transport, err := network.CreateTransport(id)
	require.NoError(t, err)

	peerManager, err := NewPeerManager(id, dbm.NewMemDB(), PeerManagerOptions{
		MinRetryTime: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	router, err := NewRouter(logger, NopMetrics(), nil, peerManager, transport, nil, RouterOptions{})
	require.NoError(t, err)

	channel, err := router.OpenChannel(ctx, testChDesc)
	require.NoError(t, err)

	require.NoError(t, router.Start(ctx))
	t.Cleanup(func() {
		if router.IsRunning() {
			_ = router.Stop()
		}
	})

	return &testNode{
		id:          id,
		peerManager: peerManager,
		router:      router,
		channel:     channel,
		updates:     peerManager.Subscribe(ctx),
	}
}

// waitForPeersUp waits until the node's latest update for every given peer
// is Up and the subscription is drained. Mutual adds race on simultaneous
// dials, and duplicate connection resolution can take a just-reported peer
// down again before the surviving connection comes up, so a first Up alone
// is not a safe point to send from.
func waitForPeersUp(t *testing.T, node *testNode, peers ...types.NodeID) {
	t.Helper()
	up := make(map[types.NodeID]bool, len(peers))
	for _, peer := range peers {
		up[peer] = false
	}
	timeout := time.After(5 * time.Second)
	for {
		settled := true
		for _, peerUp := range up {
			settled = settled && peerUp
		}
		if settled {
			select {
			case update := <-node.updates.Updates():
				if _, ok := up[update.NodeID]; ok {
					up[update.NodeID] = update.Status == PeerStatusUp
				}
			default:
				return
			}
			continue
		}
		select {
		case update := <-node.updates.Updates():
			if _, ok := up[update.NodeID]; ok {
				up[update.NodeID] = update.Status == PeerStatusUp
			}
		case <-timeout:
			t.Fatalf("node %v never settled with peers %v up", node.id, peers)
		}
	}
}

func TestRouterSendReceive(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(log.NewTestingLogger(t))
	a := makeTestNode(ctx, t, network, 1)
	b := makeTestNode(ctx, t, network, 2)

	// Tell both sides about each other, then let a dial b.
	_, err := a.peerManager.Add(MemoryNodeAddress(b.id))
	require.NoError(t, err)
	_, err = b.peerManager.Add(MemoryNodeAddress(a.id))
	require.NoError(t, err)

	waitForPeersUp(t, a, b.id)
	waitForPeersUp(t, b, a.id)

	msg := &wire.HeightAdvert{Height: 7}
	require.NoError(t, a.channel.Send(ctx, Envelope{To: b.id, Message: msg}))

	select {
	case envelope := <-b.channel.In:
		require.Equal(t, a.id, envelope.From)
		require.Equal(t, msg, envelope.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	a.router.Wait()
	b.router.Wait()
}

func TestRouterBroadcast(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(log.NewTestingLogger(t))
	a := makeTestNode(ctx, t, network, 1)
	b := makeTestNode(ctx, t, network, 2)
	c := makeTestNode(ctx, t, network, 3)

	for _, from := range []*testNode{a, b, c} {
		for _, to := range []*testNode{a, b, c} {
			if from.id == to.id {
				continue
			}
			_, err := from.peerManager.Add(MemoryNodeAddress(to.id))
			require.NoError(t, err)
		}
	}
	// Every node must see both its peers up before the send: until each
	// pair has settled on a surviving connection, a fire-and-forget
	// broadcast can land on a connection about to be closed as a duplicate.
	waitForPeersUp(t, a, b.id, c.id)
	waitForPeersUp(t, b, a.id, c.id)
	waitForPeersUp(t, c, a.id, b.id)

	msg := &wire.HeightAdvert{Height: 9}
	require.NoError(t, a.channel.Send(ctx, Envelope{Broadcast: true, Message: msg}))

	for _, node := range []*testNode{b, c} {
		select {
		case envelope := <-node.channel.In:
			require.Equal(t, a.id, envelope.From)
			require.Equal(t, msg, envelope.Message)
		case <-time.After(5 * time.Second):
			t.Fatalf("node %v did not receive broadcast", node.id)
		}
	}
}

func TestRouterPeerErrorEvicts(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	network := NewMemoryNetwork(log.NewTestingLogger(t))
	a := makeTestNode(ctx, t, network, 1)
	b := makeTestNode(ctx, t, network, 2)

	_, err := a.peerManager.Add(MemoryNodeAddress(b.id))
	require.NoError(t, err)
	_, err = b.peerManager.Add(MemoryNodeAddress(a.id))
	require.NoError(t, err)
	waitForPeersUp(t, a, b.id)

	// Enough errors to cross the eviction threshold disconnect the peer.
	for i := 0; i < 15; i++ {
		require.NoError(t, a.channel.SendError(ctx, PeerError{
			NodeID: b.id,
			Err:    errors.New("invalid message"),
		}))
	}

	for {
		select {
		case update := <-a.updates.Updates():
			if update.NodeID == b.id && update.Status == PeerStatusDown {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("peer was never evicted")
		}
	}
}

