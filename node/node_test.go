package node

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/Lildeebo2002/ic/config"
	"github.com/Lildeebo2002/ic/internal/p2p"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.SetRoot(t.TempDir())
	cfg.DBBackend = "memdb"
	cfg.P2P.ListenAddress = "127.0.0.1:0"
	require.NoError(t, config.EnsureRoot(cfg.RootDir))
	return cfg
}

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := New(log.NewTestingLogger(t), testConfig(t), Options{
		Membership: p2p.NewStaticMembership(nil),
	})
	require.NoError(t, err)
	require.NoError(t, n.NodeID().Validate())

	require.NoError(t, n.Start(ctx))
	require.True(t, n.IsRunning())

	// The pool is live and usable while the node runs.
	artifact := types.NewArtifact(types.ArtifactKindBlock, 3, []byte("payload"))
	inserted, err := n.Pool().Insert(artifact)
	require.NoError(t, err)
	require.True(t, inserted)

	_, ok := n.CheckpointHeight()
	require.False(t, ok)

	cancel()
	n.Wait()
	require.False(t, n.IsRunning())
}

func TestNodeIdentityPersists(t *testing.T) {
	cfg := testConfig(t)
	logger := log.NewTestingLogger(t)

	n1, err := New(logger, cfg, Options{Membership: p2p.NewStaticMembership(nil)})
	require.NoError(t, err)

	n2, err := New(logger, cfg, Options{Membership: p2p.NewStaticMembership(nil)})
	require.NoError(t, err)

	require.Equal(t, n1.NodeID(), n2.NodeID())
}

func TestNodeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.P2P.ListenAddress = ""

	_, err := New(log.NewTestingLogger(t), cfg, Options{})
	require.Error(t, err)
}

func TestNodeMembershipFromFile(t *testing.T) {
	cfg := testConfig(t)
	peer := types.GenNodeKey()
	require.NoError(t, config.WriteMembershipFile(
		cfg.P2P.MembershipFile(cfg.RootDir),
		&config.MembershipFile{Peers: []string{string(peer.ID) + "@10.0.0.1:26656"}},
	))

	n, err := New(log.NewTestingLogger(t), cfg, Options{})
	require.NoError(t, err)

	// The file-backed membership feeds the peer manager on reconcile.
	defer leaktest.CheckTimeout(t, time.Second)()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, n.poller.Start(ctx))
	require.Contains(t, n.peerManager.Members(), peer.ID)
}
