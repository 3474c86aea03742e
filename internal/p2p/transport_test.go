package p2p

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

func TestMemoryTransportDialAcceptSendReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	network := NewMemoryNetwork(log.NewTestingLogger(t))

	aID := nodeID(t, 1)
	bID := nodeID(t, 2)

	aTransport, err := network.CreateTransport(aID)
	require.NoError(t, err)
	aTransport.SetChannels([]ChannelID{1, 2})
	bTransport, err := network.CreateTransport(bID)
	require.NoError(t, err)
	bTransport.SetChannels([]ChannelID{1})

	acceptCh := make(chan Connection, 1)
	go func() {
		conn, err := bTransport.Accept()
		require.NoError(t, err)
		acceptCh <- conn
	}()

	dialConn, err := aTransport.Dial(ctx, bTransport.Endpoints()[0])
	require.NoError(t, err)
	acceptConn := <-acceptCh

	errCh := make(chan error, 1)
	go func() {
		id, chs, err := acceptConn.Handshake(ctx, nil)
		if err == nil {
			require.Equal(t, aID, id)
			require.Equal(t, []ChannelID{1, 2}, chs)
		}
		errCh <- err
	}()

	peerID, peerChannels, err := dialConn.Handshake(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, bID, peerID)
	require.Equal(t, []ChannelID{1}, peerChannels)
	require.NoError(t, <-errCh)

	require.NoError(t, dialConn.SendMessage(ctx, 1, []byte("ping")))
	chID, msg, err := acceptConn.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, ChannelID(1), chID)
	require.Equal(t, []byte("ping"), msg)

	// Closing either end fails further sends and receives on both.
	require.NoError(t, dialConn.Close())
	require.Error(t, acceptConn.SendMessage(ctx, 1, []byte("pong")))
	_, _, err = dialConn.ReceiveMessage(ctx)
	require.Error(t, err)
}

func TestMemoryTransportCloseUnblocksAccept(t *testing.T) {
	network := NewMemoryNetwork(log.NewTestingLogger(t))
	transport, err := network.CreateTransport(nodeID(t, 1))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := transport.Accept()
		errCh <- err
	}()

	require.NoError(t, transport.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("Accept did not unblock on Close")
	}
}

func TestTCPTransportHandshakeAndSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := log.NewTestingLogger(t)

	aPub, aPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, bPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	server := NewTCPTransport(logger, TCPTransportOptions{})
	server.SetChannels([]ChannelID{1})
	require.NoError(t, server.Listen(Endpoint{
		Protocol: TCPProtocol,
		IP:       net.IPv4(127, 0, 0, 1),
	}))
	defer server.Close()

	client := NewTCPTransport(logger, TCPTransportOptions{})
	client.SetChannels([]ChannelID{1})

	type acceptResult struct {
		conn Connection
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := server.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	dialConn, err := client.Dial(ctx, server.Endpoints()[0])
	require.NoError(t, err)
	defer dialConn.Close()

	accepted := <-acceptCh
	require.NoError(t, accepted.err)
	defer accepted.conn.Close()

	errCh := make(chan error, 1)
	go func() {
		id, _, err := accepted.conn.Handshake(ctx, bPriv)
		if err == nil && id != types.NodeIDFromPubKey(aPub) {
			err = errors.New("unexpected peer ID")
		}
		errCh <- err
	}()

	peerID, peerChannels, err := dialConn.Handshake(ctx, aPriv)
	require.NoError(t, err)
	require.Equal(t, types.NodeIDFromPubKey(bPriv.Public().(ed25519.PublicKey)), peerID)
	require.Equal(t, []ChannelID{1}, peerChannels)
	require.NoError(t, <-errCh)

	// A wire message survives the encrypted, multiplexed path.
	bz, err := wire.Marshal(&wire.HeightAdvert{Height: 42})
	require.NoError(t, err)
	require.NoError(t, dialConn.SendMessage(ctx, 1, bz))

	chID, got, err := accepted.conn.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, ChannelID(1), chID)

	msg, err := wire.Unmarshal(got)
	require.NoError(t, err)
	require.Equal(t, &wire.HeightAdvert{Height: 42}, msg)
}
