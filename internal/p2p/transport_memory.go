package p2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Lildeebo2002/ic/libs/log"
	tmsync "github.com/Lildeebo2002/ic/libs/sync"
	"github.com/Lildeebo2002/ic/types"
)

const (
	MemoryProtocol Protocol = "memory"
)

// MemoryNetwork is an in-memory "network" that uses Go channels to
// communicate between endpoints. It is primarily used for testing.
type MemoryNetwork struct {
	logger log.Logger

	mtx        sync.RWMutex
	transports map[types.NodeID]*MemoryTransport
}

// NewMemoryNetwork creates a new in-memory network.
func NewMemoryNetwork(logger log.Logger) *MemoryNetwork {
	return &MemoryNetwork{
		logger:     logger,
		transports: map[types.NodeID]*MemoryTransport{},
	}
}

// CreateTransport creates a new memory transport and endpoint with the given
// node ID. It immediately begins listening on the endpoint "memory:<id>",
// and can be accessed by other transports in the same memory network.
func (n *MemoryNetwork) CreateTransport(nodeID types.NodeID) (*MemoryTransport, error) {
	t := newMemoryTransport(n, nodeID)

	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.transports[nodeID]; ok {
		return nil, fmt.Errorf("transport with node ID %q already exists", nodeID)
	}
	n.transports[nodeID] = t
	return t, nil
}

// GetTransport looks up a transport in the network, returning nil if not
// found.
func (n *MemoryNetwork) GetTransport(id types.NodeID) *MemoryTransport {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.transports[id]
}

// RemoveTransport removes a transport from the network and closes it.
func (n *MemoryNetwork) RemoveTransport(id types.NodeID) error {
	n.mtx.Lock()
	t, ok := n.transports[id]
	delete(n.transports, id)
	n.mtx.Unlock()

	if ok {
		// Close may recursively call RemoveTransport() again, but this is
		// safe because we've already removed the transport from the map.
		return t.Close()
	}
	return nil
}

// MemoryTransport is an in-memory transport that communicates between
// endpoints using Go channels. To dial a different endpoint, both endpoints
// must be in the same MemoryNetwork.
type MemoryTransport struct {
	network  *MemoryNetwork
	nodeID   types.NodeID
	logger   log.Logger
	channels []ChannelID

	acceptCh  chan *MemoryConnection
	closeCh   chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*MemoryTransport)(nil)

func newMemoryTransport(network *MemoryNetwork, nodeID types.NodeID) *MemoryTransport {
	return &MemoryTransport{
		network: network,
		nodeID:  nodeID,
		logger:  network.logger.With("local", fmt.Sprintf("%v:%v", MemoryProtocol, nodeID)),

		acceptCh: make(chan *MemoryConnection),
		closeCh:  make(chan struct{}),
	}
}

func (t *MemoryTransport) String() string { return string(MemoryProtocol) }

// Protocols implements Transport.
func (t *MemoryTransport) Protocols() []Protocol { return []Protocol{MemoryProtocol} }

// SetChannels implements Transport.
func (t *MemoryTransport) SetChannels(channels []ChannelID) { t.channels = channels }

// Accept implements Transport.
func (t *MemoryTransport) Accept() (Connection, error) {
	select {
	case conn := <-t.acceptCh:
		t.logger.Info("accepted connection from peer", "remote", conn.RemoteEndpoint())
		return conn, nil
	case <-t.closeCh:
		return nil, ErrTransportClosed
	}
}

// Dial implements Transport.
func (t *MemoryTransport) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	if endpoint.Protocol != MemoryProtocol {
		return nil, fmt.Errorf("invalid protocol %q", endpoint.Protocol)
	}
	if endpoint.Path == "" {
		return nil, errors.New("no path")
	}
	nodeID, err := types.NewNodeID(endpoint.Path)
	if err != nil {
		return nil, err
	}
	t.logger.Info("dialing peer", "remote", endpoint)

	peerTransport := t.network.GetTransport(nodeID)
	if peerTransport == nil {
		return nil, fmt.Errorf("unknown peer %q", nodeID)
	}
	inCh := make(chan memoryMessage, 1)
	outCh := make(chan memoryMessage, 1)
	closer := tmsync.NewCloser()

	outConn := newMemoryConnection(t, peerTransport, inCh, outCh, closer)
	inConn := newMemoryConnection(peerTransport, t, outCh, inCh, closer)

	select {
	case peerTransport.acceptCh <- inConn:
		return outConn, nil
	case <-peerTransport.closeCh:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	err := t.network.RemoveTransport(t.nodeID)
	t.closeOnce.Do(func() {
		close(t.closeCh)
	})
	t.logger.Info("stopped accepting connections")
	return err
}

// Endpoints implements Transport.
func (t *MemoryTransport) Endpoints() []Endpoint {
	select {
	case <-t.closeCh:
		return []Endpoint{}
	default:
		return []Endpoint{{
			Protocol: MemoryProtocol,
			Path:     string(t.nodeID),
		}}
	}
}

// MemoryConnection is an in-memory connection between two transports.
type MemoryConnection struct {
	logger log.Logger
	local  *MemoryTransport
	remote *MemoryTransport

	receiveCh <-chan memoryMessage
	sendCh    chan<- memoryMessage
	closer    *tmsync.Closer
}

var _ Connection = (*MemoryConnection)(nil)

// memoryMessage is used to pass messages internally in the connection. For
// handshakes, nodeID and channels are set instead of channelID and message.
type memoryMessage struct {
	channelID ChannelID
	message   []byte

	// For handshakes.
	nodeID   types.NodeID
	channels []ChannelID
}

// newMemoryConnection creates a new MemoryConnection. It takes all channels
// (including the closer) on construction, such that they can be shared
// between both ends of the connection.
func newMemoryConnection(
	local *MemoryTransport,
	remote *MemoryTransport,
	receiveCh <-chan memoryMessage,
	sendCh chan<- memoryMessage,
	closer *tmsync.Closer,
) *MemoryConnection {
	c := &MemoryConnection{
		local:     local,
		remote:    remote,
		receiveCh: receiveCh,
		sendCh:    sendCh,
		closer:    closer,
	}
	c.logger = c.local.logger.With("remote", c.RemoteEndpoint())
	return c
}

// Handshake implements Connection. The memory transport is unencrypted, the
// private key is unused and identities are exchanged directly.
func (c *MemoryConnection) Handshake(ctx context.Context, _ ed25519.PrivateKey) (types.NodeID, []ChannelID, error) {
	select {
	case c.sendCh <- memoryMessage{nodeID: c.local.nodeID, channels: c.local.channels}:
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-c.closer.Done():
		return "", nil, io.EOF
	}

	select {
	case msg := <-c.receiveCh:
		c.logger.Debug("handshake complete")
		return msg.nodeID, msg.channels, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-c.closer.Done():
		return "", nil, io.EOF
	}
}

// ReceiveMessage implements Connection.
func (c *MemoryConnection) ReceiveMessage(ctx context.Context) (ChannelID, []byte, error) {
	// check close first, since channels are buffered
	select {
	case <-c.closer.Done():
		return 0, nil, io.EOF
	default:
	}

	select {
	case msg := <-c.receiveCh:
		c.logger.Debug("received message", "channel", msg.channelID)
		return msg.channelID, msg.message, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closer.Done():
		return 0, nil, io.EOF
	}
}

// SendMessage implements Connection.
func (c *MemoryConnection) SendMessage(ctx context.Context, chID ChannelID, msg []byte) error {
	// check close first, since channels are buffered
	select {
	case <-c.closer.Done():
		return io.EOF
	default:
	}

	select {
	case c.sendCh <- memoryMessage{channelID: chID, message: msg}:
		c.logger.Debug("sent message", "channel", chID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closer.Done():
		return io.EOF
	}
}

// Close closes the connection.
func (c *MemoryConnection) Close() error {
	c.closer.Close()
	c.logger.Info("closed connection")
	return nil
}

// LocalEndpoint returns the local endpoint for the connection.
func (c *MemoryConnection) LocalEndpoint() Endpoint {
	return Endpoint{Protocol: MemoryProtocol, Path: string(c.local.nodeID)}
}

// RemoteEndpoint returns the remote endpoint for the connection.
func (c *MemoryConnection) RemoteEndpoint() Endpoint {
	return Endpoint{Protocol: MemoryProtocol, Path: string(c.remote.nodeID)}
}

func (c *MemoryConnection) String() string { return c.RemoteEndpoint().String() }
