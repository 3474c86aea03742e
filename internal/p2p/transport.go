package p2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/Lildeebo2002/ic/types"
)

// Protocol identifies a transport protocol.
type Protocol string

var (
	// ErrTransportClosed is raised when the transport has been closed.
	ErrTransportClosed = errors.New("transport is closed")
)

// Transport is a connection-oriented mechanism for exchanging data with a
// peer. Connections are authenticated and encrypted, and carry multiplexed
// channels so that independent protocols do not block each other.
type Transport interface {
	// Protocols returns the protocols supported by the transport.
	Protocols() []Protocol

	// Endpoints returns the local endpoints the transport is listening on,
	// if any.
	Endpoints() []Endpoint

	// Accept waits for and returns the next inbound connection, or an error
	// if the transport is closed.
	Accept() (Connection, error)

	// Dial creates an outbound connection to an endpoint.
	Dial(context.Context, Endpoint) (Connection, error)

	// Close stops accepting new connections, but does not close existing
	// connections.
	Close() error

	// SetChannels sets the channel IDs the transport announces during the
	// handshake. Must be called before listening.
	SetChannels([]ChannelID)

	fmt.Stringer
}

// Connection represents an established connection between two endpoints.
type Connection interface {
	// Handshake executes a node handshake with the remote peer: it
	// exchanges and verifies node identities, and negotiates the channel
	// set. It must be called once before sending or receiving messages.
	Handshake(ctx context.Context, privKey ed25519.PrivateKey) (types.NodeID, []ChannelID, error)

	// ReceiveMessage returns the next message received on the connection,
	// blocking until one is available or the connection fails.
	ReceiveMessage(ctx context.Context) (ChannelID, []byte, error)

	// SendMessage sends a message on the connection. It blocks if the
	// peer-side consumption lags (backpressure), until ctx ends or the
	// connection fails.
	SendMessage(ctx context.Context, chID ChannelID, msg []byte) error

	// LocalEndpoint returns the local endpoint for the connection.
	LocalEndpoint() Endpoint

	// RemoteEndpoint returns the remote endpoint for the connection.
	RemoteEndpoint() Endpoint

	// Close closes the connection.
	Close() error

	fmt.Stringer
}

// Endpoint represents a transport connection endpoint, either local or
// remote. IP-based endpoints use IP and Port; non-networked endpoints (e.g.
// the in-memory transport used by tests) carry an opaque Path instead.
type Endpoint struct {
	Protocol Protocol
	IP       net.IP
	Port     uint16
	Path     string
}

// Validate validates the endpoint.
func (e Endpoint) Validate() error {
	switch {
	case e.Protocol == "":
		return errors.New("endpoint has no protocol")
	case len(e.IP) == 0 && len(e.Path) == 0:
		return errors.New("endpoint has neither IP nor path")
	case e.Port > 0 && len(e.IP) == 0:
		return fmt.Errorf("endpoint has port %v but no IP", e.Port)
	default:
		return nil
	}
}

func (e Endpoint) String() string {
	if len(e.IP) == 0 {
		return fmt.Sprintf("%s:%s", e.Protocol, e.Path)
	}
	return fmt.Sprintf("%s://%s", e.Protocol, net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port))))
}
