package p2p

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/net/netutil"

	"github.com/Lildeebo2002/ic/internal/p2p/conn"
	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

const (
	TCPProtocol Protocol = "tcp"

	handshakeMsgMaxSize = 1024
)

// TCPTransportOptions sets options for TCPTransport.
type TCPTransportOptions struct {
	// MaxAcceptedConnections is the maximum number of simultaneous accepted
	// (incoming) connections. Default: unlimited.
	MaxAcceptedConnections uint32

	// MaxFrameSize bounds a single framed message on the connection.
	// Default: wire.MaxFrameSize.
	MaxFrameSize int
}

// TCPTransport is a Transport implementation using TCP connections upgraded
// to an encrypted, authenticated channel, carrying channel-tagged
// length-prefixed frames.
type TCPTransport struct {
	logger   log.Logger
	options  TCPTransportOptions
	channels []ChannelID

	closeOnce sync.Once
	doneCh    chan struct{}
	listener  net.Listener
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport sets up a new TCP transport. Call Listen() before
// accepting inbound connections.
func NewTCPTransport(logger log.Logger, options TCPTransportOptions) *TCPTransport {
	if options.MaxFrameSize <= 0 {
		options.MaxFrameSize = wire.MaxFrameSize
	}
	return &TCPTransport{
		logger:  logger,
		options: options,
		doneCh:  make(chan struct{}),
	}
}

func (t *TCPTransport) String() string { return string(TCPProtocol) }

func (t *TCPTransport) Protocols() []Protocol { return []Protocol{TCPProtocol} }

// SetChannels implements Transport.
func (t *TCPTransport) SetChannels(channels []ChannelID) { t.channels = channels }

func (t *TCPTransport) Endpoints() []Endpoint {
	if t.listener == nil {
		return nil
	}
	select {
	case <-t.doneCh:
		return nil
	default:
	}
	addr := t.listener.Addr().(*net.TCPAddr)
	return []Endpoint{{
		Protocol: TCPProtocol,
		IP:       addr.IP,
		Port:     uint16(addr.Port),
	}}
}

// Listen asynchronously listens for inbound connections on the given
// endpoint. It must be called exactly once before calling Accept(), and the
// caller must call Close() to shut down the listener.
func (t *TCPTransport) Listen(endpoint Endpoint) error {
	if t.listener != nil {
		return errors.New("transport is already listening")
	}
	if err := endpoint.Validate(); err != nil {
		return err
	}
	if endpoint.Protocol != TCPProtocol {
		return fmt.Errorf("unsupported protocol %q", endpoint.Protocol)
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(endpoint.IP.String(), strconv.Itoa(int(endpoint.Port))))
	if err != nil {
		return err
	}
	if t.options.MaxAcceptedConnections > 0 {
		// FIXME: This will establish the inbound connection and then close
		// it, which counts against the dial backoff on the remote side.
		// Preferable would be refusing the connection before the handshake.
		listener = netutil.LimitListener(listener, int(t.options.MaxAcceptedConnections))
	}
	t.listener = listener
	return nil
}

// Accept implements Transport.
func (t *TCPTransport) Accept() (Connection, error) {
	if t.listener == nil {
		return nil, errors.New("transport is not listening")
	}

	tcpConn, err := t.listener.Accept()
	if err != nil {
		select {
		case <-t.doneCh:
			return nil, ErrTransportClosed
		default:
			return nil, err
		}
	}
	return newTCPConnection(t.logger, tcpConn, t.channels, t.options.MaxFrameSize), nil
}

// Dial implements Transport.
func (t *TCPTransport) Dial(ctx context.Context, endpoint Endpoint) (Connection, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	if endpoint.Protocol != TCPProtocol {
		return nil, fmt.Errorf("unsupported protocol %q", endpoint.Protocol)
	}
	if endpoint.Port == 0 {
		return nil, errors.New("endpoint has no port")
	}

	dialer := net.Dialer{}
	tcpConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(endpoint.IP.String(), strconv.Itoa(int(endpoint.Port))))
	if err != nil {
		return nil, err
	}
	return newTCPConnection(t.logger, tcpConn, t.channels, t.options.MaxFrameSize), nil
}

// Close implements Transport.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.doneCh)
		if t.listener != nil {
			err = t.listener.Close()
		}
	})
	return err
}

// handshakeMsg is exchanged after the secret connection is established. The
// node ID is not carried explicitly, it is derived from the authenticated
// public key.
type handshakeMsg struct {
	Version  uint8    `cbor:"1,keyasint"`
	Channels []uint16 `cbor:"2,keyasint"`
}

// tcpConnection is a Connection over an encrypted TCP socket. Messages are
// framed as uvarint(len) || uvarint(channel) || payload.
type tcpConnection struct {
	logger       log.Logger
	conn         net.Conn
	channels     []ChannelID
	maxFrameSize int

	secret *conn.SecretConnection

	sendMtx sync.Mutex
	recvMtx sync.Mutex
	recvBuf *bufio.Reader

	closeOnce sync.Once
	doneCh    chan struct{}
}

var _ Connection = (*tcpConnection)(nil)

func newTCPConnection(logger log.Logger, tcpConn net.Conn, channels []ChannelID, maxFrameSize int) *tcpConnection {
	return &tcpConnection{
		logger:       logger,
		conn:         tcpConn,
		channels:     channels,
		maxFrameSize: maxFrameSize,
		doneCh:       make(chan struct{}),
	}
}

// Handshake implements Connection. It upgrades the socket to an encrypted
// channel, verifies the peer's identity and negotiates channels.
func (c *tcpConnection) Handshake(ctx context.Context, privKey ed25519.PrivateKey) (types.NodeID, []ChannelID, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return "", nil, err
		}
	}

	secret, err := conn.MakeSecretConnection(c.conn, privKey)
	if err != nil {
		return "", nil, fmt.Errorf("secret connection: %w", err)
	}
	c.secret = secret
	c.recvBuf = bufio.NewReader(secret)

	peerID := types.NodeIDFromPubKey(secret.RemotePubKey())

	own := handshakeMsg{Version: wire.Version}
	for _, ch := range c.channels {
		own.Channels = append(own.Channels, uint16(ch))
	}

	errCh := make(chan error, 1)
	var theirs handshakeMsg
	go func() {
		bz, err := cbor.Marshal(own)
		if err != nil {
			errCh <- err
			return
		}
		errCh <- wire.WriteFrame(secret, bz, handshakeMsgMaxSize)
	}()

	bz, err := wire.ReadFrame(c.recvBuf, handshakeMsgMaxSize)
	if err != nil {
		return "", nil, fmt.Errorf("read handshake: %w", err)
	}
	if err := cbor.Unmarshal(bz, &theirs); err != nil {
		return "", nil, fmt.Errorf("decode handshake: %w", err)
	}
	if err := <-errCh; err != nil {
		return "", nil, fmt.Errorf("send handshake: %w", err)
	}
	if theirs.Version != wire.Version {
		return "", nil, fmt.Errorf("peer speaks wire version %d, want %d", theirs.Version, wire.Version)
	}

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return "", nil, err
	}

	peerChannels := make([]ChannelID, 0, len(theirs.Channels))
	for _, ch := range theirs.Channels {
		peerChannels = append(peerChannels, ChannelID(ch))
	}
	return peerID, peerChannels, nil
}

// ReceiveMessage implements Connection. Concurrent calls are serialized.
func (c *tcpConnection) ReceiveMessage(ctx context.Context) (ChannelID, []byte, error) {
	c.recvMtx.Lock()
	defer c.recvMtx.Unlock()

	if err := c.stateErr(ctx); err != nil {
		return 0, nil, err
	}

	frame, err := wire.ReadFrame(c.recvBuf, c.maxFrameSize)
	if err != nil {
		if err2 := c.stateErr(ctx); err2 != nil {
			return 0, nil, err2
		}
		return 0, nil, err
	}

	chID, n := binary.Uvarint(frame)
	if n <= 0 || chID > uint64(^uint16(0)) {
		return 0, nil, errors.New("malformed channel tag")
	}
	return ChannelID(chID), frame[n:], nil
}

// SendMessage implements Connection. Concurrent calls are serialized.
func (c *tcpConnection) SendMessage(ctx context.Context, chID ChannelID, msg []byte) error {
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()

	if err := c.stateErr(ctx); err != nil {
		return err
	}

	frame := make([]byte, 0, binary.MaxVarintLen16+len(msg))
	var tag [binary.MaxVarintLen16]byte
	n := binary.PutUvarint(tag[:], uint64(chID))
	frame = append(frame, tag[:n]...)
	frame = append(frame, msg...)

	if err := wire.WriteFrame(c.secret, frame, c.maxFrameSize); err != nil {
		if err2 := c.stateErr(ctx); err2 != nil {
			return err2
		}
		return err
	}
	return nil
}

func (c *tcpConnection) stateErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.doneCh:
		return io.EOF
	default:
		return nil
	}
}

func (c *tcpConnection) LocalEndpoint() Endpoint {
	addr := c.conn.LocalAddr().(*net.TCPAddr)
	return Endpoint{Protocol: TCPProtocol, IP: addr.IP, Port: uint16(addr.Port)}
}

func (c *tcpConnection) RemoteEndpoint() Endpoint {
	addr := c.conn.RemoteAddr().(*net.TCPAddr)
	return Endpoint{Protocol: TCPProtocol, IP: addr.IP, Port: uint16(addr.Port)}
}

// Close closes the connection, unblocking pending sends and receives.
func (c *tcpConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.doneCh)
		err = c.conn.Close()
	})
	return err
}

func (c *tcpConnection) String() string { return c.conn.RemoteAddr().String() }
