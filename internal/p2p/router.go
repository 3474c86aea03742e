package p2p

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/Lildeebo2002/ic/libs/log"
	"github.com/Lildeebo2002/ic/libs/service"
	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

const queueBufferDefault = 32

// ChannelDescriptor describes a channel opened on the router.
type ChannelDescriptor struct {
	ID   ChannelID
	Name string

	// RecvBufferCapacity is the buffer size of the inbound and outbound
	// Go channels backing the Channel.
	RecvBufferCapacity int

	// MaxMsgSize bounds a single serialized message on the channel.
	MaxMsgSize int
}

// RouterOptions specifies options for a Router.
type RouterOptions struct {
	// ResolveTimeout is the timeout for resolving NodeAddress URLs.
	// 0 means no timeout.
	ResolveTimeout time.Duration

	// DialTimeout is the timeout for dialing a peer. 0 means no timeout.
	DialTimeout time.Duration

	// HandshakeTimeout is the timeout for handshaking with a peer. 0 means
	// no timeout.
	HandshakeTimeout time.Duration

	// NumConcurrentDials controls how many parallel dial attempts the
	// router runs. Defaults to 32 per CPU.
	NumConcurrentDials int

	// MaxIncomingConnectionAttempts rate limits the number of incoming
	// connection attempts per IP address. Defaults to 100.
	MaxIncomingConnectionAttempts uint

	// IncomingConnectionWindow describes how often an IP address can
	// attempt to create a new connection. Defaults to 100ms.
	IncomingConnectionWindow time.Duration
}

// Validate validates router options.
func (o *RouterOptions) Validate() error {
	if o.MaxIncomingConnectionAttempts == 0 {
		o.MaxIncomingConnectionAttempts = 100
	}
	if o.IncomingConnectionWindow == 0 {
		o.IncomingConnectionWindow = 100 * time.Millisecond
	}
	return nil
}

// Router manages peer connections and routes messages between peers and
// reactor channels. It takes a PeerManager for peer lifecycle management
// (e.g. which peers to dial and when) and a Transport for connection
// handling.
//
// On startup, three main goroutines are spawned to maintain peer
// connections:
//
//	dialPeers(): in a loop, asks the PeerManager for the next peer address
//	to dial, dials it, and spawns a routePeer() goroutine when successful.
//
//	acceptPeers(): in a loop, waits for an inbound connection via the
//	transport and spawns a routePeer() goroutine when successful.
//
//	evictPeers(): in a loop, asks the PeerManager for any peers to evict,
//	and closes their send queue which terminates routePeer().
//
// Reactors open channels with OpenChannel(); envelopes sent on a channel are
// routed to the destination peer's send queue (or all ready peers' queues
// for broadcasts), and inbound messages are decoded and placed onto the
// channel's inbound queue. Slow peers only block their own queue.
type Router struct {
	*service.BaseService
	logger log.Logger

	metrics *Metrics
	options RouterOptions
	privKey ed25519.PrivateKey

	peerManager *PeerManager
	transport   Transport
	endpoint    *Endpoint
	connTracker connectionTracker

	peerMtx    sync.RWMutex
	peerQueues map[types.NodeID]queue // outbound messages per peer for all channels
	// the channels that the peer queue has open
	peerChannels map[types.NodeID]ChannelIDSet

	channelMtx    sync.RWMutex
	chDescs       map[ChannelID]*ChannelDescriptor
	channelQueues map[ChannelID]queue // inbound messages from all peers to a single channel
}

// NewRouter creates a new Router. The given Transport must be listening
// before the router is started (for TCP, call Listen first), and will be
// closed by the Router when it stops.
func NewRouter(
	logger log.Logger,
	metrics *Metrics,
	privKey ed25519.PrivateKey,
	peerManager *PeerManager,
	transport Transport,
	endpoint *Endpoint,
	options RouterOptions,
) (*Router, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	router := &Router{
		logger:  logger,
		metrics: metrics,
		options: options,
		privKey: privKey,

		peerManager: peerManager,
		transport:   transport,
		endpoint:    endpoint,
		connTracker: newConnTracker(
			options.MaxIncomingConnectionAttempts,
			options.IncomingConnectionWindow,
		),

		peerQueues:    map[types.NodeID]queue{},
		peerChannels:  map[types.NodeID]ChannelIDSet{},
		chDescs:       map[ChannelID]*ChannelDescriptor{},
		channelQueues: map[ChannelID]queue{},
	}
	router.BaseService = service.NewBaseService(logger, "router", router)
	return router, nil
}

// ChannelCreator allows reactors to construct their own channels, either by
// receiving a reference to Router.OpenChannel or some kind of shim for
// testing purposes.
type ChannelCreator func(context.Context, *ChannelDescriptor) (*Channel, error)

// OpenChannel opens a new channel for the given channel descriptor. The
// caller must stop sending on the channel before stopping the Router.
func (r *Router) OpenChannel(ctx context.Context, chDesc *ChannelDescriptor) (*Channel, error) {
	r.channelMtx.Lock()
	defer r.channelMtx.Unlock()

	if _, ok := r.channelQueues[chDesc.ID]; ok {
		return nil, fmt.Errorf("channel %v already exists", chDesc.ID)
	}
	r.chDescs[chDesc.ID] = chDesc

	inQueue := newFIFOQueue(chDesc.RecvBufferCapacity)
	outCh := make(chan Envelope, chDesc.RecvBufferCapacity)
	errCh := make(chan PeerError, chDesc.RecvBufferCapacity)
	channel := NewChannel(chDesc.ID, inQueue.dequeue(), outCh, errCh)
	channel.name = chDesc.Name

	r.channelQueues[chDesc.ID] = inQueue

	go func() {
		defer func() {
			r.channelMtx.Lock()
			delete(r.channelQueues, chDesc.ID)
			delete(r.chDescs, chDesc.ID)
			r.channelMtx.Unlock()
			inQueue.close()
		}()

		r.routeChannel(ctx, chDesc.ID, outCh, errCh)
	}()

	return channel, nil
}

// channelIDs returns the IDs of all opened channels, for the transport
// handshake.
func (r *Router) channelIDs() []ChannelID {
	r.channelMtx.RLock()
	defer r.channelMtx.RUnlock()

	ids := make([]ChannelID, 0, len(r.chDescs))
	for id := range r.chDescs {
		ids = append(ids, id)
	}
	return ids
}

// routeChannel receives outbound channel messages and routes them to the
// appropriate peer. It also receives peer errors and reports them to the
// peer manager. It returns when the Router is stopped.
func (r *Router) routeChannel(
	ctx context.Context,
	chID ChannelID,
	outCh <-chan Envelope,
	errCh <-chan PeerError,
) {
	for {
		select {
		case envelope := <-outCh:
			if envelope.Message == nil {
				continue
			}
			// Mark the envelope with the channel ID to allow sendPeer() to
			// pass it on to Connection.SendMessage().
			envelope.channelID = chID

			// collect peer queues to pass the message via
			var queues []queue
			if envelope.Broadcast {
				r.peerMtx.RLock()
				queues = make([]queue, 0, len(r.peerQueues))
				for nodeID, q := range r.peerQueues {
					// check whether the peer is receiving on that channel
					if r.peerChannels[nodeID].Contains(chID) {
						queues = append(queues, q)
					}
				}
				r.peerMtx.RUnlock()
			} else {
				r.peerMtx.RLock()
				q, ok := r.peerQueues[envelope.To]
				contains := ok && r.peerChannels[envelope.To].Contains(chID)
				r.peerMtx.RUnlock()

				if !ok || !contains {
					r.logger.Debug("dropping message for unconnected peer",
						"peer", envelope.To, "channel", chID)
					continue
				}
				queues = []queue{q}
			}

			// send message to peers
			for _, q := range queues {
				select {
				case q.enqueue() <- envelope:
				case <-q.closed():
					r.logger.Debug("dropping message for unconnected peer",
						"peer", envelope.To, "channel", chID)
				case <-ctx.Done():
					return
				}
			}

		case peerError := <-errCh:
			r.logger.Error("peer error",
				"peer", peerError.NodeID, "err", peerError.Err)
			r.peerManager.Errored(peerError.NodeID, peerError.Err)

		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) numConcurrentDials() int {
	if r.options.NumConcurrentDials == 0 {
		return runtime.NumCPU() * 32
	}
	return r.options.NumConcurrentDials
}

// acceptPeers accepts inbound connections from peers on the given transport,
// and spawns goroutines that route messages to/from them.
func (r *Router) acceptPeers(ctx context.Context, transport Transport) {
	for {
		conn, err := transport.Accept()
		switch {
		case errors.Is(err, ErrTransportClosed), errors.Is(err, io.EOF):
			r.logger.Debug("stopping accept routine", "transport", transport)
			return
		case err != nil:
			r.logger.Error("failed to accept connection", "transport", transport, "err", err)
			continue
		}

		incomingIP := conn.RemoteEndpoint().IP
		if err := r.connTracker.AddConn(incomingIP); err != nil {
			closeErr := conn.Close()
			r.logger.Debug("rate limiting incoming peer",
				"err", err, "ip", incomingIP.String(), "close_err", closeErr)
			continue
		}

		// Spawn a goroutine for the handshake, to avoid head-of-line
		// blocking.
		go r.openConnection(ctx, conn)
	}
}

func (r *Router) openConnection(ctx context.Context, conn Connection) {
	defer conn.Close()
	defer r.connTracker.RemoveConn(conn.RemoteEndpoint().IP)

	// FIXME: The peer manager may reject the peer during Accepted() after
	// we've handshaked with the peer (to find out which peer it is).
	// However, because the handshake has no ack, the remote peer will think
	// the handshake was successful and start sending us messages.
	peerID, peerChannels, err := r.handshakePeer(ctx, conn, "")
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		r.logger.Error("peer handshake failed", "endpoint", conn, "err", err)
		return
	}

	if err := r.peerManager.Accepted(peerID); err != nil {
		r.logger.Error("failed to accept connection",
			"op", "incoming/accepted", "peer", peerID, "err", err)
		return
	}

	r.routePeer(ctx, peerID, conn, peerChannels)
}

// dialPeers maintains outbound connections to peers by dialing them.
func (r *Router) dialPeers(ctx context.Context) {
	addresses := make(chan NodeAddress)
	wg := &sync.WaitGroup{}

	// Start a limited number of goroutines to dial peers in parallel, to
	// avoid starting an unbounded number of goroutines and thereby spamming
	// the network.
	for i := 0; i < r.numConcurrentDials(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case address := <-addresses:
					r.connectPeer(ctx, address)
				}
			}
		}()
	}

LOOP:
	for {
		address, err := r.peerManager.DialNext(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			break LOOP
		case address == NodeAddress{}:
			continue LOOP
		}

		select {
		case addresses <- address:
		case <-ctx.Done():
			break LOOP
		}
	}

	wg.Wait()
}

func (r *Router) connectPeer(ctx context.Context, address NodeAddress) {
	conn, err := r.dialPeer(ctx, address)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		r.logger.Debug("failed to dial peer", "peer", address, "err", err)
		if err = r.peerManager.DialFailed(ctx, address); err != nil {
			r.logger.Error("failed to report dial failure", "peer", address, "err", err)
		}
		return
	}

	peerID, peerChannels, err := r.handshakePeer(ctx, conn, address.NodeID)
	switch {
	case errors.Is(err, context.Canceled):
		conn.Close()
		return
	case err != nil:
		r.logger.Error("failed to handshake with peer", "peer", address, "err", err)
		if err = r.peerManager.DialFailed(ctx, address); err != nil {
			r.logger.Error("failed to report dial failure", "peer", address, "err", err)
		}
		conn.Close()
		return
	}

	if err := r.peerManager.Dialed(address); err != nil {
		r.logger.Error("failed to dial peer",
			"op", "outgoing/dialing", "peer", address.NodeID, "err", err)
		r.peerManager.dialWaker.Wake()
		conn.Close()
		return
	}

	// routePeer (also) calls connection close
	go r.routePeer(ctx, peerID, conn, peerChannels)
}

func (r *Router) getOrMakeQueue(peerID types.NodeID, channels ChannelIDSet) queue {
	r.peerMtx.Lock()
	defer r.peerMtx.Unlock()

	if peerQueue, ok := r.peerQueues[peerID]; ok {
		return peerQueue
	}

	peerQueue := newFIFOQueue(queueBufferDefault)
	r.peerQueues[peerID] = peerQueue
	r.peerChannels[peerID] = channels
	return peerQueue
}

// dialPeer connects to a peer by dialing it.
func (r *Router) dialPeer(ctx context.Context, address NodeAddress) (Connection, error) {
	resolveCtx := ctx
	if r.options.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		resolveCtx, cancel = context.WithTimeout(resolveCtx, r.options.ResolveTimeout)
		defer cancel()
	}

	r.logger.Debug("resolving peer address", "peer", address)
	endpoints, err := address.Resolve(resolveCtx)
	switch {
	case err != nil:
		return nil, fmt.Errorf("failed to resolve address %q: %w", address, err)
	case len(endpoints) == 0:
		return nil, fmt.Errorf("address %q did not resolve to any endpoints", address)
	}

	for _, endpoint := range endpoints {
		dialCtx := ctx
		if r.options.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(dialCtx, r.options.DialTimeout)
			defer cancel()
		}

		conn, err := r.transport.Dial(dialCtx, endpoint)
		if err != nil {
			r.logger.Debug("failed to dial endpoint",
				"peer", address.NodeID, "endpoint", endpoint, "err", err)
		} else {
			r.logger.Debug("dialed peer", "peer", address.NodeID, "endpoint", endpoint)
			return conn, nil
		}
	}
	return nil, errors.New("all endpoints failed")
}

// handshakePeer handshakes with a peer, validating the peer's identity. If
// expectID is given, we check that the peer matches it.
func (r *Router) handshakePeer(
	ctx context.Context,
	conn Connection,
	expectID types.NodeID,
) (types.NodeID, ChannelIDSet, error) {
	if r.options.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.HandshakeTimeout)
		defer cancel()
	}

	peerID, peerChannels, err := conn.Handshake(ctx, r.privKey)
	if err != nil {
		return peerID, nil, err
	}
	if err := peerID.Validate(); err != nil {
		return peerID, nil, fmt.Errorf("invalid handshake node ID: %w", err)
	}
	if expectID != "" && expectID != peerID {
		return peerID, nil, fmt.Errorf("expected to connect with peer %q, got %q",
			expectID, peerID)
	}

	channels := make(ChannelIDSet, len(peerChannels))
	for _, ch := range peerChannels {
		channels[ch] = struct{}{}
	}
	return peerID, channels, nil
}

// routePeer routes inbound and outbound messages between a peer and the
// reactor channels. It will close the given connection and send queue when
// done, or if they are closed elsewhere it will cause this method to shut
// down and return.
func (r *Router) routePeer(ctx context.Context, peerID types.NodeID, conn Connection, channels ChannelIDSet) {
	r.metrics.PeersConnected.Add(1)
	r.peerManager.Ready(ctx, peerID)

	sendQueue := r.getOrMakeQueue(peerID, channels)
	defer func() {
		r.peerMtx.Lock()
		delete(r.peerQueues, peerID)
		delete(r.peerChannels, peerID)
		r.peerMtx.Unlock()

		sendQueue.close()

		r.peerManager.Disconnected(ctx, peerID)
		r.metrics.PeersConnected.Add(-1)
	}()

	r.logger.Info("peer connected", "peer", peerID, "endpoint", conn)

	errCh := make(chan error, 2)

	go func() {
		select {
		case errCh <- r.receivePeer(ctx, peerID, conn):
		case <-ctx.Done():
		}
	}()

	go func() {
		select {
		case errCh <- r.sendPeer(ctx, peerID, conn, sendQueue):
		case <-ctx.Done():
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	_ = conn.Close()
	sendQueue.close()

	select {
	case <-ctx.Done():
	case e := <-errCh:
		// The first err was nil, so we update it with the second err, which
		// may or may not be nil.
		if err == nil {
			err = e
		}
	}

	// if the context was canceled
	if e := ctx.Err(); err == nil && e != nil {
		err = e
	}

	switch err {
	case nil, io.EOF:
		r.logger.Info("peer disconnected", "peer", peerID, "endpoint", conn)
	default:
		r.logger.Error("peer failure", "peer", peerID, "endpoint", conn, "err", err)
	}
}

// receivePeer receives inbound messages from a peer, deserializes them and
// passes them on to the appropriate channel. Malformed messages drop the
// frame and report a peer error, they do not tear down the connection.
func (r *Router) receivePeer(ctx context.Context, peerID types.NodeID, conn Connection) error {
	for {
		chID, bz, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return err
		}

		r.channelMtx.RLock()
		inQueue, ok := r.channelQueues[chID]
		chDesc := r.chDescs[chID]
		r.channelMtx.RUnlock()

		if !ok {
			r.logger.Debug("dropping message for unknown channel", "peer", peerID, "channel", chID)
			continue
		}
		if chDesc.MaxMsgSize > 0 && len(bz) > chDesc.MaxMsgSize {
			r.logger.Error("message exceeds channel size limit, dropping",
				"peer", peerID, "channel", chID, "size", len(bz))
			r.peerManager.Errored(peerID, wire.ErrFrameTooLarge{Size: len(bz), Max: chDesc.MaxMsgSize})
			continue
		}

		msg, err := wire.Unmarshal(bz)
		if err != nil {
			r.logger.Error("message decoding failed, dropping message", "peer", peerID, "err", err)
			r.peerManager.Errored(peerID, err)
			continue
		}

		select {
		case inQueue.enqueue() <- Envelope{From: peerID, Message: msg, channelID: chID}:
			r.metrics.PeerReceiveBytesTotal.With(
				"chID", fmt.Sprint(chID),
				"peer_id", string(peerID)).Add(float64(len(bz)))
			r.logger.Debug("received message", "peer", peerID, "channel", chID)

		case <-inQueue.closed():
			r.logger.Debug("channel closed, dropping message", "peer", peerID, "channel", chID)

		case <-ctx.Done():
			return nil
		}
	}
}

// sendPeer sends queued messages to a peer.
func (r *Router) sendPeer(ctx context.Context, peerID types.NodeID, conn Connection, peerQueue queue) error {
	for {
		select {
		case envelope := <-peerQueue.dequeue():
			if envelope.Message == nil {
				r.logger.Error("dropping nil message", "peer", peerID)
				continue
			}

			bz, err := wire.Marshal(envelope.Message)
			if err != nil {
				r.logger.Error("failed to marshal message", "peer", peerID, "err", err)
				continue
			}

			if err = conn.SendMessage(ctx, envelope.channelID, bz); err != nil {
				return err
			}

			r.logger.Debug("sent message", "peer", peerID, "channel", envelope.channelID)

		case <-peerQueue.closed():
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

// evictPeers evicts connected peers as requested by the peer manager.
func (r *Router) evictPeers(ctx context.Context) {
	for {
		peerID, err := r.peerManager.EvictNext(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			r.logger.Error("failed to find next peer to evict", "err", err)
			return
		}

		r.logger.Info("evicting peer", "peer", peerID)

		r.peerMtx.RLock()
		peerQueue, ok := r.peerQueues[peerID]
		r.peerMtx.RUnlock()

		r.metrics.PeersEvicted.Add(1)

		if ok {
			peerQueue.close()
		}
	}
}

// OnStart implements service.Service.
func (r *Router) OnStart(ctx context.Context) error {
	r.transport.SetChannels(r.channelIDs())

	go r.dialPeers(ctx)
	go r.evictPeers(ctx)
	go r.acceptPeers(ctx, r.transport)

	return nil
}

// OnStop implements service.Service.
//
// All channels must be drained by OpenChannel() callers before stopping the
// router, to prevent blocked channel sends in reactors. Channels are not
// closed here, since that would cause any reactor senders to panic, so it is
// the sender's responsibility.
func (r *Router) OnStop() {
	// Close transport listeners (unblocks Accept calls).
	if err := r.transport.Close(); err != nil {
		r.logger.Error("failed to close transport", "err", err)
	}

	// Collect all remaining queues, and wait for them to close.
	queues := []queue{}

	r.channelMtx.RLock()
	for _, q := range r.channelQueues {
		queues = append(queues, q)
	}
	r.channelMtx.RUnlock()

	r.peerMtx.RLock()
	for _, q := range r.peerQueues {
		queues = append(queues, q)
	}
	r.peerMtx.RUnlock()

	for _, q := range queues {
		q.close()
		<-q.closed()
	}
}

// ChannelIDSet is a set of channel IDs.
type ChannelIDSet map[ChannelID]struct{}

// Contains reports whether the set contains the given channel ID.
func (cs ChannelIDSet) Contains(id ChannelID) bool {
	_, ok := cs[id]
	return ok
}
