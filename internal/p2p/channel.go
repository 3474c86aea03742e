package p2p

import (
	"context"
	"fmt"

	"github.com/Lildeebo2002/ic/types"
	"github.com/Lildeebo2002/ic/wire"
)

// ChannelID is an arbitrary channel ID, one per logical protocol so that a
// slow bulk transfer cannot head-of-line-block control traffic.
type ChannelID uint16

// Envelope contains a message with sender/receiver routing info.
type Envelope struct {
	From      types.NodeID // sender (empty if outbound)
	To        types.NodeID // receiver (empty if inbound)
	Broadcast bool         // send to all connected peers (ignores To)
	Message   wire.Message // message payload

	// channelID is for internal routing
	channelID ChannelID
}

// PeerError is a peer error reported via Channel.Error.
//
// FIXME: This currently just disconnects the peer, which is too simplistic.
// For example, some errors should be logged, some should cause disconnects,
// and some should ban the peer.
type PeerError struct {
	NodeID types.NodeID
	Err    error
}

func (pe PeerError) Error() string { return fmt.Sprintf("peer=%q: %s", pe.NodeID, pe.Err.Error()) }
func (pe PeerError) Unwrap() error { return pe.Err }

// Channel is a bidirectional channel to exchange messages with peers.
type Channel struct {
	ID    ChannelID
	In    <-chan Envelope  // inbound messages (peers to reactors)
	Out   chan<- Envelope  // outbound messages (reactors to peers)
	Error chan<- PeerError // peer error reporting

	name string
}

// NewChannel creates a new channel. It is primarily for internal and test
// use, reactors should use Router.OpenChannel().
func NewChannel(id ChannelID, inCh <-chan Envelope, outCh chan<- Envelope, errCh chan<- PeerError) *Channel {
	return &Channel{
		ID:    id,
		In:    inCh,
		Out:   outCh,
		Error: errCh,
	}
}

// Send blocks until the envelope has been sent, or until ctx ends.
// An error only occurs if the context ends before the send completes.
func (ch *Channel) Send(ctx context.Context, envelope Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch.Out <- envelope:
		return nil
	}
}

// SendError blocks until the given error has been sent, or ctx ends.
func (ch *Channel) SendError(ctx context.Context, pe PeerError) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch.Error <- pe:
		return nil
	}
}

func (ch *Channel) String() string { return fmt.Sprintf("p2p.Channel<%d:%s>", ch.ID, ch.name) }

// Receive returns a new unbuffered iterator to receive messages from ch.
// The iterator runs until ctx ends.
func (ch *Channel) Receive(ctx context.Context) *ChannelIterator {
	iter := &ChannelIterator{
		pipe: make(chan Envelope), // unbuffered
	}
	go func() {
		defer close(iter.pipe)
		for {
			select {
			case <-ctx.Done():
				return
			case envelope := <-ch.In:
				select {
				case <-ctx.Done():
					return
				case iter.pipe <- envelope:
				}
			}
		}
	}()
	return iter
}

// ChannelIterator provides a context-aware path for callers (reactors) to
// process messages from the P2P layer without relying on the implementation
// details of the Channel struct. Channel provides access to it via the
// Receive method.
type ChannelIterator struct {
	pipe    chan Envelope
	current *Envelope
}

// Next returns true when the Envelope value has advanced, and false when the
// context is canceled or iteration should stop. If an iterator has returned
// false, it will never return true again.
// in general, use Next, as in:
//
//	for iter.Next(ctx) {
//	     envelope := iter.Envelope()
//	     // ... do things ...
//	}
func (iter *ChannelIterator) Next(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		iter.current = nil
		return false
	case envelope, ok := <-iter.pipe:
		if !ok {
			iter.current = nil
			return false
		}
		iter.current = &envelope
		return true
	}
}

// Envelope returns the current Envelope object held by the iterator. When
// the last call to Next returned true, Envelope will return a non-nil
// object. If Next returned false then Envelope is always nil.
func (iter *ChannelIterator) Envelope() *Envelope { return iter.current }
