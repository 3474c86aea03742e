// Package wire defines the framed messages exchanged between replicas on the
// gossip, manifest and chunk channels, encoded as CBOR with an explicit
// message-kind tag so that malformed frames can be rejected without tearing
// down the connection.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Lildeebo2002/ic/types"
)

// Version is the wire protocol version carried in every envelope. Peers
// reject envelopes with a version they do not speak.
const Version uint8 = 1

// MessageKind discriminates the payload type of an envelope.
type MessageKind uint8

const (
	KindAdvert MessageKind = iota + 1
	KindArtifactRequest
	KindArtifactResponse
	KindHeightAdvert
	KindManifestRequest
	KindManifestResponse
	KindChunkRequest
	KindChunkResponse
)

func (k MessageKind) String() string {
	switch k {
	case KindAdvert:
		return "advert"
	case KindArtifactRequest:
		return "artifact_request"
	case KindArtifactResponse:
		return "artifact_response"
	case KindHeightAdvert:
		return "height_advert"
	case KindManifestRequest:
		return "manifest_request"
	case KindManifestResponse:
		return "manifest_response"
	case KindChunkRequest:
		return "chunk_request"
	case KindChunkResponse:
		return "chunk_response"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Message is implemented by every wire message.
type Message interface {
	// WireKind returns the envelope tag for the message.
	WireKind() MessageKind
	// ValidateBasic performs stateless validity checks on a decoded message.
	ValidateBasic() error
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}).DecMode(); err != nil {
		panic(err)
	}
}

// envelope wraps every message on the wire.
type envelope struct {
	Version uint8           `cbor:"1,keyasint"`
	Kind    MessageKind     `cbor:"2,keyasint"`
	Payload cbor.RawMessage `cbor:"3,keyasint"`
}

// Marshal encodes msg into a versioned, kind-tagged envelope.
func Marshal(msg Message) ([]byte, error) {
	payload, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %v payload: %w", msg.WireKind(), err)
	}
	bz, err := encMode.Marshal(envelope{
		Version: Version,
		Kind:    msg.WireKind(),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %v envelope: %w", msg.WireKind(), err)
	}
	return bz, nil
}

// Unmarshal decodes an envelope and its payload, returning the concrete
// message. Errors cover unknown versions, unknown kinds and malformed
// payloads; callers treat any error as a bad frame from the sending peer.
func Unmarshal(bz []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(bz, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("unsupported wire version %d", env.Version)
	}

	var msg Message
	switch env.Kind {
	case KindAdvert:
		msg = &Advert{}
	case KindArtifactRequest:
		msg = &ArtifactRequest{}
	case KindArtifactResponse:
		msg = &ArtifactResponse{}
	case KindHeightAdvert:
		msg = &HeightAdvert{}
	case KindManifestRequest:
		msg = &ManifestRequest{}
	case KindManifestResponse:
		msg = &ManifestResponse{}
	case KindChunkRequest:
		msg = &ChunkRequest{}
	case KindChunkResponse:
		msg = &ChunkResponse{}
	default:
		return nil, fmt.Errorf("unknown message kind %v", env.Kind)
	}

	if err := decMode.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("decode %v payload: %w", env.Kind, err)
	}
	return msg, nil
}

// Advert announces that the sender holds an artifact, payload omitted.
type Advert struct {
	ID     types.ArtifactID   `cbor:"1,keyasint"`
	Kind   types.ArtifactKind `cbor:"2,keyasint"`
	Height uint64             `cbor:"3,keyasint"`
	Size   uint64             `cbor:"4,keyasint"`
}

func (*Advert) WireKind() MessageKind { return KindAdvert }

func (m *Advert) ValidateBasic() error {
	return types.Advert{
		ID:     m.ID,
		Kind:   m.Kind,
		Height: m.Height,
		Size:   m.Size,
	}.ValidateBasic()
}

// AdvertFrom builds the wire form of a pool advert.
func AdvertFrom(a types.Advert) *Advert {
	return &Advert{ID: a.ID, Kind: a.Kind, Height: a.Height, Size: a.Size}
}

// ToAdvert converts back to the pool representation.
func (m *Advert) ToAdvert() types.Advert {
	return types.Advert{ID: m.ID, Kind: m.Kind, Height: m.Height, Size: m.Size}
}

// ArtifactRequest asks the receiving peer for the full payload of an
// artifact it previously advertised.
type ArtifactRequest struct {
	ID types.ArtifactID `cbor:"1,keyasint"`
}

func (*ArtifactRequest) WireKind() MessageKind { return KindArtifactRequest }

func (m *ArtifactRequest) ValidateBasic() error {
	if m.ID == (types.ArtifactID{}) {
		return errors.New("empty artifact id")
	}
	return nil
}

// ArtifactResponse carries an artifact payload. An empty Payload means the
// sender no longer holds the artifact.
type ArtifactResponse struct {
	ID      types.ArtifactID   `cbor:"1,keyasint"`
	Kind    types.ArtifactKind `cbor:"2,keyasint"`
	Height  uint64             `cbor:"3,keyasint"`
	Payload []byte             `cbor:"4,keyasint"`
}

func (*ArtifactResponse) WireKind() MessageKind { return KindArtifactResponse }

func (m *ArtifactResponse) ValidateBasic() error {
	if m.ID == (types.ArtifactID{}) {
		return errors.New("empty artifact id")
	}
	if len(m.Payload) > 0 {
		if err := m.Kind.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// HeightAdvert announces the sender's latest checkpoint height, inviting
// lagging peers to state sync from it.
type HeightAdvert struct {
	Height uint64 `cbor:"1,keyasint"`
}

func (*HeightAdvert) WireKind() MessageKind { return KindHeightAdvert }

func (m *HeightAdvert) ValidateBasic() error {
	if m.Height == 0 {
		return errors.New("zero height")
	}
	return nil
}

// ManifestRequest asks for the chunk manifest of the checkpoint at Height.
type ManifestRequest struct {
	Height uint64 `cbor:"1,keyasint"`
}

func (*ManifestRequest) WireKind() MessageKind { return KindManifestRequest }

func (m *ManifestRequest) ValidateBasic() error {
	if m.Height == 0 {
		return errors.New("zero height")
	}
	return nil
}

// ManifestResponse carries a checkpoint manifest. Empty ChunkHashes with a
// zero RootHash means the sender has no checkpoint at the requested height.
type ManifestResponse struct {
	Height      uint64   `cbor:"1,keyasint"`
	RootHash    []byte   `cbor:"2,keyasint"`
	ChunkHashes [][]byte `cbor:"3,keyasint"`
}

func (*ManifestResponse) WireKind() MessageKind { return KindManifestResponse }

func (m *ManifestResponse) ValidateBasic() error {
	if m.Height == 0 {
		return errors.New("zero height")
	}
	if len(m.ChunkHashes) == 0 {
		// "don't have it" response
		if len(m.RootHash) != 0 {
			return errors.New("root hash without chunks")
		}
		return nil
	}
	if len(m.RootHash) != 32 {
		return fmt.Errorf("invalid root hash length %d", len(m.RootHash))
	}
	for i, h := range m.ChunkHashes {
		if len(h) != 32 {
			return fmt.Errorf("invalid hash length %d for chunk %d", len(h), i)
		}
	}
	return nil
}

// ChunkRequest asks for one chunk of the checkpoint at Height.
type ChunkRequest struct {
	Height uint64 `cbor:"1,keyasint"`
	Index  uint32 `cbor:"2,keyasint"`
}

func (*ChunkRequest) WireKind() MessageKind { return KindChunkRequest }

func (m *ChunkRequest) ValidateBasic() error {
	if m.Height == 0 {
		return errors.New("zero height")
	}
	return nil
}

// ChunkResponse carries one chunk, or Missing=true when the sender cannot
// serve it (e.g. it pruned the checkpoint since advertising it).
type ChunkResponse struct {
	Height  uint64 `cbor:"1,keyasint"`
	Index   uint32 `cbor:"2,keyasint"`
	Chunk   []byte `cbor:"3,keyasint"`
	Missing bool   `cbor:"4,keyasint,omitempty"`
}

func (*ChunkResponse) WireKind() MessageKind { return KindChunkResponse }

func (m *ChunkResponse) ValidateBasic() error {
	if m.Height == 0 {
		return errors.New("zero height")
	}
	if m.Missing && len(m.Chunk) > 0 {
		return errors.New("missing chunk with payload")
	}
	return nil
}
