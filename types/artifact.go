package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ArtifactKind enumerates the closed set of consensus-relevant data units
// the replica disseminates. The set is fixed by the protocol; adding a kind
// is a protocol change, not a plugin point.
type ArtifactKind uint8

const (
	ArtifactKindUnknown ArtifactKind = iota
	// ArtifactKindBlock is a proposed block.
	ArtifactKindBlock
	// ArtifactKindShare is a signature share.
	ArtifactKindShare
	// ArtifactKindCertification is a state certification.
	ArtifactKindCertification
	// ArtifactKindIngress is a user ingress message.
	ArtifactKindIngress
)

func (k ArtifactKind) String() string {
	switch k {
	case ArtifactKindBlock:
		return "block"
	case ArtifactKindShare:
		return "share"
	case ArtifactKindCertification:
		return "certification"
	case ArtifactKindIngress:
		return "ingress"
	default:
		return "unknown"
	}
}

// Validate checks that the kind is a member of the closed set.
func (k ArtifactKind) Validate() error {
	if k == ArtifactKindUnknown || k > ArtifactKindIngress {
		return fmt.Errorf("invalid artifact kind %d", k)
	}
	return nil
}

// ArtifactIDSize is the size of an artifact identifier, in bytes.
const ArtifactIDSize = sha256.Size

// ArtifactID is a content-derived artifact identifier. IDs are immutable
// and globally comparable; the pool holds at most one artifact per ID.
type ArtifactID [ArtifactIDSize]byte

// ComputeArtifactID derives the identifier for a payload.
func ComputeArtifactID(payload []byte) ArtifactID {
	return sha256.Sum256(payload)
}

// ArtifactIDFromBytes converts a byte slice to an ArtifactID, erroring on a
// length mismatch.
func ArtifactIDFromBytes(bz []byte) (ArtifactID, error) {
	var id ArtifactID
	if len(bz) != ArtifactIDSize {
		return id, fmt.Errorf("invalid artifact ID length %d, expected %d", len(bz), ArtifactIDSize)
	}
	copy(id[:], bz)
	return id, nil
}

func (id ArtifactID) String() string { return hex.EncodeToString(id[:]) }

// Less provides the total order over IDs used for priority tie-breaks.
func (id ArtifactID) Less(other ArtifactID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Artifact is an immutable consensus-relevant payload plus its identifier
// and the lightweight attributes the gossip priority function consumes.
type Artifact struct {
	ID     ArtifactID
	Kind   ArtifactKind
	Height uint64
	Data   []byte
}

// NewArtifact builds an artifact with a content-derived ID.
func NewArtifact(kind ArtifactKind, height uint64, data []byte) Artifact {
	return Artifact{
		ID:     ComputeArtifactID(data),
		Kind:   kind,
		Height: height,
		Data:   data,
	}
}

// ValidateBasic performs stateless validity checks. Protocol-level validity
// is the crypto/consensus collaborator's concern, not ours.
func (a Artifact) ValidateBasic() error {
	if err := a.Kind.Validate(); err != nil {
		return err
	}
	if len(a.Data) == 0 {
		return errors.New("artifact has no payload")
	}
	if ComputeArtifactID(a.Data) != a.ID {
		return errors.New("artifact ID does not match payload")
	}
	return nil
}

// Advert returns the payload-free announcement for the artifact.
func (a Artifact) Advert() Advert {
	return Advert{
		ID:     a.ID,
		Kind:   a.Kind,
		Height: a.Height,
		Size:   uint64(len(a.Data)),
	}
}

// Advert announces an artifact's existence without its payload. Adverts are
// broadcast cheaply; peers fetch the payload on demand.
type Advert struct {
	ID     ArtifactID
	Kind   ArtifactKind
	Height uint64
	Size   uint64
}

// ValidateBasic performs stateless validity checks on an advert.
func (ad Advert) ValidateBasic() error {
	if err := ad.Kind.Validate(); err != nil {
		return err
	}
	if ad.Size == 0 {
		return errors.New("advert claims empty payload")
	}
	return nil
}
