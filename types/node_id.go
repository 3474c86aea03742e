package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// NodeID is a hex-encoded crypto-derived node identifier.
type NodeID string

// NodeIDLengthBytes is the length of a crypto-derived node ID, in bytes.
const NodeIDLengthBytes = 20

// NodeIDFromPubKey derives a node ID from an Ed25519 public key. The ID is
// the hex encoding of the first 20 bytes of the key's SHA-256 digest, which
// lets peers verify a claimed ID against the key presented during the
// transport handshake.
func NodeIDFromPubKey(pubKey ed25519.PublicKey) NodeID {
	h := sha256.Sum256(pubKey)
	return NodeID(hex.EncodeToString(h[:NodeIDLengthBytes]))
}

// NewNodeID returns a lowercased node ID from a string, validating it.
func NewNodeID(id string) (NodeID, error) {
	nodeID := NodeID(strings.ToLower(id))
	return nodeID, nodeID.Validate()
}

// Bytes converts the node ID to its binary byte representation.
func (id NodeID) Bytes() ([]byte, error) {
	bz, err := hex.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("invalid node ID encoding: %w", err)
	}
	return bz, nil
}

// Validate validates the node ID.
func (id NodeID) Validate() error {
	switch {
	case len(id) == 0:
		return errors.New("empty node ID")

	case len(id) != 2*NodeIDLengthBytes:
		return fmt.Errorf("invalid node ID length %d, expected %d", len(id), 2*NodeIDLengthBytes)

	default:
		for _, b := range string(id) {
			if (b < '0' || b > '9') && (b < 'a' || b > 'f') {
				return fmt.Errorf("node ID can only contain lowercased hex digits, got %q", b)
			}
		}
		return nil
	}
}
