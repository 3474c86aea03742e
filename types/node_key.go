package types

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
)

// NodeKey is the persistent peer key. It contains the node's private key
// for transport authentication; the node ID is derived from the public key.
type NodeKey struct {
	ID      NodeID             `json:"id"`
	PrivKey ed25519.PrivateKey `json:"priv_key"`
}

// PubKey returns the node's public key.
func (nk NodeKey) PubKey() ed25519.PublicKey {
	return nk.PrivKey.Public().(ed25519.PublicKey)
}

// SaveAs persists the NodeKey to filePath.
func (nk NodeKey) SaveAs(filePath string) error {
	jsonBytes, err := json.Marshal(nk)
	if err != nil {
		return err
	}
	return os.WriteFile(filePath, jsonBytes, 0o600)
}

// GenNodeKey generates a new node key.
func GenNodeKey() NodeKey {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return NodeKey{
		ID:      NodeIDFromPubKey(privKey.Public().(ed25519.PublicKey)),
		PrivKey: privKey,
	}
}

// LoadNodeKey loads the NodeKey located in filePath. The ID is re-derived
// from the key rather than trusted from the file.
func LoadNodeKey(filePath string) (NodeKey, error) {
	jsonBytes, err := os.ReadFile(filePath)
	if err != nil {
		return NodeKey{}, err
	}
	nodeKey := NodeKey{}
	if err := json.Unmarshal(jsonBytes, &nodeKey); err != nil {
		return NodeKey{}, fmt.Errorf("parse node key %q: %w", filePath, err)
	}
	if len(nodeKey.PrivKey) != ed25519.PrivateKeySize {
		return NodeKey{}, fmt.Errorf("node key %q: invalid private key length %d", filePath, len(nodeKey.PrivKey))
	}
	nodeKey.ID = NodeIDFromPubKey(nodeKey.PubKey())
	return nodeKey, nil
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (NodeKey, error) {
	if _, err := os.Stat(filePath); err == nil {
		return LoadNodeKey(filePath)
	}
	nodeKey := GenNodeKey()
	if err := nodeKey.SaveAs(filePath); err != nil {
		return NodeKey{}, err
	}
	return nodeKey, nil
}
