package statesync

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/creachadair/atomicfile"
)

// DefaultChunkSize is the checkpoint chunk size used when none is configured.
const DefaultChunkSize = 1 << 20 // 1 MiB

// CheckpointStore holds the replica's latest checkpoint on disk and serves
// its manifest and chunks. A checkpoint is a single opaque state blob; the
// manifest is regenerated from the blob, never stored. The store keeps only
// the latest height: installing a new checkpoint replaces the previous file
// atomically.
type CheckpointStore struct {
	dir       string
	chunkSize int

	mtx      sync.RWMutex
	height   uint64
	data     []byte
	manifest Manifest
}

// NewCheckpointStore opens (or creates) a checkpoint store in dir, loading
// the latest checkpoint file if one exists. chunkSize <= 0 selects
// DefaultChunkSize.
func NewCheckpointStore(dir string, chunkSize int) (*CheckpointStore, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	s := &CheckpointStore{dir: dir, chunkSize: chunkSize}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// checkpointFile returns the file name for a checkpoint at height.
func (s *CheckpointStore) checkpointFile(height uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint-%d", height))
}

// load finds the highest checkpoint file in the store directory and caches
// its blob and manifest. Lower-height leftovers are removed.
func (s *CheckpointStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read checkpoint dir: %w", err)
	}

	var best uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "checkpoint-") {
			continue
		}
		height, err := strconv.ParseUint(strings.TrimPrefix(name, "checkpoint-"), 10, 64)
		if err != nil {
			continue
		}
		if height > best {
			best = height
		}
	}
	if best == 0 {
		return nil
	}

	data, err := os.ReadFile(s.checkpointFile(best))
	if err != nil {
		return fmt.Errorf("read checkpoint %d: %w", best, err)
	}
	s.height = best
	s.data = data
	s.manifest = NewManifest(best, splitChunks(data, s.chunkSize))
	s.pruneBelow(best)
	return nil
}

// pruneBelow removes checkpoint files for heights lower than keep.
func (s *CheckpointStore) pruneBelow(keep uint64) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "checkpoint-") {
			continue
		}
		height, err := strconv.ParseUint(strings.TrimPrefix(name, "checkpoint-"), 10, 64)
		if err != nil || height >= keep {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

// Save installs a checkpoint, replacing any previous one. The file write is
// atomic: a crash mid-save leaves the previous checkpoint intact. Saving a
// height at or below the current one is rejected.
func (s *CheckpointStore) Save(height uint64, data []byte) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if height <= s.height {
		return fmt.Errorf("checkpoint height %d not above current %d", height, s.height)
	}
	if _, err := atomicfile.WriteAll(s.checkpointFile(height), bytes.NewReader(data), 0o600); err != nil {
		return fmt.Errorf("write checkpoint %d: %w", height, err)
	}
	prev := s.height
	s.height = height
	s.data = data
	s.manifest = NewManifest(height, splitChunks(data, s.chunkSize))
	if prev > 0 {
		s.pruneBelow(height)
	}
	return nil
}

// Height returns the current checkpoint height, or false if the store is
// empty.
func (s *CheckpointStore) Height() (uint64, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.height, s.height > 0
}

// Manifest returns the manifest for the checkpoint at height, or false if we
// do not hold that checkpoint.
func (s *CheckpointStore) Manifest(height uint64) (Manifest, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.height == 0 || height != s.height {
		return Manifest{}, false
	}
	return s.manifest, true
}

// Chunk returns one chunk of the checkpoint at height.
func (s *CheckpointStore) Chunk(height uint64, index uint32) ([]byte, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.height == 0 || height != s.height || int(index) >= s.manifest.NumChunks() {
		return nil, false
	}
	chunks := splitChunks(s.data, s.chunkSize)
	return chunks[index], true
}

// Data returns the current checkpoint blob.
func (s *CheckpointStore) Data() ([]byte, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.height == 0 {
		return nil, false
	}
	return s.data, true
}

// ChunkSize returns the store's chunk size.
func (s *CheckpointStore) ChunkSize() int { return s.chunkSize }
