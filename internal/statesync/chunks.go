package statesync

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/Lildeebo2002/ic/types"
)

var (
	// errRetryBudgetExhausted aborts a session once its shared chunk retry
	// budget is spent.
	errRetryBudgetExhausted = errors.New("chunk retry budget exhausted")

	// errChunkMismatch is returned for a chunk whose hash does not match the
	// manifest.
	errChunkMismatch = errors.New("chunk hash mismatch")
)

type chunkStatus int

const (
	chunkPending chunkStatus = iota
	chunkInFlight
	chunkDone
)

// chunkQueue tracks chunk fetch progress for one session. Failed fetches
// (hash mismatch, missing chunk, timeout) return the chunk to the pending
// set and draw on a retry budget shared across all chunks of the session;
// the peer that failed is excluded from retries of that chunk.
type chunkQueue struct {
	manifest Manifest

	mtx         sync.Mutex
	status      []chunkStatus
	chunks      [][]byte
	retriesLeft int
	failed      []map[types.NodeID]bool
	done        int
	reused      int
}

// newChunkQueue builds a queue for the manifest. prev, if non-nil, is the
// previous checkpoint's blob: chunks whose hashes already match are marked
// done without fetching.
func newChunkQueue(manifest Manifest, prev []byte, chunkSize, retryBudget int) *chunkQueue {
	q := &chunkQueue{
		manifest:    manifest,
		status:      make([]chunkStatus, manifest.NumChunks()),
		chunks:      make([][]byte, manifest.NumChunks()),
		retriesLeft: retryBudget,
		failed:      make([]map[types.NodeID]bool, manifest.NumChunks()),
	}
	if prev != nil {
		for i, chunk := range splitChunks(prev, chunkSize) {
			if i >= manifest.NumChunks() {
				break
			}
			if manifest.VerifyChunk(i, chunk) {
				q.status[i] = chunkDone
				q.chunks[i] = chunk
				q.done++
				q.reused++
			}
		}
	}
	return q
}

// Allocate returns the next pending chunk index, marking it in flight. It
// returns false when no chunk is pending (either all are done or all pending
// work is already in flight).
func (q *chunkQueue) Allocate() (int, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	for i, st := range q.status {
		if st == chunkPending {
			q.status[i] = chunkInFlight
			return i, true
		}
	}
	return 0, false
}

// Deliver verifies and stores a fetched chunk. A hash mismatch returns
// errChunkMismatch, reschedules the chunk away from the offending peer and
// consumes retry budget; errRetryBudgetExhausted is returned instead once
// the budget is spent.
func (q *chunkQueue) Deliver(index int, peer types.NodeID, chunk []byte) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if index < 0 || index >= len(q.status) {
		return fmt.Errorf("chunk index %d out of range", index)
	}
	if q.status[index] == chunkDone {
		return nil
	}
	if !q.manifest.VerifyChunk(index, chunk) {
		return q.failLocked(index, peer, errChunkMismatch)
	}
	q.status[index] = chunkDone
	q.chunks[index] = chunk
	q.done++
	return nil
}

// Fail reschedules an in-flight chunk after a fetch failure, excluding the
// failed peer from its retries and consuming retry budget.
func (q *chunkQueue) Fail(index int, peer types.NodeID) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if index < 0 || index >= len(q.status) || q.status[index] == chunkDone {
		return nil
	}
	return q.failLocked(index, peer, nil)
}

func (q *chunkQueue) failLocked(index int, peer types.NodeID, cause error) error {
	if q.failed[index] == nil {
		q.failed[index] = map[types.NodeID]bool{}
	}
	q.failed[index][peer] = true
	q.retriesLeft--
	if q.retriesLeft < 0 {
		return errRetryBudgetExhausted
	}
	q.status[index] = chunkPending
	return cause
}

// Eligible reports whether peer may serve retries of the chunk at index.
func (q *chunkQueue) Eligible(index int, peer types.NodeID) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return !q.failed[index][peer]
}

// Done reports whether every chunk has been verified.
func (q *chunkQueue) Done() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.done == len(q.status)
}

// Reused returns the number of chunks satisfied from the previous
// checkpoint.
func (q *chunkQueue) Reused() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.reused
}

// Assemble concatenates the verified chunks and checks the result against
// the manifest root hash.
func (q *chunkQueue) Assemble() ([]byte, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.done != len(q.status) {
		return nil, fmt.Errorf("assembling with %d of %d chunks", q.done, len(q.status))
	}
	var buf bytes.Buffer
	for _, chunk := range q.chunks {
		buf.Write(chunk)
	}
	data := buf.Bytes()
	manifest := NewManifest(q.manifest.Height, q.chunks)
	if !bytes.Equal(manifest.RootHash, q.manifest.RootHash) {
		return nil, errors.New("assembled state does not match manifest root hash")
	}
	return data, nil
}
