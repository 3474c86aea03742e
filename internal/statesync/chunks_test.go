package statesync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkQueueFetchAll(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	chunks := splitChunks(data, 8)
	manifest := NewManifest(1, chunks)
	q := newChunkQueue(manifest, nil, 8, 4)

	for want := 0; want < 3; want++ {
		index, ok := q.Allocate()
		require.True(t, ok)
		require.Equal(t, want, index)
		require.NoError(t, q.Deliver(index, "p1", chunks[index]))
	}
	_, ok := q.Allocate()
	require.False(t, ok)
	require.True(t, q.Done())

	assembled, err := q.Assemble()
	require.NoError(t, err)
	require.Equal(t, data, assembled)
}

func TestChunkQueueMismatchConsumesBudget(t *testing.T) {
	chunks := splitChunks([]byte("0123456789abcdefghij"), 8)
	manifest := NewManifest(1, chunks)
	q := newChunkQueue(manifest, nil, 8, 1)

	index, ok := q.Allocate()
	require.True(t, ok)

	// A bad chunk requeues the index and bans the peer from it.
	err := q.Deliver(index, "p1", []byte("garbage!"))
	require.ErrorIs(t, err, errChunkMismatch)
	require.False(t, q.Eligible(index, "p1"))
	require.True(t, q.Eligible(index, "p2"))

	again, ok := q.Allocate()
	require.True(t, ok)
	require.Equal(t, index, again)

	// Budget of one retry is spent; the next failure is fatal.
	err = q.Deliver(again, "p2", []byte("garbage!"))
	require.ErrorIs(t, err, errRetryBudgetExhausted)
}

func TestChunkQueueFailRequeues(t *testing.T) {
	chunks := splitChunks([]byte("0123456789abcdefghij"), 8)
	manifest := NewManifest(1, chunks)
	q := newChunkQueue(manifest, nil, 8, 4)

	index, ok := q.Allocate()
	require.True(t, ok)
	require.NoError(t, q.Fail(index, "p1"))
	require.False(t, q.Eligible(index, "p1"))

	again, ok := q.Allocate()
	require.True(t, ok)
	require.Equal(t, index, again)
	require.NoError(t, q.Deliver(again, "p2", chunks[index]))
}

func TestChunkQueueReusesPreviousCheckpoint(t *testing.T) {
	prev := []byte("0123456789abcdefghij")
	next := []byte("0123456789abcdefXXXX")
	manifest := NewManifest(2, splitChunks(next, 8))

	q := newChunkQueue(manifest, prev, 8, 4)
	require.Equal(t, 2, q.Reused())

	// Only the changed tail chunk needs fetching.
	index, ok := q.Allocate()
	require.True(t, ok)
	require.Equal(t, 2, index)
	require.NoError(t, q.Deliver(index, "p1", []byte("XXXX")))
	require.True(t, q.Done())

	assembled, err := q.Assemble()
	require.NoError(t, err)
	require.Equal(t, next, assembled)
}
