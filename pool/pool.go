// Package pool provides the content-addressable artifact store consumed by
// the gossip layer. The pool holds at most one artifact per identifier and
// exposes a notification stream of inserts, which the distribution manager
// uses to advertise artifacts to peers.
package pool

import (
	"errors"
	"sync"

	"github.com/Lildeebo2002/ic/types"
)

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = errors.New("artifact pool is closed")

// Pool is the artifact store interface. The gossip layer is not the pool's
// only writer: consensus inserts locally produced artifacts too, so Insert
// treats "already present" as a normal, non-error outcome.
type Pool interface {
	// Insert adds an artifact. It returns false if the artifact was already
	// present. Inserts are announced on the notification stream.
	Insert(artifact types.Artifact) (bool, error)

	// Has reports whether the pool holds the artifact.
	Has(id types.ArtifactID) bool

	// Get returns an artifact by ID.
	Get(id types.ArtifactID) (types.Artifact, bool)

	// Remove deletes an artifact, if present.
	Remove(id types.ArtifactID)

	// Inserted returns the notification stream of inserted artifacts. The
	// stream is bounded: when the subscriber lags, notifications are
	// dropped rather than buffered without limit.
	Inserted() <-chan types.Artifact
}

// notifyBuffer is the size of the insert notification stream.
const notifyBuffer = 1000

// InMemoryPool is a Pool backed by a map. It ships for tests and for node
// assembly where no external pool is wired in.
type InMemoryPool struct {
	mtx       sync.RWMutex
	artifacts map[types.ArtifactID]types.Artifact
	insertCh  chan types.Artifact
	closed    bool
}

var _ Pool = (*InMemoryPool)(nil)

// NewInMemoryPool creates an empty pool.
func NewInMemoryPool() *InMemoryPool {
	return &InMemoryPool{
		artifacts: make(map[types.ArtifactID]types.Artifact),
		insertCh:  make(chan types.Artifact, notifyBuffer),
	}
}

// Insert implements Pool.
func (p *InMemoryPool) Insert(artifact types.Artifact) (bool, error) {
	if err := artifact.ValidateBasic(); err != nil {
		return false, err
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.closed {
		return false, ErrPoolClosed
	}
	if _, ok := p.artifacts[artifact.ID]; ok {
		return false, nil
	}
	p.artifacts[artifact.ID] = artifact

	// Non-blocking notify: a lagging subscriber loses notifications, not
	// the pool.
	select {
	case p.insertCh <- artifact:
	default:
	}
	return true, nil
}

// Has implements Pool.
func (p *InMemoryPool) Has(id types.ArtifactID) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	_, ok := p.artifacts[id]
	return ok
}

// Get implements Pool.
func (p *InMemoryPool) Get(id types.ArtifactID) (types.Artifact, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	artifact, ok := p.artifacts[id]
	return artifact, ok
}

// Remove implements Pool.
func (p *InMemoryPool) Remove(id types.ArtifactID) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	delete(p.artifacts, id)
}

// Inserted implements Pool.
func (p *InMemoryPool) Inserted() <-chan types.Artifact {
	return p.insertCh
}

// Size returns the number of artifacts in the pool.
func (p *InMemoryPool) Size() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.artifacts)
}

// Close marks the pool closed. Further inserts fail with ErrPoolClosed.
func (p *InMemoryPool) Close() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.closed = true
}
