package gossip

import "github.com/Lildeebo2002/ic/types"

// PriorityFunc reports whether advert a should be fetched before advert b.
// It must be a strict weak ordering with a total tie-break so the scheduler
// is deterministic. Different artifact kinds express their urgency semantics
// by swapping this function; the scheduler itself never changes.
type PriorityFunc func(a, b types.Advert) bool

// DefaultPriority fetches earlier consensus heights first, within a height
// smaller artifacts first to maximize throughput, and breaks remaining ties
// by lowest identifier.
func DefaultPriority(a, b types.Advert) bool {
	if a.Height != b.Height {
		return a.Height < b.Height
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.ID.Less(b.ID)
}
