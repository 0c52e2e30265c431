// dedup.go implements the bounded deduplication window.
//
// The cache is an LRU over (source, vendorSequence) pairs: a hit means the
// event was already accepted and must be dropped (and acknowledged). The
// window defaults to 10^6 entries; evicted entries can in principle re-admit
// a very old duplicate, which the position engine's own idempotency checks
// then absorb.
package ingest

import (
	"container/list"
	"sync"

	"ims-engine/internal/events"
)

type dedupCache struct {
	mu    sync.Mutex
	max   int
	order *list.List // front = most recent
	index map[events.DedupKey]*list.Element
}

func newDedupCache(max int) *dedupCache {
	return &dedupCache{
		max:   max,
		order: list.New(),
		index: make(map[events.DedupKey]*list.Element, max),
	}
}

// Seen records the key and reports whether it was already present.
func (d *dedupCache) Seen(key events.DedupKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.index[key]; ok {
		d.order.MoveToFront(el)
		return true
	}
	d.index[key] = d.order.PushFront(key)
	if d.order.Len() > d.max {
		last := d.order.Back()
		d.order.Remove(last)
		delete(d.index, last.Value.(events.DedupKey))
	}
	return false
}

// Len returns the current window occupancy.
func (d *dedupCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
