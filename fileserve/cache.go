package fileserve

import (
	"sync"

	"github.com/mbenkmann/gtkg-transport/byterange"
)

// rangeCache tracks, per served file Id, which byte ranges have already
// been served at least once. It backs the X-Available-Ranges extra: a
// resource advertises the spans recorded so far. The file data itself is
// always read from its stream; nothing here holds the bytes.
type rangeCache struct {
	mu     sync.Mutex
	ranges map[uint64]byterange.Set
}

func newRangeCache() *rangeCache {
	return &rangeCache{ranges: map[uint64]byterange.Set{}}
}

// Observe records that [start,end] of the file identified by id has just
// been served, growing its known-available set.
func (c *rangeCache) Observe(id uint64, start, end uint64) {
	if end < start {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranges[id] = byterange.Merge(c.ranges[id], byterange.Set{{Start: start, End: end}})
}

// Available returns the byte ranges known to be available for id.
func (c *rangeCache) Available(id uint64) byterange.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ranges[id]
}
