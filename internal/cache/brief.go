package cache

import (
	"sync"
	"time"

	"github.com/huyhandes/aurcache/internal/aur"
)

type briefEntry struct {
	records   []aur.Record
	fetchedAt time.Time
}

// BriefCache memoises search results for the life of the process. Search
// hits are brief records, so they are never written to a Store.
type BriefCache struct {
	mu      sync.RWMutex
	entries map[string]*briefEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewBriefCache(opts Options) *BriefCache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &BriefCache{
		entries: make(map[string]*briefEntry),
		ttl:     opts.TTL,
		now:     now,
	}
}

// Get returns a copy of the memoised hits for key if they are still fresh.
func (c *BriefCache) Get(key string) ([]aur.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || !Fresh(entry.fetchedAt, c.now(), c.ttl) {
		return nil, false
	}
	return append([]aur.Record(nil), entry.records...), true
}

func (c *BriefCache) Set(key string, records []aur.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &briefEntry{
		records:   append([]aur.Record(nil), records...),
		fetchedAt: c.now(),
	}
}

// Invalidate drops every memoised search.
func (c *BriefCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*briefEntry)
}
