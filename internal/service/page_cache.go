package service

import (
	"sort"
	"strconv"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vatwatch/vatwatch-api/internal/models"
)

// PageCache stores already-fetched result pages, keyed by page number and
// scoped to one view's current filter state. A monotonically increasing query
// epoch detects stale async completions: any write carrying an old epoch is
// discarded instead of overwriting fresher data.
type PageCache struct {
	mu    sync.Mutex
	store *gocache.Cache
	epoch int64
}

// NewPageCache constructs an empty page cache at epoch zero.
func NewPageCache() *PageCache {
	return &PageCache{store: gocache.New(gocache.NoExpiration, 0)}
}

func pageKey(page int) string {
	return strconv.Itoa(page)
}

// Epoch returns the current query epoch. Async fetches capture it before
// starting and hand it back on write.
func (c *PageCache) Epoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Get returns the cached rows for a page, if present.
func (c *PageCache) Get(page int) ([]models.EntryDetail, bool) {
	if v, ok := c.store.Get(pageKey(page)); ok {
		return v.([]models.EntryDetail), true
	}
	return nil, false
}

// Has reports whether a page is cached without copying it out.
func (c *PageCache) Has(page int) bool {
	_, ok := c.store.Get(pageKey(page))
	return ok
}

// SetIfCurrent stores a page when the writer's epoch still matches the
// cache's. It reports whether the write was applied.
func (c *PageCache) SetIfCurrent(epoch int64, page int, rows []models.EntryDetail) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.store.Set(pageKey(page), rows, gocache.NoExpiration)
	return true
}

// Invalidate clears every cached page and advances the epoch so that late
// writers from the previous filter state are rejected. It returns the new
// epoch.
func (c *PageCache) Invalidate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Flush()
	c.epoch++
	return c.epoch
}

// Pages returns the cached page numbers in ascending order.
func (c *PageCache) Pages() []int {
	items := c.store.Items()
	pages := make([]int, 0, len(items))
	for key := range items {
		if page, err := strconv.Atoi(key); err == nil {
			pages = append(pages, page)
		}
	}
	sort.Ints(pages)
	return pages
}

// MutateAll applies fn to every cached page under the cache lock, re-storing
// whatever fn returns. The transform always operates on the latest snapshot,
// so concurrent completions cannot lose updates.
func (c *PageCache) MutateAll(fn func(page int, rows []models.EntryDetail) []models.EntryDetail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, item := range c.store.Items() {
		page, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		rows := item.Object.([]models.EntryDetail)
		c.store.Set(key, fn(page, rows), gocache.NoExpiration)
	}
}
