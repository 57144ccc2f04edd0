package virtual

import (
	"container/list"
	"os"
	"sync"
	"time"
)

// TableCache is a small thread-safe LRU of parsed rating-curve tables.
// Entries are revalidated against the file's modification time, so editing
// a ".rcv" file on disk takes effect on the next request. Parsed tables are
// immutable; per-request window filtering happens after lookup.
type TableCache struct {
	maxEntries int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	path    string
	modTime time.Time
	table   Table
}

// NewTableCache creates a cache holding up to maxEntries parsed tables.
func NewTableCache(maxEntries int) *TableCache {
	if maxEntries <= 0 {
		maxEntries = 32
	}
	return &TableCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
	}
}

// Load returns the parsed table for path, reading the file only when the
// cache has no fresh copy.
func (c *TableCache) Load(path string) (Table, error) {
	info, err := os.Stat(path)
	if err != nil {
		// Delegate the error shaping to the loader.
		return LoadTable(path)
	}

	if t, ok := c.get(path, info.ModTime()); ok {
		return t, nil
	}

	t, err := LoadTable(path)
	if err != nil {
		return Table{}, err
	}
	c.put(path, info.ModTime(), t)
	return t, nil
}

func (c *TableCache) get(path string, modTime time.Time) (Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[path]
	if !ok {
		return Table{}, false
	}
	ent := el.Value.(*cacheEntry)
	if !ent.modTime.Equal(modTime) {
		c.order.Remove(el)
		delete(c.entries, path)
		return Table{}, false
	}
	c.order.MoveToFront(el)
	return ent.table, true
}

func (c *TableCache) put(path string, modTime time.Time, t Table) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[path]; ok {
		el.Value.(*cacheEntry).modTime = modTime
		el.Value.(*cacheEntry).table = t
		c.order.MoveToFront(el)
		return
	}
	c.entries[path] = c.order.PushFront(&cacheEntry{path: path, modTime: modTime, table: t})

	for c.order.Len() > c.maxEntries {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).path)
	}
}
