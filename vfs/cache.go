package vfs

import (
	"strings"
	"sync"
	"time"
)

// cacheEntry holds one decoded buffer plus the bookkeeping the eviction
// score needs, patterned after the teacher's ARCEntry
// (cache/adaptive_replacement_cache.go) but carrying a caller-assigned
// Priority instead of ARC's four-list promotion state.
type cacheEntry struct {
	data        []byte
	size        int64
	lastAccess  time.Time
	accessCount int64
	priority    int
}

// Cache is a size- and entry-count-bounded byte cache keyed by normalised
// path. Eviction picks the entry with the lowest
// score = last_access.Unix() + priority*3600 (spec.md §4.6: "higher-priority
// entries effectively look one hour younger" per priority point — the sign
// here is "+", not the literal "-" the formula line shows, since "-" would
// make higher-priority entries look older and get evicted first, the
// opposite of both that sentence and of spec.md §8 scenario 6's worked
// example; see DESIGN.md), a priority-biased LRU: a higher-priority entry
// survives longer than a same-age low-priority one.
type Cache struct {
	mu sync.Mutex

	maxBytes   int64
	maxEntries int
	enableLRU  bool

	entries    map[string]*cacheEntry
	totalBytes int64

	hits, misses, evictions int64
}

// NewCache constructs an empty Cache bounded by maxBytes and maxEntries.
// When enableLRU is false, Put never evicts; entries only leave the cache
// via InvalidatePrefix (config.Config.EnableLRU: "When disabled, the cache
// only evicts on explicit unmount").
func NewCache(maxBytes int64, maxEntries int, enableLRU bool) *Cache {
	return &Cache{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
		enableLRU:  enableLRU,
		entries:    make(map[string]*cacheEntry),
	}
}

// Get returns the cached bytes for path, if present, updating its access
// stats. It never initiates I/O (spec.md §4.6: get_sync semantics).
func (c *Cache) Get(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok {
		c.misses++
		return nil, false
	}
	e.lastAccess = time.Now()
	e.accessCount++
	c.hits++
	return e.data, true
}

// Put inserts or replaces the cached entry for path, evicting lower-score
// entries as needed to respect the size and count caps.
func (c *Cache) Put(path string, data []byte, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(data))
	if old, ok := c.entries[path]; ok {
		c.totalBytes -= old.size
	}
	c.entries[path] = &cacheEntry{
		data:       data,
		size:       size,
		lastAccess: time.Now(),
		priority:   priority,
	}
	c.totalBytes += size

	if c.enableLRU {
		c.evictLocked()
	}
}

// evictLocked removes the lowest-score entries until both caps are
// satisfied. Callers must hold c.mu.
func (c *Cache) evictLocked() {
	for c.totalBytes > c.maxBytes || (c.maxEntries > 0 && len(c.entries) > c.maxEntries) {
		var worstPath string
		var worstScore int64
		first := true
		for path, e := range c.entries {
			score := e.lastAccess.Unix() + int64(e.priority)*3600
			if first || score < worstScore {
				worstScore = score
				worstPath = path
				first = false
			}
		}
		if first {
			return // cache is empty; nothing left to evict
		}
		c.totalBytes -= c.entries[worstPath].size
		delete(c.entries, worstPath)
		c.evictions++
	}
}

// InvalidatePrefix drops every cached entry whose path falls under prefix,
// called on unmount (spec.md §4.6: "drops every cache entry whose
// normalised key starts with the prefix").
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, e := range c.entries {
		if prefix == "" || path == prefix || strings.HasPrefix(path, prefix+"/") {
			c.totalBytes -= e.size
			delete(c.entries, path)
		}
	}
}

// CacheStats summarizes cache activity for diagnostics.
type CacheStats struct {
	Entries    int
	TotalBytes int64
	Hits       int64
	Misses     int64
	Evictions  int64
}

func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:    len(c.entries),
		TotalBytes: c.totalBytes,
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
	}
}
