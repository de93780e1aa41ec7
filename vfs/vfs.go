// Package vfs exposes one or more mounted PAK/IoStore archives as a single
// read-only virtual file system: priority-ordered mounts, a priority-biased
// LRU byte cache, and a concurrency-bounded, deduplicating async load path.
package vfs

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"pakvfs/archive"
	"pakvfs/logger"
	"pakvfs/pakerr"
)

// Vfs is the top-level, mount-aware read-only file system.
type Vfs struct {
	mu     sync.RWMutex
	mounts []*Mount
	nextSeq int

	cache     *Cache
	queue     *LoadQueue
	preloader *Preloader
	stats     *statsCollector
}

// Config bounds the cache and the async load path.
type Config struct {
	MaxCacheSize       int64
	MaxCacheEntries    int
	EnableLRU          bool
	MaxConcurrentLoads int
}

// New constructs an empty Vfs with no mounts.
func New(cfg Config) *Vfs {
	v := &Vfs{
		cache: NewCache(cfg.MaxCacheSize, cfg.MaxCacheEntries, cfg.EnableLRU),
		queue: NewLoadQueue(cfg.MaxConcurrentLoads),
		stats: newStatsCollector(),
	}
	v.preloader = NewPreloader(v.schedulePreloadBatch, v.listAcrossMounts)
	return v
}

// AddPreloadRule registers a trigger-substring -> regexp-pattern preload
// rule (spec.md §4.6: "preload patterns").
func (v *Vfs) AddPreloadRule(rule PreloadRule) {
	v.preloader.AddRule(rule)
}

// Mount attaches archive under prefix at priority. read_only is recorded
// for callers; this VFS never writes regardless.
func (v *Vfs) Mount(prefix string, a archive.Archive, priority int, readOnly bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m := &Mount{
		Archive:  a,
		Prefix:   normalizePrefix(prefix),
		Priority: priority,
		ReadOnly: readOnly,
		seq:      v.nextSeq,
	}
	v.nextSeq++
	mounts := make([]*Mount, 0, len(v.mounts)+1)
	mounts = append(append(mounts, v.mounts...), m)
	sortMounts(mounts)
	v.mounts = mounts
	logger.Info("vfs: mounted %q at priority %d (%d mounts total)", m.Prefix, priority, len(v.mounts))
}

// Unmount removes the mount at prefix, closes its archive, and drops every
// cache entry whose path falls under that prefix.
func (v *Vfs) Unmount(prefix string) error {
	norm := normalizePrefix(prefix)
	v.mu.Lock()
	var removed *Mount
	kept := v.mounts[:0:0]
	for _, m := range v.mounts {
		if m.Prefix == norm && removed == nil {
			removed = m
			continue
		}
		kept = append(kept, m)
	}
	v.mounts = kept
	v.mu.Unlock()

	if removed == nil {
		return pakerr.New(pakerr.NotFound, "vfs.Unmount", errNoSuchMount(norm))
	}
	v.cache.InvalidatePrefix(norm)
	logger.Info("vfs: unmounted %q", norm)
	return removed.Archive.Close()
}

type errNoSuchMount string

func (e errNoSuchMount) Error() string { return "no mount at prefix " + string(e) }

// normalizePath replaces backslashes with forward slashes, collapses
// duplicate separators, and lower-cases ASCII (spec.md §4.6).
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.Trim(p, "/")
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// snapshotMounts returns the current mount list under the read lock, in
// priority order.
func (v *Vfs) snapshotMounts() []*Mount {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*Mount, len(v.mounts))
	copy(out, v.mounts)
	return out
}

// Exists reports whether path is cached or any mount reports it, scanning
// mounts in priority order.
func (v *Vfs) Exists(path string) bool {
	norm := normalizePath(path)
	if _, ok := v.cache.Get(norm); ok {
		return true
	}
	for _, m := range v.snapshotMounts() {
		if m.ownsPath(norm) && m.Archive.Has(m.relativePath(norm)) {
			return true
		}
	}
	return false
}

// GetSync returns the cached buffer for path, or (nil, false) without
// initiating any I/O (spec.md §4.6: get_sync never triggers a load).
func (v *Vfs) GetSync(path string) ([]byte, bool) {
	norm := normalizePath(path)
	data, ok := v.cache.Get(norm)
	if ok {
		v.stats.record("hit", norm)
	} else {
		v.stats.record("miss", norm)
	}
	return data, ok
}

// pickMount returns the highest-priority mount that owns path and whose
// archive actually contains it.
func (v *Vfs) pickMount(path string) *Mount {
	for _, m := range v.snapshotMounts() {
		if !m.ownsPath(path) {
			continue
		}
		if m.Archive.Has(m.relativePath(path)) {
			return m
		}
	}
	return nil
}

// GetAsync returns cached bytes immediately on a hit. On a miss, it
// schedules an extraction at priority (deduplicated against any in-flight
// load for the same path, and bounded by MaxConcurrentLoads) and returns a
// channel delivering the eventual Result.
func (v *Vfs) GetAsync(path string, priority int) <-chan Result {
	norm := normalizePath(path)
	if data, ok := v.cache.Get(norm); ok {
		v.stats.record("hit", norm)
		ch := make(chan Result, 1)
		ch <- Result{Data: data}
		return ch
	}
	v.stats.record("miss", norm)

	_, ch := v.queue.Submit(norm, priority, func(ctx context.Context) ([]byte, error) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m := v.pickMount(norm)
		if m == nil {
			return nil, nil
		}
		data, err := m.Archive.Get(m.relativePath(norm))
		if err != nil {
			v.stats.record("load_err", norm)
			return nil, err
		}
		if data == nil {
			return nil, nil
		}
		if ctx.Err() != nil {
			// Caller cancelled while the extract was running; the bytes
			// are good, but nobody asked for them into the cache anymore.
			return data, ctx.Err()
		}
		v.cache.Put(norm, data, priority)
		v.stats.record("load_ok", norm)
		v.preloader.OnLoad(norm)
		return data, nil
	})
	return ch
}

// Cancel drops the in-flight or queued load for path, if any (spec.md §5:
// "Cancellation and timeouts"). Reports whether a load for path was found.
// A queued load is dropped before loadFn ever runs; an already-active load
// still runs to completion (there is no hook to interrupt an in-progress
// archive.Archive.Get), but its Result is still delivered as Cancelled.
func (v *Vfs) Cancel(path string) bool {
	return v.queue.Cancel(normalizePath(path))
}

// schedulePreloadBatch runs one goroutine that submits paths as async
// loads in order, rather than spawning one goroutine per preloaded path
// (spec.md §4.6: preload matches are enqueued as a single batch job).
func (v *Vfs) schedulePreloadBatch(paths []string, priority int) {
	go func() {
		for _, p := range paths {
			<-v.GetAsync(p, priority)
		}
	}()
}

func (v *Vfs) listAcrossMounts(pattern *regexp.Regexp) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range v.snapshotMounts() {
		for _, info := range m.Archive.List("*") {
			full := info.Path
			if m.Prefix != "" {
				full = m.Prefix + "/" + full
			}
			full = normalizePath(full)
			if pattern != nil && !pattern.MatchString(full) {
				continue
			}
			if !seen[full] {
				seen[full] = true
				out = append(out, full)
			}
		}
	}
	return out
}

// List returns every distinct path across all mounts matching glob,
// highest-priority mount's metadata winning on path collisions.
func (v *Vfs) List(glob string) []archive.EntryInfo {
	byPath := make(map[string]archive.EntryInfo)
	var order []string
	for _, m := range v.snapshotMounts() {
		for _, info := range m.Archive.List(glob) {
			full := info.Path
			if m.Prefix != "" {
				full = m.Prefix + "/" + full
			}
			full = normalizePath(full)
			if _, exists := byPath[full]; !exists {
				order = append(order, full)
				info.Path = full
				byPath[full] = info
			}
		}
	}
	out := make([]archive.EntryInfo, 0, len(order))
	for _, p := range order {
		out = append(out, byPath[p])
	}
	return out
}

// Stats reports current cache, queue, and prometheus-backed counters.
type Stats struct {
	Cache CacheStats
	Queue QueueStats
	Snap  Snapshot
}

func (v *Vfs) Stats() Stats {
	return Stats{Cache: v.cache.Stats(), Queue: v.queue.Stats(), Snap: v.stats.snapshot()}
}

// Close unmounts every mount and stops the stats collector.
func (v *Vfs) Close() error {
	v.mu.Lock()
	mounts := v.mounts
	v.mounts = nil
	v.mu.Unlock()

	var firstErr error
	for _, m := range mounts {
		if err := m.Archive.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	v.stats.close()
	return firstErr
}
