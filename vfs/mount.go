package vfs

import (
	"sort"
	"strings"

	"pakvfs/archive"
)

// Mount binds an open Archive under a path prefix at a given priority.
//
// Mounts are kept in a slice ordered by descending priority (ties broken
// by insertion order), the same copy-on-write-list shape the teacher uses
// for its mount table: readers see a stable snapshot while a writer
// rebuilds and swaps in a fresh slice under the lock.
type Mount struct {
	Archive  archive.Archive
	Prefix   string
	Priority int
	ReadOnly bool

	seq int // insertion order, for stable tie-break
}

// normalizePrefix mirrors normalizePath but is kept separate because a
// mount prefix may legitimately be empty (root mount).
func normalizePrefix(p string) string {
	p = normalizePath(p)
	p = strings.Trim(p, "/")
	return p
}

// sortMounts orders mounts by descending priority, ties by ascending
// insertion sequence (spec.md §3: "ties resolved by insertion order").
func sortMounts(mounts []*Mount) {
	sort.SliceStable(mounts, func(i, j int) bool {
		if mounts[i].Priority != mounts[j].Priority {
			return mounts[i].Priority > mounts[j].Priority
		}
		return mounts[i].seq < mounts[j].seq
	})
}

// ownsPath reports whether path falls under this mount's prefix.
func (m *Mount) ownsPath(path string) bool {
	if m.Prefix == "" {
		return true
	}
	return path == m.Prefix || strings.HasPrefix(path, m.Prefix+"/")
}

// relativePath strips the mount prefix from path, the form the underlying
// Archive indexes its entries under.
func (m *Mount) relativePath(path string) string {
	if m.Prefix == "" {
		return path
	}
	return strings.TrimPrefix(strings.TrimPrefix(path, m.Prefix), "/")
}
