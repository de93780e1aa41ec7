// Package keyring maps archive encryption-key GUIDs to AES keys.
//
// A Registry is the single point of truth callers thread through container
// opens; it is deliberately an ordinary value (not a package-level global)
// so tests can construct an isolated registry per case, in the spirit of
// spec.md's "Global registries" design note.
package keyring

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"pakvfs/logger"
	"pakvfs/pakerr"
)

// Stats summarizes registry activity for diagnostics.
type Stats struct {
	Keys   int
	Hits   int64
	Misses int64
}

// Registry is a GUID -> AES-key map with a lookup cache and an optional
// chain of fallback providers (e.g. remote key services, prompts).
//
// Lookup takes a shared (read) lock; Add/Submit take an exclusive (write)
// lock. Multiple readers may share one Registry across archive opens.
type Registry struct {
	mu        sync.RWMutex
	keys      map[string][]byte
	negative  map[string]bool
	providers []Provider
	hits      int64
	misses    int64
}

// Provider supplies a key for a GUID it wasn't directly registered with
// (e.g. fetched from a vault). Providers are consulted in registration
// order on a cache miss; a successful result is memoised like a direct Add.
type Provider interface {
	Lookup(guid string) ([]byte, bool)
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		keys:     make(map[string][]byte),
		negative: make(map[string]bool),
	}
}

// canonical renders a GUID in the case-insensitive canonical hyphenated
// form used as the map key.
func canonical(guid string) string {
	if parsed, err := uuid.Parse(guid); err == nil {
		return strings.ToUpper(parsed.String())
	}
	return strings.ToUpper(guid)
}

// Add registers a key for guid. It fails with pakerr.InvalidKey unless the
// key is 16, 24, or 32 bytes (AES-128/192/256).
func (r *Registry) Add(guid string, key []byte) error {
	switch len(key) {
	case 16, 24, 32:
	default:
		return pakerr.New(pakerr.InvalidKey, "keyring.Add",
			errInvalidKeyLength(len(key))).WithPath(guid)
	}
	id := canonical(guid)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[id] = append([]byte(nil), key...)
	delete(r.negative, id)
	logger.TraceIf("keyring", "registered key for %s (%d bytes)", id, len(key))
	return nil
}

// Submit is a convenience for Add followed by an immediate Get, used by
// callers that want to retry a failed decrypt with a freshly supplied key.
func (r *Registry) Submit(guid string, key []byte) ([]byte, error) {
	if err := r.Add(guid, key); err != nil {
		return nil, err
	}
	k, _ := r.Get(guid)
	return k, nil
}

// Get looks up the key for guid, consulting the provider chain on a miss
// and memoising both hits and misses.
func (r *Registry) Get(guid string) ([]byte, bool) {
	id := canonical(guid)

	r.mu.RLock()
	if k, ok := r.keys[id]; ok {
		r.mu.RUnlock()
		r.recordHit()
		return k, true
	}
	if r.negative[id] {
		r.mu.RUnlock()
		r.recordMiss()
		return nil, false
	}
	providers := r.providers
	r.mu.RUnlock()

	for _, p := range providers {
		if k, ok := p.Lookup(id); ok {
			r.mu.Lock()
			r.keys[id] = k
			r.mu.Unlock()
			r.recordHit()
			return k, true
		}
	}

	r.mu.Lock()
	r.negative[id] = true
	r.mu.Unlock()
	r.recordMiss()
	return nil, false
}

// AddProvider appends a fallback provider consulted in registration order.
func (r *Registry) AddProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// ClearCache drops memoised negative lookups, forcing the next Get to
// re-consult the provider chain. Directly registered keys are untouched.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.negative = make(map[string]bool)
}

func (r *Registry) recordHit()  { r.mu.Lock(); r.hits++; r.mu.Unlock() }
func (r *Registry) recordMiss() { r.mu.Lock(); r.misses++; r.mu.Unlock() }

// Stats reports current registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Keys: len(r.keys), Hits: r.hits, Misses: r.misses}
}

type errInvalidKeyLength int

func (e errInvalidKeyLength) Error() string {
	return "invalid key length: must be 16, 24, or 32 bytes"
}
