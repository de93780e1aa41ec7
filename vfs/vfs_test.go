package vfs

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pakvfs/archive"
)

// fakeArchive is an in-memory archive.Archive for VFS-level tests, so
// mount/priority/cache/queue behaviour can be exercised without building
// real PAK/IoStore byte fixtures.
type fakeArchive struct {
	mu      sync.Mutex
	files   map[string][]byte
	gets    int32
	delay   time.Duration
	closed  bool
}

func newFakeArchive(files map[string][]byte) *fakeArchive {
	return &fakeArchive{files: files}
}

func (f *fakeArchive) Has(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.files[path]
	return ok
}

func (f *fakeArchive) Get(path string) ([]byte, error) {
	atomic.AddInt32(&f.gets, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (f *fakeArchive) Info(path string) (*archive.EntryInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, false
	}
	return &archive.EntryInfo{Path: path, Size: uint64(len(data))}, true
}

func (f *fakeArchive) List(glob string) []archive.EntryInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []archive.EntryInfo
	for p, data := range f.files {
		out = append(out, archive.EntryInfo{Path: p, Size: uint64(len(data))})
	}
	return out
}

func (f *fakeArchive) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestVfs() *Vfs {
	return New(Config{MaxCacheSize: 1 << 20, MaxCacheEntries: 1000, EnableLRU: true, MaxConcurrentLoads: 4})
}

func TestScenario5_MountPriorityOverride(t *testing.T) {
	low := newFakeArchive(map[string][]byte{"a.txt": []byte("low-priority")})
	high := newFakeArchive(map[string][]byte{"a.txt": []byte("high-priority")})

	v := newTestVfs()
	v.Mount("", low, 0, true)
	v.Mount("", high, 10, true)

	res := <-v.GetAsync("a.txt", 0)
	if res.Err != nil {
		t.Fatalf("GetAsync: %v", res.Err)
	}
	if string(res.Data) != "high-priority" {
		t.Fatalf("got %q, want the higher-priority mount's content", res.Data)
	}
}

func TestScenario6_CacheEvictionUnderPressure(t *testing.T) {
	files := map[string][]byte{
		"a.bin": make([]byte, 100),
		"b.bin": make([]byte, 100),
		"c.bin": make([]byte, 100),
	}
	a := newFakeArchive(files)

	v := New(Config{MaxCacheSize: 250, MaxCacheEntries: 1000, EnableLRU: true, MaxConcurrentLoads: 2})
	v.Mount("", a, 0, true)

	for _, p := range []string{"a.bin", "b.bin", "c.bin"} {
		if res := <-v.GetAsync(p, 0); res.Err != nil {
			t.Fatalf("GetAsync(%s): %v", p, res.Err)
		}
	}

	stats := v.Stats()
	if stats.Cache.TotalBytes > 250 {
		t.Fatalf("cache exceeded its byte cap: %d > 250", stats.Cache.TotalBytes)
	}
	if stats.Cache.Evictions == 0 {
		t.Fatal("expected at least one eviction once the cap was exceeded")
	}
}

// TestScenario6b_CriticalPrioritySurvivesOverFresherNormal exercises the
// actual point of spec.md §8 scenario 6: a higher-priority entry must
// survive eviction even when lower-priority entries were accessed more
// recently. A cap check alone (TestScenario6_CacheEvictionUnderPressure)
// would still pass with an inverted or zeroed-out priority term.
func TestScenario6b_CriticalPrioritySurvivesOverFresherNormal(t *testing.T) {
	const normalPriority = 0
	const criticalPriority = 10 // 10 hours of simulated recency bias

	files := map[string][]byte{
		"critical.bin": make([]byte, 100),
		"normal1.bin":  make([]byte, 100),
		"normal2.bin":  make([]byte, 100),
		"normal3.bin":  make([]byte, 100),
	}
	a := newFakeArchive(files)

	v := New(Config{MaxCacheSize: 250, MaxCacheEntries: 1000, EnableLRU: true, MaxConcurrentLoads: 2})
	v.Mount("", a, 0, true)

	// Load the CRITICAL entry first, so it is also the *oldest* by
	// last-access — if priority didn't matter, it would be the first
	// candidate evicted once later, fresher NORMAL loads push past the
	// byte cap.
	if res := <-v.GetAsync("critical.bin", criticalPriority); res.Err != nil {
		t.Fatalf("GetAsync(critical.bin): %v", res.Err)
	}
	for _, p := range []string{"normal1.bin", "normal2.bin", "normal3.bin"} {
		if res := <-v.GetAsync(p, normalPriority); res.Err != nil {
			t.Fatalf("GetAsync(%s): %v", p, res.Err)
		}
	}

	if _, ok := v.GetSync("critical.bin"); !ok {
		t.Fatal("critical.bin was evicted despite its priority bias; eviction score formula is broken or inverted")
	}
	stats := v.Stats()
	if stats.Cache.Evictions == 0 {
		t.Fatal("expected eviction once the byte cap was exceeded")
	}
	if stats.Cache.TotalBytes > 250 {
		t.Fatalf("cache exceeded its byte cap: %d > 250", stats.Cache.TotalBytes)
	}
}

func TestConcurrentGetAsyncDedups(t *testing.T) {
	a := newFakeArchive(map[string][]byte{"big.bin": []byte("payload")})
	a.delay = 20 * time.Millisecond

	v := newTestVfs()
	v.Mount("", a, 0, true)

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = <-v.GetAsync("big.bin", 0)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r.Err != nil || string(r.Data) != "payload" {
			t.Fatalf("result %d = %q, %v", i, r.Data, r.Err)
		}
	}
	if got := atomic.LoadInt32(&a.gets); got != 1 {
		t.Fatalf("underlying archive.Get called %d times, want exactly 1", got)
	}
}

func TestCancelQueuedLoadNeverRunsLoadFn(t *testing.T) {
	a := newFakeArchive(map[string][]byte{
		"busy.bin":  []byte("busy"),
		"queued.bin": []byte("queued"),
	})
	a.delay = 50 * time.Millisecond

	v := New(Config{MaxCacheSize: 1 << 20, MaxCacheEntries: 1000, EnableLRU: true, MaxConcurrentLoads: 1})
	v.Mount("", a, 0, true)

	// Occupy the one concurrency slot so the second load queues behind it.
	busy := v.GetAsync("busy.bin", 0)

	time.Sleep(5 * time.Millisecond) // let busy.bin's load actually start
	queued := v.GetAsync("queued.bin", 0)

	if !v.Cancel("queued.bin") {
		t.Fatal("Cancel(queued.bin) = false, want true (a ticket should be queued)")
	}

	if res := <-queued; res.Err == nil {
		t.Fatalf("expected the cancelled queued load to resolve with an error, got data %q", res.Data)
	}
	if res := <-busy; res.Err != nil || string(res.Data) != "busy" {
		t.Fatalf("busy.bin load should still complete normally, got %q, %v", res.Data, res.Err)
	}
	if atomic.LoadInt32(&a.gets) != 1 {
		t.Fatalf("archive.Get called %d times, want exactly 1 (queued.bin's loadFn must never run)", atomic.LoadInt32(&a.gets))
	}
}

func TestCancelUnknownPathReturnsFalse(t *testing.T) {
	v := newTestVfs()
	if v.Cancel("nothing/in/flight") {
		t.Fatal("Cancel on a path with no in-flight load should return false")
	}
}

func TestUnmountInvalidatesCacheUnderPrefix(t *testing.T) {
	a := newFakeArchive(map[string][]byte{"x.bin": []byte("data")})
	v := newTestVfs()
	v.Mount("mod", a, 0, true)

	if res := <-v.GetAsync("mod/x.bin", 0); res.Err != nil {
		t.Fatal(res.Err)
	}
	if !v.Exists("mod/x.bin") {
		t.Fatal("expected mod/x.bin to exist after load")
	}

	if err := v.Unmount("mod"); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	if _, ok := v.GetSync("mod/x.bin"); ok {
		t.Fatal("expected cache entry under the unmounted prefix to be gone")
	}
	if !a.closed {
		t.Fatal("expected the archive to be closed on unmount")
	}
}

func TestExistsScansMountsWithoutCaching(t *testing.T) {
	a := newFakeArchive(map[string][]byte{"y.bin": []byte("data")})
	v := newTestVfs()
	v.Mount("", a, 0, true)

	if !v.Exists("y.bin") {
		t.Fatal("expected Exists to find y.bin via the mount")
	}
	if _, ok := v.GetSync("y.bin"); ok {
		t.Fatal("Exists must not populate the cache")
	}
}

func TestGetSyncNeverTriggersIO(t *testing.T) {
	a := newFakeArchive(map[string][]byte{"z.bin": []byte("data")})
	v := newTestVfs()
	v.Mount("", a, 0, true)

	if _, ok := v.GetSync("z.bin"); ok {
		t.Fatal("GetSync should miss before any load has populated the cache")
	}
	if atomic.LoadInt32(&a.gets) != 0 {
		t.Fatal("GetSync must never call the archive's Get")
	}
}
