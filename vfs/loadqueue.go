package vfs

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"pakvfs/logger"
)

// Result is the outcome of one (possibly shared) load.
type Result struct {
	Data []byte
	Err  error
}

// LoadState is a LoadRequest's position in the
// Queued -> Active -> (Complete | Failed | Cancelled) state machine.
type LoadState int32

const (
	StateQueued LoadState = iota
	StateActive
	StateComplete
	StateFailed
	StateCancelled
)

func (s LoadState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// pendingLoad is one LoadRequest ticket: either a waiter for a concurrency
// slot, or the in-flight execution a waiter was granted. id correlates its
// queue/worker/waiter log lines; ctx/cancel give it a cancellation path.
type pendingLoad struct {
	id       uuid.UUID
	priority int
	seq      int64 // arrival order, FIFO tie-break
	ready    chan struct{}
	index    int

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
}

func (pl *pendingLoad) setState(s LoadState) { pl.state.Store(int32(s)) }
func (pl *pendingLoad) getState() LoadState  { return LoadState(pl.state.Load()) }

type loadHeap []*pendingLoad

func (h loadHeap) Len() int { return len(h) }
func (h loadHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h loadHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *loadHeap) Push(x any) {
	pl := x.(*pendingLoad)
	pl.index = len(*h)
	*h = append(*h, pl)
}
func (h *loadHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// LoadQueue bounds concurrent extraction work to MaxConcurrentLoads and
// orders queued work by priority, while singleflight collapses concurrent
// requests for the same path into a single extraction — directly
// implementing spec.md §8's "concurrent get_async for the same missing
// path triggers exactly one extract". The concurrency gate is a
// ticket-passing mutex-guarded heap (modeled on the shape of the teacher's
// own mutex-protected FairQueue in storage/binary/sharded_lock.go, adapted
// from reader/writer fairness to priority fairness) rather than a
// semaphore, so a released slot transfers directly to the
// highest-priority waiter instead of racing all blocked goroutines awake.
//
// byPath tracks at most one live ticket per path — the same key singleflight
// dedups on — so Cancel(path) has exactly one ticket to act on regardless of
// how many Submit callers are currently waiting on that path.
type LoadQueue struct {
	mu        sync.Mutex
	heap      loadHeap
	active    int
	maxActive int
	nextSeq   int64
	byPath    map[string]*pendingLoad

	group singleflight.Group
}

// NewLoadQueue constructs a LoadQueue allowing at most maxConcurrent
// extractions to run at once.
func NewLoadQueue(maxConcurrent int) *LoadQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &LoadQueue{maxActive: maxConcurrent, byPath: make(map[string]*pendingLoad)}
}

// Submit schedules loadFn to run for path at the given priority. Any other
// concurrent Submit for the same path shares this call's result and ticket
// rather than re-running loadFn. The returned channel receives exactly one
// Result. The returned uuid.UUID is the ticket's LoadRequest ID, stable
// across every log line for this path's queue/worker/waiter handoff.
func (q *LoadQueue) Submit(path string, priority int, loadFn func(ctx context.Context) ([]byte, error)) (uuid.UUID, <-chan Result) {
	out := make(chan Result, 1)

	q.mu.Lock()
	pl, inFlight := q.byPath[path]
	if !inFlight {
		ctx, cancel := context.WithCancel(context.Background())
		pl = &pendingLoad{
			id:       uuid.New(),
			priority: priority,
			seq:      q.nextSeq,
			ready:    make(chan struct{}),
			ctx:      ctx,
			cancel:   cancel,
			index:    -1,
		}
		pl.setState(StateQueued)
		q.nextSeq++
		q.byPath[path] = pl
		logger.TraceIf("loadqueue", "%s queued for %q (priority=%d)", pl.id, path, priority)
	}
	q.mu.Unlock()

	id := pl.id

	go func() {
		v, err, _ := q.group.Do(path, func() (interface{}, error) {
			granted := q.acquire(pl)
			if !granted {
				return nil, context.Canceled
			}
			defer q.release(pl)

			pl.setState(StateActive)
			logger.TraceIf("loadqueue", "%s active for %q", pl.id, path)
			data, loadErr := loadFn(pl.ctx)
			if pl.ctx.Err() != nil {
				return nil, context.Canceled
			}
			return data, loadErr
		})

		q.mu.Lock()
		if q.byPath[path] == pl {
			delete(q.byPath, path)
		}
		q.mu.Unlock()

		var data []byte
		if v != nil {
			data = v.([]byte)
		}
		switch {
		case err == context.Canceled:
			pl.setState(StateCancelled)
		case err != nil:
			pl.setState(StateFailed)
		default:
			pl.setState(StateComplete)
		}
		logger.TraceIf("loadqueue", "%s %s for %q", pl.id, pl.getState(), path)
		out <- Result{Data: data, Err: err}
	}()
	return id, out
}

// Cancel drops path's in-flight LoadRequest, if any. A still-queued ticket
// is removed from the heap and resolved with context.Canceled without ever
// running loadFn. An already-active ticket can't be interrupted mid-extract
// (archive.Archive.Get has no cancellation hook), so its extraction still
// runs to completion, but its reported Result and terminal state are still
// Cancelled. Reports whether a ticket for path was found.
func (q *LoadQueue) Cancel(path string) bool {
	q.mu.Lock()
	pl, ok := q.byPath[path]
	q.mu.Unlock()
	if !ok {
		return false
	}
	pl.cancel()
	return true
}

// acquire blocks until pl is granted a concurrency slot, or pl's context is
// cancelled before or while still queued. Reports whether a slot was
// granted. The ctx check and the heap removal both happen here, under
// acquire's own lock acquisitions, so Cancel never touches the heap
// directly and there is no race between it and release() over who pops pl.
func (q *LoadQueue) acquire(pl *pendingLoad) bool {
	if pl.ctx.Err() != nil {
		return false
	}
	q.mu.Lock()
	if q.active < q.maxActive {
		q.active++
		q.mu.Unlock()
		return true
	}
	heap.Push(&q.heap, pl)
	q.mu.Unlock()

	select {
	case <-pl.ready:
		return true
	case <-pl.ctx.Done():
		q.mu.Lock()
		if pl.index >= 0 {
			heap.Remove(&q.heap, pl.index)
			q.mu.Unlock()
			pl.setState(StateCancelled)
			return false
		}
		q.mu.Unlock()
		// release() already popped pl (under lock) just before we
		// observed ctx.Done(); a slot was genuinely handed to it, so
		// wait for the close(ready) that grant is about to perform.
		<-pl.ready
		return true
	}
}

func (q *LoadQueue) release(pl *pendingLoad) {
	q.mu.Lock()
	if q.heap.Len() > 0 {
		next := heap.Pop(&q.heap).(*pendingLoad)
		q.mu.Unlock()
		close(next.ready)
		return
	}
	q.active--
	q.mu.Unlock()
}

// QueueStats summarizes load-queue activity for diagnostics.
type QueueStats struct {
	Active  int
	Pending int
}

func (q *LoadQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Active: q.active, Pending: q.heap.Len()}
}
