package vfs

import (
	"sync"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// statEvent is one fire-and-forget observation fed to the async collector.
type statEvent struct {
	kind string // "hit", "miss", "load_ok", "load_err"
	path string
}

// statsCollector drains statEvents off a channel into prometheus counters,
// the same non-blocking "caller never waits on metrics" shape as the
// teacher's AsyncMetricsCollector (storage/binary/async_metrics_collector.go),
// scaled down from that collector's batching/backpressure-priority design
// to a single unbuffered counter set since VFS stats are in-process only —
// no HTTP scrape endpoint is registered (serving over a network is an
// explicit non-goal).
type statsCollector struct {
	events chan statEvent
	wg     sync.WaitGroup

	registry *prometheus.Registry
	hits     prometheus.Counter
	misses   prometheus.Counter
	loadOK   prometheus.Counter
	loadErr  prometheus.Counter
}

func newStatsCollector() *statsCollector {
	reg := prometheus.NewRegistry()
	c := &statsCollector{
		events:   make(chan statEvent, 256),
		registry: reg,
		hits:     prometheus.NewCounter(prometheus.CounterOpts{Name: "pakvfs_cache_hits_total"}),
		misses:   prometheus.NewCounter(prometheus.CounterOpts{Name: "pakvfs_cache_misses_total"}),
		loadOK:   prometheus.NewCounter(prometheus.CounterOpts{Name: "pakvfs_loads_ok_total"}),
		loadErr:  prometheus.NewCounter(prometheus.CounterOpts{Name: "pakvfs_loads_failed_total"}),
	}
	reg.MustRegister(c.hits, c.misses, c.loadOK, c.loadErr)
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *statsCollector) run() {
	defer c.wg.Done()
	for ev := range c.events {
		switch ev.kind {
		case "hit":
			c.hits.Inc()
		case "miss":
			c.misses.Inc()
		case "load_ok":
			c.loadOK.Inc()
		case "load_err":
			c.loadErr.Inc()
		}
	}
}

func (c *statsCollector) record(kind, path string) {
	select {
	case c.events <- statEvent{kind: kind, path: path}:
	default:
		// Drop under backpressure: stats are best-effort diagnostics, never
		// on the hot path of a read.
	}
}

func (c *statsCollector) close() {
	close(c.events)
	c.wg.Wait()
}

// Snapshot is a point-in-time read of the prometheus counters.
type Snapshot struct {
	CacheHits    float64
	CacheMisses  float64
	LoadsOK      float64
	LoadsFailed  float64
}

func (c *statsCollector) snapshot() Snapshot {
	return Snapshot{
		CacheHits:   readCounter(c.hits),
		CacheMisses: readCounter(c.misses),
		LoadsOK:     readCounter(c.loadOK),
		LoadsFailed: readCounter(c.loadErr),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
