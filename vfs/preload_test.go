package vfs

import (
	"regexp"
	"testing"
	"time"
)

func TestPreloaderCapsBatchAtMaxFiles(t *testing.T) {
	all := []string{"level1/a.uasset", "level1/b.uasset", "level1/c.uasset", "level1/d.uasset"}

	var gotBatch []string
	var gotPriority int
	calls := 0
	p := NewPreloader(
		func(paths []string, priority int) {
			calls++
			gotBatch = paths
			gotPriority = priority
		},
		func(pattern *regexp.Regexp) []string { return all },
	)
	p.AddRule(PreloadRule{Trigger: "level1/entry", Pattern: regexp.MustCompile(`^level1/`), Priority: 5, MaxFiles: 2})

	p.OnLoad("level1/entry.umap")

	if calls != 1 {
		t.Fatalf("expected exactly one batch call, got %d", calls)
	}
	if len(gotBatch) != 2 {
		t.Fatalf("expected batch capped at MaxFiles=2, got %d: %v", len(gotBatch), gotBatch)
	}
	if gotPriority != 5 {
		t.Fatalf("expected batch priority 5, got %d", gotPriority)
	}
}

func TestPreloaderUncappedWhenMaxFilesZero(t *testing.T) {
	all := []string{"x/1", "x/2", "x/3"}

	var gotBatch []string
	p := NewPreloader(
		func(paths []string, priority int) { gotBatch = paths },
		func(pattern *regexp.Regexp) []string { return all },
	)
	p.AddRule(PreloadRule{Pattern: regexp.MustCompile(`^x/`), Priority: 0})

	p.OnLoad("trigger")

	if len(gotBatch) != len(all) {
		t.Fatalf("expected all %d matches with MaxFiles unset, got %d", len(all), len(gotBatch))
	}
}

func TestPreloaderSkipsNonMatchingTrigger(t *testing.T) {
	calls := 0
	p := NewPreloader(
		func(paths []string, priority int) { calls++ },
		func(pattern *regexp.Regexp) []string { return []string{"a"} },
	)
	p.AddRule(PreloadRule{Trigger: "mapA", Pattern: regexp.MustCompile(`.*`)})

	p.OnLoad("mapB/entry.umap")

	if calls != 0 {
		t.Fatalf("expected no batch call for a non-matching trigger, got %d", calls)
	}
}

func TestPreloaderExcludesTriggeringPathItself(t *testing.T) {
	var gotBatch []string
	p := NewPreloader(
		func(paths []string, priority int) { gotBatch = paths },
		func(pattern *regexp.Regexp) []string { return []string{"self", "other"} },
	)
	p.AddRule(PreloadRule{Pattern: regexp.MustCompile(`.*`)})

	p.OnLoad("self")

	if len(gotBatch) != 1 || gotBatch[0] != "other" {
		t.Fatalf("expected batch to exclude the triggering path itself, got %v", gotBatch)
	}
}

func TestVfsAddPreloadRuleFiresBatchOnLoad(t *testing.T) {
	a := newFakeArchive(map[string][]byte{
		"trigger.umap":    []byte("t"),
		"level1/a.uasset": []byte("a"),
		"level1/b.uasset": []byte("b"),
	})
	v := newTestVfs()
	v.Mount("", a, 0, true)
	v.AddPreloadRule(PreloadRule{
		Trigger:  "trigger",
		Pattern:  regexp.MustCompile(`^level1/`),
		Priority: 1,
		MaxFiles: 10,
	})

	if res := <-v.GetAsync("trigger.umap", 0); res.Err != nil {
		t.Fatalf("GetAsync(trigger.umap): %v", res.Err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		_, ok1 := v.GetSync("level1/a.uasset")
		_, ok2 := v.GetSync("level1/b.uasset")
		if ok1 && ok2 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("preloaded paths were never populated into the cache")
}
