package vfs

import (
	"regexp"
	"strings"
)

// PreloadRule fires when a loaded path contains Trigger as a substring,
// enqueuing a single batch load of up to MaxFiles mounted entries matching
// Pattern at Priority (spec.md §4.6: "priority-ordered async load queue
// with ... preload patterns", "per-pattern max file count").
type PreloadRule struct {
	Trigger  string
	Pattern  *regexp.Regexp
	Priority int
	MaxFiles int // 0 means unbounded; set explicitly to cap a broad pattern
}

// Preloader watches completed loads and schedules related paths ahead of
// demand, via a caller-supplied batch callback so this package doesn't
// need to know about *Vfs directly.
type Preloader struct {
	rules []PreloadRule
	batch func(paths []string, priority int)
	list  func(pattern *regexp.Regexp) []string
}

// NewPreloader constructs a Preloader. batch is called once per matched
// rule with the (capped) set of paths to enqueue as a single job; list
// returns every known path matching pattern across all mounts.
func NewPreloader(batch func(paths []string, priority int), list func(pattern *regexp.Regexp) []string) *Preloader {
	return &Preloader{batch: batch, list: list}
}

// AddRule registers a new trigger/pattern/priority rule.
func (p *Preloader) AddRule(rule PreloadRule) {
	p.rules = append(p.rules, rule)
}

// OnLoad is called after path is successfully loaded; it fires every rule
// whose Trigger substring matches, caps that rule's pattern matches at
// MaxFiles, and hands the whole capped set to batch as one job rather than
// scheduling each match individually.
func (p *Preloader) OnLoad(path string) {
	for _, rule := range p.rules {
		if rule.Trigger != "" && !strings.Contains(path, rule.Trigger) {
			continue
		}
		var batch []string
		for _, match := range p.list(rule.Pattern) {
			if match == path {
				continue
			}
			batch = append(batch, match)
			if rule.MaxFiles > 0 && len(batch) >= rule.MaxFiles {
				break
			}
		}
		if len(batch) == 0 {
			continue
		}
		p.batch(batch, rule.Priority)
	}
}
