package migration

import (
	"sort"
	"sync"
)

// Summary aggregates the outcomes of one step.
type Summary struct {
	Migrated int
	Skipped  int
	Failed   int
	Orphaned int

	FailedKeys   []string
	OrphanedKeys []string
	SkippedKeys  []string

	// Reasons holds the reason reported for every failed or orphaned key.
	Reasons map[string]string
}

// Summarize folds outcomes into a Summary.
func Summarize(outcomes []Outcome) Summary {
	var s Summary
	for _, o := range outcomes {
		s.Add(o)
	}
	s.sort()
	return s
}

// Add records one outcome.
func (s *Summary) Add(o Outcome) {
	switch o.Status {
	case StatusMigrated:
		s.Migrated++
	case StatusSkipped:
		s.Skipped++
		s.SkippedKeys = append(s.SkippedKeys, o.Key)
	case StatusFailed:
		s.Failed++
		s.FailedKeys = append(s.FailedKeys, o.Key)
		s.addReason(o)
	case StatusOrphaned:
		s.Orphaned++
		s.OrphanedKeys = append(s.OrphanedKeys, o.Key)
		s.addReason(o)
	}
}

// Total is the number of keys the step visited.
func (s Summary) Total() int {
	return s.Migrated + s.Skipped + s.Failed + s.Orphaned
}

func (s *Summary) addReason(o Outcome) {
	if o.Reason == "" {
		return
	}
	if s.Reasons == nil {
		s.Reasons = map[string]string{}
	}
	s.Reasons[o.Key] = o.Reason
}

func (s *Summary) sort() {
	sort.Strings(s.FailedKeys)
	sort.Strings(s.OrphanedKeys)
	sort.Strings(s.SkippedKeys)
}

// accumulator is a Summary shared by the workers of a page.
type accumulator struct {
	mu      sync.Mutex
	summary Summary
}

func (a *accumulator) add(o Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary.Add(o)
}

func (a *accumulator) result() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.summary
	s.sort()
	return s
}
