package metrics

import (
	"sync"
)

// TestMetrics is a noopMetrics that counts the events tests assert on.
// It is safe for concurrent use.
type TestMetrics struct {
	noopMetrics

	mu          sync.Mutex
	Cycles      map[string]int
	Stages      map[string]int
	Submissions map[string]int
	Rejected    map[string]int
	Skipped     map[string]int
	States      []string
	Fallbacks   int
}

var _ Metricer = new(TestMetrics)

func NewTestMetrics() *TestMetrics {
	return &TestMetrics{
		Cycles:      make(map[string]int),
		Stages:      make(map[string]int),
		Submissions: make(map[string]int),
		Rejected:    make(map[string]int),
		Skipped:     make(map[string]int),
	}
}

func (m *TestMetrics) RecordSchedulerState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.States = append(m.States, state)
}

func (m *TestMetrics) RecordCycle(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cycles[outcome]++
}

func (m *TestMetrics) RecordBundleStage(stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Stages[stage]++
}

func (m *TestMetrics) RecordSubmission(channel string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submissions[channel+"/"+outcome]++
}

func (m *TestMetrics) RecordCandidateRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rejected[reason]++
}

func (m *TestMetrics) RecordCandidateSkipped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Skipped[reason]++
}

func (m *TestMetrics) RecordFeeFallback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fallbacks++
}

// Count returns the counter for key in one of the maps above, under the lock.
func (m *TestMetrics) Count(counters map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return counters[key]
}
