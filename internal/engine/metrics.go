package engine

import (
	"sync"
	"time"

	"github.com/ZanzyTHEbar/flowgraph"
)

// runMetrics tracks statistics about one execution.
type runMetrics struct {
	TasksSubmitted  int
	NodesExecuted   int
	NodesSucceeded  int
	NodesFailed     int
	NodesSkipped    int
	NodesCached     int
	BranchesSpawned int
	TotalDuration   time.Duration
	LongestNodeTime time.Duration

	mu sync.Mutex
}

// Copy returns a snapshot without the mutex.
func (m *runMetrics) Copy() flowgraph.ExecutionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return flowgraph.ExecutionMetrics{
		TasksSubmitted:  m.TasksSubmitted,
		NodesExecuted:   m.NodesExecuted,
		NodesSucceeded:  m.NodesSucceeded,
		NodesFailed:     m.NodesFailed,
		NodesSkipped:    m.NodesSkipped,
		NodesCached:     m.NodesCached,
		BranchesSpawned: m.BranchesSpawned,
		TotalDuration:   m.TotalDuration,
		LongestNodeTime: m.LongestNodeTime,
	}
}

func (m *runMetrics) taskSubmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TasksSubmitted++
}

func (m *runMetrics) branchesSpawned(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BranchesSpawned += n
}

// nodeTimed is reported by the local runner only; remote workers time
// their own nodes.
func (m *runMetrics) nodeTimed(d time.Duration, cached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > m.LongestNodeTime {
		m.LongestNodeTime = d
	}
	if cached {
		m.NodesCached++
	}
}

// nodeFinished classifies a node result received from any backend. A result
// that carries another node's failure was skipped.
func (m *runMetrics) nodeFinished(node string, r flowgraph.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !r.IsErrored():
		m.NodesExecuted++
		m.NodesSucceeded++
	case r.Errored().Node == node:
		m.NodesExecuted++
		m.NodesFailed++
	default:
		m.NodesSkipped++
	}
}

func (m *runMetrics) finish(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalDuration = d
}
