// Package metrics records what the sampler did: per-move proposal and acceptance counts,
// tree-shape diagnostics per sweep, and their export to Prometheus and CSV.
package metrics

import (
	"math"

	"openbt/communication"
)

type Counter struct {
	Proposed int
	Accepted int
}

// Rate is the acceptance rate, or NaN before any proposal.
func (c Counter) Rate() float64 {
	if c.Proposed == 0 {
		return math.NaN()
	}
	return float64(c.Accepted) / float64(c.Proposed)
}

// MoveStatistics is the monotone per-sampler move record. It is owned by one coordinator
// and not safe for concurrent use.
type MoveStatistics struct {
	moves  [communication.Kinds]Counter
	marked [communication.Kinds]Counter

	DepthAvg    float64
	DepthMin    int
	DepthMax    int
	SplitCounts []int
}

func NewMoveStatistics(vars int) *MoveStatistics {
	return &MoveStatistics{SplitCounts: make([]int, vars)}
}

func (m *MoveStatistics) Record(kind communication.Kind, accepted bool) {
	m.moves[kind].Proposed++
	if accepted {
		m.moves[kind].Accepted++
	}
}

func (m *MoveStatistics) Counter(kind communication.Kind) Counter {
	return m.moves[kind]
}

// Delta is the activity of kind since the last Mark.
func (m *MoveStatistics) Delta(kind communication.Kind) Counter {
	return Counter{
		Proposed: m.moves[kind].Proposed - m.marked[kind].Proposed,
		Accepted: m.moves[kind].Accepted - m.marked[kind].Accepted,
	}
}

// Mark starts a new adaptation window.
func (m *MoveStatistics) Mark() {
	m.marked = m.moves
}

// Shape is the leaf depth summary of one tree.
type Shape struct {
	Avg    float64
	Min    int
	Max    int
	Splits []int
}

// Observe replaces the tree diagnostics with a summary over shapes: mean of the mean
// depths, overall min and max, and summed split counts.
func (m *MoveStatistics) Observe(shapes []Shape) {
	if len(shapes) == 0 {
		return
	}
	m.DepthAvg, m.DepthMin, m.DepthMax = 0, math.MaxInt, 0
	for v := range m.SplitCounts {
		m.SplitCounts[v] = 0
	}
	for _, s := range shapes {
		m.DepthAvg += s.Avg
		m.DepthMin = min(m.DepthMin, s.Min)
		m.DepthMax = max(m.DepthMax, s.Max)
		for v, n := range s.Splits {
			m.SplitCounts[v] += n
		}
	}
	m.DepthAvg /= float64(len(shapes))
}
