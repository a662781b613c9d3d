package metrics

import (
	"sync/atomic"
	"time"

	"openbt/communication"
)

// SweepMetric summarises one full pass over the trees.
type SweepMetric struct {
	Sweep    int
	Duration time.Duration
	SSE      float64
	Rows     int
	DepthAvg float64
	DepthMin int
	DepthMax int
	Moves    [communication.Kinds]Counter
}

type Collector interface {
	Start(sweep int)
	AddMove(kind communication.Kind, accepted bool)
	Complete(stats *MoveStatistics, sse float64, rows int) SweepMetric
}

type collector struct {
	sweep     int
	startTime time.Time
	proposed  [communication.Kinds]atomic.Int64
	accepted  [communication.Kinds]atomic.Int64
}

func NewCollector() Collector {
	return &collector{}
}

func (m *collector) Start(sweep int) {
	m.sweep = sweep
	m.startTime = time.Now()
	for k := range m.proposed {
		m.proposed[k].Store(0)
		m.accepted[k].Store(0)
	}
}

func (m *collector) AddMove(kind communication.Kind, accepted bool) {
	m.proposed[kind].Add(1)
	if accepted {
		m.accepted[kind].Add(1)
	}
}

func (m *collector) Complete(stats *MoveStatistics, sse float64, rows int) SweepMetric {
	metric := SweepMetric{
		Sweep:    m.sweep,
		Duration: time.Since(m.startTime),
		SSE:      sse,
		Rows:     rows,
		DepthAvg: stats.DepthAvg,
		DepthMin: stats.DepthMin,
		DepthMax: stats.DepthMax,
	}
	for k := range m.proposed {
		metric.Moves[k] = Counter{Proposed: int(m.proposed[k].Load()), Accepted: int(m.accepted[k].Load())}
	}
	return metric
}
