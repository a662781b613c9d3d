package metrics

import (
	"bytes"
	"encoding/csv"
	"math"
	"path/filepath"
	"testing"

	"openbt/communication"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMoveStatistics(t *testing.T) {
	t.Run("counting proposals and accepts", func(t *testing.T) {
		stats := NewMoveStatistics(2)
		stats.Record(communication.Birth, true)
		stats.Record(communication.Birth, false)
		stats.Record(communication.Death, false)

		require.Equal(t, Counter{Proposed: 2, Accepted: 1}, stats.Counter(communication.Birth))
		require.Equal(t, 0.5, stats.Counter(communication.Birth).Rate())
		require.True(t, math.IsNaN(stats.Counter(communication.Rotate).Rate()), "Rate without proposals should be NaN")
	})

	t.Run("measuring deltas since the last mark", func(t *testing.T) {
		stats := NewMoveStatistics(1)
		stats.Record(communication.Perturb, true)
		stats.Mark()
		stats.Record(communication.Perturb, false)
		stats.Record(communication.Perturb, true)

		require.Equal(t, Counter{Proposed: 2, Accepted: 1}, stats.Delta(communication.Perturb))
		require.Equal(t, Counter{Proposed: 3, Accepted: 2}, stats.Counter(communication.Perturb), "Totals should stay monotone")
	})

	t.Run("summarising tree shapes", func(t *testing.T) {
		stats := NewMoveStatistics(2)
		stats.Observe([]Shape{
			{Avg: 1, Min: 1, Max: 1, Splits: []int{1, 0}},
			{Avg: 2, Min: 1, Max: 3, Splits: []int{2, 1}},
		})

		require.Equal(t, 1.5, stats.DepthAvg)
		require.Equal(t, 1, stats.DepthMin)
		require.Equal(t, 3, stats.DepthMax)
		require.Equal(t, []int{3, 1}, stats.SplitCounts)
	})
}

func TestCollector(t *testing.T) {
	t.Run("counting per sweep", func(t *testing.T) {
		c := NewCollector()
		c.Start(3)
		c.AddMove(communication.Rotate, true)
		c.AddMove(communication.Rotate, false)

		metric := c.Complete(NewMoveStatistics(1), 1.5, 10)
		require.Equal(t, 3, metric.Sweep)
		require.Equal(t, Counter{Proposed: 2, Accepted: 1}, metric.Moves[communication.Rotate])

		c.Start(4)
		metric = c.Complete(NewMoveStatistics(1), 0, 10)
		require.Zero(t, metric.Moves[communication.Rotate].Proposed, "Start should reset the counters")
	})

	t.Run("exporting to prometheus", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		c, err := NewPrometheusCollector(registry, NewCollector())
		require.NoError(t, err)

		c.AddMove(communication.Birth, true)
		c.AddMove(communication.Birth, false)
		c.Complete(NewMoveStatistics(1), 2.5, 4)

		require.Equal(t, 2.0, testutil.ToFloat64(c.Proposals.WithLabelValues("birth")))
		require.Equal(t, 1.0, testutil.ToFloat64(c.Accepts.WithLabelValues("birth")))
		require.Equal(t, 2.5, testutil.ToFloat64(c.SSE))
		require.Equal(t, 1.0, testutil.ToFloat64(c.Sweeps))
	})

	t.Run("refusing a second registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		_, err := NewPrometheusCollector(registry, NewCollector())
		require.NoError(t, err)

		_, err = NewPrometheusCollector(registry, NewCollector())
		require.Error(t, err)
	})
}

func TestWriter(t *testing.T) {
	t.Run("writing a header and one row per sweep", func(t *testing.T) {
		var buf bytes.Buffer
		w, err := NewStreamWriter(&buf)
		require.NoError(t, err)

		var record SweepMetric
		record.Sweep = 1
		record.Moves[communication.Birth] = Counter{Proposed: 4, Accepted: 1}
		require.NoError(t, w.Write(record))
		require.NoError(t, w.Close())

		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, "birth_proposed", rows[0][7])
		require.Equal(t, "4", rows[1][7])
		require.Equal(t, "1", rows[1][8])
	})

	t.Run("creating the file and its directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "runs", "sweeps.csv")
		w, err := NewWriter(path)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.FileExists(t, path)
	})
}
