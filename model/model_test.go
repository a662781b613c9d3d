package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func rows() []Row {
	return []Row{
		{X: []float64{0.1}, R: 1.5, W: 1, F: []float64{1, 0.5}, S: []float64{1, 2}},
		{X: []float64{0.4}, R: -0.3, W: 2, F: []float64{0.2, 1}, S: []float64{1, 1}},
		{X: []float64{0.6}, R: 0.8, W: 0.5, F: []float64{0.7, 0.1}, S: []float64{2, 1}},
		{X: []float64{0.9}, R: 2.2, W: 1, F: []float64{1.1, 0.9}, S: []float64{0.5, 1}},
		{X: []float64{0.3}, R: 0.1, W: 4, F: []float64{0.3, 0.4}, S: []float64{1, 3}},
	}
}

func models() map[string]Model {
	return map[string]Model{
		"mean":          NewMean(0.5),
		"variance":      NewVariance(3, 0.9, 4),
		"mixing":        NewMixing(2, 0.7, 0.5, false, false),
		"discrepancy":   NewMixing(2, 0.7, 0.5, true, false),
		"nonstationary": NewMixing(2, 0.7, 0.5, true, true),
	}
}

func statOf(m Model, rs []Row) Stat {
	s := m.NewStat()
	for _, row := range rs {
		m.Accumulate(s, row)
	}
	return s
}

func requirePacked(t *testing.T, want, got Stat, msg string) {
	w, g := want.Pack(), got.Pack()
	require.Len(t, g, len(w))
	for i := range w {
		require.InDelta(t, w[i], g[i], 1e-12, msg)
	}
}

func TestCombine(t *testing.T) {
	for name, m := range models() {
		t.Run(name+" combine is associative", func(t *testing.T) {
			rs := rows()
			a, b, c := statOf(m, rs[:2]), statOf(m, rs[2:3]), statOf(m, rs[3:])

			requirePacked(t, Combine(Combine(a, b), c), Combine(a, Combine(b, c)), "Grouping should not matter")
			requirePacked(t, Combine(a, b), Combine(b, a), "Order should not matter")
		})

		t.Run(name+" children reconstruct the parent", func(t *testing.T) {
			rs := rows()
			var left, right []Row
			for _, row := range rs {
				if row.X[0] < 0.5 {
					left = append(left, row)
				} else {
					right = append(right, row)
				}
			}

			requirePacked(t, statOf(m, rs), Combine(statOf(m, left), statOf(m, right)), "Split statistics should merge back")
		})

		t.Run(name+" combine leaves its inputs alone", func(t *testing.T) {
			a := statOf(m, rows()[:2])
			before := a.Pack()
			Combine(a, statOf(m, rows()[2:]))

			require.Equal(t, before, a.Pack())
		})

		t.Run(name+" unpack inverts pack", func(t *testing.T) {
			s := statOf(m, rows())
			got, err := m.Unpack(s.Pack())
			require.NoError(t, err)
			requirePacked(t, s, got, "Unpacked statistic should match")

			_, err = m.Unpack(s.Pack()[1:])
			require.Error(t, err, "Short vectors should not unpack")
		})
	}
}

func TestMean(t *testing.T) {
	m := NewMean(0.5)

	t.Run("scoring with the closed form", func(t *testing.T) {
		s := &MeanStat{Count: 3, SumW: 3, SumWR: 1.2}
		got, err := m.LogMarginal(s)
		require.NoError(t, err)

		d := 1 + 0.25*3
		require.InDelta(t, -0.5*math.Log(d)+0.5*1.2*1.2*0.25/d, got, 1e-12)
	})

	t.Run("empty leaf scores zero", func(t *testing.T) {
		got, err := m.LogMarginal(m.NewStat())
		require.NoError(t, err)
		require.Equal(t, 0.0, got)
	})

	t.Run("draws concentrate on the weighted mean", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		s := &MeanStat{Count: 10000, SumW: 10000, SumWR: 20000}
		theta, err := m.Draw(s, rng)
		require.NoError(t, err)
		require.InDelta(t, 2.0, theta[0], 0.05)
	})

	t.Run("panics on non-positive scale", func(t *testing.T) {
		require.Panics(t, func() { NewMean(0) })
	})
}

func TestVariance(t *testing.T) {
	m := NewVariance(3, 0.9, 4)

	t.Run("starting at the prior scale", func(t *testing.T) {
		require.InDelta(t, 0.9, math.Pow(m.Initial()[0], 4), 1e-12)
		require.Equal(t, Product, m.Composition())
	})

	t.Run("draws concentrate on the mean square", func(t *testing.T) {
		rng := rand.New(rand.NewSource(2))
		s := &VarianceStat{Count: 20000, SumR: 20000 * 4}
		theta, err := m.Draw(s, rng)
		require.NoError(t, err)
		require.InDelta(t, 4.0, theta[0], 0.15)
	})

	t.Run("preferring the leaf matching its rows", func(t *testing.T) {
		small, err := m.LogMarginal(&VarianceStat{Count: 50, SumR: 50 * 0.9})
		require.NoError(t, err)
		large, err := m.LogMarginal(&VarianceStat{Count: 50, SumR: 50 * 9})
		require.NoError(t, err)
		require.Greater(t, small, large, "Residuals near the prior scale should score higher")
	})
}

func TestMixing(t *testing.T) {
	t.Run("reducing to the mean model with one constant sub-model", func(t *testing.T) {
		mix := NewMixing(1, 0.5, 0, false, false)
		mean := NewMean(0.5)
		var rs []Row
		for _, row := range rows() {
			row.F = []float64{1}
			rs = append(rs, row)
		}

		got, err := mix.LogMarginal(statOf(mix, rs))
		require.NoError(t, err)
		want, err := mean.LogMarginal(statOf(mean, rs))
		require.NoError(t, err)
		require.InDelta(t, want, got, 1e-10, "A single unit feature is a scalar mean leaf")
	})

	t.Run("draws concentrate on the generating weights", func(t *testing.T) {
		mix := NewMixing(2, 1, 0, false, false)
		rng := rand.New(rand.NewSource(3))
		s := mix.NewStat()
		for i := 0; i < 50000; i++ {
			f := []float64{rng.Float64(), rng.Float64()}
			mix.Accumulate(s, Row{R: 0.3*f[0] + 0.7*f[1], W: 1, F: f})
		}

		theta, err := mix.Draw(s, rng)
		require.NoError(t, err)
		require.InDelta(t, 0.3, theta[0], 0.1)
		require.InDelta(t, 0.7, theta[1], 0.1)
	})

	t.Run("predicting with the discrepancy weight", func(t *testing.T) {
		mix := NewMixing(2, 1, 0, true, false)

		require.Equal(t, 3, mix.Dim())
		require.InDelta(t, 0.5*2+0.25*4+1.5, mix.Predict([]float64{0.5, 0.25, 1.5}, Row{F: []float64{2, 4}}), 1e-12)
	})

	t.Run("surfacing a degenerate precision", func(t *testing.T) {
		mix := NewMixing(2, 1, 0, false, false)
		s := mix.NewStat().(*MixingStat)
		s.Phi = []float64{-10, 0, 0, -10}

		_, err := mix.LogMarginal(s)
		require.ErrorIs(t, err, ErrNumericalDegeneracy)
		_, err = mix.Draw(s, rand.New(rand.NewSource(4)))
		require.ErrorIs(t, err, ErrNumericalDegeneracy)
	})

	t.Run("scaling the prior by discrepancy", func(t *testing.T) {
		mix := NewMixing(2, 1, 0, false, true)
		s := statOf(mix, rows()).(*MixingStat)
		lambda, err := mix.priorPrecision(s)
		require.NoError(t, err)

		require.InDelta(t, 5/(1+1+4+0.25+1.0), lambda[0], 1e-12)
		require.InDelta(t, 5/(4+1+1+1+9.0), lambda[1], 1e-12)
	})

	t.Run("refusing a zero discrepancy scale", func(t *testing.T) {
		mix := NewMixing(2, 1, 0, false, true)
		s := mix.NewStat()
		mix.Accumulate(s, Row{R: 1, W: 1, F: []float64{1, 2}, S: []float64{0, 1}})
		mix.Accumulate(s, Row{R: 2, W: 1, F: []float64{2, 1}, S: []float64{0, 3}})

		_, err := mix.LogMarginal(s)
		require.ErrorIs(t, err, ErrNumericalDegeneracy)
		_, err = mix.Draw(s, rand.New(rand.NewSource(5)))
		require.ErrorIs(t, err, ErrNumericalDegeneracy)

		k, scales := mix.Columns()
		require.Equal(t, 2, k)
		require.True(t, scales)
	})
}

func TestComposition(t *testing.T) {
	t.Run("removing then adding a contribution", func(t *testing.T) {
		for _, c := range []Composition{Sum, Product} {
			fit := c.Apply(c.Apply(c.Identity(), 2), 5)
			require.InDelta(t, 5.0, c.Without(fit, 2), 1e-12, c.String())
		}
	})

	t.Run("building targets", func(t *testing.T) {
		require.Equal(t, 3.0, Sum.Target(5, 2))
		require.Equal(t, 2.5, Product.Target(5, 2))
	})
}
