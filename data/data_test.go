package data

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCutpoints(t *testing.T) {
	t.Run("placing uniform cuts", func(t *testing.T) {
		xi, err := UniformCutpoints([]float64{0}, []float64{1}, 4)
		require.NoError(t, err)

		require.Equal(t, 1, xi.Vars())
		require.Equal(t, 4, xi.Len(0))
		require.InDelta(t, 0.2, xi.Value(0, 0), 1e-12)
		require.InDelta(t, 0.8, xi.Value(0, 3), 1e-12)
		lo, hi := xi.Domain(0)
		require.Equal(t, []float64{0, 1}, []float64{lo, hi})
	})

	t.Run("rejecting unordered cuts", func(t *testing.T) {
		_, err := NewCutpoints([][]float64{{0.1, 0.1}})
		require.ErrorIs(t, err, ErrInvalidGrid)
	})

	t.Run("extending explicit grids by one step", func(t *testing.T) {
		xi, err := NewCutpoints([][]float64{{1, 2, 3}})
		require.NoError(t, err)

		lo, hi := xi.Domain(0)
		require.Equal(t, []float64{0, 4}, []float64{lo, hi})
	})

	t.Run("building from data with a constant column", func(t *testing.T) {
		x := NewMatrix(3, 2, []float64{0, 5, 1, 5, 2, 5})
		xi, err := CutpointsFromData(x, 1)
		require.NoError(t, err)

		require.InDelta(t, 1.0, xi.Value(0, 0), 1e-12)
		require.InDelta(t, 5.0, xi.Value(1, 0), 1e-12, "Constant column should be cut at its value")
	})
}

func TestShard(t *testing.T) {
	x := NewMatrix(4, 1, []float64{1, 2, 3, 4})
	y := []float64{10, 20, 30, 40}

	t.Run("checking shapes", func(t *testing.T) {
		_, err := NewShard(0, x, y[:3])
		require.ErrorIs(t, err, ErrShape)

		_, err = NewShard(0, x, y, WithSigma([]float64{1}))
		require.ErrorIs(t, err, ErrShape)
	})

	t.Run("weighting by noise precision", func(t *testing.T) {
		s, err := NewShard(0, x, y, WithSigma([]float64{1, 2, 1, 0.5}))
		require.NoError(t, err)

		require.Equal(t, 0.25, s.Weight(1))
		require.Equal(t, 4.0, s.Weight(3))
	})

	t.Run("splitting shares the residual buffer", func(t *testing.T) {
		s, err := NewShard(100, x, y)
		require.NoError(t, err)
		parts := Split(s, 3)

		require.Len(t, parts, 3)
		total := 0
		for _, part := range parts {
			total += part.Len()
		}
		require.Equal(t, 4, total)
		require.Equal(t, 101, parts[1].Offset)

		parts[2].Residual[0] = 7
		require.Equal(t, 7.0, s.Residual[2], "Parts should write through to the parent residual")
	})
}

func TestReadCSV(t *testing.T) {
	t.Run("reading predictors and response", func(t *testing.T) {
		x, y, err := ReadCSV(strings.NewReader("a,b,y\n1,2,3\n4,5,6\n"), true)
		require.NoError(t, err)

		require.Equal(t, 2, x.Rows)
		require.Equal(t, 2, x.Cols)
		require.Equal(t, []float64{4, 5}, x.Row(1))
		require.Equal(t, []float64{3, 6}, y)
	})

	t.Run("reporting bad numbers", func(t *testing.T) {
		_, _, err := ReadCSV(strings.NewReader("1,x\n"), false)
		require.Error(t, err)
	})

	t.Run("rejecting a lone column", func(t *testing.T) {
		_, _, err := ReadCSV(strings.NewReader("1\n2\n"), false)
		require.ErrorIs(t, err, ErrShape)
	})
}

func TestReadMatrix(t *testing.T) {
	t.Run("reading every column", func(t *testing.T) {
		m, err := ReadMatrix(strings.NewReader("f1,f2,f3\n1,2,3\n4,5,6\n"), true)
		require.NoError(t, err)
		require.Equal(t, 2, m.Rows)
		require.Equal(t, 3, m.Cols)
		require.Equal(t, []float64{4, 5, 6}, m.Row(1))
	})

	t.Run("rejecting ragged rows", func(t *testing.T) {
		_, err := ReadMatrix(strings.NewReader("1,2\n3\n"), false)
		require.Error(t, err, "encoding/csv should refuse a short record")
	})

	t.Run("reading nothing", func(t *testing.T) {
		m, err := ReadMatrix(strings.NewReader(""), false)
		require.NoError(t, err)
		require.True(t, m.Empty())
	})
}

func writeFile(t *testing.T, name, body string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSource(t *testing.T) {
	t.Run("loading a mixing shard", func(t *testing.T) {
		src := Source{
			Path:      writeFile(t, "train.csv", "x,y\n0.1,1\n0.2,2\n0.3,3\n"),
			Header:    true,
			SubModels: writeFile(t, "f.csv", "f1,f2\n1,2\n3,4\n5,6\n"),
			Scales:    writeFile(t, "s.csv", "s1,s2\n1,1\n1,1\n2,2\n"),
		}
		shard, err := src.Load()
		require.NoError(t, err)
		require.Equal(t, 3, shard.Len())
		require.Equal(t, []float64{1, 2, 3}, shard.Y)
		require.Equal(t, []float64{5, 6}, shard.F.Row(2))
		require.Equal(t, []float64{2, 2}, shard.S.Row(2))
		require.Len(t, shard.Residual, 3)
	})

	t.Run("loading predictors only", func(t *testing.T) {
		shard, err := Source{Path: writeFile(t, "x.csv", "0.1,5\n0.2,6\n")}.LoadPredictors()
		require.NoError(t, err)
		require.Equal(t, 2, shard.X.Cols, "Every column is a predictor")
		require.Equal(t, []float64{0, 0}, shard.Y)
	})

	t.Run("rejecting sub-models of another length", func(t *testing.T) {
		src := Source{
			Path:      writeFile(t, "train.csv", "0.1,1\n0.2,2\n"),
			SubModels: writeFile(t, "f.csv", "1,2\n"),
		}
		_, err := src.Load()
		require.ErrorIs(t, err, ErrShape)
	})

	t.Run("rejecting an empty table", func(t *testing.T) {
		_, err := Source{Path: writeFile(t, "empty.csv", "x,y\n"), Header: true}.Load()
		require.ErrorIs(t, err, ErrShape)
	})

	t.Run("reporting a missing file", func(t *testing.T) {
		_, err := Source{Path: filepath.Join(t.TempDir(), "absent.csv")}.Load()
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}
