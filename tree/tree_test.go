package tree

import (
	"math"
	"testing"

	"openbt/data"

	"github.com/stretchr/testify/require"
)

func grid(t *testing.T, vars, numCut int) *data.Cutpoints {
	lo := make([]float64, vars)
	hi := make([]float64, vars)
	for v := range hi {
		hi[v] = 1
	}
	xi, err := data.UniformCutpoints(lo, hi, numCut)
	require.NoError(t, err)
	return xi
}

// grown builds x0<c3 ? (x1<c1 ? a : b) : (x0<c6 ? c : d) on a 2x9 grid.
func grown(t *testing.T) *Tree {
	tr := New([]float64{0})
	l, r, err := tr.Birth(tr.Root(), 0, 3, []float64{1}, []float64{2})
	require.NoError(t, err)
	_, _, err = tr.Birth(l, 1, 1, []float64{3}, []float64{4})
	require.NoError(t, err)
	_, _, err = tr.Birth(r, 0, 6, []float64{5}, []float64{6})
	require.NoError(t, err)
	return tr
}

// requireTiling checks the leaf/internal count law and that every sample point lands in
// exactly one leaf region.
func requireTiling(t *testing.T, tr *Tree, xi *data.Cutpoints) {
	require.Equal(t, len(tr.Internals())+1, len(tr.Leaves(tr.Root())), "Leaves should outnumber internals by one")
	router := NewRouter(tr, xi)
	for i := 0; i < 20; i++ {
		for j := 0; j < 20; j++ {
			x := []float64{(float64(i) + 0.5) / 20, (float64(j) + 0.5) / 20}
			hits := 0
			for _, leaf := range tr.Leaves(tr.Root()) {
				if router.Contains(leaf, x) {
					hits++
				}
			}
			require.Equal(t, 1, hits, "Point %v should fall in exactly one leaf", x)
		}
	}
}

func TestNew(t *testing.T) {
	t.Run("creating a single leaf", func(t *testing.T) {
		tr := New([]float64{1, 2})

		require.True(t, tr.IsLeaf(tr.Root()))
		require.Equal(t, 2, tr.Dim())
		require.Equal(t, 1, tr.Size())
		require.Equal(t, []float64{1, 2}, tr.Theta(tr.Root()))
	})

	t.Run("panics on empty parameter", func(t *testing.T) {
		require.Panics(t, func() { New(nil) }, "Should panic without a leaf parameter")
	})
}

func TestBirthDeath(t *testing.T) {
	t.Run("birth then death restores the tree", func(t *testing.T) {
		tr := New([]float64{7})
		original := tr.Clone()

		_, _, err := tr.Birth(tr.Root(), 0, 2, []float64{1}, []float64{2})
		require.NoError(t, err)
		require.True(t, tr.IsNog(tr.Root()))
		require.False(t, tr.Equal(original))

		require.NoError(t, tr.Death(tr.Root(), []float64{7}))
		require.True(t, tr.Equal(original), "Death should invert birth")
	})

	t.Run("birth at an internal node is invalid", func(t *testing.T) {
		tr := grown(t)

		_, _, err := tr.Birth(tr.Root(), 0, 1, []float64{0}, []float64{0})
		require.ErrorIs(t, err, ErrInvalidMove)
	})

	t.Run("death needs two leaf children", func(t *testing.T) {
		tr := grown(t)

		require.ErrorIs(t, tr.Death(tr.Root(), []float64{0}), ErrInvalidMove)
	})

	t.Run("slots are reused after death", func(t *testing.T) {
		tr := New([]float64{0})
		l, r, err := tr.Birth(tr.Root(), 0, 2, []float64{1}, []float64{2})
		require.NoError(t, err)
		require.NoError(t, tr.Death(tr.Root(), []float64{0}))

		l2, r2, err := tr.Birth(tr.Root(), 0, 2, []float64{1}, []float64{2})
		require.NoError(t, err)
		require.Equal(t, []NodeID{l, r}, []NodeID{l2, r2}, "Freed ids should be handed out again")
	})

	t.Run("accepted moves keep the partition a tiling", func(t *testing.T) {
		xi := grid(t, 2, 9)
		tr := grown(t)
		requireTiling(t, tr, xi)

		leaf := tr.Leaves(tr.Root())[2]
		_, _, err := tr.Birth(leaf, 1, 5, []float64{0}, []float64{0})
		require.NoError(t, err)
		requireTiling(t, tr, xi)

		nog := tr.Nogs()[0]
		require.NoError(t, tr.Death(nog, []float64{0}))
		requireTiling(t, tr, xi)
	})
}

func TestRotate(t *testing.T) {
	t.Run("rotation preserves every leaf region", func(t *testing.T) {
		xi := grid(t, 2, 9)
		tr := grown(t)
		_, r := tr.Children(tr.Root())
		before := NewRouter(tr.Clone(), xi)

		require.Equal(t, []NodeID{r}, tr.Rotatable())
		require.NoError(t, tr.Rotate(r))
		require.Equal(t, r, tr.Root(), "Rotated node should become the root")
		requireTiling(t, tr, xi)

		after := NewRouter(tr, xi)
		for i := 0; i < 50; i++ {
			x := []float64{(float64(i) + 0.5) / 50, 0.3}
			require.Equal(t, before.Leaf(x), after.Leaf(x), "Point %v should keep its leaf", x)
		}
	})

	t.Run("rotating back restores the tree", func(t *testing.T) {
		tr := grown(t)
		original := tr.Clone()
		y := tr.Root()
		_, x := tr.Children(y)

		require.NoError(t, tr.Rotate(x))
		require.False(t, tr.Equal(original))
		require.NoError(t, tr.Rotate(y))
		require.True(t, tr.Equal(original), "Rotation should be self-inverse")
	})

	t.Run("different variables cannot rotate", func(t *testing.T) {
		tr := grown(t)
		l, _ := tr.Children(tr.Root())

		require.ErrorIs(t, tr.Rotate(l), ErrInvalidMove)
	})
}

func TestRange(t *testing.T) {
	xi := grid(t, 2, 9)
	tr := grown(t)
	l, r := tr.Children(tr.Root())
	_, rr := tr.Children(r)

	t.Run("bounding by ancestors", func(t *testing.T) {
		lo, hi := tr.Range(l, 0, xi)
		require.Equal(t, []int{0, 2}, []int{lo, hi})

		lo, hi = tr.Range(rr, 0, xi)
		require.Equal(t, []int{7, 8}, []int{lo, hi})

		lo, hi = tr.Range(l, 1, xi)
		require.Equal(t, []int{0, 8}, []int{lo, hi}, "Unconstrained variable should span the grid")
	})

	t.Run("validating cuts", func(t *testing.T) {
		require.True(t, tr.ValidCut(l, 0, 2, xi))
		require.False(t, tr.ValidCut(l, 0, 3, xi))
		require.False(t, tr.ValidCut(l, 5, 0, xi), "Unknown variable should be invalid")
		require.True(t, tr.RulesValid(tr.Root(), xi))
	})

	t.Run("exhausting a variable", func(t *testing.T) {
		xi := grid(t, 1, 1)
		tr := New([]float64{0})
		l, _, err := tr.Birth(tr.Root(), 0, 0, []float64{0}, []float64{0})
		require.NoError(t, err)

		require.False(t, tr.CanSplit(l, xi))
		require.Empty(t, tr.GoodVars(l, xi))
	})
}

func TestPosition(t *testing.T) {
	t.Run("heap positions round trip through lookup", func(t *testing.T) {
		tr := grown(t)
		for _, id := range append(tr.Internals(), tr.Leaves(tr.Root())...) {
			got, ok := tr.Lookup(tr.Position(id))
			require.True(t, ok)
			require.Equal(t, id, got)
		}
	})

	t.Run("numbering children", func(t *testing.T) {
		tr := grown(t)
		l, r := tr.Children(tr.Root())
		_, lr := tr.Children(l)

		require.Equal(t, uint64(1), tr.Position(tr.Root()))
		require.Equal(t, uint64(2), tr.Position(l))
		require.Equal(t, uint64(3), tr.Position(r))
		require.Equal(t, uint64(5), tr.Position(lr))
	})

	t.Run("missing positions", func(t *testing.T) {
		tr := grown(t)

		_, ok := tr.Lookup(0)
		require.False(t, ok)
		_, ok = tr.Lookup(16)
		require.False(t, ok, "Position below a leaf should not resolve")
	})
}

func TestDiagnostics(t *testing.T) {
	t.Run("summarising depths and splits", func(t *testing.T) {
		tr := grown(t)

		avg, lo, hi := tr.DepthStats()
		require.InDelta(t, 2.0, avg, 1e-12)
		require.Equal(t, 2, lo)
		require.Equal(t, 2, hi)
		require.Equal(t, []int{2, 1}, tr.SplitCounts(2))
	})
}

func TestSnapshot(t *testing.T) {
	t.Run("load inverts save", func(t *testing.T) {
		tr := grown(t)

		loaded, err := Load(tr.Save(), 1)
		require.NoError(t, err)
		require.True(t, tr.Equal(loaded), "Loaded tree should equal the saved one")
	})

	t.Run("encoding sentinels", func(t *testing.T) {
		s := grown(t).Save()

		require.Equal(t, 7, s.Nodes)
		require.Equal(t, []uint64{1, 2, 4, 5, 3, 6, 7}, s.IDs)
		require.Equal(t, []int{0, 1, Leaf, Leaf, 0, Leaf, Leaf}, s.Vars)
		require.Empty(t, s.Theta[0], "Internal nodes should carry no parameter")
	})

	t.Run("rejecting a count mismatch", func(t *testing.T) {
		s := grown(t).Save()
		s.Nodes = 5

		_, err := Load(s, 1)
		require.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("rejecting trailing nodes", func(t *testing.T) {
		s := New([]float64{1}).Save()
		s.Nodes = 2
		s.IDs = append(s.IDs, 2)
		s.Vars = append(s.Vars, Leaf)
		s.Cuts = append(s.Cuts, Leaf)
		s.Theta = append(s.Theta, []float64{1})

		_, err := Load(s, 1)
		require.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("rejecting wrong parameter length", func(t *testing.T) {
		_, err := Load(grown(t).Save(), 2)
		require.ErrorIs(t, err, ErrSerialization)
	})
}

func TestSoftRouting(t *testing.T) {
	xi := grid(t, 2, 9)
	tr := grown(t)
	router := NewRouter(tr, xi)
	x := []float64{0.33, 0.7}

	t.Run("probabilities sum to one", func(t *testing.T) {
		total := 0.0
		router.Soft(x, 0.5, func(_ NodeID, phi float64) { total += phi })
		require.InDelta(t, 1.0, total, 1e-12)
	})

	t.Run("log phi agrees with soft routing", func(t *testing.T) {
		router.Soft(x, 0.5, func(leaf NodeID, phi float64) {
			require.InDelta(t, math.Log(phi), router.LogPhi(leaf, x, 0.5), 1e-12)
		})
	})

	t.Run("half probability on the cut", func(t *testing.T) {
		s := Split{Var: 0, Value: 0.4, Lo: 0, Hi: 1}
		require.InDelta(t, 0.5, s.LeftProbability([]float64{0.4}, 0.3), 1e-12)
	})

	t.Run("small gamma approaches hard routing", func(t *testing.T) {
		for _, p := range [][]float64{{0.1, 0.1}, {0.35, 0.8}, {0.5, 0.2}, {0.9, 0.9}} {
			hard := router.Leaf(p)
			router.Soft(p, 1e-3, func(leaf NodeID, phi float64) {
				if leaf == hard {
					require.InDelta(t, 1.0, phi, 1e-6)
				} else {
					require.InDelta(t, 0.0, phi, 1e-6)
				}
			})
		}
	})

	t.Run("sampling follows the uniform draw", func(t *testing.T) {
		always := func() float64 { return 0 }
		require.Equal(t, tr.Leaves(tr.Root())[0], router.Sample(tr.Root(), []float64{0.9, 0.9}, 0.5, always),
			"A zero uniform should always branch left")
	})
}
