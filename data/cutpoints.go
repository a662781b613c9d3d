package data

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidGrid = errors.New("invalid cutpoint grid")

// Cutpoints is the immutable per-variable grid of candidate split values shared by every
// proposal. A rule (v, c) sends a row left when x[v] < Value(v, c).
type Cutpoints struct {
	cuts [][]float64
	lo   []float64
	hi   []float64
}

// NewCutpoints validates an explicit grid. Domain bounds extend one grid step beyond the
// outermost cuts.
func NewCutpoints(cuts [][]float64) (*Cutpoints, error) {
	if len(cuts) == 0 {
		return nil, fmt.Errorf("%w: no variables", ErrInvalidGrid)
	}
	lo := make([]float64, len(cuts))
	hi := make([]float64, len(cuts))
	for v, cv := range cuts {
		if len(cv) == 0 {
			return nil, fmt.Errorf("%w: variable %d has no cutpoints", ErrInvalidGrid, v)
		}
		for i := 1; i < len(cv); i++ {
			if !(cv[i] > cv[i-1]) {
				return nil, fmt.Errorf("%w: variable %d cutpoints not strictly ascending at %d", ErrInvalidGrid, v, i)
			}
		}
		step := 1.0
		if len(cv) > 1 {
			step = (cv[len(cv)-1] - cv[0]) / float64(len(cv)-1)
		}
		lo[v] = cv[0] - step
		hi[v] = cv[len(cv)-1] + step
	}
	return &Cutpoints{cuts: cuts, lo: lo, hi: hi}, nil
}

// UniformCutpoints places numCut evenly spaced interior cuts in each [lo[v], hi[v]].
func UniformCutpoints(lo, hi []float64, numCut int) (*Cutpoints, error) {
	if len(lo) != len(hi) || len(lo) == 0 {
		return nil, fmt.Errorf("%w: %d lower and %d upper bounds", ErrInvalidGrid, len(lo), len(hi))
	}
	if numCut < 1 {
		return nil, fmt.Errorf("%w: need at least one cut per variable, got %d", ErrInvalidGrid, numCut)
	}
	cuts := make([][]float64, len(lo))
	for v := range lo {
		if !(hi[v] > lo[v]) {
			return nil, fmt.Errorf("%w: variable %d has empty range [%g, %g]", ErrInvalidGrid, v, lo[v], hi[v])
		}
		width := (hi[v] - lo[v]) / float64(numCut+1)
		cuts[v] = make([]float64, numCut)
		for j := range cuts[v] {
			cuts[v][j] = lo[v] + float64(j+1)*width
		}
	}
	return &Cutpoints{
		cuts: cuts,
		lo:   append([]float64(nil), lo...),
		hi:   append([]float64(nil), hi...),
	}, nil
}

// CutpointsFromData builds a uniform grid over the observed range of each column.
func CutpointsFromData(x Matrix, numCut int) (*Cutpoints, error) {
	if x.Empty() {
		return nil, fmt.Errorf("%w: empty design matrix", ErrInvalidGrid)
	}
	lo := make([]float64, x.Cols)
	hi := make([]float64, x.Cols)
	for j := range lo {
		lo[j], hi[j] = math.Inf(1), math.Inf(-1)
	}
	for i := 0; i < x.Rows; i++ {
		for j, value := range x.Row(i) {
			lo[j] = math.Min(lo[j], value)
			hi[j] = math.Max(hi[j], value)
		}
	}
	for j := range lo {
		if lo[j] == hi[j] { // Constant column still gets a usable grid
			lo[j] -= 0.5
			hi[j] += 0.5
		}
	}
	return UniformCutpoints(lo, hi, numCut)
}

// Vars is the number of predictors.
func (c *Cutpoints) Vars() int {
	return len(c.cuts)
}

// Len is the number of cutpoints of variable v.
func (c *Cutpoints) Len(v int) int {
	return len(c.cuts[v])
}

func (c *Cutpoints) Value(v, i int) float64 {
	return c.cuts[v][i]
}

// Domain returns the bounds of variable v used as the outermost region edges.
func (c *Cutpoints) Domain(v int) (lo, hi float64) {
	return c.lo[v], c.hi[v]
}
