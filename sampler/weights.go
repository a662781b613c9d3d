package sampler

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

const (
	minWeight = 0.01
	maxWeight = 100
)

// Weights is the p×p change-of-variable proposal matrix: row v weighs the variables a rule
// on v may move to. Rows are owned by workers in contiguous ranges; the coordinator keeps
// a read copy updated from the owners' acks.
type Weights struct {
	p int
	w []float64
}

func NewWeights(p int) *Weights {
	w := &Weights{p: p, w: make([]float64, p*p)}
	for i := range w.w {
		w.w[i] = 1
	}
	return w
}

func (w *Weights) Vars() int {
	return w.p
}

func (w *Weights) Row(v int) []float64 {
	return w.w[v*w.p : (v+1)*w.p]
}

func (w *Weights) SetRow(v int, row []float64) error {
	if len(row) != w.p {
		return fmt.Errorf("weight row of %d entries for %d variables", len(row), w.p)
	}
	for _, x := range row {
		if !(x > 0) || math.IsInf(x, 0) {
			return fmt.Errorf("weight row %d holds %g", v, x)
		}
	}
	copy(w.Row(v), row)
	return nil
}

// Probability is the chance that a rule on v proposes to move to variable to.
func (w *Weights) Probability(v, to int) float64 {
	row := w.Row(v)
	total := 0.0
	for _, x := range row {
		total += x
	}
	return row[to] / total
}

// Draw picks a target variable for a rule on v.
func (w *Weights) Draw(v int, rng *rand.Rand) int {
	row := w.Row(v)
	total := 0.0
	for _, x := range row {
		total += x
	}
	u := rng.Float64() * total
	for to, x := range row {
		u -= x
		if u < 0 {
			return to
		}
	}
	return w.p - 1
}

// Adapt rewards or penalises the move v → to by a factor exp(±step) and returns a copy of
// the updated row.
func (w *Weights) Adapt(v, to int, accepted bool, step float64) []float64 {
	row := w.Row(v)
	factor := math.Exp(step)
	if !accepted {
		factor = 1 / factor
	}
	row[to] = min(max(row[to]*factor, minWeight), maxWeight)
	return append([]float64(nil), row...)
}

// OwnedVars is the range [lo, hi) of weight rows written by worker rank (1-based).
func OwnedVars(rank, workers, p int) (lo, hi int) {
	return (rank - 1) * p / workers, rank * p / workers
}

// Owner is the rank of the worker that writes row v.
func Owner(v, workers, p int) int {
	for rank := 1; rank <= workers; rank++ {
		if lo, hi := OwnedVars(rank, workers, p); v >= lo && v < hi {
			return rank
		}
	}
	panic(fmt.Sprintf("variable %d outside %d weight rows", v, p))
}
