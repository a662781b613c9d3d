// Package model defines the leaf models a tree can carry. A model turns rows into
// sufficient statistics, integrates its leaf parameter out of them to score a partition,
// and draws the parameter from its posterior once the partition is fixed.
package model

import (
	"errors"
	"fmt"

	"golang.org/x/exp/rand"
)

// ErrNumericalDegeneracy is returned when a posterior precision is not positive definite.
var ErrNumericalDegeneracy = errors.New("numerical degeneracy")

// Composition is how the trees of an ensemble combine their per-row contributions.
type Composition int

const (
	Sum Composition = iota
	Product
)

func (c Composition) String() string {
	switch c {
	case Sum:
		return "sum"
	case Product:
		return "product"
	default:
		return fmt.Sprintf("composition(%d)", int(c))
	}
}

// Row is one observation as seen by a single tree: its predictors, the working target
// left once the other trees are backfitted out, and its per-row model inputs.
type Row struct {
	X []float64
	R float64   // working target
	W float64   // noise precision
	F []float64 // sub-model outputs, mixing only
	S []float64 // discrepancy scales, mixing only
}

// Stat is the sufficient statistic of a set of rows. Merge must be associative and
// commutative so that partial statistics fold in any grouping.
type Stat interface {
	N() int
	Merge(o Stat)
	Clone() Stat
	Pack() []float64
}

type Model interface {
	// Dim is the length of the leaf parameter.
	Dim() int
	Composition() Composition
	// Initial is the parameter of a freshly created leaf.
	Initial() []float64
	NewStat() Stat
	// Unpack is the inverse of Stat.Pack.
	Unpack(packed []float64) (Stat, error)
	Accumulate(s Stat, row Row)
	// LogMarginal is the log likelihood of the rows in s with the leaf parameter integrated
	// out, up to terms that depend only on the rows and not on the partition.
	LogMarginal(s Stat) (float64, error)
	Draw(s Stat, rng *rand.Rand) ([]float64, error)
	Predict(theta []float64, row Row) float64
}

// Inputs is implemented by models that read per-row columns beyond X.
type Inputs interface {
	// Columns is the number of sub-model outputs every row must carry and whether each
	// row also needs one discrepancy scale per sub-model.
	Columns() (subModels int, scales bool)
}

// Combine returns a fresh statistic holding a merged with b.
func Combine(a, b Stat) Stat {
	c := a.Clone()
	c.Merge(b)
	return c
}

// Identity is the contribution of an empty ensemble.
func (c Composition) Identity() float64 {
	if c == Product {
		return 1
	}
	return 0
}

// Apply folds one tree's contribution into an ensemble fit.
func (c Composition) Apply(fit, contribution float64) float64 {
	if c == Product {
		return fit * contribution
	}
	return fit + contribution
}

// Without removes one tree's contribution from an ensemble fit.
func (c Composition) Without(fit, contribution float64) float64 {
	if c == Product {
		return fit / contribution
	}
	return fit - contribution
}

// Target is the working target of a tree given the response and the fit of every other
// tree.
func (c Composition) Target(y, others float64) float64 {
	if c == Product {
		return y / others
	}
	return y - others
}

func unpackLength(name string, packed []float64, want int) error {
	if len(packed) != want {
		return fmt.Errorf("%s statistic has %d values, want %d", name, len(packed), want)
	}
	return nil
}
