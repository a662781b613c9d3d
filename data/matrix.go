// Package data holds the read-only inputs of the sampler: design matrices, the cutpoint
// grid proposals draw from, and the row shards each worker owns.
package data

import "fmt"

// Matrix is a dense row-major view over values owned by the caller.
type Matrix struct {
	Rows   int
	Cols   int
	Values []float64
}

// NewMatrix wraps values as a rows×cols matrix. It panics if the sizes disagree.
func NewMatrix(rows, cols int, values []float64) Matrix {
	if rows*cols != len(values) {
		panic(fmt.Sprintf("matrix of %dx%d cannot wrap %d values", rows, cols, len(values)))
	}
	return Matrix{Rows: rows, Cols: cols, Values: values}
}

func (m Matrix) At(i, j int) float64 {
	return m.Values[i*m.Cols+j]
}

// Row returns row i without copying.
func (m Matrix) Row(i int) []float64 {
	return m.Values[i*m.Cols : (i+1)*m.Cols]
}

func (m Matrix) Empty() bool {
	return m.Rows == 0 || m.Cols == 0
}

// Slice returns the view of rows [lo, hi).
func (m Matrix) Slice(lo, hi int) Matrix {
	if m.Empty() {
		return Matrix{}
	}
	return Matrix{Rows: hi - lo, Cols: m.Cols, Values: m.Values[lo*m.Cols : hi*m.Cols]}
}
