package data

import (
	"errors"
	"fmt"
)

var ErrShape = errors.New("shard shape mismatch")

// Shard is one worker's view of a contiguous row range. X, Y, Sigma, F and S belong to the
// data loader and are never resized here; Residual is rewritten by the sampler once per
// sweep and is where other ensembles pick up this ensemble's fit.
type Shard struct {
	Offset   int       // global index of the first row
	X        Matrix    // n×p design
	Y        []float64 // response or externally supplied residual target
	Sigma    []float64 // per-row noise sd, nil means 1
	F        Matrix    // n×k sub-model outputs for mixing, empty otherwise
	S        Matrix    // n×k discrepancy scales for the non-stationary prior, empty otherwise
	Residual []float64
}

type ShardOption func(s *Shard)

func WithSigma(sigma []float64) ShardOption {
	return func(s *Shard) {
		s.Sigma = sigma
	}
}

func WithSubModels(f Matrix) ShardOption {
	return func(s *Shard) {
		s.F = f
	}
}

func WithDiscrepancyScale(scale Matrix) ShardOption {
	return func(s *Shard) {
		s.S = scale
	}
}

// NewShard wraps loader-owned inputs and allocates the residual buffer.
func NewShard(offset int, x Matrix, y []float64, options ...ShardOption) (*Shard, error) {
	s := &Shard{Offset: offset, X: x, Y: y}
	for _, option := range options {
		option(s)
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	s.Residual = make([]float64, len(y))
	return s, nil
}

func (s *Shard) check() error {
	n := len(s.Y)
	if s.X.Rows != n {
		return fmt.Errorf("%w: %d design rows for %d responses", ErrShape, s.X.Rows, n)
	}
	if s.Sigma != nil && len(s.Sigma) != n {
		return fmt.Errorf("%w: %d noise values for %d rows", ErrShape, len(s.Sigma), n)
	}
	if !s.F.Empty() && s.F.Rows != n {
		return fmt.Errorf("%w: %d sub-model rows for %d rows", ErrShape, s.F.Rows, n)
	}
	if !s.S.Empty() && (s.S.Rows != n || s.S.Cols != s.F.Cols) {
		return fmt.Errorf("%w: discrepancy scales are %dx%d, sub-models %dx%d", ErrShape, s.S.Rows, s.S.Cols, s.F.Rows, s.F.Cols)
	}
	return nil
}

// Len is the number of rows in the shard.
func (s *Shard) Len() int {
	return len(s.Y)
}

// Weight is the noise precision 1/σ² of row i.
func (s *Shard) Weight(i int) float64 {
	if s.Sigma == nil {
		return 1
	}
	return 1 / (s.Sigma[i] * s.Sigma[i])
}

// Split cuts a shard into parts contiguous shards of near-equal size. The parts share
// backing arrays with s, including the residual buffer.
func Split(s *Shard, parts int) []*Shard {
	if parts < 1 {
		panic("cannot split a shard into fewer than one part")
	}
	n := s.Len()
	shards := make([]*Shard, parts)
	for i := range shards {
		lo, hi := i*n/parts, (i+1)*n/parts
		part := &Shard{
			Offset:   s.Offset + lo,
			X:        s.X.Slice(lo, hi),
			Y:        s.Y[lo:hi],
			F:        s.F.Slice(lo, hi),
			S:        s.S.Slice(lo, hi),
			Residual: s.Residual[lo:hi],
		}
		if s.Sigma != nil {
			part.Sigma = s.Sigma[lo:hi]
		}
		shards[i] = part
	}
	return shards
}
