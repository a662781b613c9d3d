package model

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Mixing is the weight-vector leaf used for model mixing: r_i ~ N(⟨θ, f_i⟩, 1/w_i) where
// f_i holds the outputs of the K sub-models at row i. With Discrepancy a constant feature
// is appended so the leaf also carries an additive discrepancy weight.
//
// The prior is θ ~ N(Beta·1, Tau²·I). With NonStationary the prior precision of weight l
// in a leaf is 1/(Tau²·s̄²_l), s̄²_l being the mean squared discrepancy scale of l over
// the leaf's rows.
type Mixing struct {
	K             int
	Tau           float64
	Beta          float64
	Discrepancy   bool
	NonStationary bool
}

type MixingStat struct {
	k     int
	Count int
	Phi   []float64 // k×k Σ w f fᵀ, row-major
	B     []float64 // Σ w r f
	S2    []float64 // Σ s²
}

func newMixingStat(k int) *MixingStat {
	return &MixingStat{k: k, Phi: make([]float64, k*k), B: make([]float64, k), S2: make([]float64, k)}
}

func (s *MixingStat) N() int {
	return s.Count
}

func (s *MixingStat) Merge(o Stat) {
	other := o.(*MixingStat)
	s.Count += other.Count
	for i := range s.Phi {
		s.Phi[i] += other.Phi[i]
	}
	for i := range s.B {
		s.B[i] += other.B[i]
		s.S2[i] += other.S2[i]
	}
}

func (s *MixingStat) Clone() Stat {
	return &MixingStat{
		k:     s.k,
		Count: s.Count,
		Phi:   append([]float64(nil), s.Phi...),
		B:     append([]float64(nil), s.B...),
		S2:    append([]float64(nil), s.S2...),
	}
}

func (s *MixingStat) Pack() []float64 {
	packed := make([]float64, 0, 1+s.k*s.k+2*s.k)
	packed = append(packed, float64(s.Count))
	packed = append(packed, s.Phi...)
	packed = append(packed, s.B...)
	return append(packed, s.S2...)
}

func NewMixing(k int, tau, beta float64, discrepancy, nonStationary bool) *Mixing {
	if k < 1 || !(tau > 0) {
		panic("mixing needs at least one sub-model and a positive prior scale")
	}
	return &Mixing{K: k, Tau: tau, Beta: beta, Discrepancy: discrepancy, NonStationary: nonStationary}
}

func (m *Mixing) Dim() int {
	if m.Discrepancy {
		return m.K + 1
	}
	return m.K
}

func (m *Mixing) Columns() (int, bool) {
	return m.K, m.NonStationary
}

func (m *Mixing) Composition() Composition {
	return Sum
}

func (m *Mixing) Initial() []float64 {
	theta := make([]float64, m.Dim())
	for i := range theta {
		theta[i] = m.Beta
	}
	return theta
}

func (m *Mixing) NewStat() Stat {
	return newMixingStat(m.Dim())
}

func (m *Mixing) Unpack(packed []float64) (Stat, error) {
	k := m.Dim()
	if err := unpackLength("mixing", packed, 1+k*k+2*k); err != nil {
		return nil, err
	}
	s := newMixingStat(k)
	s.Count = int(packed[0])
	copy(s.Phi, packed[1:])
	copy(s.B, packed[1+k*k:])
	copy(s.S2, packed[1+k*k+k:])
	return s, nil
}

// features is the vector f the weights multiply, with the discrepancy column appended.
func (m *Mixing) features(row Row) []float64 {
	if !m.Discrepancy {
		return row.F[:m.K]
	}
	return append(append(make([]float64, 0, m.K+1), row.F[:m.K]...), 1)
}

func (m *Mixing) Accumulate(s Stat, row Row) {
	st := s.(*MixingStat)
	f := m.features(row)
	k := len(f)
	st.Count++
	for i := 0; i < k; i++ {
		wf := row.W * f[i]
		st.B[i] += wf * row.R
		for j := 0; j < k; j++ {
			st.Phi[i*k+j] += wf * f[j]
		}
	}
	if m.NonStationary {
		for i := 0; i < m.K; i++ {
			st.S2[i] += row.S[i] * row.S[i]
		}
		if m.Discrepancy {
			st.S2[m.K]++
		}
	}
}

// priorPrecision is the diagonal of Λ0 for the rows summarised by st. A weight whose
// rows all carry a zero discrepancy scale has no finite prior precision.
func (m *Mixing) priorPrecision(st *MixingStat) ([]float64, error) {
	t2 := m.Tau * m.Tau
	lambda := make([]float64, st.k)
	for l := range lambda {
		scale := 1.0
		if m.NonStationary && st.Count > 0 {
			scale = st.S2[l] / float64(st.Count)
		}
		lambda[l] = 1 / (t2 * scale)
		if math.IsInf(lambda[l], 0) || math.IsNaN(lambda[l]) {
			return nil, fmt.Errorf("%w: weight %d of a leaf over %d rows has discrepancy scale %g", ErrNumericalDegeneracy, l, st.Count, scale)
		}
	}
	return lambda, nil
}

// posterior factorizes P = Λ0 + Φ and returns it with the right-hand side Λ0μ0 + b.
func (m *Mixing) posterior(st *MixingStat) (*mat.Cholesky, *mat.VecDense, []float64, error) {
	k := st.k
	lambda, err := m.priorPrecision(st)
	if err != nil {
		return nil, nil, nil, err
	}
	precision := mat.NewSymDense(k, append([]float64(nil), st.Phi...))
	rhs := mat.NewVecDense(k, nil)
	for l := 0; l < k; l++ {
		precision.SetSym(l, l, precision.At(l, l)+lambda[l])
		rhs.SetVec(l, lambda[l]*m.Beta+st.B[l])
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(precision); !ok {
		return nil, nil, nil, fmt.Errorf("%w: leaf precision over %d rows is not positive definite", ErrNumericalDegeneracy, st.Count)
	}
	return &chol, rhs, lambda, nil
}

func (m *Mixing) LogMarginal(s Stat) (float64, error) {
	st := s.(*MixingStat)
	chol, rhs, lambda, err := m.posterior(st)
	if err != nil {
		return 0, err
	}
	var mean mat.VecDense
	if err := chol.SolveVecTo(&mean, rhs); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNumericalDegeneracy, err)
	}
	lm := -0.5*chol.LogDet() + 0.5*mat.Dot(rhs, &mean)
	for _, l := range lambda {
		lm += 0.5*math.Log(l) - 0.5*l*m.Beta*m.Beta
	}
	return lm, nil
}

func (m *Mixing) Draw(s Stat, rng *rand.Rand) ([]float64, error) {
	st := s.(*MixingStat)
	chol, rhs, _, err := m.posterior(st)
	if err != nil {
		return nil, err
	}
	var mean mat.VecDense
	if err := chol.SolveVecTo(&mean, rhs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNumericalDegeneracy, err)
	}
	z := mat.NewVecDense(st.k, nil)
	for i := 0; i < st.k; i++ {
		z.SetVec(i, rng.NormFloat64())
	}
	// P = UᵀU, so U⁻¹z has covariance P⁻¹.
	var noise mat.VecDense
	if err := noise.SolveVec(chol.RawU(), z); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNumericalDegeneracy, err)
	}
	theta := make([]float64, st.k)
	for i := range theta {
		theta[i] = mean.AtVec(i) + noise.AtVec(i)
	}
	return theta, nil
}

func (m *Mixing) Predict(theta []float64, row Row) float64 {
	total := 0.0
	for i, f := range m.features(row) {
		total += theta[i] * f
	}
	return total
}
