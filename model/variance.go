package model

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Variance is the leaf of a product-of-trees variance model. Each row's target is a
// squared residual divided by the other trees' variance factors, so r_i/s² ~ χ²₁ with
// s² ~ scaled-Inv-χ²(Nu, Lambda).
type Variance struct {
	Nu     float64
	Lambda float64
	Trees  int
}

type VarianceStat struct {
	Count int
	SumR  float64
}

func (s *VarianceStat) N() int {
	return s.Count
}

func (s *VarianceStat) Merge(o Stat) {
	other := o.(*VarianceStat)
	s.Count += other.Count
	s.SumR += other.SumR
}

func (s *VarianceStat) Clone() Stat {
	c := *s
	return &c
}

func (s *VarianceStat) Pack() []float64 {
	return []float64{float64(s.Count), s.SumR}
}

func NewVariance(nu, lambda float64, trees int) *Variance {
	if !(nu > 0) || !(lambda > 0) || trees < 1 {
		panic("variance prior needs positive nu, lambda and tree count")
	}
	return &Variance{Nu: nu, Lambda: lambda, Trees: trees}
}

func (m *Variance) Dim() int {
	return 1
}

func (m *Variance) Composition() Composition {
	return Product
}

// Initial spreads Lambda evenly over the trees so the ensemble starts at the prior scale.
func (m *Variance) Initial() []float64 {
	return []float64{math.Pow(m.Lambda, 1/float64(m.Trees))}
}

func (m *Variance) NewStat() Stat {
	return &VarianceStat{}
}

func (m *Variance) Unpack(packed []float64) (Stat, error) {
	if err := unpackLength("variance", packed, 2); err != nil {
		return nil, err
	}
	return &VarianceStat{Count: int(packed[0]), SumR: packed[1]}, nil
}

func (m *Variance) Accumulate(s Stat, row Row) {
	st := s.(*VarianceStat)
	st.Count++
	st.SumR += row.R
}

func (m *Variance) LogMarginal(s Stat) (float64, error) {
	st := s.(*VarianceStat)
	a := m.Nu / 2
	b := m.Nu * m.Lambda / 2
	post := a + float64(st.Count)/2
	lgPost, _ := math.Lgamma(post)
	lgPrior, _ := math.Lgamma(a)
	return lgPost - post*math.Log(b+st.SumR/2) + a*math.Log(b) - lgPrior, nil
}

func (m *Variance) Draw(s Stat, rng *rand.Rand) ([]float64, error) {
	st := s.(*VarianceStat)
	chi := distuv.ChiSquared{K: m.Nu + float64(st.Count), Src: rng}
	return []float64{(m.Nu*m.Lambda + st.SumR) / chi.Rand()}, nil
}

func (m *Variance) Predict(theta []float64, _ Row) float64 {
	return theta[0]
}
