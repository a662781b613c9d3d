package model

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Mean is the scalar-mean leaf of a sum-of-trees regression: r_i ~ N(θ, 1/w_i) with
// θ ~ N(0, Tau²).
type Mean struct {
	Tau float64
}

type MeanStat struct {
	Count int
	SumW  float64
	SumWR float64
}

func (s *MeanStat) N() int {
	return s.Count
}

func (s *MeanStat) Merge(o Stat) {
	other := o.(*MeanStat)
	s.Count += other.Count
	s.SumW += other.SumW
	s.SumWR += other.SumWR
}

func (s *MeanStat) Clone() Stat {
	c := *s
	return &c
}

func (s *MeanStat) Pack() []float64 {
	return []float64{float64(s.Count), s.SumW, s.SumWR}
}

func NewMean(tau float64) *Mean {
	if !(tau > 0) {
		panic("mean prior scale must be positive")
	}
	return &Mean{Tau: tau}
}

func (m *Mean) Dim() int {
	return 1
}

func (m *Mean) Composition() Composition {
	return Sum
}

func (m *Mean) Initial() []float64 {
	return []float64{0}
}

func (m *Mean) NewStat() Stat {
	return &MeanStat{}
}

func (m *Mean) Unpack(packed []float64) (Stat, error) {
	if err := unpackLength("mean", packed, 3); err != nil {
		return nil, err
	}
	return &MeanStat{Count: int(packed[0]), SumW: packed[1], SumWR: packed[2]}, nil
}

func (m *Mean) Accumulate(s Stat, row Row) {
	st := s.(*MeanStat)
	st.Count++
	st.SumW += row.W
	st.SumWR += row.W * row.R
}

func (m *Mean) LogMarginal(s Stat) (float64, error) {
	st := s.(*MeanStat)
	t2 := m.Tau * m.Tau
	d := 1 + t2*st.SumW
	return -0.5*math.Log(d) + 0.5*st.SumWR*st.SumWR*t2/d, nil
}

func (m *Mean) Draw(s Stat, rng *rand.Rand) ([]float64, error) {
	st := s.(*MeanStat)
	precision := 1/(m.Tau*m.Tau) + st.SumW
	normal := distuv.Normal{Mu: st.SumWR / precision, Sigma: 1 / math.Sqrt(precision), Src: rng}
	return []float64{normal.Rand()}, nil
}

func (m *Mean) Predict(theta []float64, _ Row) float64 {
	return theta[0]
}
