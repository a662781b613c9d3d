package sampler

import (
	"openbt/data"
	"openbt/model"
	"openbt/tree"
)

func routers(trees []*tree.Tree, xi *data.Cutpoints) []*tree.Router {
	out := make([]*tree.Router, len(trees))
	for j, t := range trees {
		out[j] = tree.NewRouter(t, xi)
	}
	return out
}

// Predict evaluates the ensemble on every row of shard. With soft nil each row takes the
// parameter of the leaf it falls in; otherwise soft holds the gamma of every tree and each
// tree's contribution is averaged over its leaves by random-path probability.
func Predict(trees []*tree.Tree, m model.Model, xi *data.Cutpoints, shard *data.Shard, soft []float64) []float64 {
	if soft != nil && len(soft) != len(trees) {
		panic("one gamma per tree is required for soft prediction")
	}
	rs := routers(trees, xi)
	comp := m.Composition()
	out := make([]float64, shard.Len())
	for i := range out {
		row := model.Row{X: shard.X.Row(i), W: shard.Weight(i)}
		if !shard.F.Empty() {
			row.F = shard.F.Row(i)
		}
		if !shard.S.Empty() {
			row.S = shard.S.Row(i)
		}
		fit := comp.Identity()
		for j, r := range rs {
			if soft == nil {
				fit = comp.Apply(fit, m.Predict(trees[j].Theta(r.Leaf(row.X)), row))
				continue
			}
			contribution := 0.0
			r.Soft(row.X, soft[j], func(leaf tree.NodeID, phi float64) {
				contribution += phi * m.Predict(trees[j].Theta(leaf), row)
			})
			fit = comp.Apply(fit, contribution)
		}
		out[i] = fit
	}
	return out
}

// MixingWeights is the summed leaf parameter vector of a mixing ensemble at every row, the
// per-model weights its prediction applies to the sub-model outputs.
func MixingWeights(trees []*tree.Tree, xi *data.Cutpoints, shard *data.Shard, soft []float64) [][]float64 {
	if len(trees) == 0 {
		return nil
	}
	rs := routers(trees, xi)
	dim := trees[0].Dim()
	out := make([][]float64, shard.Len())
	for i := range out {
		x := shard.X.Row(i)
		w := make([]float64, dim)
		for j, r := range rs {
			if soft == nil {
				for k, theta := range trees[j].Theta(r.Leaf(x)) {
					w[k] += theta
				}
				continue
			}
			r.Soft(x, soft[j], func(leaf tree.NodeID, phi float64) {
				for k, theta := range trees[j].Theta(leaf) {
					w[k] += phi * theta
				}
			})
		}
		out[i] = w
	}
	return out
}
