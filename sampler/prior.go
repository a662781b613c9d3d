package sampler

import (
	"math"

	"openbt/data"
	"openbt/tree"

	"golang.org/x/exp/rand"
)

// Prior is the depth-based structure prior: a node at depth d splits with probability
// Alpha/(1+d)^Beta while d < MaxDepth and some variable still has a cut available.
type Prior struct {
	Alpha    float64
	Beta     float64
	MaxDepth int
}

func DefaultPrior() Prior {
	return Prior{Alpha: 0.95, Beta: 1, MaxDepth: tree.MaxDepth}
}

// Grow is the prior probability that id splits.
func (p Prior) Grow(t *tree.Tree, id tree.NodeID, xi *data.Cutpoints) float64 {
	d := t.Depth(id)
	if d >= p.MaxDepth || !t.CanSplit(id, xi) {
		return 0
	}
	return p.Alpha / math.Pow(1+float64(d), p.Beta)
}

// LogPrior is the log prior of the whole tree: split or stop at every node, and a uniform
// choice of variable and cut for every rule among those its ancestors leave available.
func (p Prior) LogPrior(t *tree.Tree, xi *data.Cutpoints) float64 {
	lp := 0.0
	for _, leaf := range t.Leaves(t.Root()) {
		lp += math.Log(1 - p.Grow(t, leaf, xi))
	}
	for _, n := range t.Internals() {
		v, c := t.Rule(n)
		lo, hi := t.Range(n, v, xi)
		if c < lo || c > hi {
			return math.Inf(-1)
		}
		lp += math.Log(p.Grow(t, n, xi)) - math.Log(float64(len(t.GoodVars(n, xi)))) - math.Log(float64(hi-lo+1))
	}
	return lp
}

// goodLeaves lists the leaves a birth may split.
func (p Prior) goodLeaves(t *tree.Tree, xi *data.Cutpoints) []tree.NodeID {
	var leaves []tree.NodeID
	for _, leaf := range t.Leaves(t.Root()) {
		if p.Grow(t, leaf, xi) > 0 {
			leaves = append(leaves, leaf)
		}
	}
	return leaves
}

// birthProbability is the chance a birth/death step proposes a birth.
func birthProbability(t *tree.Tree, goodLeaves int, pb float64) float64 {
	switch {
	case goodLeaves == 0:
		return 0
	case t.Size() == 1:
		return 1
	default:
		return pb
	}
}

// SampleTree draws a tree from the prior, every leaf holding a copy of theta.
func (p Prior) SampleTree(xi *data.Cutpoints, theta []float64, rng *rand.Rand) *tree.Tree {
	t := tree.New(theta)
	stack := []tree.NodeID{t.Root()}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if rng.Float64() >= p.Grow(t, id, xi) {
			continue
		}
		vars := t.GoodVars(id, xi)
		v := vars[rng.Intn(len(vars))]
		lo, hi := t.Range(id, v, xi)
		left, right, err := t.Birth(id, v, lo+rng.Intn(hi-lo+1), theta, theta)
		if err != nil {
			panic(err)
		}
		stack = append(stack, right, left)
	}
	return t
}
