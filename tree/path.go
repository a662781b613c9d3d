package tree

import "math"

// LeftProbability is the random-path probability that x takes the left branch of s.
// gamma in (0, 1) is the inverse steepness: as gamma goes to 0 it approaches the hard
// split, with probability 1/2 exactly on the cut.
func (s Split) LeftProbability(x []float64, gamma float64) float64 {
	xv := x[s.Var]
	exponent := 1 / gamma
	if xv < s.Value {
		return 1 - 0.5*math.Pow(1-edgeDistance(s.Value-xv, s.Value-s.Lo), exponent)
	}
	return 0.5 * math.Pow(1-edgeDistance(xv-s.Value, s.Hi-s.Value), exponent)
}

// edgeDistance is the distance from the cut scaled by the width of the region side.
func edgeDistance(distance, width float64) float64 {
	if width <= 0 {
		return 1
	}
	return math.Min(distance/width, 1)
}

// branchProbability is the probability of moving from internal node p to its child.
func (r *Router) branchProbability(p, child NodeID, x []float64, gamma float64) float64 {
	left := r.rules[p].LeftProbability(x, gamma)
	if r.t.nodes[p].left == child {
		return left
	}
	return 1 - left
}

// LogPhi is the log random-path probability that x reaches id from the root.
func (r *Router) LogPhi(id NodeID, x []float64, gamma float64) float64 {
	return r.LogPhiFrom(None, id, x, gamma)
}

// LogPhiFrom is the log probability that x reaches id given it has reached ancestor.
// A None ancestor means the root.
func (r *Router) LogPhiFrom(ancestor, id NodeID, x []float64, gamma float64) float64 {
	sum := 0.0
	child := id
	for p := r.t.nodes[id].parent; p != None && child != ancestor; p = r.t.nodes[p].parent {
		sum += math.Log(r.branchProbability(p, child, x, gamma))
		child = p
	}
	return sum
}

// Soft visits every leaf reachable by x with its random-path probability.
func (r *Router) Soft(x []float64, gamma float64, visit func(leaf NodeID, phi float64)) {
	var descend func(id NodeID, phi float64)
	descend = func(id NodeID, phi float64) {
		if phi == 0 {
			return
		}
		if r.t.IsLeaf(id) {
			visit(id, phi)
			return
		}
		left := r.rules[id].LeftProbability(x, gamma)
		descend(r.t.nodes[id].left, phi*left)
		descend(r.t.nodes[id].right, phi*(1-left))
	}
	descend(r.t.root, 1)
}

// Sample walks x from id down to a leaf, branching left when uniform() falls below the
// left probability. It returns the leaf reached.
func (r *Router) Sample(id NodeID, x []float64, gamma float64, uniform func() float64) NodeID {
	for !r.t.IsLeaf(id) {
		if uniform() < r.rules[id].LeftProbability(x, gamma) {
			id = r.t.nodes[id].left
		} else {
			id = r.t.nodes[id].right
		}
	}
	return id
}
