package tree

import "openbt/data"

// Range returns the cutpoint indices [lo, hi] of variable v still available at id given
// the splits of its ancestors. The range is empty when lo > hi.
func (t *Tree) Range(id NodeID, v int, xi *data.Cutpoints) (lo, hi int) {
	lo, hi = 0, xi.Len(v)-1
	child := id
	for p := t.nodes[id].parent; p != None; p = t.nodes[p].parent {
		if n := t.nodes[p]; n.v == v {
			if n.left == child {
				hi = min(hi, n.c-1)
			} else {
				lo = max(lo, n.c+1)
			}
		}
		child = p
	}
	return lo, hi
}

// ValidCut reports whether rule (v, c) may be placed at id.
func (t *Tree) ValidCut(id NodeID, v, c int, xi *data.Cutpoints) bool {
	if v < 0 || v >= xi.Vars() {
		return false
	}
	lo, hi := t.Range(id, v, xi)
	return c >= lo && c <= hi
}

// GoodVars lists the variables with at least one available cut at id.
func (t *Tree) GoodVars(id NodeID, xi *data.Cutpoints) []int {
	var vars []int
	for v := 0; v < xi.Vars(); v++ {
		if lo, hi := t.Range(id, v, xi); lo <= hi {
			vars = append(vars, v)
		}
	}
	return vars
}

// CanSplit reports whether any variable still has an available cut at id.
func (t *Tree) CanSplit(id NodeID, xi *data.Cutpoints) bool {
	for v := 0; v < xi.Vars(); v++ {
		if lo, hi := t.Range(id, v, xi); lo <= hi {
			return true
		}
	}
	return false
}

// RulesValid reports whether every rule in the subtree of id lies within the range its
// own ancestors allow.
func (t *Tree) RulesValid(id NodeID, xi *data.Cutpoints) bool {
	ok := true
	t.walk(id, func(n NodeID) {
		if ok && !t.IsLeaf(n) {
			v, c := t.Rule(n)
			ok = t.ValidCut(n, v, c, xi)
		}
	})
	return ok
}

// Split is a rule resolved against the cutpoint grid: x[Var] < Value goes left. Lo and
// Hi are the edges of the splitting node's region on Var, used by soft routing.
type Split struct {
	Var   int
	Value float64
	Lo    float64
	Hi    float64
}

// Left reports whether x goes left under a hard split.
func (s Split) Left(x []float64) bool {
	return x[s.Var] < s.Value
}

// Resolve returns rule (v, c) as it would act if placed at id.
func (t *Tree) Resolve(id NodeID, v, c int, xi *data.Cutpoints) Split {
	lo, hi := t.Range(id, v, xi)
	s := Split{Var: v, Value: xi.Value(v, c)}
	s.Lo, s.Hi = xi.Domain(v)
	if lo > 0 {
		s.Lo = xi.Value(v, lo-1)
	}
	if hi < xi.Len(v)-1 {
		s.Hi = xi.Value(v, hi+1)
	}
	return s
}

// Router resolves a tree's rules against a cutpoint grid once so that rows can be routed
// without further lookups. It describes the tree at construction time and must be rebuilt
// after any mutation.
type Router struct {
	t     *Tree
	rules []Split
}

func NewRouter(t *Tree, xi *data.Cutpoints) *Router {
	r := &Router{t: t, rules: make([]Split, len(t.nodes))}
	for _, n := range t.Internals() {
		v, c := t.Rule(n)
		r.rules[n] = t.Resolve(n, v, c, xi)
	}
	return r
}

func (r *Router) Tree() *Tree {
	return r.t
}

// Leaf routes x from the root to its leaf.
func (r *Router) Leaf(x []float64) NodeID {
	return r.Descend(r.t.root, x)
}

// Descend routes x from node id down to a leaf of its subtree.
func (r *Router) Descend(id NodeID, x []float64) NodeID {
	for !r.t.IsLeaf(id) {
		if r.rules[id].Left(x) {
			id = r.t.nodes[id].left
		} else {
			id = r.t.nodes[id].right
		}
	}
	return id
}

// Contains reports whether x falls in the region of id, checking only the rules on the
// path from id to the root.
func (r *Router) Contains(id NodeID, x []float64) bool {
	child := id
	for p := r.t.nodes[id].parent; p != None; p = r.t.nodes[p].parent {
		if r.rules[p].Left(x) != (r.t.nodes[p].left == child) {
			return false
		}
		child = p
	}
	return true
}
