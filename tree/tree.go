// Package tree implements the binary partition tree mutated in place by the sampler.
//
// Nodes live in an arena and are addressed by NodeID. Child links are owned ids, the parent
// link is a plain back-reference. Slots freed by a death are reused by later births, so a
// NodeID is only meaningful for the tree that issued it; participants that must agree on
// a node exchange its heap Position instead.
package tree

import (
	"fmt"
	"math"
)

type NodeID int32

// None is the absent node.
const None NodeID = -1

// MaxDepth is the deepest level a heap Position can address.
const MaxDepth = 62

type node struct {
	parent NodeID
	left   NodeID
	right  NodeID
	v      int
	c      int
	theta  []float64
	used   bool
}

// Tree is a binary partition tree whose leaves carry a parameter vector of fixed length.
type Tree struct {
	nodes []node
	free  []NodeID
	root  NodeID
	dim   int
}

// New returns a single-leaf tree holding a copy of theta.
func New(theta []float64) *Tree {
	if len(theta) == 0 {
		panic("leaf parameter must have at least one component")
	}
	t := &Tree{dim: len(theta)}
	t.root = t.alloc(None, theta)
	return t
}

func (t *Tree) alloc(parent NodeID, theta []float64) NodeID {
	n := node{
		parent: parent,
		left:   None,
		right:  None,
		theta:  append(make([]float64, 0, t.dim), theta...),
		used:   true,
	}
	if len(t.free) > 0 {
		id := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

func (t *Tree) release(id NodeID) {
	t.nodes[id] = node{parent: None, left: None, right: None}
	t.free = append(t.free, id)
}

func (t *Tree) Root() NodeID {
	return t.root
}

// Dim is the length of every leaf parameter.
func (t *Tree) Dim() int {
	return t.dim
}

// Valid reports whether id addresses a live node of t.
func (t *Tree) Valid(id NodeID) bool {
	return id >= 0 && int(id) < len(t.nodes) && t.nodes[id].used
}

func (t *Tree) IsLeaf(id NodeID) bool {
	return t.nodes[id].left == None
}

// IsNog reports whether id is internal with two leaf children.
func (t *Tree) IsNog(id NodeID) bool {
	n := t.nodes[id]
	return n.left != None && t.IsLeaf(n.left) && t.IsLeaf(n.right)
}

func (t *Tree) Parent(id NodeID) NodeID {
	return t.nodes[id].parent
}

func (t *Tree) Children(id NodeID) (left, right NodeID) {
	return t.nodes[id].left, t.nodes[id].right
}

// Rule returns the split variable and cutpoint index of an internal node.
func (t *Tree) Rule(id NodeID) (v, c int) {
	return t.nodes[id].v, t.nodes[id].c
}

func (t *Tree) Theta(id NodeID) []float64 {
	return t.nodes[id].theta
}

func (t *Tree) SetTheta(id NodeID, theta []float64) {
	if len(theta) != t.dim {
		panic(fmt.Sprintf("leaf parameter of length %d in a tree of dimension %d", len(theta), t.dim))
	}
	copy(t.nodes[id].theta, theta)
}

func (t *Tree) Depth(id NodeID) int {
	d := 0
	for p := t.nodes[id].parent; p != None; p = t.nodes[p].parent {
		d++
	}
	return d
}

// Position is the heap index of id: the root is 1 and the children of p are 2p and 2p+1.
func (t *Tree) Position(id NodeID) uint64 {
	path := t.Path(id)
	pos := uint64(1)
	for i := 1; i < len(path); i++ {
		pos <<= 1
		if t.nodes[path[i-1]].right == path[i] {
			pos |= 1
		}
	}
	return pos
}

// Lookup resolves a heap position to a node of t.
func (t *Tree) Lookup(pos uint64) (NodeID, bool) {
	if pos == 0 {
		return None, false
	}
	depth := 63
	for pos>>uint(depth) == 0 {
		depth--
	}
	id := t.root
	for bit := depth - 1; bit >= 0; bit-- {
		if t.IsLeaf(id) {
			return None, false
		}
		if pos>>uint(bit)&1 == 0 {
			id = t.nodes[id].left
		} else {
			id = t.nodes[id].right
		}
	}
	return id, true
}

// Path returns the nodes from the root down to id.
func (t *Tree) Path(id NodeID) []NodeID {
	var path []NodeID
	for n := id; n != None; n = t.nodes[n].parent {
		path = append(path, n)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Size is the number of nodes.
func (t *Tree) Size() int {
	return len(t.nodes) - len(t.free)
}

func (t *Tree) LeafCount() int {
	return (t.Size() + 1) / 2
}

// Leaves returns the leaves under id from left to right.
func (t *Tree) Leaves(id NodeID) []NodeID {
	var leaves []NodeID
	t.walk(id, func(n NodeID) {
		if t.IsLeaf(n) {
			leaves = append(leaves, n)
		}
	})
	return leaves
}

// Internals returns the internal nodes of the tree in pre-order.
func (t *Tree) Internals() []NodeID {
	var internals []NodeID
	t.walk(t.root, func(n NodeID) {
		if !t.IsLeaf(n) {
			internals = append(internals, n)
		}
	})
	return internals
}

// Nogs returns the internal nodes without grandchildren in pre-order.
func (t *Tree) Nogs() []NodeID {
	var nogs []NodeID
	t.walk(t.root, func(n NodeID) {
		if t.IsNog(n) {
			nogs = append(nogs, n)
		}
	})
	return nogs
}

// Rotatable returns the internal nodes whose parent splits on the same variable.
func (t *Tree) Rotatable() []NodeID {
	var nodes []NodeID
	t.walk(t.root, func(n NodeID) {
		p := t.nodes[n].parent
		if !t.IsLeaf(n) && p != None && t.nodes[p].v == t.nodes[n].v {
			nodes = append(nodes, n)
		}
	})
	return nodes
}

// walk visits the subtree of id in pre-order.
func (t *Tree) walk(id NodeID, visit func(NodeID)) {
	stack := []NodeID{id}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		visit(n)
		if !t.IsLeaf(n) {
			stack = append(stack, t.nodes[n].right, t.nodes[n].left)
		}
	}
}

// Birth splits a leaf with rule (v, c). The new leaves take copies of thetaL and thetaR.
func (t *Tree) Birth(leaf NodeID, v, c int, thetaL, thetaR []float64) (left, right NodeID, err error) {
	if !t.Valid(leaf) || !t.IsLeaf(leaf) {
		return None, None, fmt.Errorf("%w: birth at non-leaf node %d", ErrInvalidMove, leaf)
	}
	if len(thetaL) != t.dim || len(thetaR) != t.dim {
		panic("birth with child parameters of the wrong dimension")
	}
	left = t.alloc(leaf, thetaL)
	right = t.alloc(leaf, thetaR)
	n := &t.nodes[leaf]
	n.left, n.right, n.v, n.c = left, right, v, c
	return left, right, nil
}

// Death collapses a nog back into a leaf holding theta. It is the inverse of Birth.
func (t *Tree) Death(nog NodeID, theta []float64) error {
	if !t.Valid(nog) || !t.IsNog(nog) {
		return fmt.Errorf("%w: death at node %d without two leaf children", ErrInvalidMove, nog)
	}
	n := &t.nodes[nog]
	left, right := n.left, n.right
	n.left, n.right, n.v, n.c = None, None, 0, 0
	t.release(right)
	t.release(left)
	t.SetTheta(nog, theta)
	return nil
}

// SetRule replaces the split rule of an internal node in place.
func (t *Tree) SetRule(id NodeID, v, c int) error {
	if !t.Valid(id) || t.IsLeaf(id) {
		return fmt.Errorf("%w: rule change at leaf %d", ErrInvalidMove, id)
	}
	t.nodes[id].v, t.nodes[id].c = v, c
	return nil
}

// Rotate lifts x above its parent y when both split on the same variable:
//
//	y{x{A,B},C} becomes x{A,y{B,C}}   and   y{A,x{B,C}} becomes x{y{A,B},C}
//
// Every leaf keeps its id and its region, only depths shift. Rotating y afterwards
// restores the original tree.
func (t *Tree) Rotate(x NodeID) error {
	if !t.Valid(x) || t.IsLeaf(x) {
		return fmt.Errorf("%w: rotate at leaf %d", ErrInvalidMove, x)
	}
	y := t.nodes[x].parent
	if y == None || t.nodes[y].v != t.nodes[x].v {
		return fmt.Errorf("%w: node %d does not share its parent's split variable", ErrInvalidMove, x)
	}
	g := t.nodes[y].parent
	t.nodes[x].parent = g
	switch {
	case g == None:
		t.root = x
	case t.nodes[g].left == y:
		t.nodes[g].left = x
	default:
		t.nodes[g].right = x
	}
	if t.nodes[y].left == x {
		b := t.nodes[x].right
		t.nodes[y].left = b
		t.nodes[b].parent = y
		t.nodes[x].right = y
	} else {
		b := t.nodes[x].left
		t.nodes[y].right = b
		t.nodes[b].parent = y
		t.nodes[x].left = y
	}
	t.nodes[y].parent = x
	return nil
}

// Clone returns a deep copy that issues the same NodeIDs as t.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		nodes: make([]node, len(t.nodes)),
		free:  append([]NodeID(nil), t.free...),
		root:  t.root,
		dim:   t.dim,
	}
	for i, n := range t.nodes {
		c.nodes[i] = n
		if n.theta != nil {
			c.nodes[i].theta = append([]float64(nil), n.theta...)
		}
	}
	return c
}

// Equal reports whether two trees have the same topology, rules and leaf parameters,
// regardless of NodeID assignment.
func (t *Tree) Equal(o *Tree) bool {
	if t.dim != o.dim || t.Size() != o.Size() {
		return false
	}
	var eq func(a, b NodeID) bool
	eq = func(a, b NodeID) bool {
		na, nb := t.nodes[a], o.nodes[b]
		if (na.left == None) != (nb.left == None) {
			return false
		}
		if na.left == None {
			for i := range na.theta {
				if na.theta[i] != nb.theta[i] && !(math.IsNaN(na.theta[i]) && math.IsNaN(nb.theta[i])) {
					return false
				}
			}
			return true
		}
		return na.v == nb.v && na.c == nb.c && eq(na.left, nb.left) && eq(na.right, nb.right)
	}
	return eq(t.root, o.root)
}

// DepthStats summarises leaf depths.
func (t *Tree) DepthStats() (avg float64, min, max int) {
	leaves := t.Leaves(t.root)
	min = math.MaxInt
	for _, leaf := range leaves {
		d := t.Depth(leaf)
		avg += float64(d)
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return avg / float64(len(leaves)), min, max
}

// SplitCounts counts internal nodes per split variable.
func (t *Tree) SplitCounts(vars int) []int {
	counts := make([]int, vars)
	for _, n := range t.Internals() {
		counts[t.nodes[n].v]++
	}
	return counts
}
