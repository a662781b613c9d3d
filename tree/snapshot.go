package tree

import "fmt"

// Leaf is the sentinel stored in Vars and Cuts for leaves.
const Leaf = -1

// Snapshot is the flat pre-order encoding of a tree: one entry per node in each array.
type Snapshot struct {
	Nodes int         `json:"nn"`
	IDs   []uint64    `json:"id"`
	Vars  []int       `json:"v"`
	Cuts  []int       `json:"c"`
	Theta [][]float64 `json:"theta"`
}

// Save encodes t. Internal nodes carry an empty theta.
func (t *Tree) Save() Snapshot {
	s := Snapshot{Nodes: t.Size()}
	t.walk(t.root, func(n NodeID) {
		s.IDs = append(s.IDs, t.Position(n))
		if t.IsLeaf(n) {
			s.Vars = append(s.Vars, Leaf)
			s.Cuts = append(s.Cuts, Leaf)
			s.Theta = append(s.Theta, append([]float64(nil), t.nodes[n].theta...))
			return
		}
		s.Vars = append(s.Vars, t.nodes[n].v)
		s.Cuts = append(s.Cuts, t.nodes[n].c)
		s.Theta = append(s.Theta, []float64{})
	})
	return s
}

// Load rebuilds the tree encoded by s. Every leaf parameter must have length dim.
func Load(s Snapshot, dim int) (*Tree, error) {
	if s.Nodes < 1 || len(s.IDs) != s.Nodes || len(s.Vars) != s.Nodes || len(s.Cuts) != s.Nodes || len(s.Theta) != s.Nodes {
		return nil, fmt.Errorf("%w: node count %d with arrays of %d, %d, %d and %d entries",
			ErrSerialization, s.Nodes, len(s.IDs), len(s.Vars), len(s.Cuts), len(s.Theta))
	}
	if dim < 1 {
		return nil, fmt.Errorf("%w: leaf dimension %d", ErrSerialization, dim)
	}
	t := &Tree{dim: dim}
	t.root = t.alloc(None, make([]float64, dim))
	next := 0
	var build func(id NodeID, pos uint64, depth int) error
	build = func(id NodeID, pos uint64, depth int) error {
		if next >= s.Nodes {
			return fmt.Errorf("%w: snapshot ends before node %d", ErrSerialization, pos)
		}
		i := next
		next++
		if s.IDs[i] != pos {
			return fmt.Errorf("%w: entry %d has id %d, expected %d", ErrSerialization, i, s.IDs[i], pos)
		}
		if s.Vars[i] == Leaf {
			if s.Cuts[i] != Leaf || len(s.Theta[i]) != dim {
				return fmt.Errorf("%w: leaf %d with cut %d and %d parameters", ErrSerialization, pos, s.Cuts[i], len(s.Theta[i]))
			}
			t.SetTheta(id, s.Theta[i])
			return nil
		}
		if s.Vars[i] < 0 || s.Cuts[i] < 0 || len(s.Theta[i]) != 0 || depth >= MaxDepth {
			return fmt.Errorf("%w: malformed internal node %d", ErrSerialization, pos)
		}
		zero := make([]float64, dim)
		left, right, err := t.Birth(id, s.Vars[i], s.Cuts[i], zero, zero)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		if err := build(left, 2*pos, depth+1); err != nil {
			return err
		}
		return build(right, 2*pos+1, depth+1)
	}
	if err := build(t.root, 1, 0); err != nil {
		return nil, err
	}
	if next != s.Nodes {
		return nil, fmt.Errorf("%w: %d trailing entries", ErrSerialization, s.Nodes-next)
	}
	return t, nil
}
