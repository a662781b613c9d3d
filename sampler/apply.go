package sampler

import (
	"fmt"

	"openbt/communication"
	"openbt/tree"
)

// mutate applies an accepted proposal to t. Coordinator and workers all go through it so
// their trees stay identical. Birth returns the two new leaves.
func mutate(t *tree.Tree, req communication.Request) (left, right tree.NodeID, err error) {
	id, ok := t.Lookup(req.Node)
	if !ok {
		return tree.None, tree.None, fmt.Errorf("%w: %s at missing node %d", communication.ErrProtocol, req.Kind, req.Node)
	}
	switch req.Kind {
	case communication.Birth, communication.RandomPathBirth:
		theta := append([]float64(nil), t.Theta(id)...)
		return t.Birth(id, req.Var, req.Cut, theta, theta)
	case communication.Death, communication.RandomPathDeath:
		l, _ := t.Children(id)
		if l == tree.None {
			return tree.None, tree.None, fmt.Errorf("%w: death at leaf %d", tree.ErrInvalidMove, req.Node)
		}
		return tree.None, tree.None, t.Death(id, append([]float64(nil), t.Theta(l)...))
	case communication.Perturb, communication.ChangeVariable:
		return tree.None, tree.None, t.SetRule(id, req.Var, req.Cut)
	case communication.Rotate:
		return tree.None, tree.None, t.Rotate(id)
	default:
		return tree.None, tree.None, fmt.Errorf("%w: %s does not change a tree", communication.ErrProtocol, req.Kind)
	}
}

// setThetas installs one parameter per leaf in left-to-right order.
func setThetas(t *tree.Tree, thetas [][]float64) error {
	leaves := t.Leaves(t.Root())
	if len(thetas) != len(leaves) {
		return fmt.Errorf("%w: %d leaf parameters for %d leaves", communication.ErrProtocol, len(thetas), len(leaves))
	}
	for k, leaf := range leaves {
		if len(thetas[k]) != t.Dim() {
			return fmt.Errorf("%w: leaf parameter of length %d, want %d", communication.ErrProtocol, len(thetas[k]), t.Dim())
		}
		t.SetTheta(leaf, thetas[k])
	}
	return nil
}

func leafIndex(leaves []tree.NodeID) map[tree.NodeID]int {
	index := make(map[tree.NodeID]int, len(leaves))
	for k, leaf := range leaves {
		index[leaf] = k
	}
	return index
}
