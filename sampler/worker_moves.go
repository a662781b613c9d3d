package sampler

import (
	"context"
	"fmt"
	"math"

	"openbt/communication"
	"openbt/model"
	"openbt/tree"
)

func (w *Worker) checkMode(req communication.Request) error {
	var randomPath bool
	switch req.Kind {
	case communication.Birth, communication.Death:
		randomPath = false
	case communication.RandomPathBirth, communication.RandomPathDeath, communication.Shuffle, communication.Gamma:
		randomPath = true
	default:
		return nil
	}
	if randomPath != w.randomPath {
		return fmt.Errorf("%w: %s sent to a worker with random path %t", communication.ErrProtocol, req.Kind, w.randomPath)
	}
	return nil
}

// floorLog keeps impossible paths finite so path sums survive JSON transport.
func floorLog(x float64) float64 {
	return math.Max(x, logFloor)
}

const logFloor = -1e250

func (w *Worker) invalidRule(req communication.Request) error {
	return fmt.Errorf("%w: rule (%d, %d) is not valid at node %d", communication.ErrProtocol, req.Var, req.Cut, req.Node)
}

// birth splits the rows of a leaf by the proposed rule.
func (w *Worker) birth(ctx context.Context, req communication.Request) (communication.Response, error) {
	t := w.trees[req.Tree]
	leaf, err := w.lookup(t, req, true)
	if err != nil {
		return communication.Response{}, err
	}
	if !t.ValidCut(leaf, req.Var, req.Cut, w.xi) {
		return communication.Response{}, w.invalidRule(req)
	}
	router := tree.NewRouter(t, w.xi)
	split := t.Resolve(leaf, req.Var, req.Cut, w.xi)
	stats, err := w.pool.stats(ctx, w.model, w.shard.Len(), 2, func(acc []model.Stat, i int) {
		x := w.shard.X.Row(i)
		if !router.Contains(leaf, x) {
			return
		}
		if split.Left(x) {
			w.accumulate(acc[0], i)
		} else {
			w.accumulate(acc[1], i)
		}
	})
	return communication.Response{Stats: packAll(stats)}, err
}

// death splits the rows of a nog between its two leaves.
func (w *Worker) death(ctx context.Context, req communication.Request) (communication.Response, error) {
	t := w.trees[req.Tree]
	nog, err := w.lookup(t, req, false)
	if err != nil {
		return communication.Response{}, err
	}
	if !t.IsNog(nog) {
		return communication.Response{}, fmt.Errorf("%w: death at node %d with grandchildren", communication.ErrProtocol, req.Node)
	}
	left, _ := t.Children(nog)
	router := tree.NewRouter(t, w.xi)
	stats, err := w.pool.stats(ctx, w.model, w.shard.Len(), 2, func(acc []model.Stat, i int) {
		x := w.shard.X.Row(i)
		if !router.Contains(nog, x) {
			return
		}
		if router.Descend(nog, x) == left {
			w.accumulate(acc[0], i)
		} else {
			w.accumulate(acc[1], i)
		}
	})
	return communication.Response{Stats: packAll(stats)}, err
}

// changeRule scores a new rule at an internal node. Hard trees report the statistics of
// every leaf below it before and after; random-path trees keep their leaf assignment and
// report the change in log path probability instead.
func (w *Worker) changeRule(ctx context.Context, req communication.Request) (communication.Response, error) {
	t := w.trees[req.Tree]
	n, err := w.lookup(t, req, false)
	if err != nil {
		return communication.Response{}, err
	}
	if !t.ValidCut(n, req.Var, req.Cut, w.xi) {
		return communication.Response{}, w.invalidRule(req)
	}
	proposed := t.Clone()
	if err := proposed.SetRule(n, req.Var, req.Cut); err != nil {
		return communication.Response{}, fmt.Errorf("%w: %w", communication.ErrProtocol, err)
	}
	before, after := tree.NewRouter(t, w.xi), tree.NewRouter(proposed, w.xi)
	if w.randomPath {
		return w.pathChange(ctx, req.Tree, t.Leaves(n), before, after)
	}

	leaves := t.Leaves(n)
	index := leafIndex(leaves)
	stats, err := w.pool.stats(ctx, w.model, w.shard.Len(), 2*len(leaves), func(acc []model.Stat, i int) {
		x := w.shard.X.Row(i)
		if !before.Contains(n, x) {
			return
		}
		w.accumulate(acc[index[before.Descend(n, x)]], i)
		w.accumulate(acc[len(leaves)+index[after.Descend(n, x)]], i)
	})
	return communication.Response{Stats: packAll(stats)}, err
}

// rotate needs no statistics for hard trees since the partition is unchanged.
func (w *Worker) rotate(ctx context.Context, req communication.Request) (communication.Response, error) {
	t := w.trees[req.Tree]
	x, err := w.lookup(t, req, false)
	if err != nil {
		return communication.Response{}, err
	}
	y := t.Parent(x)
	if y == tree.None {
		return communication.Response{}, fmt.Errorf("%w: rotate at the root", communication.ErrProtocol)
	}
	if !w.randomPath {
		return communication.Response{}, nil
	}
	proposed := t.Clone()
	if err := proposed.Rotate(x); err != nil {
		return communication.Response{}, fmt.Errorf("%w: %w", communication.ErrProtocol, err)
	}
	return w.pathChange(ctx, req.Tree, t.Leaves(y), tree.NewRouter(t, w.xi), tree.NewRouter(proposed, w.xi))
}

// pathChange sums the log path probability of rows assigned below leaves under two
// versions of the same tree.
func (w *Worker) pathChange(ctx context.Context, j int, leaves []tree.NodeID, before, after *tree.Router) (communication.Response, error) {
	index := leafIndex(leaves)
	gamma := w.gamma[j]
	z := w.z[j]
	sums, err := w.pool.sums(ctx, w.shard.Len(), 2, func(acc []float64, i int) {
		if _, ok := index[z[i]]; !ok {
			return
		}
		x := w.shard.X.Row(i)
		acc[0] += floorLog(before.LogPhi(z[i], x, gamma))
		acc[1] += floorLog(after.LogPhi(z[i], x, gamma))
	})
	return communication.Response{SumLog: sums}, err
}

// randomPathBirth sends each row assigned to the leaf down the proposed split at random.
// Draws happen in row order on this worker's stream.
func (w *Worker) randomPathBirth(ctx context.Context, req communication.Request) (communication.Response, error) {
	t := w.trees[req.Tree]
	leaf, err := w.lookup(t, req, true)
	if err != nil {
		return communication.Response{}, err
	}
	if !t.ValidCut(leaf, req.Var, req.Cut, w.xi) {
		return communication.Response{}, w.invalidRule(req)
	}
	split := t.Resolve(leaf, req.Var, req.Cut, w.xi)
	gamma := w.gamma[req.Tree]
	w.pendingRows, w.pendingLeft = w.pendingRows[:0], w.pendingLeft[:0]
	for i, zi := range w.z[req.Tree] {
		if zi != leaf {
			continue
		}
		w.pendingRows = append(w.pendingRows, i)
		w.pendingLeft = append(w.pendingLeft, w.rng.Float64() < split.LeftProbability(w.shard.X.Row(i), gamma))
	}
	stats, err := w.pool.stats(ctx, w.model, len(w.pendingRows), 2, func(acc []model.Stat, k int) {
		if w.pendingLeft[k] {
			w.accumulate(acc[0], w.pendingRows[k])
		} else {
			w.accumulate(acc[1], w.pendingRows[k])
		}
	})
	return communication.Response{Stats: packAll(stats)}, err
}

func (w *Worker) randomPathDeath(ctx context.Context, req communication.Request) (communication.Response, error) {
	t := w.trees[req.Tree]
	nog, err := w.lookup(t, req, false)
	if err != nil {
		return communication.Response{}, err
	}
	if !t.IsNog(nog) {
		return communication.Response{}, fmt.Errorf("%w: death at node %d with grandchildren", communication.ErrProtocol, req.Node)
	}
	left, right := t.Children(nog)
	z := w.z[req.Tree]
	stats, err := w.pool.stats(ctx, w.model, w.shard.Len(), 2, func(acc []model.Stat, i int) {
		switch z[i] {
		case left:
			w.accumulate(acc[0], i)
		case right:
			w.accumulate(acc[1], i)
		}
	})
	return communication.Response{Stats: packAll(stats)}, err
}

// shuffle redraws the leaf of every row assigned below an internal node from its path
// probabilities conditional on reaching the node.
func (w *Worker) shuffle(ctx context.Context, req communication.Request) (communication.Response, error) {
	t := w.trees[req.Tree]
	n, err := w.lookup(t, req, false)
	if err != nil {
		return communication.Response{}, err
	}
	router := tree.NewRouter(t, w.xi)
	leaves := t.Leaves(n)
	index := leafIndex(leaves)
	gamma := w.gamma[req.Tree]
	z := w.z[req.Tree]
	w.pendingRows, w.pendingZ = w.pendingRows[:0], w.pendingZ[:0]
	for i, zi := range z {
		if _, ok := index[zi]; !ok {
			continue
		}
		w.pendingRows = append(w.pendingRows, i)
		w.pendingZ = append(w.pendingZ, router.Sample(n, w.shard.X.Row(i), gamma, w.rng.Float64))
	}
	stats, err := w.pool.stats(ctx, w.model, len(w.pendingRows), 2*len(leaves), func(acc []model.Stat, k int) {
		i := w.pendingRows[k]
		w.accumulate(acc[index[z[i]]], i)
		w.accumulate(acc[len(leaves)+index[w.pendingZ[k]]], i)
	})
	return communication.Response{Stats: packAll(stats)}, err
}

// sumLogGamma is Σ log φ(z) over the shard under the current and the proposed gamma.
func (w *Worker) sumLogGamma(ctx context.Context, req communication.Request) (communication.Response, error) {
	if !(req.Gamma > 0 && req.Gamma < 1) {
		return communication.Response{}, fmt.Errorf("%w: gamma %g outside (0, 1)", communication.ErrProtocol, req.Gamma)
	}
	router := tree.NewRouter(w.trees[req.Tree], w.xi)
	gamma := w.gamma[req.Tree]
	z := w.z[req.Tree]
	sums, err := w.pool.sums(ctx, w.shard.Len(), 2, func(acc []float64, i int) {
		x := w.shard.X.Row(i)
		acc[0] += floorLog(router.LogPhi(z[i], x, gamma))
		acc[1] += floorLog(router.LogPhi(z[i], x, req.Gamma))
	})
	return communication.Response{SumLog: sums}, err
}

// leafStats reports one statistic per leaf, left to right, for the parameter draw.
func (w *Worker) leafStats(ctx context.Context, req communication.Request) (communication.Response, error) {
	t := w.trees[req.Tree]
	leaves := t.Leaves(t.Root())
	index := leafIndex(leaves)
	router := tree.NewRouter(t, w.xi)
	z := w.z[req.Tree]
	stats, err := w.pool.stats(ctx, w.model, w.shard.Len(), len(leaves), func(acc []model.Stat, i int) {
		if w.randomPath {
			w.accumulate(acc[index[z[i]]], i)
		} else {
			w.accumulate(acc[index[router.Leaf(w.shard.X.Row(i))]], i)
		}
	})
	return communication.Response{Stats: packAll(stats)}, err
}
