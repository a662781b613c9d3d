package sampler

import (
	"context"
	"fmt"
	"sync"

	"openbt/communication"
	"openbt/data"
	"openbt/model"
	"openbt/tree"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"
)

type WorkerOption func(w *Worker)

func WithThreads(threads int) WorkerOption {
	return func(w *Worker) {
		if threads > 0 {
			w.pool.threads = threads
		}
	}
}

func WithChunkRows(rows int) WorkerOption {
	return func(w *Worker) {
		if rows > 0 {
			w.pool.chunk = rows
		}
	}
}

// Worker owns one row shard and answers the coordinator's requests about it. Its trees
// mirror the coordinator's; its stream drives random-path proposals on its rows.
type Worker struct {
	mu      sync.Mutex
	rank    int
	workers int
	shard   *data.Shard
	model   model.Model
	xi      *data.Cutpoints
	pool    pool
	machine communication.WorkerMachine
	log     zerolog.Logger

	aborted     chan struct{}
	abortOnce   sync.Once
	abortReason string

	ready      bool
	rng        *rand.Rand
	trees      []*tree.Tree
	gamma      []float64
	randomPath bool
	weights    *Weights
	weightStep float64

	contrib [][]float64    // per tree, per row
	fit     []float64      // per row
	z       [][]tree.NodeID // random-path leaf of each row, per tree
	target  []float64      // working target of the focus tree
	focus   int

	pendingRows []int
	pendingZ    []tree.NodeID
	pendingLeft []bool
}

// NewWorker serves shard as rank (1-based) of workers.
func NewWorker(rank, workers int, shard *data.Shard, m model.Model, xi *data.Cutpoints, options ...WorkerOption) *Worker {
	if rank < 1 || rank > workers {
		panic(fmt.Sprintf("worker rank %d outside 1..%d", rank, workers))
	}
	w := &Worker{
		rank:    rank,
		workers: workers,
		shard:   shard,
		model:   m,
		xi:      xi,
		pool:    pool{threads: 1, chunk: DefaultChunkRows},
		focus:   -1,
		aborted: make(chan struct{}),
		log:     log.With().Str("component", "worker").Int("rank", rank).Logger(),
	}
	for _, option := range options {
		option(w)
	}
	return w
}

func (w *Worker) Rank() int {
	return w.rank
}

// Trees is the worker's mirror of the ensemble.
func (w *Worker) Trees() []*tree.Tree {
	return w.trees
}

func (w *Worker) Handle(ctx context.Context, req communication.Request) (communication.Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if req.Kind == communication.Abort {
		w.abort(req.Reason)
		return communication.Response{Seq: req.Seq, Rank: w.rank, Kind: req.Kind}, nil
	}
	if req.Kind == communication.Hello {
		// A handshake starts a new run whatever state the last one left behind.
		w.machine.Reset()
	}
	if err := w.machine.Begin(req); err != nil {
		return communication.Response{}, err
	}
	resp, err := w.compute(ctx, req)
	if err != nil {
		w.machine.Fail()
		w.log.Error().Err(err).Msgf("failed %s %d", req.Kind, req.Seq)
		return communication.Response{}, err
	}
	resp.Seq, resp.Rank, resp.Kind = req.Seq, w.rank, req.Kind
	w.machine.Computed()
	return resp, nil
}

// abort drops the current run. The worker waits for a new handshake.
func (w *Worker) abort(reason string) {
	w.machine.Reset()
	w.ready = false
	w.focus = -1
	w.abortReason = reason
	w.log.Warn().Msgf("coordinator aborted the run: %s", reason)
	w.abortOnce.Do(func() { close(w.aborted) })
}

// Aborted is closed the first time the coordinator aborts a run.
func (w *Worker) Aborted() <-chan struct{} {
	return w.aborted
}

// Err is the coordinator's reason for the latest abort, or nil if none was received.
func (w *Worker) Err() error {
	select {
	case <-w.aborted:
	default:
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return fmt.Errorf("%w: %s", communication.ErrAborted, w.abortReason)
}

func (w *Worker) Commit(ctx context.Context, d communication.Decision) (communication.Ack, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	req, err := w.machine.Decide(d)
	if err != nil {
		return communication.Ack{}, err
	}
	ack := communication.Ack{Seq: d.Seq, Rank: w.rank, Var: -1}
	if err := w.apply(req, d, &ack); err != nil {
		w.log.Error().Err(err).Msgf("failed to apply %s %d", req.Kind, req.Seq)
		return communication.Ack{}, err
	}
	return ack, nil
}

func (w *Worker) compute(ctx context.Context, req communication.Request) (communication.Response, error) {
	if req.Kind == communication.Hello {
		return w.hello(req.Hello)
	}
	if !w.ready {
		return communication.Response{}, fmt.Errorf("%w: %s before handshake", communication.ErrProtocol, req.Kind)
	}
	if req.Kind == communication.EndSweep {
		return w.endSweep(), nil
	}
	if req.Tree < 0 || req.Tree >= len(w.trees) {
		return communication.Response{}, fmt.Errorf("%w: tree %d of %d", communication.ErrProtocol, req.Tree, len(w.trees))
	}
	if err := w.checkMode(req); err != nil {
		return communication.Response{}, err
	}
	w.ensureFocus(req.Tree)

	switch req.Kind {
	case communication.Birth:
		return w.birth(ctx, req)
	case communication.Death:
		return w.death(ctx, req)
	case communication.Perturb, communication.ChangeVariable:
		return w.changeRule(ctx, req)
	case communication.Rotate:
		return w.rotate(ctx, req)
	case communication.RandomPathBirth:
		return w.randomPathBirth(ctx, req)
	case communication.RandomPathDeath:
		return w.randomPathDeath(ctx, req)
	case communication.Shuffle:
		return w.shuffle(ctx, req)
	case communication.Gamma:
		return w.sumLogGamma(ctx, req)
	case communication.DrawTheta:
		return w.leafStats(ctx, req)
	default:
		return communication.Response{}, fmt.Errorf("%w: unknown request %s", communication.ErrProtocol, req.Kind)
	}
}

func (w *Worker) hello(h *communication.Handshake) (communication.Response, error) {
	if h == nil {
		return communication.Response{}, fmt.Errorf("%w: hello without handshake", communication.ErrProtocol)
	}
	switch {
	case h.Workers != w.workers:
		return communication.Response{}, fmt.Errorf("%w: coordinator expects %d workers, this worker was started as one of %d", communication.ErrShardMismatch, h.Workers, w.workers)
	case h.Vars != w.xi.Vars() || (w.shard.Len() > 0 && h.Vars != w.shard.X.Cols):
		return communication.Response{}, fmt.Errorf("%w: coordinator expects %d predictors, shard has %d and grid %d", communication.ErrShardMismatch, h.Vars, w.shard.X.Cols, w.xi.Vars())
	case w.shard.Len() > 0 && h.SubModels != w.shard.F.Cols:
		return communication.Response{}, fmt.Errorf("%w: coordinator expects %d sub-models, shard has %d", communication.ErrShardMismatch, h.SubModels, w.shard.F.Cols)
	case h.Trees < 1:
		return communication.Response{}, fmt.Errorf("%w: handshake with %d trees", communication.ErrProtocol, h.Trees)
	}
	if err := CheckInputs(w.model, w.shard); err != nil {
		return communication.Response{}, fmt.Errorf("%w: %w", communication.ErrShardMismatch, err)
	}

	n := w.shard.Len()
	w.rng = NewStream(h.Seed, w.rank)
	w.randomPath = h.RandomPath
	w.weightStep = h.WeightStep
	w.weights = NewWeights(w.xi.Vars())
	w.trees = make([]*tree.Tree, h.Trees)
	w.gamma = make([]float64, h.Trees)
	w.contrib = make([][]float64, h.Trees)
	w.z = make([][]tree.NodeID, h.Trees)
	w.fit = make([]float64, n)
	w.target = make([]float64, n)
	comp := w.model.Composition()
	for i := range w.fit {
		w.fit[i] = comp.Identity()
	}
	for j := range w.trees {
		w.trees[j] = tree.New(w.model.Initial())
		w.gamma[j] = h.Gamma
		w.contrib[j] = make([]float64, n)
		for i := range w.contrib[j] {
			w.contrib[j][i] = w.model.Predict(w.model.Initial(), w.row(i, 0))
			w.fit[i] = comp.Apply(w.fit[i], w.contrib[j][i])
		}
		if w.randomPath {
			w.z[j] = make([]tree.NodeID, n)
			for i := range w.z[j] {
				w.z[j][i] = w.trees[j].Root()
			}
		}
	}
	w.focus = -1
	w.ready = true
	w.log.Info().Msgf("joined run %s with %d rows and %d trees", h.RunID, n, h.Trees)
	return communication.Response{Rows: n, Vars: w.xi.Vars(), Stream: StreamSeed(h.Seed, w.rank)}, nil
}

// row is the model view of shard row i with working target r.
func (w *Worker) row(i int, r float64) model.Row {
	row := model.Row{X: w.shard.X.Row(i), R: r, W: w.shard.Weight(i)}
	if !w.shard.F.Empty() {
		row.F = w.shard.F.Row(i)
	}
	if !w.shard.S.Empty() {
		row.S = w.shard.S.Row(i)
	}
	return row
}

// ensureFocus computes the working target of tree j by backing its contribution out of
// the ensemble fit.
func (w *Worker) ensureFocus(j int) {
	if w.focus == j {
		return
	}
	comp := w.model.Composition()
	for i := range w.target {
		w.target[i] = comp.Target(w.shard.Y[i], comp.Without(w.fit[i], w.contrib[j][i]))
	}
	w.focus = j
}

func (w *Worker) accumulate(s model.Stat, i int) {
	w.model.Accumulate(s, w.row(i, w.target[i]))
}

func (w *Worker) lookup(t *tree.Tree, req communication.Request, leaf bool) (tree.NodeID, error) {
	id, ok := t.Lookup(req.Node)
	if !ok {
		return tree.None, fmt.Errorf("%w: %s names missing node %d", communication.ErrProtocol, req.Kind, req.Node)
	}
	if t.IsLeaf(id) != leaf {
		return tree.None, fmt.Errorf("%w: %s names node %d of the wrong type", communication.ErrProtocol, req.Kind, req.Node)
	}
	return id, nil
}

func packAll(stats []model.Stat) [][]float64 {
	packed := make([][]float64, len(stats))
	for k, s := range stats {
		packed[k] = s.Pack()
	}
	return packed
}

func (w *Worker) endSweep() communication.Response {
	comp := w.model.Composition()
	sse := 0.0
	for i := range w.fit {
		fit := comp.Identity()
		for j := range w.contrib {
			fit = comp.Apply(fit, w.contrib[j][i])
		}
		w.fit[i] = fit
		r := comp.Target(w.shard.Y[i], fit)
		w.shard.Residual[i] = r
		sse += r * r
	}
	w.focus = -1
	return communication.Response{Rows: w.shard.Len(), SSE: sse}
}

func (w *Worker) apply(req communication.Request, d communication.Decision, ack *communication.Ack) error {
	t := func() *tree.Tree {
		if req.Tree >= 0 && req.Tree < len(w.trees) {
			return w.trees[req.Tree]
		}
		return nil
	}()

	switch req.Kind {
	case communication.Hello, communication.EndSweep:
		return nil
	case communication.DrawTheta:
		if err := setThetas(t, d.Theta); err != nil {
			return err
		}
		w.updateContributions(req.Tree)
		return nil
	case communication.ChangeVariable:
		id, _ := t.Lookup(req.Node)
		from, _ := t.Rule(id)
		if Owner(from, w.workers, w.xi.Vars()) == w.rank {
			ack.Var = from
			ack.Row = w.weights.Adapt(from, req.Var, d.Accept, w.weightStep)
		}
	}
	if !d.Accept {
		return nil
	}

	switch req.Kind {
	case communication.Gamma:
		w.gamma[req.Tree] = req.Gamma
		return nil
	case communication.Shuffle:
		for k, i := range w.pendingRows {
			w.z[req.Tree][i] = w.pendingZ[k]
		}
		return nil
	}

	var doomed []tree.NodeID
	if req.Kind == communication.RandomPathDeath {
		id, _ := t.Lookup(req.Node)
		l, r := t.Children(id)
		doomed = []tree.NodeID{l, r}
	}
	left, right, err := mutate(t, req)
	if err != nil {
		return err
	}
	switch req.Kind {
	case communication.RandomPathBirth:
		for k, i := range w.pendingRows {
			if w.pendingLeft[k] {
				w.z[req.Tree][i] = left
			} else {
				w.z[req.Tree][i] = right
			}
		}
	case communication.RandomPathDeath:
		nog, _ := t.Lookup(req.Node)
		for i, leaf := range w.z[req.Tree] {
			if leaf == doomed[0] || leaf == doomed[1] {
				w.z[req.Tree][i] = nog
			}
		}
	}
	return nil
}

// updateContributions refreshes tree j's per-row contribution after new leaf parameters.
func (w *Worker) updateContributions(j int) {
	t := w.trees[j]
	comp := w.model.Composition()
	var router *tree.Router
	if !w.randomPath {
		router = tree.NewRouter(t, w.xi)
	}
	for i := range w.contrib[j] {
		var leaf tree.NodeID
		if w.randomPath {
			leaf = w.z[j][i]
		} else {
			leaf = router.Leaf(w.shard.X.Row(i))
		}
		next := w.model.Predict(t.Theta(leaf), w.row(i, 0))
		w.fit[i] = comp.Apply(comp.Without(w.fit[i], w.contrib[j][i]), next)
		w.contrib[j][i] = next
	}
}
