// Package sampler runs the Metropolis-Hastings moves over an ensemble of partition trees.
//
// The Sampler is the coordinator: it proposes, folds the statistics its workers return,
// draws every acceptance uniform from its own stream and broadcasts the verdict. A Worker
// holds one row shard and answers the coordinator's requests about it.
package sampler

import (
	"context"
	"fmt"
	"math"
	"time"

	"openbt/communication"
	"openbt/data"
	"openbt/metrics"
	"openbt/model"
	"openbt/tree"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"
)

// abortTimeout bounds the best-effort abort sent to workers after a failure.
const abortTimeout = 5 * time.Second

type Option func(s *Sampler)

// Outcome is one recorded proposal.
type Outcome struct {
	Sweep    int
	Tree     int
	Kind     communication.Kind
	Accepted bool
	Invalid  bool
}

// Sampler coordinates one tree ensemble. It is not safe for concurrent use.
type Sampler struct {
	model   model.Model
	xi      *data.Cutpoints
	cluster communication.Cluster
	machine communication.CoordinatorMachine
	rng     *rand.Rand
	runID   string
	seed    uint64

	trees   []*tree.Tree
	gamma   []float64
	weights *Weights
	stats   *metrics.MoveStatistics
	metrics metrics.Collector
	trace   func(Outcome)
	log     zerolog.Logger
	sweep   int
	started bool
	aborted bool

	invalidCount int

	numTrees   int
	subModels  int
	prior      Prior
	pbd        float64
	pb         float64
	pchgv      float64
	minLeaf    int
	pertWidth  float64
	weightStep float64

	randomPath bool
	gamma0     float64
	shape1     float64
	shape2     float64
	gammaWidth float64
}

func WithTrees(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.numTrees = n
		}
	}
}

func WithPrior(prior Prior) Option {
	return func(s *Sampler) {
		s.prior = prior
	}
}

// WithBirthDeath sets the probability of a birth/death step (otherwise rotate) and of a
// birth within it. A negative pbd disables the structural step.
func WithBirthDeath(pbd, pb float64) Option {
	return func(s *Sampler) {
		s.pbd, s.pb = pbd, pb
	}
}

// WithChangeVariable sets the probability of a change of variable (otherwise perturb). A
// negative value disables both rule moves.
func WithChangeVariable(pchgv float64) Option {
	return func(s *Sampler) {
		s.pchgv = pchgv
	}
}

func WithMinLeafRows(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.minLeaf = n
		}
	}
}

func WithPerturbWidth(width float64) Option {
	return func(s *Sampler) {
		if width > 0 {
			s.pertWidth = width
		}
	}
}

func WithWeightStep(step float64) Option {
	return func(s *Sampler) {
		if step >= 0 {
			s.weightStep = step
		}
	}
}

func WithSeed(seed uint64) Option {
	return func(s *Sampler) {
		s.seed = seed
	}
}

// WithSubModels is the number of sub-model columns expected in every shard.
func WithSubModels(k int) Option {
	return func(s *Sampler) {
		if k >= 0 {
			s.subModels = k
		}
	}
}

// WithRandomPath replaces hard routing with random paths: gamma is the initial softness,
// shape1 and shape2 its Beta prior and width its random-walk proposal half-width.
func WithRandomPath(gamma, shape1, shape2, width float64) Option {
	return func(s *Sampler) {
		s.randomPath = true
		s.gamma0, s.shape1, s.shape2, s.gammaWidth = gamma, shape1, shape2, width
	}
}

func WithCollector(c metrics.Collector) Option {
	return func(s *Sampler) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithTrace calls record for every proposal, accepted or not.
func WithTrace(record func(Outcome)) Option {
	return func(s *Sampler) {
		s.trace = record
	}
}

func New(m model.Model, xi *data.Cutpoints, cluster communication.Cluster, options ...Option) *Sampler {
	s := &Sampler{ // Default values
		model:      m,
		xi:         xi,
		cluster:    cluster,
		runID:      uuid.NewString(),
		numTrees:   1,
		prior:      DefaultPrior(),
		pbd:        1,
		pb:         0.5,
		pchgv:      0.2,
		minLeaf:    5,
		pertWidth:  0.1,
		weightStep: 0.1,
		gamma0:     0.5,
		shape1:     1,
		shape2:     1,
		gammaWidth: 0.25,
		metrics:    metrics.NewCollector(),
	}
	for _, option := range options {
		option(s)
	}
	if cluster.Size() < 1 {
		panic("sampler needs at least one worker")
	}
	if s.prior.MaxDepth > tree.MaxDepth {
		panic(fmt.Sprintf("maximum depth %d exceeds %d", s.prior.MaxDepth, tree.MaxDepth))
	}
	s.rng = NewStream(s.seed, 0)
	s.log = log.With().Str("component", "coordinator").Str("run", s.runID).Logger()
	s.trees = make([]*tree.Tree, s.numTrees)
	s.gamma = make([]float64, s.numTrees)
	for j := range s.trees {
		s.trees[j] = tree.New(m.Initial())
		s.gamma[j] = s.gamma0
	}
	s.weights = NewWeights(xi.Vars())
	s.stats = metrics.NewMoveStatistics(xi.Vars())
	return s
}

func (s *Sampler) RunID() string {
	return s.runID
}

func (s *Sampler) Trees() []*tree.Tree {
	return s.trees
}

// Gamma is the current random-path softness of each tree.
func (s *Sampler) Gamma() []float64 {
	return s.gamma
}

func (s *Sampler) Statistics() *metrics.MoveStatistics {
	return s.stats
}

func (s *Sampler) Weights() *Weights {
	return s.weights
}

func (s *Sampler) PerturbWidth() float64 {
	return s.pertWidth
}

// RandomPath reports whether trees route rows along random paths.
func (s *Sampler) RandomPath() bool {
	return s.randomPath
}

// Snapshots encodes every tree of the ensemble.
func (s *Sampler) Snapshots() []tree.Snapshot {
	snapshots := make([]tree.Snapshot, len(s.trees))
	for j, t := range s.trees {
		snapshots[j] = t.Save()
	}
	return snapshots
}

// Start performs the handshake. Every worker must agree with the coordinator's layout and
// report a distinct random stream. A failed handshake aborts the run on every worker.
func (s *Sampler) Start(ctx context.Context) (err error) {
	if s.aborted {
		return fmt.Errorf("%w: run %s was aborted", communication.ErrProtocol, s.runID)
	}
	defer func() {
		if err != nil {
			s.Abort(ctx, err)
		}
	}()
	if in, ok := s.model.(model.Inputs); ok {
		if k, _ := in.Columns(); k != s.subModels {
			return fmt.Errorf("%w: model mixes %d sub-models, run configured for %d", data.ErrShape, k, s.subModels)
		}
	}
	hello := &communication.Handshake{
		RunID:      s.runID,
		Workers:    s.cluster.Size(),
		Trees:      s.numTrees,
		Vars:       s.xi.Vars(),
		SubModels:  s.subModels,
		Seed:       s.seed,
		RandomPath: s.randomPath,
		Gamma:      s.gamma0,
		WeightStep: s.weightStep,
	}
	responses, _, err := s.exchange(ctx, communication.Request{Kind: communication.Hello, Tree: -1, Hello: hello}, 0)
	if err != nil {
		return err
	}
	streams := map[uint64]int{StreamSeed(s.seed, 0): 0}
	rows := 0
	for _, r := range responses {
		if r.Vars != s.xi.Vars() {
			return fmt.Errorf("%w: rank %d has %d predictors, want %d", communication.ErrShardMismatch, r.Rank, r.Vars, s.xi.Vars())
		}
		if r.Stream != StreamSeed(s.seed, r.Rank) {
			return fmt.Errorf("%w: rank %d derived stream %x", communication.ErrShardMismatch, r.Rank, r.Stream)
		}
		if other, ok := streams[r.Stream]; ok {
			return fmt.Errorf("%w: ranks %d and %d share a random stream", communication.ErrShardMismatch, other, r.Rank)
		}
		streams[r.Stream] = r.Rank
		rows += r.Rows
	}
	if rows == 0 {
		return fmt.Errorf("%w: no rows across %d workers", communication.ErrShardMismatch, len(responses))
	}
	if _, err := s.commit(ctx, communication.Decision{Kind: communication.Hello, Tree: -1, Accept: true}); err != nil {
		return err
	}
	s.started = true
	log.Info().Msgf("run %s started with %d workers holding %d rows", s.runID, len(responses), rows)
	return nil
}

// Abort tells every worker to drop the run after cause and leaves the sampler unusable.
// Delivery is best effort within abortTimeout, even once ctx is done.
func (s *Sampler) Abort(ctx context.Context, cause error) {
	if s.aborted {
		return
	}
	s.aborted, s.started = true, false
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	var err error
	if a, ok := s.cluster.(communication.Aborter); ok {
		err = a.Abort(ctx, cause.Error())
	} else {
		req := communication.Request{Seq: s.machine.Seq() + 1, Kind: communication.Abort, Tree: -1, Reason: cause.Error()}
		_, err = s.cluster.Broadcast(ctx, req)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("abort did not reach every worker")
		return
	}
	s.log.Warn().Err(cause).Msgf("aborted run on %d workers", s.cluster.Size())
}

// exchange broadcasts req and collects one response per worker, checking each carries
// slots statistics.
func (s *Sampler) exchange(ctx context.Context, req communication.Request, slots int) ([]communication.Response, communication.Request, error) {
	req, err := s.machine.Broadcast(req)
	if err != nil {
		return nil, req, err
	}
	responses, err := s.cluster.Broadcast(ctx, req)
	if err != nil {
		s.log.Error().Err(err).Msgf("broadcast of %s %d failed", req.Kind, req.Seq)
		return nil, req, fmt.Errorf("broadcast %s: %w", req.Kind, err)
	}
	if err := communication.CheckResponses(req, responses, s.cluster.Size(), slots); err != nil {
		s.log.Error().Err(err).Send()
		return nil, req, err
	}
	return responses, req, s.machine.Collected()
}

func (s *Sampler) commit(ctx context.Context, d communication.Decision) ([]communication.Ack, error) {
	d.Seq = s.machine.Seq()
	acks, err := s.cluster.Commit(ctx, d)
	if err != nil {
		s.log.Error().Err(err).Msgf("decision %s %d failed", d.Kind, d.Seq)
		return nil, fmt.Errorf("commit %s: %w", d.Kind, err)
	}
	if err := communication.CheckAcks(d, acks, s.cluster.Size()); err != nil {
		s.log.Error().Err(err).Send()
		return nil, err
	}
	return acks, s.machine.Decided()
}

// fold merges the packed statistics of every worker slot by slot in rank order.
func (s *Sampler) fold(responses []communication.Response, slots int) ([]model.Stat, error) {
	out := make([]model.Stat, slots)
	for k := range out {
		out[k] = s.model.NewStat()
	}
	for _, r := range responses {
		for k, packed := range r.Stats {
			st, err := s.model.Unpack(packed)
			if err != nil {
				return nil, fmt.Errorf("%w: rank %d slot %d: %w", communication.ErrProtocol, r.Rank, k, err)
			}
			out[k].Merge(st)
		}
	}
	return out, nil
}

// foldSumLog adds the before/after log path probabilities of every worker.
func foldSumLog(responses []communication.Response) (before, after float64, err error) {
	for _, r := range responses {
		if len(r.SumLog) != 2 {
			return 0, 0, fmt.Errorf("%w: rank %d sent %d path sums", communication.ErrProtocol, r.Rank, len(r.SumLog))
		}
		before += r.SumLog[0]
		after += r.SumLog[1]
	}
	return before, after, nil
}

// accept draws the coordinator's uniform against log alpha.
func (s *Sampler) accept(logAlpha float64) bool {
	u := s.rng.Float64()
	return !math.IsNaN(logAlpha) && math.Log(u) < logAlpha
}

func (s *Sampler) record(j int, kind communication.Kind, accepted, invalid bool) {
	s.stats.Record(kind, accepted)
	s.metrics.AddMove(kind, accepted)
	if s.trace != nil {
		s.trace(Outcome{Sweep: s.sweep, Tree: j, Kind: kind, Accepted: accepted, Invalid: invalid})
	}
	s.log.Debug().Int("tree", j).Bool("accepted", accepted).Bool("invalid", invalid).Msgf("%s", kind)
}

// Sweep updates every tree once and rewrites the workers' residual buffers.
// A failed sweep aborts the run on every worker.
func (s *Sampler) Sweep(ctx context.Context) (metric metrics.SweepMetric, err error) {
	if s.aborted {
		return metrics.SweepMetric{}, fmt.Errorf("%w: run %s was aborted", communication.ErrProtocol, s.runID)
	}
	if !s.started {
		return metrics.SweepMetric{}, fmt.Errorf("%w: sweep before handshake", communication.ErrProtocol)
	}
	defer func() {
		if err != nil {
			s.Abort(ctx, err)
		}
	}()
	s.sweep++
	s.metrics.Start(s.sweep)
	for j := range s.trees {
		if err := s.step(ctx, j); err != nil {
			return metrics.SweepMetric{}, fmt.Errorf("sweep %d tree %d: %w", s.sweep, j, err)
		}
	}

	responses, _, err := s.exchange(ctx, communication.Request{Kind: communication.EndSweep, Tree: -1}, 0)
	if err != nil {
		return metrics.SweepMetric{}, err
	}
	sse, rows := 0.0, 0
	for _, r := range responses {
		sse += r.SSE
		rows += r.Rows
	}
	if _, err := s.commit(ctx, communication.Decision{Kind: communication.EndSweep, Tree: -1, Accept: true}); err != nil {
		return metrics.SweepMetric{}, err
	}

	shapes := make([]metrics.Shape, len(s.trees))
	for j, t := range s.trees {
		avg, lo, hi := t.DepthStats()
		shapes[j] = metrics.Shape{Avg: avg, Min: lo, Max: hi, Splits: t.SplitCounts(s.xi.Vars())}
	}
	s.stats.Observe(shapes)
	metric = s.metrics.Complete(s.stats, sse, rows)
	s.log.Debug().Int("sweep", s.sweep).Float64("sse", sse).Float64("depth", s.stats.DepthAvg).Msg("sweep complete")
	return metric, nil
}

// step runs the moves of one tree and redraws its leaf parameters.
func (s *Sampler) step(ctx context.Context, j int) error {
	if s.pbd >= 0 {
		var err error
		if s.rng.Float64() < s.pbd {
			err = s.birthDeath(ctx, j)
		} else {
			err = s.rotate(ctx, j)
		}
		if err != nil {
			return err
		}
	}
	if s.pchgv >= 0 {
		var err error
		if s.rng.Float64() < s.pchgv {
			err = s.changeVariable(ctx, j)
		} else {
			err = s.perturb(ctx, j)
		}
		if err != nil {
			return err
		}
	}
	if s.randomPath {
		if err := s.shuffle(ctx, j); err != nil {
			return err
		}
		if err := s.updateGamma(ctx, j); err != nil {
			return err
		}
	}
	return s.drawTheta(ctx, j)
}
