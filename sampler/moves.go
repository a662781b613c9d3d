package sampler

import (
	"context"
	"fmt"
	"math"

	"openbt/communication"
	"openbt/model"
	"openbt/tree"

	"gonum.org/v1/gonum/stat/distuv"
)

// invalid records a proposal rejected before any worker was asked.
func (s *Sampler) invalid(j int, kind communication.Kind) error {
	s.invalidCount++
	s.record(j, kind, false, true)
	return nil
}

// decide broadcasts the verdict on req, installs any weight rows the owners return and
// applies an accepted proposal to the coordinator's tree.
func (s *Sampler) decide(ctx context.Context, j int, req communication.Request, accepted bool) error {
	acks, err := s.commit(ctx, communication.Decision{Kind: req.Kind, Tree: j, Accept: accepted})
	if err != nil {
		return err
	}
	for _, a := range acks {
		if a.Var < 0 {
			continue
		}
		if a.Var >= s.weights.Vars() || Owner(a.Var, s.cluster.Size(), s.weights.Vars()) != a.Rank {
			return fmt.Errorf("%w: rank %d returned weight row %d it does not own", communication.ErrProtocol, a.Rank, a.Var)
		}
		if err := s.weights.SetRow(a.Var, a.Row); err != nil {
			return fmt.Errorf("%w: rank %d: %w", communication.ErrProtocol, a.Rank, err)
		}
	}
	if accepted {
		switch req.Kind {
		case communication.Gamma:
			s.gamma[j] = req.Gamma
		case communication.Shuffle:
		default:
			if _, _, err := mutate(s.trees[j], req); err != nil {
				return err
			}
		}
	}
	s.record(j, req.Kind, accepted, false)
	return nil
}

func (s *Sampler) logMarginals(stats ...model.Stat) ([]float64, error) {
	lm := make([]float64, len(stats))
	for k, st := range stats {
		var err error
		if lm[k], err = s.model.LogMarginal(st); err != nil {
			return nil, err
		}
	}
	return lm, nil
}

// logBirthRatio is the prior and proposal part of the birth acceptance ratio for splitting
// a leaf with grow probability pgx into children with grow probabilities pgl and pgr.
// pdy and nogsY describe the reverse death in the proposed tree, pbx and goodX the birth
// in the current one.
func logBirthRatio(pgx, pgl, pgr, pdy float64, nogsY int, pbx float64, goodX int) float64 {
	return math.Log(pgx) + math.Log(1-pgl) + math.Log(1-pgr) + math.Log(pdy) - math.Log(float64(nogsY)) -
		math.Log(1-pgx) - math.Log(pbx) + math.Log(float64(goodX))
}

// logDeathRatio mirrors logBirthRatio for collapsing a nog with grow probability pgy.
func logDeathRatio(pgy, pgl, pgr, pby float64, goodY int, pdx float64, nogsX int) float64 {
	return math.Log(1-pgy) + math.Log(pby) - math.Log(float64(goodY)) -
		(math.Log(pgy) + math.Log(1-pgl) + math.Log(1-pgr) + math.Log(pdx) - math.Log(float64(nogsX)))
}

func (s *Sampler) birthDeath(ctx context.Context, j int) error {
	t := s.trees[j]
	good := s.prior.goodLeaves(t, s.xi)
	pbx := birthProbability(t, len(good), s.pb)
	if s.rng.Float64() < pbx {
		return s.birth(ctx, j, good, pbx)
	}
	return s.death(ctx, j, pbx)
}

func (s *Sampler) birth(ctx context.Context, j int, good []tree.NodeID, pbx float64) error {
	kind := communication.Birth
	if s.randomPath {
		kind = communication.RandomPathBirth
	}
	t := s.trees[j]
	leaf := good[s.rng.Intn(len(good))]
	vars := t.GoodVars(leaf, s.xi)
	v := vars[s.rng.Intn(len(vars))]
	lo, hi := t.Range(leaf, v, s.xi)
	c := lo + s.rng.Intn(hi-lo+1)

	y := t.Clone()
	left, right, err := y.Birth(leaf, v, c, t.Theta(leaf), t.Theta(leaf))
	if err != nil {
		return err
	}
	pgx := s.prior.Grow(t, leaf, s.xi)
	pgl, pgr := s.prior.Grow(y, left, s.xi), s.prior.Grow(y, right, s.xi)
	pdy := 1 - birthProbability(y, len(s.prior.goodLeaves(y, s.xi)), s.pb)

	responses, req, err := s.exchange(ctx, communication.Request{Kind: kind, Tree: j, Node: t.Position(leaf), Var: v, Cut: c}, 2)
	if err != nil {
		return err
	}
	stats, err := s.fold(responses, 2)
	if err != nil {
		return err
	}
	if stats[0].N() < s.minLeaf || stats[1].N() < s.minLeaf {
		return s.decide(ctx, j, req, false)
	}
	lm, err := s.logMarginals(stats[0], stats[1], model.Combine(stats[0], stats[1]))
	if err != nil {
		return err
	}
	logAlpha := logBirthRatio(pgx, pgl, pgr, pdy, len(y.Nogs()), pbx, len(good)) + lm[0] + lm[1] - lm[2]
	return s.decide(ctx, j, req, s.accept(logAlpha))
}

func (s *Sampler) death(ctx context.Context, j int, pbx float64) error {
	kind := communication.Death
	if s.randomPath {
		kind = communication.RandomPathDeath
	}
	t := s.trees[j]
	nogs := t.Nogs()
	if len(nogs) == 0 {
		return s.invalid(j, kind)
	}
	nog := nogs[s.rng.Intn(len(nogs))]
	l, r := t.Children(nog)
	pgl, pgr := s.prior.Grow(t, l, s.xi), s.prior.Grow(t, r, s.xi)

	y := t.Clone()
	if err := y.Death(nog, t.Theta(l)); err != nil {
		return err
	}
	pgy := s.prior.Grow(y, nog, s.xi)
	goodY := len(s.prior.goodLeaves(y, s.xi))
	pby := birthProbability(y, goodY, s.pb)

	responses, req, err := s.exchange(ctx, communication.Request{Kind: kind, Tree: j, Node: t.Position(nog)}, 2)
	if err != nil {
		return err
	}
	stats, err := s.fold(responses, 2)
	if err != nil {
		return err
	}
	lm, err := s.logMarginals(stats[0], stats[1], model.Combine(stats[0], stats[1]))
	if err != nil {
		return err
	}
	logAlpha := logDeathRatio(pgy, pgl, pgr, pby, goodY, 1-pbx, len(nogs)) + lm[2] - lm[0] - lm[1]
	return s.decide(ctx, j, req, s.accept(logAlpha))
}

func (s *Sampler) rotate(ctx context.Context, j int) error {
	t := s.trees[j]
	candidates := t.Rotatable()
	if len(candidates) == 0 {
		return s.invalid(j, communication.Rotate)
	}
	x := candidates[s.rng.Intn(len(candidates))]
	y := t.Clone()
	if err := y.Rotate(x); err != nil {
		return err
	}
	lpy := s.prior.LogPrior(y, s.xi)
	if math.IsInf(lpy, -1) {
		return s.invalid(j, communication.Rotate)
	}
	logAlpha := lpy - s.prior.LogPrior(t, s.xi) +
		math.Log(float64(len(candidates))) - math.Log(float64(len(y.Rotatable())))

	responses, req, err := s.exchange(ctx, communication.Request{Kind: communication.Rotate, Tree: j, Node: t.Position(x)}, 0)
	if err != nil {
		return err
	}
	if s.randomPath {
		before, after, err := foldSumLog(responses)
		if err != nil {
			return err
		}
		logAlpha += after - before
	}
	return s.decide(ctx, j, req, s.accept(logAlpha))
}

func (s *Sampler) changeVariable(ctx context.Context, j int) error {
	t := s.trees[j]
	internals := t.Internals()
	if len(internals) == 0 {
		return s.invalid(j, communication.ChangeVariable)
	}
	n := internals[s.rng.Intn(len(internals))]
	v, c := t.Rule(n)
	to := s.weights.Draw(v, s.rng)
	lo, hi := t.Range(n, to, s.xi)
	if lo > hi {
		return s.invalid(j, communication.ChangeVariable)
	}
	cut := lo + s.rng.Intn(hi-lo+1)
	if to == v && cut == c {
		return s.invalid(j, communication.ChangeVariable)
	}
	y := t.Clone()
	if err := y.SetRule(n, to, cut); err != nil {
		return err
	}
	if !y.RulesValid(n, s.xi) {
		return s.invalid(j, communication.ChangeVariable)
	}
	oldLo, oldHi := t.Range(n, v, s.xi)
	logAlpha := s.prior.LogPrior(y, s.xi) - s.prior.LogPrior(t, s.xi) +
		math.Log(s.weights.Probability(to, v)) - math.Log(s.weights.Probability(v, to)) +
		math.Log(float64(hi-lo+1)) - math.Log(float64(oldHi-oldLo+1))
	return s.changeRule(ctx, j, communication.ChangeVariable, n, to, cut, logAlpha)
}

func (s *Sampler) perturb(ctx context.Context, j int) error {
	t := s.trees[j]
	internals := t.Internals()
	if len(internals) == 0 {
		return s.invalid(j, communication.Perturb)
	}
	n := internals[s.rng.Intn(len(internals))]
	v, c := t.Rule(n)
	lo, hi := t.Range(n, v, s.xi)
	if lo >= hi {
		return s.invalid(j, communication.Perturb)
	}
	step := max(1, int(math.Floor(s.pertWidth*float64(hi-lo+1))))
	window := func(c int) (int, int) { return max(lo, c-step), min(hi, c+step) }
	wlo, whi := window(c)
	cut := wlo + s.rng.Intn(whi-wlo)
	if cut >= c {
		cut++
	}
	y := t.Clone()
	if err := y.SetRule(n, v, cut); err != nil {
		return err
	}
	if !y.RulesValid(n, s.xi) {
		return s.invalid(j, communication.Perturb)
	}
	rlo, rhi := window(cut)
	logAlpha := s.prior.LogPrior(y, s.xi) - s.prior.LogPrior(t, s.xi) +
		math.Log(float64(whi-wlo)) - math.Log(float64(rhi-rlo))
	return s.changeRule(ctx, j, communication.Perturb, n, v, cut, logAlpha)
}

// changeRule scores the replacement of the rule at n. Hard trees compare the marginal
// likelihood of the leaves below n; random-path trees compare path probabilities.
func (s *Sampler) changeRule(ctx context.Context, j int, kind communication.Kind, n tree.NodeID, v, c int, logAlpha float64) error {
	t := s.trees[j]
	req := communication.Request{Kind: kind, Tree: j, Node: t.Position(n), Var: v, Cut: c}
	if s.randomPath {
		responses, req, err := s.exchange(ctx, req, 0)
		if err != nil {
			return err
		}
		before, after, err := foldSumLog(responses)
		if err != nil {
			return err
		}
		return s.decide(ctx, j, req, s.accept(logAlpha+after-before))
	}

	leaves := len(t.Leaves(n))
	responses, req, err := s.exchange(ctx, req, 2*leaves)
	if err != nil {
		return err
	}
	delta, ok, err := s.leafDelta(responses, leaves)
	if err != nil {
		return err
	}
	if !ok {
		return s.decide(ctx, j, req, false)
	}
	return s.decide(ctx, j, req, s.accept(logAlpha+delta))
}

// leafDelta folds 2×leaves statistics, the current leaves followed by the proposed ones,
// into the change in log marginal likelihood. ok is false when a proposed leaf is too small.
func (s *Sampler) leafDelta(responses []communication.Response, leaves int) (delta float64, ok bool, err error) {
	stats, err := s.fold(responses, 2*leaves)
	if err != nil {
		return 0, false, err
	}
	for _, st := range stats[leaves:] {
		if st.N() < s.minLeaf {
			return 0, false, nil
		}
	}
	lm, err := s.logMarginals(stats...)
	if err != nil {
		return 0, false, err
	}
	for k := 0; k < leaves; k++ {
		delta += lm[leaves+k] - lm[k]
	}
	return delta, true, nil
}

// shuffle redraws the random-path leaf of every row below one internal node.
func (s *Sampler) shuffle(ctx context.Context, j int) error {
	t := s.trees[j]
	internals := t.Internals()
	if len(internals) == 0 {
		return nil
	}
	n := internals[s.rng.Intn(len(internals))]
	leaves := len(t.Leaves(n))
	responses, req, err := s.exchange(ctx, communication.Request{Kind: communication.Shuffle, Tree: j, Node: t.Position(n)}, 2*leaves)
	if err != nil {
		return err
	}
	delta, ok, err := s.leafDelta(responses, leaves)
	if err != nil {
		return err
	}
	if !ok {
		return s.decide(ctx, j, req, false)
	}
	return s.decide(ctx, j, req, s.accept(delta))
}

// updateGamma is a random-walk step on the softness of tree j under its Beta prior.
func (s *Sampler) updateGamma(ctx context.Context, j int) error {
	gamma := s.gamma[j]
	proposed := gamma + (2*s.rng.Float64()-1)*s.gammaWidth
	if !(proposed > 0 && proposed < 1) {
		return s.invalid(j, communication.Gamma)
	}
	responses, req, err := s.exchange(ctx, communication.Request{Kind: communication.Gamma, Tree: j, Node: 1, Gamma: proposed}, 0)
	if err != nil {
		return err
	}
	before, after, err := foldSumLog(responses)
	if err != nil {
		return err
	}
	prior := distuv.Beta{Alpha: s.shape1, Beta: s.shape2}
	logAlpha := prior.LogProb(proposed) - prior.LogProb(gamma) + after - before
	return s.decide(ctx, j, req, s.accept(logAlpha))
}

// drawTheta redraws every leaf parameter of tree j from its posterior.
func (s *Sampler) drawTheta(ctx context.Context, j int) error {
	t := s.trees[j]
	leaves := t.LeafCount()
	responses, _, err := s.exchange(ctx, communication.Request{Kind: communication.DrawTheta, Tree: j, Node: 1}, leaves)
	if err != nil {
		return err
	}
	stats, err := s.fold(responses, leaves)
	if err != nil {
		return err
	}
	thetas := make([][]float64, leaves)
	for k, st := range stats {
		if thetas[k], err = s.model.Draw(st, s.rng); err != nil {
			s.log.Error().Err(err).Int("tree", j).Msgf("leaf %d holding %d rows", k, st.N())
			return fmt.Errorf("leaf %d: %w", k, err)
		}
	}
	if _, err := s.commit(ctx, communication.Decision{Kind: communication.DrawTheta, Tree: j, Accept: true, Theta: thetas}); err != nil {
		return err
	}
	return setThetas(t, thetas)
}
