// Package engine drives a sampler through its burn-in and retained sweeps and wires it to
// a cluster of workers, in-process or over HTTP.
package engine

import (
	"context"
	"fmt"

	"openbt/metrics"
	"openbt/sampler"
	"openbt/snapshot"

	"github.com/rs/zerolog/log"
)

type Option func(e *Engine)

type Engine struct {
	sampler    *sampler.Sampler
	store      *snapshot.Store
	writer     *metrics.Writer
	burn       int
	draws      int
	thin       int
	adaptEvery int
}

// Result summarises a finished run.
type Result struct {
	RunID    string
	Sweeps   int
	Retained int
	Last     metrics.SweepMetric
}

func WithStore(store *snapshot.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

func WithWriter(w *metrics.Writer) Option {
	return func(e *Engine) {
		e.writer = w
	}
}

// WithSchedule runs burn sweeps, then keeps every thin-th of the next draws×thin sweeps.
func WithSchedule(burn, draws, thin int) Option {
	return func(e *Engine) {
		if burn >= 0 {
			e.burn = burn
		}
		if draws > 0 {
			e.draws = draws
		}
		if thin > 0 {
			e.thin = thin
		}
	}
}

// WithAdaptEvery adapts proposal widths every n burn-in sweeps. Zero disables adaptation.
func WithAdaptEvery(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.adaptEvery = n
		}
	}
}

func New(s *sampler.Sampler, options ...Option) *Engine {
	e := &Engine{sampler: s, burn: 100, draws: 1000, thin: 1}
	for _, option := range options {
		option(e)
	}
	return e
}

// Run performs the handshake and every sweep of the schedule. If the run stops early the
// workers are told to abort it.
func (e *Engine) Run(ctx context.Context) (res Result, err error) {
	res = Result{RunID: e.sampler.RunID()}
	defer func() {
		if err != nil {
			e.sampler.Abort(ctx, err)
		}
	}()
	if err := e.sampler.Start(ctx); err != nil {
		return res, fmt.Errorf("start run: %w", err)
	}

	total := e.burn + e.draws*e.thin
	log.Info().Msgf("run %s: %d burn-in sweeps, %d draws thinned by %d", res.RunID, e.burn, e.draws, e.thin)
	for sweep := 1; sweep <= total; sweep++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		metric, err := e.sampler.Sweep(ctx)
		if err != nil {
			return res, err
		}
		res.Sweeps, res.Last = sweep, metric
		if e.writer != nil {
			if err := e.writer.Write(metric); err != nil {
				return res, fmt.Errorf("write sweep %d metrics: %w", sweep, err)
			}
		}
		log.Info().Msgf("sweep %d/%d: sse %.4g, depth %.2f", sweep, total, metric.SSE, metric.DepthAvg)

		if sweep <= e.burn {
			if e.adaptEvery > 0 && sweep%e.adaptEvery == 0 {
				e.sampler.Adapt()
			}
			continue
		}
		if (sweep-e.burn)%e.thin != 0 {
			continue
		}
		if err := e.retain(res.Retained); err != nil {
			return res, err
		}
		res.Retained++
	}
	log.Info().Msgf("run %s finished after %d sweeps with %d draws", res.RunID, res.Sweeps, res.Retained)
	return res, nil
}

func (e *Engine) retain(iteration int) error {
	if e.store == nil {
		return nil
	}
	draw := snapshot.Draw{Iteration: iteration, Trees: e.sampler.Snapshots()}
	if e.sampler.RandomPath() {
		draw.Gamma = append([]float64(nil), e.sampler.Gamma()...)
	}
	if err := e.store.Put(e.sampler.RunID(), draw); err != nil {
		return fmt.Errorf("retain draw %d: %w", iteration, err)
	}
	return nil
}
