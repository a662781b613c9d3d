package sampler

import (
	"context"

	"openbt/model"

	"golang.org/x/sync/errgroup"
)

// DefaultChunkRows is the reduction chunk size. Results depend on it but never on the
// number of threads.
const DefaultChunkRows = 1024

// pool folds per-row contributions in fixed chunks. Chunks run on up to threads
// goroutines and their partials merge in chunk order.
type pool struct {
	threads int
	chunk   int
}

func reduce[T any](ctx context.Context, p pool, n int, init func() T, visit func(acc T, i int), merge func(dst, src T)) (T, error) {
	chunks := (n + p.chunk - 1) / p.chunk
	if chunks <= 1 {
		acc := init()
		for i := 0; i < n; i++ {
			visit(acc, i)
		}
		return acc, nil
	}

	parts := make([]T, chunks)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.threads)
	for k := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			acc := init()
			for i := k * p.chunk; i < min(n, (k+1)*p.chunk); i++ {
				visit(acc, i)
			}
			parts[k] = acc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var zero T
		return zero, err
	}
	for _, part := range parts[1:] {
		merge(parts[0], part)
	}
	return parts[0], nil
}

// stats reduces rows into slots statistics.
func (p pool) stats(ctx context.Context, m model.Model, n, slots int, visit func(acc []model.Stat, i int)) ([]model.Stat, error) {
	return reduce(ctx, p, n,
		func() []model.Stat {
			acc := make([]model.Stat, slots)
			for k := range acc {
				acc[k] = m.NewStat()
			}
			return acc
		},
		visit,
		func(dst, src []model.Stat) {
			for k := range dst {
				dst[k].Merge(src[k])
			}
		})
}

// sums reduces rows into slots plain sums.
func (p pool) sums(ctx context.Context, n, slots int, visit func(acc []float64, i int)) ([]float64, error) {
	return reduce(ctx, p, n,
		func() []float64 { return make([]float64, slots) },
		visit,
		func(dst, src []float64) {
			for k := range dst {
				dst[k] += src[k]
			}
		})
}
