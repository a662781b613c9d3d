package engine

import (
	"context"
	"errors"

	"openbt/communication"
	"openbt/data"
	"openbt/model"
	"openbt/sampler"

	"golang.org/x/sync/errgroup"
)

// LocalCluster runs every worker in this process.
type LocalCluster struct {
	workers []*sampler.Worker
}

// NewLocalCluster splits shard into workers contiguous parts, one worker each.
func NewLocalCluster(shard *data.Shard, workers int, m model.Model, xi *data.Cutpoints, options ...sampler.WorkerOption) *LocalCluster {
	c := &LocalCluster{}
	for i, part := range data.Split(shard, workers) {
		c.workers = append(c.workers, sampler.NewWorker(i+1, workers, part, m, xi, options...))
	}
	return c
}

func (c *LocalCluster) Workers() []*sampler.Worker {
	return c.workers
}

func (c *LocalCluster) Size() int {
	return len(c.workers)
}

func (c *LocalCluster) Broadcast(ctx context.Context, req communication.Request) ([]communication.Response, error) {
	out := make([]communication.Response, len(c.workers))
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range c.workers {
		g.Go(func() error {
			var err error
			out[i], err = w.Handle(ctx, req)
			return err
		})
	}
	return out, g.Wait()
}

func (c *LocalCluster) Commit(ctx context.Context, d communication.Decision) ([]communication.Ack, error) {
	out := make([]communication.Ack, len(c.workers))
	g, ctx := errgroup.WithContext(ctx)
	for i, w := range c.workers {
		g.Go(func() error {
			var err error
			out[i], err = w.Commit(ctx, d)
			return err
		})
	}
	return out, g.Wait()
}

func (c *LocalCluster) Abort(ctx context.Context, reason string) error {
	req := communication.Request{Kind: communication.Abort, Tree: -1, Reason: reason}
	var errs []error
	for _, w := range c.workers {
		if _, err := w.Handle(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
