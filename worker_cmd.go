package main

import (
	"context"
	"fmt"

	"openbt/config"
	"openbt/data"
	"openbt/engine"
	"openbt/sampler"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	workerRank int
	workerAddr string

	workerCmd = &cobra.Command{
		Use:   "worker",
		Short: "Serve one shard of the training data to a remote coordinator",
		Long: `worker loads the training table named in the configuration, keeps the rows of its
rank out of the configured number of workers, and answers the coordinator over HTTP.`,
		Args: cobra.NoArgs,
		RunE: runWorker,
	}
)

func init() {
	workerCmd.Flags().IntVar(&workerRank, "rank", 1, "1-based rank of this worker")
	workerCmd.Flags().StringVar(&workerAddr, "addr", ":8081", "listen address")
}

// newWorker builds the worker for rank from the shared training data.
func newWorker(cfg config.Config, train training, rank int) (*sampler.Worker, error) {
	if rank < 1 || rank > cfg.Workers {
		return nil, fmt.Errorf("%w: rank %d outside 1..%d", config.ErrConfiguration, rank, cfg.Workers)
	}
	part := data.Split(train.shard, cfg.Workers)[rank-1]
	return sampler.NewWorker(rank, cfg.Workers, part, train.model, train.xi, cfg.WorkerOptions()...), nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	train, err := loadTraining(cfg)
	if err != nil {
		return err
	}
	w, err := newWorker(cfg, train, workerRank)
	if err != nil {
		return err
	}
	log.Info().Msgf("worker %d/%d serving on %s", workerRank, cfg.Workers, workerAddr)
	return serveWorker(cmd.Context(), w, func(ctx context.Context) error {
		return engine.Serve(ctx, workerAddr, w)
	})
}

// serveWorker runs serve until ctx is done or the coordinator aborts the run, in which case
// the abort is returned so the process exits nonzero.
func serveWorker(ctx context.Context, w *sampler.Worker, serve func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.Aborted():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := serve(ctx); err != nil {
		return err
	}
	return w.Err()
}
