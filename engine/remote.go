package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"openbt/communication"
	"openbt/communication/client"
	"openbt/communication/server"
	"openbt/sampler"

	"github.com/rs/zerolog/log"
)

const dialInterval = 250 * time.Millisecond

// Dial connects to workers served at urls, rank i+1 at urls[i], and waits until every one
// answers its health check or ctx expires. A worker on another version or rank fails at once.
func Dial(ctx context.Context, urls []string, timeout time.Duration) (*client.Cluster, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no worker urls")
	}
	workers := make([]*client.ClientCommunicator, len(urls))
	for i, url := range urls {
		workers[i] = client.NewClientCommunicator(url, timeout)
	}
	cluster := client.NewCluster(workers)

	ticker := time.NewTicker(dialInterval)
	defer ticker.Stop()
	for attempt := 1; ; attempt++ {
		err := cluster.Ping(ctx)
		if err == nil {
			log.Info().Msgf("connected to %d workers", len(urls))
			return cluster, nil
		}
		if errors.Is(err, communication.ErrProtocol) || errors.Is(err, communication.ErrShardMismatch) {
			return nil, err
		}
		log.Debug().Err(err).Int("attempt", attempt).Msg("workers not ready")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for workers: %w", err)
		case <-ticker.C:
		}
	}
}

// Serve exposes w on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, w *sampler.Worker) error {
	return server.NewServerCommunicator(w, w.Rank()).ListenAndServe(ctx, addr)
}
