package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"openbt/communication"
	"openbt/config"
	"openbt/data"
	"openbt/engine"
	"openbt/metrics"
	"openbt/model"
	"openbt/sampler"
	"openbt/snapshot"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	requestTimeout time.Duration
	dialTimeout    time.Duration

	fitCmd = &cobra.Command{
		Use:   "fit",
		Short: "Run the sampler and retain its draws",
		Long: `fit reads the training table named in the configuration, runs burn-in and the
retained sweeps, and prints the run id under which the draws were stored.`,
		Args: cobra.NoArgs,
		RunE: runFit,
	}
)

func init() {
	fitCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 30*time.Second, "timeout of one request to a remote worker")
	fitCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", time.Minute, "how long to wait for remote workers to come up")
}

// training is the data every process derives identically from the configuration.
type training struct {
	shard *data.Shard
	xi    *data.Cutpoints
	model model.Model
}

func loadTraining(cfg config.Config) (training, error) {
	shard, err := cfg.Source().Load()
	if err != nil {
		return training{}, fmt.Errorf("load training data: %w", err)
	}
	xi, err := data.CutpointsFromData(shard.X, cfg.Data.NumCut)
	if err != nil {
		return training{}, fmt.Errorf("build cutpoints: %w", err)
	}
	log.Info().Msgf("loaded %d rows of %d predictors from %s", shard.Len(), shard.X.Cols, cfg.Data.Path)
	return training{shard: shard, xi: xi, model: cfg.BuildModel(shard.F.Cols)}, nil
}

func runFit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	train, err := loadTraining(cfg)
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	if cfg.Output.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		pc, err := metrics.NewPrometheusCollector(registry, collector)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		collector = pc
		stop := serveMetrics(cfg.Output.MetricsAddr, registry)
		defer stop()
	}

	var cluster communication.Cluster
	if len(cfg.Remote) > 0 {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		remote, err := engine.Dial(dialCtx, cfg.Remote, requestTimeout)
		cancel()
		if err != nil {
			return err
		}
		cluster = remote
	} else {
		cluster = engine.NewLocalCluster(train.shard, cfg.Workers, train.model, train.xi, cfg.WorkerOptions()...)
	}

	options := append(cfg.SamplerOptions(), sampler.WithSubModels(train.shard.F.Cols), sampler.WithCollector(collector))
	s := sampler.New(train.model, train.xi, cluster, options...)

	engineOptions := []engine.Option{
		engine.WithSchedule(cfg.Run.Burn, cfg.Run.Draws, cfg.Run.Thin),
		engine.WithAdaptEvery(cfg.Run.AdaptEvery),
	}
	if cfg.Output.Snapshots != "" {
		store, err := snapshot.Open(cfg.Output.Snapshots)
		if err != nil {
			return err
		}
		defer store.Close()
		engineOptions = append(engineOptions, engine.WithStore(store))
	}
	if cfg.Output.Metrics != "" {
		writer, err := metrics.NewWriter(cfg.Output.Metrics)
		if err != nil {
			return err
		}
		defer writer.Close()
		engineOptions = append(engineOptions, engine.WithWriter(writer))
	}

	res, err := engine.New(s, engineOptions...).Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", res.RunID, err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.RunID)
	return err
}

// serveMetrics exposes registry on addr until the returned function is called.
func serveMetrics(addr string, registry *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Msgf("serving metrics on %s/metrics", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}
