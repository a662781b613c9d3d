package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"openbt/config"
	"openbt/meta"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           meta.Name,
		Short:         "Fit Bayesian additive regression tree ensembles across worker processes",
		Version:       meta.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "openbt.yaml", "run configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error; overrides the configuration")
	rootCmd.AddCommand(fitCmd, workerCmd, predictCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Error().Err(err).Msgf("%s failed", meta.Name)
		os.Exit(1)
	}
}

func setupLogging() {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// loadConfig reads --config and applies the log level, the flag taking precedence.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return cfg, fmt.Errorf("%w: log level: %w", config.ErrConfiguration, err)
	}
	zerolog.SetGlobalLevel(parsed)
	log.Debug().Str("config", configPath).Msgf("loaded configuration for %d trees on %d workers", cfg.Trees, cfg.Workers)
	return cfg, nil
}
