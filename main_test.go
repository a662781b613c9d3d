package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"openbt/communication"
	"openbt/config"
	"openbt/data"
	"openbt/snapshot"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

func writeFile(t *testing.T, path, body string) {
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func execute(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	var train strings.Builder
	train.WriteString("x,y\n")
	for i := 0; i < 60; i++ {
		x := float64(i) / 60
		y := -1.0
		if x > 0.5 {
			y = 1
		}
		fmt.Fprintf(&train, "%g,%g\n", x, y)
	}
	writeFile(t, filepath.Join(dir, "train.csv"), train.String())
	writeFile(t, filepath.Join(dir, "x.csv"), "x\n0.2\n0.8\n")
	cfgPath := filepath.Join(dir, "openbt.yaml")
	writeFile(t, cfgPath, fmt.Sprintf(`trees: 3
seed: 5
workers: 2
log_level: error
run: {burn: 2, draws: 3, thin: 1, adapt_every: 0}
data: {path: %s, header: true, num_cut: 10}
output: {snapshots: %s, metrics: %s}
`, filepath.Join(dir, "train.csv"), filepath.Join(dir, "snapshots"), filepath.Join(dir, "sweeps.csv")))

	t.Run("fitting then predicting", func(t *testing.T) {
		out, err := execute(t, "fit", "--config", cfgPath)
		require.NoError(t, err)
		runID := strings.TrimSpace(out)
		_, err = uuid.Parse(runID)
		require.NoError(t, err, "fit should print the run id")

		f, err := os.Open(filepath.Join(dir, "sweeps.csv"))
		require.NoError(t, err)
		defer f.Close()
		sweeps, err := csv.NewReader(f).ReadAll()
		require.NoError(t, err)
		require.Len(t, sweeps, 6, "One header and five sweeps")

		out, err = execute(t, "predict", "--config", cfgPath, "--run", runID, "--data", filepath.Join(dir, "x.csv"))
		require.NoError(t, err)
		rows, err := csv.NewReader(strings.NewReader(out)).ReadAll()
		require.NoError(t, err)
		require.Equal(t, []string{"row", "mean", "sd"}, rows[0])
		require.Len(t, rows, 3)
		require.Equal(t, "1", rows[2][0])
	})

	t.Run("predicting an unknown run", func(t *testing.T) {
		_, err := execute(t, "predict", "--config", cfgPath, "--run", "absent", "--data", filepath.Join(dir, "x.csv"))
		require.ErrorIs(t, err, snapshot.ErrNotFound)
	})

	t.Run("refusing a rank outside the cluster", func(t *testing.T) {
		cfg, err := config.Load(cfgPath)
		require.NoError(t, err)
		tr, err := loadTraining(cfg)
		require.NoError(t, err)

		_, err = newWorker(cfg, tr, 3)
		require.ErrorIs(t, err, config.ErrConfiguration)
		w, err := newWorker(cfg, tr, 2)
		require.NoError(t, err)
		require.Equal(t, 2, w.Rank())
	})

	t.Run("exiting a worker on abort", func(t *testing.T) {
		cfg, err := config.Load(cfgPath)
		require.NoError(t, err)
		tr, err := loadTraining(cfg)
		require.NoError(t, err)
		w, err := newWorker(cfg, tr, 1)
		require.NoError(t, err)

		err = serveWorker(context.Background(), w, func(ctx context.Context) error {
			_, err := w.Handle(ctx, communication.Request{Kind: communication.Abort, Tree: -1, Reason: "coordinator failed"})
			require.NoError(t, err)
			<-ctx.Done()
			return nil
		})
		require.ErrorIs(t, err, communication.ErrAborted)
		require.ErrorContains(t, err, "coordinator failed")
	})

	t.Run("predicting a mixture without sub-model outputs", func(t *testing.T) {
		var f strings.Builder
		f.WriteString("f1,f2\n")
		for i := 0; i < 60; i++ {
			fmt.Fprintf(&f, "%g,%g\n", -1.0, 1.0)
		}
		writeFile(t, filepath.Join(dir, "f.csv"), f.String())
		mixPath := filepath.Join(dir, "mixing.yaml")
		writeFile(t, mixPath, fmt.Sprintf(`trees: 2
log_level: error
model: {kind: mixing}
data: {path: %s, header: true, num_cut: 10, sub_models: %s}
output: {snapshots: %s}
`, filepath.Join(dir, "train.csv"), filepath.Join(dir, "f.csv"), filepath.Join(dir, "snapshots")))

		_, err := execute(t, "predict", "--config", mixPath, "--run", "absent", "--data", filepath.Join(dir, "x.csv"))
		require.ErrorIs(t, err, data.ErrShape)
	})

	t.Run("failing on a missing configuration", func(t *testing.T) {
		_, err := execute(t, "fit", "--config", filepath.Join(dir, "absent.yaml"))
		require.ErrorIs(t, err, config.ErrConfiguration)
	})
}
