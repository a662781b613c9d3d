package config

import (
	"os"
	"path/filepath"
	"testing"

	"openbt/model"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "openbt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("filling in defaults", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, "data:\n  path: train.csv\n"))
		require.NoError(t, err)
		require.Equal(t, 200, cfg.Trees)
		require.Equal(t, 0.95, cfg.Prior.Alpha)
		require.Equal(t, 62, cfg.Prior.MaxDepth)
		require.Equal(t, 0.2, cfg.Moves.ChangeVariable)
		require.Equal(t, 5, cfg.MinLeafRows)
		require.Equal(t, "train.csv", cfg.Data.Path)
		require.IsType(t, &model.Mean{}, cfg.BuildModel(0))
	})

	t.Run("reading every section", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, `
trees: 20
seed: 99
workers: 2
remote: ["http://a:8080", "http://b:8080"]
prior: {alpha: 0.9, beta: 2, max_depth: 10}
moves: {birth_death: -1, birth: 0.4, change_variable: 0.5, perturb_width: 0.2, weight_step: 0}
model: {kind: mixing, tau: 0.5, beta: 0.5, discrepancy: true}
random_path: {enabled: true, gamma: 0.3, shape1: 2, shape2: 3, width: 0.1}
run: {burn: 10, draws: 20, thin: 2, adapt_every: 5}
data: {path: x.csv, header: false, num_cut: 10, sub_models: f.csv}
output: {snapshots: /tmp/snap, metrics: /tmp/m.csv}
`))
		require.NoError(t, err)
		require.Equal(t, uint64(99), cfg.Seed)
		require.Equal(t, -1.0, cfg.Moves.BirthDeath)
		require.True(t, cfg.RandomPath.Enabled)
		require.Len(t, cfg.SamplerOptions(), 9)
		mixing, ok := cfg.BuildModel(3).(*model.Mixing)
		require.True(t, ok)
		require.Equal(t, 4, mixing.Dim())
		require.Equal(t, "f.csv", cfg.Source().SubModels)
		require.False(t, cfg.Source().Header)
	})

	t.Run("overriding from the environment", func(t *testing.T) {
		t.Setenv("OPENBT_SEED", "7")
		t.Setenv("OPENBT_THREADS", "8")
		t.Setenv("OPENBT_WORKERS", "3")
		t.Setenv("OPENBT_LOG_LEVEL", "DEBUG")
		cfg, err := Load(writeConfig(t, "seed: 1\ndata: {path: x.csv}\n"))
		require.NoError(t, err)
		require.Equal(t, uint64(7), cfg.Seed)
		require.Equal(t, 8, cfg.Threads)
		require.Equal(t, 3, cfg.Workers)
		require.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("rejecting bad settings", func(t *testing.T) {
		for name, body := range map[string]string{
			"unknown field":       "data: {path: x.csv}\ntreez: 3\n",
			"missing data":        "trees: 3\n",
			"alpha out of range":  "data: {path: x.csv}\nprior: {alpha: 1.5}\n",
			"depth beyond arena":  "data: {path: x.csv}\nprior: {max_depth: 100}\n",
			"unknown model":       "data: {path: x.csv}\nmodel: {kind: poisson}\n",
			"mixing without f":    "data: {path: x.csv}\nmodel: {kind: mixing}\n",
			"remote count":        "data: {path: x.csv}\nworkers: 3\nremote: [\"http://a:1\"]\n",
			"bad remote":          "data: {path: x.csv}\nremote: [\"not a url\"]\n",
			"bad gamma":           "data: {path: x.csv}\nrandom_path: {gamma: 1}\n",
			"discrepancy on mean": "data: {path: x.csv}\nmodel: {discrepancy: true}\n",
		} {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, ErrConfiguration, name)
		}

		t.Setenv("OPENBT_SEED", "minus one")
		_, err := Load(writeConfig(t, "data: {path: x.csv}\n"))
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("failing on a missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.ErrorIs(t, err, ErrConfiguration)
	})
}
