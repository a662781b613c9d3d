package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"openbt/communication"
	"openbt/communication/server"
	"openbt/data"
	"openbt/metrics"
	"openbt/model"
	"openbt/sampler"
	"openbt/snapshot"
	"openbt/tree"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	os.Exit(m.Run())
}

func fixture(t *testing.T, n int) (*data.Shard, *data.Cutpoints) {
	rng := rand.New(rand.NewSource(3))
	values := make([]float64, 2*n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		values[2*i], values[2*i+1] = rng.Float64(), rng.Float64()
		y[i] = values[2*i] + values[2*i+1]*values[2*i+1] + 0.1*rng.NormFloat64()
	}
	x := data.NewMatrix(n, 2, values)
	shard, err := data.NewShard(0, x, y)
	require.NoError(t, err)
	xi, err := data.CutpointsFromData(x, 20)
	require.NoError(t, err)
	return shard, xi
}

func TestEngine(t *testing.T) {
	ctx := context.Background()
	m := model.NewMean(0.5)

	t.Run("retaining thinned draws", func(t *testing.T) {
		shard, xi := fixture(t, 150)
		store, err := snapshot.OpenInMemory()
		require.NoError(t, err)
		defer store.Close()
		var out bytes.Buffer
		writer, err := metrics.NewStreamWriter(&out)
		require.NoError(t, err)

		s := sampler.New(m, xi, NewLocalCluster(shard, 3, m, xi), sampler.WithTrees(4), sampler.WithSeed(1))
		e := New(s, WithStore(store), WithWriter(writer), WithSchedule(4, 3, 2), WithAdaptEvery(2))
		res, err := e.Run(ctx)
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		require.Equal(t, 10, res.Sweeps)
		require.Equal(t, 3, res.Retained)
		require.Equal(t, 150, res.Last.Rows)

		iterations, err := store.Iterations(res.RunID)
		require.NoError(t, err)
		require.Equal(t, []int{0, 1, 2}, iterations)
		last, err := store.Load(res.RunID, 2)
		require.NoError(t, err)
		require.Len(t, last.Trees, 4)
		for j, snap := range last.Trees {
			loaded, err := tree.Load(snap, 1)
			require.NoError(t, err)
			require.True(t, loaded.Equal(s.Trees()[j]), "The final draw should hold the final trees")
		}

		rows, err := csv.NewReader(&out).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 11, "One header and one row per sweep")
	})

	t.Run("stopping on cancellation", func(t *testing.T) {
		shard, xi := fixture(t, 50)
		c := NewLocalCluster(shard, 2, m, xi)
		s := sampler.New(m, xi, c)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := New(s, WithSchedule(1, 1, 1)).Run(cancelled)
		require.ErrorIs(t, err, context.Canceled)
		for _, w := range c.Workers() {
			require.ErrorIs(t, w.Err(), communication.ErrAborted, "Rank %d should hear the abort", w.Rank())
		}
		_, err = s.Sweep(ctx)
		require.ErrorIs(t, err, communication.ErrProtocol, "An aborted sampler stays stopped")
	})

	t.Run("aborting remote workers after a failed handshake", func(t *testing.T) {
		shard, xi := fixture(t, 60)
		wide, err := data.UniformCutpoints([]float64{0, 0, 0}, []float64{1, 1, 1}, 5)
		require.NoError(t, err)
		parts := data.Split(shard, 2)
		workers := []*sampler.Worker{
			sampler.NewWorker(1, 2, parts[0], m, xi),
			sampler.NewWorker(2, 2, parts[1], m, wide),
		}
		var urls []string
		for _, w := range workers {
			srv := httptest.NewServer(server.NewServerCommunicator(w, w.Rank()))
			defer srv.Close()
			urls = append(urls, srv.URL)
		}
		cluster, err := Dial(ctx, urls, 5*time.Second)
		require.NoError(t, err)

		_, err = New(sampler.New(m, xi, cluster), WithSchedule(1, 1, 1)).Run(ctx)
		require.ErrorIs(t, err, communication.ErrShardMismatch)
		for _, w := range workers {
			require.ErrorIs(t, w.Err(), communication.ErrAborted, "Rank %d should hear the abort", w.Rank())
		}

		_, err = workers[0].Handle(ctx, communication.Request{Seq: 1, Kind: communication.Hello, Tree: -1, Hello: &communication.Handshake{RunID: "again", Workers: 2, Trees: 1, Vars: 2}})
		require.NoError(t, err, "An aborted worker accepts a new handshake")
	})

	t.Run("matching local and remote workers", func(t *testing.T) {
		shard, xi := fixture(t, 120)
		options := []sampler.Option{sampler.WithTrees(3), sampler.WithSeed(4), sampler.WithRandomPath(0.4, 1, 1, 0.2)}

		local := sampler.New(m, xi, NewLocalCluster(shard, 2, m, xi), options...)
		_, err := New(local, WithSchedule(2, 3, 1)).Run(ctx)
		require.NoError(t, err)

		var urls []string
		for _, w := range NewLocalCluster(shard, 2, m, xi).Workers() {
			srv := httptest.NewServer(server.NewServerCommunicator(w, w.Rank()))
			defer srv.Close()
			urls = append(urls, srv.URL)
		}
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		cluster, err := Dial(dialCtx, urls, 5*time.Second)
		require.NoError(t, err)
		remote := sampler.New(m, xi, cluster, options...)
		_, err = New(remote, WithSchedule(2, 3, 1)).Run(ctx)
		require.NoError(t, err)

		require.Equal(t, local.Snapshots(), remote.Snapshots())
		require.Equal(t, local.Gamma(), remote.Gamma())
	})

	t.Run("giving up on absent workers", func(t *testing.T) {
		srv := httptest.NewServer(nil)
		url := srv.URL
		srv.Close()
		dialCtx, cancel := context.WithTimeout(ctx, 600*time.Millisecond)
		defer cancel()
		_, err := Dial(dialCtx, []string{url}, time.Second)
		require.Error(t, err)
	})
}
