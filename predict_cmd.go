package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"openbt/config"
	"openbt/data"
	"openbt/sampler"
	"openbt/snapshot"
	"openbt/tree"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"
)

var (
	predictRun       string
	predictData      string
	predictSubModels string
	predictScales    string
	predictSoft      bool
	predictWeights   bool

	predictCmd = &cobra.Command{
		Use:   "predict",
		Short: "Predict from the retained draws of a run",
		Long: `predict evaluates every retained draw of --run on the predictors in --data and writes
the posterior mean and standard deviation of each row as CSV.`,
		Args: cobra.NoArgs,
		RunE: runPredict,
	}
)

func init() {
	predictCmd.Flags().StringVar(&predictRun, "run", "", "run id printed by fit")
	predictCmd.Flags().StringVar(&predictData, "data", "", "predictor table, same columns as the training table without the response")
	predictCmd.Flags().StringVar(&predictSubModels, "sub-models", "", "sub-model outputs at the prediction rows, for mixing")
	predictCmd.Flags().StringVar(&predictScales, "scales", "", "discrepancy scales at the prediction rows")
	predictCmd.Flags().BoolVar(&predictSoft, "soft", false, "average over random paths with the retained gammas")
	predictCmd.Flags().BoolVar(&predictWeights, "weights", false, "also write the mean mixing weight of every sub-model")
	_ = predictCmd.MarkFlagRequired("run")
	_ = predictCmd.MarkFlagRequired("data")
}

func runPredict(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Output.Snapshots == "" {
		return fmt.Errorf("%w: output.snapshots is required to predict", config.ErrConfiguration)
	}
	train, err := loadTraining(cfg)
	if err != nil {
		return err
	}
	rows, err := data.Source{Path: predictData, Header: cfg.Data.Header, SubModels: predictSubModels, Scales: predictScales}.LoadPredictors()
	if err != nil {
		return fmt.Errorf("load prediction data: %w", err)
	}
	if rows.X.Cols != train.shard.X.Cols {
		return fmt.Errorf("%w: %d predictors to predict from, trained on %d", data.ErrShape, rows.X.Cols, train.shard.X.Cols)
	}
	if err := sampler.CheckSubModels(train.model, rows); err != nil {
		return fmt.Errorf("prediction data: %w", err)
	}

	store, err := snapshot.Open(cfg.Output.Snapshots)
	if err != nil {
		return err
	}
	defer store.Close()
	iterations, err := store.Iterations(predictRun)
	if err != nil {
		return err
	}
	if len(iterations) == 0 {
		return fmt.Errorf("%w: run %s", snapshot.ErrNotFound, predictRun)
	}

	p := &posterior{draws: len(iterations), fits: make([][]float64, rows.Len())}
	for _, iteration := range iterations {
		draw, err := store.Load(predictRun, iteration)
		if err != nil {
			return err
		}
		trees := make([]*tree.Tree, len(draw.Trees))
		for j, snap := range draw.Trees {
			if trees[j], err = tree.Load(snap, train.model.Dim()); err != nil {
				return fmt.Errorf("draw %d tree %d: %w", iteration, j, err)
			}
		}
		var soft []float64
		if predictSoft {
			if draw.Gamma == nil {
				return fmt.Errorf("run %s draw %d was not fitted with random paths", predictRun, iteration)
			}
			soft = draw.Gamma
		}
		for i, fit := range sampler.Predict(trees, train.model, train.xi, rows, soft) {
			p.fits[i] = append(p.fits[i], fit)
		}
		if predictWeights {
			p.addWeights(sampler.MixingWeights(trees, train.xi, rows, soft))
		}
	}
	return p.write(cmd.OutOrStdout())
}

// posterior collects per-row predictions over the retained draws.
type posterior struct {
	draws   int
	fits    [][]float64
	weights [][]float64 // summed over draws
}

func (p *posterior) addWeights(w [][]float64) {
	if p.weights == nil {
		p.weights = make([][]float64, len(w))
	}
	for i, row := range w {
		if p.weights[i] == nil {
			p.weights[i] = make([]float64, len(row))
		}
		for k, v := range row {
			p.weights[i][k] += v
		}
	}
}

func (p *posterior) write(out io.Writer) error {
	w := csv.NewWriter(out)
	header := []string{"row", "mean", "sd"}
	if len(p.weights) > 0 {
		for k := range p.weights[0] {
			header = append(header, "w"+strconv.Itoa(k+1))
		}
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for i, fits := range p.fits {
		mean, sd := stat.MeanStdDev(fits, nil)
		if len(fits) < 2 {
			sd = 0
		}
		record := []string{strconv.Itoa(i), format(mean), format(sd)}
		if len(p.weights) > 0 {
			for _, v := range p.weights[i] {
				record = append(record, format(v/float64(p.draws)))
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write predictions: %w", err)
	}
	return nil
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
