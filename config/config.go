// Package config loads a sampler run from YAML, applies environment overrides and checks
// the result before anything is built from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"openbt/data"
	"openbt/meta"
	"openbt/model"
	"openbt/sampler"
	"openbt/tree"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrConfiguration = errors.New("invalid configuration")

type Prior struct {
	Alpha    float64 `yaml:"alpha" validate:"gt=0,lt=1"`
	Beta     float64 `yaml:"beta" validate:"gte=0"`
	MaxDepth int     `yaml:"max_depth" validate:"gte=1"`
}

// Moves holds the move probabilities. A negative BirthDeath or ChangeVariable disables
// that step; rotate takes the complement of BirthDeath and perturb that of ChangeVariable.
type Moves struct {
	BirthDeath     float64 `yaml:"birth_death" validate:"lte=1"`
	Birth          float64 `yaml:"birth" validate:"gt=0,lt=1"`
	ChangeVariable float64 `yaml:"change_variable" validate:"lte=1"`
	PerturbWidth   float64 `yaml:"perturb_width" validate:"gt=0,lte=1"`
	WeightStep     float64 `yaml:"weight_step" validate:"gte=0"`
}

type Model struct {
	Kind          string  `yaml:"kind" validate:"oneof=mean variance mixing"`
	Tau           float64 `yaml:"tau" validate:"gt=0"`
	Nu            float64 `yaml:"nu" validate:"gt=0"`
	Lambda        float64 `yaml:"lambda" validate:"gt=0"`
	Beta          float64 `yaml:"beta"`
	Discrepancy   bool    `yaml:"discrepancy"`
	NonStationary bool    `yaml:"non_stationary"`
}

type RandomPath struct {
	Enabled bool    `yaml:"enabled"`
	Gamma   float64 `yaml:"gamma" validate:"gt=0,lt=1"`
	Shape1  float64 `yaml:"shape1" validate:"gt=0"`
	Shape2  float64 `yaml:"shape2" validate:"gt=0"`
	Width   float64 `yaml:"width" validate:"gt=0,lte=0.5"`
}

type Run struct {
	Burn       int `yaml:"burn" validate:"gte=0"`
	Draws      int `yaml:"draws" validate:"gte=1"`
	Thin       int `yaml:"thin" validate:"gte=1"`
	AdaptEvery int `yaml:"adapt_every" validate:"gte=0"`
}

type Data struct {
	Path      string `yaml:"path" validate:"required"`
	Header    bool   `yaml:"header"`
	NumCut    int    `yaml:"num_cut" validate:"gte=1"`
	SubModels string `yaml:"sub_models"`
	Scales    string `yaml:"scales"`
}

type Output struct {
	Snapshots   string `yaml:"snapshots"`
	Metrics     string `yaml:"metrics"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type Config struct {
	Trees       int        `yaml:"trees" validate:"gte=1"`
	Seed        uint64     `yaml:"seed"`
	Workers     int        `yaml:"workers" validate:"gte=1"`
	Threads     int        `yaml:"threads" validate:"gte=1"`
	ChunkRows   int        `yaml:"chunk_rows" validate:"gte=1"`
	MinLeafRows int        `yaml:"min_leaf_rows" validate:"gte=1"`
	Remote      []string   `yaml:"remote" validate:"dive,url"`
	LogLevel    string     `yaml:"log_level" validate:"oneof=trace debug info warn error"`
	Prior       Prior      `yaml:"prior"`
	Moves       Moves      `yaml:"moves"`
	Model       Model      `yaml:"model"`
	RandomPath  RandomPath `yaml:"random_path"`
	Run         Run        `yaml:"run"`
	Data        Data       `yaml:"data"`
	Output      Output     `yaml:"output"`
}

// Default returns the stock settings. Only the data path has to be supplied.
func Default() Config {
	return Config{
		Trees:       200,
		Workers:     1,
		Threads:     1,
		ChunkRows:   sampler.DefaultChunkRows,
		MinLeafRows: 5,
		LogLevel:    "info",
		Prior:       Prior{Alpha: 0.95, Beta: 1, MaxDepth: tree.MaxDepth},
		Moves:       Moves{BirthDeath: 1, Birth: 0.5, ChangeVariable: 0.2, PerturbWidth: 0.1, WeightStep: 0.1},
		Model:       Model{Kind: "mean", Tau: 1, Nu: 3, Lambda: 1},
		RandomPath:  RandomPath{Gamma: 0.5, Shape1: 1, Shape2: 1, Width: 0.25},
		Run:         Run{Burn: 100, Draws: 1000, Thin: 1, AdaptEvery: 50},
		Data:        Data{Header: true, NumCut: 100},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path over the defaults, then applies the OPENBT_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %w", ErrConfiguration, path, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(meta.EnvPrefix + "SEED"); ok {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %sSEED: %w", ErrConfiguration, meta.EnvPrefix, err)
		}
		c.Seed = seed
	}
	for name, dst := range map[string]*int{meta.EnvPrefix + "THREADS": &c.Threads, meta.EnvPrefix + "WORKERS": &c.Workers} {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrConfiguration, name, err)
			}
			*dst = n
		}
	}
	if v, ok := lookup(meta.EnvPrefix + "LOG_LEVEL"); ok {
		c.LogLevel = strings.ToLower(v)
	}
	return nil
}

// Validate checks field ranges and the constraints between fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	switch {
	case c.Prior.MaxDepth > tree.MaxDepth:
		return fmt.Errorf("%w: max_depth %d exceeds %d", ErrConfiguration, c.Prior.MaxDepth, tree.MaxDepth)
	case len(c.Remote) > 0 && len(c.Remote) != c.Workers:
		return fmt.Errorf("%w: %d remote workers listed for workers %d", ErrConfiguration, len(c.Remote), c.Workers)
	case c.Model.Kind == "mixing" && c.Data.SubModels == "":
		return fmt.Errorf("%w: mixing needs data.sub_models", ErrConfiguration)
	case c.Model.NonStationary && c.Data.Scales == "":
		return fmt.Errorf("%w: a non-stationary prior needs data.scales", ErrConfiguration)
	case c.Model.Kind != "mixing" && (c.Data.SubModels != "" || c.Model.Discrepancy || c.Model.NonStationary):
		return fmt.Errorf("%w: sub-model settings given for a %s model", ErrConfiguration, c.Model.Kind)
	}
	return nil
}

// BuildModel constructs the leaf model. subModels is the number of sub-model columns.
func (c Config) BuildModel(subModels int) model.Model {
	switch c.Model.Kind {
	case "variance":
		return model.NewVariance(c.Model.Nu, c.Model.Lambda, c.Trees)
	case "mixing":
		return model.NewMixing(subModels, c.Model.Tau, c.Model.Beta, c.Model.Discrepancy, c.Model.NonStationary)
	default:
		return model.NewMean(c.Model.Tau)
	}
}

func (c Config) SamplerOptions() []sampler.Option {
	options := []sampler.Option{
		sampler.WithTrees(c.Trees),
		sampler.WithSeed(c.Seed),
		sampler.WithPrior(sampler.Prior{Alpha: c.Prior.Alpha, Beta: c.Prior.Beta, MaxDepth: c.Prior.MaxDepth}),
		sampler.WithBirthDeath(c.Moves.BirthDeath, c.Moves.Birth),
		sampler.WithChangeVariable(c.Moves.ChangeVariable),
		sampler.WithPerturbWidth(c.Moves.PerturbWidth),
		sampler.WithWeightStep(c.Moves.WeightStep),
		sampler.WithMinLeafRows(c.MinLeafRows),
	}
	if c.RandomPath.Enabled {
		rp := c.RandomPath
		options = append(options, sampler.WithRandomPath(rp.Gamma, rp.Shape1, rp.Shape2, rp.Width))
	}
	return options
}

func (c Config) WorkerOptions() []sampler.WorkerOption {
	return []sampler.WorkerOption{sampler.WithThreads(c.Threads), sampler.WithChunkRows(c.ChunkRows)}
}

// Source is where the training data is read from.
func (c Config) Source() data.Source {
	return data.Source{Path: c.Data.Path, Header: c.Data.Header, SubModels: c.Data.SubModels, Scales: c.Data.Scales}
}
