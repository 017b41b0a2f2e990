package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"trainharness/internal/errdefs"
	"trainharness/internal/model"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainDir          string         `yaml:"train_dir"`
	EvalDir           string         `yaml:"eval_dir"`
	SyntheticExamples int            `yaml:"synthetic_examples"`
	InputDim          int            `yaml:"input_dim"`
	FeatureGrid       int            `yaml:"feature_grid"`
	NumClasses        int            `yaml:"num_classes"`
	ClassNames        []string       `yaml:"class_names"`
	Epochs            int            `yaml:"epochs"`
	BatchSize         int            `yaml:"batch_size"`
	EvalBatchSize     int            `yaml:"eval_batch_size"`
	Shuffle           bool           `yaml:"shuffle"`
	NumWorkers        int            `yaml:"num_workers"`
	PrefetchDepth     int            `yaml:"prefetch_depth"`
	Seed              int64          `yaml:"seed"`
	ReportEvery       int            `yaml:"report_every"`
	LearningRate      float64        `yaml:"learning_rate"`
	Devices           []model.Device `yaml:"devices"`
	LogDir            string         `yaml:"log_dir"`
	EmbeddingPoints   int            `yaml:"embedding_points"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainDir     string
	EvalDir      string
	Epochs       int
	BatchSize    int
	NumWorkers   int
	Seed         int64
	ReportEvery  int
	LearningRate float64
	LogDir       string
}

// Default returns a config that trains on synthetic data.
func Default() *Config {
	return &Config{
		SyntheticExamples: 2000,
		InputDim:          64,
		FeatureGrid:       16,
		NumClasses:        10,
		Epochs:            2,
		BatchSize:         4,
		EvalBatchSize:     64,
		Shuffle:           true,
		NumWorkers:        2,
		Seed:              42,
		ReportEvery:       100,
		LearningRate:      0.01,
		LogDir:            "runs",
		EmbeddingPoints:   100,
	}
}

// Load reads and validates a Config from YAML. Keys missing from the
// file keep their Default value.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.TrainDir != "" {
		c.TrainDir = o.TrainDir
	}
	if o.EvalDir != "" {
		c.EvalDir = o.EvalDir
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.ReportEvery > 0 {
		c.ReportEvery = o.ReportEvery
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
}

// Synthetic reports whether the run generates its own data.
func (c *Config) Synthetic() bool {
	return c.TrainDir == ""
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainDir == "" && c.EvalDir != "" {
		return errdefs.Configuration("eval_dir", "requires train_dir")
	}
	if c.Synthetic() && c.SyntheticExamples <= 0 {
		return errdefs.Configuration("synthetic_examples", "must be > 0 without train_dir (got %d)", c.SyntheticExamples)
	}
	if c.Synthetic() && c.InputDim <= 0 {
		return errdefs.Configuration("input_dim", "must be > 0 (got %d)", c.InputDim)
	}
	if !c.Synthetic() && c.FeatureGrid <= 0 {
		return errdefs.Configuration("feature_grid", "must be > 0 (got %d)", c.FeatureGrid)
	}
	if c.NumClasses <= 0 {
		return errdefs.Configuration("num_classes", "must be > 0 (got %d)", c.NumClasses)
	}
	if c.Epochs <= 0 {
		return errdefs.Configuration("epochs", "must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return errdefs.Configuration("batch_size", "must be > 0 (got %d)", c.BatchSize)
	}
	if c.EvalBatchSize <= 0 {
		return errdefs.Configuration("eval_batch_size", "must be > 0 (got %d)", c.EvalBatchSize)
	}
	if c.NumWorkers < 0 {
		return errdefs.Configuration("num_workers", "must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.LearningRate <= 0 {
		return errdefs.Configuration("learning_rate", "must be > 0 (got %v)", c.LearningRate)
	}
	if len(c.ClassNames) > c.NumClasses {
		return errdefs.Configuration("class_names", "lists %d names for %d classes", len(c.ClassNames), c.NumClasses)
	}
	for i, dev := range c.Devices {
		if dev.Name == "" {
			return errdefs.Configuration("devices", "entry %d has no name", i)
		}
		if dev.Capacity < 0 {
			return errdefs.Configuration("devices", "%s capacity must be >= 0 (got %d)", dev.Name, dev.Capacity)
		}
	}
	if c.ReportEvery <= 0 {
		return errdefs.Configuration("report_every", "must be > 0 (got %d)", c.ReportEvery)
	}
	return nil
}

// InputSize returns the feature count per example.
func (c *Config) InputSize() int {
	if c.Synthetic() {
		return c.InputDim
	}
	return c.FeatureGrid * c.FeatureGrid
}
