package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainharness/internal/errdefs"
	"trainharness/internal/model"
)

const sample = `
# fashion run
train_dir: /data/train
eval_dir: /data/test
num_classes: 10
class_names: [T-shirt/top, Trouser, Pullover]
epochs: 3
batch_size: 4
shuffle: false
report_every: 1000
devices:
  - name: gpu0
    capacity: 2
  - name: gpu1
    capacity: 2
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/train", cfg.TrainDir)
	assert.False(t, cfg.Synthetic())
	assert.False(t, cfg.Shuffle)
	assert.Equal(t, []string{"T-shirt/top", "Trouser", "Pullover"}, cfg.ClassNames)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 1000, cfg.ReportEvery)
	assert.Equal(t, []model.Device{{Name: "gpu0", Capacity: 2}, {Name: "gpu1", Capacity: 2}}, cfg.Devices)
	assert.Equal(t, 256, cfg.InputSize(), "feature grid default")
	assert.Equal(t, 64, cfg.EvalBatchSize, "default kept")
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("stepz: 10\n"))
	assert.Error(t, err)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Synthetic())
	assert.Equal(t, Default(), cfg)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{Epochs: 7, BatchSize: 32, LogDir: "/tmp/runs"})
	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, "/tmp/runs", cfg.LogDir)
	assert.Equal(t, int64(42), cfg.Seed)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"epochs":        func(c *Config) { c.Epochs = 0 },
		"batch size":    func(c *Config) { c.BatchSize = -1 },
		"classes":       func(c *Config) { c.NumClasses = 0 },
		"learning rate": func(c *Config) { c.LearningRate = 0 },
		"eval only":     func(c *Config) { c.EvalDir = "/data/test" },
		"device name":   func(c *Config) { c.Devices = []model.Device{{Capacity: 3}} },
		"class names":   func(c *Config) { c.ClassNames = make([]string, 11) },
		"report zero":   func(c *Config) { c.ReportEvery = 0 },
		"report neg":    func(c *Config) { c.ReportEvery = -5 },
		"eval batch":    func(c *Config) { c.EvalBatchSize = 0 },
	} {
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		assert.True(t, errdefs.IsConfiguration(err), name)
	}
}

func TestParseExplicitZeroIsRejected(t *testing.T) {
	cfg, err := Parse(strings.NewReader("report_every: 0\n"))
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report_every must be > 0 (got 0)")
	assert.Equal(t, 0, cfg.ReportEvery, "validate must not rewrite the value")

	cfg, err = Parse(strings.NewReader("epochs: 3\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.ReportEvery, "missing keys keep their default")
	assert.Equal(t, 64, cfg.EvalBatchSize)
}
