package trainer

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trainharness/internal/dataset"
	"trainharness/internal/errdefs"
	"trainharness/internal/model"
	"trainharness/internal/sink"
)

// scriptedModel returns preset losses and records what it was asked to do.
type scriptedModel struct {
	width    int
	losses   []float64
	sizes    []int
	calls    int
	backward int
	steps    int
}

func (m *scriptedModel) Forward(inputs [][]float64) ([][]float64, error) {
	m.sizes = append(m.sizes, len(inputs))
	out := make([][]float64, len(inputs))
	for i := range out {
		out[i] = make([]float64, m.width)
	}
	return out, nil
}

func (m *scriptedModel) ComputeLoss(_ [][]float64, _ []int) (float64, error) {
	loss := m.losses[m.calls%len(m.losses)]
	m.calls++
	return loss, nil
}

func (m *scriptedModel) Backward(float64) error {
	m.backward++
	return nil
}

func (m *scriptedModel) Step() { m.steps++ }

func sequential(t *testing.T, n int) *dataset.InMemory {
	t.Helper()
	examples := make([]dataset.Example, n)
	for i := range examples {
		examples[i] = dataset.Example{Features: []float64{float64(i), 1, 0, -1}, Label: i % 2}
	}
	return dataset.NewInMemory(examples)
}

func newIterator(t *testing.T, ds dataset.Dataset, batchSize int, shuffle bool) *dataset.Iterator {
	t.Helper()
	it, err := dataset.NewIterator(ds, batchSize, shuffle, 1)
	require.NoError(t, err)
	return it
}

func quietLogger() (*log.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return log.New(buf, "", 0), buf
}

func TestLoopReportsWindowMean(t *testing.T) {
	m := &scriptedModel{width: 2, losses: []float64{1.0, 2.0, 3.0}}
	rec := &sink.Recorder{}
	logger, _ := quietLogger()
	loop := &Loop{
		Model:       m,
		Source:      newIterator(t, sequential(t, 10), 4, false),
		Epochs:      1,
		ReportEvery: 3,
		NumClasses:  2,
		Metrics:     rec,
		Logger:      logger,
	}

	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 2}, m.sizes)
	assert.Equal(t, 3, m.backward)
	assert.Equal(t, 3, m.steps)
	require.Len(t, rec.Scalars, 1)
	assert.Equal(t, LossMetric, rec.Scalars[0].Name)
	assert.InDelta(t, 2.0, rec.Scalars[0].Value, 1e-6)
	assert.Equal(t, 2, rec.Scalars[0].Step)
	assert.Equal(t, Summary{Epochs: 1, Batches: 3, Reports: 1, LastMeanLoss: 2.0}, summary)
}

func TestLoopStepIndexAcrossEpochs(t *testing.T) {
	m := &scriptedModel{width: 2, losses: []float64{1, 3}}
	rec := &sink.Recorder{}
	logger, _ := quietLogger()
	loop := &Loop{
		Model:       m,
		Source:      newIterator(t, sequential(t, 8), 2, true),
		Epochs:      3,
		ReportEvery: 2,
		Metrics:     rec,
		Logger:      logger,
	}
	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Batches)
	var steps []int
	for _, s := range rec.Scalars {
		steps = append(steps, s.Step)
		assert.InDelta(t, 2.0, s.Value, 1e-6)
	}
	assert.Equal(t, []int{1, 3, 5, 7, 9, 11}, steps)
}

func TestLoopSinkFailuresDoNotAbort(t *testing.T) {
	m := &scriptedModel{width: 2, losses: []float64{0.5}}
	failing := &sink.Recorder{Err: errors.New("disk full")}
	logger, logs := quietLogger()
	loop := &Loop{
		Model:       m,
		Source:      newIterator(t, sequential(t, 6), 1, false),
		Epochs:      2,
		ReportEvery: 2,
		Metrics:     failing,
		Artifacts:   failing,
		Visualize:   func(model.Batch, model.Model) ([]byte, error) { return []byte("png"), nil },
		Logger:      logger,
	}
	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Batches)
	assert.Equal(t, 6, summary.Reports)
	assert.Equal(t, 12, summary.SinkErrors)
	assert.Contains(t, logs.String(), "sink_error sink metrics: write \"training loss\": disk full")
}

func TestLoopConfigurationErrors(t *testing.T) {
	m := &scriptedModel{width: 2, losses: []float64{1}}
	src := newIterator(t, sequential(t, 4), 2, false)
	for name, loop := range map[string]*Loop{
		"epochs":   {Model: m, Source: src, Epochs: 0, ReportEvery: 1},
		"report":   {Model: m, Source: src, Epochs: 1, ReportEvery: 0},
		"model":    {Source: src, Epochs: 1, ReportEvery: 1},
		"iterator": {Model: m, Epochs: 1, ReportEvery: 1},
	} {
		_, err := loop.Run(context.Background())
		assert.True(t, errdefs.IsConfiguration(err), name)
	}
	assert.Empty(t, m.sizes, "no batch may run")
}

func TestLoopShapeMismatchAborts(t *testing.T) {
	m := &scriptedModel{width: 2, losses: []float64{1}}
	logger, _ := quietLogger()
	loop := &Loop{
		Model:       m,
		Source:      newIterator(t, sequential(t, 4), 2, false),
		Epochs:      1,
		ReportEvery: 1,
		NumClasses:  3,
		Logger:      logger,
	}
	_, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsShapeMismatch(err))
	assert.Len(t, m.sizes, 1)
	assert.Zero(t, m.steps)
}

func TestLoopDeviceExhaustionIsFatal(t *testing.T) {
	dp, err := model.NewDataParallel(model.NewLinear(2, 4, 0.1, 1), []model.Device{
		{Name: "gpu0", Capacity: 2},
		{Name: "gpu1", Capacity: 2},
	})
	require.NoError(t, err)
	logger, _ := quietLogger()
	loop := &Loop{
		Model:       dp,
		Source:      newIterator(t, sequential(t, 12), 6, false),
		Epochs:      1,
		ReportEvery: 1,
		Logger:      logger,
	}
	summary, err := loop.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsDeviceResource(err))
	assert.Zero(t, summary.Batches)
}

func TestLoopStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	logger, _ := quietLogger()
	loop := &Loop{
		Model:       &scriptedModel{width: 2, losses: []float64{1}},
		Source:      newIterator(t, sequential(t, 4), 2, false),
		Epochs:      1,
		ReportEvery: 1,
		Logger:      logger,
	}
	_, err := loop.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoopTrainsLinearModel(t *testing.T) {
	ds, err := dataset.Gaussian(400, 8, 3, 4)
	require.NoError(t, err)
	it, err := dataset.NewIterator(ds, 8, true, 4)
	require.NoError(t, err)
	src := dataset.NewPrefetcher(it, 2, 4)
	defer src.Close()

	rec := &sink.Recorder{}
	logger, _ := quietLogger()
	loop := &Loop{
		Model:       model.NewLinear(3, 8, 0.1, 4),
		Source:      src,
		Epochs:      3,
		ReportEvery: 25,
		NumClasses:  3,
		Metrics:     rec,
		Artifacts:   rec,
		Visualize:   ImageGrid(4),
		Logger:      logger,
	}
	summary, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 150, summary.Batches)
	require.Len(t, rec.Scalars, 6)
	assert.Less(t, rec.Scalars[5].Value, rec.Scalars[0].Value)

	require.Len(t, rec.Images, 6)
	assert.Equal(t, PredictionsArtifact, rec.Images[0].Name)
	img, err := png.Decode(bytes.NewReader(rec.Images[0].PNG))
	require.NoError(t, err)
	assert.Equal(t, 4*(3+2), img.Bounds().Dx())
}

// cancellingModel cancels the run once after steps batches have trained.
type cancellingModel struct {
	scriptedModel
	after  int
	cancel context.CancelFunc
}

func (m *cancellingModel) Step() {
	m.scriptedModel.Step()
	if m.steps == m.after {
		m.cancel()
	}
}

func TestLoopCancelledMidEpochWithPrefetcher(t *testing.T) {
	for run := 0; run < 20; run++ {
		it := newIterator(t, sequential(t, 40), 4, false)
		src := dataset.NewPrefetcher(it, 2, 2)

		ctx, cancel := context.WithCancel(context.Background())
		m := &cancellingModel{scriptedModel: scriptedModel{width: 2, losses: []float64{1}}, after: 1, cancel: cancel}
		logger, _ := quietLogger()
		loop := &Loop{
			Model:       m,
			Source:      src,
			Epochs:      1,
			ReportEvery: 1,
			Logger:      logger,
		}
		summary, err := loop.Run(ctx)
		require.Error(t, err, "run %d", run)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, summary.Batches)
		assert.Zero(t, summary.Epochs)
		src.Close()
	}
}
