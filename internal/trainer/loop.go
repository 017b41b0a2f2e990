package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"trainharness/internal/errdefs"
	"trainharness/internal/metrics"
	"trainharness/internal/model"
	"trainharness/internal/sink"
)

// Record names used by the loop.
const (
	LossMetric          = "training loss"
	PredictionsArtifact = "predictions vs. actuals"
)

// BatchSource yields the batches of one pass; Next returns io.EOF when
// the pass is exhausted and Reset starts another.
type BatchSource interface {
	Reset()
	Next(ctx context.Context) (model.Batch, error)
	NumBatches() int
}

// VisualizeFunc renders a PNG comparing the model's predictions on batch
// with the batch labels.
type VisualizeFunc func(batch model.Batch, m model.Model) ([]byte, error)

// Loop drives Epochs passes over Source. Every ReportEvery batches it
// emits the mean loss of those batches and, when Visualize is set, a
// prediction artifact for the current batch. A positive NumClasses is
// checked against the width of every output row.
type Loop struct {
	Model       model.Model
	Source      BatchSource
	Epochs      int
	ReportEvery int
	NumClasses  int
	Metrics     sink.MetricSink
	Artifacts   sink.ArtifactSink
	Visualize   VisualizeFunc
	Logger      *log.Logger
}

// Summary describes a finished run.
type Summary struct {
	Epochs       int
	Batches      int
	Reports      int
	LastMeanLoss float64
	SinkErrors   int
}

// Run executes the training workload. Sink failures are logged and
// counted; every other error aborts the run.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	if err := l.validate(); err != nil {
		return summary, err
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	numBatches := l.Source.NumBatches()
	var window metrics.Window

	for epoch := 0; epoch < l.Epochs; epoch++ {
		l.Source.Reset()
		window.Reset()
		for i := 0; ; i++ {
			step := epoch*numBatches + i
			if err := ctx.Err(); err != nil {
				return summary, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, i, err)
			}

			startData := time.Now()
			batch, err := l.Source.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return summary, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, i, err)
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			loss, err := l.trainBatch(batch, step)
			if err != nil {
				return summary, fmt.Errorf("trainer: epoch %d batch %d: %w", epoch, i, err)
			}
			computeTime := time.Since(startCompute)

			window.Record(batch.Len(), dataTime, computeTime, loss)
			summary.Batches++

			if i%l.ReportEvery == l.ReportEvery-1 {
				snap := window.Snapshot()
				logger.Printf("epoch=%d batch=%d step=%d loss=%.4f examples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
					epoch+1,
					i+1,
					step,
					snap.MeanLoss,
					snap.ExamplesPerSec,
					snap.AvgDataMS,
					snap.AvgComputeMS,
				)
				summary.Reports++
				summary.LastMeanLoss = snap.MeanLoss
				summary.SinkErrors += l.report(logger, batch, snap.MeanLoss, step)
			}
		}
		summary.Epochs++
	}
	return summary, nil
}

func (l *Loop) validate() error {
	switch {
	case l.Model == nil:
		return errdefs.Configuration("model", "must not be nil")
	case l.Source == nil:
		return errdefs.Configuration("source", "must not be nil")
	case l.Epochs <= 0:
		return errdefs.Configuration("epochs", "must be > 0 (got %d)", l.Epochs)
	case l.ReportEvery <= 0:
		return errdefs.Configuration("report_every", "must be > 0 (got %d)", l.ReportEvery)
	}
	return nil
}

func (l *Loop) trainBatch(batch model.Batch, step int) (float64, error) {
	out, err := l.Model.Forward(batch.Inputs)
	if err != nil {
		return 0, err
	}
	if err := checkWidth(out, batch.Len(), l.NumClasses, step); err != nil {
		return 0, err
	}
	loss, err := l.Model.ComputeLoss(out, batch.Labels)
	if err != nil {
		return 0, err
	}
	if err := l.Model.Backward(loss); err != nil {
		return 0, err
	}
	l.Model.Step()
	return loss, nil
}

// report emits the window's records and returns the number of failures.
func (l *Loop) report(logger *log.Logger, batch model.Batch, meanLoss float64, step int) int {
	failures := 0
	if l.Metrics != nil {
		if err := l.Metrics.WriteScalar(LossMetric, meanLoss, step); err != nil {
			failures++
			logSinkError(logger, "metrics", LossMetric, err)
		}
	}
	if l.Visualize == nil || l.Artifacts == nil {
		return failures
	}
	png, err := l.Visualize(batch, l.Model)
	if err == nil {
		err = l.Artifacts.WriteImage(PredictionsArtifact, png, step)
	}
	if err != nil {
		failures++
		logSinkError(logger, "artifacts", PredictionsArtifact, err)
	}
	return failures
}

func logSinkError(logger *log.Logger, kind, name string, err error) {
	if !errdefs.IsSinkWrite(err) {
		err = &errdefs.SinkWriteError{Sink: kind, Name: name, Err: err}
	}
	logger.Printf("sink_error %v", err)
}

func checkWidth(out [][]float64, rows, numClasses, step int) error {
	if len(out) != rows {
		return fmt.Errorf("model returned %d rows for %d inputs", len(out), rows)
	}
	if numClasses <= 0 {
		return nil
	}
	for _, row := range out {
		if len(row) != numClasses {
			return &errdefs.ShapeMismatchError{Want: numClasses, Got: len(row), Batch: step}
		}
	}
	return nil
}
