package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"trainharness/internal/errdefs"
	"trainharness/internal/metrics"
	"trainharness/internal/model"
	"trainharness/internal/sink"
)

// PredictionRecord is the evaluation result for one example; Index is
// the example's dataset position.
type PredictionRecord struct {
	Index     int
	Probs     []float64
	Predicted int
	Label     int
}

// Evaluator runs a held-out pass without updating the model.
type Evaluator struct {
	Model      model.Scorer
	Source     BatchSource
	NumClasses int
	Logger     *log.Logger
}

// Run scores every batch of one pass and returns the collected records in
// iteration order. Gradient tracking is suspended while it runs when the
// model supports it.
func (e *Evaluator) Run(ctx context.Context) (*Aggregate, error) {
	switch {
	case e.Model == nil:
		return nil, errdefs.Configuration("model", "must not be nil")
	case e.Source == nil:
		return nil, errdefs.Configuration("source", "must not be nil")
	case e.NumClasses <= 0:
		return nil, errdefs.Configuration("num_classes", "must be > 0 (got %d)", e.NumClasses)
	}
	if gt, ok := e.Model.(model.GradientTracker); ok {
		defer gt.SuspendGradients()()
	}

	agg := &Aggregate{numClasses: e.NumClasses}
	e.Source.Reset()
	for b := 0; ; b++ {
		batch, err := e.Source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("evaluate: batch %d: %w", b, err)
		}
		scores, err := e.Model.Scores(batch.Inputs)
		if err != nil {
			return nil, fmt.Errorf("evaluate: batch %d: %w", b, err)
		}
		if err := checkWidth(scores, batch.Len(), e.NumClasses, b); err != nil {
			return nil, fmt.Errorf("evaluate: %w", err)
		}
		for i, row := range scores {
			probs := model.Softmax(row)
			index := len(agg.records)
			if batch.Indices != nil {
				index = batch.Indices[i]
			}
			agg.records = append(agg.records, PredictionRecord{
				Index:     index,
				Probs:     probs,
				Predicted: model.Argmax(probs),
				Label:     batch.Labels[i],
			})
		}
	}
	if e.Logger != nil {
		e.Logger.Printf("evaluate examples=%d accuracy=%.4f", agg.Len(), agg.Accuracy())
	}
	return agg, nil
}

// Aggregate holds the records of one evaluation pass.
type Aggregate struct {
	numClasses int
	records    []PredictionRecord
}

// Len returns the number of evaluated examples.
func (a *Aggregate) Len() int { return len(a.records) }

// NumClasses returns the class count the records were scored against.
func (a *Aggregate) NumClasses() int { return a.numClasses }

// Records returns the records in iteration order. Callers must not modify them.
func (a *Aggregate) Records() []PredictionRecord { return a.records }

// ClassVectors returns, for every example, whether class c was predicted
// and the probability assigned to c.
func (a *Aggregate) ClassVectors(c int) ([]bool, []float64, error) {
	return a.vectors(c, func(r PredictionRecord) bool { return r.Predicted == c })
}

// TruthVectors is ClassVectors with the true label in place of the
// prediction.
func (a *Aggregate) TruthVectors(c int) ([]bool, []float64, error) {
	return a.vectors(c, func(r PredictionRecord) bool { return r.Label == c })
}

func (a *Aggregate) vectors(c int, match func(PredictionRecord) bool) ([]bool, []float64, error) {
	if c < 0 || c >= a.numClasses {
		return nil, nil, errdefs.Configuration("class", "%d out of range [0, %d)", c, a.numClasses)
	}
	hits := make([]bool, len(a.records))
	probs := make([]float64, len(a.records))
	for i, r := range a.records {
		hits[i] = match(r)
		probs[i] = r.Probs[c]
	}
	return hits, probs, nil
}

// Accuracy returns the share of records whose prediction equals the label.
func (a *Aggregate) Accuracy() float64 {
	if len(a.records) == 0 {
		return 0
	}
	correct := 0
	for _, r := range a.records {
		if r.Predicted == r.Label {
			correct++
		}
	}
	return float64(correct) / float64(len(a.records))
}

// PublishPRCurves writes one precision-recall curve per class, built from
// ClassVectors, under "pr/<class name>". names may be shorter than the
// class count; missing names fall back to the class index. Every class is
// attempted and the failures are joined.
func (a *Aggregate) PublishPRCurves(s sink.ArtifactSink, names []string, thresholds, step int) error {
	var errs []error
	for c := 0; c < a.numClasses; c++ {
		name := className(names, c)
		hits, probs, err := a.ClassVectors(c)
		if err != nil {
			return err
		}
		curve, err := metrics.ComputePRCurve(hits, probs, thresholds)
		if err != nil {
			return err
		}
		if err := s.WritePRCurve("pr/"+name, curve, step); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
