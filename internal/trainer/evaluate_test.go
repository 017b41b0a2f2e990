package trainer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"trainharness/internal/errdefs"
	"trainharness/internal/model"
	"trainharness/internal/sink"
)

// firstFeatureScorer scores class 0 with the first feature and class 1
// with its negation. It records whether gradients were suspended while
// scoring.
type firstFeatureScorer struct {
	width     int
	suspended bool
	sawActive bool
}

func (s *firstFeatureScorer) Scores(inputs [][]float64) ([][]float64, error) {
	if !s.suspended {
		s.sawActive = true
	}
	out := make([][]float64, len(inputs))
	for i, in := range inputs {
		row := make([]float64, s.width)
		row[0] = in[0]
		if s.width > 1 {
			row[1] = -in[0]
		}
		out[i] = row
	}
	return out, nil
}

func (s *firstFeatureScorer) SuspendGradients() func() {
	s.suspended = true
	return func() { s.suspended = false }
}

type constantScorer []float64

func (c constantScorer) Scores(inputs [][]float64) ([][]float64, error) {
	out := make([][]float64, len(inputs))
	for i := range out {
		out[i] = append([]float64(nil), c...)
	}
	return out, nil
}

func TestEvaluatorPreservesOrder(t *testing.T) {
	scorer := &firstFeatureScorer{width: 2}
	ev := &Evaluator{
		Model:      scorer,
		Source:     newIterator(t, sequential(t, 10), 3, false),
		NumClasses: 2,
	}
	agg, err := ev.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, agg.Len())
	assert.False(t, scorer.sawActive, "gradients must be suspended while scoring")
	assert.False(t, scorer.suspended, "gradients must be restored afterwards")

	for i, r := range agg.Records() {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, i%2, r.Label)
		assert.InDelta(t, 1.0, floats.Sum(r.Probs), 1e-5)
		for _, p := range r.Probs {
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 1.0)
		}
		assert.Equal(t, model.Argmax(r.Probs), r.Predicted)
	}
	// Example 0 scores 0 for both classes and the tie goes to class 0.
	assert.Equal(t, 0, agg.Records()[0].Predicted)
	assert.Equal(t, 0, agg.Records()[5].Predicted)
}

func TestEvaluatorShuffledIndices(t *testing.T) {
	ev := &Evaluator{
		Model:      &firstFeatureScorer{width: 2},
		Source:     newIterator(t, sequential(t, 9), 4, true),
		NumClasses: 2,
	}
	agg, err := ev.Run(context.Background())
	require.NoError(t, err)
	seen := map[int]bool{}
	for _, r := range agg.Records() {
		assert.Equal(t, r.Index%2, r.Label)
		seen[r.Index] = true
	}
	assert.Len(t, seen, 9)
}

func TestEvaluatorTieBreak(t *testing.T) {
	ev := &Evaluator{
		Model:      constantScorer{0.5, 0.5},
		Source:     newIterator(t, sequential(t, 3), 2, false),
		NumClasses: 2,
	}
	agg, err := ev.Run(context.Background())
	require.NoError(t, err)
	for _, r := range agg.Records() {
		assert.Equal(t, 0, r.Predicted)
		assert.InDeltaSlice(t, []float64{0.5, 0.5}, r.Probs, 1e-12)
	}
}

func TestEvaluatorShapeMismatch(t *testing.T) {
	ev := &Evaluator{
		Model:      constantScorer{0.1, 0.2, 0.7},
		Source:     newIterator(t, sequential(t, 3), 2, false),
		NumClasses: 10,
	}
	_, err := ev.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsShapeMismatch(err))

	_, err = (&Evaluator{Model: constantScorer{1}, Source: ev.Source}).Run(context.Background())
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestAggregateClassVectors(t *testing.T) {
	ev := &Evaluator{
		Model:      &firstFeatureScorer{width: 2},
		Source:     newIterator(t, sequential(t, 4), 4, false),
		NumClasses: 2,
	}
	agg, err := ev.Run(context.Background())
	require.NoError(t, err)

	predicted, probs, err := agg.ClassVectors(0)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, true}, predicted)
	require.Len(t, probs, 4)
	assert.InDelta(t, 0.5, probs[0], 1e-12)
	assert.Greater(t, probs[3], probs[1])

	predicted, _, err = agg.ClassVectors(1)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, false, false}, predicted)

	truth, _, err := agg.TruthVectors(1)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true}, truth)
	assert.InDelta(t, 0.5, agg.Accuracy(), 1e-12)

	_, _, err = agg.ClassVectors(2)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestAggregatePublishPRCurves(t *testing.T) {
	ev := &Evaluator{
		Model:      &firstFeatureScorer{width: 2},
		Source:     newIterator(t, sequential(t, 6), 4, false),
		NumClasses: 2,
	}
	agg, err := ev.Run(context.Background())
	require.NoError(t, err)

	rec := &sink.Recorder{}
	require.NoError(t, agg.PublishPRCurves(rec, []string{"T-shirt/top"}, 11, 0))
	require.Len(t, rec.Curves, 2)
	assert.Contains(t, rec.Curves, "pr/T-shirt/top")
	assert.Contains(t, rec.Curves, "pr/1")
	assert.Len(t, rec.Curves["pr/1"].Precision, 11)
}

func TestEvaluatorLeavesLinearModelUntouched(t *testing.T) {
	m := model.NewLinear(2, 4, 0.5, 3)
	it := newIterator(t, sequential(t, 8), 3, false)
	before, err := m.Scores([][]float64{{1, 2, 3, 4}})
	require.NoError(t, err)

	_, err = (&Evaluator{Model: m, Source: it, NumClasses: 2}).Run(context.Background())
	require.NoError(t, err)

	after, err := m.Scores([][]float64{{1, 2, 3, 4}})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	out, err := m.Forward([][]float64{{1, 2, 3, 4}})
	require.NoError(t, err)
	loss, err := m.ComputeLoss(out, []int{1})
	require.NoError(t, err)
	assert.NoError(t, m.Backward(loss), "gradients restored after evaluation")
}
