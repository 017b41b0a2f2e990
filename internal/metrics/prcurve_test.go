package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePRCurve(t *testing.T) {
	truth := []bool{true, true, false, false}
	probs := []float64{0.9, 0.4, 0.6, 0.1}

	c, err := ComputePRCurve(truth, probs, 11)
	require.NoError(t, err)
	require.Len(t, c.Thresholds, 11)
	assert.Equal(t, 0.0, c.Thresholds[0])
	assert.Equal(t, 1.0, c.Thresholds[10])

	// Threshold 0 accepts everything.
	assert.Equal(t, 2.0, c.TruePositives[0])
	assert.Equal(t, 2.0, c.FalsePositives[0])
	assert.InDelta(t, 0.5, c.Precision[0], 1e-12)
	assert.InDelta(t, 1.0, c.Recall[0], 1e-12)

	// Threshold 0.5 keeps 0.9 and 0.6.
	assert.Equal(t, 1.0, c.TruePositives[5])
	assert.Equal(t, 1.0, c.FalsePositives[5])
	assert.Equal(t, 1.0, c.TrueNegatives[5])
	assert.Equal(t, 1.0, c.FalseNegatives[5])

	// Threshold 0.7 keeps only 0.9.
	assert.InDelta(t, 1.0, c.Precision[7], 1e-12)
	assert.InDelta(t, 0.5, c.Recall[7], 1e-12)

	for i := 1; i < len(c.Recall); i++ {
		assert.LessOrEqual(t, c.Recall[i], c.Recall[i-1])
	}
}

func TestComputePRCurveDefaultsAndErrors(t *testing.T) {
	c, err := ComputePRCurve([]bool{true}, []float64{1}, 0)
	require.NoError(t, err)
	assert.Len(t, c.Precision, DefaultThresholds)
	assert.Equal(t, 1.0, c.TruePositives[DefaultThresholds-1])

	_, err = ComputePRCurve([]bool{true}, []float64{0.1, 0.2}, 10)
	assert.Error(t, err)
}
