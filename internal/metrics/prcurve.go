package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultThresholds matches the dashboard's default PR curve resolution.
const DefaultThresholds = 127

// PRCurve holds per-threshold confusion counts and the derived precision
// and recall. Entry i corresponds to threshold i/(n-1).
type PRCurve struct {
	Thresholds     []float64 `json:"thresholds"`
	TruePositives  []float64 `json:"tp"`
	FalsePositives []float64 `json:"fp"`
	TrueNegatives  []float64 `json:"tn"`
	FalseNegatives []float64 `json:"fn"`
	Precision      []float64 `json:"precision"`
	Recall         []float64 `json:"recall"`
}

// ComputePRCurve sweeps n evenly spaced thresholds over [0, 1]. An
// example counts as a positive prediction at threshold t when its
// probability, bucketed to the threshold grid, is at least t.
func ComputePRCurve(truth []bool, probs []float64, n int) (PRCurve, error) {
	if len(truth) != len(probs) {
		return PRCurve{}, fmt.Errorf("prcurve: %d labels for %d probabilities", len(truth), len(probs))
	}
	if n < 2 {
		n = DefaultThresholds
	}
	posHist := make([]float64, n)
	negHist := make([]float64, n)
	for i, p := range probs {
		if math.IsNaN(p) {
			return PRCurve{}, fmt.Errorf("prcurve: probability %d is NaN", i)
		}
		bucket := int(math.Floor(math.Max(0, math.Min(1, p)) * float64(n-1)))
		if truth[i] {
			posHist[bucket]++
		} else {
			negHist[bucket]++
		}
	}
	tp := reverseCumSum(posHist)
	fp := reverseCumSum(negHist)
	totalPos := floats.Sum(posHist)
	totalNeg := floats.Sum(negHist)

	c := PRCurve{
		Thresholds:     make([]float64, n),
		TruePositives:  tp,
		FalsePositives: fp,
		TrueNegatives:  make([]float64, n),
		FalseNegatives: make([]float64, n),
		Precision:      make([]float64, n),
		Recall:         make([]float64, n),
	}
	floats.Span(c.Thresholds, 0, 1)
	for i := 0; i < n; i++ {
		c.TrueNegatives[i] = totalNeg - fp[i]
		c.FalseNegatives[i] = totalPos - tp[i]
		c.Precision[i] = tp[i] / math.Max(1, tp[i]+fp[i])
		c.Recall[i] = tp[i] / math.Max(1, tp[i]+c.FalseNegatives[i])
	}
	return c, nil
}

func reverseCumSum(hist []float64) []float64 {
	rev := make([]float64, len(hist))
	for i, v := range hist {
		rev[len(hist)-1-i] = v
	}
	floats.CumSum(rev, rev)
	out := make([]float64, len(hist))
	for i, v := range rev {
		out[len(hist)-1-i] = v
	}
	return out
}
