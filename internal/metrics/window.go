package metrics

import "time"

// Window accumulates loss and timing across the batches of one reporting
// window.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	steps   int
	lossSum float64
	last    float64
}

// Record adds one batch to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.last = loss
}

// Steps returns the number of batches recorded since the last reset.
func (w *Window) Steps() int { return w.steps }

// Mean returns the mean loss of the window without resetting it.
func (w *Window) Mean() float64 {
	if w.steps == 0 {
		return 0
	}
	return w.lossSum / float64(w.steps)
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{Steps: w.steps, MeanLoss: w.Mean(), LastLoss: w.last}
	total := w.data + w.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	w.Reset()
	return snap
}

// Reset clears the window.
func (w *Window) Reset() {
	*w = Window{}
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	Steps          int
	MeanLoss       float64
	LastLoss       float64
	ExamplesPerSec float64
	AvgDataMS      float64
	AvgComputeMS   float64
}
