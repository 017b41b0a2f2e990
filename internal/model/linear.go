package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"trainharness/internal/errdefs"
)

// Linear is a softmax classifier over flat feature vectors trained with
// plain SGD.
type Linear struct {
	numClasses int
	inputSize  int
	lr         float64

	// weights and bias are shared with replicas.
	weights *mat.Dense
	bias    []float64

	gradW    *mat.Dense
	gradB    []float64
	hasGrads bool

	inputs    *mat.Dense
	dLogits   *mat.Dense
	suspended bool
}

// NewLinear constructs the model with small random weights.
func NewLinear(numClasses, inputSize int, lr float64, seed int64) *Linear {
	if numClasses <= 0 {
		numClasses = 10
	}
	if inputSize <= 0 {
		inputSize = 64
	}
	if lr <= 0 {
		lr = 0.01
	}
	rng := rand.New(rand.NewSource(seed))
	raw := make([]float64, numClasses*inputSize)
	for i := range raw {
		raw[i] = (rng.Float64()*2 - 1) * 0.01
	}
	return &Linear{
		numClasses: numClasses,
		inputSize:  inputSize,
		lr:         lr,
		weights:    mat.NewDense(numClasses, inputSize, raw),
		bias:       make([]float64, numClasses),
		gradW:      mat.NewDense(numClasses, inputSize, nil),
		gradB:      make([]float64, numClasses),
	}
}

// NumClasses returns the output width.
func (m *Linear) NumClasses() int { return m.numClasses }

// InputSize returns the expected feature count per example.
func (m *Linear) InputSize() int { return m.inputSize }

// Forward computes logits and keeps the inputs for Backward unless
// gradients are suspended.
func (m *Linear) Forward(inputs [][]float64) ([][]float64, error) {
	x, err := m.pack(inputs)
	if err != nil {
		return nil, err
	}
	if x == nil {
		return [][]float64{}, nil
	}
	if !m.suspended {
		m.inputs = x
		m.dLogits = nil
	}
	return m.logits(x), nil
}

// Scores computes logits without touching the backward state.
func (m *Linear) Scores(inputs [][]float64) ([][]float64, error) {
	x, err := m.pack(inputs)
	if err != nil {
		return nil, err
	}
	if x == nil {
		return [][]float64{}, nil
	}
	return m.logits(x), nil
}

// ComputeLoss returns the mean softmax cross-entropy and caches the
// logit gradient.
func (m *Linear) ComputeLoss(predictions [][]float64, labels []int) (float64, error) {
	if len(predictions) != len(labels) {
		return 0, fmt.Errorf("linear: %d predictions for %d labels", len(predictions), len(labels))
	}
	if len(predictions) == 0 {
		return 0, nil
	}
	n := len(predictions)
	grad := mat.NewDense(n, m.numClasses, nil)
	total := 0.0
	for i, row := range predictions {
		if len(row) != m.numClasses {
			return 0, &errdefs.ShapeMismatchError{Want: m.numClasses, Got: len(row), Batch: -1}
		}
		label := labels[i]
		if label < 0 || label >= m.numClasses {
			return 0, fmt.Errorf("linear: label %d out of range [0, %d)", label, m.numClasses)
		}
		probs := Softmax(row)
		total += -math.Log(math.Max(probs[label], 1e-9))
		probs[label] -= 1
		for c, p := range probs {
			grad.Set(i, c, p/float64(n))
		}
	}
	if !m.suspended {
		m.dLogits = grad
	}
	return total / float64(n), nil
}

// Backward accumulates weight and bias gradients for the last
// Forward/ComputeLoss pair.
func (m *Linear) Backward(loss float64) error {
	if m.suspended {
		return errors.New("linear: backward while gradients are suspended")
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return fmt.Errorf("linear: non-finite loss %v", loss)
	}
	if m.inputs == nil || m.dLogits == nil {
		return errors.New("linear: backward without forward and loss")
	}
	var gw mat.Dense
	gw.Mul(m.dLogits.T(), m.inputs)
	m.gradW.Add(m.gradW, &gw)
	rows, _ := m.dLogits.Dims()
	for i := 0; i < rows; i++ {
		for c := 0; c < m.numClasses; c++ {
			m.gradB[c] += m.dLogits.At(i, c)
		}
	}
	m.hasGrads = true
	m.inputs = nil
	m.dLogits = nil
	return nil
}

// Step applies accumulated gradients and clears them.
func (m *Linear) Step() {
	if !m.hasGrads {
		return
	}
	var delta mat.Dense
	delta.Scale(-m.lr, m.gradW)
	m.weights.Add(m.weights, &delta)
	for c := range m.bias {
		m.bias[c] -= m.lr * m.gradB[c]
	}
	m.zeroGrad()
}

// SuspendGradients disables backward bookkeeping until resume is called.
func (m *Linear) SuspendGradients() func() {
	prev := m.suspended
	m.suspended = true
	m.inputs = nil
	m.dLogits = nil
	return func() { m.suspended = prev }
}

// Replicate returns a model sharing this model's parameters with its own
// gradient buffers and backward state.
func (m *Linear) Replicate() Model {
	return &Linear{
		numClasses: m.numClasses,
		inputSize:  m.inputSize,
		lr:         m.lr,
		weights:    m.weights,
		bias:       m.bias,
		gradW:      mat.NewDense(m.numClasses, m.inputSize, nil),
		gradB:      make([]float64, m.numClasses),
		suspended:  m.suspended,
	}
}

// AbsorbGradients adds scale times the replica's gradients to m and
// clears them on the replica.
func (m *Linear) AbsorbGradients(from Model, scale float64) error {
	src, ok := from.(*Linear)
	if !ok {
		return fmt.Errorf("linear: cannot absorb gradients from %T", from)
	}
	if src.numClasses != m.numClasses || src.inputSize != m.inputSize {
		return &errdefs.ShapeMismatchError{Want: m.numClasses, Got: src.numClasses, Batch: -1}
	}
	if !src.hasGrads {
		return nil
	}
	var scaled mat.Dense
	scaled.Scale(scale, src.gradW)
	m.gradW.Add(m.gradW, &scaled)
	for c := range m.gradB {
		m.gradB[c] += scale * src.gradB[c]
	}
	m.hasGrads = true
	src.zeroGrad()
	return nil
}

// Describe reports the layer structure.
func (m *Linear) Describe() Graph {
	return Graph{
		Name: "Linear",
		Nodes: []Node{
			{Name: "input", Op: "Input", Shape: []int{-1, m.inputSize}},
			{Name: "fc", Op: "MatMulAdd", Inputs: []string{"input"}, Shape: []int{m.numClasses, m.inputSize}},
			{Name: "scores", Op: "Output", Inputs: []string{"fc"}, Shape: []int{-1, m.numClasses}},
		},
	}
}

func (m *Linear) zeroGrad() {
	m.gradW.Zero()
	for c := range m.gradB {
		m.gradB[c] = 0
	}
	m.hasGrads = false
}

func (m *Linear) pack(inputs [][]float64) (*mat.Dense, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	flat := make([]float64, 0, len(inputs)*m.inputSize)
	for i, row := range inputs {
		if len(row) != m.inputSize {
			return nil, fmt.Errorf("linear: input row %d has %d features, want %d", i, len(row), m.inputSize)
		}
		flat = append(flat, row...)
	}
	return mat.NewDense(len(inputs), m.inputSize, flat), nil
}

func (m *Linear) logits(x *mat.Dense) [][]float64 {
	var z mat.Dense
	z.Mul(x, m.weights.T())
	rows, _ := z.Dims()
	out := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		row := make([]float64, m.numClasses)
		for c := 0; c < m.numClasses; c++ {
			row[c] = z.At(i, c) + m.bias[c]
		}
		out[i] = row
	}
	return out
}
