package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Batch represents a minibatch of features and labels. Indices holds the
// dataset position of each row.
type Batch struct {
	Inputs  [][]float64
	Labels  []int
	Indices []int
}

// Len returns the number of examples in the batch.
func (b Batch) Len() int { return len(b.Inputs) }

// Model is the training face of a classifier. Backward accumulates
// gradients for the most recent Forward/ComputeLoss pair and Step applies
// and clears them.
type Model interface {
	Forward(inputs [][]float64) ([][]float64, error)
	ComputeLoss(predictions [][]float64, labels []int) (float64, error)
	Backward(loss float64) error
	Step()
}

// Scorer produces raw class scores without recording anything for a
// later backward pass.
type Scorer interface {
	Scores(inputs [][]float64) ([][]float64, error)
}

// GradientTracker is implemented by models that can suspend gradient
// bookkeeping. The returned func restores the previous state.
type GradientTracker interface {
	SuspendGradients() (resume func())
}

// Describer exposes a structure descriptor for graph introspection.
type Describer interface {
	Describe() Graph
}

// Graph is a flat description of a model's layers.
type Graph struct {
	Name  string `json:"name"`
	Nodes []Node `json:"nodes"`
}

// Node is one layer in a Graph.
type Node struct {
	Name   string   `json:"name"`
	Op     string   `json:"op"`
	Inputs []string `json:"inputs,omitempty"`
	Shape  []int    `json:"shape,omitempty"`
}

// Softmax returns a probability vector for logits. The input is not modified.
func Softmax(logits []float64) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxLogit := floats.Max(logits)
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
	}
	floats.Scale(1/floats.Sum(out), out)
	return out
}

// Argmax returns the index of the largest value, preferring the lowest
// index on ties. It returns -1 for an empty slice.
func Argmax(values []float64) int {
	if len(values) == 0 {
		return -1
	}
	return floats.MaxIdx(values)
}
