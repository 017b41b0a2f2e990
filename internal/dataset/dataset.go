package dataset

import (
	"fmt"
	"math/rand"

	"trainharness/internal/errdefs"
)

// Example is one labelled input.
type Example struct {
	Key      string
	Features []float64
	Label    int
}

// Dataset is an indexed collection of examples. At must be safe for
// concurrent use when the dataset feeds a Prefetcher.
type Dataset interface {
	Len() int
	At(i int) (Example, error)
}

// InMemory is a Dataset backed by a slice.
type InMemory struct {
	examples []Example
}

// NewInMemory wraps examples without copying them.
func NewInMemory(examples []Example) *InMemory {
	return &InMemory{examples: examples}
}

func (d *InMemory) Len() int { return len(d.examples) }

func (d *InMemory) At(i int) (Example, error) {
	if i < 0 || i >= len(d.examples) {
		return Example{}, fmt.Errorf("dataset: index %d out of range [0, %d)", i, len(d.examples))
	}
	return d.examples[i], nil
}

// NumClasses returns one more than the largest label.
func (d *InMemory) NumClasses() int {
	n := 0
	for _, ex := range d.examples {
		if ex.Label+1 > n {
			n = ex.Label + 1
		}
	}
	return n
}

// Split returns the leading (1-ratio) share of the examples and the rest.
func (d *InMemory) Split(ratio float64) (*InMemory, *InMemory, error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, errdefs.Configuration("split ratio", "must be in (0, 1) (got %v)", ratio)
	}
	cut := int(float64(len(d.examples)) * (1 - ratio))
	return NewInMemory(d.examples[:cut]), NewInMemory(d.examples[cut:]), nil
}

// Gaussian draws n examples from a mixture of numClasses isotropic
// Gaussians in dim dimensions. The same seed yields the same dataset.
func Gaussian(n, dim, numClasses int, seed int64) (*InMemory, error) {
	switch {
	case n <= 0:
		return nil, errdefs.Configuration("synthetic_examples", "must be > 0 (got %d)", n)
	case dim <= 0:
		return nil, errdefs.Configuration("input_dim", "must be > 0 (got %d)", dim)
	case numClasses <= 0:
		return nil, errdefs.Configuration("num_classes", "must be > 0 (got %d)", numClasses)
	}
	rng := rand.New(rand.NewSource(seed))
	means := make([][]float64, numClasses)
	for c := range means {
		means[c] = make([]float64, dim)
		for j := range means[c] {
			means[c][j] = rng.Float64()*4 - 2
		}
	}
	examples := make([]Example, n)
	for i := range examples {
		label := rng.Intn(numClasses)
		features := make([]float64, dim)
		for j := range features {
			features[j] = means[label][j] + 0.5*rng.NormFloat64()
		}
		examples[i] = Example{Key: fmt.Sprintf("synthetic-%06d", i), Features: features, Label: label}
	}
	return NewInMemory(examples), nil
}
