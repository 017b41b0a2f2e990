package sink

import (
	"sync"

	"trainharness/internal/metrics"
	"trainharness/internal/model"
)

// Scalar is a recorded scalar write.
type Scalar struct {
	Name  string
	Value float64
	Step  int
}

// Image is a recorded image write.
type Image struct {
	Name string
	PNG  []byte
	Step int
}

// Recorder keeps every record in memory. When Err is set, every write
// fails with it and nothing is recorded.
type Recorder struct {
	mu         sync.Mutex
	Err        error
	Scalars    []Scalar
	Images     []Image
	Graphs     []model.Graph
	Embeddings []Embedding
	Curves     map[string]metrics.PRCurve
}

func (r *Recorder) WriteScalar(name string, value float64, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Scalars = append(r.Scalars, Scalar{Name: name, Value: value, Step: step})
	return nil
}

func (r *Recorder) WriteImage(name string, png []byte, step int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Images = append(r.Images, Image{Name: name, PNG: png, Step: step})
	return nil
}

func (r *Recorder) WriteGraph(_ string, g model.Graph, _ [][]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Graphs = append(r.Graphs, g)
	return nil
}

func (r *Recorder) WriteEmbedding(_ string, e Embedding, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Embeddings = append(r.Embeddings, e)
	return nil
}

func (r *Recorder) WritePRCurve(name string, c metrics.PRCurve, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	if r.Curves == nil {
		r.Curves = make(map[string]metrics.PRCurve)
	}
	r.Curves[name] = c
	return nil
}
