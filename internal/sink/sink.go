// Package sink defines the write-only destinations for training metrics
// and artifacts, and a few implementations: an on-disk event log, a
// logger, a tee and an in-memory recorder.
package sink

import (
	"errors"
	"image"

	"trainharness/internal/metrics"
	"trainharness/internal/model"
)

// MetricSink accepts append-only scalar records.
type MetricSink interface {
	WriteScalar(name string, value float64, step int) error
}

// ArtifactSink accepts images, model structure, embeddings and PR curves.
type ArtifactSink interface {
	WriteImage(name string, png []byte, step int) error
	WriteGraph(name string, g model.Graph, sample [][]float64) error
	WriteEmbedding(name string, e Embedding, step int) error
	WritePRCurve(name string, c metrics.PRCurve, step int) error
}

// Sink is both a MetricSink and an ArtifactSink.
type Sink interface {
	MetricSink
	ArtifactSink
}

// Embedding is a set of high-dimensional points with one label per point
// and optional thumbnails, parallel to Features.
type Embedding struct {
	Features   [][]float64
	Labels     []string
	Thumbnails []image.Image
}

// Validate checks that the parallel slices line up.
func (e Embedding) Validate() error {
	if len(e.Features) == 0 {
		return errors.New("embedding has no points")
	}
	if len(e.Labels) != 0 && len(e.Labels) != len(e.Features) {
		return errors.New("embedding labels do not match points")
	}
	if len(e.Thumbnails) != 0 && len(e.Thumbnails) != len(e.Features) {
		return errors.New("embedding thumbnails do not match points")
	}
	dim := len(e.Features[0])
	for _, row := range e.Features {
		if len(row) != dim {
			return errors.New("embedding rows have different widths")
		}
	}
	return nil
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) WriteScalar(string, float64, int) error { return nil }
func (discard) WriteImage(string, []byte, int) error { return nil }
func (discard) WriteGraph(string, model.Graph, [][]float64) error { return nil }
func (discard) WriteEmbedding(string, Embedding, int) error { return nil }
func (discard) WritePRCurve(string, metrics.PRCurve, int) error { return nil }

// Tee fans every record out to all sinks. Every sink is attempted; the
// returned error joins the individual failures.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

type tee []Sink

func (t tee) each(f func(Sink) error) error {
	var errs []error
	for _, s := range t {
		if err := f(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) WriteScalar(name string, value float64, step int) error {
	return t.each(func(s Sink) error { return s.WriteScalar(name, value, step) })
}

func (t tee) WriteImage(name string, png []byte, step int) error {
	return t.each(func(s Sink) error { return s.WriteImage(name, png, step) })
}

func (t tee) WriteGraph(name string, g model.Graph, sample [][]float64) error {
	return t.each(func(s Sink) error { return s.WriteGraph(name, g, sample) })
}

func (t tee) WriteEmbedding(name string, e Embedding, step int) error {
	return t.each(func(s Sink) error { return s.WriteEmbedding(name, e, step) })
}

func (t tee) WritePRCurve(name string, c metrics.PRCurve, step int) error {
	return t.each(func(s Sink) error { return s.WritePRCurve(name, c, step) })
}
