package sink

import (
	"log"

	"trainharness/internal/metrics"
	"trainharness/internal/model"
)

// Logger reports records as key=value log lines.
type Logger struct {
	l *log.Logger
}

// NewLogger wraps l; nil selects the standard logger.
func NewLogger(l *log.Logger) *Logger {
	if l == nil {
		l = log.Default()
	}
	return &Logger{l: l}
}

func (s *Logger) WriteScalar(name string, value float64, step int) error {
	s.l.Printf("scalar name=%q step=%d value=%.4f", name, step, value)
	return nil
}

func (s *Logger) WriteImage(name string, png []byte, step int) error {
	s.l.Printf("image name=%q step=%d bytes=%d", name, step, len(png))
	return nil
}

func (s *Logger) WriteGraph(name string, g model.Graph, sample [][]float64) error {
	s.l.Printf("graph name=%q model=%s nodes=%d sample_rows=%d", name, g.Name, len(g.Nodes), len(sample))
	return nil
}

func (s *Logger) WriteEmbedding(name string, e Embedding, step int) error {
	dim := 0
	if len(e.Features) > 0 {
		dim = len(e.Features[0])
	}
	s.l.Printf("embedding name=%q step=%d points=%d dim=%d", name, step, len(e.Features), dim)
	return nil
}

func (s *Logger) WritePRCurve(name string, c metrics.PRCurve, step int) error {
	s.l.Printf("pr_curve name=%q step=%d thresholds=%d", name, step, len(c.Thresholds))
	return nil
}
