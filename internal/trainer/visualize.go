package trainer

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"

	"trainharness/internal/dataset"
	"trainharness/internal/model"
	"trainharness/internal/sink"
)

// EmbeddingArtifact names the projector record written by WriteEmbedding.
const EmbeddingArtifact = "features"

var (
	correctColor = color.RGBA{G: 200, A: 255}
	wrongColor   = color.RGBA{R: 220, A: 255}
)

// ImageGrid returns a VisualizeFunc drawing up to maxTiles examples of
// the batch side by side. Each tile is bordered green when the model's
// prediction matches the label and red otherwise.
func ImageGrid(maxTiles int) VisualizeFunc {
	return func(batch model.Batch, m model.Model) ([]byte, error) {
		n := batch.Len()
		if maxTiles > 0 && n > maxTiles {
			n = maxTiles
		}
		if n == 0 {
			return nil, fmt.Errorf("visualize: empty batch")
		}
		inputs := batch.Inputs[:n]
		scores, err := predict(m, inputs)
		if err != nil {
			return nil, fmt.Errorf("visualize: %w", err)
		}

		side := tileSide(len(inputs[0]))
		tile := side + 2
		canvas := image.NewRGBA(image.Rect(0, 0, n*tile, tile))
		for i, features := range inputs {
			border := wrongColor
			if model.Argmax(scores[i]) == batch.Labels[i] {
				border = correctColor
			}
			x0 := i * tile
			for y := 0; y < tile; y++ {
				for x := 0; x < tile; x++ {
					canvas.Set(x0+x, y, border)
				}
			}
			thumb := Thumbnail(features)
			for y := 0; y < side; y++ {
				for x := 0; x < side; x++ {
					canvas.Set(x0+1+x, 1+y, thumb.At(x, y))
				}
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, canvas); err != nil {
			return nil, fmt.Errorf("visualize: encode: %w", err)
		}
		return buf.Bytes(), nil
	}
}

func predict(m model.Model, inputs [][]float64) ([][]float64, error) {
	if s, ok := m.(model.Scorer); ok {
		return s.Scores(inputs)
	}
	return m.Forward(inputs)
}

// Thumbnail renders a feature vector as a square grayscale image, min-max
// scaled. Vectors that are not a perfect square are zero padded.
func Thumbnail(features []float64) *image.Gray {
	side := tileSide(len(features))
	img := image.NewGray(image.Rect(0, 0, side, side))
	if len(features) == 0 {
		return img
	}
	lo, hi := features[0], features[0]
	for _, v := range features {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	for i, v := range features {
		level := 0.0
		if span > 0 {
			level = (v - lo) / span
		}
		img.SetGray(i%side, i/side, color.Gray{Y: uint8(math.Round(level * 255))})
	}
	return img
}

func tileSide(n int) int {
	side := int(math.Ceil(math.Sqrt(float64(n))))
	if side < 1 {
		side = 1
	}
	return side
}

// WriteEmbedding samples up to n random examples of ds and writes their
// features, label names and thumbnails to s at step 0.
func WriteEmbedding(s sink.ArtifactSink, ds dataset.Dataset, n int, seed int64, names []string) error {
	if n <= 0 || ds.Len() == 0 {
		return nil
	}
	perm := rand.New(rand.NewSource(seed)).Perm(ds.Len())
	if n > len(perm) {
		n = len(perm)
	}
	emb := sink.Embedding{
		Features:   make([][]float64, n),
		Labels:     make([]string, n),
		Thumbnails: make([]image.Image, n),
	}
	for i, idx := range perm[:n] {
		ex, err := ds.At(idx)
		if err != nil {
			return fmt.Errorf("embedding: %w", err)
		}
		emb.Features[i] = ex.Features
		emb.Labels[i] = className(names, ex.Label)
		emb.Thumbnails[i] = Thumbnail(ex.Features)
	}
	return s.WriteEmbedding(EmbeddingArtifact, emb, 0)
}

func className(names []string, label int) string {
	if label >= 0 && label < len(names) && names[label] != "" {
		return names[label]
	}
	return fmt.Sprintf("%d", label)
}
