package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Sample is a raw image/label pair read from a WebDataset shard.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("shard: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams paired samples from the tar shard at path. Members
// sharing a basename (key.jpg/key.png and key.cls) form one sample.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Sample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Sample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if err := pairMembers(ctx, path, pendingCap, out); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func pairMembers(ctx context.Context, path string, pendingCap int, out chan<- Sample) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open shard")
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read tar")
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, ext)

		var part *partial
		switch ext {
		case ".jpg", ".jpeg", ".png":
			data, err := io.ReadAll(tr)
			if err != nil {
				return errors.Wrapf(err, "read image %s", name)
			}
			part = pendingPart(pending, key)
			part.image = data
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return errors.Wrapf(err, "read label %s", name)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return errors.Wrapf(err, "parse label %s", name)
			}
			part = pendingPart(pending, key)
			part.label = &label
		default:
			continue
		}

		if len(pending) > pendingCap {
			return ErrPendingOverflow
		}
		if !part.ready() {
			continue
		}
		delete(pending, key)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- Sample{Key: key, Image: part.image, Label: *part.label}:
		}
	}
	if len(pending) > 0 {
		return fmt.Errorf("shard %s: %d samples incomplete", filepath.Base(path), len(pending))
	}
	return nil
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}

func pendingPart(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

// LoadShards reads every shard in order into memory, reducing each image
// to a grid x grid intensity map. Samples whose image cannot be decoded
// are skipped. A positive numClasses rejects labels outside
// [0, numClasses).
func LoadShards(ctx context.Context, paths []string, grid, numClasses int) (*InMemory, error) {
	if grid <= 0 {
		grid = 16
	}
	var examples []Example
	for _, path := range paths {
		loaded, err := loadShard(ctx, path, grid, numClasses)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", path)
		}
		examples = append(examples, loaded...)
	}
	return NewInMemory(examples), nil
}

func loadShard(ctx context.Context, path string, grid, numClasses int) ([]Example, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var examples []Example
	samples, errCh := StreamShard(ctx, path, 0)
	for sample := range samples {
		if numClasses > 0 && (sample.Label < 0 || sample.Label >= numClasses) {
			return nil, errors.Errorf("shard %s: sample %s: label %d out of range [0, %d)",
				filepath.Base(path), sample.Key, sample.Label, numClasses)
		}
		features, err := ExtractFeatures(sample.Image, grid)
		if err != nil {
			continue
		}
		examples = append(examples, Example{Key: sample.Key, Features: features, Label: sample.Label})
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return examples, nil
}

// ExtractFeatures decodes an image and samples a grid x grid map of mean
// RGB intensity in [0, 1], row-major.
func ExtractFeatures(raw []byte, grid int) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	features := make([]float64, grid*grid)
	stepX := float64(width) / float64(grid)
	stepY := float64(height) / float64(grid)
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			features[gy*grid+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return features, nil
}
