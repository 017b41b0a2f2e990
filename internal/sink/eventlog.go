package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"trainharness/internal/errdefs"
	"trainharness/internal/metrics"
	"trainharness/internal/model"
)

const eventsFile = "events.jsonl"

// Event is one line of the run's events.jsonl.
type Event struct {
	WallTime float64          `json:"wall_time"`
	Step     int              `json:"step"`
	Kind     string           `json:"kind"`
	Name     string           `json:"name"`
	Value    *float64         `json:"value,omitempty"`
	File     string           `json:"file,omitempty"`
	Graph    *model.Graph     `json:"graph,omitempty"`
	Sample   [][]float64      `json:"sample,omitempty"`
	Curve    *metrics.PRCurve `json:"pr_curve,omitempty"`
}

// EventLog writes every record of a run under <root>/<run id>. Scalars,
// graphs and PR curves are appended to events.jsonl; images and
// embeddings go to their own files referenced from the event.
type EventLog struct {
	mu    sync.Mutex
	dir   string
	runID string
	f     *os.File
	w     *bufio.Writer
	now   func() time.Time
}

// NewEventLog creates the run directory. An empty runID gets a random one.
func NewEventLog(root, runID string) (*EventLog, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "eventlog: create run dir %s", dir)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "eventlog: open events")
	}
	return &EventLog{dir: dir, runID: runID, f: f, w: bufio.NewWriter(f), now: time.Now}, nil
}

// Dir returns the run directory.
func (l *EventLog) Dir() string { return l.dir }

// RunID returns the run identifier.
func (l *EventLog) RunID() string { return l.runID }

func (l *EventLog) WriteScalar(name string, value float64, step int) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return l.fail(name, fmt.Errorf("non-finite value %v", value))
	}
	return l.append(Event{Step: step, Kind: "scalar", Name: name, Value: &value})
}

func (l *EventLog) WriteImage(name string, data []byte, step int) error {
	rel := filepath.Join("images", fmt.Sprintf("%s_%06d.png", slug(name), step))
	if err := l.writeFile(rel, data); err != nil {
		return l.fail(name, err)
	}
	return l.append(Event{Step: step, Kind: "image", Name: name, File: rel})
}

func (l *EventLog) WriteGraph(name string, g model.Graph, sample [][]float64) error {
	return l.append(Event{Kind: "graph", Name: name, Graph: &g, Sample: sample})
}

// WriteEmbedding writes projector files: tensors.tsv, metadata.tsv and,
// when thumbnails are present, sprite.png.
func (l *EventLog) WriteEmbedding(name string, e Embedding, step int) error {
	if err := e.Validate(); err != nil {
		return l.fail(name, err)
	}
	rel := filepath.Join("projector", fmt.Sprintf("%s_%06d", slug(name), step))

	var tensors strings.Builder
	for _, row := range e.Features {
		for j, v := range row {
			if j > 0 {
				tensors.WriteByte('\t')
			}
			tensors.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		tensors.WriteByte('\n')
	}
	if err := l.writeFile(filepath.Join(rel, "tensors.tsv"), []byte(tensors.String())); err != nil {
		return l.fail(name, err)
	}
	if len(e.Labels) > 0 {
		meta := strings.Join(e.Labels, "\n") + "\n"
		if err := l.writeFile(filepath.Join(rel, "metadata.tsv"), []byte(meta)); err != nil {
			return l.fail(name, err)
		}
	}
	if len(e.Thumbnails) > 0 {
		sprite, err := encodeSprite(e.Thumbnails)
		if err != nil {
			return l.fail(name, err)
		}
		if err := l.writeFile(filepath.Join(rel, "sprite.png"), sprite); err != nil {
			return l.fail(name, err)
		}
	}
	return l.append(Event{Step: step, Kind: "embedding", Name: name, File: rel})
}

func (l *EventLog) WritePRCurve(name string, c metrics.PRCurve, step int) error {
	return l.append(Event{Step: step, Kind: "pr_curve", Name: name, Curve: &c})
}

// Flush writes buffered events to disk.
func (l *EventLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return errors.Wrap(l.w.Flush(), "eventlog: flush")
}

// Close flushes and closes the events file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return errors.Wrap(err, "eventlog: flush")
	}
	return errors.Wrap(l.f.Close(), "eventlog: close")
}

func (l *EventLog) append(ev Event) error {
	ev.WallTime = float64(l.now().UnixNano()) / 1e9
	line, err := json.Marshal(ev)
	if err != nil {
		return l.fail(ev.Name, errors.Wrap(err, "encode event"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return l.fail(ev.Name, err)
	}
	return nil
}

func (l *EventLog) writeFile(rel string, data []byte) error {
	path := filepath.Join(l.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(rel))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", rel)
}

func (l *EventLog) fail(name string, err error) error {
	return &errdefs.SinkWriteError{Sink: "eventlog", Name: name, Err: err}
}

var slugRegexp = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func slug(name string) string {
	s := strings.Trim(slugRegexp.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if s == "" {
		return "unnamed"
	}
	return s
}

// encodeSprite tiles thumbnails into a square grid. All tiles take the
// size of the first thumbnail.
func encodeSprite(thumbs []image.Image) ([]byte, error) {
	tile := thumbs[0].Bounds()
	w, h := tile.Dx(), tile.Dy()
	if w == 0 || h == 0 {
		return nil, errors.New("empty thumbnail")
	}
	side := int(math.Ceil(math.Sqrt(float64(len(thumbs)))))
	sprite := image.NewRGBA(image.Rect(0, 0, side*w, side*h))
	for i, th := range thumbs {
		x, y := (i%side)*w, (i/side)*h
		draw.Draw(sprite, image.Rect(x, y, x+w, y+h), th, th.Bounds().Min, draw.Src)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, sprite); err != nil {
		return nil, errors.Wrap(err, "encode sprite")
	}
	return buf.Bytes(), nil
}
