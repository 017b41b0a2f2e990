package dataset

import (
	"context"
	"fmt"
	"io"
	"math/rand"

	"trainharness/internal/errdefs"
	"trainharness/internal/model"
)

// State is the position of an Iterator within a pass.
type State int

const (
	Ready State = iota
	Exhausted
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Exhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Iterator yields the batches of one pass over a Dataset. With shuffling
// enabled each pass uses a fresh permutation drawn from a seeded source.
type Iterator struct {
	ds        Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	order  []int
	cursor int
	state  State
}

// NewIterator validates the settings and prepares the first pass.
func NewIterator(ds Dataset, batchSize int, shuffle bool, seed int64) (*Iterator, error) {
	if batchSize <= 0 {
		return nil, errdefs.Configuration("batch_size", "must be > 0 (got %d)", batchSize)
	}
	if ds == nil || ds.Len() == 0 {
		return nil, errdefs.Configuration("dataset", "must not be empty")
	}
	it := &Iterator{
		ds:        ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		order:     make([]int, ds.Len()),
	}
	it.Reset()
	return it, nil
}

// Reset starts a new pass, re-shuffling when enabled.
func (it *Iterator) Reset() {
	if len(it.order) != it.ds.Len() {
		it.order = make([]int, it.ds.Len())
	}
	for i := range it.order {
		it.order[i] = i
	}
	if it.shuffle {
		it.rng.Shuffle(len(it.order), func(i, j int) {
			it.order[i], it.order[j] = it.order[j], it.order[i]
		})
	}
	it.cursor = 0
	it.state = Ready
}

// Next returns the next batch of the pass, or io.EOF once the pass is
// exhausted. The last batch may be shorter than the batch size.
func (it *Iterator) Next(ctx context.Context) (model.Batch, error) {
	if err := ctx.Err(); err != nil {
		return model.Batch{}, err
	}
	if it.state == Exhausted {
		return model.Batch{}, io.EOF
	}
	end := min(it.cursor+it.batchSize, len(it.order))
	batch, err := it.load(it.order[it.cursor:end])
	if err != nil {
		return model.Batch{}, err
	}
	it.cursor = end
	if it.cursor >= len(it.order) {
		it.state = Exhausted
	}
	return batch, nil
}

// State reports whether batches remain in the current pass.
func (it *Iterator) State() State { return it.state }

// BatchSize returns the configured maximum batch size.
func (it *Iterator) BatchSize() int { return it.batchSize }

// NumBatches returns ceil(N/B).
func (it *Iterator) NumBatches() int {
	return (len(it.order) + it.batchSize - 1) / it.batchSize
}

// drain hands out the index groups of the rest of the pass and marks the
// iterator exhausted.
func (it *Iterator) drain() [][]int {
	var groups [][]int
	for it.cursor < len(it.order) {
		end := min(it.cursor+it.batchSize, len(it.order))
		groups = append(groups, append([]int(nil), it.order[it.cursor:end]...))
		it.cursor = end
	}
	it.state = Exhausted
	return groups
}

func (it *Iterator) load(indices []int) (model.Batch, error) {
	batch := model.Batch{
		Inputs:  make([][]float64, len(indices)),
		Labels:  make([]int, len(indices)),
		Indices: append([]int(nil), indices...),
	}
	for i, idx := range indices {
		ex, err := it.ds.At(idx)
		if err != nil {
			return model.Batch{}, fmt.Errorf("dataset: load example %d: %w", idx, err)
		}
		batch.Inputs[i] = ex.Features
		batch.Labels[i] = ex.Label
	}
	return batch, nil
}
