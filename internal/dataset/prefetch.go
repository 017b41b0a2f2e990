package dataset

import (
	"context"
	"io"
	"sync"

	"trainharness/internal/model"
)

// Prefetcher materializes the batches of an Iterator on background
// workers. Batches are delivered in the iterator's order regardless of
// which worker finishes first.
type Prefetcher struct {
	it      *Iterator
	workers int
	depth   int

	cancel context.CancelFunc
	out    <-chan loaded
	done   chan struct{}
	halted error
}

type loadJob struct {
	id      int
	indices []int
}

type loaded struct {
	id    int
	batch model.Batch
	err   error
}

// NewPrefetcher wraps it. workers and depth default to 1 and 2*workers.
func NewPrefetcher(it *Iterator, workers, depth int) *Prefetcher {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = workers * 2
	}
	return &Prefetcher{it: it, workers: workers, depth: depth}
}

// NumBatches returns the wrapped iterator's batch count.
func (p *Prefetcher) NumBatches() int { return p.it.NumBatches() }

// Reset stops any running pipeline and starts a new pass.
func (p *Prefetcher) Reset() {
	p.stop()
	p.it.Reset()
}

// Close stops the background workers.
func (p *Prefetcher) Close() { p.stop() }

// Next returns the next batch of the pass, or io.EOF once it is
// exhausted. The first call after Reset launches the workers.
func (p *Prefetcher) Next(ctx context.Context) (model.Batch, error) {
	if p.out == nil {
		if p.it.State() == Exhausted {
			return model.Batch{}, io.EOF
		}
		p.start(ctx)
	}
	select {
	case <-ctx.Done():
		return model.Batch{}, ctx.Err()
	case res, ok := <-p.out:
		if !ok {
			if p.halted != nil {
				return model.Batch{}, p.halted
			}
			return model.Batch{}, io.EOF
		}
		if res.err != nil {
			p.stop()
			return model.Batch{}, res.err
		}
		return res.batch, nil
	}
}

func (p *Prefetcher) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	groups := p.it.drain()

	jobs := make(chan loadJob)
	results := make(chan loaded, p.workers)
	out := make(chan loaded, p.depth)
	done := make(chan struct{})

	go func() {
		defer close(jobs)
		for id, indices := range groups {
			select {
			case <-ctx.Done():
				return
			case jobs <- loadJob{id: id, indices: indices}:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				batch, err := p.it.load(job.indices)
				select {
				case <-ctx.Done():
					return
				case results <- loaded{id: job.id, batch: batch, err: err}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	p.halted = nil
	go func() {
		defer close(done)
		// halted is published by the close of out.
		p.halted = reorder(ctx, results, out)
		close(out)
	}()

	p.cancel = cancel
	p.out = out
	p.done = done
}

// reorder forwards results to out in id order. It returns the context's
// error when the pipeline stopped before every result was forwarded.
func reorder(ctx context.Context, results <-chan loaded, out chan<- loaded) error {
	pending := make(map[int]loaded)
	next := 0
	for {
		for {
			res, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- res:
			}
			if res.err != nil {
				return nil
			}
			next++
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return ctx.Err()
			}
			pending[res.id] = res
		}
	}
}

func (p *Prefetcher) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.out = nil
	p.done = nil
}
