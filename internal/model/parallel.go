package model

import (
	"errors"
	"fmt"
	"sync"

	"trainharness/internal/errdefs"
)

// Device is one compute target of a DataParallel model. Capacity is the
// largest shard, in examples, the device accepts; zero means unbounded.
type Device struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
}

// Replicable models can be copied onto several devices.
type Replicable interface {
	Model
	Replicate() Model
	AbsorbGradients(from Model, scale float64) error
}

// Shard is the half-open row range [Lo, Hi) of a batch.
type Shard struct {
	Lo, Hi int
}

// Len returns the number of rows in the shard.
func (s Shard) Len() int { return s.Hi - s.Lo }

// Partition splits n rows into at most k contiguous shards whose sizes
// differ by at most one. Empty shards are omitted.
func Partition(n, k int) []Shard {
	if n <= 0 || k <= 0 {
		return nil
	}
	if k > n {
		k = n
	}
	shards := make([]Shard, 0, k)
	base, extra := n/k, n%k
	lo := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		shards = append(shards, Shard{Lo: lo, Hi: lo + size})
		lo += size
	}
	return shards
}

// DataParallel replicates a model across devices, splits each batch into
// shards, runs the shards concurrently and concatenates the results in
// shard order.
type DataParallel struct {
	primary  Replicable
	devices  []Device
	replicas []Model
	shards   []Shard
	total    int
}

// NewDataParallel builds one replica of primary per device.
func NewDataParallel(primary Replicable, devices []Device) (*DataParallel, error) {
	if primary == nil {
		return nil, errdefs.Configuration("model", "must not be nil")
	}
	if len(devices) == 0 {
		return nil, errdefs.Configuration("devices", "must list at least one device")
	}
	replicas := make([]Model, len(devices))
	for i := range devices {
		replicas[i] = primary.Replicate()
	}
	return &DataParallel{primary: primary, devices: append([]Device(nil), devices...), replicas: replicas}, nil
}

// Devices returns the configured devices.
func (p *DataParallel) Devices() []Device { return append([]Device(nil), p.devices...) }

// Forward scatters inputs over the replicas and gathers their outputs.
func (p *DataParallel) Forward(inputs [][]float64) ([][]float64, error) {
	shards, err := p.scatter(len(inputs))
	if err != nil {
		return nil, err
	}
	p.shards = shards
	p.total = len(inputs)
	parts := make([][][]float64, len(shards))
	err = p.each(shards, func(i int, s Shard) error {
		out, err := p.replicas[i].Forward(inputs[s.Lo:s.Hi])
		parts[i] = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return gather(parts, len(inputs)), nil
}

// Scores runs an inference-only forward across the replicas.
func (p *DataParallel) Scores(inputs [][]float64) ([][]float64, error) {
	shards, err := p.scatter(len(inputs))
	if err != nil {
		return nil, err
	}
	parts := make([][][]float64, len(shards))
	err = p.each(shards, func(i int, s Shard) error {
		scorer, ok := p.replicas[i].(Scorer)
		if !ok {
			return fmt.Errorf("parallel: replica %T cannot score", p.replicas[i])
		}
		out, err := scorer.Scores(inputs[s.Lo:s.Hi])
		parts[i] = out
		return err
	})
	if err != nil {
		return nil, err
	}
	return gather(parts, len(inputs)), nil
}

// ComputeLoss computes each shard's loss on its replica and returns the
// example-weighted mean.
func (p *DataParallel) ComputeLoss(predictions [][]float64, labels []int) (float64, error) {
	if len(predictions) != len(labels) {
		return 0, fmt.Errorf("parallel: %d predictions for %d labels", len(predictions), len(labels))
	}
	if len(predictions) != p.total || p.shards == nil {
		return 0, errors.New("parallel: loss does not match the last forward")
	}
	losses := make([]float64, len(p.shards))
	err := p.each(p.shards, func(i int, s Shard) error {
		loss, err := p.replicas[i].ComputeLoss(predictions[s.Lo:s.Hi], labels[s.Lo:s.Hi])
		losses[i] = loss
		return err
	})
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i, s := range p.shards {
		total += losses[i] * float64(s.Len())
	}
	return total / float64(p.total), nil
}

// Backward runs backward on every replica and reduces their gradients
// into the primary, weighted by shard size.
func (p *DataParallel) Backward(loss float64) error {
	if p.shards == nil {
		return errors.New("parallel: backward without forward")
	}
	if err := p.each(p.shards, func(i int, _ Shard) error {
		return p.replicas[i].Backward(loss)
	}); err != nil {
		return err
	}
	for i, s := range p.shards {
		scale := float64(s.Len()) / float64(p.total)
		if err := p.primary.AbsorbGradients(p.replicas[i], scale); err != nil {
			return fmt.Errorf("parallel: reduce replica %d: %w", i, err)
		}
	}
	p.shards = nil
	return nil
}

// Step applies the reduced gradients. Replicas share the primary's
// parameters and observe the update.
func (p *DataParallel) Step() {
	p.primary.Step()
}

// SuspendGradients suspends bookkeeping on the primary and all replicas.
func (p *DataParallel) SuspendGradients() func() {
	var resumes []func()
	for _, m := range append([]Model{p.primary}, p.replicas...) {
		if gt, ok := m.(GradientTracker); ok {
			resumes = append(resumes, gt.SuspendGradients())
		}
	}
	return func() {
		for _, resume := range resumes {
			resume()
		}
	}
}

// Describe wraps the primary's graph in a scatter/gather pair.
func (p *DataParallel) Describe() Graph {
	g := Graph{Name: "DataParallel"}
	inner := Graph{Name: fmt.Sprintf("%T", p.primary)}
	if d, ok := p.primary.(Describer); ok {
		inner = d.Describe()
	}
	g.Nodes = append(g.Nodes, Node{Name: "scatter", Op: fmt.Sprintf("Scatter[%d]", len(p.devices))})
	for _, n := range inner.Nodes {
		n.Name = inner.Name + "/" + n.Name
		if len(n.Inputs) == 0 {
			n.Inputs = []string{"scatter"}
		} else {
			inputs := make([]string, len(n.Inputs))
			for i, in := range n.Inputs {
				inputs[i] = inner.Name + "/" + in
			}
			n.Inputs = inputs
		}
		g.Nodes = append(g.Nodes, n)
	}
	last := "scatter"
	if len(inner.Nodes) > 0 {
		last = inner.Name + "/" + inner.Nodes[len(inner.Nodes)-1].Name
	}
	g.Nodes = append(g.Nodes, Node{Name: "gather", Op: "Gather", Inputs: []string{last}})
	return g
}

func (p *DataParallel) scatter(n int) ([]Shard, error) {
	shards := Partition(n, len(p.devices))
	for i, s := range shards {
		dev := p.devices[i]
		if dev.Capacity > 0 && s.Len() > dev.Capacity {
			return nil, &errdefs.DeviceResourceError{Device: dev.Name, Requested: s.Len(), Capacity: dev.Capacity}
		}
	}
	return shards, nil
}

// each runs f for every shard concurrently and returns the error of the
// lowest-numbered failing shard.
func (p *DataParallel) each(shards []Shard, f func(i int, s Shard) error) error {
	errs := make([]error, len(shards))
	var wg sync.WaitGroup
	for i, s := range shards {
		wg.Add(1)
		go func(i int, s Shard) {
			defer wg.Done()
			errs[i] = f(i, s)
		}(i, s)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("parallel: shard %d on %s: %w", i, p.devices[i].Name, err)
		}
	}
	return nil
}

func gather(parts [][][]float64, n int) [][]float64 {
	out := make([][]float64, 0, n)
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}
