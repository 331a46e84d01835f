// Package dataset provides the sample sources consumed by the training
// package: the spectrogram dataset backed by a metadata CSV, in-memory
// datasets, subsets and splits, and the file cache that sits in front of
// tensor loads.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/spectrain/tensor"
)

// Sample is one training example. Signal has the time axis last.
type Sample struct {
	Signal *tensor.Tensor
	Label  *tensor.Tensor
	Path   string
}

// Dataset is an indexable collection of samples.
type Dataset interface {
	Len() int
	Get(idx int) (Sample, error)
}

// InMemory serves a fixed slice of samples.
type InMemory struct {
	samples []Sample
}

func NewInMemory(samples []Sample) *InMemory {
	return &InMemory{samples: samples}
}

func (d *InMemory) Len() int {
	return len(d.samples)
}

func (d *InMemory) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(d.samples) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.samples))
	}
	return d.samples[idx], nil
}

// Subset exposes the samples of an underlying dataset at the given indices.
type Subset struct {
	original Dataset
	indices  []int
}

// NewSubset wraps original. Every index must be valid for original.
func NewSubset(original Dataset, indices []int) (*Subset, error) {
	n := original.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("subset index %d out of range [0, %d)", idx, n)
		}
	}
	cp := make([]int, len(indices))
	copy(cp, indices)
	return &Subset{original: original, indices: cp}, nil
}

// Limit returns the first n samples of original (all of them when n exceeds its length).
func Limit(original Dataset, n int) (*Subset, error) {
	if n < 0 {
		return nil, fmt.Errorf("limit cannot be negative")
	}
	if n > original.Len() {
		n = original.Len()
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return NewSubset(original, indices)
}

func (s *Subset) Len() int {
	return len(s.indices)
}

func (s *Subset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(s.indices) {
		return Sample{}, fmt.Errorf("index out of bounds for subset: %d (len: %d)", idx, len(s.indices))
	}
	return s.original.Get(s.indices[idx])
}

// RandomSplit shuffles the indices of ds with seed and returns a training
// subset and a validation subset holding valFraction of the samples.
func RandomSplit(ds Dataset, valFraction float64, seed int64) (*Subset, *Subset, error) {
	if valFraction < 0 || valFraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in [0, 1), got %g", valFraction)
	}

	n := ds.Len()
	valSize := int(float64(n) * valFraction)

	indices := rand.New(rand.NewSource(seed)).Perm(n)

	train, err := NewSubset(ds, indices[valSize:])
	if err != nil {
		return nil, nil, err
	}
	val, err := NewSubset(ds, indices[:valSize])
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}
