package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/spectrain/dataset"
	"github.com/tsawler/spectrain/tensor"
)

// ErrEmptyBatch is returned when collating zero samples.
var ErrEmptyBatch = errors.New("training: empty batch")

// Batch is a padded group of samples. X has the time axis last and padded to
// a common length; Lens holds each sample's length before padding.
type Batch struct {
	X     *tensor.Tensor // [N, ..., T_max] Float32
	Y     *tensor.Tensor // [N, C] Float32
	Lens  *tensor.Tensor // [N] Int32
	Paths []string
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	if b == nil || b.X == nil {
		return 0
	}
	return b.X.Shape[0]
}

// Selector picks the part of a signal to train on, e.g. a random crop.
type Selector func(signal *tensor.Tensor) (*tensor.Tensor, error)

// Collator turns samples into a Batch.
type Collator struct {
	// LoadAll pads to the longest sample in the batch. Otherwise every
	// sample is cropped or padded to floor(SampleRate*Duration) steps.
	LoadAll    bool
	SampleRate float64
	Duration   float64
	// Selector is applied per signal when LoadAll is false.
	Selector Selector
}

func DefaultCollator() Collator {
	return Collator{LoadAll: true, SampleRate: 16000, Duration: 30}
}

func (c Collator) targetLength(samples []dataset.Sample) int {
	if !c.LoadAll {
		return int(math.Floor(c.SampleRate * c.Duration))
	}
	longest := 0
	for _, s := range samples {
		if n := s.Signal.Len(); n > longest {
			longest = n
		}
	}
	return longest
}

// Collate pads and stacks samples. Leading (non-time) dimensions must agree
// across samples, as must label widths; otherwise ErrShapeMismatch is returned.
func (c Collator) Collate(samples []dataset.Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, ErrEmptyBatch
	}

	for i, s := range samples {
		if s.Signal == nil || len(s.Signal.Shape) == 0 {
			return nil, fmt.Errorf("%w: sample %d has no time axis", tensor.ErrShapeMismatch, i)
		}
	}

	lead := samples[0].Signal.Shape[:len(samples[0].Signal.Shape)-1]
	for i, s := range samples[1:] {
		got := s.Signal.Shape[:len(s.Signal.Shape)-1]
		if !equalInts(lead, got) {
			return nil, fmt.Errorf("%w: sample %d has leading dims %v, sample 0 has %v", tensor.ErrShapeMismatch, i+1, got, lead)
		}
	}

	tMax := c.targetLength(samples)
	if tMax <= 0 {
		return nil, fmt.Errorf("collate: target length %d must be positive", tMax)
	}

	padded := make([]*tensor.Tensor, len(samples))
	lens := make([]int32, len(samples))
	paths := make([]string, len(samples))

	for i, s := range samples {
		x, err := s.Signal.ToFloat32()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}

		if !c.LoadAll && c.Selector != nil {
			x, err = c.Selector(x)
			if err != nil {
				return nil, fmt.Errorf("sample %d: selector: %w", i, err)
			}
			if len(x.Shape) == 0 || !equalInts(lead, x.Shape[:len(x.Shape)-1]) {
				return nil, fmt.Errorf("%w: selector changed leading dims of sample %d to %v", tensor.ErrShapeMismatch, i, x.Shape)
			}
		}

		if x.Len() > tMax {
			if x, err = x.NarrowLast(0, tMax); err != nil {
				return nil, fmt.Errorf("sample %d: %w", i, err)
			}
		}
		lens[i] = int32(x.Len())

		if padded[i], err = x.PadLast(tMax); err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		paths[i] = s.Path
	}

	X, err := tensor.Stack(padded)
	if err != nil {
		return nil, err
	}

	Y, err := stackLabels(samples)
	if err != nil {
		return nil, err
	}

	L, err := tensor.NewTensor([]int{len(lens)}, tensor.Int32, tensor.CPU, lens)
	if err != nil {
		return nil, err
	}

	return &Batch{X: X, Y: Y, Lens: L, Paths: paths}, nil
}

func stackLabels(samples []dataset.Sample) (*tensor.Tensor, error) {
	width := -1
	out := make([]float32, 0, len(samples))

	for i, s := range samples {
		if s.Label == nil {
			return nil, fmt.Errorf("sample %d has no label", i)
		}
		y, err := s.Label.ToFloat32()
		if err != nil {
			return nil, fmt.Errorf("sample %d label: %w", i, err)
		}
		if width == -1 {
			width = y.NumElems
		} else if y.NumElems != width {
			return nil, fmt.Errorf("%w: sample %d label has %d values, expected %d", tensor.ErrShapeMismatch, i, y.NumElems, width)
		}
		out = append(out, y.Data.([]float32)...)
	}

	return tensor.NewTensor([]int{len(samples), width}, tensor.Float32, tensor.CPU, out)
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RandomWindow crops signals longer than n to a window starting at a random
// offset. Shorter signals pass through unchanged.
func RandomWindow(n int, rng *rand.Rand) Selector {
	var mu sync.Mutex
	return func(signal *tensor.Tensor) (*tensor.Tensor, error) {
		length := signal.Len()
		if length <= n {
			return signal, nil
		}
		mu.Lock()
		start := rng.Intn(length - n + 1)
		mu.Unlock()
		return signal.NarrowLast(start, n)
	}
}

// FixedWindow crops signals to n steps starting at offset, clamped so the
// window stays inside the signal.
func FixedWindow(offset, n int) Selector {
	return func(signal *tensor.Tensor) (*tensor.Tensor, error) {
		length := signal.Len()
		if length <= n {
			return signal, nil
		}
		start := min(max(offset, 0), length-n)
		return signal.NarrowLast(start, n)
	}
}
