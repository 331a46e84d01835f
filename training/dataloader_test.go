package training

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/tsawler/spectrain/dataset"
	"github.com/tsawler/spectrain/tensor"
)

// signalSample builds a sample whose signal is [features, length] filled with
// value and whose label is the given multi-hot vector.
func signalSample(t *testing.T, features, length int, value float32, label ...float32) dataset.Sample {
	t.Helper()
	data := make([]float32, features*length)
	for i := range data {
		data[i] = value
	}
	x, err := tensor.NewTensor([]int{features, length}, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("Failed to create signal: %v", err)
	}
	y, err := tensor.NewTensor([]int{len(label)}, tensor.Float32, tensor.CPU, label)
	if err != nil {
		t.Fatalf("Failed to create label: %v", err)
	}
	return dataset.Sample{Signal: x, Label: y}
}

func lensOf(t *testing.T, b *Batch) []int32 {
	t.Helper()
	lens, err := b.Lens.GetInt32Data()
	if err != nil {
		t.Fatalf("Lens is not Int32: %v", err)
	}
	return lens
}

func TestCollate(t *testing.T) {
	t.Run("Load all pads to longest", func(t *testing.T) {
		samples := []dataset.Sample{
			signalSample(t, 2, 3, 1, 1, 0),
			signalSample(t, 2, 5, 2, 0, 1),
		}
		b, err := DefaultCollator().Collate(samples)
		if err != nil {
			t.Fatalf("Collate failed: %v", err)
		}

		if !equalInts(b.X.Shape, []int{2, 2, 5}) {
			t.Fatalf("Expected X shape [2 2 5], got %v", b.X.Shape)
		}
		if !equalInts(b.Y.Shape, []int{2, 2}) {
			t.Errorf("Expected Y shape [2 2], got %v", b.Y.Shape)
		}
		if lens := lensOf(t, b); lens[0] != 3 || lens[1] != 5 {
			t.Errorf("Expected lens [3 5], got %v", lens)
		}

		// Sample 0, feature row 0: three ones then two zeros of padding.
		x := b.X.Data.([]float32)
		want := []float32{1, 1, 1, 0, 0}
		for i, v := range want {
			if x[i] != v {
				t.Errorf("x[0,0,%d]: expected %f, got %f", i, v, x[i])
			}
		}
		if b.Size() != 2 {
			t.Errorf("Expected batch size 2, got %d", b.Size())
		}
	})

	t.Run("Fixed window truncates and pads", func(t *testing.T) {
		c := Collator{SampleRate: 2, Duration: 2} // T_max = 4
		b, err := c.Collate([]dataset.Sample{
			signalSample(t, 1, 3, 1, 1),
			signalSample(t, 1, 6, 1, 1),
		})
		if err != nil {
			t.Fatalf("Collate failed: %v", err)
		}
		if !equalInts(b.X.Shape, []int{2, 1, 4}) {
			t.Fatalf("Expected X shape [2 1 4], got %v", b.X.Shape)
		}
		if lens := lensOf(t, b); lens[0] != 3 || lens[1] != 4 {
			t.Errorf("Expected lens [3 4], got %v", lens)
		}
	})

	t.Run("Selector picks the window", func(t *testing.T) {
		x, _ := tensor.NewTensor([]int{1, 6}, tensor.Float32, tensor.CPU, []float32{0, 1, 2, 3, 4, 5})
		y, _ := tensor.NewTensor([]int{1}, tensor.Float32, tensor.CPU, []float32{1})

		c := Collator{SampleRate: 1, Duration: 4, Selector: FixedWindow(2, 3)}
		b, err := c.Collate([]dataset.Sample{{Signal: x, Label: y}})
		if err != nil {
			t.Fatalf("Collate failed: %v", err)
		}
		want := []float32{2, 3, 4, 0}
		for i, v := range b.X.Data.([]float32) {
			if v != want[i] {
				t.Errorf("x[%d]: expected %f, got %f", i, want[i], v)
			}
		}
		if lens := lensOf(t, b); lens[0] != 3 {
			t.Errorf("Expected len 3, got %d", lens[0])
		}
	})

	t.Run("Selector output longer than window is truncated", func(t *testing.T) {
		identity := func(s *tensor.Tensor) (*tensor.Tensor, error) { return s, nil }
		c := Collator{SampleRate: 1, Duration: 4, Selector: identity}
		b, err := c.Collate([]dataset.Sample{signalSample(t, 1, 10, 1, 1)})
		if err != nil {
			t.Fatalf("Collate failed: %v", err)
		}
		if lens := lensOf(t, b); lens[0] != 4 || b.X.Shape[2] != 4 {
			t.Errorf("Expected len 4 within T_max 4, got len %d shape %v", lens[0], b.X.Shape)
		}
	})

	t.Run("Selector ignored when loading all", func(t *testing.T) {
		c := DefaultCollator()
		c.Selector = FixedWindow(0, 1)
		b, err := c.Collate([]dataset.Sample{signalSample(t, 1, 5, 1, 1)})
		if err != nil {
			t.Fatalf("Collate failed: %v", err)
		}
		if lens := lensOf(t, b); lens[0] != 5 {
			t.Errorf("Expected len 5, got %d", lens[0])
		}
	})

	t.Run("Lens never exceed T_max", func(t *testing.T) {
		rng := rand.New(rand.NewSource(3))
		c := Collator{SampleRate: 10, Duration: 0.5, Selector: RandomWindow(5, rng)}
		var samples []dataset.Sample
		for n := 1; n <= 12; n++ {
			samples = append(samples, signalSample(t, 3, n, 1, 1))
		}
		b, err := c.Collate(samples)
		if err != nil {
			t.Fatalf("Collate failed: %v", err)
		}
		tMax := int32(b.X.Shape[len(b.X.Shape)-1])
		for i, l := range lensOf(t, b) {
			if l > tMax || l <= 0 {
				t.Errorf("sample %d: len %d outside (0, %d]", i, l, tMax)
			}
		}
	})

	t.Run("Int32 labels become float", func(t *testing.T) {
		s := signalSample(t, 1, 2, 1, 0)
		s.Label, _ = tensor.NewTensor([]int{3}, tensor.Int32, tensor.CPU, []int32{0, 1, 1})
		b, err := DefaultCollator().Collate([]dataset.Sample{s})
		if err != nil {
			t.Fatalf("Collate failed: %v", err)
		}
		if b.Y.DType != tensor.Float32 || b.Y.Data.([]float32)[2] != 1 {
			t.Errorf("Expected float labels, got %s %v", b.Y.DType, b.Y.Data)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := DefaultCollator().Collate(nil); !errors.Is(err, ErrEmptyBatch) {
			t.Errorf("Expected ErrEmptyBatch, got %v", err)
		}

		_, err := DefaultCollator().Collate([]dataset.Sample{
			signalSample(t, 2, 3, 1, 1),
			signalSample(t, 3, 3, 1, 1),
		})
		if !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch for leading dims, got %v", err)
		}

		_, err = DefaultCollator().Collate([]dataset.Sample{
			signalSample(t, 2, 3, 1, 1, 0),
			signalSample(t, 2, 3, 1, 1),
		})
		if !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch for label widths, got %v", err)
		}

		scalar := signalSample(t, 2, 3, 1, 1)
		scalar.Signal = &tensor.Tensor{Shape: []int{}, DType: tensor.Float32, Device: tensor.CPU, Data: []float32{}}
		for _, batch := range [][]dataset.Sample{{scalar}, {signalSample(t, 2, 3, 1, 1), scalar}} {
			if _, err := DefaultCollator().Collate(batch); !errors.Is(err, tensor.ErrShapeMismatch) {
				t.Errorf("Expected ErrShapeMismatch for 0-d signal, got %v", err)
			}
		}
	})
}

func TestRandomWindow(t *testing.T) {
	x, _ := tensor.NewTensor([]int{10}, tensor.Float32, tensor.CPU, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	sel := RandomWindow(4, rand.New(rand.NewSource(1)))

	for i := 0; i < 20; i++ {
		w, err := sel(x)
		if err != nil {
			t.Fatalf("RandomWindow failed: %v", err)
		}
		d := w.Data.([]float32)
		if len(d) != 4 {
			t.Fatalf("Expected window of 4, got %d", len(d))
		}
		for j := 1; j < len(d); j++ {
			if d[j] != d[j-1]+1 {
				t.Fatalf("Window is not contiguous: %v", d)
			}
		}
	}

	short, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{1, 2})
	if w, _ := sel(short); w != short {
		t.Error("Signals shorter than the window should pass through")
	}
}

type failingDataset struct {
	dataset.Dataset
	failAt int
}

func (f failingDataset) Get(idx int) (dataset.Sample, error) {
	if idx == f.failAt {
		return dataset.Sample{}, errors.New("boom")
	}
	return f.Dataset.Get(idx)
}

func valueDataset(t *testing.T, n int) *dataset.InMemory {
	t.Helper()
	samples := make([]dataset.Sample, n)
	for i := range samples {
		samples[i] = signalSample(t, 1, 1, float32(i), 1)
	}
	return dataset.NewInMemory(samples)
}

func collectValues(t *testing.T, it BatchIterator) []float32 {
	t.Helper()
	var out []float32
	for {
		b, err := it.Next()
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if b == nil {
			return out
		}
		out = append(out, b.X.Data.([]float32)...)
	}
}

func TestDataLoader(t *testing.T) {
	t.Run("Batches in order", func(t *testing.T) {
		dl := NewDataLoader(valueDataset(t, 3), 2, false, 1, DefaultCollator(), 0)
		if dl.Len() != 2 {
			t.Errorf("Expected 2 batches, got %d", dl.Len())
		}

		it := dl.Iter()
		b1, _ := it.Next()
		b2, _ := it.Next()
		b3, _ := it.Next()
		if b1 == nil || b1.Size() != 2 {
			t.Fatalf("Expected first batch of 2, got %+v", b1)
		}
		if b2 == nil || b2.Size() != 1 {
			t.Fatalf("Expected second batch of 1, got %+v", b2)
		}
		if b3 != nil {
			t.Error("Third batch should be nil (end of epoch)")
		}
	})

	t.Run("Parallel workers keep order", func(t *testing.T) {
		dl := NewDataLoader(valueDataset(t, 17), 5, false, 4, DefaultCollator(), 0)
		got := collectValues(t, dl.Iter())
		for i, v := range got {
			if v != float32(i) {
				t.Fatalf("position %d: expected %d, got %f", i, i, v)
			}
		}
	})

	t.Run("Shuffle is a permutation", func(t *testing.T) {
		dl := NewDataLoader(valueDataset(t, 8), 3, true, 2, DefaultCollator(), 42)
		first := collectValues(t, dl.Iter())
		second := collectValues(t, dl.Iter())

		sorted := append([]float32(nil), first...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for i, v := range sorted {
			if v != float32(i) {
				t.Fatalf("Shuffled epoch is not a permutation: %v", first)
			}
		}

		same := true
		for i := range first {
			if first[i] != second[i] {
				same = false
			}
		}
		if same {
			t.Error("Expected different orders across epochs")
		}
	})

	t.Run("Independent iterators", func(t *testing.T) {
		dl := NewDataLoader(valueDataset(t, 4), 1, false, 1, DefaultCollator(), 0)
		outer := dl.Iter()
		first, _ := outer.Next()

		// A full nested pass must not advance the outer iterator.
		if n := len(collectValues(t, dl.Iter())); n != 4 {
			t.Errorf("Nested pass saw %d samples, expected 4", n)
		}
		second, _ := outer.Next()
		if first.X.Data.([]float32)[0] != 0 || second.X.Data.([]float32)[0] != 1 {
			t.Error("Outer iteration was disturbed by nested pass")
		}
	})

	t.Run("Dataset errors propagate", func(t *testing.T) {
		ds := failingDataset{Dataset: valueDataset(t, 4), failAt: 2}
		it := NewDataLoader(ds, 2, false, 2, DefaultCollator(), 0).Iter()
		if _, err := it.Next(); err != nil {
			t.Fatalf("First batch should load: %v", err)
		}
		if _, err := it.Next(); err == nil {
			t.Error("Expected error from failing sample")
		}
	})
}
