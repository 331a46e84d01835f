package training

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tsawler/spectrain/dataset"
)

// Loader yields batches. Each call to Iter starts an independent pass, so a
// loader can be iterated for evaluation while a training pass is in progress.
type Loader interface {
	Len() int // number of batches per pass
	Iter() BatchIterator
}

// BatchIterator returns the next batch, or nil at the end of the pass.
type BatchIterator interface {
	Next() (*Batch, error)
}

// DataLoader provides batching, shuffling, and parallel sample loading
type DataLoader struct {
	dataset    dataset.Dataset
	batchSize  int
	shuffle    bool
	numWorkers int
	collator   Collator

	mutex sync.Mutex
	rng   *rand.Rand
}

// NewDataLoader creates a new DataLoader. Samples within a batch are fetched
// by up to numWorkers goroutines; batch order and sample order are preserved.
func NewDataLoader(ds dataset.Dataset, batchSize int, shuffle bool, numWorkers int, collator Collator, seed int64) *DataLoader {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	return &DataLoader{
		dataset:    ds,
		batchSize:  batchSize,
		shuffle:    shuffle,
		numWorkers: numWorkers,
		collator:   collator,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Iter starts a new pass over the dataset, reshuffling when enabled.
func (dl *DataLoader) Iter() BatchIterator {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	if dl.shuffle {
		dl.mutex.Lock()
		dl.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		dl.mutex.Unlock()
	}

	return &loaderIterator{loader: dl, indices: indices}
}

type loaderIterator struct {
	loader   *DataLoader
	indices  []int
	position int
}

func (it *loaderIterator) Next() (*Batch, error) {
	if it.position >= len(it.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := min(it.position+it.loader.batchSize, len(it.indices))
	batchIndices := it.indices[it.position:batchEnd]
	it.position = batchEnd

	batch, err := it.loader.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	samples := make([]dataset.Sample, len(indices))

	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(dl.numWorkers)
	for i, idx := range indices {
		i, idx := i, idx
		g.Go(func() error {
			s, err := dl.dataset.Get(idx)
			if err != nil {
				return fmt.Errorf("failed to load sample %d: %w", idx, err)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return dl.collator.Collate(samples)
}
