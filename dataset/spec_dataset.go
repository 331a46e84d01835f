package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tsawler/spectrain/tensor"
)

// AudioExtension is the extension metadata filenames carry. It is swapped for
// tensor.FileExtension when locating the precomputed spectrogram.
const AudioExtension = ".ogg"

// FallbackShape is the shape of the zero spectrogram returned for files that
// cannot be loaded.
var FallbackShape = []int{64, 1111}

// SpecDataset serves precomputed spectrograms listed in a metadata file.
// Labels are the multi-hot union of each row's primary and secondary labels.
type SpecDataset struct {
	root    string
	records []Record
	encoder *LabelEncoder
	cache   *FileCache
}

type SpecOption func(*SpecDataset)

// WithCache serves file bytes through cache.
func WithCache(cache *FileCache) SpecOption {
	return func(d *SpecDataset) {
		d.cache = cache
	}
}

// WithEncoder fixes the label vocabulary instead of deriving it from records.
func WithEncoder(enc *LabelEncoder) SpecOption {
	return func(d *SpecDataset) {
		d.encoder = enc
	}
}

// NewSpecDataset creates a dataset over records with tensor files under root.
func NewSpecDataset(root string, records []Record, opts ...SpecOption) (*SpecDataset, error) {
	d := &SpecDataset{root: root, records: records}
	for _, opt := range opts {
		opt(d)
	}

	if d.encoder == nil {
		var all []string
		for _, r := range records {
			all = append(all, r.Labels()...)
		}
		d.encoder = NewLabelEncoder(all)
	}
	if d.encoder.Len() == 0 {
		return nil, fmt.Errorf("spec dataset: no classes")
	}

	return d, nil
}

// OpenSpecDataset reads the metadata CSV at metadataPath.
func OpenSpecDataset(metadataPath, root string, opts ...SpecOption) (*SpecDataset, error) {
	records, err := ReadMetadataFile(metadataPath)
	if err != nil {
		return nil, err
	}
	return NewSpecDataset(root, records, opts...)
}

func (d *SpecDataset) Len() int {
	return len(d.records)
}

func (d *SpecDataset) Encoder() *LabelEncoder {
	return d.encoder
}

func (d *SpecDataset) NumClasses() int {
	return d.encoder.Len()
}

// Path returns the tensor file location for row idx.
func (d *SpecDataset) Path(idx int) string {
	name := d.records[idx].Filename
	if strings.HasSuffix(name, AudioExtension) {
		name = strings.TrimSuffix(name, AudioExtension) + tensor.FileExtension
	}
	return filepath.Join(d.root, name)
}

// FeatureCount returns the leading dimension of the first spectrogram that
// loads. Rows that would fall back to FallbackShape are skipped, so a corrupt
// file never decides the model's input size.
func (d *SpecDataset) FeatureCount() (int, error) {
	for idx := range d.records {
		t, err := d.load(d.Path(idx))
		if err != nil || len(t.Shape) < 2 {
			continue
		}
		return t.Shape[0], nil
	}
	return 0, fmt.Errorf("spec dataset: none of %d spectrograms under %s could be loaded", len(d.records), d.root)
}

// Get loads row idx. A file that is missing or cannot be decoded is not an
// error: a warning is logged and a zero tensor of FallbackShape is returned in
// its place. Only an out-of-range idx fails.
func (d *SpecDataset) Get(idx int) (Sample, error) {
	if idx < 0 || idx >= len(d.records) {
		return Sample{}, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.records))
	}

	rec := d.records[idx]
	path := d.Path(idx)

	vec, unknown := d.encoder.Encode(rec.Labels()...)
	if len(unknown) > 0 {
		logger.Debug().Str("path", path).Strs("labels", unknown).Msg("ignoring labels outside the class list")
	}
	label, err := tensor.NewTensor([]int{len(vec)}, tensor.Float32, tensor.CPU, vec)
	if err != nil {
		return Sample{}, err
	}

	signal, err := d.load(path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("possibly corrupted file, using zero spectrogram")
		signal, err = tensor.Zeros(FallbackShape, tensor.Float32, tensor.CPU)
		if err != nil {
			return Sample{}, err
		}
	}

	return Sample{Signal: signal, Label: label, Path: path}, nil
}

func (d *SpecDataset) load(path string) (*tensor.Tensor, error) {
	if d.cache != nil {
		if b, ok := d.cache.Get(path); ok {
			return tensor.Unmarshal(b)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := tensor.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Set(path, b)
	}
	return t, nil
}
