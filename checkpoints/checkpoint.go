package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tsawler/spectrain/tensor"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// ParseFormat accepts "json" or "binary".
func ParseFormat(s string) (CheckpointFormat, error) {
	switch s {
	case "json", "JSON":
		return FormatJSON, nil
	case "binary", "bin", "Binary":
		return FormatBinary, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", s)
	}
}

// Checkpoint is everything needed to restore a model at the end of an epoch:
// parameter values, optimizer hyper-parameters and buffers, and the loss
// configuration.
type Checkpoint struct {
	Epoch      int            `json:"epoch"`
	ModelState []TensorRecord `json:"model_state"`
	Optimizer  OptimizerState `json:"optimizer_state"`
	Loss       LossState      `json:"loss"`
	Metadata   Metadata       `json:"metadata"`
}

// TensorRecord is a named Float32 tensor.
type TensorRecord struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type         string             `json:"type"` // "SGD", "Adam", etc.
	LearningRate float64            `json:"learning_rate"`
	StepCount    int                `json:"step_count"`
	Parameters   map[string]float64 `json:"parameters,omitempty"`
	StateData    []TensorRecord     `json:"state_data,omitempty"`
}

type LossState struct {
	Name       string             `json:"name"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
}

type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Record snapshots a tensor. Int32 tensors are converted to Float32.
func Record(name string, t *tensor.Tensor) (TensorRecord, error) {
	f, err := t.ToFloat32()
	if err != nil {
		return TensorRecord{}, fmt.Errorf("record %s: %w", name, err)
	}
	src := f.Data.([]float32)
	data := make([]float32, len(src))
	copy(data, src)
	return TensorRecord{Name: name, Shape: f.Size(), Data: data}, nil
}

// Tensor rebuilds the recorded tensor on the CPU.
func (r TensorRecord) Tensor() (*tensor.Tensor, error) {
	data := make([]float32, len(r.Data))
	copy(data, r.Data)
	return tensor.NewTensor(r.Shape, tensor.Float32, tensor.CPU, data)
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// Extension is the file suffix for this saver's format.
func (cs *CheckpointSaver) Extension() string {
	switch cs.format {
	case FormatBinary:
		return ".ckpt"
	default:
		return ".json"
	}
}

// SaveCheckpoint writes checkpoint to path. The file is written to a
// temporary sibling and renamed into place, so readers never observe a
// partially written checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "spectrain"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data, err = marshalBinary(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	case FormatBinary:
		checkpoint, err = unmarshalBinary(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return checkpoint, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}
