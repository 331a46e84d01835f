package checkpoints

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/tsawler/spectrain/tensor"
)

func testCheckpoint() *Checkpoint {
	checkpoint := &Checkpoint{
		Epoch: 4,
		ModelState: []TensorRecord{
			{Name: "fc.weight", Shape: []int{64, 3}, Data: make([]float32, 64*3)},
			{Name: "fc.bias", Shape: []int{3}, Data: []float32{0.1, -0.2, 0.3}},
		},
		Optimizer: OptimizerState{
			Type:         "Adam",
			LearningRate: 0.001,
			StepCount:    120,
			Parameters:   map[string]float64{"beta1": 0.9, "beta2": 0.999, "epsilon": 1e-8},
			StateData: []TensorRecord{
				{Name: "fc.bias.m", Shape: []int{3}, Data: []float32{1, 2, 3}},
			},
		},
		Loss: LossState{Name: "BCELoss", Parameters: map[string]float64{"epsilon": 1e-7}},
		Metadata: Metadata{
			Version:     "1.0.0",
			Framework:   "spectrain",
			CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
			RunID:       "run-1",
			Description: "Test checkpoint",
			Tags:        []string{"test", "birds"},
		},
	}
	for i := range checkpoint.ModelState[0].Data {
		checkpoint.ModelState[0].Data[i] = float32(i%100) * 0.01
	}
	return checkpoint
}

func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "model"+saver.Extension())

			original := testCheckpoint()
			if err := saver.SaveCheckpoint(original, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}

			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if loaded.Epoch != original.Epoch {
				t.Errorf("Epoch = %d, expected %d", loaded.Epoch, original.Epoch)
			}
			if !reflect.DeepEqual(loaded.ModelState, original.ModelState) {
				t.Error("model state mismatch after round trip")
			}
			if !reflect.DeepEqual(loaded.Optimizer, original.Optimizer) {
				t.Errorf("Optimizer = %+v, expected %+v", loaded.Optimizer, original.Optimizer)
			}
			if !reflect.DeepEqual(loaded.Loss, original.Loss) {
				t.Errorf("Loss = %+v, expected %+v", loaded.Loss, original.Loss)
			}
			if !loaded.Metadata.CreatedAt.Equal(original.Metadata.CreatedAt) {
				t.Errorf("CreatedAt = %v, expected %v", loaded.Metadata.CreatedAt, original.Metadata.CreatedAt)
			}
			if !reflect.DeepEqual(loaded.Metadata.Tags, original.Metadata.Tags) {
				t.Errorf("Tags = %v, expected %v", loaded.Metadata.Tags, original.Metadata.Tags)
			}
		})
	}
}

func TestSaveFillsMetadataDefaults(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	path := filepath.Join(t.TempDir(), "bare.json")

	if err := saver.SaveCheckpoint(&Checkpoint{Epoch: 1}, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if loaded.Metadata.Framework != "spectrain" {
		t.Errorf("Framework = %q, expected spectrain", loaded.Metadata.Framework)
	}
	if loaded.Metadata.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	saver := NewCheckpointSaver(FormatBinary)
	path := filepath.Join(dir, "final"+saver.Extension())

	for epoch := 1; epoch <= 2; epoch++ {
		if err := saver.SaveCheckpoint(&Checkpoint{Epoch: epoch}, path); err != nil {
			t.Fatalf("save %d: %v", epoch, err)
		}
	}

	loaded, err := saver.LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if loaded.Epoch != 2 {
		t.Errorf("Epoch = %d, expected 2", loaded.Epoch)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the checkpoint file, found %d entries", len(entries))
	}
}

func TestSaveIntoMissingDirectory(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	path := filepath.Join(t.TempDir(), "missing", "model.json")
	if err := saver.SaveCheckpoint(&Checkpoint{}, path); err == nil {
		t.Error("expected error writing into missing directory")
	}
}

func TestLoadCorruptBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckpt")
	if err := os.WriteFile(path, []byte{0x12, 0x40, 0x01}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCheckpointSaver(FormatBinary).LoadCheckpoint(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	x, _ := tensor.NewTensor([]int{2, 2}, tensor.Int32, tensor.CPU, []int32{1, 2, 3, 4})

	r, err := Record("x", x)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if !reflect.DeepEqual(r.Data, []float32{1, 2, 3, 4}) {
		t.Errorf("Data = %v", r.Data)
	}

	y, err := r.Tensor()
	if err != nil {
		t.Fatalf("Tensor failed: %v", err)
	}
	if y.DType != tensor.Float32 || !reflect.DeepEqual(y.Shape, []int{2, 2}) {
		t.Errorf("rebuilt %v", y)
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"binary", FormatBinary, false},
		{"onnx", FormatJSON, true},
	}
	for _, test := range tests {
		got, err := ParseFormat(test.in)
		if (err != nil) != test.wantErr || got != test.want {
			t.Errorf("ParseFormat(%q) = %v, %v", test.in, got, err)
		}
	}
}
