package training

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tsawler/spectrain/checkpoints"
	"github.com/tsawler/spectrain/tensor"
)

func TestRestoreModel(t *testing.T) {
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatJSON, checkpoints.FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			f := newSaverFixture(t)
			ms, err := NewModelSaver(t.TempDir(), "restore", checkpoints.NewCheckpointSaver(format))
			if err != nil {
				t.Fatalf("NewModelSaver failed: %v", err)
			}
			if err := ms.SaveFinalModel(2, f.model, f.opt, f.crit); err != nil {
				t.Fatalf("SaveFinalModel failed: %v", err)
			}

			SetRandomSeed(99)
			fresh, err := NewSpectrogramClassifier(2, 0, 2)
			if err != nil {
				t.Fatalf("Failed to create model: %v", err)
			}
			cp, err := RestoreModel(ms.FinalPath(), fresh)
			if err != nil {
				t.Fatalf("RestoreModel failed: %v", err)
			}
			if cp.Epoch != 2 {
				t.Errorf("Expected epoch 2, got %d", cp.Epoch)
			}

			want, _ := f.model.StateDict()
			got, _ := fresh.StateDict()
			for i := range want {
				for j := range want[i].Data {
					if want[i].Data[j] != got[i].Data[j] {
						t.Fatalf("%s[%d]: expected %f, got %f", want[i].Name, j, want[i].Data[j], got[i].Data[j])
					}
				}
			}
		})
	}
}

func TestLoadStateDictMismatch(t *testing.T) {
	model, _ := NewSpectrogramClassifier(2, 0, 2)
	other, _ := NewSpectrogramClassifier(3, 0, 2)
	state, err := other.StateDict()
	if err != nil {
		t.Fatalf("StateDict failed: %v", err)
	}

	if err := LoadStateDict(model, state); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for wrong shape, got %v", err)
	}
	if err := LoadStateDict(model, state[:1]); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for wrong count, got %v", err)
	}
}

func TestLoadCheckpointMissing(t *testing.T) {
	if _, err := LoadCheckpoint(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Error("Expected error for missing checkpoint")
	}
}
