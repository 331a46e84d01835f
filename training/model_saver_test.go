package training

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tsawler/spectrain/checkpoints"
)

type saverFixture struct {
	model Module
	opt   Optimizer
	crit  Loss
}

func newSaverFixture(t *testing.T) saverFixture {
	t.Helper()
	model := newTestClassifier(t)
	opt, err := NewOptimizer("adam", model.Parameters(), 0.01)
	if err != nil {
		t.Fatalf("Failed to create optimizer: %v", err)
	}
	return saverFixture{model: model, opt: opt, crit: NewBCELoss("mean")}
}

func TestModelSaverBest(t *testing.T) {
	t.Run("Strict improvement only", func(t *testing.T) {
		f := newSaverFixture(t)
		ms, err := NewModelSaver(t.TempDir(), "run", nil)
		if err != nil {
			t.Fatalf("NewModelSaver failed: %v", err)
		}

		losses := []float64{5.0, 4.0, 4.0, 3.9}
		expected := []bool{true, true, false, true}
		saves := 0
		for epoch, loss := range losses {
			saved, err := ms.SaveBestModel(loss, epoch, f.model, f.opt, f.crit)
			if err != nil {
				t.Fatalf("SaveBestModel failed: %v", err)
			}
			if saved != expected[epoch] {
				t.Errorf("epoch %d loss %.1f: expected saved=%v", epoch, loss, expected[epoch])
			}
			if saved {
				saves++
			}
		}
		if saves != 3 {
			t.Errorf("Expected 3 saves, got %d", saves)
		}
		if ms.BestValidLoss() != 3.9 {
			t.Errorf("Expected best loss 3.9, got %f", ms.BestValidLoss())
		}

		cp, err := LoadCheckpoint(ms.BestPath())
		if err != nil {
			t.Fatalf("LoadCheckpoint failed: %v", err)
		}
		// Stored epoch is one-based.
		if cp.Epoch != 4 {
			t.Errorf("Expected stored epoch 4, got %d", cp.Epoch)
		}
		if cp.Optimizer.Type != "Adam" || cp.Loss.Name != "BCELoss" {
			t.Errorf("Unexpected optimizer/loss state: %+v %+v", cp.Optimizer, cp.Loss)
		}
	})

	t.Run("Seeded best loss", func(t *testing.T) {
		f := newSaverFixture(t)
		ms, _ := NewModelSaver(t.TempDir(), "run", nil, WithBestValidLoss(4.5))
		if saved, _ := ms.SaveBestModel(5.0, 0, f.model, f.opt, f.crit); saved {
			t.Error("Loss above the seed should not be saved")
		}
		if _, err := os.Stat(ms.BestPath()); !os.IsNotExist(err) {
			t.Error("Best checkpoint should not exist")
		}
		if saved, _ := ms.SaveBestModel(4.4, 1, f.model, f.opt, f.crit); !saved {
			t.Error("Loss below the seed should be saved")
		}
	})

	t.Run("Non-finite losses are never best", func(t *testing.T) {
		f := newSaverFixture(t)
		ms, _ := NewModelSaver(t.TempDir(), "run", nil)
		for _, loss := range []float64{math.Inf(1), math.NaN()} {
			if saved, _ := ms.SaveBestModel(loss, 0, f.model, f.opt, f.crit); saved {
				t.Errorf("Loss %f should not be saved", loss)
			}
		}
	})
}

func TestModelSaverFinal(t *testing.T) {
	f := newSaverFixture(t)
	ms, err := NewModelSaver(t.TempDir(), "run", checkpoints.NewCheckpointSaver(checkpoints.FormatBinary))
	if err != nil {
		t.Fatalf("NewModelSaver failed: %v", err)
	}
	if filepath.Ext(ms.FinalPath()) != ".ckpt" {
		t.Errorf("Expected binary extension, got %s", ms.FinalPath())
	}

	if err := ms.SaveFinalModel(3, f.model, f.opt, f.crit); err != nil {
		t.Fatalf("SaveFinalModel failed: %v", err)
	}
	first, err := LoadCheckpoint(ms.FinalPath())
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if err := ms.SaveFinalModel(3, f.model, f.opt, f.crit); err != nil {
		t.Fatalf("Second SaveFinalModel failed: %v", err)
	}
	second, err := LoadCheckpoint(ms.FinalPath())
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}

	if first.Epoch != 3 || second.Epoch != 3 {
		t.Errorf("Expected epoch 3, got %d and %d", first.Epoch, second.Epoch)
	}
	if !reflect.DeepEqual(first.ModelState, second.ModelState) {
		t.Error("Model state differs between identical final saves")
	}
}

func TestNewModelSaver(t *testing.T) {
	t.Run("Creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		if _, err := NewModelSaver(dir, "run", nil); err != nil {
			t.Fatalf("NewModelSaver failed: %v", err)
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("Expected %s to be created", dir)
		}
	})

	t.Run("Filesystem error", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := NewModelSaver(filepath.Join(file, "sub"), "run", nil)
		if !errors.Is(err, ErrFilesystem) {
			t.Errorf("Expected ErrFilesystem, got %v", err)
		}
	})
}

func TestSavePlots(t *testing.T) {
	dir := t.TempDir()
	ms, _ := NewModelSaver(dir, "run", nil)

	t.Run("Loss only", func(t *testing.T) {
		if err := ms.SavePlots([]float64{1, 0.5}, []float64{math.Inf(1), 0.6}, nil, nil); err != nil {
			t.Fatalf("SavePlots failed: %v", err)
		}
		raw, err := os.ReadFile(filepath.Join(dir, "run_loss.json"))
		if err != nil {
			t.Fatalf("Loss plot not written: %v", err)
		}
		var pd PlotData
		if err := json.Unmarshal(raw, &pd); err != nil {
			t.Fatalf("Loss plot is not valid JSON: %v", err)
		}
		if pd.Series[1].Data[0].Y != 0 {
			t.Errorf("Expected non-finite loss written as 0, got %f", pd.Series[1].Data[0].Y)
		}
		if _, err := os.Stat(filepath.Join(dir, "run_metric.json")); !os.IsNotExist(err) {
			t.Error("Metric plot should not be written without metrics")
		}
	})

	t.Run("With metrics", func(t *testing.T) {
		if err := ms.SavePlots([]float64{1}, []float64{1}, []float64{0.5}, []float64{0.6}); err != nil {
			t.Fatalf("SavePlots failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(dir, "run_metric.json")); err != nil {
			t.Errorf("Metric plot not written: %v", err)
		}
	})
}
