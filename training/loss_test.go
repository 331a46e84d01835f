package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/spectrain/tensor"
)

func TestMSELoss(t *testing.T) {
	t.Run("Basic MSE computation", func(t *testing.T) {
		predicted, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, []float32{1.0, 2.0, 3.0, 4.0})
		if err != nil {
			t.Fatalf("Failed to create predicted tensor: %v", err)
		}
		target, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, []float32{1.5, 2.5, 2.5, 3.5})
		if err != nil {
			t.Fatalf("Failed to create target tensor: %v", err)
		}

		mse := NewMSELoss("mean")
		loss, err := mse.Forward(predicted, target)
		if err != nil {
			t.Fatalf("MSE forward failed: %v", err)
		}

		// (0.25 * 4) / 4
		actual, _ := loss.Item()
		if math.Abs(actual-0.25) > 1e-6 {
			t.Errorf("Expected loss 0.25, got %.6f", actual)
		}
	})

	t.Run("MSE backward pass", func(t *testing.T) {
		predicted, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{1.0, 2.0})
		target, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{1.5, 1.5})

		grad, err := NewMSELoss("mean").Backward(predicted, target)
		if err != nil {
			t.Fatalf("MSE backward failed: %v", err)
		}

		// 2 * (pred - target) / N
		expected := []float32{-0.5, 0.5}
		got := grad.Data.([]float32)
		for i := range expected {
			if math.Abs(float64(got[i]-expected[i])) > 1e-6 {
				t.Errorf("grad[%d]: expected %f, got %f", i, expected[i], got[i])
			}
		}
	})

	t.Run("Shape mismatch", func(t *testing.T) {
		predicted, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{1, 2})
		target, _ := tensor.NewTensor([]int{3}, tensor.Float32, tensor.CPU, []float32{1, 2, 3})

		_, err := NewMSELoss("mean").Forward(predicted, target)
		if !errors.Is(err, tensor.ErrShapeMismatch) {
			t.Errorf("Expected ErrShapeMismatch, got %v", err)
		}
	})
}

func TestBCELoss(t *testing.T) {
	predicted, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, []float32{0.9, 0.2, 0.4, 0.7})
	target, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, tensor.CPU, []float32{1, 0, 0, 1})

	t.Run("Forward", func(t *testing.T) {
		loss, err := NewBCELoss("mean").Forward(predicted, target)
		if err != nil {
			t.Fatalf("BCE forward failed: %v", err)
		}
		expected := -(math.Log(0.9) + math.Log(0.8) + math.Log(0.6) + math.Log(0.7)) / 4
		got, _ := loss.Item()
		if math.Abs(got-expected) > 1e-5 {
			t.Errorf("Expected loss %f, got %f", expected, got)
		}
	})

	t.Run("Sum reduction", func(t *testing.T) {
		mean, _ := NewBCELoss("mean").Forward(predicted, target)
		sum, _ := NewBCELoss("sum").Forward(predicted, target)
		m, _ := mean.Item()
		s, _ := sum.Item()
		if math.Abs(s-4*m) > 1e-5 {
			t.Errorf("Expected sum %f to be 4x mean %f", s, m)
		}
	})

	t.Run("Backward matches finite difference", func(t *testing.T) {
		bce := NewBCELoss("mean")
		grad, err := bce.Backward(predicted, target)
		if err != nil {
			t.Fatalf("BCE backward failed: %v", err)
		}

		const h = 1e-3
		base := predicted.Data.([]float32)
		for i := range base {
			plus := append([]float32(nil), base...)
			minus := append([]float32(nil), base...)
			plus[i] += h
			minus[i] -= h
			pt, _ := tensor.NewTensor(predicted.Shape, tensor.Float32, tensor.CPU, plus)
			mt, _ := tensor.NewTensor(predicted.Shape, tensor.Float32, tensor.CPU, minus)
			lp, _ := bce.Forward(pt, target)
			lm, _ := bce.Forward(mt, target)
			vp, _ := lp.Item()
			vm, _ := lm.Item()
			numeric := (vp - vm) / (2 * h)
			analytic := float64(grad.Data.([]float32)[i])
			if math.Abs(numeric-analytic) > 1e-2 {
				t.Errorf("grad[%d]: analytic %f, numeric %f", i, analytic, numeric)
			}
		}
	})

	t.Run("Saturated probabilities stay finite", func(t *testing.T) {
		p, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{0, 1})
		y, _ := tensor.NewTensor([]int{2}, tensor.Float32, tensor.CPU, []float32{1, 0})
		loss, err := NewBCELoss("mean").Forward(p, y)
		if err != nil {
			t.Fatalf("BCE forward failed: %v", err)
		}
		v, _ := loss.Item()
		if math.IsInf(v, 0) || math.IsNaN(v) {
			t.Errorf("Expected finite loss, got %f", v)
		}
	})

	t.Run("Int32 targets", func(t *testing.T) {
		y, _ := tensor.NewTensor([]int{2, 2}, tensor.Int32, tensor.CPU, []int32{1, 0, 0, 1})
		a, err := NewBCELoss("mean").Forward(predicted, y)
		if err != nil {
			t.Fatalf("BCE forward with Int32 targets failed: %v", err)
		}
		b, _ := NewBCELoss("mean").Forward(predicted, target)
		av, _ := a.Item()
		bv, _ := b.Item()
		if math.Abs(av-bv) > 1e-6 {
			t.Errorf("Int32 targets gave %f, Float32 gave %f", av, bv)
		}
	})
}

func TestNewLoss(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		wantErr  bool
	}{
		{"", "BCELoss", false},
		{"bce", "BCELoss", false},
		{"mse", "MSELoss", false},
		{"hinge", "", true},
	}

	for _, tt := range tests {
		loss, err := NewLoss(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewLoss(%q): expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NewLoss(%q): %v", tt.name, err)
		}
		if loss.Name() != tt.expected {
			t.Errorf("NewLoss(%q): expected %s, got %s", tt.name, tt.expected, loss.Name())
		}
		if loss.State().Name != tt.expected {
			t.Errorf("NewLoss(%q): state name %s", tt.name, loss.State().Name)
		}
	}
}
