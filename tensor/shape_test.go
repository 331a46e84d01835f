package tensor

import (
	"errors"
	"reflect"
	"testing"
)

func TestNarrowLast(t *testing.T) {
	x, _ := NewTensor([]int{2, 4}, Float32, CPU, []float32{0, 1, 2, 3, 10, 11, 12, 13})

	y, err := x.NarrowLast(1, 2)
	if err != nil {
		t.Fatalf("NarrowLast failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{2, 2}) {
		t.Errorf("Shape = %v, expected [2 2]", y.Shape)
	}
	if !reflect.DeepEqual(y.Data.([]float32), []float32{1, 2, 11, 12}) {
		t.Errorf("Data = %v", y.Data)
	}

	if _, err := x.NarrowLast(3, 2); err == nil {
		t.Error("expected out-of-range error")
	}

	same, _ := x.NarrowLast(0, 4)
	if same != x {
		t.Error("full-width narrow should return the receiver")
	}
}

func TestPadLast(t *testing.T) {
	x, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{1, 2, 3, 4})

	y, err := x.PadLast(4)
	if err != nil {
		t.Fatalf("PadLast failed: %v", err)
	}
	if !reflect.DeepEqual(y.Data.([]float32), []float32{1, 2, 0, 0, 3, 4, 0, 0}) {
		t.Errorf("Data = %v", y.Data)
	}

	z, _ := x.PadLast(1)
	if z != x {
		t.Error("PadLast to a shorter length should return the receiver")
	}
}

func TestStack(t *testing.T) {
	a, _ := NewTensor([]int{2}, Int32, CPU, []int32{1, 2})
	b, _ := NewTensor([]int{2}, Int32, CPU, []int32{3, 4})

	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	if !reflect.DeepEqual(s.Shape, []int{2, 2}) {
		t.Errorf("Shape = %v", s.Shape)
	}

	c, _ := NewTensor([]int{3}, Int32, CPU, []int32{1, 2, 3})
	if _, err := Stack([]*Tensor{a, c}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Stack error = %v, expected ErrShapeMismatch", err)
	}
	if _, err := Stack(nil); err == nil {
		t.Error("expected error stacking nothing")
	}
}

func TestConcat(t *testing.T) {
	a, _ := NewTensor([]int{1, 2}, Float32, CPU, []float32{1, 2})
	b, _ := NewTensor([]int{2, 2}, Float32, CPU, []float32{3, 4, 5, 6})

	c, err := Concat([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if !reflect.DeepEqual(c.Shape, []int{3, 2}) {
		t.Errorf("Shape = %v", c.Shape)
	}
	if !reflect.DeepEqual(c.Data.([]float32), []float32{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Data = %v", c.Data)
	}
}

func TestReshape(t *testing.T) {
	x, _ := Zeros([]int{2, 3, 4}, Float32, CPU)

	y, err := x.Reshape([]int{6, -1})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !reflect.DeepEqual(y.Shape, []int{6, 4}) {
		t.Errorf("Shape = %v, expected [6 4]", y.Shape)
	}

	if _, err := x.Reshape([]int{5, 5}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Reshape error = %v, expected ErrShapeMismatch", err)
	}
}
