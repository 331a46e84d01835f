package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}
	if !sameShape(shape1, shape2) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, shape1, shape2)
	}
	return shape1, nil
}

// binaryOp applies f element-wise over two tensors of identical shape.
func binaryOp(name string, t1, t2 *Tensor, ff func(a, b float32) float32, fi func(a, b int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = ff(data1[i], data2[i])
		}
	case Int32:
		if fi == nil {
			return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
		}
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = fi(data1[i], data2[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Add", t1, t2,
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Sub", t1, t2,
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Mul", t1, t2,
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	// Float division by zero yields Inf/NaN as usual; integer division is not offered.
	return binaryOp("Div", t1, t2,
		func(a, b float32) float32 { return a / b },
		nil)
}

// unaryOp applies f to every element of a Float32 tensor.
func unaryOp(name string, t *Tensor, f func(x float32) float32) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s only supports Float32 tensors, got %s", name, t.DType)
	}

	data := t.Data.([]float32)
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = f(v)
	}
	return NewTensor(t.Shape, Float32, t.Device, out)
}

func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unaryOp("Scale", t, func(x float32) float32 { return x * s })
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryOp("Sigmoid", t, func(x float32) float32 {
		return float32(1.0 / (1.0 + math.Exp(-float64(x))))
	})
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unaryOp("ReLU", t, func(x float32) float32 {
		if x > 0 {
			return x
		}
		return 0
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return unaryOp("Exp", t, func(x float32) float32 {
		return float32(math.Exp(float64(x)))
	})
}

// Sum returns the sum of all elements as float64.
func Sum(t *Tensor) (float64, error) {
	f, err := t.ToFloat32()
	if err != nil {
		return 0, err
	}
	var s float64
	for _, v := range f.Data.([]float32) {
		s += float64(v)
	}
	return s, nil
}

func Mean(t *Tensor) (float64, error) {
	if t.NumElems == 0 {
		return 0, fmt.Errorf("mean of empty tensor")
	}
	s, err := Sum(t)
	if err != nil {
		return 0, err
	}
	return s / float64(t.NumElems), nil
}
