package tensor

import "fmt"

// NarrowLast keeps elements [start, start+length) of the trailing axis.
func (t *Tensor) NarrowLast(start, length int) (*Tensor, error) {
	last := t.Len()
	if start < 0 || length <= 0 || start+length > last {
		return nil, fmt.Errorf("narrow [%d:%d] out of range for trailing axis of size %d", start, start+length, last)
	}
	if start == 0 && length == last {
		return t, nil
	}

	rows := t.NumElems / last
	newShape := append(t.Size()[:len(t.Shape)-1], length)

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, rows*length)
		for r := 0; r < rows; r++ {
			copy(dst[r*length:(r+1)*length], src[r*last+start:r*last+start+length])
		}
		return NewTensor(newShape, t.DType, t.Device, dst)
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, rows*length)
		for r := 0; r < rows; r++ {
			copy(dst[r*length:(r+1)*length], src[r*last+start:r*last+start+length])
		}
		return NewTensor(newShape, t.DType, t.Device, dst)
	default:
		return nil, fmt.Errorf("unsupported dtype for NarrowLast: %s", t.DType)
	}
}

// PadLast right-pads the trailing axis with zeros up to length. Tensors that
// are already long enough are returned unchanged.
func (t *Tensor) PadLast(length int) (*Tensor, error) {
	last := t.Len()
	if last >= length {
		return t, nil
	}

	rows := t.NumElems / last
	newShape := append(t.Size()[:len(t.Shape)-1], length)

	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, rows*length)
		for r := 0; r < rows; r++ {
			copy(dst[r*length:r*length+last], src[r*last:(r+1)*last])
		}
		return NewTensor(newShape, t.DType, t.Device, dst)
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, rows*length)
		for r := 0; r < rows; r++ {
			copy(dst[r*length:r*length+last], src[r*last:(r+1)*last])
		}
		return NewTensor(newShape, t.DType, t.Device, dst)
	default:
		return nil, fmt.Errorf("unsupported dtype for PadLast: %s", t.DType)
	}
}

// Stack joins equally shaped tensors along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("stack of zero tensors")
	}
	first := ts[0]
	for i, t := range ts[1:] {
		if t.DType != first.DType {
			return nil, fmt.Errorf("stack: tensor %d has dtype %s, want %s", i+1, t.DType, first.DType)
		}
		if !sameShape(t.Shape, first.Shape) {
			return nil, fmt.Errorf("%w: stack element %d has shape %v, want %v", ErrShapeMismatch, i+1, t.Shape, first.Shape)
		}
	}

	shape := append([]int{len(ts)}, first.Shape...)
	per := first.NumElems

	switch first.DType {
	case Float32:
		dst := make([]float32, len(ts)*per)
		for i, t := range ts {
			copy(dst[i*per:], t.Data.([]float32))
		}
		return NewTensor(shape, Float32, first.Device, dst)
	case Int32:
		dst := make([]int32, len(ts)*per)
		for i, t := range ts {
			copy(dst[i*per:], t.Data.([]int32))
		}
		return NewTensor(shape, Int32, first.Device, dst)
	default:
		return nil, fmt.Errorf("unsupported dtype for Stack: %s", first.DType)
	}
}

// Concat joins tensors along the leading axis. All trailing dimensions must match.
func Concat(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	first := ts[0]
	rows := 0
	for i, t := range ts {
		if t.DType != first.DType || len(t.Shape) != len(first.Shape) || !sameShape(t.Shape[1:], first.Shape[1:]) {
			return nil, fmt.Errorf("%w: concat element %d has shape %v, want [*]%v", ErrShapeMismatch, i, t.Shape, first.Shape[1:])
		}
		rows += t.Shape[0]
	}

	shape := append([]int{rows}, first.Shape[1:]...)

	switch first.DType {
	case Float32:
		dst := make([]float32, 0, calculateNumElements(shape))
		for _, t := range ts {
			dst = append(dst, t.Data.([]float32)...)
		}
		return NewTensor(shape, Float32, first.Device, dst)
	case Int32:
		dst := make([]int32, 0, calculateNumElements(shape))
		for _, t := range ts {
			dst = append(dst, t.Data.([]int32)...)
		}
		return NewTensor(shape, Int32, first.Device, dst)
	default:
		return nil, fmt.Errorf("unsupported dtype for Concat: %s", first.DType)
	}
}

// Flatten reshapes to a single axis.
func (t *Tensor) Flatten() (*Tensor, error) {
	return t.Reshape([]int{t.NumElems})
}
