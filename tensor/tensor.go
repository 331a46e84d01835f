package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrShapeMismatch is returned when tensor shapes cannot be combined.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrUnsupportedDevice is returned for devices this build cannot compute on.
	ErrUnsupportedDevice = errors.New("tensor: unsupported device")
)

type DType int

const (
	Float32 DType = iota
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration string onto a DeviceType. Only the CPU
// backend is compiled in; "cuda", "gpu" and "mps" are recognised but rejected.
func ParseDevice(name string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda", "mps":
		return GPU, fmt.Errorf("%w: %s", ErrUnsupportedDevice, name)
	default:
		return CPU, fmt.Errorf("%w: unknown device %q", ErrUnsupportedDevice, name)
	}
}

// Tensor is a dense row-major array. Data holds []float32 or []int32
// depending on DType.
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Device   DeviceType
	Data     interface{}
	NumElems int

	requiresGrad bool
	grad         *Tensor
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s, elements=%d)",
		t.Shape, t.DType, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as a trainable parameter and allocates its
// gradient buffer.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if requires && t.grad == nil {
		t.grad, _ = Zeros(t.Shape, t.DType, t.Device)
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// AccumulateGrad adds g into the gradient buffer.
func (t *Tensor) AccumulateGrad(g *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}
	if t.grad == nil {
		z, err := Zeros(t.Shape, t.DType, t.Device)
		if err != nil {
			return err
		}
		t.grad = z
	}
	sum, err := Add(t.grad, g)
	if err != nil {
		return fmt.Errorf("gradient accumulation failed: %w", err)
	}
	t.grad.Data = sum.Data
	return nil
}

// Len returns the size of the trailing axis.
func (t *Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[len(t.Shape)-1]
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

// validateShape rejects non-positive dimensions and shapes whose element
// count does not fit in an int.
func validateShape(shape []int) error {
	elements := 1
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
		if elements > math.MaxInt/dim {
			return fmt.Errorf("invalid shape %v: element count overflows", shape)
		}
		elements *= dim
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func getSizeForDType(dtype DType) int {
	switch dtype {
	case Float32, Int32:
		return 4
	default:
		return 4
	}
}
