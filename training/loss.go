package training

import (
	"fmt"
	"math"

	"github.com/tsawler/spectrain/checkpoints"
	"github.com/tsawler/spectrain/tensor"
)

// Loss is the training criterion. Forward reduces to a single-element tensor;
// Backward returns dL/dpredicted with the shape of predicted.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
	State() checkpoints.LossState
}

func checkLossInputs(predicted, target *tensor.Tensor) ([]float32, []float32, error) {
	if predicted.NumElems != target.NumElems || len(predicted.Shape) != len(target.Shape) {
		return nil, nil, fmt.Errorf("%w: predicted %v, target %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
	}
	for i, dim := range predicted.Shape {
		if dim != target.Shape[i] {
			return nil, nil, fmt.Errorf("%w: predicted %v, target %v", tensor.ErrShapeMismatch, predicted.Shape, target.Shape)
		}
	}

	p, err := predicted.GetFloat32Data()
	if err != nil {
		return nil, nil, fmt.Errorf("predicted: %w", err)
	}
	yt, err := target.ToFloat32()
	if err != nil {
		return nil, nil, fmt.Errorf("target: %w", err)
	}
	return p, yt.Data.([]float32), nil
}

func reductionScale(reduction string, n int) float64 {
	if reduction == "sum" {
		return 1
	}
	return 1 / float64(n)
}

// BCELoss is binary cross-entropy over probabilities in (0, 1), the usual
// criterion for multi-label classification after a sigmoid.
type BCELoss struct {
	reduction string  // "mean" or "sum"
	epsilon   float64 // probabilities are clamped to [epsilon, 1-epsilon]
}

func NewBCELoss(reduction string) *BCELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &BCELoss{reduction: reduction, epsilon: 1e-7}
}

// Forward computes L = -(1/N) Σ y·log(p) + (1-y)·log(1-p)
func (b *BCELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, y, err := checkLossInputs(predicted, target)
	if err != nil {
		return nil, err
	}

	var sum float64
	for i := range p {
		pi := b.clamp(float64(p[i]))
		yi := float64(y[i])
		sum -= yi*math.Log(pi) + (1-yi)*math.Log(1-pi)
	}

	return tensor.FromScalar(sum*reductionScale(b.reduction, len(p)), tensor.Float32, predicted.Device), nil
}

// Backward computes dL/dp = (p - y) / (p·(1-p)), scaled by the reduction.
func (b *BCELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, y, err := checkLossInputs(predicted, target)
	if err != nil {
		return nil, err
	}

	scale := reductionScale(b.reduction, len(p))
	grad := make([]float32, len(p))
	for i := range p {
		pi := b.clamp(float64(p[i]))
		grad[i] = float32((pi - float64(y[i])) / (pi * (1 - pi)) * scale)
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

func (b *BCELoss) clamp(p float64) float64 {
	return math.Min(math.Max(p, b.epsilon), 1-b.epsilon)
}

func (b *BCELoss) Name() string { return "BCELoss" }

func (b *BCELoss) State() checkpoints.LossState {
	return checkpoints.LossState{
		Name:       b.Name(),
		Parameters: map[string]float64{"epsilon": b.epsilon, "sum_reduction": boolParam(b.reduction == "sum")},
	}
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct {
	reduction string // "mean" or "sum"
}

func NewMSELoss(reduction string) *MSELoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &MSELoss{reduction: reduction}
}

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, y, err := checkLossInputs(predicted, target)
	if err != nil {
		return nil, err
	}

	var sum float64
	for i := range p {
		d := float64(p[i]) - float64(y[i])
		sum += d * d
	}
	return tensor.FromScalar(sum*reductionScale(mse.reduction, len(p)), tensor.Float32, predicted.Device), nil
}

// Backward computes d/d(pred) = 2 * (predicted - target) / N
func (mse *MSELoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	p, y, err := checkLossInputs(predicted, target)
	if err != nil {
		return nil, err
	}

	scale := 2 * reductionScale(mse.reduction, len(p))
	grad := make([]float32, len(p))
	for i := range p {
		grad[i] = float32((float64(p[i]) - float64(y[i])) * scale)
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

func (mse *MSELoss) Name() string { return "MSELoss" }

func (mse *MSELoss) State() checkpoints.LossState {
	return checkpoints.LossState{
		Name:       mse.Name(),
		Parameters: map[string]float64{"sum_reduction": boolParam(mse.reduction == "sum")},
	}
}

func boolParam(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewLoss returns the criterion registered under name.
func NewLoss(name string) (Loss, error) {
	switch name {
	case "bce", "BCELoss", "":
		return NewBCELoss("mean"), nil
	case "mse", "MSELoss":
		return NewMSELoss("mean"), nil
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}
