package training

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/spectrain/checkpoints"
	"github.com/tsawler/spectrain/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module is a differentiable model component. Forward caches whatever
// Backward needs; Backward accumulates parameter gradients and returns the
// gradient with respect to the last Forward input.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns trainable parameters (tensors with requiresGrad=true)
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
	StateDict() ([]checkpoints.TensorRecord, error)
}

func toDense(t *tensor.Tensor, rows, cols int) (*mat.Dense, error) {
	src, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	if len(src) != rows*cols {
		return nil, fmt.Errorf("%w: %v is not %dx%d", tensor.ErrShapeMismatch, t.Shape, rows, cols)
	}
	data := make([]float64, len(src))
	for i, v := range src {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, cols, data), nil
}

func fromDense(m mat.Matrix) (*tensor.Tensor, error) {
	r, c := m.Dims()
	data := make([]float32, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			data = append(data, float32(m.At(i, j)))
		}
	}
	return tensor.NewTensor([]int{r, c}, tensor.Float32, tensor.CPU, data)
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor // [inputSize, outputSize]
	bias     *tensor.Tensor // [outputSize]
	training bool

	lastInput *mat.Dense
}

// NewLinear creates a new Linear layer
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	// Xavier/Glorot uniform: W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))

	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}

	weight, err := tensor.NewTensor([]int{inputSize, outputSize}, tensor.Float32, tensor.CPU, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}

	inputSize, outputSize := l.weight.Shape[0], l.weight.Shape[1]
	if input.Shape[1] != inputSize {
		return nil, fmt.Errorf("%w: input size %d, expected %d", tensor.ErrShapeMismatch, input.Shape[1], inputSize)
	}

	x, err := toDense(input, input.Shape[0], inputSize)
	if err != nil {
		return nil, err
	}
	w, err := toDense(l.weight, inputSize, outputSize)
	if err != nil {
		return nil, err
	}

	var out mat.Dense
	out.Mul(x, w)

	if l.bias != nil {
		b := l.bias.Data.([]float32)
		rows, _ := out.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < outputSize; j++ {
				out.Set(i, j, out.At(i, j)+float64(b[j]))
			}
		}
	}

	l.lastInput = x
	return fromDense(&out)
}

// Backward computes dW = xᵀ·g, db = Σ_rows g and returns g·Wᵀ.
func (l *Linear) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("Linear backward called before forward")
	}

	batch, _ := l.lastInput.Dims()
	inputSize, outputSize := l.weight.Shape[0], l.weight.Shape[1]

	g, err := toDense(gradOutput, batch, outputSize)
	if err != nil {
		return nil, err
	}
	w, err := toDense(l.weight, inputSize, outputSize)
	if err != nil {
		return nil, err
	}

	var dW mat.Dense
	dW.Mul(l.lastInput.T(), g)
	dWt, err := fromDense(&dW)
	if err != nil {
		return nil, err
	}
	if err := l.weight.AccumulateGrad(dWt); err != nil {
		return nil, err
	}

	if l.bias != nil {
		db := make([]float32, outputSize)
		for i := 0; i < batch; i++ {
			for j := 0; j < outputSize; j++ {
				db[j] += float32(g.At(i, j))
			}
		}
		dbt, err := tensor.NewTensor([]int{outputSize}, tensor.Float32, tensor.CPU, db)
		if err != nil {
			return nil, err
		}
		if err := l.bias.AccumulateGrad(dbt); err != nil {
			return nil, err
		}
	}

	var dX mat.Dense
	dX.Mul(g, w.T())
	return fromDense(&dX)
}

func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

func (l *Linear) StateDict() ([]checkpoints.TensorRecord, error) {
	w, err := checkpoints.Record("weight", l.weight)
	if err != nil {
		return nil, err
	}
	records := []checkpoints.TensorRecord{w}
	if l.bias != nil {
		b, err := checkpoints.Record("bias", l.bias)
		if err != nil {
			return nil, err
		}
		records = append(records, b)
	}
	return records, nil
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// ReLU implements the rectified linear activation
type ReLU struct {
	training bool
	mask     []bool
	shape    []int
}

func NewReLU() *ReLU {
	return &ReLU{training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	data, err := input.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	r.mask = make([]bool, len(data))
	for i, v := range data {
		r.mask[i] = v > 0
	}
	r.shape = input.Size()
	return tensor.ReLU(input)
}

func (r *ReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := gradOutput.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	if len(g) != len(r.mask) {
		return nil, fmt.Errorf("%w: ReLU gradient has %d elements, forward had %d", tensor.ErrShapeMismatch, len(g), len(r.mask))
	}
	out := make([]float32, len(g))
	for i, v := range g {
		if r.mask[i] {
			out[i] = v
		}
	}
	return tensor.NewTensor(r.shape, tensor.Float32, tensor.CPU, out)
}

func (r *ReLU) Parameters() []*tensor.Tensor                     { return nil }
func (r *ReLU) StateDict() ([]checkpoints.TensorRecord, error) { return nil, nil }
func (r *ReLU) Train()                                           { r.training = true }
func (r *ReLU) Eval()                                            { r.training = false }
func (r *ReLU) IsTraining() bool                                 { return r.training }

// TimeMeanPool averages the trailing (time) axis and flattens the remaining
// non-batch axes: [B, ..., T] -> [B, F].
type TimeMeanPool struct {
	training bool
	shape    []int
}

func NewTimeMeanPool() *TimeMeanPool {
	return &TimeMeanPool{training: true}
}

func (p *TimeMeanPool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("TimeMeanPool expects at least 2D input, got shape %v", input.Shape)
	}
	x, err := input.ToFloat32()
	if err != nil {
		return nil, err
	}
	data := x.Data.([]float32)

	batch := input.Shape[0]
	steps := input.Len()
	features := input.NumElems / (batch * steps)

	out := make([]float32, batch*features)
	for row := 0; row < batch*features; row++ {
		var sum float64
		for _, v := range data[row*steps : (row+1)*steps] {
			sum += float64(v)
		}
		out[row] = float32(sum / float64(steps))
	}

	p.shape = input.Size()
	return tensor.NewTensor([]int{batch, features}, tensor.Float32, tensor.CPU, out)
}

func (p *TimeMeanPool) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if p.shape == nil {
		return nil, fmt.Errorf("TimeMeanPool backward called before forward")
	}
	g, err := gradOutput.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	steps := p.shape[len(p.shape)-1]
	if len(g)*steps != calculateElements(p.shape) {
		return nil, fmt.Errorf("%w: pool gradient %v does not match input %v", tensor.ErrShapeMismatch, gradOutput.Shape, p.shape)
	}

	out := make([]float32, len(g)*steps)
	scale := 1 / float32(steps)
	for row, v := range g {
		for t := 0; t < steps; t++ {
			out[row*steps+t] = v * scale
		}
	}
	return tensor.NewTensor(p.shape, tensor.Float32, tensor.CPU, out)
}

func (p *TimeMeanPool) Parameters() []*tensor.Tensor                     { return nil }
func (p *TimeMeanPool) StateDict() ([]checkpoints.TensorRecord, error) { return nil, nil }
func (p *TimeMeanPool) Train()                                           { p.training = true }
func (p *TimeMeanPool) Eval()                                            { p.training = false }
func (p *TimeMeanPool) IsTraining() bool                                 { return p.training }

func calculateElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Sequential chains modules in order
type Sequential struct {
	modules  []Module
	training bool
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	for i, module := range s.modules {
		var err error
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %w", i, err)
		}
	}
	return output, nil
}

func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		var err error
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, fmt.Errorf("module %d backward failed: %w", i, err)
		}
	}
	return grad, nil
}

func (s *Sequential) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// StateDict prefixes each child's records with its position, e.g. "1.weight".
func (s *Sequential) StateDict() ([]checkpoints.TensorRecord, error) {
	var records []checkpoints.TensorRecord
	for i, module := range s.modules {
		child, err := module.StateDict()
		if err != nil {
			return nil, err
		}
		for _, r := range child {
			r.Name = fmt.Sprintf("%d.%s", i, r.Name)
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

// NewSpectrogramClassifier builds pool -> linear [-> relu -> linear] producing
// one logit per class. hidden <= 0 gives a single linear layer.
func NewSpectrogramClassifier(features, hidden, classes int) (*Sequential, error) {
	if hidden <= 0 {
		fc, err := NewLinear(features, classes, true)
		if err != nil {
			return nil, err
		}
		return NewSequential(NewTimeMeanPool(), fc), nil
	}

	fc1, err := NewLinear(features, hidden, true)
	if err != nil {
		return nil, err
	}
	fc2, err := NewLinear(hidden, classes, true)
	if err != nil {
		return nil, err
	}
	return NewSequential(NewTimeMeanPool(), fc1, NewReLU(), fc2), nil
}
