package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/spectrain/checkpoints"
	"github.com/tsawler/spectrain/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	State() (checkpoints.OptimizerState, error)
}

// paramBuffers returns the float32 slices of a parameter and its gradient,
// or ok=false when the parameter has nothing to update.
func paramBuffers(param *tensor.Tensor) (data, grad []float32, ok bool) {
	if !param.RequiresGrad() || param.Grad() == nil || param.DType != tensor.Float32 {
		return nil, nil, false
	}
	return param.Data.([]float32), param.Grad().Data.([]float32), true
}

func bufferRecords(prefix string, params []*tensor.Tensor, buffers map[*tensor.Tensor][]float32) ([]checkpoints.TensorRecord, error) {
	var records []checkpoints.TensorRecord
	for i, p := range params {
		buf, ok := buffers[p]
		if !ok {
			continue
		}
		t, err := tensor.NewTensor(p.Shape, tensor.Float32, tensor.CPU, buf)
		if err != nil {
			return nil, err
		}
		r, err := checkpoints.Record(fmt.Sprintf("param%d.%s", i, prefix), t)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*tensor.Tensor
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	steps        int
	velocities   map[*tensor.Tensor][]float32
	mutex        sync.RWMutex
}

func NewSGD(parameters []*tensor.Tensor, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	lr := float32(sgd.learningRate)
	mom := float32(sgd.momentum)
	wd := float32(sgd.weightDecay)
	damp := float32(1 - sgd.dampening)

	for _, param := range sgd.parameters {
		data, grad, ok := paramBuffers(param)
		if !ok {
			continue
		}

		var velocity []float32
		if sgd.momentum > 0 {
			velocity = sgd.velocities[param]
			if velocity == nil {
				velocity = make([]float32, len(data))
				sgd.velocities[param] = velocity
			}
		}

		for i := range data {
			g := grad[i] + wd*data[i]
			if velocity != nil {
				// velocity = momentum * velocity + (1 - dampening) * grad
				velocity[i] = mom*velocity[i] + damp*g
				if sgd.nesterov {
					g += mom * velocity[i]
				} else {
					g = velocity[i]
				}
			}
			data[i] -= lr * g
			if math.IsNaN(float64(data[i])) {
				return fmt.Errorf("SGD step produced NaN parameter")
			}
		}
	}

	sgd.steps++
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) State() (checkpoints.OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	records, err := bufferRecords("velocity", sgd.parameters, sgd.velocities)
	if err != nil {
		return checkpoints.OptimizerState{}, err
	}
	return checkpoints.OptimizerState{
		Type:         "SGD",
		LearningRate: sgd.learningRate,
		StepCount:    sgd.steps,
		Parameters: map[string]float64{
			"momentum":     sgd.momentum,
			"weight_decay": sgd.weightDecay,
			"dampening":    sgd.dampening,
			"nesterov":     boolParam(sgd.nesterov),
		},
		StateData: records,
	}, nil
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int
	m           map[*tensor.Tensor][]float32 // First moment estimates
	v           map[*tensor.Tensor][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

func NewAdam(parameters []*tensor.Tensor, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	return &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float32),
		v:           make(map[*tensor.Tensor][]float32),
	}
}

// Step performs a single Adam optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction terms
	bc1 := 1 - math.Pow(adam.beta1, float64(adam.step))
	bc2 := 1 - math.Pow(adam.beta2, float64(adam.step))
	stepSize := adam.lr / bc1

	for _, param := range adam.parameters {
		data, grad, ok := paramBuffers(param)
		if !ok {
			continue
		}

		m := adam.m[param]
		v := adam.v[param]
		if m == nil {
			m = make([]float32, len(data))
			v = make([]float32, len(data))
			adam.m[param] = m
			adam.v[param] = v
		}

		for i := range data {
			g := float64(grad[i]) + adam.weightDecay*float64(data[i])
			// m = beta1 * m + (1 - beta1) * grad
			mi := adam.beta1*float64(m[i]) + (1-adam.beta1)*g
			// v = beta2 * v + (1 - beta2) * grad^2
			vi := adam.beta2*float64(v[i]) + (1-adam.beta2)*g*g
			m[i], v[i] = float32(mi), float32(vi)

			data[i] -= float32(stepSize * mi / (math.Sqrt(vi/bc2) + adam.eps))
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

func (adam *Adam) State() (checkpoints.OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	mRecords, err := bufferRecords("m", adam.parameters, adam.m)
	if err != nil {
		return checkpoints.OptimizerState{}, err
	}
	vRecords, err := bufferRecords("v", adam.parameters, adam.v)
	if err != nil {
		return checkpoints.OptimizerState{}, err
	}
	return checkpoints.OptimizerState{
		Type:         "Adam",
		LearningRate: adam.lr,
		StepCount:    adam.step,
		Parameters: map[string]float64{
			"beta1":        adam.beta1,
			"beta2":        adam.beta2,
			"epsilon":      adam.eps,
			"weight_decay": adam.weightDecay,
		},
		StateData: append(mRecords, vRecords...),
	}, nil
}

// NewOptimizer builds the optimizer registered under name with library
// defaults for everything but the learning rate.
func NewOptimizer(name string, params []*tensor.Tensor, lr float64) (Optimizer, error) {
	switch name {
	case "adam", "Adam", "":
		return NewAdam(params, lr, 0.9, 0.999, 1e-8, 0), nil
	case "sgd", "SGD":
		return NewSGD(params, lr, 0.9, 0, 0, false), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}
