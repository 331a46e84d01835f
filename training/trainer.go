package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/spectrain/tensor"
)

// ErrInvariantViolation is the panic payload when the epoch logger's step
// counter disagrees with the loop's step index. It signals a programming
// error and is never returned.
var ErrInvariantViolation = errors.New("training: invariant violation")

// Config holds configuration for training
type Config struct {
	Device tensor.DeviceType
	// ValidateEvery runs a validation pass after every N steps. -1 validates
	// only at the end of each epoch.
	ValidateEvery int
}

func DefaultTrainerConfig() Config {
	return Config{Device: tensor.CPU, ValidateEvery: -1}
}

// Trainer manages the training process
type Trainer struct {
	model     Module
	criterion Loss
	optimizer Optimizer
	runner    *ValidationRunner
	logger    RunLogger
	config    Config

	trainPipeline Pipeline
	saver         *ModelSaver
	scheduler     LRScheduler
}

type TrainerOption func(*Trainer)

// WithTrainPipeline sets the pipeline applied to every training batch.
func WithTrainPipeline(p Pipeline) TrainerOption {
	return func(t *Trainer) { t.trainPipeline = p }
}

// WithModelSaver enables best and final checkpoints.
func WithModelSaver(ms *ModelSaver) TrainerOption {
	return func(t *Trainer) { t.saver = ms }
}

// WithScheduler adjusts the learning rate after each epoch.
func WithScheduler(s LRScheduler) TrainerOption {
	return func(t *Trainer) { t.scheduler = s }
}

// NewTrainer creates a new Trainer. runner may be nil, in which case no
// validation is performed and the best checkpoint is never written.
func NewTrainer(model Module, criterion Loss, optimizer Optimizer, runner *ValidationRunner, logger RunLogger, config Config, opts ...TrainerOption) *Trainer {
	t := &Trainer{
		model:     model,
		criterion: criterion,
		optimizer: optimizer,
		runner:    runner,
		logger:    logger,
		config:    config,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Train runs epochs passes over trainLoader. Validation follows the
// ValidateEvery cadence; the best checkpoint is considered after every epoch
// and the final checkpoint is written once all epochs are done.
func (t *Trainer) Train(trainLoader, valLoader Loader, epochs int) error {
	t.logger.StartTraining()
	validateEvery := t.config.ValidateEvery
	baseLR := t.optimizer.GetLR()

	for epoch := 0; epoch < epochs; epoch++ {
		t.model.Train()
		el := t.logger.StartEpoch(epoch)

		last := -1
		it := trainLoader.Iter()
		for i := 0; ; i++ {
			batch, err := it.Next()
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, i, err)
			}
			if batch == nil {
				break
			}
			if step := el.Step(); step != i {
				panic(fmt.Errorf("%w: epoch logger at step %d, loop at step %d", ErrInvariantViolation, step, i))
			}

			loss, err := t.Step(batch)
			if err != nil {
				return fmt.Errorf("epoch %d step %d: %w", epoch, i, err)
			}
			el.TrainUpdate(loss)
			last = i

			if validateEvery > 0 && i%validateEvery == validateEvery-1 {
				if err := t.validate(el, trainLoader, valLoader, i); err != nil {
					return fmt.Errorf("epoch %d step %d: %w", epoch, i, err)
				}
				if err := t.logger.TrackingReport(); err != nil {
					return err
				}
			}
		}

		// Also catches epochs too short to reach a full cadence window.
		if validateEvery == -1 || last < validateEvery+1 {
			if err := t.validate(el, trainLoader, valLoader, last); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}

		if t.saver != nil {
			if _, err := t.saver.SaveBestModel(el.ValidationLoss(), epoch, t.model, t.optimizer, t.criterion); err != nil {
				return err
			}
		}

		el.FinishEpoch(trainLoader)
		if err := t.logger.TrackingReport(); err != nil {
			return err
		}
		t.logger.FinishEpoch()
		t.stepScheduler(epoch, baseLR, el.ValidationLoss())
	}

	if t.saver != nil {
		if err := t.saver.SaveFinalModel(epochs, t.model, t.optimizer, t.criterion); err != nil {
			return err
		}
	}
	return t.logger.FinishRun()
}

func (t *Trainer) validate(el EpochLogger, trainLoader, valLoader Loader, i int) error {
	el.TrainReport()
	if t.runner == nil {
		return nil
	}
	if err := t.runner.Validate(el, valLoader, i); err != nil {
		return err
	}
	return t.runner.ValidateTrain(el, trainLoader, i)
}

func (t *Trainer) stepScheduler(epoch int, baseLR, validationLoss float64) {
	if t.scheduler == nil {
		return
	}
	current := t.optimizer.GetLR()
	if ms, ok := t.scheduler.(MetricScheduler); ok && !math.IsInf(validationLoss, 0) && !math.IsNaN(validationLoss) {
		ms.Observe(validationLoss, current)
	}
	next := t.scheduler.GetLR(epoch+1, baseLR)
	if next != current {
		logger.Info().Str("scheduler", t.scheduler.GetName()).Float64("lr", next).Msg("learning rate updated")
		t.optimizer.SetLR(next)
	}
}

// Step performs one optimization step on batch and returns the loss. The
// criterion sees sigmoid probabilities, so its gradient is chained through
// the sigmoid before reaching the model.
func (t *Trainer) Step(batch *Batch) (float64, error) {
	b, err := batchToDevice(batch, t.config.Device)
	if err != nil {
		return 0, err
	}
	if t.trainPipeline != nil {
		if b, err = t.trainPipeline(b); err != nil {
			return 0, fmt.Errorf("train pipeline: %w", err)
		}
	}
	y, err := b.Y.ToFloat32()
	if err != nil {
		return 0, err
	}

	logits, err := t.model.Forward(b.X)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	pred, err := tensor.Sigmoid(logits)
	if err != nil {
		return 0, err
	}

	t.optimizer.ZeroGrad()

	lossTensor, err := t.criterion.Forward(pred, y)
	if err != nil {
		return 0, fmt.Errorf("loss: %w", err)
	}
	loss, err := lossTensor.Item()
	if err != nil {
		return 0, fmt.Errorf("loss: %w", err)
	}

	gradPred, err := t.criterion.Backward(pred, y)
	if err != nil {
		return 0, fmt.Errorf("loss backward: %w", err)
	}
	gradLogits, err := sigmoidBackward(pred, gradPred)
	if err != nil {
		return 0, err
	}
	if _, err := t.model.Backward(gradLogits); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}

	if err := t.optimizer.Step(); err != nil {
		return 0, fmt.Errorf("optimizer step: %w", err)
	}
	return loss, nil
}

// sigmoidBackward computes grad * p * (1 - p) given p = sigmoid(x).
func sigmoidBackward(p, grad *tensor.Tensor) (*tensor.Tensor, error) {
	pd, err := p.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	gd, err := grad.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	if len(pd) != len(gd) {
		return nil, fmt.Errorf("%w: sigmoid output has %d values, gradient %d", tensor.ErrShapeMismatch, len(pd), len(gd))
	}
	out := make([]float32, len(pd))
	for i := range pd {
		out[i] = gd[i] * pd[i] * (1 - pd[i])
	}
	return tensor.NewTensor(p.Shape, tensor.Float32, p.Device, out)
}
