package training

import (
	"fmt"

	"github.com/tsawler/spectrain/tensor"
)

// Pipeline transforms a batch before it reaches the model, e.g. feature
// normalization or augmentation. A nil Pipeline leaves the batch unchanged.
type Pipeline func(b *Batch) (*Batch, error)

// ComposePipelines runs the given pipelines in order, skipping nil entries.
func ComposePipelines(ps ...Pipeline) Pipeline {
	return func(b *Batch) (*Batch, error) {
		var err error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if b, err = p(b); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
}

// batchToDevice moves the batch tensors to device.
func batchToDevice(b *Batch, device tensor.DeviceType) (*Batch, error) {
	x, err := b.X.ToDevice(device)
	if err != nil {
		return nil, err
	}
	y, err := b.Y.ToDevice(device)
	if err != nil {
		return nil, err
	}
	lens := b.Lens
	if lens != nil {
		if lens, err = lens.ToDevice(device); err != nil {
			return nil, err
		}
	}
	return &Batch{X: x, Y: y, Lens: lens, Paths: b.Paths}, nil
}

// Validator produces model logits and float labels for a batch without
// touching gradients.
type Validator func(b *Batch) (logits, labels *tensor.Tensor, err error)

// NewValidator builds the evaluation forward pass: move to device, run the
// evaluation pipeline, forward the model.
func NewValidator(model Module, pipeline Pipeline, device tensor.DeviceType) Validator {
	return func(b *Batch) (*tensor.Tensor, *tensor.Tensor, error) {
		b, err := batchToDevice(b, device)
		if err != nil {
			return nil, nil, err
		}
		if pipeline != nil {
			if b, err = pipeline(b); err != nil {
				return nil, nil, fmt.Errorf("eval pipeline: %w", err)
			}
		}
		y, err := b.Y.ToFloat32()
		if err != nil {
			return nil, nil, err
		}
		logits, err := model.Forward(b.X)
		if err != nil {
			return nil, nil, fmt.Errorf("forward: %w", err)
		}
		return logits, y, nil
	}
}

// ValidationRunner runs full evaluation passes over a loader and hands the
// sigmoid probabilities to an EpochLogger.
type ValidationRunner struct {
	model     Module
	validator Validator
}

func NewValidationRunner(model Module, validator Validator) *ValidationRunner {
	return &ValidationRunner{model: model, validator: validator}
}

// Validate scores the validation loader and reports it under step i. The
// report determines the epoch's validation loss.
func (r *ValidationRunner) Validate(el EpochLogger, loader Loader, i int) error {
	if loader == nil {
		return nil
	}
	err := r.evaluate(loader, func(pred, label *tensor.Tensor) error {
		return el.RegisterVal(i, pred, label)
	})
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return el.ValReport(i)
}

// ValidateTrain scores the training loader for comparison with validation
// metrics. It does not affect the validation loss.
func (r *ValidationRunner) ValidateTrain(el EpochLogger, loader Loader, i int) error {
	if loader == nil {
		return nil
	}
	err := r.evaluate(loader, func(pred, label *tensor.Tensor) error {
		return el.RegisterTrain(i, pred, label)
	})
	if err != nil {
		return fmt.Errorf("validate train: %w", err)
	}
	return el.TrainReportMetrics(i)
}

func (r *ValidationRunner) evaluate(loader Loader, register func(pred, label *tensor.Tensor) error) error {
	r.model.Eval()
	defer r.model.Train()

	it := loader.Iter()
	for {
		b, err := it.Next()
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}

		logits, labels, err := r.validator(b)
		if err != nil {
			return err
		}
		pred, err := tensor.Sigmoid(logits)
		if err != nil {
			return err
		}
		if err := register(pred, labels); err != nil {
			return err
		}
	}
}
