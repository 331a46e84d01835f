package training

import (
	"fmt"
	"path/filepath"

	"github.com/tsawler/spectrain/checkpoints"
	"github.com/tsawler/spectrain/tensor"
)

// LoadStateDict copies recorded parameter values into model. Records must
// match model.Parameters() in order, count and shape, which is what
// StateDict produces.
func LoadStateDict(model Module, state []checkpoints.TensorRecord) error {
	params := model.Parameters()
	if len(params) != len(state) {
		return fmt.Errorf("%w: model has %d parameters, checkpoint has %d", tensor.ErrShapeMismatch, len(params), len(state))
	}

	for i, p := range params {
		r := state[i]
		if !equalInts(p.Shape, r.Shape) {
			return fmt.Errorf("%w: parameter %s has shape %v, checkpoint %v", tensor.ErrShapeMismatch, r.Name, p.Shape, r.Shape)
		}
		data, err := p.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %s: %w", r.Name, err)
		}
		if len(data) != len(r.Data) {
			return fmt.Errorf("%w: parameter %s has %d values, checkpoint %d", tensor.ErrShapeMismatch, r.Name, len(data), len(r.Data))
		}
		copy(data, r.Data)
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by ModelSaver. The format is
// chosen from the file extension.
func LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	format := checkpoints.FormatJSON
	if filepath.Ext(path) == checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).Extension() {
		format = checkpoints.FormatBinary
	}
	return checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
}

// RestoreModel loads the checkpoint at path into model and returns it.
func RestoreModel(path string, model Module) (*checkpoints.Checkpoint, error) {
	cp, err := LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err := LoadStateDict(model, cp.ModelState); err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	return cp, nil
}
