package training

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/tsawler/spectrain/checkpoints"
)

// ErrFilesystem marks failures to prepare the checkpoint directory.
var ErrFilesystem = errors.New("training: filesystem error")

// ModelSaver keeps two checkpoint slots for a run: "best", rewritten whenever
// an epoch's validation loss strictly improves, and "final", written once at
// the end of training.
type ModelSaver struct {
	saveDir       string
	name          string
	saver         *checkpoints.CheckpointSaver
	bestValidLoss float64
	runID         string
}

type ModelSaverOption func(*ModelSaver)

// WithBestValidLoss seeds the best loss, e.g. when continuing from an
// earlier run. Only losses strictly below it are saved.
func WithBestValidLoss(loss float64) ModelSaverOption {
	return func(ms *ModelSaver) { ms.bestValidLoss = loss }
}

// WithRunID stamps checkpoint metadata with the run identifier.
func WithRunID(id string) ModelSaverOption {
	return func(ms *ModelSaver) { ms.runID = id }
}

// NewModelSaver creates saveDir if it does not exist.
func NewModelSaver(saveDir, name string, saver *checkpoints.CheckpointSaver, opts ...ModelSaverOption) (*ModelSaver, error) {
	if saver == nil {
		saver = checkpoints.NewCheckpointSaver(checkpoints.FormatJSON)
	}
	ms := &ModelSaver{
		saveDir:       saveDir,
		name:          name,
		saver:         saver,
		bestValidLoss: math.Inf(1),
	}
	for _, opt := range opts {
		opt(ms)
	}

	if _, err := os.Stat(saveDir); os.IsNotExist(err) {
		logger.Warn().Str("dir", saveDir).Msg("save dir does not exist, creating it")
	}
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create save dir %s: %v", ErrFilesystem, saveDir, err)
	}
	return ms, nil
}

func (ms *ModelSaver) BestValidLoss() float64 {
	return ms.bestValidLoss
}

func (ms *ModelSaver) BestPath() string {
	return filepath.Join(ms.saveDir, ms.name+"_best_model"+ms.saver.Extension())
}

func (ms *ModelSaver) FinalPath() string {
	return filepath.Join(ms.saveDir, ms.name+"_final_model"+ms.saver.Extension())
}

// SaveBestModel writes the best slot if loss is strictly lower than every
// loss seen so far. The stored epoch is one-based.
func (ms *ModelSaver) SaveBestModel(loss float64, epoch int, model Module, opt Optimizer, crit Loss) (bool, error) {
	if !(loss < ms.bestValidLoss) {
		return false, nil
	}
	ms.bestValidLoss = loss

	logger.Info().Float64("best_valid_loss", loss).Int("epoch", epoch+1).Msg("saving best model")
	if err := ms.save(ms.BestPath(), epoch+1, model, opt, crit); err != nil {
		return false, fmt.Errorf("save best model: %w", err)
	}
	return true, nil
}

// SaveFinalModel writes the final slot unconditionally.
func (ms *ModelSaver) SaveFinalModel(epochs int, model Module, opt Optimizer, crit Loss) error {
	logger.Info().Int("epochs", epochs).Msg("saving final model")
	if err := ms.save(ms.FinalPath(), epochs, model, opt, crit); err != nil {
		return fmt.Errorf("save final model: %w", err)
	}
	return nil
}

func (ms *ModelSaver) save(path string, epoch int, model Module, opt Optimizer, crit Loss) error {
	state, err := model.StateDict()
	if err != nil {
		return err
	}
	cp := &checkpoints.Checkpoint{
		Epoch:      epoch,
		ModelState: state,
		Metadata: checkpoints.Metadata{
			RunID:       ms.runID,
			Description: ms.name,
		},
	}
	if opt != nil {
		if cp.Optimizer, err = opt.State(); err != nil {
			return err
		}
	}
	if crit != nil {
		cp.Loss = crit.State()
	}
	return ms.saver.SaveCheckpoint(cp, path)
}

// SavePlots writes per-epoch loss curves to {name}_loss.json and, when any
// metric values are given, metric curves to {name}_metric.json.
func (ms *ModelSaver) SavePlots(trainLoss, validLoss, trainMetric, validMetric []float64) error {
	lossPath := filepath.Join(ms.saveDir, ms.name+"_loss.json")
	if err := LossPlot(ms.name, finite(trainLoss), finite(validLoss)).WriteFile(lossPath); err != nil {
		return fmt.Errorf("save loss plot: %w", err)
	}

	if len(trainMetric) == 0 && len(validMetric) == 0 {
		return nil
	}
	metricPath := filepath.Join(ms.saveDir, ms.name+"_metric.json")
	if err := MetricPlot(ms.name, finite(trainMetric), finite(validMetric)).WriteFile(metricPath); err != nil {
		return fmt.Errorf("save metric plot: %w", err)
	}
	return nil
}

// finite zeroes out values JSON cannot encode.
func finite(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			out[i] = v
		}
	}
	return out
}
