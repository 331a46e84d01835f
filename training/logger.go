package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tsawler/spectrain/tensor"
)

// RunLogger tracks a whole training run.
type RunLogger interface {
	StartTraining()
	StartEpoch(epoch int) EpochLogger
	TrackingReport() error
	FinishEpoch()
	FinishRun() error
}

// EpochLogger tracks one epoch. Step is the number of TrainUpdate calls so
// far, which the training loop requires to equal its own step index.
type EpochLogger interface {
	Step() int
	TrainUpdate(loss float64)
	TrainReport()
	RegisterVal(i int, pred, label *tensor.Tensor) error
	RegisterTrain(i int, pred, label *tensor.Tensor) error
	ValReport(i int) error
	TrainReportMetrics(i int) error
	// ValidationLoss is the loss of the most recent validation report, or
	// +Inf if nothing was validated this epoch.
	ValidationLoss() float64
	FinishEpoch(loader Loader)
}

// LoggerConfig configures a TrainLogger.
type LoggerConfig struct {
	RunName       string
	Metrics       []Metric
	Criterion     Loss
	UseTracking   bool
	KeepAllEpochs bool
	Sink          TrackingSink

	// Progress receives a progress bar when set. StepsPerEpoch sizes it.
	Progress      io.Writer
	StepsPerEpoch int

	// Log defaults to the package logger.
	Log *zerolog.Logger
}

// EpochSummary is the record kept for a finished epoch.
type EpochSummary struct {
	Epoch          int                `json:"epoch"`
	Steps          int                `json:"steps"`
	Batches        int                `json:"batches"`
	TrainLoss      float64            `json:"train_loss"`
	ValidationLoss float64            `json:"validation_loss"`
	ValidMetrics   map[string]float64 `json:"valid_metrics,omitempty"`
	TrainMetrics   map[string]float64 `json:"train_metrics,omitempty"`
	Duration       time.Duration      `json:"duration"`
}

// TrainLogger is the default RunLogger. It writes structured logs, keeps a
// history of epoch summaries, and forwards reports to a TrackingSink.
type TrainLogger struct {
	cfg   LoggerConfig
	log   zerolog.Logger
	runID string
	start time.Time

	current *epochLogger
	history []EpochSummary
}

func NewTrainLogger(cfg LoggerConfig) *TrainLogger {
	l := logger
	if cfg.Log != nil {
		l = *cfg.Log
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	return &TrainLogger{
		cfg:   cfg,
		log:   l.With().Str("run", cfg.RunName).Logger(),
		runID: uuid.NewString(),
	}
}

func (tl *TrainLogger) RunID() string {
	return tl.runID
}

// History returns the kept epoch summaries, oldest first.
func (tl *TrainLogger) History() []EpochSummary {
	out := make([]EpochSummary, len(tl.history))
	copy(out, tl.history)
	return out
}

// Curves extracts per-epoch loss and primary-metric series from the history,
// in the form ModelSaver.SavePlots expects.
func (tl *TrainLogger) Curves() (trainLoss, validLoss, trainMetric, validMetric []float64) {
	primary := ""
	if len(tl.cfg.Metrics) > 0 {
		primary = tl.cfg.Metrics[0].Name
	}
	for _, s := range tl.history {
		trainLoss = append(trainLoss, s.TrainLoss)
		validLoss = append(validLoss, s.ValidationLoss)
		if primary == "" {
			continue
		}
		if v, ok := s.TrainMetrics[primary]; ok {
			trainMetric = append(trainMetric, v)
		}
		if v, ok := s.ValidMetrics[primary]; ok {
			validMetric = append(validMetric, v)
		}
	}
	return trainLoss, validLoss, trainMetric, validMetric
}

func (tl *TrainLogger) StartTraining() {
	tl.start = time.Now()
	metrics := make([]string, len(tl.cfg.Metrics))
	for i, m := range tl.cfg.Metrics {
		metrics[i] = m.Name
	}
	tl.log.Info().
		Str("run_id", tl.runID).
		Str("cpu", tensor.DescribeCPU().String()).
		Strs("metrics", metrics).
		Bool("tracking", tl.cfg.UseTracking).
		Msg("training started")
}

func (tl *TrainLogger) StartEpoch(epoch int) EpochLogger {
	e := &epochLogger{
		run:          tl,
		epoch:        epoch,
		start:        time.Now(),
		validLoss:    math.Inf(1),
		valPreds:     make(map[int]*predictions),
		trainPreds:   make(map[int]*predictions),
		validMetrics: make(map[string]float64),
		trainMetrics: make(map[string]float64),
	}
	if tl.cfg.Progress != nil {
		e.bar = NewProgressBar(tl.cfg.Progress, fmt.Sprintf("epoch %d", epoch+1), tl.cfg.StepsPerEpoch)
	}
	tl.current = e
	return e
}

// TrackingReport sends the current epoch's latest values to the sink. A sink
// failure is logged as a warning; the sink keeps the record for a later flush.
func (tl *TrainLogger) TrackingReport() error {
	if !tl.cfg.UseTracking || tl.current == nil {
		return nil
	}
	e := tl.current
	values := map[string]float64{"train_loss": e.meanLoss()}
	if e.validated {
		values["valid_loss"] = e.validLoss
	}
	for k, v := range e.validMetrics {
		values["valid_"+k] = v
	}
	for k, v := range e.trainMetrics {
		values["train_"+k] = v
	}

	r := Record{
		RunID:   tl.runID,
		RunName: tl.cfg.RunName,
		Epoch:   e.epoch,
		Step:    e.step,
		Time:    time.Now(),
		Values:  values,
	}
	if err := tl.cfg.Sink.Log(r); err != nil {
		tl.log.Warn().Err(err).Int("epoch", e.epoch).Int("step", e.step).Msg("tracking report not delivered")
	}
	return nil
}

// FinishEpoch moves the current epoch's summary into the history.
func (tl *TrainLogger) FinishEpoch() {
	e := tl.current
	if e == nil || e.summary == nil {
		return
	}
	if tl.cfg.KeepAllEpochs {
		tl.history = append(tl.history, *e.summary)
	} else {
		tl.history = []EpochSummary{*e.summary}
	}
	tl.current = nil
}

func (tl *TrainLogger) FinishRun() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tl.log.Info().
		Str("run_id", tl.runID).
		Dur("elapsed", time.Since(tl.start)).
		Int("epochs_kept", len(tl.history)).
		Msg("training finished")

	if !tl.cfg.UseTracking {
		return nil
	}
	if err := tl.cfg.Sink.Flush(ctx); err != nil {
		tl.log.Warn().Err(err).Msg("tracking records not delivered")
	}
	return nil
}

// predictions accumulates [rows, classes] probabilities and targets.
type predictions struct {
	pred    []float32
	label   []float32
	classes int
}

func (p *predictions) add(pred, label *tensor.Tensor) error {
	pf, err := pred.ToFloat32()
	if err != nil {
		return err
	}
	lf, err := label.ToFloat32()
	if err != nil {
		return err
	}
	if pf.NumElems != lf.NumElems {
		return fmt.Errorf("%w: predictions have %d values, labels %d", tensor.ErrShapeMismatch, pf.NumElems, lf.NumElems)
	}

	classes := 1
	if len(pf.Shape) > 1 {
		classes = pf.Shape[len(pf.Shape)-1]
	}
	if p.classes != 0 && p.classes != classes {
		return fmt.Errorf("%w: got %d classes, earlier batches had %d", tensor.ErrShapeMismatch, classes, p.classes)
	}
	p.classes = classes
	p.pred = append(p.pred, pf.Data.([]float32)...)
	p.label = append(p.label, lf.Data.([]float32)...)
	return nil
}

func (p *predictions) tensors() (*tensor.Tensor, *tensor.Tensor, error) {
	rows := len(p.pred) / p.classes
	pred, err := tensor.NewTensor([]int{rows, p.classes}, tensor.Float32, tensor.CPU, p.pred)
	if err != nil {
		return nil, nil, err
	}
	label, err := tensor.NewTensor([]int{rows, p.classes}, tensor.Float32, tensor.CPU, p.label)
	if err != nil {
		return nil, nil, err
	}
	return pred, label, nil
}

type epochLogger struct {
	run   *TrainLogger
	epoch int
	start time.Time
	bar   *ProgressBar

	step        int
	lossSum     float64
	windowSum   float64
	windowCount int

	valPreds   map[int]*predictions
	trainPreds map[int]*predictions

	validated    bool
	validLoss    float64
	validMetrics map[string]float64
	trainMetrics map[string]float64

	summary *EpochSummary
}

func (e *epochLogger) Step() int {
	return e.step
}

func (e *epochLogger) meanLoss() float64 {
	if e.step == 0 {
		return 0
	}
	return e.lossSum / float64(e.step)
}

func (e *epochLogger) TrainUpdate(loss float64) {
	e.step++
	e.lossSum += loss
	e.windowSum += loss
	e.windowCount++
	if e.bar != nil {
		e.bar.Update(e.step, map[string]float64{"loss": e.meanLoss()})
	}
}

// TrainReport logs the mean loss since the previous report.
func (e *epochLogger) TrainReport() {
	window := 0.0
	if e.windowCount > 0 {
		window = e.windowSum / float64(e.windowCount)
	}
	e.run.log.Info().
		Int("epoch", e.epoch).
		Int("step", e.step).
		Float64("loss", window).
		Float64("epoch_loss", e.meanLoss()).
		Msg("train")
	e.windowSum, e.windowCount = 0, 0
}

func register(m map[int]*predictions, i int, pred, label *tensor.Tensor) error {
	p, ok := m[i]
	if !ok {
		p = &predictions{}
		m[i] = p
	}
	if err := p.add(pred, label); err != nil {
		return fmt.Errorf("register predictions for step %d: %w", i, err)
	}
	return nil
}

func (e *epochLogger) RegisterVal(i int, pred, label *tensor.Tensor) error {
	return register(e.valPreds, i, pred, label)
}

func (e *epochLogger) RegisterTrain(i int, pred, label *tensor.Tensor) error {
	return register(e.trainPreds, i, pred, label)
}

func (e *epochLogger) computeMetrics(p *predictions, into map[string]float64) {
	for _, m := range e.run.cfg.Metrics {
		into[m.Name] = m.Compute(p.pred, p.label, p.classes)
	}
}

// ValReport scores everything registered for step i and makes it the epoch's
// current validation loss.
func (e *epochLogger) ValReport(i int) error {
	p, ok := e.valPreds[i]
	delete(e.valPreds, i)
	if !ok || len(p.pred) == 0 {
		e.run.log.Warn().Int("epoch", e.epoch).Int("step", i).Msg("no validation predictions to report")
		return nil
	}

	loss := math.NaN()
	if crit := e.run.cfg.Criterion; crit != nil {
		pred, label, err := p.tensors()
		if err != nil {
			return err
		}
		lt, err := crit.Forward(pred, label)
		if err != nil {
			return fmt.Errorf("validation loss: %w", err)
		}
		if loss, err = lt.Item(); err != nil {
			return fmt.Errorf("validation loss: %w", err)
		}
	}
	e.validated = true
	e.validLoss = loss
	e.computeMetrics(p, e.validMetrics)

	ev := e.run.log.Info().Int("epoch", e.epoch).Int("step", i).Float64("valid_loss", loss)
	for k, v := range e.validMetrics {
		ev = ev.Float64("valid_"+k, v)
	}
	ev.Msg("validation")
	return nil
}

func (e *epochLogger) TrainReportMetrics(i int) error {
	p, ok := e.trainPreds[i]
	delete(e.trainPreds, i)
	if !ok || len(p.pred) == 0 {
		return nil
	}
	e.computeMetrics(p, e.trainMetrics)

	ev := e.run.log.Info().Int("epoch", e.epoch).Int("step", i)
	for k, v := range e.trainMetrics {
		ev = ev.Float64("train_"+k, v)
	}
	ev.Msg("train metrics")
	return nil
}

func (e *epochLogger) ValidationLoss() float64 {
	return e.validLoss
}

func (e *epochLogger) FinishEpoch(loader Loader) {
	if e.bar != nil {
		e.bar.Finish()
	}

	s := &EpochSummary{
		Epoch:          e.epoch,
		Steps:          e.step,
		Batches:        loader.Len(),
		TrainLoss:      e.meanLoss(),
		ValidationLoss: e.validLoss,
		ValidMetrics:   copyMetrics(e.validMetrics),
		TrainMetrics:   copyMetrics(e.trainMetrics),
		Duration:       time.Since(e.start),
	}
	e.summary = s

	if s.Steps != s.Batches {
		e.run.log.Warn().Int("epoch", e.epoch).Int("steps", s.Steps).Int("batches", s.Batches).
			Msg("epoch step count differs from loader length")
	}
	e.run.log.Info().
		Int("epoch", e.epoch).
		Float64("train_loss", s.TrainLoss).
		Float64("valid_loss", s.ValidationLoss).
		Dur("duration", s.Duration).
		Msg("epoch finished")
}

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
