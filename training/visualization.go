package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	LossCurves           PlotType = "loss_curves"
	MetricCurves         PlotType = "metric_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
)

// PlotData is the JSON document written next to checkpoints and sent to the
// tracking service.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string         `json:"name"`
	Type  string         `json:"type"` // "line", "scatter"
	Data  []DataPoint    `json:"data"`
	Style map[string]any `json:"style,omitempty"`
}

type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"`
	Theme      string `json:"theme"`
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// PlotStyle holds the process-wide plot defaults.
type PlotStyle struct {
	Theme      string
	Width      int
	Height     int
	ShowGrid   bool
	LineWidth  int
	TrainColor string
	ValidColor string
	// Metric curves use their own pair of colors.
	TrainMetricColor string
	ValidMetricColor string
}

// DefaultPlotStyle mirrors the ggplot look: 10x7 figures, grid on.
func DefaultPlotStyle() PlotStyle {
	return PlotStyle{
		Theme:            "ggplot",
		Width:            1000,
		Height:           700,
		ShowGrid:         true,
		LineWidth:        2,
		TrainColor:       "orange",
		ValidColor:       "red",
		TrainMetricColor: "green",
		ValidMetricColor: "blue",
	}
}

var (
	plotStyleOnce sync.Once
	plotStyleMu   sync.RWMutex
	plotStyle     = DefaultPlotStyle()
)

// ConfigurePlotting sets the package plot style. Only the first call has an
// effect; it reports whether this call applied the style.
func ConfigurePlotting(style PlotStyle) bool {
	applied := false
	plotStyleOnce.Do(func() {
		plotStyleMu.Lock()
		plotStyle = style
		plotStyleMu.Unlock()
		applied = true
	})
	return applied
}

// CurrentPlotStyle returns the active plot style.
func CurrentPlotStyle() PlotStyle {
	plotStyleMu.RLock()
	defer plotStyleMu.RUnlock()
	return plotStyle
}

func lineSeries(name, color string, values []float64, style PlotStyle) SeriesData {
	s := SeriesData{
		Name: name,
		Type: "line",
		Data: make([]DataPoint, len(values)),
		Style: map[string]any{
			"color":      color,
			"line_width": style.LineWidth,
		},
	}
	for i, v := range values {
		s.Data[i] = DataPoint{X: float64(i + 1), Y: v}
	}
	return s
}

func epochPlot(kind PlotType, title, modelName, yLabel string, series []SeriesData, style PlotStyle) PlotData {
	return PlotData{
		PlotType:  kind,
		Title:     title,
		Timestamp: time.Now(),
		ModelName: modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Epochs",
			YAxisLabel: yLabel,
			XAxisScale: "linear",
			YAxisScale: "linear",
			Theme:      style.Theme,
			ShowLegend: true,
			ShowGrid:   style.ShowGrid,
			Width:      style.Width,
			Height:     style.Height,
		},
	}
}

// LossPlot builds per-epoch train and validation loss curves.
func LossPlot(modelName string, trainLoss, validLoss []float64) PlotData {
	style := CurrentPlotStyle()
	series := []SeriesData{
		lineSeries("train loss", style.TrainColor, trainLoss, style),
		lineSeries("validation loss", style.ValidColor, validLoss, style),
	}
	return epochPlot(LossCurves, fmt.Sprintf("Loss - %s", modelName), modelName, "Loss", series, style)
}

// MetricPlot builds metric curves. Empty inputs are left out of the plot.
func MetricPlot(modelName string, trainMetric, validMetric []float64) PlotData {
	style := CurrentPlotStyle()
	var series []SeriesData
	if len(trainMetric) > 0 {
		series = append(series, lineSeries("train metric", style.TrainMetricColor, trainMetric, style))
	}
	if len(validMetric) > 0 {
		series = append(series, lineSeries("validation metric", style.ValidMetricColor, validMetric, style))
	}
	return epochPlot(MetricCurves, fmt.Sprintf("Metric - %s", modelName), modelName, "Metric", series, style)
}

// LearningRatePlot builds the learning-rate-per-epoch curve.
func LearningRatePlot(modelName string, rates []float64) PlotData {
	style := CurrentPlotStyle()
	pd := epochPlot(LearningRateSchedule, fmt.Sprintf("Learning Rate Schedule - %s", modelName), modelName,
		"Learning Rate", []SeriesData{lineSeries("learning rate", style.TrainColor, rates, style)}, style)
	pd.Config.YAxisScale = "log"
	return pd
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// WriteFile stores the plot as indented JSON.
func (pd PlotData) WriteFile(path string) error {
	s, err := pd.ToJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(s), 0o644)
}
