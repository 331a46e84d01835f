// Package config holds the settings of a spectrain training run and the
// layering rules that build them from a TOML file, SPECTRAIN_* environment
// variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tsawler/spectrain/checkpoints"
	"github.com/tsawler/spectrain/tensor"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds the settings of one training run.
type Config struct {
	// Data
	Metadata    string
	DataRoot    string
	ValFraction float64
	Limit       int
	Seed        int64
	CacheBytes  int
	WatchData   bool

	// Batching
	BatchSize  int
	Workers    int
	LoadAll    bool
	SampleRate float64
	Duration   float64
	RandomCrop bool

	// Model and optimization
	Hidden       int
	Epochs       int
	Optimizer    string
	LearningRate float64
	Scheduler    string
	Metrics      []string

	// Loop
	Device        string
	ValidateEvery int

	// Output
	RunName          string
	SaveDir          string
	CheckpointFormat string
	KeepAllEpochs    bool
	Progress         bool

	// Tracking
	UseTracking     bool
	TrackingURL     string
	TrackingTimeout time.Duration

	LogLevel string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ValFraction:      0.2,
		Seed:             42,
		CacheBytes:       64 << 20, // 64MB
		BatchSize:        16,
		Workers:          4,
		LoadAll:          true,
		SampleRate:       16000,
		Duration:         30,
		Hidden:           64,
		Epochs:           10,
		Optimizer:        "adam",
		LearningRate:     1e-3,
		Scheduler:        "none",
		Metrics:          []string{"macro_auc", "micro_f1"},
		Device:           "cpu",
		ValidateEvery:    -1,
		RunName:          "spectrain",
		SaveDir:          "checkpoints",
		CheckpointFormat: "json",
		Progress:         true,
		TrackingURL:      "http://localhost:8080",
		TrackingTimeout:  30 * time.Second,
		LogLevel:         "info",
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.Metadata == "" {
		return fmt.Errorf("%w: metadata is required", ErrInvalidConfig)
	}
	if c.DataRoot == "" {
		c.DataRoot = filepath.Dir(c.Metadata)
	}
	if c.ValFraction <= 0 || c.ValFraction >= 1 {
		return fmt.Errorf("%w: val-fraction must be in (0, 1), got %g", ErrInvalidConfig, c.ValFraction)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch-size must be positive", ErrInvalidConfig)
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if !c.LoadAll && c.SampleRate*c.Duration < 1 {
		return fmt.Errorf("%w: sample-rate*duration must cover at least one step", ErrInvalidConfig)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("%w: epochs must be positive", ErrInvalidConfig)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("%w: learning rate must be positive", ErrInvalidConfig)
	}
	if c.ValidateEvery != -1 && c.ValidateEvery <= 0 {
		return fmt.Errorf("%w: validate-every must be -1 or positive, got %d", ErrInvalidConfig, c.ValidateEvery)
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.RunName == "" {
		return fmt.Errorf("%w: run name is required", ErrInvalidConfig)
	}

	// Ensure no trailing slash
	c.TrackingURL = strings.TrimRight(c.TrackingURL, "/")
	if c.UseTracking && c.TrackingURL == "" {
		return fmt.Errorf("%w: tracking-url is required when tracking is enabled", ErrInvalidConfig)
	}
	return nil
}

// configSetter applies values unless the corresponding flag was set
// explicitly on the command line.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt accepts any non-zero value so that -1 sentinels can be configured.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// The *FromString variants parse environment variables.

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = i
	return nil
}

func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
