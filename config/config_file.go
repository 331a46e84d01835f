package config

import (
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config for TOML. Durations are strings and booleans are
// pointers so that unset keys leave the defaults alone.
type FileConfig struct {
	Metadata    string  `toml:"metadata"`
	DataRoot    string  `toml:"data_root"`
	ValFraction float64 `toml:"val_fraction"`
	Limit       int     `toml:"limit"`
	Seed        int64   `toml:"seed"`
	CacheBytes  int     `toml:"cache_bytes"`
	WatchData   *bool   `toml:"watch_data"`

	BatchSize  int     `toml:"batch_size"`
	Workers    int     `toml:"workers"`
	LoadAll    *bool   `toml:"load_all"`
	SampleRate float64 `toml:"sample_rate"`
	Duration   float64 `toml:"duration"`
	RandomCrop *bool   `toml:"random_crop"`

	Hidden       int      `toml:"hidden"`
	Epochs       int      `toml:"epochs"`
	Optimizer    string   `toml:"optimizer"`
	LearningRate float64  `toml:"learning_rate"`
	Scheduler    string   `toml:"scheduler"`
	Metrics      []string `toml:"metrics"`

	Device        string `toml:"device"`
	ValidateEvery int    `toml:"validate_every"`

	RunName          string `toml:"run_name"`
	SaveDir          string `toml:"save_dir"`
	CheckpointFormat string `toml:"checkpoint_format"`
	KeepAllEpochs    *bool  `toml:"keep_all_epochs"`
	Progress         *bool  `toml:"progress"`

	UseTracking     *bool  `toml:"use_tracking"`
	TrackingURL     string `toml:"tracking_url"`
	TrackingTimeout string `toml:"tracking_timeout"`

	LogLevel string `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("metadata", fc.Metadata, &cfg.Metadata)
	s.setString("data-root", fc.DataRoot, &cfg.DataRoot)
	s.setFloat("val-fraction", fc.ValFraction, &cfg.ValFraction)
	s.setInt("limit", fc.Limit, &cfg.Limit)
	s.setInt64("seed", fc.Seed, &cfg.Seed)
	s.setInt("cache-bytes", fc.CacheBytes, &cfg.CacheBytes)
	s.setBool("watch", fc.WatchData, &cfg.WatchData)

	s.setInt("batch-size", fc.BatchSize, &cfg.BatchSize)
	s.setInt("workers", fc.Workers, &cfg.Workers)
	s.setBool("load-all", fc.LoadAll, &cfg.LoadAll)
	s.setFloat("sample-rate", fc.SampleRate, &cfg.SampleRate)
	s.setFloat("duration", fc.Duration, &cfg.Duration)
	s.setBool("random-crop", fc.RandomCrop, &cfg.RandomCrop)

	s.setInt("hidden", fc.Hidden, &cfg.Hidden)
	s.setInt("epochs", fc.Epochs, &cfg.Epochs)
	s.setString("optimizer", fc.Optimizer, &cfg.Optimizer)
	s.setFloat("lr", fc.LearningRate, &cfg.LearningRate)
	s.setString("scheduler", fc.Scheduler, &cfg.Scheduler)
	s.setStrings("metrics", fc.Metrics, &cfg.Metrics)

	s.setString("device", fc.Device, &cfg.Device)
	s.setInt("validate-every", fc.ValidateEvery, &cfg.ValidateEvery)

	s.setString("run-name", fc.RunName, &cfg.RunName)
	s.setString("save-dir", fc.SaveDir, &cfg.SaveDir)
	s.setString("checkpoint-format", fc.CheckpointFormat, &cfg.CheckpointFormat)
	s.setBool("keep-all-epochs", fc.KeepAllEpochs, &cfg.KeepAllEpochs)
	s.setBool("progress", fc.Progress, &cfg.Progress)

	s.setBool("tracking", fc.UseTracking, &cfg.UseTracking)
	s.setString("tracking-url", fc.TrackingURL, &cfg.TrackingURL)
	if err := s.setDuration("tracking-timeout", fc.TrackingTimeout, &cfg.TrackingTimeout); err != nil {
		return err
	}

	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	return nil
}
