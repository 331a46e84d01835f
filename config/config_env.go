package config

import (
	"os"
	"strings"
)

// ApplyEnvConfig applies configuration from environment variables
// (SPECTRAIN_*). It respects flags that have been explicitly set (changed
// map) and returns an error if a variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("metadata", os.Getenv("SPECTRAIN_METADATA"), &cfg.Metadata)
	s.setString("data-root", os.Getenv("SPECTRAIN_DATA_ROOT"), &cfg.DataRoot)
	s.setString("optimizer", os.Getenv("SPECTRAIN_OPTIMIZER"), &cfg.Optimizer)
	s.setString("scheduler", os.Getenv("SPECTRAIN_SCHEDULER"), &cfg.Scheduler)
	s.setString("device", os.Getenv("SPECTRAIN_DEVICE"), &cfg.Device)
	s.setString("run-name", os.Getenv("SPECTRAIN_RUN_NAME"), &cfg.RunName)
	s.setString("save-dir", os.Getenv("SPECTRAIN_SAVE_DIR"), &cfg.SaveDir)
	s.setString("checkpoint-format", os.Getenv("SPECTRAIN_CHECKPOINT_FORMAT"), &cfg.CheckpointFormat)
	s.setString("tracking-url", os.Getenv("SPECTRAIN_TRACKING_URL"), &cfg.TrackingURL)
	s.setString("log-level", os.Getenv("SPECTRAIN_LOG_LEVEL"), &cfg.LogLevel)

	if v := os.Getenv("SPECTRAIN_METRICS"); v != "" && !changed["metrics"] {
		cfg.Metrics = splitList(v)
	}

	if err := s.setFloatFromString("val-fraction", os.Getenv("SPECTRAIN_VAL_FRACTION"), &cfg.ValFraction); err != nil {
		return err
	}
	if err := s.setFloatFromString("sample-rate", os.Getenv("SPECTRAIN_SAMPLE_RATE"), &cfg.SampleRate); err != nil {
		return err
	}
	if err := s.setFloatFromString("duration", os.Getenv("SPECTRAIN_DURATION"), &cfg.Duration); err != nil {
		return err
	}
	if err := s.setFloatFromString("lr", os.Getenv("SPECTRAIN_LEARNING_RATE"), &cfg.LearningRate); err != nil {
		return err
	}

	ints := []struct {
		flag, env string
		dst       *int
	}{
		{"limit", "SPECTRAIN_LIMIT", &cfg.Limit},
		{"cache-bytes", "SPECTRAIN_CACHE_BYTES", &cfg.CacheBytes},
		{"batch-size", "SPECTRAIN_BATCH_SIZE", &cfg.BatchSize},
		{"workers", "SPECTRAIN_WORKERS", &cfg.Workers},
		{"hidden", "SPECTRAIN_HIDDEN", &cfg.Hidden},
		{"epochs", "SPECTRAIN_EPOCHS", &cfg.Epochs},
		{"validate-every", "SPECTRAIN_VALIDATE_EVERY", &cfg.ValidateEvery},
	}
	for _, v := range ints {
		if err := s.setIntFromString(v.flag, os.Getenv(v.env), v.dst); err != nil {
			return err
		}
	}
	if err := s.setInt64FromString("seed", os.Getenv("SPECTRAIN_SEED"), &cfg.Seed); err != nil {
		return err
	}
	if err := s.setDuration("tracking-timeout", os.Getenv("SPECTRAIN_TRACKING_TIMEOUT"), &cfg.TrackingTimeout); err != nil {
		return err
	}

	s.setBoolFromString("watch", os.Getenv("SPECTRAIN_WATCH_DATA"), &cfg.WatchData)
	s.setBoolFromString("load-all", os.Getenv("SPECTRAIN_LOAD_ALL"), &cfg.LoadAll)
	s.setBoolFromString("random-crop", os.Getenv("SPECTRAIN_RANDOM_CROP"), &cfg.RandomCrop)
	s.setBoolFromString("keep-all-epochs", os.Getenv("SPECTRAIN_KEEP_ALL_EPOCHS"), &cfg.KeepAllEpochs)
	s.setBoolFromString("progress", os.Getenv("SPECTRAIN_PROGRESS"), &cfg.Progress)
	s.setBoolFromString("tracking", os.Getenv("SPECTRAIN_USE_TRACKING"), &cfg.UseTracking)

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
