package config

import (
	"fmt"
	"os"
	"path/filepath"

	pflag "github.com/spf13/pflag"
)

// DefaultConfigPath returns ~/.spectrain/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".spectrain", "config.toml")
	}
	return ""
}

// BindFlags registers one flag per Config field on fs, using the current
// values of cfg as defaults.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Metadata, "metadata", cfg.Metadata, "metadata CSV with filename and labels columns")
	fs.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "directory holding the spectrogram files (defaults to the metadata directory)")
	fs.Float64Var(&cfg.ValFraction, "val-fraction", cfg.ValFraction, "fraction of samples held out for validation")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "use at most this many samples (0 for all)")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "seed for splitting, shuffling and initialization")
	fs.IntVar(&cfg.CacheBytes, "cache-bytes", cfg.CacheBytes, "in-memory spectrogram cache size (0 disables)")
	fs.BoolVar(&cfg.WatchData, "watch", cfg.WatchData, "evict cached spectrograms when files change on disk")

	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "samples per batch")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "parallel sample loads per batch")
	fs.BoolVar(&cfg.LoadAll, "load-all", cfg.LoadAll, "pad to the longest sample instead of a fixed window")
	fs.Float64Var(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "time steps per second for the fixed window")
	fs.Float64Var(&cfg.Duration, "duration", cfg.Duration, "fixed window length in seconds")
	fs.BoolVar(&cfg.RandomCrop, "random-crop", cfg.RandomCrop, "crop training samples at a random offset")

	fs.IntVar(&cfg.Hidden, "hidden", cfg.Hidden, "hidden layer width (0 for a linear classifier)")
	fs.IntVar(&cfg.Epochs, "epochs", cfg.Epochs, "number of training epochs")
	fs.StringVar(&cfg.Optimizer, "optimizer", cfg.Optimizer, "optimizer: adam or sgd")
	fs.Float64Var(&cfg.LearningRate, "lr", cfg.LearningRate, "learning rate")
	fs.StringVar(&cfg.Scheduler, "scheduler", cfg.Scheduler, "learning rate schedule: none, step, exponential, cosine or plateau")
	fs.StringSliceVar(&cfg.Metrics, "metrics", cfg.Metrics, "metrics to report: macro_auc, micro_f1, macro_f1")

	fs.StringVar(&cfg.Device, "device", cfg.Device, "compute device")
	fs.IntVar(&cfg.ValidateEvery, "validate-every", cfg.ValidateEvery, "validate every N steps (-1 for once per epoch)")

	fs.StringVar(&cfg.RunName, "run-name", cfg.RunName, "run name used for checkpoint and plot files")
	fs.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "checkpoint directory")
	fs.StringVar(&cfg.CheckpointFormat, "checkpoint-format", cfg.CheckpointFormat, "checkpoint format: json or binary")
	fs.BoolVar(&cfg.KeepAllEpochs, "keep-all-epochs", cfg.KeepAllEpochs, "keep metrics of every epoch instead of the latest")
	fs.BoolVar(&cfg.Progress, "progress", cfg.Progress, "show a progress bar")

	fs.BoolVar(&cfg.UseTracking, "tracking", cfg.UseTracking, "send reports to the tracking service")
	fs.StringVar(&cfg.TrackingURL, "tracking-url", cfg.TrackingURL, "tracking service base URL")
	fs.DurationVar(&cfg.TrackingTimeout, "tracking-timeout", cfg.TrackingTimeout, "tracking HTTP timeout")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
}

// Resolve layers the config file at path and the environment under the
// flags already parsed into fs, then validates the result. An empty path
// falls back to DefaultConfigPath; a missing default file is not an error.
func Resolve(cfg *Config, fs *pflag.FlagSet, path string) error {
	changed := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if path != "" && (explicit || FileExists(path)) {
		fc, err := LoadFileConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := ApplyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	}

	if err := ApplyEnvConfig(cfg, changed); err != nil {
		return err
	}
	return cfg.Validate()
}
