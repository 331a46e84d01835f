package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tsawler/spectrain/dataset"
	"github.com/tsawler/spectrain/training"
)

var longHelp = strings.TrimSpace(`
Train multi-label audio classifiers on precomputed spectrograms.

Configuration is read from a TOML file, then SPECTRAIN_* environment
variables, then flags; later sources win.
`)

var exampleUsage = strings.TrimSpace(`
  spectrain train --metadata data/train.csv --epochs 20 --validate-every 100
  spectrain train --config $HOME/.spectrain/config.toml --tracking
  spectrain inspect checkpoints/spectrain_best_model.json
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

// setLogLevel applies level globally and hands component loggers to the
// library packages.
func setLogLevel(log zerolog.Logger, level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)
	dataset.SetLogger(log.With().Str("component", "dataset").Logger())
	training.SetLogger(log.With().Str("component", "training").Logger())
	return nil
}

func main() {
	log := newLogger()

	root := &cobra.Command{
		Use:           "spectrain",
		Short:         "Train spectrogram audio classifiers",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newTrainCommand(log), newInspectCommand())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("spectrain")
		os.Exit(1)
	}
}
