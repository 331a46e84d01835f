package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/spectrain/checkpoints"
	"github.com/tsawler/spectrain/config"
	"github.com/tsawler/spectrain/dataset"
	"github.com/tsawler/spectrain/tensor"
	"github.com/tsawler/spectrain/training"
)

func newTrainCommand(log zerolog.Logger) *cobra.Command {
	cfg := config.DefaultConfig()
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier and write best and final checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Resolve(&cfg, cmd.Flags(), cfgPath); err != nil {
				return err
			}
			if err := setLogLevel(log, cfg.LogLevel); err != nil {
				return err
			}
			log.Info().Interface("config", cfg).Msg("configuration")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runTraining(ctx, log, cfg)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.spectrain/config.toml)")
	config.BindFlags(cmd.Flags(), &cfg)
	return cmd
}

// run holds everything built from a Config.
type run struct {
	cache       *dataset.FileCache
	trainLoader *training.DataLoader
	valLoader   *training.DataLoader
	logger      *training.TrainLogger
	saver       *training.ModelSaver
	sink        *training.HTTPTrackingSink
	trainer     *training.Trainer
}

func runTraining(ctx context.Context, log zerolog.Logger, cfg config.Config) error {
	r, err := buildRun(log, cfg)
	if err != nil {
		return err
	}

	if r.sink != nil {
		if err := r.sink.CheckHealth(ctx); err != nil {
			log.Warn().Err(err).Str("url", cfg.TrackingURL).Msg("tracking service unavailable; reports will be retried")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	watchCtx, stopWatch := context.WithCancel(gctx)
	defer stopWatch()

	if cfg.WatchData && r.cache != nil {
		watcher := dataset.NewCacheWatcher(cfg.DataRoot, r.cache, func(path string) {
			log.Debug().Str("path", path).Msg("spectrogram changed, cache entry evicted")
		})
		g.Go(func() error { return watcher.Run(watchCtx) })
	}

	g.Go(func() error {
		defer stopWatch()
		return r.trainer.Train(r.trainLoader, r.valLoader, cfg.Epochs)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	trainLoss, validLoss, trainMetric, validMetric := r.logger.Curves()
	if err := r.saver.SavePlots(trainLoss, validLoss, trainMetric, validMetric); err != nil {
		return err
	}
	if r.sink != nil {
		resp, err := r.sink.SendPlot(ctx, training.LossPlot(cfg.RunName, trainLoss, validLoss))
		if err != nil {
			log.Warn().Err(err).Msg("failed to upload loss plot")
		} else if resp.ViewURL != "" {
			log.Info().Str("url", resp.ViewURL).Msg("loss plot uploaded")
		}
	}

	log.Info().
		Str("run_id", r.logger.RunID()).
		Float64("best_valid_loss", r.saver.BestValidLoss()).
		Str("best", r.saver.BestPath()).
		Str("final", r.saver.FinalPath()).
		Msg("training complete")
	return nil
}

func buildRun(log zerolog.Logger, cfg config.Config) (*run, error) {
	r := &run{}
	training.SetRandomSeed(cfg.Seed)
	training.ConfigurePlotting(training.DefaultPlotStyle())

	var opts []dataset.SpecOption
	if cfg.CacheBytes > 0 {
		r.cache = dataset.NewFileCache(cfg.CacheBytes)
		opts = append(opts, dataset.WithCache(r.cache))
	}
	ds, err := dataset.OpenSpecDataset(cfg.Metadata, cfg.DataRoot, opts...)
	if err != nil {
		return nil, err
	}

	var all dataset.Dataset = ds
	if cfg.Limit > 0 {
		if all, err = dataset.Limit(ds, cfg.Limit); err != nil {
			return nil, err
		}
	}
	trainSet, valSet, err := dataset.RandomSplit(all, cfg.ValFraction, cfg.Seed)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("samples", all.Len()).
		Int("train", trainSet.Len()).
		Int("valid", valSet.Len()).
		Int("classes", ds.NumClasses()).
		Msg("dataset loaded")

	features, err := ds.FeatureCount()
	if err != nil {
		return nil, err
	}

	valCollator := training.Collator{LoadAll: cfg.LoadAll, SampleRate: cfg.SampleRate, Duration: cfg.Duration}
	trainCollator := valCollator
	if cfg.RandomCrop && !cfg.LoadAll {
		window := int(cfg.SampleRate * cfg.Duration)
		trainCollator.Selector = training.RandomWindow(window, rand.New(rand.NewSource(cfg.Seed)))
	}
	r.trainLoader = training.NewDataLoader(trainSet, cfg.BatchSize, true, cfg.Workers, trainCollator, cfg.Seed)
	r.valLoader = training.NewDataLoader(valSet, cfg.BatchSize, false, cfg.Workers, valCollator, cfg.Seed)

	model, err := training.NewSpectrogramClassifier(features, cfg.Hidden, ds.NumClasses())
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("features", features).
		Str("parameters", training.FormatParameterCount(training.CountParameters(model))).
		Msg("model created")

	optimizer, err := training.NewOptimizer(cfg.Optimizer, model.Parameters(), cfg.LearningRate)
	if err != nil {
		return nil, err
	}
	scheduler, err := training.NewScheduler(cfg.Scheduler, cfg.Epochs)
	if err != nil {
		return nil, err
	}
	criterion := training.NewBCELoss("mean")

	metrics := make([]training.Metric, 0, len(cfg.Metrics))
	for _, name := range cfg.Metrics {
		m, err := training.MetricByName(name)
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}

	var sink training.TrackingSink
	if cfg.UseTracking {
		tc := training.DefaultTrackingConfig()
		tc.BaseURL = cfg.TrackingURL
		tc.Timeout = cfg.TrackingTimeout
		r.sink = training.NewHTTPTrackingSink(tc)
		sink = r.sink
	}

	loggerCfg := training.LoggerConfig{
		RunName:       cfg.RunName,
		Metrics:       metrics,
		Criterion:     criterion,
		UseTracking:   cfg.UseTracking,
		KeepAllEpochs: cfg.KeepAllEpochs,
		Sink:          sink,
		StepsPerEpoch: r.trainLoader.Len(),
	}
	if cfg.Progress {
		loggerCfg.Progress = os.Stderr
	}
	r.logger = training.NewTrainLogger(loggerCfg)

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	r.saver, err = training.NewModelSaver(cfg.SaveDir, cfg.RunName, checkpoints.NewCheckpointSaver(format),
		training.WithRunID(r.logger.RunID()))
	if err != nil {
		return nil, err
	}

	device, err := tensor.ParseDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	runner := training.NewValidationRunner(model, training.NewValidator(model, nil, device))
	r.trainer = training.NewTrainer(model, criterion, optimizer, runner, r.logger,
		training.Config{Device: device, ValidateEvery: cfg.ValidateEvery},
		training.WithModelSaver(r.saver),
		training.WithScheduler(scheduler),
	)
	return r, nil
}
