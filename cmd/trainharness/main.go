package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"trainharness/internal/config"
	"trainharness/internal/dataset"
	"trainharness/internal/metrics"
	"trainharness/internal/model"
	"trainharness/internal/sink"
	"trainharness/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults to a synthetic run)")
	trainDir := flag.String("train-dir", "", "Override training shard directory")
	evalDir := flag.String("eval-dir", "", "Override evaluation shard directory")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of prefetch workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	reportEvery := flag.Int("report-every", 0, "Report every N batches")
	lr := flag.Float64("lr", 0, "Learning rate")
	logDir := flag.String("log-dir", "", "Directory for run event logs")

	flag.Parse()

	logger := log.New(os.Stderr, "trainharness: ", log.LstdFlags)

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			logger.Fatalf("failed to load config: %v", err)
		}
	}

	cfg.ApplyOverrides(config.Overrides{
		TrainDir:     *trainDir,
		EvalDir:      *evalDir,
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		NumWorkers:   *numWorkers,
		Seed:         *seed,
		ReportEvery:  *reportEvery,
		LearningRate: *lr,
		LogDir:       *logDir,
	})

	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("run failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	train, eval, err := loadData(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Printf("train_examples=%d eval_examples=%d classes=%d", train.Len(), eval.Len(), cfg.NumClasses)

	trainIt, err := dataset.NewIterator(train, cfg.BatchSize, cfg.Shuffle, cfg.Seed)
	if err != nil {
		return err
	}
	var trainSrc trainer.BatchSource = trainIt
	if cfg.NumWorkers > 0 {
		p := dataset.NewPrefetcher(trainIt, cfg.NumWorkers, cfg.PrefetchDepth)
		defer p.Close()
		trainSrc = p
	}
	evalIt, err := dataset.NewIterator(eval, cfg.EvalBatchSize, false, cfg.Seed)
	if err != nil {
		return err
	}

	net, err := buildModel(cfg)
	if err != nil {
		return err
	}

	events, err := sink.NewEventLog(cfg.LogDir, "")
	if err != nil {
		return err
	}
	defer func() {
		if err := events.Close(); err != nil {
			logger.Printf("close event log: %v", err)
		}
	}()
	logger.Printf("run_id=%s dir=%s", events.RunID(), events.Dir())
	out := sink.Tee(events, sink.NewLogger(logger))

	if d, ok := net.(model.Describer); ok {
		sample, err := trainIt.Next(ctx)
		if err != nil {
			return err
		}
		if err := out.WriteGraph("model", d.Describe(), sample.Inputs); err != nil {
			logger.Printf("sink_error %v", err)
		}
	}
	if err := trainer.WriteEmbedding(out, train, cfg.EmbeddingPoints, cfg.Seed, cfg.ClassNames); err != nil {
		logger.Printf("sink_error %v", err)
	}

	loop := &trainer.Loop{
		Model:       net,
		Source:      trainSrc,
		Epochs:      cfg.Epochs,
		ReportEvery: cfg.ReportEvery,
		NumClasses:  cfg.NumClasses,
		Metrics:     out,
		Artifacts:   out,
		Visualize:   trainer.ImageGrid(4),
		Logger:      logger,
	}
	summary, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	logger.Printf("training done epochs=%d batches=%d reports=%d loss=%.4f sink_errors=%d",
		summary.Epochs,
		summary.Batches,
		summary.Reports,
		summary.LastMeanLoss,
		summary.SinkErrors,
	)

	scorer, ok := net.(model.Scorer)
	if !ok {
		return nil
	}
	evaluator := &trainer.Evaluator{
		Model:      scorer,
		Source:     evalIt,
		NumClasses: cfg.NumClasses,
		Logger:     logger,
	}
	agg, err := evaluator.Run(ctx)
	if err != nil {
		return err
	}
	if err := out.WriteScalar("eval accuracy", agg.Accuracy(), summary.Batches); err != nil {
		logger.Printf("sink_error %v", err)
	}
	if err := agg.PublishPRCurves(out, cfg.ClassNames, metrics.DefaultThresholds, summary.Batches); err != nil {
		logger.Printf("sink_error %v", err)
	}
	return events.Flush()
}

func loadData(ctx context.Context, cfg *config.Config) (train, eval *dataset.InMemory, err error) {
	if cfg.Synthetic() {
		all, err := dataset.Gaussian(cfg.SyntheticExamples, cfg.InputDim, cfg.NumClasses, cfg.Seed)
		if err != nil {
			return nil, nil, err
		}
		return all.Split(0.2)
	}
	train, err = dataset.LoadDir(ctx, cfg.TrainDir, cfg.FeatureGrid, cfg.NumClasses)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EvalDir == "" {
		return train.Split(0.2)
	}
	eval, err = dataset.LoadDir(ctx, cfg.EvalDir, cfg.FeatureGrid, cfg.NumClasses)
	if err != nil {
		return nil, nil, err
	}
	return train, eval, nil
}

func buildModel(cfg *config.Config) (model.Model, error) {
	linear := model.NewLinear(cfg.NumClasses, cfg.InputSize(), cfg.LearningRate, cfg.Seed)
	if len(cfg.Devices) == 0 {
		return linear, nil
	}
	return model.NewDataParallel(linear, cfg.Devices)
}
