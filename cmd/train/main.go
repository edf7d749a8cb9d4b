package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/sigverify/internal/config"
	"github.com/example/sigverify/internal/imageloader"
	"github.com/example/sigverify/internal/logging"
	"github.com/example/sigverify/internal/modelstore"
	"github.com/example/sigverify/internal/pipeline"
	"github.com/example/sigverify/internal/repository"
)

func main() {
	configPath := flag.String("config", os.Getenv("SIGVERIFY_CONFIG"), "path to YAML config")
	datasetDir := flag.String("dataset", "", "dataset root, overrides paths.dataset_dir")
	manifest := flag.String("manifest", "", "YAML manifest, overrides directory scanning")
	epochs := flag.Int("epochs", 0, "maximum epochs, overrides training.epochs")
	dsn := flag.String("dsn", "", "run registry DSN, e.g. sqlite:runs.db")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *datasetDir != "" {
		cfg.Paths.DatasetDir = *datasetDir
	}
	if *manifest != "" {
		cfg.Paths.Manifest = *manifest
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger, err := logging.NewLogger(logging.OptionsFromConfig(cfg.Log))
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := modelstore.New(cfg.Paths.SavedModelsDir, logger)
	if err != nil {
		logger.Fatal("failed to open model store", zap.Error(err))
	}

	var runs pipeline.RunRecorder
	if cfg.Database.DSN != "" {
		db, err := repository.Open(ctx, cfg.Database.DSN, logger)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		repo := repository.NewTrainingRunRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		runs = repo
	}

	p := pipeline.New(cfg, imageloader.New(cfg.Image.Size), store, runs, logger)
	out, err := p.Run(ctx, pipeline.Request{Epochs: *epochs})
	if err != nil {
		logger.Fatal("training failed", zap.Error(err))
	}

	fmt.Printf("run %s\n", out.RunID)
	fmt.Printf("samples train=%d validation=%d test=%d\n", out.Samples.Train, out.Samples.Validation, out.Samples.Test)
	fmt.Println()
	fmt.Println("epoch  loss     acc      val_loss  val_acc  lr")
	for _, m := range out.Training.History {
		fmt.Printf("%5d  %.4f   %.4f   %.4f    %.4f   %.2e\n", m.Epoch, m.Loss, m.Accuracy, m.ValLoss, m.ValAccuracy, m.LearningRate)
	}
	if out.Training.StoppedEarly {
		fmt.Printf("stopped early, restored weights from epoch %d\n", out.Training.BestEpoch)
	}
	fmt.Println()
	fmt.Println(out.Report.Summary())

	if net, err := store.Load(out.ModelName); err == nil {
		fmt.Println(net.Summary())
	}
	fmt.Printf("model saved to %s\n", out.Paths.Model)
}
