package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/example/sigverify/internal/config"
	"github.com/example/sigverify/internal/imageloader"
	"github.com/example/sigverify/internal/jobs"
	"github.com/example/sigverify/internal/logging"
	"github.com/example/sigverify/internal/modelstore"
	"github.com/example/sigverify/internal/pipeline"
	"github.com/example/sigverify/internal/repository"
)

func main() {
	configPath := flag.String("config", os.Getenv("SIGVERIFY_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(logging.OptionsFromConfig(cfg.Log))
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Redis.Addr == "" {
		logger.Fatal("worker requires redis.addr")
	}

	store, err := modelstore.New(cfg.Paths.SavedModelsDir, logger)
	if err != nil {
		logger.Fatal("failed to open model store", zap.Error(err))
	}

	var runs pipeline.RunRecorder
	if cfg.Database.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		db, err := repository.Open(ctx, cfg.Database.DSN, logger)
		if err != nil {
			cancel()
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		repo := repository.NewTrainingRunRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			cancel()
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		cancel()
		runs = repo
	}

	p := pipeline.New(cfg, imageloader.New(cfg.Image.Size), store, runs, logger)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB},
		asynq.Config{
			Concurrency:     cfg.Queue.Concurrency,
			Queues:          map[string]int{cfg.Queue.Queue: 1},
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Logger:          logger.Named("asynq").Sugar(),
		},
	)

	logger.Info("training worker started",
		zap.String("queue", cfg.Queue.Queue),
		zap.Int("concurrency", cfg.Queue.Concurrency),
	)
	if err := srv.Run(jobs.NewServeMux(jobs.NewTrainingHandler(p, logger))); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}
