package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/sigverify/internal/auth"
	"github.com/example/sigverify/internal/config"
	"github.com/example/sigverify/internal/grpchealth"
	"github.com/example/sigverify/internal/handlers"
	"github.com/example/sigverify/internal/imageloader"
	"github.com/example/sigverify/internal/jobs"
	"github.com/example/sigverify/internal/logging"
	"github.com/example/sigverify/internal/modelstore"
	"github.com/example/sigverify/internal/repository"
	"github.com/example/sigverify/internal/usecase"
	"github.com/example/sigverify/internal/verification"
)

const decodeCacheSize = 256

func main() {
	configPath := flag.String("config", os.Getenv("SIGVERIFY_CONFIG"), "path to YAML config")
	healthcheck := flag.Bool("healthcheck", false, "probe the gRPC health endpoint and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.OptionsFromConfig(cfg.Log))
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if *healthcheck {
		os.Exit(runHealthcheck(cfg, logger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := modelstore.New(cfg.Paths.SavedModelsDir, logger)
	if err != nil {
		logger.Fatal("failed to open model store", zap.Error(err))
	}

	decoder, err := imageloader.NewCachingLoader(imageloader.New(cfg.Image.Size), decodeCacheSize)
	if err != nil {
		logger.Fatal("failed to build decoder", zap.Error(err))
	}

	handle := verification.NewModelHandle()
	var prober verification.Prober = verification.NewHandleProber(handle)

	deps := usecase.Dependencies{
		Handle:    handle,
		Loader:    store,
		ModelName: cfg.Paths.ModelName,
	}

	if cfg.Database.DSN != "" {
		initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		db, err := repository.Open(initCtx, cfg.Database.DSN, logger)
		cancel()
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		runs := repository.NewTrainingRunRepository(db, logger)
		if err := runs.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		deps.Runs = runs
	} else {
		logger.Info("database not configured, run registry disabled")
	}

	if cfg.Redis.Addr != "" {
		redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis, logger)
		cancel()
		defer redisClient.Close()

		prober = usecase.NewCachingProber(handle, usecase.NewRedisCache(redisClient), cfg.Redis.CacheTTL, logger)

		queueClient := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer queueClient.Close()
		deps.Queue = jobs.NewClient(queueClient, cfg.Queue.Queue, cfg.Queue.Timeout)
	} else {
		logger.Info("redis not configured, probability cache and training queue disabled")
	}

	engine, err := verification.NewEngine(prober, decoder, verification.Options{
		ConfidenceThreshold: cfg.Prediction.ConfidenceThreshold,
		SimilarityThreshold: cfg.Prediction.SimilarityThreshold,
	})
	if err != nil {
		logger.Fatal("invalid prediction thresholds", zap.Error(err))
	}
	deps.Engine = engine

	var healthServer *grpchealth.Server
	if cfg.Server.GRPCAddr != "" {
		healthServer = grpchealth.New(logger)
		deps.Status = healthServer
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen for grpc", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
		}
		go func() {
			if err := healthServer.Serve(ctx, lis); err != nil {
				logger.Error("grpc health server stopped", zap.Error(err))
			}
		}()
	}

	uc := usecase.NewSignatureUseCase(deps, logger)

	if _, err := uc.ReloadModel(ctx, "startup"); err != nil {
		logger.Warn("no model loaded at startup, inference unavailable until reload", zap.Error(err))
	}

	if cfg.Server.WatchModels {
		watcher := modelstore.NewWatcher(store, cfg.Paths.ModelName, logger)
		go func() {
			err := watcher.Run(ctx, func() {
				if _, err := uc.ReloadModel(ctx, "watcher"); err != nil {
					logger.Warn("automatic reload failed", zap.Error(err))
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("model watcher stopped", zap.Error(err))
			}
		}()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.Server.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(auth.Options{
		Secret:   cfg.Server.JWTSecret,
		Audience: cfg.Server.JWTAudience,
		Logger:   logger,
	})
	handlers.RegisterRoutes(r, uc, authMiddleware, handlers.Options{
		MaxUploadSize: cfg.Server.MaxUploadSize,
		CORSOrigins:   cfg.Server.CORSOrigins,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("signature verification API listening", zap.String("addr", cfg.Server.Addr))
	err = serve(server, serveOptions{
		shutdownTimeout: cfg.Server.ShutdownTimeout,
		beforeShutdown: func() {
			if healthServer != nil {
				healthServer.SetServing(false)
			}
		},
	}, logger)
	if err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	addr := cfg.Server.GRPCAddr
	if addr == "" {
		logger.Error("healthcheck requires server.grpc_addr")
		return 1
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := grpchealth.Probe(ctx, addr, logger)
	if err != nil {
		logger.Error("healthcheck failed", zap.Error(err))
		return 1
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		logger.Warn("service not serving", zap.String("status", status.String()))
		return 1
	}
	return 0
}

// serveOptions controls how the HTTP server is run and drained. A nil
// listener means ListenAndServe on server.Addr; nil signals means SIGINT and
// SIGTERM.
type serveOptions struct {
	listener        net.Listener
	signals         <-chan os.Signal
	shutdownTimeout time.Duration
	// beforeShutdown runs once a signal arrives, before in-flight requests
	// are drained.
	beforeShutdown func()
}

func serve(server *http.Server, opts serveOptions, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if opts.listener != nil {
			err = server.Serve(opts.listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	signals := opts.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-signals:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal, draining requests",
			zap.String("signal", sig.String()),
			zap.Duration("timeout", opts.shutdownTimeout),
		)
		if opts.beforeShutdown != nil {
			opts.beforeShutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
