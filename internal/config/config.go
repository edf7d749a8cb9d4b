package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the full service configuration.
type Config struct {
	Image      ImageConfig      `yaml:"image"`
	Split      SplitConfig      `yaml:"split"`
	Model      ModelConfig      `yaml:"model"`
	Training   TrainingConfig   `yaml:"training"`
	Prediction PredictionConfig `yaml:"prediction"`
	RandomSeed int64            `yaml:"random_seed"`
	Paths      PathsConfig      `yaml:"paths"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Log        LogConfig        `yaml:"log"`
}

type ImageConfig struct {
	Size     int `yaml:"size" validate:"min=2,max=1024"`
	Channels int `yaml:"channels" validate:"eq=1"`
}

type SplitConfig struct {
	Train      float64 `yaml:"train" validate:"gt=0,lt=1"`
	Validation float64 `yaml:"validation" validate:"gt=0,lt=1"`
	Test       float64 `yaml:"test" validate:"gt=0,lt=1"`
}

type ModelConfig struct {
	HiddenLayers     []int  `yaml:"hidden_layers" validate:"min=1,dive,min=1"`
	HiddenActivation string `yaml:"hidden_activation" validate:"oneof=relu tanh sigmoid"`
	OutputActivation string `yaml:"output_activation" validate:"eq=sigmoid"`
}

type TrainingConfig struct {
	LearningRate          float64  `yaml:"learning_rate" validate:"gt=0"`
	BatchSize             int      `yaml:"batch_size" validate:"min=1"`
	Epochs                int      `yaml:"epochs" validate:"min=1"`
	EarlyStoppingPatience int      `yaml:"early_stopping_patience" validate:"min=1"`
	LRDecayPatience       int      `yaml:"lr_decay_patience" validate:"min=1"`
	LRDecayFactor         float64  `yaml:"lr_decay_factor" validate:"gt=0,lt=1"`
	MinLearningRate       float64  `yaml:"min_learning_rate" validate:"gte=0"`
	Optimizer             string   `yaml:"optimizer" validate:"oneof=adam sgd"`
	Loss                  string   `yaml:"loss" validate:"eq=binary_crossentropy"`
	Metrics               []string `yaml:"metrics" validate:"dive,oneof=accuracy precision recall"`
}

type PredictionConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"gte=0,lte=1"`
}

type PathsConfig struct {
	DatasetDir     string `yaml:"dataset_dir"`
	Manifest       string `yaml:"manifest"`
	SavedModelsDir string `yaml:"saved_models_dir" validate:"required"`
	ModelName      string `yaml:"model_name" validate:"required"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTAudience     string        `yaml:"jwt_audience"`
	MaxUploadSize   int64         `yaml:"max_upload_size" validate:"min=1024"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WatchModels     bool          `yaml:"watch_models"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type QueueConfig struct {
	Concurrency int           `yaml:"concurrency" validate:"min=1"`
	Queue       string        `yaml:"queue" validate:"required"`
	Timeout     time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the stock configuration for 128x128 grayscale signatures.
func Default() *Config {
	return &Config{
		Image: ImageConfig{Size: 128, Channels: 1},
		Split: SplitConfig{Train: 0.70, Validation: 0.15, Test: 0.15},
		Model: ModelConfig{
			HiddenLayers:     []int{256, 128, 64},
			HiddenActivation: "relu",
			OutputActivation: "sigmoid",
		},
		Training: TrainingConfig{
			LearningRate:          0.001,
			BatchSize:             32,
			Epochs:                50,
			EarlyStoppingPatience: 10,
			LRDecayPatience:       5,
			LRDecayFactor:         0.5,
			MinLearningRate:       0.00001,
			Optimizer:             "adam",
			Loss:                  "binary_crossentropy",
			Metrics:               []string{"accuracy", "precision", "recall"},
		},
		Prediction: PredictionConfig{ConfidenceThreshold: 0.5, SimilarityThreshold: 0.85},
		RandomSeed: 42,
		Paths: PathsConfig{
			DatasetDir:     "Dataset",
			SavedModelsDir: "saved_models",
			ModelName:      "signature_model_latest",
		},
		Server: ServerConfig{
			Addr:            ":8000",
			CORSOrigins:     []string{"*"},
			MaxUploadSize:   10 << 20,
			ShutdownTimeout: 15 * time.Second,
			WatchModels:     true,
		},
		Redis: RedisConfig{CacheTTL: 10 * time.Minute},
		Queue: QueueConfig{Concurrency: 1, Queue: "training", Timeout: 6 * time.Hour},
		Log:   LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
	}
}

// Load reads the YAML file at path on top of Default, loads .env if present,
// applies environment overrides and validates the result. An empty path skips
// the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getEnv("SIGVERIFY_ADDR", c.Server.Addr)
	c.Server.GRPCAddr = getEnv("SIGVERIFY_GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.JWTSecret = getEnv("JWT_SECRET", c.Server.JWTSecret)
	c.Server.JWTAudience = getEnv("JWT_AUDIENCE", c.Server.JWTAudience)
	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Paths.SavedModelsDir = getEnv("MODEL_DIR", c.Paths.SavedModelsDir)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	if raw := os.Getenv("RANDOM_SEED"); raw != "" {
		seed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("RANDOM_SEED: %w", err)
		}
		c.RandomSeed = seed
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	sum := c.Split.Train + c.Split.Validation + c.Split.Test
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("invalid config: split ratios sum to %.4f, want 1", sum)
	}
	if c.Training.MinLearningRate > c.Training.LearningRate {
		return errors.New("invalid config: min_learning_rate exceeds learning_rate")
	}
	return nil
}

// InputSize is the flattened classifier input width.
func (c *Config) InputSize() int {
	return c.Image.Size * c.Image.Size * c.Image.Channels
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
