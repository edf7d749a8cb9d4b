package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/sigverify/internal/imageloader"
	"github.com/example/sigverify/internal/logging"
	"github.com/example/sigverify/internal/verification"
)

// Cache abstracts the Redis operations used by the use case to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// CachingProber serves probabilities for the published model, remembering
// them in Redis by model version and image digest. Cache failures never fail
// a request; the model is consulted instead.
type CachingProber struct {
	handle         *verification.ModelHandle
	cache          Cache
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCachingProber constructs a prober. A nil cache disables caching.
func NewCachingProber(handle *verification.ModelHandle, cache Cache, ttl time.Duration, logger *zap.Logger) *CachingProber {
	return &CachingProber{
		handle:         handle,
		cache:          cache,
		ttl:            ttl,
		logger:         logger.Named("probability_cache"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func probabilityKey(version, digest string) string {
	return fmt.Sprintf("prob:%s:%s", version, digest)
}

// Pin implements verification.Prober.
func (p *CachingProber) Pin() (*verification.LoadedModel, error) {
	return verification.PinCurrent(p.handle)
}

// Probability implements verification.Prober. The cache key carries the
// pinned model's version.
func (p *CachingProber) Probability(ctx context.Context, m *verification.LoadedModel, img imageloader.Image) (float64, error) {
	if p.cache == nil || img.Digest == "" {
		return m.Net.Classify(img)
	}

	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(p.logger, "usecase.probability", requestID)
	key := probabilityKey(m.Version, img.Digest)

	if cached, err := p.withRedisGet(ctx, requestID, "cache.get.probability", key); err == nil {
		prob, perr := strconv.ParseFloat(cached, 64)
		if perr == nil {
			opLogger.Debug("probability cache hit", zap.String("key", key))
			return prob, nil
		}
		opLogger.Warn("failed to decode cached probability", zap.Error(perr))
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	prob, err := m.Net.Classify(img)
	if err != nil {
		return 0, err
	}
	value := strconv.FormatFloat(prob, 'g', -1, 64)
	if err := p.withRedisRetry(ctx, requestID, "cache.set.probability", func() error {
		return p.cache.Set(ctx, key, value, p.ttl)
	}); err != nil {
		opLogger.Warn("failed to cache probability", zap.Error(err))
	}
	return prob, nil
}

func (p *CachingProber) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if p.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := p.initialBackoff
	opLogger := logging.WithOperation(p.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < p.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == p.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (p *CachingProber) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := p.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := p.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
