// internal/client/redis_client.go
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrCircuitOpen is returned without touching the network while the breaker is open.
var ErrCircuitOpen = errors.New("redis circuit breaker open")

// RedisConfig defines configuration for Redis client
type RedisConfig struct {
	Enabled         bool                 `yaml:"enabled" env:"REDIS_ENABLED"`
	Address         string               `yaml:"address" env:"REDIS_ADDRESS"`
	Password        string               `yaml:"password" env:"REDIS_PASSWORD"`
	DB              int                  `yaml:"db" env:"REDIS_DB"`
	KeyPrefix       string               `yaml:"key_prefix"`
	PoolSize        int                  `yaml:"pool_size"`
	MinIdleConns    int                  `yaml:"min_idle_conns"`
	MaxRetries      int                  `yaml:"max_retries"`
	DialTimeout     time.Duration        `yaml:"dial_timeout"`
	ReadTimeout     time.Duration        `yaml:"read_timeout"`
	WriteTimeout    time.Duration        `yaml:"write_timeout"`
	PoolTimeout     time.Duration        `yaml:"pool_timeout"`
	ConnMaxIdleTime time.Duration        `yaml:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration        `yaml:"conn_max_lifetime"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	FailureRatio float64       `yaml:"failure_ratio"`
	RecoveryTime time.Duration `yaml:"recovery_time"`
	MinRequests  uint64        `yaml:"min_requests"`
}

// LatencyObserver receives one callback per instrumented operation.
type LatencyObserver func(op string, d time.Duration, err error)

// RedisClient wraps redis.Client with a circuit breaker, tracing and the
// atomic helpers the admission chain relies on.
type RedisClient struct {
	*redis.Client
	config   RedisConfig
	mu       sync.Mutex
	closed   bool
	stats    RedisStats
	cb       *circuitBreaker
	observer LatencyObserver
}

type RedisStats struct {
	Commands    uint64
	Errors      uint64
	Timeouts    uint64
	CircuitOpen uint64
}

type circuitBreaker struct {
	mu           sync.Mutex
	state        string // "closed", "open", "half-open"
	failures     uint64
	successes    uint64
	total        uint64
	lastFailure  time.Time
	failureRatio float64
	recoveryTime time.Duration
	minRequests  uint64
}

// NewRedisClient creates a new Redis client instance
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*RedisClient, error) {
	rc := WrapClient(redis.NewClient(options(cfg)), cfg)
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("[Redis] Connected to %s (DB:%d)", cfg.Address, cfg.DB)
	return rc, nil
}

// WrapClient instruments an existing go-redis client.
func WrapClient(c *redis.Client, cfg RedisConfig) *RedisClient {
	rc := &RedisClient{Client: c, config: cfg}
	if cfg.CircuitBreaker.Enabled {
		cb := cfg.CircuitBreaker
		if cb.FailureRatio <= 0 {
			cb.FailureRatio = 0.5
		}
		if cb.RecoveryTime <= 0 {
			cb.RecoveryTime = 10 * time.Second
		}
		if cb.MinRequests == 0 {
			cb.MinRequests = 10
		}
		rc.cb = &circuitBreaker{
			state:        "closed",
			failureRatio: cb.FailureRatio,
			recoveryTime: cb.RecoveryTime,
			minRequests:  cb.MinRequests,
		}
	}
	c.AddHook(tracingHook{tracer: otel.Tracer("insight-service/redis")})
	return rc
}

func options(cfg RedisConfig) *redis.Options {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10 * runtime.GOMAXPROCS(0)
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = cfg.PoolSize / 4
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = time.Second
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}
	return &redis.Options{
		Addr:            cfg.Address,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		MaxRetries:      cfg.MaxRetries,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

// SetObserver installs a latency observer, typically the Prometheus collectors.
func (c *RedisClient) SetObserver(o LatencyObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// Key namespaces k with the configured prefix.
func (c *RedisClient) Key(parts ...string) string {
	k := strings.Join(parts, ":")
	if c.config.KeyPrefix == "" {
		return k
	}
	return c.config.KeyPrefix + ":" + k
}

// Close terminates the Redis client connection
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	logger.Info("[Redis] Closing client")
	return c.Client.Close()
}

// HealthCheck verifies Redis connectivity
func (c *RedisClient) HealthCheck(ctx context.Context) error {
	return c.InstrumentedDo(ctx, "ping", func(ctx context.Context) error {
		if err := c.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
		return nil
	})
}

// Stats returns current Redis client statistics
func (c *RedisClient) Stats() RedisStats {
	return RedisStats{
		Commands:    atomic.LoadUint64(&c.stats.Commands),
		Errors:      atomic.LoadUint64(&c.stats.Errors),
		Timeouts:    atomic.LoadUint64(&c.stats.Timeouts),
		CircuitOpen: atomic.LoadUint64(&c.stats.CircuitOpen),
	}
}

// InstrumentedDo executes a Redis operation behind the circuit breaker.
func (c *RedisClient) InstrumentedDo(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.isCircuitOpen() {
		atomic.AddUint64(&c.stats.CircuitOpen, 1)
		return ErrCircuitOpen
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	atomic.AddUint64(&c.stats.Commands, 1)
	if err != nil && !errors.Is(err, redis.Nil) {
		atomic.AddUint64(&c.stats.Errors, 1)
		if isTimeoutError(err) {
			atomic.AddUint64(&c.stats.Timeouts, 1)
		}
		c.recordFailure()
	} else {
		c.recordSuccess()
	}

	c.mu.Lock()
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer(op, duration, err)
	}
	return err
}

// CircuitBreakerState returns current circuit breaker status
func (c *RedisClient) CircuitBreakerState() string {
	if c.cb == nil {
		return "disabled"
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()
	return c.cb.state
}

// SetNXUntil sets key to value only when absent, expiring at the absolute time.
func (c *RedisClient) SetNXUntil(ctx context.Context, key, value string, expiresAt time.Time) (bool, error) {
	var ok bool
	err := c.InstrumentedDo(ctx, "setnx", func(ctx context.Context) error {
		res, err := c.SetArgs(ctx, key, value, redis.SetArgs{Mode: "NX", ExpireAt: expiresAt}).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = res == "OK"
		return nil
	})
	return ok, err
}

// AcquireToken takes a lock owned by token for ttl.
func (c *RedisClient) AcquireToken(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.InstrumentedDo(ctx, "lock", func(ctx context.Context) error {
		var err error
		ok, err = c.SetNX(ctx, key, token, ttl).Result()
		return err
	})
	return ok, err
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseToken deletes key only if token still owns it.
func (c *RedisClient) ReleaseToken(ctx context.Context, key, token string) (bool, error) {
	var released bool
	err := c.InstrumentedDo(ctx, "unlock", func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, c.Client, []string{key}, token).Int64()
		released = n == 1
		return err
	})
	return released, err
}

// RunScript evaluates a Lua script through the breaker.
func (c *RedisClient) RunScript(ctx context.Context, op string, script *redis.Script, keys []string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	err := c.InstrumentedDo(ctx, op, func(ctx context.Context) error {
		res, err := script.Run(ctx, c.Client, keys, args...).Slice()
		out = res
		return err
	})
	return out, err
}

// NewScript exposes redis.NewScript through the client package for convenience.
func NewScript(script string) *redis.Script {
	return redis.NewScript(script)
}

// --- Internal Methods ---

type tracingHook struct {
	tracer trace.Tracer
}

func (t tracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return next(ctx, network, addr)
	}
}

func (t tracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if !trace.SpanFromContext(ctx).IsRecording() {
			return next(ctx, cmd)
		}
		ctx, span := t.tracer.Start(ctx, "redis."+cmd.Name(), trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		// arguments may carry nonces and tokens, so only the command name is recorded
		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", cmd.Name()),
		)
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			span.RecordError(err)
		}
		return err
	}
}

func (t tracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if !trace.SpanFromContext(ctx).IsRecording() {
			return next(ctx, cmds)
		}
		ctx, span := t.tracer.Start(ctx, "redis.pipeline", trace.WithSpanKind(trace.SpanKindClient))
		defer span.End()
		span.SetAttributes(
			attribute.String("db.system", "redis"),
			attribute.Int("db.command_count", len(cmds)),
		)
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			span.RecordError(err)
		}
		return err
	}
}

func (c *RedisClient) isCircuitOpen() bool {
	if c.cb == nil {
		return false
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	if c.cb.state == "open" {
		if time.Since(c.cb.lastFailure) > c.cb.recoveryTime {
			c.cb.state = "half-open"
			c.cb.failures = 0
			c.cb.successes = 0
			c.cb.total = 0
			logger.Warn("[Redis] Circuit moving to half-open state")
		} else {
			return true
		}
	}
	return false
}

func (c *RedisClient) recordFailure() {
	if c.cb == nil {
		return
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	c.cb.failures++
	c.cb.total++
	c.cb.lastFailure = time.Now()

	if c.cb.state == "half-open" {
		c.cb.state = "open"
		logger.Error("[Redis] Circuit re-opened after failure")
		return
	}
	if c.cb.total >= c.cb.minRequests {
		failureRatio := float64(c.cb.failures) / float64(c.cb.total)
		if failureRatio >= c.cb.failureRatio {
			c.cb.state = "open"
			logger.Error("[Redis] Circuit opened due to high failure ratio: %.2f", failureRatio)
		}
	}
}

func (c *RedisClient) recordSuccess() {
	if c.cb == nil {
		return
	}
	c.cb.mu.Lock()
	defer c.cb.mu.Unlock()

	c.cb.successes++
	c.cb.total++

	if c.cb.state == "half-open" && c.cb.successes >= c.cb.minRequests/2 {
		c.cb.state = "closed"
		c.cb.failures = 0
		c.cb.successes = 0
		c.cb.total = 0
		logger.Warn("[Redis] Circuit closed after successful operations")
	}
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "i/o timeout")
}
