// Package loader assembles the service from a validated config.
package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ComUnity/insight-service/internal/baseline"
	"github.com/ComUnity/insight-service/internal/client"
	"github.com/ComUnity/insight-service/internal/config"
	"github.com/ComUnity/insight-service/internal/handler"
	"github.com/ComUnity/insight-service/internal/ingest"
	"github.com/ComUnity/insight-service/internal/lifecycle"
	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/middleware"
	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/orglock"
	"github.com/ComUnity/insight-service/internal/ratelimit"
	"github.com/ComUnity/insight-service/internal/replay"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/retention"
	"github.com/ComUnity/insight-service/internal/sanitize"
	"github.com/ComUnity/insight-service/internal/scoring"
	"github.com/ComUnity/insight-service/internal/secrets"
	"github.com/ComUnity/insight-service/internal/signing"
	"github.com/ComUnity/insight-service/internal/telemetry"
	"github.com/ComUnity/insight-service/internal/util"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/ComUnity/insight-service/internal/validate"
	"github.com/ComUnity/insight-service/internal/worker"
	"github.com/aws/aws-sdk-go-v2/aws"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// App is the assembled service. Start launches background work; Close
// releases everything Start and BuildApp acquired.
type App struct {
	Config    *config.Config
	Handler   http.Handler
	Store     repository.Store
	Pipeline  *ingest.Pipeline
	Lifecycle *lifecycle.Manager
	Scheduler *worker.Scheduler
	Retention *retention.Manager
	Shipper   *telemetry.EventShipper
	Metrics   *metrics.Metrics
	Redis     *client.RedisClient
}

// Option adjusts BuildApp for tests and embedding.
type Option func(*buildOpts)

type buildOpts struct {
	now      func() time.Time
	awsCfg   *aws.Config
	redis    *client.RedisClient
	resolver *config.RefResolver
}

func WithClock(now func() time.Time) Option {
	return func(o *buildOpts) { o.now = now }
}

// WithAWSConfig skips loading the default AWS config chain.
func WithAWSConfig(cfg aws.Config) Option {
	return func(o *buildOpts) { o.awsCfg = &cfg }
}

// WithRedisClient uses rc instead of dialing cfg.Redis.
func WithRedisClient(rc *client.RedisClient) Option {
	return func(o *buildOpts) { o.redis = rc }
}

// WithRefResolver resolves ssm:/secretsmanager: references with r.
func WithRefResolver(r *config.RefResolver) Option {
	return func(o *buildOpts) { o.resolver = r }
}

// BuildApp wires every component named in cfg. On error, anything already
// opened is closed.
func BuildApp(ctx context.Context, cfg *config.Config, version string, opts ...Option) (_ *App, err error) {
	o := buildOpts{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	if config.HasRefs(cfg) {
		if err = resolveRefs(ctx, cfg, &o); err != nil {
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		app.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	if app.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err = seedOrgs(ctx, app.Store, cfg.Orgs, o.now()); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		app.Redis = o.redis
		if app.Redis == nil {
			if app.Redis, err = client.NewRedisClient(ctx, cfg.Redis); err != nil {
				return nil, fmt.Errorf("redis: %w", err)
			}
		}
		if app.Metrics != nil {
			app.Redis.SetObserver(app.Metrics.RedisObserver())
		}
	}

	secretStore, err := buildSecrets(ctx, cfg, &o)
	if err != nil {
		return nil, err
	}

	replayStore, err := buildReplayStore(cfg, app)
	if err != nil {
		return nil, err
	}
	guard := replay.NewGuard(replayStore, cfg.Replay.Guard(), replay.WithClock(o.now))

	var limiterBackend ratelimit.Backend = ratelimit.NewMemoryBackend()
	var limiterOpts []ratelimit.Option
	if cfg.RateLimit.Backend == config.BackendRedis {
		limiterBackend = ratelimit.NewRedisBackend(app.Redis)
		limiterOpts = append(limiterOpts, ratelimit.WithFallback(ratelimit.NewMemoryBackend()))
	}
	limiterOpts = append(limiterOpts, ratelimit.WithClock(o.now))
	limiter := ratelimit.New(limiterBackend, cfg.RateLimit.Limiter(), limiterOpts...)

	var locker orglock.Locker = orglock.NewMemoryLocker()
	if cfg.OrgLock.Backend == config.BackendRedis {
		locker = orglock.NewRedisLocker(app.Redis, cfg.OrgLock.TTL, cfg.OrgLock.Poll)
	}

	if app.Shipper, err = telemetry.NewEventShipper(cfg.Telemetry.Kafka); err != nil {
		return nil, fmt.Errorf("event shipper: %w", err)
	}
	app.Shipper.OnDrop(app.Metrics.EventDropped)

	validator, err := validate.NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("schema validator: %w", err)
	}
	scorer := scoring.NewScorer(cfg.Scoring)
	model := baseline.NewModel(app.Store, cfg.Baseline.Model())
	app.Lifecycle = lifecycle.NewManager(app.Store, scorer, app.Shipper, lifecycle.WithClock(o.now))

	app.Pipeline = ingest.New(ingest.Deps{
		Store:     app.Store,
		Verifier:  signing.NewVerifier(secretStore),
		Replay:    guard,
		Limiter:   limiter,
		Validator: validator,
		Sanitizer: sanitize.New(cfg.Sanitize.Sanitizer()),
		Baseline:  model,
		Scorer:    scorer,
		Lifecycle: app.Lifecycle,
		Locker:    locker,
		Publisher: app.Shipper,
		Metrics:   app.Metrics,
	}, ingest.Config{
		MaxBodyBytes:      cfg.Ingest.MaxBodyBytes,
		LockWait:          cfg.Ingest.LockWait,
		MaxObservationAge: cfg.Ingest.MaxObservationAge,
		MaxFutureSkew:     cfg.Ingest.MaxFutureSkew,
	}, ingest.WithClock(o.now))

	if !cfg.Retention.Disabled {
		app.Retention = retention.NewManager(app.Store, cfg.Retention.Policy(),
			retention.WithClock(o.now), retention.WithMetrics(app.Metrics))
	}

	if !cfg.Worker.Disabled {
		tasks := []worker.Task{
			worker.NonceSweep(guard, cfg.Replay.SweepInterval),
			worker.BaselineRefresh(model, cfg.Baseline.RefreshInterval, o.now),
		}
		if app.Retention != nil {
			tasks = append(tasks, worker.Retention(app.Retention, cfg.Retention.Interval))
		}
		app.Scheduler = worker.NewScheduler(app.Metrics, tasks...)
	}

	deps := handler.RouterDeps{
		Ingest:         handler.NewIngestHandler(app.Pipeline),
		Insights:       handler.NewInsightHandler(app.Store, app.Lifecycle, o.now),
		Health:         buildHealth(cfg, app, version),
		Metrics:        app.Metrics,
		MetricsPath:    cfg.Metrics.Path,
		TLS:            tlsConfig(cfg.TLS),
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if cfg.Auth.Enabled {
		jwtManager, err := util.NewJWTManager(util.JWTConfig{
			Secret:   cfg.Auth.JWTSecret,
			Issuer:   cfg.Auth.Issuer,
			Audience: cfg.Auth.Audience,
			Leeway:   cfg.Auth.Leeway,
		})
		if err != nil {
			return nil, fmt.Errorf("operator auth: %w", err)
		}
		deps.Auth = jwtManager
	} else {
		logger.Warnf("[Loader] Operator auth disabled; the read API trusts every caller")
	}
	app.Handler = handler.NewRouter(deps)

	logger.Infof("[Loader] Built app: store=%s replay=%s ratelimit=%s orglock=%s secrets=%s kafka=%t orgs=%d",
		storeBackend(cfg), cfg.Replay.Backend, cfg.RateLimit.Backend, cfg.OrgLock.Backend,
		cfg.Secrets.Backend, cfg.Telemetry.Kafka.Enabled, len(cfg.Orgs))
	return app, nil
}

// Start launches the event shipper and the scheduler.
func (a *App) Start(ctx context.Context) {
	a.Shipper.Start()
	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}
}

// Close stops background work, flushes events and closes connections.
func (a *App) Close(ctx context.Context) {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Shipper != nil {
		a.Shipper.Stop(ctx)
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			logger.Warnf("[Loader] Close redis: %v", err)
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			logger.Warnf("[Loader] Close store: %v", err)
		}
	}
}

func storeBackend(cfg *config.Config) string {
	if cfg.Database.URL != "" {
		return config.BackendPostgres
	}
	return config.BackendMemory
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warnf("[Loader] No database.url; insights are kept in memory")
		return repository.NewMemoryStore(), nil
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	store := repository.NewPostgresStore(db, repository.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Infof("[Loader] Database schema ensured")
	}
	return store, nil
}

// seedOrgs registers configured tenants. A configured secret is pinned by
// hash so a rotated backend secret is noticed at verification time.
func seedOrgs(ctx context.Context, store repository.Store, orgs []config.OrgConfig, now time.Time) error {
	for _, oc := range orgs {
		org := &models.Org{
			ID:                 oc.ID,
			Name:               oc.Name,
			Plan:               oc.Plan,
			Active:             !oc.Disabled,
			RateLimitPerMinute: oc.RateLimitPerMinute,
			CreatedAt:          now.UTC(),
		}
		if oc.Secret != "" {
			org.SecretHash = secrets.Hash([]byte(oc.Secret))
		}
		if err := store.UpsertOrg(ctx, org); err != nil {
			return fmt.Errorf("seed org %s: %w", oc.ID, err)
		}
	}
	if len(orgs) > 0 {
		logger.Infof("[Loader] Seeded %d orgs", len(orgs))
	}
	return nil
}

func (o *buildOpts) aws(ctx context.Context, region string) (aws.Config, error) {
	if o.awsCfg != nil {
		return *o.awsCfg, nil
	}
	cfg, err := secrets.LoadAWSConfig(ctx, region)
	if err != nil {
		return aws.Config{}, err
	}
	o.awsCfg = &cfg
	return cfg, nil
}

func resolveRefs(ctx context.Context, cfg *config.Config, o *buildOpts) error {
	r := o.resolver
	if r == nil {
		awsCfg, err := o.aws(ctx, cfg.Secrets.Region)
		if err != nil {
			return fmt.Errorf("resolve config references: %w", err)
		}
		r = &config.RefResolver{
			SSM:     config.NewSSMLoader(awsCfg),
			Secrets: config.NewAWSSecretsLoader(awsCfg),
		}
	}
	if err := r.Resolve(ctx, cfg); err != nil {
		return fmt.Errorf("resolve config references: %w", err)
	}
	return nil
}

// buildSecrets layers the signing secret backend: source, optional KMS
// decryption, then an LRU cache for remote sources.
func buildSecrets(ctx context.Context, cfg *config.Config, o *buildOpts) (secrets.Store, error) {
	sc := cfg.Secrets
	if sc.Backend == config.BackendStatic {
		seed := make(map[string]string, len(cfg.Orgs))
		for _, oc := range cfg.Orgs {
			if oc.Secret != "" {
				seed[oc.ID] = oc.Secret
			}
		}
		if sc.KMSKeyID != "" {
			logger.Warnf("[Loader] secrets.kms_key_id ignored for the static backend")
		}
		return secrets.NewStaticStore(seed), nil
	}

	awsCfg, err := o.aws(ctx, sc.Region)
	if err != nil {
		return nil, err
	}
	var store secrets.Store
	switch sc.Backend {
	case config.BackendSecretsManager:
		store = secrets.NewSecretsManagerStore(awsCfg, sc.Prefix, sc.Timeout)
	case config.BackendSSM:
		store = secrets.NewSSMStore(awsCfg, sc.Prefix, sc.Timeout)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", sc.Backend)
	}
	if sc.KMSKeyID != "" {
		store = secrets.NewKMSStore(awsCfg, store, sc.KMSKeyID, sc.Timeout)
	}
	return secrets.NewCachedStore(store, sc.CacheMax, sc.CacheTTL), nil
}

func buildReplayStore(cfg *config.Config, app *App) (replay.Store, error) {
	switch cfg.Replay.Backend {
	case config.BackendRedis:
		return replay.NewRedisStore(app.Redis), nil
	case config.BackendPostgres:
		pg, ok := app.Store.(*repository.PostgresStore)
		if !ok {
			return nil, errors.New("replay.backend postgres requires database.url")
		}
		return replay.NewPostgresStore(pg.DB()), nil
	default:
		return replay.NewMemoryStore(), nil
	}
}

func buildHealth(cfg *config.Config, app *App, version string) *handler.HealthHandler {
	h := handler.NewHealthHandler(cfg.Env, version).
		Register(&handler.StoreHealthChecker{Store: app.Store, Backend: storeBackend(cfg)}, true).
		Register(&handler.ApplicationHealthChecker{Config: cfg}, false)
	if app.Redis != nil {
		// Redis outages fall back to local limits, so they do not gate readiness.
		h.Register(&handler.RedisHealthChecker{Client: app.Redis}, false)
	}
	return h
}

func tlsConfig(c config.TLSConfig) middleware.TLSConfig {
	out := middleware.DefaultTLSConfig()
	if c.HSTSMaxAge > 0 {
		out.HSTSMaxAge = c.HSTSMaxAge
	}
	out.IncludeSubdomains = out.IncludeSubdomains || c.IncludeSubdomains
	out.Preload = c.Preload
	if c.CSP != "" {
		out.ContentSecurityPolicy = c.CSP
	}
	if len(c.ExcludedPaths) > 0 {
		out.ExcludedPaths = c.ExcludedPaths
	}
	out.ForceRedirect = c.ForceRedirect
	out.TrustProxyHeader = out.TrustProxyHeader || c.TrustProxyHeader
	return out
}
