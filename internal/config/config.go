package config

import (
	"time"

	"github.com/ComUnity/insight-service/internal/baseline"
	"github.com/ComUnity/insight-service/internal/client"
	"github.com/ComUnity/insight-service/internal/ratelimit"
	"github.com/ComUnity/insight-service/internal/replay"
	"github.com/ComUnity/insight-service/internal/retention"
	"github.com/ComUnity/insight-service/internal/sanitize"
	"github.com/ComUnity/insight-service/internal/scoring"
)

// Backend names shared by the pluggable stores.
const (
	BackendMemory         = "memory"
	BackendRedis          = "redis"
	BackendPostgres       = "postgres"
	BackendStatic         = "static"
	BackendSecretsManager = "secretsmanager"
	BackendSSM            = "ssm"
)

type Config struct {
	Env  string `yaml:"env" env:"APP_ENV"`
	Port int    `yaml:"port" env:"PORT"`

	Server    ServerConfig       `yaml:"server"`
	Logger    LoggerConfig       `yaml:"logger"`
	Database  DatabaseConfig     `yaml:"database"`
	Redis     client.RedisConfig `yaml:"redis"`
	Ingest    IngestConfig       `yaml:"ingest"`
	Replay    ReplayConfig       `yaml:"replay"`
	RateLimit RateLimitConfig    `yaml:"rate_limit"`
	Secrets   SecretsConfig      `yaml:"secrets"`
	Sanitize  SanitizeConfig     `yaml:"sanitize"`
	Baseline  BaselineConfig     `yaml:"baseline"`
	Scoring   scoring.Config     `yaml:"scoring"`
	OrgLock   OrgLockConfig      `yaml:"org_lock"`
	Auth      AuthConfig         `yaml:"auth"`
	Telemetry TelemetryConfig    `yaml:"telemetry"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	Worker    WorkerConfig       `yaml:"worker"`
	Retention RetentionConfig    `yaml:"retention"`
	TLS       TLSConfig          `yaml:"tls"`

	// Orgs seeds the org registry at startup.
	Orgs []OrgConfig `yaml:"orgs"`
}

type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggerConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`
	Encoding string `yaml:"encoding" env:"LOG_ENCODING"`
	Output   string `yaml:"output"`
}

// DatabaseConfig selects Postgres when URL is set; otherwise state is kept in memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
}

type IngestConfig struct {
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"INGEST_MAX_BODY_BYTES"`
	LockWait     time.Duration `yaml:"lock_wait"`
	// MaxObservationAge bounds how far back observed_at may reach.
	MaxObservationAge time.Duration `yaml:"max_observation_age"`
	// MaxFutureSkew bounds how far ahead of the server clock observed_at may be.
	MaxFutureSkew time.Duration `yaml:"max_future_skew"`
}

type ReplayConfig struct {
	Backend       string        `yaml:"backend" env:"REPLAY_BACKEND"`
	Window        time.Duration `yaml:"window"`
	MaxSkew       time.Duration `yaml:"max_skew"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

func (r ReplayConfig) Guard() replay.Config {
	return replay.Config{Window: r.Window, MaxSkew: r.MaxSkew}
}

type RateLimitConfig struct {
	Backend     string                    `yaml:"backend" env:"RATE_LIMIT_BACKEND"`
	DefaultPlan string                    `yaml:"default_plan"`
	HardCap     int64                     `yaml:"hard_cap"`
	Plans       map[string]ratelimit.Plan `yaml:"plans"`
}

func (r RateLimitConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{Plans: r.Plans, DefaultPlan: r.DefaultPlan, HardCap: r.HardCap}
}

// SecretsConfig selects where per-org signing secrets live. When KMSKeyID is
// set the stored values are KMS ciphertext.
type SecretsConfig struct {
	Backend  string        `yaml:"backend" env:"SECRETS_BACKEND"`
	Region   string        `yaml:"region" env:"AWS_REGION"`
	Prefix   string        `yaml:"prefix" env:"SECRETS_PREFIX"`
	KMSKeyID string        `yaml:"kms_key_id" env:"KMS_KEY_ID"`
	Timeout  time.Duration `yaml:"timeout"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	CacheMax int           `yaml:"cache_max"`
}

type SanitizeConfig struct {
	MaxValueLen   int            `yaml:"max_value_len"`
	MaxKeyLen     int            `yaml:"max_key_len"`
	MaxAttributes int            `yaml:"max_attributes"`
	FieldLimits   map[string]int `yaml:"field_limits"`
}

func (s SanitizeConfig) Sanitizer() sanitize.Config {
	return sanitize.Config{
		MaxValueLen:   s.MaxValueLen,
		MaxKeyLen:     s.MaxKeyLen,
		MaxAttributes: s.MaxAttributes,
		FieldLimits:   s.FieldLimits,
	}
}

type BaselineConfig struct {
	WindowDays      int           `yaml:"window_days"`
	MinHistoryDays  int           `yaml:"min_history_days"`
	SpreadFloor     float64       `yaml:"spread_floor"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	ActiveOrgs      int           `yaml:"active_orgs"`
	ActiveTTL       time.Duration `yaml:"active_ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func (b BaselineConfig) Model() baseline.Config {
	return baseline.Config{
		WindowDays:     b.WindowDays,
		MinHistoryDays: b.MinHistoryDays,
		SpreadFloor:    b.SpreadFloor,
		CacheSize:      b.CacheSize,
		CacheTTL:       b.CacheTTL,
		ActiveOrgs:     b.ActiveOrgs,
		ActiveTTL:      b.ActiveTTL,
	}
}

type OrgLockConfig struct {
	Backend string        `yaml:"backend" env:"ORG_LOCK_BACKEND"`
	TTL     time.Duration `yaml:"ttl"`
	Poll    time.Duration `yaml:"poll"`
}

// AuthConfig covers operator bearer tokens on the read and transition API.
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled" env:"OPERATOR_AUTH_ENABLED"`
	JWTSecret string        `yaml:"jwt_secret" env:"OPERATOR_JWT_SECRET"`
	Issuer    string        `yaml:"issuer"`
	Audience  string        `yaml:"audience"`
	Leeway    time.Duration `yaml:"leeway"`
}

type TelemetryConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled       bool          `yaml:"enabled" env:"KAFKA_ENABLED"`
	Brokers       []string      `yaml:"brokers" env:"KAFKA_BROKERS"`
	TopicInsights string        `yaml:"topic_insights"`
	TopicIngest   string        `yaml:"topic_ingest"`
	BatchSize     int           `yaml:"batch_size"`
	FlushEvery    time.Duration `yaml:"flush_every"`
	QueueCapacity int           `yaml:"queue_capacity"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	TLS           bool          `yaml:"tls"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// WorkerConfig controls the background scheduler. It runs unless Disabled.
type WorkerConfig struct {
	Disabled bool `yaml:"disabled" env:"WORKER_DISABLED"`
}

// RetentionConfig ages out contributions and inactive devices.
type RetentionConfig struct {
	Disabled        bool          `yaml:"disabled" env:"RETENTION_DISABLED"`
	DryRun          bool          `yaml:"dry_run" env:"RETENTION_DRY_RUN"`
	Interval        time.Duration `yaml:"interval"`
	Contributions   time.Duration `yaml:"contributions"`
	InactiveDevices time.Duration `yaml:"inactive_devices"`
}

func (r RetentionConfig) Policy() retention.Config {
	return retention.Config{
		Contributions:   r.Contributions,
		InactiveDevices: r.InactiveDevices,
		DryRun:          r.DryRun,
	}
}

// TLSConfig covers HTTPS termination and the security header middleware.
// Without CertFile the server listens on plain HTTP behind a proxy.
type TLSConfig struct {
	CertFile          string   `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile           string   `yaml:"key_file" env:"TLS_KEY_FILE"`
	HSTSMaxAge        int      `yaml:"hsts_max_age"`
	IncludeSubdomains bool     `yaml:"include_subdomains"`
	Preload           bool     `yaml:"preload"`
	CSP               string   `yaml:"csp"`
	ExcludedPaths     []string `yaml:"excluded_paths"`
	ForceRedirect     bool     `yaml:"force_redirect"`
	TrustProxyHeader  bool     `yaml:"trust_proxy_header"`
}

// OrgConfig registers a tenant. Secret may be a literal or an
// "ssm:" / "secretsmanager:" reference resolved at startup; it seeds the
// static secret store only.
type OrgConfig struct {
	ID                 string `yaml:"id"`
	Name               string `yaml:"name"`
	Plan               string `yaml:"plan"`
	Disabled           bool   `yaml:"disabled"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	Secret             string `yaml:"secret"`
}
