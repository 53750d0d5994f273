package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ComUnity/insight-service/internal/ratelimit"
	"github.com/ComUnity/insight-service/internal/replay"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads YAML from path (optional), expands ${ENV} references,
// applies env tag overrides and defaults, then validates.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg after environment expansion. Unknown keys are errors.
func Parse(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func overrideWithEnv(cfg *Config) error {
	return overrideStruct(reflect.ValueOf(cfg).Elem())
}

// overrideStruct walks nested structs so tags on embedded sections such as
// redis.address are honored.
func overrideStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		fieldVal := v.Field(i)
		if fieldVal.Kind() == reflect.Struct {
			if err := overrideStruct(fieldVal); err != nil {
				return err
			}
			continue
		}
		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		envValue, exists := os.LookupEnv(envKey)
		if !exists {
			continue
		}
		if err := setFromString(fieldVal, envValue); err != nil {
			return fmt.Errorf("env %s: %w", envKey, err)
		}
	}
	return nil
}

func setFromString(fieldVal reflect.Value, envValue string) error {
	switch fieldVal.Kind() {
	case reflect.String:
		fieldVal.SetString(envValue)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if fieldVal.Type() == durationType {
			d, err := time.ParseDuration(envValue)
			if err != nil {
				return err
			}
			fieldVal.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(envValue, 10, 64)
		if err != nil {
			return err
		}
		fieldVal.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return err
		}
		fieldVal.SetBool(b)
	case reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return err
		}
		fieldVal.SetFloat(f)
	case reflect.Slice:
		if fieldVal.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", fieldVal.Type())
		}
		var parts []string
		for _, p := range strings.Split(envValue, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		fieldVal.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported kind %s", fieldVal.Kind())
	}
	return nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	if c.Port == 0 {
		c.Port = 8080
	}

	s := &c.Server
	s.ReadTimeout = orDuration(s.ReadTimeout, 10*time.Second)
	s.WriteTimeout = orDuration(s.WriteTimeout, 15*time.Second)
	s.IdleTimeout = orDuration(s.IdleTimeout, 60*time.Second)
	s.RequestTimeout = orDuration(s.RequestTimeout, 10*time.Second)
	s.ShutdownTimeout = orDuration(s.ShutdownTimeout, 15*time.Second)

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Encoding == "" {
		c.Logger.Encoding = "json"
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	c.Database.ConnMaxLifetime = orDuration(c.Database.ConnMaxLifetime, 5*time.Minute)

	if c.Ingest.MaxBodyBytes == 0 {
		c.Ingest.MaxBodyBytes = 512 << 10
	}
	c.Ingest.LockWait = orDuration(c.Ingest.LockWait, 2*time.Second)
	c.Ingest.MaxObservationAge = orDuration(c.Ingest.MaxObservationAge, 7*24*time.Hour)
	c.Ingest.MaxFutureSkew = orDuration(c.Ingest.MaxFutureSkew, 5*time.Minute)

	if c.Replay.Backend == "" {
		c.Replay.Backend = c.defaultStateBackend()
	}
	c.Replay.Window = orDuration(c.Replay.Window, replay.DefaultWindow)
	c.Replay.MaxSkew = orDuration(c.Replay.MaxSkew, replay.DefaultMaxSkew)
	c.Replay.SweepInterval = orDuration(c.Replay.SweepInterval, time.Minute)

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = BackendMemory
		if c.Redis.Enabled {
			c.RateLimit.Backend = BackendRedis
		}
	}
	if c.RateLimit.DefaultPlan == "" {
		c.RateLimit.DefaultPlan = "free"
	}
	if c.RateLimit.HardCap == 0 {
		c.RateLimit.HardCap = ratelimit.DefaultHardCap
	}
	if len(c.RateLimit.Plans) == 0 {
		c.RateLimit.Plans = ratelimit.DefaultPlans()
	}
	for name, p := range c.RateLimit.Plans {
		if p.Name == "" {
			p.Name = name
		}
		p.Window = orDuration(p.Window, time.Minute)
		c.RateLimit.Plans[name] = p
	}

	if c.Secrets.Backend == "" {
		c.Secrets.Backend = BackendStatic
	}
	c.Secrets.Timeout = orDuration(c.Secrets.Timeout, 5*time.Second)
	c.Secrets.CacheTTL = orDuration(c.Secrets.CacheTTL, 5*time.Minute)
	if c.Secrets.CacheMax == 0 {
		c.Secrets.CacheMax = 1024
	}

	c.Baseline.RefreshInterval = orDuration(c.Baseline.RefreshInterval, 15*time.Minute)
	c.Scoring = c.Scoring.WithDefaults()

	if c.OrgLock.Backend == "" {
		c.OrgLock.Backend = BackendMemory
		if c.Redis.Enabled {
			c.OrgLock.Backend = BackendRedis
		}
	}
	c.OrgLock.TTL = orDuration(c.OrgLock.TTL, 30*time.Second)
	c.OrgLock.Poll = orDuration(c.OrgLock.Poll, 25*time.Millisecond)

	c.Auth.Leeway = orDuration(c.Auth.Leeway, 30*time.Second)

	c.Retention.Interval = orDuration(c.Retention.Interval, 6*time.Hour)
	c.Retention.Contributions = orDuration(c.Retention.Contributions, c.Ingest.MaxObservationAge+28*24*time.Hour)
	c.Retention.InactiveDevices = orDuration(c.Retention.InactiveDevices, 90*24*time.Hour)

	k := &c.Telemetry.Kafka
	if k.TopicInsights == "" {
		k.TopicInsights = "insight-events"
	}
	if k.TopicIngest == "" {
		k.TopicIngest = "ingest-audit"
	}
	if k.BatchSize == 0 {
		k.BatchSize = 100
	}
	k.FlushEvery = orDuration(k.FlushEvery, time.Second)
	if k.QueueCapacity == 0 {
		k.QueueCapacity = 10000
	}
	k.DialTimeout = orDuration(k.DialTimeout, 5*time.Second)
	k.WriteTimeout = orDuration(k.WriteTimeout, 10*time.Second)

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "insight"
	}

	for i := range c.Orgs {
		if c.Orgs[i].Plan == "" {
			c.Orgs[i].Plan = c.RateLimit.DefaultPlan
		}
	}
}

func (c *Config) defaultStateBackend() string {
	switch {
	case c.Redis.Enabled:
		return BackendRedis
	case c.Database.URL != "":
		return BackendPostgres
	}
	return BackendMemory
}

func orDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Validate checks cross-field rules. It expects ApplyDefaults to have run.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port <= 0 || c.Port > 65535 {
		fail("port %d out of range", c.Port)
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		fail("ingest.max_body_bytes must be positive")
	}
	if c.Replay.Window < c.Replay.MaxSkew {
		fail("replay.window %s must be at least replay.max_skew %s", c.Replay.Window, c.Replay.MaxSkew)
	}
	if c.Scoring.WarnDeviation >= c.Scoring.HighDeviation {
		fail("scoring.warn_deviation %.2f must be below scoring.high_deviation %.2f",
			c.Scoring.WarnDeviation, c.Scoring.HighDeviation)
	}

	// contributions back every day that may still be recomputed
	if c.Retention.Contributions <= c.Ingest.MaxObservationAge+24*time.Hour {
		fail("retention.contributions %s must exceed ingest.max_observation_age plus one day", c.Retention.Contributions)
	}
	if c.Retention.InactiveDevices < 24*time.Hour {
		fail("retention.inactive_devices %s must be at least one day", c.Retention.InactiveDevices)
	}

	switch c.Replay.Backend {
	case BackendMemory:
	case BackendRedis:
		if !c.Redis.Enabled {
			fail("replay.backend redis requires redis.enabled")
		}
	case BackendPostgres:
		if c.Database.URL == "" {
			fail("replay.backend postgres requires database.url")
		}
	default:
		fail("unknown replay.backend %q", c.Replay.Backend)
	}
	for name, backend := range map[string]string{"rate_limit": c.RateLimit.Backend, "org_lock": c.OrgLock.Backend} {
		switch backend {
		case BackendMemory:
		case BackendRedis:
			if !c.Redis.Enabled {
				fail("%s.backend redis requires redis.enabled", name)
			}
		default:
			fail("unknown %s.backend %q", name, backend)
		}
	}
	switch c.Secrets.Backend {
	case BackendStatic, BackendSecretsManager, BackendSSM:
	default:
		fail("unknown secrets.backend %q", c.Secrets.Backend)
	}

	if _, ok := c.RateLimit.Plans[c.RateLimit.DefaultPlan]; !ok {
		fail("rate_limit.default_plan %q is not defined", c.RateLimit.DefaultPlan)
	}
	for name, p := range c.RateLimit.Plans {
		if p.RequestsPerWindow <= 0 {
			fail("rate_limit.plans.%s.requests_per_window must be positive", name)
		}
		if p.RequestsPerWindow > c.RateLimit.HardCap {
			fail("rate_limit.plans.%s exceeds hard cap %d", name, c.RateLimit.HardCap)
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		fail("tls.cert_file and tls.key_file must be set together")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		fail("auth.jwt_secret is required when auth is enabled")
	}
	if c.Telemetry.Kafka.Enabled && len(c.Telemetry.Kafka.Brokers) == 0 {
		fail("telemetry.kafka.brokers is required when kafka is enabled")
	}

	seen := make(map[string]bool, len(c.Orgs))
	for i, o := range c.Orgs {
		if o.ID == "" {
			fail("orgs[%d].id is required", i)
			continue
		}
		if seen[o.ID] {
			fail("orgs[%d].id %q is duplicated", i, o.ID)
		}
		seen[o.ID] = true
		if _, ok := c.RateLimit.Plans[o.Plan]; !ok {
			fail("orgs[%d].plan %q is not defined", i, o.Plan)
		}
	}
	return errors.Join(errs...)
}
