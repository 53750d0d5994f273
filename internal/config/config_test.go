package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
env: staging
port: 9090
database:
  url: ${TEST_INSIGHT_DB_URL}
ingest:
  max_body_bytes: 262144
  lock_wait: 3s
replay:
  backend: memory
  window: 10m
  max_skew: 5m
scoring:
  warn_deviation: 2.5
  high_deviation: 5
  weights:
    info: 1
    warn: 2
    high: 10
orgs:
  - id: acme
    name: Acme
    plan: standard
    secret: ssm:/insight/acme
  - id: globex
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_YAMLExpandAndDefaults(t *testing.T) {
	t.Setenv("TEST_INSIGHT_DB_URL", "postgres://insight@localhost/insight")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres://insight@localhost/insight", cfg.Database.URL)
	assert.Equal(t, int64(262144), cfg.Ingest.MaxBodyBytes)
	assert.Equal(t, 3*time.Second, cfg.Ingest.LockWait)
	assert.Equal(t, 10*time.Minute, cfg.Replay.Window)
	assert.Equal(t, 2.5, cfg.Scoring.WarnDeviation)
	assert.Equal(t, 10, cfg.Scoring.Weights.High)
	assert.Equal(t, 14, cfg.Scoring.HighConfidenceDays)

	// defaults
	assert.Equal(t, BackendMemory, cfg.RateLimit.Backend)
	assert.Equal(t, "free", cfg.RateLimit.DefaultPlan)
	assert.Contains(t, cfg.RateLimit.Plans, "enterprise")
	assert.Equal(t, BackendStatic, cfg.Secrets.Backend)
	assert.Equal(t, "free", cfg.Orgs[1].Plan)
	assert.Equal(t, "insight-events", cfg.Telemetry.Kafka.TopicInsights)
	assert.Equal(t, 7*24*time.Hour, cfg.Ingest.MaxObservationAge)
}

func TestLoadConfig_EnvOverridesNestedFields(t *testing.T) {
	t.Setenv("TEST_INSIGHT_DB_URL", "")
	t.Setenv("PORT", "7000")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("INGEST_MAX_BODY_BYTES", "1024")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Telemetry.Kafka.Brokers)
	assert.Equal(t, int64(1024), cfg.Ingest.MaxBodyBytes)
	// redis turns on the shared backends unless set explicitly
	assert.Equal(t, BackendRedis, cfg.RateLimit.Backend)
	assert.Equal(t, BackendRedis, cfg.OrgLock.Backend)
	assert.Equal(t, BackendMemory, cfg.Replay.Backend)
}

func TestLoadConfig_BadEnvValue(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := LoadConfig("")
	assert.Error(t, err)
}

func TestParse_UnknownKeyRejected(t *testing.T) {
	cfg := &Config{}
	err := Parse([]byte("prot: 80\n"), cfg)
	assert.Error(t, err)
	assert.NoError(t, Parse([]byte(""), cfg))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{}
		c.ApplyDefaults()
		return c
	}
	require.NoError(t, base().Validate())
	d := base()
	assert.Equal(t, d.Ingest.MaxObservationAge+28*24*time.Hour, d.Retention.Contributions)
	assert.Equal(t, 90*24*time.Hour, d.Retention.InactiveDevices)

	cases := map[string]func(c *Config){
		"thresholds inverted": func(c *Config) { c.Scoring.WarnDeviation = 5; c.Scoring.HighDeviation = 4 },
		"window below skew":   func(c *Config) { c.Replay.Window = time.Minute },
		"redis not enabled":   func(c *Config) { c.Replay.Backend = BackendRedis },
		"postgres no url":     func(c *Config) { c.Replay.Backend = BackendPostgres },
		"unknown limiter":     func(c *Config) { c.RateLimit.Backend = "etcd" },
		"unknown secrets":     func(c *Config) { c.Secrets.Backend = "vault" },
		"missing plan":        func(c *Config) { c.RateLimit.DefaultPlan = "gold" },
		"plan over hard cap": func(c *Config) {
			p := c.RateLimit.Plans["free"]
			p.RequestsPerWindow = c.RateLimit.HardCap + 1
			c.RateLimit.Plans["free"] = p
		},
		"auth without secret": func(c *Config) { c.Auth.Enabled = true },
		"kafka no brokers":    func(c *Config) { c.Telemetry.Kafka.Enabled = true },
		"duplicate org": func(c *Config) {
			c.Orgs = []OrgConfig{{ID: "acme", Plan: "free"}, {ID: "acme", Plan: "free"}}
		},
		"org plan unknown":                  func(c *Config) { c.Orgs = []OrgConfig{{ID: "acme", Plan: "gold"}} },
		"contributions retention too short": func(c *Config) { c.Retention.Contributions = c.Ingest.MaxObservationAge },
		"device retention under a day":      func(c *Config) { c.Retention.InactiveDevices = time.Hour },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

type fakeSSM struct{ values map[string]string }

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("missing")}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: aws.String(v)}}, nil
}

type fakeSecretsManager struct{ values map[string]string }

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, errors.New("not found")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestRefResolver_Resolve(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{URL: "secretsmanager:insight/db"},
		Auth:     AuthConfig{JWTSecret: "ssm:/insight/jwt"},
		Orgs:     []OrgConfig{{ID: "acme", Secret: "ssm:/insight/acme"}, {ID: "plain", Secret: "literal"}},
	}
	require.True(t, HasRefs(cfg))

	r := &RefResolver{
		SSM:     NewSSMLoaderWithClient(&fakeSSM{values: map[string]string{"/insight/jwt": "jwt-key", "/insight/acme": "acme-secret"}}),
		Secrets: NewAWSSecretsLoaderWithClient(&fakeSecretsManager{values: map[string]string{"insight/db": "postgres://db"}}),
	}
	require.NoError(t, r.Resolve(context.Background(), cfg))
	assert.Equal(t, "postgres://db", cfg.Database.URL)
	assert.Equal(t, "jwt-key", cfg.Auth.JWTSecret)
	assert.Equal(t, "acme-secret", cfg.Orgs[0].Secret)
	assert.Equal(t, "literal", cfg.Orgs[1].Secret)
	assert.False(t, HasRefs(cfg))
}

func TestRefResolver_Errors(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{JWTSecret: "ssm:/missing"}}
	err := (&RefResolver{}).Resolve(context.Background(), cfg)
	assert.ErrorContains(t, err, "no SSM loader")

	r := &RefResolver{SSM: NewSSMLoaderWithClient(&fakeSSM{})}
	assert.Error(t, r.Resolve(context.Background(), cfg))
	assert.Equal(t, "ssm:/missing", cfg.Auth.JWTSecret)
}
