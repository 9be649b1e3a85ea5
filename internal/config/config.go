// Package config loads service configuration from the environment with an
// optional YAML file overlay.
//
// Environment variables (with their defaults) are processed first; when
// CONFIG_FILE names a YAML file, every key present in it overrides the
// environment. Secrets are normally supplied through the environment or SSM
// rather than the file.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendDynamo   = "dynamo"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
	BackendS3       = "s3"
)

// Config is the full service configuration.
type Config struct {
	GeminiAPIKey      string        `envconfig:"GEMINI_API_KEY" yaml:"gemini_api_key"`
	GeminiModel       string        `envconfig:"GEMINI_MODEL" default:"gemini-3-flash-preview" yaml:"gemini_model"`
	GeminiTemperature float32       `envconfig:"GEMINI_TEMPERATURE" default:"1.0" yaml:"gemini_temperature"`
	AnalysisTimeout   time.Duration `envconfig:"ANALYSIS_TIMEOUT" default:"3m" yaml:"analysis_timeout"`

	DataRetention time.Duration `envconfig:"DATA_RETENTION" default:"24h" yaml:"data_retention"`
	ReapInterval  time.Duration `envconfig:"REAP_INTERVAL" default:"1h" yaml:"reap_interval"`
	ExemptCodes   []string      `envconfig:"EXEMPT_CODES" default:"TEST8888" yaml:"exempt_codes"`

	AdminUsername string `envconfig:"ADMIN_USERNAME" default:"admin" yaml:"admin_username"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD" yaml:"admin_password"`

	CORSOrigins      []string      `envconfig:"CORS_ORIGINS" default:"http://localhost:5173,http://localhost:3000" yaml:"cors_origins"`
	VerifyRateLimit  int           `envconfig:"VERIFY_RATE_LIMIT" default:"10" yaml:"verify_rate_limit"`
	VerifyRateWindow time.Duration `envconfig:"VERIFY_RATE_WINDOW" default:"60s" yaml:"verify_rate_window"`
	TrustedProxyHops int           `envconfig:"TRUSTED_PROXY_HOPS" default:"0" yaml:"trusted_proxy_hops"`

	StoreBackend    string `envconfig:"STORE_BACKEND" default:"memory" yaml:"store_backend"`
	DynamoTableName string `envconfig:"DYNAMO_TABLE_NAME" yaml:"dynamo_table_name"`
	DatabaseURL     string `envconfig:"DATABASE_URL" yaml:"database_url"`

	GateBackend string        `envconfig:"GATE_BACKEND" default:"memory" yaml:"gate_backend"`
	RedisAddr   string        `envconfig:"REDIS_ADDR" yaml:"redis_addr"`
	GateTTL     time.Duration `envconfig:"GATE_TTL" default:"5m" yaml:"gate_ttl"`

	ArtifactBackend   string        `envconfig:"ARTIFACT_BACKEND" default:"local" yaml:"artifact_backend"`
	ArtifactDir       string        `envconfig:"ARTIFACT_DIR" default:"./data/images" yaml:"artifact_dir"`
	ArtifactBucket    string        `envconfig:"ARTIFACT_BUCKET" yaml:"artifact_bucket"`
	ArtifactPrefix    string        `envconfig:"ARTIFACT_PREFIX" default:"images/" yaml:"artifact_prefix"`
	ArtifactURLExpiry time.Duration `envconfig:"ARTIFACT_URL_EXPIRY" default:"1h" yaml:"artifact_url_expiry"`

	ListenAddr       string `envconfig:"LISTEN_ADDR" default:":8080" yaml:"listen_addr"`
	AnalyzeMaxUpload int64  `envconfig:"ANALYZE_MAX_UPLOAD" default:"33554432" yaml:"analyze_max_upload"`
}

// Load reads the environment and, if CONFIG_FILE is set, the YAML overlay.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlayFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

func (c *Config) normalize() {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.GateBackend = strings.ToLower(strings.TrimSpace(c.GateBackend))
	c.ArtifactBackend = strings.ToLower(strings.TrimSpace(c.ArtifactBackend))
	c.CORSOrigins = trimAll(c.CORSOrigins)
	c.ExemptCodes = trimAll(c.ExemptCodes)
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects values that cannot produce a working service.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, errors.Newf(format, args...)) }

	switch c.StoreBackend {
	case BackendMemory:
	case BackendDynamo:
		if c.DynamoTableName == "" {
			add("STORE_BACKEND=dynamo requires DYNAMO_TABLE_NAME")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			add("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		add("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.GateBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			add("GATE_BACKEND=redis requires REDIS_ADDR")
		}
		if c.GateTTL <= c.AnalysisTimeout {
			add("GATE_TTL (%s) must exceed ANALYSIS_TIMEOUT (%s)", c.GateTTL, c.AnalysisTimeout)
		}
	default:
		add("unknown GATE_BACKEND %q", c.GateBackend)
	}

	switch c.ArtifactBackend {
	case BackendLocal:
		if c.ArtifactDir == "" {
			add("ARTIFACT_BACKEND=local requires ARTIFACT_DIR")
		}
	case BackendS3:
		if c.ArtifactBucket == "" {
			add("ARTIFACT_BACKEND=s3 requires ARTIFACT_BUCKET")
		}
	default:
		add("unknown ARTIFACT_BACKEND %q", c.ArtifactBackend)
	}

	if c.DataRetention <= 0 {
		add("DATA_RETENTION must be positive")
	}
	if c.ReapInterval <= 0 {
		add("REAP_INTERVAL must be positive")
	}
	if c.VerifyRateLimit <= 0 || c.VerifyRateWindow <= 0 {
		add("VERIFY_RATE_LIMIT and VERIFY_RATE_WINDOW must be positive")
	}
	if c.GeminiTemperature < 0 || c.GeminiTemperature > 2 {
		add("GEMINI_TEMPERATURE must be between 0 and 2")
	}
	if c.TrustedProxyHops < 0 {
		add("TRUSTED_PROXY_HOPS must not be negative")
	}
	if c.AnalyzeMaxUpload <= 0 {
		add("ANALYZE_MAX_UPLOAD must be positive")
	}
	return errors.Join(errs...)
}

// AdminEnabled reports whether the admin routes should be mounted.
func (c *Config) AdminEnabled() bool {
	return c.AdminPassword != ""
}
