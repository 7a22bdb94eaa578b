package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/stratakv/stratakv/internal/types"
)

type Config struct {
	Backends      []BackendConfig        `yaml:"backends"`
	Classes       map[string]ClassConfig `yaml:"classes"`
	Cache         CacheConfig            `yaml:"cache"`
	Guard         GuardConfig            `yaml:"guard"`
	Health        HealthScoringConfig    `yaml:"health"`
	Fallback      FallbackConfig         `yaml:"fallback"`
	API           APIConfig              `yaml:"api"`
	Observability ObservabilityConfig    `yaml:"observability"`
}

// BackendConfig declares one named physical backend. Exactly the section
// matching Kind is read; the others are ignored.
type BackendConfig struct {
	Name   string       `yaml:"name"`
	Kind   string       `yaml:"kind"`
	Bolt   BoltConfig   `yaml:"bolt"`
	NATS   NATSConfig   `yaml:"nats"`
	Redis  RedisConfig  `yaml:"redis"`
	SQL    SQLConfig    `yaml:"sql"`
	S3     S3Config     `yaml:"s3"`
	Memory MemoryConfig `yaml:"memory"`
}

type BoltConfig struct {
	Path   string `yaml:"path" env:"STRATA_BOLT_PATH"`
	NoSync bool   `yaml:"no_sync"`
}

type NATSConfig struct {
	URL             string    `yaml:"url" env:"STRATA_NATS_URL"`
	Bucket          string    `yaml:"bucket"`
	CredentialsFile string    `yaml:"credentials_file"`
	NKeySeedFile    string    `yaml:"nkey_seed_file"`
	TLS             TLSConfig `yaml:"tls"`
	ConnectionName  string    `yaml:"connection_name"`
	MaxReconnects   int       `yaml:"max_reconnects"`
	ReconnectWait   Duration  `yaml:"reconnect_wait"`
}

type TLSConfig struct {
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"STRATA_REDIS_ADDR"`
	Password string `yaml:"password" env:"STRATA_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

type SQLConfig struct {
	Path  string `yaml:"path" env:"STRATA_SQL_PATH"`
	Table string `yaml:"table"`
}

type S3Config struct {
	Endpoint        string `yaml:"endpoint" env:"STRATA_S3_ENDPOINT"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id" env:"STRATA_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"STRATA_S3_SECRET_ACCESS_KEY"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type MemoryConfig struct {
	MaxEntries int      `yaml:"max_entries"`
	MaxBytes   ByteSize `yaml:"max_bytes"`
}

// ClassConfig binds one storage class to its adapters and cache shape.
type ClassConfig struct {
	Primary    string   `yaml:"primary"`
	Fallback   string   `yaml:"fallback"`
	DualRead   bool     `yaml:"dual_read"`
	TTL        Duration `yaml:"ttl"`
	MaxEntries int      `yaml:"max_entries"`
}

type CacheConfig struct {
	L1MaxEntries  int      `yaml:"l1_max_entries"`
	DefaultTTL    Duration `yaml:"default_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
	BatchFanout   int      `yaml:"batch_fanout"`
	OpTimeout     Duration `yaml:"op_timeout"`
}

// GuardConfig is process-wide, loaded once at startup and replaced wholesale
// through an explicit update call (copy-on-write; readers see a snapshot).
type GuardConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"STRATA_GUARD_ENABLED"`
	Mode    string `yaml:"mode" json:"mode" env:"STRATA_GUARD_MODE"`

	HotOnlyFastBackend          bool `yaml:"hot_only_fast_backend" json:"hot_only_fast_backend"`
	WarmOnlyFastBackend         bool `yaml:"warm_only_fast_backend" json:"warm_only_fast_backend"`
	ColdAllowsRelationalBackend bool `yaml:"cold_allows_relational_backend" json:"cold_allows_relational_backend"`
	EphemeralAllowsMemory       bool `yaml:"ephemeral_allows_memory" json:"ephemeral_allows_memory"`

	MaxOpsPerMinute int `yaml:"max_ops_per_minute" json:"max_ops_per_minute"`
	MaxLatencyMs    int `yaml:"max_latency_ms" json:"max_latency_ms"`

	AdminBypass     []string `yaml:"admin_bypass" json:"admin_bypass"`
	AllowedPrefixes []string `yaml:"allowed_prefixes" json:"allowed_prefixes"`
	MaintenanceMode bool     `yaml:"maintenance_mode" json:"maintenance_mode" env:"STRATA_MAINTENANCE_MODE"`

	HistorySize int `yaml:"history_size" json:"history_size"`
}

// HealthScoringConfig holds the composite-score weights and thresholds.
// Weights are data, not logic; they must sum to 100.
type HealthScoringConfig struct {
	Weights    HealthWeights    `yaml:"weights"`
	Thresholds HealthThresholds `yaml:"thresholds"`
	RingSize   int              `yaml:"ring_size"`
}

type HealthWeights struct {
	L1Hit     int `yaml:"l1_hit"`
	L2Hit     int `yaml:"l2_hit"`
	ErrorRate int `yaml:"error_rate"`
	Promotion int `yaml:"promotion"`
}

func (w HealthWeights) Sum() int {
	return w.L1Hit + w.L2Hit + w.ErrorRate + w.Promotion
}

type HealthThresholds struct {
	L1HitRate         float64 `yaml:"l1_hit_rate"`
	L2HitRate         float64 `yaml:"l2_hit_rate"`
	SuccessRate       float64 `yaml:"success_rate"`
	PromotionRate     float64 `yaml:"promotion_rate"`
	CriticalErrorRate float64 `yaml:"critical_error_rate"`
	HealthyScore      int     `yaml:"healthy_score"`
	DegradedScore     int     `yaml:"degraded_score"`
	UnhealthyScore    int     `yaml:"unhealthy_score"`
}

type FallbackConfig struct {
	Source           string `yaml:"source"`
	Class            string `yaml:"class"`
	MaxLookbackDays  int    `yaml:"max_lookback_days"`
	RepopulateOnlyIf string `yaml:"repopulate_only_if"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" env:"STRATA_API_LISTEN"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" env:"STRATA_METRICS_LISTEN"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Listen        string `yaml:"listen" env:"STRATA_HEALTH_LISTEN"`
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"STRATA_LOG_LEVEL"`
	Format string `yaml:"format" env:"STRATA_LOG_FORMAT"`
	Output string `yaml:"output"`
}

// Load reads a YAML config file over the defaults, applies STRATA_*
// environment overrides, and validates. Unknown YAML keys are rejected
// rather than silently defaulted.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse behaves like Load on an in-memory document.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	names := make(map[string]types.BackendKind, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if _, dup := names[b.Name]; dup {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		kind := types.BackendKind(b.Kind)
		if !kind.Valid() {
			return fmt.Errorf("backends[%d] (%s): unknown backend kind %q", i, b.Name, b.Kind)
		}
		switch kind {
		case types.BackendBolt:
			if b.Bolt.Path == "" {
				return fmt.Errorf("backends[%d] (%s): bolt backend requires path", i, b.Name)
			}
		case types.BackendNATSKV:
			if b.NATS.URL == "" {
				return fmt.Errorf("backends[%d] (%s): natskv backend requires url", i, b.Name)
			}
			if b.NATS.Bucket == "" {
				return fmt.Errorf("backends[%d] (%s): natskv backend requires bucket", i, b.Name)
			}
		case types.BackendRedis:
			if b.Redis.Addr == "" {
				return fmt.Errorf("backends[%d] (%s): redis backend requires addr", i, b.Name)
			}
		case types.BackendSQL:
			if b.SQL.Path == "" {
				return fmt.Errorf("backends[%d] (%s): sql backend requires path", i, b.Name)
			}
		case types.BackendS3:
			if b.S3.Bucket == "" {
				return fmt.Errorf("backends[%d] (%s): s3 backend requires bucket", i, b.Name)
			}
		}
		names[b.Name] = kind
	}

	if len(c.Classes) == 0 {
		return fmt.Errorf("at least one storage class must be bound")
	}
	for name, cc := range c.Classes {
		if _, ok := types.ParseStorageClass(name); !ok {
			return fmt.Errorf("classes: unknown storage class %q", name)
		}
		if cc.Primary == "" {
			return fmt.Errorf("classes.%s: primary backend is required", name)
		}
		if _, ok := names[cc.Primary]; !ok {
			return fmt.Errorf("classes.%s: primary references unknown backend %q", name, cc.Primary)
		}
		if cc.Fallback != "" {
			if _, ok := names[cc.Fallback]; !ok {
				return fmt.Errorf("classes.%s: fallback references unknown backend %q", name, cc.Fallback)
			}
		}
		if cc.DualRead && cc.Fallback == "" {
			return fmt.Errorf("classes.%s: dual_read requires a fallback backend", name)
		}
	}

	if c.Cache.L1MaxEntries <= 0 {
		return fmt.Errorf("cache.l1_max_entries must be > 0")
	}
	if c.Cache.BatchFanout <= 0 {
		return fmt.Errorf("cache.batch_fanout must be > 0")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be > 0")
	}
	if c.Cache.OpTimeout <= 0 {
		return fmt.Errorf("cache.op_timeout must be > 0")
	}

	switch c.Guard.Mode {
	case "warn", "error", "block":
	default:
		return fmt.Errorf("guard.mode must be warn, error, or block, got %q", c.Guard.Mode)
	}
	if c.Guard.MaxOpsPerMinute <= 0 {
		return fmt.Errorf("guard.max_ops_per_minute must be > 0")
	}
	if c.Guard.HistorySize <= 0 {
		return fmt.Errorf("guard.history_size must be > 0")
	}

	if sum := c.Health.Weights.Sum(); sum != 100 {
		return fmt.Errorf("health.weights must sum to 100, got %d", sum)
	}
	if c.Health.RingSize <= 0 {
		return fmt.Errorf("health.ring_size must be > 0")
	}
	t := c.Health.Thresholds
	if !(t.HealthyScore > t.DegradedScore && t.DegradedScore > t.UnhealthyScore) {
		return fmt.Errorf("health.thresholds score bands must be strictly decreasing")
	}

	if c.Fallback.MaxLookbackDays < 0 {
		return fmt.Errorf("fallback.max_lookback_days must be >= 0")
	}
	if c.Fallback.Source != "" {
		if _, ok := names[c.Fallback.Source]; !ok {
			return fmt.Errorf("fallback.source references unknown backend %q", c.Fallback.Source)
		}
		if _, ok := types.ParseStorageClass(c.Fallback.Class); !ok {
			return fmt.Errorf("fallback.class: unknown storage class %q", c.Fallback.Class)
		}
	}

	return nil
}

// BackendByName returns the configuration for a named backend.
func (c *Config) BackendByName(name string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// Duration wraps time.Duration for YAML unmarshaling of strings like "5m", "24h".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
