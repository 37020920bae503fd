package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub001/pkg/models"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variable.
type Config struct {
	// Database Configurations
	DBHost     string `mapstructure:"DB_HOST" validate:"required"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME" validate:"required"`
	DBPort     string `mapstructure:"DB_PORT"`

	// Metrics sink (pgx). Empty means build from the DB_* settings.
	MetricsDatabaseURL string `mapstructure:"METRICS_DATABASE_URL"`

	// Server Configurations
	ServerAddress string `mapstructure:"SERVER_ADDRESS"`
	TLSCertFile   string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile    string `mapstructure:"TLS_KEY_FILE"`
	LogLevel      string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	// Executor Configurations
	PluginsDir   string        `mapstructure:"PLUGINS_DIR"`
	FpingPath    string        `mapstructure:"FPING_PATH"`
	MaxInFlight  int           `mapstructure:"MAX_INFLIGHT" validate:"gte=1"`
	RetryBackoff time.Duration `mapstructure:"RETRY_BACKOFF" validate:"gte=0"`

	// Scheduler Configurations
	SchedulerTick    time.Duration `mapstructure:"SCHEDULER_TICK" validate:"gt=0"`
	InventoryTimeout time.Duration `mapstructure:"INVENTORY_TIMEOUT" validate:"gt=0"`
	StallAfter       time.Duration `mapstructure:"STALL_AFTER" validate:"gt=0"`

	// State machine
	StateStoreBackend string        `mapstructure:"STATE_STORE_BACKEND" validate:"oneof=postgres dynamodb memory"`
	StoreTimeout      time.Duration `mapstructure:"STORE_TIMEOUT" validate:"gt=0"`
	StoreRetries      int           `mapstructure:"STORE_RETRIES" validate:"gte=0"`
	FailureThreshold  int           `mapstructure:"FAILURE_THRESHOLD" validate:"gte=1"`
	FlapWindow        time.Duration `mapstructure:"FLAP_WINDOW" validate:"gt=0"`
	FlapThreshold     int           `mapstructure:"FLAP_THRESHOLD" validate:"gte=2"`
	StateShards       int           `mapstructure:"STATE_SHARDS" validate:"gte=1"`

	// DynamoDB state store
	AWSRegion        string `mapstructure:"AWS_REGION"`
	DynamoDBTable    string `mapstructure:"DYNAMODB_TABLE"`
	DynamoDBEndpoint string `mapstructure:"DYNAMODB_ENDPOINT"`

	// Metrics sink writer
	SinkTimeout       time.Duration `mapstructure:"SINK_TIMEOUT" validate:"gt=0"`
	SinkBufferSize    int           `mapstructure:"SINK_BUFFER_SIZE" validate:"gte=1"`
	SinkBatchSize     int           `mapstructure:"SINK_BATCH_SIZE" validate:"gte=1"`
	SinkFlushInterval time.Duration `mapstructure:"SINK_FLUSH_INTERVAL" validate:"gt=0"`
	SinkRetries       int           `mapstructure:"SINK_RETRIES" validate:"gte=0"`

	// Baseline learner
	BaselineLookbackDays int      `mapstructure:"BASELINE_LOOKBACK_DAYS" validate:"gte=1"`
	BaselineMinSamples   int      `mapstructure:"BASELINE_MIN_SAMPLES" validate:"gte=1"`
	BaselineFullSamples  int      `mapstructure:"BASELINE_FULL_SAMPLES" validate:"gtefield=BaselineMinSamples"`
	BaselineTimezone     string   `mapstructure:"BASELINE_TIMEZONE" validate:"required"`
	BaselineMetrics      []string `mapstructure:"BASELINE_METRICS"`

	// Alerting
	RulesPath         string        `mapstructure:"RULES_PATH" validate:"required"`
	LatestMaxAge      time.Duration `mapstructure:"LATEST_MAX_AGE" validate:"gt=0"`
	EvalTriggerBuffer int           `mapstructure:"EVAL_TRIGGER_BUFFER" validate:"gte=1"`

	// Alert sink
	NatsURL string `mapstructure:"NATS_URL"`

	// Security/Encryption Configurations
	JWTSecret     string `mapstructure:"JWT_SECRET" validate:"required"`
	EncryptionKey string `mapstructure:"CREDENTIAL_SECRET"`
	AdminUser     string `mapstructure:"ADMIN_USER"`
	AdminHash     string `mapstructure:"ADMIN_HASH"`

	// Authentication
	SessionDurationHours int `mapstructure:"SESSION_DURATION_HOURS" validate:"gte=1"`

	// Internal Queue Settings
	InternalQueueSize int `mapstructure:"INTERNAL_QUEUE_SIZE" validate:"gte=1"`

	// Work definition
	Lanes  []models.LaneConfig `mapstructure:"LANES" validate:"min=1,dive"`
	Checks []models.Check      `mapstructure:"CHECKS" validate:"min=1,dive"`
}

// DefaultLanes is the lane layout used when app.yaml defines none.
func DefaultLanes() []map[string]any {
	return []map[string]any{
		{"name": models.LaneCritical, "priority": 0, "workers": 8, "max_queued": 64},
		{"name": models.LaneAlerts, "priority": 1, "workers": 4, "max_queued": 32},
		{"name": models.LaneBulk, "priority": 2, "workers": 8, "max_queued": 128},
		{"name": models.LaneHousekeeping, "priority": 3, "workers": 1, "max_queued": 4},
	}
}

// DefaultChecks is the check set used when app.yaml defines none.
func DefaultChecks() []map[string]any {
	return []map[string]any{
		{"name": "reachability", "protocol": "icmp", "interval": "30s", "lane": models.LaneCritical,
			"batch_size": 50, "timeout": "1s", "retries": 1, "updates_state": true},
		{"name": "uplink-reachability", "protocol": "icmp", "interval": "10s", "lane": models.LaneCritical,
			"batch_size": 50, "timeout": "1s", "retries": 1, "updates_state": true, "critical_only": true},
		{"name": "evaluate", "protocol": "evaluate", "interval": "15s", "lane": models.LaneAlerts, "batch_size": 200},
		{"name": "baseline", "protocol": "baseline", "interval": "1h", "lane": models.LaneHousekeeping, "batch_size": 100},
	}
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Set Defaults
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_USER", "wardflux")
	v.SetDefault("DB_PASSWORD", "wardflux")
	v.SetDefault("DB_NAME", "wardflux")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("METRICS_DATABASE_URL", "")
	v.SetDefault("SERVER_ADDRESS", ":8443")
	v.SetDefault("TLS_CERT_FILE", "")
	v.SetDefault("TLS_KEY_FILE", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PLUGINS_DIR", "plugins")
	v.SetDefault("FPING_PATH", "/usr/bin/fping")
	v.SetDefault("MAX_INFLIGHT", 256)
	v.SetDefault("RETRY_BACKOFF", "200ms")
	v.SetDefault("SCHEDULER_TICK", "1s")
	v.SetDefault("INVENTORY_TIMEOUT", "3s")
	v.SetDefault("STALL_AFTER", "2m")
	v.SetDefault("STATE_STORE_BACKEND", "postgres")
	v.SetDefault("STORE_TIMEOUT", "2s")
	v.SetDefault("STORE_RETRIES", 3)
	v.SetDefault("FAILURE_THRESHOLD", 1)
	v.SetDefault("FLAP_WINDOW", "5m")
	v.SetDefault("FLAP_THRESHOLD", 4)
	v.SetDefault("STATE_SHARDS", 16)
	v.SetDefault("AWS_REGION", "eu-central-1")
	v.SetDefault("DYNAMODB_TABLE", "device_states")
	v.SetDefault("DYNAMODB_ENDPOINT", "")
	v.SetDefault("SINK_TIMEOUT", "3s")
	v.SetDefault("SINK_BUFFER_SIZE", 50000)
	v.SetDefault("SINK_BATCH_SIZE", 1000)
	v.SetDefault("SINK_FLUSH_INTERVAL", "2s")
	v.SetDefault("SINK_RETRIES", 2)
	v.SetDefault("BASELINE_LOOKBACK_DAYS", 28)
	v.SetDefault("BASELINE_MIN_SAMPLES", 10)
	v.SetDefault("BASELINE_FULL_SAMPLES", 100)
	v.SetDefault("BASELINE_TIMEZONE", "Asia/Tbilisi")
	v.SetDefault("BASELINE_METRICS", []string{models.MetricRTT})
	v.SetDefault("RULES_PATH", "rules.yaml")
	v.SetDefault("LATEST_MAX_AGE", "10m")
	v.SetDefault("EVAL_TRIGGER_BUFFER", 1024)
	v.SetDefault("NATS_URL", "")
	v.SetDefault("JWT_SECRET", "default-insecure-secret-change-me")
	v.SetDefault("CREDENTIAL_SECRET", "1234567890123456789012345678901212345678901234567890123456789012")
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("ADMIN_HASH", "$2a$10$BST/uOdLLXUyqO4fN.b9cuwVwoXEJWWFzpc4iirHiu3GcgbuJqtdu")
	v.SetDefault("SESSION_DURATION_HOURS", 24)
	v.SetDefault("INTERNAL_QUEUE_SIZE", 1000)
	v.SetDefault("LANES", DefaultLanes())
	v.SetDefault("CHECKS", DefaultChecks())

	// 2. Read app.yaml if exists
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read app.yaml: %w", err)
		}
	}

	// 3. Read .env if exists (overriding app.yaml)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if err := v.MergeInConfig(); err != nil {
		slog.Debug("No .env merged", "component", "Config", "error", err)
	}

	// 4. Allow Viper to read Environment Variables (highest priority)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &config, nil
}

// Validate checks field ranges and the references between checks and lanes.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if _, err := time.LoadLocation(cfg.BaselineTimezone); err != nil {
		return fmt.Errorf("invalid config: BASELINE_TIMEZONE: %w", err)
	}

	lanes := make(map[string]bool, len(cfg.Lanes))
	for _, l := range cfg.Lanes {
		if lanes[l.Name] {
			return fmt.Errorf("invalid config: duplicate lane %q", l.Name)
		}
		lanes[l.Name] = true
	}

	names := make(map[string]bool, len(cfg.Checks))
	for _, c := range cfg.Checks {
		if names[c.Name] {
			return fmt.Errorf("invalid config: duplicate check %q", c.Name)
		}
		names[c.Name] = true
		if !lanes[c.Lane] {
			return fmt.Errorf("invalid config: check %q uses unknown lane %q", c.Name, c.Lane)
		}
		switch {
		case c.Protocol.IsPoll():
			if c.Timeout <= 0 {
				return fmt.Errorf("invalid config: check %q needs a timeout", c.Name)
			}
		case c.Protocol == models.ProtocolEvaluate, c.Protocol == models.ProtocolBaseline:
		default:
			return fmt.Errorf("invalid config: check %q has unknown protocol %q", c.Name, c.Protocol)
		}
	}
	return nil
}

// Location returns the baseline bucketing location.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.BaselineTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MetricsDSN returns the pgx connection string for the metrics sink.
func (c *Config) MetricsDSN() string {
	if c.MetricsDatabaseURL != "" {
		return c.MetricsDatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Watch reloads app.yaml on change and hands every valid result to onChange.
// Invalid files are logged and ignored so the running config stays in force.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("watch app.yaml: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		cfg, err := LoadConfig(path)
		if err == nil {
			err = Validate(cfg)
		}
		if err != nil {
			slog.Error("Config reload rejected", "component", "Config", "file", e.Name, "error", err)
			return
		}
		slog.Info("Config reloaded", "component", "Config", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}
