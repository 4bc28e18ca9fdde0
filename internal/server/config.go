// Package server provides configuration helpers that define runtime defaults,
// validation, and viper bindings for the eventcast service.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Tyrowin/eventcast/internal/logging"
	"github.com/Tyrowin/eventcast/internal/registry"
)

// Tick modes for the stream endpoint.
const (
	// TickModeSelf gives every stream connection its own ticker.
	TickModeSelf = "self"
	// TickModeShared runs one ticker and publishes through the hub to all
	// stream connections.
	TickModeShared = "shared"
)

// RateLimitConfig defines the parameters for per-connection message rate
// limiting. A zero Burst disables the limiter.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// ComputeConfig configures the compute job backend.
type ComputeConfig struct {
	Latency     time.Duration `mapstructure:"latency"`
	ArtifactDir string        `mapstructure:"artifact_dir"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config holds the server configuration settings. MaxMessageSize and
// RateLimit.Burst are opt-in: zero leaves inbound socket traffic unbounded.
type Config struct {
	Port           string          `mapstructure:"port"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	MaxMessageSize int64           `mapstructure:"max_message_size"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`

	QueueSize      int    `mapstructure:"queue_size"`
	OverflowPolicy string `mapstructure:"overflow_policy"`

	PoolSize    int           `mapstructure:"pool_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	TimeDelay   time.Duration `mapstructure:"time_delay"`
	TaskDelay   time.Duration `mapstructure:"task_delay"`

	TickInterval time.Duration `mapstructure:"tick_interval"`
	TickMode     string        `mapstructure:"tick_mode"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Compute ComputeConfig `mapstructure:"compute"`
	Log     LogConfig     `mapstructure:"log"`
}

func defaultConfig() Config {
	return Config{
		Port:           ":8080",
		AllowedOrigins: []string{"*"},
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
		QueueSize:       registry.DefaultQueueSize,
		OverflowPolicy:  string(registry.DropOldest),
		PoolSize:        4,
		TimeDelay:       2 * time.Second,
		TaskDelay:       2 * time.Second,
		TickInterval:    time.Second,
		TickMode:        TickModeSelf,
		ShutdownTimeout: 10 * time.Second,
		Compute: ComputeConfig{
			Latency:     2 * time.Second,
			ArtifactDir: "artifacts",
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(logging.FormatJSON),
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// sanitize replaces unusable numeric values with defaults. Zero delays are
// kept: they make the simulated work instantaneous. Negative limits mean
// the same as zero: unlimited.
func (c *Config) sanitize() {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if c.MaxMessageSize < 0 {
		c.MaxMessageSize = 0
	}
	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = 0
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = def.OverflowPolicy
	}
	if c.PoolSize <= 0 {
		c.PoolSize = def.PoolSize
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	if c.TimeDelay < 0 {
		c.TimeDelay = 0
	}
	if c.TaskDelay < 0 {
		c.TaskDelay = 0
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.TickMode == "" {
		c.TickMode = def.TickMode
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Compute.Latency < 0 {
		c.Compute.Latency = 0
	}
	if c.Compute.ArtifactDir == "" {
		c.Compute.ArtifactDir = def.Compute.ArtifactDir
	}
	c.AllowedOrigins = parseOrigins(strings.Join(c.AllowedOrigins, ","))
}

// Validate rejects values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := registry.ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		return fmt.Errorf("config: overflow_policy: %w", err)
	}
	switch c.TickMode {
	case TickModeSelf, TickModeShared:
	default:
		return fmt.Errorf("config: tick_mode must be %q or %q, got %q", TickModeSelf, TickModeShared, c.TickMode)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("config: log.format: %w", err)
	}
	return nil
}

// SetDefaults registers every configuration key with its default so that
// environment variables and config files can override any of them.
func SetDefaults(v *viper.Viper) {
	def := defaultConfig()
	v.SetDefault("port", def.Port)
	v.SetDefault("allowed_origins", def.AllowedOrigins)
	v.SetDefault("max_message_size", def.MaxMessageSize)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", def.RateLimit.RefillInterval)
	v.SetDefault("queue_size", def.QueueSize)
	v.SetDefault("overflow_policy", def.OverflowPolicy)
	v.SetDefault("pool_size", def.PoolSize)
	v.SetDefault("task_timeout", def.TaskTimeout)
	v.SetDefault("time_delay", def.TimeDelay)
	v.SetDefault("task_delay", def.TaskDelay)
	v.SetDefault("tick_interval", def.TickInterval)
	v.SetDefault("tick_mode", def.TickMode)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("compute.latency", def.Compute.Latency)
	v.SetDefault("compute.artifact_dir", def.Compute.ArtifactDir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
}

// LoadConfig decodes, sanitizes and validates the configuration held by v.
func LoadConfig(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
