package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // dispatch.timezone must resolve in minimal images

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	MySQL      DatabaseConfig   `mapstructure:"mysql"`
	ClickHouse DatabaseConfig   `mapstructure:"clickhouse"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Media      MediaConfig      `mapstructure:"media"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Recipients RecipientsConfig `mapstructure:"recipients"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"` // json|console
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // mysql|memory
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type GatewayConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Name         string        `mapstructure:"name"`
	BaseURL      string        `mapstructure:"base_url"`
	Token        string        `mapstructure:"token"`
	Instance     string        `mapstructure:"instance"`
	TextPath     string        `mapstructure:"text_path"`
	MediaPath    string        `mapstructure:"media_path"`
	TextTimeout  time.Duration `mapstructure:"text_timeout"`
	MediaTimeout time.Duration `mapstructure:"media_timeout"`
	RatePerSec   float64       `mapstructure:"rate_per_sec"`
	Breaker      BreakerConfig `mapstructure:"breaker"`
}

type MediaConfig struct {
	MaxBytes     int           `mapstructure:"max_bytes"`
	MaxDimension int           `mapstructure:"max_dimension"`
	StartQuality int           `mapstructure:"start_quality"`
	QualityStep  int           `mapstructure:"quality_step"`
	MinQuality   int           `mapstructure:"min_quality"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	TempDir      string        `mapstructure:"temp_dir"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type DispatchConfig struct {
	DelayMin             int           `mapstructure:"delay_min"`
	DelayMax             int           `mapstructure:"delay_max"`
	LeaseTTL             time.Duration `mapstructure:"lease_ttl"`
	SchedulerInterval    time.Duration `mapstructure:"scheduler_interval"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
	MonitorActiveLimit   int           `mapstructure:"monitor_active_limit"`
	MonitorRecentLimit   int           `mapstructure:"monitor_recent_limit"`
	Timezone             string        `mapstructure:"timezone"` // day boundary of the monitor
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

type RecipientsConfig struct {
	DefaultCountry string `mapstructure:"default_country"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (DISPATCH_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (DISPATCH_*), nested keys use "_": DISPATCH_MYSQL_DSN
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// leaseMargin covers store round trips and encoding inside one driver step.
const leaseMargin = 30 * time.Second

// StepBudget is the longest a driver step can spend on network calls: the
// image fetch, two media sends and the text fallback.
func (c Config) StepBudget() time.Duration {
	return c.Media.FetchTimeout + 2*c.Gateway.MediaTimeout + c.Gateway.TextTimeout
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "mysql", "memory":
	default:
		return fmt.Errorf("store.driver: unsupported %q", c.Store.Driver)
	}
	if c.Dispatch.DelayMin < 0 || c.Dispatch.DelayMin > c.Dispatch.DelayMax {
		return fmt.Errorf("dispatch: invalid default delay bounds [%d, %d]", c.Dispatch.DelayMin, c.Dispatch.DelayMax)
	}
	if step := c.StepBudget(); c.Dispatch.LeaseTTL < step+leaseMargin {
		return fmt.Errorf("dispatch.lease_ttl (%s) must be at least %s: media.fetch_timeout + 2*gateway.media_timeout + gateway.text_timeout + %s",
			c.Dispatch.LeaseTTL, step+leaseMargin, leaseMargin)
	}
	if c.Gateway.Enabled && strings.TrimSpace(c.Gateway.BaseURL) == "" {
		return fmt.Errorf("gateway.base_url is required when the gateway is enabled")
	}
	if _, err := time.LoadLocation(c.Dispatch.Timezone); err != nil {
		return fmt.Errorf("dispatch.timezone: %w", err)
	}
	if c.Media.MinQuality <= 0 || c.Media.StartQuality < c.Media.MinQuality || c.Media.StartQuality > 100 {
		return fmt.Errorf("media: invalid quality range [%d, %d]", c.Media.MinQuality, c.Media.StartQuality)
	}
	return nil
}
