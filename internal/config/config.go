// Package config provides YAML-based configuration loading for marketrun.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"marketrun/internal/logging"
)

// Config is the root application configuration.
type Config struct {
	// DataDir is the base directory for the journal and extracted results.
	DataDir string `mapstructure:"data_dir"`

	Log        logging.Config   `mapstructure:"log"`
	Orderbook  EndpointConfig   `mapstructure:"orderbook"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Observe    ObserveConfig    `mapstructure:"observe"`
	Match      MatchConfig      `mapstructure:"match"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
}

// EndpointConfig is a remote HTTP service.
type EndpointConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SettlementConfig adds a shared token bucket on top of the endpoint.
type SettlementConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// QPS <= 0 disables rate limiting.
	QPS   float32 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

// StorageConfig is the result store endpoint and the largest archive accepted.
type StorageConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxBytes int64         `mapstructure:"max_bytes"`
}

// ObserveConfig controls task polling.
type ObserveConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MatchConfig controls request publication and settlement read back.
type MatchConfig struct {
	// PublishRequest publishes the signed request order before matching.
	PublishRequest  bool          `mapstructure:"publish_request"`
	ReadBackTimeout time.Duration `mapstructure:"read_back_timeout"`
}

// RetryConfig is the backoff applied to lost match races and empty
// discovery rounds. Steps <= 1 disables retries.
type RetryConfig struct {
	Steps    int           `mapstructure:"steps"`
	Initial  time.Duration `mapstructure:"initial"`
	Factor   float64       `mapstructure:"factor"`
	Jitter   float64       `mapstructure:"jitter"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// JournalConfig enables the local execution journal.
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
}

// KafkaConfig enables publishing workflow events to a Kafka topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MetricsConfig enables the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// WalletConfig points at the base64 ed25519 key used to sign orders.
type WalletConfig struct {
	KeyFile string `mapstructure:"key_file"`
}

// Default returns a Config populated with defaults that target a local devnet.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Log: logging.Config{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: logging.RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Orderbook:  EndpointConfig{URL: "http://127.0.0.1:8545", Timeout: 30 * time.Second},
		Settlement: SettlementConfig{URL: "http://127.0.0.1:8545", Timeout: 30 * time.Second, QPS: 5, Burst: 10},
		Storage:    StorageConfig{URL: "http://127.0.0.1:8545", Timeout: 2 * time.Minute, MaxBytes: 256 << 20},
		Observe:    ObserveConfig{Interval: 3 * time.Second, Timeout: 30 * time.Minute},
		Match:      MatchConfig{ReadBackTimeout: 30 * time.Second},
		Retry:      RetryConfig{Steps: 4, Initial: 2 * time.Second, Factor: 2, Jitter: 0.1, MaxDelay: 30 * time.Second},
		Journal:    JournalConfig{Enabled: true},
		Kafka:      KafkaConfig{Topic: "marketrun.progress"},
		Metrics:    MetricsConfig{Listen: ":9464"},
		Wallet:     WalletConfig{KeyFile: "wallet.key"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MARKETRUN and `.`/`-` are replaced with `_`.
// Example: MARKETRUN_ORDERBOOK_URL=https://registry.example
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MARKETRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("orderbook.url", cfg.Orderbook.URL)
	v.SetDefault("orderbook.timeout", cfg.Orderbook.Timeout)
	v.SetDefault("settlement.url", cfg.Settlement.URL)
	v.SetDefault("settlement.timeout", cfg.Settlement.Timeout)
	v.SetDefault("settlement.qps", cfg.Settlement.QPS)
	v.SetDefault("settlement.burst", cfg.Settlement.Burst)
	v.SetDefault("storage.url", cfg.Storage.URL)
	v.SetDefault("storage.timeout", cfg.Storage.Timeout)
	v.SetDefault("storage.max_bytes", cfg.Storage.MaxBytes)
	v.SetDefault("observe.interval", cfg.Observe.Interval)
	v.SetDefault("observe.timeout", cfg.Observe.Timeout)
	v.SetDefault("match.publish_request", cfg.Match.PublishRequest)
	v.SetDefault("match.read_back_timeout", cfg.Match.ReadBackTimeout)
	v.SetDefault("retry.steps", cfg.Retry.Steps)
	v.SetDefault("retry.initial", cfg.Retry.Initial)
	v.SetDefault("retry.factor", cfg.Retry.Factor)
	v.SetDefault("retry.jitter", cfg.Retry.Jitter)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("journal.enabled", cfg.Journal.Enabled)
	v.SetDefault("journal.dir", cfg.Journal.Dir)
	v.SetDefault("kafka.enabled", cfg.Kafka.Enabled)
	v.SetDefault("kafka.brokers", cfg.Kafka.Brokers)
	v.SetDefault("kafka.topic", cfg.Kafka.Topic)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("wallet.key_file", cfg.Wallet.KeyFile)

	if path == "" {
		if envPath := os.Getenv("MARKETRUN_CONFIG"); envPath != "" {
			path = envPath
		}
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("marketrun")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".marketrun"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	for name, url := range map[string]string{
		"orderbook.url":  c.Orderbook.URL,
		"settlement.url": c.Settlement.URL,
		"storage.url":    c.Storage.URL,
	} {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.Observe.Interval <= 0 {
		return fmt.Errorf("invalid observe.interval: %s", c.Observe.Interval)
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka.brokers and kafka.topic are required when kafka is enabled")
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.DataDir, "journal")
	}
	return nil
}
