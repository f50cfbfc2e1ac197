package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the PreventX engine service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Security  SecurityConfig  `mapstructure:"security"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ruleset   RulesetConfig   `mapstructure:"ruleset"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DataDir     string `mapstructure:"data_dir"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	BadgerPath  string `mapstructure:"badger_path"`
	ReadRetries int    `mapstructure:"read_retries"`
}

// SecurityConfig holds token verification settings
type SecurityConfig struct {
	JWTSecret    string   `mapstructure:"jwt_secret"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// SchedulerConfig controls the background sweep and rescoring job
type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	UsersPerSecond     float64       `mapstructure:"users_per_second"`
	MissedLookbackDays int           `mapstructure:"missed_lookback_days"`
}

// RulesetConfig points at the scoring configuration file
type RulesetConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// KafkaConfig holds the notification event sink settings
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MQTTConfig holds the vitals ingestion settings
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Load loads configuration from file, env, and defaults
func Load(configPath, dataDir string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if dataDir == "" {
		dataDir = getDefaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.SetDefault("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "preventx.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))

	if configPath == "" {
		configPath = filepath.Join(dataDir, "preventx.yaml")
	}
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// PREVENTX_SERVER_PORT, PREVENTX_STORAGE_DRIVER, ...
	v.SetEnvPrefix("PREVENTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.read_retries", 3)

	v.SetDefault("security.allow_origins", []string{"*"})

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.users_per_second", 50.0)
	v.SetDefault("scheduler.missed_lookback_days", 7)

	v.SetDefault("ruleset.watch", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("kafka.topic", "preventx-notifications")

	v.SetDefault("mqtt.client_id", "preventx-engine")
	v.SetDefault("mqtt.topic_prefix", "preventx")
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "preventx")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "preventx")
}

// loadEnvOverrides handles values viper does not bind from the environment
// because they have no default or are lists.
func loadEnvOverrides(cfg *Config) {
	getEnv := func(key, fallback string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return fallback
	}

	if secret := GetEnvWithFallback("PREVENTX_SECURITY_JWT_SECRET", "PREVENTX_JWT_SECRET", "JWT_SECRET"); secret != "" {
		cfg.Security.JWTSecret = secret
	}
	cfg.Storage.PostgresDSN = getEnv("PREVENTX_STORAGE_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Ruleset.Path = getEnv("PREVENTX_RULESET_PATH", cfg.Ruleset.Path)
	cfg.Logging.File = getEnv("PREVENTX_LOGGING_FILE", cfg.Logging.File)

	if port := os.Getenv("PREVENTX_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if brokers := os.Getenv("PREVENTX_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}

	cfg.MQTT.Broker = getEnv("PREVENTX_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Username = getEnv("PREVENTX_MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("PREVENTX_MQTT_PASSWORD", cfg.MQTT.Password)
}

func validate(cfg *Config) error {
	switch cfg.Storage.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}

	if cfg.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required")
	}

	if cfg.Scheduler.Interval < time.Second {
		return fmt.Errorf("scheduler.interval must be at least 1s")
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = 1
	}

	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
