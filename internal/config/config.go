package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all control plane configuration
type Config struct {
	MySQL      MySQLConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Migrate    bool
	HTTPAddr   string
	AgentToken string
	PackageDir string
	LogLevel   string
	WSEnabled  bool
	Scheduler  SchedulerConfig
	Liveness   LivenessConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT verification settings. Tokens are issued elsewhere.
type JWTConfig struct {
	Secret string
	Issuer string
}

// SchedulerConfig holds task store and retry worker configuration
type SchedulerConfig struct {
	RetryWorkerEnabled     bool
	RetryWorkerIntervalSec int
	RetryBackoffMinutes    int
	DefaultMaxRetries      int
	PollLockTTLSec         int
}

// LivenessConfig holds liveness tracker configuration
type LivenessConfig struct {
	ThresholdSec     int
	SweepEnabled     bool
	SweepIntervalSec int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "1") == "1",
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
			Issuer: getEnv("JWT_ISSUER", "go_fleet"),
		},
		Migrate:    getEnv("MIGRATE", "0") == "1",
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),
		AgentToken: getEnv("AGENT_TOKEN", ""),
		PackageDir: getEnv("PACKAGE_DIR", "/var/lib/go_fleet/packages"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		WSEnabled:  getEnv("WS_ENABLED", "0") == "1",
		Scheduler: SchedulerConfig{
			RetryWorkerEnabled:     getEnv("RETRY_WORKER_ENABLED", "1") == "1",
			RetryWorkerIntervalSec: getEnvInt("RETRY_WORKER_INTERVAL_SEC", 60),
			RetryBackoffMinutes:    getEnvInt("RETRY_BACKOFF_MINUTES", 5),
			DefaultMaxRetries:      getEnvInt("TASK_DEFAULT_MAX_RETRIES", 3),
			PollLockTTLSec:         getEnvInt("POLL_LOCK_TTL_SEC", 30),
		},
		Liveness: LivenessConfig{
			ThresholdSec:     getEnvInt("LIVENESS_THRESHOLD_SEC", 120),
			SweepEnabled:     getEnv("OFFLINE_SWEEP_ENABLED", "1") == "1",
			SweepIntervalSec: getEnvInt("OFFLINE_SWEEP_INTERVAL_SEC", 30),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Enabled:  getValueBool("REDIS_ENABLED", "redis", "enabled", true),
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret: getValue("JWT_SECRET", "jwt", "secret", ""),
			Issuer: getValue("JWT_ISSUER", "jwt", "issuer", "go_fleet"),
		},
		Migrate:    getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr:   getValue("HTTP_ADDR", "http", "addr", ":8080"),
		AgentToken: getValue("AGENT_TOKEN", "agent", "token", ""),
		PackageDir: getValue("PACKAGE_DIR", "packages", "dir", "/var/lib/go_fleet/packages"),
		LogLevel:   getValue("LOG_LEVEL", "app", "log_level", "info"),
		WSEnabled:  getValueBool("WS_ENABLED", "ws", "enabled", false),
		Scheduler: SchedulerConfig{
			RetryWorkerEnabled:     getValueBool("RETRY_WORKER_ENABLED", "scheduler", "retry_worker_enabled", true),
			RetryWorkerIntervalSec: getValueInt("RETRY_WORKER_INTERVAL_SEC", "scheduler", "retry_worker_interval_sec", 60),
			RetryBackoffMinutes:    getValueInt("RETRY_BACKOFF_MINUTES", "scheduler", "retry_backoff_minutes", 5),
			DefaultMaxRetries:      getValueInt("TASK_DEFAULT_MAX_RETRIES", "scheduler", "default_max_retries", 3),
			PollLockTTLSec:         getValueInt("POLL_LOCK_TTL_SEC", "scheduler", "poll_lock_ttl_sec", 30),
		},
		Liveness: LivenessConfig{
			ThresholdSec:     getValueInt("LIVENESS_THRESHOLD_SEC", "liveness", "threshold_sec", 120),
			SweepEnabled:     getValueBool("OFFLINE_SWEEP_ENABLED", "liveness", "sweep_enabled", true),
			SweepIntervalSec: getValueInt("OFFLINE_SWEEP_INTERVAL_SEC", "liveness", "sweep_interval_sec", 30),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("TASK_DEFAULT_MAX_RETRIES must not be negative")
	}
	return nil
}
