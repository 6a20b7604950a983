// Package config loads the agent configuration and describes the on-disk install layout.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds agent configuration
type Config struct {
	ServerURL   string
	AgentToken  string
	InstallRoot string
	MachineID   string // empty: derived from the hardware fingerprint
	MachineName string
	UserName    string
	LogLevel    string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	HTTPTimeout       time.Duration
	// HTTPAddr is the loopback address of the local API; empty disables it
	HTTPAddr string
	// AllowUnknownMergeStrategy degrades unknown config merge strategies to PreserveLocal
	AllowUnknownMergeStrategy bool
}

// Load reads the configuration. When iniPath is set the INI file is consulted after
// the environment. Priority: ENV > INI > default.
func Load(iniPath string) (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	var cfgFile *ini.File
	if iniPath != "" {
		f, err := ini.Load(iniPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load INI file: %w", err)
		}
		cfgFile = f
	}

	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if cfgFile != nil {
			if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
				return value
			}
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile != nil && cfgFile.Section(iniSection).HasKey(iniKey) {
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
		if cfgFile != nil && cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	hostname, _ := os.Hostname()

	cfg := &Config{
		ServerURL:   getValue("SERVER_URL", "server", "url", ""),
		AgentToken:  getValue("AGENT_TOKEN", "server", "agent_token", ""),
		InstallRoot: getValue("INSTALL_ROOT", "install", "root", "/opt/go_fleet/apps"),
		MachineID:   getValue("MACHINE_ID", "machine", "id", ""),
		MachineName: getValue("MACHINE_NAME", "machine", "name", hostname),
		UserName:    getValue("USER_NAME", "machine", "user", os.Getenv("USER")),
		LogLevel:    getValue("LOG_LEVEL", "agent", "log_level", "info"),

		HeartbeatInterval: time.Duration(getValueInt("HEARTBEAT_INTERVAL_SEC", "agent", "heartbeat_interval_sec", 30)) * time.Second,
		PollInterval:      time.Duration(getValueInt("POLL_INTERVAL_SEC", "agent", "poll_interval_sec", 30)) * time.Second,
		HTTPTimeout:       time.Duration(getValueInt("HTTP_TIMEOUT_SEC", "server", "timeout_sec", 300)) * time.Second,
		HTTPAddr:          getValue("AGENT_HTTP_ADDR", "agent", "http_addr", "127.0.0.1:9090"),

		AllowUnknownMergeStrategy: getValueBool("ALLOW_UNKNOWN_MERGE_STRATEGY", "install", "allow_unknown_merge_strategy", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}
	if c.InstallRoot == "" {
		return fmt.Errorf("INSTALL_ROOT is required")
	}
	if c.HeartbeatInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("heartbeat and poll intervals must be positive")
	}
	return nil
}

// Layout returns the install layout under InstallRoot
func (c *Config) Layout() Layout {
	return Layout{Root: c.InstallRoot}
}
