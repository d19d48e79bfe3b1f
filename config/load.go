package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the docket configuration using Viper.
// Configuration is resolved from (highest precedence first):
// DOCKET_* environment variables, the given TOML file (optional), defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix("DOCKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "docket.db")

	// Server defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "https://localhost"})
	v.SetDefault("server.json_logs", false)

	// Extractor defaults
	v.SetDefault("extractor.timeout_seconds", 45)
	v.SetDefault("extractor.poll_seconds", 3)
	v.SetDefault("extractor.poll_ceiling_seconds", 600) // force-fail after 10 minutes
	v.SetDefault("extractor.poll_rate_per_sec", 5.0)

	// Rate limit defaults: 5 submissions per 24h sliding window
	v.SetDefault("rate_limit.submit_limit", 5)
	v.SetDefault("rate_limit.submit_window_seconds", 24*60*60)

	// Notify defaults: keep the actor alive 60s after a terminal status
	// so slow clients can still catch the final event
	v.SetDefault("notify.teardown_grace_seconds", 60)

	// Job defaults
	v.SetDefault("jobs.max_upload_bytes", int64(20*1024*1024)) // 20 MiB ceiling
	v.SetDefault("jobs.waiting_timeout_seconds", 900)          // waiting siblings fail after 15 minutes
	v.SetDefault("jobs.sweep_interval_seconds", 60)
	v.SetDefault("jobs.recovery_limit", 100)
}
