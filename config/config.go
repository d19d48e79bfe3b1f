// Package config holds the docket service configuration.
package config

// Config represents the core docket configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the docket HTTP server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	JSONLogs       bool     `mapstructure:"json_logs"`
}

// ExtractorConfig configures the external extraction engine client
type ExtractorConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`      // per-request HTTP timeout
	PollSeconds    int     `mapstructure:"poll_seconds"`         // interval between status polls
	PollCeiling    int     `mapstructure:"poll_ceiling_seconds"` // hard deadline before a job is forced failed
	PollRatePerSec float64 `mapstructure:"poll_rate_per_sec"`    // global pacing across all poll loops
}

// RateLimitConfig configures the per-owner submission window
type RateLimitConfig struct {
	SubmitLimit         int `mapstructure:"submit_limit"`          // submissions allowed per window
	SubmitWindowSeconds int `mapstructure:"submit_window_seconds"` // sliding window length
}

// NotifyConfig configures the live notification actors
type NotifyConfig struct {
	TeardownGraceSeconds int `mapstructure:"teardown_grace_seconds"` // actor lifetime after a terminal status
}

// JobsConfig configures submission limits and waiting-state policy
type JobsConfig struct {
	MaxUploadBytes        int64 `mapstructure:"max_upload_bytes"`
	WaitingTimeoutSeconds int   `mapstructure:"waiting_timeout_seconds"` // ceiling before a waiting job fails independently
	SweepIntervalSeconds  int   `mapstructure:"sweep_interval_seconds"`
	RecoveryLimit         int   `mapstructure:"recovery_limit"` // max processing jobs re-attached on startup
}

// Default server port constant
const DefaultServerPort = 8460
