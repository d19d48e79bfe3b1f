package config

import "github.com/inkfold/docket/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.Newf("server.port must be positive, got %d", c.Server.Port)
	}

	if c.Extractor.BaseURL == "" {
		return errors.New("extractor.base_url cannot be empty")
	}
	if c.Extractor.TimeoutSeconds <= 0 {
		return errors.Newf("extractor.timeout_seconds must be > 0, got %d", c.Extractor.TimeoutSeconds)
	}
	if c.Extractor.PollSeconds <= 0 {
		return errors.Newf("extractor.poll_seconds must be > 0, got %d", c.Extractor.PollSeconds)
	}
	if c.Extractor.PollCeiling <= c.Extractor.PollSeconds {
		return errors.Newf("extractor.poll_ceiling_seconds must exceed poll_seconds, got %d", c.Extractor.PollCeiling)
	}

	if c.RateLimit.SubmitLimit <= 0 {
		return errors.Newf("rate_limit.submit_limit must be > 0, got %d", c.RateLimit.SubmitLimit)
	}
	if c.RateLimit.SubmitWindowSeconds <= 0 {
		return errors.Newf("rate_limit.submit_window_seconds must be > 0, got %d", c.RateLimit.SubmitWindowSeconds)
	}

	if c.Notify.TeardownGraceSeconds < 0 {
		return errors.Newf("notify.teardown_grace_seconds must be >= 0, got %d", c.Notify.TeardownGraceSeconds)
	}

	if c.Jobs.MaxUploadBytes <= 0 {
		return errors.Newf("jobs.max_upload_bytes must be > 0, got %d", c.Jobs.MaxUploadBytes)
	}
	if c.Jobs.WaitingTimeoutSeconds <= 0 {
		return errors.Newf("jobs.waiting_timeout_seconds must be > 0, got %d", c.Jobs.WaitingTimeoutSeconds)
	}

	return nil
}
