package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across docket.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID   = "job_id"
	FieldOwnerID = "owner_id"

	// Job coordination
	FieldContentHash = "content_hash"
	FieldStatus      = "status"
	FieldExternalRef = "external_ref"
	FieldRetryCount  = "retry_count"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"
	FieldRetryable = "retryable"

	// Timing and transport
	FieldDurationMS = "duration_ms"
	FieldRemoteAddr = "remote_addr"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	coordinator := job.NewCoordinator(store, engine, logger.ComponentLogger("job.coordinator"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
// Use for sub-operations that need extra context fields.
//
// Example:
//
//	jobLogger := logger.ChildLogger(baseLogger, logger.FieldJobID, job.ID)
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
