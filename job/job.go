// Package job implements the document-extraction job coordination core:
// content-addressable result caching, concurrent-submission dedup, completion
// fan-out, and the bounded poll loop against the external extraction engine.
package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a job
type Status string

const (
	// StatusPending is the initial state: the row exists, nothing external
	// has been touched yet.
	StatusPending Status = "pending"
	// StatusProcessing means an external extraction job has been dispatched
	// and is being polled.
	StatusProcessing Status = "processing"
	// StatusWaitingForCache means an identical submission is already in
	// flight; this job resolves via fan-out when the sibling settles.
	StatusWaitingForCache Status = "waiting_for_cache"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal returns true for states that never transition further.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusWaitingForCache,
		StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// MaxRetries is the resubmission budget for failed jobs. Retries create a
// new job row; this only gates whether the client may resubmit.
const MaxRetries = 2

// Job is one submission's tracked record through the extraction lifecycle.
// Rows are never deleted; terminal rows double as permanent cache entries.
type Job struct {
	ID           string          `json:"id"`
	OwnerID      string          `json:"owner_id"`
	ContentHash  string          `json:"content_hash,omitempty"` // hex sha256, empty until hashed
	Status       Status          `json:"status"`
	ExternalRef  string          `json:"external_ref,omitempty"` // extraction engine handle
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	RetryCount   int             `json:"retry_count,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewJob creates a pending job for the given owner. The row is persisted
// before any external system is touched so every accepted submission is
// durably trackable.
func NewJob(ownerID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HashContent computes the authoritative content hash for submitted bytes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// MarkProcessing records the dispatched external job handle
func (j *Job) MarkProcessing(externalRef string) {
	j.Status = StatusProcessing
	j.ExternalRef = externalRef
	j.UpdatedAt = time.Now().UTC()
}

// MarkWaiting parks the job behind an in-flight sibling with the same content
func (j *Job) MarkWaiting() {
	j.Status = StatusWaitingForCache
	j.UpdatedAt = time.Now().UTC()
}

// Complete marks the job as completed with its result payload
func (j *Job) Complete(result json.RawMessage) {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.Result = result
	j.ErrorMessage = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed. Retry accounting is the coordinator's
// business: settlement increments RetryCount, other failure paths don't.
func (j *Job) Fail(message string) {
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// CanRetry reports whether the client may resubmit this content.
// Retries are client-initiated; the coordinator never retries automatically.
func (j *Job) CanRetry() bool {
	return j.Status == StatusFailed && j.RetryCount < MaxRetries
}
