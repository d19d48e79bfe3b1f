package job

import (
	"strings"
)

// Kind classifies a job failure
type Kind string

const (
	// Transient kinds: safe for the client to resubmit
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindTimeout               Kind = "timeout"
	KindThrottled             Kind = "throttled"

	// Permanent kinds: resubmitting the same content will fail again
	KindCorruptInput      Kind = "corrupt_input"
	KindMalformedResponse Kind = "malformed_response"
	KindMissingBinding    Kind = "missing_binding"
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation"
	KindUnknown           Kind = "unknown"
)

// Classification is the result of mapping a raw failure to a stable
// kind and a retry decision.
type Classification struct {
	Kind      Kind
	Retryable bool
	Message   string
}

// Classify categorizes a failure based on its message. The coordinator
// consults this to persist failed jobs; it never retries automatically —
// retries are client-initiated resubmissions gated by CanRetry.
//
// Unmatched failures classify as Unknown and non-retryable so a surprise
// cannot turn into an infinite resubmission loop.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Retryable: false, Message: "unknown error"}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	c := Classification{Message: msg}

	switch {
	case strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "throttl"):
		c.Kind = KindThrottled
		c.Retryable = true

	case strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		c.Kind = KindTimeout
		c.Retryable = true

	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "network") ||
		strings.Contains(lower, "unavailable") || strings.Contains(lower, "database") ||
		strings.Contains(lower, "sql"):
		c.Kind = KindDependencyUnavailable
		c.Retryable = true

	case strings.Contains(lower, "corrupt") || strings.Contains(lower, "unreadable") || strings.Contains(lower, "malformed input"):
		c.Kind = KindCorruptInput
		c.Retryable = false

	case strings.Contains(lower, "parse") || strings.Contains(lower, "unmarshal") || strings.Contains(lower, "invalid json"):
		c.Kind = KindMalformedResponse
		c.Retryable = false

	case strings.Contains(lower, "no such model") || strings.Contains(lower, "missing binding") || strings.Contains(lower, "not configured"):
		c.Kind = KindMissingBinding
		c.Retryable = false

	case strings.Contains(lower, "not found") || strings.Contains(lower, "no such"):
		c.Kind = KindNotFound
		c.Retryable = false

	case strings.Contains(lower, "validation") || strings.Contains(lower, "schema") || strings.Contains(lower, "invalid"):
		c.Kind = KindValidation
		c.Retryable = false

	default:
		c.Kind = KindUnknown
		c.Retryable = false
	}

	return c
}
