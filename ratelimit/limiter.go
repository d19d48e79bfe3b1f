// Package ratelimit enforces sliding-window limits keyed by (subject,
// action) over a durable counter store, so limits survive restarts and are
// shared across processes pointed at the same database.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inkfold/docket/errors"
)

// Well-known action names
const (
	// ActionSubmit gates content submission. High value, state mutating:
	// the limiter fails closed when the counter store is unreachable.
	ActionSubmit = "job.submit"

	// ActionBeacon gates anonymous tracking beacons. Low value: the
	// limiter fails open on store errors, since false positives there are
	// worse than the abuse they would prevent.
	ActionBeacon = "beacon"
)

// Rule is the per-action window configuration.
type Rule struct {
	Limit    int
	Window   time.Duration
	FailOpen bool // allow when the counter store errors
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time // when the oldest counted event leaves the window
}

// CounterStore provides durable event counting for sliding windows.
type CounterStore interface {
	// CountSince returns the number of events for (subject, action) at or
	// after cutoff, and the timestamp of the oldest such event.
	CountSince(ctx context.Context, subject, action string, cutoff time.Time) (count int, oldest time.Time, err error)

	// Record appends one event for (subject, action).
	Record(ctx context.Context, subject, action string, at time.Time) error
}

// Limiter checks sliding-window limits before state-mutating operations.
type Limiter struct {
	store   CounterStore
	rules   map[string]Rule
	timeNow func() time.Time // injectable for testing
	log     *zap.SugaredLogger
}

// New creates a limiter with real time and no rules. Actions without a
// configured rule are always allowed.
func New(store CounterStore, log *zap.SugaredLogger) *Limiter {
	return NewWithClock(store, log, time.Now)
}

// NewWithClock creates a limiter with an injectable clock (for testing)
func NewWithClock(store CounterStore, log *zap.SugaredLogger, timeNow func() time.Time) *Limiter {
	return &Limiter{
		store:   store,
		rules:   make(map[string]Rule),
		timeNow: timeNow,
		log:     log,
	}
}

// SetRule configures the window for an action
func (l *Limiter) SetRule(action string, rule Rule) {
	l.rules[action] = rule
}

// Check consults the window for (subject, action) and, when allowed, records
// the event. Exceeding the window returns Allowed=false with Remaining=0 and
// the time at which capacity frees up; it is not an error.
//
// A counter-store failure is handled per the action's FailOpen setting:
// fail-open actions are allowed through with a warning, fail-closed actions
// are denied and the store error is returned wrapped as
// errors.ErrDependencyUnavailable.
func (l *Limiter) Check(ctx context.Context, subject, action string) (Decision, error) {
	rule, ok := l.rules[action]
	if !ok {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.timeNow().UTC()
	cutoff := now.Add(-rule.Window)

	count, oldest, err := l.store.CountSince(ctx, subject, action, cutoff)
	if err != nil {
		if rule.FailOpen {
			l.log.Warnw("Rate counter store unavailable, failing open",
				"subject", subject,
				"action", action,
				"error", err,
			)
			return Decision{Allowed: true, Remaining: -1}, nil
		}
		return Decision{Allowed: false, ResetAt: now.Add(rule.Window)},
			errors.Wrap(errors.ErrDependencyUnavailable, "rate counter store: "+err.Error())
	}

	if count >= rule.Limit {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   oldest.Add(rule.Window),
		}, nil
	}

	if err := l.store.Record(ctx, subject, action, now); err != nil {
		if rule.FailOpen {
			l.log.Warnw("Failed to record rate event, failing open",
				"subject", subject,
				"action", action,
				"error", err,
			)
			return Decision{Allowed: true, Remaining: rule.Limit - count - 1, ResetAt: now.Add(rule.Window)}, nil
		}
		return Decision{Allowed: false, ResetAt: now.Add(rule.Window)},
			errors.Wrap(errors.ErrDependencyUnavailable, "rate counter store: "+err.Error())
	}

	return Decision{
		Allowed:   true,
		Remaining: rule.Limit - count - 1,
		ResetAt:   now.Add(rule.Window),
	}, nil
}
