// Package notify implements per-job live status notification.
//
// One actor exists per job id, created lazily on first subscribe or first
// publish. It caches the last known status so a freshly attached subscriber
// never waits for the next event, pushes updates to every attached
// subscriber, and erases itself a fixed grace period after the job reaches a
// terminal state. The actor is a map slot behind the hub's mutex plus a
// teardown timer; every job eventually terminates (the waiting-timeout
// sweeper guarantees it), so every actor eventually gets its alarm.
package notify

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Server-to-client message types
const (
	TypeStatus = "status"
	TypePong   = "pong"
)

// subscriptionBuffer is the per-subscriber channel buffer. Pushes to a full
// subscriber are dropped, not retried: updates are idempotent snapshots and
// the polling fallback covers missed deliveries.
const subscriptionBuffer = 16

// Envelope is the JSON message pushed to live subscribers.
type Envelope struct {
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is one live attachment to a job's actor. Events arrives on C;
// C is closed when the actor tears down or Close is called.
type Subscription struct {
	C <-chan Envelope

	hub   *Hub
	jobID string
	ch    chan Envelope
	once  sync.Once
}

// Close detaches the subscription from its actor. Safe to call more than
// once and safe to call after the actor has already torn down.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// actor is the per-job notification state. Owned by the hub's mutex.
type actor struct {
	lastStatus string
	lastError  string
	hasStatus  bool
	subs       map[*Subscription]bool
	teardown   *time.Timer
}

// Hub owns all notification actors, keyed by job id.
type Hub struct {
	mu      sync.Mutex
	actors  map[string]*actor
	grace   time.Duration
	timeNow func() time.Time
	log     *zap.SugaredLogger
}

// NewHub creates a hub whose actors linger for the given grace period after
// a terminal status before erasing themselves.
func NewHub(grace time.Duration, log *zap.SugaredLogger) *Hub {
	return NewHubWithClock(grace, log, time.Now)
}

// NewHubWithClock creates a hub with an injectable clock (for testing)
func NewHubWithClock(grace time.Duration, log *zap.SugaredLogger, timeNow func() time.Time) *Hub {
	return &Hub{
		actors:  make(map[string]*actor),
		grace:   grace,
		timeNow: timeNow,
		log:     log,
	}
}

// Subscribe attaches a live subscriber to the job's actor, creating the
// actor if needed. If the actor has a cached status, it is delivered
// immediately so the subscriber learns current state without waiting.
func (h *Hub) Subscribe(jobID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	a := h.ensureActor(jobID)

	sub := &Subscription{
		hub:   h,
		jobID: jobID,
		ch:    make(chan Envelope, subscriptionBuffer),
	}
	sub.C = sub.ch
	a.subs[sub] = true

	if a.hasStatus {
		sub.ch <- h.envelope(a)
	}

	return sub
}

// Publish caches the new status on the job's actor and pushes it to every
// attached subscriber. Delivery to a slow or dead subscriber is dropped, not
// retried. A terminal status schedules the actor's self-teardown after the
// grace window; repeated terminal publishes reset the window rather than
// stacking timers.
func (h *Hub) Publish(jobID, status, errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a := h.ensureActor(jobID)
	a.lastStatus = status
	a.lastError = errMsg
	a.hasStatus = true

	env := h.envelope(a)
	for sub := range a.subs {
		select {
		case sub.ch <- env:
		default:
			h.log.Debugw("Subscriber buffer full, dropping status push",
				"job_id", jobID,
				"status", status,
			)
		}
	}

	if isTerminal(status) {
		if a.teardown != nil {
			a.teardown.Stop()
		}
		a.teardown = time.AfterFunc(h.grace, func() {
			h.Teardown(jobID)
		})
	}
}

// Snapshot returns the cached status for a job, if any.
func (h *Hub) Snapshot(jobID string) (status, errMsg string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, exists := h.actors[jobID]
	if !exists || !a.hasStatus {
		return "", "", false
	}
	return a.lastStatus, a.lastError, true
}

// Teardown forcibly closes any subscribers still attached to the job's
// actor and erases all cached state for the job id.
func (h *Hub) Teardown(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, exists := h.actors[jobID]
	if !exists {
		return
	}

	if a.teardown != nil {
		a.teardown.Stop()
	}
	for sub := range a.subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	delete(h.actors, jobID)

	h.log.Debugw("Notification actor torn down", "job_id", jobID)
}

// Shutdown tears down every actor. Call on server stop.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.actors))
	for id := range h.actors {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Teardown(id)
	}
}

// unsubscribe detaches one subscription without touching cached state.
func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	a, exists := h.actors[sub.jobID]
	if exists {
		delete(a.subs, sub)
	}
	sub.once.Do(func() { close(sub.ch) })
}

// ensureActor returns the actor for jobID, creating it on demand.
// Caller must hold h.mu.
func (h *Hub) ensureActor(jobID string) *actor {
	a, exists := h.actors[jobID]
	if !exists {
		a = &actor{subs: make(map[*Subscription]bool)}
		h.actors[jobID] = a
	}
	return a
}

// envelope builds a status envelope from an actor's cached state.
// Caller must hold h.mu.
func (h *Hub) envelope(a *actor) Envelope {
	return Envelope{
		Type:      TypeStatus,
		Status:    a.lastStatus,
		Error:     a.lastError,
		Timestamp: h.timeNow().UTC(),
	}
}

func isTerminal(status string) bool {
	return status == "completed" || status == "failed"
}
