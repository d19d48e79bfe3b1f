package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inkfold/docket/errors"
	"github.com/inkfold/docket/extract"
	dockettest "github.com/inkfold/docket/internal/testing"
	"github.com/inkfold/docket/ratelimit"
)

var (
	testContent = []byte("%PDF-1.4 the quick brown invoice")
	testPayload = json.RawMessage(`{
		"schema_version": "1.0",
		"document_type": "invoice",
		"confidence": 0.97,
		"fields": {
			"total": {"value": "19.99", "confidence": 0.98, "page": 1}
		}
	}`)
)

// fakeEngine is a scriptable extraction engine. Until an outcome is set, Poll
// reports the external job as still running.
type fakeEngine struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	outcome   *extract.Outcome
	pollErr   error
}

func (f *fakeEngine) Submit(ctx context.Context, content []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits++
	return fmt.Sprintf("ext-%d", f.submits), nil
}

func (f *fakeEngine) Poll(ctx context.Context, ref string) (*extract.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if f.outcome == nil {
		return &extract.Outcome{}, nil
	}
	return f.outcome, nil
}

func (f *fakeEngine) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeEngine) settleWith(o *extract.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = o
}

// recordingNotifier captures status publishes for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string // "jobID:status"
}

func (n *recordingNotifier) Publish(jobID, status, errMsg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, jobID+":"+status)
}

func (n *recordingNotifier) has(jobID string, status Status) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	want := jobID + ":" + string(status)
	for _, e := range n.events {
		if e == want {
			return true
		}
	}
	return false
}

func newTestCoordinator(t *testing.T, engine extract.Engine) (*Coordinator, *Store, *recordingNotifier) {
	t.Helper()

	database := dockettest.CreateMigratedTestDB(t)
	store := NewStore(database)
	log := zap.NewNop().Sugar()

	limiter := ratelimit.New(ratelimit.NewSQLStore(database), log)
	limiter.SetRule(ratelimit.ActionSubmit, ratelimit.Rule{Limit: 100, Window: time.Hour})

	notifier := &recordingNotifier{}
	c := NewCoordinator(store, engine, limiter, notifier, CoordinatorConfig{
		MaxUploadBytes: 1 << 20,
		PollInterval:   5 * time.Millisecond,
		PollCeiling:    2 * time.Second,
		PollRatePerSec: 1000,
		WaitingTimeout: time.Minute,
		SweepInterval:  time.Minute,
		RecoveryLimit:  50,
	}, log)
	t.Cleanup(c.Stop)

	return c, store, notifier
}

func waitForStatus(t *testing.T, store *Store, jobID string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.GetJob(jobID)
		require.NoError(t, err)
		if j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := store.GetJob(jobID)
	t.Fatalf("job %s never reached %s, last status %s", jobID, want, j.Status)
	return nil
}

func TestSubmit_DispatchAndComplete(t *testing.T) {
	engine := &fakeEngine{}
	c, store, notifier := newTestCoordinator(t, engine)

	// Given the engine will settle successfully
	engine.settleWith(&extract.Outcome{Done: true, Payload: testPayload})

	// When content is submitted
	res, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.True(t, res.Watch)
	assert.Equal(t, StatusProcessing, res.Job.Status)

	// Then the job completes with the engine's payload
	j := waitForStatus(t, store, res.Job.ID, StatusCompleted)
	assert.JSONEq(t, string(testPayload), string(j.Result))
	assert.Empty(t, j.ErrorMessage)
	assert.Equal(t, 1, engine.submitCount())
	assert.True(t, notifier.has(j.ID, StatusCompleted))
}

func TestSubmit_RejectsInvalidContent(t *testing.T) {
	engine := &fakeEngine{}
	c, _, _ := newTestCoordinator(t, engine)

	_, err := c.Submit(context.Background(), "alice", []byte("not a document"))
	assert.True(t, errors.IsValidationError(err))
	assert.Zero(t, engine.submitCount())
}

// A completed sibling for the same (owner, content) serves the stored result
// verbatim with no dispatch at all.
func TestSubmit_CacheHit(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	engine.settleWith(&extract.Outcome{Done: true, Payload: testPayload})
	first, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	waitForStatus(t, store, first.Job.ID, StatusCompleted)

	second, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, StatusCompleted, second.Job.Status)
	assert.JSONEq(t, string(testPayload), string(second.Job.Result))
	assert.Equal(t, 1, engine.submitCount(), "cache hits must not dispatch")
}

// The cache is owner-scoped: another principal submitting identical content
// gets its own extraction, never someone else's stored result.
func TestSubmit_CacheDoesNotCrossOwners(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	engine.settleWith(&extract.Outcome{Done: true, Payload: testPayload})
	first, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	waitForStatus(t, store, first.Job.ID, StatusCompleted)

	second, err := c.Submit(context.Background(), "bob", testContent)
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, 2, engine.submitCount())
}

// While a sibling is in flight, an identical submission parks instead of
// dispatching, and settlement fans the result out to it.
func TestSubmit_DedupAndFanOut(t *testing.T) {
	engine := &fakeEngine{}
	c, store, notifier := newTestCoordinator(t, engine)

	// Engine never settles on its own; we settle explicitly below
	first, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	require.Equal(t, StatusProcessing, first.Job.Status)

	second, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	assert.True(t, second.Watch)
	assert.Equal(t, StatusWaitingForCache, second.Job.Status)
	assert.Equal(t, 1, engine.submitCount(), "only one external job for identical in-flight content")

	require.NoError(t, c.Settle(first.Job.ID, &extract.Outcome{Done: true, Payload: testPayload}))

	settled := waitForStatus(t, store, first.Job.ID, StatusCompleted)
	assert.JSONEq(t, string(testPayload), string(settled.Result))

	fanned := waitForStatus(t, store, second.Job.ID, StatusCompleted)
	assert.JSONEq(t, string(testPayload), string(fanned.Result))
	assert.True(t, notifier.has(second.Job.ID, StatusCompleted))
}

// Failure fans out the same way success does.
func TestSettle_FailureFansOut(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	first, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	second, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)

	require.NoError(t, c.Settle(first.Job.ID, &extract.Outcome{
		Done: true,
		Err:  "document is corrupt and cannot be decoded",
	}))

	settled := waitForStatus(t, store, first.Job.ID, StatusFailed)
	assert.Equal(t, 1, settled.RetryCount)
	assert.Contains(t, settled.ErrorMessage, "corrupt")

	fanned := waitForStatus(t, store, second.Job.ID, StatusFailed)
	assert.Contains(t, fanned.ErrorMessage, "corrupt")
}

// Settling twice is harmless: the second outcome is ignored.
func TestSettle_Idempotent(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	res, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)

	require.NoError(t, c.Settle(res.Job.ID, &extract.Outcome{Done: true, Payload: testPayload}))
	require.NoError(t, c.Settle(res.Job.ID, &extract.Outcome{Done: true, Err: "late duplicate failure"}))

	j, err := store.GetJob(res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Empty(t, j.ErrorMessage)
}

// A settled payload that fails schema validation is a permanent failure of
// the job, not a completion with garbage.
func TestSettle_RejectsMalformedPayload(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	res, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)

	require.NoError(t, c.Settle(res.Job.ID, &extract.Outcome{
		Done:    true,
		Payload: json.RawMessage(`{"fields": {}}`),
	}))

	j := waitForStatus(t, store, res.Job.ID, StatusFailed)
	assert.Contains(t, j.ErrorMessage, "schema")
	assert.Nil(t, j.Result)
}

// The retry budget follows the content across resubmissions: after the
// second failure the content reports canRetry false and further submissions
// are refused.
func TestSubmit_RetryBudget(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	fail := func() *Job {
		res, err := c.Submit(context.Background(), "alice", testContent)
		require.NoError(t, err)
		require.NoError(t, c.Settle(res.Job.ID, &extract.Outcome{Done: true, Err: "engine exploded mid-parse"}))
		return waitForStatus(t, store, res.Job.ID, StatusFailed)
	}

	first := fail()
	assert.Equal(t, 1, first.RetryCount)
	assert.True(t, first.CanRetry())

	second := fail()
	assert.Equal(t, 2, second.RetryCount)
	assert.False(t, second.CanRetry())

	_, err := c.Submit(context.Background(), "alice", testContent)
	assert.True(t, errors.Is(err, errors.ErrRetryExhausted))
	assert.Equal(t, 2, engine.submitCount(), "exhausted budget must not dispatch")
}

func TestSubmit_RateLimited(t *testing.T) {
	engine := &fakeEngine{}
	c, _, _ := newTestCoordinator(t, engine)
	c.limiter.SetRule(ratelimit.ActionSubmit, ratelimit.Rule{Limit: 1, Window: time.Hour})

	engine.settleWith(&extract.Outcome{Done: true, Payload: testPayload})

	_, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)

	other := []byte("%PDF-1.4 a different document")
	_, err = c.Submit(context.Background(), "alice", other)
	assert.True(t, errors.Is(err, errors.ErrRateLimited))

	// Another principal has its own window
	_, err = c.Submit(context.Background(), "bob", other)
	assert.NoError(t, err)
}

// The poll ceiling forces a timeout failure when the engine never settles.
func TestWatch_PollCeilingTimesOut(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)
	c.cfg.PollCeiling = 20 * time.Millisecond

	res, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)

	j := waitForStatus(t, store, res.Job.ID, StatusFailed)
	assert.Contains(t, j.ErrorMessage, "timed out")
}

// A park that lands after the sibling settled (fan-out listed its targets
// before the waiting row existed) must resolve from the settled state
// immediately, not strand until the sweeper fails it.
func TestParkWaiting_SiblingAlreadyCompleted(t *testing.T) {
	engine := &fakeEngine{}
	c, store, notifier := newTestCoordinator(t, engine)

	first, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	require.NoError(t, c.Settle(first.Job.ID, &extract.Outcome{Done: true, Payload: testPayload}))

	// The late arrival observed the sibling in flight before settlement
	late := NewJob("alice")
	late.ContentHash = HashContent(testContent)
	require.NoError(t, store.CreateJob(late))

	res, err := c.parkWaiting(late, first.Job.ID)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, StatusCompleted, res.Job.Status)
	assert.JSONEq(t, string(testPayload), string(res.Job.Result))

	j, err := store.GetJob(late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.True(t, notifier.has(late.ID, StatusCompleted))
}

func TestParkWaiting_SiblingAlreadyFailed(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	first, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	require.NoError(t, c.Settle(first.Job.ID, &extract.Outcome{Done: true, Err: "document is corrupt and cannot be decoded"}))

	late := NewJob("alice")
	late.ContentHash = HashContent(testContent)
	require.NoError(t, store.CreateJob(late))

	res, err := c.parkWaiting(late, first.Job.ID)
	require.NoError(t, err)
	assert.False(t, res.Watch)
	assert.Equal(t, StatusFailed, res.Job.Status)
	assert.Contains(t, res.Job.ErrorMessage, "corrupt")
	assert.Equal(t, 1, res.Job.RetryCount)

	j, err := store.GetJob(late.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, j.Status)
}

// A park behind a sibling that is genuinely still in flight stays parked.
func TestParkWaiting_SiblingStillInFlight(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	_, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)

	late := NewJob("alice")
	late.ContentHash = HashContent(testContent)
	require.NoError(t, store.CreateJob(late))

	res, err := c.parkWaiting(late, "")
	require.NoError(t, err)
	assert.True(t, res.Watch)
	assert.Equal(t, StatusWaitingForCache, res.Job.Status)
}

func TestSweepStaleWaiting(t *testing.T) {
	engine := &fakeEngine{}
	c, store, notifier := newTestCoordinator(t, engine)
	c.cfg.WaitingTimeout = 10 * time.Millisecond

	_, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	parked, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)
	require.Equal(t, StatusWaitingForCache, parked.Job.Status)

	time.Sleep(20 * time.Millisecond)
	c.SweepStaleWaiting()

	j := waitForStatus(t, store, parked.Job.ID, StatusFailed)
	assert.Contains(t, j.ErrorMessage, "timed out waiting")
	assert.True(t, notifier.has(j.ID, StatusFailed))
}

func TestPollStatus(t *testing.T) {
	engine := &fakeEngine{}
	c, _, _ := newTestCoordinator(t, engine)

	res, err := c.Submit(context.Background(), "alice", testContent)
	require.NoError(t, err)

	// Ownership is enforced before anything else
	_, err = c.PollStatus(context.Background(), "mallory", res.Job.ID)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	_, err = c.PollStatus(context.Background(), "alice", "no-such-job")
	assert.True(t, errors.IsNotFoundError(err))

	// An in-flight job still reports processing
	view, err := c.PollStatus(context.Background(), "alice", res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, view.Job.Status)

	// Once the engine settles, the status poll settles the job inline even
	// if the push path never fired
	engine.settleWith(&extract.Outcome{Done: true, Payload: testPayload})
	view, err = c.PollStatus(context.Background(), "alice", res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Job.Status)
	assert.JSONEq(t, string(testPayload), string(view.Job.Result))
}

// Start re-attaches poll loops to jobs a crash left in processing.
func TestStart_RecoversOrphanedJobs(t *testing.T) {
	engine := &fakeEngine{}
	c, store, _ := newTestCoordinator(t, engine)

	orphan := NewJob("alice")
	orphan.ContentHash = HashContent(testContent)
	require.NoError(t, store.CreateJob(orphan))
	orphan.MarkProcessing("ext-orphan")
	require.NoError(t, store.UpdateJob(orphan))

	// Crashed between claiming the slot and dispatching: unrecoverable
	halfClaimed := NewJob("bob")
	halfClaimed.ContentHash = HashContent([]byte("%PDF-1.4 other"))
	require.NoError(t, store.CreateJob(halfClaimed))
	halfClaimed.Status = StatusProcessing
	require.NoError(t, store.UpdateJob(halfClaimed))

	engine.settleWith(&extract.Outcome{Done: true, Payload: testPayload})
	require.NoError(t, c.Start())

	recovered := waitForStatus(t, store, orphan.ID, StatusCompleted)
	assert.JSONEq(t, string(testPayload), string(recovered.Result))

	dead, err := store.GetJob(halfClaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, dead.Status)
}
