package job

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/inkfold/docket/errors"
	"github.com/inkfold/docket/extract"
	"github.com/inkfold/docket/logger"
	"github.com/inkfold/docket/ratelimit"
)

// Notifier receives job status transitions for live fan-out to subscribers.
// Satisfied by *notify.Hub.
type Notifier interface {
	Publish(jobID, status, errMsg string)
}

// CoordinatorConfig holds the tunables for the coordination core.
type CoordinatorConfig struct {
	// MaxUploadBytes bounds accepted content size.
	MaxUploadBytes int64

	// PollInterval is the pause between polls of one in-flight job.
	PollInterval time.Duration

	// PollCeiling bounds how long one external job may stay in flight
	// before the coordinator fails it as timed out.
	PollCeiling time.Duration

	// PollRatePerSec paces polls across all in-flight jobs combined, so a
	// burst of submissions cannot hammer the extraction engine.
	PollRatePerSec float64

	// WaitingTimeout bounds how long a job may sit in waiting_for_cache
	// before the sweeper fails it independently of its sibling.
	WaitingTimeout time.Duration

	// SweepInterval is the cadence of the stale-waiting sweeper.
	SweepInterval time.Duration

	// RecoveryLimit caps how many orphaned processing jobs get their poll
	// loops re-attached on startup.
	RecoveryLimit int
}

// SubmitResult is what a submission returns to the transport layer.
type SubmitResult struct {
	Job *Job
	// Cached is true when the result was served verbatim from a prior
	// completed job without dispatching anything.
	Cached bool
	// Watch is true when the job will settle asynchronously and the client
	// should attach to the notification stream or poll.
	Watch bool
}

// StatusView is the answer to a status poll.
type StatusView struct {
	Job          *Job
	CanRetry     bool
	ProgressHint string
}

// Coordinator is the submission and settlement core. It owns the dedup and
// cache decisions on submit, the poll loop per dispatched external job, the
// fan-out of a settled result to waiting siblings, and the sweeper that
// bounds how long a waiting job can exist.
type Coordinator struct {
	store    *Store
	engine   extract.Engine
	limiter  *ratelimit.Limiter
	notifier Notifier
	cfg      CoordinatorConfig
	pacer    *rate.Limiter
	log      *zap.SugaredLogger

	// settleMu serializes settlements so two poll loops (or a poll loop and
	// a status-endpoint settle) cannot interleave fan-out for the same hash.
	settleMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	timeNow func() time.Time // injectable for testing
}

// NewCoordinator wires the coordination core. Call Start before submitting.
func NewCoordinator(store *Store, engine extract.Engine, limiter *ratelimit.Limiter, notifier Notifier, cfg CoordinatorConfig, log *zap.SugaredLogger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		engine:   engine,
		limiter:  limiter,
		notifier: notifier,
		cfg:      cfg,
		pacer:    rate.NewLimiter(rate.Limit(cfg.PollRatePerSec), 1),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		timeNow:  time.Now,
	}
}

// Start re-attaches poll loops to jobs orphaned in processing by a previous
// crash and launches the stale-waiting sweeper.
func (c *Coordinator) Start() error {
	orphans, err := c.store.ListProcessing(c.cfg.RecoveryLimit)
	if err != nil {
		return errors.Wrap(err, "failed to list orphaned processing jobs")
	}
	for _, j := range orphans {
		if j.ExternalRef == "" {
			// Crashed between claiming the slot and dispatching; nothing
			// external exists to poll.
			j.Fail("dispatch interrupted by restart")
			if err := c.store.UpdateJob(j); err != nil {
				c.log.Warnw("Failed to fail interrupted job",
					logger.FieldJobID, j.ID, logger.FieldError, err)
				continue
			}
			c.notifier.Publish(j.ID, string(StatusFailed), j.ErrorMessage)
			continue
		}
		c.log.Infow("Re-attaching poll loop to orphaned job",
			logger.FieldJobID, j.ID,
			logger.FieldExternalRef, j.ExternalRef,
		)
		c.startWatch(j.ID, j.ExternalRef)
	}

	c.wg.Add(1)
	go c.sweepLoop()

	c.log.Infow("Job coordinator started",
		"recovered", len(orphans),
		"poll_interval", c.cfg.PollInterval,
		"poll_ceiling", c.cfg.PollCeiling,
		"waiting_timeout", c.cfg.WaitingTimeout,
	)
	return nil
}

// Stop cancels all poll loops and the sweeper, then waits for them to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.log.Infow("Job coordinator stopped")
}

// Submit accepts content for extraction on behalf of ownerID.
//
// The sequence is fixed: validate, rate limit, persist a pending row, hash,
// then resolve the cheapest way to a result. A completed sibling with the
// same (owner, hash) completes the job immediately from cache. An in-flight
// sibling parks the job in waiting_for_cache for fan-out. Otherwise the job
// claims the processing slot, dispatches one external extraction job, and a
// poll loop watches it until it settles.
func (c *Coordinator) Submit(ctx context.Context, ownerID string, content []byte) (*SubmitResult, error) {
	if ownerID == "" {
		return nil, errors.NewValidationError("owner id is required")
	}
	if err := ValidateContent(content, c.cfg.MaxUploadBytes); err != nil {
		return nil, err
	}

	decision, err := c.limiter.Check(ctx, ownerID, ratelimit.ActionSubmit)
	if err != nil {
		return nil, errors.Wrap(err, "submission rate check failed")
	}
	if !decision.Allowed {
		return nil, errors.Wrapf(errors.ErrRateLimited,
			"submission window exhausted, resets at %s",
			decision.ResetAt.UTC().Format(time.RFC3339))
	}

	j := NewJob(ownerID)
	if err := c.store.CreateJob(j); err != nil {
		return nil, errors.Wrap(err, "failed to persist submission")
	}

	j.ContentHash = HashContent(content)
	c.log.Debugw("Submission accepted",
		logger.FieldJobID, j.ID,
		logger.FieldOwnerID, ownerID,
		logger.FieldContentHash, j.ContentHash,
		"size", len(content),
	)

	// Cache: a prior completed job for this (owner, hash) settles the new
	// job immediately with the stored result, byte for byte.
	cached, err := c.store.FindCompletedByContent(ownerID, j.ContentHash)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		j.Complete(cached.Result)
		if err := c.store.UpdateJob(j); err != nil {
			return nil, err
		}
		c.notifier.Publish(j.ID, string(StatusCompleted), "")
		c.log.Infow("Submission served from result cache",
			logger.FieldJobID, j.ID,
			"cached_from", cached.ID,
			logger.FieldContentHash, j.ContentHash,
		)
		return &SubmitResult{Job: j, Cached: true}, nil
	}

	// Retry budget carries across resubmissions of the same content. Once
	// the budget is spent the content is refused until something changes.
	prev, err := c.store.FindLatestFailedByContent(ownerID, j.ContentHash)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		j.RetryCount = prev.RetryCount
		if prev.RetryCount >= MaxRetries {
			j.Fail("retry budget exhausted for this content")
			if err := c.store.UpdateJob(j); err != nil {
				return nil, err
			}
			c.notifier.Publish(j.ID, string(StatusFailed), j.ErrorMessage)
			return nil, errors.Wrapf(errors.ErrRetryExhausted,
				"content failed %d times", prev.RetryCount)
		}
	}

	// Dedup: an in-flight sibling means this job waits for fan-out instead
	// of dispatching a duplicate external job.
	inflight, err := c.store.FindProcessingByContent(ownerID, j.ContentHash)
	if err != nil {
		return nil, err
	}
	if inflight != nil {
		return c.parkWaiting(j, inflight.ID)
	}

	// Claim the processing slot before dispatching, so a concurrent
	// identical submission can never produce a second external job. The
	// partial unique index makes the claim atomic; losing the race
	// surfaces as a conflict and the loser parks.
	j.Status = StatusProcessing
	j.UpdatedAt = c.timeNow().UTC()
	if err := c.store.UpdateJob(j); err != nil {
		if errors.IsConflictError(err) {
			return c.parkWaiting(j, "")
		}
		return nil, err
	}

	ref, err := c.engine.Submit(ctx, content)
	if err != nil {
		// Dispatch never happened, so release the slot by failing the job.
		// No retry budget is consumed: nothing external ran.
		cls := Classify(err)
		j.Fail(cls.Message)
		if uerr := c.store.UpdateJob(j); uerr != nil {
			c.log.Errorw("Failed to record dispatch failure",
				logger.FieldJobID, j.ID, logger.FieldError, uerr)
		}
		c.notifier.Publish(j.ID, string(StatusFailed), cls.Message)
		c.log.Warnw("Extraction dispatch failed",
			logger.FieldJobID, j.ID,
			logger.FieldErrorKind, string(cls.Kind),
			logger.FieldRetryable, cls.Retryable,
			logger.FieldError, err,
		)
		return nil, errors.Wrap(err, "extraction dispatch failed")
	}

	j.MarkProcessing(ref)
	if err := c.store.UpdateJob(j); err != nil {
		return nil, errors.Wrap(err, "failed to record external job handle")
	}
	c.notifier.Publish(j.ID, string(StatusProcessing), "")
	c.log.Infow("Extraction dispatched",
		logger.FieldJobID, j.ID,
		logger.FieldExternalRef, ref,
		logger.FieldContentHash, j.ContentHash,
	)

	c.startWatch(j.ID, ref)
	return &SubmitResult{Job: j, Watch: true}, nil
}

// parkWaiting transitions a pending job into waiting_for_cache behind an
// in-flight sibling.
func (c *Coordinator) parkWaiting(j *Job, siblingID string) (*SubmitResult, error) {
	j.MarkWaiting()
	if err := c.store.UpdateJob(j); err != nil {
		return nil, err
	}

	// The sibling may have settled between the in-flight check and the
	// waiting write, with fan-out listing its targets before this row
	// existed. Re-check terminal siblings so the job resolves now instead
	// of stranding until the sweeper fails it.
	if res, ok := c.resolveParked(j); ok {
		return res, nil
	}

	c.notifier.Publish(j.ID, string(StatusWaitingForCache), "")
	c.log.Infow("Submission parked behind in-flight sibling",
		logger.FieldJobID, j.ID,
		"sibling_id", siblingID,
		logger.FieldContentHash, j.ContentHash,
	)
	return &SubmitResult{Job: j, Watch: true}, nil
}

// resolveParked settles a freshly parked job whose sibling already reached a
// terminal state. Returns false when the sibling is still in flight (the
// normal case) or when resolution could not be confirmed; fan-out or the
// sweeper then owns the job.
func (c *Coordinator) resolveParked(j *Job) (*SubmitResult, bool) {
	cached, err := c.store.FindCompletedByContent(j.OwnerID, j.ContentHash)
	if err != nil {
		c.log.Warnw("Failed to re-check cache after parking",
			logger.FieldJobID, j.ID, logger.FieldError, err)
		return nil, false
	}
	if cached != nil {
		j.Complete(cached.Result)
		if err := c.store.UpdateJob(j); err != nil {
			c.log.Warnw("Failed to complete parked job from cache",
				logger.FieldJobID, j.ID, logger.FieldError, err)
			return nil, false
		}
		c.notifier.Publish(j.ID, string(StatusCompleted), "")
		c.log.Infow("Parked submission completed from settled sibling",
			logger.FieldJobID, j.ID,
			"cached_from", cached.ID,
		)
		return &SubmitResult{Job: j, Cached: true}, true
	}

	inflight, err := c.store.FindProcessingByContent(j.OwnerID, j.ContentHash)
	if err != nil || inflight != nil {
		return nil, false
	}

	// Nothing completed and nothing in flight: the sibling settled as a
	// failure and fan-out missed this row. Apply its terminal state.
	prev, err := c.store.FindLatestFailedByContent(j.OwnerID, j.ContentHash)
	if err != nil || prev == nil {
		return nil, false
	}
	j.RetryCount = prev.RetryCount
	j.Fail(prev.ErrorMessage)
	if err := c.store.UpdateJob(j); err != nil {
		c.log.Warnw("Failed to fail parked job from settled sibling",
			logger.FieldJobID, j.ID, logger.FieldError, err)
		return nil, false
	}
	c.notifier.Publish(j.ID, string(StatusFailed), j.ErrorMessage)
	c.log.Infow("Parked submission failed from settled sibling",
		logger.FieldJobID, j.ID,
		"sibling_id", prev.ID,
	)
	return &SubmitResult{Job: j}, true
}

// startWatch launches the poll loop for one dispatched external job.
func (c *Coordinator) startWatch(jobID, externalRef string) {
	c.wg.Add(1)
	go c.watch(jobID, externalRef)
}

// watch polls one external job until it settles or the poll ceiling passes.
// Transient poll errors are tolerated; the ceiling is the only thing that
// gives up on a job.
func (c *Coordinator) watch(jobID, externalRef string) {
	defer c.wg.Done()

	deadline := c.timeNow().Add(c.cfg.PollCeiling)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		if c.timeNow().After(deadline) {
			c.log.Warnw("External job exceeded poll ceiling",
				logger.FieldJobID, jobID,
				logger.FieldExternalRef, externalRef,
				"ceiling", c.cfg.PollCeiling,
			)
			if err := c.Settle(jobID, &extract.Outcome{
				Done: true,
				Err:  "extraction timed out: no settled state before poll ceiling",
			}); err != nil {
				c.log.Errorw("Failed to settle timed-out job",
					logger.FieldJobID, jobID, logger.FieldError, err)
			}
			return
		}

		if err := c.pacer.Wait(c.ctx); err != nil {
			return
		}

		outcome, err := c.engine.Poll(c.ctx, externalRef)
		if err != nil {
			c.log.Debugw("Poll attempt failed, will retry",
				logger.FieldJobID, jobID,
				logger.FieldExternalRef, externalRef,
				logger.FieldError, err,
			)
			continue
		}
		if !outcome.Done {
			continue
		}

		if err := c.Settle(jobID, outcome); err != nil {
			c.log.Errorw("Failed to settle job",
				logger.FieldJobID, jobID, logger.FieldError, err)
		}
		return
	}
}

// Settle applies an external job's settled outcome to its coordinator job
// and fans the terminal state out to every sibling waiting on the same
// content hash, across owners. Settling an already-terminal job is a no-op,
// which makes the poll loop and the status-endpoint fallback safe to race.
func (c *Coordinator) Settle(jobID string, outcome *extract.Outcome) error {
	c.settleMu.Lock()
	defer c.settleMu.Unlock()

	j, err := c.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		c.log.Debugw("Ignoring settle for terminal job",
			logger.FieldJobID, jobID,
			logger.FieldStatus, string(j.Status),
		)
		return nil
	}

	var result json.RawMessage
	var errMsg string

	if outcome.Failed() {
		cls := Classify(errors.New(outcome.Err))
		errMsg = cls.Message
		j.RetryCount++
		j.Fail(errMsg)
		c.log.Warnw("Extraction failed",
			logger.FieldJobID, j.ID,
			logger.FieldErrorKind, string(cls.Kind),
			logger.FieldRetryable, cls.Retryable,
			logger.FieldRetryCount, j.RetryCount,
			logger.FieldError, outcome.Err,
		)
	} else if verr := extract.ValidateResult(outcome.Payload); verr != nil {
		// The engine succeeded but produced a payload we cannot serve.
		// Permanent failure; re-running the same extraction would only
		// reproduce it.
		errMsg = verr.Error()
		j.RetryCount++
		j.Fail(errMsg)
		c.log.Warnw("Extraction result failed validation",
			logger.FieldJobID, j.ID,
			logger.FieldError, verr,
		)
	} else {
		result = outcome.Payload
		j.Complete(result)
		c.log.Infow("Extraction completed",
			logger.FieldJobID, j.ID,
			logger.FieldContentHash, j.ContentHash,
			"result_bytes", len(result),
		)
	}

	if err := c.store.UpdateJob(j); err != nil {
		return errors.Wrap(err, "failed to persist settled job")
	}
	c.notifier.Publish(j.ID, string(j.Status), errMsg)

	c.fanOut(j, result, errMsg)
	return nil
}

// fanOut applies the settled job's terminal state to every job waiting on
// the same content hash. Each target is updated independently; one bad row
// never blocks the rest, and a missed target is eventually failed by the
// waiting-timeout sweeper.
func (c *Coordinator) fanOut(settled *Job, result json.RawMessage, errMsg string) {
	if settled.ContentHash == "" {
		return
	}

	waiting, err := c.store.ListWaitingByContent(settled.ContentHash)
	if err != nil {
		c.log.Errorw("Failed to list fan-out targets",
			logger.FieldJobID, settled.ID,
			logger.FieldContentHash, settled.ContentHash,
			logger.FieldError, err,
		)
		return
	}

	for _, w := range waiting {
		if w.ID == settled.ID {
			continue
		}
		if errMsg != "" {
			w.RetryCount = settled.RetryCount
			w.Fail(errMsg)
		} else {
			w.Complete(result)
		}
		if err := c.store.UpdateJob(w); err != nil {
			c.log.Warnw("Failed to fan out settled state",
				logger.FieldJobID, w.ID,
				"settled_job_id", settled.ID,
				logger.FieldError, err,
			)
			continue
		}
		c.notifier.Publish(w.ID, string(w.Status), errMsg)
		c.log.Debugw("Fanned out settled state to waiting sibling",
			logger.FieldJobID, w.ID,
			"settled_job_id", settled.ID,
			logger.FieldStatus, string(w.Status),
		)
	}
}

// PollStatus answers a status query for a job the caller claims to own. If
// the job is still processing, one opportunistic poll of the external engine
// runs inline so a client whose push notifications were lost still observes
// settlement promptly.
func (c *Coordinator) PollStatus(ctx context.Context, ownerID, jobID string) (*StatusView, error) {
	j, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, errors.Wrapf(errors.ErrForbidden, "job %s", jobID)
	}

	if j.Status == StatusProcessing && j.ExternalRef != "" {
		outcome, perr := c.engine.Poll(ctx, j.ExternalRef)
		if perr != nil {
			c.log.Debugw("Inline status poll failed",
				logger.FieldJobID, jobID, logger.FieldError, perr)
		} else if outcome.Done {
			if serr := c.Settle(jobID, outcome); serr != nil {
				c.log.Errorw("Failed to settle via status poll",
					logger.FieldJobID, jobID, logger.FieldError, serr)
			}
			if fresh, gerr := c.store.GetJob(jobID); gerr == nil {
				j = fresh
			}
		}
	}

	return &StatusView{
		Job:          j,
		CanRetry:     j.CanRetry(),
		ProgressHint: progressHint(j.Status),
	}, nil
}

// Stats returns job counts by status for the operational surface.
func (c *Coordinator) Stats() (map[Status]int, error) {
	return c.store.CountByStatus()
}

// sweepLoop periodically fails waiting jobs whose sibling never settled.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.SweepStaleWaiting()
		}
	}
}

// SweepStaleWaiting fails every job that has sat in waiting_for_cache longer
// than the waiting timeout. The failure is a timeout kind: the content
// itself is not suspect, so no retry budget is consumed.
func (c *Coordinator) SweepStaleWaiting() {
	stale, err := c.store.ListStaleWaiting(c.cfg.WaitingTimeout, 100)
	if err != nil {
		c.log.Errorw("Failed to list stale waiting jobs", logger.FieldError, err)
		return
	}

	for _, j := range stale {
		j.Fail("timed out waiting for an in-flight sibling to settle")
		if err := c.store.UpdateJob(j); err != nil {
			c.log.Warnw("Failed to fail stale waiting job",
				logger.FieldJobID, j.ID, logger.FieldError, err)
			continue
		}
		c.notifier.Publish(j.ID, string(StatusFailed), j.ErrorMessage)
		c.log.Warnw("Failed stale waiting job",
			logger.FieldJobID, j.ID,
			logger.FieldContentHash, j.ContentHash,
			"waited_since", j.UpdatedAt,
		)
	}
}

func progressHint(s Status) string {
	switch s {
	case StatusPending:
		return "submission accepted"
	case StatusProcessing:
		return "extraction in progress"
	case StatusWaitingForCache:
		return "waiting for an identical in-flight submission"
	case StatusCompleted:
		return "extraction complete"
	case StatusFailed:
		return "extraction failed"
	default:
		return ""
	}
}
