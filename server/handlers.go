package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/inkfold/docket/errors"
	"github.com/inkfold/docket/job"
	"github.com/inkfold/docket/logger"
	"github.com/inkfold/docket/notify"
)

// ownerHeader carries the authenticated principal id. Authentication itself
// happens upstream; docket trusts this header from its fronting proxy.
const ownerHeader = "X-Docket-Owner"

// submitResponse is the answer to a submission.
type submitResponse struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"`
	Cached bool            `json:"cached"`
	Watch  bool            `json:"watch"`
	Result json.RawMessage `json:"result,omitempty"`
}

// statusResponse is the answer to a status poll.
type statusResponse struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	Progress string          `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	CanRetry bool            `json:"can_retry"`
}

// externalStatus maps internal job states to the client-facing vocabulary.
// waiting_for_cache is an implementation detail; to the client the job is
// simply processing.
func externalStatus(s job.Status) string {
	if s == job.StatusWaitingForCache {
		return string(job.StatusProcessing)
	}
	return string(s)
}

// requireOwner extracts the principal id, rejecting requests without one.
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := strings.TrimSpace(r.Header.Get(ownerHeader))
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing "+ownerHeader+" header")
		return "", false
	}
	return owner, true
}

// HandleSubmit accepts document bytes for extraction.
// POST /api/jobs, body is the raw document.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	// One byte past the limit is enough for the validator to reject with
	// its own size message instead of a truncated read passing silently.
	body := http.MaxBytesReader(w, r.Body, s.cfg.Jobs.MaxUploadBytes+1)
	content, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	result, err := s.coordinator.Submit(r.Context(), owner, content)
	if err != nil {
		s.logger.Debugw("Submission rejected",
			logger.FieldOwnerID, owner,
			logger.FieldError, err,
		)
		writeDomainError(w, err)
		return
	}

	resp := submitResponse{
		JobID:  result.Job.ID,
		Status: externalStatus(result.Job.Status),
		Cached: result.Cached,
		Watch:  result.Watch,
	}
	if result.Cached {
		resp.Result = result.Job.Result
	}

	status := http.StatusAccepted
	if result.Cached {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// HandleJobStatus reports a job's current state, running one opportunistic
// poll of the extraction engine when the job is still in flight.
// GET /api/jobs/{id}
func (s *Server) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	view, err := s.coordinator.PollStatus(r.Context(), owner, jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		JobID:    view.Job.ID,
		Status:   externalStatus(view.Job.Status),
		Progress: view.ProgressHint,
		Result:   view.Job.Result,
		Error:    view.Job.ErrorMessage,
		CanRetry: view.CanRetry,
	})
}

// HandleJobStream upgrades to WebSocket and attaches the caller as a live
// subscriber to the job's notification actor.
// GET /ws/jobs/{id}
func (s *Server) HandleJobStream(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	jobID := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	// Ownership gate before the upgrade so a stranger never holds a socket
	j, err := s.store.GetJob(jobID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if j.OwnerID != owner {
		writeDomainError(w, errors.Wrapf(errors.ErrForbidden, "job %s", jobID))
		return
	}

	// Seed the actor from the database when it has no cached status yet
	// (first subscriber, or re-attach after actor teardown) so attachment
	// always delivers the current state immediately.
	if _, _, cached := s.hub.Snapshot(jobID); !cached {
		s.hub.Publish(jobID, string(j.Status), j.ErrorMessage)
	}

	upgrader := s.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed",
			logger.FieldJobID, shortID(jobID),
			logger.FieldError, err,
		)
		return
	}

	s.logger.Debugw("Status stream attached",
		logger.FieldJobID, shortID(jobID),
		logger.FieldOwnerID, owner,
		logger.FieldRemoteAddr, conn.RemoteAddr().String(),
	)

	notify.ServeWS(s.hub, jobID, conn, s.logger)
}

// HandleHealth reports liveness plus job counts by status.
// GET /health
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	counts, err := s.coordinator.Stats()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"jobs":   counts,
	})
}
