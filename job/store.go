package job

import (
	"database/sql"
	"encoding/json"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/inkfold/docket/errors"
)

// Store handles persistence of jobs. Terminal rows are never deleted: a
// completed row is the cache entry for any later submission of the same
// (owner, content hash).
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, owner_id, content_hash, status, external_ref, result,
	error_message, retry_count, created_at, completed_at, updated_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(job *Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		job.ID,
		job.OwnerID,
		nullString(job.ContentHash),
		job.Status,
		nullString(job.ExternalRef),
		nullString(string(job.Result)),
		nullString(job.ErrorMessage),
		job.RetryCount,
		job.CreatedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Another writer already holds the processing slot for this
			// (owner, content hash); the caller falls back to waiting.
			return errors.Wrap(errors.ErrConflict, "processing slot already held")
		}
		return errors.Wrap(err, "failed to create job")
	}

	return nil
}

// GetJob retrieves a job by ID. Returns errors.ErrNotFound for unknown ids.
func (s *Store) GetJob(id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`

	job, err := scanJob(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// UpdateJob updates an existing job row. A transition into processing can
// collide with the partial unique processing-slot index when a concurrent
// writer claimed the slot first; that surfaces as errors.ErrConflict.
func (s *Store) UpdateJob(job *Job) error {
	query := `
		UPDATE jobs
		SET content_hash = ?,
		    status = ?,
		    external_ref = ?,
		    result = ?,
		    error_message = ?,
		    retry_count = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.Exec(query,
		nullString(job.ContentHash),
		job.Status,
		nullString(job.ExternalRef),
		nullString(string(job.Result)),
		nullString(job.ErrorMessage),
		job.RetryCount,
		job.CompletedAt,
		job.UpdatedAt,
		job.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.ErrConflict, "processing slot already held")
		}
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", job.ID)
	}

	return nil
}

// FindCompletedByContent returns the most recent completed job for
// (owner, content hash), or nil when no cache entry exists. Owner scoping
// prevents cross-principal data leakage through a shared hash.
func (s *Store) FindCompletedByContent(ownerID, contentHash string) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE owner_id = ?
		  AND content_hash = ?
		  AND status = ?
		ORDER BY completed_at DESC
		LIMIT 1`

	job, err := scanJob(s.db.QueryRow(query, ownerID, contentHash, StatusCompleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // no cache entry - not an error
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find completed job by content")
	}
	return job, nil
}

// FindProcessingByContent returns the in-flight job for (owner, content
// hash), or nil when nothing is processing. The partial unique index
// guarantees at most one row can match.
func (s *Store) FindProcessingByContent(ownerID, contentHash string) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE owner_id = ?
		  AND content_hash = ?
		  AND status = ?
		LIMIT 1`

	job, err := scanJob(s.db.QueryRow(query, ownerID, contentHash, StatusProcessing))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find processing job by content")
	}
	return job, nil
}

// FindLatestFailedByContent returns the most recent failed job for
// (owner, content hash), or nil. Used to carry the retry budget across
// client-initiated resubmissions.
func (s *Store) FindLatestFailedByContent(ownerID, contentHash string) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE owner_id = ?
		  AND content_hash = ?
		  AND status = ?
		ORDER BY completed_at DESC
		LIMIT 1`

	job, err := scanJob(s.db.QueryRow(query, ownerID, contentHash, StatusFailed))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find failed job by content")
	}
	return job, nil
}

// ListWaitingByContent returns every job waiting on the given content hash,
// across owners. These are the fan-out targets when the in-flight sibling
// settles.
func (s *Store) ListWaitingByContent(contentHash string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE content_hash = ?
		  AND status = ?
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query, contentHash, StatusWaitingForCache)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list waiting jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "waiting jobs")
}

// ListStaleWaiting returns waiting jobs older than the cutoff. The sweeper
// fails these independently so no submission can wait forever behind a
// sibling that never settles.
func (s *Store) ListStaleWaiting(olderThan time.Duration, limit int) ([]*Job, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ?
		  AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, StatusWaitingForCache, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale waiting jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "stale waiting jobs")
}

// ListProcessing returns in-flight jobs, oldest first. Used on startup to
// re-attach poll loops to jobs orphaned by a crash.
func (s *Store) ListProcessing(limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, StatusProcessing, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processing jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "processing jobs")
}

// CountByStatus returns job counts grouped by status
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}

	return counts, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var contentHash, externalRef, result, errorMessage sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&contentHash,
		&job.Status,
		&externalRef,
		&result,
		&errorMessage,
		&job.RetryCount,
		&job.CreatedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.ContentHash = contentHash.String
	job.ExternalRef = externalRef.String
	job.ErrorMessage = errorMessage.String
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return &job, nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
