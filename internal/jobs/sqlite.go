package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore keeps jobs in the jobs table created by storage.BootstrapSQLite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const jobColumns = `id, owner, status, payload, result, error, created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, owner, status, payload, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?);
`, job.ID, job.Owner, job.Status, nullJSON(job.Payload), formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrIDCollision
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Transition is a single conditional UPDATE, so the check and the write
// cannot interleave with another writer.
func (s *SQLiteStore) Transition(ctx context.Context, id string, u Update) (*Job, bool, error) {
	from, ok := predecessor[u.Status]
	if !ok {
		return s.rejectTransition(ctx, id, u.Status)
	}

	at := formatTime(u.At)
	var row *sql.Row
	switch u.Status {
	case StatusProcessing:
		row = s.db.QueryRowContext(ctx, `
UPDATE jobs SET status = ?, updated_at = ?, started_at = ?
WHERE id = ? AND status = ?
RETURNING `+jobColumns+`;`, u.Status, at, at, id, from)
	case StatusCompleted:
		row = s.db.QueryRowContext(ctx, `
UPDATE jobs SET status = ?, updated_at = ?, completed_at = ?, result = ?
WHERE id = ? AND status = ?
RETURNING `+jobColumns+`;`, u.Status, at, at, nullJSON(u.Result), id, from)
	case StatusFailed:
		row = s.db.QueryRowContext(ctx, `
UPDATE jobs SET status = ?, updated_at = ?, completed_at = ?, error = ?
WHERE id = ? AND status = ?
RETURNING `+jobColumns+`;`, u.Status, at, at, u.Error, id, from)
	}

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s.rejectTransition(ctx, id, u.Status)
	}
	if err != nil {
		return nil, false, fmt.Errorf("update job: %w", err)
	}
	return job, true, nil
}

// rejectTransition explains why a conditional update matched nothing.
func (s *SQLiteStore) rejectTransition(ctx context.Context, id string, to Status) (*Job, bool, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.Status == to {
		return current, false, nil
	}
	return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, at time.Time) (*Job, error) {
	atS := formatTime(at)
	row := s.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM jobs
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE jobs
SET status = ?, updated_at = ?, started_at = ?
WHERE id IN (SELECT id FROM next) AND status = ?
RETURNING `+jobColumns+`;
`, StatusPending, StatusProcessing, atS, atS, StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN (?, ?) AND completed_at < ?;
`, StatusCompleted, StatusFailed, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge jobs rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j                            Job
		status, createdAt, updatedAt string
		payload, result, errMsg      sql.NullString
		startedAt, completedAt       sql.NullString
	)
	if err := row.Scan(&j.ID, &j.Owner, &status, &payload, &result, &errMsg, &createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	j.Error = errMsg.String

	var err error
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if j.StartedAt, err = parseOptionalTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if j.CompletedAt, err = parseOptionalTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &j, nil
}

func parseOptionalTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
