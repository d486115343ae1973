package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timeLayout matches the jobs table so every timestamp column sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// SQLiteStore keeps registrations and deliveries in the tables created by
// storage.BootstrapSQLite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) CreateRegistration(ctx context.Context, reg *Registration) error {
	events, err := json.Marshal(reg.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO webhook_registrations (id, owner, url, secret, events, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`, reg.ID, reg.Owner, reg.URL, reg.Secret, string(events), formatTime(reg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert webhook registration: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRegistration(ctx context.Context, id string) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner, url, secret, events, created_at
FROM webhook_registrations
WHERE id = ?;
`, id)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook registration: %w", err)
	}
	return reg, nil
}

// ListRegistrations returns every registration when owner is empty.
func (s *SQLiteStore) ListRegistrations(ctx context.Context, owner string) ([]Registration, error) {
	query := `SELECT id, owner, url, secret, events, created_at FROM webhook_registrations`
	var args []any
	if owner != "" {
		query += ` WHERE owner = ?`
		args = append(args, owner)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at ASC, id ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook registrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook registration: %w", err)
		}
		out = append(out, *reg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRegistration(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_registrations WHERE id = ? AND owner = ?;`, id, owner)
	if err != nil {
		return fmt.Errorf("delete webhook registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete webhook registration rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecordDelivery(ctx context.Context, d Delivery) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO webhook_deliveries (id, delivery_id, registration_id, job_id, event, attempt, outcome, status_code, error, attempted_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, d.ID, d.DeliveryID, d.RegistrationID, d.JobID, d.Event, d.Attempt, string(d.Outcome), d.StatusCode, d.Error, formatTime(d.AttemptedAt))
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, registrationID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, delivery_id, registration_id, job_id, event, attempt, outcome, status_code, error, attempted_at
FROM webhook_deliveries
WHERE registration_id = ?
ORDER BY attempted_at DESC, rowid DESC
LIMIT ?;
`, registrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Delivery
	for rows.Next() {
		var (
			d           Delivery
			outcome, at string
			statusCode  sql.NullInt64
			errMsg      sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.DeliveryID, &d.RegistrationID, &d.JobID, &d.Event, &d.Attempt, &outcome, &statusCode, &errMsg, &at); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		d.Outcome = Outcome(outcome)
		d.StatusCode = int(statusCode.Int64)
		d.Error = errMsg.String
		if d.AttemptedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse attempted_at: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE attempted_at < ?;`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge webhook deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge webhook deliveries rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*Registration, error) {
	var (
		reg               Registration
		events, createdAt string
	)
	if err := row.Scan(&reg.ID, &reg.Owner, &reg.URL, &reg.Secret, &events, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &reg.Events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	var err error
	if reg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &reg, nil
}
