// Package store is the Postgres persistence layer for jobs (uploads)
// and per-address verdicts (email_results).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrNoResults   = errors.New("no results for job")
)

// Job statuses. A job is queued at submit, becomes processing when the
// first worker picks up one of its chunks, and completes when the
// processed count reaches the total. Cancellation wins over completion.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Job mirrors one uploads row.
type Job struct {
	ID             string
	UserID         string
	Filename       string
	TotalCount     int
	ProcessedCount int
	Status         string
	Meta           string
	CreatedAt      time.Time
}

// Result mirrors one email_results row. Checks carries the verdict's
// raw JSON blob.
type Result struct {
	ID         int64
	JobID      string
	Email      string
	Normalized string
	Status     string
	Score      int
	Checks     json.RawMessage
	CreatedAt  time.Time
}

// Store wraps the database handle with the pipeline's queries.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateJob inserts a new job row in status queued (or completed for
// empty submissions, which never produce queue payloads).
func (s *Store) CreateJob(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploads (id, user_id, filename, total_count, processed_count, status, meta)
		VALUES ($1, NULLIF($2, ''), $3, $4, 0, $5, NULLIF($6, ''))`,
		job.ID, job.UserID, job.Filename, job.TotalCount, job.Status, job.Meta)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob fetches one job row.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(user_id, ''), filename, total_count, processed_count, status, COALESCE(meta, ''), created_at
		FROM uploads WHERE id = $1`, id).Scan(
		&job.ID, &job.UserID, &job.Filename, &job.TotalCount,
		&job.ProcessedCount, &job.Status, &job.Meta, &job.CreatedAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("select job %s: %w", id, err)
	}
	return job, nil
}

// MarkProcessing transitions a queued job to processing. Safe to call
// for every chunk: jobs already processing (or terminal) are left alone.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET status = $1 WHERE id = $2 AND status = $3`,
		StatusProcessing, id, StatusQueued)
	if err != nil {
		return fmt.Errorf("mark job %s processing: %w", id, err)
	}
	return nil
}

// CancelJob marks a non-terminal job cancelled. Workers drop payloads
// for cancelled jobs when they next see them.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET status = $1 WHERE id = $2 AND status IN ($3, $4)`,
		StatusCancelled, id, StatusQueued, StatusProcessing)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CountResults returns the number of persisted verdicts for a job.
func (s *Store) CountResults(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM email_results WHERE upload_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count results for %s: %w", jobID, err)
	}
	return n, nil
}

// ResultsPage returns a page of verdicts for a job in insertion order.
func (s *Store) ResultsPage(ctx context.Context, jobID string, limit, offset int) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, upload_id, email, COALESCE(normalized, ''), COALESCE(status, ''), score, checks, created_at
		FROM email_results WHERE upload_id = $1
		ORDER BY id ASC LIMIT $2 OFFSET $3`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select results for %s: %w", jobID, err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.JobID, &r.Email, &r.Normalized,
			&r.Status, &r.Score, &r.Checks, &r.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// AllResults returns every verdict for a job, for exports.
func (s *Store) AllResults(ctx context.Context, jobID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, upload_id, email, COALESCE(normalized, ''), COALESCE(status, ''), score, checks, created_at
		FROM email_results WHERE upload_id = $1
		ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select all results for %s: %w", jobID, err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.JobID, &r.Email, &r.Normalized,
			&r.Status, &r.Score, &r.Checks, &r.CreatedAt); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	return results, nil
}

// PersistChunk stores a chunk's verdicts in one transaction:
//
//  1. load the job's already-persisted emails,
//  2. filter the incoming verdicts down to new ones,
//  3. bulk-insert those in a single statement (the unique index on
//     (upload_id, email) backstops concurrent redelivery),
//  4. advance processed_count by the number actually inserted and,
//     when it reaches total_count, complete the job.
//
// Redelivering the same payload therefore never double-counts.
func (s *Store) PersistChunk(ctx context.Context, jobID string, results []Result) (inserted int, completed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin persist tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	existing, err := existingEmails(ctx, tx, jobID)
	if err != nil {
		return 0, false, err
	}

	var fresh []Result
	for _, r := range results {
		if _, ok := existing[r.Email]; !ok {
			fresh = append(fresh, r)
		}
	}

	if len(fresh) > 0 {
		inserted, err = insertResults(ctx, tx, jobID, fresh)
		if err != nil {
			return 0, false, err
		}
	}

	var processed, total int
	err = tx.QueryRowContext(ctx, `
		UPDATE uploads SET processed_count = processed_count + $1
		WHERE id = $2
		RETURNING processed_count, total_count`, inserted, jobID).Scan(&processed, &total)
	if err == sql.ErrNoRows {
		err = ErrJobNotFound
		return 0, false, err
	}
	if err != nil {
		err = fmt.Errorf("advance processed_count for %s: %w", jobID, err)
		return 0, false, err
	}

	if processed >= total {
		if _, err = tx.ExecContext(ctx,
			`UPDATE uploads SET status = $1 WHERE id = $2 AND status <> $3`,
			StatusCompleted, jobID, StatusCancelled); err != nil {
			err = fmt.Errorf("complete job %s: %w", jobID, err)
			return 0, false, err
		}
		completed = true
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("commit persist tx: %w", err)
		return 0, false, err
	}
	return inserted, completed, nil
}

func existingEmails(ctx context.Context, tx *sql.Tx, jobID string) (map[string]struct{}, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT email FROM email_results WHERE upload_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load existing emails for %s: %w", jobID, err)
	}
	defer rows.Close()

	existing := make(map[string]struct{})
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		existing[email] = struct{}{}
	}
	return existing, rows.Err()
}

// insertResults writes all rows in one multi-VALUES statement and
// reports how many actually landed.
func insertResults(ctx context.Context, tx *sql.Tx, jobID string, results []Result) (int, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO email_results (upload_id, email, normalized, status, score, checks) VALUES `)

	args := make([]interface{}, 0, len(results)*6)
	for i, r := range results {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)
		checks := r.Checks
		if len(checks) == 0 {
			checks = json.RawMessage(`{}`)
		}
		args = append(args, jobID, r.Email, r.Normalized, r.Status, r.Score, checks)
	}
	sb.WriteString(` ON CONFLICT (upload_id, email) DO NOTHING`)

	res, err := tx.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("bulk insert results for %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
