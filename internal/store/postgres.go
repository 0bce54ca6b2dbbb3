package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"session-recap/internal/models"
)

// Postgres is the job store backed by a pgx pool. Claims use a locking read
// so any number of worker processes can share one queue.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres and verifies it is reachable.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the underlying pool so the records repository can share it.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, queue, payload, status, attempts, available_at, worker_id, error_message, created_at, completed_at`

// InsertJob adds a pending job and returns its id.
func (s *Postgres) InsertJob(ctx context.Context, queue string, payload models.Payload, availableAt time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (queue, payload, status, attempts, available_at, created_at)
		VALUES ($1, $2, $3, 0, $4, $5)
		RETURNING id
	`, queue, payload, models.StatusPending, utc(availableAt), utc(time.Now())).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// ClaimNext locks the oldest eligible pending job in queue, flips it to
// processing and returns it. It returns nil when nothing is eligible.
// SKIP LOCKED lets concurrent claimers move on to the next row instead of
// queueing behind the lock holder.
func (s *Postgres) ClaimNext(ctx context.Context, queue, workerID string, now time.Time) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE queue = $1 AND status = $2 AND available_at <= $3
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, queue, models.StatusPending, utc(now))
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = attempts + 1, worker_id = $3
		WHERE id = $1
	`, job.ID, models.StatusProcessing, workerID); err != nil {
		return nil, fmt.Errorf("claim job %d: %w", job.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = models.StatusProcessing
	job.Attempts++
	job.WorkerID = &workerID
	return &job, nil
}

// MarkComplete sets the job complete. Completing an already complete job is
// a no-op that keeps the original completed_at.
func (s *Postgres) MarkComplete(ctx context.Context, id int64, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = $3
		WHERE id = $1 AND status <> $2
	`, id, models.StatusComplete, utc(now))
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.ensureExists(ctx, id)
	}
	return nil
}

// MarkFailed sets the job failed with the given message.
func (s *Postgres) MarkFailed(ctx context.Context, id int64, message string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_message = $3, completed_at = $4
		WHERE id = $1
	`, id, models.StatusFailed, message, utc(now))
	if err != nil {
		return fmt.Errorf("fail job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %d: %w", id, ErrNotFound)
	}
	return nil
}

// Reschedule moves a failed job back to pending when it has attempts left.
// It reports whether the job was rescheduled.
func (s *Postgres) Reschedule(ctx context.Context, id int64, availableAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, available_at = $3
		WHERE id = $1 AND status = $4 AND attempts < $5
	`, id, models.StatusPending, utc(availableAt), models.StatusFailed, models.MaxAttempts)
	if err != nil {
		return false, fmt.Errorf("retry job %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// CountReady returns how many jobs in queue are claimable at now.
func (s *Postgres) CountReady(ctx context.Context, queue string, now time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE queue = $1 AND status = $2 AND available_at <= $3
	`, queue, models.StatusPending, utc(now)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

// ListJobs returns the newest jobs matching filter.
func (s *Postgres) ListJobs(ctx context.Context, filter JobFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Queue != "" {
		args = append(args, filter.Queue)
		where = append(where, fmt.Sprintf("queue = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *Postgres) ensureExists(ctx context.Context, id int64) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("lookup job %d: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		workerID    pgtype.Text
		lastErr     pgtype.Text
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &job.Queue, &job.Payload, &job.Status, &job.Attempts, &job.AvailableAt, &workerID, &lastErr, &job.CreatedAt, &completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.WorkerID = textPtr(workerID)
	job.ErrorMessage = textPtr(lastErr)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
