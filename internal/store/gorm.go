package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"session-recap/internal/models"
)

// Gorm is a job store on top of gorm. It backs SQLite deployments and tests,
// where no row-locking read exists, so claims are a compare-and-swap: read
// the oldest eligible id, then update it only if it is still pending.
type Gorm struct {
	db *gorm.DB
}

// NewGorm creates a gorm-backed job store.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// InsertJob adds a pending job and returns its id.
func (s *Gorm) InsertJob(ctx context.Context, queue string, payload models.Payload, availableAt time.Time) (int64, error) {
	job := models.Job{
		Queue:       queue,
		Payload:     payload,
		Status:      models.StatusPending,
		AvailableAt: utc(availableAt),
		CreatedAt:   utc(time.Now()),
	}
	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

// ClaimNext claims the oldest eligible pending job in queue. It returns nil
// when nothing is eligible. Losing a race to another claimer retries with the
// next candidate.
func (s *Gorm) ClaimNext(ctx context.Context, queue, workerID string, now time.Time) (*models.Job, error) {
	db := s.db.WithContext(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var job models.Job
		err := db.
			Where("queue = ? AND status = ? AND available_at <= ?", queue, models.StatusPending, utc(now)).
			Order("id ASC").
			Take(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claim candidate: %w", err)
		}

		res := db.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.StatusPending).
			Updates(map[string]any{
				"status":    models.StatusProcessing,
				"attempts":  gorm.Expr("attempts + 1"),
				"worker_id": workerID,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim job %d: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}

		job.Status = models.StatusProcessing
		job.Attempts++
		job.WorkerID = &workerID
		return &job, nil
	}
}

// MarkComplete sets the job complete; repeated calls are no-ops.
func (s *Gorm) MarkComplete(ctx context.Context, id int64, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status <> ?", id, models.StatusComplete).
		Updates(map[string]any{
			"status":       models.StatusComplete,
			"completed_at": utc(now),
		})
	if res.Error != nil {
		return fmt.Errorf("complete job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.ensureExists(ctx, id)
	}
	return nil
}

// MarkFailed sets the job failed with the given message.
func (s *Gorm) MarkFailed(ctx context.Context, id int64, message string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        models.StatusFailed,
			"error_message": message,
			"completed_at":  utc(now),
		})
	if res.Error != nil {
		return fmt.Errorf("fail job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("fail job %d: %w", id, ErrNotFound)
	}
	return nil
}

// Reschedule moves a failed job back to pending when it has attempts left.
func (s *Gorm) Reschedule(ctx context.Context, id int64, availableAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ? AND attempts < ?", id, models.StatusFailed, models.MaxAttempts).
		Updates(map[string]any{
			"status":       models.StatusPending,
			"available_at": utc(availableAt),
		})
	if res.Error != nil {
		return false, fmt.Errorf("retry job %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetJob fetches a job by id.
func (s *Gorm) GetJob(ctx context.Context, id int64) (models.Job, error) {
	var job models.Job
	err := s.db.WithContext(ctx).Take(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return job, nil
}

// CountReady returns how many jobs in queue are claimable at now.
func (s *Gorm) CountReady(ctx context.Context, queue string, now time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("queue = ? AND status = ? AND available_at <= ?", queue, models.StatusPending, utc(now)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count ready jobs: %w", err)
	}
	return n, nil
}

// ListJobs returns the newest jobs matching filter.
func (s *Gorm) ListJobs(ctx context.Context, filter JobFilter) ([]models.Job, error) {
	q := s.db.WithContext(ctx).Model(&models.Job{})
	if filter.Queue != "" {
		q = q.Where("queue = ?", filter.Queue)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var out []models.Job
	if err := q.Order("id DESC").Limit(filter.limit()).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *Gorm) ensureExists(ctx context.Context, id int64) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("lookup job %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return nil
}
