package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seoforge/playbook-engine/pkg/pagination"
)

// JobStore provides database operations for generation jobs.
type JobStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewJobStore creates a new JobStore.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

// AutoMigrate creates or updates the generation_jobs table.
func (s *JobStore) AutoMigrate() error {
	return s.db.AutoMigrate(&GenerationJob{})
}

// JobListFilter defines filters for listing jobs.
type JobListFilter struct {
	ProjectID   string
	PlaybookID  string
	State       string
	RequestedBy string
}

// Enqueue creates a new queued job. If a queued or running job with the
// same idempotency key exists, that job is returned with created=false
// instead of creating a duplicate. Safe for concurrent use.
func (s *JobStore) Enqueue(ctx context.Context, job *GenerationJob) (*GenerationJob, bool, error) {
	if job.State == "" {
		job.State = JobStateQueued
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = s.now()
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	if job.IdempotencyKey == "" {
		job.IdempotencyKey = job.ID
		if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, fmt.Errorf("enqueue job: %w", err)
		}
		return job, true, nil
	}

	var existing *GenerationJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found GenerationJob
		res := tx.Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey, activeStates).Limit(1).Find(&found)
		if res.Error != nil {
			return fmt.Errorf("check idempotency key: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			existing = &found
			return nil
		}

		// Finished jobs give up the key (it becomes their own ID) so the
		// unique index admits a new job.
		if err := tx.Model(&GenerationJob{}).
			Where("idempotency_key = ? AND state IN ?", job.IdempotencyKey, terminalStates).
			Update("idempotency_key", gorm.Expr("id")).Error; err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}
		return tx.Create(job).Error
	})
	if existing != nil {
		return existing, false, nil
	}
	if err != nil {
		// A concurrent Enqueue may have won the unique index.
		if raced, lookupErr := s.findActive(ctx, job.IdempotencyKey); lookupErr == nil && raced != nil {
			return raced, false, nil
		}
		return nil, false, fmt.Errorf("enqueue job: %w", err)
	}
	return job, true, nil
}

func (s *JobStore) findActive(ctx context.Context, key string) (*GenerationJob, error) {
	var job GenerationJob
	res := s.db.WithContext(ctx).Where("idempotency_key = ? AND state IN ?", key, activeStates).Limit(1).Find(&job)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &job, nil
}

// Claim atomically picks the oldest queued job and transitions it to
// running. PostgreSQL uses FOR UPDATE SKIP LOCKED; other dialects rely on
// the state compare-and-swap. Returns nil if no jobs are available.
func (s *JobStore) Claim(ctx context.Context, maxRetries int) (*GenerationJob, error) {
	var claimed string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ? AND attempt_count <= ?", JobStateQueued, maxRetries).
			Order("requested_at ASC").
			Limit(1)
		if s.db.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var job GenerationJob
		res := q.Find(&job)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		upd := tx.Model(&GenerationJob{}).Where("id = ? AND state = ?", job.ID, JobStateQueued).
			Updates(map[string]any{
				"state":         JobStateRunning,
				"started_at":    s.now(),
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 1 {
			claimed = job.ID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if claimed == "" {
		return nil, nil
	}
	return s.Get(ctx, claimed)
}

// Complete marks a job as succeeded and records the draft it produced.
func (s *JobStore) Complete(ctx context.Context, jobID, draftID, draftStatus string, duration time.Duration) error {
	result := s.db.WithContext(ctx).Model(&GenerationJob{}).Where("id = ?", jobID).Updates(map[string]any{
		"state":        JobStateSucceeded,
		"finished_at":  s.now(),
		"draft_id":     draftID,
		"draft_status": draftStatus,
		"duration_ms":  duration.Milliseconds(),
		"message":      fmt.Sprintf("Draft %s is %s", draftID, draftStatus),
	})
	if result.Error != nil {
		return fmt.Errorf("complete job: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. If the attempt count is within retries, it
// re-queues the job for retry.
func (s *JobStore) Fail(ctx context.Context, jobID string, errMsg string, maxRetries int) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job for fail: %w", err)
	}
	if job == nil {
		return fmt.Errorf("load job for fail: job %s not found", jobID)
	}

	updates := map[string]any{
		"last_error":  errMsg,
		"finished_at": s.now(),
	}
	if job.AttemptCount < maxRetries {
		updates["state"] = JobStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
	} else {
		updates["state"] = JobStateFailed
		updates["message"] = "Max retries exceeded: " + errMsg
	}

	if err := s.db.WithContext(ctx).Model(&GenerationJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// ErrNotCancelable is returned when canceling a job that already started.
var ErrNotCancelable = errors.New("only queued jobs can be canceled")

// Cancel marks a queued job as canceled. Returns (false, nil) when the job
// does not exist.
func (s *JobStore) Cancel(ctx context.Context, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&GenerationJob{}).
		Where("id = ? AND state = ?", jobID, JobStateQueued).
		Updates(map[string]any{
			"state":       JobStateCanceled,
			"finished_at": s.now(),
			"message":     "Canceled by user",
		})
	if result.Error != nil {
		return false, fmt.Errorf("cancel job: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	job, err := s.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, fmt.Errorf("job %s is %s: %w", jobID, job.State, ErrNotCancelable)
}

// Get retrieves a job by ID, or nil when it does not exist.
func (s *JobStore) Get(ctx context.Context, jobID string) (*GenerationJob, error) {
	var job GenerationJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns paginated jobs matching the given filter, newest first.
func (s *JobStore) List(ctx context.Context, filter JobListFilter, pageSize int, pageToken string) ([]GenerationJob, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.WithContext(ctx).Model(&GenerationJob{})
		if filter.ProjectID != "" {
			q = q.Where("project_id = ?", filter.ProjectID)
		}
		if filter.PlaybookID != "" {
			q = q.Where("playbook_id = ?", filter.PlaybookID)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.RequestedBy != "" {
			q = q.Where("requested_by = ?", filter.RequestedBy)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count jobs: %w", err)
	}

	query, err := pagination.Newest(buildQuery(s.db), "requested_at", pageToken)
	if err != nil {
		return nil, "", 0, err
	}
	query = query.Limit(pageSize + 1)

	var records []GenerationJob
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list jobs: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagination.Encode(last.RequestedAt, last.ID)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// CleanupStuckJobs transitions running jobs that have been stuck
// (started_at older than claimTimeout) back to queued for retry.
func (s *JobStore) CleanupStuckJobs(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := s.now().Add(-claimTimeout)
	result := s.db.WithContext(ctx).Model(&GenerationJob{}).
		Where("state = ? AND started_at < ?", JobStateRunning, cutoff).
		Updates(map[string]any{
			"state":      JobStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck job recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal jobs finished before the given cutoff.
func (s *JobStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("state IN ? AND finished_at < ?", terminalStates, cutoff).
		Delete(&GenerationJob{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
