// Package jobs runs draft generation asynchronously: a request is queued
// as a GenerationJob keyed by the draft cache key, and a WorkerPool hands
// claimed jobs to a DraftGenerator.
package jobs

import (
	"time"
)

// JobState represents the lifecycle state of a generation job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
)

var (
	activeStates   = []JobState{JobStateQueued, JobStateRunning}
	terminalStates = []JobState{JobStateSucceeded, JobStateFailed, JobStateCanceled}
)

// GenerationJob is the GORM model for an async draft generation. Payload
// is the generation request as the service serialized it; the jobs package
// does not interpret it.
type GenerationJob struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	ProjectID      string     `gorm:"column:project_id;index:idx_genjob_project_state,priority:1;not null"`
	PlaybookID     string     `gorm:"column:playbook_id;not null"`
	IdempotencyKey string     `gorm:"column:idempotency_key;uniqueIndex:idx_genjob_idemp_key"`
	Payload        string     `gorm:"column:payload;type:text;not null"`
	RequestedBy    string     `gorm:"column:requested_by;not null"`
	RequestedAt    time.Time  `gorm:"column:requested_at;not null"`
	State          JobState   `gorm:"column:state;index:idx_genjob_project_state,priority:2;index:idx_genjob_state;not null;default:queued"`
	Message        string     `gorm:"column:message"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	DraftID        string     `gorm:"column:draft_id"`
	DraftStatus    string     `gorm:"column:draft_status"`
	DurationMs     int64      `gorm:"column:duration_ms"`
}

// TableName returns the GORM table name.
func (GenerationJob) TableName() string { return "generation_jobs" }

// IsTerminal returns true if the job is in a terminal state.
func (j *GenerationJob) IsTerminal() bool {
	switch j.State {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}
