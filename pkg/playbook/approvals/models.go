package approvals

import "time"

// Status is the state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING_APPROVAL"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Verdict is a reviewer decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// RequestRecord is the GORM model for an approval request. ResourceID is
// the draft the approval authorizes.
type RequestRecord struct {
	ID           string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	ProjectID    string     `gorm:"column:project_id;index:idx_approval_project;not null"`
	ResourceType string     `gorm:"column:resource_type;not null"`
	ResourceID   string     `gorm:"column:resource_id;index:idx_approval_resource;not null"`
	ScopeID      string     `gorm:"column:scope_id"`
	RulesHash    string     `gorm:"column:rules_hash"`
	Status       Status     `gorm:"column:status;index:idx_approval_status;not null"`
	RequestedBy  string     `gorm:"column:requested_by;not null"`
	Reason       string     `gorm:"column:reason"`
	DecidedBy    string     `gorm:"column:decided_by"`
	DecidedAt    *time.Time `gorm:"column:decided_at"`
	DecisionNote string     `gorm:"column:decision_note"`
	Consumed     bool       `gorm:"column:consumed;not null;default:false"`
	ConsumedAt   *time.Time `gorm:"column:consumed_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (RequestRecord) TableName() string { return "approval_requests" }

// DecisionRecord keeps the history of decisions on a request.
type DecisionRecord struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	RequestID string    `gorm:"column:request_id;index:idx_decision_request;not null"`
	Reviewer  string    `gorm:"column:reviewer;not null"`
	Verdict   Verdict   `gorm:"column:verdict;not null"`
	Comment   string    `gorm:"column:comment"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (DecisionRecord) TableName() string { return "approval_decisions" }
