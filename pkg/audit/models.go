// Package audit keeps the append-only trail of playbook activity: mutating
// HTTP calls captured by middleware and domain events (draft generated,
// apply executed, approval decided) recorded by the service.
package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	EventTypeHTTP   = "http"
	EventTypeDomain = "domain"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONAny: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// EventRecord is one immutable audit entry.
type EventRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ProjectID     string    `gorm:"column:project_id;index:idx_audit_project_time,priority:1;not null"`
	CorrelationID string    `gorm:"column:correlation_id;index"`
	EventType     string    `gorm:"column:event_type;not null"`
	Actor         string    `gorm:"column:actor;index:idx_audit_actor_time,priority:1;not null"`
	Action        string    `gorm:"column:action;not null"`
	ResourceType  string    `gorm:"column:resource_type;index:idx_audit_resource,priority:1"`
	ResourceID    string    `gorm:"column:resource_id;index:idx_audit_resource,priority:2"`
	Outcome       string    `gorm:"column:outcome;not null"`
	StatusCode    int       `gorm:"column:status_code"`
	Reason        string    `gorm:"column:reason"`
	RequestID     string    `gorm:"column:request_id;index"`
	Metadata      JSONAny   `gorm:"column:metadata;type:text"`
	CreatedAt     time.Time `gorm:"column:created_at;index:idx_audit_project_time,priority:2;index:idx_audit_actor_time,priority:2;index:idx_audit_resource,priority:3;autoCreateTime"`
}

// TableName returns the GORM table name.
func (EventRecord) TableName() string { return "audit_events" }
