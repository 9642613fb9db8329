package drafts

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seoforge/playbook-engine/pkg/playbook/hashing"
)

// Status is the lifecycle state of an automation draft.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusPartial  Status = "PARTIAL"
	StatusComplete Status = "COMPLETE"
	StatusStale    Status = "STALE"
)

// Outcome is the terminal result of one suggestion row.
type Outcome string

const (
	OutcomeGenerated    Outcome = "GENERATED"
	OutcomeNoSuggestion Outcome = "NO_SUGGESTION"
)

// Stale reasons.
const (
	StaleSuperseded   = "superseded"
	StaleScopeChanged = "scope_changed"
)

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for JSONStringSlice: %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONStringMap is a custom GORM type for map[string]string stored as JSON.
type JSONStringMap map[string]string

// Scan implements the sql.Scanner interface for JSONStringMap.
func (m *JSONStringMap) Scan(value any) error {
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
		return fmt.Errorf("unsupported type for JSONStringMap: %T", value)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONStringMap.
func (m JSONStringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// DraftRecord is one version of the draft for a cache key. CacheKey is set
// only while the draft is the current one for its key.
type DraftRecord struct {
	ID                string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	ProjectID         string          `gorm:"column:project_id;index:idx_draft_project_playbook,priority:1;not null"`
	PlaybookID        string          `gorm:"column:playbook_id;index:idx_draft_project_playbook,priority:2;not null"`
	ScopeID           string          `gorm:"column:scope_id;type:varchar(64);not null"`
	RulesHash         string          `gorm:"column:rules_hash;type:varchar(64);not null"`
	AssetType         string          `gorm:"column:asset_type;not null"`
	Field             string          `gorm:"column:field;not null"`
	Status            Status          `gorm:"column:status;index;not null;default:PENDING"`
	AffectedTotal     int             `gorm:"column:affected_total;not null;default:0"`
	DraftGenerated    int             `gorm:"column:draft_generated;not null;default:0"`
	NoSuggestionCount int             `gorm:"column:no_suggestion_count;not null;default:0"`
	AICalled          bool            `gorm:"column:ai_called;not null;default:false"`
	CacheKey          *string         `gorm:"column:cache_key;type:varchar(64);uniqueIndex:idx_draft_cache_key"`
	ScopeRefs         JSONStringSlice `gorm:"column:scope_refs;type:text"`
	ExcludedRefs      JSONStringMap   `gorm:"column:excluded_refs;type:text"`
	RulesSnapshot     string          `gorm:"column:rules_snapshot;type:text"`
	LastError         string          `gorm:"column:last_error"`
	StaleReason       string          `gorm:"column:stale_reason"`
	CreatedBy         string          `gorm:"column:created_by"`
	CreatedAt         time.Time       `gorm:"column:created_at;index:idx_draft_project_playbook,priority:3;autoCreateTime"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (DraftRecord) TableName() string { return "automation_drafts" }

// Resolved returns how many rows have a terminal outcome.
func (d *DraftRecord) Resolved() int { return d.DraftGenerated + d.NoSuggestionCount }

// SuggestionRecord is one (asset, field) row of a draft.
type SuggestionRecord struct {
	ID              string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	DraftID         string          `gorm:"column:draft_id;type:varchar(36);uniqueIndex:idx_suggestion_unit,priority:1;not null"`
	AssetKey        string          `gorm:"column:asset_key;uniqueIndex:idx_suggestion_unit,priority:2;not null"`
	Field           string          `gorm:"column:field;uniqueIndex:idx_suggestion_unit,priority:3;not null"`
	ExternalID      string          `gorm:"column:external_id"`
	CurrentValue    string          `gorm:"column:current_value;type:text"`
	RawSuggestion   string          `gorm:"column:raw_suggestion;type:text"`
	FinalSuggestion *string         `gorm:"column:final_suggestion;type:text"`
	RuleWarnings    JSONStringSlice `gorm:"column:rule_warnings;type:text"`
	Outcome         Outcome         `gorm:"column:outcome;not null"`
	FailureReason   string          `gorm:"column:failure_reason"`
	AIReached       bool            `gorm:"column:ai_reached;not null;default:false"`
	AppliedAt       *time.Time      `gorm:"column:applied_at"`
	CreatedAt       time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (SuggestionRecord) TableName() string { return "automation_draft_suggestions" }

// CacheKey derives the logical cache key of a draft.
func CacheKey(projectID, playbookID, scopeID, rulesHash string) string {
	return hashing.MustCanonical(hashing.DomainCacheKey, map[string]any{
		"projectId":  projectID,
		"playbookId": playbookID,
		"scopeId":    scopeID,
		"rulesHash":  rulesHash,
	})
}
