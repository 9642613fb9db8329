package audit

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/seoforge/playbook-engine/pkg/pagination"
)

// Store is the GORM-backed audit event store. Events are never updated.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the audit_events table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&EventRecord{})
}

// ListFilter narrows ListFiltered. Empty fields match everything.
type ListFilter struct {
	ProjectID    string
	Actor        string
	Action       string
	EventType    string
	ResourceType string
	ResourceID   string
}

// Append creates a new immutable audit event record.
func (s *Store) Append(ctx context.Context, event *EventRecord) error {
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// GetByID returns the event with id, or nil when it does not exist.
func (s *Store) GetByID(ctx context.Context, id string) (*EventRecord, error) {
	var rec EventRecord
	result := s.db.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rec)
	if result.Error != nil {
		return nil, fmt.Errorf("get audit event: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}

// ListFiltered returns paginated events matching f, newest first.
// pageToken is the nextToken of the previous page.
func (s *Store) ListFiltered(ctx context.Context, f ListFilter, pageSize int, pageToken string) ([]EventRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	apply := func(q *gorm.DB) *gorm.DB {
		if f.ProjectID != "" {
			q = q.Where("project_id = ?", f.ProjectID)
		}
		if f.Actor != "" {
			q = q.Where("actor = ?", f.Actor)
		}
		if f.Action != "" {
			q = q.Where("action = ?", f.Action)
		}
		if f.EventType != "" {
			q = q.Where("event_type = ?", f.EventType)
		}
		if f.ResourceType != "" {
			q = q.Where("resource_type = ?", f.ResourceType)
		}
		if f.ResourceID != "" {
			q = q.Where("resource_id = ?", f.ResourceID)
		}
		return q
	}

	var totalSize int64
	if err := apply(s.db.WithContext(ctx).Model(&EventRecord{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	query, err := pagination.Newest(apply(s.db.WithContext(ctx)), "created_at", pageToken)
	if err != nil {
		return nil, "", 0, err
	}
	query = query.Limit(pageSize + 1)

	var records []EventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagination.Encode(last.CreatedAt, last.ID)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// ListByResource returns the history of one resource (a draft, an approval).
func (s *Store) ListByResource(ctx context.Context, projectID, resourceType, resourceID string, pageSize int, pageToken string) ([]EventRecord, string, int, error) {
	return s.ListFiltered(ctx, ListFilter{
		ProjectID:    projectID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}, pageSize, pageToken)
}

// DeleteOlderThan deletes events created before cutoff, except domain
// events whose action is listed in keep.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, keep ...string) (int64, error) {
	q := s.db.WithContext(ctx).Where("created_at < ?", cutoff)
	if len(keep) > 0 {
		q = q.Where("NOT (event_type = ? AND action IN ?)", EventTypeDomain, keep)
	}
	result := q.Delete(&EventRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old audit events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
