package approvals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/seoforge/playbook-engine/pkg/pagination"
	"github.com/seoforge/playbook-engine/pkg/playbook"
)

var (
	ErrApprovalNotFound    = errors.New("approval request not found")
	ErrApprovalConsumed    = errors.New("approval already consumed")
	ErrApprovalNotApproved = errors.New("approval not approved")
	ErrApprovalMismatch    = errors.New("approval does not cover this draft")
	ErrAlreadyDecided      = errors.New("approval already decided")
	ErrSelfApproval        = errors.New("requester cannot decide their own request")
)

// Store persists approval requests and their decisions.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates or updates the approval tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&RequestRecord{}); err != nil {
		return fmt.Errorf("auto-migrate approval_requests: %w", err)
	}
	if err := s.db.AutoMigrate(&DecisionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate approval_decisions: %w", err)
	}
	return nil
}

// CreateInput describes a new apply approval request.
type CreateInput struct {
	ProjectID   string
	DraftID     string
	ScopeID     string
	RulesHash   string
	RequestedBy string
	Reason      string
}

// Create inserts an approval request for a draft. If a pending request for
// the same draft already exists it is returned instead, with created=false.
func (s *Store) Create(ctx context.Context, in CreateInput) (*RequestRecord, bool, error) {
	var (
		rec     RequestRecord
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("project_id = ? AND resource_id = ? AND status = ?", in.ProjectID, in.DraftID, StatusPending).
			Order("created_at ASC").
			First(&rec).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("find pending approval: %w", err)
		}

		rec = RequestRecord{
			ID:           uuid.New().String(),
			ProjectID:    in.ProjectID,
			ResourceType: string(ActionApply),
			ResourceID:   in.DraftID,
			ScopeID:      in.ScopeID,
			RulesHash:    in.RulesHash,
			Status:       StatusPending,
			RequestedBy:  in.RequestedBy,
			Reason:       in.Reason,
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("create approval request: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &rec, created, nil
}

// Get retrieves an approval request by ID, including its decisions.
// Returns nil when the request does not exist.
func (s *Store) Get(ctx context.Context, id string) (*RequestRecord, []DecisionRecord, error) {
	var rec RequestRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("get approval request: %w", err)
	}

	var decisions []DecisionRecord
	if err := s.db.WithContext(ctx).Where("request_id = ?", id).Order("created_at ASC").Find(&decisions).Error; err != nil {
		return nil, nil, fmt.Errorf("get approval decisions: %w", err)
	}
	return &rec, decisions, nil
}

// PendingForDraft returns the oldest pending request for a draft, or nil.
func (s *Store) PendingForDraft(ctx context.Context, projectID, draftID string) (*RequestRecord, error) {
	var rec RequestRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND resource_id = ? AND status = ?", projectID, draftID, StatusPending).
		Order("created_at ASC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pending approval: %w", err)
	}
	return &rec, nil
}

// Decide records an OWNER's verdict. The status moves from
// PENDING_APPROVAL exactly once; a second decision gets ErrAlreadyDecided.
func (s *Store) Decide(ctx context.Context, id, reviewer string, role playbook.Role, verdict Verdict, note string) (*RequestRecord, error) {
	if role != playbook.RoleOwner {
		return nil, fmt.Errorf("%w: only owners decide approvals", ErrForbidden)
	}
	var status Status
	switch verdict {
	case VerdictApprove:
		status = StatusApproved
	case VerdictReject:
		status = StatusRejected
	default:
		return nil, fmt.Errorf("invalid verdict %q", verdict)
	}

	var rec RequestRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrApprovalNotFound
			}
			return fmt.Errorf("load approval request: %w", err)
		}
		if rec.RequestedBy == reviewer {
			return ErrSelfApproval
		}

		now := s.now()
		res := tx.Model(&RequestRecord{}).
			Where("id = ? AND status = ?", id, StatusPending).
			Updates(map[string]any{
				"status":        status,
				"decided_by":    reviewer,
				"decided_at":    now,
				"decision_note": note,
			})
		if res.Error != nil {
			return fmt.Errorf("decide approval: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, rec.Status)
		}

		decision := DecisionRecord{
			ID:        uuid.New().String(),
			RequestID: id,
			Reviewer:  reviewer,
			Verdict:   verdict,
			Comment:   note,
		}
		if err := tx.Create(&decision).Error; err != nil {
			return fmt.Errorf("add approval decision: %w", err)
		}
		return tx.Where("id = ?", id).First(&rec).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Consume atomically marks an approved request as used for draftID. Only
// one caller can ever consume a request; the rest get ErrApprovalConsumed.
func (s *Store) Consume(ctx context.Context, id, projectID, draftID string) (*RequestRecord, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&RequestRecord{}).
		Where("id = ? AND project_id = ? AND resource_id = ? AND status = ? AND consumed = ?",
			id, projectID, draftID, StatusApproved, false).
		Updates(map[string]any{
			"consumed":    true,
			"consumed_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("consume approval: %w", res.Error)
	}

	rec, _, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 1 {
		return rec, nil
	}

	switch {
	case rec == nil || rec.ProjectID != projectID:
		return nil, ErrApprovalNotFound
	case rec.ResourceID != draftID:
		return nil, fmt.Errorf("%w: approval %s is for draft %s", ErrApprovalMismatch, id, rec.ResourceID)
	case rec.Status != StatusApproved:
		return nil, fmt.Errorf("%w: approval %s is %s", ErrApprovalNotApproved, id, rec.Status)
	default:
		return nil, fmt.Errorf("%w: approval %s", ErrApprovalConsumed, id)
	}
}

// Release undoes a consumption whose apply never attempted a row.
func (s *Store) Release(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&RequestRecord{}).
		Where("id = ? AND consumed = ?", id, true).
		Updates(map[string]any{
			"consumed":    false,
			"consumed_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("release approval: %w", res.Error)
	}
	return nil
}

// List returns paginated approval requests of a project, newest first,
// optionally filtered by status.
func (s *Store) List(ctx context.Context, projectID string, status Status, pageSize int, pageToken string) ([]RequestRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	filter := func(q *gorm.DB) *gorm.DB {
		q = q.Where("project_id = ?", projectID)
		if status != "" {
			q = q.Where("status = ?", status)
		}
		return q
	}

	var totalSize int64
	if err := filter(s.db.WithContext(ctx).Model(&RequestRecord{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count approval requests: %w", err)
	}

	query, err := pagination.Newest(filter(s.db.WithContext(ctx)), "created_at", pageToken)
	if err != nil {
		return nil, "", 0, err
	}
	query = query.Limit(pageSize + 1)

	var records []RequestRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list approval requests: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagination.Encode(last.CreatedAt, last.ID)
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}
