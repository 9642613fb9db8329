// Package drafts persists automation drafts and their per-asset suggestion
// rows. A draft is both the generation cache for its key and the audit
// record of what was suggested.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seoforge/playbook-engine/pkg/pagination"
)

var (
	// ErrDraftNotFound is returned when a draft ID does not exist.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrStaleDraft is returned when a caller's scope/rules no longer match
	// the draft, or the draft is not in a state Apply can act on.
	ErrStaleDraft = errors.New("STALE_DRAFT")
	// ErrDraftClosed is returned when writing rows to a COMPLETE or STALE draft.
	ErrDraftClosed = errors.New("draft is closed for generation")
)

// Store provides database operations for drafts and suggestion rows.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the draft tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&DraftRecord{}, &SuggestionRecord{})
}

// ClaimInput describes the draft to claim for a cache key.
type ClaimInput struct {
	ProjectID     string
	PlaybookID    string
	ScopeID       string
	RulesHash     string
	AssetType     string
	Field         string
	ScopeRefs     []string
	Excluded      map[string]string
	RulesSnapshot any
	CreatedBy     string
}

// Claim returns the current draft for the input's cache key, creating a
// PENDING one if there is none. created is true only for a new draft, in
// which case every other live draft of the same (project, playbook) is
// marked STALE. Safe for concurrent use.
func (s *Store) Claim(ctx context.Context, in ClaimInput) (*DraftRecord, bool, error) {
	key := CacheKey(in.ProjectID, in.PlaybookID, in.ScopeID, in.RulesHash)
	snapshot, err := json.Marshal(in.RulesSnapshot)
	if err != nil {
		return nil, false, fmt.Errorf("encode rules snapshot: %w", err)
	}

	var result DraftRecord
	created := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("cache_key = ?", key).First(&result).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check cache key: %w", err)
		}

		draft := DraftRecord{
			ID:            uuid.New().String(),
			ProjectID:     in.ProjectID,
			PlaybookID:    in.PlaybookID,
			ScopeID:       in.ScopeID,
			RulesHash:     in.RulesHash,
			AssetType:     in.AssetType,
			Field:         in.Field,
			Status:        StatusPending,
			AffectedTotal: len(in.ScopeRefs),
			CacheKey:      &key,
			ScopeRefs:     JSONStringSlice(in.ScopeRefs),
			ExcludedRefs:  JSONStringMap(in.Excluded),
			RulesSnapshot: string(snapshot),
			CreatedBy:     in.CreatedBy,
		}
		if draft.ScopeRefs == nil {
			draft.ScopeRefs = JSONStringSlice{}
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoNothing: true,
		}).Create(&draft)
		if res.Error != nil {
			return fmt.Errorf("create draft: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to a concurrent claim for the same key.
			if err := tx.Where("cache_key = ?", key).First(&result).Error; err != nil {
				return fmt.Errorf("reload raced draft: %w", err)
			}
			return nil
		}

		if _, err := supersede(tx, in.ProjectID, in.PlaybookID, draft.ID); err != nil {
			return err
		}
		result = draft
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

// SupersedeOthers marks every live draft of (projectID, playbookID) other
// than keepID as STALE.
func (s *Store) SupersedeOthers(ctx context.Context, projectID, playbookID, keepID string) (int64, error) {
	return supersede(s.db.WithContext(ctx), projectID, playbookID, keepID)
}

func supersede(tx *gorm.DB, projectID, playbookID, keepID string) (int64, error) {
	res := tx.Model(&DraftRecord{}).
		Where("project_id = ? AND playbook_id = ? AND id <> ? AND status <> ?", projectID, playbookID, keepID, StatusStale).
		Updates(map[string]any{
			"status":       StatusStale,
			"stale_reason": StaleSuperseded,
			"cache_key":    nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("supersede drafts: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// FindCurrent returns the live draft for cacheKey, or nil.
func (s *Store) FindCurrent(ctx context.Context, cacheKey string) (*DraftRecord, error) {
	var d DraftRecord
	if err := s.db.WithContext(ctx).Where("cache_key = ?", cacheKey).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find current draft: %w", err)
	}
	return &d, nil
}

// Get retrieves a draft by ID.
func (s *Store) Get(ctx context.Context, id string) (*DraftRecord, error) {
	var d DraftRecord
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get draft: %w", err)
	}
	return &d, nil
}

// Latest returns the most recent non-stale draft of a playbook in a
// project, or nil.
func (s *Store) Latest(ctx context.Context, projectID, playbookID string) (*DraftRecord, error) {
	var d DraftRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND playbook_id = ? AND status <> ?", projectID, playbookID, StatusStale).
		Order("created_at DESC").
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest draft: %w", err)
	}
	return &d, nil
}

// Suggestions returns the rows of a draft ordered by asset key.
func (s *Store) Suggestions(ctx context.Context, draftID string) ([]SuggestionRecord, error) {
	var rows []SuggestionRecord
	if err := s.db.WithContext(ctx).Where("draft_id = ?", draftID).Order("asset_key ASC, field ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	return rows, nil
}

// UpsertSuggestion writes one row and refreshes the draft counts. The first
// row moves a PENDING draft to PARTIAL. Rows cannot be written to a COMPLETE
// or STALE draft.
func (s *Store) UpsertSuggestion(ctx context.Context, row *SuggestionRecord) (*DraftRecord, error) {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}

	var draft DraftRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&draft, "id = ?", row.DraftID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDraftNotFound
			}
			return fmt.Errorf("load draft: %w", err)
		}
		if draft.Status != StatusPending && draft.Status != StatusPartial {
			return fmt.Errorf("%w: %s is %s", ErrDraftClosed, draft.ID, draft.Status)
		}

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "draft_id"}, {Name: "asset_key"}, {Name: "field"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"external_id", "current_value", "raw_suggestion", "final_suggestion",
				"rule_warnings", "outcome", "failure_reason", "ai_reached", "updated_at",
			}),
		}).Create(row).Error
		if err != nil {
			return fmt.Errorf("upsert suggestion: %w", err)
		}

		counts, err := countOutcomes(tx, draft.ID)
		if err != nil {
			return err
		}
		updates := map[string]any{
			"status":              StatusPartial,
			"draft_generated":     counts.generated,
			"no_suggestion_count": counts.noSuggestion,
		}
		res := tx.Model(&DraftRecord{}).
			Where("id = ? AND status IN ?", draft.ID, []Status{StatusPending, StatusPartial}).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update draft counts: %w", res.Error)
		}
		return tx.First(&draft, "id = ?", draft.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &draft, nil
}

type outcomeCounts struct {
	generated    int
	noSuggestion int
	aiReached    int
}

func countOutcomes(tx *gorm.DB, draftID string) (outcomeCounts, error) {
	var rows []struct {
		Outcome   Outcome `gorm:"column:outcome"`
		AIReached bool    `gorm:"column:ai_reached"`
		N         int     `gorm:"column:n"`
	}
	err := tx.Model(&SuggestionRecord{}).
		Select("outcome, ai_reached, COUNT(*) AS n").
		Where("draft_id = ?", draftID).
		Group("outcome, ai_reached").
		Scan(&rows).Error
	if err != nil {
		return outcomeCounts{}, fmt.Errorf("count suggestions: %w", err)
	}
	var c outcomeCounts
	for _, r := range rows {
		switch r.Outcome {
		case OutcomeGenerated:
			c.generated += r.N
		case OutcomeNoSuggestion:
			c.noSuggestion += r.N
		}
		if r.AIReached {
			c.aiReached += r.N
		}
	}
	return c, nil
}

// Finalize recomputes counts from the persisted rows. The draft becomes
// COMPLETE only when every affected row has a terminal outcome; otherwise it
// stays PENDING or PARTIAL with lastError recorded. aiCalled is derived from
// the rows. A draft that is already COMPLETE or STALE is returned unchanged.
func (s *Store) Finalize(ctx context.Context, draftID, lastError string) (*DraftRecord, error) {
	var draft DraftRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&draft, "id = ?", draftID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDraftNotFound
			}
			return fmt.Errorf("load draft: %w", err)
		}
		if draft.Status != StatusPending && draft.Status != StatusPartial {
			return nil
		}

		counts, err := countOutcomes(tx, draftID)
		if err != nil {
			return err
		}
		resolved := counts.generated + counts.noSuggestion
		status := StatusPending
		switch {
		case resolved >= draft.AffectedTotal:
			status = StatusComplete
			lastError = ""
		case resolved > 0:
			status = StatusPartial
		}

		res := tx.Model(&DraftRecord{}).
			Where("id = ? AND status IN ?", draftID, []Status{StatusPending, StatusPartial}).
			Updates(map[string]any{
				"status":              status,
				"draft_generated":     counts.generated,
				"no_suggestion_count": counts.noSuggestion,
				"ai_called":           counts.aiReached > 0,
				"last_error":          lastError,
			})
		if res.Error != nil {
			return fmt.Errorf("finalize draft: %w", res.Error)
		}
		return tx.First(&draft, "id = ?", draftID).Error
	})
	if err != nil {
		return nil, err
	}
	return &draft, nil
}

// MarkStale transitions a draft to STALE and releases its cache key so the
// next request for the key creates a fresh draft.
func (s *Store) MarkStale(ctx context.Context, draftID, reason string) error {
	res := s.db.WithContext(ctx).Model(&DraftRecord{}).
		Where("id = ? AND status <> ?", draftID, StatusStale).
		Updates(map[string]any{
			"status":       StatusStale,
			"stale_reason": reason,
			"cache_key":    nil,
		})
	if res.Error != nil {
		return fmt.Errorf("mark draft stale: %w", res.Error)
	}
	return nil
}

// MarkStaleContaining marks every live draft of the project whose scope
// contains assetKey as STALE and returns their IDs.
func (s *Store) MarkStaleContaining(ctx context.Context, projectID, assetKey, reason string) ([]string, error) {
	quoted, err := json.Marshal(assetKey)
	if err != nil {
		return nil, fmt.Errorf("encode asset key: %w", err)
	}

	var candidates []DraftRecord
	err = s.db.WithContext(ctx).
		Where("project_id = ? AND status <> ? AND scope_refs LIKE ?", projectID, StatusStale, "%"+string(quoted)+"%").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("find drafts for asset: %w", err)
	}

	var ids []string
	for _, d := range candidates {
		if !containsKey(d.ScopeRefs, assetKey) {
			continue
		}
		if err := s.MarkStale(ctx, d.ID, reason); err != nil {
			return ids, err
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// MarkApplied stamps applied_at on a row. Rows that already carry a stamp
// keep their original time.
func (s *Store) MarkApplied(ctx context.Context, draftID, assetKey, field string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&SuggestionRecord{}).
		Where("draft_id = ? AND asset_key = ? AND field = ? AND applied_at IS NULL", draftID, assetKey, field).
		Update("applied_at", at)
	if res.Error != nil {
		return fmt.Errorf("mark suggestion applied: %w", res.Error)
	}
	return nil
}

// ListFilter defines filters for listing drafts.
type ListFilter struct {
	ProjectID  string
	PlaybookID string
	Status     string
}

// List returns paginated drafts matching the given filter, newest first.
func (s *Store) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]DraftRecord, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&DraftRecord{})
		if filter.ProjectID != "" {
			q = q.Where("project_id = ?", filter.ProjectID)
		}
		if filter.PlaybookID != "" {
			q = q.Where("playbook_id = ?", filter.PlaybookID)
		}
		if filter.Status != "" {
			q = q.Where("status = ?", strings.ToUpper(filter.Status))
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count drafts: %w", err)
	}

	query, err := pagination.Newest(buildQuery(db), "created_at", pageToken)
	if err != nil {
		return nil, "", 0, err
	}
	query = query.Limit(pageSize + 1)

	var records []DraftRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list drafts: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = pagination.Encode(last.CreatedAt, last.ID)
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}
