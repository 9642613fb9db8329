// Package ledger records which (draft, asset, field) units have been written
// to the external store. Entries are append-only; the apply step consults
// the ledger before every external write.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntryRecord is one applied unit.
type EntryRecord struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	DraftID    string    `gorm:"column:draft_id;type:varchar(36);uniqueIndex:idx_ledger_unit,priority:1;not null"`
	AssetKey   string    `gorm:"column:asset_key;uniqueIndex:idx_ledger_unit,priority:2;not null"`
	Field      string    `gorm:"column:field;uniqueIndex:idx_ledger_unit,priority:3;not null"`
	ProjectID  string    `gorm:"column:project_id;index;not null"`
	ExternalID string    `gorm:"column:external_id"`
	Value      string    `gorm:"column:value;type:text"`
	AppliedBy  string    `gorm:"column:applied_by"`
	AppliedAt  time.Time `gorm:"column:applied_at;not null"`
}

// TableName returns the GORM table name.
func (EntryRecord) TableName() string { return "apply_ledger" }

// UnitKey identifies a unit within one draft.
type UnitKey struct {
	AssetKey string
	Field    string
}

// Ledger provides database operations for the apply ledger.
type Ledger struct {
	db *gorm.DB
}

// New creates a new Ledger.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// AutoMigrate creates or updates the apply_ledger table.
func (l *Ledger) AutoMigrate() error {
	return l.db.AutoMigrate(&EntryRecord{})
}

// AppliedUnits loads every applied unit of a draft in one query.
func (l *Ledger) AppliedUnits(ctx context.Context, draftID string) (map[UnitKey]time.Time, error) {
	var rows []EntryRecord
	if err := l.db.WithContext(ctx).
		Select("asset_key", "field", "applied_at").
		Where("draft_id = ?", draftID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load applied units: %w", err)
	}
	out := make(map[UnitKey]time.Time, len(rows))
	for _, r := range rows {
		out[UnitKey{AssetKey: r.AssetKey, Field: r.Field}] = r.AppliedAt
	}
	return out, nil
}

// Append records an applied unit. It returns false when the unit was
// already present, in which case the stored entry is left untouched.
func (l *Ledger) Append(ctx context.Context, e *EntryRecord) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.AppliedAt.IsZero() {
		e.AppliedAt = time.Now().UTC()
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "draft_id"}, {Name: "asset_key"}, {Name: "field"}},
		DoNothing: true,
	}).Create(e)
	if res.Error != nil {
		return false, fmt.Errorf("append ledger entry: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// List returns the entries of a draft ordered by asset key.
func (l *Ledger) List(ctx context.Context, draftID string) ([]EntryRecord, error) {
	var rows []EntryRecord
	if err := l.db.WithContext(ctx).Where("draft_id = ?", draftID).Order("asset_key ASC, field ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return rows, nil
}
