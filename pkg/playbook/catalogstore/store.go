// Package catalogstore keeps the synced copy of a project's storefront
// assets that scope resolution reads from.
package catalogstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/seoforge/playbook-engine/pkg/playbook"
	"github.com/seoforge/playbook-engine/pkg/playbook/apply"
	"github.com/seoforge/playbook-engine/pkg/playbook/scope"
)

// AssetRecord is the GORM model for a synced asset.
type AssetRecord struct {
	ID             string             `gorm:"primaryKey;column:id;type:varchar(36)"`
	ProjectID      string             `gorm:"column:project_id;uniqueIndex:idx_project_asset,priority:1;not null"`
	AssetKey       string             `gorm:"column:asset_key;uniqueIndex:idx_project_asset,priority:2;not null"`
	AssetType      playbook.AssetType `gorm:"column:asset_type;index;not null"`
	ProductID      string             `gorm:"column:product_id"`
	Handle         string             `gorm:"column:handle"`
	ExternalID     string             `gorm:"column:external_id;index;not null"`
	Title          string             `gorm:"column:title"`
	Description    string             `gorm:"column:description;type:text"`
	SEOTitle       string             `gorm:"column:seo_title"`
	SEODescription string             `gorm:"column:seo_description;type:text"`
	DeletedAt      gorm.DeletedAt     `gorm:"column:deleted_at;index"`
	CreatedAt      time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (AssetRecord) TableName() string { return "project_assets" }

// Ref returns the scope reference of the record.
func (r AssetRecord) Ref() scope.AssetRef {
	if r.AssetType == playbook.AssetTypeProducts {
		return scope.ProductRef(r.ProductID)
	}
	return scope.HandleRef(r.AssetType, r.Handle)
}

func (r AssetRecord) toAsset() scope.Asset {
	return scope.Asset{
		Ref:         r.Ref(),
		ExternalID:  r.ExternalID,
		Title:       r.Title,
		Description: r.Description,
		Fields: map[playbook.Field]string{
			playbook.FieldSEOTitle:       r.SEOTitle,
			playbook.FieldSEODescription: r.SEODescription,
		},
	}
}

// fieldColumn maps an optimizable field onto its column.
func fieldColumn(f playbook.Field) (string, error) {
	switch f {
	case playbook.FieldSEOTitle:
		return "seo_title", nil
	case playbook.FieldSEODescription:
		return "seo_description", nil
	}
	return "", fmt.Errorf("unknown field %q", f)
}

// Store provides database operations for project assets. It implements
// scope.Catalog.
type Store struct {
	db *gorm.DB
}

var _ scope.Catalog = (*Store)(nil)

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the project_assets table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&AssetRecord{})
}

// Upsert stores the synced state of an asset. A previously deleted asset
// is restored.
func (s *Store) Upsert(ctx context.Context, rec *AssetRecord) error {
	if !rec.AssetType.Valid() {
		return fmt.Errorf("invalid asset type %q", rec.AssetType)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.AssetKey = rec.Ref().Key()
	rec.DeletedAt = gorm.DeletedAt{}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "asset_key"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"external_id", "title", "description", "seo_title", "seo_description", "deleted_at", "updated_at",
		}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("upsert asset: %w", err)
	}
	return nil
}

// Delete soft-deletes an asset. Deleting an unknown asset is a no-op.
func (s *Store) Delete(ctx context.Context, projectID, assetKey string) error {
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND asset_key = ?", projectID, assetKey).
		Delete(&AssetRecord{}).Error; err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	return nil
}

// Get returns a live asset by key, or nil.
func (s *Store) Get(ctx context.Context, projectID, assetKey string) (*AssetRecord, error) {
	var rec AssetRecord
	if err := s.db.WithContext(ctx).Where("project_id = ? AND asset_key = ?", projectID, assetKey).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return &rec, nil
}

func (s *Store) Lookup(ctx context.Context, projectID string, refs []scope.AssetRef) ([]scope.Asset, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = r.Key()
	}

	var recs []AssetRecord
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND asset_key IN ?", projectID, keys).
		Order("asset_key ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("lookup assets: %w", err)
	}
	out := make([]scope.Asset, len(recs))
	for i, r := range recs {
		out[i] = r.toAsset()
	}
	return out, nil
}

func (s *Store) ListMissing(ctx context.Context, projectID string, t playbook.AssetType, field playbook.Field) ([]scope.Asset, error) {
	col, err := fieldColumn(field)
	if err != nil {
		return nil, err
	}
	var recs []AssetRecord
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND asset_type = ?", projectID, t).
		Where(fmt.Sprintf("(%s IS NULL OR TRIM(%s) = '')", col, col)).
		Order("asset_key ASC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list assets missing %s: %w", field, err)
	}
	out := make([]scope.Asset, len(recs))
	for i, r := range recs {
		out[i] = r.toAsset()
	}
	return out, nil
}

// UpdateField writes a field of the asset with the given external ID. It
// implements apply.AssetWriter for deployments without a storefront
// connection and keeps the local copy current after external writes.
func (s *Store) UpdateField(ctx context.Context, externalID string, field playbook.Field, value string) error {
	col, err := fieldColumn(field)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&AssetRecord{}).
		Where("external_id = ?", externalID).
		Update(col, value)
	if res.Error != nil {
		return fmt.Errorf("update asset field: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", apply.ErrAssetNotFound, externalID)
	}
	return nil
}

// MirrorWriter writes to an upstream store and then to the local copy.
// Only the upstream result decides success; the local copy is best effort.
type MirrorWriter struct {
	Upstream apply.AssetWriter
	Local    *Store
}

func (w MirrorWriter) UpdateField(ctx context.Context, externalID string, field playbook.Field, value string) error {
	if err := w.Upstream.UpdateField(ctx, externalID, field, value); err != nil {
		return err
	}
	if w.Local != nil {
		_ = w.Local.UpdateField(context.WithoutCancel(ctx), externalID, field, value)
	}
	return nil
}
