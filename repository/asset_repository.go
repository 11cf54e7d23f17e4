package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"LinguaFM/core/audiokey"
	"LinguaFM/model"
)

// AssetRepository defines the interface for audio asset metadata operations.
type AssetRepository interface {
	// GetActive returns the newest non-stale asset for a key, or nil when none exists.
	GetActive(key audiokey.Key) (*model.AudioAsset, error)
	Create(asset *model.AudioAsset) error
	// MarkSuperseded marks every non-stale asset for the key as stale, except keepID.
	MarkSuperseded(key audiokey.Key, keepID int64) error
	// InvalidateBook marks all assets of a book stale and returns how many were affected.
	InvalidateBook(bookID string) (int64, error)
	TouchServed(id int64, servedAt time.Time) error
	TotalSizeBytes() (int64, error)
	// StaleByLastServed returns stale assets ordered least-recently-served first.
	StaleByLastServed(limit int) ([]*model.AudioAsset, error)
	Delete(id int64) error
}

// mysqlAssetRepository implements AssetRepository on GORM/MySQL.
type mysqlAssetRepository struct {
	db *gorm.DB
}

// NewMySQLAssetRepository creates a new instance of mysqlAssetRepository.
func NewMySQLAssetRepository(db *gorm.DB) AssetRepository {
	return &mysqlAssetRepository{db: db}
}

func (r *mysqlAssetRepository) GetActive(key audiokey.Key) (*model.AudioAsset, error) {
	var asset model.AudioAsset
	err := r.db.
		Where("book_id = ? AND chunk_index = ? AND cefr_level = ? AND voice_id = ? AND stale = ?",
			key.BookID, key.ChunkIndex, key.CefrLevel, key.VoiceID, false).
		Order("generated_at DESC").
		First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // not an error, caller treats as cache miss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query asset for key %s: %w", key, err)
	}
	return &asset, nil
}

func (r *mysqlAssetRepository) Create(asset *model.AudioAsset) error {
	if err := r.db.Create(asset).Error; err != nil {
		return fmt.Errorf("failed to create asset for key %s: %w", asset.Key(), err)
	}
	return nil
}

func (r *mysqlAssetRepository) MarkSuperseded(key audiokey.Key, keepID int64) error {
	err := r.db.Model(&model.AudioAsset{}).
		Where("book_id = ? AND chunk_index = ? AND cefr_level = ? AND voice_id = ? AND stale = ? AND id <> ?",
			key.BookID, key.ChunkIndex, key.CefrLevel, key.VoiceID, false, keepID).
		Update("stale", true).Error
	if err != nil {
		return fmt.Errorf("failed to supersede assets for key %s: %w", key, err)
	}
	return nil
}

func (r *mysqlAssetRepository) InvalidateBook(bookID string) (int64, error) {
	res := r.db.Model(&model.AudioAsset{}).
		Where("book_id = ? AND stale = ?", bookID, false).
		Update("stale", true)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to invalidate assets for book %s: %w", bookID, res.Error)
	}
	return res.RowsAffected, nil
}

func (r *mysqlAssetRepository) TouchServed(id int64, servedAt time.Time) error {
	err := r.db.Model(&model.AudioAsset{}).
		Where("id = ?", id).
		UpdateColumn("last_served_at", servedAt).Error
	if err != nil {
		return fmt.Errorf("failed to touch asset %d: %w", id, err)
	}
	return nil
}

func (r *mysqlAssetRepository) TotalSizeBytes() (int64, error) {
	var total int64
	err := r.db.Model(&model.AudioAsset{}).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum asset sizes: %w", err)
	}
	return total, nil
}

func (r *mysqlAssetRepository) StaleByLastServed(limit int) ([]*model.AudioAsset, error) {
	var assets []*model.AudioAsset
	err := r.db.
		Where("stale = ?", true).
		Order("last_served_at ASC").
		Limit(limit).
		Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale assets: %w", err)
	}
	return assets, nil
}

func (r *mysqlAssetRepository) Delete(id int64) error {
	if err := r.db.Delete(&model.AudioAsset{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete asset %d: %w", id, err)
	}
	return nil
}
