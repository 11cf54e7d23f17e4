package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"LinguaFM/model"
)

// StatusRepository defines the interface for per-book pre-generation progress.
type StatusRepository interface {
	// Init records the expected combination count and resets the counters.
	Init(bookID string, totalExpected int) error
	IncrCompleted(bookID string) error
	IncrFailed(bookID string) error
	// Get returns nil when enumeration has never run for the book.
	Get(bookID string) (*model.BookPregenStatus, error)
}

// mysqlStatusRepository implements StatusRepository on GORM/MySQL.
type mysqlStatusRepository struct {
	db *gorm.DB
}

// NewMySQLStatusRepository creates a new instance of mysqlStatusRepository.
func NewMySQLStatusRepository(db *gorm.DB) StatusRepository {
	return &mysqlStatusRepository{db: db}
}

func (r *mysqlStatusRepository) Init(bookID string, totalExpected int) error {
	status := &model.BookPregenStatus{
		BookID:        bookID,
		TotalExpected: totalExpected,
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_expected": totalExpected,
			"completed":      0,
			"failed":         0,
		}),
	}).Create(status).Error
	if err != nil {
		return fmt.Errorf("failed to init pregen status for book %s: %w", bookID, err)
	}
	return nil
}

func (r *mysqlStatusRepository) IncrCompleted(bookID string) error {
	err := r.db.Model(&model.BookPregenStatus{}).
		Where("book_id = ?", bookID).
		Update("completed", gorm.Expr("completed + 1")).Error
	if err != nil {
		return fmt.Errorf("failed to increment completed for book %s: %w", bookID, err)
	}
	return nil
}

func (r *mysqlStatusRepository) IncrFailed(bookID string) error {
	err := r.db.Model(&model.BookPregenStatus{}).
		Where("book_id = ?", bookID).
		Update("failed", gorm.Expr("failed + 1")).Error
	if err != nil {
		return fmt.Errorf("failed to increment failed for book %s: %w", bookID, err)
	}
	return nil
}

func (r *mysqlStatusRepository) Get(bookID string) (*model.BookPregenStatus, error) {
	var status model.BookPregenStatus
	err := r.db.Where("book_id = ?", bookID).First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pregen status for book %s: %w", bookID, err)
	}
	return &status, nil
}
