package model

import "time"

// BookPregenStatus is the aggregate pre-generation progress for one book.
// It is owned by the queue subsystem; admin surfaces only ever read it.
type BookPregenStatus struct {
	BookID        string    `json:"bookId" gorm:"primaryKey;size:64"`
	TotalExpected int       `json:"totalExpected"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TableName sets the table name for GORM.
func (BookPregenStatus) TableName() string {
	return "book_pregen_status"
}
