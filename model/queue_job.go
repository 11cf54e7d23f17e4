package model

import (
	"time"

	"github.com/google/uuid"

	"LinguaFM/core/audiokey"
)

// Queue job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusDone       = "done"
	JobStatusFailed     = "failed"
)

// Priority tiers, highest first. Within a tier jobs drain FIFO by creation time.
const (
	TierFastStart  = 1 // first chunks, popular levels, default voice
	TierPopular    = 2 // popular levels, all voices
	TierBackground = 3 // remaining levels, all voices
)

// QueueJob is one pending unit of pre-generation work, addressed by the same
// composite key as the asset it will produce. The conditional status update
// from pending to in_progress is the queue's only concurrency control.
type QueueJob struct {
	ID         string `json:"id" gorm:"primaryKey;size:36"`
	BookID     string `json:"bookId" gorm:"size:64;index:idx_job_key,priority:1;index:idx_job_book"`
	ChunkIndex int    `json:"chunkIndex" gorm:"index:idx_job_key,priority:2"`
	CefrLevel  string `json:"cefrLevel" gorm:"size:8;index:idx_job_key,priority:3"`
	VoiceID    string `json:"voiceId" gorm:"size:64;index:idx_job_key,priority:4"`
	// ActiveKey mirrors the composite key while the job is pending or
	// in_progress and is cleared on terminal states. The unique index makes a
	// second live job for the same key a constraint violation, regardless of
	// which replica or code path tries to insert it.
	ActiveKey   *string    `json:"-" gorm:"size:160;uniqueIndex:uniq_job_active"`
	Tier        int        `json:"tier" gorm:"index:idx_job_claim,priority:2"`
	Status      string     `json:"status" gorm:"size:16;index:idx_job_claim,priority:1"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	LastError   string     `json:"lastError" gorm:"size:1024"`
	NextRunAt   time.Time  `json:"nextRunAt" gorm:"index"`
	ClaimedAt   *time.Time `json:"claimedAt"`
	CreatedAt   time.Time  `json:"createdAt" gorm:"index:idx_job_claim,priority:3"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewQueueJob creates a pending job for the given key and tier.
func NewQueueJob(key audiokey.Key, tier, maxAttempts int) *QueueJob {
	active := key.String()
	return &QueueJob{
		ID:          uuid.New().String(),
		BookID:      key.BookID,
		ChunkIndex:  key.ChunkIndex,
		CefrLevel:   key.CefrLevel,
		VoiceID:     key.VoiceID,
		ActiveKey:   &active,
		Tier:        tier,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		NextRunAt:   time.Now(),
	}
}

// Key returns the composite cache key targeted by the job.
func (j *QueueJob) Key() audiokey.Key {
	return audiokey.New(j.BookID, j.ChunkIndex, j.CefrLevel, j.VoiceID)
}

// TableName sets the table name for GORM.
func (QueueJob) TableName() string {
	return "queue_jobs"
}
