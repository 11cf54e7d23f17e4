package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"LinguaFM/core/audiokey"
	"LinguaFM/model"
)

// ErrDuplicateActiveJob is returned by Insert when a pending or in_progress
// job already exists for the key. The unique active-key index raises it even
// when the existence check and the insert race across processes.
var ErrDuplicateActiveJob = errors.New("active job already exists for key")

// JobRepository defines the interface for queue job operations.
// The conditional pending -> in_progress update is the single point of mutual
// exclusion for the whole generation pipeline; background workers and the
// on-demand read path both funnel through it.
type JobRepository interface {
	Insert(job *model.QueueJob) error
	// HasActive reports whether a pending or in_progress job exists for the key.
	HasActive(key audiokey.Key) (bool, error)
	// ClaimNext atomically claims the highest-priority runnable pending job.
	// Returns nil when nothing is runnable.
	ClaimNext(now time.Time) (*model.QueueJob, error)
	// ClaimOnDemand claims or creates a job for one specific key. claimed=false
	// means another worker already has the key in flight.
	ClaimOnDemand(key audiokey.Key, maxAttempts int) (job *model.QueueJob, claimed bool, err error)
	MarkDone(id string) error
	// Requeue returns a claimed job to pending with a backoff deadline.
	Requeue(id string, attempts int, lastError string, nextRunAt time.Time) error
	MarkFailed(id string, lastError string) error
	// ReclaimOrphans returns in_progress jobs claimed before the cutoff to pending.
	ReclaimOrphans(claimedBefore time.Time) (int64, error)
	CountActiveByBook(bookID string) (int64, error)
}

// mysqlJobRepository implements JobRepository on GORM/MySQL.
type mysqlJobRepository struct {
	db *gorm.DB
}

// NewMySQLJobRepository creates a new instance of mysqlJobRepository.
func NewMySQLJobRepository(db *gorm.DB) JobRepository {
	return &mysqlJobRepository{db: db}
}

func (r *mysqlJobRepository) Insert(job *model.QueueJob) error {
	if err := r.db.Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("failed to insert job for key %s: %w", job.Key(), err)
	}
	return nil
}

func (r *mysqlJobRepository) HasActive(key audiokey.Key) (bool, error) {
	var count int64
	err := r.db.Model(&model.QueueJob{}).
		Where("book_id = ? AND chunk_index = ? AND cefr_level = ? AND voice_id = ? AND status IN ?",
			key.BookID, key.ChunkIndex, key.CefrLevel, key.VoiceID,
			[]string{model.JobStatusPending, model.JobStatusInProgress}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count active jobs for key %s: %w", key, err)
	}
	return count > 0, nil
}

func (r *mysqlJobRepository) ClaimNext(now time.Time) (*model.QueueJob, error) {
	// The select and the conditional update race against other workers; a lost
	// race just means picking the next candidate.
	for attempt := 0; attempt < 3; attempt++ {
		var job model.QueueJob
		err := r.db.
			Where("status = ? AND next_run_at <= ?", model.JobStatusPending, now).
			Order("tier ASC, created_at ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select claimable job: %w", err)
		}

		res := r.db.Model(&model.QueueJob{}).
			Where("id = ? AND status = ?", job.ID, model.JobStatusPending).
			Updates(map[string]interface{}{
				"status":     model.JobStatusInProgress,
				"claimed_at": now,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 1 {
			job.Status = model.JobStatusInProgress
			job.ClaimedAt = &now
			return &job, nil
		}
		// Someone else claimed it first; try the next candidate.
	}
	return nil, nil
}

func (r *mysqlJobRepository) ClaimOnDemand(key audiokey.Key, maxAttempts int) (*model.QueueJob, bool, error) {
	// The row lock only covers existing rows, so two replicas can both reach
	// the create branch; the unique active-key index rejects the loser, who
	// retries and finds the winner's row.
	for attempt := 0; attempt < 3; attempt++ {
		job, claimed, err := r.tryClaimOnDemand(key, maxAttempts)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		return job, claimed, err
	}
	return nil, false, fmt.Errorf("failed to claim on-demand job for key %s: kept losing the insert race", key)
}

func (r *mysqlJobRepository) tryClaimOnDemand(key audiokey.Key, maxAttempts int) (*model.QueueJob, bool, error) {
	var job *model.QueueJob
	claimed := false

	err := r.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var existing model.QueueJob
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("book_id = ? AND chunk_index = ? AND cefr_level = ? AND voice_id = ? AND status IN ?",
				key.BookID, key.ChunkIndex, key.CefrLevel, key.VoiceID,
				[]string{model.JobStatusPending, model.JobStatusInProgress}).
			Order("created_at ASC").
			First(&existing).Error

		switch {
		case err == nil && existing.Status == model.JobStatusInProgress:
			// Generation already in flight elsewhere.
			job = &existing
			return nil
		case err == nil:
			// Pending job exists: claim it for the on-demand path.
			res := tx.Model(&model.QueueJob{}).
				Where("id = ? AND status = ?", existing.ID, model.JobStatusPending).
				Updates(map[string]interface{}{
					"status":     model.JobStatusInProgress,
					"claimed_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to claim pending job %s: %w", existing.ID, res.Error)
			}
			existing.Status = model.JobStatusInProgress
			existing.ClaimedAt = &now
			job = &existing
			claimed = res.RowsAffected == 1
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			// No job for the key yet; create one already claimed.
			fresh := model.NewQueueJob(key, model.TierFastStart, maxAttempts)
			fresh.Status = model.JobStatusInProgress
			fresh.ClaimedAt = &now
			if err := tx.Create(fresh).Error; err != nil {
				return fmt.Errorf("failed to insert on-demand job for key %s: %w", key, err)
			}
			job = fresh
			claimed = true
			return nil
		default:
			return fmt.Errorf("failed to look up active job for key %s: %w", key, err)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return job, claimed, nil
}

func (r *mysqlJobRepository) MarkDone(id string) error {
	err := r.db.Model(&model.QueueJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.JobStatusDone,
			"last_error": "",
			"active_key": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark job %s done: %w", id, err)
	}
	return nil
}

func (r *mysqlJobRepository) Requeue(id string, attempts int, lastError string, nextRunAt time.Time) error {
	err := r.db.Model(&model.QueueJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.JobStatusPending,
			"attempts":    attempts,
			"last_error":  lastError,
			"next_run_at": nextRunAt,
			"claimed_at":  nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return nil
}

func (r *mysqlJobRepository) MarkFailed(id string, lastError string) error {
	err := r.db.Model(&model.QueueJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.JobStatusFailed,
			"last_error": lastError,
			"active_key": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", id, err)
	}
	return nil
}

func (r *mysqlJobRepository) ReclaimOrphans(claimedBefore time.Time) (int64, error) {
	res := r.db.Model(&model.QueueJob{}).
		Where("status = ? AND claimed_at < ?", model.JobStatusInProgress, claimedBefore).
		Updates(map[string]interface{}{
			"status":     model.JobStatusPending,
			"claimed_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to reclaim orphaned jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *mysqlJobRepository) CountActiveByBook(bookID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.QueueJob{}).
		Where("book_id = ? AND status IN ?", bookID,
			[]string{model.JobStatusPending, model.JobStatusInProgress}).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs for book %s: %w", bookID, err)
	}
	return count, nil
}
