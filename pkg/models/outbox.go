package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxStatus constants.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// MaxPublishAttempts is the retry cap before an event is marked failed and
// dead-lettered.
const MaxPublishAttempts = 10

// maxBackoff caps the exponential retry delay.
const maxBackoff = 300 * time.Second

// OutboxEvent is one row of the transactional outbox. Exactly one row is
// inserted atomically with the business commit that produced it; a publisher
// loop drains pending rows and publishes them at-least-once.
type OutboxEvent struct {
	ID   string `gorm:"type:varchar(64);primaryKey" json:"id"`
	Type string `gorm:"type:varchar(255);not null;index:idx_outbox_type" json:"type"`

	Payload JSON `gorm:"type:text;not null" json:"payload"`

	Status        string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_outbox_status" json:"status"`
	CreatedAt     time.Time  `gorm:"index:idx_outbox_created" json:"createdAt"`
	PublishedAt   *time.Time `json:"publishedAt,omitempty"`
	RetryCount    int        `gorm:"default:0" json:"retryCount"`
	LastError     string     `gorm:"type:text" json:"lastError,omitempty"`
	LastAttempt   *time.Time `json:"lastAttempt,omitempty"`
	NextAttemptAt *time.Time `gorm:"index:idx_outbox_next_attempt" json:"nextAttemptAt,omitempty"`

	// Commit linkage and routing context.
	CommitHash string `gorm:"type:varchar(64);index:idx_outbox_commit" json:"commitHash,omitempty"`
	Branch     string `gorm:"type:varchar(255)" json:"branch,omitempty"`
	Author     string `gorm:"type:varchar(255)" json:"author,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (OutboxEvent) TableName() string {
	return "outbox"
}

// BeforeCreate hook assigns the event id and default status. The id doubles
// as the downstream deduplication key, so it must be set before insert.
func (e *OutboxEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = OutboxStatusPending
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Payload.IsNull() {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// FindPendingOutboxEvents returns pending rows due for publishing, oldest
// first. On Postgres the SKIP LOCKED clause thins out contention between
// concurrent relay workers, but the row locks only last for this statement,
// so two workers can still pick up the same row. Delivery is at-least-once;
// consumers dedupe on the event id carried in the envelope.
func FindPendingOutboxEvents(db *gorm.DB, limit int, now time.Time) ([]OutboxEvent, error) {
	var events []OutboxEvent
	q := db.
		Where("status = ?", OutboxStatusPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at ASC").
		Limit(limit)
	if db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	err := q.Find(&events).Error
	return events, err
}

// MarkPublished records successful delivery.
func (e *OutboxEvent) MarkPublished(db *gorm.DB) error {
	now := time.Now().UTC()
	return db.Model(e).Updates(map[string]interface{}{
		"status":       OutboxStatusPublished,
		"published_at": now,
		"updated_at":   now,
	}).Error
}

// RecordFailure increments the retry counter and schedules the next attempt
// with exponential backoff (min(2^retry, 300) seconds). Once the retry cap is
// reached the event is marked failed and left for dead-letter handling.
func (e *OutboxEvent) RecordFailure(db *gorm.DB, cause error) error {
	now := time.Now().UTC()
	e.RetryCount++
	e.LastError = cause.Error()
	e.LastAttempt = &now

	updates := map[string]interface{}{
		"retry_count":  e.RetryCount,
		"last_error":   e.LastError,
		"last_attempt": now,
		"updated_at":   now,
	}

	if e.RetryCount >= MaxPublishAttempts {
		e.Status = OutboxStatusFailed
		updates["status"] = OutboxStatusFailed
	} else {
		backoff := time.Duration(1<<uint(e.RetryCount)) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		next := now.Add(backoff)
		e.NextAttemptAt = &next
		updates["next_attempt_at"] = next
	}

	return db.Model(e).Updates(updates).Error
}

// Retry resets a failed event to pending for manual redelivery, clearing the
// retry counter so the backoff schedule starts over.
func (e *OutboxEvent) Retry(db *gorm.DB) error {
	err := db.Model(e).Updates(map[string]interface{}{
		"status":          OutboxStatusPending,
		"retry_count":     0,
		"last_error":      "",
		"next_attempt_at": nil,
		"updated_at":      time.Now().UTC(),
	}).Error
	if err != nil {
		return err
	}
	e.Status = OutboxStatusPending
	e.RetryCount = 0
	e.LastError = ""
	e.NextAttemptAt = nil
	return nil
}

// GetFailedOutboxEvents retrieves dead-lettered events for review.
func GetFailedOutboxEvents(db *gorm.DB, limit int) ([]OutboxEvent, error) {
	var events []OutboxEvent
	err := db.
		Where("status = ?", OutboxStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// CountOutboxByStatus returns the row count for a status. Used by the backlog
// watchdog and for monitoring.
func CountOutboxByStatus(db *gorm.DB, status string) (int64, error) {
	var count int64
	err := db.Model(&OutboxEvent{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// DeleteOldPublishedEvents removes published rows older than the cutoff to
// bound table growth.
func DeleteOldPublishedEvents(db *gorm.DB, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result := db.
		Where("status = ? AND published_at < ?", OutboxStatusPublished, cutoff).
		Delete(&OutboxEvent{})
	return result.RowsAffected, result.Error
}

// CountOutboxForCommit counts outbox rows linked to a commit. The invariant
// is exactly one row per successful mutation.
func CountOutboxForCommit(db *gorm.DB, commitHash string) (int64, error) {
	var count int64
	err := db.Model(&OutboxEvent{}).
		Where("commit_hash = ?", commitHash).
		Count(&count).Error
	return count, err
}
