package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupOutboxDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&OutboxEvent{}))
	return db
}

func newPendingEvent(t *testing.T, db *gorm.DB) *OutboxEvent {
	t.Helper()
	ev := &OutboxEvent{
		Type:    "com.foundry.oms.objecttype.created",
		Payload: MustJSON(map[string]interface{}{"branch": "main"}),
		Branch:  "main",
	}
	require.NoError(t, db.Create(ev).Error)
	return ev
}

func TestOutboxEvent_BeforeCreate(t *testing.T) {
	db := setupOutboxDB(t)

	ev := newPendingEvent(t, db)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, OutboxStatusPending, ev.Status)

	err := db.Create(&OutboxEvent{Payload: MustJSON(map[string]string{"a": "b"})}).Error
	assert.Error(t, err)

	err = db.Create(&OutboxEvent{Type: "com.foundry.oms.system.test"}).Error
	assert.Error(t, err)
}

func TestFindPendingOutboxEvents_SkipsScheduledRetries(t *testing.T) {
	db := setupOutboxDB(t)
	now := time.Now().UTC()

	due := newPendingEvent(t, db)
	deferred := newPendingEvent(t, db)
	future := now.Add(time.Hour)
	require.NoError(t, db.Model(deferred).Update("next_attempt_at", future).Error)

	events, err := FindPendingOutboxEvents(db, 10, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, due.ID, events[0].ID)

	// The deferred row becomes claimable once its schedule passes.
	events, err = FindPendingOutboxEvents(db, 10, future.Add(time.Second))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRecordFailure_BackoffSchedule(t *testing.T) {
	db := setupOutboxDB(t)
	ev := newPendingEvent(t, db)

	require.NoError(t, ev.RecordFailure(db, errors.New("bus unavailable")))
	assert.Equal(t, 1, ev.RetryCount)
	assert.Equal(t, OutboxStatusPending, ev.Status)
	require.NotNil(t, ev.NextAttemptAt)
	delay := time.Until(*ev.NextAttemptAt)
	assert.InDelta(t, (2 * time.Second).Seconds(), delay.Seconds(), 1.0)

	// Backoff doubles per attempt and is capped at five minutes.
	for i := 0; i < 7; i++ {
		require.NoError(t, ev.RecordFailure(db, errors.New("still down")))
	}
	assert.Equal(t, 8, ev.RetryCount)
	delay = time.Until(*ev.NextAttemptAt)
	assert.LessOrEqual(t, delay, 300*time.Second+time.Second)
}

func TestRecordFailure_DeadLettersAtCap(t *testing.T) {
	db := setupOutboxDB(t)
	ev := newPendingEvent(t, db)

	for i := 0; i < MaxPublishAttempts; i++ {
		require.NoError(t, ev.RecordFailure(db, errors.New("boom")))
	}
	assert.Equal(t, OutboxStatusFailed, ev.Status)

	failed, err := GetFailedOutboxEvents(db, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ev.ID, failed[0].ID)

	// Failed rows are no longer claimable.
	events, err := FindPendingOutboxEvents(db, 10, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRetry_ResetsFailedEvent(t *testing.T) {
	db := setupOutboxDB(t)
	ev := newPendingEvent(t, db)

	for i := 0; i < MaxPublishAttempts; i++ {
		require.NoError(t, ev.RecordFailure(db, errors.New("boom")))
	}
	require.Equal(t, OutboxStatusFailed, ev.Status)

	require.NoError(t, ev.Retry(db))
	assert.Equal(t, OutboxStatusPending, ev.Status)
	assert.Zero(t, ev.RetryCount)

	events, err := FindPendingOutboxEvents(db, 10, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestMarkPublishedAndCleanup(t *testing.T) {
	db := setupOutboxDB(t)
	ev := newPendingEvent(t, db)

	require.NoError(t, ev.MarkPublished(db))

	count, err := CountOutboxByStatus(db, OutboxStatusPublished)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Backdate and prune.
	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, db.Model(ev).Update("published_at", old).Error)

	deleted, err := DeleteOldPublishedEvents(db, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
