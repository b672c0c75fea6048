package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/foundry-forge/oms/pkg/models"
	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
	"github.com/foundry-forge/oms/pkg/outbox/router"
	"github.com/foundry-forge/oms/pkg/outbox/target"
)

// fakeBus collects dispatched events and fails on demand per event.
type fakeBus struct {
	mu     sync.Mutex
	events []*cloudevents.Event
	failFn func(e *cloudevents.Event) error
}

func (f *fakeBus) Platform() target.Platform { return target.PlatformMessageBus }

func (f *fakeBus) Publish(_ context.Context, e *cloudevents.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFn != nil {
		if err := f.failFn(e); err != nil {
			return err
		}
	}
	f.events = append(f.events, e)
	return nil
}

func (f *fakeBus) HealthCheck(context.Context) error { return nil }

func (f *fakeBus) Close() {}

func (f *fakeBus) byType(typ string) []*cloudevents.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*cloudevents.Event
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func setupRelay(t *testing.T) (*Relay, *gorm.DB, *fakeBus) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.OutboxEvent{}))

	bus := &fakeBus{}
	rt := router.New(hclog.NewNullLogger())
	require.NoError(t, rt.RegisterTarget(bus))

	relay, err := New(Config{DB: db, Router: rt, Logger: hclog.NewNullLogger()})
	require.NoError(t, err)
	return relay, db, bus
}

func stageEvent(t *testing.T, db *gorm.DB, typ string) *models.OutboxEvent {
	t.Helper()
	ev := &models.OutboxEvent{
		Type:       typ,
		Payload:    models.MustJSON(map[string]interface{}{"entity_id": "Customer"}),
		Branch:     "main",
		CommitHash: "c-1",
		Author:     "alice",
	}
	require.NoError(t, db.Create(ev).Error)
	return ev
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Router: router.New(nil)})
	assert.Error(t, err)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	_, err = New(Config{DB: db})
	assert.Error(t, err)

	relay, err := New(Config{DB: db, Router: router.New(nil)})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, relay.pollInterval)
	assert.Equal(t, DefaultBatchSize, relay.batchSize)
	assert.Equal(t, DefaultPublishWait, relay.publishTimeout)
}

func TestProcessBatch_PublishesPending(t *testing.T) {
	relay, db, bus := setupRelay(t)
	a := stageEvent(t, db, "com.foundry.oms.objecttype.created")
	b := stageEvent(t, db, "com.foundry.oms.linktype.updated")

	require.NoError(t, relay.ProcessBatch(context.Background()))

	published, err := models.CountOutboxByStatus(db, models.OutboxStatusPublished)
	require.NoError(t, err)
	assert.Equal(t, int64(2), published)

	require.Len(t, bus.events, 2)
	ids := []string{bus.events[0].ID, bus.events[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)

	// Draining again is a no-op.
	require.NoError(t, relay.ProcessBatch(context.Background()))
	assert.Len(t, bus.events, 2)
}

func TestProcessBatch_FailureSchedulesRetry(t *testing.T) {
	relay, db, bus := setupRelay(t)
	ev := stageEvent(t, db, "com.foundry.oms.objecttype.created")
	bus.failFn = func(*cloudevents.Event) error { return errors.New("bus down") }

	require.NoError(t, relay.ProcessBatch(context.Background()))

	var row models.OutboxEvent
	require.NoError(t, db.First(&row, "id = ?", ev.ID).Error)
	assert.Equal(t, models.OutboxStatusPending, row.Status)
	assert.Equal(t, 1, row.RetryCount)
	assert.Contains(t, row.LastError, "bus down")
	require.NotNil(t, row.NextAttemptAt)
	assert.True(t, row.NextAttemptAt.After(time.Now().UTC()))

	// The row is deferred, so an immediate re-drain must not claim it.
	bus.failFn = nil
	require.NoError(t, relay.ProcessBatch(context.Background()))
	assert.Empty(t, bus.events)
}

func TestProcessBatch_DeadLettersAtRetryCap(t *testing.T) {
	relay, db, bus := setupRelay(t)
	ev := stageEvent(t, db, "com.foundry.oms.objecttype.created")
	require.NoError(t, db.Model(ev).Update("retry_count", models.MaxPublishAttempts-1).Error)

	// Schema publishes keep failing; the dead-letter alert itself goes through.
	bus.failFn = func(e *cloudevents.Event) error {
		if cloudevents.ClassOf(e.Type) == cloudevents.ClassSchema {
			return errors.New("bus down")
		}
		return nil
	}

	require.NoError(t, relay.ProcessBatch(context.Background()))

	var row models.OutboxEvent
	require.NoError(t, db.First(&row, "id = ?", ev.ID).Error)
	assert.Equal(t, models.OutboxStatusFailed, row.Status)

	alerts := bus.byType(cloudevents.TypeName("system", "outbox_dead_letter"))
	require.Len(t, alerts, 1)
	assert.Equal(t, ev.ID, alerts[0].Data["event_id"])
}

func TestToCloudEvent_Mapping(t *testing.T) {
	relay, db, _ := setupRelay(t)
	row := stageEvent(t, db, "OBJECT_TYPE_CREATED")

	e, err := relay.ToCloudEvent(row)
	require.NoError(t, err)
	assert.Equal(t, "com.foundry.oms.objecttype.created", e.Type)
	assert.Equal(t, row.ID, e.ID)
	assert.Equal(t, "main", e.Branch)
	assert.Equal(t, "c-1", e.Commit)
	assert.Equal(t, "alice", e.Author)
	assert.Equal(t, "Customer", e.Data["entity_id"])
	assert.True(t, e.Time.Equal(row.CreatedAt.UTC()))

	row.Payload = models.JSON(`[1,2]`)
	_, err = relay.ToCloudEvent(row)
	assert.Error(t, err)
}

func TestRetryFailed(t *testing.T) {
	relay, db, bus := setupRelay(t)
	ev := stageEvent(t, db, "com.foundry.oms.objecttype.created")
	require.NoError(t, db.Model(ev).Updates(map[string]interface{}{
		"status":      models.OutboxStatusFailed,
		"retry_count": models.MaxPublishAttempts,
	}).Error)

	retried, err := relay.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	require.NoError(t, relay.ProcessBatch(context.Background()))
	assert.Len(t, bus.events, 1)
}

func TestCleanupOldEvents(t *testing.T) {
	relay, db, _ := setupRelay(t)
	ev := stageEvent(t, db, "com.foundry.oms.objecttype.created")

	require.NoError(t, relay.ProcessBatch(context.Background()))
	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, db.Model(ev).Update("published_at", old).Error)

	deleted, err := relay.CleanupOldEvents(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}
