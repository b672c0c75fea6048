// Package outbox drains the transactional outbox and fans events out to the
// configured publish targets with at-least-once delivery.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/foundry-forge/oms/pkg/models"
	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
	"github.com/foundry-forge/oms/pkg/outbox/router"
)

// Default relay tuning; overridable through Config.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultBatchSize    = 100
	DefaultPublishWait  = 10 * time.Second

	// backlogWindow is how long the pending count must keep growing before
	// the relay emits a backpressure event.
	backlogWindow = 5 * time.Minute
)

// Config holds configuration for the relay service.
type Config struct {
	DB     *gorm.DB
	Router *router.Router

	PollInterval time.Duration
	BatchSize    int

	// PublishTimeout bounds each per-event dispatch.
	PublishTimeout time.Duration

	Logger hclog.Logger
}

// Relay polls the outbox table and publishes pending events through the
// router. Multiple relay workers may run; row claiming prevents duplicate
// sends and the event id deduplicates any redelivery downstream.
type Relay struct {
	db             *gorm.DB
	router         *router.Router
	logger         hclog.Logger
	pollInterval   time.Duration
	batchSize      int
	publishTimeout time.Duration
	stopCh         chan struct{}

	// Backlog watchdog state.
	lastPending  int64
	growingSince time.Time
	lastAlert    time.Time
}

// New creates a relay service.
func New(cfg Config) (*Relay, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = DefaultPublishWait
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	return &Relay{
		db:             cfg.DB,
		router:         cfg.Router,
		logger:         cfg.Logger.Named("outbox-relay"),
		pollInterval:   cfg.PollInterval,
		batchSize:      cfg.BatchSize,
		publishTimeout: cfg.PublishTimeout,
		stopCh:         make(chan struct{}),
	}, nil
}

// Start runs the polling loop. Blocks until Stop is called or the context is
// cancelled; the in-flight batch always finishes before the loop exits.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting outbox relay",
		"poll_interval", r.pollInterval,
		"batch_size", r.batchSize,
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped by context")
			return ctx.Err()
		case <-r.stopCh:
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if err := r.ProcessBatch(ctx); err != nil {
				r.logger.Error("failed to process outbox batch", "error", err)
			}
			r.checkBacklog(ctx)
		}
	}
}

// Stop gracefully stops the relay.
func (r *Relay) Stop() {
	close(r.stopCh)
}

// ProcessBatch claims and publishes one batch of pending events. Exported so
// tests and operator tooling can drive the relay synchronously.
func (r *Relay) ProcessBatch(ctx context.Context) error {
	events, err := models.FindPendingOutboxEvents(r.db, r.batchSize, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to find pending outbox events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	r.logger.Debug("processing outbox batch", "count", len(events))

	successCount := 0
	failCount := 0
	for i := range events {
		event := &events[i]

		if err := r.publishEvent(ctx, event); err != nil {
			r.logger.Error("failed to publish outbox event",
				"event_id", event.ID,
				"type", event.Type,
				"retry_count", event.RetryCount,
				"error", err,
			)
			if markErr := event.RecordFailure(r.db, err); markErr != nil {
				r.logger.Error("failed to record outbox failure",
					"event_id", event.ID, "error", markErr)
			}
			if event.Status == models.OutboxStatusFailed {
				r.deadLetter(ctx, event)
			}
			failCount++
			continue
		}

		if err := event.MarkPublished(r.db); err != nil {
			r.logger.Error("failed to mark outbox event published",
				"event_id", event.ID, "error", err)
			failCount++
			continue
		}
		successCount++
	}

	r.logger.Info("processed outbox batch",
		"total", len(events),
		"success", successCount,
		"failed", failCount,
	)
	return nil
}

// publishEvent converts one outbox row into a CloudEvent and dispatches it.
func (r *Relay) publishEvent(ctx context.Context, row *models.OutboxEvent) error {
	event, err := r.ToCloudEvent(row)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	return r.router.Dispatch(publishCtx, event)
}

// ToCloudEvent builds the wire event for an outbox row. The row id becomes
// the event id, which downstream targets use for deduplication.
func (r *Relay) ToCloudEvent(row *models.OutboxEvent) (*cloudevents.Event, error) {
	var data map[string]interface{}
	if !row.Payload.IsNull() {
		if err := json.Unmarshal(row.Payload, &data); err != nil {
			return nil, fmt.Errorf("corrupt outbox payload for %s: %w", row.ID, err)
		}
	}

	event := cloudevents.New(cloudevents.NormalizeType(row.Type), data)
	event.ID = row.ID
	event.Time = row.CreatedAt.UTC()
	event.Branch = row.Branch
	event.Commit = row.CommitHash
	event.Author = row.Author
	return event, nil
}

// deadLetter emits a system event for an exhausted outbox row. Best effort:
// dead-letter notification failures are logged, never retried through the
// outbox itself.
func (r *Relay) deadLetter(ctx context.Context, row *models.OutboxEvent) {
	r.logger.Error("outbox event dead-lettered",
		"event_id", row.ID,
		"type", row.Type,
		"retry_count", row.RetryCount,
		"last_error", row.LastError,
	)

	alert := cloudevents.New(cloudevents.TypeName("system", "outbox_dead_letter"), map[string]interface{}{
		"event_id":    row.ID,
		"event_type":  row.Type,
		"retry_count": row.RetryCount,
		"last_error":  row.LastError,
	})
	alertCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()
	if err := r.router.Dispatch(alertCtx, alert); err != nil {
		r.logger.Error("failed to publish dead-letter alert", "event_id", row.ID, "error", err)
	}
}

// checkBacklog watches the pending count and emits a backpressure event when
// the outbox grows faster than it drains for a sustained window.
func (r *Relay) checkBacklog(ctx context.Context) {
	pending, err := models.CountOutboxByStatus(r.db, models.OutboxStatusPending)
	if err != nil {
		r.logger.Error("failed to count pending outbox events", "error", err)
		return
	}

	now := time.Now().UTC()
	switch {
	case pending <= r.lastPending || pending == 0:
		r.growingSince = time.Time{}
	case r.growingSince.IsZero():
		r.growingSince = now
	case now.Sub(r.growingSince) >= backlogWindow && now.Sub(r.lastAlert) >= backlogWindow:
		r.lastAlert = now
		r.logger.Warn("outbox backlog growing", "pending", pending, "since", r.growingSince)

		alert := cloudevents.New(cloudevents.TypeName("system", "backpressure"), map[string]interface{}{
			"pending_count": pending,
			"growing_since": r.growingSince.Format(time.RFC3339),
		})
		alertCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
		defer cancel()
		if err := r.router.Dispatch(alertCtx, alert); err != nil {
			r.logger.Error("failed to publish backpressure alert", "error", err)
		}
	}
	r.lastPending = pending
}

// RetryFailed resets dead-lettered events to pending for redelivery.
func (r *Relay) RetryFailed(ctx context.Context, limit int) (int, error) {
	failed, err := models.GetFailedOutboxEvents(r.db, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list failed outbox events: %w", err)
	}
	retried := 0
	for i := range failed {
		if err := failed[i].Retry(r.db); err != nil {
			r.logger.Error("failed to reset outbox event", "event_id", failed[i].ID, "error", err)
			continue
		}
		retried++
	}
	if retried > 0 {
		r.logger.Info("reset failed outbox events to pending", "count", retried)
	}
	return retried, nil
}

// CleanupOldEvents deletes published rows older than the cutoff to bound
// table growth. Intended to run on a daily schedule.
func (r *Relay) CleanupOldEvents(olderThan time.Duration) (int64, error) {
	deleted, err := models.DeleteOldPublishedEvents(r.db, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up outbox: %w", err)
	}
	if deleted > 0 {
		r.logger.Info("cleaned up published outbox events", "deleted", deleted, "older_than", olderThan)
	}
	return deleted, nil
}
