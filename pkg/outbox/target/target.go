// Package target defines the publish targets the event router fans out to.
package target

import (
	"context"

	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
)

// Platform identifies a publish target class in routing rules.
type Platform string

const (
	// PlatformMessageBus is the NATS JetStream bus (binary mode).
	PlatformMessageBus Platform = "MSG_BUS"
	// PlatformCloudBus is the cloud event bus (structured mode).
	PlatformCloudBus Platform = "CLOUD_BUS"
	// PlatformEventLog is the append-only Kafka archive of published events.
	PlatformEventLog Platform = "EVENT_LOG"
)

// Target publishes CloudEvents to one platform. Publish must be idempotent
// under redelivery of the same event id.
type Target interface {
	Platform() Platform
	Publish(ctx context.Context, e *cloudevents.Event) error
	HealthCheck(ctx context.Context) error
	Close()
}

// PartitionKey returns the ordering key for an event: branch for schema and
// generic events, job id for action events.
func PartitionKey(e *cloudevents.Event) string {
	if cloudevents.ClassOf(e.Type) == cloudevents.ClassAction {
		if jobID, ok := e.Data["job_id"].(string); ok && jobID != "" {
			return jobID
		}
		if jobID, ok := e.Data["jobId"].(string); ok && jobID != "" {
			return jobID
		}
	}
	if e.Branch != "" {
		return e.Branch
	}
	return e.ID
}
