package target

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/hashicorp/go-hclog"

	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
)

// EventBridgeConfig configures the cloud-bus target.
type EventBridgeConfig struct {
	BusName string
	Region  string
}

// EventBridgeTarget publishes events to the cloud event bus in structured
// mode: the full envelope plus ce_* context inside the Detail document.
type EventBridgeTarget struct {
	client  *eventbridge.Client
	busName string
	logger  hclog.Logger
}

// NewEventBridgeTarget loads AWS configuration and builds the target.
func NewEventBridgeTarget(ctx context.Context, cfg EventBridgeConfig, logger hclog.Logger) (*EventBridgeTarget, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.BusName == "" {
		return nil, fmt.Errorf("cloud bus name is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &EventBridgeTarget{
		client:  eventbridge.NewFromConfig(awsCfg),
		busName: cfg.BusName,
		logger:  logger.Named("cloud-bus-target"),
	}, nil
}

// Platform implements Target.
func (t *EventBridgeTarget) Platform() Platform { return PlatformCloudBus }

// Publish implements Target.
func (t *EventBridgeTarget) Publish(ctx context.Context, e *cloudevents.Event) error {
	entry, err := cloudevents.ToCloudBus(e)
	if err != nil {
		return err
	}

	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal detail: %w", err)
	}

	out, err := t.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{
			{
				EventBusName: aws.String(t.busName),
				Source:       aws.String(entry.Source),
				DetailType:   aws.String(entry.DetailType),
				Detail:       aws.String(string(detail)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to cloud bus: %w", err)
	}
	if out.FailedEntryCount > 0 {
		msg := "unknown"
		if len(out.Entries) > 0 && out.Entries[0].ErrorMessage != nil {
			msg = *out.Entries[0].ErrorMessage
		}
		return fmt.Errorf("cloud bus rejected event %s: %s", e.ID, msg)
	}

	t.logger.Debug("published event",
		"bus", t.busName,
		"event_id", e.ID,
		"detail_type", entry.DetailType,
	)
	return nil
}

// HealthCheck implements Target.
func (t *EventBridgeTarget) HealthCheck(ctx context.Context) error {
	_, err := t.client.DescribeEventBus(ctx, &eventbridge.DescribeEventBusInput{
		Name: aws.String(t.busName),
	})
	if err != nil {
		return fmt.Errorf("cloud bus %q unavailable: %w", t.busName, err)
	}
	return nil
}

// Close implements Target.
func (t *EventBridgeTarget) Close() {}
