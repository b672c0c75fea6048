package target

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"

	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
)

// NATSConfig configures the message-bus target.
type NATSConfig struct {
	URL        string
	StreamName string

	// SubjectPrefix guards the stream subject space. Defaults to "oms.>".
	SubjectPrefix string
}

// NATSTarget publishes events to NATS JetStream in binary mode. Context
// attributes travel as ce-* headers and the Nats-Msg-Id header carries the
// event id so JetStream deduplicates redeliveries.
type NATSTarget struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	stream string
	logger hclog.Logger
}

// NewNATSTarget connects to the bus and ensures the stream exists.
func NewNATSTarget(cfg NATSConfig, logger hclog.Logger) (*NATSTarget, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.StreamName == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "oms.>"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name("oms-outbox"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message bus: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     cfg.StreamName,
			Subjects: []string{cfg.SubjectPrefix},
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream %q: %w", cfg.StreamName, err)
		}
	}

	return &NATSTarget{
		conn:   conn,
		js:     js,
		stream: cfg.StreamName,
		logger: logger.Named("msg-bus-target"),
	}, nil
}

// Platform implements Target.
func (t *NATSTarget) Platform() Platform { return PlatformMessageBus }

// Publish implements Target.
func (t *NATSTarget) Publish(ctx context.Context, e *cloudevents.Event) error {
	headers, body, err := e.EncodeBinary()
	if err != nil {
		return err
	}

	msg := nats.NewMsg(cloudevents.BusSubject(e))
	msg.Data = body
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set("Nats-Msg-Id", e.ID)

	if _, err := t.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to message bus: %w", err)
	}

	t.logger.Debug("published event",
		"subject", msg.Subject,
		"event_id", e.ID,
		"type", e.Type,
	)
	return nil
}

// HealthCheck implements Target.
func (t *NATSTarget) HealthCheck(ctx context.Context) error {
	if t.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("message bus connection is %s", t.conn.Status())
	}
	if _, err := t.js.StreamInfo(t.stream, nats.Context(ctx)); err != nil {
		return fmt.Errorf("stream %q unavailable: %w", t.stream, err)
	}
	return nil
}

// Close implements Target.
func (t *NATSTarget) Close() {
	t.conn.Close()
}
