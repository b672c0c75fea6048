// Package cloudevents implements the CloudEvents 1.0 envelope used on the
// wire, in structured (JSON body) and binary (ce-* header) modes, plus the
// type naming and subject derivation rules for the message bus and the cloud
// event bus.
package cloudevents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the only CloudEvents version the service emits or accepts.
const SpecVersion = "1.0"

// DefaultSource identifies this service in emitted events.
const DefaultSource = "//oms.foundry.com/ontology"

// ContentTypeJSON is the only data content type in use.
const ContentTypeJSON = "application/json"

// Event is a CloudEvents 1.0 envelope with the OMS extension attributes.
type Event struct {
	SpecVersion     string                 `json:"specversion"`
	Type            string                 `json:"type"`
	Source          string                 `json:"source"`
	ID              string                 `json:"id"`
	Time            time.Time              `json:"time"`
	DataContentType string                 `json:"datacontenttype"`
	Subject         string                 `json:"subject,omitempty"`
	Data            map[string]interface{} `json:"data"`

	// Extension attributes.
	CorrelationID  string `json:"ce_correlationid,omitempty"`
	CausationID    string `json:"ce_causationid,omitempty"`
	Branch         string `json:"ce_branch,omitempty"`
	Commit         string `json:"ce_commit,omitempty"`
	Author         string `json:"ce_author,omitempty"`
	Tenant         string `json:"ce_tenant,omitempty"`
	TraceParent    string `json:"ce_traceparent,omitempty"`
	SpanID         string `json:"ce_spanid,omitempty"`
	SequenceNumber string `json:"ce_sequencenumber,omitempty"`
}

// New builds an event with generated id and current time.
func New(eventType string, data map[string]interface{}) *Event {
	return &Event{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          DefaultSource,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC(),
		DataContentType: ContentTypeJSON,
		Data:            data,
	}
}

// Validate checks the required context attributes.
func (e *Event) Validate() error {
	if e.SpecVersion != SpecVersion {
		return fmt.Errorf("unsupported specversion %q", e.SpecVersion)
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.Source == "" {
		return fmt.Errorf("event source is required")
	}
	return nil
}

// EncodeStructured serializes the whole event as one JSON body, the mode used
// for HTTP and cloud-bus targets.
func (e *Event) EncodeStructured() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// DecodeStructured parses a structured-mode body.
func DecodeStructured(body []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("failed to decode structured event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// EncodeBinary splits the event into ce-* transport headers and a data body,
// the mode used for message-bus targets. The dedup header carries the event
// id so bus publishers are idempotent.
func (e *Event) EncodeBinary() (map[string]string, []byte, error) {
	if err := e.Validate(); err != nil {
		return nil, nil, err
	}

	headers := map[string]string{
		"ce-specversion": e.SpecVersion,
		"ce-type":        e.Type,
		"ce-source":      e.Source,
		"ce-id":          e.ID,
		"ce-time":        e.Time.UTC().Format(time.RFC3339Nano),
		"content-type":   e.DataContentType,
	}
	if e.Subject != "" {
		headers["ce-subject"] = e.Subject
	}

	setIf := func(key, value string) {
		if value != "" {
			headers[key] = value
		}
	}
	setIf("ce-correlationid", e.CorrelationID)
	setIf("ce-causationid", e.CausationID)
	setIf("ce-branch", e.Branch)
	setIf("ce-commit", e.Commit)
	setIf("ce-author", e.Author)
	setIf("ce-tenant", e.Tenant)
	setIf("ce-traceparent", e.TraceParent)
	setIf("ce-spanid", e.SpanID)
	setIf("ce-sequencenumber", e.SequenceNumber)

	body, err := json.Marshal(e.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return headers, body, nil
}

// DecodeBinary reconstructs an event from ce-* headers and a data body.
func DecodeBinary(headers map[string]string, body []byte) (*Event, error) {
	get := func(key string) string {
		if v, ok := headers[key]; ok {
			return v
		}
		// Header lookup is case-insensitive on most transports.
		for k, v := range headers {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	}

	e := &Event{
		SpecVersion:     get("ce-specversion"),
		Type:            get("ce-type"),
		Source:          get("ce-source"),
		ID:              get("ce-id"),
		Subject:         get("ce-subject"),
		DataContentType: get("content-type"),
		CorrelationID:   get("ce-correlationid"),
		CausationID:     get("ce-causationid"),
		Branch:          get("ce-branch"),
		Commit:          get("ce-commit"),
		Author:          get("ce-author"),
		Tenant:          get("ce-tenant"),
		TraceParent:     get("ce-traceparent"),
		SpanID:          get("ce-spanid"),
		SequenceNumber:  get("ce-sequencenumber"),
	}
	if e.DataContentType == "" {
		e.DataContentType = ContentTypeJSON
	}

	if ts := get("ce-time"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("invalid ce-time %q: %w", ts, err)
		}
		e.Time = t
	}

	if len(body) > 0 {
		if err := json.Unmarshal(body, &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
