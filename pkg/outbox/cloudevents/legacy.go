package cloudevents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UnknownType is the catch-all canonical type for payloads the converter
// cannot classify.
const UnknownType = typePrefix + App + ".system.unknown"

// canonicalTypeRe segments: com.foundry.<app>.<resource>.<action>, all
// lowercase with underscores allowed.
func isCanonicalType(t string) bool {
	if !strings.HasPrefix(t, typePrefix) {
		return false
	}
	parts := strings.Split(t, ".")
	if len(parts) < 5 {
		return false
	}
	for _, p := range parts[2:] {
		if p == "" {
			return false
		}
		for _, r := range p {
			if (r < 'a' || r > 'z') && r != '_' && (r < '0' || r > '9') {
				return false
			}
		}
	}
	return true
}

// NormalizeType rewrites legacy type spellings into the canonical reverse-DNS
// form. "OBJECT_TYPE_CREATED" and "objectType.created" both normalize to
// "com.foundry.oms.objecttype.created".
func NormalizeType(t string) string {
	if t == "" {
		return UnknownType
	}
	if isCanonicalType(t) {
		return t
	}

	s := strings.TrimSpace(t)
	s = strings.TrimPrefix(s, typePrefix+App+".")
	s = strings.TrimPrefix(s, App+".")

	// SCREAMING_SNAKE: last underscore segment is the action.
	if !strings.Contains(s, ".") && strings.Contains(s, "_") {
		lower := strings.ToLower(s)
		if idx := strings.LastIndex(lower, "_"); idx > 0 {
			resource := strings.ReplaceAll(lower[:idx], "_", "")
			action := lower[idx+1:]
			return TypeName(resource, action)
		}
	}

	parts := strings.Split(strings.ToLower(s), ".")
	if len(parts) >= 2 {
		resource := strings.ReplaceAll(parts[len(parts)-2], "_", "")
		resource = strings.ReplaceAll(resource, "-", "")
		action := parts[len(parts)-1]
		return TypeName(resource, action)
	}

	return UnknownType
}

// FromLegacy recognizes the legacy payload shapes that predate CloudEvents
// and normalizes them into the canonical envelope:
//
//  1. bare envelope: already CloudEvents JSON (has "specversion")
//  2. outbox row: {id, type, payload, status, ...}
//  3. custom shape: {event_type, data, ...}
//  4. bus-subject shape: {subject, data, ...}
//
// Anything else falls back to UnknownType with the raw payload as data.
func FromLegacy(raw []byte) (*Event, error) {
	var probe map[string]interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("legacy payload is not JSON: %w", err)
	}

	getString := func(m map[string]interface{}, keys ...string) string {
		for _, k := range keys {
			if v, ok := m[k].(string); ok {
				return v
			}
		}
		return ""
	}

	// Shape 1: bare CloudEvents envelope.
	if getString(probe, "specversion") != "" {
		e, err := DecodeStructured(raw)
		if err != nil {
			return nil, err
		}
		e.Type = NormalizeType(e.Type)
		return e, nil
	}

	// Shape 2: outbox row.
	if _, hasPayload := probe["payload"]; hasPayload && getString(probe, "type") != "" {
		e := New(NormalizeType(getString(probe, "type")), nil)
		if id := getString(probe, "id"); id != "" {
			e.ID = id
		}
		if data, ok := probe["payload"].(map[string]interface{}); ok {
			e.Data = data
		} else {
			e.Data = map[string]interface{}{"payload": probe["payload"]}
		}
		if created := getString(probe, "created_at", "createdAt"); created != "" {
			if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
				e.Time = t
			}
		}
		applyContext(e, probe)
		return e, nil
	}

	// Shape 3: custom event_type + data.
	if et := getString(probe, "event_type", "eventType"); et != "" {
		e := New(NormalizeType(et), nil)
		if data, ok := probe["data"].(map[string]interface{}); ok {
			e.Data = data
		}
		if id := getString(probe, "id", "event_id"); id != "" {
			e.ID = id
		}
		applyContext(e, probe)
		return e, nil
	}

	// Shape 4: bus-subject form, e.g. "oms.objecttype.created.main.Asset".
	if subject := getString(probe, "subject"); subject != "" {
		parts := strings.Split(subject, ".")
		eventType := UnknownType
		if len(parts) >= 3 && parts[0] == App {
			eventType = TypeName(parts[1], parts[2])
		}
		e := New(eventType, nil)
		e.Subject = subject
		if data, ok := probe["data"].(map[string]interface{}); ok {
			e.Data = data
		}
		if len(parts) >= 4 {
			e.Branch = parts[3]
		}
		applyContext(e, probe)
		return e, nil
	}

	// Unknown shape: wrap as-is.
	e := New(UnknownType, probe)
	e.ID = uuid.New().String()
	return e, nil
}

// applyContext lifts recognizable context fields out of a legacy payload.
func applyContext(e *Event, m map[string]interface{}) {
	pick := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := m[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	if v := pick("branch", "ce_branch"); v != "" {
		e.Branch = v
	}
	if v := pick("commit", "commit_hash", "ce_commit"); v != "" {
		e.Commit = v
	}
	if v := pick("author", "ce_author"); v != "" {
		e.Author = v
	}
	if v := pick("correlation_id", "ce_correlationid"); v != "" {
		e.CorrelationID = v
	}
	if v := pick("tenant", "ce_tenant"); v != "" {
		e.Tenant = v
	}
}
