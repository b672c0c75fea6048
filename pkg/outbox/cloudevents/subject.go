package cloudevents

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/iancoleman/strcase"
)

// App is the application segment of every canonical event type.
const App = "oms"

// typePrefix is the reverse-DNS prefix of canonical types.
const typePrefix = "com.foundry."

// Class groups event types for routing.
type Class string

const (
	ClassSchema Class = "schema"
	ClassBranch Class = "branch"
	ClassAction Class = "action"
	ClassSystem Class = "system"
	ClassOther  Class = "other"
)

// schemaResources are the resource segments that belong to the schema class.
var schemaResources = map[string]bool{
	"objecttype":     true,
	"property":       true,
	"linktype":       true,
	"interface":      true,
	"sharedproperty": true,
	"actiontype":     true,
	"functiontype":   true,
	"datatype":       true,
	"schema":         true,
}

// TypeName builds the canonical reverse-DNS type for a resource and action,
// e.g. TypeName("objecttype", "created") == "com.foundry.oms.objecttype.created".
func TypeName(resource, action string) string {
	return fmt.Sprintf("%s%s.%s.%s", typePrefix, App, resource, action)
}

// SplitType returns the resource and action segments of a canonical type.
func SplitType(eventType string) (resource, action string) {
	parts := strings.Split(eventType, ".")
	if len(parts) < 2 {
		return eventType, ""
	}
	return parts[len(parts)-2], parts[len(parts)-1]
}

// ClassOf maps a canonical type to its routing class.
func ClassOf(eventType string) Class {
	resource, _ := SplitType(eventType)
	switch {
	case schemaResources[resource]:
		return ClassSchema
	case resource == "branch" || resource == "proposal":
		return ClassBranch
	case resource == "action" || resource == "job":
		return ClassAction
	case resource == "system" || resource == "outbox":
		return ClassSystem
	}
	return ClassOther
}

// MatchType matches a segment-wildcard pattern against a type. "*" matches
// exactly one segment; a trailing "*" also matches any remaining segments, so
// "*" alone is the catch-all. Patterns are matched right-anchored against the
// type so "*.schema.*" matches both the class form and full canonical types.
func MatchType(pattern, eventType string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	pparts := strings.Split(pattern, ".")
	tparts := strings.Split(eventType, ".")

	// Right-align: compare the trailing len(pparts) segments.
	if len(tparts) < len(pparts) {
		return false
	}
	offset := len(tparts) - len(pparts)
	for i, pp := range pparts {
		if pp == "*" {
			continue
		}
		if pp != tparts[offset+i] {
			return false
		}
	}
	return true
}

// BusSubject derives the message-bus subject for an event in binary mode.
// The reverse-DNS prefix is stripped and routing parameters are appended by
// resource class:
//
//	schema: .{branch}.{resourceId}
//	branch: .{branchName}
//	action: .{jobId}
//	other:  .{branch}
func BusSubject(e *Event) string {
	base := strings.TrimPrefix(e.Type, typePrefix)

	part := func(v string) string {
		if v == "" {
			return "_"
		}
		// Subject segments cannot contain separators.
		return strings.ReplaceAll(strings.ReplaceAll(v, ".", "-"), "/", "-")
	}

	dataString := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := e.Data[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	switch ClassOf(e.Type) {
	case ClassSchema:
		return fmt.Sprintf("%s.%s.%s", base, part(e.Branch), part(dataString("resource_id", "resourceId", "entity_id")))
	case ClassBranch:
		return fmt.Sprintf("%s.%s", base, part(dataString("branch_name", "branchName", "branch")))
	case ClassAction:
		return fmt.Sprintf("%s.%s", base, part(dataString("job_id", "jobId")))
	default:
		return fmt.Sprintf("%s.%s", base, part(e.Branch))
	}
}

// CloudBusDetail is the Detail document published to the cloud event bus.
type CloudBusDetail struct {
	CloudEvents map[string]interface{} `json:"cloudEvents"`
	OMSContext  map[string]string      `json:"omsContext"`
	Converter   map[string]string      `json:"converter"`
}

// CloudBusEntry is a converted event ready for the cloud bus.
type CloudBusEntry struct {
	Source     string
	DetailType string
	Detail     CloudBusDetail
}

// ToCloudBus converts an event into the cloud-bus shape: Source from the
// event source URI, DetailType as "{Resource} {Action}" title-cased, Detail
// wrapping the full envelope plus the ce_* context.
func ToCloudBus(e *Event) (*CloudBusEntry, error) {
	resource, action := SplitType(e.Type)

	source := App
	if u, err := url.Parse(e.Source); err == nil {
		var parts []string
		if u.Host != "" {
			parts = append(parts, strings.Split(u.Host, ".")...)
		}
		for _, p := range strings.Split(u.Path, "/") {
			if p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			source = App + "." + strings.Join(parts, ".")
		}
	}

	envelope := map[string]interface{}{
		"specversion":     e.SpecVersion,
		"type":            e.Type,
		"source":          e.Source,
		"id":              e.ID,
		"time":            e.Time.UTC(),
		"datacontenttype": e.DataContentType,
		"data":            e.Data,
	}
	if e.Subject != "" {
		envelope["subject"] = e.Subject
	}

	context := map[string]string{}
	setIf := func(k, v string) {
		if v != "" {
			context[k] = v
		}
	}
	setIf("ce_correlationid", e.CorrelationID)
	setIf("ce_causationid", e.CausationID)
	setIf("ce_branch", e.Branch)
	setIf("ce_commit", e.Commit)
	setIf("ce_author", e.Author)
	setIf("ce_tenant", e.Tenant)
	setIf("ce_traceparent", e.TraceParent)
	setIf("ce_spanid", e.SpanID)
	setIf("ce_sequencenumber", e.SequenceNumber)

	return &CloudBusEntry{
		Source:     source,
		DetailType: fmt.Sprintf("%s %s", strcase.ToCamel(resource), strcase.ToCamel(action)),
		Detail: CloudBusDetail{
			CloudEvents: envelope,
			OMSContext:  context,
			Converter: map[string]string{
				"name":    "oms-cloudbus-converter",
				"version": "1",
			},
		},
	}, nil
}
