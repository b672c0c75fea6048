// Package merge implements three-way, field-level reconciliation of schema
// documents. The engine is pure: it never reads the store and never treats a
// conflict as an error. Conflicts are values the caller resolves or surfaces.
package merge

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/foundry-forge/oms/pkg/models"
)

// Document is a schema document's content map.
type Document = map[string]interface{}

// ConflictKind classifies a resource-level conflict.
type ConflictKind string

const (
	ConflictAddAdd       ConflictKind = "ADD_ADD"
	ConflictModifyModify ConflictKind = "MODIFY_MODIFY"
	ConflictDeleteModify ConflictKind = "DELETE_MODIFY"
	ConflictModifyDelete ConflictKind = "MODIFY_DELETE"
)

// FieldConflict records a field that changed differently on both sides.
type FieldConflict struct {
	Field  string      `json:"field"`
	Base   interface{} `json:"base,omitempty"`
	Source interface{} `json:"source,omitempty"`
	Target interface{} `json:"target,omitempty"`
}

// Conflict records a resource the engine could not merge automatically.
type Conflict struct {
	ResourceID     string          `json:"resourceId"`
	Kind           ConflictKind    `json:"kind"`
	Base           Document        `json:"base,omitempty"`
	Source         Document        `json:"source,omitempty"`
	Target         Document        `json:"target,omitempty"`
	FieldConflicts []FieldConflict `json:"fieldConflicts,omitempty"`
}

// Stats summarizes what the engine decided per resource.
type Stats struct {
	Total       int `json:"total"`
	TookSource  int `json:"tookSource"`
	TookTarget  int `json:"tookTarget"`
	KeptBase    int `json:"keptBase"`
	Deleted     int `json:"deleted"`
	FieldMerged int `json:"fieldMerged"`
	Conflicted  int `json:"conflicted"`
	Resolved    int `json:"resolved"`
}

// Result is the outcome of a three-way merge. Merged holds the winning
// document per live resource id; deleted resources are simply absent.
type Result struct {
	Merged    map[string]Document `json:"merged"`
	Conflicts []Conflict          `json:"conflicts"`
	Stats     Stats               `json:"stats"`
}

// Clean reports whether the merge completed without unresolved conflicts.
func (r *Result) Clean() bool {
	return len(r.Conflicts) == 0
}

// Merge reconciles source and target against their common base. Each input
// maps resource id to document; absent means the resource does not exist on
// that side. Resolutions supply caller-chosen winners for conflicting ids; a
// nil resolution document resolves a conflict as a delete.
func Merge(base, source, target map[string]Document, resolutions map[string]Document) *Result {
	result := &Result{Merged: make(map[string]Document)}

	ids := make(map[string]bool)
	for id := range base {
		ids[id] = true
	}
	for id := range source {
		ids[id] = true
	}
	for id := range target {
		ids[id] = true
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	for _, id := range ordered {
		result.Stats.Total++
		b, inBase := base[id]
		s, inSource := source[id]
		t, inTarget := target[id]

		mergeResource(result, id, b, s, t, inBase, inSource, inTarget)
	}

	// Apply caller-supplied resolutions last so they win over whatever the
	// matrix produced.
	if len(resolutions) > 0 {
		remaining := result.Conflicts[:0]
		for _, c := range result.Conflicts {
			resolution, ok := resolutions[c.ResourceID]
			if !ok {
				remaining = append(remaining, c)
				continue
			}
			result.Stats.Resolved++
			result.Stats.Conflicted--
			if resolution == nil {
				delete(result.Merged, c.ResourceID)
			} else {
				result.Merged[c.ResourceID] = resolution
			}
		}
		result.Conflicts = remaining
	}

	return result
}

// mergeResource applies the presence-matrix dispatch for one resource.
func mergeResource(result *Result, id string, b, s, t Document, inBase, inSource, inTarget bool) {
	switch {
	case !inBase && inSource && !inTarget:
		result.Merged[id] = s
		result.Stats.TookSource++

	case !inBase && !inSource && inTarget:
		result.Merged[id] = t
		result.Stats.TookTarget++

	case !inBase && inSource && inTarget:
		if equalDocs(s, t) {
			result.Merged[id] = s
			result.Stats.TookSource++
			return
		}
		result.Conflicts = append(result.Conflicts, Conflict{
			ResourceID: id, Kind: ConflictAddAdd, Source: s, Target: t,
		})
		result.Stats.Conflicted++

	case inBase && !inSource && !inTarget:
		result.Stats.Deleted++

	case inBase && !inSource && inTarget:
		if equalDocs(b, t) {
			// Target untouched; accept source's deletion.
			result.Stats.Deleted++
			return
		}
		result.Conflicts = append(result.Conflicts, Conflict{
			ResourceID: id, Kind: ConflictDeleteModify, Base: b, Target: t,
		})
		result.Stats.Conflicted++

	case inBase && inSource && !inTarget:
		if equalDocs(b, s) {
			result.Stats.Deleted++
			return
		}
		result.Conflicts = append(result.Conflicts, Conflict{
			ResourceID: id, Kind: ConflictModifyDelete, Base: b, Source: s,
		})
		result.Stats.Conflicted++

	default: // present on all three sides
		sourceChanged := !equalDocs(b, s)
		targetChanged := !equalDocs(b, t)

		switch {
		case !sourceChanged && !targetChanged:
			result.Merged[id] = b
			result.Stats.KeptBase++
		case sourceChanged && !targetChanged:
			result.Merged[id] = s
			result.Stats.TookSource++
		case !sourceChanged && targetChanged:
			result.Merged[id] = t
			result.Stats.TookTarget++
		case equalDocs(s, t):
			result.Merged[id] = s
			result.Stats.TookSource++
		default:
			merged, fieldConflicts := mergeFields(b, s, t)
			if len(fieldConflicts) > 0 {
				result.Conflicts = append(result.Conflicts, Conflict{
					ResourceID: id, Kind: ConflictModifyModify,
					Base: b, Source: s, Target: t,
					FieldConflicts: fieldConflicts,
				})
				result.Stats.Conflicted++
				return
			}
			result.Merged[id] = merged
			result.Stats.FieldMerged++
		}
	}
}

// mergeFields applies the same three-way matrix per field. The "properties"
// list merges element-wise by name; every other field is atomic.
func mergeFields(base, source, target Document) (Document, []FieldConflict) {
	merged := make(Document)
	var conflicts []FieldConflict

	fields := make(map[string]bool)
	for k := range base {
		fields[k] = true
	}
	for k := range source {
		fields[k] = true
	}
	for k := range target {
		fields[k] = true
	}
	ordered := make([]string, 0, len(fields))
	for k := range fields {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, field := range ordered {
		if isSystemField(field) {
			// Audit fields never conflict; the commit rewrites them.
			continue
		}

		b, inBase := base[field]
		s, inSource := source[field]
		t, inTarget := target[field]

		if field == "properties" {
			mergedProps, propConflicts := mergePropertyLists(b, s, t)
			if len(propConflicts) > 0 {
				conflicts = append(conflicts, propConflicts...)
				continue
			}
			if mergedProps != nil {
				merged[field] = mergedProps
			}
			continue
		}

		value, ok, conflict := mergeValue(b, s, t, inBase, inSource, inTarget)
		if conflict {
			conflicts = append(conflicts, FieldConflict{Field: field, Base: b, Source: s, Target: t})
			continue
		}
		if ok {
			merged[field] = value
		}
	}

	return merged, conflicts
}

// mergeValue applies the presence matrix to a single field value. ok=false
// means the field ends up absent (deleted on the winning side).
func mergeValue(b, s, t interface{}, inBase, inSource, inTarget bool) (value interface{}, ok bool, conflict bool) {
	switch {
	case !inBase && inSource && !inTarget:
		return s, true, false
	case !inBase && !inSource && inTarget:
		return t, true, false
	case !inBase && inSource && inTarget:
		if equalValues(s, t) {
			return s, true, false
		}
		return nil, false, true
	case inBase && !inSource && !inTarget:
		return nil, false, false
	case inBase && !inSource && inTarget:
		if equalValues(b, t) {
			return nil, false, false
		}
		return nil, false, true
	case inBase && inSource && !inTarget:
		if equalValues(b, s) {
			return nil, false, false
		}
		return nil, false, true
	default:
		sourceChanged := !equalValues(b, s)
		targetChanged := !equalValues(b, t)
		switch {
		case !sourceChanged && !targetChanged:
			return b, true, false
		case sourceChanged && !targetChanged:
			return s, true, false
		case !sourceChanged && targetChanged:
			return t, true, false
		case equalValues(s, t):
			return s, true, false
		default:
			return nil, false, true
		}
	}
}

// mergePropertyLists merges the "properties" array by indexing both sides by
// the item's name and merging each item as a sub-resource.
func mergePropertyLists(b, s, t interface{}) ([]interface{}, []FieldConflict) {
	baseItems := indexByName(b)
	sourceItems := indexByName(s)
	targetItems := indexByName(t)

	names := make(map[string]bool)
	for n := range baseItems {
		names[n] = true
	}
	for n := range sourceItems {
		names[n] = true
	}
	for n := range targetItems {
		names[n] = true
	}
	ordered := make([]string, 0, len(names))
	for n := range names {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)

	sub := Merge(baseItems, sourceItems, targetItems, nil)

	var conflicts []FieldConflict
	for _, c := range sub.Conflicts {
		conflicts = append(conflicts, FieldConflict{
			Field:  "properties." + c.ResourceID,
			Base:   c.Base,
			Source: c.Source,
			Target: c.Target,
		})
	}
	if len(conflicts) > 0 {
		return nil, conflicts
	}

	out := make([]interface{}, 0, len(sub.Merged))
	for _, n := range ordered {
		doc, ok := sub.Merged[n]
		if !ok {
			continue
		}
		if item, wrapped := doc[scalarItemKey]; wrapped && len(doc) == 1 {
			out = append(out, item)
			continue
		}
		out = append(out, map[string]interface{}(doc))
	}
	return out, nil
}

// scalarItemKey wraps non-map list items during indexing so they survive the
// sub-merge and re-emit unchanged.
const scalarItemKey = "_scalar"

// indexByName converts a properties list into a map keyed by item name.
// Unnamed items keep positional keys and non-map items are wrapped, so
// nothing is dropped.
func indexByName(v interface{}) map[string]Document {
	out := make(map[string]Document)
	list, ok := v.([]interface{})
	if !ok {
		return out
	}
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			out["#"+strconv.Itoa(i)] = Document{scalarItemKey: item}
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			name = "#" + strconv.Itoa(i)
		}
		out[name] = m
	}
	return out
}

// equalDocs compares documents ignoring audit fields and "@"-system keys.
func equalDocs(a, b Document) bool {
	return equalValues(models.FilterAuditFields(a), models.FilterAuditFields(b))
}

// equalValues compares two JSON-shaped values structurally. encoding/json
// renders map keys in sorted order, so byte equality is structural equality.
func equalValues(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

func isSystemField(field string) bool {
	switch field {
	case "createdAt", "createdBy", "modifiedAt", "modifiedBy", "versionHash":
		return true
	}
	return len(field) > 0 && field[0] == '@'
}
