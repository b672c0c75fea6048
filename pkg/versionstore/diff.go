package versionstore

import (
	"context"
	"sort"

	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/models"
)

// ResourceChange describes one resource that differs between two branches.
type ResourceChange struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Operation models.ChangeOp        `json:"operation"`
	Base      map[string]interface{} `json:"base,omitempty"`
	Compare   map[string]interface{} `json:"compare,omitempty"`
}

// Diff is the resource-level difference between two branches.
type Diff struct {
	Added    []ResourceChange `json:"added"`
	Modified []ResourceChange `json:"modified"`
	Deleted  []ResourceChange `json:"deleted"`
}

// Empty reports whether the branches hold identical content.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Total returns the number of differing resources.
func (d *Diff) Total() int {
	return len(d.Added) + len(d.Modified) + len(d.Deleted)
}

// CompareBranches computes the resource-level diff from base to compare.
// A resource is modified when its version hash (content excluding audit
// fields) differs.
func (s *Store) CompareBranches(ctx context.Context, base, compare string) (*Diff, error) {
	if _, err := s.GetBranch(ctx, base); err != nil {
		return nil, err
	}
	if _, err := s.GetBranch(ctx, compare); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)

	baseTypes, err := models.DistinctTypes(db, base)
	if err != nil {
		return nil, errcode.Transient("failed to list types", err)
	}
	compareTypes, err := models.DistinctTypes(db, compare)
	if err != nil {
		return nil, errcode.Transient("failed to list types", err)
	}

	typeSet := make(map[string]bool)
	for _, t := range baseTypes {
		typeSet[t] = true
	}
	for _, t := range compareTypes {
		typeSet[t] = true
	}
	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	sort.Strings(types)

	diff := &Diff{}
	for _, typ := range types {
		baseLatest, err := models.LatestVersionsByType(db, typ, base)
		if err != nil {
			return nil, errcode.Transient("failed to read base versions", err)
		}
		compareLatest, err := models.LatestVersionsByType(db, typ, compare)
		if err != nil {
			return nil, errcode.Transient("failed to read compare versions", err)
		}

		ids := make(map[string]bool)
		for id := range baseLatest {
			ids[id] = true
		}
		for id := range compareLatest {
			ids[id] = true
		}
		ordered := make([]string, 0, len(ids))
		for id := range ids {
			ordered = append(ordered, id)
		}
		sort.Strings(ordered)

		for _, id := range ordered {
			baseRow, inBase := baseLatest[id]
			compareRow, inCompare := compareLatest[id]

			baseLive := inBase && !baseRow.IsTombstone()
			compareLive := inCompare && !compareRow.IsTombstone()

			switch {
			case !baseLive && compareLive:
				doc, err := compareRow.Document()
				if err != nil {
					return nil, errcode.Fatal("corrupt document content", err)
				}
				diff.Added = append(diff.Added, ResourceChange{
					Type: typ, ID: id, Operation: models.ChangeOpCreate, Compare: doc,
				})
			case baseLive && !compareLive:
				doc, err := baseRow.Document()
				if err != nil {
					return nil, errcode.Fatal("corrupt document content", err)
				}
				diff.Deleted = append(diff.Deleted, ResourceChange{
					Type: typ, ID: id, Operation: models.ChangeOpDelete, Base: doc,
				})
			case baseLive && compareLive:
				if baseRow.VersionHash == compareRow.VersionHash {
					continue
				}
				baseDoc, err := baseRow.Document()
				if err != nil {
					return nil, errcode.Fatal("corrupt document content", err)
				}
				compareDoc, err := compareRow.Document()
				if err != nil {
					return nil, errcode.Fatal("corrupt document content", err)
				}
				diff.Modified = append(diff.Modified, ResourceChange{
					Type: typ, ID: id, Operation: models.ChangeOpUpdate,
					Base: baseDoc, Compare: compareDoc,
				})
			}
		}
	}

	return diff, nil
}
