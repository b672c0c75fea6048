package validator

import (
	"context"

	"github.com/foundry-forge/oms/pkg/repository"
	"github.com/foundry-forge/oms/pkg/versionstore"
)

// Snapshot holds the live documents of both branches for the entity types the
// rules inspect. Rules read it concurrently; it is immutable once built.
type Snapshot struct {
	SourceBranch string
	TargetBranch string

	// Source and Target map entity type to id to document.
	Source map[string]map[string]map[string]interface{}
	Target map[string]map[string]map[string]interface{}
}

// snapshotTypes are the entity types the rule set inspects.
var snapshotTypes = []string{
	repository.TypeObjectType,
	repository.TypeProperty,
	repository.TypeSharedProperty,
	repository.TypeDataType,
}

// BuildSnapshot loads both branches' live documents.
func BuildSnapshot(ctx context.Context, store *versionstore.Store, sourceBranch, targetBranch string) (*Snapshot, error) {
	snap := &Snapshot{
		SourceBranch: sourceBranch,
		TargetBranch: targetBranch,
		Source:       make(map[string]map[string]map[string]interface{}, len(snapshotTypes)),
		Target:       make(map[string]map[string]map[string]interface{}, len(snapshotTypes)),
	}
	for _, typ := range snapshotTypes {
		src, err := store.BranchDocuments(ctx, typ, sourceBranch)
		if err != nil {
			return nil, err
		}
		tgt, err := store.BranchDocuments(ctx, typ, targetBranch)
		if err != nil {
			return nil, err
		}
		snap.Source[typ] = src
		snap.Target[typ] = tgt
	}
	return snap, nil
}

// SourceObjectTypes decodes the source branch object types.
func (s *Snapshot) SourceObjectTypes() map[string]*repository.ObjectType {
	return decodeObjectTypes(s.Source[repository.TypeObjectType])
}

// TargetObjectTypes decodes the target branch object types.
func (s *Snapshot) TargetObjectTypes() map[string]*repository.ObjectType {
	return decodeObjectTypes(s.Target[repository.TypeObjectType])
}

func decodeObjectTypes(docs map[string]map[string]interface{}) map[string]*repository.ObjectType {
	out := make(map[string]*repository.ObjectType, len(docs))
	for id, doc := range docs {
		var ot repository.ObjectType
		if err := repository.FromDocument(doc, &ot); err == nil {
			out[id] = &ot
		}
	}
	return out
}

// SourceSharedProperties decodes the source branch shared properties.
func (s *Snapshot) SourceSharedProperties() map[string]*repository.SharedProperty {
	return decodeSharedProperties(s.Source[repository.TypeSharedProperty])
}

// TargetSharedProperties decodes the target branch shared properties.
func (s *Snapshot) TargetSharedProperties() map[string]*repository.SharedProperty {
	return decodeSharedProperties(s.Target[repository.TypeSharedProperty])
}

func decodeSharedProperties(docs map[string]map[string]interface{}) map[string]*repository.SharedProperty {
	out := make(map[string]*repository.SharedProperty, len(docs))
	for id, doc := range docs {
		var sp repository.SharedProperty
		if err := repository.FromDocument(doc, &sp); err == nil {
			out[id] = &sp
		}
	}
	return out
}

// SharedPropertyReferenced reports whether any source object type carries a
// property referencing the shared property.
func (s *Snapshot) SharedPropertyReferenced(sharedID string) []string {
	var holders []string
	for id, ot := range s.SourceObjectTypes() {
		for _, p := range ot.Properties {
			if p.SharedPropertyID == sharedID {
				holders = append(holders, id)
				break
			}
		}
	}
	return holders
}
