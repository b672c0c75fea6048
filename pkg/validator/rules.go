package validator

import (
	"context"
	"fmt"

	"github.com/foundry-forge/oms/pkg/repository"
)

// Rule inspects a snapshot and reports breaking changes and warnings. Rules
// run concurrently and must not mutate the snapshot.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, snap *Snapshot) (*RuleResult, error)
}

// DefaultRules returns the consolidated rule set in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		PrimaryKeyChangeRule{},
		RequiredFieldRemovalRule{},
		TypeIncompatibilityRule{},
		TypeCompatibilityRule{},
		SharedPropertyChangeRule{},
	}
}

// PrimaryKeyChangeRule flags object types whose primary key property changed
// name or type between the branches.
type PrimaryKeyChangeRule struct{}

func (PrimaryKeyChangeRule) Name() string { return "PrimaryKeyChange" }

func (r PrimaryKeyChangeRule) Evaluate(ctx context.Context, snap *Snapshot) (*RuleResult, error) {
	res := &RuleResult{Rule: r.Name()}
	source := snap.SourceObjectTypes()
	for id, oldOT := range snap.TargetObjectTypes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		newOT, ok := source[id]
		if !ok {
			continue
		}
		oldPK := oldOT.PrimaryKeyProperty()
		newPK := newOT.PrimaryKeyProperty()
		switch {
		case oldPK == nil:
			continue
		case newPK == nil:
			res.BreakingChanges = append(res.BreakingChanges, BreakingChange{
				Rule:        r.Name(),
				Severity:    SeverityCritical,
				EntityType:  repository.TypeObjectType,
				EntityID:    id,
				Field:       oldPK.Name,
				Description: fmt.Sprintf("primary key %q removed from object type %q", oldPK.Name, id),
				OldValue:    oldPK.Name,
			})
		case oldPK.Name != newPK.Name || oldPK.DataTypeID != newPK.DataTypeID:
			res.BreakingChanges = append(res.BreakingChanges, BreakingChange{
				Rule:        r.Name(),
				Severity:    SeverityCritical,
				EntityType:  repository.TypeObjectType,
				EntityID:    id,
				Field:       oldPK.Name,
				Description: fmt.Sprintf("primary key of object type %q changed from %s:%s to %s:%s", id, oldPK.Name, oldPK.DataTypeID, newPK.Name, newPK.DataTypeID),
				OldValue:    oldPK.Name + ":" + oldPK.DataTypeID,
				NewValue:    newPK.Name + ":" + newPK.DataTypeID,
			})
		}
	}
	return res, nil
}

// RequiredFieldRemovalRule flags required properties that exist on the target
// branch but are gone on the source branch.
type RequiredFieldRemovalRule struct{}

func (RequiredFieldRemovalRule) Name() string { return "RequiredFieldRemoval" }

func (r RequiredFieldRemovalRule) Evaluate(ctx context.Context, snap *Snapshot) (*RuleResult, error) {
	res := &RuleResult{Rule: r.Name()}
	source := snap.SourceObjectTypes()
	for id, oldOT := range snap.TargetObjectTypes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		newOT, ok := source[id]
		if !ok {
			continue
		}
		remaining := make(map[string]bool, len(newOT.Properties))
		for _, p := range newOT.Properties {
			remaining[p.Name] = true
		}
		for _, p := range oldOT.Properties {
			if p.Required && !remaining[p.Name] {
				res.BreakingChanges = append(res.BreakingChanges, BreakingChange{
					Rule:        r.Name(),
					Severity:    SeverityHigh,
					EntityType:  repository.TypeObjectType,
					EntityID:    id,
					Field:       p.Name,
					Description: fmt.Sprintf("required property %q removed from object type %q", p.Name, id),
					OldValue:    p.DataTypeID,
				})
			}
		}
	}
	return res, nil
}

// TypeIncompatibilityRule flags property type changes that lose or corrupt
// data, graded by the compatibility matrix.
type TypeIncompatibilityRule struct{}

func (TypeIncompatibilityRule) Name() string { return "TypeIncompatibility" }

func (r TypeIncompatibilityRule) Evaluate(ctx context.Context, snap *Snapshot) (*RuleResult, error) {
	res := &RuleResult{Rule: r.Name()}
	source := snap.SourceObjectTypes()
	for id, oldOT := range snap.TargetObjectTypes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		newOT, ok := source[id]
		if !ok {
			continue
		}
		newProps := make(map[string]repository.Property, len(newOT.Properties))
		for _, p := range newOT.Properties {
			newProps[p.Name] = p
		}
		for _, oldProp := range oldOT.Properties {
			newProp, ok := newProps[oldProp.Name]
			if !ok {
				continue
			}
			class := classifyTypeChange(oldProp.DataTypeID, newProp.DataTypeID)
			if class != compatLossy && class != compatIncompatible {
				continue
			}
			res.BreakingChanges = append(res.BreakingChanges, BreakingChange{
				Rule:        r.Name(),
				Severity:    severityForTypeChange(class),
				EntityType:  repository.TypeObjectType,
				EntityID:    id,
				Field:       oldProp.Name,
				Description: fmt.Sprintf("property %q on object type %q changed type from %q to %q", oldProp.Name, id, oldProp.DataTypeID, newProp.DataTypeID),
				OldValue:    oldProp.DataTypeID,
				NewValue:    newProp.DataTypeID,
			})
		}
	}
	return res, nil
}

// TypeCompatibilityRule surfaces safe widenings as warnings so reviewers see
// every type change even when it cannot break consumers.
type TypeCompatibilityRule struct{}

func (TypeCompatibilityRule) Name() string { return "TypeCompatibility" }

func (r TypeCompatibilityRule) Evaluate(ctx context.Context, snap *Snapshot) (*RuleResult, error) {
	res := &RuleResult{Rule: r.Name()}
	source := snap.SourceObjectTypes()
	for id, oldOT := range snap.TargetObjectTypes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		newOT, ok := source[id]
		if !ok {
			continue
		}
		newProps := make(map[string]repository.Property, len(newOT.Properties))
		for _, p := range newOT.Properties {
			newProps[p.Name] = p
		}
		for _, oldProp := range oldOT.Properties {
			newProp, ok := newProps[oldProp.Name]
			if !ok {
				continue
			}
			if classifyTypeChange(oldProp.DataTypeID, newProp.DataTypeID) == compatWidening {
				res.Warnings = append(res.Warnings, Warning{
					Rule:        r.Name(),
					EntityType:  repository.TypeObjectType,
					EntityID:    id,
					Field:       oldProp.Name,
					Description: fmt.Sprintf("property %q widened from %q to %q; consumers keep working", oldProp.Name, oldProp.DataTypeID, newProp.DataTypeID),
				})
			}
		}
	}
	return res, nil
}

// SharedPropertyChangeRule flags shared properties whose type changed while
// object types still reference them.
type SharedPropertyChangeRule struct{}

func (SharedPropertyChangeRule) Name() string { return "SharedPropertyChange" }

func (r SharedPropertyChangeRule) Evaluate(ctx context.Context, snap *Snapshot) (*RuleResult, error) {
	res := &RuleResult{Rule: r.Name()}
	source := snap.SourceSharedProperties()
	for id, oldSP := range snap.TargetSharedProperties() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		newSP, ok := source[id]
		if !ok || oldSP.DataTypeID == newSP.DataTypeID {
			continue
		}
		holders := snap.SharedPropertyReferenced(id)
		if len(holders) == 0 {
			continue
		}
		res.BreakingChanges = append(res.BreakingChanges, BreakingChange{
			Rule:        r.Name(),
			Severity:    SeverityHigh,
			EntityType:  repository.TypeSharedProperty,
			EntityID:    id,
			Description: fmt.Sprintf("shared property %q changed type from %q to %q while referenced by %d object types", id, oldSP.DataTypeID, newSP.DataTypeID, len(holders)),
			OldValue:    oldSP.DataTypeID,
			NewValue:    newSP.DataTypeID,
		})
	}
	return res, nil
}
