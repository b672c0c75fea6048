package repository

import (
	"context"
	"fmt"

	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/versionstore"
)

// validateEntity runs per-entity field rules plus the cross-entity checks
// that need branch reads (endpoint existence, parent cycles).
func (r *Repository) validateEntity(ctx context.Context, tx *versionstore.Tx, entityType string, doc map[string]interface{}) error {
	fieldErr := func(err error) error {
		return errcode.ValidationFailed(err.Error(), map[string]string{entityType: err.Error()})
	}

	switch entityType {
	case TypeObjectType:
		var entity ObjectType
		if err := FromDocument(doc, &entity); err != nil {
			return fieldErr(err)
		}
		if err := entity.Validate(); err != nil {
			return fieldErr(err)
		}
		for _, iface := range entity.Implements {
			existing, err := tx.GetDocument(ctx, TypeInterface, iface)
			if err != nil {
				return err
			}
			if existing == nil {
				return fieldErr(fmt.Errorf("implemented interface %q does not exist", iface))
			}
		}
		for _, p := range entity.Properties {
			if p.SharedPropertyID == "" {
				continue
			}
			existing, err := tx.GetDocument(ctx, TypeSharedProperty, p.SharedPropertyID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fieldErr(fmt.Errorf("property %q references unknown shared property %q", p.Name, p.SharedPropertyID))
			}
		}

	case TypeLinkType:
		var entity LinkType
		if err := FromDocument(doc, &entity); err != nil {
			return fieldErr(err)
		}
		if err := entity.Validate(); err != nil {
			return fieldErr(err)
		}
		for _, endpoint := range []string{entity.SourceObjectType, entity.TargetObjectType} {
			existing, err := tx.GetDocument(ctx, TypeObjectType, endpoint)
			if err != nil {
				return err
			}
			if existing == nil {
				return fieldErr(fmt.Errorf("endpoint object type %q does not exist", endpoint))
			}
		}

	case TypeInterface:
		var entity Interface
		if err := FromDocument(doc, &entity); err != nil {
			return fieldErr(err)
		}
		if err := entity.Validate(); err != nil {
			return fieldErr(err)
		}
		for _, parent := range entity.Parents {
			existing, err := tx.GetDocument(ctx, TypeInterface, parent)
			if err != nil {
				return err
			}
			if existing == nil {
				return fieldErr(fmt.Errorf("parent interface %q does not exist", parent))
			}
		}
		if err := r.checkInterfaceCycle(ctx, tx, entity.Name, entity.Parents); err != nil {
			return err
		}

	case TypeSharedProperty:
		var entity SharedProperty
		if err := FromDocument(doc, &entity); err != nil {
			return fieldErr(err)
		}
		if err := entity.Validate(); err != nil {
			return fieldErr(err)
		}

	case TypeActionType:
		var entity ActionType
		if err := FromDocument(doc, &entity); err != nil {
			return fieldErr(err)
		}
		if err := entity.Validate(); err != nil {
			return fieldErr(err)
		}
		for _, ref := range entity.References {
			existing, err := tx.GetDocument(ctx, TypeActionType, ref)
			if err != nil {
				return err
			}
			if existing == nil {
				return fieldErr(fmt.Errorf("referenced action %q does not exist", ref))
			}
		}

	case TypeFunctionType:
		var entity FunctionType
		if err := FromDocument(doc, &entity); err != nil {
			return fieldErr(err)
		}
		if err := entity.Validate(); err != nil {
			return fieldErr(err)
		}

	case TypeDataType:
		var entity DataType
		if err := FromDocument(doc, &entity); err != nil {
			return fieldErr(err)
		}
		if err := entity.Validate(); err != nil {
			return fieldErr(err)
		}

	case TypeProperty:
		var entity Property
		if err := FromDocument(doc, &entity); err != nil {
			return fieldErr(err)
		}
		if err := entity.Validate(); err != nil {
			return fieldErr(err)
		}

	default:
		return errcode.ValidationFailed("unknown entity type", map[string]string{
			"entityType": fmt.Sprintf("unknown type %q", entityType),
		})
	}

	return nil
}

// checkInterfaceCycle walks the parent DAG from the candidate's parents and
// fails when the walk reaches the candidate again. Iterative with a visited
// set; staged writes in tx are observed.
func (r *Repository) checkInterfaceCycle(ctx context.Context, tx *versionstore.Tx, name string, parents []string) error {
	visited := make(map[string]bool)
	queue := append([]string{}, parents...)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == name {
			return errcode.ValidationFailed("interface parent cycle", map[string]string{
				"parents": fmt.Sprintf("interface %q reaches itself through its parents", name),
			})
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		doc, err := tx.GetDocument(ctx, TypeInterface, current)
		if err != nil {
			return err
		}
		if doc == nil {
			continue
		}
		var iface Interface
		if err := FromDocument(doc, &iface); err != nil {
			return errcode.Fatal("corrupt interface document", err)
		}
		queue = append(queue, iface.Parents...)
	}
	return nil
}

// checkDeleteIntegrity blocks deletes that would break references from other
// live entities on the branch.
func (r *Repository) checkDeleteIntegrity(ctx context.Context, tx *versionstore.Tx, entityType, id string) error {
	switch entityType {
	case TypeInterface:
		objectTypes, err := r.store.BranchDocuments(ctx, TypeObjectType, tx.Branch())
		if err != nil {
			return err
		}
		for name, doc := range objectTypes {
			var entity ObjectType
			if err := FromDocument(doc, &entity); err != nil {
				continue
			}
			for _, iface := range entity.Implements {
				if iface == id {
					return errcode.InUse("interface %q is implemented by object type %q", id, name)
				}
			}
		}
		interfaces, err := r.store.BranchDocuments(ctx, TypeInterface, tx.Branch())
		if err != nil {
			return err
		}
		for name, doc := range interfaces {
			if name == id {
				continue
			}
			var entity Interface
			if err := FromDocument(doc, &entity); err != nil {
				continue
			}
			for _, parent := range entity.Parents {
				if parent == id {
					return errcode.InUse("interface %q is a parent of interface %q", id, name)
				}
			}
		}

	case TypeSharedProperty:
		objectTypes, err := r.store.BranchDocuments(ctx, TypeObjectType, tx.Branch())
		if err != nil {
			return err
		}
		for name, doc := range objectTypes {
			var entity ObjectType
			if err := FromDocument(doc, &entity); err != nil {
				continue
			}
			for _, p := range entity.Properties {
				if p.SharedPropertyID == id {
					return errcode.InUse("shared property %q is referenced by property %q of %q", id, p.Name, name)
				}
			}
		}

	case TypeObjectType:
		linkTypes, err := r.store.BranchDocuments(ctx, TypeLinkType, tx.Branch())
		if err != nil {
			return err
		}
		for name, doc := range linkTypes {
			var entity LinkType
			if err := FromDocument(doc, &entity); err != nil {
				continue
			}
			if entity.SourceObjectType == id || entity.TargetObjectType == id {
				return errcode.InUse("object type %q is an endpoint of link type %q", id, name)
			}
		}

	case TypeActionType:
		actions, err := r.store.BranchDocuments(ctx, TypeActionType, tx.Branch())
		if err != nil {
			return err
		}
		for name, doc := range actions {
			if name == id {
				continue
			}
			var entity ActionType
			if err := FromDocument(doc, &entity); err != nil {
				continue
			}
			for _, ref := range entity.References {
				if ref == id {
					return errcode.InUse("action type %q is referenced by %q", id, name)
				}
			}
		}

	case TypeDataType:
		objectTypes, err := r.store.BranchDocuments(ctx, TypeObjectType, tx.Branch())
		if err != nil {
			return err
		}
		for name, doc := range objectTypes {
			var entity ObjectType
			if err := FromDocument(doc, &entity); err != nil {
				continue
			}
			for _, p := range entity.Properties {
				if p.DataTypeID == id {
					return errcode.InUse("data type %q is used by property %q of %q", id, p.Name, name)
				}
			}
		}
	}
	return nil
}
