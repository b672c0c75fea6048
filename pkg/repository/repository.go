package repository

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/versionstore"
)

// Repository provides branch-scoped typed CRUD over schema documents. Writes
// are staged into a caller-owned version store transaction so one API call
// materializes as exactly one commit.
type Repository struct {
	store  *versionstore.Store
	logger hclog.Logger
}

// New creates a Repository.
func New(store *versionstore.Store, logger hclog.Logger) *Repository {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Repository{
		store:  store,
		logger: logger.Named("repository"),
	}
}

// Store returns the underlying version store.
func (r *Repository) Store() *versionstore.Store {
	return r.store
}

// Page is one page of a filtered listing.
type Page struct {
	Items  []map[string]interface{} `json:"items"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// ListFilters narrows a listing. Zero values mean no filtering.
type ListFilters struct {
	Status    string
	TypeClass string
	Tags      []string
}

// Get reads the current, non-tombstoned document for a key.
func (r *Repository) Get(ctx context.Context, branch, entityType, id string) (map[string]interface{}, error) {
	doc, _, err := r.store.GetDocument(ctx, entityType, id, branch, nil)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errcode.NotFound("%s %q not found on %s", entityType, id, branch)
	}
	return doc, nil
}

// List returns live documents of one type ordered by name, filtered and
// paginated. Ordering is deterministic so pagination is stable.
func (r *Repository) List(ctx context.Context, branch, entityType string, filters ListFilters, limit, offset int) (*Page, error) {
	docs, err := r.store.BranchDocuments(ctx, entityType, branch)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	var filtered []map[string]interface{}
	for _, name := range names {
		doc := docs[name]
		if filters.Status != "" {
			if status, _ := doc["status"].(string); status != filters.Status {
				continue
			}
		}
		if filters.TypeClass != "" {
			if tc, _ := doc["typeClass"].(string); tc != filters.TypeClass {
				continue
			}
		}
		if len(filters.Tags) > 0 && !hasAllTags(doc, filters.Tags) {
			continue
		}
		filtered = append(filtered, doc)
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	return &Page{
		Items:  filtered[offset:end],
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// ApplyCreate validates and stages a create into tx. The document gains audit
// fields and a default status. Fails with AlreadyExists when the key is live
// on the branch.
func (r *Repository) ApplyCreate(ctx context.Context, tx *versionstore.Tx, entityType string, doc map[string]interface{}, author string) (map[string]interface{}, error) {
	name, _ := doc["name"].(string)
	if name == "" {
		return nil, errcode.ValidationFailed("missing name", map[string]string{"name": "required"})
	}

	existing, err := tx.GetDocument(ctx, entityType, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errcode.AlreadyExists("%s %q already exists on %s", entityType, name, tx.Branch())
	}

	if err := r.validateEntity(ctx, tx, entityType, doc); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	stamped := make(map[string]interface{}, len(doc)+5)
	for k, v := range doc {
		stamped[k] = v
	}
	if _, ok := stamped["status"]; !ok {
		stamped["status"] = StatusActive
	}
	stamped["createdAt"] = now
	stamped["createdBy"] = author
	stamped["modifiedAt"] = now
	stamped["modifiedBy"] = author

	tx.InsertDocument(entityType, name, stamped)
	return stamped, nil
}

// ApplyUpdate validates and stages a sparse update: unchanged fields are
// retained from the current document.
func (r *Repository) ApplyUpdate(ctx context.Context, tx *versionstore.Tx, entityType, id string, patch map[string]interface{}, author string) (map[string]interface{}, error) {
	current, err := tx.GetDocument(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errcode.NotFound("%s %q not found on %s", entityType, id, tx.Branch())
	}

	if newName, ok := patch["name"].(string); ok && newName != id {
		return nil, errcode.ValidationFailed("entity name is immutable", map[string]string{
			"name": "cannot be changed after creation",
		})
	}

	merged := make(map[string]interface{}, len(current)+len(patch))
	for k, v := range current {
		merged[k] = v
	}
	var fieldsChanged []string
	for k, v := range patch {
		merged[k] = v
		fieldsChanged = append(fieldsChanged, k)
	}
	sort.Strings(fieldsChanged)

	if err := r.validateEntity(ctx, tx, entityType, merged); err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	merged["modifiedAt"] = now
	merged["modifiedBy"] = author

	tx.UpdateDocument(entityType, id, merged, fieldsChanged)
	return merged, nil
}

// ApplyDelete stages a tombstone after checking referential integrity.
// Returns false without error when the key is already absent.
func (r *Repository) ApplyDelete(ctx context.Context, tx *versionstore.Tx, entityType, id string, author string) (bool, error) {
	current, err := tx.GetDocument(ctx, entityType, id)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, nil
	}

	if err := r.checkDeleteIntegrity(ctx, tx, entityType, id); err != nil {
		return false, err
	}

	tx.DeleteDocument(entityType, id)
	return true, nil
}

func hasAllTags(doc map[string]interface{}, want []string) bool {
	raw, ok := doc["tags"].([]interface{})
	if !ok {
		return false
	}
	have := make(map[string]bool, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			have[s] = true
		}
	}
	for _, t := range want {
		if !have[t] {
			return false
		}
	}
	return true
}
