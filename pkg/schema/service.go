// Package schema orchestrates entity mutations: it wraps the document
// repository in a version-store transaction, stages the change event in the
// same transaction, and retries transparently on transient contention.
package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"

	"github.com/foundry-forge/oms/pkg/cache"
	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/models"
	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
	"github.com/foundry-forge/oms/pkg/repository"
	"github.com/foundry-forge/oms/pkg/versionstore"
)

// maxCommitRetries bounds automatic retries after transient failures and
// head conflicts. Each retry re-runs the whole unit against the fresh head,
// so unpinned writers absorb contention locally; a pinned expectedParent
// stays stale and still surfaces the conflict once retries are exhausted.
const maxCommitRetries = 3

// Service is the schema mutation front end.
type Service struct {
	store  *versionstore.Store
	repo   *repository.Repository
	cache  *cache.Cache
	logger hclog.Logger
}

// New creates a schema service. cache may be nil.
func New(store *versionstore.Store, repo *repository.Repository, c *cache.Cache, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		store:  store,
		repo:   repo,
		cache:  c,
		logger: logger.Named("schema"),
	}
}

// Repository exposes the underlying document repository for read paths.
func (s *Service) Repository() *repository.Repository { return s.repo }

// MutationResult reports what a successful mutation produced.
type MutationResult struct {
	CommitHash  string                 `json:"commitHash"`
	EntityType  string                 `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	Operation   models.ChangeOp        `json:"operation"`
	VersionHash string                 `json:"versionHash,omitempty"`
	Document    map[string]interface{} `json:"document,omitempty"`
}

// CreateEntity validates and creates one schema entity on a branch.
// expectedParent, when non-empty, is the HEAD the caller based its edit on.
func (s *Service) CreateEntity(ctx context.Context, branch, entityType string, doc map[string]interface{}, author, expectedParent string) (*MutationResult, error) {
	return s.mutate(ctx, branch, author, expectedParent, models.ChangeOpCreate, entityType, nameOf(doc),
		func(ctx context.Context, tx *versionstore.Tx) (map[string]interface{}, []string, error) {
			stored, err := s.repo.ApplyCreate(ctx, tx, entityType, doc, author)
			if err != nil {
				return nil, nil, err
			}
			return stored, nil, nil
		})
}

// UpdateEntity applies a sparse patch to one entity.
func (s *Service) UpdateEntity(ctx context.Context, branch, entityType, id string, patch map[string]interface{}, author, expectedParent string) (*MutationResult, error) {
	return s.mutate(ctx, branch, author, expectedParent, models.ChangeOpUpdate, entityType, id,
		func(ctx context.Context, tx *versionstore.Tx) (map[string]interface{}, []string, error) {
			stored, err := s.repo.ApplyUpdate(ctx, tx, entityType, id, patch, author)
			if err != nil {
				return nil, nil, err
			}
			changed := make([]string, 0, len(patch))
			for k := range patch {
				changed = append(changed, k)
			}
			return stored, changed, nil
		})
}

// DeleteEntity tombstones one entity after referential-integrity checks.
// Returns NotFound when the entity does not exist.
func (s *Service) DeleteEntity(ctx context.Context, branch, entityType, id, author, expectedParent string) (*MutationResult, error) {
	return s.mutate(ctx, branch, author, expectedParent, models.ChangeOpDelete, entityType, id,
		func(ctx context.Context, tx *versionstore.Tx) (map[string]interface{}, []string, error) {
			deleted, err := s.repo.ApplyDelete(ctx, tx, entityType, id, author)
			if err != nil {
				return nil, nil, err
			}
			if !deleted {
				return nil, nil, errcode.NotFound("%s %q not found on %s", entityType, id, branch)
			}
			return nil, nil, nil
		})
}

// GetEntity reads one entity from a branch.
func (s *Service) GetEntity(ctx context.Context, branch, entityType, id string) (map[string]interface{}, error) {
	return s.repo.Get(ctx, branch, entityType, id)
}

// ListEntities lists entities of one type on a branch.
func (s *Service) ListEntities(ctx context.Context, branch, entityType string, filters repository.ListFilters, limit, offset int) (*repository.Page, error) {
	return s.repo.List(ctx, branch, entityType, filters, limit, offset)
}

type applyFunc func(ctx context.Context, tx *versionstore.Tx) (map[string]interface{}, []string, error)

// mutate runs one apply inside a fresh Tx, staging the change event, and
// retries the whole unit on transient failures with jittered backoff.
func (s *Service) mutate(ctx context.Context, branch, author, expectedParent string, op models.ChangeOp, entityType, id string, apply applyFunc) (*MutationResult, error) {
	var result *MutationResult

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(time.Second),
		), maxCommitRetries), ctx)

	operation := func() error {
		tx, err := s.store.Begin(ctx, branch)
		if err != nil {
			return backoff.Permanent(err)
		}
		if expectedParent != "" {
			tx.SetExpectedParent(expectedParent)
		}

		doc, fieldsChanged, err := apply(ctx, tx)
		if err != nil {
			return backoff.Permanent(err)
		}

		versionHash := ""
		if doc != nil {
			if versionHash, err = models.ComputeVersionHash(doc); err != nil {
				return backoff.Permanent(err)
			}
		}

		tx.StageEvent(cloudevents.TypeName(eventResource(entityType), eventAction(op)), map[string]interface{}{
			"branch":       branch,
			"operation":    string(op),
			"entity_type":  entityType,
			"entity_id":    id,
			"version_hash": versionHash,
			"changes":      fieldsChanged,
		})

		hash, err := tx.Commit(ctx, author, commitMessage(op, entityType, id))
		if err != nil {
			if retryableCommitErr(err) {
				return err
			}
			return backoff.Permanent(err)
		}

		result = &MutationResult{
			CommitHash:  hash,
			EntityType:  entityType,
			EntityID:    id,
			Operation:   op,
			VersionHash: versionHash,
			Document:    doc,
		}
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, perm.Unwrap()
		}
		return nil, err
	}

	if s.cache != nil {
		s.cache.InvalidateBranch(ctx, branch)
	}

	s.logger.Info("schema mutation committed",
		"branch", branch,
		"commit", result.CommitHash,
		"operation", op,
		"entity_type", entityType,
		"entity_id", id,
	)
	return result, nil
}

// retryableCommitErr reports whether a commit failure is worth re-running the
// whole unit. Head conflicts qualify: the retry begins a fresh transaction
// against the advanced head, which is exactly what an unpinned writer wants.
func retryableCommitErr(err error) bool {
	switch errcode.KindOf(err) {
	case errcode.KindTransient, errcode.KindConflict:
		return true
	}
	return false
}

func commitMessage(op models.ChangeOp, entityType, id string) string {
	return fmt.Sprintf("%s %s %s", op, entityType, id)
}

func nameOf(doc map[string]interface{}) string {
	if n, ok := doc["name"].(string); ok {
		return n
	}
	return ""
}

// eventResource maps the stored entity type to the event type segment, e.g.
// "object_type" becomes "objecttype".
func eventResource(entityType string) string {
	out := make([]byte, 0, len(entityType))
	for i := 0; i < len(entityType); i++ {
		if entityType[i] == '_' {
			continue
		}
		out = append(out, entityType[i])
	}
	return string(out)
}

func eventAction(op models.ChangeOp) string {
	switch op {
	case models.ChangeOpCreate:
		return "created"
	case models.ChangeOpUpdate:
		return "updated"
	case models.ChangeOpDelete:
		return "deleted"
	}
	return "changed"
}
