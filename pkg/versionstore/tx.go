package versionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/models"
)

// docKey identifies a staged document within a transaction.
type docKey struct {
	Type string
	ID   string
}

// stagedWrite is one buffered mutation.
type stagedWrite struct {
	op            models.ChangeOp
	content       map[string]interface{}
	fieldsChanged []string
}

// stagedEvent is an outbox row inserted atomically with the commit.
type stagedEvent struct {
	eventType string
	payload   interface{}
}

// Tx buffers document writes against a single branch and publishes them as
// exactly one commit. Within a Tx, reads observe earlier writes in the same
// Tx. A Tx either publishes one commit or none.
type Tx struct {
	store  *Store
	branch string

	// parent is the branch HEAD observed at Begin, or the caller-supplied
	// expected parent for OCC.
	parent string

	// secondParent is set for merge commits.
	secondParent string

	writes map[docKey]*stagedWrite
	order  []docKey
	events []stagedEvent
	done   bool
}

// Begin opens a transaction bound to a branch. System branches reject direct
// document writes; internal services use BeginSystem.
func (s *Store) Begin(ctx context.Context, branch string) (*Tx, error) {
	if models.IsSystemBranch(branch) && branch != models.BranchMain {
		return nil, errcode.ProtectedBranch(branch)
	}
	return s.begin(ctx, branch)
}

// BeginSystem opens a transaction on any branch, including system branches.
func (s *Store) BeginSystem(ctx context.Context, branch string) (*Tx, error) {
	return s.begin(ctx, branch)
}

func (s *Store) begin(ctx context.Context, branch string) (*Tx, error) {
	b, err := s.GetBranch(ctx, branch)
	if err != nil {
		return nil, err
	}
	if b.State != models.BranchStateActive {
		return nil, errcode.Conflict(
			fmt.Sprintf("branch %q is %s and not writable", branch, b.State), "", "")
	}

	return &Tx{
		store:  s,
		branch: branch,
		parent: b.Head,
		writes: make(map[docKey]*stagedWrite),
	}, nil
}

// Branch returns the branch this Tx is bound to.
func (t *Tx) Branch() string { return t.branch }

// Parent returns the expected parent commit.
func (t *Tx) Parent() string { return t.parent }

// SetExpectedParent overrides the parent-commit expectation for OCC. Callers
// pass the HEAD they based their edits on; Commit fails with Conflict when
// the branch has moved past it.
func (t *Tx) SetExpectedParent(hash string) {
	t.parent = hash
}

// SetSecondParent marks the commit as a merge commit with the given second
// parent (the source branch HEAD).
func (t *Tx) SetSecondParent(hash string) {
	t.secondParent = hash
}

func (t *Tx) stage(typ, id string, op models.ChangeOp, content map[string]interface{}, fieldsChanged []string) {
	key := docKey{Type: typ, ID: id}
	if _, exists := t.writes[key]; !exists {
		t.order = append(t.order, key)
	}
	t.writes[key] = &stagedWrite{op: op, content: content, fieldsChanged: fieldsChanged}
}

// InsertDocument stages a create.
func (t *Tx) InsertDocument(typ, id string, content map[string]interface{}) {
	t.stage(typ, id, models.ChangeOpCreate, content, allFields(content))
}

// UpdateDocument stages an update with the full new content and the list of
// changed fields.
func (t *Tx) UpdateDocument(typ, id string, content map[string]interface{}, fieldsChanged []string) {
	t.stage(typ, id, models.ChangeOpUpdate, content, fieldsChanged)
}

// DeleteDocument stages a tombstone.
func (t *Tx) DeleteDocument(typ, id string) {
	t.stage(typ, id, models.ChangeOpDelete, nil, nil)
}

// StageEvent buffers an outbox row that will be inserted in the same database
// transaction as the commit. The payload is serialized at commit time; map
// payloads receive the commit hash under the "commit" key.
func (t *Tx) StageEvent(eventType string, payload interface{}) {
	t.events = append(t.events, stagedEvent{eventType: eventType, payload: payload})
}

// GetDocument reads a document, observing this Tx's staged writes first.
func (t *Tx) GetDocument(ctx context.Context, typ, id string) (map[string]interface{}, error) {
	if w, ok := t.writes[docKey{Type: typ, ID: id}]; ok {
		if w.op == models.ChangeOpDelete {
			return nil, nil
		}
		return w.content, nil
	}
	doc, _, err := t.store.GetDocument(ctx, typ, id, t.branch, nil)
	return doc, err
}

// Commit publishes the staged writes as one commit and advances the branch
// HEAD. On a parent mismatch it fails with errcode.Conflict carrying the
// actual HEAD; nothing is written in that case.
func (t *Tx) Commit(ctx context.Context, author, message string) (string, error) {
	if t.done {
		return "", errcode.Fatal("transaction already finished", nil)
	}
	t.done = true

	if len(t.writes) == 0 && len(t.events) == 0 {
		return "", errcode.ValidationFailed("empty transaction", nil)
	}

	lock := t.store.branchLock(t.branch)
	lock.Lock()
	defer lock.Unlock()

	timestamp := time.Now().UTC()

	changes := make([]models.ChangeRecord, 0, len(t.order))
	for _, key := range t.order {
		changes = append(changes, models.ChangeRecord{
			EntityType: key.Type,
			EntityID:   key.ID,
			Operation:  t.writes[key].op,
		})
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].EntityType != changes[j].EntityType {
			return changes[i].EntityType < changes[j].EntityType
		}
		return changes[i].EntityID < changes[j].EntityID
	})

	parents := []string{t.parent}
	if t.secondParent != "" {
		parents = append(parents, t.secondParent)
	}

	hash, err := models.ComputeCommitHash(changes, parents, author, message, timestamp)
	if err != nil {
		return "", errcode.Fatal("failed to compute commit hash", err)
	}

	db := t.store.db.WithContext(ctx)
	err = db.Transaction(func(dtx *gorm.DB) error {
		// Materialize version rows. Version numbers continue each key's chain.
		for _, key := range t.order {
			w := t.writes[key]

			latest, err := models.LatestVersion(dtx, key.Type, key.ID, t.branch)
			if err != nil {
				return err
			}

			exists := latest != nil && !latest.IsTombstone()
			switch w.op {
			case models.ChangeOpCreate:
				if exists {
					return errcode.AlreadyExists("%s %q already exists on %s", key.Type, key.ID, t.branch)
				}
			case models.ChangeOpUpdate, models.ChangeOpDelete:
				if !exists {
					return errcode.NotFound("%s %q not found on %s", key.Type, key.ID, t.branch)
				}
			}

			version := 1
			if latest != nil {
				version = latest.Version + 1
			}

			row := &models.ResourceVersion{
				Type:          key.Type,
				ResourceID:    key.ID,
				Branch:        t.branch,
				Version:       version,
				CommitHash:    hash,
				ModifiedAt:    timestamp,
				ModifiedBy:    author,
				ChangeType:    w.op,
				FieldsChanged: w.fieldsChanged,
			}
			if w.op != models.ChangeOpDelete {
				versionHash, err := models.ComputeVersionHash(w.content)
				if err != nil {
					return err
				}
				row.VersionHash = versionHash

				content := make(map[string]interface{}, len(w.content)+1)
				for k, v := range w.content {
					content[k] = v
				}
				content["versionHash"] = versionHash

				data, err := json.Marshal(content)
				if err != nil {
					return err
				}
				row.Content = models.JSON(data)
			}

			if err := dtx.Create(row).Error; err != nil {
				return err
			}

			// Updates also record a precomputed field diff against the
			// previous version so readers can skip reconstructing it.
			if w.op == models.ChangeOpUpdate {
				if err := writeDelta(dtx, key, t.branch, latest, row.Version, w); err != nil {
					return err
				}
			}
		}

		changesJSON, err := json.Marshal(changes)
		if err != nil {
			return err
		}
		commit := &models.Commit{
			Hash:             hash,
			Parents:          models.StringSlice(parents),
			Author:           author,
			Message:          message,
			Timestamp:        timestamp,
			ChangedResources: models.JSON(changesJSON),
		}
		if err := dtx.Create(commit).Error; err != nil {
			return err
		}

		for _, ev := range t.events {
			if m, ok := ev.payload.(map[string]interface{}); ok {
				m["commit"] = hash
			}
			payload, err := json.Marshal(ev.payload)
			if err != nil {
				return err
			}
			row := &models.OutboxEvent{
				Type:       ev.eventType,
				Payload:    models.JSON(payload),
				CommitHash: hash,
				Branch:     t.branch,
				Author:     author,
			}
			if err := dtx.Create(row).Error; err != nil {
				return err
			}
		}

		// The head CAS is the commit point: zero rows means a concurrent
		// committer won and the whole transaction rolls back.
		rows, err := models.UpdateHead(dtx, t.branch, t.parent, hash)
		if err != nil {
			return err
		}
		if rows == 0 {
			actual := ""
			if b, berr := models.GetBranch(dtx, t.branch); berr == nil {
				actual = b.Head
			}
			return errcode.Conflict("concurrent commit on branch "+t.branch, t.parent, actual,
				"fetch the new head and reapply your changes")
		}
		return nil
	})
	if err != nil {
		if ce, ok := errcode.AsConflict(err); ok {
			return "", ce
		}
		if errcode.KindOf(err) != errcode.KindUnknown {
			return "", err
		}
		if strings.Contains(strings.ToLower(err.Error()), "lock") {
			return "", errcode.Transient("database contention", err)
		}
		return "", errcode.Transient("commit failed", err)
	}

	t.store.logger.Debug("committed",
		"branch", t.branch,
		"hash", hash,
		"changes", len(changes),
		"events", len(t.events),
	)
	return hash, nil
}

// writeDelta stores a version_deltas row mapping each changed field to its
// old and new value.
func writeDelta(dtx *gorm.DB, key docKey, branch string, prev *models.ResourceVersion, toVersion int, w *stagedWrite) error {
	oldDoc, err := prev.Document()
	if err != nil {
		return err
	}
	diff := make(map[string]interface{}, len(w.fieldsChanged))
	for _, f := range w.fieldsChanged {
		diff[f] = map[string]interface{}{
			"from": oldDoc[f],
			"to":   w.content[f],
		}
	}
	data, err := json.Marshal(diff)
	if err != nil {
		return err
	}
	return dtx.Create(&models.VersionDelta{
		Type:        key.Type,
		ResourceID:  key.ID,
		Branch:      branch,
		FromVersion: prev.Version,
		ToVersion:   toVersion,
		Delta:       models.JSON(data),
	}).Error
}

func allFields(content map[string]interface{}) []string {
	fields := make([]string, 0, len(content))
	for k := range content {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}
