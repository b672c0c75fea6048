package schema

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/models"
	"github.com/foundry-forge/oms/pkg/repository"
	"github.com/foundry-forge/oms/pkg/versionstore"
)

func setupService(t *testing.T) (*Service, *versionstore.Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))

	store := versionstore.New(db, hclog.NewNullLogger())
	require.NoError(t, store.Initialize(context.Background()))
	repo := repository.New(store, hclog.NewNullLogger())
	return New(store, repo, nil, hclog.NewNullLogger()), store, db
}

func employeeDoc() map[string]interface{} {
	return map[string]interface{}{
		"name":        "Employee",
		"displayName": "Employee",
		"properties": []interface{}{
			map[string]interface{}{"name": "id", "dataTypeId": "string", "primaryKey": true},
		},
	}
}

func TestCreateEntity_CommitsAndStagesEvent(t *testing.T) {
	svc, store, db := setupService(t)
	ctx := context.Background()

	res, err := svc.CreateEntity(ctx, "main", repository.TypeObjectType, employeeDoc(), "alice", "")
	require.NoError(t, err)
	require.NotEmpty(t, res.CommitHash)
	assert.Equal(t, models.ChangeOpCreate, res.Operation)
	assert.Equal(t, "Employee", res.EntityID)
	assert.NotEmpty(t, res.VersionHash)

	// The branch head advanced to the new commit.
	head, err := store.BranchHead(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, res.CommitHash, head)

	// Exactly one outbox row, canonical type, payload carries the commit hash.
	var events []models.OutboxEvent
	require.NoError(t, db.Find(&events).Error)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "com.foundry.oms.objecttype.created", ev.Type)
	assert.Equal(t, res.CommitHash, ev.CommitHash)
	assert.Equal(t, "main", ev.Branch)
	assert.Equal(t, "alice", ev.Author)

	payload, err := ev.Payload.AsMap()
	require.NoError(t, err)
	assert.Equal(t, res.CommitHash, payload["commit"])
	assert.Equal(t, "Employee", payload["entity_id"])
	assert.Equal(t, res.VersionHash, payload["version_hash"])
}

func TestCreateEntity_DuplicateLeavesNoTrace(t *testing.T) {
	svc, store, db := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateEntity(ctx, "main", repository.TypeObjectType, employeeDoc(), "alice", "")
	require.NoError(t, err)
	headBefore, err := store.BranchHead(ctx, "main")
	require.NoError(t, err)

	_, err = svc.CreateEntity(ctx, "main", repository.TypeObjectType, employeeDoc(), "bob", "")
	assert.True(t, errcode.Is(err, errcode.KindAlreadyExists))

	// Failed mutation produced neither a commit nor an outbox row.
	headAfter, err := store.BranchHead(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestUpdateEntity_RecordsChangedFields(t *testing.T) {
	svc, _, db := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateEntity(ctx, "main", repository.TypeObjectType, employeeDoc(), "alice", "")
	require.NoError(t, err)

	res, err := svc.UpdateEntity(ctx, "main", repository.TypeObjectType, "Employee", map[string]interface{}{
		"description": "people on payroll",
	}, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeOpUpdate, res.Operation)
	assert.Equal(t, "people on payroll", res.Document["description"])

	var ev models.OutboxEvent
	require.NoError(t, db.Where("type = ?", "com.foundry.oms.objecttype.updated").First(&ev).Error)
	payload, err := ev.Payload.AsMap()
	require.NoError(t, err)
	changes, ok := payload["changes"].([]interface{})
	require.True(t, ok)
	assert.Contains(t, changes, "description")
}

func TestDeleteEntity(t *testing.T) {
	svc, _, db := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateEntity(ctx, "main", repository.TypeObjectType, employeeDoc(), "alice", "")
	require.NoError(t, err)

	res, err := svc.DeleteEntity(ctx, "main", repository.TypeObjectType, "Employee", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeOpDelete, res.Operation)
	assert.Empty(t, res.VersionHash)

	_, err = svc.GetEntity(ctx, "main", repository.TypeObjectType, "Employee")
	assert.True(t, errcode.Is(err, errcode.KindNotFound))

	var count int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("type = ?", "com.foundry.oms.objecttype.deleted").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// Deleting again reports NotFound.
	_, err = svc.DeleteEntity(ctx, "main", repository.TypeObjectType, "Employee", "bob", "")
	assert.True(t, errcode.Is(err, errcode.KindNotFound))
}

func TestRetryableCommitErrors(t *testing.T) {
	// Contention outcomes re-run the unit against the fresh head; everything
	// else is final on the first attempt.
	assert.True(t, retryableCommitErr(errcode.Transient("store hiccup", nil)))
	assert.True(t, retryableCommitErr(errcode.Conflict("concurrent commit on branch main", "a", "b")))

	assert.False(t, retryableCommitErr(errcode.ValidationFailed("bad name", nil)))
	assert.False(t, retryableCommitErr(errcode.NotFound("object_type %q not found", "X")))
	assert.False(t, retryableCommitErr(errcode.AlreadyExists("object_type %q exists", "X")))
	assert.False(t, retryableCommitErr(errcode.ProtectedBranch("main")))
}

func TestMutate_StaleExpectedParentConflicts(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	res, err := svc.CreateEntity(ctx, "main", repository.TypeObjectType, employeeDoc(), "alice", "")
	require.NoError(t, err)
	staleHead := res.CommitHash

	_, err = svc.CreateEntity(ctx, "main", repository.TypeObjectType, map[string]interface{}{
		"name": "Team", "displayName": "Team",
	}, "alice", "")
	require.NoError(t, err)

	// A writer based on the now-stale head is rejected, not silently merged.
	_, err = svc.CreateEntity(ctx, "main", repository.TypeObjectType, map[string]interface{}{
		"name": "Office", "displayName": "Office",
	}, "bob", staleHead)
	conflict, ok := errcode.AsConflict(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, staleHead, conflict.Expected)
	assert.NotEqual(t, conflict.Expected, conflict.Actual)
	assert.NotEmpty(t, conflict.MergeHints)

	head, err := store.BranchHead(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, conflict.Actual, head)
}

func TestMutate_MatchingExpectedParentSucceeds(t *testing.T) {
	svc, store, _ := setupService(t)
	ctx := context.Background()

	head, err := store.BranchHead(ctx, "main")
	require.NoError(t, err)

	res, err := svc.CreateEntity(ctx, "main", repository.TypeObjectType, employeeDoc(), "alice", head)
	require.NoError(t, err)
	assert.NotEqual(t, head, res.CommitHash)
}

func TestListEntities(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	_, err := svc.CreateEntity(ctx, "main", repository.TypeObjectType, employeeDoc(), "alice", "")
	require.NoError(t, err)

	page, err := svc.ListEntities(ctx, "main", repository.TypeObjectType, repository.ListFilters{}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Employee", page.Items[0]["name"])
}
