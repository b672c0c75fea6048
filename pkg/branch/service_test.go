package branch

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

func setupBranchService(t *testing.T) (*Service, *versionstore.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))

	store := versionstore.New(db, hclog.NewNullLogger())
	require.NoError(t, store.Initialize(context.Background()))
	return New(store, hclog.NewNullLogger()), store
}

// commitOn writes one document version on a branch in its own commit.
func commitOn(t *testing.T, store *versionstore.Store, branch, typ, id string, doc map[string]interface{}, author string) string {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx, branch)
	require.NoError(t, err)
	current, err := tx.GetDocument(ctx, typ, id)
	require.NoError(t, err)
	if doc == nil {
		tx.DeleteDocument(typ, id)
	} else if current == nil {
		tx.InsertDocument(typ, id, doc)
	} else {
		tx.UpdateDocument(typ, id, doc, []string{"displayName"})
	}
	hash, err := tx.Commit(ctx, author, "test change")
	require.NoError(t, err)
	return hash
}

func objDoc(name, display string) map[string]interface{} {
	return map[string]interface{}{"name": name, "displayName": display}
}

// openApproved creates a feature branch, applies setup, and returns an
// approved proposal from it to main.
func openApproved(t *testing.T, svc *Service, store *versionstore.Store, feature string, setup func()) *models.Proposal {
	t.Helper()
	ctx := context.Background()
	_, err := svc.Create(ctx, feature, "main", "alice")
	require.NoError(t, err)
	if setup != nil {
		setup()
	}

	p, err := svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: feature,
		TargetBranch: "main",
		Title:        "test proposal",
		Author:       "alice",
	})
	require.NoError(t, err)

	p, err = svc.ApproveProposal(ctx, p.ID, "carol")
	require.NoError(t, err)
	require.True(t, p.Approved())
	return p
}

func TestCreateProposal_Validation(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	_, err := svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: "main", TargetBranch: "main", Title: "x", Author: "a",
	})
	assert.True(t, errcode.Is(err, errcode.KindValidationFailed))

	_, err = svc.Create(ctx, "feat", "main", "alice")
	require.NoError(t, err)

	_, err = svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: "feat", TargetBranch: "main", Author: "a",
	})
	assert.True(t, errcode.Is(err, errcode.KindValidationFailed))

	_, err = svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: "ghost", TargetBranch: "main", Title: "x", Author: "a",
	})
	assert.True(t, errcode.Is(err, errcode.KindNotFound))

	commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "A"), "alice")
	first, err := svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: "feat", TargetBranch: "main", Title: "x", Author: "a",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusReview, first.Status)

	// Only one open proposal per branch pair.
	_, err = svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: "feat", TargetBranch: "main", Title: "again", Author: "a",
	})
	assert.True(t, errcode.Is(err, errcode.KindAlreadyExists))
}

func TestCreateProposal_CapturesHeadsAndDiff(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "feat", "main", "alice")
	require.NoError(t, err)
	srcHead := commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "A"), "alice")
	tgtHead, err := store.BranchHead(ctx, "main")
	require.NoError(t, err)

	p, err := svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: "feat", TargetBranch: "main", Title: "add A", Author: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, srcHead, p.SourceHash)
	assert.Equal(t, tgtHead, p.TargetHash)
	assert.Equal(t, tgtHead, p.BaseHash)

	var diff versionstore.Diff
	require.NoError(t, p.Diff.Unmarshal(&diff))
	assert.Len(t, diff.Added, 1)
}

func TestReviewProposal(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "feat", "main", "alice")
	require.NoError(t, err)
	commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "A"), "alice")

	p, err := svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: "feat", TargetBranch: "main", Title: "add A", Author: "alice",
	})
	require.NoError(t, err)

	p, err = svc.ApproveProposal(ctx, p.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusApproved, p.Status)
	assert.Contains(t, []string(p.Approvals), "carol")

	// Approved proposals cannot be re-reviewed.
	_, err = svc.RejectProposal(ctx, p.ID, "dave")
	assert.True(t, errcode.Is(err, errcode.KindConflict))

	_, err = svc.ApproveProposal(ctx, "no-such-id", "carol")
	assert.True(t, errcode.Is(err, errcode.KindNotFound))
}

func TestMerge_RequiresApproval(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "feat", "main", "alice")
	require.NoError(t, err)
	commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "A"), "alice")

	p, err := svc.CreateProposal(ctx, ProposalInput{
		SourceBranch: "feat", TargetBranch: "main", Title: "add A", Author: "alice",
	})
	require.NoError(t, err)

	_, err = svc.Merge(ctx, p.ID, StrategyMerge, nil, "alice")
	assert.True(t, errcode.Is(err, errcode.KindConflict))
}

func TestMerge_ThreeWayClean(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	p := openApproved(t, svc, store, "feat", func() {
		commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "A"), "alice")
	})

	outcome, err := svc.Merge(ctx, p.ID, StrategyMerge, nil, "carol")
	require.NoError(t, err)
	require.NotEmpty(t, outcome.CommitHash)
	assert.Empty(t, outcome.Conflicts)

	// The merge commit has both heads as parents.
	commit, err := store.GetCommit(ctx, outcome.CommitHash)
	require.NoError(t, err)
	require.Len(t, []string(commit.Parents), 2)
	assert.Contains(t, []string(commit.Parents), p.SourceHash)

	// The document landed on main and the proposal is merged.
	doc, _, err := store.GetDocument(ctx, repository.TypeObjectType, "A", "main", nil)
	require.NoError(t, err)
	require.NotNil(t, doc)

	p, err = svc.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusMerged, p.Status)
	assert.Equal(t, "carol", p.MergedBy)

	// The source branch's state row records where it went.
	rec, err := svc.StateRecord(ctx, "feat")
	require.NoError(t, err)
	assert.Equal(t, "carol", rec.UpdatedBy)
	data, err := rec.StateData.AsMap()
	require.NoError(t, err)
	assert.Equal(t, "main", data["merged_into"])
	assert.Equal(t, p.ID, data["proposal_id"])
}

func TestMerge_ConflictThenResolution(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	// Both branches start from a shared document, then edit it differently.
	commitOn(t, store, "main", repository.TypeObjectType, "A", objDoc("A", "original"), "alice")
	p := openApproved(t, svc, store, "feat", func() {
		commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "from feature"), "alice")
	})
	commitOn(t, store, "main", repository.TypeObjectType, "A", objDoc("A", "from main"), "bob")

	outcome, err := svc.Merge(ctx, p.ID, StrategyMerge, nil, "carol")
	require.True(t, errcode.Is(err, errcode.KindConflict))
	require.NotEmpty(t, outcome.Conflicts)
	assert.Equal(t, "object_type/A", outcome.Conflicts[0].ResourceID)

	// The failed attempt left the proposal reviewable and the target untouched.
	p, err = svc.GetProposal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalStatusApproved, p.Status)
	doc, _, err := store.GetDocument(ctx, repository.TypeObjectType, "A", "main", nil)
	require.NoError(t, err)
	assert.Equal(t, "from main", doc["displayName"])

	// Retrying with an explicit resolution lands it.
	outcome, err = svc.Merge(ctx, p.ID, StrategyMerge, map[string]map[string]interface{}{
		"object_type/A": objDoc("A", "resolved"),
	}, "carol")
	require.NoError(t, err)
	require.NotEmpty(t, outcome.CommitHash)

	doc, _, err = store.GetDocument(ctx, repository.TypeObjectType, "A", "main", nil)
	require.NoError(t, err)
	assert.Equal(t, "resolved", doc["displayName"])
}

func TestMerge_SourceMovedSinceApproval(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	p := openApproved(t, svc, store, "feat", func() {
		commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "A"), "alice")
	})
	commitOn(t, store, "feat", repository.TypeObjectType, "B", objDoc("B", "B"), "alice")

	_, err := svc.Merge(ctx, p.ID, StrategyMerge, nil, "carol")
	conflict, ok := errcode.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, p.SourceHash, conflict.Expected)
}

func TestMerge_Squash(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	p := openApproved(t, svc, store, "feat", func() {
		commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "A"), "alice")
		commitOn(t, store, "feat", repository.TypeObjectType, "B", objDoc("B", "B"), "alice")
	})

	outcome, err := svc.Merge(ctx, p.ID, StrategySquash, nil, "carol")
	require.NoError(t, err)
	require.NotEmpty(t, outcome.CommitHash)

	// One commit carries both additions.
	commit, err := store.GetCommit(ctx, outcome.CommitHash)
	require.NoError(t, err)
	changes, err := commit.Changes()
	require.NoError(t, err)
	assert.Len(t, changes, 2)

	head, err := store.BranchHead(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, outcome.CommitHash, head)

	for _, id := range []string{"A", "B"} {
		doc, _, err := store.GetDocument(ctx, repository.TypeObjectType, id, "main", nil)
		require.NoError(t, err)
		assert.NotNil(t, doc)
	}

	// The scratch branch is gone.
	branches, err := store.ListBranches(ctx, models.BranchStateActive)
	require.NoError(t, err)
	for _, b := range branches {
		assert.NotContains(t, b.Name, "tmp/")
	}
}

func TestMerge_RebaseReplaysCommits(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	p := openApproved(t, svc, store, "feat", func() {
		commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "A"), "alice")
		commitOn(t, store, "feat", repository.TypeObjectType, "B", objDoc("B", "B"), "bob")
	})

	outcome, err := svc.Merge(ctx, p.ID, StrategyRebase, nil, "carol")
	require.NoError(t, err)
	require.NotEmpty(t, outcome.CommitHash)

	// Replayed commits keep their original authors, newest first in history.
	history, err := store.History(ctx, "main", nil, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "bob", history[0].Author)
	assert.Equal(t, "alice", history[1].Author)

	for _, id := range []string{"A", "B"} {
		doc, _, err := store.GetDocument(ctx, repository.TypeObjectType, id, "main", nil)
		require.NoError(t, err)
		assert.NotNil(t, doc)
	}
}

func TestMerge_RebaseStopsOnConflict(t *testing.T) {
	svc, store := setupBranchService(t)
	ctx := context.Background()

	commitOn(t, store, "main", repository.TypeObjectType, "A", objDoc("A", "original"), "alice")
	p := openApproved(t, svc, store, "feat", func() {
		commitOn(t, store, "feat", repository.TypeObjectType, "A", objDoc("A", "from feature"), "alice")
	})
	commitOn(t, store, "main", repository.TypeObjectType, "A", objDoc("A", "from main"), "bob")

	_, err := svc.Merge(ctx, p.ID, StrategyRebase, nil, "carol")
	require.True(t, errcode.Is(err, errcode.KindConflict))

	// Nothing landed on main.
	doc, _, err := store.GetDocument(ctx, repository.TypeObjectType, "A", "main", nil)
	require.NoError(t, err)
	assert.Equal(t, "from main", doc["displayName"])
}

func TestUpdateState(t *testing.T) {
	svc, _ := setupBranchService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "feat", "main", "alice")
	require.NoError(t, err)

	b, err := svc.UpdateState(ctx, "feat", models.BranchStateReady, "alice", "validation passed")
	require.NoError(t, err)
	assert.Equal(t, models.BranchStateReady, b.State)

	// READY cannot jump to FAILED.
	_, err = svc.UpdateState(ctx, "feat", models.BranchStateFailed, "alice", "")
	assert.True(t, errcode.Is(err, errcode.KindConflict))

	// Same-state transition is a no-op.
	b, err = svc.UpdateState(ctx, "feat", models.BranchStateReady, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.BranchStateReady, b.State)
}

func TestUpdateState_WritesStateRecord(t *testing.T) {
	svc, _ := setupBranchService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "feat", "main", "alice")
	require.NoError(t, err)

	_, err = svc.StateRecord(ctx, "feat")
	assert.True(t, errcode.Is(err, errcode.KindNotFound))

	_, err = svc.UpdateState(ctx, "feat", models.BranchStateReady, "alice", "validation passed")
	require.NoError(t, err)

	rec, err := svc.StateRecord(ctx, "feat")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.UpdatedBy)
	data, err := rec.StateData.AsMap()
	require.NoError(t, err)
	assert.Equal(t, string(models.BranchStateReady), data["state"])
	assert.Equal(t, string(models.BranchStateActive), data["previous_state"])
	assert.Equal(t, "validation passed", data["reason"])

	// A later transition replaces the row rather than stacking a second one.
	_, err = svc.UpdateState(ctx, "feat", models.BranchStateActive, "bob", "needs rework")
	require.NoError(t, err)
	rec, err = svc.StateRecord(ctx, "feat")
	require.NoError(t, err)
	assert.Equal(t, "bob", rec.UpdatedBy)
	data, err = rec.StateData.AsMap()
	require.NoError(t, err)
	assert.Equal(t, string(models.BranchStateActive), data["state"])
}
