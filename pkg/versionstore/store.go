// Package versionstore implements the append-only, content-addressed commit
// store and branch refs that back the OMS schema repository.
package versionstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/models"
)

// GenesisAuthor is recorded on the root commit of every database.
const GenesisAuthor = "system"

// Store provides versioned access to the commit DAG and branch refs.
// Concurrent commits on the same branch are serialized by a per-branch mutex
// in-process and by a compare-and-swap head update across processes.
type Store struct {
	db     *gorm.DB
	logger hclog.Logger

	// commitLocks holds one *sync.Mutex per branch name.
	commitLocks sync.Map
}

// New creates a Store.
func New(db *gorm.DB, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		db:     db,
		logger: logger.Named("version-store"),
	}
}

// DB exposes the underlying handle for components that must share the
// store's transaction (outbox writes, proposals).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// branchLock returns the commit mutex for a branch.
func (s *Store) branchLock(branch string) *sync.Mutex {
	lock, _ := s.commitLocks.LoadOrStore(branch, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Initialize seeds the genesis commit and the system branches. Safe to call
// on an already-initialized database.
func (s *Store) Initialize(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&models.Branch{}).Where("name = ?", models.BranchMain).Count(&count).Error; err != nil {
		return errcode.Transient("failed to check initialization", err)
	}
	if count > 0 {
		return nil
	}

	genesisTime := time.Now().UTC()
	hash, err := models.ComputeCommitHash(nil, nil, GenesisAuthor, "genesis", genesisTime)
	if err != nil {
		return errcode.Fatal("failed to compute genesis hash", err)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		genesis := &models.Commit{
			Hash:             hash,
			Parents:          models.StringSlice{},
			Author:           GenesisAuthor,
			Message:          "genesis",
			Timestamp:        genesisTime,
			ChangedResources: models.MustJSON([]models.ChangeRecord{}),
		}
		if err := tx.Create(genesis).Error; err != nil {
			return err
		}

		for _, name := range models.SystemBranches() {
			branch := &models.Branch{
				Name:        name,
				Head:        hash,
				IsProtected: true,
				State:       models.BranchStateActive,
			}
			if name != models.BranchMain {
				branch.ParentBranch = models.BranchMain
			}
			if err := tx.Create(branch).Error; err != nil {
				return err
			}
		}

		s.logger.Info("initialized version store", "genesis", hash)
		return nil
	})
}

// CreateBranch creates a branch pointing at the parent branch's HEAD.
func (s *Store) CreateBranch(ctx context.Context, name, from string) (*models.Branch, error) {
	if !models.ValidBranchName(name) {
		return nil, errcode.ValidationFailed("invalid branch name", map[string]string{
			"name": "must match ^[a-z][a-z0-9/-]*$",
		})
	}

	db := s.db.WithContext(ctx)

	parent, err := models.GetBranch(db, from)
	if err == gorm.ErrRecordNotFound {
		return nil, errcode.NotFound("parent branch %q not found", from)
	}
	if err != nil {
		return nil, errcode.Transient("failed to read parent branch", err)
	}

	branch := &models.Branch{
		Name:         name,
		Head:         parent.Head,
		ParentBranch: from,
		State:        models.BranchStateActive,
	}
	err = db.Transaction(func(dtx *gorm.DB) error {
		if err := dtx.Create(branch).Error; err != nil {
			return err
		}
		// Fork the parent's version history so per-key chains, as-of reads,
		// and diffs behave identically on the new branch.
		return models.CopyBranchVersions(dtx, from, name)
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return nil, errcode.AlreadyExists("branch %q already exists", name)
		}
		return nil, errcode.Transient("failed to create branch", err)
	}

	s.logger.Info("created branch", "name", name, "from", from, "head", parent.Head)
	return branch, nil
}

// DeleteBranch archives a branch ref. Commits are retained and remain
// reachable by hash. Returns false when the branch does not exist.
func (s *Store) DeleteBranch(ctx context.Context, name string) (bool, error) {
	db := s.db.WithContext(ctx)

	branch, err := models.GetBranch(db, name)
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, errcode.Transient("failed to read branch", err)
	}
	if branch.IsProtected {
		return false, errcode.ProtectedBranch(name)
	}

	if err := branch.UpdateState(db, models.BranchStateArchived, GenesisAuthor, "branch deleted"); err != nil {
		return false, errcode.Transient("failed to archive branch", err)
	}

	s.logger.Info("archived branch", "name", name)
	return true, nil
}

// GetBranch retrieves a branch by name.
func (s *Store) GetBranch(ctx context.Context, name string) (*models.Branch, error) {
	branch, err := models.GetBranch(s.db.WithContext(ctx), name)
	if err == gorm.ErrRecordNotFound {
		return nil, errcode.NotFound("branch %q not found", name)
	}
	if err != nil {
		return nil, errcode.Transient("failed to read branch", err)
	}
	return branch, nil
}

// BranchHead returns the current HEAD hash of a branch.
func (s *Store) BranchHead(ctx context.Context, name string) (string, error) {
	branch, err := s.GetBranch(ctx, name)
	if err != nil {
		return "", err
	}
	return branch.Head, nil
}

// VersionDelta returns the precomputed field diff recorded between two
// versions of a resource, or nil when none exists.
func (s *Store) VersionDelta(ctx context.Context, typ, id, branch string, from, to int) (*models.VersionDelta, error) {
	delta, err := models.GetDelta(s.db.WithContext(ctx), typ, id, branch, from, to)
	if err != nil {
		return nil, errcode.Transient("failed to read version delta", err)
	}
	return delta, nil
}

// ListBranches returns all branches, optionally filtered by state.
func (s *Store) ListBranches(ctx context.Context, state models.BranchState) ([]models.Branch, error) {
	branches, err := models.ListBranches(s.db.WithContext(ctx), state)
	if err != nil {
		return nil, errcode.Transient("failed to list branches", err)
	}
	return branches, nil
}

// GetCommit retrieves a commit by hash.
func (s *Store) GetCommit(ctx context.Context, hash string) (*models.Commit, error) {
	commit, err := models.GetCommit(s.db.WithContext(ctx), hash)
	if err == gorm.ErrRecordNotFound {
		return nil, errcode.NotFound("commit %q not found", hash)
	}
	if err != nil {
		return nil, errcode.Transient("failed to read commit", err)
	}
	return commit, nil
}

// History walks the commit DAG from the branch HEAD and returns commits
// newest-first. The walk is iterative BFS with a visited set; recursion depth
// is never a function of history length.
func (s *Store) History(ctx context.Context, branch string, since *time.Time, limit int) ([]models.Commit, error) {
	head, err := s.BranchHead(ctx, branch)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	visited := make(map[string]bool)
	queue := []string{head}
	var history []models.Commit

	for len(queue) > 0 {
		batch := queue
		queue = nil

		var pending []string
		for _, h := range batch {
			if !visited[h] {
				visited[h] = true
				pending = append(pending, h)
			}
		}
		if len(pending) == 0 {
			continue
		}

		commits, err := models.GetCommits(db, pending)
		if err != nil {
			return nil, errcode.Transient("failed to read commits", err)
		}
		for _, c := range commits {
			if since == nil || !c.Timestamp.Before(*since) {
				history = append(history, c)
			}
			queue = append(queue, c.Parents...)
		}
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].Timestamp.After(history[j].Timestamp)
	})
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

// IsAncestor reports whether ancestor is reachable from descendant through
// parent links.
func (s *Store) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	if ancestor == descendant {
		return true, nil
	}

	db := s.db.WithContext(ctx)
	visited := make(map[string]bool)
	queue := []string{descendant}

	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if visited[h] {
			continue
		}
		visited[h] = true

		commit, err := models.GetCommit(db, h)
		if err == gorm.ErrRecordNotFound {
			continue
		}
		if err != nil {
			return false, errcode.Transient("failed to read commit", err)
		}
		for _, p := range commit.Parents {
			if p == ancestor {
				return true, nil
			}
			queue = append(queue, p)
		}
	}
	return false, nil
}

// FastForward moves target's HEAD to source's HEAD. Fails with Conflict when
// target has commits that source does not include.
func (s *Store) FastForward(ctx context.Context, source, target string) error {
	sourceHead, err := s.BranchHead(ctx, source)
	if err != nil {
		return err
	}
	targetHead, err := s.BranchHead(ctx, target)
	if err != nil {
		return err
	}
	if sourceHead == targetHead {
		return nil
	}

	ok, err := s.IsAncestor(ctx, targetHead, sourceHead)
	if err != nil {
		return err
	}
	if !ok {
		return errcode.Conflict("target is not an ancestor of source", targetHead, sourceHead,
			"merge or rebase before fast-forwarding")
	}

	err = s.db.WithContext(ctx).Transaction(func(dtx *gorm.DB) error {
		rows, err := models.UpdateHead(dtx, target, targetHead, sourceHead)
		if err != nil {
			return err
		}
		if rows == 0 {
			actual := ""
			if b, berr := models.GetBranch(dtx, target); berr == nil {
				actual = b.Head
			}
			return errcode.Conflict("branch head moved during fast-forward", targetHead, actual)
		}
		// The ref move alone is not enough: the target's version chains must
		// gain the rows the source committed past the old head.
		return models.CopyMissingVersions(dtx, source, target)
	})
	if err != nil {
		if errcode.KindOf(err) != errcode.KindUnknown {
			return err
		}
		return errcode.Transient("failed to fast-forward", err)
	}

	s.logger.Info("fast-forwarded branch", "target", target, "from", targetHead, "to", sourceHead)
	return nil
}

// GetDocument returns the materialized document for a key at the branch HEAD
// or, when at is non-nil, as of that instant. Tombstoned keys return nil.
func (s *Store) GetDocument(ctx context.Context, typ, id, branch string, at *time.Time) (map[string]interface{}, *models.ResourceVersion, error) {
	if _, err := s.GetBranch(ctx, branch); err != nil {
		return nil, nil, err
	}

	db := s.db.WithContext(ctx)
	var row *models.ResourceVersion
	var err error
	if at != nil {
		row, err = models.VersionAsOf(db, typ, id, branch, *at)
	} else {
		row, err = models.LatestVersion(db, typ, id, branch)
	}
	if err != nil {
		return nil, nil, errcode.Transient("failed to read version", err)
	}
	if row == nil || row.IsTombstone() {
		return nil, nil, nil
	}

	doc, err := row.Document()
	if err != nil {
		return nil, nil, errcode.Fatal("corrupt document content", err)
	}
	return doc, row, nil
}

// BranchDocuments returns the live documents of one type on a branch, keyed
// by resource id.
func (s *Store) BranchDocuments(ctx context.Context, typ, branch string) (map[string]map[string]interface{}, error) {
	latest, err := models.LatestVersionsByType(s.db.WithContext(ctx), typ, branch)
	if err != nil {
		return nil, errcode.Transient("failed to list versions", err)
	}

	docs := make(map[string]map[string]interface{})
	for id, row := range latest {
		if row.IsTombstone() {
			continue
		}
		doc, err := row.Document()
		if err != nil {
			return nil, errcode.Fatal("corrupt document content", err)
		}
		docs[id] = doc
	}
	return docs, nil
}

// DocumentsAtCommit returns the live documents of one type as of a commit's
// timestamp on a branch. Commit identity maps to time because a branch's
// commits are totally ordered.
func (s *Store) DocumentsAtCommit(ctx context.Context, typ, branch, commitHash string) (map[string]map[string]interface{}, error) {
	commit, err := s.GetCommit(ctx, commitHash)
	if err != nil {
		return nil, err
	}

	latest, err := models.LatestVersionsByTypeAsOf(s.db.WithContext(ctx), typ, branch, commit.Timestamp)
	if err != nil {
		return nil, errcode.Transient("failed to list versions", err)
	}

	docs := make(map[string]map[string]interface{})
	for id, row := range latest {
		if row.IsTombstone() {
			continue
		}
		doc, err := row.Document()
		if err != nil {
			return nil, errcode.Fatal("corrupt document content", err)
		}
		docs[id] = doc
	}
	return docs, nil
}
