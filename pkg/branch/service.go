// Package branch manages branch lifecycle, change proposals, and merges.
// Writes use optimistic concurrency; only lifecycle operations (create,
// delete, merge) take advisory locks.
package branch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/models"
	"github.com/foundry-forge/oms/pkg/versionstore"
)

// Service exposes branch and proposal operations.
type Service struct {
	store  *versionstore.Store
	logger hclog.Logger

	// locks holds per-branch advisory mutexes for lifecycle operations.
	locks sync.Map
}

// New creates a branch service.
func New(store *versionstore.Store, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{
		store:  store,
		logger: logger.Named("branch"),
	}
}

// Store exposes the underlying version store.
func (s *Service) Store() *versionstore.Store { return s.store }

func (s *Service) lock(name string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// lockBranches acquires advisory locks on the named branches in sorted order
// so concurrent lifecycle operations cannot deadlock. Returns the unlock.
func (s *Service) lockBranches(names ...string) func() {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	acquired := make([]*sync.Mutex, 0, len(sorted))
	for i, name := range sorted {
		if i > 0 && name == sorted[i-1] {
			continue
		}
		m := s.lock(name)
		m.Lock()
		acquired = append(acquired, m)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

// Create forks a new branch from an existing one.
func (s *Service) Create(ctx context.Context, name, from, author string) (*models.Branch, error) {
	unlock := s.lockBranches(name, from)
	defer unlock()

	b, err := s.store.CreateBranch(ctx, name, from)
	if err != nil {
		return nil, err
	}
	s.logger.Info("branch created", "name", name, "from", from, "author", author)
	return b, nil
}

// Delete archives a branch. Returns false when the branch does not exist.
func (s *Service) Delete(ctx context.Context, name, author string) (bool, error) {
	unlock := s.lockBranches(name)
	defer unlock()

	deleted, err := s.store.DeleteBranch(ctx, name)
	if err != nil {
		return false, err
	}
	if deleted {
		s.logger.Info("branch deleted", "name", name, "author", author)
	}
	return deleted, nil
}

// Get returns one branch.
func (s *Service) Get(ctx context.Context, name string) (*models.Branch, error) {
	return s.store.GetBranch(ctx, name)
}

// List returns branches, optionally filtered by state.
func (s *Service) List(ctx context.Context, state models.BranchState) ([]models.Branch, error) {
	return s.store.ListBranches(ctx, state)
}

// UpdateState transitions a branch through its lifecycle state machine.
// Illegal transitions fail with Conflict.
func (s *Service) UpdateState(ctx context.Context, name string, to models.BranchState, by, reason string) (*models.Branch, error) {
	unlock := s.lockBranches(name)
	defer unlock()

	b, err := s.store.GetBranch(ctx, name)
	if err != nil {
		return nil, err
	}
	if b.State == to {
		return b, nil
	}
	if !models.CanTransition(b.State, to) {
		return nil, errcode.Conflict(
			"illegal branch state transition "+string(b.State)+" -> "+string(to), string(b.State), string(to))
	}
	from := b.State
	db := s.store.DB().WithContext(ctx)
	if err := b.UpdateState(db, to, by, reason); err != nil {
		return nil, errcode.Transient("failed to update branch state", err)
	}
	if err := models.UpsertBranchStateRecord(db, name, map[string]interface{}{
		"state":          string(to),
		"previous_state": string(from),
		"reason":         reason,
	}, by); err != nil {
		return nil, errcode.Transient("failed to record branch state detail", err)
	}
	s.logger.Info("branch state changed", "name", name, "state", to, "by", by)
	return b, nil
}

// StateRecord returns the branch_states row holding the latest transition
// detail for a branch.
func (s *Service) StateRecord(ctx context.Context, name string) (*models.BranchStateRecord, error) {
	rec, err := models.GetBranchStateRecord(s.store.DB().WithContext(ctx), name)
	if err != nil {
		return nil, errcode.NotFound("branch %q has no recorded state detail", name)
	}
	return rec, nil
}

// Diff returns the resource-level difference from base to compare.
func (s *Service) Diff(ctx context.Context, base, compare string) (*versionstore.Diff, error) {
	return s.store.CompareBranches(ctx, base, compare)
}

// ProposalInput describes a new change proposal.
type ProposalInput struct {
	SourceBranch string   `json:"sourceBranch"`
	TargetBranch string   `json:"targetBranch"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Author       string   `json:"author"`
	Reviewers    []string `json:"reviewers,omitempty"`
}

// CreateProposal opens a proposal bridging source into target, capturing the
// heads and the diff at creation time.
func (s *Service) CreateProposal(ctx context.Context, in ProposalInput) (*models.Proposal, error) {
	if in.SourceBranch == in.TargetBranch {
		return nil, errcode.ValidationFailed("source and target branches must differ", nil)
	}
	if in.Title == "" {
		return nil, errcode.ValidationFailed("title is required", map[string]string{"title": "required"})
	}

	source, err := s.store.GetBranch(ctx, in.SourceBranch)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetBranch(ctx, in.TargetBranch)
	if err != nil {
		return nil, err
	}

	db := s.store.DB().WithContext(ctx)
	open, err := models.OpenProposalExists(db, in.SourceBranch, in.TargetBranch)
	if err != nil {
		return nil, errcode.Transient("failed to check open proposals", err)
	}
	if open {
		return nil, errcode.AlreadyExists("an open proposal from %q to %q already exists", in.SourceBranch, in.TargetBranch)
	}

	diff, err := s.store.CompareBranches(ctx, in.TargetBranch, in.SourceBranch)
	if err != nil {
		return nil, err
	}
	proposal := &models.Proposal{
		Title:        in.Title,
		Description:  in.Description,
		SourceBranch: in.SourceBranch,
		TargetBranch: in.TargetBranch,
		BaseHash:     target.Head,
		SourceHash:   source.Head,
		TargetHash:   target.Head,
		Status:       models.ProposalStatusReview,
		Diff:         models.MustJSON(diff),
		Author:       in.Author,
		Reviewers:    models.StringSlice(in.Reviewers),
	}
	if err := db.Create(proposal).Error; err != nil {
		return nil, errcode.Transient("failed to create proposal", err)
	}

	s.logger.Info("proposal created",
		"id", proposal.ID,
		"source", in.SourceBranch,
		"target", in.TargetBranch,
		"changes", diff.Total(),
	)
	return proposal, nil
}

// GetProposal returns one proposal.
func (s *Service) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	p, err := models.GetProposal(s.store.DB().WithContext(ctx), id)
	if err != nil {
		return nil, errcode.NotFound("proposal %q not found", id)
	}
	return p, nil
}

// ListProposals returns proposals filtered by status and target branch.
func (s *Service) ListProposals(ctx context.Context, status models.ProposalStatus, targetBranch string, limit int) ([]models.Proposal, error) {
	proposals, err := models.ListProposals(s.store.DB().WithContext(ctx), status, targetBranch, limit)
	if err != nil {
		return nil, errcode.Transient("failed to list proposals", err)
	}
	return proposals, nil
}

// ApproveProposal records a reviewer approval and moves the proposal to
// APPROVED.
func (s *Service) ApproveProposal(ctx context.Context, id, reviewer string) (*models.Proposal, error) {
	return s.review(ctx, id, reviewer, models.ProposalStatusApproved)
}

// RejectProposal moves the proposal to REJECTED.
func (s *Service) RejectProposal(ctx context.Context, id, reviewer string) (*models.Proposal, error) {
	return s.review(ctx, id, reviewer, models.ProposalStatusRejected)
}

func (s *Service) review(ctx context.Context, id, reviewer string, to models.ProposalStatus) (*models.Proposal, error) {
	db := s.store.DB().WithContext(ctx)
	p, err := models.GetProposal(db, id)
	if err != nil {
		return nil, errcode.NotFound("proposal %q not found", id)
	}
	switch p.Status {
	case models.ProposalStatusDraft, models.ProposalStatusReview:
	default:
		return nil, errcode.Conflict("proposal "+id+" is "+string(p.Status)+" and cannot be reviewed", "", "")
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if to == models.ProposalStatusApproved {
		p.Approvals = append(p.Approvals, reviewer)
		updates["approvals"] = p.Approvals
	}
	if err := db.Model(p).Updates(updates).Error; err != nil {
		return nil, errcode.Transient("failed to update proposal", err)
	}
	p.Status = to

	s.logger.Info("proposal reviewed", "id", id, "status", to, "reviewer", reviewer)
	return p, nil
}
