package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/merge"
	"github.com/foundry-forge/oms/pkg/models"
	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
	"github.com/foundry-forge/oms/pkg/repository"
)

// MergeStrategy selects how an approved proposal lands on its target branch.
type MergeStrategy string

const (
	// StrategyMerge applies the three-way merge result as one merge commit
	// with both heads as parents.
	StrategyMerge MergeStrategy = "MERGE"

	// StrategySquash collapses the whole source diff into a single commit.
	StrategySquash MergeStrategy = "SQUASH"

	// StrategyRebase replays each source commit onto the target in order.
	StrategyRebase MergeStrategy = "REBASE"
)

// MergeOutcome reports the result of a merge attempt. On conflict failures
// Conflicts carries the unresolved set.
type MergeOutcome struct {
	ProposalID string           `json:"proposalId"`
	Strategy   MergeStrategy    `json:"strategy"`
	CommitHash string           `json:"commitHash,omitempty"`
	Conflicts  []merge.Conflict `json:"conflicts,omitempty"`
	Stats      merge.Stats      `json:"stats,omitempty"`
}

// Merge lands an approved proposal on its target branch. Resolutions are
// keyed by "<type>/<id>"; a nil resolution document resolves as a delete.
func (s *Service) Merge(ctx context.Context, proposalID string, strategy MergeStrategy, resolutions map[string]map[string]interface{}, author string) (*MergeOutcome, error) {
	if strategy == "" {
		strategy = StrategyMerge
	}

	p, err := s.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if !p.Approved() {
		return nil, errcode.Conflict(
			"proposal "+proposalID+" is "+string(p.Status)+", only APPROVED proposals can merge", "", "")
	}

	unlock := s.lockBranches(p.SourceBranch, p.TargetBranch)
	defer unlock()

	sourceHead, err := s.store.BranchHead(ctx, p.SourceBranch)
	if err != nil {
		return nil, err
	}
	if sourceHead != p.SourceHash {
		return nil, errcode.Conflict("source branch moved since approval", p.SourceHash, sourceHead,
			"re-run validation and approval against the new head")
	}

	outcome := &MergeOutcome{ProposalID: proposalID, Strategy: strategy}
	switch strategy {
	case StrategyMerge:
		err = s.mergeThreeWay(ctx, p, sourceHead, resolutions, author, outcome)
	case StrategySquash:
		err = s.mergeSquash(ctx, p, author, outcome)
	case StrategyRebase:
		err = s.mergeRebase(ctx, p, sourceHead, author, outcome)
	default:
		return nil, errcode.ValidationFailed("unknown merge strategy "+string(strategy), nil)
	}
	if err != nil {
		return outcome, err
	}

	if err := s.markMerged(ctx, p, author); err != nil {
		return outcome, err
	}
	s.logger.Info("proposal merged",
		"id", proposalID,
		"strategy", strategy,
		"commit", outcome.CommitHash,
		"author", author,
	)
	return outcome, nil
}

// mergeThreeWay reconciles the full entity space of both branches against the
// proposal base and lands the result as a single merge commit.
func (s *Service) mergeThreeWay(ctx context.Context, p *models.Proposal, sourceHead string, resolutions map[string]map[string]interface{}, author string, outcome *MergeOutcome) error {
	base, source, target, err := s.mergeInputs(ctx, p)
	if err != nil {
		return err
	}

	res := merge.Merge(base, source, target, resolutions)
	outcome.Stats = res.Stats
	if !res.Clean() {
		outcome.Conflicts = res.Conflicts
		return errcode.Conflict(
			fmt.Sprintf("merge produced %d unresolved conflicts", len(res.Conflicts)), "", "",
			"supply resolutions for the conflicting resources and retry")
	}

	tx, err := s.store.Begin(ctx, p.TargetBranch)
	if err != nil {
		return err
	}
	tx.SetSecondParent(sourceHead)

	staged := 0
	for key, doc := range res.Merged {
		typ, id := splitKey(key)
		current, inTarget := target[key]
		switch {
		case !inTarget:
			tx.InsertDocument(typ, id, doc)
			staged++
		case docHash(doc) != docHash(current):
			tx.UpdateDocument(typ, id, doc, changedFields(current, doc))
			staged++
		}
	}
	for key := range target {
		if _, kept := res.Merged[key]; !kept {
			typ, id := splitKey(key)
			tx.DeleteDocument(typ, id)
			staged++
		}
	}

	if staged == 0 {
		outcome.CommitHash = p.TargetHash
		return nil
	}

	tx.StageEvent(cloudevents.TypeName("branch", "merged"), s.mergeEventPayload(p, StrategyMerge))

	hash, err := tx.Commit(ctx, author, fmt.Sprintf("merge %s into %s", p.SourceBranch, p.TargetBranch))
	if err != nil {
		return err
	}
	outcome.CommitHash = hash
	return nil
}

// mergeSquash replays the whole source diff as one commit on a temporary
// branch, then fast-forwards the target onto it.
func (s *Service) mergeSquash(ctx context.Context, p *models.Proposal, author string, outcome *MergeOutcome) error {
	diff, err := s.store.CompareBranches(ctx, p.TargetBranch, p.SourceBranch)
	if err != nil {
		return err
	}
	if diff.Empty() {
		outcome.CommitHash, err = s.store.BranchHead(ctx, p.TargetBranch)
		return err
	}

	temp := tempBranchName("squash")
	if _, err := s.store.CreateBranch(ctx, temp, p.TargetBranch); err != nil {
		return err
	}
	defer s.dropTempBranch(ctx, temp)

	tx, err := s.store.Begin(ctx, temp)
	if err != nil {
		return err
	}
	for _, c := range diff.Added {
		tx.InsertDocument(c.Type, c.ID, c.Compare)
	}
	for _, c := range diff.Modified {
		tx.UpdateDocument(c.Type, c.ID, c.Compare, changedFields(c.Base, c.Compare))
	}
	for _, c := range diff.Deleted {
		tx.DeleteDocument(c.Type, c.ID)
	}
	tx.StageEvent(cloudevents.TypeName("branch", "merged"), s.mergeEventPayload(p, StrategySquash))

	hash, err := tx.Commit(ctx, author,
		fmt.Sprintf("squash %s into %s: %s", p.SourceBranch, p.TargetBranch, p.Title))
	if err != nil {
		return err
	}

	if err := s.store.FastForward(ctx, temp, p.TargetBranch); err != nil {
		return err
	}
	outcome.CommitHash = hash
	return nil
}

// mergeRebase replays each source commit since the proposal base onto a
// temporary branch forked from the target. The first commit whose
// preconditions no longer hold aborts the whole rebase.
func (s *Service) mergeRebase(ctx context.Context, p *models.Proposal, sourceHead, author string, outcome *MergeOutcome) error {
	commits, err := s.commitsSince(ctx, sourceHead, p.BaseHash)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		outcome.CommitHash, err = s.store.BranchHead(ctx, p.TargetBranch)
		return err
	}

	temp := tempBranchName("rebase")
	if _, err := s.store.CreateBranch(ctx, temp, p.TargetBranch); err != nil {
		return err
	}
	defer s.dropTempBranch(ctx, temp)

	var lastHash string
	for _, c := range commits {
		hash, err := s.replayCommit(ctx, temp, p.SourceBranch, &c)
		if err != nil {
			return err
		}
		if hash != "" {
			lastHash = hash
		}
	}

	if lastHash == "" {
		outcome.CommitHash, err = s.store.BranchHead(ctx, p.TargetBranch)
		return err
	}

	if err := s.store.FastForward(ctx, temp, p.TargetBranch); err != nil {
		return err
	}
	outcome.CommitHash = lastHash
	return nil
}

// replayCommit re-applies one source commit onto the rebase branch. Returns
// an empty hash when the commit had nothing left to apply.
func (s *Service) replayCommit(ctx context.Context, temp, sourceBranch string, c *models.Commit) (string, error) {
	changes, err := c.Changes()
	if err != nil {
		return "", errcode.Fatal("corrupt commit change list", err)
	}
	if len(changes) == 0 {
		return "", nil
	}

	parentHash := ""
	if len(c.Parents) > 0 {
		parentHash = c.Parents[0]
	}

	tx, err := s.store.Begin(ctx, temp)
	if err != nil {
		return "", err
	}

	staged := 0
	for _, change := range changes {
		newDocs, err := s.store.DocumentsAtCommit(ctx, change.EntityType, sourceBranch, c.Hash)
		if err != nil {
			return "", err
		}
		var parentDoc map[string]interface{}
		if parentHash != "" {
			parentDocs, err := s.store.DocumentsAtCommit(ctx, change.EntityType, sourceBranch, parentHash)
			if err != nil {
				return "", err
			}
			parentDoc = parentDocs[change.EntityID]
		}

		newDoc := newDocs[change.EntityID]
		current, err := tx.GetDocument(ctx, change.EntityType, change.EntityID)
		if err != nil {
			return "", err
		}

		conflict := func(detail string) error {
			return errcode.Conflict(
				fmt.Sprintf("rebase stopped at commit %s: %s %s/%s", c.Hash, detail, change.EntityType, change.EntityID),
				"", "", "resolve on the source branch and retry")
		}

		switch change.Operation {
		case models.ChangeOpCreate:
			if current != nil {
				if docHash(current) == docHash(newDoc) {
					continue
				}
				return "", conflict("already exists with different content:")
			}
			tx.InsertDocument(change.EntityType, change.EntityID, newDoc)
			staged++
		case models.ChangeOpUpdate:
			if current == nil {
				return "", conflict("deleted on target:")
			}
			if docHash(current) == docHash(newDoc) {
				continue
			}
			if docHash(current) != docHash(parentDoc) {
				return "", conflict("modified on target:")
			}
			tx.UpdateDocument(change.EntityType, change.EntityID, newDoc, changedFields(current, newDoc))
			staged++
		case models.ChangeOpDelete:
			if current == nil {
				continue
			}
			if docHash(current) != docHash(parentDoc) {
				return "", conflict("modified on target:")
			}
			tx.DeleteDocument(change.EntityType, change.EntityID)
			staged++
		}
	}
	if staged == 0 {
		return "", nil
	}

	return tx.Commit(ctx, c.Author, c.Message)
}

// commitsSince walks the first-parent chain from head back to base and
// returns the commits oldest-first, excluding base itself.
func (s *Service) commitsSince(ctx context.Context, head, base string) ([]models.Commit, error) {
	var chain []models.Commit
	cursor := head
	for cursor != "" && cursor != base {
		c, err := s.store.GetCommit(ctx, cursor)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *c)
		if len(c.Parents) == 0 {
			return nil, errcode.Conflict("base commit is not an ancestor of the source head", base, head)
		}
		cursor = c.Parents[0]
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// mergeInputs builds the three composite-keyed document maps for a proposal.
func (s *Service) mergeInputs(ctx context.Context, p *models.Proposal) (base, source, target map[string]merge.Document, err error) {
	base = make(map[string]merge.Document)
	source = make(map[string]merge.Document)
	target = make(map[string]merge.Document)

	for _, typ := range repository.EntityTypes() {
		baseDocs, err := s.store.DocumentsAtCommit(ctx, typ, p.TargetBranch, p.BaseHash)
		if err != nil {
			return nil, nil, nil, err
		}
		sourceDocs, err := s.store.BranchDocuments(ctx, typ, p.SourceBranch)
		if err != nil {
			return nil, nil, nil, err
		}
		targetDocs, err := s.store.BranchDocuments(ctx, typ, p.TargetBranch)
		if err != nil {
			return nil, nil, nil, err
		}
		for id, doc := range baseDocs {
			base[joinKey(typ, id)] = doc
		}
		for id, doc := range sourceDocs {
			source[joinKey(typ, id)] = doc
		}
		for id, doc := range targetDocs {
			target[joinKey(typ, id)] = doc
		}
	}
	return base, source, target, nil
}

func (s *Service) mergeEventPayload(p *models.Proposal, strategy MergeStrategy) map[string]interface{} {
	return map[string]interface{}{
		"proposal_id":   p.ID,
		"source_branch": p.SourceBranch,
		"target_branch": p.TargetBranch,
		"strategy":      string(strategy),
		"title":         p.Title,
	}
}

func (s *Service) markMerged(ctx context.Context, p *models.Proposal, author string) error {
	now := time.Now().UTC()
	db := s.store.DB().WithContext(ctx)
	err := db.Model(p).Updates(map[string]interface{}{
		"status":    models.ProposalStatusMerged,
		"merged_at": now,
		"merged_by": author,
	}).Error
	if err != nil {
		return errcode.Transient("failed to mark proposal merged", err)
	}
	p.Status = models.ProposalStatusMerged
	p.MergedAt = &now
	p.MergedBy = author

	err = models.UpsertBranchStateRecord(db, p.SourceBranch, map[string]interface{}{
		"merged_into": p.TargetBranch,
		"proposal_id": p.ID,
	}, author)
	if err != nil {
		return errcode.Transient("failed to record branch state detail", err)
	}
	return nil
}

// dropTempBranch removes a rebase/squash scratch branch, logging on failure.
func (s *Service) dropTempBranch(ctx context.Context, name string) {
	if _, err := s.store.DeleteBranch(ctx, name); err != nil {
		s.logger.Warn("failed to drop temporary branch", "name", name, "error", err)
	}
}

func tempBranchName(kind string) string {
	return "tmp/" + kind + "-" + uuid.New().String()
}

func joinKey(typ, id string) string {
	return typ + "/" + id
}

func splitKey(key string) (typ, id string) {
	if i := strings.Index(key, "/"); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// docHash digests a document's content excluding audit fields; nil hashes to
// the empty string.
func docHash(doc map[string]interface{}) string {
	if doc == nil {
		return ""
	}
	h, err := models.ComputeVersionHash(doc)
	if err != nil {
		return ""
	}
	return h
}

// changedFields lists top-level fields that differ between two documents.
func changedFields(before, after map[string]interface{}) []string {
	keys := make(map[string]bool, len(before)+len(after))
	for k := range before {
		keys[k] = true
	}
	for k := range after {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		b, inB := before[k]
		a, inA := after[k]
		if inB != inA || docFieldDiffers(b, a) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

func docFieldDiffers(a, b interface{}) bool {
	aj, aerr := json.Marshal(a)
	bj, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return true
	}
	return string(aj) != string(bj)
}
