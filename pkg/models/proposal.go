package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProposalStatus is the review state of a change proposal.
type ProposalStatus string

const (
	ProposalStatusDraft    ProposalStatus = "DRAFT"
	ProposalStatusReview   ProposalStatus = "REVIEW"
	ProposalStatusApproved ProposalStatus = "APPROVED"
	ProposalStatusRejected ProposalStatus = "REJECTED"
	ProposalStatusMerged   ProposalStatus = "MERGED"
)

// Proposal is the review object bridging a source and target branch. Merging
// requires APPROVED status and a source hash that still matches the source
// branch HEAD.
type Proposal struct {
	ID          string `gorm:"type:varchar(100);primaryKey" json:"id"`
	Title       string `gorm:"type:varchar(500);not null" json:"title"`
	Description string `gorm:"type:text" json:"description"`

	SourceBranch string `gorm:"type:varchar(255);not null;index:idx_proposals_source" json:"sourceBranch"`
	TargetBranch string `gorm:"type:varchar(255);not null;index:idx_proposals_target" json:"targetBranch"`

	// BaseHash is the target HEAD at creation, the common-ancestor surrogate
	// for the three-way merge.
	BaseHash   string `gorm:"type:varchar(64);not null" json:"baseHash"`
	SourceHash string `gorm:"type:varchar(64);not null" json:"sourceHash"`
	TargetHash string `gorm:"type:varchar(64);not null" json:"targetHash"`

	Status ProposalStatus `gorm:"type:varchar(20);not null;default:'DRAFT';index:idx_proposals_status" json:"status"`

	Diff      JSON `gorm:"type:text" json:"diff,omitempty"`
	Conflicts JSON `gorm:"type:text" json:"conflicts,omitempty"`

	Author    string      `gorm:"type:varchar(255);not null" json:"author"`
	Reviewers StringSlice `gorm:"type:text" json:"reviewers"`
	Approvals StringSlice `gorm:"type:text" json:"approvals"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	MergedAt  *time.Time `json:"mergedAt,omitempty"`
	MergedBy  string     `gorm:"type:varchar(255)" json:"mergedBy,omitempty"`
}

// TableName specifies the table name.
func (Proposal) TableName() string {
	return "proposals"
}

// NewProposalID generates a proposal identifier.
func NewProposalID() string {
	return fmt.Sprintf("proposal_%s", uuid.New().String())
}

// BeforeCreate hook fills defaults.
func (p *Proposal) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = NewProposalID()
	}
	if p.Status == "" {
		p.Status = ProposalStatusDraft
	}
	if p.SourceBranch == "" || p.TargetBranch == "" {
		return fmt.Errorf("source and target branches are required")
	}
	return nil
}

// Approved reports whether the proposal can be merged.
func (p *Proposal) Approved() bool {
	return p.Status == ProposalStatusApproved
}

// GetProposal retrieves a proposal by id.
func GetProposal(db *gorm.DB, id string) (*Proposal, error) {
	var proposal Proposal
	err := db.Where("id = ?", id).First(&proposal).Error
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

// ListProposals returns proposals filtered by status and/or target branch,
// newest first.
func ListProposals(db *gorm.DB, status ProposalStatus, targetBranch string, limit int) ([]Proposal, error) {
	q := db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if targetBranch != "" {
		q = q.Where("target_branch = ?", targetBranch)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var proposals []Proposal
	err := q.Find(&proposals).Error
	return proposals, err
}

// OpenProposalExists reports whether an unmerged proposal already bridges the
// same source and target.
func OpenProposalExists(db *gorm.DB, source, target string) (bool, error) {
	var count int64
	err := db.Model(&Proposal{}).
		Where("source_branch = ? AND target_branch = ? AND status IN ?",
			source, target,
			[]ProposalStatus{ProposalStatusDraft, ProposalStatusReview, ProposalStatusApproved}).
		Count(&count).Error
	return count > 0, err
}
