package models

import (
	"fmt"
	"regexp"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BranchState is the lifecycle state of a branch.
type BranchState string

const (
	BranchStateActive         BranchState = "ACTIVE"
	BranchStateLockedForWrite BranchState = "LOCKED_FOR_WRITE"
	BranchStateReady          BranchState = "READY"
	BranchStateMerged         BranchState = "MERGED"
	BranchStateArchived       BranchState = "ARCHIVED"
	BranchStateFailed         BranchState = "FAILED"
)

// System branches are always present and always protected.
const (
	BranchMain      = "main"
	BranchVersions  = "_versions"
	BranchProposals = "_proposals"
	BranchOutbox    = "_outbox"
)

// SystemBranches lists the branches seeded at initialization.
func SystemBranches() []string {
	return []string{BranchMain, BranchVersions, BranchProposals, BranchOutbox}
}

// IsSystemBranch reports whether name is a reserved system branch.
func IsSystemBranch(name string) bool {
	switch name {
	case BranchMain, BranchVersions, BranchProposals, BranchOutbox:
		return true
	}
	return false
}

// branchNameRe validates user branch names: lowercase, starts with a letter.
var branchNameRe = regexp.MustCompile(`^[a-z][a-z0-9/-]*$`)

// ValidBranchName reports whether name is acceptable for a user branch.
func ValidBranchName(name string) bool {
	return branchNameRe.MatchString(name)
}

// validTransitions encodes the branch state machine.
var validTransitions = map[BranchState][]BranchState{
	BranchStateActive:         {BranchStateLockedForWrite, BranchStateReady, BranchStateArchived},
	BranchStateLockedForWrite: {BranchStateActive, BranchStateReady, BranchStateFailed},
	BranchStateReady:          {BranchStateMerged, BranchStateActive, BranchStateArchived},
	BranchStateMerged:         {BranchStateArchived},
	BranchStateFailed:         {BranchStateActive, BranchStateArchived},
	BranchStateArchived:       {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to BranchState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Branch is a named mutable reference to a commit.
type Branch struct {
	Name         string `gorm:"type:varchar(255);primaryKey" json:"name"`
	Head         string `gorm:"type:varchar(64);not null" json:"head"`
	ParentBranch string `gorm:"type:varchar(255)" json:"parentBranch,omitempty"`
	IsProtected  bool   `gorm:"not null;default:false" json:"isProtected"`

	State          BranchState `gorm:"type:varchar(20);not null;default:'ACTIVE';index:idx_branches_state" json:"state"`
	StateChangedAt *time.Time  `json:"stateChangedAt,omitempty"`
	StateChangedBy string      `gorm:"type:varchar(255)" json:"stateChangedBy,omitempty"`
	StateReason    string      `gorm:"type:text" json:"stateReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name.
func (Branch) TableName() string {
	return "branches"
}

// BeforeCreate hook sets the default state.
func (b *Branch) BeforeCreate(tx *gorm.DB) error {
	if b.State == "" {
		b.State = BranchStateActive
	}
	return nil
}

// Writable reports whether the branch accepts document writes in its current
// state. Protection is checked separately by the callers that honor it.
func (b *Branch) Writable() bool {
	return b.State == BranchStateActive
}

// GetBranch retrieves a branch by name.
func GetBranch(db *gorm.DB, name string) (*Branch, error) {
	var branch Branch
	err := db.Where("name = ?", name).First(&branch).Error
	if err != nil {
		return nil, err
	}
	return &branch, nil
}

// ListBranches returns all branches ordered by name, optionally filtered by
// state.
func ListBranches(db *gorm.DB, state BranchState) ([]Branch, error) {
	var branches []Branch
	q := db.Order("name ASC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	err := q.Find(&branches).Error
	return branches, err
}

// UpdateHead performs the compare-and-swap head update that serializes
// concurrent committers. Returns the number of rows updated: zero means the
// expected head no longer matches and the caller lost the race.
func UpdateHead(db *gorm.DB, name, expected, next string) (int64, error) {
	result := db.Model(&Branch{}).
		Where("name = ? AND head = ?", name, expected).
		Updates(map[string]interface{}{
			"head":       next,
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

// UpdateState records a state transition with audit detail. The transition is
// not validated here; the branch service owns the state machine.
func (b *Branch) UpdateState(db *gorm.DB, to BranchState, by, reason string) error {
	now := time.Now().UTC()
	err := db.Model(b).Updates(map[string]interface{}{
		"state":            to,
		"state_changed_at": now,
		"state_changed_by": by,
		"state_reason":     reason,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update branch state: %w", err)
	}
	b.State = to
	b.StateChangedAt = &now
	b.StateChangedBy = by
	b.StateReason = reason
	return nil
}

// BranchStateRecord stores auxiliary per-branch state data (lock holders,
// merge progress) outside the branch row itself.
type BranchStateRecord struct {
	BranchName string    `gorm:"type:varchar(255);primaryKey" json:"branchName"`
	StateData  JSON      `gorm:"type:text" json:"stateData"`
	UpdatedAt  time.Time `json:"updatedAt"`
	UpdatedBy  string    `gorm:"type:varchar(255)" json:"updatedBy"`
}

// TableName specifies the table name.
func (BranchStateRecord) TableName() string {
	return "branch_states"
}

// UpsertBranchStateRecord writes the branch_states row for a branch with the
// latest transition detail. One row per branch; later transitions replace
// earlier ones.
func UpsertBranchStateRecord(db *gorm.DB, name string, data map[string]interface{}, by string) error {
	rec := BranchStateRecord{
		BranchName: name,
		StateData:  MustJSON(data),
		UpdatedAt:  time.Now().UTC(),
		UpdatedBy:  by,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "branch_name"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to upsert branch state record: %w", err)
	}
	return nil
}

// GetBranchStateRecord returns the branch_states row for a branch.
func GetBranchStateRecord(db *gorm.DB, name string) (*BranchStateRecord, error) {
	var rec BranchStateRecord
	if err := db.Where("branch_name = ?", name).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
