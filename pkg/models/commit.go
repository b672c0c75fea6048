package models

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// ChangeOp is the operation recorded for a changed resource within a commit.
type ChangeOp string

const (
	ChangeOpCreate ChangeOp = "create"
	ChangeOpUpdate ChangeOp = "update"
	ChangeOpDelete ChangeOp = "delete"
)

// ChangeRecord identifies one resource touched by a commit.
type ChangeRecord struct {
	EntityType string   `json:"entityType"`
	EntityID   string   `json:"entityId"`
	Operation  ChangeOp `json:"operation"`
}

// Commit is an immutable record of a set of changes with parent linkage.
// Commits are append-only: deleting a branch never deletes its commits, and
// orphaned commits remain reachable by hash.
type Commit struct {
	Hash      string      `gorm:"type:varchar(64);primaryKey" json:"hash"`
	Parents   StringSlice `gorm:"type:text" json:"parents"`
	Author    string      `gorm:"type:varchar(255);not null" json:"author"`
	Message   string      `gorm:"type:text" json:"message"`
	Timestamp time.Time   `gorm:"not null;index:idx_commits_timestamp" json:"timestamp"`
	TreeHash  string      `gorm:"type:varchar(64)" json:"treeHash"`

	// ChangedResources is the JSON list of (type, id, op) for this commit.
	ChangedResources JSON `gorm:"type:text" json:"changedResources"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName specifies the table name.
func (Commit) TableName() string {
	return "commits"
}

// Changes decodes the changed-resources list.
func (c *Commit) Changes() ([]ChangeRecord, error) {
	if c.ChangedResources.IsNull() {
		return nil, nil
	}
	var out []ChangeRecord
	if err := json.Unmarshal(c.ChangedResources, &out); err != nil {
		return nil, fmt.Errorf("failed to decode changed resources for %s: %w", c.Hash, err)
	}
	return out, nil
}

// IsMerge reports whether the commit has two parents.
func (c *Commit) IsMerge() bool {
	return len(c.Parents) == 2
}

// commitDigest is the canonical form hashed to produce a commit hash. Field
// order and change ordering are fixed so the hash is reproducible.
type commitDigest struct {
	Changes   []ChangeRecord `json:"changes"`
	Parents   []string       `json:"parents"`
	Author    string         `json:"author"`
	Message   string         `json:"message"`
	Timestamp int64          `json:"timestamp"`
}

// ComputeCommitHash computes the deterministic content hash of a commit.
// Changes are sorted by (type, id, op) before hashing so the same change set
// always produces the same hash regardless of staging order.
func ComputeCommitHash(changes []ChangeRecord, parents []string, author, message string, timestamp time.Time) (string, error) {
	sorted := make([]ChangeRecord, len(changes))
	copy(sorted, changes)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].EntityType != sorted[j].EntityType {
			return sorted[i].EntityType < sorted[j].EntityType
		}
		if sorted[i].EntityID != sorted[j].EntityID {
			return sorted[i].EntityID < sorted[j].EntityID
		}
		return sorted[i].Operation < sorted[j].Operation
	})

	if parents == nil {
		parents = []string{}
	}

	digest := commitDigest{
		Changes:   sorted,
		Parents:   parents,
		Author:    author,
		Message:   message,
		Timestamp: timestamp.UnixNano(),
	}

	data, err := json.Marshal(digest)
	if err != nil {
		return "", fmt.Errorf("failed to marshal commit digest: %w", err)
	}

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash), nil
}

// ComputeVersionHash computes the content hash of a document, excluding audit
// fields and "@"-prefixed system keys. Used for change detection and merge
// equality.
func ComputeVersionHash(content map[string]interface{}) (string, error) {
	filtered := FilterAuditFields(content)

	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Canonical form: sorted key/value pairs.
	canonical := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		canonical = append(canonical, k, filtered[k])
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to marshal content: %w", err)
	}

	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash), nil
}

// auditFields are excluded from version hashing and merge equality.
var auditFields = map[string]bool{
	"createdAt":   true,
	"createdBy":   true,
	"modifiedAt":  true,
	"modifiedBy":  true,
	"versionHash": true,
}

// FilterAuditFields returns a copy of content without audit fields or
// "@"-prefixed system keys.
func FilterAuditFields(content map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(content))
	for k, v := range content {
		if auditFields[k] {
			continue
		}
		if len(k) > 0 && k[0] == '@' {
			continue
		}
		out[k] = v
	}
	return out
}

// GetCommit retrieves a commit by hash.
func GetCommit(db *gorm.DB, hash string) (*Commit, error) {
	var commit Commit
	err := db.Where("hash = ?", hash).First(&commit).Error
	if err != nil {
		return nil, err
	}
	return &commit, nil
}

// GetCommits retrieves several commits by hash in one query.
func GetCommits(db *gorm.DB, hashes []string) ([]Commit, error) {
	var commits []Commit
	err := db.Where("hash IN ?", hashes).Find(&commits).Error
	return commits, err
}

// CommitExists reports whether a commit hash exists.
func CommitExists(db *gorm.DB, hash string) (bool, error) {
	var count int64
	err := db.Model(&Commit{}).Where("hash = ?", hash).Count(&count).Error
	return count > 0, err
}
