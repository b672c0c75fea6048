package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ResourceVersion is one row in the append-only version table. Every
// committed document mutation produces exactly one row; the per-key chain
// (type, id, branch) is ordered by the monotonic Version counter.
type ResourceVersion struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Type       string `gorm:"type:varchar(100);not null;index:idx_versions_asof,priority:1;index:idx_versions_history,priority:1" json:"type"`
	ResourceID string `gorm:"type:varchar(255);not null;index:idx_versions_history,priority:2" json:"resourceId"`
	Branch     string `gorm:"type:varchar(255);not null;index:idx_versions_asof,priority:2;index:idx_versions_history,priority:3" json:"branch"`
	Version    int    `gorm:"not null;index:idx_versions_history,priority:4" json:"version"`

	CommitHash string    `gorm:"type:varchar(64);not null;index:idx_versions_commit" json:"commitHash"`
	ModifiedAt time.Time `gorm:"not null;index:idx_versions_asof,priority:3" json:"modifiedAt"`
	ModifiedBy string    `gorm:"type:varchar(255);not null" json:"modifiedBy"`

	// ChangeType is create, update, or delete. A delete row is a tombstone:
	// the key is logically absent at and after that version.
	ChangeType ChangeOp `gorm:"type:varchar(10);not null" json:"changeType"`

	Content       JSON        `gorm:"type:text" json:"content"`
	FieldsChanged StringSlice `gorm:"type:text" json:"fieldsChanged"`
	VersionHash   string      `gorm:"type:varchar(64)" json:"versionHash"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName specifies the table name.
func (ResourceVersion) TableName() string {
	return "resource_versions"
}

// IsTombstone reports whether this version deletes the resource.
func (v *ResourceVersion) IsTombstone() bool {
	return v.ChangeType == ChangeOpDelete
}

// Document decodes the content JSON into a generic document map.
func (v *ResourceVersion) Document() (map[string]interface{}, error) {
	if v.Content.IsNull() {
		return nil, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(v.Content, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s v%d: %w", v.Type, v.ResourceID, v.Version, err)
	}
	return doc, nil
}

// LatestVersion returns the newest version row for a key, tombstones
// included, or nil if the key was never written on the branch.
func LatestVersion(db *gorm.DB, typ, id, branch string) (*ResourceVersion, error) {
	var row ResourceVersion
	err := db.Where("type = ? AND resource_id = ? AND branch = ?", typ, id, branch).
		Order("version DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// VersionAsOf returns the newest version row with modified_at <= at,
// tombstones included, or nil when nothing existed yet.
func VersionAsOf(db *gorm.DB, typ, id, branch string, at time.Time) (*ResourceVersion, error) {
	var row ResourceVersion
	err := db.Where("type = ? AND resource_id = ? AND branch = ? AND modified_at <= ?", typ, id, branch, at).
		Order("version DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// VersionChain returns all versions for a key ordered by version ascending.
func VersionChain(db *gorm.DB, typ, id, branch string) ([]ResourceVersion, error) {
	var rows []ResourceVersion
	err := db.Where("type = ? AND resource_id = ? AND branch = ?", typ, id, branch).
		Order("version ASC").
		Find(&rows).Error
	return rows, err
}

// VersionsByCommit returns the versions produced by one commit on a branch.
func VersionsByCommit(db *gorm.DB, commitHash, branch string) ([]ResourceVersion, error) {
	var rows []ResourceVersion
	err := db.Where("commit_hash = ? AND branch = ?", commitHash, branch).
		Order("type ASC, resource_id ASC").
		Find(&rows).Error
	return rows, err
}

// LatestVersionsByType returns the newest row per resource id for a type on a
// branch, tombstones included. Callers filter tombstones as needed.
func LatestVersionsByType(db *gorm.DB, typ, branch string) (map[string]*ResourceVersion, error) {
	var rows []ResourceVersion
	err := db.Where("type = ? AND branch = ?", typ, branch).
		Order("resource_id ASC, version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*ResourceVersion)
	for i := range rows {
		row := rows[i]
		prev, ok := latest[row.ResourceID]
		if !ok || row.Version > prev.Version {
			latest[row.ResourceID] = &rows[i]
		}
	}
	return latest, nil
}

// LatestVersionsByTypeAsOf is LatestVersionsByType restricted to
// modified_at <= at.
func LatestVersionsByTypeAsOf(db *gorm.DB, typ, branch string, at time.Time) (map[string]*ResourceVersion, error) {
	var rows []ResourceVersion
	err := db.Where("type = ? AND branch = ? AND modified_at <= ?", typ, branch, at).
		Order("resource_id ASC, version ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*ResourceVersion)
	for i := range rows {
		row := rows[i]
		prev, ok := latest[row.ResourceID]
		if !ok || row.Version > prev.Version {
			latest[row.ResourceID] = &rows[i]
		}
	}
	return latest, nil
}

// VersionsBetween returns versions of a type (optionally one resource id)
// with modified_at in [from, to], ordered by (resource_id, version). afterID
// and afterVersion resume a keyset scan past the previous page's last row.
func VersionsBetween(db *gorm.DB, typ, id, branch string, from, to time.Time, afterID string, afterVersion, limit int) ([]ResourceVersion, error) {
	q := db.Where("type = ? AND branch = ? AND modified_at >= ? AND modified_at <= ?", typ, branch, from, to)
	if id != "" {
		q = q.Where("resource_id = ?", id)
	}
	if afterID != "" {
		q = q.Where("resource_id > ? OR (resource_id = ? AND version > ?)", afterID, afterID, afterVersion)
	}
	q = q.Order("resource_id ASC, version ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []ResourceVersion
	err := q.Find(&rows).Error
	return rows, err
}

// CopyBranchVersions duplicates every version row of one branch onto another,
// preserving version numbers, commit linkage, and timestamps. Used at branch
// creation so the fork inherits the parent's full history.
func CopyBranchVersions(db *gorm.DB, from, to string) error {
	const batchSize = 500
	var rows []ResourceVersion
	err := db.Where("branch = ?", from).
		Order("id ASC").
		FindInBatches(&rows, batchSize, func(tx *gorm.DB, _ int) error {
			copies := make([]ResourceVersion, len(rows))
			for i, row := range rows {
				row.ID = 0
				row.Branch = to
				copies[i] = row
			}
			return db.Create(&copies).Error
		}).Error
	return err
}

// CopyMissingVersions duplicates version rows present on one branch but not
// the other, preserving version numbers and timestamps. Used by fast-forward,
// where the source branch's chains are supersets of the target's.
func CopyMissingVersions(db *gorm.DB, from, to string) error {
	type key struct {
		Type    string
		ID      string
		Version int
	}

	var existing []ResourceVersion
	err := db.Select("type", "resource_id", "version").
		Where("branch = ?", to).
		Find(&existing).Error
	if err != nil {
		return err
	}
	seen := make(map[key]bool, len(existing))
	for _, row := range existing {
		seen[key{row.Type, row.ResourceID, row.Version}] = true
	}

	const batchSize = 500
	var rows []ResourceVersion
	return db.Where("branch = ?", from).
		Order("id ASC").
		FindInBatches(&rows, batchSize, func(tx *gorm.DB, _ int) error {
			var copies []ResourceVersion
			for _, row := range rows {
				if seen[key{row.Type, row.ResourceID, row.Version}] {
					continue
				}
				row.ID = 0
				row.Branch = to
				copies = append(copies, row)
			}
			if len(copies) == 0 {
				return nil
			}
			return db.Create(&copies).Error
		}).Error
}

// CountLiveByType counts non-tombstoned resources of a type on a branch.
func CountLiveByType(db *gorm.DB, typ, branch string) (int64, error) {
	latest, err := LatestVersionsByType(db, typ, branch)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, row := range latest {
		if !row.IsTombstone() {
			n++
		}
	}
	return n, nil
}

// DistinctTypes returns the resource types present on a branch.
func DistinctTypes(db *gorm.DB, branch string) ([]string, error) {
	var types []string
	err := db.Model(&ResourceVersion{}).
		Where("branch = ?", branch).
		Distinct("type").
		Order("type ASC").
		Pluck("type", &types).Error
	return types, err
}
