package models

import (
	"time"

	"gorm.io/gorm"
)

// VersionDelta is an optional precomputed diff between two versions of a
// resource. Deltas are a read optimization; the version chain remains the
// source of truth.
type VersionDelta struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Type       string `gorm:"type:varchar(100);not null;index:idx_deltas_key,priority:1" json:"type"`
	ResourceID string `gorm:"type:varchar(255);not null;index:idx_deltas_key,priority:2" json:"resourceId"`
	Branch     string `gorm:"type:varchar(255);not null;index:idx_deltas_key,priority:3" json:"branch"`

	FromVersion int  `gorm:"not null" json:"fromVersion"`
	ToVersion   int  `gorm:"not null" json:"toVersion"`
	Delta       JSON `gorm:"type:text" json:"delta"`

	CreatedAt time.Time `json:"createdAt"`
}

// TableName specifies the table name.
func (VersionDelta) TableName() string {
	return "version_deltas"
}

// GetDelta retrieves a precomputed delta if one exists.
func GetDelta(db *gorm.DB, typ, id, branch string, from, to int) (*VersionDelta, error) {
	var delta VersionDelta
	err := db.Where("type = ? AND resource_id = ? AND branch = ? AND from_version = ? AND to_version = ?",
		typ, id, branch, from, to).
		First(&delta).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &delta, nil
}
