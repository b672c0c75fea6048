// Package temporal answers point-in-time and history queries over the
// version table: state as of an instant, version ranges, full chains,
// cross-instant diffs, timelines, and branch snapshots.
package temporal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foundry-forge/oms/pkg/models"
)

// VersionEntry is one version of a resource with chain navigation filled in
// by ALL_VERSIONS queries.
type VersionEntry struct {
	Type          string                 `json:"type"`
	ResourceID    string                 `json:"resourceId"`
	Branch        string                 `json:"branch"`
	Version       int                    `json:"version"`
	CommitHash    string                 `json:"commitHash"`
	ModifiedAt    time.Time              `json:"modifiedAt"`
	ModifiedBy    string                 `json:"modifiedBy"`
	ChangeType    models.ChangeOp        `json:"changeType"`
	FieldsChanged []string               `json:"fieldsChanged,omitempty"`
	VersionHash   string                 `json:"versionHash,omitempty"`
	Document      map[string]interface{} `json:"document,omitempty"`

	// VersionDuration is how long this version was current; zero for the
	// newest version.
	VersionDuration time.Duration `json:"versionDuration,omitempty"`
	PreviousVersion *int          `json:"previousVersion,omitempty"`
	NextVersion     *int          `json:"nextVersion,omitempty"`
}

// entryFromRow projects a version row into the query result shape.
func entryFromRow(row *models.ResourceVersion) (VersionEntry, error) {
	doc, err := row.Document()
	if err != nil {
		return VersionEntry{}, err
	}
	return VersionEntry{
		Type:          row.Type,
		ResourceID:    row.ResourceID,
		Branch:        row.Branch,
		Version:       row.Version,
		CommitHash:    row.CommitHash,
		ModifiedAt:    row.ModifiedAt,
		ModifiedBy:    row.ModifiedBy,
		ChangeType:    row.ChangeType,
		FieldsChanged: row.FieldsChanged,
		VersionHash:   row.VersionHash,
		Document:      doc,
	}, nil
}

// QueryResult is a page of version entries.
type QueryResult struct {
	Entries    []VersionEntry `json:"entries"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// DiffOperation classifies one resource between two instants.
type DiffOperation string

const (
	DiffCreated   DiffOperation = "created"
	DiffUpdated   DiffOperation = "updated"
	DiffDeleted   DiffOperation = "deleted"
	DiffUnchanged DiffOperation = "unchanged"
)

// TemporalDiff describes how one resource changed between two instants.
type TemporalDiff struct {
	Type        string        `json:"type"`
	ResourceID  string        `json:"resourceId"`
	Operation   DiffOperation `json:"operation"`
	FromVersion int           `json:"fromVersion,omitempty"`
	ToVersion   int           `json:"toVersion,omitempty"`
	Changes     []string      `json:"changes,omitempty"`
}

// CompareResult groups the per-resource diffs of a two-instant comparison.
type CompareResult struct {
	Branch string         `json:"branch"`
	From   time.Time      `json:"from"`
	To     time.Time      `json:"to"`
	Diffs  []TemporalDiff `json:"diffs"`
}

// TimelineStats summarizes a resource's change history.
type TimelineStats struct {
	TotalVersions             int           `json:"totalVersions"`
	TotalUpdates              int           `json:"totalUpdates"`
	UniqueContributors        int           `json:"uniqueContributors"`
	AverageTimeBetweenChanges time.Duration `json:"averageTimeBetweenChanges"`
	FirstModifiedAt           time.Time     `json:"firstModifiedAt"`
	LastModifiedAt            time.Time     `json:"lastModifiedAt"`
	DeletedAt                 *time.Time    `json:"deletedAt,omitempty"`
}

// Timeline is the full event history of one resource plus derived stats.
type Timeline struct {
	Type       string         `json:"type"`
	ResourceID string         `json:"resourceId"`
	Branch     string         `json:"branch"`
	Events     []VersionEntry `json:"events"`
	Stats      TimelineStats  `json:"stats"`
}

// Snapshot is the shape of a branch at one instant.
type Snapshot struct {
	Branch       string                                       `json:"branch"`
	At           time.Time                                    `json:"at"`
	CountsByType map[string]int                               `json:"countsByType"`
	TotalCount   int                                          `json:"totalCount"`
	Data         map[string]map[string]map[string]interface{} `json:"data,omitempty"`
}

// Cursor is the keyset position of a range scan.
type Cursor struct {
	LastModifiedAt time.Time `json:"lastModifiedAt"`
	LastVersion    int       `json:"lastVersion"`
	LastID         string    `json:"lastId"`
}

// Encode serializes the cursor for transport.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor string; empty input yields the zero cursor.
func DecodeCursor(s string) (Cursor, error) {
	var c Cursor
	if s == "" {
		return c, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	return c, nil
}
