package temporal

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/foundry-forge/oms/pkg/cache"
	"github.com/foundry-forge/oms/pkg/errcode"
	"github.com/foundry-forge/oms/pkg/models"
	"github.com/foundry-forge/oms/pkg/versionstore"
)

// DefaultCacheTTL bounds how long temporal query results stay cached.
const DefaultCacheTTL = time.Hour

// DefaultPageSize applies to range scans without an explicit limit.
const DefaultPageSize = 100

// Engine executes time-travel queries. A nil cache disables caching.
type Engine struct {
	store  *versionstore.Store
	cache  *cache.Cache
	ttl    time.Duration
	logger hclog.Logger
}

// New creates a temporal engine.
func New(store *versionstore.Store, c *cache.Cache, ttl time.Duration, logger hclog.Logger) *Engine {
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		store:  store,
		cache:  c,
		ttl:    ttl,
		logger: logger.Named("temporal"),
	}
}

// cacheKey builds "temporal:<op>:<type>:<id|all>:<branch>:<hash>".
func cacheKey(op, typ, id, branch string, params map[string]string) string {
	if id == "" {
		id = "all"
	}
	return cache.Key("temporal:"+op+":"+typ+":"+id, branch, params)
}

// cached runs a loader through the cache when one is configured.
func cachedQuery[T any](ctx context.Context, e *Engine, key string, load func(context.Context) (*T, error)) (*T, error) {
	if e.cache == nil {
		return load(ctx)
	}
	var out T
	err := e.cache.GetOrLoad(ctx, key, e.ttl, &out, func(ctx context.Context) (interface{}, error) {
		return load(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AsOf returns the state of a resource (or of every resource of the type when
// id is empty) as of the given instant. Tombstoned resources are omitted
// unless includeDeleted.
func (e *Engine) AsOf(ctx context.Context, typ, id, branch string, at time.Time, includeDeleted bool) (*QueryResult, error) {
	key := cacheKey("asof", typ, id, branch, map[string]string{
		"at":              at.UTC().Format(time.RFC3339Nano),
		"include_deleted": strconv.FormatBool(includeDeleted),
	})
	return cachedQuery(ctx, e, key, func(ctx context.Context) (*QueryResult, error) {
		return e.asOf(ctx, typ, id, branch, at, includeDeleted)
	})
}

func (e *Engine) asOf(ctx context.Context, typ, id, branch string, at time.Time, includeDeleted bool) (*QueryResult, error) {
	if _, err := e.store.GetBranch(ctx, branch); err != nil {
		return nil, err
	}
	db := e.store.DB().WithContext(ctx)

	result := &QueryResult{}
	if id != "" {
		row, err := models.VersionAsOf(db, typ, id, branch, at)
		if err != nil {
			return nil, errcode.Transient("failed to read version", err)
		}
		if row == nil || (row.IsTombstone() && !includeDeleted) {
			return result, nil
		}
		entry, err := entryFromRow(row)
		if err != nil {
			return nil, errcode.Fatal("corrupt document content", err)
		}
		result.Entries = append(result.Entries, entry)
		return result, nil
	}

	latest, err := models.LatestVersionsByTypeAsOf(db, typ, branch, at)
	if err != nil {
		return nil, errcode.Transient("failed to read versions", err)
	}
	ids := make([]string, 0, len(latest))
	for rid := range latest {
		ids = append(ids, rid)
	}
	sort.Strings(ids)
	for _, rid := range ids {
		row := latest[rid]
		if row.IsTombstone() && !includeDeleted {
			continue
		}
		entry, err := entryFromRow(row)
		if err != nil {
			return nil, errcode.Fatal("corrupt document content", err)
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

// Before returns state strictly before the instant.
func (e *Engine) Before(ctx context.Context, typ, id, branch string, t time.Time, includeDeleted bool) (*QueryResult, error) {
	return e.AsOf(ctx, typ, id, branch, t.Add(-time.Nanosecond), includeDeleted)
}

// After returns every version recorded strictly after the instant.
func (e *Engine) After(ctx context.Context, typ, id, branch string, t time.Time, limit int, cursor string) (*QueryResult, error) {
	return e.Between(ctx, typ, id, branch, t.Add(time.Nanosecond), time.Now().UTC(), limit, cursor)
}

// Between returns every version with modified_at in [from, to], ordered by
// (resource id, version), paginated by keyset cursor.
func (e *Engine) Between(ctx context.Context, typ, id, branch string, from, to time.Time, limit int, cursor string) (*QueryResult, error) {
	if _, err := e.store.GetBranch(ctx, branch); err != nil {
		return nil, err
	}
	// A reversed range is an empty range, not an error.
	if to.Before(from) {
		return &QueryResult{}, nil
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	pos, err := DecodeCursor(cursor)
	if err != nil {
		return nil, errcode.ValidationFailed(err.Error(), nil)
	}

	db := e.store.DB().WithContext(ctx)
	rows, err := models.VersionsBetween(db, typ, id, branch, from, to, pos.LastID, pos.LastVersion, limit+1)
	if err != nil {
		return nil, errcode.Transient("failed to read versions", err)
	}

	result := &QueryResult{}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for i := range rows {
		entry, err := entryFromRow(&rows[i])
		if err != nil {
			return nil, errcode.Fatal("corrupt document content", err)
		}
		result.Entries = append(result.Entries, entry)
	}
	if hasMore {
		last := rows[len(rows)-1]
		result.NextCursor = Cursor{
			LastModifiedAt: last.ModifiedAt,
			LastVersion:    last.Version,
			LastID:         last.ResourceID,
		}.Encode()
	}
	return result, nil
}

// AllVersions returns the complete chain of one resource, oldest first, with
// per-version durations and chain navigation.
func (e *Engine) AllVersions(ctx context.Context, typ, id, branch string) (*QueryResult, error) {
	key := cacheKey("allversions", typ, id, branch, nil)
	return cachedQuery(ctx, e, key, func(ctx context.Context) (*QueryResult, error) {
		return e.allVersions(ctx, typ, id, branch)
	})
}

func (e *Engine) allVersions(ctx context.Context, typ, id, branch string) (*QueryResult, error) {
	if _, err := e.store.GetBranch(ctx, branch); err != nil {
		return nil, err
	}
	rows, err := models.VersionChain(e.store.DB().WithContext(ctx), typ, id, branch)
	if err != nil {
		return nil, errcode.Transient("failed to read version chain", err)
	}
	if len(rows) == 0 {
		return nil, errcode.NotFound("%s %q has no history on %s", typ, id, branch)
	}

	result := &QueryResult{Entries: make([]VersionEntry, 0, len(rows))}
	for i := range rows {
		entry, err := entryFromRow(&rows[i])
		if err != nil {
			return nil, errcode.Fatal("corrupt document content", err)
		}
		if i > 0 {
			prev := rows[i-1].Version
			entry.PreviousVersion = &prev
		}
		if i < len(rows)-1 {
			next := rows[i+1].Version
			entry.NextVersion = &next
			entry.VersionDuration = rows[i+1].ModifiedAt.Sub(rows[i].ModifiedAt)
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

// Compare diffs the branch state between two instants for the given types.
func (e *Engine) Compare(ctx context.Context, branch string, from, to time.Time, types []string) (*CompareResult, error) {
	key := cacheKey("compare", "multi", "", branch, map[string]string{
		"from":  from.UTC().Format(time.RFC3339Nano),
		"to":    to.UTC().Format(time.RFC3339Nano),
		"types": joinSorted(types),
	})
	return cachedQuery(ctx, e, key, func(ctx context.Context) (*CompareResult, error) {
		return e.compare(ctx, branch, from, to, types)
	})
}

func (e *Engine) compare(ctx context.Context, branch string, from, to time.Time, types []string) (*CompareResult, error) {
	if _, err := e.store.GetBranch(ctx, branch); err != nil {
		return nil, err
	}
	db := e.store.DB().WithContext(ctx)

	result := &CompareResult{Branch: branch, From: from, To: to}
	for _, typ := range types {
		older, err := models.LatestVersionsByTypeAsOf(db, typ, branch, from)
		if err != nil {
			return nil, errcode.Transient("failed to read versions", err)
		}
		newer, err := models.LatestVersionsByTypeAsOf(db, typ, branch, to)
		if err != nil {
			return nil, errcode.Transient("failed to read versions", err)
		}

		ids := make(map[string]bool, len(older)+len(newer))
		for id := range older {
			ids[id] = true
		}
		for id := range newer {
			ids[id] = true
		}
		ordered := make([]string, 0, len(ids))
		for id := range ids {
			ordered = append(ordered, id)
		}
		sort.Strings(ordered)

		for _, id := range ordered {
			oldRow, inOld := older[id]
			newRow, inNew := newer[id]
			oldLive := inOld && !oldRow.IsTombstone()
			newLive := inNew && !newRow.IsTombstone()

			diff := TemporalDiff{Type: typ, ResourceID: id}
			switch {
			case !oldLive && newLive:
				diff.Operation = DiffCreated
				diff.ToVersion = newRow.Version
			case oldLive && !newLive:
				diff.Operation = DiffDeleted
				diff.FromVersion = oldRow.Version
			case oldLive && newLive && oldRow.Version != newRow.Version:
				diff.Operation = DiffUpdated
				diff.FromVersion = oldRow.Version
				diff.ToVersion = newRow.Version
				diff.Changes = newRow.FieldsChanged
			default:
				diff.Operation = DiffUnchanged
				if inOld {
					diff.FromVersion = oldRow.Version
				}
				if inNew {
					diff.ToVersion = newRow.Version
				}
			}
			result.Diffs = append(result.Diffs, diff)
		}
	}
	return result, nil
}

// Timeline returns the full event history of one resource with derived
// statistics.
func (e *Engine) Timeline(ctx context.Context, typ, id, branch string) (*Timeline, error) {
	key := cacheKey("timeline", typ, id, branch, nil)
	return cachedQuery(ctx, e, key, func(ctx context.Context) (*Timeline, error) {
		return e.timeline(ctx, typ, id, branch)
	})
}

func (e *Engine) timeline(ctx context.Context, typ, id, branch string) (*Timeline, error) {
	chain, err := e.allVersions(ctx, typ, id, branch)
	if err != nil {
		return nil, err
	}
	events := chain.Entries

	stats := TimelineStats{
		TotalVersions:   len(events),
		FirstModifiedAt: events[0].ModifiedAt,
		LastModifiedAt:  events[len(events)-1].ModifiedAt,
	}
	contributors := make(map[string]bool)
	for _, ev := range events {
		contributors[ev.ModifiedBy] = true
		if ev.ChangeType == models.ChangeOpUpdate {
			stats.TotalUpdates++
		}
		if ev.ChangeType == models.ChangeOpDelete {
			at := ev.ModifiedAt
			stats.DeletedAt = &at
		}
	}
	stats.UniqueContributors = len(contributors)
	if len(events) > 1 {
		span := stats.LastModifiedAt.Sub(stats.FirstModifiedAt)
		stats.AverageTimeBetweenChanges = span / time.Duration(len(events)-1)
	}

	return &Timeline{
		Type:       typ,
		ResourceID: id,
		Branch:     branch,
		Events:     events,
		Stats:      stats,
	}, nil
}

// Snapshot returns per-type counts of a branch at an instant, with the full
// documents when includeData.
func (e *Engine) Snapshot(ctx context.Context, branch string, at time.Time, includeData bool) (*Snapshot, error) {
	key := cacheKey("snapshot", "branch", "", branch, map[string]string{
		"at":           at.UTC().Format(time.RFC3339Nano),
		"include_data": strconv.FormatBool(includeData),
	})
	return cachedQuery(ctx, e, key, func(ctx context.Context) (*Snapshot, error) {
		return e.snapshot(ctx, branch, at, includeData)
	})
}

func (e *Engine) snapshot(ctx context.Context, branch string, at time.Time, includeData bool) (*Snapshot, error) {
	if _, err := e.store.GetBranch(ctx, branch); err != nil {
		return nil, err
	}
	db := e.store.DB().WithContext(ctx)

	types, err := models.DistinctTypes(db, branch)
	if err != nil {
		return nil, errcode.Transient("failed to list types", err)
	}

	snap := &Snapshot{
		Branch:       branch,
		At:           at,
		CountsByType: make(map[string]int, len(types)),
	}
	if includeData {
		snap.Data = make(map[string]map[string]map[string]interface{}, len(types))
	}

	for _, typ := range types {
		latest, err := models.LatestVersionsByTypeAsOf(db, typ, branch, at)
		if err != nil {
			return nil, errcode.Transient("failed to read versions", err)
		}
		count := 0
		var docs map[string]map[string]interface{}
		if includeData {
			docs = make(map[string]map[string]interface{})
		}
		for id, row := range latest {
			if row.IsTombstone() {
				continue
			}
			count++
			if includeData {
				doc, err := row.Document()
				if err != nil {
					return nil, errcode.Fatal("corrupt document content", err)
				}
				docs[id] = doc
			}
		}
		if count == 0 {
			continue
		}
		snap.CountsByType[typ] = count
		snap.TotalCount += count
		if includeData {
			snap.Data[typ] = docs
		}
	}
	return snap, nil
}

func joinSorted(items []string) string {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	out := ""
	for i, s := range sorted {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
