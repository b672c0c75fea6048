package validator

import (
	"context"
	"time"
)

// Record-count thresholds that raise the overall risk level.
const (
	riskRecordsCritical = 1_000_000
	riskRecordsHigh     = 100_000
	riskRecordsMedium   = 10_000
)

// perRecordCost is the migration cost model: one millisecond per record.
const perRecordCost = time.Millisecond

// RecordCounter reports how many data records exist for an object type on a
// branch. Deployments wire this to their instance-data store; the zero
// counter reports zero records everywhere.
type RecordCounter interface {
	CountRecords(ctx context.Context, branch, objectTypeID string) (int64, error)
}

// StaticCounter is a fixed-count RecordCounter for tests and standalone runs.
type StaticCounter map[string]int64

// CountRecords implements RecordCounter.
func (c StaticCounter) CountRecords(_ context.Context, _, objectTypeID string) (int64, error) {
	return c[objectTypeID], nil
}

// AnalyzeImpact quantifies each breaking change: affected record count, an
// estimated migration duration, and whether the change forces downtime.
func AnalyzeImpact(ctx context.Context, counter RecordCounter, sourceBranch string, changes []BreakingChange) (*Impact, error) {
	if counter == nil {
		counter = StaticCounter(nil)
	}

	impact := &Impact{RiskLevel: SeverityLow}
	for _, change := range changes {
		records, err := counter.CountRecords(ctx, sourceBranch, change.EntityID)
		if err != nil {
			return nil, err
		}

		entry := ImpactEntry{
			Change:            change,
			AffectedRecords:   records,
			EstimatedDuration: time.Duration(records) * perRecordCost,
			RequiresDowntime:  change.Severity == SeverityCritical,
		}
		impact.Entries = append(impact.Entries, entry)
		impact.TotalRecords += records
		impact.TotalDuration += entry.EstimatedDuration
		impact.RequiresDowntime = impact.RequiresDowntime || entry.RequiresDowntime

		if change.Severity.Worse(impact.RiskLevel) {
			impact.RiskLevel = change.Severity
		}
	}

	if byRecords := riskFromRecords(impact.TotalRecords); byRecords.Worse(impact.RiskLevel) {
		impact.RiskLevel = byRecords
	}
	return impact, nil
}

func riskFromRecords(records int64) Severity {
	switch {
	case records >= riskRecordsCritical:
		return SeverityCritical
	case records >= riskRecordsHigh:
		return SeverityHigh
	case records >= riskRecordsMedium:
		return SeverityMedium
	}
	return SeverityLow
}
