package validator

import (
	"fmt"
	"time"
)

// defaultBatchSize is the row batch used by generated migration steps.
const defaultBatchSize = 10_000

// SuggestMigrations produces one migration plan per breaking change, each
// with forward steps, a symmetric rollback, and an aggregate duration.
func SuggestMigrations(impact *Impact) []MigrationPlan {
	if impact == nil || len(impact.Entries) == 0 {
		return nil
	}

	plans := make([]MigrationPlan, 0, len(impact.Entries))
	for _, entry := range impact.Entries {
		plan := planFor(entry)
		if len(plan.Steps) == 0 {
			continue
		}
		for _, s := range plan.Steps {
			plan.ExecutionOrder = append(plan.ExecutionOrder, s.Type)
			plan.TotalDuration += s.EstimatedDuration
			plan.RequiresDowntime = plan.RequiresDowntime || s.RequiresDowntime
		}
		plans = append(plans, plan)
	}
	return plans
}

func planFor(entry ImpactEntry) MigrationPlan {
	change := entry.Change
	downtime := change.Severity == SeverityCritical
	duration := entry.EstimatedDuration

	switch change.Rule {
	case "PrimaryKeyChange":
		return MigrationPlan{
			Steps: []MigrationStep{
				step("add_column", fmt.Sprintf("add new primary key column %q to %q", change.NewValue, change.EntityID), 0, false),
				step("backfill", fmt.Sprintf("backfill %d records into the new key column", entry.AffectedRecords), duration, false),
				step("swap_primary_key", fmt.Sprintf("swap primary key of %q to the new column", change.EntityID), time.Minute, downtime),
				step("drop_column", fmt.Sprintf("drop old primary key column %q", change.OldValue), 0, false),
			},
			Rollback: []MigrationStep{
				step("restore_column", fmt.Sprintf("restore old primary key column %q", change.OldValue), 0, false),
				step("swap_primary_key", fmt.Sprintf("swap primary key of %q back", change.EntityID), time.Minute, downtime),
				step("drop_column", fmt.Sprintf("drop new key column %q", change.NewValue), 0, false),
			},
		}

	case "RequiredFieldRemoval":
		return MigrationPlan{
			Steps: []MigrationStep{
				step("archive_field_data", fmt.Sprintf("archive values of %q.%s before removal", change.EntityID, change.Field), duration, false),
				step("drop_column", fmt.Sprintf("remove property %q from %q", change.Field, change.EntityID), 0, false),
			},
			Rollback: []MigrationStep{
				step("restore_field_data", fmt.Sprintf("restore property %q on %q from archive", change.Field, change.EntityID), duration, false),
			},
		}

	case "TypeIncompatibility", "SharedPropertyChange":
		return MigrationPlan{
			Steps: []MigrationStep{
				step("add_column", fmt.Sprintf("add %q-typed shadow column for %q.%s", change.NewValue, change.EntityID, change.Field), 0, false),
				step("convert", fmt.Sprintf("convert %d records from %q to %q", entry.AffectedRecords, change.OldValue, change.NewValue), duration, downtime),
				step("swap_column", fmt.Sprintf("swap %q.%s to the converted column", change.EntityID, change.Field), time.Minute, downtime),
			},
			Rollback: []MigrationStep{
				step("swap_column", fmt.Sprintf("swap %q.%s back to the original column", change.EntityID, change.Field), time.Minute, downtime),
				step("drop_column", "drop the converted shadow column", 0, false),
			},
		}
	}
	return MigrationPlan{}
}

func step(typ, desc string, duration time.Duration, downtime bool) MigrationStep {
	return MigrationStep{
		Type:              typ,
		Description:       desc,
		EstimatedDuration: duration,
		RequiresDowntime:  downtime,
		BatchSize:         defaultBatchSize,
	}
}
