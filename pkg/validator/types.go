// Package validator detects breaking schema changes between two branches and
// estimates their blast radius before a merge is allowed.
package validator

import (
	"time"
)

// Severity ranks a detected change.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// rank orders severities for comparison; higher is worse.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Worse reports whether s outranks other.
func (s Severity) Worse(other Severity) bool { return s.rank() > other.rank() }

// BreakingChange is one schema change that can break consumers.
type BreakingChange struct {
	Rule        string   `json:"rule"`
	Severity    Severity `json:"severity"`
	EntityType  string   `json:"entityType"`
	EntityID    string   `json:"entityId"`
	Field       string   `json:"field,omitempty"`
	Description string   `json:"description"`
	OldValue    string   `json:"oldValue,omitempty"`
	NewValue    string   `json:"newValue,omitempty"`
}

// Warning is a non-breaking observation worth surfacing.
type Warning struct {
	Rule        string `json:"rule"`
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	Field       string `json:"field,omitempty"`
	Description string `json:"description"`
}

// Request describes one validation run.
type Request struct {
	SourceBranch    string `json:"sourceBranch"`
	TargetBranch    string `json:"targetBranch"`
	IncludeImpact   bool   `json:"includeImpact"`
	IncludeWarnings bool   `json:"includeWarnings"`
}

// RuleResult is the output of one rule.
type RuleResult struct {
	Rule            string           `json:"rule"`
	BreakingChanges []BreakingChange `json:"breakingChanges"`
	Warnings        []Warning        `json:"warnings"`
	Duration        time.Duration    `json:"duration"`
	Err             string           `json:"error,omitempty"`
}

// ImpactEntry quantifies one breaking change.
type ImpactEntry struct {
	Change            BreakingChange `json:"change"`
	AffectedRecords   int64          `json:"affectedRecords"`
	EstimatedDuration time.Duration  `json:"estimatedDuration"`
	RequiresDowntime  bool           `json:"requiresDowntime"`
	AffectedServices  []string       `json:"affectedServices,omitempty"`
}

// Impact aggregates per-change impact into a risk assessment.
type Impact struct {
	Entries          []ImpactEntry `json:"entries"`
	TotalRecords     int64         `json:"totalRecords"`
	TotalDuration    time.Duration `json:"totalDuration"`
	RequiresDowntime bool          `json:"requiresDowntime"`
	RiskLevel        Severity      `json:"riskLevel"`
}

// MigrationStep is one ordered unit of a migration plan.
type MigrationStep struct {
	Type              string        `json:"type"`
	Description       string        `json:"description"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	RequiresDowntime  bool          `json:"requiresDowntime"`
	BatchSize         int           `json:"batchSize"`
}

// MigrationPlan orders the steps needed to roll a breaking change forward,
// with a symmetric rollback sequence.
type MigrationPlan struct {
	Steps            []MigrationStep `json:"steps"`
	Rollback         []MigrationStep `json:"rollback"`
	ExecutionOrder   []string        `json:"executionOrder"`
	TotalDuration    time.Duration   `json:"totalDuration"`
	RequiresDowntime bool            `json:"requiresDowntime"`
}

// Result is the full validation outcome.
type Result struct {
	IsValid             bool                  `json:"isValid"`
	BreakingChanges     []BreakingChange      `json:"breakingChanges"`
	Warnings            []Warning             `json:"warnings"`
	Impact              *Impact               `json:"impact,omitempty"`
	SuggestedMigrations []MigrationPlan       `json:"suggestedMigrations,omitempty"`
	RuleResults         map[string]RuleResult `json:"ruleResults"`
	Duration            time.Duration         `json:"duration"`
}

// MaxSeverity returns the worst severity among the breaking changes.
func (r *Result) MaxSeverity() Severity {
	var max Severity
	for _, c := range r.BreakingChanges {
		if c.Severity.Worse(max) {
			max = c.Severity
		}
	}
	return max
}
