package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/foundry-forge/oms/pkg/versionstore"
)

// DefaultTimeout bounds one validation run end to end.
const DefaultTimeout = 30 * time.Second

// Runner executes the rule set in parallel against a two-branch snapshot.
type Runner struct {
	store   *versionstore.Store
	rules   []Rule
	counter RecordCounter
	timeout time.Duration
	logger  hclog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithRules replaces the default rule set.
func WithRules(rules []Rule) Option {
	return func(r *Runner) { r.rules = rules }
}

// WithRecordCounter wires the instance-data counter used by impact analysis.
func WithRecordCounter(c RecordCounter) Option {
	return func(r *Runner) { r.counter = c }
}

// WithTimeout overrides the run deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner creates a validation runner with the default rule set.
func NewRunner(store *versionstore.Store, logger hclog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &Runner{
		store:   store,
		rules:   DefaultRules(),
		timeout: DefaultTimeout,
		logger:  logger.Named("validator"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate runs every rule against the two branches and aggregates the
// outcome. Rules run concurrently; a rule failure is recorded in its
// RuleResult while the rest keep running. Only the deadline cancels the run.
func (r *Runner) Validate(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snap, err := BuildSnapshot(ctx, r.store, req.SourceBranch, req.TargetBranch)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		ruleErrs *multierror.Error
	)
	ruleResults := make(map[string]RuleResult, len(r.rules))

	g, gctx := errgroup.WithContext(ctx)
	for _, rule := range r.rules {
		rule := rule
		g.Go(func() error {
			ruleStart := time.Now()
			res, err := rule.Evaluate(gctx, snap)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One broken rule degrades the run, it does not cancel the
				// rules still in flight. Only the deadline does that.
				ruleErrs = multierror.Append(ruleErrs, fmt.Errorf("rule %s: %w", rule.Name(), err))
				ruleResults[rule.Name()] = RuleResult{
					Rule:     rule.Name(),
					Err:      err.Error(),
					Duration: time.Since(ruleStart),
				}
				return nil
			}
			res.Duration = time.Since(ruleStart)
			ruleResults[rule.Name()] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ruleErrs.ErrorOrNil(); err != nil {
		r.logger.Warn("some validation rules failed", "error", err)
	}

	result := &Result{RuleResults: ruleResults}
	for _, res := range ruleResults {
		result.BreakingChanges = append(result.BreakingChanges, res.BreakingChanges...)
		if req.IncludeWarnings {
			result.Warnings = append(result.Warnings, res.Warnings...)
		}
	}
	sortChanges(result.BreakingChanges)

	max := result.MaxSeverity()
	result.IsValid = max != SeverityCritical && max != SeverityHigh

	if req.IncludeImpact && len(result.BreakingChanges) > 0 {
		impact, err := AnalyzeImpact(ctx, r.counter, req.SourceBranch, result.BreakingChanges)
		if err != nil {
			return nil, err
		}
		result.Impact = impact
		result.SuggestedMigrations = SuggestMigrations(impact)
	}

	result.Duration = time.Since(started)
	r.logger.Info("validation completed",
		"source", req.SourceBranch,
		"target", req.TargetBranch,
		"breaking_changes", len(result.BreakingChanges),
		"warnings", len(result.Warnings),
		"is_valid", result.IsValid,
		"duration", result.Duration,
	)
	return result, nil
}

// sortChanges orders worst-first, then by entity for stable output.
func sortChanges(changes []BreakingChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Severity != changes[j].Severity {
			return changes[i].Severity.Worse(changes[j].Severity)
		}
		if changes[i].EntityID != changes[j].EntityID {
			return changes[i].EntityID < changes[j].EntityID
		}
		return changes[i].Field < changes[j].Field
	})
}
