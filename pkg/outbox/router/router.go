// Package router routes CloudEvents to publish targets using a priority rule
// list with per-rule dispatch strategies and health-based failover.
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/foundry-forge/oms/pkg/outbox/cloudevents"
	"github.com/foundry-forge/oms/pkg/outbox/target"
)

// Strategy determines how a rule dispatches to its target set.
type Strategy string

const (
	// StrategyAll publishes to every target in parallel; the event counts as
	// delivered when at least one target succeeded.
	StrategyAll Strategy = "ALL"
	// StrategyPrimaryOnly publishes to the first target only.
	StrategyPrimaryOnly Strategy = "PRIMARY_ONLY"
	// StrategyFailover tries targets in order, healthy first, stopping on the
	// first success.
	StrategyFailover Strategy = "FAILOVER"
	// StrategyConditional behaves like FAILOVER once the rule condition
	// matches; otherwise the rule is skipped.
	StrategyConditional Strategy = "CONDITIONAL"
)

// Condition gates a CONDITIONAL rule.
type Condition func(e *cloudevents.Event) bool

// Rule is one routing rule. Rules are evaluated in descending priority and
// the first matching rule wins.
type Rule struct {
	Name        string
	TypePattern string
	Classes     []cloudevents.Class
	Targets     []target.Platform
	Strategy    Strategy
	Priority    int
	Condition   Condition
}

// matches reports whether the rule applies to the event.
func (r *Rule) matches(e *cloudevents.Event) bool {
	if len(r.Classes) > 0 {
		class := cloudevents.ClassOf(e.Type)
		found := false
		for _, c := range r.Classes {
			if c == class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if !cloudevents.MatchType(r.TypePattern, e.Type) {
		return false
	}
	if r.Strategy == StrategyConditional && r.Condition != nil && !r.Condition(e) {
		return false
	}
	return true
}

// healthState tracks one target's probe results.
type healthState struct {
	healthy   bool
	lastCheck time.Time
	lastError string
}

// Router fans events out to registered targets.
type Router struct {
	mu      sync.RWMutex
	targets map[target.Platform]target.Target
	health  map[target.Platform]*healthState
	rules   []Rule

	logger     hclog.Logger
	healthDone chan struct{}
	healthOnce sync.Once
}

// New creates a Router with the default rule table.
func New(logger hclog.Logger) *Router {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Router{
		targets:    make(map[target.Platform]target.Target),
		health:     make(map[target.Platform]*healthState),
		rules:      DefaultRules(),
		logger:     logger.Named("event-router"),
		healthDone: make(chan struct{}),
	}
}

// DefaultRules is the routing table described in the service defaults:
// schema events fan out everywhere, branch events fail over, action events go
// to the bus only, and everything else falls through to the bus.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "schema-fanout",
			Classes:  []cloudevents.Class{cloudevents.ClassSchema},
			Targets:  []target.Platform{target.PlatformMessageBus, target.PlatformCloudBus, target.PlatformEventLog},
			Strategy: StrategyAll,
			Priority: 100,
		},
		{
			Name:     "branch-failover",
			Classes:  []cloudevents.Class{cloudevents.ClassBranch},
			Targets:  []target.Platform{target.PlatformMessageBus, target.PlatformCloudBus},
			Strategy: StrategyFailover,
			Priority: 90,
		},
		{
			Name:     "action-bus-only",
			Classes:  []cloudevents.Class{cloudevents.ClassAction},
			Targets:  []target.Platform{target.PlatformMessageBus},
			Strategy: StrategyPrimaryOnly,
			Priority: 80,
		},
		{
			Name:     "system-fanout",
			Classes:  []cloudevents.Class{cloudevents.ClassSystem},
			Targets:  []target.Platform{target.PlatformMessageBus, target.PlatformCloudBus, target.PlatformEventLog},
			Strategy: StrategyAll,
			Priority: 70,
		},
		{
			Name:        "catch-all",
			TypePattern: "*",
			Targets:     []target.Platform{target.PlatformMessageBus},
			Strategy:    StrategyPrimaryOnly,
			Priority:    0,
		},
	}
}

// RegisterTarget adds a publish target. Targets start healthy until a probe
// says otherwise.
func (r *Router) RegisterTarget(t target.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	platform := t.Platform()
	if _, exists := r.targets[platform]; exists {
		return fmt.Errorf("target %s already registered", platform)
	}
	r.targets[platform] = t
	r.health[platform] = &healthState{healthy: true}

	r.logger.Info("target registered", "platform", platform)
	return nil
}

// SetRules replaces the routing table.
func (r *Router) SetRules(rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]Rule{}, rules...)
}

// Dispatch routes one event per the first matching rule. The error is nil
// when the rule's delivery condition was met.
func (r *Router) Dispatch(ctx context.Context, e *cloudevents.Event) error {
	rule := r.matchRule(e)
	if rule == nil {
		return fmt.Errorf("no routing rule matches type %q", e.Type)
	}

	switch rule.Strategy {
	case StrategyAll:
		return r.dispatchAll(ctx, rule, e)
	case StrategyPrimaryOnly:
		return r.dispatchPrimary(ctx, rule, e)
	case StrategyFailover, StrategyConditional:
		return r.dispatchFailover(ctx, rule, e)
	}
	return fmt.Errorf("unknown strategy %q in rule %q", rule.Strategy, rule.Name)
}

func (r *Router) matchRule(e *cloudevents.Event) *Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := append([]Rule{}, r.rules...)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})
	for i := range rules {
		if rules[i].matches(e) {
			rule := rules[i]
			return &rule
		}
	}
	return nil
}

// dispatchAll publishes to every rule target in parallel. Delivered when at
// least one succeeded.
func (r *Router) dispatchAll(ctx context.Context, rule *Rule, e *cloudevents.Event) error {
	targets := r.resolveTargets(rule.Targets)
	if len(targets) == 0 {
		return fmt.Errorf("rule %q has no registered targets", rule.Name)
	}

	type outcome struct {
		platform target.Platform
		err      error
	}
	results := make(chan outcome, len(targets))
	for _, t := range targets {
		t := t
		go func() {
			results <- outcome{platform: t.Platform(), err: t.Publish(ctx, e)}
		}()
	}

	var errs *multierror.Error
	succeeded := 0
	for range targets {
		res := <-results
		if res.err != nil {
			r.markUnhealthy(res.platform, res.err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.platform, res.err))
			continue
		}
		succeeded++
	}

	if succeeded == 0 {
		return fmt.Errorf("all targets failed for event %s: %w", e.ID, errs.ErrorOrNil())
	}
	if errs.ErrorOrNil() != nil {
		r.logger.Warn("partial fan-out delivery",
			"event_id", e.ID,
			"succeeded", succeeded,
			"failed", len(targets)-succeeded,
			"error", errs.Error(),
		)
	}
	return nil
}

// dispatchPrimary publishes to the first (primary) target only.
func (r *Router) dispatchPrimary(ctx context.Context, rule *Rule, e *cloudevents.Event) error {
	if len(rule.Targets) == 0 {
		return fmt.Errorf("rule %q has no targets", rule.Name)
	}
	t := r.target(rule.Targets[0])
	if t == nil {
		return fmt.Errorf("primary target %s not registered", rule.Targets[0])
	}
	if err := t.Publish(ctx, e); err != nil {
		r.markUnhealthy(t.Platform(), err)
		return fmt.Errorf("%s: %w", t.Platform(), err)
	}
	return nil
}

// dispatchFailover tries targets in rule order with healthy targets moved to
// the front, stopping on the first success.
func (r *Router) dispatchFailover(ctx context.Context, rule *Rule, e *cloudevents.Event) error {
	targets := r.resolveTargets(rule.Targets)
	if len(targets) == 0 {
		return fmt.Errorf("rule %q has no registered targets", rule.Name)
	}

	// Stable partition: healthy targets first, preserving rule order within
	// each class so the primary stays preferred.
	sort.SliceStable(targets, func(i, j int) bool {
		return r.isHealthy(targets[i].Platform()) && !r.isHealthy(targets[j].Platform())
	})

	var errs *multierror.Error
	for _, t := range targets {
		if err := t.Publish(ctx, e); err != nil {
			r.markUnhealthy(t.Platform(), err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", t.Platform(), err))
			continue
		}
		return nil
	}
	return fmt.Errorf("failover exhausted for event %s: %w", e.ID, errs.ErrorOrNil())
}

func (r *Router) resolveTargets(platforms []target.Platform) []target.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []target.Target
	for _, p := range platforms {
		if t, ok := r.targets[p]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (r *Router) target(p target.Platform) target.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targets[p]
}

func (r *Router) isHealthy(p target.Platform) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.health[p]; ok {
		return h.healthy
	}
	return false
}

func (r *Router) markUnhealthy(p target.Platform, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.health[p]; ok {
		h.healthy = false
		h.lastError = err.Error()
		h.lastCheck = time.Now().UTC()
	}
}

// StartHealthChecks probes every target on the given interval until the
// context is cancelled or Stop is called.
func (r *Router) StartHealthChecks(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.healthDone:
				return
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	}()
}

func (r *Router) probeAll(ctx context.Context) {
	r.mu.RLock()
	targets := make([]target.Target, 0, len(r.targets))
	for _, t := range r.targets {
		targets = append(targets, t)
	}
	r.mu.RUnlock()

	for _, t := range targets {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := t.HealthCheck(probeCtx)
		cancel()

		r.mu.Lock()
		h := r.health[t.Platform()]
		h.lastCheck = time.Now().UTC()
		if err != nil {
			if h.healthy {
				r.logger.Warn("target unhealthy", "platform", t.Platform(), "error", err)
			}
			h.healthy = false
			h.lastError = err.Error()
		} else {
			if !h.healthy {
				r.logger.Info("target recovered", "platform", t.Platform())
			}
			h.healthy = true
			h.lastError = ""
		}
		r.mu.Unlock()
	}
}

// Stop halts health checking.
func (r *Router) Stop() {
	r.healthOnce.Do(func() { close(r.healthDone) })
}

// TargetHealth is a monitoring snapshot of one target.
type TargetHealth struct {
	Platform  target.Platform `json:"platform"`
	Healthy   bool            `json:"healthy"`
	LastCheck time.Time       `json:"lastCheck"`
	LastError string          `json:"lastError,omitempty"`
}

// Health returns the current health snapshot of all targets.
func (r *Router) Health() []TargetHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TargetHealth, 0, len(r.health))
	for p, h := range r.health {
		out = append(out, TargetHealth{
			Platform: p, Healthy: h.healthy, LastCheck: h.lastCheck, LastError: h.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
