package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/foundry-forge/oms/pkg/models"
	"github.com/foundry-forge/oms/pkg/repository"
	"github.com/foundry-forge/oms/pkg/versionstore"
)

// buildSnapshot assembles a two-branch snapshot from typed entities without a
// database, for exercising rules in isolation.
func buildSnapshot(t *testing.T, source, target map[string]interface{}) *Snapshot {
	t.Helper()
	snap := &Snapshot{
		SourceBranch: "feat",
		TargetBranch: "main",
		Source:       make(map[string]map[string]map[string]interface{}),
		Target:       make(map[string]map[string]map[string]interface{}),
	}
	place := func(side map[string]map[string]map[string]interface{}, entities map[string]interface{}) {
		for id, entity := range entities {
			typ := repository.TypeObjectType
			if _, ok := entity.(repository.SharedProperty); ok {
				typ = repository.TypeSharedProperty
			}
			doc, err := repository.ToDocument(entity)
			require.NoError(t, err)
			if side[typ] == nil {
				side[typ] = make(map[string]map[string]interface{})
			}
			side[typ][id] = doc
		}
	}
	place(snap.Source, source)
	place(snap.Target, target)
	return snap
}

func objectType(name string, props ...repository.Property) repository.ObjectType {
	return repository.ObjectType{Name: name, DisplayName: name, Properties: props}
}

func prop(name, dataType string) repository.Property {
	return repository.Property{Name: name, DataTypeID: dataType}
}

func pk(name, dataType string) repository.Property {
	return repository.Property{Name: name, DataTypeID: dataType, PrimaryKey: true}
}

func required(name, dataType string) repository.Property {
	return repository.Property{Name: name, DataTypeID: dataType, Required: true}
}

func TestPrimaryKeyChangeRule(t *testing.T) {
	ctx := context.Background()

	// Type change on the key property.
	snap := buildSnapshot(t,
		map[string]interface{}{"Customer": objectType("Customer", pk("id", "long"))},
		map[string]interface{}{"Customer": objectType("Customer", pk("id", "string"))},
	)
	res, err := PrimaryKeyChangeRule{}.Evaluate(ctx, snap)
	require.NoError(t, err)
	require.Len(t, res.BreakingChanges, 1)
	c := res.BreakingChanges[0]
	assert.Equal(t, SeverityCritical, c.Severity)
	assert.Equal(t, "Customer", c.EntityID)
	assert.Equal(t, "id:string", c.OldValue)
	assert.Equal(t, "id:long", c.NewValue)

	// Key removed entirely.
	snap = buildSnapshot(t,
		map[string]interface{}{"Customer": objectType("Customer", prop("id", "string"))},
		map[string]interface{}{"Customer": objectType("Customer", pk("id", "string"))},
	)
	res, err = PrimaryKeyChangeRule{}.Evaluate(ctx, snap)
	require.NoError(t, err)
	require.Len(t, res.BreakingChanges, 1)
	assert.Equal(t, SeverityCritical, res.BreakingChanges[0].Severity)

	// Unchanged key and new entities do not fire.
	snap = buildSnapshot(t,
		map[string]interface{}{
			"Customer": objectType("Customer", pk("id", "string")),
			"Order":    objectType("Order", pk("orderId", "long")),
		},
		map[string]interface{}{"Customer": objectType("Customer", pk("id", "string"))},
	)
	res, err = PrimaryKeyChangeRule{}.Evaluate(ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, res.BreakingChanges)
}

func TestRequiredFieldRemovalRule(t *testing.T) {
	ctx := context.Background()
	snap := buildSnapshot(t,
		map[string]interface{}{"Customer": objectType("Customer", pk("id", "string"))},
		map[string]interface{}{"Customer": objectType("Customer",
			pk("id", "string"), required("email", "string"), prop("nickname", "string"))},
	)

	res, err := RequiredFieldRemovalRule{}.Evaluate(ctx, snap)
	require.NoError(t, err)
	require.Len(t, res.BreakingChanges, 1)
	c := res.BreakingChanges[0]
	assert.Equal(t, SeverityHigh, c.Severity)
	assert.Equal(t, "email", c.Field)
	// The optional nickname removal is not breaking.
}

func TestTypeIncompatibilityRule(t *testing.T) {
	ctx := context.Background()
	snap := buildSnapshot(t,
		map[string]interface{}{"Customer": objectType("Customer",
			prop("age", "long"), prop("score", "integer"), prop("active", "date"))},
		map[string]interface{}{"Customer": objectType("Customer",
			prop("age", "integer"), prop("score", "long"), prop("active", "boolean"))},
	)

	res, err := TypeIncompatibilityRule{}.Evaluate(ctx, snap)
	require.NoError(t, err)
	require.Len(t, res.BreakingChanges, 2)

	bySeverity := map[string]Severity{}
	for _, c := range res.BreakingChanges {
		bySeverity[c.Field] = c.Severity
	}
	// Narrowing long -> integer is lossy; boolean -> date has no conversion.
	assert.Equal(t, SeverityHigh, bySeverity["score"])
	assert.Equal(t, SeverityCritical, bySeverity["active"])
	assert.NotContains(t, bySeverity, "age")
}

func TestTypeCompatibilityRule_WideningWarns(t *testing.T) {
	ctx := context.Background()
	snap := buildSnapshot(t,
		map[string]interface{}{"Customer": objectType("Customer", prop("age", "long"))},
		map[string]interface{}{"Customer": objectType("Customer", prop("age", "integer"))},
	)

	res, err := TypeCompatibilityRule{}.Evaluate(ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, res.BreakingChanges)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "age", res.Warnings[0].Field)
}

func TestSharedPropertyChangeRule(t *testing.T) {
	ctx := context.Background()
	holder := objectType("Customer", repository.Property{
		Name: "email", DataTypeID: "string", SharedPropertyID: "sp_email",
	})
	sharedOld := repository.SharedProperty{Name: "sp_email", DisplayName: "Email", DataTypeID: "string"}
	sharedNew := repository.SharedProperty{Name: "sp_email", DisplayName: "Email", DataTypeID: "text"}

	snap := buildSnapshot(t,
		map[string]interface{}{"Customer": holder, "sp_email": sharedNew},
		map[string]interface{}{"Customer": holder, "sp_email": sharedOld},
	)
	res, err := SharedPropertyChangeRule{}.Evaluate(ctx, snap)
	require.NoError(t, err)
	require.Len(t, res.BreakingChanges, 1)
	assert.Equal(t, SeverityHigh, res.BreakingChanges[0].Severity)
	assert.Equal(t, "sp_email", res.BreakingChanges[0].EntityID)

	// Unreferenced shared properties may change freely.
	snap = buildSnapshot(t,
		map[string]interface{}{"sp_email": sharedNew},
		map[string]interface{}{"sp_email": sharedOld},
	)
	res, err = SharedPropertyChangeRule{}.Evaluate(ctx, snap)
	require.NoError(t, err)
	assert.Empty(t, res.BreakingChanges)
}

func TestClassifyTypeChange(t *testing.T) {
	cases := []struct {
		old, new string
		want     compatClass
	}{
		{"string", "string", compatIdentical},
		{"integer", "long", compatWidening},
		{"date", "timestamp", compatWidening},
		{"long", "integer", compatLossy},
		{"string", "boolean", compatLossy},
		{"boolean", "date", compatIncompatible},
		{"long", "string", compatIncompatible},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classifyTypeChange(tc.old, tc.new), "%s -> %s", tc.old, tc.new)
	}
}

func TestAnalyzeImpact(t *testing.T) {
	ctx := context.Background()
	changes := []BreakingChange{
		{Rule: "PrimaryKeyChange", Severity: SeverityCritical, EntityID: "Customer"},
		{Rule: "RequiredFieldRemoval", Severity: SeverityHigh, EntityID: "Order"},
	}
	counter := StaticCounter{"Customer": 5000, "Order": 200}

	impact, err := AnalyzeImpact(ctx, counter, "feat", changes)
	require.NoError(t, err)
	require.Len(t, impact.Entries, 2)

	assert.Equal(t, int64(5000), impact.Entries[0].AffectedRecords)
	assert.Equal(t, 5000*time.Millisecond, impact.Entries[0].EstimatedDuration)
	assert.True(t, impact.Entries[0].RequiresDowntime)
	assert.False(t, impact.Entries[1].RequiresDowntime)

	assert.Equal(t, int64(5200), impact.TotalRecords)
	assert.Equal(t, 5200*time.Millisecond, impact.TotalDuration)
	assert.True(t, impact.RequiresDowntime)
	assert.Equal(t, SeverityCritical, impact.RiskLevel)
}

func TestAnalyzeImpact_RiskEscalatesWithVolume(t *testing.T) {
	ctx := context.Background()
	changes := []BreakingChange{
		{Rule: "RequiredFieldRemoval", Severity: SeverityHigh, EntityID: "Event"},
	}

	impact, err := AnalyzeImpact(ctx, StaticCounter{"Event": 2_000_000}, "feat", changes)
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, impact.RiskLevel)
	assert.False(t, impact.RequiresDowntime)

	// The nil counter reports zero records everywhere.
	impact, err = AnalyzeImpact(ctx, nil, "feat", changes)
	require.NoError(t, err)
	assert.Zero(t, impact.TotalRecords)
	assert.Equal(t, SeverityHigh, impact.RiskLevel)
}

func TestSuggestMigrations(t *testing.T) {
	impact := &Impact{
		Entries: []ImpactEntry{
			{
				Change: BreakingChange{
					Rule: "PrimaryKeyChange", Severity: SeverityCritical,
					EntityID: "Customer", OldValue: "id:string", NewValue: "id:long",
				},
				AffectedRecords:   1000,
				EstimatedDuration: time.Second,
			},
			{
				Change: BreakingChange{
					Rule: "RequiredFieldRemoval", Severity: SeverityHigh,
					EntityID: "Customer", Field: "age", OldValue: "integer",
				},
				AffectedRecords:   1000,
				EstimatedDuration: time.Second,
			},
			{
				Change: BreakingChange{
					Rule: "TypeIncompatibility", Severity: SeverityHigh,
					EntityID: "Order", Field: "total", OldValue: "double", NewValue: "float",
				},
				AffectedRecords:   50,
				EstimatedDuration: 50 * time.Millisecond,
			},
		},
	}

	plans := SuggestMigrations(impact)
	require.Len(t, plans, 3)

	pkPlan := plans[0]
	assert.Equal(t, []string{"add_column", "backfill", "swap_primary_key", "drop_column"}, pkPlan.ExecutionOrder)
	assert.True(t, pkPlan.RequiresDowntime)
	assert.NotEmpty(t, pkPlan.Rollback)
	assert.Equal(t, time.Second+time.Minute, pkPlan.TotalDuration)
	for _, s := range pkPlan.Steps {
		assert.Equal(t, defaultBatchSize, s.BatchSize)
	}

	// Dropping a required field archives its values first, and the rollback
	// restores from that archive.
	removalPlan := plans[1]
	assert.Equal(t, []string{"archive_field_data", "drop_column"}, removalPlan.ExecutionOrder)
	require.Len(t, removalPlan.Rollback, 1)
	assert.Equal(t, "restore_field_data", removalPlan.Rollback[0].Type)
	assert.False(t, removalPlan.RequiresDowntime)

	convPlan := plans[2]
	assert.Equal(t, []string{"add_column", "convert", "swap_column"}, convPlan.ExecutionOrder)
	assert.False(t, convPlan.RequiresDowntime)

	assert.Nil(t, SuggestMigrations(nil))
	assert.Nil(t, SuggestMigrations(&Impact{}))
}

func TestRunner_Validate(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))

	store := versionstore.New(db, hclog.NewNullLogger())
	require.NoError(t, store.Initialize(ctx))
	repo := repository.New(store, hclog.NewNullLogger())

	base, err := repository.ToDocument(objectType("Customer",
		pk("id", "string"), required("age", "integer"), prop("score", "integer")))
	require.NoError(t, err)
	tx, err := store.Begin(ctx, "main")
	require.NoError(t, err)
	_, err = repo.ApplyCreate(ctx, tx, repository.TypeObjectType, base, "alice")
	require.NoError(t, err)
	_, err = tx.Commit(ctx, "alice", "seed Customer")
	require.NoError(t, err)

	_, err = store.CreateBranch(ctx, "feat", "main")
	require.NoError(t, err)

	// On feat: the key narrows to long, age disappears, score widens.
	patch := map[string]interface{}{
		"properties": []interface{}{
			map[string]interface{}{"name": "id", "dataTypeId": "long", "primaryKey": true},
			map[string]interface{}{"name": "score", "dataTypeId": "long"},
		},
	}
	tx, err = store.Begin(ctx, "feat")
	require.NoError(t, err)
	_, err = repo.ApplyUpdate(ctx, tx, repository.TypeObjectType, "Customer", patch, "bob")
	require.NoError(t, err)
	_, err = tx.Commit(ctx, "bob", "rework Customer key")
	require.NoError(t, err)

	runner := NewRunner(store, hclog.NewNullLogger(),
		WithRecordCounter(StaticCounter{"Customer": 5000}))

	result, err := runner.Validate(ctx, Request{
		SourceBranch:    "feat",
		TargetBranch:    "main",
		IncludeImpact:   true,
		IncludeWarnings: true,
	})
	require.NoError(t, err)

	assert.False(t, result.IsValid)
	assert.Equal(t, SeverityCritical, result.MaxSeverity())

	rules := map[string]int{}
	for _, c := range result.BreakingChanges {
		rules[c.Rule]++
	}
	assert.Equal(t, 1, rules["PrimaryKeyChange"])
	assert.Equal(t, 1, rules["RequiredFieldRemoval"])
	assert.Equal(t, 1, rules["TypeIncompatibility"])

	// Worst severity sorts first.
	assert.Equal(t, SeverityCritical, result.BreakingChanges[0].Severity)

	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "score", result.Warnings[0].Field)

	require.NotNil(t, result.Impact)
	assert.Equal(t, int64(3*5000), result.Impact.TotalRecords)
	assert.NotEmpty(t, result.SuggestedMigrations)
	assert.Len(t, result.RuleResults, len(DefaultRules()))
}

func TestRunner_ValidateCleanBranches(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))

	store := versionstore.New(db, hclog.NewNullLogger())
	require.NoError(t, store.Initialize(ctx))

	_, err = store.CreateBranch(ctx, "feat", "main")
	require.NoError(t, err)

	result, err := NewRunner(store, hclog.NewNullLogger()).Validate(ctx, Request{
		SourceBranch: "feat",
		TargetBranch: "main",
	})
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Empty(t, result.BreakingChanges)
	assert.Nil(t, result.Impact)
}

// brokenRule fails immediately and signals when it has done so.
type brokenRule struct {
	failed chan struct{}
}

func (r brokenRule) Name() string { return "BrokenRule" }

func (r brokenRule) Evaluate(ctx context.Context, snap *Snapshot) (*RuleResult, error) {
	close(r.failed)
	return nil, errors.New("snapshot index unavailable")
}

// bystanderRule waits until the broken rule has failed before finishing, so a
// cancellation leaking from that failure would be visible here.
type bystanderRule struct {
	failed chan struct{}
}

func (r bystanderRule) Name() string { return "BystanderRule" }

func (r bystanderRule) Evaluate(ctx context.Context, snap *Snapshot) (*RuleResult, error) {
	<-r.failed
	time.Sleep(20 * time.Millisecond)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &RuleResult{Rule: r.Name()}, nil
}

func TestRunner_RuleFailureDoesNotCancelOthers(t *testing.T) {
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.ModelsToAutoMigrate()...))

	store := versionstore.New(db, hclog.NewNullLogger())
	require.NoError(t, store.Initialize(ctx))
	_, err = store.CreateBranch(ctx, "feat", "main")
	require.NoError(t, err)

	failed := make(chan struct{})
	runner := NewRunner(store, hclog.NewNullLogger(),
		WithRules([]Rule{brokenRule{failed: failed}, bystanderRule{failed: failed}, PrimaryKeyChangeRule{}}))

	result, err := runner.Validate(ctx, Request{SourceBranch: "feat", TargetBranch: "main"})
	require.NoError(t, err)
	require.Len(t, result.RuleResults, 3)

	assert.Equal(t, "snapshot index unavailable", result.RuleResults["BrokenRule"].Err)

	// The bystander outlived the failure and still reported.
	bystander := result.RuleResults["BystanderRule"]
	assert.Empty(t, bystander.Err)

	assert.Empty(t, result.RuleResults["PrimaryKeyChange"].Err)
	assert.True(t, result.IsValid)
}
