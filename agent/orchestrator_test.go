package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/invoke"
	"github.com/matterflow/matterflow-go/matter"
	"github.com/matterflow/matterflow-go/store"
)

type fixture struct {
	st   *store.MemStore
	mock *invoke.Mock
	em   *emit.MemoryEmitter
	orch *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemStore()
	mock := invoke.NewMock()
	em := emit.NewMemoryEmitter()
	return &fixture{
		st:   st,
		mock: mock,
		em:   em,
		orch: NewOrchestrator(st, mock, WithEmitter(em)),
	}
}

func (f *fixture) putUnit(t *testing.T, u matter.Unit) {
	t.Helper()
	if err := f.st.PutUnit(context.Background(), &u); err != nil {
		t.Fatalf("put unit: %v", err)
	}
}

func (f *fixture) putSubUnit(t *testing.T, su matter.SubUnit) {
	t.Helper()
	if err := f.st.PutSubUnit(context.Background(), &su); err != nil {
		t.Fatalf("put sub-unit: %v", err)
	}
}

func (f *fixture) putWorkItem(t *testing.T, wi matter.WorkItem) {
	t.Helper()
	if wi.Status == "" {
		wi.Status = matter.WorkPending
	}
	if wi.CreatedAt.IsZero() {
		wi.CreatedAt = time.Now()
	}
	if err := f.st.InsertWorkItem(context.Background(), &wi); err != nil {
		t.Fatalf("insert work item: %v", err)
	}
}

func TestExecuteDirect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putUnit(t, matter.Unit{ID: "u1", Name: "drafter", Type: "document_generator", RiskTier: matter.RiskLow, Active: true})
	f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1", InputData: map[string]any{"topic": "letter"}})
	f.mock.SetOutput("drafter", map[string]any{"content": "draft text"})

	res, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "user@firm")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != matter.WorkCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if res.Output["content"] != "draft text" {
		t.Errorf("unexpected output: %+v", res.Output)
	}
	if f.mock.CallCount() != 1 {
		t.Errorf("expected 1 invocation, got %d", f.mock.CallCount())
	}

	wi, _ := f.st.GetWorkItem(ctx, "wi-1")
	if wi.Status != matter.WorkCompleted || wi.OutputData["content"] != "draft text" {
		t.Errorf("work item not completed: %+v", wi)
	}
	if wi.CompletedAt == nil {
		t.Error("completion timestamp not set")
	}

	run, err := f.st.GetRunLog(ctx, res.RunLogID)
	if err != nil {
		t.Fatalf("get run log: %v", err)
	}
	if run.Status != matter.RunCompleted || !run.GovernancePassed {
		t.Errorf("unexpected run log: %+v", run)
	}

	unit, _ := f.st.GetUnit(ctx, "u1")
	if unit.Stats.TotalRuns != 1 || unit.Stats.SuccessfulRuns != 1 {
		t.Errorf("unit stats not recorded: %+v", unit.Stats)
	}

	if f.em.Count(emit.RunStarted) != 1 || f.em.Count(emit.RunFinished) != 1 {
		t.Errorf("expected run events, got %d started / %d finished",
			f.em.Count(emit.RunStarted), f.em.Count(emit.RunFinished))
	}
}

func TestExecuteValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown unit", func(t *testing.T) {
		f := newFixture(t)
		f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "ghost"})
		_, err := f.orch.Execute(ctx, "ghost", "wi-1", nil, "")
		var ve *matter.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})

	t.Run("inactive unit", func(t *testing.T) {
		f := newFixture(t)
		f.putUnit(t, matter.Unit{ID: "u1", Name: "retired", Type: "x", Active: false})
		f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1"})
		_, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "")
		var ve *matter.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError, got %v", err)
		}
		if f.mock.CallCount() != 0 {
			t.Errorf("inactive unit was invoked %d times", f.mock.CallCount())
		}
	})

	t.Run("invalid sub-unit graph aborts before any state change", func(t *testing.T) {
		f := newFixture(t)
		f.putUnit(t, matter.Unit{ID: "u1", Name: "orchestrated", Type: "x", Active: true, CanTriggerSubUnits: true})
		f.putSubUnit(t, matter.SubUnit{ID: "s1", ParentID: "u1", Name: "a", DependsOn: []string{"b"}, Active: true})
		f.putSubUnit(t, matter.SubUnit{ID: "s2", ParentID: "u1", Name: "b", DependsOn: []string{"a"}, Active: true})
		f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1"})

		_, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "")
		var ce *matter.ConfigError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConfigError, got %v", err)
		}
		if ce.Code != "DEPENDENCY_CYCLE" {
			t.Errorf("expected DEPENDENCY_CYCLE, got %s", ce.Code)
		}

		wi, _ := f.st.GetWorkItem(ctx, "wi-1")
		if wi.Status != matter.WorkPending {
			t.Errorf("work item mutated by config failure: %s", wi.Status)
		}
		if f.mock.CallCount() != 0 {
			t.Errorf("invalid graph was invoked %d times", f.mock.CallCount())
		}
	})
}

// TestExecuteApprovalGate verifies a unit requiring human approval parks the
// work item with zero invocations.
func TestExecuteApprovalGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putUnit(t, matter.Unit{ID: "u1", Name: "sender", Type: "mailer", RiskTier: matter.RiskHigh, RequiresHumanApproval: true, Active: true})
	f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1"})

	res, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "user@firm")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != matter.WorkAwaitingApproval {
		t.Errorf("expected awaiting_approval, got %s", res.Status)
	}
	if f.mock.CallCount() != 0 {
		t.Errorf("expected zero invocations, got %d", f.mock.CallCount())
	}

	wi, _ := f.st.GetWorkItem(ctx, "wi-1")
	if wi.Status != matter.WorkAwaitingApproval || !wi.RequiresApproval {
		t.Errorf("work item not parked: %+v", wi)
	}

	run, _ := f.st.GetRunLog(ctx, res.RunLogID)
	if !run.ApprovalRequired || run.Status != matter.RunCompleted {
		t.Errorf("run log missing approval outcome: %+v", run)
	}
}

func TestExecuteGovernanceBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putUnit(t, matter.Unit{ID: "u1", Name: "drafter", Type: "x", RiskTier: matter.RiskLow, Active: true})
	f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1", InputData: map[string]any{"text": "leak the secret"}})
	if err := f.st.PutGovernanceRule(ctx, &matter.GovernanceRule{
		ID: "gr-1", Name: "filter", Type: matter.RuleContentFilter,
		AppliesToUnitTypes: []string{"*"},
		Config:             matter.RuleConfig{Patterns: []string{"secret"}},
		OnViolation:        matter.ViolationBlock, Priority: 1, Active: true,
	}); err != nil {
		t.Fatalf("put rule: %v", err)
	}

	res, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != matter.WorkAwaitingApproval {
		t.Errorf("expected awaiting_approval, got %s", res.Status)
	}
	if len(res.Violations) != 1 {
		t.Errorf("expected the violation in the result: %+v", res.Violations)
	}
	if f.mock.CallCount() != 0 {
		t.Errorf("blocked run was invoked %d times", f.mock.CallCount())
	}
}

// TestExecuteSubUnits runs a fan-out unit: two parallel sub-units, then a
// sequential one that consumes their results.
func TestExecuteSubUnits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putUnit(t, matter.Unit{ID: "u1", Name: "pipeline", Type: "x", RiskTier: matter.RiskLow, Active: true, CanTriggerSubUnits: true})
	f.putSubUnit(t, matter.SubUnit{ID: "s1", ParentID: "u1", Name: "research", IsParallel: true, TaskType: "analysis", Active: true})
	f.putSubUnit(t, matter.SubUnit{ID: "s2", ParentID: "u1", Name: "outline", IsParallel: true, TaskType: "analysis", Active: true})
	f.putSubUnit(t, matter.SubUnit{ID: "s3", ParentID: "u1", Name: "draft", Order: 1, DependsOn: []string{"research", "outline"}, TaskType: "generation", Active: true})
	f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1", InputData: map[string]any{"topic": "contract"}})

	f.mock.SetOutput("research", map[string]any{"facts": 12})
	f.mock.SetOutput("outline", map[string]any{"sections": 4})
	f.mock.SetOutput("draft", map[string]any{"content": "done"})
	// Delay one parallel branch: the sequential sub-unit must still wait for
	// both results.
	f.mock.SetDelay("research", 30*time.Millisecond)

	res, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != matter.WorkCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	for _, name := range []string{"research", "outline", "draft"} {
		if _, ok := res.Output[name]; !ok {
			t.Errorf("output missing %q: %+v", name, res.Output)
		}
	}

	calls := f.mock.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(calls))
	}
	if calls[len(calls)-1].Name() != "draft" {
		t.Errorf("sequential sub-unit ran before parallel ones finished: %v", calls)
	}

	// The sequential call sees prior sibling results.
	draftCalls := f.mock.CallsFor("draft")
	prior, ok := draftCalls[0].Input["previous_results"].(map[string]any)
	if !ok {
		t.Fatalf("previous_results missing from sequential input: %+v", draftCalls[0].Input)
	}
	if _, ok := prior["research"]; !ok {
		t.Errorf("previous_results missing research output: %+v", prior)
	}

	subs, _ := f.st.ListSubUnits(ctx, "u1")
	for _, su := range subs {
		if su.Stats.TotalRuns != 1 {
			t.Errorf("sub-unit %s stats not recorded: %+v", su.Name, su.Stats)
		}
	}
}

func TestExecuteSubUnitFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putUnit(t, matter.Unit{ID: "u1", Name: "pipeline", Type: "x", RiskTier: matter.RiskLow, Active: true, CanTriggerSubUnits: true})
	f.putSubUnit(t, matter.SubUnit{ID: "s1", ParentID: "u1", Name: "research", Order: 1, TaskType: "analysis", Active: true})
	f.putSubUnit(t, matter.SubUnit{ID: "s2", ParentID: "u1", Name: "draft", Order: 2, TaskType: "generation", Active: true})
	f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1"})

	f.mock.SetError("research", errors.New("model unavailable"))

	_, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "")
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	if ee.SubUnitName != "research" {
		t.Errorf("wrong failing sub-unit: %+v", ee)
	}

	// The failure aborts the remaining sequential sub-units.
	if len(f.mock.CallsFor("draft")) != 0 {
		t.Error("later sequential sub-unit ran after a failure")
	}

	wi, _ := f.st.GetWorkItem(ctx, "wi-1")
	if wi.Status != matter.WorkFailed || wi.ErrorMessage == "" {
		t.Errorf("work item not failed: %+v", wi)
	}

	unit, _ := f.st.GetUnit(ctx, "u1")
	if unit.Stats.FailedRuns != 1 {
		t.Errorf("failed run not recorded: %+v", unit.Stats)
	}
}

// flakyInvoker fails a fixed number of times per name before succeeding.
type flakyInvoker struct {
	mu       sync.Mutex
	failures map[string]int
	calls    int
}

func (fi *flakyInvoker) Invoke(_ context.Context, call invoke.Call) (map[string]any, error) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.calls++
	if fi.failures[call.Name()] > 0 {
		fi.failures[call.Name()]--
		return nil, fmt.Errorf("transient failure for %s", call.Name())
	}
	return map[string]any{"ok": true}, nil
}

func TestExecuteSubUnitRetry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	flaky := &flakyInvoker{failures: map[string]int{"research": 2}}
	orch := NewOrchestrator(st, flaky)

	putCtx := context.Background()
	if err := st.PutUnit(putCtx, &matter.Unit{ID: "u1", Name: "pipeline", Type: "x", Active: true, CanTriggerSubUnits: true}); err != nil {
		t.Fatalf("put unit: %v", err)
	}
	if err := st.PutSubUnit(putCtx, &matter.SubUnit{
		ID: "s1", ParentID: "u1", Name: "research", Order: 1,
		TaskType: "analysis", RetryOnFailure: true, MaxRetries: 2, Active: true,
	}); err != nil {
		t.Fatalf("put sub-unit: %v", err)
	}
	if err := st.InsertWorkItem(putCtx, &matter.WorkItem{ID: "wi-1", UnitID: "u1", Status: matter.WorkPending, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("insert work item: %v", err)
	}

	res, err := orch.Execute(ctx, "u1", "wi-1", nil, "")
	if err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if res.Status != matter.WorkCompleted {
		t.Errorf("expected completed, got %s", res.Status)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.calls)
	}
}

func TestExecuteSubUnitRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putUnit(t, matter.Unit{ID: "u1", Name: "pipeline", Type: "x", Active: true, CanTriggerSubUnits: true})
	f.putSubUnit(t, matter.SubUnit{
		ID: "s1", ParentID: "u1", Name: "flaky", Order: 1,
		TaskType: "analysis", RetryOnFailure: true, MaxRetries: 2, Active: true,
	})
	f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1"})
	f.mock.SetError("flaky", errors.New("always down"))

	_, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "")
	if err == nil {
		t.Fatal("expected failure after exhausted retries")
	}
	if got := len(f.mock.CallsFor("flaky")); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestApproveAndReject(t *testing.T) {
	ctx := context.Background()

	park := func(t *testing.T) (*fixture, *Result) {
		f := newFixture(t)
		f.putUnit(t, matter.Unit{ID: "u1", Name: "sender", Type: "mailer", RequiresHumanApproval: true, Active: true})
		f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1"})
		res, err := f.orch.Execute(ctx, "u1", "wi-1", nil, "")
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		return f, res
	}

	t.Run("approve clears the approval flags", func(t *testing.T) {
		f, res := park(t)
		wi, err := f.orch.Approve(ctx, "wi-1", "partner@firm")
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if wi.Status != matter.WorkApproved || wi.ApprovedBy != "partner@firm" || wi.ApprovedAt == nil {
			t.Errorf("unexpected work item: %+v", wi)
		}

		run, _ := f.st.GetRunLog(ctx, res.RunLogID)
		if run.ApprovalRequired {
			t.Error("run log approval flag not cleared")
		}
		if f.em.Count(emit.WorkItemApproved) != 1 {
			t.Errorf("expected work_item_approved event, got %d", f.em.Count(emit.WorkItemApproved))
		}

		// Approval does not auto-resume: still zero invocations.
		if f.mock.CallCount() != 0 {
			t.Errorf("approve triggered execution: %d calls", f.mock.CallCount())
		}
	})

	t.Run("reject is terminal", func(t *testing.T) {
		f, _ := park(t)
		wi, err := f.orch.Reject(ctx, "wi-1", "partner@firm", "not appropriate to send")
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		if wi.Status != matter.WorkRejected || wi.RejectionReason == "" {
			t.Errorf("unexpected work item: %+v", wi)
		}
	})

	t.Run("approve requires awaiting_approval", func(t *testing.T) {
		f := newFixture(t)
		f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1", Status: matter.WorkPending})
		_, err := f.orch.Approve(ctx, "wi-1", "partner@firm")
		var ve *matter.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("expected ValidationError, got %v", err)
		}
	})
}

func TestExecuteInputOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.putUnit(t, matter.Unit{ID: "u1", Name: "drafter", Type: "x", Active: true})
	f.putWorkItem(t, matter.WorkItem{ID: "wi-1", UnitID: "u1", InputData: map[string]any{"topic": "stale"}})

	if _, err := f.orch.Execute(ctx, "u1", "wi-1", map[string]any{"topic": "fresh"}, ""); err != nil {
		t.Fatalf("execute: %v", err)
	}
	calls := f.mock.Calls()
	if calls[0].Input["topic"] != "fresh" {
		t.Errorf("input override not applied: %+v", calls[0].Input)
	}
	wi, _ := f.st.GetWorkItem(ctx, "wi-1")
	if wi.InputData["topic"] != "fresh" {
		t.Errorf("override not persisted on the work item: %+v", wi.InputData)
	}
}
