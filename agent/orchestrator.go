// Package agent executes units ("agents") against work items under
// governance control.
//
// The orchestrator is the single entry point for running a unit. Every
// execution follows the same shape:
//
//  1. Validate the unit and, when it fans out, its sub-unit graph. Any
//     problem here surfaces before a single byte of state changes.
//  2. Evaluate every applicable governance rule (Evaluator).
//  3. Open a run log recording the governance outcome.
//  4. If governance failed or the unit requires human approval, park the
//     work item in awaiting_approval and return without invoking anything.
//  5. Otherwise dispatch: parallel sub-units concurrently, then sequential
//     sub-units in stored order with sibling dependencies checked, or a
//     single direct invocation when the unit has no sub-units.
//  6. Close the run log, update run statistics, and move the work item to
//     completed or failed.
//
// Unlike lifecycle automation, execution failures here are never swallowed:
// a failed invocation fails the work item and propagates to the caller.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/invoke"
	"github.com/matterflow/matterflow-go/matter"
	"github.com/matterflow/matterflow-go/store"
)

// ExecutionError reports a failed unit or sub-unit invocation. It wraps the
// underlying invoker error for errors.Is/As inspection.
type ExecutionError struct {
	UnitID      string
	UnitName    string
	SubUnitName string
	WorkItemID  string
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.SubUnitName != "" {
		return fmt.Sprintf("sub-unit %q of unit %q failed: %v", e.SubUnitName, e.UnitName, e.Err)
	}
	return fmt.Sprintf("unit %q failed: %v", e.UnitName, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Result is the outcome of one Execute call.
type Result struct {
	// Status is the work item's status after the call: completed or
	// awaiting_approval. Failed executions return an error instead.
	Status matter.WorkItemStatus

	// Output is the execution output: the invoker's output map for a direct
	// run, or a map keyed by sub-unit name for a fan-out run.
	Output map[string]any

	// Violations are all governance violations raised during evaluation,
	// including warn-level ones on a passing run.
	Violations []matter.Violation

	// RunLogID identifies the full-run log record for this execution.
	RunLogID string

	ElapsedMS int64
}

// Orchestrator coordinates governed unit execution over a store and an
// invoker.
//
// Usage:
//
//	orch := agent.NewOrchestrator(st, invoker,
//	    agent.WithEmitter(emitter),
//	    agent.WithMetrics(metrics),
//	)
//	res, err := orch.Execute(ctx, unitID, workItemID, nil, "reviewer@firm")
type Orchestrator struct {
	store      store.Store
	invoker    invoke.Invoker
	governance *Evaluator
	emitter    emit.Emitter
	metrics    *Metrics
	now        func() time.Time
}

// NewOrchestrator creates an orchestrator. The governance evaluator is built
// internally and shares the orchestrator's clock and metrics.
func NewOrchestrator(st store.Store, inv invoke.Invoker, opts ...Option) *Orchestrator {
	cfg := newConfig(opts)
	return &Orchestrator{
		store:      st,
		invoker:    inv,
		governance: &Evaluator{store: st, metrics: cfg.metrics, now: cfg.now},
		emitter:    cfg.emitter,
		metrics:    cfg.metrics,
		now:        cfg.now,
	}
}

// Governance returns the evaluator the orchestrator consults before
// dispatching, for callers that want to pre-check a unit.
func (o *Orchestrator) Governance() *Evaluator { return o.governance }

// Execute runs the unit against the work item.
//
// A non-nil input replaces the work item's stored input; a nil input uses
// what the work item already carries. An unknown or inactive unit, or an
// invalid sub-unit graph, is rejected before any state changes. A governance
// failure or a unit requiring human approval parks the work item in
// awaiting_approval with zero invocations and a nil error; resuming after
// Approve is a fresh Execute call.
func (o *Orchestrator) Execute(ctx context.Context, unitID, workItemID string, input map[string]any, actor string) (*Result, error) {
	unit, err := o.store.GetUnit(ctx, unitID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &matter.ValidationError{Message: "unknown unit: " + unitID, Fields: []string{"unit_id"}}
		}
		return nil, fmt.Errorf("failed to load unit %s: %w", unitID, err)
	}
	if !unit.Active {
		return nil, &matter.ValidationError{Message: fmt.Sprintf("unit %q is inactive", unit.Name), Fields: []string{"unit_id"}}
	}

	wi, err := o.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load work item %s: %w", workItemID, err)
	}
	if input != nil {
		wi.InputData = input
	} else {
		input = wi.InputData
	}

	// Sub-unit graph preflight runs before any write so a bad configuration
	// leaves the work item untouched.
	var subs []matter.SubUnit
	if unit.CanTriggerSubUnits {
		subs, err = o.store.ListSubUnits(ctx, unit.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list sub-units of %s: %w", unit.ID, err)
		}
		if err := matter.ValidateSubUnits(subs); err != nil {
			return nil, err
		}
	}

	start := o.now()
	o.metrics.RunStarted()
	defer o.metrics.RunFinished()

	decision, err := o.governance.Evaluate(ctx, unit, input)
	if err != nil {
		return nil, err
	}

	wi.Status = matter.WorkProcessing
	if err := o.store.UpdateWorkItem(ctx, wi); err != nil {
		return nil, fmt.Errorf("failed to update work item %s: %w", wi.ID, err)
	}

	run := &matter.RunLog{
		WorkItemID:       wi.ID,
		UnitID:           unit.ID,
		RunType:          matter.RunFull,
		Status:           matter.RunStarted,
		InputData:        input,
		GovernancePassed: decision.Passed,
		Violations:       decision.Violations,
		Actor:            actorOrSystem(actor),
		StartedAt:        start,
	}
	if err := o.store.AppendRunLog(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to append run log: %w", err)
	}
	o.record(ctx, emit.Event{
		EntityID:   wi.EntityID,
		WorkItemID: wi.ID,
		Type:       emit.RunStarted,
		Category:   "agent",
		Title:      "Run started: " + unit.Name,
		Actor:      actorOrSystem(actor),
		Meta:       map[string]any{"unit_id": unit.ID, "run_log_id": run.ID, "governance_passed": decision.Passed},
		At:         start,
	})

	if !decision.Passed || unit.RequiresHumanApproval {
		return o.parkForApproval(ctx, wi, unit, run, decision, start)
	}

	var output map[string]any
	var execErr error
	if len(subs) > 0 {
		output, execErr = o.runSubUnits(ctx, wi, unit, subs, input)
	} else {
		output, execErr = o.invokeDirect(ctx, wi, unit, input)
	}
	elapsed := o.now().Sub(start)

	if execErr != nil {
		o.finishFailed(ctx, wi, unit, run, execErr, elapsed)
		return nil, execErr
	}
	if err := o.finishCompleted(ctx, wi, unit, run, output, elapsed); err != nil {
		return nil, err
	}
	return &Result{
		Status:     matter.WorkCompleted,
		Output:     output,
		Violations: decision.Violations,
		RunLogID:   run.ID,
		ElapsedMS:  elapsed.Milliseconds(),
	}, nil
}

func (o *Orchestrator) parkForApproval(ctx context.Context, wi *matter.WorkItem, unit *matter.Unit, run *matter.RunLog, decision Decision, start time.Time) (*Result, error) {
	wi.Status = matter.WorkAwaitingApproval
	wi.RequiresApproval = true
	if err := o.store.UpdateWorkItem(ctx, wi); err != nil {
		return nil, fmt.Errorf("failed to update work item %s: %w", wi.ID, err)
	}

	now := o.now()
	run.Status = matter.RunCompleted
	run.ApprovalRequired = true
	run.ElapsedMS = now.Sub(start).Milliseconds()
	run.CompletedAt = &now
	if err := o.store.UpdateRunLog(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run log %s: %w", run.ID, err)
	}

	o.metrics.RecordRun(unit.Name, string(matter.WorkAwaitingApproval), 0)
	o.record(ctx, emit.Event{
		EntityID:   wi.EntityID,
		WorkItemID: wi.ID,
		Type:       emit.ApprovalRequired,
		Category:   "agent",
		Title:      "Approval required: " + unit.Name,
		Actor:      emit.SystemActor,
		Meta:       map[string]any{"unit_id": unit.ID, "run_log_id": run.ID, "violations": len(decision.Violations)},
		At:         now,
	})
	return &Result{
		Status:     matter.WorkAwaitingApproval,
		Violations: decision.Violations,
		RunLogID:   run.ID,
	}, nil
}

func (o *Orchestrator) invokeDirect(ctx context.Context, wi *matter.WorkItem, unit *matter.Unit, input map[string]any) (map[string]any, error) {
	out, err := o.invoker.Invoke(ctx, invoke.Call{
		WorkItemID: wi.ID,
		UnitID:     unit.ID,
		UnitName:   unit.Name,
		TaskType:   unit.Type,
		Input:      input,
	})
	if err != nil {
		return nil, &ExecutionError{UnitID: unit.ID, UnitName: unit.Name, WorkItemID: wi.ID, Err: err}
	}
	return out, nil
}

// runSubUnits dispatches parallel sub-units concurrently, waits for all of
// them, then runs sequential sub-units in stored order. The returned map is
// keyed by sub-unit name. Any sub-unit failure fails the whole run; parallel
// siblings already dispatched still run to completion and record their own
// run logs.
func (o *Orchestrator) runSubUnits(ctx context.Context, wi *matter.WorkItem, unit *matter.Unit, subs []matter.SubUnit, input map[string]any) (map[string]any, error) {
	var parallel, sequential []matter.SubUnit
	for _, su := range subs {
		if su.IsParallel {
			parallel = append(parallel, su)
		} else {
			sequential = append(sequential, su)
		}
	}
	sort.SliceStable(sequential, func(i, j int) bool { return sequential[i].Order < sequential[j].Order })

	results := make(map[string]any, len(subs))
	var mu sync.Mutex

	var wg sync.WaitGroup
	errs := make([]error, len(parallel))
	for i := range parallel {
		wg.Add(1)
		go func(i int, su matter.SubUnit) {
			defer wg.Done()
			out, err := o.executeSubUnit(ctx, wi, unit, su, input, nil)
			if err != nil {
				errs[i] = err
				return
			}
			mu.Lock()
			results[su.Name] = out
			mu.Unlock()
		}(i, parallel[i])
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	for _, su := range sequential {
		for _, dep := range su.DependsOn {
			if _, ok := results[dep]; !ok {
				depErr := fmt.Errorf("dependency %q has no recorded result", dep)
				now := o.now()
				_ = o.store.AppendRunLog(ctx, &matter.RunLog{
					WorkItemID:   wi.ID,
					UnitID:       unit.ID,
					SubUnitID:    su.ID,
					RunType:      matter.RunSubUnit,
					Status:       matter.RunFailed,
					ErrorMessage: depErr.Error(),
					StartedAt:    now,
					CompletedAt:  &now,
				})
				_ = o.store.RecordSubUnitRun(ctx, su.ID, false, 0)
				return nil, &ExecutionError{UnitID: unit.ID, UnitName: unit.Name, SubUnitName: su.Name, WorkItemID: wi.ID, Err: depErr}
			}
		}
		snapshot := make(map[string]any, len(results))
		mu.Lock()
		for k, v := range results {
			snapshot[k] = v
		}
		mu.Unlock()

		out, err := o.executeSubUnit(ctx, wi, unit, su, input, snapshot)
		if err != nil {
			return nil, err
		}
		results[su.Name] = out
	}
	return results, nil
}

// executeSubUnit runs one sub-unit with bounded retries, recording a run log
// whose Attempts field counts every invocation made. Sequential sub-units see
// prior sibling results under a "previous_results" input key.
func (o *Orchestrator) executeSubUnit(ctx context.Context, wi *matter.WorkItem, unit *matter.Unit, su matter.SubUnit, input, prior map[string]any) (map[string]any, error) {
	start := o.now()

	callInput := input
	if len(prior) > 0 {
		callInput = make(map[string]any, len(input)+1)
		for k, v := range input {
			callInput[k] = v
		}
		callInput["previous_results"] = prior
	}

	run := &matter.RunLog{
		WorkItemID:       wi.ID,
		UnitID:           unit.ID,
		SubUnitID:        su.ID,
		RunType:          matter.RunSubUnit,
		Status:           matter.RunStarted,
		InputData:        callInput,
		GovernancePassed: true,
		StartedAt:        start,
	}
	if err := o.store.AppendRunLog(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to append sub-unit run log: %w", err)
	}

	maxAttempts := 1
	if su.RetryOnFailure && su.MaxRetries > 0 {
		maxAttempts = 1 + su.MaxRetries
	}

	var out map[string]any
	var err error
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		out, err = o.invoker.Invoke(ctx, invoke.Call{
			WorkItemID:  wi.ID,
			UnitID:      unit.ID,
			UnitName:    unit.Name,
			SubUnitID:   su.ID,
			SubUnitName: su.Name,
			TaskType:    su.TaskType,
			Input:       callInput,
		})
		if err == nil || ctx.Err() != nil {
			break
		}
	}

	now := o.now()
	elapsed := now.Sub(start).Milliseconds()
	run.Attempts = attempts
	run.ElapsedMS = elapsed
	run.CompletedAt = &now
	if err != nil {
		run.Status = matter.RunFailed
		run.ErrorMessage = err.Error()
	} else {
		run.Status = matter.RunCompleted
		run.OutputData = out
	}
	// Bookkeeping writes are best effort: a stats failure must not turn a
	// finished invocation into a different outcome.
	_ = o.store.UpdateRunLog(ctx, run)
	_ = o.store.RecordSubUnitRun(ctx, su.ID, err == nil, elapsed)

	if err != nil {
		return nil, &ExecutionError{UnitID: unit.ID, UnitName: unit.Name, SubUnitName: su.Name, WorkItemID: wi.ID, Err: err}
	}
	return out, nil
}

func (o *Orchestrator) finishCompleted(ctx context.Context, wi *matter.WorkItem, unit *matter.Unit, run *matter.RunLog, output map[string]any, elapsed time.Duration) error {
	now := o.now()
	ms := elapsed.Milliseconds()

	wi.Status = matter.WorkCompleted
	wi.OutputData = output
	wi.ElapsedMS = ms
	wi.CompletedAt = &now
	if err := o.store.UpdateWorkItem(ctx, wi); err != nil {
		return fmt.Errorf("failed to update work item %s: %w", wi.ID, err)
	}

	run.Status = matter.RunCompleted
	run.OutputData = output
	run.ElapsedMS = ms
	run.CompletedAt = &now
	if err := o.store.UpdateRunLog(ctx, run); err != nil {
		return fmt.Errorf("failed to update run log %s: %w", run.ID, err)
	}

	_ = o.store.RecordUnitRun(ctx, unit.ID, true, ms)
	o.metrics.RecordRun(unit.Name, string(matter.WorkCompleted), elapsed.Seconds())
	o.record(ctx, emit.Event{
		EntityID:   wi.EntityID,
		WorkItemID: wi.ID,
		Type:       emit.RunFinished,
		Category:   "agent",
		Title:      "Run completed: " + unit.Name,
		Actor:      emit.SystemActor,
		Meta:       map[string]any{"unit_id": unit.ID, "run_log_id": run.ID, "elapsed_ms": ms},
		At:         now,
	})
	return nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, wi *matter.WorkItem, unit *matter.Unit, run *matter.RunLog, execErr error, elapsed time.Duration) {
	now := o.now()
	ms := elapsed.Milliseconds()

	wi.Status = matter.WorkFailed
	wi.ErrorMessage = execErr.Error()
	wi.ElapsedMS = ms
	wi.CompletedAt = &now
	_ = o.store.UpdateWorkItem(ctx, wi)

	run.Status = matter.RunFailed
	run.ErrorMessage = execErr.Error()
	run.ElapsedMS = ms
	run.CompletedAt = &now
	_ = o.store.UpdateRunLog(ctx, run)

	_ = o.store.RecordUnitRun(ctx, unit.ID, false, ms)
	o.metrics.RecordRun(unit.Name, string(matter.WorkFailed), elapsed.Seconds())
	o.record(ctx, emit.Event{
		EntityID:    wi.EntityID,
		WorkItemID:  wi.ID,
		Type:        emit.RunFinished,
		Category:    "agent",
		Title:       "Run failed: " + unit.Name,
		Description: execErr.Error(),
		Actor:       emit.SystemActor,
		Meta:        map[string]any{"unit_id": unit.ID, "run_log_id": run.ID, "elapsed_ms": ms},
		At:          now,
	})
}

// Approve releases a work item parked in awaiting_approval. Execution does
// not resume automatically; the caller re-runs the unit with a fresh Execute
// call once approved.
func (o *Orchestrator) Approve(ctx context.Context, workItemID, approver string) (*matter.WorkItem, error) {
	wi, err := o.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load work item %s: %w", workItemID, err)
	}
	if wi.Status != matter.WorkAwaitingApproval {
		return nil, &matter.ValidationError{
			Message: fmt.Sprintf("work item %s is %s, not awaiting approval", wi.ID, wi.Status),
			Fields:  []string{"status"},
		}
	}

	now := o.now()
	wi.Status = matter.WorkApproved
	wi.ApprovedBy = approver
	wi.ApprovedAt = &now
	if err := o.store.UpdateWorkItem(ctx, wi); err != nil {
		return nil, fmt.Errorf("failed to update work item %s: %w", wi.ID, err)
	}
	if err := o.store.ClearApprovalRequired(ctx, wi.ID); err != nil {
		return nil, fmt.Errorf("failed to clear approval flags for %s: %w", wi.ID, err)
	}

	o.record(ctx, emit.Event{
		EntityID:   wi.EntityID,
		WorkItemID: wi.ID,
		Type:       emit.WorkItemApproved,
		Category:   "agent",
		Title:      "Work item approved",
		Actor:      approver,
		At:         now,
	})
	return wi, nil
}

// Reject declines a work item parked in awaiting_approval. Rejected is
// terminal.
func (o *Orchestrator) Reject(ctx context.Context, workItemID, rejecter, reason string) (*matter.WorkItem, error) {
	wi, err := o.store.GetWorkItem(ctx, workItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load work item %s: %w", workItemID, err)
	}
	if wi.Status != matter.WorkAwaitingApproval {
		return nil, &matter.ValidationError{
			Message: fmt.Sprintf("work item %s is %s, not awaiting approval", wi.ID, wi.Status),
			Fields:  []string{"status"},
		}
	}

	now := o.now()
	wi.Status = matter.WorkRejected
	wi.RejectionReason = reason
	if err := o.store.UpdateWorkItem(ctx, wi); err != nil {
		return nil, fmt.Errorf("failed to update work item %s: %w", wi.ID, err)
	}
	if err := o.store.ClearApprovalRequired(ctx, wi.ID); err != nil {
		return nil, fmt.Errorf("failed to clear approval flags for %s: %w", wi.ID, err)
	}

	o.record(ctx, emit.Event{
		EntityID:    wi.EntityID,
		WorkItemID:  wi.ID,
		Type:        emit.WorkItemRejected,
		Category:    "agent",
		Title:       "Work item rejected",
		Description: reason,
		Actor:       rejecter,
		At:          now,
	})
	return wi, nil
}

// record appends the event to the store's audit log and mirrors it to the
// emitter. An append failure downgrades to emitter-only so it never fails
// the triggering operation.
func (o *Orchestrator) record(ctx context.Context, ev emit.Event) {
	if err := o.store.AppendEvent(ctx, ev); err != nil && o.emitter != nil {
		failure := ev
		failure.Meta = map[string]any{"error": err.Error()}
		failure.Title = "event append failed: " + ev.Title
		o.emitter.Emit(failure)
		return
	}
	if o.emitter != nil {
		o.emitter.Emit(ev)
	}
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return emit.SystemActor
	}
	return actor
}
