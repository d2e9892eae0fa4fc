// Package flow drives entities through their playbook lifecycle: the
// Coordinator owns the status state machine, health recomputation, and the
// SLA sweep; the Engine interprets playbook automation rules at each trigger
// point.
//
// Responsibilities split:
//   - Coordinator: create entities, authorize transitions, record artifacts,
//     sweep SLAs. Validation failures abort with no partial state change.
//   - Engine: select rules for a trigger and run their actions in list
//     order. Action failures are best-effort: logged, counted, never
//     propagated to the triggering operation.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/matter"
	"github.com/matterflow/matterflow-go/store"
)

// Engine interprets a playbook's automation rules. Each entry point selects
// the rules bound to one trigger kind and executes their actions in list
// order with best-effort semantics.
type Engine struct {
	store   store.Store
	emitter emit.Emitter
	metrics *Metrics
	now     func() time.Time
}

// NewEngine creates an automation engine over the given store.
func NewEngine(st store.Store, opts ...Option) *Engine {
	cfg := newConfig(opts)
	return &Engine{
		store:   st,
		emitter: cfg.emitter,
		metrics: cfg.metrics,
		now:     cfg.now,
	}
}

// OnEntityCreated runs the entity_created rules for a newly created entity.
func (e *Engine) OnEntityCreated(ctx context.Context, ent *matter.Entity, pb *matter.Playbook) {
	rules := pb.RulesFor(matter.TriggerEntityCreated, ent.CurrentStatus)
	e.runRules(ctx, ent, rules, nil)
}

// OnStatusChanged runs the status_changed_to rules matching the entity's new
// status.
func (e *Engine) OnStatusChanged(ctx context.Context, ent *matter.Entity, pb *matter.Playbook, newStatus string) {
	rules := pb.RulesFor(matter.TriggerStatusChangedTo, newStatus)
	e.runRules(ctx, ent, rules, nil)
}

// OnSLABreach runs the sla_breach rules for an entity flagged by the sweep.
// Rules conditioned on missing_artifacts are skipped unless at least one
// artifact required at the entity's current status is absent.
func (e *Engine) OnSLABreach(ctx context.Context, ent *matter.Entity, pb *matter.Playbook) {
	rules := pb.RulesFor(matter.TriggerSLABreach, ent.CurrentStatus)
	if len(rules) == 0 {
		return
	}

	var hasMissing bool
	var checked bool
	selected := rules[:0]
	for _, r := range rules {
		if r.Conditions.MissingArtifacts {
			if !checked {
				checked = true
				artifacts, err := e.store.ListArtifacts(ctx, ent.ID)
				if err != nil {
					e.recordFailure(ctx, ent.ID, "", r.RuleID, "condition_check", err)
					continue
				}
				hasMissing = len(pb.MissingArtifacts(ent.CurrentStatus, artifacts)) > 0
			}
			if !hasMissing {
				continue
			}
		}
		selected = append(selected, r)
	}
	e.runRules(ctx, ent, selected, nil)
}

// OnWorkItemCreated runs the work_item_created rules for a work item
// proposed against a unit. Rules listing risk tiers are skipped unless the
// unit's risk tier is in the list. The entity may be nil for work items not
// attached to an entity.
func (e *Engine) OnWorkItemCreated(ctx context.Context, ent *matter.Entity, pb *matter.Playbook, wi *matter.WorkItem, unitRisk matter.RiskTier) {
	statusID := ""
	if ent != nil {
		statusID = ent.CurrentStatus
	}
	rules := pb.RulesFor(matter.TriggerWorkItemCreated, statusID)
	selected := rules[:0]
	for _, r := range rules {
		if len(r.Conditions.RiskTiers) > 0 && !tierIn(r.Conditions.RiskTiers, unitRisk) {
			continue
		}
		selected = append(selected, r)
	}
	e.runRules(ctx, ent, selected, wi)
}

// OnArtifactUpdated runs the artifact_updated rules after an artifact upload
// or status change.
func (e *Engine) OnArtifactUpdated(ctx context.Context, ent *matter.Entity, pb *matter.Playbook) {
	rules := pb.RulesFor(matter.TriggerArtifactUpdated, ent.CurrentStatus)
	e.runRules(ctx, ent, rules, nil)
}

func tierIn(tiers []matter.RiskTier, t matter.RiskTier) bool {
	for _, v := range tiers {
		if v == t {
			return true
		}
	}
	return false
}

// runRules executes each rule's actions in list order. A failing action is
// recorded and does not abort subsequent actions or rules.
func (e *Engine) runRules(ctx context.Context, ent *matter.Entity, rules []matter.AutomationRule, wi *matter.WorkItem) {
	for _, rule := range rules {
		for _, action := range rule.Actions {
			err := e.apply(ctx, ent, wi, rule, action)
			e.metrics.RecordAction(action.ActionType(), err)
			if err != nil {
				entityID := ""
				if ent != nil {
					entityID = ent.ID
				}
				workItemID := ""
				if wi != nil {
					workItemID = wi.ID
				}
				e.recordFailure(ctx, entityID, workItemID, rule.RuleID, action.ActionType(), err)
			}
		}
	}
}

func (e *Engine) apply(ctx context.Context, ent *matter.Entity, wi *matter.WorkItem, rule matter.AutomationRule, action matter.Action) error {
	switch a := action.(type) {
	case matter.CreateTask:
		return e.createTask(ctx, ent, rule, a)
	case matter.ScheduleReminders:
		return e.scheduleReminders(ctx, ent, rule, a)
	case matter.Escalate:
		return e.escalate(ctx, ent, rule, a)
	case matter.IncrementDefectCount:
		return e.incrementDefects(ctx, ent, rule)
	case matter.RequireApproval:
		return e.requireApproval(ctx, ent, wi, rule)
	case matter.BlockExternalSend:
		return e.blockExternalSend(ctx, wi, rule)
	case matter.Notify:
		return e.notify(ctx, ent, wi, rule, a)
	default:
		return fmt.Errorf("unhandled action type: %q", action.ActionType())
	}
}

func (e *Engine) createTask(ctx context.Context, ent *matter.Entity, rule matter.AutomationRule, a matter.CreateTask) error {
	if ent == nil {
		return fmt.Errorf("create_task action requires an entity context")
	}
	now := e.now()
	task := matter.TaskItem{
		EntityID:    ent.ID,
		Title:       a.Title,
		Description: a.Description,
		Priority:    a.Priority,
		Status:      matter.TaskPending,
		IsAutomated: true,
		RuleID:      rule.RuleID,
		CreatedAt:   now,
	}
	if task.Priority == "" {
		task.Priority = matter.PriorityMedium
	}
	if a.DueOffsetHours > 0 {
		due := now.Add(time.Duration(a.DueOffsetHours) * time.Hour)
		task.DueAt = &due
	}
	if a.AssignToPreviousOwner {
		task.AssignedTo = ent.AssignedTo
	}
	if err := e.store.InsertTask(ctx, &task); err != nil {
		return err
	}
	e.record(ctx, emit.Event{
		EntityID: ent.ID,
		Type:     emit.TaskCreated,
		Category: "workflow",
		Title:    "Task created: " + task.Title,
		Actor:    emit.SystemActor,
		Meta:     map[string]any{"task_id": task.ID, "rule_id": rule.RuleID},
		At:       now,
	})
	return nil
}

func (e *Engine) scheduleReminders(ctx context.Context, ent *matter.Entity, rule matter.AutomationRule, a matter.ScheduleReminders) error {
	if ent == nil {
		return fmt.Errorf("schedule_reminders action requires an entity context")
	}
	now := e.now()
	for _, day := range a.ReminderDays {
		due := now.Add(time.Duration(day) * 24 * time.Hour)
		task := matter.TaskItem{
			EntityID:    ent.ID,
			Title:       fmt.Sprintf("Reminder: %s (day %d)", a.ReminderType, day),
			Priority:    matter.PriorityLow,
			Status:      matter.TaskPending,
			DueAt:       &due,
			IsAutomated: true,
			RuleID:      rule.RuleID,
			CreatedAt:   now,
		}
		if err := e.store.InsertTask(ctx, &task); err != nil {
			return err
		}
		e.record(ctx, emit.Event{
			EntityID: ent.ID,
			Type:     emit.TaskCreated,
			Category: "communication",
			Title:    "Reminder scheduled: " + task.Title,
			Actor:    emit.SystemActor,
			Meta:     map[string]any{"task_id": task.ID, "rule_id": rule.RuleID},
			At:       now,
		})
	}
	return nil
}

func (e *Engine) escalate(ctx context.Context, ent *matter.Entity, rule matter.AutomationRule, a matter.Escalate) error {
	if ent == nil {
		return fmt.Errorf("escalate action requires an entity context")
	}
	oldRole := ent.AssignedRole
	if err := e.store.EscalateEntity(ctx, ent.ID, a.EscalateToRole); err != nil {
		return err
	}
	ent.AssignedRole = a.EscalateToRole
	ent.EscalationCount++

	now := e.now()
	task := matter.TaskItem{
		EntityID:    ent.ID,
		Title:       "Escalation: " + a.Reason,
		Priority:    matter.PriorityUrgent,
		Status:      matter.TaskPending,
		IsAutomated: true,
		RuleID:      rule.RuleID,
		CreatedAt:   now,
	}
	if err := e.store.InsertTask(ctx, &task); err != nil {
		return err
	}
	e.record(ctx, emit.Event{
		EntityID:    ent.ID,
		Type:        emit.Escalation,
		Category:    "workflow",
		Title:       "Escalated to " + a.EscalateToRole,
		Description: a.Reason,
		OldValue:    map[string]any{"assigned_role": oldRole},
		NewValue:    map[string]any{"assigned_role": a.EscalateToRole},
		Actor:       emit.SystemActor,
		Meta:        map[string]any{"task_id": task.ID, "rule_id": rule.RuleID},
		At:          now,
	})
	return nil
}

func (e *Engine) incrementDefects(ctx context.Context, ent *matter.Entity, rule matter.AutomationRule) error {
	if ent == nil {
		return fmt.Errorf("increment_defect_count action requires an entity context")
	}
	if err := e.store.AddDefect(ctx, ent.ID); err != nil {
		return err
	}
	ent.DefectCount++
	e.record(ctx, emit.Event{
		EntityID: ent.ID,
		Type:     emit.DefectRecorded,
		Category: "workflow",
		Title:    "Defect count incremented",
		NewValue: map[string]any{"defect_count": ent.DefectCount},
		Actor:    emit.SystemActor,
		Meta:     map[string]any{"rule_id": rule.RuleID},
		At:       e.now(),
	})
	return nil
}

func (e *Engine) requireApproval(ctx context.Context, ent *matter.Entity, wi *matter.WorkItem, rule matter.AutomationRule) error {
	if wi == nil {
		return fmt.Errorf("require_approval action requires a work item context")
	}
	wi.RequiresApproval = true
	wi.Status = matter.WorkAwaitingApproval
	if err := e.store.UpdateWorkItem(ctx, wi); err != nil {
		return err
	}

	now := e.now()
	meta := map[string]any{"rule_id": rule.RuleID}
	if ent != nil {
		task := matter.TaskItem{
			EntityID:    ent.ID,
			Title:       "Review required: work item " + wi.ID,
			Priority:    matter.PriorityHigh,
			Status:      matter.TaskPending,
			IsAutomated: true,
			RuleID:      rule.RuleID,
			CreatedAt:   now,
		}
		if err := e.store.InsertTask(ctx, &task); err != nil {
			return err
		}
		meta["task_id"] = task.ID
	}
	e.record(ctx, emit.Event{
		EntityID:   wi.EntityID,
		WorkItemID: wi.ID,
		Type:       emit.ApprovalRequired,
		Category:   "agent",
		Title:      "Work item requires human approval",
		Actor:      emit.SystemActor,
		Meta:       meta,
		At:         now,
	})
	return nil
}

func (e *Engine) blockExternalSend(ctx context.Context, wi *matter.WorkItem, rule matter.AutomationRule) error {
	if wi == nil {
		return fmt.Errorf("block_external_send action requires a work item context")
	}
	wi.CanSendExternally = false
	if err := e.store.UpdateWorkItem(ctx, wi); err != nil {
		return err
	}
	e.record(ctx, emit.Event{
		EntityID:   wi.EntityID,
		WorkItemID: wi.ID,
		Type:       emit.ExternalSendBlocked,
		Category:   "agent",
		Title:      "External delivery blocked for work item output",
		Actor:      emit.SystemActor,
		Meta:       map[string]any{"rule_id": rule.RuleID},
		At:         e.now(),
	})
	return nil
}

func (e *Engine) notify(ctx context.Context, ent *matter.Entity, wi *matter.WorkItem, rule matter.AutomationRule, a matter.Notify) error {
	ev := emit.Event{
		Type:     emit.NotificationSent,
		Category: "communication",
		Title:    a.Message,
		Actor:    emit.SystemActor,
		Meta:     map[string]any{"rule_id": rule.RuleID},
		At:       e.now(),
	}
	if len(a.Roles) > 0 {
		ev.Meta["roles"] = a.Roles
	}
	if ent != nil {
		ev.EntityID = ent.ID
	}
	if wi != nil {
		ev.WorkItemID = wi.ID
	}
	e.record(ctx, ev)
	return nil
}

// record appends an event to the audit log and mirrors it to the emitter.
// Audit append failures are reported through the emitter only; automation
// events never fail their triggering operation.
func (e *Engine) record(ctx context.Context, ev emit.Event) {
	if err := e.store.AppendEvent(ctx, ev); err != nil && e.emitter != nil {
		failure := ev
		failure.Meta = map[string]any{"error": err.Error()}
		failure.Title = "event append failed: " + ev.Title
		e.emitter.Emit(failure)
		return
	}
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

func (e *Engine) recordFailure(ctx context.Context, entityID, workItemID, ruleID, actionType string, cause error) {
	e.record(ctx, emit.Event{
		EntityID:    entityID,
		WorkItemID:  workItemID,
		Type:        emit.ActionFailed,
		Category:    "system",
		Title:       "Automation action failed: " + actionType,
		Description: cause.Error(),
		Actor:       emit.SystemActor,
		Meta:        map[string]any{"rule_id": ruleID, "action": actionType, "error": cause.Error()},
		At:          e.now(),
	})
}
