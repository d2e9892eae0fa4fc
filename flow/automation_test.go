package flow

import (
	"context"
	"testing"
	"time"

	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/matter"
	"github.com/matterflow/matterflow-go/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.MemStore, *emit.MemoryEmitter, *fakeClock) {
	t.Helper()
	st := store.NewMemStore()
	em := emit.NewMemoryEmitter()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewEngine(st, WithEmitter(em), WithClock(clock.Now)), st, em, clock
}

func seedEntity(t *testing.T, st *store.MemStore) *matter.Entity {
	t.Helper()
	ent := &matter.Entity{
		ID:              "ent-1",
		Number:          "M-1",
		PlaybookID:      "tmpl-1",
		CurrentStatus:   "active",
		CurrentLane:     "production",
		AssignedTo:      "associate@firm",
		AssignedRole:    "associate",
		StatusChangedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		CreatedAt:       time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := st.InsertEntity(context.Background(), ent); err != nil {
		t.Fatalf("insert entity: %v", err)
	}
	return ent
}

func rulePlaybook(rules ...matter.AutomationRule) *matter.Playbook {
	return &matter.Playbook{
		TemplateID: "tmpl-1",
		Version:    1,
		Name:       "Rules",
		Statuses: []matter.StatusDef{
			{ID: "new", Name: "New", Lane: "intake", IsInitial: true},
			{ID: "active", Name: "Active", Lane: "production"},
		},
		RequiredArtifacts: []matter.RequiredArtifact{
			{ArtifactType: "engagement_letter", RequiredAt: []string{"active"}},
		},
		AutomationRules: rules,
	}
}

func TestCreateTaskAction(t *testing.T) {
	ctx := context.Background()
	eng, st, em, clock := newTestEngine(t)
	ent := seedEntity(t, st)

	pb := rulePlaybook(matter.AutomationRule{
		RuleID:  "r1",
		Trigger: matter.TriggerEntityCreated,
		Actions: matter.ActionList{
			matter.CreateTask{
				Title:                 "Kickoff call",
				Priority:              matter.PriorityHigh,
				DueOffsetHours:        48,
				AssignToPreviousOwner: true,
			},
		},
	})
	eng.OnEntityCreated(ctx, ent, pb)

	tasks, _ := st.ListTasks(ctx, ent.ID)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	task := tasks[0]
	if task.Title != "Kickoff call" || task.Priority != matter.PriorityHigh {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.AssignedTo != "associate@firm" {
		t.Errorf("expected previous-owner assignment, got %q", task.AssignedTo)
	}
	if task.DueAt == nil || !task.DueAt.Equal(clock.Now().Add(48*time.Hour)) {
		t.Errorf("unexpected due date: %v", task.DueAt)
	}
	if !task.IsAutomated || task.RuleID != "r1" {
		t.Errorf("automation provenance missing: %+v", task)
	}
	if em.Count(emit.TaskCreated) != 1 {
		t.Errorf("expected task_created event, got %d", em.Count(emit.TaskCreated))
	}
}

func TestScheduleRemindersAction(t *testing.T) {
	ctx := context.Background()
	eng, st, _, _ := newTestEngine(t)
	ent := seedEntity(t, st)

	pb := rulePlaybook(matter.AutomationRule{
		RuleID:  "r1",
		Trigger: matter.TriggerEntityCreated,
		Actions: matter.ActionList{
			matter.ScheduleReminders{ReminderDays: []int{3, 7, 14}, ReminderType: "document_request"},
		},
	})
	eng.OnEntityCreated(ctx, ent, pb)

	tasks, _ := st.ListTasks(ctx, ent.ID)
	if len(tasks) != 3 {
		t.Fatalf("expected 3 reminder tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Priority != matter.PriorityLow {
			t.Errorf("expected low priority reminders, got %s", task.Priority)
		}
		if task.DueAt == nil {
			t.Error("reminder without a due date")
		}
	}
}

func TestEscalateAction(t *testing.T) {
	ctx := context.Background()
	eng, st, em, _ := newTestEngine(t)
	ent := seedEntity(t, st)

	pb := rulePlaybook(matter.AutomationRule{
		RuleID:  "r1",
		Trigger: matter.TriggerSLABreach,
		Actions: matter.ActionList{
			matter.Escalate{EscalateToRole: "supervisor", Reason: "stalled"},
		},
	})
	eng.OnSLABreach(ctx, ent, pb)

	stored, _ := st.GetEntity(ctx, ent.ID)
	if stored.AssignedRole != "supervisor" || stored.EscalationCount != 1 {
		t.Errorf("escalation not persisted: %+v", stored)
	}
	// In-memory copy is synchronized so later actions see the change.
	if ent.AssignedRole != "supervisor" || ent.EscalationCount != 1 {
		t.Errorf("escalation not reflected on the entity: %+v", ent)
	}

	tasks, _ := st.ListTasks(ctx, ent.ID)
	if len(tasks) != 1 || tasks[0].Priority != matter.PriorityUrgent {
		t.Errorf("expected one urgent follow-up task, got %+v", tasks)
	}
	if em.Count(emit.Escalation) != 1 {
		t.Errorf("expected escalation event, got %d", em.Count(emit.Escalation))
	}
}

func TestIncrementDefectCountAction(t *testing.T) {
	ctx := context.Background()
	eng, st, _, _ := newTestEngine(t)
	ent := seedEntity(t, st)

	pb := rulePlaybook(matter.AutomationRule{
		RuleID:  "r1",
		Trigger: matter.TriggerStatusChangedTo,
		Actions: matter.ActionList{matter.IncrementDefectCount{}},
	})
	eng.OnStatusChanged(ctx, ent, pb, "active")

	stored, _ := st.GetEntity(ctx, ent.ID)
	if stored.DefectCount != 1 {
		t.Errorf("expected defect count 1, got %d", stored.DefectCount)
	}
}

func TestRequireApprovalAndBlockSendActions(t *testing.T) {
	ctx := context.Background()
	eng, st, em, _ := newTestEngine(t)
	ent := seedEntity(t, st)

	wi := &matter.WorkItem{
		ID:                "wi-1",
		EntityID:          ent.ID,
		UnitID:            "unit-1",
		Status:            matter.WorkPending,
		CanSendExternally: true,
		CreatedAt:         time.Now(),
	}
	if err := st.InsertWorkItem(ctx, wi); err != nil {
		t.Fatalf("insert work item: %v", err)
	}

	pb := rulePlaybook(matter.AutomationRule{
		RuleID:     "r1",
		Trigger:    matter.TriggerWorkItemCreated,
		Conditions: matter.RuleConditions{RiskTiers: []matter.RiskTier{matter.RiskHigh}},
		Actions:    matter.ActionList{matter.RequireApproval{}, matter.BlockExternalSend{}},
	})

	// A low-risk unit does not match the rule's tier condition.
	eng.OnWorkItemCreated(ctx, ent, pb, wi, matter.RiskLow)
	unchanged, _ := st.GetWorkItem(ctx, wi.ID)
	if unchanged.RequiresApproval {
		t.Error("rule fired despite tier mismatch")
	}

	// A high-risk unit does.
	eng.OnWorkItemCreated(ctx, ent, pb, wi, matter.RiskHigh)
	gated, _ := st.GetWorkItem(ctx, wi.ID)
	if !gated.RequiresApproval || gated.Status != matter.WorkAwaitingApproval {
		t.Errorf("approval gate not applied: %+v", gated)
	}
	if gated.CanSendExternally {
		t.Error("external send not blocked")
	}
	if em.Count(emit.ApprovalRequired) != 1 {
		t.Errorf("expected approval_required event, got %d", em.Count(emit.ApprovalRequired))
	}
	if em.Count(emit.ExternalSendBlocked) != 1 {
		t.Errorf("expected external_send_blocked event, got %d", em.Count(emit.ExternalSendBlocked))
	}

	tasks, _ := st.ListTasks(ctx, ent.ID)
	if len(tasks) != 1 || tasks[0].Priority != matter.PriorityHigh {
		t.Errorf("expected one high-priority review task, got %+v", tasks)
	}
}

func TestNotifyAction(t *testing.T) {
	ctx := context.Background()
	eng, st, em, _ := newTestEngine(t)
	ent := seedEntity(t, st)

	pb := rulePlaybook(matter.AutomationRule{
		RuleID:  "r1",
		Trigger: matter.TriggerArtifactUpdated,
		Actions: matter.ActionList{
			matter.Notify{Message: "document received", Roles: []string{"partner", "paralegal"}},
		},
	})
	eng.OnArtifactUpdated(ctx, ent, pb)

	notifications := em.ByType(emit.NotificationSent)
	if len(notifications) != 1 {
		t.Fatalf("expected 1 notification event, got %d", len(notifications))
	}
	events, _ := st.ListEvents(ctx, ent.ID)
	if len(events) != 1 {
		t.Errorf("notification not in the audit log: %d events", len(events))
	}
}

// TestBestEffortActions verifies a failing action does not abort the actions
// after it.
func TestBestEffortActions(t *testing.T) {
	ctx := context.Background()
	eng, st, em, _ := newTestEngine(t)
	ent := seedEntity(t, st)

	// require_approval without a work item context fails; the notify after it
	// must still run.
	pb := rulePlaybook(matter.AutomationRule{
		RuleID:  "r1",
		Trigger: matter.TriggerEntityCreated,
		Actions: matter.ActionList{
			matter.RequireApproval{},
			matter.Notify{Message: "still delivered"},
		},
	})
	eng.OnEntityCreated(ctx, ent, pb)

	if em.Count(emit.ActionFailed) != 1 {
		t.Errorf("expected 1 action_failed event, got %d", em.Count(emit.ActionFailed))
	}
	if em.Count(emit.NotificationSent) != 1 {
		t.Errorf("later action did not run: %d notifications", em.Count(emit.NotificationSent))
	}
	_ = st
}

func TestSLABreachMissingArtifactsCondition(t *testing.T) {
	ctx := context.Background()
	eng, st, _, _ := newTestEngine(t)
	ent := seedEntity(t, st)

	pb := rulePlaybook(matter.AutomationRule{
		RuleID:     "r1",
		Trigger:    matter.TriggerSLABreach,
		Conditions: matter.RuleConditions{MissingArtifacts: true},
		Actions: matter.ActionList{
			matter.CreateTask{Title: "Chase missing documents"},
		},
	})

	t.Run("fires while an artifact is missing", func(t *testing.T) {
		eng.OnSLABreach(ctx, ent, pb)
		tasks, _ := st.ListTasks(ctx, ent.ID)
		if len(tasks) != 1 {
			t.Errorf("expected 1 task, got %d", len(tasks))
		}
	})

	t.Run("skipped once artifacts are present", func(t *testing.T) {
		if err := st.InsertArtifact(ctx, &matter.Artifact{
			ID:           "art-1",
			EntityID:     ent.ID,
			ArtifactType: "engagement_letter",
			Status:       matter.ArtifactReceived,
		}); err != nil {
			t.Fatalf("insert artifact: %v", err)
		}

		eng.OnSLABreach(ctx, ent, pb)
		tasks, _ := st.ListTasks(ctx, ent.ID)
		if len(tasks) != 1 {
			t.Errorf("condition did not skip the rule: %d tasks", len(tasks))
		}
	})
}
