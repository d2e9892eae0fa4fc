package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/matter"
	"github.com/matterflow/matterflow-go/store"
)

// fakeClock is a settable time source for SLA and ordering tests.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func testPlaybook() *matter.Playbook {
	return &matter.Playbook{
		TemplateID: "tmpl-1",
		Version:    1,
		Name:       "Standard Process",
		Statuses: []matter.StatusDef{
			{ID: "new", Name: "New", Lane: "intake", IsInitial: true, SLAHours: 24},
			{ID: "active", Name: "Active", Lane: "production", SLAHours: 72},
			{ID: "rework", Name: "Rework", Lane: "production", RequiresReasonCode: true},
			{ID: "closed", Name: "Closed", Lane: "closing"},
		},
		RequiredArtifacts: []matter.RequiredArtifact{
			{ArtifactType: "engagement_letter", RequiredAt: []string{"active"}},
		},
	}
}

func newTestCoordinator(t *testing.T, pb *matter.Playbook, clock *fakeClock) (*Coordinator, *store.MemStore, *emit.MemoryEmitter) {
	t.Helper()
	st := store.NewMemStore()
	if err := st.Put(context.Background(), "cat", "sub", pb); err != nil {
		t.Fatalf("publish playbook: %v", err)
	}
	em := emit.NewMemoryEmitter()
	coord := NewCoordinator(st, st, WithEmitter(em), WithClock(clock.Now))
	return coord, st, em
}

func TestCreateEntity(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	t.Run("binds playbook and initial status", func(t *testing.T) {
		coord, _, em := newTestCoordinator(t, testPlaybook(), clock)
		ent, err := coord.CreateEntity(ctx, CreateRequest{
			Number:        "M-2026-0001",
			CategoryID:    "cat",
			SubcategoryID: "sub",
			Actor:         "intake@firm",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if ent.CurrentStatus != "new" || ent.CurrentLane != "intake" {
			t.Errorf("wrong initial placement: %s / %s", ent.CurrentStatus, ent.CurrentLane)
		}
		if ent.PlaybookID != "tmpl-1" {
			t.Errorf("playbook not bound: %q", ent.PlaybookID)
		}
		if ent.HealthScore != 100 {
			t.Errorf("expected initial health 100, got %d", ent.HealthScore)
		}
		if em.Count(emit.EntityCreated) != 1 {
			t.Errorf("expected one entity_created event, got %d", em.Count(emit.EntityCreated))
		}
	})

	t.Run("unknown category fails without writes", func(t *testing.T) {
		coord, st, _ := newTestCoordinator(t, testPlaybook(), clock)
		if _, err := coord.CreateEntity(ctx, CreateRequest{CategoryID: "nope", SubcategoryID: "nope"}); err == nil {
			t.Fatal("expected error for unknown playbook key")
		}
		open, _ := st.ListOpenEntities(ctx)
		if len(open) != 0 {
			t.Errorf("entity written despite failure: %d", len(open))
		}
	})
}

func TestTransition(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Coordinator, *store.MemStore, *emit.MemoryEmitter, *matter.Entity, *fakeClock) {
		clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		coord, st, em := newTestCoordinator(t, testPlaybook(), clock)
		ent, err := coord.CreateEntity(ctx, CreateRequest{Number: "M-1", CategoryID: "cat", SubcategoryID: "sub"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		return coord, st, em, ent, clock
	}

	t.Run("valid transition updates status lane and timestamp", func(t *testing.T) {
		coord, _, em, ent, clock := setup(t)
		clock.Advance(time.Hour)

		updated, err := coord.Transition(ctx, ent.ID, "active", "user@firm", "")
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if updated.CurrentStatus != "active" || updated.CurrentLane != "production" {
			t.Errorf("unexpected placement: %s / %s", updated.CurrentStatus, updated.CurrentLane)
		}
		if !updated.StatusChangedAt.Equal(clock.Now()) {
			t.Errorf("status timestamp not updated: %v", updated.StatusChangedAt)
		}
		if em.Count(emit.StatusChanged) != 1 {
			t.Errorf("expected one status_changed event, got %d", em.Count(emit.StatusChanged))
		}
	})

	t.Run("unknown status is rejected atomically", func(t *testing.T) {
		coord, st, _, ent, _ := setup(t)
		before, _ := st.GetEntity(ctx, ent.ID)

		_, err := coord.Transition(ctx, ent.ID, "warp_drive", "user@firm", "")
		var ve *matter.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError, got %v", err)
		}

		after, _ := st.GetEntity(ctx, ent.ID)
		if after.CurrentStatus != before.CurrentStatus || !after.StatusChangedAt.Equal(before.StatusChangedAt) {
			t.Errorf("failed transition mutated the entity: %+v", after)
		}
		if after.HealthScore != before.HealthScore {
			t.Errorf("failed transition changed health: %d -> %d", before.HealthScore, after.HealthScore)
		}
	})

	t.Run("gated status requires a reason code", func(t *testing.T) {
		coord, st, _, ent, _ := setup(t)

		_, err := coord.Transition(ctx, ent.ID, "rework", "user@firm", "")
		var ve *matter.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		after, _ := st.GetEntity(ctx, ent.ID)
		if after.CurrentStatus != "new" || after.DefectCount != 0 {
			t.Errorf("rejected transition left state behind: %+v", after)
		}

		updated, err := coord.Transition(ctx, ent.ID, "rework", "user@firm", "missing_signature")
		if err != nil {
			t.Fatalf("transition with reason: %v", err)
		}
		if updated.DefectCount != 1 {
			t.Errorf("expected defect counter 1, got %d", updated.DefectCount)
		}
	})

	t.Run("transition clears the breach flag", func(t *testing.T) {
		coord, st, _, ent, clock := setup(t)
		clock.Advance(25 * time.Hour)
		if _, err := coord.SweepSLAs(ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		flagged, _ := st.GetEntity(ctx, ent.ID)
		if flagged.SLABreachAt == nil {
			t.Fatal("expected breach flag before transition")
		}

		updated, err := coord.Transition(ctx, ent.ID, "active", "user@firm", "")
		if err != nil {
			t.Fatalf("transition: %v", err)
		}
		if updated.SLABreachAt != nil {
			t.Error("transition did not clear the breach flag")
		}
	})
}

func TestSweepSLAs(t *testing.T) {
	ctx := context.Background()

	t.Run("flags overstayed entities once", func(t *testing.T) {
		clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		coord, st, em := newTestCoordinator(t, testPlaybook(), clock)
		ent, err := coord.CreateEntity(ctx, CreateRequest{Number: "M-1", CategoryID: "cat", SubcategoryID: "sub"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		// Inside the 24h SLA: nothing breaches.
		clock.Advance(23 * time.Hour)
		res, err := coord.SweepSLAs(ctx)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if res.Checked != 1 || res.Breached != 0 {
			t.Errorf("unexpected result inside SLA: %+v", res)
		}

		// Past the SLA: exactly one breach.
		clock.Advance(2 * time.Hour)
		res, err = coord.SweepSLAs(ctx)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if res.Breached != 1 {
			t.Errorf("expected 1 breach, got %d", res.Breached)
		}
		flagged, _ := st.GetEntity(ctx, ent.ID)
		if flagged.SLABreachAt == nil {
			t.Fatal("breach flag not set")
		}
		firstFlag := *flagged.SLABreachAt

		// Second sweep is idempotent: no new flag, no new event.
		clock.Advance(time.Hour)
		res, err = coord.SweepSLAs(ctx)
		if err != nil {
			t.Fatalf("second sweep: %v", err)
		}
		if res.Breached != 0 {
			t.Errorf("second sweep flagged again: %+v", res)
		}
		still, _ := st.GetEntity(ctx, ent.ID)
		if !still.SLABreachAt.Equal(firstFlag) {
			t.Errorf("breach timestamp changed: %v -> %v", firstFlag, *still.SLABreachAt)
		}
		if em.Count(emit.SLABreach) != 1 {
			t.Errorf("expected exactly one sla_breach event, got %d", em.Count(emit.SLABreach))
		}
	})

	t.Run("status without SLA never breaches", func(t *testing.T) {
		clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		coord, _, _ := newTestCoordinator(t, testPlaybook(), clock)
		ent, err := coord.CreateEntity(ctx, CreateRequest{Number: "M-1", CategoryID: "cat", SubcategoryID: "sub"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := coord.Transition(ctx, ent.ID, "closed", "user", ""); err != nil {
			t.Fatalf("transition: %v", err)
		}

		clock.Advance(1000 * time.Hour)
		res, err := coord.SweepSLAs(ctx)
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if res.Breached != 0 {
			t.Errorf("SLA-free status breached: %+v", res)
		}
	})
}

func TestRecordArtifact(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	coord, st, em := newTestCoordinator(t, testPlaybook(), clock)

	ent, err := coord.CreateEntity(ctx, CreateRequest{Number: "M-1", CategoryID: "cat", SubcategoryID: "sub"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := coord.Transition(ctx, ent.ID, "active", "user", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// Missing required artifact drags health down.
	withMissing, _ := st.GetEntity(ctx, ent.ID)
	if withMissing.HealthScore != 90 {
		t.Errorf("expected health 90 with missing artifact, got %d", withMissing.HealthScore)
	}

	updated, err := coord.RecordArtifact(ctx, &matter.Artifact{
		EntityID:     ent.ID,
		ArtifactType: "engagement_letter",
		Status:       matter.ArtifactReceived,
	}, "user@firm")
	if err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	if updated.HealthScore != 100 {
		t.Errorf("expected health 100 after upload, got %d", updated.HealthScore)
	}
	if em.Count(emit.ArtifactUploaded) != 1 {
		t.Errorf("expected artifact_uploaded event, got %d", em.Count(emit.ArtifactUploaded))
	}
	if em.Count(emit.ArtifactsComplete) != 1 {
		t.Errorf("expected artifacts_complete event, got %d", em.Count(emit.ArtifactsComplete))
	}
}

// TestLifecycleScenario walks an entity through creation, SLA breach, and
// recovery with a simulated clock.
func TestLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}

	pb := testPlaybook()
	pb.AutomationRules = []matter.AutomationRule{
		{
			RuleID:  "breach-escalate",
			Trigger: matter.TriggerSLABreach,
			Actions: matter.ActionList{
				matter.Escalate{EscalateToRole: "supervisor", Reason: "SLA exceeded"},
			},
		},
	}
	coord, st, em := newTestCoordinator(t, pb, clock)

	ent, err := coord.CreateEntity(ctx, CreateRequest{Number: "M-42", CategoryID: "cat", SubcategoryID: "sub", AssignedRole: "associate"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := coord.Transition(ctx, ent.ID, "active", "user", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}

	clock.Advance(73 * time.Hour)
	res, err := coord.SweepSLAs(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Breached != 1 {
		t.Fatalf("expected 1 breach, got %d", res.Breached)
	}

	escalated, _ := st.GetEntity(ctx, ent.ID)
	if escalated.AssignedRole != "supervisor" || escalated.EscalationCount != 1 {
		t.Errorf("breach rule did not escalate: %+v", escalated)
	}
	if em.Count(emit.Escalation) != 1 {
		t.Errorf("expected escalation event, got %d", em.Count(emit.Escalation))
	}

	// Health reflects the aging status.
	if escalated.HealthScore == 100 {
		t.Error("expected health below 100 after breach")
	}

	events, _ := st.ListEvents(ctx, ent.ID)
	if len(events) == 0 {
		t.Error("expected audit events in the store log")
	}
}
