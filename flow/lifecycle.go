package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/matter"
	"github.com/matterflow/matterflow-go/store"
)

// Coordinator owns the entity state machine. All status mutations flow
// through it: creation binds a playbook and the initial status, transitions
// are validated against the bound playbook, and the periodic SLA sweep flags
// overstayed statuses.
//
// Validation and configuration errors abort the operation with no partial
// state change: the entity record is only written after every check passes.
// Concurrent transitions on the same entity are serialized by the store.
type Coordinator struct {
	store     store.Store
	playbooks store.PlaybookStore
	engine    *Engine
	emitter   emit.Emitter
	metrics   *Metrics
	now       func() time.Time
}

// NewCoordinator creates a lifecycle coordinator. The automation engine is
// constructed internally and shares the coordinator's emitter, metrics, and
// clock.
func NewCoordinator(st store.Store, playbooks store.PlaybookStore, opts ...Option) *Coordinator {
	cfg := newConfig(opts)
	return &Coordinator{
		store:     st,
		playbooks: playbooks,
		engine:    NewEngine(st, opts...),
		emitter:   cfg.emitter,
		metrics:   cfg.metrics,
		now:       cfg.now,
	}
}

// Engine returns the coordinator's automation engine for callers that raise
// triggers directly (work item registration).
func (c *Coordinator) Engine() *Engine {
	return c.engine
}

// CreateRequest carries the caller-supplied fields for a new entity.
type CreateRequest struct {
	Number        string
	CategoryID    string
	SubcategoryID string
	AssignedTo    string
	AssignedRole  string
	Actor         string
}

// CreateEntity creates an entity bound to the playbook published for its
// (category, subcategory) pair, places it in the playbook's initial status,
// fires the entity_created rules, and computes the initial health score.
//
// A playbook with zero or multiple initial statuses is a configuration
// error surfaced to the caller; nothing is written in that case.
func (c *Coordinator) CreateEntity(ctx context.Context, req CreateRequest) (*matter.Entity, error) {
	pb, err := c.playbooks.GetByKey(ctx, req.CategoryID, req.SubcategoryID)
	if err != nil {
		return nil, fmt.Errorf("resolve playbook: %w", err)
	}
	initial, err := pb.InitialStatus()
	if err != nil {
		return nil, err
	}

	now := c.now()
	ent := &matter.Entity{
		ID:              uuid.NewString(),
		Number:          req.Number,
		CategoryID:      req.CategoryID,
		SubcategoryID:   req.SubcategoryID,
		PlaybookID:      pb.TemplateID,
		CurrentStatus:   initial.ID,
		CurrentLane:     initial.Lane,
		StatusChangedAt: now,
		AssignedTo:      req.AssignedTo,
		AssignedRole:    req.AssignedRole,
		CreatedAt:       now,
	}
	if err := c.store.InsertEntity(ctx, ent); err != nil {
		return nil, fmt.Errorf("insert entity: %w", err)
	}

	c.record(ctx, emit.Event{
		EntityID: ent.ID,
		Type:     emit.EntityCreated,
		Category: "workflow",
		Title:    "Entity " + ent.Number + " created",
		NewValue: map[string]any{"status": initial.ID, "lane": initial.Lane},
		Actor:    actorOrSystem(req.Actor),
		At:       now,
	})

	c.engine.OnEntityCreated(ctx, ent, pb)

	if err := c.recomputeHealth(ctx, ent, pb); err != nil {
		return nil, err
	}
	return ent, nil
}

// Transition moves an entity to newStatus under the rules of its bound
// playbook:
//   - newStatus must exist in the playbook (ValidationError otherwise)
//   - a target status with requires_reason_code set demands a reason code
//     (ValidationError otherwise); supplying one increments the defect
//     counter as rework tracking
//   - the status, lane, and status timestamp update together and any SLA
//     breach flag is cleared
//
// The status_changed_to rules fire after the write, then health is
// recomputed. On any validation failure the entity is untouched.
func (c *Coordinator) Transition(ctx context.Context, entityID, newStatus, actor, reasonCode string) (*matter.Entity, error) {
	ent, err := c.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	pb, err := c.playbooks.GetByID(ctx, ent.PlaybookID)
	if err != nil {
		return nil, fmt.Errorf("resolve playbook: %w", err)
	}
	target, ok := pb.StatusByID(newStatus)
	if !ok {
		return nil, &matter.ValidationError{
			Message: fmt.Sprintf("status %q is not part of playbook %s", newStatus, pb.TemplateID),
			Fields:  []string{"status"},
		}
	}
	if target.RequiresReasonCode && reasonCode == "" {
		return nil, &matter.ValidationError{
			Message: fmt.Sprintf("transition to %q requires a reason code", newStatus),
			Fields:  []string{"reason_code"},
		}
	}

	oldStatus, oldLane := ent.CurrentStatus, ent.CurrentLane
	now := c.now()
	ent.CurrentStatus = target.ID
	ent.CurrentLane = target.Lane
	ent.StatusChangedAt = now
	ent.SLABreachAt = nil
	if target.RequiresReasonCode {
		ent.DefectCount++
	}
	if err := c.store.UpdateEntity(ctx, ent); err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}

	ev := emit.Event{
		EntityID: ent.ID,
		Type:     emit.StatusChanged,
		Category: "workflow",
		Title:    fmt.Sprintf("Status changed: %s → %s", oldStatus, target.ID),
		OldValue: map[string]any{"status": oldStatus, "lane": oldLane},
		NewValue: map[string]any{"status": target.ID, "lane": target.Lane},
		Actor:    actorOrSystem(actor),
		At:       now,
	}
	if reasonCode != "" {
		ev.Meta = map[string]any{"reason_code": reasonCode}
	}
	c.record(ctx, ev)
	c.metrics.RecordTransition(oldStatus, target.ID)

	c.engine.OnStatusChanged(ctx, ent, pb, target.ID)

	if err := c.recomputeHealth(ctx, ent, pb); err != nil {
		return nil, err
	}
	return ent, nil
}

// RecordArtifact inserts (blank ID) or updates an artifact, fires the
// artifact_updated rules, recomputes health, and emits an informational
// artifacts-complete event when every artifact required at the entity's
// current status is now present.
func (c *Coordinator) RecordArtifact(ctx context.Context, a *matter.Artifact, actor string) (*matter.Entity, error) {
	ent, err := c.store.GetEntity(ctx, a.EntityID)
	if err != nil {
		return nil, err
	}
	pb, err := c.playbooks.GetByID(ctx, ent.PlaybookID)
	if err != nil {
		return nil, fmt.Errorf("resolve playbook: %w", err)
	}

	now := c.now()
	a.UpdatedAt = now
	if a.ID == "" {
		a.CreatedAt = now
		err = c.store.InsertArtifact(ctx, a)
	} else {
		err = c.store.UpdateArtifact(ctx, a)
	}
	if err != nil {
		return nil, fmt.Errorf("record artifact: %w", err)
	}

	c.record(ctx, emit.Event{
		EntityID: ent.ID,
		Type:     emit.ArtifactUploaded,
		Category: "document",
		Title:    fmt.Sprintf("Artifact %s is %s", a.ArtifactType, a.Status),
		Actor:    actorOrSystem(actor),
		Meta:     map[string]any{"artifact_id": a.ID, "artifact_type": a.ArtifactType},
		At:       now,
	})

	c.engine.OnArtifactUpdated(ctx, ent, pb)

	if err := c.recomputeHealth(ctx, ent, pb); err != nil {
		return nil, err
	}

	artifacts, err := c.store.ListArtifacts(ctx, ent.ID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	required := pb.RequiredFor(ent.CurrentStatus)
	if len(required) > 0 && len(pb.MissingArtifacts(ent.CurrentStatus, artifacts)) == 0 {
		c.record(ctx, emit.Event{
			EntityID: ent.ID,
			Type:     emit.ArtifactsComplete,
			Category: "document",
			Title:    "All required artifacts present for current status",
			Actor:    emit.SystemActor,
			At:       c.now(),
		})
	}
	return ent, nil
}

// SweepResult summarizes one SLA sweep pass.
type SweepResult struct {
	// Checked is the number of open entities examined.
	Checked int `json:"checked"`

	// Breached is the number of entities newly flagged this pass.
	Breached int `json:"breached"`

	// At is the sweep timestamp used for all flags set in this pass.
	At time.Time `json:"at"`
}

// SweepSLAs scans every open entity and flags those that have overstayed
// their current status's SLA. The flag is set once per status period: an
// entity already carrying sla_breach_at is skipped until a transition clears
// it, so repeated sweeps are idempotent. Each newly flagged entity fires the
// sla_breach rules.
//
// Per-entity failures are recorded and do not stop the sweep.
func (c *Coordinator) SweepSLAs(ctx context.Context) (SweepResult, error) {
	entities, err := c.store.ListOpenEntities(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list open entities: %w", err)
	}

	now := c.now()
	result := SweepResult{Checked: len(entities), At: now}
	for _, ent := range entities {
		if ent.SLABreachAt != nil {
			continue
		}
		pb, err := c.playbooks.GetByID(ctx, ent.PlaybookID)
		if err != nil {
			c.sweepFailure(ctx, ent.ID, err)
			continue
		}
		def, ok := pb.StatusByID(ent.CurrentStatus)
		if !ok || def.SLAHours <= 0 {
			continue
		}
		hoursIn := now.Sub(ent.StatusChangedAt).Hours()
		if hoursIn <= def.SLAHours {
			continue
		}

		breachAt := now
		ent.SLABreachAt = &breachAt
		if err := c.store.UpdateEntity(ctx, ent); err != nil {
			c.sweepFailure(ctx, ent.ID, err)
			continue
		}
		result.Breached++
		c.metrics.RecordSLABreach()
		c.record(ctx, emit.Event{
			EntityID:    ent.ID,
			Type:        emit.SLABreach,
			Category:    "workflow",
			Title:       fmt.Sprintf("SLA breached in status %q", ent.CurrentStatus),
			Description: fmt.Sprintf("%.1f hours in status against an SLA of %.1f hours", hoursIn, def.SLAHours),
			Actor:       emit.SystemActor,
			At:          now,
		})
		c.engine.OnSLABreach(ctx, ent, pb)
	}
	return result, nil
}

// RegisterWorkItem persists a new work item and fires the work_item_created
// rules against the proposing unit's risk tier. The work item's entity is
// optional; rules that create tasks require one.
func (c *Coordinator) RegisterWorkItem(ctx context.Context, wi *matter.WorkItem, unit *matter.Unit) error {
	now := c.now()
	if wi.ID == "" {
		wi.ID = uuid.NewString()
	}
	if wi.Status == "" {
		wi.Status = matter.WorkPending
	}
	if wi.CreatedAt.IsZero() {
		wi.CreatedAt = now
	}
	if err := c.store.InsertWorkItem(ctx, wi); err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}

	var ent *matter.Entity
	var pb *matter.Playbook
	if wi.EntityID != "" {
		var err error
		ent, err = c.store.GetEntity(ctx, wi.EntityID)
		if err != nil {
			return err
		}
		pb, err = c.playbooks.GetByID(ctx, ent.PlaybookID)
		if err != nil {
			return fmt.Errorf("resolve playbook: %w", err)
		}
	}
	if pb != nil {
		risk := matter.RiskLow
		if unit != nil {
			risk = unit.RiskTier
		}
		c.engine.OnWorkItemCreated(ctx, ent, pb, wi, risk)
	}
	return nil
}

// Health recomputes and returns an entity's health report without waiting
// for a lifecycle event.
func (c *Coordinator) Health(ctx context.Context, entityID string) (matter.HealthReport, error) {
	ent, err := c.store.GetEntity(ctx, entityID)
	if err != nil {
		return matter.HealthReport{}, err
	}
	pb, err := c.playbooks.GetByID(ctx, ent.PlaybookID)
	if err != nil {
		return matter.HealthReport{}, fmt.Errorf("resolve playbook: %w", err)
	}
	if err := c.recomputeHealth(ctx, ent, pb); err != nil {
		return matter.HealthReport{}, err
	}
	return matter.HealthReport{
		Score:        ent.HealthScore,
		RiskTier:     ent.HealthRiskTier,
		Drivers:      ent.HealthDrivers,
		CalculatedAt: c.now(),
	}, nil
}

// recomputeHealth loads the entity's tasks and artifacts, runs the pure
// calculator, and persists the result onto the entity.
func (c *Coordinator) recomputeHealth(ctx context.Context, ent *matter.Entity, pb *matter.Playbook) error {
	tasks, err := c.store.ListTasks(ctx, ent.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	artifacts, err := c.store.ListArtifacts(ctx, ent.ID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}

	report := matter.CalculateHealth(ent, tasks, artifacts, pb, c.now())
	ent.HealthScore = report.Score
	ent.HealthRiskTier = report.RiskTier
	ent.HealthDrivers = report.Drivers
	if err := c.store.UpdateEntity(ctx, ent); err != nil {
		return fmt.Errorf("update entity health: %w", err)
	}
	c.metrics.RecordHealthScore(ent.ID, report.Score)
	return nil
}

func (c *Coordinator) record(ctx context.Context, ev emit.Event) {
	if err := c.store.AppendEvent(ctx, ev); err != nil && c.emitter != nil {
		failure := ev
		failure.Meta = map[string]any{"error": err.Error()}
		failure.Title = "event append failed: " + ev.Title
		c.emitter.Emit(failure)
		return
	}
	if c.emitter != nil {
		c.emitter.Emit(ev)
	}
}

func (c *Coordinator) sweepFailure(ctx context.Context, entityID string, cause error) {
	c.record(ctx, emit.Event{
		EntityID:    entityID,
		Type:        emit.ActionFailed,
		Category:    "system",
		Title:       "SLA sweep skipped entity",
		Description: cause.Error(),
		Actor:       emit.SystemActor,
		Meta:        map[string]any{"error": cause.Error()},
		At:          c.now(),
	})
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return emit.SystemActor
	}
	return actor
}
