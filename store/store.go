// Package store provides persistence for the workflow engine: entities,
// tasks, artifacts, work items, run logs, governance rules, the event log,
// and the playbook template directory.
//
// Implementations:
//   - MemStore: in-memory, for testing and single-process development
//   - SQLiteStore: single-file database via modernc.org/sqlite
//   - MySQLStore: shared database via go-sql-driver/mysql
//
// The engine treats the store as a collaborator exposing record-level CRUD
// plus the few queries it needs (open entities for the SLA sweep, run counts
// for rate limiting). Counter updates (defects, escalations, unit run stats)
// are applied as atomic increments at the storage layer, never as
// read-modify-write in application memory.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/matter"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the record-level persistence contract for the engine.
type Store interface {
	// Entities.

	InsertEntity(ctx context.Context, e *matter.Entity) error
	GetEntity(ctx context.Context, id string) (*matter.Entity, error)
	// UpdateEntity replaces the stored record. Concurrent transitions on the
	// same entity are serialized by the persistence layer.
	UpdateEntity(ctx context.Context, e *matter.Entity) error
	// AddDefect atomically increments the entity's defect counter.
	AddDefect(ctx context.Context, id string) error
	// EscalateEntity atomically increments the escalation counter and
	// reassigns the entity to the given role.
	EscalateEntity(ctx context.Context, id, role string) error
	// ListOpenEntities returns all non-archived, non-closed entities for the
	// SLA sweep.
	ListOpenEntities(ctx context.Context) ([]*matter.Entity, error)

	// Tasks.

	InsertTask(ctx context.Context, t *matter.TaskItem) error
	UpdateTask(ctx context.Context, t *matter.TaskItem) error
	ListTasks(ctx context.Context, entityID string) ([]matter.TaskItem, error)

	// Artifacts.

	InsertArtifact(ctx context.Context, a *matter.Artifact) error
	UpdateArtifact(ctx context.Context, a *matter.Artifact) error
	ListArtifacts(ctx context.Context, entityID string) ([]matter.Artifact, error)

	// Work items.

	InsertWorkItem(ctx context.Context, w *matter.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*matter.WorkItem, error)
	UpdateWorkItem(ctx context.Context, w *matter.WorkItem) error

	// Run logs.

	AppendRunLog(ctx context.Context, r *matter.RunLog) error
	UpdateRunLog(ctx context.Context, r *matter.RunLog) error
	GetRunLog(ctx context.Context, id string) (*matter.RunLog, error)
	// CountRunsSince counts run log entries for a unit started after the
	// cutoff. Backs the rate-limit governance check.
	CountRunsSince(ctx context.Context, unitID string, cutoff time.Time) (int, error)
	// ClearApprovalRequired clears the approval flag on a work item's
	// completed run logs after a human approval.
	ClearApprovalRequired(ctx context.Context, workItemID string) error

	// Unit directory.

	PutUnit(ctx context.Context, u *matter.Unit) error
	GetUnit(ctx context.Context, id string) (*matter.Unit, error)
	PutSubUnit(ctx context.Context, s *matter.SubUnit) error
	// ListSubUnits returns the active sub-units of a parent in stored
	// execution order.
	ListSubUnits(ctx context.Context, parentID string) ([]matter.SubUnit, error)
	// RecordUnitRun atomically folds one run into the unit's counters and
	// running average.
	RecordUnitRun(ctx context.Context, unitID string, success bool, elapsedMS int64) error
	// RecordSubUnitRun does the same for a sub-unit.
	RecordSubUnitRun(ctx context.Context, subUnitID string, success bool, elapsedMS int64) error

	// Governance.

	PutGovernanceRule(ctx context.Context, r *matter.GovernanceRule) error
	// ListGovernanceRules returns active rules ordered by priority
	// descending.
	ListGovernanceRules(ctx context.Context) ([]matter.GovernanceRule, error)

	// Event log.

	AppendEvent(ctx context.Context, ev emit.Event) error
	ListEvents(ctx context.Context, entityID string) ([]emit.Event, error)
}

// PlaybookStore is the process-definition lookup collaborator. Templates
// are loaded by an external loader and are immutable after publish.
type PlaybookStore interface {
	// GetByKey resolves the playbook bound to a (category, subcategory)
	// pair. Returns ErrNotFound when no template is published for the pair.
	GetByKey(ctx context.Context, categoryID, subcategoryID string) (*matter.Playbook, error)

	// GetByID resolves a playbook by template ID.
	GetByID(ctx context.Context, templateID string) (*matter.Playbook, error)

	// Put publishes a template for a (category, subcategory) pair,
	// replacing any prior version.
	Put(ctx context.Context, categoryID, subcategoryID string, pb *matter.Playbook) error
}
