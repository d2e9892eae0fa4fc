package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/matter"
)

// MemStore is an in-memory Store and PlaybookStore backed by maps. It is
// safe for concurrent use and returns deep copies, so callers never share
// mutable state with the store. Intended for tests and single-process
// development; nothing survives a restart.
type MemStore struct {
	mu        sync.RWMutex
	entities  map[string]*matter.Entity
	tasks     map[string]*matter.TaskItem
	artifacts map[string]*matter.Artifact
	workItems map[string]*matter.WorkItem
	runLogs   map[string]*matter.RunLog
	units     map[string]*matter.Unit
	subUnits  map[string]*matter.SubUnit
	govRules  map[string]*matter.GovernanceRule
	events    []emit.Event
	byKey     map[string]*matter.Playbook
	byID      map[string]*matter.Playbook

	taskSeq  int
	runSeq   int
	eventSeq int
}

var (
	_ Store         = (*MemStore)(nil)
	_ PlaybookStore = (*MemStore)(nil)
)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		entities:  make(map[string]*matter.Entity),
		tasks:     make(map[string]*matter.TaskItem),
		artifacts: make(map[string]*matter.Artifact),
		workItems: make(map[string]*matter.WorkItem),
		runLogs:   make(map[string]*matter.RunLog),
		units:     make(map[string]*matter.Unit),
		subUnits:  make(map[string]*matter.SubUnit),
		govRules:  make(map[string]*matter.GovernanceRule),
		byKey:     make(map[string]*matter.Playbook),
		byID:      make(map[string]*matter.Playbook),
	}
}

// deepCopy round-trips a value through JSON so stored records and returned
// records never alias caller memory.
func deepCopy[T any](src *T) *T {
	if src == nil {
		return nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		panic(fmt.Sprintf("store: copy %T: %v", src, err))
	}
	dst := new(T)
	if err := json.Unmarshal(raw, dst); err != nil {
		panic(fmt.Sprintf("store: copy %T: %v", src, err))
	}
	return dst
}

// InsertEntity stores a new entity record.
func (m *MemStore) InsertEntity(_ context.Context, e *matter.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[e.ID]; ok {
		return fmt.Errorf("entity %s already exists", e.ID)
	}
	m.entities[e.ID] = deepCopy(e)
	return nil
}

// GetEntity returns the entity by ID, or ErrNotFound.
func (m *MemStore) GetEntity(_ context.Context, id string) (*matter.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return deepCopy(e), nil
}

// UpdateEntity replaces the stored entity record.
func (m *MemStore) UpdateEntity(_ context.Context, e *matter.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entities[e.ID]; !ok {
		return fmt.Errorf("entity %s: %w", e.ID, ErrNotFound)
	}
	m.entities[e.ID] = deepCopy(e)
	return nil
}

// AddDefect increments the entity's defect counter.
func (m *MemStore) AddDefect(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	e.DefectCount++
	return nil
}

// EscalateEntity increments the escalation counter and reassigns the role.
func (m *MemStore) EscalateEntity(_ context.Context, id, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	e.EscalationCount++
	e.AssignedRole = role
	return nil
}

// ListOpenEntities returns non-archived, non-closed entities.
func (m *MemStore) ListOpenEntities(_ context.Context) ([]*matter.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*matter.Entity
	for _, e := range m.entities {
		if e.Open() {
			out = append(out, deepCopy(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InsertTask stores a new task, assigning an ID when blank.
func (m *MemStore) InsertTask(_ context.Context, t *matter.TaskItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		m.taskSeq++
		t.ID = fmt.Sprintf("task-%d", m.taskSeq)
	}
	m.tasks[t.ID] = deepCopy(t)
	return nil
}

// UpdateTask replaces the stored task record.
func (m *MemStore) UpdateTask(_ context.Context, t *matter.TaskItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	m.tasks[t.ID] = deepCopy(t)
	return nil
}

// ListTasks returns the tasks attached to an entity.
func (m *MemStore) ListTasks(_ context.Context, entityID string) ([]matter.TaskItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []matter.TaskItem
	for _, t := range m.tasks {
		if t.EntityID == entityID {
			out = append(out, *deepCopy(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertArtifact stores a new artifact record.
func (m *MemStore) InsertArtifact(_ context.Context, a *matter.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[a.ID] = deepCopy(a)
	return nil
}

// UpdateArtifact replaces the stored artifact record.
func (m *MemStore) UpdateArtifact(_ context.Context, a *matter.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.ID]; !ok {
		return fmt.Errorf("artifact %s: %w", a.ID, ErrNotFound)
	}
	m.artifacts[a.ID] = deepCopy(a)
	return nil
}

// ListArtifacts returns the artifacts attached to an entity.
func (m *MemStore) ListArtifacts(_ context.Context, entityID string) ([]matter.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []matter.Artifact
	for _, a := range m.artifacts {
		if a.EntityID == entityID {
			out = append(out, *deepCopy(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertWorkItem stores a new work item record.
func (m *MemStore) InsertWorkItem(_ context.Context, w *matter.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workItems[w.ID]; ok {
		return fmt.Errorf("work item %s already exists", w.ID)
	}
	m.workItems[w.ID] = deepCopy(w)
	return nil
}

// GetWorkItem returns the work item by ID, or ErrNotFound.
func (m *MemStore) GetWorkItem(_ context.Context, id string) (*matter.WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workItems[id]
	if !ok {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return deepCopy(w), nil
}

// UpdateWorkItem replaces the stored work item record.
func (m *MemStore) UpdateWorkItem(_ context.Context, w *matter.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workItems[w.ID]; !ok {
		return fmt.Errorf("work item %s: %w", w.ID, ErrNotFound)
	}
	m.workItems[w.ID] = deepCopy(w)
	return nil
}

// AppendRunLog stores a new run log entry, assigning an ID when blank.
func (m *MemStore) AppendRunLog(_ context.Context, r *matter.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		m.runSeq++
		r.ID = fmt.Sprintf("run-%d", m.runSeq)
	}
	m.runLogs[r.ID] = deepCopy(r)
	return nil
}

// UpdateRunLog replaces the stored run log entry.
func (m *MemStore) UpdateRunLog(_ context.Context, r *matter.RunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runLogs[r.ID]; !ok {
		return fmt.Errorf("run log %s: %w", r.ID, ErrNotFound)
	}
	m.runLogs[r.ID] = deepCopy(r)
	return nil
}

// GetRunLog returns the run log entry by ID, or ErrNotFound.
func (m *MemStore) GetRunLog(_ context.Context, id string) (*matter.RunLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runLogs[id]
	if !ok {
		return nil, fmt.Errorf("run log %s: %w", id, ErrNotFound)
	}
	return deepCopy(r), nil
}

// CountRunsSince counts run log entries for a unit started after the cutoff.
func (m *MemStore) CountRunsSince(_ context.Context, unitID string, cutoff time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runLogs {
		if r.UnitID == unitID && r.StartedAt.After(cutoff) {
			n++
		}
	}
	return n, nil
}

// ClearApprovalRequired clears the approval flag on a work item's run logs.
func (m *MemStore) ClearApprovalRequired(_ context.Context, workItemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runLogs {
		if r.WorkItemID == workItemID {
			r.ApprovalRequired = false
		}
	}
	return nil
}

// PutUnit stores or replaces a unit definition.
func (m *MemStore) PutUnit(_ context.Context, u *matter.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[u.ID] = deepCopy(u)
	return nil
}

// GetUnit returns the unit by ID, or ErrNotFound.
func (m *MemStore) GetUnit(_ context.Context, id string) (*matter.Unit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	return deepCopy(u), nil
}

// PutSubUnit stores or replaces a sub-unit definition.
func (m *MemStore) PutSubUnit(_ context.Context, s *matter.SubUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subUnits[s.ID] = deepCopy(s)
	return nil
}

// ListSubUnits returns a parent's active sub-units in execution order.
func (m *MemStore) ListSubUnits(_ context.Context, parentID string) ([]matter.SubUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []matter.SubUnit
	for _, s := range m.subUnits {
		if s.ParentID == parentID && s.Active {
			out = append(out, *deepCopy(s))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// RecordUnitRun folds one run into the unit's counters and running average.
func (m *MemStore) RecordUnitRun(_ context.Context, unitID string, success bool, elapsedMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[unitID]
	if !ok {
		return fmt.Errorf("unit %s: %w", unitID, ErrNotFound)
	}
	u.Stats = matter.NextStats(u.Stats, success, elapsedMS)
	return nil
}

// RecordSubUnitRun folds one run into the sub-unit's counters and average.
func (m *MemStore) RecordSubUnitRun(_ context.Context, subUnitID string, success bool, elapsedMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subUnits[subUnitID]
	if !ok {
		return fmt.Errorf("sub-unit %s: %w", subUnitID, ErrNotFound)
	}
	s.Stats = matter.NextStats(s.Stats, success, elapsedMS)
	return nil
}

// PutGovernanceRule stores or replaces a governance rule.
func (m *MemStore) PutGovernanceRule(_ context.Context, r *matter.GovernanceRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.govRules[r.ID] = deepCopy(r)
	return nil
}

// ListGovernanceRules returns active rules ordered by priority descending.
func (m *MemStore) ListGovernanceRules(_ context.Context) ([]matter.GovernanceRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []matter.GovernanceRule
	for _, r := range m.govRules {
		if r.Active {
			out = append(out, *deepCopy(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// AppendEvent appends to the audit event log, assigning an ID when blank.
func (m *MemStore) AppendEvent(_ context.Context, ev emit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		m.eventSeq++
		ev.ID = fmt.Sprintf("event-%d", m.eventSeq)
	}
	m.events = append(m.events, *deepCopy(&ev))
	return nil
}

// ListEvents returns an entity's events in append order.
func (m *MemStore) ListEvents(_ context.Context, entityID string) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []emit.Event
	for i := range m.events {
		if m.events[i].EntityID == entityID {
			out = append(out, *deepCopy(&m.events[i]))
		}
	}
	return out, nil
}

// GetByKey resolves the playbook bound to a (category, subcategory) pair.
func (m *MemStore) GetByKey(_ context.Context, categoryID, subcategoryID string) (*matter.Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.byKey[playbookKey(categoryID, subcategoryID)]
	if !ok {
		return nil, fmt.Errorf("playbook for %s/%s: %w", categoryID, subcategoryID, ErrNotFound)
	}
	return deepCopy(pb), nil
}

// GetByID resolves a playbook by template ID.
func (m *MemStore) GetByID(_ context.Context, templateID string) (*matter.Playbook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pb, ok := m.byID[templateID]
	if !ok {
		return nil, fmt.Errorf("playbook %s: %w", templateID, ErrNotFound)
	}
	return deepCopy(pb), nil
}

// Put publishes a template for a (category, subcategory) pair.
func (m *MemStore) Put(_ context.Context, categoryID, subcategoryID string, pb *matter.Playbook) error {
	if err := pb.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := deepCopy(pb)
	m.byKey[playbookKey(categoryID, subcategoryID)] = cp
	m.byID[pb.TemplateID] = cp
	return nil
}

func playbookKey(categoryID, subcategoryID string) string {
	return categoryID + "/" + subcategoryID
}
