package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/matter"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store and PlaybookStore.
//
// It keeps every record table in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Prototyping before migrating to MySQL
//
// Records are stored as JSON in a data column; the columns the engine
// filters or increments on (open flag, counters, run stats, priorities) are
// promoted to typed columns so list queries and atomic counter updates stay
// in SQL. Counter columns are authoritative: reads merge them over the
// decoded JSON.
//
// SQLiteStore uses WAL mode for concurrent reads and a busy timeout for
// writer contention.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

var (
	_ Store         = (*SQLiteStore)(nil)
	_ PlaybookStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./engine.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the database file and tables, enables WAL
// mode, and configures a busy timeout.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./engine.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT NOT NULL PRIMARY KEY,
			open INTEGER NOT NULL DEFAULT 1,
			defect_count INTEGER NOT NULL DEFAULT 0,
			escalation_count INTEGER NOT NULL DEFAULT 0,
			assigned_role TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_open ON entities(open, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT NOT NULL PRIMARY KEY,
			entity_id TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_entity ON tasks(entity_id)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT NOT NULL PRIMARY KEY,
			entity_id TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_entity ON artifacts(entity_id)`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT NOT NULL PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id TEXT NOT NULL PRIMARY KEY,
			work_item_id TEXT NOT NULL,
			unit_id TEXT NOT NULL DEFAULT '',
			approval_required INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_work_item ON run_logs(work_item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_unit_started ON run_logs(unit_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS units (
			id TEXT NOT NULL PRIMARY KEY,
			total_runs INTEGER NOT NULL DEFAULT 0,
			successful_runs INTEGER NOT NULL DEFAULT 0,
			failed_runs INTEGER NOT NULL DEFAULT 0,
			avg_ms REAL NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sub_units (
			id TEXT NOT NULL PRIMARY KEY,
			parent_id TEXT NOT NULL,
			exec_order INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			total_runs INTEGER NOT NULL DEFAULT 0,
			successful_runs INTEGER NOT NULL DEFAULT 0,
			failed_runs INTEGER NOT NULL DEFAULT 0,
			avg_ms REAL NOT NULL DEFAULT 0,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sub_units_parent ON sub_units(parent_id, exec_order)`,
		`CREATE TABLE IF NOT EXISTS governance_rules (
			id TEXT NOT NULL PRIMARY KEY,
			priority INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT NOT NULL PRIMARY KEY,
			entity_id TEXT NOT NULL DEFAULT '',
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id)`,
		`CREATE TABLE IF NOT EXISTS playbooks (
			category_id TEXT NOT NULL,
			subcategory_id TEXT NOT NULL,
			template_id TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (category_id, subcategory_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_playbooks_template ON playbooks(template_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertEntity stores a new entity record.
func (s *SQLiteStore) InsertEntity(ctx context.Context, e *matter.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, open, defect_count, escalation_count, assigned_role, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, boolInt(e.Open()), e.DefectCount, e.EscalationCount, e.AssignedRole,
		e.CreatedAt.UnixNano(), string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanEntity(row interface{ Scan(...any) error }) (*matter.Entity, error) {
	var (
		raw        string
		defects    int
		escalation int
		role       string
	)
	if err := row.Scan(&raw, &defects, &escalation, &role); err != nil {
		return nil, err
	}
	var e matter.Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	// Counter columns are authoritative.
	e.DefectCount = defects
	e.EscalationCount = escalation
	if role != "" {
		e.AssignedRole = role
	}
	return &e, nil
}

// GetEntity returns the entity by ID, or ErrNotFound.
func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*matter.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT data, defect_count, escalation_count, assigned_role
		FROM entities WHERE id = ?`, id)
	e, err := s.scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	return e, nil
}

// UpdateEntity replaces the stored entity record.
func (s *SQLiteStore) UpdateEntity(ctx context.Context, e *matter.Entity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET open = ?, defect_count = ?, escalation_count = ?, assigned_role = ?, data = ?
		WHERE id = ?`,
		boolInt(e.Open()), e.DefectCount, e.EscalationCount, e.AssignedRole, string(raw), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return requireRow(res, "entity", e.ID)
}

// AddDefect atomically increments the entity's defect counter.
func (s *SQLiteStore) AddDefect(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET defect_count = defect_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to add defect: %w", err)
	}
	return requireRow(res, "entity", id)
}

// EscalateEntity atomically increments the escalation counter and reassigns
// the entity's role.
func (s *SQLiteStore) EscalateEntity(ctx context.Context, id, role string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET escalation_count = escalation_count + 1, assigned_role = ?
		WHERE id = ?`, role, id)
	if err != nil {
		return fmt.Errorf("failed to escalate entity: %w", err)
	}
	return requireRow(res, "entity", id)
}

// ListOpenEntities returns non-archived, non-closed entities ordered by
// creation time.
func (s *SQLiteStore) ListOpenEntities(ctx context.Context) ([]*matter.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data, defect_count, escalation_count, assigned_role
		FROM entities WHERE open = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*matter.Entity
	for rows.Next() {
		e, err := s.scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entity rows: %w", err)
	}
	return out, nil
}

// InsertTask stores a new task, assigning an ID when blank.
func (s *SQLiteStore) InsertTask(ctx context.Context, t *matter.TaskItem) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, entity_id, data) VALUES (?, ?, ?)`,
		t.ID, t.EntityID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateTask replaces the stored task record.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t *matter.TaskItem) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET entity_id = ?, data = ? WHERE id = ?`,
		t.EntityID, string(raw), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireRow(res, "task", t.ID)
}

// ListTasks returns the tasks attached to an entity.
func (s *SQLiteStore) ListTasks(ctx context.Context, entityID string) ([]matter.TaskItem, error) {
	var out []matter.TaskItem
	err := s.listJSON(ctx, `SELECT data FROM tasks WHERE entity_id = ? ORDER BY id ASC`,
		func(raw string) error {
			var t matter.TaskItem
			if err := json.Unmarshal([]byte(raw), &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		}, entityID)
	return out, err
}

// InsertArtifact stores a new artifact record.
func (s *SQLiteStore) InsertArtifact(ctx context.Context, a *matter.Artifact) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, entity_id, data) VALUES (?, ?, ?)`,
		a.ID, a.EntityID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// UpdateArtifact replaces the stored artifact record.
func (s *SQLiteStore) UpdateArtifact(ctx context.Context, a *matter.Artifact) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET entity_id = ?, data = ? WHERE id = ?`,
		a.EntityID, string(raw), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update artifact: %w", err)
	}
	return requireRow(res, "artifact", a.ID)
}

// ListArtifacts returns the artifacts attached to an entity.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, entityID string) ([]matter.Artifact, error) {
	var out []matter.Artifact
	err := s.listJSON(ctx, `SELECT data FROM artifacts WHERE entity_id = ? ORDER BY id ASC`,
		func(raw string) error {
			var a matter.Artifact
			if err := json.Unmarshal([]byte(raw), &a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		}, entityID)
	return out, err
}

// InsertWorkItem stores a new work item record.
func (s *SQLiteStore) InsertWorkItem(ctx context.Context, w *matter.WorkItem) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO work_items (id, data) VALUES (?, ?)`, w.ID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	return nil
}

// GetWorkItem returns the work item by ID, or ErrNotFound.
func (s *SQLiteStore) GetWorkItem(ctx context.Context, id string) (*matter.WorkItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM work_items WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load work item: %w", err)
	}
	var w matter.WorkItem
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work item: %w", err)
	}
	return &w, nil
}

// UpdateWorkItem replaces the stored work item record.
func (s *SQLiteStore) UpdateWorkItem(ctx context.Context, w *matter.WorkItem) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET data = ? WHERE id = ?`, string(raw), w.ID)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	return requireRow(res, "work item", w.ID)
}

// AppendRunLog stores a new run log entry, assigning an ID when blank.
func (s *SQLiteStore) AppendRunLog(ctx context.Context, r *matter.RunLog) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_logs (id, work_item_id, unit_id, approval_required, started_at, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkItemID, r.UnitID, boolInt(r.ApprovalRequired),
		r.StartedAt.UnixNano(), string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert run log: %w", err)
	}
	return nil
}

// UpdateRunLog replaces the stored run log entry.
func (s *SQLiteStore) UpdateRunLog(ctx context.Context, r *matter.RunLog) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run log: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_logs SET approval_required = ?, data = ? WHERE id = ?`,
		boolInt(r.ApprovalRequired), string(raw), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run log: %w", err)
	}
	return requireRow(res, "run log", r.ID)
}

// GetRunLog returns the run log entry by ID, or ErrNotFound.
func (s *SQLiteStore) GetRunLog(ctx context.Context, id string) (*matter.RunLog, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var (
		raw      string
		approval int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, approval_required FROM run_logs WHERE id = ?`, id).Scan(&raw, &approval)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run log %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run log: %w", err)
	}
	var r matter.RunLog
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run log: %w", err)
	}
	r.ApprovalRequired = approval != 0
	return &r, nil
}

// CountRunsSince counts run log entries for a unit started after the cutoff.
func (s *SQLiteStore) CountRunsSince(ctx context.Context, unitID string, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_logs WHERE unit_id = ? AND started_at > ?`,
		unitID, cutoff.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// ClearApprovalRequired clears the approval flag on a work item's run logs.
func (s *SQLiteStore) ClearApprovalRequired(ctx context.Context, workItemID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE run_logs SET approval_required = 0 WHERE work_item_id = ?`, workItemID)
	if err != nil {
		return fmt.Errorf("failed to clear approval flags: %w", err)
	}
	return nil
}

// PutUnit stores or replaces a unit definition, preserving stat columns on
// replace so directory updates never reset run counters.
func (s *SQLiteStore) PutUnit(ctx context.Context, u *matter.Unit) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal unit: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO units (id, total_runs, successful_runs, failed_runs, avg_ms, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		u.ID, u.Stats.TotalRuns, u.Stats.SuccessfulRuns, u.Stats.FailedRuns,
		u.Stats.AvgExecutionMS, string(raw))
	if err != nil {
		return fmt.Errorf("failed to put unit: %w", err)
	}
	return nil
}

// GetUnit returns the unit by ID, or ErrNotFound. Stat columns override the
// stored JSON.
func (s *SQLiteStore) GetUnit(ctx context.Context, id string) (*matter.Unit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var (
		raw   string
		stats matter.RunStats
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT data, total_runs, successful_runs, failed_runs, avg_ms
		FROM units WHERE id = ?`, id).
		Scan(&raw, &stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns, &stats.AvgExecutionMS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load unit: %w", err)
	}
	var u matter.Unit
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unit: %w", err)
	}
	u.Stats = stats
	return &u, nil
}

// PutSubUnit stores or replaces a sub-unit definition, preserving stat
// columns on replace.
func (s *SQLiteStore) PutSubUnit(ctx context.Context, su *matter.SubUnit) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(su)
	if err != nil {
		return fmt.Errorf("failed to marshal sub-unit: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sub_units (id, parent_id, exec_order, active, total_runs, successful_runs, failed_runs, avg_ms, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			exec_order = excluded.exec_order,
			active = excluded.active,
			data = excluded.data`,
		su.ID, su.ParentID, su.Order, boolInt(su.Active),
		su.Stats.TotalRuns, su.Stats.SuccessfulRuns, su.Stats.FailedRuns,
		su.Stats.AvgExecutionMS, string(raw))
	if err != nil {
		return fmt.Errorf("failed to put sub-unit: %w", err)
	}
	return nil
}

// ListSubUnits returns a parent's active sub-units in execution order.
func (s *SQLiteStore) ListSubUnits(ctx context.Context, parentID string) ([]matter.SubUnit, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT data, total_runs, successful_runs, failed_runs, avg_ms
		FROM sub_units
		WHERE parent_id = ? AND active = 1
		ORDER BY exec_order ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sub-units: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []matter.SubUnit
	for rows.Next() {
		var (
			raw   string
			stats matter.RunStats
		)
		if err := rows.Scan(&raw, &stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns, &stats.AvgExecutionMS); err != nil {
			return nil, fmt.Errorf("failed to scan sub-unit row: %w", err)
		}
		var su matter.SubUnit
		if err := json.Unmarshal([]byte(raw), &su); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sub-unit: %w", err)
		}
		su.Stats = stats
		out = append(out, su)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sub-unit rows: %w", err)
	}
	return out, nil
}

// RecordUnitRun folds one run into the unit's counters and running average
// with a single arithmetic UPDATE, so concurrent recorders never lose runs.
func (s *SQLiteStore) RecordUnitRun(ctx context.Context, unitID string, success bool, elapsedMS int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE units SET
			avg_ms = (avg_ms * total_runs + ?) / (total_runs + 1),
			total_runs = total_runs + 1,
			successful_runs = successful_runs + ?,
			failed_runs = failed_runs + ?
		WHERE id = ?`,
		elapsedMS, boolInt(success), boolInt(!success), unitID)
	if err != nil {
		return fmt.Errorf("failed to record unit run: %w", err)
	}
	return requireRow(res, "unit", unitID)
}

// RecordSubUnitRun folds one run into the sub-unit's counters and running
// average.
func (s *SQLiteStore) RecordSubUnitRun(ctx context.Context, subUnitID string, success bool, elapsedMS int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sub_units SET
			avg_ms = (avg_ms * total_runs + ?) / (total_runs + 1),
			total_runs = total_runs + 1,
			successful_runs = successful_runs + ?,
			failed_runs = failed_runs + ?
		WHERE id = ?`,
		elapsedMS, boolInt(success), boolInt(!success), subUnitID)
	if err != nil {
		return fmt.Errorf("failed to record sub-unit run: %w", err)
	}
	return requireRow(res, "sub-unit", subUnitID)
}

// PutGovernanceRule stores or replaces a governance rule.
func (s *SQLiteStore) PutGovernanceRule(ctx context.Context, r *matter.GovernanceRule) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal governance rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO governance_rules (id, priority, active, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			active = excluded.active,
			data = excluded.data`,
		r.ID, r.Priority, boolInt(r.Active), string(raw))
	if err != nil {
		return fmt.Errorf("failed to put governance rule: %w", err)
	}
	return nil
}

// ListGovernanceRules returns active rules ordered by priority descending.
func (s *SQLiteStore) ListGovernanceRules(ctx context.Context) ([]matter.GovernanceRule, error) {
	var out []matter.GovernanceRule
	err := s.listJSON(ctx,
		`SELECT data FROM governance_rules WHERE active = 1 ORDER BY priority DESC`,
		func(raw string) error {
			var r matter.GovernanceRule
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	return out, err
}

// AppendEvent appends to the audit event log, assigning an ID when blank.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev emit.Event) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, entity_id, data) VALUES (?, ?, ?)`,
		ev.ID, ev.EntityID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns an entity's events in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, entityID string) ([]emit.Event, error) {
	var out []emit.Event
	err := s.listJSON(ctx,
		`SELECT data FROM events WHERE entity_id = ? ORDER BY rowid ASC`,
		func(raw string) error {
			var ev emit.Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				return err
			}
			out = append(out, ev)
			return nil
		}, entityID)
	return out, err
}

// GetByKey resolves the playbook bound to a (category, subcategory) pair.
func (s *SQLiteStore) GetByKey(ctx context.Context, categoryID, subcategoryID string) (*matter.Playbook, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM playbooks WHERE category_id = ? AND subcategory_id = ?`,
		categoryID, subcategoryID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("playbook for %s/%s: %w", categoryID, subcategoryID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playbook: %w", err)
	}
	return decodePlaybook(raw)
}

// GetByID resolves a playbook by template ID.
func (s *SQLiteStore) GetByID(ctx context.Context, templateID string) (*matter.Playbook, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM playbooks WHERE template_id = ? LIMIT 1`, templateID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("playbook %s: %w", templateID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playbook: %w", err)
	}
	return decodePlaybook(raw)
}

// Put publishes a template for a (category, subcategory) pair, replacing any
// prior version. The template is validated before it is stored.
func (s *SQLiteStore) Put(ctx context.Context, categoryID, subcategoryID string, pb *matter.Playbook) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := pb.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("failed to marshal playbook: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playbooks (category_id, subcategory_id, template_id, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(category_id, subcategory_id) DO UPDATE SET
			template_id = excluded.template_id,
			data = excluded.data`,
		categoryID, subcategoryID, pb.TemplateID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to put playbook: %w", err)
	}
	return nil
}

func decodePlaybook(raw string) (*matter.Playbook, error) {
	var pb matter.Playbook
	if err := json.Unmarshal([]byte(raw), &pb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal playbook: %w", err)
	}
	return &pb, nil
}

// listJSON runs a single-column query selecting JSON records and feeds each
// row to decode.
func (s *SQLiteStore) listJSON(ctx context.Context, query string, decode func(raw string) error, args ...any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		if err := decode(raw); err != nil {
			return fmt.Errorf("failed to decode row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}
	return nil
}

// requireRow converts a zero-row UPDATE into ErrNotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// Close closes the database connection. Calling Close multiple times is
// safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
