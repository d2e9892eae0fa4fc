package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/matterflow/matterflow-go/emit"
	"github.com/matterflow/matterflow-go/matter"
)

// MySQLStore is a MySQL/MariaDB implementation of Store and PlaybookStore.
//
// Designed for:
//   - Production deployments requiring shared persistence
//   - Multiple engine processes against one database
//   - Audit trails that survive restarts
//
// It uses the same record layout as SQLiteStore: JSON documents plus
// promoted filter and counter columns, with counter updates applied as
// single arithmetic UPDATE statements.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var (
	_ Store         = (*MySQLStore)(nil)
	_ PlaybookStore = (*MySQLStore)(nil)
)

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN format is the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/engine
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	st, err := store.NewMySQLStore(dsn)
//
// The store verifies the connection, creates tables if they don't exist,
// and configures connection pooling.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			open TINYINT NOT NULL DEFAULT 1,
			defect_count INT NOT NULL DEFAULT 0,
			escalation_count INT NOT NULL DEFAULT 0,
			assigned_role VARCHAR(128) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			data JSON NOT NULL,
			INDEX idx_entities_open (open, created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			entity_id VARCHAR(64) NOT NULL,
			data JSON NOT NULL,
			INDEX idx_tasks_entity (entity_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			entity_id VARCHAR(64) NOT NULL,
			data JSON NOT NULL,
			INDEX idx_artifacts_entity (entity_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS work_items (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			data JSON NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			work_item_id VARCHAR(64) NOT NULL,
			unit_id VARCHAR(64) NOT NULL DEFAULT '',
			approval_required TINYINT NOT NULL DEFAULT 0,
			started_at BIGINT NOT NULL,
			data JSON NOT NULL,
			INDEX idx_run_logs_work_item (work_item_id),
			INDEX idx_run_logs_unit_started (unit_id, started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS units (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			total_runs INT NOT NULL DEFAULT 0,
			successful_runs INT NOT NULL DEFAULT 0,
			failed_runs INT NOT NULL DEFAULT 0,
			avg_ms DOUBLE NOT NULL DEFAULT 0,
			data JSON NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS sub_units (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			parent_id VARCHAR(64) NOT NULL,
			exec_order INT NOT NULL DEFAULT 0,
			active TINYINT NOT NULL DEFAULT 1,
			total_runs INT NOT NULL DEFAULT 0,
			successful_runs INT NOT NULL DEFAULT 0,
			failed_runs INT NOT NULL DEFAULT 0,
			avg_ms DOUBLE NOT NULL DEFAULT 0,
			data JSON NOT NULL,
			INDEX idx_sub_units_parent (parent_id, exec_order)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS governance_rules (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			priority INT NOT NULL DEFAULT 0,
			active TINYINT NOT NULL DEFAULT 1,
			data JSON NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			entity_id VARCHAR(64) NOT NULL DEFAULT '',
			data JSON NOT NULL,
			INDEX idx_events_entity (entity_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS playbooks (
			category_id VARCHAR(64) NOT NULL,
			subcategory_id VARCHAR(64) NOT NULL,
			template_id VARCHAR(64) NOT NULL,
			data JSON NOT NULL,
			PRIMARY KEY (category_id, subcategory_id),
			INDEX idx_playbooks_template (template_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// InsertEntity stores a new entity record.
func (m *MySQLStore) InsertEntity(ctx context.Context, e *matter.Entity) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO entities (id, open, defect_count, escalation_count, assigned_role, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, boolInt(e.Open()), e.DefectCount, e.EscalationCount, e.AssignedRole,
		e.CreatedAt.UnixNano(), string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	return nil
}

func (m *MySQLStore) scanEntity(row interface{ Scan(...any) error }) (*matter.Entity, error) {
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
	e.DefectCount = defects
	e.EscalationCount = escalation
	if role != "" {
		e.AssignedRole = role
	}
	return &e, nil
}

// GetEntity returns the entity by ID, or ErrNotFound.
func (m *MySQLStore) GetEntity(ctx context.Context, id string) (*matter.Entity, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx, `
		SELECT data, defect_count, escalation_count, assigned_role
		FROM entities WHERE id = ?`, id)
	e, err := m.scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	return e, nil
}

// UpdateEntity replaces the stored entity record.
func (m *MySQLStore) UpdateEntity(ctx context.Context, e *matter.Entity) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		UPDATE entities
		SET open = ?, defect_count = ?, escalation_count = ?, assigned_role = ?, data = ?
		WHERE id = ?`,
		boolInt(e.Open()), e.DefectCount, e.EscalationCount, e.AssignedRole, string(raw), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return nil
}

// AddDefect atomically increments the entity's defect counter.
func (m *MySQLStore) AddDefect(ctx context.Context, id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx,
		`UPDATE entities SET defect_count = defect_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to add defect: %w", err)
	}
	return requireRow(res, "entity", id)
}

// EscalateEntity atomically increments the escalation counter and reassigns
// the entity's role.
func (m *MySQLStore) EscalateEntity(ctx context.Context, id, role string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx, `
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
func (m *MySQLStore) ListOpenEntities(ctx context.Context) ([]*matter.Entity, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT data, defect_count, escalation_count, assigned_role
		FROM entities WHERE open = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*matter.Entity
	for rows.Next() {
		e, err := m.scanEntity(rows)
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
func (m *MySQLStore) InsertTask(ctx context.Context, t *matter.TaskItem) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO tasks (id, entity_id, data) VALUES (?, ?, ?)`,
		t.ID, t.EntityID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateTask replaces the stored task record.
func (m *MySQLStore) UpdateTask(ctx context.Context, t *matter.TaskItem) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE tasks SET entity_id = ?, data = ? WHERE id = ?`,
		t.EntityID, string(raw), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return nil
}

// ListTasks returns the tasks attached to an entity.
func (m *MySQLStore) ListTasks(ctx context.Context, entityID string) ([]matter.TaskItem, error) {
	var out []matter.TaskItem
	err := m.listJSON(ctx, `SELECT data FROM tasks WHERE entity_id = ? ORDER BY id ASC`,
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
func (m *MySQLStore) InsertArtifact(ctx context.Context, a *matter.Artifact) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, entity_id, data) VALUES (?, ?, ?)`,
		a.ID, a.EntityID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// UpdateArtifact replaces the stored artifact record.
func (m *MySQLStore) UpdateArtifact(ctx context.Context, a *matter.Artifact) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE artifacts SET entity_id = ?, data = ? WHERE id = ?`,
		a.EntityID, string(raw), a.ID)
	if err != nil {
		return fmt.Errorf("failed to update artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifacts attached to an entity.
func (m *MySQLStore) ListArtifacts(ctx context.Context, entityID string) ([]matter.Artifact, error) {
	var out []matter.Artifact
	err := m.listJSON(ctx, `SELECT data FROM artifacts WHERE entity_id = ? ORDER BY id ASC`,
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
func (m *MySQLStore) InsertWorkItem(ctx context.Context, w *matter.WorkItem) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO work_items (id, data) VALUES (?, ?)`, w.ID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	return nil
}

// GetWorkItem returns the work item by ID, or ErrNotFound.
func (m *MySQLStore) GetWorkItem(ctx context.Context, id string) (*matter.WorkItem, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var raw string
	err := m.db.QueryRowContext(ctx, `SELECT data FROM work_items WHERE id = ?`, id).Scan(&raw)
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
func (m *MySQLStore) UpdateWorkItem(ctx context.Context, w *matter.WorkItem) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to marshal work item: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`UPDATE work_items SET data = ? WHERE id = ?`, string(raw), w.ID)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	return nil
}

// AppendRunLog stores a new run log entry, assigning an ID when blank.
func (m *MySQLStore) AppendRunLog(ctx context.Context, r *matter.RunLog) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run log: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
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
func (m *MySQLStore) UpdateRunLog(ctx context.Context, r *matter.RunLog) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run log: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		UPDATE run_logs SET approval_required = ?, data = ? WHERE id = ?`,
		boolInt(r.ApprovalRequired), string(raw), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update run log: %w", err)
	}
	return nil
}

// GetRunLog returns the run log entry by ID, or ErrNotFound.
func (m *MySQLStore) GetRunLog(ctx context.Context, id string) (*matter.RunLog, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var (
		raw      string
		approval int
	)
	err := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore) CountRunsSince(ctx context.Context, unitID string, cutoff time.Time) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_logs WHERE unit_id = ? AND started_at > ?`,
		unitID, cutoff.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// ClearApprovalRequired clears the approval flag on a work item's run logs.
func (m *MySQLStore) ClearApprovalRequired(ctx context.Context, workItemID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE run_logs SET approval_required = 0 WHERE work_item_id = ?`, workItemID)
	if err != nil {
		return fmt.Errorf("failed to clear approval flags: %w", err)
	}
	return nil
}

// PutUnit stores or replaces a unit definition, preserving stat columns on
// replace.
func (m *MySQLStore) PutUnit(ctx context.Context, u *matter.Unit) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to marshal unit: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO units (id, total_runs, successful_runs, failed_runs, avg_ms, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE data = VALUES(data)`,
		u.ID, u.Stats.TotalRuns, u.Stats.SuccessfulRuns, u.Stats.FailedRuns,
		u.Stats.AvgExecutionMS, string(raw))
	if err != nil {
		return fmt.Errorf("failed to put unit: %w", err)
	}
	return nil
}

// GetUnit returns the unit by ID, or ErrNotFound.
func (m *MySQLStore) GetUnit(ctx context.Context, id string) (*matter.Unit, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var (
		raw   string
		stats matter.RunStats
	)
	err := m.db.QueryRowContext(ctx, `
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
func (m *MySQLStore) PutSubUnit(ctx context.Context, su *matter.SubUnit) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(su)
	if err != nil {
		return fmt.Errorf("failed to marshal sub-unit: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO sub_units (id, parent_id, exec_order, active, total_runs, successful_runs, failed_runs, avg_ms, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			parent_id = VALUES(parent_id),
			exec_order = VALUES(exec_order),
			active = VALUES(active),
			data = VALUES(data)`,
		su.ID, su.ParentID, su.Order, boolInt(su.Active),
		su.Stats.TotalRuns, su.Stats.SuccessfulRuns, su.Stats.FailedRuns,
		su.Stats.AvgExecutionMS, string(raw))
	if err != nil {
		return fmt.Errorf("failed to put sub-unit: %w", err)
	}
	return nil
}

// ListSubUnits returns a parent's active sub-units in execution order.
func (m *MySQLStore) ListSubUnits(ctx context.Context, parentID string) ([]matter.SubUnit, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, `
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
// with a single arithmetic UPDATE.
func (m *MySQLStore) RecordUnitRun(ctx context.Context, unitID string, success bool, elapsedMS int64) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx, `
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
func (m *MySQLStore) RecordSubUnitRun(ctx context.Context, subUnitID string, success bool, elapsedMS int64) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx, `
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
func (m *MySQLStore) PutGovernanceRule(ctx context.Context, r *matter.GovernanceRule) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal governance rule: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO governance_rules (id, priority, active, data)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			priority = VALUES(priority),
			active = VALUES(active),
			data = VALUES(data)`,
		r.ID, r.Priority, boolInt(r.Active), string(raw))
	if err != nil {
		return fmt.Errorf("failed to put governance rule: %w", err)
	}
	return nil
}

// ListGovernanceRules returns active rules ordered by priority descending.
func (m *MySQLStore) ListGovernanceRules(ctx context.Context) ([]matter.GovernanceRule, error) {
	var out []matter.GovernanceRule
	err := m.listJSON(ctx,
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
func (m *MySQLStore) AppendEvent(ctx context.Context, ev emit.Event) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO events (id, entity_id, data) VALUES (?, ?, ?)`,
		ev.ID, ev.EntityID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEvents returns an entity's events in append order.
func (m *MySQLStore) ListEvents(ctx context.Context, entityID string) ([]emit.Event, error) {
	var out []emit.Event
	err := m.listJSON(ctx,
		`SELECT data FROM events WHERE entity_id = ? ORDER BY seq ASC`,
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
func (m *MySQLStore) GetByKey(ctx context.Context, categoryID, subcategoryID string) (*matter.Playbook, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var raw string
	err := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore) GetByID(ctx context.Context, templateID string) (*matter.Playbook, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	var raw string
	err := m.db.QueryRowContext(ctx,
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
func (m *MySQLStore) Put(ctx context.Context, categoryID, subcategoryID string, pb *matter.Playbook) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := pb.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("failed to marshal playbook: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO playbooks (category_id, subcategory_id, template_id, data)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			template_id = VALUES(template_id),
			data = VALUES(data)`,
		categoryID, subcategoryID, pb.TemplateID, string(raw))
	if err != nil {
		return fmt.Errorf("failed to put playbook: %w", err)
	}
	return nil
}

func (m *MySQLStore) listJSON(ctx context.Context, query string, decode func(raw string) error, args ...any) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
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

// Close closes the database connection. Calling Close multiple times is
// safe.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
