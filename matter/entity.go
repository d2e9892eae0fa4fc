package matter

import "time"

// Priority orders tasks and work items.
type Priority string

// Task and work item priorities.
const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// TaskStatus is the lifecycle of a TaskItem.
type TaskStatus string

// Task statuses.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
)

// ArtifactStatus tracks the intake state of an Artifact.
type ArtifactStatus string

// Artifact statuses.
const (
	ArtifactMissing   ArtifactStatus = "missing"
	ArtifactReceived  ArtifactStatus = "received"
	ArtifactValidated ArtifactStatus = "validated"
)

// RiskTier buckets health scores and unit risk levels.
type RiskTier string

// Risk tiers.
const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// HealthDriver is one explainable contribution to a health score.
type HealthDriver struct {
	// Impact is the points deducted by this driver.
	Impact int `json:"impact"`

	Description    string `json:"description"`
	Recommendation string `json:"recommendation"`
}

// Entity is the long-lived business object ("matter") moving through a
// staged process.
//
// Entities are created once and never deleted, only archived. The status,
// health, and counter fields are mutated exclusively by the lifecycle
// coordinator; concurrent transitions on the same entity are serialized by
// the persistence layer.
type Entity struct {
	ID string `json:"id"`

	// Number is the human-facing reference (e.g. "M-2026-0042").
	Number string `json:"number"`

	// CategoryID and SubcategoryID select the playbook to bind at creation.
	CategoryID    string `json:"category_id"`
	SubcategoryID string `json:"subcategory_id"`

	// PlaybookID references the bound playbook template.
	PlaybookID string `json:"playbook_id,omitempty"`

	CurrentStatus string `json:"current_status"`
	CurrentLane   string `json:"current_lane"`

	// StatusChangedAt is when the entity entered its current status.
	StatusChangedAt time.Time `json:"status_changed_at"`

	// SLABreachAt is set once per status period when the entity overstays
	// the status SLA; transitions clear it.
	SLABreachAt *time.Time `json:"sla_breach_at,omitempty"`

	DefectCount     int `json:"defect_count"`
	EscalationCount int `json:"escalation_count"`

	HealthScore    int            `json:"health_score"`
	HealthRiskTier RiskTier       `json:"health_risk_tier"`
	HealthDrivers  []HealthDriver `json:"health_drivers,omitempty"`

	AssignedTo   string `json:"assigned_to,omitempty"`
	AssignedRole string `json:"assigned_role,omitempty"`

	Archived bool       `json:"archived,omitempty"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Open reports whether the entity is still subject to the SLA sweep.
func (e *Entity) Open() bool {
	return !e.Archived && e.ClosedAt == nil
}

// TaskItem is a unit of human work attached to an entity. Tasks are created
// by automation actions or manually and mutated by completion events.
type TaskItem struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`

	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      TaskStatus `json:"status"`

	DueAt      *time.Time `json:"due_at,omitempty"`
	AssignedTo string     `json:"assigned_to,omitempty"`

	// IsAutomated marks tasks created by automation rules.
	IsAutomated bool `json:"is_automated,omitempty"`

	// RuleID references the automation rule that created the task.
	RuleID string `json:"rule_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Open reports whether the task still needs attention.
func (t *TaskItem) Open() bool {
	return t.Status != TaskCompleted
}

// Artifact is a document or proof attached to an entity. Missing required
// artifacts drive health penalties and rule conditions.
type Artifact struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`

	ArtifactType string         `json:"artifact_type"`
	Status       ArtifactStatus `json:"status"`

	DefectReasonID string `json:"defect_reason_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Present reports whether the artifact satisfies a requirement (received or
// validated).
func (a *Artifact) Present() bool {
	return a.Status == ArtifactReceived || a.Status == ArtifactValidated
}

// Validated reports whether the artifact has been validated, the bar for
// prerequisite health gates.
func (a *Artifact) Validated() bool {
	return a.Status == ArtifactValidated
}
