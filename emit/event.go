package emit

import "time"

// EventType names a domain event kind appended to the event log.
type EventType string

// Domain event kinds emitted by the lifecycle coordinator, automation
// engine, and agent orchestrator. These records are the sole mechanism by
// which outer layers (UI, reporting) observe lifecycle activity.
const (
	EntityCreated       EventType = "entity_created"
	StatusChanged       EventType = "status_changed"
	TaskCreated         EventType = "task_created"
	Escalation          EventType = "escalation"
	SLABreach           EventType = "sla_breach"
	NotificationSent    EventType = "notification_sent"
	ArtifactUploaded    EventType = "artifact_uploaded"
	ArtifactsComplete   EventType = "artifacts_complete"
	ApprovalRequired    EventType = "approval_required"
	WorkItemApproved    EventType = "work_item_approved"
	WorkItemRejected    EventType = "work_item_rejected"
	ExternalSendBlocked EventType = "external_send_blocked"
	DefectRecorded      EventType = "defect_recorded"
	RunStarted          EventType = "run_started"
	RunFinished         EventType = "run_finished"
	ActionFailed        EventType = "action_failed"
)

// SystemActor is the actor recorded on events produced by automation rather
// than a user.
const SystemActor = "system"

// Event is one structured record in the append-only event log.
//
// Events describe what happened to which entity or work item, who did it,
// and (for state changes) the old and new values. They are appended in the
// order actions complete; ordering across racing trigger invocations on
// different entities is not guaranteed.
type Event struct {
	// ID uniquely identifies the event record.
	ID string `json:"id"`

	// EntityID is the entity the event concerns, when any.
	EntityID string `json:"entity_id,omitempty"`

	// WorkItemID is the work item the event concerns, when any.
	WorkItemID string `json:"work_item_id,omitempty"`

	Type EventType `json:"type"`

	// Category groups events for filtering: "workflow", "document",
	// "communication", "agent", "system".
	Category string `json:"category,omitempty"`

	// Title is a short human-readable summary.
	Title string `json:"title"`

	Description string `json:"description,omitempty"`

	// OldValue and NewValue capture before/after state for change events.
	OldValue map[string]any `json:"old_value,omitempty"`
	NewValue map[string]any `json:"new_value,omitempty"`

	// Actor identifies who caused the event; SystemActor for automation.
	Actor string `json:"actor"`

	// Meta carries additional structured data specific to the event.
	Meta map[string]any `json:"meta,omitempty"`

	// At is when the event was recorded.
	At time.Time `json:"at"`
}
