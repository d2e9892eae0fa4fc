package matter

import (
	"encoding/json"
	"fmt"
)

// Action is the closed set of side effects an automation rule can request.
//
// Each variant carries its own typed configuration and is dispatched by the
// automation engine through an exhaustive type switch, so adding a variant is
// a compile-time-checked change rather than a string-table entry. Actions are
// safe to retry at the caller's discretion.
type Action interface {
	// ActionType returns the wire name used in playbook JSON.
	ActionType() string

	isAction()
}

// CreateTask creates a task on the entity.
type CreateTask struct {
	Title    string   `json:"title"`
	Priority Priority `json:"priority,omitempty"`

	// DueOffsetHours sets the task due date relative to execution time.
	// Zero leaves the task without a due date.
	DueOffsetHours int `json:"due_offset_hours,omitempty"`

	// AssignToPreviousOwner carries the entity's current assignee onto the
	// task instead of leaving it unassigned.
	AssignToPreviousOwner bool `json:"assign_to_previous_owner,omitempty"`

	Description string `json:"description,omitempty"`
}

// ScheduleReminders creates one follow-up reminder task per configured day
// offset.
type ScheduleReminders struct {
	ReminderDays []int  `json:"reminder_days"`
	ReminderType string `json:"reminder_type"`
}

// Escalate reassigns the entity to a role, increments its escalation
// counter, and creates an urgent follow-up task.
type Escalate struct {
	EscalateToRole string `json:"escalate_to_role"`
	Reason         string `json:"reason"`
}

// IncrementDefectCount bumps the entity's defect counter.
type IncrementDefectCount struct{}

// RequireApproval marks the context work item as pending human sign-off and
// creates a review task.
type RequireApproval struct{}

// BlockExternalSend forbids external delivery of the context work item's
// output.
type BlockExternalSend struct{}

// Notify records a notification event for the given roles.
type Notify struct {
	Message string   `json:"message"`
	Roles   []string `json:"notify_roles,omitempty"`
}

func (CreateTask) ActionType() string           { return "create_task" }
func (ScheduleReminders) ActionType() string    { return "schedule_reminders" }
func (Escalate) ActionType() string             { return "escalate" }
func (IncrementDefectCount) ActionType() string { return "increment_defect_count" }
func (RequireApproval) ActionType() string      { return "require_approval" }
func (BlockExternalSend) ActionType() string    { return "block_external_send" }
func (Notify) ActionType() string               { return "notify" }

func (CreateTask) isAction()           {}
func (ScheduleReminders) isAction()    {}
func (Escalate) isAction()             {}
func (IncrementDefectCount) isAction() {}
func (RequireApproval) isAction()      {}
func (BlockExternalSend) isAction()    {}
func (Notify) isAction()               {}

// ActionList is an ordered list of actions with JSON support for the
// {"type": ..., "config": {...}} envelope used by playbook templates.
type ActionList []Action

type actionEnvelope struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes each action as a type/config envelope.
func (l ActionList) MarshalJSON() ([]byte, error) {
	envelopes := make([]actionEnvelope, 0, len(l))
	for _, a := range l {
		cfg, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, actionEnvelope{Type: a.ActionType(), Config: cfg})
	}
	return json.Marshal(envelopes)
}

// UnmarshalJSON decodes a list of type/config envelopes. An unknown action
// type is an error: the action vocabulary is closed.
func (l *ActionList) UnmarshalJSON(data []byte) error {
	var envelopes []actionEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	out := make(ActionList, 0, len(envelopes))
	for _, env := range envelopes {
		action, err := decodeAction(env)
		if err != nil {
			return err
		}
		out = append(out, action)
	}
	*l = out
	return nil
}

func decodeAction(env actionEnvelope) (Action, error) {
	cfg := env.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	switch env.Type {
	case "create_task":
		var a CreateTask
		return a, json.Unmarshal(cfg, &a)
	case "schedule_reminders":
		var a ScheduleReminders
		return a, json.Unmarshal(cfg, &a)
	case "escalate":
		var a Escalate
		return a, json.Unmarshal(cfg, &a)
	case "increment_defect_count":
		return IncrementDefectCount{}, nil
	case "require_approval":
		return RequireApproval{}, nil
	case "block_external_send":
		return BlockExternalSend{}, nil
	case "notify":
		var a Notify
		return a, json.Unmarshal(cfg, &a)
	default:
		return nil, fmt.Errorf("unknown action type: %q", env.Type)
	}
}
