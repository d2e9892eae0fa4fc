package matter

// Trigger identifies the lifecycle event kind that causes the automation
// engine to select and run matching rules.
type Trigger string

// Trigger kinds recognized by playbook automation rules.
const (
	TriggerEntityCreated   Trigger = "entity_created"
	TriggerStatusChangedTo Trigger = "status_changed_to"
	TriggerSLABreach       Trigger = "sla_breach"
	TriggerWorkItemCreated Trigger = "work_item_created"
	TriggerArtifactUpdated Trigger = "artifact_updated"
)

// StatusDef describes one status in a playbook's flat status list.
type StatusDef struct {
	// ID is the status identifier referenced by entities and rules.
	ID string `json:"id"`

	// Name is the display name for the status.
	Name string `json:"name"`

	// Lane is the swimlane (team or stage grouping) the status belongs to.
	Lane string `json:"lane"`

	// IsInitial marks the status new entities start in.
	// Exactly one status per playbook must set this.
	IsInitial bool `json:"is_initial,omitempty"`

	// SLAHours is the allotted time in this status before an SLA breach is
	// flagged. Zero means the status carries no SLA.
	SLAHours float64 `json:"sla_hours,omitempty"`

	// RequiresReasonCode gates transitions into this status on a supplied
	// reason code (rework/defect tracking).
	RequiresReasonCode bool `json:"requires_reason_code,omitempty"`
}

// RequiredArtifact declares an artifact type that must be present while the
// entity sits in any of the listed statuses.
type RequiredArtifact struct {
	ArtifactType string   `json:"artifact_type"`
	RequiredAt   []string `json:"required_at_statuses"`
}

// RuleConditions narrows when an automation rule fires beyond its trigger.
type RuleConditions struct {
	// MissingArtifacts restricts an sla_breach rule to entities that are
	// missing at least one artifact required at their current status.
	MissingArtifacts bool `json:"missing_artifacts,omitempty"`

	// RiskTiers restricts a work_item_created rule to units whose risk tier
	// is in the list. Empty means any tier.
	RiskTiers []RiskTier `json:"risk_tiers,omitempty"`
}

// AutomationRule binds a trigger to an ordered list of actions.
type AutomationRule struct {
	RuleID string `json:"rule_id"`

	Trigger Trigger `json:"trigger"`

	// TriggerStatus narrows a status_changed_to rule to one target status.
	// Empty matches any status for the trigger.
	TriggerStatus string `json:"trigger_status,omitempty"`

	Conditions RuleConditions `json:"conditions,omitempty"`

	// Actions run in list order. A failing action is logged and does not
	// abort the actions after it.
	Actions ActionList `json:"actions"`
}

// Prerequisite is a health-policy artifact gate: once the entity has
// progressed past the waived statuses, a validated artifact of the given
// type must exist or a fixed penalty applies.
type Prerequisite struct {
	ArtifactType   string   `json:"artifact_type"`
	WaivedAt       []string `json:"waived_at_statuses"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation"`
}

// HealthPolicy configures the playbook-specific portions of health scoring.
// A nil policy skips the intake-gate and prerequisite checks; the generic
// checks (missing artifacts, SLA aging, defects, issue statuses) always run.
type HealthPolicy struct {
	// IntakeStatuses are the early-stage statuses where an open "conflicts"
	// task blocks progress.
	IntakeStatuses []string `json:"intake_statuses,omitempty"`

	// Prerequisites are artifact gates evaluated once the entity is past
	// each gate's waived statuses.
	Prerequisites []Prerequisite `json:"prerequisites,omitempty"`
}

// Playbook is an immutable, versioned process definition ("playbook
// template"). It is loaded once per (category, subcategory) pair and never
// mutated after publish; new versions are new Playbook values.
type Playbook struct {
	// TemplateID identifies the template across versions.
	TemplateID string `json:"template_id"`

	// Version distinguishes published revisions of the same template.
	Version int `json:"version"`

	Name string `json:"name"`

	Statuses []StatusDef `json:"statuses"`

	RequiredArtifacts []RequiredArtifact `json:"required_artifacts,omitempty"`

	AutomationRules []AutomationRule `json:"automation_rules,omitempty"`

	Health *HealthPolicy `json:"health_policy,omitempty"`
}

// Validate checks the playbook's structural invariants:
//   - exactly one status is marked initial
//   - status IDs are unique
//   - rule trigger statuses and required-artifact statuses reference
//     statuses that exist
//
// Returns a ConfigError describing the first problem found.
func (p *Playbook) Validate() error {
	ids := make(map[string]bool, len(p.Statuses))
	initial := 0
	for _, s := range p.Statuses {
		if s.ID == "" {
			return &ConfigError{Message: "status with empty ID in playbook " + p.TemplateID, Code: "EMPTY_STATUS_ID"}
		}
		if ids[s.ID] {
			return &ConfigError{Message: "duplicate status ID: " + s.ID, Code: "DUPLICATE_STATUS"}
		}
		ids[s.ID] = true
		if s.IsInitial {
			initial++
		}
	}
	if initial == 0 {
		return &ConfigError{Message: "playbook " + p.TemplateID + " has no initial status", Code: "NO_INITIAL_STATUS"}
	}
	if initial > 1 {
		return &ConfigError{Message: "playbook " + p.TemplateID + " has multiple initial statuses", Code: "MULTIPLE_INITIAL_STATUSES"}
	}
	for _, r := range p.AutomationRules {
		if r.TriggerStatus != "" && !ids[r.TriggerStatus] {
			return &ConfigError{
				Message: "rule " + r.RuleID + " references unknown status: " + r.TriggerStatus,
				Code:    "UNKNOWN_STATUS_REF",
			}
		}
	}
	for _, ra := range p.RequiredArtifacts {
		for _, at := range ra.RequiredAt {
			if !ids[at] {
				return &ConfigError{
					Message: "required artifact " + ra.ArtifactType + " references unknown status: " + at,
					Code:    "UNKNOWN_STATUS_REF",
				}
			}
		}
	}
	return nil
}

// InitialStatus returns the playbook's unique initial status.
// Zero or multiple initial statuses is a configuration error.
func (p *Playbook) InitialStatus() (StatusDef, error) {
	var found []StatusDef
	for _, s := range p.Statuses {
		if s.IsInitial {
			found = append(found, s)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		var zero StatusDef
		return zero, &ConfigError{Message: "playbook " + p.TemplateID + " has no initial status", Code: "NO_INITIAL_STATUS"}
	default:
		var zero StatusDef
		return zero, &ConfigError{Message: "playbook " + p.TemplateID + " has multiple initial statuses", Code: "MULTIPLE_INITIAL_STATUSES"}
	}
}

// StatusByID looks up a status definition. The second return is false when
// the ID is not part of this playbook.
func (p *Playbook) StatusByID(id string) (StatusDef, bool) {
	for _, s := range p.Statuses {
		if s.ID == id {
			return s, true
		}
	}
	return StatusDef{}, false
}

// RequiredFor returns the artifact requirements that apply at the given
// status.
func (p *Playbook) RequiredFor(statusID string) []RequiredArtifact {
	var out []RequiredArtifact
	for _, ra := range p.RequiredArtifacts {
		for _, at := range ra.RequiredAt {
			if at == statusID {
				out = append(out, ra)
				break
			}
		}
	}
	return out
}

// MissingArtifacts returns the artifact requirements at the given status for
// which no present (received or validated) artifact of the required type
// exists.
func (p *Playbook) MissingArtifacts(statusID string, artifacts []Artifact) []RequiredArtifact {
	var missing []RequiredArtifact
	for _, req := range p.RequiredFor(statusID) {
		found := false
		for _, a := range artifacts {
			if a.ArtifactType == req.ArtifactType && a.Present() {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, req)
		}
	}
	return missing
}

// RulesFor selects the rules matching a trigger and, when the rule declares
// a trigger status, the given status. Selection preserves list order so rule
// execution stays deterministic within one trigger invocation.
func (p *Playbook) RulesFor(trigger Trigger, statusID string) []AutomationRule {
	var out []AutomationRule
	for _, r := range p.AutomationRules {
		if r.Trigger != trigger {
			continue
		}
		if statusID != "" && r.TriggerStatus != "" && r.TriggerStatus != statusID {
			continue
		}
		out = append(out, r)
	}
	return out
}
