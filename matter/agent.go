package matter

import "time"

// WorkItemStatus is the state machine of a WorkItem:
//
//	pending → processing → {completed | failed | awaiting_approval}
//	awaiting_approval → {approved | rejected}
//
// A work item with RequiresApproval set must pass through approved before it
// can complete; rejected is terminal.
type WorkItemStatus string

// Work item statuses.
const (
	WorkPending          WorkItemStatus = "pending"
	WorkProcessing       WorkItemStatus = "processing"
	WorkAwaitingApproval WorkItemStatus = "awaiting_approval"
	WorkApproved         WorkItemStatus = "approved"
	WorkRejected         WorkItemStatus = "rejected"
	WorkCompleted        WorkItemStatus = "completed"
	WorkFailed           WorkItemStatus = "failed"
)

// RunType distinguishes full-unit runs from sub-unit runs in run logs and
// governance evaluation.
type RunType string

// Run types.
const (
	RunFull    RunType = "full"
	RunSubUnit RunType = "sub_unit"
)

// RunStatus is the state of one execution attempt.
type RunStatus string

// Run statuses.
const (
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// WorkItem ("work order") is a request to execute a unit, carrying input,
// output, and approval state.
type WorkItem struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id,omitempty"`
	UnitID   string `json:"unit_id"`

	Status   WorkItemStatus `json:"status"`
	Priority Priority       `json:"priority,omitempty"`

	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`

	RequiresApproval bool `json:"requires_approval,omitempty"`

	// CanSendExternally is cleared by the block_external_send automation
	// action and consulted by delivery layers outside this engine.
	CanSendExternally bool `json:"can_send_externally,omitempty"`

	ApprovedBy      string     `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`

	ErrorMessage string     `json:"error_message,omitempty"`
	ElapsedMS    int64      `json:"elapsed_ms,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Unit ("agent") is an executable capability registered in the directory.
type Unit struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Type groups units for governance rule matching (appliesToUnitTypes).
	Type string `json:"type"`

	Capabilities []string `json:"capabilities,omitempty"`

	RiskTier              RiskTier `json:"risk_tier"`
	RequiresHumanApproval bool     `json:"requires_human_approval,omitempty"`
	CanTriggerSubUnits    bool     `json:"can_trigger_sub_units,omitempty"`

	Active bool `json:"active"`

	Stats RunStats `json:"stats"`
}

// SubUnit ("sub-agent") is a child step of a unit with declared parallelism
// and sibling dependencies. The sub-unit graph of a parent must be acyclic
// and DependsOn may only name siblings.
type SubUnit struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Name     string `json:"name"`

	// Order is the stored execution position for sequential sub-units.
	Order int `json:"order"`

	// IsParallel sub-units are dispatched concurrently before any
	// sequential sibling runs. Parallel sub-units must not declare
	// dependencies.
	IsParallel bool `json:"is_parallel,omitempty"`

	// DependsOn names sibling sub-units whose output must exist before this
	// one starts.
	DependsOn []string `json:"depends_on,omitempty"`

	// TaskType describes the capability invoked (analysis, generation,
	// validation, qa, ...). Opaque to the orchestrator.
	TaskType string `json:"task_type"`

	RetryOnFailure bool `json:"retry_on_failure,omitempty"`
	MaxRetries     int  `json:"max_retries,omitempty"`

	Active bool `json:"active"`

	Stats RunStats `json:"stats"`
}

// ValidateSubUnits checks a parent's sub-unit set before any execution:
//   - names are unique
//   - every dependency names an existing sibling
//   - parallel sub-units declare no dependencies
//   - the dependency graph is acyclic
//
// Any failure is a ConfigError and must surface before execution starts.
func ValidateSubUnits(subs []SubUnit) error {
	byName := make(map[string]*SubUnit, len(subs))
	for i := range subs {
		su := &subs[i]
		if _, dup := byName[su.Name]; dup {
			return &ConfigError{Message: "duplicate sub-unit name: " + su.Name, Code: "DUPLICATE_SUB_UNIT"}
		}
		byName[su.Name] = su
	}
	for _, su := range subs {
		for _, dep := range su.DependsOn {
			if _, ok := byName[dep]; !ok {
				return &ConfigError{
					Message: "sub-unit " + su.Name + " depends on unknown sibling: " + dep,
					Code:    "UNKNOWN_DEPENDENCY",
				}
			}
			if su.IsParallel {
				return &ConfigError{
					Message: "parallel sub-unit " + su.Name + " declares dependency on " + dep,
					Code:    "PARALLEL_DEPENDENCY",
				}
			}
		}
	}

	// Cycle detection by iterative DFS over the dependency edges.
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(subs))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return &ConfigError{Message: "sub-unit dependency cycle involving: " + name, Code: "DEPENDENCY_CYCLE"}
		case done:
			return nil
		}
		state[name] = visiting
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for name := range byName {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// RunLog is the immutable append-only record of one execution attempt.
type RunLog struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`

	UnitID    string `json:"unit_id,omitempty"`
	SubUnitID string `json:"sub_unit_id,omitempty"`

	RunType RunType   `json:"run_type"`
	Status  RunStatus `json:"status"`

	InputData  map[string]any `json:"input_data,omitempty"`
	OutputData map[string]any `json:"output_data,omitempty"`

	GovernancePassed bool        `json:"governance_passed"`
	Violations       []Violation `json:"violations,omitempty"`
	ApprovalRequired bool        `json:"approval_required,omitempty"`

	// Attempts counts execution attempts including retries.
	Attempts int `json:"attempts,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	Actor        string `json:"actor,omitempty"`

	ElapsedMS   int64      `json:"elapsed_ms,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RuleType is the kind of governance policy a rule enforces.
type RuleType string

// Governance rule types.
const (
	RuleApprovalGate  RuleType = "approval_gate"
	RuleContentFilter RuleType = "content_filter"
	RuleRateLimit     RuleType = "rate_limit"
)

// ViolationAction is the declared consequence of a rule violation, consumed
// by a single decision function rather than embedded in rule-type branches.
type ViolationAction string

// Violation consequences.
const (
	ViolationBlock           ViolationAction = "block"
	ViolationRequireApproval ViolationAction = "require_approval"
	ViolationWarn            ViolationAction = "warn"
)

// RuleConfig carries the type-specific governance rule settings.
type RuleConfig struct {
	// Patterns are the blocked substrings for a content_filter rule,
	// matched case-insensitively against the serialized input.
	Patterns []string `json:"patterns,omitempty"`

	// MaxPerHour is the trailing 1-hour run ceiling for a rate_limit rule.
	MaxPerHour int `json:"max_per_hour,omitempty"`
}

// GovernanceRule is a policy check evaluated before unit execution.
type GovernanceRule struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type RuleType `json:"type"`

	// AppliesToUnitTypes lists unit types this rule covers; "*" matches all.
	AppliesToUnitTypes []string `json:"applies_to_unit_types"`

	Config RuleConfig `json:"config"`

	Severity    string          `json:"severity"`
	OnViolation ViolationAction `json:"on_violation"`

	// Priority orders evaluation, highest first. Every applicable rule is
	// evaluated regardless of earlier outcomes.
	Priority int `json:"priority"`

	Active      bool   `json:"active"`
	Description string `json:"description,omitempty"`
}

// AppliesTo reports whether the rule covers the given unit type.
func (r *GovernanceRule) AppliesTo(unitType string) bool {
	for _, t := range r.AppliesToUnitTypes {
		if t == "*" || t == unitType {
			return true
		}
	}
	return false
}

// Violation is one governance rule violation. Violations are structured
// results, not errors: the caller decides whether the overall decision means
// blocked or awaiting approval.
type Violation struct {
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Severity string          `json:"severity"`
	Action   ViolationAction `json:"action"`
	Message  string          `json:"message"`
}
