package matter

import "strings"

// ConfigError reports an invalid process or sub-unit configuration.
//
// Configuration errors are fatal for the operation that surfaced them: a
// playbook with zero or multiple initial statuses, an automation rule
// referencing a status that does not exist, or a sub-unit graph with a cycle
// or a dependency on a nonexistent sibling. They are never resolved silently.
type ConfigError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code for programmatic handling.
	Code string
}

func (e *ConfigError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ValidationError reports recoverable caller input problems: a transition to
// an unknown status, a missing reason code on a gated transition, or an
// unknown/inactive unit submitted for execution.
//
// The operation that returns a ValidationError applies no state change.
type ValidationError struct {
	// Message is the human-readable error description.
	Message string

	// Fields lists the missing or invalid fields, when known.
	Fields []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return e.Message + " (fields: " + strings.Join(e.Fields, ", ") + ")"
}
