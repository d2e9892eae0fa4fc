// Package invoke defines the capability-execution collaborator: the single
// function a unit or sub-unit performs when the orchestrator dispatches it.
//
// The engine core is entirely agnostic to what a capability does. Tests
// substitute the deterministic Mock; production wires one of the provider
// subpackages (invoke/anthropic, invoke/openai, invoke/google), which call
// the respective generative-model SDKs.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Call describes one capability invocation: which unit or sub-unit is
// running, the task type it declares, and the input payload.
type Call struct {
	WorkItemID string `json:"work_item_id"`

	UnitID   string `json:"unit_id"`
	UnitName string `json:"unit_name"`

	// SubUnitID and SubUnitName are set for sub-unit invocations.
	SubUnitID   string `json:"sub_unit_id,omitempty"`
	SubUnitName string `json:"sub_unit_name,omitempty"`

	// TaskType describes the capability invoked (analysis, generation,
	// validation, qa, ...).
	TaskType string `json:"task_type"`

	Input map[string]any `json:"input,omitempty"`
}

// Name returns the sub-unit name for sub-unit calls, otherwise the unit
// name. Mock keys its canned behavior by this name.
func (c Call) Name() string {
	if c.SubUnitName != "" {
		return c.SubUnitName
	}
	return c.UnitName
}

// Invoker performs the actual work behind a unit or sub-unit. The returned
// map is recorded as the invocation's output. Implementations must respect
// context cancellation; any returned error is an execution failure the
// orchestrator propagates.
type Invoker interface {
	Invoke(ctx context.Context, call Call) (map[string]any, error)
}

// Prompt renders a call into the instruction text the provider subpackages
// send to their model. The output contract is a single JSON object so the
// response can be decoded directly into the call's output map.
func Prompt(call Call) string {
	var sb strings.Builder
	sb.WriteString("You are executing the ")
	fmt.Fprintf(&sb, "%q", call.Name())
	sb.WriteString(" step of an automated workflow. Task type: ")
	sb.WriteString(call.TaskType)
	sb.WriteString(".\n\n")
	if len(call.Input) > 0 {
		sb.WriteString("Input data:\n")
		raw, err := json.MarshalIndent(call.Input, "", "  ")
		if err != nil {
			fmt.Fprintf(&sb, "%v", call.Input)
		} else {
			sb.Write(raw)
		}
		sb.WriteString("\n\n")
	}
	sb.WriteString("Perform the task and respond ONLY with a single valid JSON object describing the result. No markdown, no explanation.")
	return sb.String()
}

// DecodeOutput parses a model response into an output map. A response that
// is not a JSON object is preserved under a "text" key rather than treated
// as a failure: capability output shape is the provider's business, not the
// orchestrator's.
func DecodeOutput(response string) map[string]any {
	trimmed := strings.TrimSpace(response)
	// Models occasionally wrap JSON in a code fence despite instructions.
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		return out
	}
	return map[string]any{"text": response}
}
