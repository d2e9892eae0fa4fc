// Package matter defines the domain model for the workflow lifecycle and
// agent orchestration engine.
//
// The central aggregate is the Entity (a "matter"): a long-lived business
// object that moves through the staged process described by its bound
// Playbook. A Playbook is an immutable, versioned process definition carrying
// status definitions, required artifacts, and trigger-action automation
// rules. Work delegated to executable capabilities is modeled as Units and
// their SubUnits, requested through WorkItems and audited through RunLogs
// under GovernanceRule policies.
//
// Everything in this package is plain data plus pure functions (health
// scoring, run-stat accumulation, playbook validation). Persistence,
// side effects, and scheduling live in the store, flow, and agent packages.
package matter
