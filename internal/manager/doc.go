// Package manager is the control plane's orchestration layer. It owns the
// engine registry, the dispatcher and the context tree, and runs every
// submitted program to completion. It is structured into small files by
// concern:
//
//   - manager.go: core Manager type, constructor, Run loop, engine admin.
//   - config.go: Config and package defaults.
//   - types.go: Session and CompletionTask.
//   - errors.go: error types and helpers (IsSessionNotFound, IsVarNotFound, ...).
//   - admission.go: per-session inflight-chain admission.
//   - scheduler.go: task submission, placement wait and context resolution.
//   - executor.go: the per-chain walk issuing Fill and Generate primitives.
//   - sessions.go: session lifecycle and the variable/submit API.
//   - status_report.go: Status reporting.
//   - events.go, eventpub_memory.go: lifecycle events.
//
// External packages should use public methods only (New, Run, CreateSession,
// Submit, GetVar, Status, ...). Internal types are subject to change.
package manager
