// Package session implements the broker core: the per-session state
// machine, the manager that owns the session registry and serializes
// execution, and the cleanup worker that reclaims idle sessions.
//
// Each session binds one worker process, one output buffer, and one
// execution gate. Execution is strictly serialized per session and
// never across sessions; a second prompt against a running session is
// rejected, not queued, because the worker has no notion of queued
// input.
package session
