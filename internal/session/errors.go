package session

import "errors"

// The closed error taxonomy callers of the manager see. Asynchronous
// worker failures never surface here; they show up as the session's
// status and a synthesized terminal event in its buffer.
var (
	// ErrInvalidPath rejects a working directory outside the allowed
	// workspace roots. Raised at create, before any worker starts.
	ErrInvalidPath = errors.New("working directory outside allowed workspace roots")

	// ErrNotFound means the session id is unknown or already
	// destroyed.
	ErrNotFound = errors.New("session not found")

	// ErrBusy rejects an execute against a session whose execution
	// gate is held (running, or still starting).
	ErrBusy = errors.New("session is busy")

	// ErrUnavailable rejects an execute against a session in error
	// state; it must be destroyed and recreated.
	ErrUnavailable = errors.New("session unavailable: destroy and recreate it")
)
