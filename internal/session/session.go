package session

import (
	"context"
	"sync"
	"time"

	"github.com/opencode-ai/agentd/internal/output"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"
)

// Session is one logical conversation bound to one worker process.
// The worker identity never changes for the session's lifetime; resume
// continues the same worker's conversation rather than starting a new
// process.
type Session struct {
	id        string
	directory string
	title     string
	model     string
	createdAt time.Time
	buf       *output.Buffer

	// execMu is the execution gate: held for the whole of one
	// execution (and during startup) and only ever acquired with
	// TryLock, so callers fail fast instead of queuing.
	execMu sync.Mutex

	mu           sync.Mutex
	status       Status
	workerID     string
	resumeToken  string
	lastActivity time.Time
	cancelRun    context.CancelFunc

	// epoch increments on every run start and on destroy; completion
	// handlers carry the epoch they were started under so a stale
	// completion racing a destroy can never transition twice.
	epoch uint64
}

// Summary is the externally visible snapshot of a session, also the
// shape persisted by the manager's save/restore hook.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Directory    string    `json:"directory"`
	Model        string    `json:"model,omitempty"`
	Status       Status    `json:"status"`
	ResumeToken  string    `json:"resumeToken,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Directory() string { return s.directory }

// Buffer returns the session's output buffer.
func (s *Session) Buffer() *output.Buffer { return s.buf }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the last time an execution started or finished.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ResumeToken returns the worker's conversation id, empty until the
// first init event arrives.
func (s *Session) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

// Summary snapshots the session under its lock.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:           s.id,
		Title:        s.title,
		Directory:    s.directory,
		Model:        s.model,
		Status:       s.status,
		ResumeToken:  s.resumeToken,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) setResumeToken(token string) {
	s.mu.Lock()
	s.resumeToken = token
	s.mu.Unlock()
}
