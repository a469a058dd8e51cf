package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/output"
	"github.com/opencode-ai/agentd/internal/runtime"
	"github.com/opencode-ai/agentd/internal/storage"
)

// scanBufSize bounds a single worker output line (1MB, matching the
// worker's NDJSON framing).
const scanBufSize = 1024 * 1024

// Config holds the manager's tunables.
type Config struct {
	// WorkspaceRoots are the directories sessions may work under.
	// Empty means every create is rejected with ErrInvalidPath.
	WorkspaceRoots []string

	// IdleThreshold is the inactivity age after which the cleanup
	// worker reclaims an idle session.
	IdleThreshold time.Duration

	// SweepInterval is how often the cleanup worker runs.
	SweepInterval time.Duration

	// StopGrace is how long a worker gets to exit gracefully before
	// it is killed.
	StopGrace time.Duration

	// StartTimeout bounds worker launch plus handshake.
	StartTimeout time.Duration

	// ObserverQueueSize is the per-observer delivery queue bound for
	// output buffers.
	ObserverQueueSize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:     48 * time.Hour,
		SweepInterval:     time.Hour,
		StopGrace:         10 * time.Second,
		StartTimeout:      60 * time.Second,
		ObserverQueueSize: output.DefaultQueueSize,
	}
}

// Manager owns the session registry and is the single entry point for
// both client protocols. Registry mutation is serialized; operations
// against different sessions run concurrently.
type Manager struct {
	cfg     Config
	adapter runtime.Adapter
	bus     *event.Bus
	store   *storage.Storage // nil disables the save/restore hook

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager. store may be nil when durability is
// not wanted.
func NewManager(cfg Config, adapter runtime.Adapter, bus *event.Bus, store *storage.Storage) *Manager {
	def := DefaultConfig()
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.ObserverQueueSize <= 0 {
		cfg.ObserverQueueSize = def.ObserverQueueSize
	}
	return &Manager{
		cfg:      cfg,
		adapter:  adapter,
		bus:      bus,
		store:    store,
		sessions: make(map[string]*Session),
	}
}

// Create validates the working directory, registers a new session in
// starting state and launches its worker in the background. It returns
// before the worker is ready; readiness is observable as the buffer's
// init event and the idle status.
func (m *Manager) Create(ctx context.Context, directory, title, model string) (Summary, error) {
	dir, err := m.resolveDirectory(directory)
	if err != nil {
		return Summary{}, err
	}

	now := time.Now()
	s := &Session{
		id:           ulid.Make().String(),
		directory:    dir,
		title:        title,
		model:        model,
		createdAt:    now,
		lastActivity: now,
		status:       StatusStarting,
	}
	s.buf = output.NewBuffer(s.id, output.WithQueueSize(m.cfg.ObserverQueueSize))
	s.buf.SetStatus(string(StatusStarting))

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	// The startup monitor holds the execution gate until the worker
	// reports ready, so early execute calls fail fast with Busy.
	s.execMu.Lock()
	go m.startWorker(s)

	summary := s.Summary()
	m.publish(event.SessionCreated, summary)
	logging.Info().Str("session", s.id).Str("directory", dir).Msg("session created")
	return summary, nil
}

// resolveDirectory cleans the path and checks it lies within one of
// the allowed workspace roots.
func (m *Manager) resolveDirectory(directory string) (string, error) {
	if directory == "" {
		return "", ErrInvalidPath
	}
	abs, err := filepath.Abs(directory)
	if err != nil {
		return "", ErrInvalidPath
	}
	abs = filepath.Clean(abs)

	for _, root := range m.cfg.WorkspaceRoots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(rootAbs, abs)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return abs, nil
	}
	return "", ErrInvalidPath
}

// startWorker launches the worker and consumes its boot stream until
// the init event confirms readiness. Runs with the execution gate held.
func (m *Manager) startWorker(s *Session) {
	defer s.execMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StartTimeout)
	defer cancel()

	workerID, boot, err := m.adapter.Start(ctx, s.directory)
	if err != nil {
		logging.Error().Err(err).Str("session", s.id).Msg("worker start failed")
		m.failStartup(s)
		return
	}

	s.mu.Lock()
	destroyed := s.status == StatusDestroyed
	s.workerID = workerID
	s.mu.Unlock()
	if destroyed {
		// Destroy raced the launch; the worker is ours to reap.
		boot.Close()
		if err := m.adapter.Stop(context.Background(), workerID, m.cfg.StopGrace); err != nil {
			logging.Warn().Err(err).Str("worker", workerID).Msg("stop after raced destroy failed")
		}
		return
	}

	ready := false
	scanner := bufio.NewScanner(boot)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)
	for scanner.Scan() {
		for _, ev := range m.parseLine(s, scanner.Bytes()) {
			if ev.Type == output.TypeInit {
				s.setResumeToken(ev.Init.SessionID)
				ready = true
			}
			s.buf.Append(ev)
		}
	}
	boot.Close()

	if !ready {
		logging.Error().Str("session", s.id).Msg("worker exited before init")
		m.failStartup(s)
		return
	}

	if m.compareAndSetStatus(s, StatusStarting, StatusIdle) {
		m.publish(event.SessionUpdated, s.Summary())
		logging.Info().Str("session", s.id).Str("worker", workerID).Msg("worker ready")
	}
}

// failStartup moves a session that never became ready into error state
// and unblocks any observers with a synthesized terminal event.
func (m *Manager) failStartup(s *Session) {
	if !m.compareAndSetStatus(s, StatusStarting, StatusError) {
		return
	}
	s.buf.Append(output.Event{
		Type:     output.TypeTerminal,
		Terminal: &output.Terminal{Status: "error"},
	})
	m.publish(event.SessionUpdated, s.Summary())
}

// compareAndSetStatus transitions only if the session is still in the
// expected state; a concurrent destroy wins otherwise.
func (m *Manager) compareAndSetStatus(s *Session, from, to Status) bool {
	s.mu.Lock()
	if s.status != from {
		s.mu.Unlock()
		return false
	}
	s.status = to
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.buf.SetStatus(string(to))
	return true
}

// Execute runs a prompt against an idle session. It returns once the
// execution is accepted; output streams through the session's buffer.
func (m *Manager) Execute(ctx context.Context, sessionID, prompt string) error {
	s := m.get(sessionID)
	if s == nil {
		return ErrNotFound
	}

	switch s.Status() {
	case StatusError:
		return ErrUnavailable
	case StatusDestroyed:
		return ErrNotFound
	}

	if !s.execMu.TryLock() {
		return ErrBusy
	}

	s.mu.Lock()
	if s.status != StatusIdle {
		status := s.status
		s.mu.Unlock()
		s.execMu.Unlock()
		switch status {
		case StatusError:
			return ErrUnavailable
		case StatusDestroyed:
			return ErrNotFound
		default:
			return ErrBusy
		}
	}
	s.status = StatusRunning
	s.lastActivity = time.Now()
	s.epoch++
	epoch := s.epoch
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	workerID := s.workerID
	token := s.resumeToken
	s.mu.Unlock()

	s.buf.SetStatus(string(StatusRunning))
	m.publish(event.SessionUpdated, s.Summary())

	go m.runPrompt(runCtx, s, epoch, workerID, prompt, token)
	return nil
}

// runPrompt owns one execution: it forwards the prompt, pumps parsed
// events into the buffer and performs the completion transition.
func (m *Manager) runPrompt(ctx context.Context, s *Session, epoch uint64, workerID, prompt, token string) {
	stream, err := m.adapter.Send(ctx, workerID, prompt, token)
	if err != nil {
		logging.Error().Err(err).Str("session", s.id).Msg("worker send failed")
		m.synthesizeCrash(s)
		m.complete(s, epoch, StatusError)
		return
	}
	defer stream.Close()

	sawTerminal := false
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), scanBufSize)
	for scanner.Scan() {
		for _, ev := range m.parseLine(s, scanner.Bytes()) {
			if ev.Type == output.TypeInit {
				// First execute on a fresh worker: record the token
				// for future resumes.
				s.setResumeToken(ev.Init.SessionID)
			}
			if ev.Type == output.TypeTerminal {
				sawTerminal = true
			}
			s.buf.Append(ev)
		}
	}

	if sawTerminal {
		// A terminal event, success or error outcome alike, means the
		// worker finished the call and is still alive.
		m.complete(s, epoch, StatusIdle)
		return
	}

	// Stream ended without a terminal event: the worker died
	// mid-execution.
	logging.Warn().Str("session", s.id).Msg("worker stream ended without terminal event")
	m.synthesizeCrash(s)
	m.complete(s, epoch, StatusError)
}

// synthesizeCrash appends the terminal event in-flight observers need
// when the worker dies without sending one.
func (m *Manager) synthesizeCrash(s *Session) {
	s.buf.Append(output.Event{
		Type:     output.TypeTerminal,
		Terminal: &output.Terminal{Status: "error"},
	})
}

// complete performs the end-of-execution transition exactly once. The
// epoch guard makes it a no-op when a destroy (or any newer
// transition) already won the race.
func (m *Manager) complete(s *Session, epoch uint64, to Status) {
	s.mu.Lock()
	if s.epoch != epoch || s.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	s.status = to
	s.lastActivity = time.Now()
	s.cancelRun = nil
	s.mu.Unlock()

	s.buf.SetStatus(string(to))
	s.execMu.Unlock()
	m.publish(event.SessionUpdated, s.Summary())
}

// parseLine parses one raw output line, logging and skipping failures
// so a malformed line never takes the session down.
func (m *Manager) parseLine(s *Session, line []byte) []output.Event {
	events, err := output.Parse(line)
	if err != nil {
		logging.Warn().Err(err).Str("session", s.id).Msg("skipping malformed worker output line")
		return nil
	}
	return events
}

// GetOutput returns the most recent buffered events, bounded by count
// and serialized size. Zero means unbounded.
func (m *Manager) GetOutput(sessionID string, maxEvents, maxBytes int) ([]output.Event, error) {
	s := m.get(sessionID)
	if s == nil {
		return nil, ErrNotFound
	}
	return s.buf.Snapshot(maxEvents, maxBytes), nil
}

// Subscribe attaches an observer to a session's buffer, replaying from
// the given index first.
func (m *Manager) Subscribe(sessionID string, from int) (*output.Subscription, *output.Buffer, error) {
	s := m.get(sessionID)
	if s == nil {
		return nil, nil, ErrNotFound
	}
	return s.buf.Subscribe(from), s.buf, nil
}

// Get returns a session's summary.
func (m *Manager) Get(sessionID string) (Summary, error) {
	s := m.get(sessionID)
	if s == nil {
		return Summary{}, ErrNotFound
	}
	return s.Summary(), nil
}

// List returns summaries of all live sessions, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	summaries := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// Sessions returns the live session objects. Used by the cleanup
// worker.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Destroy removes the session, stops its worker (graceful, then forced
// after the grace period) and detaches all observers. Destroying an
// unknown or already destroyed session is a no-op.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	s.mu.Lock()
	prev := s.status
	s.status = StatusDestroyed
	s.lastActivity = time.Now()
	s.epoch++
	cancel := s.cancelRun
	s.cancelRun = nil
	workerID := s.workerID
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if workerID != "" {
		if err := m.adapter.Stop(ctx, workerID, m.cfg.StopGrace); err != nil {
			logging.Warn().Err(err).Str("session", sessionID).Str("worker", workerID).
				Msg("worker stop failed during destroy")
		}
	}

	s.buf.SetStatus(string(StatusDestroyed))
	s.buf.Close()

	summary := s.Summary()
	if m.store != nil {
		if err := m.store.Delete(ctx, []string{"sessions", sessionID}); err != nil {
			logging.Warn().Err(err).Str("session", sessionID).Msg("snapshot delete failed")
		}
	}
	m.publish(event.SessionDeleted, summary)
	logging.Info().Str("session", sessionID).Str("from", string(prev)).Msg("session destroyed")
	return nil
}

// SaveSnapshot persists every live session's summary. Event history is
// memory-only and intentionally not saved.
func (m *Manager) SaveSnapshot(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	var firstErr error
	for _, s := range m.Sessions() {
		summary := s.Summary()
		if err := m.store.Put(ctx, []string{"sessions", summary.ID}, summary); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestoreSnapshot loads previously saved session summaries. Restored
// sessions come back in error state: their workers did not survive the
// restart, so clients must destroy and recreate them. The summaries
// keep ids, directories and timestamps visible in listings.
func (m *Manager) RestoreSnapshot(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Scan(ctx, []string{"sessions"}, func(id string, data json.RawMessage) error {
		var summary Summary
		if err := json.Unmarshal(data, &summary); err != nil {
			return fmt.Errorf("decode session snapshot %s: %w", id, err)
		}
		s := &Session{
			id:           summary.ID,
			directory:    summary.Directory,
			title:        summary.Title,
			model:        summary.Model,
			createdAt:    summary.CreatedAt,
			lastActivity: summary.LastActivity,
			resumeToken:  summary.ResumeToken,
			status:       StatusError,
			buf:          output.NewBuffer(summary.ID, output.WithQueueSize(m.cfg.ObserverQueueSize)),
		}
		s.buf.SetStatus(string(StatusError))

		m.mu.Lock()
		m.sessions[s.id] = s
		m.mu.Unlock()
		return nil
	})
}

// Shutdown saves the snapshot and stops every worker. Sessions are not
// destroyed: their summaries stay on disk for the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.SaveSnapshot(ctx)

	for _, s := range m.Sessions() {
		s.mu.Lock()
		cancel := s.cancelRun
		workerID := s.workerID
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if workerID != "" {
			if stopErr := m.adapter.Stop(ctx, workerID, m.cfg.StopGrace); stopErr != nil {
				logging.Warn().Err(stopErr).Str("session", s.id).Msg("worker stop failed during shutdown")
			}
		}
		s.buf.Close()
	}
	return err
}

func (m *Manager) get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) publish(t event.Type, summary Summary) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event.Event{Type: t, Data: summary})
}
