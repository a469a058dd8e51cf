package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencode-ai/agentd/internal/logging"
	"github.com/opencode-ai/agentd/internal/output"
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Level: logging.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

const initLine = `{"type":"system","subtype":"init","session_id":"conv-abc"}` + "\n"

const successBody = `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"writing file"},{"type":"tool_use","name":"Write","input":{"path":"hello.txt"}}]}}` + "\n" +
	`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","content":"ok"}]}}` + "\n" +
	`{"type":"result","subtype":"success","duration_ms":120,"is_error":false}` + "\n"

type sendCall struct {
	workerID string
	prompt   string
	resume   string
}

// fakeAdapter scripts worker behavior per test. Send pops a stream
// from the queue, falling back to a canned successful execution.
type fakeAdapter struct {
	mu       sync.Mutex
	startErr error
	bootBody string
	boot     io.ReadCloser // overrides bootBody when set, consumed once
	nextID   int
	sends    chan io.ReadCloser
	sendErr  error
	calls    []sendCall
	stopped  []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		bootBody: initLine,
		sends:    make(chan io.ReadCloser, 8),
	}
}

func (a *fakeAdapter) Start(ctx context.Context, workDir string) (string, io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return "", nil, a.startErr
	}
	a.nextID++
	id := fmt.Sprintf("worker-%d", a.nextID)
	if a.boot != nil {
		boot := a.boot
		a.boot = nil
		return id, boot, nil
	}
	return id, io.NopCloser(strings.NewReader(a.bootBody)), nil
}

func (a *fakeAdapter) Send(ctx context.Context, workerID, prompt, resumeToken string) (io.ReadCloser, error) {
	a.mu.Lock()
	a.calls = append(a.calls, sendCall{workerID: workerID, prompt: prompt, resume: resumeToken})
	err := a.sendErr
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case stream := <-a.sends:
		return stream, nil
	default:
		return io.NopCloser(strings.NewReader(successBody)), nil
	}
}

func (a *fakeAdapter) Stop(ctx context.Context, workerID string, grace time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = append(a.stopped, workerID)
	return nil
}

func (a *fakeAdapter) Alive(ctx context.Context, workerID string) bool { return true }

func (a *fakeAdapter) stoppedWorkers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.stopped...)
}

func (a *fakeAdapter) sendCalls() []sendCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sendCall(nil), a.calls...)
}

func newTestManager(t *testing.T, adapter *fakeAdapter) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WorkspaceRoots = []string{t.TempDir()}
	cfg.StartTimeout = 5 * time.Second
	return NewManager(cfg, adapter, nil, nil)
}

func createReady(t *testing.T, m *Manager) Summary {
	t.Helper()
	summary, err := m.Create(context.Background(), m.cfg.WorkspaceRoots[0], "test", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	waitStatus(t, m, summary.ID, StatusIdle)
	return summary
}

func waitStatus(t *testing.T, m *Manager, sessionID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := m.Get(sessionID)
		if err == nil && got.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := m.Get(sessionID)
	t.Fatalf("Session never reached %s (last: %+v, err: %v)", want, got, err)
}

func TestManager_CreateStartsInStartingState(t *testing.T) {
	adapter := newFakeAdapter()
	// Gate the handshake so Create's snapshot is taken while the
	// session is still starting.
	r, w := io.Pipe()
	adapter.boot = r
	m := newTestManager(t, adapter)

	summary, err := m.Create(context.Background(), m.cfg.WorkspaceRoots[0], "demo", "fast-model")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if summary.Status != StatusStarting {
		t.Errorf("Expected starting, got %s", summary.Status)
	}
	if summary.ID == "" {
		t.Error("Expected a generated session id")
	}

	if _, err := w.Write([]byte(initLine)); err != nil {
		t.Fatalf("Pipe write failed: %v", err)
	}
	w.Close()

	// The init event confirms readiness and records the resume token.
	waitStatus(t, m, summary.ID, StatusIdle)
	got, err := m.Get(summary.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ResumeToken != "conv-abc" {
		t.Errorf("Expected resume token conv-abc, got %q", got.ResumeToken)
	}

	events, err := m.GetOutput(summary.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetOutput failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != output.TypeInit {
		t.Errorf("Expected a single init event, got %+v", events)
	}
}

func TestManager_CreateRejectsOutsideRoot(t *testing.T) {
	m := newTestManager(t, newFakeAdapter())

	cases := []string{
		"/etc",
		m.cfg.WorkspaceRoots[0] + "/../escape",
		"",
	}
	for _, dir := range cases {
		if _, err := m.Create(context.Background(), dir, "", ""); err != ErrInvalidPath {
			t.Errorf("Create(%q): expected ErrInvalidPath, got %v", dir, err)
		}
	}
}

func TestManager_CreateAcceptsSubdirectory(t *testing.T) {
	m := newTestManager(t, newFakeAdapter())

	sub := m.cfg.WorkspaceRoots[0] + "/proj"
	if _, err := m.Create(context.Background(), sub, "", ""); err != nil {
		t.Errorf("Subdirectory of an allowed root should pass, got %v", err)
	}
}

func TestManager_StartFailureMovesToError(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.startErr = fmt.Errorf("image pull failed")
	m := newTestManager(t, adapter)

	summary, err := m.Create(context.Background(), m.cfg.WorkspaceRoots[0], "", "")
	if err != nil {
		t.Fatalf("Create itself should succeed, got %v", err)
	}
	waitStatus(t, m, summary.ID, StatusError)

	// Observers get unblocked by a synthesized terminal event.
	events, _ := m.GetOutput(summary.ID, 0, 0)
	if len(events) != 1 || events[0].Type != output.TypeTerminal || events[0].Terminal.Status != "error" {
		t.Errorf("Expected synthesized error terminal, got %+v", events)
	}

	// Execute against an error session is rejected with Unavailable.
	if err := m.Execute(context.Background(), summary.ID, "hi"); err != ErrUnavailable {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

func TestManager_BootWithoutInitMovesToError(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.bootBody = `{"type":"progress"}` + "\n"
	m := newTestManager(t, adapter)

	summary, _ := m.Create(context.Background(), m.cfg.WorkspaceRoots[0], "", "")
	waitStatus(t, m, summary.ID, StatusError)
}

func TestManager_ExecuteLifecycle(t *testing.T) {
	adapter := newFakeAdapter()
	m := newTestManager(t, adapter)
	summary := createReady(t, m)

	if err := m.Execute(context.Background(), summary.ID, "write hello.txt"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	waitStatus(t, m, summary.ID, StatusIdle)

	events, err := m.GetOutput(summary.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetOutput failed: %v", err)
	}
	// init (from boot), message, tool_invocation, tool_result, terminal.
	wantTypes := []output.Type{
		output.TypeInit,
		output.TypeMessage,
		output.TypeToolInvocation,
		output.TypeToolResult,
		output.TypeTerminal,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("Expected %d events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("Event %d: expected %s, got %s", i, want, events[i].Type)
		}
	}
	if events[2].ToolInvocation.Name != "Write" {
		t.Errorf("Expected Write invocation, got %s", events[2].ToolInvocation.Name)
	}
	if events[4].Terminal.Status != "success" {
		t.Errorf("Expected success terminal, got %s", events[4].Terminal.Status)
	}

	// The recorded resume token is forwarded to the worker.
	calls := adapter.sendCalls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 send, got %d", len(calls))
	}
	if calls[0].resume != "conv-abc" {
		t.Errorf("Expected resume token conv-abc, got %q", calls[0].resume)
	}
	if calls[0].prompt != "write hello.txt" {
		t.Errorf("Prompt not forwarded: %q", calls[0].prompt)
	}
}

func TestManager_ExecuteBusyRejected(t *testing.T) {
	adapter := newFakeAdapter()
	m := newTestManager(t, adapter)
	summary := createReady(t, m)

	// Hold the first execution open with a pipe.
	r, w := io.Pipe()
	adapter.sends <- r

	if err := m.Execute(context.Background(), summary.ID, "first"); err != nil {
		t.Fatalf("First execute failed: %v", err)
	}
	waitStatus(t, m, summary.ID, StatusRunning)

	// Second execute before the terminal event: rejected, not queued.
	if err := m.Execute(context.Background(), summary.ID, "second"); err != ErrBusy {
		t.Errorf("Expected ErrBusy, got %v", err)
	}

	// Finish the first execution.
	if _, err := w.Write([]byte(`{"type":"result","subtype":"success","duration_ms":5}` + "\n")); err != nil {
		t.Fatalf("Pipe write failed: %v", err)
	}
	w.Close()
	waitStatus(t, m, summary.ID, StatusIdle)

	// The gate is free again.
	if err := m.Execute(context.Background(), summary.ID, "third"); err != nil {
		t.Errorf("Execute after completion failed: %v", err)
	}
	waitStatus(t, m, summary.ID, StatusIdle)
}

func TestManager_ExecuteWhileStartingRejected(t *testing.T) {
	adapter := newFakeAdapter()
	// A boot stream that stays open keeps the session in starting with
	// its execution gate held.
	r, w := io.Pipe()
	adapter.boot = r
	m := newTestManager(t, adapter)

	summary, err := m.Create(context.Background(), m.cfg.WorkspaceRoots[0], "", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Give startWorker a moment to take the boot stream.
	time.Sleep(20 * time.Millisecond)
	if err := m.Execute(context.Background(), summary.ID, "early"); err != ErrBusy {
		t.Errorf("Expected ErrBusy while starting, got %v", err)
	}

	// Complete the handshake and the session becomes executable.
	if _, err := w.Write([]byte(initLine)); err != nil {
		t.Fatalf("Pipe write failed: %v", err)
	}
	w.Close()
	waitStatus(t, m, summary.ID, StatusIdle)
	if err := m.Execute(context.Background(), summary.ID, "now"); err != nil {
		t.Errorf("Execute after handshake failed: %v", err)
	}
}

func TestManager_ExecuteUnknownSession(t *testing.T) {
	m := newTestManager(t, newFakeAdapter())
	if err := m.Execute(context.Background(), "nope", "hi"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := m.GetOutput("nope", 0, 0); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound from GetOutput, got %v", err)
	}
}

func TestManager_WorkerCrashDuringRun(t *testing.T) {
	adapter := newFakeAdapter()
	m := newTestManager(t, adapter)
	summary := createReady(t, m)

	// Stream ends after partial output with no terminal event.
	crash := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"half"}]}}` + "\n"
	adapter.sends <- io.NopCloser(strings.NewReader(crash))

	if err := m.Execute(context.Background(), summary.ID, "doomed"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	waitStatus(t, m, summary.ID, StatusError)

	events, _ := m.GetOutput(summary.ID, 0, 0)
	last := events[len(events)-1]
	if last.Type != output.TypeTerminal || last.Terminal.Status != "error" {
		t.Errorf("Expected synthesized error terminal, got %+v", last)
	}
}

func TestManager_DestroyIdleSession(t *testing.T) {
	adapter := newFakeAdapter()
	m := newTestManager(t, adapter)
	summary := createReady(t, m)

	if err := m.Destroy(context.Background(), summary.ID); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if _, err := m.Get(summary.ID); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound after destroy, got %v", err)
	}
	if err := m.Execute(context.Background(), summary.ID, "hi"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound from execute, got %v", err)
	}
	if got := adapter.stoppedWorkers(); len(got) != 1 {
		t.Errorf("Expected worker stop, got %v", got)
	}

	// Second destroy: idempotent, no error.
	if err := m.Destroy(context.Background(), summary.ID); err != nil {
		t.Errorf("Second destroy should be a no-op, got %v", err)
	}
}

func TestManager_DestroyMidRun(t *testing.T) {
	adapter := newFakeAdapter()
	m := newTestManager(t, adapter)
	summary := createReady(t, m)

	r, w := io.Pipe()
	adapter.sends <- r
	defer w.Close()

	if err := m.Execute(context.Background(), summary.ID, "long task"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	waitStatus(t, m, summary.ID, StatusRunning)

	sub, buf, err := m.Subscribe(summary.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_ = sub

	if err := m.Destroy(context.Background(), summary.ID); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if got := adapter.stoppedWorkers(); len(got) != 1 {
		t.Errorf("Expected worker stop during destroy, got %v", got)
	}
	if _, err := m.Get(summary.ID); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	// Subscriber set is cleared without error.
	deadline := time.Now().Add(2 * time.Second)
	for buf.Observers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Observers were not cleared by destroy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The late natural completion must not resurrect the session.
	w.Write([]byte(`{"type":"result","subtype":"success","duration_ms":5}` + "\n"))
	w.Close()
	time.Sleep(50 * time.Millisecond)
	if _, err := m.Get(summary.ID); err != ErrNotFound {
		t.Errorf("Completed run resurrected a destroyed session: %v", err)
	}
}

func TestManager_TwoSessionsRunConcurrently(t *testing.T) {
	adapter := newFakeAdapter()
	m := newTestManager(t, adapter)
	first := createReady(t, m)
	second := createReady(t, m)

	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	adapter.sends <- r1
	adapter.sends <- r2

	if err := m.Execute(context.Background(), first.ID, "a"); err != nil {
		t.Fatalf("Execute first failed: %v", err)
	}
	// No global lock: the second session accepts while the first runs.
	if err := m.Execute(context.Background(), second.ID, "b"); err != nil {
		t.Fatalf("Execute second failed: %v", err)
	}

	for _, w := range []*io.PipeWriter{w1, w2} {
		w.Write([]byte(`{"type":"result","subtype":"success","duration_ms":1}` + "\n"))
		w.Close()
	}
	waitStatus(t, m, first.ID, StatusIdle)
	waitStatus(t, m, second.ID, StatusIdle)
}

func TestManager_ListSortedByCreation(t *testing.T) {
	m := newTestManager(t, newFakeAdapter())
	a := createReady(t, m)
	b := createReady(t, m)

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(list))
	}
	if list[0].ID != a.ID || list[1].ID != b.ID {
		t.Errorf("Expected creation order %s,%s, got %s,%s", a.ID, b.ID, list[0].ID, list[1].ID)
	}
}

func TestManager_SubscribeReplaysHistory(t *testing.T) {
	adapter := newFakeAdapter()
	m := newTestManager(t, adapter)
	summary := createReady(t, m)

	if err := m.Execute(context.Background(), summary.ID, "task"); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	waitStatus(t, m, summary.ID, StatusIdle)

	sub, buf, err := m.Subscribe(summary.ID, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer buf.Unsubscribe(sub.ID)

	var got []output.Event
	timeout := time.After(2 * time.Second)
	for len(got) < 5 {
		select {
		case ev := <-sub.Events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("Timed out after %d events", len(got))
		}
	}
	if got[0].Type != output.TypeInit || got[4].Type != output.TypeTerminal {
		t.Errorf("Replay out of order: %+v", got)
	}
}
