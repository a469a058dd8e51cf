package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opencode-ai/agentd/internal/event"
	"github.com/opencode-ai/agentd/internal/session"
)

// sseEventNames extracts the event names from a recorded SSE body in
// order.
func sseEventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestSessionEvents_ReplayThenEnd(t *testing.T) {
	ts := setupTestServer(t)
	summary := ts.createSession(t)

	// One completed execution so there is history to replay.
	ts.do(t, "POST", "/session/"+summary.ID+"/message", SendMessageRequest{Prompt: "go"})
	ts.waitIdle(t, summary.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/session/"+summary.ID+"/events?from=0", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		ts.srv.Router().ServeHTTP(w, req)
		close(done)
	}()

	// Let the replay drain, then destroy the session to end the stream.
	time.Sleep(100 * time.Millisecond)
	ts.do(t, "DELETE", "/session/"+summary.ID, nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler did not finish after destroy")
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %q", ct)
	}

	names := sseEventNames(w.Body.String())
	want := []string{"status", "init", "message", "terminal", "end"}
	if len(names) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestSessionEvents_ResumeCursorSkipsHistory(t *testing.T) {
	ts := setupTestServer(t)
	summary := ts.createSession(t)

	ts.do(t, "POST", "/session/"+summary.ID+"/message", SendMessageRequest{Prompt: "go"})
	ts.waitIdle(t, summary.ID)

	// History holds init, message, terminal. from=2 replays only the
	// terminal event.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("GET", "/session/"+summary.ID+"/events?from=2", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		ts.srv.Router().ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	ts.do(t, "DELETE", "/session/"+summary.ID, nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler did not finish after destroy")
	}

	names := sseEventNames(w.Body.String())
	want := []string{"status", "terminal", "end"}
	if len(names) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, names)
	}
}

func TestSessionEvents_NotFound(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, "GET", "/session/nonexistent/events", nil)
	if w.Code != 404 {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestSessionEvents_BadCursor(t *testing.T) {
	ts := setupTestServer(t)
	summary := ts.createSession(t)

	w := ts.do(t, "GET", "/session/"+summary.ID+"/events?from=-3", nil)
	if w.Code != 400 {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestGlobalEvents_LifecycleFeed(t *testing.T) {
	adapter := newStubAdapter()
	cfg := session.DefaultConfig()
	cfg.WorkspaceRoots = []string{t.TempDir()}
	bus := event.NewBus()
	manager := session.NewManager(cfg, adapter, bus, nil)

	serverCfg := DefaultConfig()
	serverCfg.AuthDisabled = true
	srv := New(serverCfg, manager, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest("GET", "/event", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		srv.Router().ServeHTTP(w, req)
		close(done)
	}()

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	if _, err := manager.Create(context.Background(), cfg.WorkspaceRoots[0], "", ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SSE handler did not finish after cancel")
	}

	names := sseEventNames(w.Body.String())
	if len(names) == 0 || names[0] != "server.connected" {
		t.Fatalf("Expected server.connected first, got %v", names)
	}
	found := false
	for _, name := range names {
		if name == "session.created" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a session.created event, got %v", names)
	}
}
