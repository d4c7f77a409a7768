package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/sessionbridge/internal/backend"
	"github.com/ashureev/sessionbridge/internal/eventbus"
	"github.com/ashureev/sessionbridge/internal/gatekeeper"
	"github.com/ashureev/sessionbridge/internal/gateway"
	"github.com/ashureev/sessionbridge/internal/unified"
)

// fakeSession is a minimal in-memory backend.Session for exercising the
// Runtime without a real child process.
type fakeSession struct {
	mu       sync.Mutex
	sent     []unified.Message
	rawSent  [][]byte
	messages chan unified.Message
	errs     chan error
	closed   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		messages: make(chan unified.Message, 16),
		errs:     make(chan error, 1),
	}
}

func (f *fakeSession) SessionID() string { return "fake-backend-session" }

func (f *fakeSession) Send(ctx context.Context, msg unified.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSession) SendRaw(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawSent = append(f.rawSent, frame)

	// Echo a control_response carrying the same JSON-RPC id, mirroring a
	// real adapter's capabilities handshake reply, so capability-handshake
	// tests can observe capabilities_ready without a real adapter.
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame, &req); err == nil && req.ID != "" {
		go func() {
			resp := unified.New(unified.TypeControlResponse, unified.RoleSystem)
			resp.Metadata["request_id"] = req.ID
			f.messages <- resp
		}()
	}
	return nil
}

func (f *fakeSession) Messages() <-chan unified.Message { return f.messages }
func (f *fakeSession) Errors() <-chan error              { return f.errs }

func (f *fakeSession) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.messages)
	}
	return nil
}

func (f *fakeSession) push(msg unified.Message) { f.messages <- msg }

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeAdapter struct {
	name string
	sess *fakeSession
	err  error
}

func (a *fakeAdapter) Connect(ctx context.Context, opts backend.ConnectOptions) (backend.Session, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.sess, nil
}

func (a *fakeAdapter) Capabilities() backend.Capabilities {
	return backend.Capabilities{Streaming: true, Permissions: true, SlashCommands: true, Availability: backend.AvailabilityLocal}
}

func (a *fakeAdapter) Name() string { return a.name }

// recordingBroadcaster captures every broadcast payload, keyed by session.
type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs map[string][]any
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{msgs: make(map[string][]any)}
}

func (r *recordingBroadcaster) Broadcast(sessionID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[sessionID] = append(r.msgs[sessionID], payload)
}

func (r *recordingBroadcaster) snapshot(sessionID string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.msgs[sessionID]))
	copy(out, r.msgs[sessionID])
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, nil))
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestBridge(t *testing.T, sess *fakeSession) (*Bridge, *recordingBroadcaster) {
	t.Helper()
	adapters := map[string]backend.Adapter{"fake": &fakeAdapter{name: "fake", sess: sess}}
	bus := eventbus.New(testLogger())
	b := New(Config{DefaultAdapter: "fake"}, adapters, nil, bus, testLogger())
	bc := newRecordingBroadcaster()
	b.SetBroadcaster(bc)
	return b, bc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestConnectBackend_UnknownAdapterFails(t *testing.T) {
	b, _ := newTestBridge(t, newFakeSession())
	err := b.ConnectBackend("s1", "nonexistent", "/tmp", "")
	if err != ErrNoAdapterConfigured {
		t.Fatalf("expected ErrNoAdapterConfigured, got %v", err)
	}
}

func TestConnectBackend_Success(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", "opus"); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(bc.snapshot("s1")) > 0 })
}

func TestSendUserMessage_OptimisticEchoBeforeBackend(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(bc.snapshot("s1")) > 0 })

	b.SendUserMessage("s1", "consumer-1", "Alice", "hello", nil)

	waitFor(t, time.Second, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.sent) > 0
	})

	found := false
	for _, payload := range bc.snapshot("s1") {
		m, ok := payload.(map[string]any)
		if ok && m["type"] == "user_message" && m["text"] == "hello" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected optimistic echo of user_message in broadcast history")
	}
}

func TestQueueMessage_RejectsSecondQueue(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	rt := b.GetOrCreateSession("s1", "/tmp")

	rt.submit(cmdQueueMessage{consumerID: "c1", displayName: "Alice", content: "first"})
	rt.submit(cmdQueueMessage{consumerID: "c2", displayName: "Bob", content: "second"})

	waitFor(t, time.Second, func() bool { return len(bc.snapshot("s1")) >= 2 })

	sawError := false
	for _, payload := range bc.snapshot("s1") {
		if m, ok := payload.(map[string]any); ok && m["type"] == "error" && m["source"] == "queue_message" {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("expected second queue_message to be rejected with an error payload")
	}
}

func TestUpdateQueuedMessage_RejectsNonOwner(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	rt := b.GetOrCreateSession("s1", "/tmp")

	rt.submit(cmdQueueMessage{consumerID: "owner", displayName: "Alice", content: "first"})
	rt.submit(cmdUpdateQueuedMessage{consumerID: "intruder", content: "hijacked"})

	waitFor(t, time.Second, func() bool { return len(bc.snapshot("s1")) >= 2 })

	sawRejection := false
	for _, payload := range bc.snapshot("s1") {
		if m, ok := payload.(map[string]any); ok && m["type"] == "error" && m["source"] == "update_queued_message" {
			sawRejection = true
		}
	}
	if !sawRejection {
		t.Fatalf("expected update_queued_message from non-owner to be rejected")
	}
}

func TestQueuedMessage_FlushesWhenSessionGoesIdle(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	rt := b.GetOrCreateSession("s1", "/tmp")

	running := unified.New(unified.TypeStatusChange, unified.RoleSystem)
	running.Metadata["status"] = "running"
	sess.push(running)

	rt.submit(cmdQueueMessage{consumerID: "c1", displayName: "Alice", content: "queued while running"})

	waitFor(t, time.Second, func() bool {
		found := false
		for _, payload := range bc.snapshot("s1") {
			if m, ok := payload.(map[string]any); ok && m["type"] == "message_queued" {
				found = true
			}
		}
		return found
	})

	idle := unified.New(unified.TypeStatusChange, unified.RoleSystem)
	idle.Metadata["status"] = "idle"
	sess.push(idle)

	waitFor(t, time.Second, func() bool {
		for _, payload := range bc.snapshot("s1") {
			if m, ok := payload.(map[string]any); ok && m["type"] == "queued_message_sent" {
				return true
			}
		}
		return false
	})
}

func TestPermissionRequest_ThenResponse_Resolves(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}

	req := unified.New(unified.TypePermissionRequest, unified.RoleAssistant)
	req.Metadata["request_id"] = "req-1"
	req.Metadata["tool_name"] = "bash"
	sess.push(req)

	waitFor(t, time.Second, func() bool {
		for _, payload := range bc.snapshot("s1") {
			if m, ok := payload.(map[string]any); ok && m["type"] == "permission_request" {
				return true
			}
		}
		return false
	})

	b.SendPermissionResponse("s1", "req-1", "allow", "")

	waitFor(t, time.Second, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		for _, m := range sess.sent {
			if m.Type == unified.TypePermissionResponse && m.Metadata.String("request_id") == "req-1" {
				return true
			}
		}
		return false
	})
}

func TestDisconnectBackend_CancelsPendingPermissions(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}

	req := unified.New(unified.TypePermissionRequest, unified.RoleAssistant)
	req.Metadata["request_id"] = "req-2"
	sess.push(req)

	waitFor(t, time.Second, func() bool {
		for _, payload := range bc.snapshot("s1") {
			if m, ok := payload.(map[string]any); ok && m["type"] == "permission_request" {
				return true
			}
		}
		return false
	})

	b.DisconnectBackend("s1", "manual disconnect")

	waitFor(t, time.Second, func() bool {
		for _, payload := range bc.snapshot("s1") {
			if m, ok := payload.(map[string]any); ok && m["type"] == "permission_cancelled" && m["request_id"] == "req-2" {
				return true
			}
		}
		return false
	})
}

func TestOpen_RegistersConsumerAndReturnsBootstrap(t *testing.T) {
	sess := newFakeSession()
	b, _ := newTestBridge(t, sess)

	boot, err := b.Open(context.Background(), "s1", "c1", gatekeeper.Identity{UserID: "c1", DisplayName: "Alice", Role: gatekeeper.RoleParticipant})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if boot.Identity == nil || boot.Presence == nil || boot.History == nil {
		t.Fatalf("expected a fully populated Bootstrap, got %+v", boot)
	}
}

func TestRoute_ForwardsUserMessageToBackend(t *testing.T) {
	sess := newFakeSession()
	b, _ := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	if _, err := b.Open(context.Background(), "s1", "c1", gatekeeper.Identity{UserID: "c1"}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := b.Route("s1", "c1", gateway.Inbound{Type: "user_message", Content: "hi there"}); err != nil {
		t.Fatalf("Route: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		for _, m := range sess.sent {
			if m.Text() == "hi there" {
				return true
			}
		}
		return false
	})
}

func TestRoute_UsesRegisteredDisplayName(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	if _, err := b.Open(context.Background(), "s1", "c1", gatekeeper.Identity{UserID: "c1", DisplayName: "Alice", Role: gatekeeper.RoleParticipant}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := b.Route("s1", "c1", gateway.Inbound{Type: "user_message", Content: "hi there"}); err != nil {
		t.Fatalf("Route: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		for _, payload := range bc.snapshot("s1") {
			m, ok := payload.(map[string]any)
			if !ok || m["type"] != "user_message" {
				continue
			}
			if m["display_name"] == "Alice" {
				return true
			}
		}
		return false
	})
}

func TestSlashCommandPassthrough_EchoBecomesResult(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(bc.snapshot("s1")) > 0 })

	b.SendUserMessage("s1", "consumer-1", "Alice", "/context", nil)

	var reqID string
	waitFor(t, time.Second, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		for _, m := range sess.sent {
			if m.Type == unified.TypeUserMessage && m.Text() == "/context" {
				reqID = m.RequestID()
				return reqID != ""
			}
		}
		return false
	})

	echo := unified.New(unified.TypeUserMessage, unified.RoleAssistant, unified.TextBlock("Context: 23% used"))
	echo.Metadata["request_id"] = reqID
	sess.push(echo)

	waitFor(t, time.Second, func() bool {
		for _, payload := range bc.snapshot("s1") {
			m, ok := payload.(map[string]any)
			if ok && m["type"] == "slash_command_result" {
				return m["command"] == "/context" && m["text"] == "Context: 23% used"
			}
		}
		return false
	})

	for _, payload := range bc.snapshot("s1") {
		m, ok := payload.(map[string]any)
		if ok && m["type"] == "user_message" && m["text"] == "Context: 23% used" {
			t.Fatalf("raw echoed user_message should not reach consumers, got %v", m)
		}
	}
}

func TestCapabilitiesHandshake_CorrelatesByRequestID(t *testing.T) {
	sess := newFakeSession()
	b, bc := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(bc.snapshot("s1")) > 0 })

	// An unknown request id must be ignored: no session has a pending
	// initialize yet, so this is dropped, not mis-correlated.
	stray := unified.New(unified.TypeControlResponse, unified.RoleSystem)
	stray.Metadata["request_id"] = "unknown"
	sess.push(stray)

	sess.push(unified.New(unified.TypeSessionInit, unified.RoleSystem))

	waitFor(t, time.Second, func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.rawSent) > 0
	})

	count := 0
	waitFor(t, time.Second, func() bool {
		count = 0
		for _, payload := range bc.snapshot("s1") {
			m, ok := payload.(map[string]any)
			if ok && m["type"] == "capabilities_ready" {
				count++
			}
		}
		return count == 1
	})
	if count != 1 {
		t.Fatalf("expected exactly one capabilities_ready broadcast, got %d", count)
	}
}

func TestCloseSession_RemovesRuntime(t *testing.T) {
	sess := newFakeSession()
	b, _ := newTestBridge(t, sess)
	b.GetOrCreateSession("s1", "/tmp")

	b.CloseSession("s1")

	b.mu.RLock()
	_, exists := b.runtimes["s1"]
	b.mu.RUnlock()
	if exists {
		t.Fatalf("expected runtime to be removed after CloseSession")
	}
}

func TestIdleReaper_DisconnectsBackendButKeepsRuntime(t *testing.T) {
	sess := newFakeSession()
	b, _ := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	rt, ok := b.lookup("s1")
	if !ok {
		t.Fatalf("expected runtime for s1")
	}
	atomic.StoreInt64(&rt.lastActivityNano, time.Now().Add(-time.Hour).UnixNano())

	b.sweepIdleSessions(time.Minute)

	if !sess.isClosed() {
		t.Fatalf("expected idle reaper to disconnect the backend session")
	}
	if _, ok := b.lookup("s1"); !ok {
		t.Fatalf("expected idle reaper to leave the runtime in place, not close it")
	}
}

func TestIdleReaper_SkipsSessionsWithAttachedConsumers(t *testing.T) {
	sess := newFakeSession()
	b, _ := newTestBridge(t, sess)
	if err := b.ConnectBackend("s1", "fake", "/tmp", ""); err != nil {
		t.Fatalf("ConnectBackend: %v", err)
	}
	if _, err := b.Open(context.Background(), "s1", "c1", gatekeeper.Identity{UserID: "c1"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	rt, ok := b.lookup("s1")
	if !ok {
		t.Fatalf("expected runtime for s1")
	}
	atomic.StoreInt64(&rt.lastActivityNano, time.Now().Add(-time.Hour).UnixNano())

	b.sweepIdleSessions(time.Minute)

	if sess.isClosed() {
		t.Fatalf("expected idle reaper to skip a session with an attached consumer")
	}
}
