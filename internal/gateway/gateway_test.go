package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/sessionbridge/internal/gatekeeper"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type fakeBridge struct {
	routed chan Inbound
}

func (f *fakeBridge) Open(ctx context.Context, sessionID, consumerID string, id gatekeeper.Identity) (Bootstrap, error) {
	return Bootstrap{
		Identity: map[string]any{"type": "identity", "userId": id.UserID},
		Presence: map[string]any{"type": "presence_update", "consumers": []string{consumerID}},
		History:  map[string]any{"type": "message_history", "messages": []any{}},
	}, nil
}

func (f *fakeBridge) Route(sessionID, consumerID string, msg Inbound) error {
	if f.routed != nil {
		f.routed <- msg
	}
	return nil
}

func (f *fakeBridge) Leave(sessionID, consumerID string) {}

func testParams() RouteParams {
	return RouteParams{
		SessionID:  func(r *http.Request) string { return "sess-1" },
		ConsumerID: func(r *http.Request) string { return r.URL.Query().Get("consumer_id") },
	}
}

func TestServeHTTP_BootstrapSequence(t *testing.T) {
	bridge := &fakeBridge{}
	gw := New(Config{IsDevelopment: true}, bridge, gatekeeper.New(nil), nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.ServeHTTP(testParams(), w, r)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "?consumer_id=c1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first map[string]any
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read identity: %v", err)
	}
	if first["type"] != "identity" {
		t.Fatalf("expected identity first, got %+v", first)
	}
}

func TestServeHTTP_RoutesInboundMessage(t *testing.T) {
	bridge := &fakeBridge{routed: make(chan Inbound, 1)}
	gw := New(Config{IsDevelopment: true}, bridge, gatekeeper.New(nil), nil, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.ServeHTTP(testParams(), w, r)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "?consumer_id=c1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Drain the three bootstrap frames.
	for i := 0; i < 3; i++ {
		var discard map[string]any
		if err := wsjson.Read(ctx, conn, &discard); err != nil {
			t.Fatalf("read bootstrap frame %d: %v", i, err)
		}
	}

	if err := wsjson.Write(ctx, conn, Inbound{Type: "user_message", Content: "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-bridge.routed:
		if msg.Content != "hello" {
			t.Fatalf("unexpected routed message: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for routed message")
	}
}
