package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ashureev/sessionbridge/internal/backend"
	"github.com/ashureev/sessionbridge/internal/obs"
	"github.com/ashureev/sessionbridge/internal/unified"
)

// turnState is the per-turn state machine: idle until a prompt is sent,
// running while streaming chunks accumulate, terminal once closed.
type turnState int

const (
	turnIdle turnState = iota
	turnRunning
	turnTerminal
)

// pendingRequest marks an outgoing request id as awaiting a response, so
// resolvePending can tell a correlated response from an unsolicited one.
type pendingRequest struct {
	method string
}

// Session implements backend.Session over newline-delimited JSON-RPC 2.0
// carried by a Process.
type Session struct {
	proc          Process
	bridgeID      string // the bridge's session id
	agentSessionID atomic.Value // string; New stores bridgeID here and nothing replaces it, so outbound sessionId is always the bridge's id

	nextID int64

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	turnMu             sync.Mutex
	turn               turnState
	turnBuffer         string
	turnRunningEmitted bool
	pendingPermissionRequestID string

	messages chan unified.Message
	errs     chan error

	closeOnce sync.Once
	closed    chan struct{}

	logger obs.Logger
}

// New constructs a Session wrapping an already-connected Process. The
// caller (internal/acp/process or internal/acp/container) has already
// started the child/exec and is handing over an established duplex.
func New(proc Process, bridgeSessionID string, logger obs.Logger) *Session {
	if logger == nil {
		logger = obs.Default()
	}
	s := &Session{
		proc:     proc,
		bridgeID: bridgeSessionID,
		pending:  make(map[string]*pendingRequest),
		messages: make(chan unified.Message, 64),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
		logger:   logger,
	}
	s.agentSessionID.Store(bridgeSessionID)
	go s.readLoop()
	return s
}

func (s *Session) SessionID() string {
	if v, ok := s.agentSessionID.Load().(string); ok {
		return v
	}
	return s.bridgeID
}

// Send is the outbound translation (T2): for each outgoing UnifiedMessage,
// produce a request, notification, or response frame.
func (s *Session) Send(ctx context.Context, msg unified.Message) error {
	select {
	case <-s.closed:
		return backend.ErrSessionClosed
	default:
	}

	switch msg.Type {
	case unified.TypeUserMessage:
		return s.sendUserMessage(msg)
	case unified.TypeInterrupt:
		return s.sendNotification("session/cancel", map[string]any{"sessionId": s.SessionID()})
	case unified.TypePermissionResponse:
		return s.sendPermissionResponse(msg)
	case unified.TypeConfigurationChange:
		return s.sendNotification("session/set_config", map[string]any{
			"sessionId": s.SessionID(),
			"model":     msg.Metadata.String("model"),
			"mode":      msg.Metadata.String("permission_mode"),
		})
	case unified.TypeSlashCommand:
		return s.sendNotification("session/slash_command", map[string]any{
			"sessionId": s.SessionID(),
			"command":   msg.Metadata.String("command"),
		})
	default:
		// Unrecognized outbound types are silently accepted: the bridge's
		// job is to forward intent, not every internal bookkeeping type
		// has a wire counterpart.
		return nil
	}
}

func (s *Session) sendUserMessage(msg unified.Message) error {
	id := atomic.AddInt64(&s.nextID, 1)
	params := map[string]any{
		"sessionId": s.SessionID(),
		"prompt":    msg.Text(),
	}
	frameBytes, err := encodeRequest(id, "session/prompt", params)
	if err != nil {
		return fmt.Errorf("encode session/prompt: %w", err)
	}
	s.registerPending(strconv.FormatInt(id, 10), "session/prompt")

	s.beginTurn()
	_, err = s.proc.Write(frameBytes)
	return err
}

func (s *Session) sendPermissionResponse(msg unified.Message) error {
	reqID := msg.Metadata.String("request_id")
	behavior := msg.Metadata.String("behavior")

	s.turnMu.Lock()
	matches := s.pendingPermissionRequestID == reqID
	if matches {
		s.pendingPermissionRequestID = ""
	}
	s.turnMu.Unlock()
	if !matches {
		return nil
	}

	idNum, _ := strconv.ParseInt(reqID, 10, 64)
	result := map[string]any{"outcome": map[string]any{"outcome": behavior}}
	frameBytes, err := encodeResponse(rawID(idNum), result)
	if err != nil {
		return fmt.Errorf("encode permission response: %w", err)
	}
	_, err = s.proc.Write(frameBytes)
	return err
}

func (s *Session) sendNotification(method string, params any) error {
	frameBytes, err := encodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	_, err = s.proc.Write(frameBytes)
	return err
}

// SendRaw admits a prebuilt frame, used by the bridge's capabilities
// protocol to issue the `initialize` control request.
func (s *Session) SendRaw(ctx context.Context, raw []byte) error {
	select {
	case <-s.closed:
		return backend.ErrSessionClosed
	default:
	}
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		raw = append(raw, '\n')
	}
	_, err := s.proc.Write(raw)
	return err
}

func (s *Session) Messages() <-chan unified.Message { return s.messages }
func (s *Session) Errors() <-chan error              { return s.errs }

// Close is idempotent: SIGTERM, wait up to 5s, SIGKILL. It discards the
// pending-request table without notifying anyone, so later responses are
// not correlated; Send and SendRaw return ErrSessionClosed once Close has
// begun.
func (s *Session) Close(ctx context.Context) error {
	var stopErr error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.turnMu.Lock()
		s.turn = turnTerminal
		s.turnMu.Unlock()

		s.rejectAllPending()
		stopErr = terminateGracefully(s.proc)
	})
	return stopErr
}

func (s *Session) rejectAllPending() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id := range s.pending {
		delete(s.pending, id)
	}
}

func (s *Session) registerPending(id, method string) {
	s.pendingMu.Lock()
	s.pending[id] = &pendingRequest{method: method}
	s.pendingMu.Unlock()
}

func (s *Session) resolvePending(id string, f frame) bool {
	s.pendingMu.Lock()
	_, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	return ok
}

func (s *Session) beginTurn() {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	s.turn = turnRunning
	s.turnBuffer = ""
	s.turnRunningEmitted = false
}

func (s *Session) emit(msg unified.Message) {
	select {
	case s.messages <- msg:
	case <-s.closed:
	}
}

// decodeParams is a small helper to pull typed fields out of a json.RawMessage
// params payload without requiring every call site to declare its own
// anonymous struct.
func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
