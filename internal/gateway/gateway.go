// Package gateway implements ConsumerGateway: owns one consumer
// WebSocket's lifecycle, registers it with the bridge, enforces frame-size
// and rate limits, and fans bridge-originated messages back out.
//
// The accept/register/dual-goroutine input-output loop (via sync.WaitGroup,
// checkOrigin) and the consumer registry generalize a one-bash-TTY-per-user
// shape to many consumers per session, plus bounded-queue/slow-consumer
// disconnect and encryption/rate-limit policies.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/sessionbridge/internal/envelope"
	"github.com/ashureev/sessionbridge/internal/gatekeeper"
	"github.com/ashureev/sessionbridge/internal/obs"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var errSlowConsumer = errors.New("gateway: slow consumer")

const defaultMaxFrameSize = 256 * 1024

// Bootstrap carries the three messages a freshly-registered consumer is
// sent before anything else.
type Bootstrap struct {
	Identity any
	Presence any
	History  any
}

// Bridge is the subset of SessionBridge a ConsumerGateway depends on. It is
// defined here (consumer-owned interface) rather than in internal/bridge so
// this package has no import-time dependency on the bridge's concrete
// type.
type Bridge interface {
	// Open registers a consumer against a session, creating the session if
	// the bridge's policy allows it, and returns the bootstrap payloads.
	Open(ctx context.Context, sessionID, consumerID string, id gatekeeper.Identity) (Bootstrap, error)
	// Route delivers one inbound ConsumerMessage to the session's owner task.
	Route(sessionID, consumerID string, msg Inbound) error
	// Leave unregisters a consumer, e.g. because its socket closed.
	Leave(sessionID, consumerID string)
}

// EncryptorFactory mints a peer-specific EncryptionLayer once a consumer's
// public key is known (e.g. from a query parameter or auth claim). Return
// nil to leave the connection unencrypted.
type EncryptorFactory func(sessionID, consumerID string, r *http.Request) *envelope.Layer

// Config tunes the gateway's limits.
type Config struct {
	MaxFrameSize      int
	AllowedOrigin     string
	IsDevelopment     bool
	RateLimit         int
	RateLimitWindow   time.Duration
}

func (c Config) maxFrameSize() int {
	if c.MaxFrameSize <= 0 {
		return defaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Gateway serves the `/ws/consumer/{session_id}` upgrade endpoint.
type Gateway struct {
	cfg         Config
	bridge      Bridge
	gatekeeper  *gatekeeper.Gatekeeper
	registry    *Registry
	rateLimiter *gatekeeper.RateLimiter
	encryptor   EncryptorFactory
	logger      obs.Logger
}

func New(cfg Config, bridge Bridge, gk *gatekeeper.Gatekeeper, encryptor EncryptorFactory, logger obs.Logger) *Gateway {
	if logger == nil {
		logger = obs.Default()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 50
	}
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Second
	}
	return &Gateway{
		cfg:         cfg,
		bridge:      bridge,
		gatekeeper:  gk,
		registry:    newRegistry(),
		rateLimiter: gatekeeper.NewRateLimiter(limit, window),
		encryptor:   encryptor,
		logger:      logger,
	}
}

// Broadcast delivers a payload to every consumer currently registered for
// a session; used by the bridge to fan out outbound UnifiedMessages.
func (g *Gateway) Broadcast(sessionID string, payload any) {
	g.registry.Broadcast(sessionID, payload)
}

// ConnectionCount reports the number of live consumer WebSocket
// connections across every session, for metrics reporting.
func (g *Gateway) ConnectionCount() int {
	return g.registry.TotalConnections()
}

// RouteParams holds the functions ServeHTTP uses to read the session id and
// consumer id from the request; callers wire these into their router, typically exposing
// `/ws/consumer/{session_id}?consumer_id={uuid}`.
type RouteParams struct {
	SessionID  func(r *http.Request) string
	ConsumerID func(r *http.Request) string
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if g.cfg.IsDevelopment || g.cfg.AllowedOrigin == "" || g.cfg.AllowedOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == g.cfg.AllowedOrigin
}

// ServeHTTP upgrades the request, authenticates the consumer, registers it
// with the bridge, and runs the read/write loops until either side closes.
func (g *Gateway) ServeHTTP(params RouteParams, w http.ResponseWriter, r *http.Request) {
	sessionID := params.SessionID(r)
	consumerID := params.ConsumerID(r)
	if consumerID == "" {
		consumerID = uuid.NewString()
	}

	if !g.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	identity, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		g.logger.Warn("gateway: accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	bootstrap, err := g.bridge.Open(ctx, sessionID, consumerID, identity)
	if err != nil {
		_ = ws.Close(websocket.StatusInternalError, "open failed")
		return
	}

	var enc *envelope.Layer
	if g.encryptor != nil {
		enc = g.encryptor(sessionID, consumerID, r)
	}

	conn := newConnection(sessionID, consumerID, ws, enc, g.logger)
	g.registry.register(sessionID, consumerID, conn)
	defer func() {
		g.registry.unregister(sessionID, consumerID)
		g.bridge.Leave(sessionID, consumerID)
		g.registry.Broadcast(sessionID, presenceUpdate(g.registry.ActiveConsumers(sessionID)))
	}()

	for _, payload := range []any{bootstrap.Identity, bootstrap.Presence, bootstrap.History} {
		if payload != nil {
			conn.enqueue(payload)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var writeErr error
	go func() {
		defer wg.Done()
		defer cancel()
		writeErr = conn.writeLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		g.readLoop(ctx, conn, identity)
	}()

	wg.Wait()

	if errors.Is(writeErr, errSlowConsumer) {
		_ = ws.Close(websocket.StatusPolicyViolation, "slow consumer")
		return
	}
	_ = ws.Close(websocket.StatusNormalClosure, "session ended")
}

func (g *Gateway) authenticate(r *http.Request) (gatekeeper.Identity, error) {
	if g.gatekeeper.HasAuthenticator() {
		if id, err := g.gatekeeper.AuthenticateAsync(r); err == nil {
			return id, nil
		}
	}
	return gatekeeper.CreateAnonymousIdentity()
}

func (g *Gateway) readLoop(ctx context.Context, conn *connection, identity gatekeeper.Identity) {
	maxFrame := g.cfg.maxFrameSize()
	rateKey := conn.consumerID
	// Lift the websocket library's own default read limit so frames up to
	// maxFrame reach the size check below.
	conn.ws.SetReadLimit(int64(maxFrame) + 1)

	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			return
		}

		if len(data) > maxFrame {
			conn.enqueue(errorFrame("frame exceeds max size"))
			_ = conn.ws.Close(websocket.StatusPolicyViolation, "frame too large")
			return
		}

		if !g.rateLimiter.Allow(rateKey) {
			conn.enqueue(errorFrame("rate limited"))
			continue
		}

		var msg Inbound
		if conn.encryptor != nil {
			if err := conn.encryptor.DecryptInbound(data, &msg); err != nil {
				conn.enqueue(errorFrame("decrypt failed"))
				continue
			}
		} else {
			parsed, err := ParseInbound(data)
			if err != nil {
				conn.enqueue(errorFrame("malformed message"))
				continue
			}
			msg = parsed
		}

		if action, gated := actionForInbound(msg.Type); gated && !g.gatekeeper.Authorize(identity, action) {
			conn.enqueue(errorFrame("unauthorized action"))
			continue
		}

		if err := g.bridge.Route(conn.sessionID, conn.consumerID, msg); err != nil {
			conn.enqueue(errorFrame(err.Error()))
		}
	}
}

func actionForInbound(t string) (gatekeeper.Action, bool) {
	switch t {
	case "user_message":
		return gatekeeper.ActionUserMessage, true
	case "slash_command":
		return gatekeeper.ActionSlashCommand, true
	case "interrupt":
		return gatekeeper.ActionInterrupt, true
	case "permission_response":
		return gatekeeper.ActionPermissionResponse, true
	case "set_model":
		return gatekeeper.ActionSetModel, true
	case "set_permission_mode":
		return gatekeeper.ActionSetPermissionMode, true
	case "queue_message":
		return gatekeeper.ActionQueueMessage, true
	case "update_queued_message":
		return gatekeeper.ActionUpdateQueued, true
	case "cancel_queued_message":
		return gatekeeper.ActionCancelQueued, true
	default:
		return "", false
	}
}

func errorFrame(message string) map[string]any {
	return map[string]any{"type": "error", "message": message}
}

func presenceUpdate(consumerIDs []string) map[string]any {
	return map[string]any{"type": "presence_update", "consumers": consumerIDs}
}
