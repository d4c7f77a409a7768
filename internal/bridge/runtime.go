package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/sessionbridge/internal/backend"
	"github.com/ashureev/sessionbridge/internal/eventbus"
	"github.com/ashureev/sessionbridge/internal/gatekeeper"
	"github.com/ashureev/sessionbridge/internal/gateway"
	"github.com/ashureev/sessionbridge/internal/obs"
	"github.com/ashureev/sessionbridge/internal/reduce"
	"github.com/ashureev/sessionbridge/internal/session"
	"github.com/ashureev/sessionbridge/internal/storage"
	"github.com/ashureev/sessionbridge/internal/unified"
	"github.com/google/uuid"
)

// ErrNoAdapterConfigured is returned when a session requests a backend
// connection with no adapter available to serve it.
var ErrNoAdapterConfigured = errors.New("bridge: no adapter configured")

const (
	inboxBuffer       = 128
	persistBuffer     = 16
	backendStopWait   = 5 * time.Second
	graceConnectWait  = 30 * time.Second
)

// Runtime is one SessionRuntime's owner task: every mutation
// of its history, state, pendingPermissions, consumer set, and
// queuedMessage happens on this single goroutine, serialized through the
// inbox channel.
type Runtime struct {
	id  string
	cwd string

	adapters       map[string]backend.Adapter
	defaultAdapter string
	store          storage.Storage
	bus            *eventbus.Bus
	broadcaster    Broadcaster
	logger         obs.Logger

	state               session.State
	history             *session.History
	pendingPermissions  map[string]session.PermissionRequest
	queuedMessage       *session.QueuedMessage
	consumers           map[string]gatekeeper.Identity
	backendSession      backend.Session
	backendAdapterName  string
	capabilities        backend.Capabilities
	pendingInitialize   string
	firstTurnDone       bool
	pendingSlashCommand *pendingSlashCommand

	inbox     chan command
	persistCh chan storage.Snapshot
	done      chan struct{}

	// lastActivityNano is read by the idle reaper from outside the owner
	// goroutine, so it is updated with atomic stores rather than being
	// folded into the serialized state above.
	lastActivityNano int64

	// consumerCount mirrors len(consumers) for the idle reaper, which reads
	// it from outside the owner goroutine.
	consumerCount int64
}

// pendingSlashCommand correlates a slash command sent as a user_message
// with the adapter's echo of it, so the echo can be converted into a
// slash_command_result instead of being broadcast as a duplicate user turn.
type pendingSlashCommand struct {
	command   string
	requestID string
}

// Broadcaster fans an outbound payload out to every consumer of a session.
// Implemented by *gateway.Gateway; defined here so this package has no
// compile-time dependency on gateway's concrete type.
type Broadcaster interface {
	Broadcast(sessionID string, payload any)
}

func newRuntime(id, cwd string, adapters map[string]backend.Adapter, defaultAdapter string, store storage.Storage, bus *eventbus.Bus, broadcaster Broadcaster, logger obs.Logger) *Runtime {
	r := &Runtime{
		id:                 id,
		cwd:                cwd,
		adapters:           adapters,
		defaultAdapter:     defaultAdapter,
		store:              store,
		bus:                bus,
		broadcaster:        broadcaster,
		logger:             logger,
		state:              session.New(id),
		history:            session.NewHistory(0),
		pendingPermissions: make(map[string]session.PermissionRequest),
		consumers:          make(map[string]gatekeeper.Identity),
		inbox:              make(chan command, inboxBuffer),
		persistCh:          make(chan storage.Snapshot, persistBuffer),
		done:               make(chan struct{}),
	}
	r.touch()
	go r.persistLoop()
	go r.run()
	return r
}

func (r *Runtime) submit(cmd command) {
	select {
	case r.inbox <- cmd:
	case <-r.done:
	}
}

// trySubmit is the non-blocking variant used by the gateway's read loop so
// a session under load never stalls a consumer socket.
func (r *Runtime) trySubmit(cmd command) bool {
	select {
	case r.inbox <- cmd:
		return true
	default:
		return false
	}
}

func (r *Runtime) run() {
	defer close(r.done)
	for cmd := range r.inbox {
		r.dispatch(cmd)
	}
}

func (r *Runtime) broadcast(payload any) {
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(r.id, payload)
	}
}

func (r *Runtime) publish(name eventbus.Name, payload any) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Name: name, SessionID: r.id, Payload: payload})
	}
}

func (r *Runtime) touch() {
	atomic.StoreInt64(&r.lastActivityNano, time.Now().UnixNano())
}

// lastActivity is safe to call from any goroutine (used by the idle
// reaper, which runs on Bridge's own goroutine rather than the owner
// task).
func (r *Runtime) lastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&r.lastActivityNano))
}

// activeConsumers is safe to call from any goroutine, same as lastActivity.
func (r *Runtime) activeConsumers() int {
	return int(atomic.LoadInt64(&r.consumerCount))
}

func (r *Runtime) dispatch(c command) {
	r.touch()
	switch cmd := c.(type) {
	case cmdConnectBackend:
		cmd.reply <- r.handleConnectBackend(cmd)
	case cmdDisconnectBackend:
		r.handleDisconnectBackend(cmd.reason)
		close(cmd.reply)
	case cmdCloseSession:
		r.handleDisconnectBackend("session closed")
		r.publish(eventbus.SessionClosed, nil)
		close(cmd.reply)
	case cmdSendToBackend:
		r.handleSendToBackend(cmd.msg)
	case cmdSendUserMessage:
		r.handleSendUserMessage(cmd)
	case cmdPermissionResponse:
		r.handlePermissionResponse(cmd)
	case cmdInterrupt:
		r.handleSendToBackend(unified.New(unified.TypeInterrupt, unified.RoleSystem))
	case cmdSetModel:
		msg := unified.New(unified.TypeConfigurationChange, unified.RoleSystem)
		msg.Metadata["model"] = cmd.model
		r.handleSendToBackend(msg)
	case cmdSetPermissionMode:
		msg := unified.New(unified.TypeConfigurationChange, unified.RoleSystem)
		msg.Metadata["permission_mode"] = cmd.mode
		r.handleSendToBackend(msg)
	case cmdQueueMessage:
		r.handleQueueMessage(cmd)
	case cmdUpdateQueuedMessage:
		r.handleUpdateQueuedMessage(cmd)
	case cmdCancelQueuedMessage:
		r.handleCancelQueuedMessage(cmd)
	case cmdBackendMessage:
		r.handleBackendMessage(cmd.msg)
	case cmdBackendStreamEnded:
		r.handleBackendStreamEnded(cmd.err)
	case cmdRegisterConsumer:
		cmd.reply <- r.handleRegisterConsumer(cmd)
	case cmdLeaveConsumer:
		r.handleLeaveConsumer(cmd.consumerID)
	case cmdRouteConsumerMessage:
		cmd.reply <- r.handleRouteConsumerMessage(cmd)
	}
}

func (r *Runtime) handleConnectBackend(cmd cmdConnectBackend) error {
	name := cmd.adapterName
	if name == "" {
		name = r.defaultAdapter
	}
	adapter, ok := r.adapters[name]
	if !ok {
		return ErrNoAdapterConfigured
	}

	if r.backendSession != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendStopWait)
		_ = r.backendSession.Close(ctx)
		cancel()
		r.backendSession = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), graceConnectWait)
	defer cancel()

	cwd := cmd.cwd
	if cwd == "" {
		cwd = r.cwd
	}
	sess, err := adapter.Connect(ctx, backend.ConnectOptions{
		SessionID: r.id,
		Cwd:       cwd,
		Model:     cmd.model,
	})
	if err != nil {
		return err
	}

	r.backendSession = sess
	r.backendAdapterName = name
	r.capabilities = adapter.Capabilities()

	go r.consumeBackend(sess)

	if r.queuedMessage != nil {
		q := *r.queuedMessage
		r.queuedMessage = nil
		r.forwardUserMessage(q.ConsumerID, q.DisplayName, q.Content, q.Images)
	}

	r.broadcast(cliConnectedPayload())
	r.publish(eventbus.BackendConnected, name)
	return nil
}

// consumeBackend is the backend consumption task. It only forwards onto the owner's inbox — it never
// mutates Runtime state directly.
func (r *Runtime) consumeBackend(sess backend.Session) {
	for msg := range sess.Messages() {
		r.submit(cmdBackendMessage{msg: msg})
	}
	var streamErr error
	select {
	case streamErr = <-sess.Errors():
	default:
	}
	r.submit(cmdBackendStreamEnded{err: streamErr})
}

func (r *Runtime) handleDisconnectBackend(reason string) {
	if r.backendSession == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendStopWait)
	_ = r.backendSession.Close(ctx)
	cancel()
	r.backendSession = nil

	r.cancelAllPending()
	r.broadcast(cliDisconnectedPayload(1000, reason))
	r.publish(eventbus.BackendDisconnected, reason)
}

func (r *Runtime) cancelAllPending() {
	for id := range r.pendingPermissions {
		delete(r.pendingPermissions, id)
		r.broadcast(permissionCancelledPayload(id))
		r.publish(eventbus.PermissionResolved, map[string]any{"request_id": id, "behavior": "cancelled"})
	}
}

func (r *Runtime) handleSendToBackend(msg unified.Message) {
	if r.backendSession == nil {
		r.logger.Warn("bridge: dropping message, no backend connected", "session_id", r.id, "type", msg.Type)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.backendSession.Send(ctx, msg); err != nil {
		r.broadcast(errorPayload("sendToBackend", err.Error()))
		r.publish(eventbus.Error, err)
	}
}

func (r *Runtime) handleSendUserMessage(cmd cmdSendUserMessage) {
	r.forwardUserMessage(cmd.consumerID, cmd.displayName, cmd.text, cmd.images)
}

func (r *Runtime) forwardUserMessage(consumerID, displayName, text string, images []string) {
	blocks := []unified.ContentBlock{unified.TextBlock(text)}
	for _, img := range images {
		blocks = append(blocks, unified.ImageBlock(img, ""))
	}
	msg := unified.New(unified.TypeUserMessage, unified.RoleUser, blocks...)
	msg.Metadata["consumer_id"] = consumerID
	msg.Metadata["display_name"] = displayName

	if strings.HasPrefix(text, "/") {
		reqID := uuid.NewString()
		msg.Metadata["request_id"] = reqID
		r.pendingSlashCommand = &pendingSlashCommand{command: text, requestID: reqID}
	}

	r.history.Append(msg)
	// Optimistic echo: consumers see their own message before the backend
	// acknowledges it.
	r.broadcast(toOutbound(msg))

	r.handleSendToBackend(msg)
}

func (r *Runtime) handlePermissionResponse(cmd cmdPermissionResponse) {
	if _, pending := r.pendingPermissions[cmd.requestID]; !pending {
		return
	}
	delete(r.pendingPermissions, cmd.requestID)
	r.publish(eventbus.PermissionResolved, map[string]any{"request_id": cmd.requestID, "behavior": cmd.behavior})

	msg := unified.New(unified.TypePermissionResponse, unified.RoleUser)
	msg.Metadata["request_id"] = cmd.requestID
	msg.Metadata["behavior"] = cmd.behavior
	if cmd.message != "" {
		msg.Metadata["message"] = cmd.message
	}
	r.handleSendToBackend(msg)
}

func (r *Runtime) handleQueueMessage(cmd cmdQueueMessage) {
	if r.queuedMessage != nil {
		r.broadcast(errorPayload("queue_message", "a message is already queued"))
		return
	}
	r.queuedMessage = &session.QueuedMessage{
		ConsumerID:  cmd.consumerID,
		DisplayName: cmd.displayName,
		Content:     cmd.content,
		Images:      cmd.images,
		QueuedAt:    time.Now(),
	}
	r.broadcast(messageQueuedPayload(*r.queuedMessage))
}

func (r *Runtime) handleUpdateQueuedMessage(cmd cmdUpdateQueuedMessage) {
	if r.queuedMessage == nil || r.queuedMessage.ConsumerID != cmd.consumerID {
		r.broadcast(errorPayload("update_queued_message", "no queued message owned by this consumer"))
		return
	}
	r.queuedMessage.Content = cmd.content
	r.queuedMessage.Images = cmd.images
	r.broadcast(queuedMessageUpdatedPayload(*r.queuedMessage))
}

func (r *Runtime) handleCancelQueuedMessage(cmd cmdCancelQueuedMessage) {
	if r.queuedMessage == nil || r.queuedMessage.ConsumerID != cmd.consumerID {
		r.broadcast(errorPayload("cancel_queued_message", "no queued message owned by this consumer"))
		return
	}
	r.queuedMessage = nil
	r.broadcast(queuedMessageCancelledPayload())
}

// flushQueuedMessageIfIdle is invoked after a reduced state transitions to
// idle: the queued message (if any) is sent as a user_message and cleared.
func (r *Runtime) flushQueuedMessageIfIdle() {
	if r.state.Status != session.StatusIdle || r.queuedMessage == nil {
		return
	}
	q := *r.queuedMessage
	r.queuedMessage = nil
	r.broadcast(queuedMessageSentPayload())
	r.forwardUserMessage(q.ConsumerID, q.DisplayName, q.Content, q.Images)
}

// applySlashCommandPassthrough converts an adapter's echo of a previously
// sent slash command into a slash_command_result, so consumers see the
// command's result rather than a duplicated user turn. Adapters that don't
// echo (pendingSlashCommand stays nil after a non-slash message, or the
// request id doesn't match) pass msg through unchanged.
func (r *Runtime) applySlashCommandPassthrough(msg unified.Message) unified.Message {
	pending := r.pendingSlashCommand
	if pending == nil || msg.Type != unified.TypeUserMessage || msg.RequestID() != pending.requestID {
		return msg
	}
	r.pendingSlashCommand = nil

	result := unified.New(unified.TypeSlashCommandResult, unified.RoleAssistant, msg.Content...)
	result.Metadata["command"] = pending.command
	result.Metadata["request_id"] = pending.requestID
	result.Metadata["source"] = "cli"
	return result
}

func (r *Runtime) handleBackendMessage(msg unified.Message) {
	msg = r.applySlashCommandPassthrough(msg)

	wasRunning := r.state.Status == session.StatusRunning
	r.state = reduce.Reduce(r.state, msg)
	r.history.Append(msg)

	switch msg.Type {
	case unified.TypePermissionRequest:
		reqID := msg.RequestID()
		if reqID != "" {
			var input map[string]any
			for _, block := range msg.Content {
				if block.Type == unified.ContentToolUse && len(block.ToolInput) > 0 {
					_ = json.Unmarshal(block.ToolInput, &input)
				}
			}
			r.pendingPermissions[reqID] = session.PermissionRequest{
				RequestID: reqID,
				ToolName:  msg.Metadata.String("tool_name"),
				Input:     input,
				CreatedAt: time.Now(),
			}
			r.publish(eventbus.PermissionRequested, reqID)
		}
	case unified.TypeSessionInit:
		r.sendCapabilitiesHandshake()
	}

	if msg.Type == unified.TypeControlResponse && r.pendingInitialize != "" && msg.RequestID() == r.pendingInitialize {
		r.pendingInitialize = ""
		r.publish(eventbus.CapabilitiesReady, r.capabilities)
		r.broadcast(capabilitiesReadyPayload(r.capabilities.Streaming, r.capabilities.Permissions, r.capabilities.SlashCommands, r.capabilities.Teams, string(r.capabilities.Availability)))
	}

	r.broadcast(toOutbound(msg))
	r.publish(eventbus.MessageOutbound, msg)

	if !r.firstTurnDone && wasRunning && r.state.Status == session.StatusIdle {
		r.firstTurnDone = true
		r.publish(eventbus.SessionFirstTurnCompleted, nil)
	}

	r.flushQueuedMessageIfIdle()

	switch msg.Type {
	case unified.TypeSessionInit, unified.TypeAssistant, unified.TypeResult, unified.TypePermissionRequest:
		r.persistAsync()
	}
}

// sendCapabilitiesHandshake implements the capabilities protocol: a
// control_request of subtype initialize is framed and sent raw so adapters
// without a structured capabilities call still get one uniform mechanism.
func (r *Runtime) sendCapabilitiesHandshake() {
	if r.backendSession == nil {
		return
	}
	reqID := uuid.NewString()
	r.pendingInitialize = reqID

	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      reqID,
		"method":  "control_request",
		"params":  map[string]any{"subtype": "initialize"},
	})
	if err != nil {
		return
	}
	frame = append(frame, '\n')

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.backendSession.SendRaw(ctx, frame); err != nil && !errors.Is(err, backend.ErrNotSupported) {
		r.logger.Warn("bridge: capabilities handshake failed", "session_id", r.id, "error", err)
	}
}

func (r *Runtime) handleBackendStreamEnded(err error) {
	if r.backendSession == nil {
		// Already disconnected explicitly; nothing to report.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendStopWait)
	if closeErr := r.backendSession.Close(ctx); closeErr != nil {
		r.logger.Warn("bridge: close backend session after stream end failed", "session_id", r.id, "error", closeErr)
	}
	cancel()
	r.backendSession = nil
	r.cancelAllPending()
	r.broadcast(cliDisconnectedPayload(1000, "stream ended"))
	r.publish(eventbus.BackendDisconnected, "stream ended")

	if err != nil {
		r.broadcast(errorPayload("backendConsumption", err.Error()))
		r.publish(eventbus.Error, err)
	}
}

func (r *Runtime) handleRegisterConsumer(cmd cmdRegisterConsumer) gateway.Bootstrap {
	r.consumers[cmd.consumerID] = cmd.identity
	atomic.StoreInt64(&r.consumerCount, int64(len(r.consumers)))
	r.broadcast(presencePayload(r.activeConsumerIDs()))
	return gateway.Bootstrap{
		Identity: identityPayload(cmd.identity),
		Presence: presencePayload(r.activeConsumerIDs()),
		History:  historyPayload(r.history.Snapshot()),
	}
}

func (r *Runtime) handleLeaveConsumer(consumerID string) {
	delete(r.consumers, consumerID)
	atomic.StoreInt64(&r.consumerCount, int64(len(r.consumers)))
	r.broadcast(presencePayload(r.activeConsumerIDs()))
}

func (r *Runtime) activeConsumerIDs() []string {
	ids := make([]string, 0, len(r.consumers))
	for id := range r.consumers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runtime) handleRouteConsumerMessage(cmd cmdRouteConsumerMessage) error {
	// Look up the identity registered in handleRegisterConsumer rather than
	// take the caller's word for it: this runs on the owner goroutine, the
	// same one that writes r.consumers, so the read is race-free.
	identity := r.consumers[cmd.consumerID]
	if identity.UserID == "" {
		identity.UserID = cmd.consumerID
	}

	switch cmd.msg.Type {
	case "user_message":
		r.forwardUserMessage(cmd.consumerID, identity.DisplayName, cmd.msg.Content, cmd.msg.Images)
	case "slash_command":
		msg := unified.New(unified.TypeSlashCommand, unified.RoleUser, unified.TextBlock(cmd.msg.Content))
		msg.Metadata["consumer_id"] = cmd.consumerID
		r.handleSendToBackend(msg)
	case "interrupt":
		r.handleSendToBackend(unified.New(unified.TypeInterrupt, unified.RoleSystem))
	case "permission_response":
		r.handlePermissionResponse(cmdPermissionResponse{requestID: cmd.msg.RequestID, behavior: cmd.msg.Behavior, message: cmd.msg.Message})
	case "set_model":
		msg := unified.New(unified.TypeConfigurationChange, unified.RoleSystem)
		msg.Metadata["model"] = cmd.msg.Model
		r.handleSendToBackend(msg)
	case "set_permission_mode":
		msg := unified.New(unified.TypeConfigurationChange, unified.RoleSystem)
		msg.Metadata["permission_mode"] = cmd.msg.Mode
		r.handleSendToBackend(msg)
	case "queue_message":
		r.handleQueueMessage(cmdQueueMessage{consumerID: cmd.consumerID, displayName: identity.DisplayName, content: cmd.msg.Content, images: cmd.msg.Images})
	case "update_queued_message":
		r.handleUpdateQueuedMessage(cmdUpdateQueuedMessage{consumerID: cmd.consumerID, content: cmd.msg.Content, images: cmd.msg.Images})
	case "cancel_queued_message":
		r.handleCancelQueuedMessage(cmdCancelQueuedMessage{consumerID: cmd.consumerID})
	default:
		return nil
	}
	return nil
}

func (r *Runtime) persistAsync() {
	if r.store == nil {
		return
	}
	snap := storage.Snapshot{
		ID:               r.id,
		BackendSessionID: r.state.BackendSessionID,
		Cwd:              r.cwd,
		CreatedAt:        r.state.CreatedAt,
		State:            r.state,
		History:          r.history.Snapshot(),
	}
	select {
	case r.persistCh <- snap:
	default:
		r.logger.Warn("bridge: persist queue full, dropping snapshot", "session_id", r.id)
	}
}

// persistLoop serializes Storage writes for this session id onto a single
// goroutine so fire-and-forget saves never reorder.
func (r *Runtime) persistLoop() {
	for snap := range r.persistCh {
		if r.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.SaveSnapshot(ctx, snap); err != nil {
			r.logger.Warn("bridge: save snapshot failed", "session_id", r.id, "error", err)
		}
		cancel()
	}
}

func (r *Runtime) stop() {
	close(r.inbox)
	close(r.persistCh)
}
