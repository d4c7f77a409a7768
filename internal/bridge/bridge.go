// Package bridge implements SessionBridge: owns every session,
// runs a backend consumption task per session, fans outbound messages out
// to consumers, mediates permissions, persists snapshots, and emits typed
// events.
//
// Each session runs a dual-goroutine input/output shape generalized from
// one consumer to N, a broadcastLoop-style fan-out to every connected
// consumer, and a ticker-driven idle sweep (see reaper.go).
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ashureev/sessionbridge/internal/backend"
	"github.com/ashureev/sessionbridge/internal/eventbus"
	"github.com/ashureev/sessionbridge/internal/gatekeeper"
	"github.com/ashureev/sessionbridge/internal/gateway"
	"github.com/ashureev/sessionbridge/internal/obs"
	"github.com/ashureev/sessionbridge/internal/storage"
)

// Config configures adapter selection.
type Config struct {
	DefaultAdapter string
}

// Bridge owns every live SessionRuntime.
type Bridge struct {
	cfg      Config
	adapters map[string]backend.Adapter
	store    storage.Storage
	bus      *eventbus.Bus
	logger   obs.Logger

	broadcasterMu sync.RWMutex
	broadcaster   Broadcaster

	mu        sync.RWMutex
	runtimes  map[string]*Runtime
}

func New(cfg Config, adapters map[string]backend.Adapter, store storage.Storage, bus *eventbus.Bus, logger obs.Logger) *Bridge {
	if logger == nil {
		logger = obs.Default()
	}
	return &Bridge{
		cfg:      cfg,
		adapters: adapters,
		store:    store,
		bus:      bus,
		logger:   logger,
		runtimes: make(map[string]*Runtime),
	}
}

// SetBroadcaster wires the consumer-fan-out sink (normally a
// *gateway.Gateway). Must be called before any session activity if
// consumer delivery is required; constructing Bridge and Gateway
// independently avoids an import cycle since gateway.New needs a Bridge.
func (b *Bridge) SetBroadcaster(broadcaster Broadcaster) {
	b.broadcasterMu.Lock()
	defer b.broadcasterMu.Unlock()
	b.broadcaster = broadcaster
}

func (b *Bridge) currentBroadcaster() Broadcaster {
	b.broadcasterMu.RLock()
	defer b.broadcasterMu.RUnlock()
	return b.broadcaster
}

// GetOrCreateSession is idempotent: returns the existing Runtime for id or
// creates a fresh one.
func (b *Bridge) GetOrCreateSession(id, cwd string) *Runtime {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rt, ok := b.runtimes[id]; ok {
		return rt
	}
	rt := newRuntime(id, cwd, b.adapters, b.cfg.DefaultAdapter, b.store, b.bus, b.currentBroadcaster(), b.logger)
	b.runtimes[id] = rt
	return rt
}

// ActiveSessionCount reports the number of live Runtimes, for health/metrics
// reporting.
func (b *Bridge) ActiveSessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runtimes)
}

func (b *Bridge) lookup(id string) (*Runtime, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rt, ok := b.runtimes[id]
	return rt, ok
}

// ConnectBackend connects (or reconnects) a session's backend on the
// session's owner task and blocks until that task reports the result.
func (b *Bridge) ConnectBackend(id, adapterName, cwd, model string) error {
	rt := b.GetOrCreateSession(id, cwd)
	reply := make(chan error, 1)
	rt.submit(cmdConnectBackend{adapterName: adapterName, cwd: cwd, model: model, reply: reply})
	return <-reply
}

// DisconnectBackend closes the backend session but keeps the runtime
// alive. Safe for unknown ids.
func (b *Bridge) DisconnectBackend(id, reason string) {
	rt, ok := b.lookup(id)
	if !ok {
		return
	}
	reply := make(chan struct{})
	rt.submit(cmdDisconnectBackend{reason: reason, reply: reply})
	<-reply
}

// CloseSession closes the backend, removes the runtime, and emits
// session:closed.
func (b *Bridge) CloseSession(id string) {
	rt, ok := b.lookup(id)
	if !ok {
		return
	}
	reply := make(chan struct{})
	rt.submit(cmdCloseSession{reply: reply})
	<-reply

	b.mu.Lock()
	delete(b.runtimes, id)
	b.mu.Unlock()
	rt.stop()
}

// SendInterrupt, SendSetModel, SendSetPermissionMode build the appropriate
// UnifiedMessage and forward it.
func (b *Bridge) SendInterrupt(id string) {
	if rt, ok := b.lookup(id); ok {
		rt.submit(cmdInterrupt{})
	}
}

func (b *Bridge) SendSetModel(id, model string) {
	if rt, ok := b.lookup(id); ok {
		rt.submit(cmdSetModel{model: model})
	}
}

func (b *Bridge) SendSetPermissionMode(id, mode string) {
	if rt, ok := b.lookup(id); ok {
		rt.submit(cmdSetPermissionMode{mode: mode})
	}
}

// SendUserMessage appends to history, broadcasts optimistically, and
// submits to the backend.
func (b *Bridge) SendUserMessage(id, consumerID, displayName, text string, images []string) {
	rt := b.GetOrCreateSession(id, "")
	rt.submit(cmdSendUserMessage{consumerID: consumerID, displayName: displayName, text: text, images: images})
}

// SendPermissionResponse only proceeds if requestID is currently pending.
func (b *Bridge) SendPermissionResponse(id, requestID, behavior, message string) {
	if rt, ok := b.lookup(id); ok {
		rt.submit(cmdPermissionResponse{requestID: requestID, behavior: behavior, message: message})
	}
}

// --- gateway.Bridge implementation ---

var errSessionBusy = errors.New("bridge: session busy, dropping message")

// Open implements gateway.Bridge: registers a consumer, creating the
// session if necessary.
func (b *Bridge) Open(ctx context.Context, sessionID, consumerID string, id gatekeeper.Identity) (gateway.Bootstrap, error) {
	rt := b.GetOrCreateSession(sessionID, "")
	reply := make(chan gateway.Bootstrap, 1)
	rt.submit(cmdRegisterConsumer{consumerID: consumerID, identity: id, reply: reply})

	select {
	case boot := <-reply:
		return boot, nil
	case <-ctx.Done():
		return gateway.Bootstrap{}, ctx.Err()
	case <-time.After(10 * time.Second):
		return gateway.Bootstrap{}, errSessionBusy
	}
}

// Route implements gateway.Bridge. The owner task resolves consumerID
// against the identity registered in Open, so the display name attached
// to forwarded messages is the consumer's real one rather than a bare
// placeholder built from the id alone.
func (b *Bridge) Route(sessionID, consumerID string, msg gateway.Inbound) error {
	rt, ok := b.lookup(sessionID)
	if !ok {
		return errSessionBusy
	}
	if !rt.trySubmit(cmdRouteConsumerMessage{consumerID: consumerID, msg: msg, reply: make(chan error, 1)}) {
		return errSessionBusy
	}
	return nil
}

// Leave implements gateway.Bridge.
func (b *Bridge) Leave(sessionID, consumerID string) {
	if rt, ok := b.lookup(sessionID); ok {
		rt.submit(cmdLeaveConsumer{consumerID: consumerID})
	}
}
