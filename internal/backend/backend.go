// Package backend defines the contract every agent backend implementation
// must satisfy. The reference implementation lives in
// internal/acp; internal/acp/process and internal/acp/container are its two
// transport bindings.
package backend

import (
	"context"
	"errors"

	"github.com/ashureev/sessionbridge/internal/unified"
)

// Sentinel error kinds surfaced by Adapter.Connect and BackendSession
// methods.
var (
	ErrBackendUnavailable = errors.New("backend: adapter cannot start the child")
	ErrStartupFailed      = errors.New("backend: child exited before handshake")
	ErrAuthRequired       = errors.New("backend: provider requires authentication")
	ErrSessionClosed      = errors.New("backend: operation attempted after close")
	ErrNotSupported       = errors.New("backend: operation not supported by this adapter")
)

// Availability is the static deployment model an adapter offers.
type Availability string

const (
	AvailabilityLocal  Availability = "local"
	AvailabilityRemote Availability = "remote"
	AvailabilityHybrid Availability = "hybrid"
)

// Capabilities is the static, per-adapter capability declaration.
type Capabilities struct {
	Streaming     bool
	Permissions   bool
	SlashCommands bool
	Availability  Availability
	Teams         bool
}

// ConnectOptions parameterizes Adapter.Connect.
type ConnectOptions struct {
	SessionID              string
	Cwd                    string
	Model                  string
	Tools                  []string
	ResumeBackendSessionID string
	PermissionModeHint     string
}

// Adapter is a factory that produces BackendSessions for one backend kind
// (e.g. the ACP reference adapter over a local child, or the same protocol
// run inside a sandboxed container).
type Adapter interface {
	// Connect starts or attaches to a backend and returns a live session.
	// Fails with ErrBackendUnavailable, ErrStartupFailed, or
	// ErrAuthRequired.
	Connect(ctx context.Context, opts ConnectOptions) (Session, error)

	// Capabilities returns this adapter's static capability declaration.
	Capabilities() Capabilities

	// Name identifies the adapter kind for logging and the `set_adapter`
	// consumer message.
	Name() string
}

// Session is a live handle to one running agent backend.
type Session interface {
	// SessionID is the adapter-assigned backend session id, which may
	// differ from the bridge's own session id.
	SessionID() string

	// Send translates msg to the adapter's native wire form and submits
	// it. Errors normally surface via Messages() or Errors(); Send itself
	// fails synchronously only with ErrSessionClosed.
	Send(ctx context.Context, msg unified.Message) error

	// SendRaw admits a prebuilt wire frame (e.g. a JSON-RPC control
	// request). Adapters without raw-frame support fail with
	// ErrNotSupported.
	SendRaw(ctx context.Context, frame []byte) error

	// Messages returns the lazy, single-consumer channel of inbound
	// UnifiedMessages. The channel closes when the backend ends; the
	// caller must also watch Errors() for mid-stream failure.
	Messages() <-chan unified.Message

	// Errors returns the channel a stream error is delivered on before
	// Messages() closes. Receives at most one value.
	Errors() <-chan error

	// Close is idempotent. It attempts graceful termination (stop
	// signal, bounded wait, forcible escalation) and then closes
	// Messages().
	Close(ctx context.Context) error
}
