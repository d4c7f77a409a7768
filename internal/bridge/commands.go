package bridge

import (
	"github.com/ashureev/sessionbridge/internal/gatekeeper"
	"github.com/ashureev/sessionbridge/internal/gateway"
	"github.com/ashureev/sessionbridge/internal/unified"
)

// command is the closed set of messages submitted to a Runtime's owner
// task; other tasks submit work via these typed messages. Every mutation
// of a SessionRuntime funnels through here so it is serialized by
// construction.
type command interface{ isCommand() }

type cmdConnectBackend struct {
	adapterName string
	cwd         string
	model       string
	reply       chan error
}

func (cmdConnectBackend) isCommand() {}

type cmdDisconnectBackend struct {
	reason string
	reply  chan struct{}
}

func (cmdDisconnectBackend) isCommand() {}

type cmdCloseSession struct {
	reply chan struct{}
}

func (cmdCloseSession) isCommand() {}

type cmdSendToBackend struct {
	msg unified.Message
}

func (cmdSendToBackend) isCommand() {}

type cmdSendUserMessage struct {
	consumerID  string
	displayName string
	text        string
	images      []string
}

func (cmdSendUserMessage) isCommand() {}

type cmdPermissionResponse struct {
	requestID string
	behavior  string
	message   string
}

func (cmdPermissionResponse) isCommand() {}

type cmdInterrupt struct{}

func (cmdInterrupt) isCommand() {}

type cmdSetModel struct{ model string }

func (cmdSetModel) isCommand() {}

type cmdSetPermissionMode struct{ mode string }

func (cmdSetPermissionMode) isCommand() {}

type cmdQueueMessage struct {
	consumerID  string
	displayName string
	content     string
	images      []string
}

func (cmdQueueMessage) isCommand() {}

type cmdUpdateQueuedMessage struct {
	consumerID string
	content    string
	images     []string
}

func (cmdUpdateQueuedMessage) isCommand() {}

type cmdCancelQueuedMessage struct{ consumerID string }

func (cmdCancelQueuedMessage) isCommand() {}

// cmdBackendMessage is forwarded by the backend consumption task (one task
// per open backend) so message folding still happens on the Runtime's
// single owner goroutine.
type cmdBackendMessage struct{ msg unified.Message }

func (cmdBackendMessage) isCommand() {}

type cmdBackendStreamEnded struct{ err error }

func (cmdBackendStreamEnded) isCommand() {}

type cmdRegisterConsumer struct {
	consumerID string
	identity   gatekeeper.Identity
	reply      chan gateway.Bootstrap
}

func (cmdRegisterConsumer) isCommand() {}

type cmdLeaveConsumer struct{ consumerID string }

func (cmdLeaveConsumer) isCommand() {}

type cmdRouteConsumerMessage struct {
	consumerID string
	msg        gateway.Inbound
	reply      chan error
}

func (cmdRouteConsumerMessage) isCommand() {}
