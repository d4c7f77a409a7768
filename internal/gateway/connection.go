package gateway

import (
	"context"
	"encoding/json"

	"github.com/ashureev/sessionbridge/internal/envelope"
	"github.com/ashureev/sessionbridge/internal/obs"
	"github.com/coder/websocket"
)

// outboundQueueSize bounds how many pending frames a consumer can be
// behind before it is treated as a slow consumer and disconnected.
const outboundQueueSize = 256

// connection is one open consumer WebSocket plus its bounded outbound
// queue, pairing a websocket.Conn with the per-consumer flow-control state
// needed to detect and drop a slow reader.
type connection struct {
	sessionID  string
	consumerID string

	ws        *websocket.Conn
	outbound  chan any
	slow      chan struct{}
	encryptor *envelope.Layer
	logger    obs.Logger
}

func newConnection(sessionID, consumerID string, ws *websocket.Conn, enc *envelope.Layer, logger obs.Logger) *connection {
	return &connection{
		sessionID:  sessionID,
		consumerID: consumerID,
		ws:         ws,
		outbound:   make(chan any, outboundQueueSize),
		slow:       make(chan struct{}, 1),
		encryptor:  enc,
		logger:     logger,
	}
}

// enqueue is the non-blocking fan-out send. A full queue signals "slow"
// once; the write loop observing that signal closes the connection with a
// policy-violation code rather than stalling the publisher.
func (c *connection) enqueue(payload any) {
	select {
	case c.outbound <- payload:
	default:
		select {
		case c.slow <- struct{}{}:
		default:
		}
	}
}

func (c *connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.slow:
			return errSlowConsumer
		case payload := <-c.outbound:
			if err := c.write(ctx, payload); err != nil {
				return err
			}
		}
	}
}

func (c *connection) write(ctx context.Context, payload any) error {
	if c.encryptor != nil {
		wire, err := c.encryptor.EncryptOutbound(payload)
		if err != nil {
			c.logger.Warn("gateway: encrypt outbound failed", "error", err, "consumer_id", c.consumerID)
			return nil
		}
		return c.ws.Write(ctx, websocket.MessageText, []byte(wire))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("gateway: marshal outbound failed", "error", err, "consumer_id", c.consumerID)
		return nil
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}
