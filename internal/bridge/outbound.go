package bridge

import (
	"github.com/ashureev/sessionbridge/internal/gatekeeper"
	"github.com/ashureev/sessionbridge/internal/session"
	"github.com/ashureev/sessionbridge/internal/unified"
)

// toOutbound projects a UnifiedMessage onto the flat ConsumerMessage shape
// the gateway serializes. The `type` tag is preserved verbatim; everything
// else rides along in `metadata`/`content` so new UnifiedMessage fields
// never need a matching change here.
func toOutbound(msg unified.Message) map[string]any {
	out := map[string]any{
		"type": string(msg.Type),
	}
	if msg.Role != "" {
		out["role"] = string(msg.Role)
	}
	if len(msg.Content) > 0 {
		out["content"] = msg.Content
	}
	if text := msg.Text(); text != "" {
		out["text"] = text
	}
	for k, v := range msg.Metadata {
		out[k] = v
	}
	return out
}

func identityPayload(id gatekeeper.Identity) map[string]any {
	return map[string]any{
		"type":        "identity",
		"userId":      id.UserID,
		"displayName": id.DisplayName,
		"role":        string(id.Role),
	}
}

func presencePayload(consumerIDs []string) map[string]any {
	return map[string]any{"type": "presence_update", "consumers": consumerIDs}
}

func historyPayload(messages []unified.Message) map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, toOutbound(m))
	}
	return map[string]any{"type": "message_history", "messages": out}
}

func cliConnectedPayload() map[string]any { return map[string]any{"type": "cli_connected"} }

func cliDisconnectedPayload(code int, reason string) map[string]any {
	return map[string]any{"type": "cli_disconnected", "code": code, "reason": reason}
}

func capabilitiesReadyPayload(streaming, permissions, slashCommands, teams bool, availability string) map[string]any {
	return map[string]any{
		"type":           "capabilities_ready",
		"streaming":      streaming,
		"permissions":    permissions,
		"slash_commands": slashCommands,
		"teams":          teams,
		"availability":   availability,
	}
}

func permissionCancelledPayload(requestID string) map[string]any {
	return map[string]any{"type": "permission_cancelled", "request_id": requestID}
}

func messageQueuedPayload(q session.QueuedMessage) map[string]any {
	return map[string]any{"type": "message_queued", "content": q.Content, "images": q.Images}
}

func queuedMessageUpdatedPayload(q session.QueuedMessage) map[string]any {
	return map[string]any{"type": "queued_message_updated", "content": q.Content, "images": q.Images}
}

func queuedMessageCancelledPayload() map[string]any {
	return map[string]any{"type": "queued_message_cancelled"}
}

func queuedMessageSentPayload() map[string]any {
	return map[string]any{"type": "queued_message_sent"}
}

func errorPayload(source, message string) map[string]any {
	return map[string]any{"type": "error", "source": source, "message": message}
}
