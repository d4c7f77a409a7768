// Package unified defines the adapter-agnostic message model shared by every
// backend adapter, the reducer, and the consumer gateway.
package unified

import (
	"encoding/json"
	"fmt"
)

// Type is the closed set of UnifiedMessage tags.
type Type string

const (
	TypeSessionInit           Type = "session_init"
	TypeSessionUpdate         Type = "session_update"
	TypeStatusChange          Type = "status_change"
	TypeUserMessage           Type = "user_message"
	TypeAssistant              Type = "assistant"
	TypeStreamEvent           Type = "stream_event"
	TypeResult                Type = "result"
	TypePermissionRequest     Type = "permission_request"
	TypePermissionResponse    Type = "permission_response"
	TypePermissionCancelled   Type = "permission_cancelled"
	TypeToolProgress          Type = "tool_progress"
	TypeToolUseSummary        Type = "tool_use_summary"
	TypeAuthStatus            Type = "auth_status"
	TypeControlRequest        Type = "control_request"
	TypeControlResponse       Type = "control_response"
	TypeConfigurationChange   Type = "configuration_change"
	TypeInterrupt             Type = "interrupt"
	TypeSlashCommand          Type = "slash_command"
	TypeSlashCommandResult    Type = "slash_command_result"
	TypeQueueMessage          Type = "queue_message"
	TypeUpdateQueuedMessage   Type = "update_queued_message"
	TypeCancelQueuedMessage   Type = "cancel_queued_message"
	TypeError                 Type = "error"
)

// Role identifies the originator of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ContentType is the closed set of content block tags.
type ContentType string

const (
	ContentText       ContentType = "text"
	ContentToolUse    ContentType = "tool_use"
	ContentToolResult ContentType = "tool_result"
	ContentThinking   ContentType = "thinking"
	ContentImage      ContentType = "image"
	ContentCode       ContentType = "code"
	ContentRefusal    ContentType = "refusal"
)

// ContentBlock is a single tagged content element within a message.
//
// Only the fields relevant to Type are populated; the rest are left zero.
// This mirrors the source's structural-typing approach without resorting to
// an interface-per-variant, which would force every adapter to define its
// own concrete block types.
type ContentBlock struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	IsError         bool   `json:"is_error,omitempty"`

	ImageSource string `json:"image_source,omitempty"`
	ImageMime   string `json:"image_mime,omitempty"`

	Language string `json:"language,omitempty"`

	RefusalReason string `json:"refusal_reason,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: ContentToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

func ToolResultBlock(forID, text string, isError bool) ContentBlock {
	return ContentBlock{Type: ContentToolResult, ToolResultForID: forID, Text: text, IsError: isError}
}

func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentThinking, Text: text}
}

func ImageBlock(source, mime string) ContentBlock {
	return ContentBlock{Type: ContentImage, ImageSource: source, ImageMime: mime}
}

func CodeBlock(language, text string) ContentBlock {
	return ContentBlock{Type: ContentCode, Language: language, Text: text}
}

func RefusalBlock(reason string) ContentBlock {
	return ContentBlock{Type: ContentRefusal, RefusalReason: reason}
}

// Metadata is the free-form extension bag every UnifiedMessage carries.
//
// Well-known keys used by the reducer and adapters: session_id, message_id,
// request_id, trace_id, command, usage, stop_reason, model, cwd,
// context_used_percent inputs (model_usage), and adapter-specific context
// under an "adapter" sub-key.
type Metadata map[string]any

func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

func (m Metadata) Float(key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Message is the single typed value flowing between every adapter, the
// reducer, SessionBridge, and every connected consumer.
//
// Invariant: every Message carries enough Metadata for the reducer to fold
// it into SessionState without consulting prior messages beyond state the
// reducer already holds.
type Message struct {
	Type     Type           `json:"type"`
	Role     Role           `json:"role,omitempty"`
	Content  []ContentBlock `json:"content,omitempty"`
	Metadata Metadata       `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy so callers (notably the reducer and the
// history ring buffer) never alias a caller's slice/map.
func (m Message) Clone() Message {
	out := m
	if m.Content != nil {
		out.Content = append([]ContentBlock(nil), m.Content...)
	}
	if m.Metadata != nil {
		out.Metadata = make(Metadata, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// SessionID is a convenience accessor for the near-universal metadata key.
func (m Message) SessionID() string { return m.Metadata.String("session_id") }

// RequestID is a convenience accessor for control/permission correlation.
func (m Message) RequestID() string { return m.Metadata.String("request_id") }

// Text concatenates every text-bearing content block, the common case for
// rendering an assistant message or a streamed chunk.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		switch b.Type {
		case ContentText, ContentCode, ContentThinking:
			out += b.Text
		}
	}
	return out
}

// New builds a Message with metadata defaulted to an empty, non-nil map so
// callers can assign keys without a nil check.
func New(t Type, role Role, content ...ContentBlock) Message {
	return Message{Type: t, Role: role, Content: content, Metadata: Metadata{}}
}

// Error builds a `{type: error}` UnifiedMessage, the uniform shape every
// component uses to surface a failure to consumers.
func Error(source string, err error) Message {
	msg := New(TypeError, RoleSystem, TextBlock(err.Error()))
	msg.Metadata["source"] = source
	return msg
}

func (m Message) String() string {
	return fmt.Sprintf("unified.Message{type=%s role=%s blocks=%d}", m.Type, m.Role, len(m.Content))
}
