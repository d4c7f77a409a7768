package acp

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/ashureev/sessionbridge/internal/unified"
)

// readLoop is the one child-process stdout reader task per Session. It
// parses each line, routes it to the matching handler, and on stream end
// or read error closes Messages() and signals Errors().
func (s *Session) readLoop() {
	defer close(s.messages)

	scanner := newLineScanner(s.proc)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			s.logger.Warn("acp: dropped unparsable line", "outcome", "parse_error", "error", err)
			continue
		}

		switch {
		case f.isNotification():
			s.handleNotification(f)
		case f.isRequest():
			s.handleAgentRequest(f)
		case f.isResponse():
			s.handleResponse(f)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		select {
		case s.errs <- err:
		default:
		}
	}
}

// sessionUpdateParams supports both the nested `{sessionId, update: {...}}`
// shape and the flat `{sessionId, sessionUpdate, ...}` shape.
type sessionUpdateParams struct {
	SessionID     string          `json:"sessionId"`
	Update        json.RawMessage `json:"update"`
	SessionUpdate string          `json:"sessionUpdate"`
	Text          string          `json:"text"`
	ToolName      string          `json:"toolName"`
	ToolUseID     string          `json:"toolUseId"`
	Status        string          `json:"status"`
}

func (s *Session) handleNotification(f frame) {
	switch f.Method {
	case "session/update":
		s.handleSessionUpdate(f.Params)
	default:
		s.logger.Debug("acp: unhandled notification", "method", f.Method)
	}
}

func (s *Session) handleSessionUpdate(raw json.RawMessage) {
	var p sessionUpdateParams
	if err := decodeParams(raw, &p); err != nil {
		s.logger.Warn("acp: malformed session/update", "error", err)
		return
	}

	kind := p.SessionUpdate
	nested := p.Update
	if kind == "" && len(nested) > 0 {
		var inner struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(nested, &inner); err == nil {
			kind = inner.Type
			if p.Text == "" {
				p.Text = inner.Text
			}
		}
	}

	switch kind {
	case "agent_message_chunk":
		s.handleMessageChunk(p.Text)
	case "tool_call_progress":
		s.emit(unified.New(unified.TypeToolProgress, unified.RoleAssistant, unified.TextBlock(p.Text)))
	case "plan", "status":
		statusMsg := unified.New(unified.TypeStatusChange, unified.RoleSystem)
		status := p.Status
		if status == "" {
			status = "idle"
		}
		statusMsg.Metadata["status"] = status
		s.emit(statusMsg)
	default:
		s.emit(unified.New(unified.TypeStreamEvent, unified.RoleAssistant, unified.TextBlock(p.Text)))
	}
}

func (s *Session) handleMessageChunk(text string) {
	s.turnMu.Lock()
	firstChunk := !s.turnRunningEmitted
	if firstChunk {
		s.turnRunningEmitted = true
	}
	s.turnBuffer += text
	s.turnMu.Unlock()

	if firstChunk {
		s.emit(statusChangeRunning())
	}
}

// handleAgentRequest answers agent-initiated requests: session/request_permission
// is a real permission prompt; fs/* and terminal/* are answered with a
// local "not supported" stub.
func (s *Session) handleAgentRequest(f frame) {
	switch {
	case f.Method == "session/request_permission":
		s.handlePermissionRequest(f)
	case strings.HasPrefix(f.Method, "fs/"), strings.HasPrefix(f.Method, "terminal/"):
		if resp, err := encodeErrorResponse(f.ID, methodNotSupportedCode, "method not supported"); err == nil {
			_, _ = s.proc.Write(resp)
		}
	default:
		s.logger.Debug("acp: unhandled agent request", "method", f.Method)
	}
}

type permissionRequestParams struct {
	SessionID string          `json:"sessionId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input"`
}

func (s *Session) handlePermissionRequest(f frame) {
	var p permissionRequestParams
	if err := decodeParams(f.Params, &p); err != nil {
		s.logger.Warn("acp: malformed session/request_permission", "error", err)
		return
	}

	reqID := idString(f.ID)
	s.turnMu.Lock()
	s.pendingPermissionRequestID = reqID
	s.turnMu.Unlock()

	msg := unified.New(unified.TypePermissionRequest, unified.RoleAssistant,
		unified.ToolUseBlock(reqID, p.ToolName, p.Input))
	msg.Metadata["request_id"] = reqID
	msg.Metadata["tool_name"] = p.ToolName
	s.emit(msg)
}

func (s *Session) handleResponse(f frame) {
	id := idString(f.ID)
	if !s.resolvePending(id, f) {
		return
	}

	if f.Error != nil {
		s.handleErrorResponse(f)
		return
	}

	var result struct {
		StopReason string `json:"stopReason"`
	}
	_ = decodeParams(f.Result, &result)

	if result.StopReason != "" {
		s.finishTurn(result.StopReason)
	}
}

func (s *Session) handleErrorResponse(f frame) {
	isProviderAuth := f.Error.Data != nil && strings.Contains(string(f.Error.Data), "provider_auth")
	if isProviderAuth {
		auth := unified.New(unified.TypeAuthStatus, unified.RoleSystem, unified.TextBlock(f.Error.Message))
		auth.Metadata["code"] = "provider_auth"
		s.emit(auth)
	}

	result := unified.New(unified.TypeResult, unified.RoleSystem, unified.TextBlock(f.Error.Message))
	result.Metadata["is_error"] = true
	if isProviderAuth {
		result.Metadata["code"] = "provider_auth"
	}
	s.emit(result)

	s.turnMu.Lock()
	s.turn = turnIdle
	s.turnMu.Unlock()
}

// finishTurn synthesizes the accumulated streaming text into a final
// assistant message, then emits the result for the turn's stop reason.
func (s *Session) finishTurn(stopReason string) {
	s.turnMu.Lock()
	text := s.turnBuffer
	s.turnBuffer = ""
	s.turn = turnIdle
	s.turnMu.Unlock()

	if text != "" {
		s.emit(unified.New(unified.TypeAssistant, unified.RoleAssistant, unified.TextBlock(text)))
	}

	result := unified.New(unified.TypeResult, unified.RoleSystem)
	result.Metadata["stop_reason"] = stopReason
	result.Metadata["is_error"] = false
	s.emit(result)
}

func statusChangeRunning() unified.Message {
	msg := unified.New(unified.TypeStatusChange, unified.RoleSystem)
	msg.Metadata["status"] = "running"
	return msg
}
