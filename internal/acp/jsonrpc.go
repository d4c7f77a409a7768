// Package acp implements the reference hard adapter: a
// JSON-RPC-2.0-over-stdio translation core shared by two transports —
// internal/acp/process (a local child) and internal/acp/container (the
// same protocol run inside a sandboxed Docker exec session).
//
// No off-the-shelf JSON-RPC library fits this framing, so the frame shape
// is hand-rolled the same way the WebSocket message envelope elsewhere in
// this module is hand-rolled, rather than reaching for a framework that
// doesn't match this wire shape.
package acp

import "encoding/json"

// frame is the superset of JSON-RPC 2.0 request/response/notification
// shapes. ID is a *json.RawMessage so presence-vs-absence (notification vs
// request) survives a round trip, and so numeric ids sent by us come back
// byte-identical for correlation.
type frame struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcError        `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

const (
	methodNotSupportedCode = -32601
)

func (f frame) isRequest() bool      { return f.ID != nil && f.Method != "" }
func (f frame) isNotification() bool { return f.ID == nil && f.Method != "" }
func (f frame) isResponse() bool     { return f.ID != nil && f.Method == "" }

func idString(id *json.RawMessage) string {
	if id == nil {
		return ""
	}
	return string(*id)
}

func rawID(n int64) *json.RawMessage {
	b, _ := json.Marshal(n)
	raw := json.RawMessage(b)
	return &raw
}

func encodeNotification(method string, params any) ([]byte, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	f := frame{JSONRPC: "2.0", Method: method, Params: p}
	return appendNewline(json.Marshal(f))
}

func encodeRequest(id int64, method string, params any) ([]byte, error) {
	p, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	f := frame{JSONRPC: "2.0", ID: rawID(id), Method: method, Params: p}
	return appendNewline(json.Marshal(f))
}

func encodeResponse(id *json.RawMessage, result any) ([]byte, error) {
	r, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	f := frame{JSONRPC: "2.0", ID: id, Result: r}
	return appendNewline(json.Marshal(f))
}

func encodeErrorResponse(id *json.RawMessage, code int, message string) ([]byte, error) {
	f := frame{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
	return appendNewline(json.Marshal(f))
}

func appendNewline(b []byte, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
