package gateway

import "encoding/json"

// Inbound is the flat JSON shape of every inbound consumer message type.
// Only the fields relevant to Type are populated.
type Inbound struct {
	Type string `json:"type"`

	RequestID string `json:"request_id,omitempty"`
	Behavior  string `json:"behavior,omitempty"`
	Message   string `json:"message,omitempty"`

	Model   string `json:"model,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Adapter string `json:"adapter,omitempty"`

	Content string   `json:"content,omitempty"`
	Images  []string `json:"images,omitempty"`
}

// ParseInbound decodes a raw inbound frame. Callers that need the envelope
// layer should decrypt first and pass the resulting plaintext here.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	err := json.Unmarshal(data, &in)
	return in, err
}
