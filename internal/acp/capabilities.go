package acp

import "github.com/ashureev/sessionbridge/internal/backend"

// DefaultCapabilities is the capability declaration shared by both ACP
// transports: the wire protocol and turn semantics are identical, only the
// process boundary differs.
func DefaultCapabilities(availability backend.Availability) backend.Capabilities {
	return backend.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  availability,
		Teams:         false,
	}
}
