// Package gatekeeper implements Gatekeeper/Identity:
// authenticates consumer connections, assigns participant/observer roles,
// and rate-limits inbound traffic via an anonymous-identity fallback and a
// sliding-window rate limiter with background eviction.
package gatekeeper

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"strings"
)

var ErrUnauthorized = errors.New("gatekeeper: unauthorized")

// Role gates which actions a consumer may perform.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
)

// Identity identifies one consumer connection.
type Identity struct {
	UserID      string
	DisplayName string
	Role        Role
}

// Action enumerates the inbound consumer message types that require
// participant role; everything else is read-only for an observer.
type Action string

const (
	ActionUserMessage        Action = "user_message"
	ActionSlashCommand       Action = "slash_command"
	ActionQueueMessage       Action = "queue_message"
	ActionUpdateQueued       Action = "update_queued_message"
	ActionCancelQueued       Action = "cancel_queued_message"
	ActionPermissionResponse Action = "permission_response"
	ActionSetModel           Action = "set_model"
	ActionSetPermissionMode  Action = "set_permission_mode"
	ActionInterrupt          Action = "interrupt"
)

// Authenticator is implemented by whatever external identity provider a
// deployment wires in (API key header, OAuth, session cookie, ...). It is
// optional — a Gatekeeper with no Authenticator always falls back to
// anonymous identities.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Gatekeeper authenticates connections and authorizes actions against a
// consumer's role.
type Gatekeeper struct {
	auth Authenticator
}

func New(auth Authenticator) *Gatekeeper {
	return &Gatekeeper{auth: auth}
}

func (g *Gatekeeper) HasAuthenticator() bool { return g.auth != nil }

// AuthenticateAsync runs the configured Authenticator, if any. Returns
// ErrUnauthorized (not a bare Go error) so callers can distinguish "no
// identity" from transport failures.
func (g *Gatekeeper) AuthenticateAsync(r *http.Request) (Identity, error) {
	if g.auth == nil {
		return Identity{}, ErrUnauthorized
	}
	id, err := g.auth.Authenticate(r)
	if err != nil {
		return Identity{}, errJoin(ErrUnauthorized, err)
	}
	return id, nil
}

func errJoin(sentinel, cause error) error {
	return errors.Join(sentinel, cause)
}

const anonIDBytes = 16

// CreateAnonymousIdentity assigns a random participant identity.
func CreateAnonymousIdentity() (Identity, error) {
	raw := make([]byte, anonIDBytes)
	if _, err := rand.Read(raw); err != nil {
		return Identity{}, err
	}
	id := "anon-" + base64.RawURLEncoding.EncodeToString(raw)
	return Identity{
		UserID:      id,
		DisplayName: "Anonymous",
		Role:        RoleParticipant,
	}, nil
}

var participantOnlyActions = map[Action]struct{}{
	ActionUserMessage:        {},
	ActionSlashCommand:       {},
	ActionQueueMessage:       {},
	ActionUpdateQueued:       {},
	ActionCancelQueued:       {},
	ActionPermissionResponse: {},
	ActionSetModel:           {},
	ActionSetPermissionMode:  {},
	ActionInterrupt:          {},
}

// Authorize denies by default: any action in participantOnlyActions
// requires RoleParticipant. Unlisted actions (e.g. reading) are always
// allowed.
func (g *Gatekeeper) Authorize(identity Identity, action Action) bool {
	if _, gated := participantOnlyActions[action]; !gated {
		return true
	}
	return identity.Role == RoleParticipant
}

// IPFromRequest extracts the client IP, preferring X-Forwarded-For, for
// rate-limiter keying.
func IPFromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
