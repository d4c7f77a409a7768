package gatekeeper

import (
	"testing"
	"time"
)

func TestAuthorize_ObserverDeniedParticipantActions(t *testing.T) {
	g := New(nil)
	observer := Identity{UserID: "u1", Role: RoleObserver}

	for _, action := range []Action{
		ActionUserMessage, ActionSlashCommand, ActionQueueMessage,
		ActionUpdateQueued, ActionCancelQueued, ActionPermissionResponse,
		ActionSetModel, ActionSetPermissionMode, ActionInterrupt,
	} {
		if g.Authorize(observer, action) {
			t.Errorf("expected observer denied for %s", action)
		}
	}
}

func TestAuthorize_ParticipantAllowed(t *testing.T) {
	g := New(nil)
	participant := Identity{UserID: "u1", Role: RoleParticipant}
	if !g.Authorize(participant, ActionUserMessage) {
		t.Fatal("expected participant allowed")
	}
}

func TestCreateAnonymousIdentity_IsParticipant(t *testing.T) {
	id, err := CreateAnonymousIdentity()
	if err != nil {
		t.Fatalf("CreateAnonymousIdentity: %v", err)
	}
	if id.Role != RoleParticipant {
		t.Fatalf("expected participant role, got %s", id.Role)
	}
	if id.UserID == "" {
		t.Fatal("expected non-empty UserID")
	}
}

func TestRateLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	rl := NewRateLimiter(2, 50*time.Millisecond)
	defer rl.Close()

	if !rl.Allow("k1") || !rl.Allow("k1") {
		t.Fatal("expected first two hits allowed")
	}
	if rl.Allow("k1") {
		t.Fatal("expected third hit within window to be blocked")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.Allow("k1") {
		t.Fatal("expected hit allowed again after window elapsed")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, time.Second)
	defer rl.Close()

	if !rl.Allow("a") {
		t.Fatal("expected a allowed")
	}
	if !rl.Allow("b") {
		t.Fatal("expected b allowed independent of a")
	}
}
