package session

import (
	"strconv"
	"testing"

	"github.com/ashureev/sessionbridge/internal/unified"
)

func textMsg(n int) unified.Message {
	return unified.New(unified.TypeUserMessage, unified.RoleUser, unified.TextBlock(strconv.Itoa(n)))
}

func TestHistory_CapBoundsLength(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 12; i++ {
		h.Append(textMsg(i))
	}
	if got := h.Len(); got != 5 {
		t.Fatalf("expected Len()=5 after 12 appends into cap-5 history, got %d", got)
	}
}

func TestHistory_PreservesTailInOrder(t *testing.T) {
	h := NewHistory(5)
	for i := 0; i < 12; i++ {
		h.Append(textMsg(i))
	}
	snap := h.Snapshot()
	if len(snap) != 5 {
		t.Fatalf("expected snapshot of 5 messages, got %d", len(snap))
	}
	for i, msg := range snap {
		want := strconv.Itoa(7 + i) // last 5 of 0..11 is 7,8,9,10,11
		if got := msg.Text(); got != want {
			t.Fatalf("snapshot[%d] = %q, want %q", i, got, want)
		}
	}
}

func TestHistory_BelowCapReturnsAllInOrder(t *testing.T) {
	h := NewHistory(10)
	for i := 0; i < 3; i++ {
		h.Append(textMsg(i))
	}
	snap := h.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap))
	}
	for i, msg := range snap {
		if got := msg.Text(); got != strconv.Itoa(i) {
			t.Fatalf("snapshot[%d] = %q, want %q", i, got, strconv.Itoa(i))
		}
	}
}

func TestHistory_NonPositiveCapacityFallsBackToDefault(t *testing.T) {
	h := NewHistory(0)
	if h.Cap() != defaultHistoryCap {
		t.Fatalf("expected fallback cap %d, got %d", defaultHistoryCap, h.Cap())
	}
}

func TestHistory_AppendClonesSoCallerMutationDoesNotLeak(t *testing.T) {
	h := NewHistory(5)
	msg := textMsg(1)
	h.Append(msg)
	msg.Metadata["mutated"] = true

	snap := h.Snapshot()
	if _, ok := snap[0].Metadata["mutated"]; ok {
		t.Fatalf("mutating the original message after Append leaked into the history buffer")
	}
}
