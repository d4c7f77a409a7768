package main

import (
	"testing"
	"time"
)

func TestReconnectBackoff_GeometricCappedAt30s(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // 1<<5 == 32s, clamped
		30 * time.Second,
		30 * time.Second,
	}
	prev := time.Duration(0)
	for attempt, w := range want {
		got := reconnectBackoff(attempt)
		if got != w {
			t.Fatalf("attempt %d: got %s, want %s", attempt, got, w)
		}
		if got < prev {
			t.Fatalf("attempt %d: backoff decreased from %s to %s", attempt, prev, got)
		}
		prev = got
	}
}

func TestReconnectBackoff_NeverExceedsCap(t *testing.T) {
	for attempt := 0; attempt < 100; attempt++ {
		if d := reconnectBackoff(attempt); d > 30*time.Second {
			t.Fatalf("attempt %d: backoff %s exceeds 30s cap", attempt, d)
		}
	}
}
