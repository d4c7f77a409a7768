package gateway

import "testing"

func TestConnection_EnqueueSignalsSlowWhenQueueFull(t *testing.T) {
	c := newConnection("s1", "c1", nil, nil, nil)

	for i := 0; i < outboundQueueSize; i++ {
		c.enqueue(map[string]any{"n": i})
	}
	select {
	case <-c.slow:
		t.Fatalf("slow signal fired before the queue was full")
	default:
	}

	c.enqueue(map[string]any{"n": "overflow"})
	select {
	case <-c.slow:
	default:
		t.Fatalf("expected a slow-consumer signal once the outbound queue is full")
	}
}

func TestConnection_EnqueuePreservesOrder(t *testing.T) {
	c := newConnection("s1", "c1", nil, nil, nil)
	for i := 0; i < 10; i++ {
		c.enqueue(i)
	}
	for i := 0; i < 10; i++ {
		if got := <-c.outbound; got != i {
			t.Fatalf("expected message %d in order, got %v", i, got)
		}
	}
}
