// Package eventbus implements the bridge's internal event bus: a
// strongly-typed pub/sub fan-out so embedders can observe bridge lifecycle
// events without coupling to its internals.
//
// Each subscriber gets its own buffered channel; when a subscriber's buffer
// is full the event is dropped for that subscriber rather than blocking the
// publisher, and the subscriber stays subscribed.
package eventbus

import (
	"sync"

	"github.com/ashureev/sessionbridge/internal/obs"
)

// Name is the closed set of event names SessionBridge emits.
type Name string

const (
	BackendConnected          Name = "backend:connected"
	BackendDisconnected       Name = "backend:disconnected"
	BackendSessionID          Name = "backend:session_id"
	CLIConnected              Name = "cli:connected"
	CLIDisconnected           Name = "cli:disconnected"
	CLISessionID              Name = "cli:session_id"
	SessionFirstTurnCompleted Name = "session:first_turn_completed"
	SessionClosed             Name = "session:closed"
	PermissionRequested       Name = "permission:requested"
	PermissionResolved        Name = "permission:resolved"
	CapabilitiesReady         Name = "capabilities:ready"
	MessageOutbound           Name = "message:outbound"
	AuthStatus                Name = "auth_status"
	Error                     Name = "error"
)

// Event is one published occurrence: SessionID identifies the session it
// concerns (empty for process-wide events), Payload is event-specific.
type Event struct {
	Name      Name
	SessionID string
	Payload   any
}

const subscriberBuffer = 64

// Bus is a process-wide typed pub/sub. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger obs.Logger
}

type subscriber struct {
	ch     chan Event
	filter map[Name]struct{} // nil means "all names"
}

func New(logger obs.Logger) *Bus {
	if logger == nil {
		logger = obs.Default()
	}
	return &Bus{subs: make(map[int]*subscriber), logger: logger}
}

// Subscription is returned by Subscribe; call Unsubscribe when done.
type Subscription struct {
	id  int
	bus *Bus
	Ch  <-chan Event
}

func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subs[s.id]; ok {
		close(sub.ch)
		delete(s.bus.subs, s.id)
	}
}

// Subscribe registers a new subscriber. If names is non-empty, only those
// event names are delivered; otherwise every event is.
func (b *Bus) Subscribe(names ...Name) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	var filter map[Name]struct{}
	if len(names) > 0 {
		filter = make(map[Name]struct{}, len(names))
		for _, n := range names {
			filter[n] = struct{}{}
		}
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), filter: filter}
	b.subs[id] = sub

	return &Subscription{id: id, bus: b, Ch: sub.ch}
}

// Publish fans an event out to every matching subscriber. A subscriber
// whose buffer is full is dropped (its notification, not the whole
// subscriber) so one slow consumer cannot stall the bridge.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.filter != nil {
			if _, ok := sub.filter[ev.Name]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("eventbus: dropped event, subscriber buffer full",
				"event", ev.Name, "session_id", ev.SessionID)
		}
	}
}
