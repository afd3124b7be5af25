package events

import (
	"log/slog"
	"sync"
	"time"
)

// Bus delivers events to subscribers and keeps a ring of recent ones.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event. Status transitions are also appended to the journal when a Store
// is attached.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	recent []Event
	limit  int
	store  *Store
}

// NewBus creates a bus remembering the last limit events. store may be nil.
func NewBus(limit int, store *Store) *Bus {
	if limit <= 0 {
		limit = 200
	}
	return &Bus{subs: make(map[int]chan Event), limit: limit, store: store}
}

// Publish stamps and fans out evt. A nil bus drops the event, so components
// built without one stay usable.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}

	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > b.limit {
		b.recent = b.recent[len(b.recent)-b.limit:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	store := b.store
	b.mu.Unlock()

	if store != nil && evt.Kind == KindStatus {
		if err := store.Append(evt); err != nil {
			slog.Debug("failed to journal event", "source", evt.Source, "error", err)
		}
	}
}

// Status publishes a status transition.
func (b *Bus) Status(source, state, msg string, sev Severity) {
	b.Publish(Event{Source: source, Kind: KindStatus, State: state, Message: msg, Severity: sev})
}

// Log publishes a human-readable log line.
func (b *Bus) Log(source string, sev Severity, msg string) {
	b.Publish(Event{Source: source, Kind: KindLog, Message: msg, Severity: sev})
}

// Subscribe returns a channel of future events and a func that unsubscribes
// and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n of the newest events, oldest first.
func (b *Bus) Recent(n int) []Event {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}
