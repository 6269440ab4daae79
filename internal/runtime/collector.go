package runtime

import (
	"sync"
	"time"
)

// Sink receives a copy of every event appended to a collector.
type Sink func(conversationID string, ev Event)

// Collector is the append-only event log of one conversation. Readers either
// poll with Since or block on Changed, which is closed on the next append.
type Collector struct {
	conversationID string
	sink           Sink

	mu      sync.RWMutex
	events  []Event
	changed chan struct{}
}

func NewCollector(conversationID string, sink Sink) *Collector {
	return &Collector{
		conversationID: conversationID,
		sink:           sink,
		changed:        make(chan struct{}),
	}
}

// Append stores ev and returns its sequence number. It never blocks on readers.
func (c *Collector) Append(ev Event) int {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	ev.Seq = len(c.events)
	c.events = append(c.events, ev)
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()

	if c.sink != nil {
		c.sink(c.conversationID, ev)
	}
	return ev.Seq
}

// Len returns the number of events appended so far.
func (c *Collector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Since returns a copy of the events with sequence numbers >= from.
func (c *Collector) Since(from int) []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(c.events) {
		return nil
	}
	out := make([]Event, len(c.events)-from)
	copy(out, c.events[from:])
	return out
}

// Snapshot returns a copy of every event appended so far.
func (c *Collector) Snapshot() []Event {
	return c.Since(0)
}

// Changed returns a channel that is closed on the next Append.
func (c *Collector) Changed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.changed
}
