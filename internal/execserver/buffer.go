package execserver

import (
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/stream"
)

/*
EVENT LOG - BOUNDED, TIMESTAMP-INDEXED EVENT STORAGE PER EXECUTION

The EventLog keeps every event an execution has produced so a client can
disconnect and resume without gaps or duplicates.

DATA STRUCTURE:

    ┌──────────────────────────────────────────────────────────┐
    │ ... [purged] ... │ oldest │ event │ event │ ... │ newest │
    └──────────────────────────────────────────────────────────┘
                          ↑                             ↑
                          └── events[0]                 └── lastTimestamp

    Every appended event is stamped with a strictly increasing timestamp
    (seconds since the epoch, bumped by one microsecond on collisions).
    The timestamp is the resume cursor clients send back.

RESUMPTION PROTOCOL:

    1. First stream request: last_event_timestamp = 0 (everything buffered)
    2. Each streamed event carries its timestamp
    3. Resume request: last_event_timestamp = timestamp of the last event
       the client applied; the log returns events strictly after it

WAKEUPS:

    Streamers block on Changed(), a channel closed and replaced on every
    append, so any number of readers can wait without polling.

BOUNDS:

    The log never holds more than maxSize events. When full the oldest is
    dropped and droppedEvents increments; a client resuming from before the
    window then misses events, so maxSize must exceed an execution's output.
*/

// DefaultEventLogSize bounds the events kept per execution
const DefaultEventLogSize = 10000

// timestampStep separates events appended within the same clock reading
const timestampStep = 1e-6

// EventLog stores an execution's events for replay and resumption
type EventLog struct {
	executionID   string
	events        []*stream.Event
	maxSize       int
	lastTimestamp float64
	droppedEvents int64
	changed       chan struct{}
	now           func() time.Time
	mu            sync.RWMutex
}

// LogStats contains statistics about an event log
type LogStats struct {
	ExecutionID   string  `json:"execution_id"`
	CurrentSize   int     `json:"current_size"`
	MaxSize       int     `json:"max_size"`
	LastTimestamp float64 `json:"last_timestamp"`
	DroppedEvents int64   `json:"dropped_events"`
}

// NewEventLog creates a new event log for the given execution
func NewEventLog(executionID string, maxSize int) *EventLog {
	if maxSize <= 0 {
		maxSize = DefaultEventLogSize
	}
	return &EventLog{
		executionID: executionID,
		events:      make([]*stream.Event, 0, 64),
		maxSize:     maxSize,
		changed:     make(chan struct{}),
		now:         time.Now,
	}
}

// Append stamps the event, stores it and wakes waiting streamers. It returns
// the assigned timestamp.
func (l *EventLog) Append(event *stream.Event) float64 {
	l.mu.Lock()

	ts := float64(l.now().UnixMicro()) / 1e6
	if ts <= l.lastTimestamp {
		ts = l.lastTimestamp + timestampStep
	}
	stamped := *event
	stamped.Timestamp = ts
	l.lastTimestamp = ts

	if len(l.events) >= l.maxSize {
		l.events = l.events[1:]
		l.droppedEvents++
		metrics.RecordEventDrop()
	}
	l.events = append(l.events, &stamped)

	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	return ts
}

// After returns events strictly after the given timestamp
func (l *EventLog) After(timestamp float64) []*stream.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	// Events are ordered by timestamp; scan back from the end
	start := len(l.events)
	for start > 0 && l.events[start-1].Timestamp > timestamp {
		start--
	}
	result := make([]*stream.Event, len(l.events)-start)
	copy(result, l.events[start:])
	return result
}

// All returns every buffered event
func (l *EventLog) All() []*stream.Event {
	return l.After(0)
}

// Changed returns a channel closed on the next Append
func (l *EventLog) Changed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.changed
}

// LastTimestamp returns the timestamp of the newest event, or 0 if empty
func (l *EventLog) LastTimestamp() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTimestamp
}

// Len returns the number of events currently buffered
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Stats returns current log statistics
func (l *EventLog) Stats() LogStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LogStats{
		ExecutionID:   l.executionID,
		CurrentSize:   len(l.events),
		MaxSize:       l.maxSize,
		LastTimestamp: l.lastTimestamp,
		DroppedEvents: l.droppedEvents,
	}
}
