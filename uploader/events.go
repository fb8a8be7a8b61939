package uploader

import (
	"sync"
	"time"
)

// EventType discriminates the Event union.
type EventType string

const (
	EventLog           EventType = "log"
	EventStats         EventType = "stats"
	EventFileProgress  EventType = "file_progress"
	EventNetworkStatus EventType = "network_status"
	EventEngineState   EventType = "state"
	EventDiskWarning   EventType = "disk_warning"
	EventUploadError   EventType = "upload_error"
)

// Event is a status update broadcast to all registered listeners (UI,
// logger, test harness). Only the fields relevant to Type are set.
type Event struct {
	Type    EventType     `json:"type"`
	Message string        `json:"message,omitempty"`
	File    string        `json:"file,omitempty"`
	Percent int           `json:"percent,omitempty"`
	Stats   *Stats        `json:"stats,omitempty"`
	Network NetworkStatus `json:"network,omitempty"`
	State   EngineState   `json:"state,omitempty"`

	// Disk warning payload.
	TargetFreePct  float64 `json:"targetFreePct,omitempty"`
	BackupFreePct  float64 `json:"backupFreePct,omitempty"`
	ThresholdPct   int     `json:"thresholdPct,omitempty"`
}

// DuplicateChoice is the answer to a duplicate question.
type DuplicateChoice struct {
	Policy     DuplicatePolicy // skip, rename or overwrite
	ApplyToAll bool            // reuse this answer for the rest of the session
}

// DuplicateRequest is handed to an external resolver (the UI) when
// duplicate_strategy is "ask". The resolver must send exactly one answer on
// Reply; the engine stops waiting after its ask timeout and defaults to skip.
type DuplicateRequest struct {
	SourcePath    string
	CanonicalPath string
	SizeBytes     int64
	Reply         chan DuplicateChoice
}

// EventBus fans engine events out to any number of subscribers and carries
// the blocking duplicate ask/answer channel.
type EventBus struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	asks    chan DuplicateRequest
}

// NewEventBus creates an EventBus.
func NewEventBus() *EventBus {
	return &EventBus{
		clients: make(map[chan Event]struct{}),
		asks:    make(chan DuplicateRequest, 1),
	}
}

// Subscribe registers a new listener and returns its event channel.
func (b *EventBus) Subscribe() chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel.
func (b *EventBus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish sends an event to all listeners. Slow listeners are skipped
// (non-blocking send) so the engine never stalls on a consumer.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
			// slow listener, drop event
		}
	}
}

// Log publishes a human-readable log line event.
func (b *EventBus) Log(msg string) {
	b.Publish(Event{Type: EventLog, Message: msg})
}

// Asks returns the channel on which duplicate questions are delivered.
// At most one question is in flight at a time.
func (b *EventBus) Asks() <-chan DuplicateRequest {
	return b.asks
}

// ask delivers a duplicate question and waits for the answer, up to
// timeout. If nobody consumes the question or nobody answers in time, the
// zero choice (skip, not sticky) is returned.
func (b *EventBus) ask(req DuplicateRequest, timeout time.Duration) DuplicateChoice {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case b.asks <- req:
	case <-deadline.C:
		return DuplicateChoice{Policy: DuplicateSkip}
	}

	select {
	case choice := <-req.Reply:
		if choice.Policy == "" || choice.Policy == DuplicateAsk {
			choice.Policy = DuplicateSkip
		}
		return choice
	case <-deadline.C:
		return DuplicateChoice{Policy: DuplicateSkip}
	}
}
