package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/paneflow/paneflow/internal/constants"
)

// EventType defines the types of events that can be emitted
type EventType string

const (
	EventLog EventType = "log"

	// Transfer queue events
	EventTransferQueued         EventType = "transfer_queued"
	EventTransferStarted        EventType = "transfer_started"
	EventTransferProgress       EventType = "transfer_progress"
	EventTransferFolderProgress EventType = "transfer_folder_progress"
	EventTransferCompleted      EventType = "transfer_completed"
	EventTransferFailed         EventType = "transfer_failed"
	EventTransferStopped        EventType = "transfer_stopped"
	EventTransferRequeued       EventType = "transfer_requeued"
	EventQueueCleared           EventType = "queue_cleared"

	// Batch lifecycle
	EventBatchStarted  EventType = "batch_started"
	EventBatchFinished EventType = "batch_finished"

	// Circuit breaker
	EventBreakerOpened EventType = "breaker_opened"
	EventBreakerClosed EventType = "breaker_closed"

	// Sessions
	EventSessionStatus   EventType = "session_status"
	EventSessionSwitched EventType = "session_switched"
	EventSessionClosed   EventType = "session_closed"

	// Panels
	EventPanelListing EventType = "panel_listing"
	EventPanelLoading EventType = "panel_loading"
	EventPanelError   EventType = "panel_error"
	EventPanelPath    EventType = "panel_path"

	// Navigation sync
	EventNavSyncChanged EventType = "navsync_changed"
	EventNavSyncMissing EventType = "navsync_missing"
)

// LogLevel defines log severity levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is the base interface for all events
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides common event fields
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// NewBase stamps an event header with the current time.
func NewBase(t EventType) BaseEvent {
	return BaseEvent{EventType: t, Time: time.Now()}
}

// LogEvent represents log messages
type LogEvent struct {
	BaseEvent
	Level   LogLevel
	Message string
	Source  string
	Error   error
}

// TransferEvent is published on every queue item transition.
type TransferEvent struct {
	BaseEvent
	ItemID       string
	BatchID      string
	Direction    string // "upload" or "download"
	Name         string
	Size         int64
	Status       string
	Progress     float64 // 0.0 to 1.0
	Speed        float64 // bytes/sec
	IsFolder     bool
	TotalFiles   int
	DoneFiles    int
	Skipped      bool
	ErrorMessage string
}

// BatchEvent marks the start and end of a batch run.
type BatchEvent struct {
	BaseEvent
	BatchID   string
	Total     int
	Completed int
	Skipped   int
	Failed    int
	Stopped   int
	Aborted   bool
	Reason    string
	Duration  time.Duration
}

// BreakerEvent reports circuit breaker transitions.
type BreakerEvent struct {
	BaseEvent
	BatchID             string
	PauseReason         string
	ErrorKind           string
	ConsecutiveFailures int
	LastError           string
}

// SessionEvent reports session status changes and switches.
type SessionEvent struct {
	BaseEvent
	SessionID string
	Label     string
	Status    string
	Error     string
}

// PanelEvent reports panel listing changes for one side.
type PanelEvent struct {
	BaseEvent
	Side       string // "remote" or "local"
	Path       string
	Count      int
	Generation uint64
	Error      string
}

// NavSyncEvent reports navigation sync state.
type NavSyncEvent struct {
	BaseEvent
	Enabled    bool
	RemoteBase string
	LocalBase  string
	Missing    string
}

// EventBus manages event subscriptions and publishing
type EventBus struct {
	subscribers   map[EventType][]chan Event
	all           []chan Event // Subscribers to all events
	mu            sync.RWMutex
	bufferSize    int
	closed        bool
	droppedEvents atomic.Int64 // Count of dropped events due to full buffers
}

// NewEventBus creates a new event bus with specified buffer size
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = constants.EventBusDefaultBuffer
	}
	if bufferSize > constants.EventBusMaxBuffer {
		bufferSize = constants.EventBusMaxBuffer
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		all:         make([]chan Event, 0),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a subscription to a specific event type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll creates a subscription to all events
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, eb.bufferSize)
	eb.all = append(eb.all, ch)
	return ch
}

// Publish sends an event to all subscribers without blocking. A nil bus is a no-op.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	for _, ch := range eb.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}

	for _, ch := range eb.all {
		select {
		case ch <- event:
		default:
			eb.droppedEvents.Add(1)
		}
	}
}

// Close shuts down the event bus and closes all channels
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	eb.closed = true

	for _, channels := range eb.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}

	for _, ch := range eb.all {
		close(ch)
	}
}

// PublishLog is a convenience method for publishing log events
func (eb *EventBus) PublishLog(level LogLevel, message, source string, err error) {
	eb.Publish(&LogEvent{
		BaseEvent: NewBase(EventLog),
		Level:     level,
		Message:   message,
		Source:    source,
		Error:     err,
	})
}

// Unsubscribe removes a subscription channel from a specific event type
func (eb *EventBus) Unsubscribe(eventType EventType, ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	subscribers := eb.subscribers[eventType]
	for i, subCh := range subscribers {
		if subCh == ch {
			subscribers[i] = subscribers[len(subscribers)-1]
			eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
			break
		}
	}
}

// UnsubscribeAll removes a subscription channel from all event types
func (eb *EventBus) UnsubscribeAll(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}

	for eventType, subscribers := range eb.subscribers {
		for i, subCh := range subscribers {
			if subCh == ch {
				subscribers[i] = subscribers[len(subscribers)-1]
				eb.subscribers[eventType] = subscribers[:len(subscribers)-1]
				break
			}
		}
	}

	for i, subCh := range eb.all {
		if subCh == ch {
			eb.all[i] = eb.all[len(eb.all)-1]
			eb.all = eb.all[:len(eb.all)-1]
			break
		}
	}
}

// GetDroppedEventCount returns the total number of events dropped due to full buffers
func (eb *EventBus) GetDroppedEventCount() int64 {
	return eb.droppedEvents.Load()
}

// ResetDroppedEventCount resets the dropped event counter to zero
func (eb *EventBus) ResetDroppedEventCount() int64 {
	return eb.droppedEvents.Swap(0)
}
