package events

import (
	"testing"
	"time"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)

	bus.Publish(&TransferEvent{
		BaseEvent: NewBase(EventTransferProgress),
		ItemID:    "item-1",
		Name:      "report.pdf",
		Progress:  0.5,
	})

	select {
	case received := <-ch:
		ev, ok := received.(*TransferEvent)
		if !ok {
			t.Fatal("Expected TransferEvent")
		}
		if ev.Name != "report.pdf" {
			t.Errorf("Expected name 'report.pdf', got '%s'", ev.Name)
		}
		if ev.Progress != 0.5 {
			t.Errorf("Expected progress 0.5, got %f", ev.Progress)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestEventBus_DifferentEventTypes(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	breakerCh := bus.Subscribe(EventBreakerOpened)
	sessionCh := bus.Subscribe(EventSessionStatus)

	bus.Publish(&BreakerEvent{
		BaseEvent:   NewBase(EventBreakerOpened),
		PauseReason: "connection_lost",
	})

	select {
	case <-breakerCh:
	case <-time.After(100 * time.Millisecond):
		t.Error("Breaker subscriber didn't receive event")
	}

	select {
	case <-sessionCh:
		t.Error("Session subscriber received wrong event type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	allCh := bus.SubscribeAll()

	bus.Publish(&TransferEvent{BaseEvent: NewBase(EventTransferQueued)})
	bus.Publish(&SessionEvent{BaseEvent: NewBase(EventSessionSwitched)})

	count := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allCh:
			count++
		case <-time.After(100 * time.Millisecond):
		}
	}

	if count != 2 {
		t.Errorf("Expected to receive 2 events, got %d", count)
	}
}

func TestEventBus_NonBlocking(t *testing.T) {
	bus := NewEventBus(2)
	defer bus.Close()

	ch := bus.Subscribe(EventTransferProgress)

	for i := 0; i < 10; i++ {
		bus.Publish(&TransferEvent{BaseEvent: NewBase(EventTransferProgress)})
	}

	if got := bus.GetDroppedEventCount(); got != 8 {
		t.Errorf("Expected 8 dropped events, got %d", got)
	}
	if got := bus.ResetDroppedEventCount(); got != 8 {
		t.Errorf("Expected reset to return 8, got %d", got)
	}
	if got := bus.GetDroppedEventCount(); got != 0 {
		t.Errorf("Expected 0 dropped events after reset, got %d", got)
	}
	if len(ch) != 2 {
		t.Errorf("Expected 2 buffered events, got %d", len(ch))
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(10)

	ch := bus.Subscribe(EventPanelListing)

	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after bus.Close()")
	}

	// Publishing after close should not panic
	bus.Publish(&PanelEvent{BaseEvent: NewBase(EventPanelListing)})

	// Subscribing after close returns a closed channel
	late := bus.Subscribe(EventPanelListing)
	if _, ok := <-late; ok {
		t.Error("Late subscription should be closed")
	}
}

func TestEventBus_NilPublish(t *testing.T) {
	var bus *EventBus
	bus.Publish(&LogEvent{BaseEvent: NewBase(EventLog)})
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventNavSyncChanged)
	bus.Unsubscribe(EventNavSyncChanged, ch)

	bus.Publish(&NavSyncEvent{BaseEvent: NewBase(EventNavSyncChanged), Enabled: true})

	select {
	case <-ch:
		t.Error("Unsubscribed channel received an event")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("LogLevel(%d).String() = %s, expected %s", tt.level, got, tt.expected)
		}
	}
}

func TestPublishLog(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventLog)
	bus.PublishLog(WarnLevel, "breaker opened", "batch", nil)

	select {
	case ev := <-ch:
		logEv, ok := ev.(*LogEvent)
		if !ok {
			t.Fatal("Expected LogEvent")
		}
		if logEv.Level != WarnLevel || logEv.Source != "batch" {
			t.Errorf("Unexpected log event: %+v", logEv)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for log event")
	}
}
