package breaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/paneflow/paneflow/internal/events"
)

// Decision is the answer to a pause prompt.
type Decision int

const (
	DecisionResume Decision = iota
	DecisionCancel
)

// Pause describes an open breaker to whoever decides how to continue.
type Pause struct {
	BatchID  string
	ItemName string
	Reason   PauseReason
	Kind     Kind
	Failures int
	Attempt  int // resume attempts already made on this item
	Err      error
}

// ResumePrompter asks whether a paused batch should continue.
type ResumePrompter interface {
	AskResume(ctx context.Context, p Pause) (Decision, error)
}

// Notifier raises a desktop notification.
type Notifier interface {
	Notify(title, message string) error
}

// Gate publishes breaker transitions and blocks on the resume prompt.
type Gate struct {
	bus      *events.EventBus
	notifier Notifier
	prompter ResumePrompter
}

// NewGate builds a gate. Any argument may be nil; without a prompter every
// pause cancels.
func NewGate(bus *events.EventBus, notifier Notifier, prompter ResumePrompter) *Gate {
	return &Gate{bus: bus, notifier: notifier, prompter: prompter}
}

// Opened announces the closed to open transition. Call it once per trip.
func (g *Gate) Opened(p Pause) {
	ev := &events.BreakerEvent{
		BaseEvent:           events.NewBase(events.EventBreakerOpened),
		BatchID:             p.BatchID,
		PauseReason:         string(p.Reason),
		ErrorKind:           p.Kind.String(),
		ConsecutiveFailures: p.Failures,
	}
	if p.Err != nil {
		ev.LastError = p.Err.Error()
	}
	g.bus.Publish(ev)

	if g.notifier != nil {
		_ = g.notifier.Notify("Transfers paused", describe(p))
	}
}

// Closed announces that the batch resumed.
func (g *Gate) Closed(batchID string) {
	g.bus.Publish(&events.BreakerEvent{
		BaseEvent: events.NewBase(events.EventBreakerClosed),
		BatchID:   batchID,
	})
}

// Await blocks until the prompter answers. Prompt errors and a done context
// count as cancel.
func (g *Gate) Await(ctx context.Context, p Pause) (Decision, error) {
	if g.prompter == nil {
		return DecisionCancel, nil
	}
	d, err := g.prompter.AskResume(ctx, p)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return DecisionCancel, nil
		}
		return DecisionCancel, fmt.Errorf("resume prompt: %w", err)
	}
	return d, nil
}

func describe(p Pause) string {
	switch p.Reason {
	case ReasonFatal:
		return fmt.Sprintf("Transfer of %s failed and the batch was stopped: %v", p.ItemName, p.Err)
	case ReasonConnectionLost:
		return fmt.Sprintf("Connection lost after %d failed transfers", p.Failures)
	case ReasonRateLimited:
		return "The server is throttling requests"
	default:
		return fmt.Sprintf("%d transfers failed in a row", p.Failures)
	}
}
