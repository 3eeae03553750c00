// Package notify sends desktop notifications when a batch pauses or finishes.
package notify

import (
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/paneflow/paneflow/internal/breaker"
	"github.com/paneflow/paneflow/internal/config"
	"github.com/paneflow/paneflow/internal/logging"
)

const appName = "paneflow"

// Notifier sends desktop notifications through beeep.
type Notifier struct {
	logger *logging.Logger
	cfg    config.NotificationConfig

	mu      sync.RWMutex
	enabled bool
	send    func(title, message string) error
}

// NewNotifier creates a notifier from the [notifications] config section.
func NewNotifier(cfg config.NotificationConfig, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Notifier{
		logger:  logger.Component("notify"),
		cfg:     cfg,
		enabled: cfg.Enabled,
		send: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

// SetEnabled enables or disables every channel.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// IsEnabled returns whether notifications are enabled.
func (n *Notifier) IsEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// Pauses is the channel for breaker trips, handed to breaker.NewGate.
func (n *Notifier) Pauses() breaker.Notifier {
	return channel{n: n, on: n.cfg.BreakerOpen}
}

// Summaries is the channel for finished batches, handed to the batch runner.
func (n *Notifier) Summaries() breaker.Notifier {
	return channel{n: n, on: n.cfg.BatchComplete}
}

// Notify ignores the per-channel switches. Send failures are logged and returned.
func (n *Notifier) Notify(title, message string) error {
	if !n.IsEnabled() {
		return nil
	}
	n.mu.RLock()
	send := n.send
	n.mu.RUnlock()

	if err := send(appName+": "+title, truncate(message, 200)); err != nil {
		n.logger.Warn().Err(err).Str("title", title).Msg("desktop notification failed")
		return err
	}
	return nil
}

// Beep plays the system beep, for terminals without a notification daemon.
func (n *Notifier) Beep() {
	if !n.IsEnabled() {
		return
	}
	_ = beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
}

type channel struct {
	n  *Notifier
	on bool
}

func (c channel) Notify(title, message string) error {
	if !c.on {
		return nil
	}
	return c.n.Notify(title, message)
}

// truncate shortens s to maxLen bytes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
