// Package breaker tracks consecutive transfer failures across a batch and
// decides when the batch has to pause.
package breaker

import (
	"sync"

	"github.com/paneflow/paneflow/internal/constants"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// PauseReason says why an open breaker paused the batch.
type PauseReason string

const (
	ReasonNone           PauseReason = ""
	ReasonFatal          PauseReason = "fatal_error"
	ReasonConnectionLost PauseReason = "connection_lost"
	ReasonRateLimited    PauseReason = "rate_limited"
	ReasonUnknown        PauseReason = "unknown_error"
)

// ReasonFor maps an error kind to the pause reason it produces.
func ReasonFor(k Kind) PauseReason {
	switch k {
	case KindFatal:
		return ReasonFatal
	case KindNetwork:
		return ReasonConnectionLost
	case KindRateLimited:
		return ReasonRateLimited
	default:
		return ReasonUnknown
	}
}

// Snapshot is a copy of the breaker state for display.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	PauseReason         PauseReason
	TrippedKind         Kind
}

// Breaker is safe for concurrent use.
type Breaker struct {
	threshold int

	mu       sync.Mutex
	state    State
	failures int
	reason   PauseReason
	kind     Kind
}

// New returns a closed breaker. A threshold below 1 uses the default of 3.
func New(threshold int) *Breaker {
	if threshold < 1 {
		threshold = constants.BreakerThreshold
	}
	return &Breaker{threshold: threshold}
}

// Threshold returns the number of consecutive failures that opens the breaker.
func (b *Breaker) Threshold() int { return b.threshold }

// RecordFailure counts one failed item. It returns true only when this call
// moved the breaker from closed to open.
func (b *Breaker) RecordFailure(kind Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == Open || b.failures < b.threshold {
		return false
	}
	b.state = Open
	b.reason = ReasonFor(kind)
	b.kind = kind
	return true
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

// Resume closes an open breaker after the user or a reconnect resumed the batch.
func (b *Breaker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *Breaker) reset() {
	b.state = Closed
	b.failures = 0
	b.reason = ReasonNone
	b.kind = KindUnknown
}

// IsOpen reports whether the breaker is open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		PauseReason:         b.reason,
		TrippedKind:         b.kind,
	}
}
