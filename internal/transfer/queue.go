package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/events"
)

var (
	ErrItemNotFound   = errors.New("transfer item not found")
	ErrNotRetryable   = errors.New("transfer item is not in a terminal state")
	ErrNoRetryHandler = errors.New("no retry handler registered")
)

// RetryExecutor is implemented by components that can re-run a finished item.
// The queue calls ExecuteRetry after resetting the item to pending.
type RetryExecutor interface {
	ExecuteRetry(item TransferItem)
}

// QueueStats holds counts per status.
type QueueStats struct {
	Pending      int
	Transferring int
	Completed    int
	Skipped      int // subset of Completed
	Failed       int
	Stopped      int
}

// Total returns the number of items in the queue.
func (s QueueStats) Total() int {
	return s.Pending + s.Transferring + s.Completed + s.Failed + s.Stopped
}

// Queue is a passive tracker of transfer items. Every mutation publishes a
// TransferEvent so the UI can observe the queue without polling.
//
// Status moves forward only: pending -> transferring -> completed|failed|stopped.
// A terminal item returns to pending only through RetryItem or Requeue.
type Queue struct {
	items []*TransferItem
	byID  map[string]*TransferItem
	mu    sync.RWMutex

	retryHandlers map[string]func()
	retryExecutor RetryExecutor

	eventBus *events.EventBus
}

// NewQueue creates a queue that publishes on eventBus (may be nil).
func NewQueue(eventBus *events.EventBus) *Queue {
	return &Queue{
		items:         make([]*TransferItem, 0),
		byID:          make(map[string]*TransferItem),
		retryHandlers: make(map[string]func()),
		eventBus:      eventBus,
	}
}

// SetRetryExecutor sets the fallback executor used by RetryItem when no
// per-item handler is registered.
func (q *Queue) SetRetryExecutor(executor RetryExecutor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryExecutor = executor
}

// AddItem enqueues a pending file item and returns its id.
func (q *Queue) AddItem(name, path string, size int64, direction Direction) string {
	return q.AddItemWithOptions(ItemOptions{
		Name:       name,
		SourcePath: path,
		Size:       size,
		Direction:  direction,
	})
}

// AddItemWithOptions enqueues a pending item described by opts.
func (q *Queue) AddItemWithOptions(opts ItemOptions) string {
	item := newItem(opts)

	q.mu.Lock()
	q.items = append(q.items, item)
	q.byID[item.ID] = item
	snap := item.clone()
	q.mu.Unlock()

	q.publish(events.EventTransferQueued, snap)
	return item.ID
}

// transition applies fn to the item under the lock when allowed(from) holds.
func (q *Queue) transition(id string, evType events.EventType, allowed func(Status) bool, fn func(*TransferItem)) bool {
	q.mu.Lock()
	item, ok := q.byID[id]
	if !ok || !allowed(item.Status) {
		q.mu.Unlock()
		return false
	}
	fn(item)
	snap := item.clone()
	q.mu.Unlock()

	q.publish(evType, snap)
	return true
}

// StartTransfer moves a pending item to transferring.
func (q *Queue) StartTransfer(id string) bool {
	return q.transition(id, events.EventTransferStarted,
		func(s Status) bool { return s == StatusPending },
		func(t *TransferItem) {
			t.Status = StatusTransferring
			t.StartedAt = time.Now()
		})
}

// CompleteTransfer moves a transferring item to completed.
func (q *Queue) CompleteTransfer(id string) bool {
	return q.transition(id, events.EventTransferCompleted,
		func(s Status) bool { return s == StatusTransferring },
		func(t *TransferItem) {
			t.Status = StatusCompleted
			t.Progress = 1.0
			t.FinishedAt = time.Now()
			if t.FolderProgress != nil && t.FolderProgress.TransferredFiles < t.FolderProgress.TotalFiles {
				t.FolderProgress.TransferredFiles = t.FolderProgress.TotalFiles
			}
		})
}

// CompleteSkipped marks an item completed without transferring it.
func (q *Queue) CompleteSkipped(id string) bool {
	return q.transition(id, events.EventTransferCompleted,
		func(s Status) bool { return s == StatusPending || s == StatusTransferring },
		func(t *TransferItem) {
			t.Status = StatusCompleted
			t.Skipped = true
			t.FinishedAt = time.Now()
		})
}

// FailTransfer marks a pending or transferring item failed with message.
func (q *Queue) FailTransfer(id, message string) bool {
	return q.transition(id, events.EventTransferFailed,
		func(s Status) bool { return s == StatusPending || s == StatusTransferring },
		func(t *TransferItem) {
			t.Status = StatusFailed
			t.ErrorMessage = message
			t.Speed = 0
			t.FinishedAt = time.Now()
		})
}

// SetRetryHandler registers the function RetryItem runs for id.
func (q *Queue) SetRetryHandler(id string, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fn == nil {
		delete(q.retryHandlers, id)
		return
	}
	q.retryHandlers[id] = fn
}

// RetryItem resets a terminal item to pending and runs its retry handler in
// a new goroutine. The item keeps its id and position.
func (q *Queue) RetryItem(id string) error {
	q.mu.Lock()
	item, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return ErrItemNotFound
	}
	if !item.Status.IsTerminal() {
		q.mu.Unlock()
		return ErrNotRetryable
	}
	handler := q.retryHandlers[id]
	executor := q.retryExecutor
	if handler == nil && executor == nil {
		q.mu.Unlock()
		return ErrNoRetryHandler
	}
	item.resetForRetry()
	snap := item.clone()
	q.mu.Unlock()

	q.publish(events.EventTransferRequeued, snap)

	if handler != nil {
		go handler()
	} else {
		go executor.ExecuteRetry(snap)
	}
	return nil
}

// Requeue resets a terminal item to pending without invoking any handler.
// The batch runner uses this when it resumes an item itself.
func (q *Queue) Requeue(id string) bool {
	return q.transition(id, events.EventTransferRequeued,
		func(s Status) bool { return s.IsTerminal() },
		func(t *TransferItem) { t.resetForRetry() })
}

// StopPending marks every pending item stopped and returns how many changed.
func (q *Queue) StopPending() int {
	return q.stopWhere(func(t *TransferItem) bool { return t.Status == StatusPending })
}

// StopAll marks every pending and transferring item stopped. Idempotent.
func (q *Queue) StopAll() int {
	return q.stopWhere(func(t *TransferItem) bool {
		return t.Status == StatusPending || t.Status == StatusTransferring
	})
}

// StopItems stops the listed items that are still pending or transferring.
func (q *Queue) StopItems(ids []string) int {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return q.stopWhere(func(t *TransferItem) bool {
		if _, ok := set[t.ID]; !ok {
			return false
		}
		return t.Status == StatusPending || t.Status == StatusTransferring
	})
}

func (q *Queue) stopWhere(match func(*TransferItem) bool) int {
	now := time.Now()
	q.mu.Lock()
	stopped := make([]TransferItem, 0)
	for _, t := range q.items {
		if !match(t) {
			continue
		}
		t.Status = StatusStopped
		t.Speed = 0
		t.FinishedAt = now
		stopped = append(stopped, t.clone())
	}
	q.mu.Unlock()

	for _, snap := range stopped {
		q.publish(events.EventTransferStopped, snap)
	}
	return len(stopped)
}

// MarkAsFolder flags an item as a recursive folder transfer.
func (q *Queue) MarkAsFolder(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byID[id]
	if !ok {
		return false
	}
	item.IsFolder = true
	if item.FolderProgress == nil {
		item.FolderProgress = &FolderProgress{}
	}
	return true
}

// UpdateFolderProgress records file counts for a folder item.
func (q *Queue) UpdateFolderProgress(id string, total, done int) bool {
	return q.transition(id, events.EventTransferFolderProgress,
		func(s Status) bool { return !s.IsTerminal() },
		func(t *TransferItem) {
			if t.FolderProgress == nil {
				t.IsFolder = true
				t.FolderProgress = &FolderProgress{}
			}
			t.FolderProgress.TotalFiles = total
			t.FolderProgress.TransferredFiles = done
			if total > 0 {
				t.Progress = float64(done) / float64(total)
			}
		})
}

// UpdateProgress records bytes moved for a transferring item and updates the
// EMA smoothed speed.
func (q *Queue) UpdateProgress(id string, bytesDone, bytesTotal int64) bool {
	return q.transition(id, events.EventTransferProgress,
		func(s Status) bool { return s == StatusTransferring },
		func(t *TransferItem) {
			now := time.Now()
			if bytesTotal > 0 {
				t.Size = bytesTotal
				if !t.IsFolder {
					t.Progress = float64(bytesDone) / float64(bytesTotal)
				}
			}

			if t.lastUpdate.IsZero() {
				t.lastUpdate = now
				t.lastBytes = bytesDone
				return
			}

			// skip noisy samples and backwards jumps
			elapsed := now.Sub(t.lastUpdate).Seconds()
			if elapsed < 0.1 || bytesDone <= t.lastBytes {
				return
			}
			instant := float64(bytesDone-t.lastBytes) / elapsed
			if t.Speed == 0 {
				t.Speed = instant
			} else {
				t.Speed = constants.SpeedSmoothing*instant + (1-constants.SpeedSmoothing)*t.Speed
			}
			t.lastBytes = bytesDone
			t.lastUpdate = now
		})
}

// Get returns a copy of the item.
func (q *Queue) Get(id string) (TransferItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	item, ok := q.byID[id]
	if !ok {
		return TransferItem{}, false
	}
	return item.clone(), true
}

// Snapshot returns copies of all items in insertion order.
func (q *Queue) Snapshot() []TransferItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]TransferItem, len(q.items))
	for i, t := range q.items {
		out[i] = t.clone()
	}
	return out
}

// Stats returns counts per status.
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := QueueStats{}
	for _, t := range q.items {
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusTransferring:
			stats.Transferring++
		case StatusCompleted:
			stats.Completed++
			if t.Skipped {
				stats.Skipped++
			}
		case StatusFailed:
			stats.Failed++
		case StatusStopped:
			stats.Stopped++
		}
	}
	return stats
}

// ClearFinished removes terminal items.
func (q *Queue) ClearFinished() int {
	q.mu.Lock()
	kept := make([]*TransferItem, 0, len(q.items))
	removed := 0
	for _, t := range q.items {
		if t.Status.IsTerminal() {
			delete(q.byID, t.ID)
			delete(q.retryHandlers, t.ID)
			removed++
			continue
		}
		kept = append(kept, t)
	}
	q.items = kept
	q.mu.Unlock()

	if removed > 0 {
		q.eventBus.Publish(&events.TransferEvent{BaseEvent: events.NewBase(events.EventQueueCleared)})
	}
	return removed
}

// Clear removes every item.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = make([]*TransferItem, 0)
	q.byID = make(map[string]*TransferItem)
	q.retryHandlers = make(map[string]func())
	q.mu.Unlock()

	q.eventBus.Publish(&events.TransferEvent{BaseEvent: events.NewBase(events.EventQueueCleared)})
}

func (q *Queue) publish(eventType events.EventType, item TransferItem) {
	if q.eventBus == nil {
		return
	}
	ev := &events.TransferEvent{
		BaseEvent:    events.NewBase(eventType),
		ItemID:       item.ID,
		BatchID:      item.BatchID,
		Direction:    string(item.Direction),
		Name:         item.Name,
		Size:         item.Size,
		Status:       string(item.Status),
		Progress:     item.Progress,
		Speed:        item.Speed,
		IsFolder:     item.IsFolder,
		Skipped:      item.Skipped,
		ErrorMessage: item.ErrorMessage,
	}
	if item.FolderProgress != nil {
		ev.TotalFiles = item.FolderProgress.TotalFiles
		ev.DoneFiles = item.FolderProgress.TransferredFiles
	}
	q.eventBus.Publish(ev)
}
