package transfer

import (
	"sync"
	"testing"
	"time"

	"github.com/paneflow/paneflow/internal/events"
)

func TestNewQueue(t *testing.T) {
	eventBus := events.NewEventBus(100)
	defer eventBus.Close()

	if NewQueue(eventBus) == nil {
		t.Fatal("NewQueue returned nil")
	}
	if NewQueue(nil) == nil {
		t.Fatal("NewQueue with nil eventBus should work")
	}
}

func TestQueueAddItem(t *testing.T) {
	eventBus := events.NewEventBus(100)
	defer eventBus.Close()
	ch := eventBus.Subscribe(events.EventTransferQueued)

	queue := NewQueue(eventBus)
	id := queue.AddItem("upload.dat", "/local/upload.dat", 1024, Upload)

	if id == "" {
		t.Fatal("Item ID should not be empty")
	}
	item, ok := queue.Get(id)
	if !ok {
		t.Fatal("Item not found")
	}
	if item.Status != StatusPending {
		t.Errorf("Expected pending, got %v", item.Status)
	}
	if item.Direction != Upload {
		t.Errorf("Expected upload, got %v", item.Direction)
	}

	select {
	case ev := <-ch:
		te := ev.(*events.TransferEvent)
		if te.ItemID != id || te.Status != "pending" {
			t.Errorf("Unexpected event: %+v", te)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Expected queued event")
	}
}

func TestQueueLifecycle(t *testing.T) {
	queue := NewQueue(nil)
	id := queue.AddItem("a.txt", "/a.txt", 10, Download)

	if queue.CompleteTransfer(id) {
		t.Error("CompleteTransfer from pending should be ignored")
	}
	if !queue.StartTransfer(id) {
		t.Fatal("StartTransfer should succeed from pending")
	}
	if queue.StartTransfer(id) {
		t.Error("StartTransfer twice should be ignored")
	}
	if !queue.CompleteTransfer(id) {
		t.Fatal("CompleteTransfer should succeed from transferring")
	}

	item, _ := queue.Get(id)
	if item.Status != StatusCompleted {
		t.Errorf("Expected completed, got %v", item.Status)
	}
	if item.Progress != 1.0 {
		t.Errorf("Expected progress 1.0, got %f", item.Progress)
	}
	if item.FinishedAt.IsZero() {
		t.Error("FinishedAt should be set")
	}

	// Terminal items never move without a retry
	if queue.FailTransfer(id, "late error") {
		t.Error("FailTransfer on completed item should be ignored")
	}
	if queue.StartTransfer(id) {
		t.Error("StartTransfer on completed item should be ignored")
	}
}

func TestQueueFailTransfer(t *testing.T) {
	queue := NewQueue(nil)
	id := queue.AddItem("b.bin", "/b.bin", 10, Upload)
	queue.StartTransfer(id)

	if !queue.FailTransfer(id, "connection reset") {
		t.Fatal("FailTransfer should succeed")
	}
	item, _ := queue.Get(id)
	if item.Status != StatusFailed {
		t.Errorf("Expected failed, got %v", item.Status)
	}
	if item.ErrorMessage != "connection reset" {
		t.Errorf("Expected error message, got %q", item.ErrorMessage)
	}
}

func TestQueueCompleteSkipped(t *testing.T) {
	queue := NewQueue(nil)
	id := queue.AddItem("c.txt", "/c.txt", 10, Upload)

	if !queue.CompleteSkipped(id) {
		t.Fatal("CompleteSkipped should succeed from pending")
	}
	item, _ := queue.Get(id)
	if item.Status != StatusCompleted || !item.Skipped {
		t.Errorf("Expected skipped completion, got %+v", item)
	}

	stats := queue.Stats()
	if stats.Completed != 1 || stats.Skipped != 1 {
		t.Errorf("Expected 1 completed/1 skipped, got %+v", stats)
	}
}

func TestQueueStopPending(t *testing.T) {
	queue := NewQueue(nil)
	active := queue.AddItem("1", "/1", 1, Upload)
	p1 := queue.AddItem("2", "/2", 1, Upload)
	p2 := queue.AddItem("3", "/3", 1, Upload)
	queue.StartTransfer(active)

	if n := queue.StopPending(); n != 2 {
		t.Errorf("Expected 2 stopped, got %d", n)
	}

	item, _ := queue.Get(active)
	if item.Status != StatusTransferring {
		t.Errorf("Soft stop must not touch the active item, got %v", item.Status)
	}
	for _, id := range []string{p1, p2} {
		item, _ := queue.Get(id)
		if item.Status != StatusStopped {
			t.Errorf("Expected stopped, got %v", item.Status)
		}
	}
}

func TestQueueStopAllIdempotent(t *testing.T) {
	queue := NewQueue(nil)
	active := queue.AddItem("1", "/1", 1, Upload)
	queue.AddItem("2", "/2", 1, Upload)
	done := queue.AddItem("3", "/3", 1, Upload)
	queue.StartTransfer(active)
	queue.StartTransfer(done)
	queue.CompleteTransfer(done)

	if n := queue.StopAll(); n != 2 {
		t.Errorf("Expected 2 stopped, got %d", n)
	}
	if n := queue.StopAll(); n != 0 {
		t.Errorf("Second StopAll should change nothing, got %d", n)
	}

	stats := queue.Stats()
	if stats.Stopped != 2 || stats.Completed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestQueueStopItems(t *testing.T) {
	queue := NewQueue(nil)
	a := queue.AddItem("a", "/a", 1, Upload)
	b := queue.AddItem("b", "/b", 1, Upload)

	if n := queue.StopItems([]string{b}); n != 1 {
		t.Errorf("Expected 1 stopped, got %d", n)
	}
	item, _ := queue.Get(a)
	if item.Status != StatusPending {
		t.Errorf("Unlisted item should stay pending, got %v", item.Status)
	}
}

func TestQueueRetryItem(t *testing.T) {
	queue := NewQueue(nil)
	id := queue.AddItem("r.dat", "/r.dat", 100, Upload)

	if err := queue.RetryItem(id); err != ErrNotRetryable {
		t.Errorf("Expected ErrNotRetryable for pending item, got %v", err)
	}

	queue.StartTransfer(id)
	queue.FailTransfer(id, "boom")

	if err := queue.RetryItem(id); err != ErrNoRetryHandler {
		t.Errorf("Expected ErrNoRetryHandler, got %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	queue.SetRetryHandler(id, func() { wg.Done() })

	if err := queue.RetryItem(id); err != nil {
		t.Fatalf("RetryItem failed: %v", err)
	}
	wg.Wait()

	item, _ := queue.Get(id)
	if item.Status != StatusPending {
		t.Errorf("Expected pending after retry, got %v", item.Status)
	}
	if item.ErrorMessage != "" {
		t.Errorf("Error message should be cleared, got %q", item.ErrorMessage)
	}
	if len(queue.Snapshot()) != 1 {
		t.Error("Retry must reuse the same entry")
	}

	if err := queue.RetryItem("missing"); err != ErrItemNotFound {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}
}

type recordingExecutor struct {
	mu    sync.Mutex
	items []TransferItem
	done  chan struct{}
}

func (r *recordingExecutor) ExecuteRetry(item TransferItem) {
	r.mu.Lock()
	r.items = append(r.items, item)
	r.mu.Unlock()
	close(r.done)
}

func TestQueueRetryExecutorFallback(t *testing.T) {
	queue := NewQueue(nil)
	exec := &recordingExecutor{done: make(chan struct{})}
	queue.SetRetryExecutor(exec)

	id := queue.AddItem("x", "/x", 1, Download)
	queue.StopAll()

	if err := queue.RetryItem(id); err != nil {
		t.Fatalf("RetryItem failed: %v", err)
	}

	select {
	case <-exec.done:
	case <-time.After(time.Second):
		t.Fatal("Executor was not called")
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if exec.items[0].ID != id || exec.items[0].Status != StatusPending {
		t.Errorf("Unexpected item passed to executor: %+v", exec.items[0])
	}
}

func TestQueueRequeue(t *testing.T) {
	queue := NewQueue(nil)
	id := queue.AddItem("q", "/q", 1, Upload)

	if queue.Requeue(id) {
		t.Error("Requeue of pending item should be ignored")
	}
	queue.StartTransfer(id)
	queue.FailTransfer(id, "x")
	if !queue.Requeue(id) {
		t.Fatal("Requeue of failed item should succeed")
	}
	item, _ := queue.Get(id)
	if item.Status != StatusPending {
		t.Errorf("Expected pending, got %v", item.Status)
	}
}

func TestQueueFolderProgress(t *testing.T) {
	queue := NewQueue(nil)
	id := queue.AddItemWithOptions(ItemOptions{Name: "photos", SourcePath: "/photos", Direction: Upload})
	if !queue.MarkAsFolder(id) {
		t.Fatal("MarkAsFolder failed")
	}
	queue.StartTransfer(id)
	queue.UpdateFolderProgress(id, 4, 1)

	item, _ := queue.Get(id)
	if !item.IsFolder || item.FolderProgress == nil {
		t.Fatal("Expected folder item")
	}
	if item.FolderProgress.TotalFiles != 4 || item.FolderProgress.TransferredFiles != 1 {
		t.Errorf("Unexpected folder progress: %+v", item.FolderProgress)
	}
	if item.Progress != 0.25 {
		t.Errorf("Expected progress 0.25, got %f", item.Progress)
	}

	// Snapshots are independent copies
	item.FolderProgress.TransferredFiles = 99
	again, _ := queue.Get(id)
	if again.FolderProgress.TransferredFiles != 1 {
		t.Error("Snapshot mutation leaked into queue")
	}

	queue.CompleteTransfer(id)
	done, _ := queue.Get(id)
	if done.FolderProgress.TransferredFiles != 4 {
		t.Errorf("Completed folder should report all files, got %d", done.FolderProgress.TransferredFiles)
	}
}

func TestQueueUpdateProgress(t *testing.T) {
	queue := NewQueue(nil)
	id := queue.AddItem("big.iso", "/big.iso", 1000, Download)

	if queue.UpdateProgress(id, 100, 1000) {
		t.Error("Progress on pending item should be ignored")
	}

	queue.StartTransfer(id)
	queue.UpdateProgress(id, 100, 1000)
	time.Sleep(150 * time.Millisecond)
	queue.UpdateProgress(id, 500, 1000)

	item, _ := queue.Get(id)
	if item.Progress != 0.5 {
		t.Errorf("Expected progress 0.5, got %f", item.Progress)
	}
	if item.Speed <= 0 {
		t.Errorf("Expected positive speed, got %f", item.Speed)
	}
}

func TestQueueClearFinished(t *testing.T) {
	queue := NewQueue(nil)
	keep := queue.AddItem("keep", "/keep", 1, Upload)
	gone := queue.AddItem("gone", "/gone", 1, Upload)
	queue.CompleteSkipped(gone)

	if n := queue.ClearFinished(); n != 1 {
		t.Errorf("Expected 1 removed, got %d", n)
	}
	if _, ok := queue.Get(gone); ok {
		t.Error("Finished item should be removed")
	}
	if _, ok := queue.Get(keep); !ok {
		t.Error("Pending item should remain")
	}

	queue.Clear()
	if queue.Stats().Total() != 0 {
		t.Error("Clear should empty the queue")
	}
}
