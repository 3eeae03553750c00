// Package transfer provides the transfer queue: the observable list of items
// a batch moves through. The queue performs no I/O.
package transfer

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Direction indicates whether an item is an upload or a download.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTransferring Status = "transferring"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
)

// IsTerminal reports whether the status is completed, failed or stopped.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// FolderProgress tracks file counts for a recursive folder item.
type FolderProgress struct {
	TotalFiles       int
	TransferredFiles int
}

// TransferItem is one queued file or folder transfer.
type TransferItem struct {
	ID         string
	Name       string
	SourcePath string
	DestPath   string
	Size       int64
	Direction  Direction
	IsFolder   bool
	BatchID    string

	Status         Status
	FolderProgress *FolderProgress
	ErrorMessage   string
	Skipped        bool // completed without moving bytes

	Progress float64 // 0.0 to 1.0
	Speed    float64 // bytes/sec, EMA smoothed

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	lastBytes  int64
	lastUpdate time.Time
}

// ItemOptions describes an item to enqueue.
type ItemOptions struct {
	Name       string
	SourcePath string
	DestPath   string
	Size       int64
	Direction  Direction
	IsFolder   bool
	BatchID    string
}

func newItem(opts ItemOptions) *TransferItem {
	item := &TransferItem{
		ID:         generateItemID(),
		Name:       opts.Name,
		SourcePath: opts.SourcePath,
		DestPath:   opts.DestPath,
		Size:       opts.Size,
		Direction:  opts.Direction,
		IsFolder:   opts.IsFolder,
		BatchID:    opts.BatchID,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
	if opts.IsFolder {
		item.FolderProgress = &FolderProgress{}
	}
	return item
}

// clone returns a copy safe to hand outside the queue lock.
func (t *TransferItem) clone() TransferItem {
	c := *t
	if t.FolderProgress != nil {
		fp := *t.FolderProgress
		c.FolderProgress = &fp
	}
	return c
}

func (t *TransferItem) resetForRetry() {
	t.Status = StatusPending
	t.ErrorMessage = ""
	t.Skipped = false
	t.Progress = 0
	t.Speed = 0
	t.StartedAt = time.Time{}
	t.FinishedAt = time.Time{}
	t.lastBytes = 0
	t.lastUpdate = time.Time{}
	if t.FolderProgress != nil {
		t.FolderProgress.TransferredFiles = 0
	}
}

var itemCounter atomic.Uint64

func generateItemID() string {
	return fmt.Sprintf("item-%d-%d", time.Now().UnixNano(), itemCounter.Add(1))
}
