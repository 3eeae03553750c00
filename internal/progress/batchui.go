package progress

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/paneflow/paneflow/internal/events"
)

// BatchUI stacks one mpb bar per queue item.
type BatchUI struct {
	progress   *mpb.Progress
	out        io.Writer
	isTerminal bool
	total      int

	mu      sync.Mutex
	bars    map[string]*itemBar
	started int
}

type itemBar struct {
	bar        *mpb.Bar
	index      int
	name       string
	direction  string
	size       int64
	folder     bool
	retries    atomic.Int32 // read by the label decorator
	startTime  time.Time
	lastUpdate time.Time
	done       bool
}

// NewBatchUI renders to out. Without a terminal it prints one line per
// transition instead of bars.
func NewBatchUI(out io.Writer, total int, isTerminal bool) *BatchUI {
	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(100),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}
	return &BatchUI{
		progress:   p,
		out:        out,
		isTerminal: isTerminal,
		total:      total,
		bars:       make(map[string]*itemBar),
	}
}

func (u *BatchUI) Handle(ev events.Event) {
	switch e := ev.(type) {
	case *events.TransferEvent:
		u.transfer(e)
	case *events.BreakerEvent:
		if e.Type() == events.EventBreakerOpened {
			u.printf("⏸ paused (%s after %d failures): %s\n", e.PauseReason, e.ConsecutiveFailures, e.LastError)
		} else {
			u.printf("▶ resumed\n")
		}
	case *events.BatchEvent:
		if e.Type() == events.EventBatchFinished {
			u.abortRemaining()
		}
	}
}

func (u *BatchUI) transfer(e *events.TransferEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()

	b := u.bars[e.ItemID]
	switch e.Type() {
	case events.EventTransferQueued:
		if b == nil {
			u.bars[e.ItemID] = &itemBar{name: e.Name, direction: e.Direction, size: e.Size, folder: e.IsFolder}
		}
	case events.EventTransferStarted:
		if b == nil {
			b = &itemBar{name: e.Name, direction: e.Direction, size: e.Size, folder: e.IsFolder}
			u.bars[e.ItemID] = b
		}
		u.start(b)
	case events.EventTransferProgress:
		if b != nil && b.bar != nil && !b.folder {
			now := time.Now()
			b.bar.EwmaSetCurrent(int64(e.Progress*float64(b.size)), now.Sub(b.lastUpdate))
			b.lastUpdate = now
		}
	case events.EventTransferFolderProgress:
		if b != nil && b.bar != nil {
			b.bar.SetTotal(int64(e.TotalFiles), false)
			b.bar.SetCurrent(int64(e.DoneFiles))
		}
	case events.EventTransferCompleted:
		if b != nil {
			u.complete(b, e)
		}
	case events.EventTransferFailed, events.EventTransferStopped:
		if b != nil {
			u.fail(b, e)
		}
	case events.EventTransferRequeued:
		if b != nil {
			b.retries.Add(1)
			if b.done {
				// the aborted bar stays on screen; the next start draws a fresh one
				b.bar = nil
			}
			b.done = false
		}
	}
}

// start creates the bar lazily so items stopped before they ran never draw.
func (u *BatchUI) start(b *itemBar) {
	b.startTime = time.Now()
	b.lastUpdate = b.startTime
	if b.index == 0 {
		u.started++
		b.index = u.started
	}
	if !u.isTerminal {
		fmt.Fprintf(u.out, "%s [%d/%d]: %s (%.1f MiB)\n", verb(b.direction), b.index, u.total, truncatePath(b.name, 2), mib(b.size))
		return
	}
	if b.bar != nil {
		return
	}

	total := b.size
	counters := decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace)
	if b.folder {
		total = 0
		counters = decor.CountersNoUnit("%d / %d files", decor.WCSyncSpace)
	}
	index, count := b.index, u.total
	appended := []decor.Decorator{counters, decor.Name("  "), decor.Percentage(decor.WCSyncSpace)}
	if !b.folder {
		appended = append(appended, decor.Name("  "), decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace))
	}

	// Decorators run on mpb's render goroutine and must not take u.mu.
	b.bar = u.progress.New(total,
		mpb.BarStyle().
			Lbound("[").
			Filler("█").
			Tip("█").
			Padding("░").
			Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string {
				label := fmt.Sprintf("[%d/%d] %s", index, count, truncatePath(b.name, 2))
				if r := b.retries.Load(); r > 0 {
					label += fmt.Sprintf(" (retry %d)", r)
				}
				return label
			}, decor.WCSyncSpace),
		),
		mpb.AppendDecorators(appended...),
		mpb.BarRemoveOnComplete(),
	)
}

func (u *BatchUI) complete(b *itemBar, e *events.TransferEvent) {
	if b.done {
		return
	}
	b.done = true
	if b.bar != nil {
		if b.folder {
			b.bar.SetTotal(b.bar.Current(), true)
		} else {
			b.bar.SetCurrent(b.size)
			b.bar.SetTotal(b.size, true)
		}
	}
	if e.Skipped {
		u.writeLocked(fmt.Sprintf("- %s skipped\n", truncatePath(b.name, 2)))
		return
	}
	elapsed := time.Since(b.startTime)
	var speed float64
	if s := elapsed.Seconds(); s > 0 && !b.folder {
		speed = mib(b.size) / s
	}
	u.writeLocked(fmt.Sprintf("✓ %s (%.1f MiB, %s, %.1f MiB/s)\n",
		truncatePath(b.name, 2), mib(b.size), elapsed.Round(time.Second), speed))
}

func (u *BatchUI) fail(b *itemBar, e *events.TransferEvent) {
	if b.done {
		return
	}
	b.done = true
	if b.bar != nil {
		b.bar.Abort(false)
	}
	if e.Type() == events.EventTransferStopped {
		u.writeLocked(fmt.Sprintf("■ %s stopped\n", truncatePath(b.name, 2)))
		return
	}
	u.writeLocked(fmt.Sprintf("✗ %s: %s (after %d retries)\n", truncatePath(b.name, 2), e.ErrorMessage, b.retries.Load()))
}

func (u *BatchUI) abortRemaining() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, b := range u.bars {
		if b.bar != nil && !b.done {
			b.done = true
			b.bar.Abort(true)
		}
	}
}

func (u *BatchUI) printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writeLocked(fmt.Sprintf(format, args...))
}

// writeLocked goes through mpb's writer so bars are redrawn below the line.
func (u *BatchUI) writeLocked(msg string) {
	if u.isTerminal {
		_, _ = u.progress.Write([]byte(msg))
		return
	}
	fmt.Fprint(u.out, msg)
}

// Wait aborts bars that never finished and waits for the final render.
func (u *BatchUI) Wait() {
	u.abortRemaining()
	u.progress.Wait()
}

func (u *BatchUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return u.out
}

func (u *BatchUI) IsTerminal() bool { return u.isTerminal }

func verb(direction string) string {
	if direction == "download" {
		return "Downloading"
	}
	return "Uploading"
}
