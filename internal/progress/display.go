// Package progress renders queue activity in the terminal. A Display is fed
// from the event bus; it never touches the queue directly.
package progress

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/paneflow/paneflow/internal/events"
)

// Display consumes bus events and renders them.
type Display interface {
	Handle(ev events.Event)

	// Wait blocks until every bar has been drawn for the last time.
	Wait()

	// Writer returns a writer that prints above the bars without corrupting them.
	Writer() io.Writer

	IsTerminal() bool
}

// New picks the display for a batch of total items: a single progressbar for
// one item, stacked mpb bars otherwise.
func New(total int) Display {
	tty := term.IsTerminal(int(os.Stderr.Fd()))
	if tty {
		enableANSI(os.Stderr)
	}
	if total == 1 {
		return NewSingle(os.Stderr, tty)
	}
	return NewBatchUI(os.Stderr, total, tty)
}

// Follow feeds every bus event to d until stop is called. stop returns once
// the last event has been handled.
func Follow(bus *events.EventBus, d Display) (stop func()) {
	ch := bus.SubscribeAll()
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.Handle(ev)
			case <-quit:
				// drain what was published before stop
				for {
					select {
					case ev, ok := <-ch:
						if !ok {
							return
						}
						d.Handle(ev)
					default:
						return
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(quit)
			<-done
			bus.UnsubscribeAll(ch)
		})
	}
}

// truncatePath keeps the last n components of p.
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(p string, n int) string {
	parts := strings.Split(filepath.ToSlash(p), "/")
	if len(parts) <= n {
		return filepath.Base(p)
	}
	return "…/" + strings.Join(parts[len(parts)-n:], "/")
}

func mib(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
