package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/paneflow/paneflow/internal/events"
)

// Single shows one transfer with a progressbar. Folder items count files
// instead of bytes.
type Single struct {
	out        io.Writer
	isTerminal bool

	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	folder bool
	name   string
}

// NewSingle renders to out. Without a terminal only start and end lines are printed.
func NewSingle(out io.Writer, isTerminal bool) *Single {
	return &Single{out: out, isTerminal: isTerminal}
}

func (s *Single) Handle(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case *events.TransferEvent:
		s.transfer(e)
	case *events.BreakerEvent:
		if e.Type() == events.EventBreakerOpened {
			s.line(fmt.Sprintf("paused (%s): %s", e.PauseReason, e.LastError))
		}
	}
}

func (s *Single) transfer(e *events.TransferEvent) {
	switch e.Type() {
	case events.EventTransferStarted:
		s.name, s.folder = e.Name, e.IsFolder
		if !s.isTerminal {
			fmt.Fprintf(s.out, "%s %s (%.1f MiB)\n", verb(e.Direction), truncatePath(e.Name, 2), mib(e.Size))
			return
		}
		s.start(e)
	case events.EventTransferProgress:
		if s.bar != nil && !s.folder {
			_ = s.bar.Set64(int64(e.Progress * float64(e.Size)))
		}
	case events.EventTransferFolderProgress:
		if s.bar != nil {
			s.bar.ChangeMax64(int64(e.TotalFiles))
			_ = s.bar.Set64(int64(e.DoneFiles))
		}
	case events.EventTransferCompleted:
		if s.bar != nil {
			_ = s.bar.Finish()
			s.bar = nil
		}
		if e.Skipped {
			s.line(fmt.Sprintf("- %s skipped", truncatePath(e.Name, 2)))
		} else if !s.isTerminal {
			s.line(fmt.Sprintf("✓ %s", truncatePath(e.Name, 2)))
		}
	case events.EventTransferFailed, events.EventTransferStopped:
		if s.bar != nil {
			_ = s.bar.Exit()
			s.bar = nil
		}
		if e.Type() == events.EventTransferStopped {
			s.line(fmt.Sprintf("■ %s stopped", truncatePath(e.Name, 2)))
		} else {
			s.line(fmt.Sprintf("✗ %s: %s", truncatePath(e.Name, 2), e.ErrorMessage))
		}
	}
}

func (s *Single) start(e *events.TransferEvent) {
	if s.bar != nil {
		_ = s.bar.Exit()
	}
	if e.IsFolder {
		s.bar = progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription(truncatePath(e.Name, 2)),
			progressbar.OptionSetWriter(s.out),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("files"),
			progressbar.OptionSetWidth(50),
			progressbar.OptionOnCompletion(func() { fmt.Fprint(s.out, "\n") }),
			progressbar.OptionSetRenderBlankState(true),
		)
		return
	}
	s.bar = progressbar.NewOptions64(e.Size,
		progressbar.OptionSetDescription(truncatePath(e.Name, 2)),
		progressbar.OptionSetWriter(s.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(s.out, "\n") }),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (s *Single) line(msg string) {
	if s.bar != nil {
		_ = s.bar.Clear()
	}
	fmt.Fprintln(s.out, msg)
}

func (s *Single) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bar != nil {
		_ = s.bar.Exit()
		s.bar = nil
	}
}

func (s *Single) Writer() io.Writer { return s.out }

func (s *Single) IsTerminal() bool { return s.isTerminal }
