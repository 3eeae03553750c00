package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/paneflow/paneflow/internal/breaker"
	"github.com/paneflow/paneflow/internal/navsync"
	"github.com/paneflow/paneflow/internal/negotiate"
	"github.com/paneflow/paneflow/internal/state"
)

// Prompter answers the engine's questions on a terminal, one at a time.
type Prompter struct {
	out io.Writer

	mu    sync.Mutex // one question on screen at a time
	in    *bufio.Reader
	once  sync.Once
	lines chan line
}

type line struct {
	text string
	err  error
}

// NewPrompter reads answers from in and writes questions to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// readLine waits for one line of input or ctx. A single reader goroutine owns
// the input so an abandoned question does not leave two readers behind.
func (p *Prompter) readLine(ctx context.Context) (string, error) {
	p.once.Do(func() {
		p.lines = make(chan line)
		go func() {
			for {
				s, err := p.in.ReadString('\n')
				p.lines <- line{text: strings.TrimSpace(s), err: err}
				if err != nil {
					return
				}
			}
		}()
	})
	select {
	case l := <-p.lines:
		if l.err != nil && l.text == "" {
			return "", l.err
		}
		return l.text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// choose prints question and options and returns the 1-based choice.
func (p *Prompter) choose(ctx context.Context, question string, options []string) (int, error) {
	fmt.Fprintf(p.out, "\n%s\n", question)
	for i, o := range options {
		fmt.Fprintf(p.out, "  %d. %s\n", i+1, o)
	}
	for {
		fmt.Fprintf(p.out, "Choose [1-%d]: ", len(options))
		s, err := p.readLine(ctx)
		if err != nil {
			return 0, err
		}
		var n int
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n >= 1 && n <= len(options) {
			return n, nil
		}
		fmt.Fprintln(p.out, "Invalid choice, please try again.")
	}
}

func (p *Prompter) AskOverwrite(ctx context.Context, c negotiate.FileConflict) (negotiate.OverwriteDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := fmt.Sprintf("⚠️  '%s' already exists at the destination.", c.Name)
	if c.Existing != nil {
		q += fmt.Sprintf("\n   existing: %s, %s\n   incoming: %s, %s",
			humanSize(c.Existing.Size), stamp(c.Existing.ModTime), humanSize(c.Size), stamp(c.ModTime))
	}
	n, err := p.choose(ctx, q, []string{
		"Overwrite (once)",
		fmt.Sprintf("Overwrite (do for all %d remaining)", c.Remaining),
		"Skip (once)",
		fmt.Sprintf("Skip (do for all %d remaining)", c.Remaining),
		"Rename - keep both",
		"Cancel - stop this batch",
	})
	if err != nil {
		return negotiate.OverwriteDecision{}, err
	}
	switch n {
	case 1, 2:
		return negotiate.OverwriteDecision{Action: negotiate.Overwrite, ApplyToAll: n == 2}, nil
	case 3, 4:
		return negotiate.OverwriteDecision{Action: negotiate.Skip, ApplyToAll: n == 4}, nil
	case 5:
		suggested := suggestName(c.Name)
		fmt.Fprintf(p.out, "New name [%s]: ", suggested)
		name, err := p.readLine(ctx)
		if err != nil {
			return negotiate.OverwriteDecision{}, err
		}
		if name == "" {
			name = suggested
		}
		return negotiate.OverwriteDecision{Action: negotiate.Rename, NewName: name}, nil
	}
	return negotiate.OverwriteDecision{Action: negotiate.Cancel}, nil
}

func (p *Prompter) AskFolderMerge(ctx context.Context, c negotiate.FolderConflict) (negotiate.FolderMergeDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	actions := []negotiate.MergeAction{
		negotiate.MergeOverwrite, negotiate.MergeOverwrite,
		negotiate.MergeSkipExisting, negotiate.MergeSkipExisting,
		negotiate.ReplaceFolder,
		negotiate.SkipFolder, negotiate.SkipFolder,
		negotiate.CancelFolder,
	}
	n, err := p.choose(ctx, fmt.Sprintf("⚠️  Folder '%s' already exists at the destination.", c.Name), []string{
		"Merge, overwriting files that exist (once)",
		"Merge, overwriting files that exist (do for all)",
		"Merge, keeping files that exist (once)",
		"Merge, keeping files that exist (do for all)",
		"Replace - delete the existing folder first",
		"Skip (once)",
		"Skip (do for all)",
		"Cancel - stop this batch",
	})
	if err != nil {
		return negotiate.FolderMergeDecision{}, err
	}
	return negotiate.FolderMergeDecision{Action: actions[n-1], ApplyToAll: n == 2 || n == 4 || n == 7}, nil
}

func (p *Prompter) AskResume(ctx context.Context, pause breaker.Pause) (breaker.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := fmt.Sprintf("⏸  Transfers paused: %s", pauseText(pause))
	if pause.Err != nil {
		q += fmt.Sprintf("\n   last error: %v", pause.Err)
	}
	n, err := p.choose(ctx, q, []string{"Resume", "Cancel remaining transfers"})
	if err != nil {
		return breaker.DecisionCancel, err
	}
	if n == 1 {
		return breaker.DecisionResume, nil
	}
	return breaker.DecisionCancel, nil
}

func (p *Prompter) AskMissing(ctx context.Context, side state.Side, target string) (navsync.MissingAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, err := p.choose(ctx, fmt.Sprintf("Synced folder %s does not exist on the %s side.", target, side), []string{
		"Create it",
		"Turn off synchronized browsing",
	})
	if err != nil {
		return navsync.MissingDisable, err
	}
	if n == 1 {
		return navsync.MissingCreate, nil
	}
	return navsync.MissingDisable, nil
}

// ReadPassword asks for a secret without echo. It fails when stdin is not a terminal.
func (p *Prompter) ReadPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password required but stdin is not a terminal; set PANEFLOW_PASSWORD")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s: ", label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

func pauseText(p breaker.Pause) string {
	switch p.Reason {
	case breaker.ReasonConnectionLost:
		return fmt.Sprintf("connection lost after %d failed transfers", p.Failures)
	case breaker.ReasonRateLimited:
		return "the server is throttling requests"
	default:
		return fmt.Sprintf("%d transfers failed in a row", p.Failures)
	}
}

// suggestName returns "name (1).ext" for "name.ext".
func suggestName(name string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		base, ext = name, ""
	}
	return fmt.Sprintf("%s (1)%s", base, ext)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "unknown date"
	}
	return t.Local().Format("2006-01-02 15:04")
}
