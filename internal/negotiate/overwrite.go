// Package negotiate resolves name collisions at the destination before a
// transfer starts, asking the user or reusing an earlier apply-to-all answer.
package negotiate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paneflow/paneflow/internal/transport"
	"github.com/paneflow/paneflow/internal/validation"
)

var (
	// ErrRenameWithoutName is returned when a rename answer carries no new name.
	ErrRenameWithoutName = errors.New("rename requires a new name")
	// ErrInvalidName is returned when a rename answer is not a plain file name.
	ErrInvalidName = errors.New("invalid rename target")
	// ErrNoPrompter is returned when a conflict needs an answer and nobody can give one.
	ErrNoPrompter = errors.New("no prompter available to resolve conflict")
)

// OverwriteAction is the answer to a file collision.
type OverwriteAction string

const (
	Overwrite OverwriteAction = "overwrite"
	Skip      OverwriteAction = "skip"
	Rename    OverwriteAction = "rename"
	Cancel    OverwriteAction = "cancel"
)

// FileConflict describes the incoming file and what already sits at the destination.
type FileConflict struct {
	Name           string
	Size           int64
	ModTime        time.Time
	SourceIsRemote bool
	Remaining      int              // items still queued after this one
	Existing       *transport.Entry // nil when the destination has no such name
}

// OverwriteDecision is the resolution of one FileConflict.
type OverwriteDecision struct {
	Action     OverwriteAction
	ApplyToAll bool
	NewName    string
}

// Prompter asks the user about a file collision. It blocks until answered.
type Prompter interface {
	AskOverwrite(ctx context.Context, c FileConflict) (OverwriteDecision, error)
}

// Negotiator resolves file and folder collisions for one batch.
type Negotiator struct {
	files   Prompter
	folders FolderPrompter
	memo    *Memo
}

// New returns a negotiator backed by memo. A nil memo gets a private one.
func New(files Prompter, folders FolderPrompter, memo *Memo) *Negotiator {
	if memo == nil {
		memo = &Memo{}
	}
	return &Negotiator{files: files, folders: folders, memo: memo}
}

// Memo returns the apply-to-all cache used by the negotiator.
func (n *Negotiator) Memo() *Memo { return n.memo }

// Resolve decides what to do with one file. Remembered answers win over the
// existence check so a cached cancel still stops the batch.
func (n *Negotiator) Resolve(ctx context.Context, c FileConflict) (OverwriteDecision, error) {
	if d, ok := n.memo.File(); ok {
		return d, nil
	}
	if c.Existing == nil {
		return OverwriteDecision{Action: Overwrite}, nil
	}
	if n.files == nil {
		return OverwriteDecision{}, ErrNoPrompter
	}

	d, err := n.files.AskOverwrite(ctx, c)
	if err != nil {
		return OverwriteDecision{}, fmt.Errorf("overwrite prompt for %s: %w", c.Name, err)
	}
	if d.Action == Rename {
		d.NewName = strings.TrimSpace(d.NewName)
		if d.NewName == "" {
			return OverwriteDecision{}, ErrRenameWithoutName
		}
		if err := validation.ValidateFilename(d.NewName); err != nil {
			return OverwriteDecision{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
		}
		d.ApplyToAll = false
	}
	if d.ApplyToAll {
		n.memo.SetFile(d)
	}
	return d, nil
}
