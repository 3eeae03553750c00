package negotiate

import (
	"context"
	"fmt"

	"github.com/paneflow/paneflow/internal/transport"
)

// MergeAction is the answer to a folder collision.
type MergeAction string

const (
	MergeOverwrite    MergeAction = "merge_overwrite"
	MergeSkipExisting MergeAction = "merge_skip_existing"
	ReplaceFolder     MergeAction = "replace"
	SkipFolder        MergeAction = "skip"
	CancelFolder      MergeAction = "cancel"
)

// Policy maps a merge answer onto the policy the transport applies. The
// second result is false for skip and cancel, which transfer nothing.
func (a MergeAction) Policy() (transport.MergePolicy, bool) {
	switch a {
	case MergeOverwrite:
		return transport.MergeOverwrite, true
	case MergeSkipExisting:
		return transport.MergeSkipExisting, true
	case ReplaceFolder:
		return transport.Replace, true
	}
	return transport.MergeOverwrite, false
}

// FolderConflict describes a folder about to be copied onto an existing one.
type FolderConflict struct {
	Name           string
	SourceIsRemote bool
	Remaining      int
	Existing       *transport.Entry
}

// FolderMergeDecision is the resolution of one FolderConflict.
type FolderMergeDecision struct {
	Action     MergeAction
	ApplyToAll bool
}

// FolderPrompter asks the user about a folder collision.
type FolderPrompter interface {
	AskFolderMerge(ctx context.Context, c FolderConflict) (FolderMergeDecision, error)
}

// ResolveFolder decides how to merge one folder. Without a same-named folder
// at the destination the answer is merge_overwrite and nobody is asked.
func (n *Negotiator) ResolveFolder(ctx context.Context, c FolderConflict) (FolderMergeDecision, error) {
	if d, ok := n.memo.Folder(); ok {
		return d, nil
	}
	if c.Existing == nil || !c.Existing.IsDir {
		return FolderMergeDecision{Action: MergeOverwrite}, nil
	}
	if n.folders == nil {
		return FolderMergeDecision{}, ErrNoPrompter
	}

	d, err := n.folders.AskFolderMerge(ctx, c)
	if err != nil {
		return FolderMergeDecision{}, fmt.Errorf("merge prompt for %s: %w", c.Name, err)
	}
	if d.ApplyToAll {
		n.memo.SetFolder(d)
	}
	return d, nil
}
