package negotiate

import (
	"context"
	"fmt"
	"strings"
)

// Policy is a fixed conflict answer for non-interactive runs.
type Policy string

const (
	PolicyAsk       Policy = "ask"
	PolicyOverwrite Policy = "overwrite"
	PolicySkip      Policy = "skip"
	PolicyNewer     Policy = "newer"  // overwrite when the source is newer
	PolicyLarger    Policy = "larger" // overwrite when the source is larger
)

// ParsePolicy accepts the names used in the config file.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PolicyAsk, PolicyOverwrite, PolicySkip, PolicyNewer, PolicyLarger:
		return p, nil
	case "":
		return PolicyAsk, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// PolicyDecider answers prompts from a Policy. For PolicyAsk it defers to
// Fallback and Folders, failing with ErrNoPrompter when they are nil.
type PolicyDecider struct {
	Policy   Policy
	Fallback Prompter
	Folders  FolderPrompter
}

func (p PolicyDecider) AskOverwrite(ctx context.Context, c FileConflict) (OverwriteDecision, error) {
	switch p.Policy {
	case PolicyOverwrite:
		return OverwriteDecision{Action: Overwrite}, nil
	case PolicySkip:
		return OverwriteDecision{Action: Skip}, nil
	case PolicyNewer:
		if c.Existing == nil || c.ModTime.After(c.Existing.ModTime) {
			return OverwriteDecision{Action: Overwrite}, nil
		}
		return OverwriteDecision{Action: Skip}, nil
	case PolicyLarger:
		if c.Existing == nil || c.Size > c.Existing.Size {
			return OverwriteDecision{Action: Overwrite}, nil
		}
		return OverwriteDecision{Action: Skip}, nil
	}
	if p.Fallback == nil {
		return OverwriteDecision{}, ErrNoPrompter
	}
	return p.Fallback.AskOverwrite(ctx, c)
}

// AskFolderMerge merges for overwrite, skips for skip, and keeps existing
// files for newer and larger since sizes inside a tree are not compared.
func (p PolicyDecider) AskFolderMerge(ctx context.Context, c FolderConflict) (FolderMergeDecision, error) {
	switch p.Policy {
	case PolicyOverwrite:
		return FolderMergeDecision{Action: MergeOverwrite}, nil
	case PolicySkip:
		return FolderMergeDecision{Action: SkipFolder}, nil
	case PolicyNewer, PolicyLarger:
		return FolderMergeDecision{Action: MergeSkipExisting}, nil
	}
	if p.Folders == nil {
		return FolderMergeDecision{}, ErrNoPrompter
	}
	return p.Folders.AskFolderMerge(ctx, c)
}
