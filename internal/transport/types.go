package transport

import (
	"sort"
	"strings"
	"time"
)

// Entry is one file or directory as reported by a backend.
type Entry struct {
	Name    string
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// Listing is the content of one directory.
type Listing struct {
	Path    string
	Entries []Entry
}

// SortEntries orders directories first, then by case-insensitive name.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}

// MergePolicy controls how a folder transfer treats an existing destination folder.
type MergePolicy int

const (
	// MergeOverwrite merges into the destination, overwriting files that collide.
	MergeOverwrite MergePolicy = iota
	// MergeSkipExisting merges into the destination, keeping files that already exist.
	MergeSkipExisting
	// Replace deletes the destination folder before transferring.
	Replace
)

func (p MergePolicy) String() string {
	switch p {
	case MergeOverwrite:
		return "merge_overwrite"
	case MergeSkipExisting:
		return "merge_skip_existing"
	case Replace:
		return "replace"
	default:
		return "unknown"
	}
}

// MessageKind identifies a transfer stream message.
type MessageKind int

const (
	MessageProgress MessageKind = iota
	MessageFolderProgress
	MessageTerminal
)

// Outcome is carried by terminal messages.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

// Message is one event in a transfer's stream. Exactly one terminal message
// ends each stream.
type Message struct {
	TransferID  string
	Kind        MessageKind
	BytesDone   int64
	BytesTotal  int64
	Speed       float64 // bytes/sec since the stream started
	TotalFiles  int
	DoneFiles   int
	CurrentFile string
	Outcome     Outcome
	Err         error
}

// Sink receives progress and folder-progress messages from an adapter.
type Sink func(Message)

func (s Sink) emit(m Message) {
	if s != nil {
		s(m)
	}
}
