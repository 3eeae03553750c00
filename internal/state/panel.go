// Package state provides observable panel state for the local and remote
// file lists. Every asynchronous listing carries a generation token; a result
// is applied only while its token is still the latest one issued.
package state

import (
	"sort"
	"strings"
	"sync"

	"github.com/paneflow/paneflow/internal/events"
	"github.com/paneflow/paneflow/internal/transport"
)

// Side identifies one of the two panels.
type Side string

const (
	Local  Side = "local"
	Remote Side = "remote"
)

// Other returns the opposite panel.
func (s Side) Other() Side {
	if s == Local {
		return Remote
	}
	return Local
}

// Snapshot is a copy of a panel's path and listing.
type Snapshot struct {
	Path    string
	Entries []transport.Entry
}

// Panel is an observable directory listing. Thread-safe for concurrent access.
type Panel struct {
	side     Side
	eventBus *events.EventBus

	mu         sync.RWMutex
	generation uint64
	path       string
	entries    []transport.Entry
	selected   map[string]bool
	sortBy     string // "name", "size", "date"
	ascending  bool
	loading    bool
	lastError  error
}

// NewPanel creates an empty panel.
func NewPanel(side Side, eventBus *events.EventBus) *Panel {
	return &Panel{
		side:      side,
		eventBus:  eventBus,
		selected:  make(map[string]bool),
		sortBy:    "name",
		ascending: true,
	}
}

func (p *Panel) Side() Side { return p.side }

// Generation returns the latest token issued.
func (p *Panel) Generation() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.generation
}

// BeginLoad issues a new generation token for a listing of path and marks the
// panel loading. Any result still in flight for an older token is now stale.
func (p *Panel) BeginLoad(path string) uint64 {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.loading = true
	p.mu.Unlock()

	p.publish(&events.PanelEvent{
		BaseEvent:  events.NewBase(events.EventPanelLoading),
		Side:       string(p.side),
		Path:       path,
		Generation: gen,
	})
	return gen
}

// Commit applies a listing if gen is still current. It reports whether the
// listing was applied.
func (p *Panel) Commit(gen uint64, listing transport.Listing) bool {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return false
	}
	p.applyLocked(listing.Path, listing.Entries)
	p.mu.Unlock()

	p.publishListing(gen, listing.Path, len(listing.Entries))
	return true
}

// Fail records a listing error if gen is still current.
func (p *Panel) Fail(gen uint64, err error) bool {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return false
	}
	p.loading = false
	p.lastError = err
	path := p.path
	p.mu.Unlock()

	ev := &events.PanelEvent{
		BaseEvent:  events.NewBase(events.EventPanelError),
		Side:       string(p.side),
		Path:       path,
		Generation: gen,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	p.publish(ev)
	return true
}

// Hydrate replaces the panel content from a cached snapshot without a
// loading state. It invalidates listings still in flight.
func (p *Panel) Hydrate(s Snapshot) uint64 {
	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.applyLocked(s.Path, s.Entries)
	p.mu.Unlock()

	p.publishListing(gen, s.Path, len(s.Entries))
	return gen
}

// applyLocked must hold the lock.
func (p *Panel) applyLocked(path string, entries []transport.Entry) {
	p.path = path
	p.entries = append([]transport.Entry(nil), entries...)
	p.sortLocked()
	p.selected = make(map[string]bool)
	p.loading = false
	p.lastError = nil
}

// Capture returns a copy of the current path and listing.
func (p *Panel) Capture() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{Path: p.path, Entries: append([]transport.Entry(nil), p.entries...)}
}

// Path returns the directory currently shown.
func (p *Panel) Path() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.path
}

// Entries returns a copy of the current listing.
func (p *Panel) Entries() []transport.Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]transport.Entry(nil), p.entries...)
}

// IsLoading returns whether a listing is in flight.
func (p *Panel) IsLoading() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loading
}

// Err returns the error of the last failed listing.
func (p *Panel) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastError
}

// Find returns the entry with the given name.
func (p *Panel) Find(name string) (transport.Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.entries {
		if e.Name == name {
			return e, true
		}
	}
	return transport.Entry{}, false
}

// ToggleSelect toggles an entry's selection state.
func (p *Panel) ToggleSelect(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.selected[name] {
		delete(p.selected, name)
	} else {
		p.selected[name] = true
	}
}

// SetSelection replaces the selection.
func (p *Panel) SetSelection(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = make(map[string]bool, len(names))
	for _, n := range names {
		p.selected[n] = true
	}
}

// Selected returns the selected entries in display order.
func (p *Panel) Selected() []transport.Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []transport.Entry
	for _, e := range p.entries {
		if p.selected[e.Name] {
			out = append(out, e)
		}
	}
	return out
}

// SetSort updates the sort order and re-sorts the listing.
func (p *Panel) SetSort(sortBy string, ascending bool) {
	p.mu.Lock()
	p.sortBy = sortBy
	p.ascending = ascending
	p.sortLocked()
	gen, path, n := p.generation, p.path, len(p.entries)
	p.mu.Unlock()

	p.publishListing(gen, path, n)
}

// sortLocked sorts the entries by current sort settings (must hold lock).
func (p *Panel) sortLocked() {
	sort.SliceStable(p.entries, func(i, j int) bool {
		a, b := p.entries[i], p.entries[j]

		// Folders always come first
		if a.IsDir != b.IsDir {
			return a.IsDir
		}

		var less bool
		switch p.sortBy {
		case "size":
			less = a.Size < b.Size
		case "date":
			less = a.ModTime.Before(b.ModTime)
		default:
			less = strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}

		if p.ascending {
			return less
		}
		return !less
	})
}

func (p *Panel) publishListing(gen uint64, path string, count int) {
	p.publish(&events.PanelEvent{
		BaseEvent:  events.NewBase(events.EventPanelListing),
		Side:       string(p.side),
		Path:       path,
		Count:      count,
		Generation: gen,
	})
}

func (p *Panel) publish(ev events.Event) {
	if p.eventBus != nil {
		p.eventBus.Publish(ev)
	}
}
