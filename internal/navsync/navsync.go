// Package navsync mirrors navigation between the local and remote panels.
//
// Once enabled with a base pair, a move in one panel is remapped onto the
// other panel's base: the navigating side's base is stripped and the remainder
// is joined onto the opposite base. Moving a panel above its base is refused
// while sync is on.
package navsync

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/paneflow/paneflow/internal/events"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/state"
	"github.com/paneflow/paneflow/internal/transport"
)

var (
	ErrNotEnabled    = errors.New("navigation sync is not enabled")
	ErrAboveBase     = errors.New("path is above the synchronized base")
	ErrOutsideBase   = errors.New("path is outside the synchronized base")
	ErrTargetMissing = errors.New("mirrored directory does not exist")
	ErrTargetNotDir  = errors.New("mirrored path is not a directory")
)

// MissingAction is the answer to a missing mirror directory.
type MissingAction int

const (
	MissingCreate MissingAction = iota
	MissingDisable
)

// MissingPrompter asks what to do when the mirrored directory does not exist.
type MissingPrompter interface {
	AskMissing(ctx context.Context, side state.Side, target string) (MissingAction, error)
}

// Checker is the part of an adapter Mirror needs on the opposite side.
type Checker interface {
	Stat(ctx context.Context, p string) (transport.Entry, error)
	MakeDirectory(ctx context.Context, dir string) error
}

// Settings is the per-session sync state.
type Settings struct {
	Enabled    bool
	RemoteBase string
	LocalBase  string
}

// Result describes what Mirror did.
type Result struct {
	Side     state.Side // side the target belongs to
	Target   string
	Created  bool
	Disabled bool
}

// Engine holds the base pair. Safe for concurrent use.
type Engine struct {
	bus      *events.EventBus
	prompter MissingPrompter
	logger   *logging.Logger

	mu       sync.RWMutex
	settings Settings
}

// New creates a disabled engine.
func New(bus *events.EventBus, prompter MissingPrompter, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Engine{bus: bus, prompter: prompter, logger: logger.Component("navsync")}
}

// Enable records the current paths of both panels as the base pair.
func (e *Engine) Enable(remoteBase, localBase string) {
	e.mu.Lock()
	e.settings = Settings{
		Enabled:    true,
		RemoteBase: cleanRemote(remoteBase),
		LocalBase:  filepath.Clean(localBase),
	}
	s := e.settings
	e.mu.Unlock()

	e.logger.Info().Str("remote", s.RemoteBase).Str("local", s.LocalBase).Msg("navigation sync enabled")
	e.publish(events.EventNavSyncChanged, s, "")
}

// Disable turns sync off and forgets the base pair.
func (e *Engine) Disable() {
	e.mu.Lock()
	was := e.settings.Enabled
	e.settings = Settings{}
	e.mu.Unlock()

	if was {
		e.logger.Info().Msg("navigation sync disabled")
		e.publish(events.EventNavSyncChanged, Settings{}, "")
	}
}

// Enabled reports whether sync is on.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.Enabled
}

// Bases returns the recorded base pair.
func (e *Engine) Bases() (remoteBase, localBase string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings.RemoteBase, e.settings.LocalBase
}

// Settings returns a copy of the current state, used to save it per session.
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// Restore replaces the state with one saved earlier.
func (e *Engine) Restore(s Settings) {
	if !s.Enabled {
		s = Settings{}
	}
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
	e.publish(events.EventNavSyncChanged, s, "")
}

// Target maps newPath on side onto the opposite side's base.
func (e *Engine) Target(side state.Side, newPath string) (string, error) {
	s := e.Settings()
	if !s.Enabled {
		return "", ErrNotEnabled
	}

	if side == state.Remote {
		rel, err := remoteRel(s.RemoteBase, newPath)
		if err != nil {
			return "", err
		}
		if rel == "" {
			return s.LocalBase, nil
		}
		return filepath.Join(s.LocalBase, filepath.FromSlash(rel)), nil
	}

	rel, err := localRel(s.LocalBase, newPath)
	if err != nil {
		return "", err
	}
	if rel == "" {
		return s.RemoteBase, nil
	}
	return path.Join(s.RemoteBase, rel), nil
}

// Mirror computes the target for a move on side and makes sure it exists on
// the opposite side through other. A missing target is resolved by the
// prompter: create it or disable sync.
func (e *Engine) Mirror(ctx context.Context, side state.Side, newPath string, other Checker) (Result, error) {
	target, err := e.Target(side, newPath)
	if err != nil {
		return Result{}, err
	}
	res := Result{Side: side.Other(), Target: target}

	entry, err := other.Stat(ctx, target)
	switch {
	case err == nil && entry.IsDir:
		return res, nil
	case err == nil:
		return res, fmt.Errorf("%s: %w", target, ErrTargetNotDir)
	case !transport.IsNotFound(err):
		return res, err
	}

	e.publish(events.EventNavSyncMissing, e.Settings(), target)
	if e.prompter == nil {
		return res, fmt.Errorf("%s: %w", target, ErrTargetMissing)
	}

	action, err := e.prompter.AskMissing(ctx, res.Side, target)
	if err != nil {
		return res, err
	}
	switch action {
	case MissingCreate:
		if err := other.MakeDirectory(ctx, target); err != nil {
			return res, fmt.Errorf("create mirrored directory: %w", err)
		}
		e.logger.Info().Str("side", string(res.Side)).Str("path", target).Msg("created mirrored directory")
		res.Created = true
	default:
		e.Disable()
		res.Disabled = true
	}
	return res, nil
}

func (e *Engine) publish(t events.EventType, s Settings, missing string) {
	e.bus.Publish(&events.NavSyncEvent{
		BaseEvent:  events.NewBase(t),
		Enabled:    s.Enabled,
		RemoteBase: s.RemoteBase,
		LocalBase:  s.LocalBase,
		Missing:    missing,
	})
}

func cleanRemote(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean(p)
}

// remoteRel returns p relative to base in slash form, "" when equal.
func remoteRel(base, p string) (string, error) {
	p = cleanRemote(p)
	if p == base {
		return "", nil
	}
	prefix := base
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if strings.HasPrefix(p, prefix) {
		return p[len(prefix):], nil
	}
	if p == "/" || strings.HasPrefix(base, strings.TrimSuffix(p, "/")+"/") {
		return "", ErrAboveBase
	}
	return "", ErrOutsideBase
}

// localRel returns p relative to base in slash form, "" when equal.
func localRel(base, p string) (string, error) {
	rel, err := filepath.Rel(base, filepath.Clean(p))
	if err != nil {
		return "", ErrOutsideBase
	}
	if rel == "." {
		return "", nil
	}
	if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(rel), nil
	}
	up, err := filepath.Rel(filepath.Clean(p), base)
	if err == nil && up != ".." && !strings.HasPrefix(up, "..") {
		return "", ErrAboveBase
	}
	return "", ErrOutsideBase
}
