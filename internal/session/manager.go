// Package session keeps one record per open server tab and moves the two
// panels between them.
//
// Switching is two-phase: the incoming session is rendered from its cached
// listings immediately, then reconnected in the background. A result that
// arrives after the user has moved on only refreshes the session's cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paneflow/paneflow/internal/events"
	"github.com/paneflow/paneflow/internal/logging"
	"github.com/paneflow/paneflow/internal/navsync"
	"github.com/paneflow/paneflow/internal/state"
	"github.com/paneflow/paneflow/internal/transport"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrNoActiveSession    = errors.New("no active session")
	ErrNotConnected       = errors.New("session is not connected")
	ErrTransferInProgress = errors.New("a transfer batch is in progress")
	ErrStaleListing       = errors.New("listing superseded by a newer navigation")
)

// Status is the connection state of a session.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusCached       Status = "cached"
	StatusDisconnected Status = "disconnected"
)

// Session is the saved state of one server tab.
type Session struct {
	ID             string
	ServerLabel    string
	Status         Status
	RemotePath     string
	LocalPath      string
	RemoteListing  []transport.Entry
	LocalListing   []transport.Entry
	Params         ConnectionParams
	SyncNavigation navsync.Settings
	CreatedAt      time.Time
	LastActivity   time.Time

	adapter transport.Adapter
	// restoreSeq identifies the latest Switch into this session; older
	// reconnects finishing late must not install their connection.
	restoreSeq  uint64
	stopRestore context.CancelFunc
}

// BatchGuard reports whether a transfer batch owns the connection.
type BatchGuard interface {
	Active() bool
}

// Options configures a Manager. Remote and Local are required.
type Options struct {
	Remote       *state.Panel
	Local        *state.Panel
	LocalAdapter transport.Adapter
	Dial         DialFunc
	Guard        BatchGuard
	NavSync      *navsync.Engine
	EventBus     *events.EventBus
	Logger       *logging.Logger
}

// Manager owns every open session and the panel pair.
type Manager struct {
	remote  *state.Panel
	local   *state.Panel
	localFS transport.Adapter
	dial    DialFunc
	guard   BatchGuard
	nav     *navsync.Engine
	bus     *events.EventBus
	logger  *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	active   string

	wg sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	m := &Manager{
		remote:   opts.Remote,
		local:    opts.Local,
		localFS:  opts.LocalAdapter,
		dial:     opts.Dial,
		guard:    opts.Guard,
		nav:      opts.NavSync,
		bus:      opts.EventBus,
		logger:   logger.Component("session"),
		sessions: make(map[string]*Session),
	}
	if m.localFS == nil {
		m.localFS = transport.NewAdapter(localBackend(), logger)
	}
	if m.nav == nil {
		m.nav = navsync.New(opts.EventBus, nil, logger)
	}
	return m
}

// SetGuard installs the batch guard after construction, for wiring a runner
// that itself needs the manager.
func (m *Manager) SetGuard(g BatchGuard) {
	m.mu.Lock()
	m.guard = g
	m.mu.Unlock()
}

func (m *Manager) busy() bool {
	m.mu.Lock()
	g := m.guard
	m.mu.Unlock()
	return g != nil && g.Active()
}

// NavSync returns the navigation sync engine of the active session.
func (m *Manager) NavSync() *navsync.Engine { return m.nav }

// LocalAdapter returns the adapter serving the local panel.
func (m *Manager) LocalAdapter() transport.Adapter { return m.localFS }

// Connect dials params, lists both panels and makes the new session active.
// The previously active session is cached.
func (m *Manager) Connect(ctx context.Context, label string, params ConnectionParams, localPath string) (Session, error) {
	if m.busy() {
		return Session{}, ErrTransferInProgress
	}
	if m.dial == nil {
		return Session{}, errors.New("session manager has no dialer")
	}

	adapter, err := m.dial(ctx, params)
	if err != nil {
		return Session{}, fmt.Errorf("connect %s: %w", params.DisplayName(), err)
	}
	remoteDir, err := adapter.ChangeDirectory(ctx, startPath(params))
	if err != nil {
		_ = adapter.Close()
		return Session{}, err
	}
	remoteListing, err := adapter.ListDirectory(ctx, remoteDir)
	if err != nil {
		_ = adapter.Close()
		return Session{}, err
	}
	localListing, err := m.localFS.ListDirectory(ctx, localPath)
	if err != nil {
		_ = adapter.Close()
		return Session{}, err
	}

	if label == "" {
		label = params.DisplayName()
	}
	now := time.Now()
	s := &Session{
		ID:            uuid.NewString(),
		ServerLabel:   label,
		Status:        StatusConnected,
		RemotePath:    remoteListing.Path,
		LocalPath:     localListing.Path,
		RemoteListing: remoteListing.Entries,
		LocalListing:  localListing.Entries,
		Params:        params,
		CreatedAt:     now,
		LastActivity:  now,
		adapter:       adapter,
	}

	m.mu.Lock()
	outgoing := m.captureLocked()
	m.sessions[s.ID] = s
	m.order = append(m.order, s.ID)
	m.active = s.ID
	m.hydrateLocked(s)
	snap := *s
	m.mu.Unlock()

	m.retire(outgoing)
	m.logger.Info().Str("session", s.ID).Str("protocol", adapter.Protocol()).Str("label", label).Msg("session connected")
	m.publish(events.EventSessionStatus, &snap, nil)
	return snap, nil
}

// Switch makes id the active session. Its cached listings are shown at once;
// the connection is restored in the background (see Wait).
func (m *Manager) Switch(ctx context.Context, id string) error {
	if m.busy() {
		return ErrTransferInProgress
	}

	m.mu.Lock()
	in, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if m.active == id {
		m.mu.Unlock()
		return nil
	}
	outgoing := m.captureLocked()
	m.active = id
	gen := m.hydrateLocked(in)
	in.Status = StatusConnecting
	in.LastActivity = time.Now()
	if in.stopRestore != nil {
		in.stopRestore()
	}
	// The reconnect outlives the call, so it keeps ctx's values but not its deadline.
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	in.restoreSeq++
	in.stopRestore = cancel
	token := in.restoreSeq
	params, remotePath := in.Params, in.RemotePath
	snap := *in
	m.mu.Unlock()

	m.retire(outgoing)
	m.publish(events.EventSessionSwitched, &snap, nil)
	m.publish(events.EventSessionStatus, &snap, nil)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.restore(rctx, id, token, params, remotePath, gen)
	}()
	return nil
}

// restore is phase two of Switch.
func (m *Manager) restore(ctx context.Context, id string, token uint64, params ConnectionParams, remotePath string, gen uint64) {
	logger := m.logger.WithField("session", id)

	adapter, err := m.dial(ctx, params)
	var listing transport.Listing
	if err == nil {
		if remotePath == "" {
			remotePath = startPath(params)
		}
		if _, err = adapter.ChangeDirectory(ctx, remotePath); err == nil {
			listing, err = adapter.ListDirectory(ctx, remotePath)
		}
		if err != nil {
			_ = adapter.Close()
		}
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok || s.restoreSeq != token {
		m.mu.Unlock()
		if err == nil {
			_ = adapter.Close()
		}
		if ok {
			logger.Debug().Msg("reconnect superseded by a later switch")
		}
		return
	}
	s.stopRestore = nil
	if err != nil {
		s.Status = StatusCached
		snap := *s
		m.mu.Unlock()
		logger.Warn().Err(err).Msg("reconnect failed, session kept cached")
		m.publish(events.EventSessionStatus, &snap, err)
		return
	}

	s.RemoteListing = listing.Entries
	s.RemotePath = listing.Path
	var stale transport.Adapter
	if m.active == id {
		stale = s.adapter
		s.adapter = adapter
		s.Status = StatusConnected
		if !m.remote.Commit(gen, listing) {
			logger.Debug().Msg("newer navigation on remote panel, reconnect listing cached only")
		}
	} else {
		stale = adapter
		s.Status = StatusCached
	}
	snap := *s
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}
	logger.Info().Str("status", string(snap.Status)).Msg("session restored")
	m.publish(events.EventSessionStatus, &snap, nil)
}

// captureLocked saves the panels into the active session and detaches its
// connection. The returned adapter must be closed outside the lock.
func (m *Manager) captureLocked() transport.Adapter {
	s, ok := m.sessions[m.active]
	if !ok {
		return nil
	}
	r, l := m.remote.Capture(), m.local.Capture()
	s.RemotePath, s.RemoteListing = r.Path, r.Entries
	s.LocalPath, s.LocalListing = l.Path, l.Entries
	s.SyncNavigation = m.nav.Settings()
	s.Status = StatusCached
	a := s.adapter
	s.adapter = nil
	return a
}

// hydrateLocked renders s in both panels and returns the remote generation.
func (m *Manager) hydrateLocked(s *Session) uint64 {
	gen := m.remote.Hydrate(state.Snapshot{Path: s.RemotePath, Entries: s.RemoteListing})
	m.local.Hydrate(state.Snapshot{Path: s.LocalPath, Entries: s.LocalListing})
	m.nav.Restore(s.SyncNavigation)
	return gen
}

func (m *Manager) retire(a transport.Adapter) {
	if a == nil {
		return
	}
	if err := a.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("close outgoing connection")
	}
}

// Navigate moves one panel to dir. With navigation sync on, the other panel
// follows; a missing mirror directory is resolved through the sync prompter.
func (m *Manager) Navigate(ctx context.Context, side state.Side, dir string) (transport.Listing, error) {
	if m.nav.Enabled() {
		if _, err := m.nav.Target(side, dir); err != nil {
			return transport.Listing{}, err
		}
	}

	listing, err := m.load(ctx, side, dir)
	if err != nil || !m.nav.Enabled() {
		return listing, err
	}

	other, err := m.adapterFor(side.Other())
	if err != nil {
		return listing, err
	}
	res, err := m.nav.Mirror(ctx, side, listing.Path, other)
	if err != nil {
		return listing, fmt.Errorf("navigation sync: %w", err)
	}
	if !res.Disabled {
		if _, err := m.load(ctx, res.Side, res.Target); err != nil {
			return listing, fmt.Errorf("navigation sync: %w", err)
		}
	}
	return listing, nil
}

// load lists dir into the panel of side under a fresh generation token.
func (m *Manager) load(ctx context.Context, side state.Side, dir string) (transport.Listing, error) {
	adapter, err := m.adapterFor(side)
	if err != nil {
		return transport.Listing{}, err
	}
	panel := m.panel(side)

	gen := panel.BeginLoad(dir)
	cwd, err := adapter.ChangeDirectory(ctx, dir)
	var listing transport.Listing
	if err == nil {
		listing, err = adapter.ListDirectory(ctx, cwd)
	}
	if err != nil {
		panel.Fail(gen, err)
		return transport.Listing{}, err
	}
	if !panel.Commit(gen, listing) {
		return listing, ErrStaleListing
	}

	m.mu.Lock()
	if s, ok := m.sessions[m.active]; ok {
		if side == state.Remote {
			s.RemotePath, s.RemoteListing = listing.Path, listing.Entries
		} else {
			s.LocalPath, s.LocalListing = listing.Path, listing.Entries
		}
		s.LastActivity = time.Now()
	}
	m.mu.Unlock()
	return listing, nil
}

// Refresh re-lists the current directory of one panel.
func (m *Manager) Refresh(ctx context.Context, side state.Side) (transport.Listing, error) {
	return m.load(ctx, side, m.panel(side).Path())
}

func (m *Manager) panel(side state.Side) *state.Panel {
	if side == state.Remote {
		return m.remote
	}
	return m.local
}

func (m *Manager) adapterFor(side state.Side) (transport.Adapter, error) {
	if side == state.Local {
		return m.localFS, nil
	}
	return m.Adapter()
}

// Adapter returns the connection of the active session.
func (m *Manager) Adapter() (transport.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.active]
	if !ok {
		return nil, ErrNoActiveSession
	}
	if s.adapter == nil {
		return nil, ErrNotConnected
	}
	return s.adapter, nil
}

// Close destroys one session. Closing the active session clears both panels.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if id == m.active && m.guard != nil && m.guard.Active() {
		m.mu.Unlock()
		return ErrTransferInProgress
	}
	delete(m.sessions, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if id == m.active {
		m.active = ""
		m.remote.Hydrate(state.Snapshot{})
		m.nav.Disable()
	}
	if s.stopRestore != nil {
		s.stopRestore()
		s.stopRestore = nil
	}
	a := s.adapter
	s.adapter = nil
	s.Status = StatusDisconnected
	snap := *s
	m.mu.Unlock()

	m.retire(a)
	m.logger.Info().Str("session", id).Msg("session closed")
	m.publish(events.EventSessionClosed, &snap, nil)
	return nil
}

// DisconnectAll destroys every session.
func (m *Manager) DisconnectAll() error {
	if m.busy() {
		return ErrTransferInProgress
	}
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Close(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

// Active returns a copy of the active session.
func (m *Manager) Active() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.active]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Get returns a copy of one session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions in the order they were opened.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.sessions[id])
	}
	return out
}

// Wait blocks until background reconnects have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) publish(t events.EventType, s *Session, err error) {
	ev := &events.SessionEvent{
		BaseEvent: events.NewBase(t),
		SessionID: s.ID,
		Label:     s.ServerLabel,
		Status:    string(s.Status),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.bus.Publish(ev)
}
