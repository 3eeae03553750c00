package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paneflow/paneflow/internal/navsync"
	"github.com/paneflow/paneflow/internal/state"
	"github.com/paneflow/paneflow/internal/transport"
)

type guard struct{ active atomic.Bool }

func (g *guard) Active() bool { return g.active.Load() }

// fakeDial serves LocalParams through the real dialer, with per-root
// failures and gates. It counts every connection it hands out and every
// Close on them.
type fakeDial struct {
	mu     sync.Mutex
	fail   map[string]error
	gate   map[string]chan struct{}
	calls  map[string]int
	real   *Dialer
	opened atomic.Int32
	closed atomic.Int32
}

type countedAdapter struct {
	transport.Adapter
	closed *atomic.Int32
}

func (c countedAdapter) Close() error {
	c.closed.Add(1)
	return c.Adapter.Close()
}

func newFakeDial(t *testing.T) *fakeDial {
	d, err := NewDialer(nil, nil)
	require.NoError(t, err)
	return &fakeDial{
		fail:  make(map[string]error),
		gate:  make(map[string]chan struct{}),
		calls: make(map[string]int),
		real:  d,
	}
}

func (f *fakeDial) dial(ctx context.Context, p ConnectionParams) (transport.Adapter, error) {
	root := p.(LocalParams).Root
	f.mu.Lock()
	f.calls[root]++
	err, gate := f.fail[root], f.gate[root]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	a, err := f.real.Dial(ctx, p)
	if err != nil {
		return nil, err
	}
	f.opened.Add(1)
	return countedAdapter{Adapter: a, closed: &f.closed}, nil
}

func (f *fakeDial) set(root string, err error, gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[root] = err
	f.gate[root] = gate
}

type fixture struct {
	m             *Manager
	dial          *fakeDial
	guard         *guard
	remote, local *state.Panel
	rootA, rootB  string
	localDir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	f := &fixture{
		rootA:    filepath.Join(base, "a"),
		rootB:    filepath.Join(base, "b"),
		localDir: filepath.Join(base, "local"),
		remote:   state.NewPanel(state.Remote, nil),
		local:    state.NewPanel(state.Local, nil),
		guard:    &guard{},
	}
	for _, p := range []string{
		filepath.Join(f.rootA, "sub"),
		filepath.Join(f.rootB, "docs"),
		f.localDir,
	} {
		require.NoError(t, os.MkdirAll(p, 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(f.rootA, "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(f.rootB, "b.txt"), []byte("b"), 0644))

	f.dial = newFakeDial(t)
	f.m = NewManager(Options{
		Remote: f.remote,
		Local:  f.local,
		Dial:   f.dial.dial,
		Guard:  f.guard,
	})
	t.Cleanup(func() {
		f.m.Wait()
		_ = f.m.DisconnectAll()
	})
	return f
}

func (f *fixture) connect(t *testing.T, label, root string) Session {
	t.Helper()
	s, err := f.m.Connect(context.Background(), label, LocalParams{Root: root}, f.localDir)
	require.NoError(t, err)
	return s
}

func names(entries []transport.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestConnectRendersBothPanels(t *testing.T) {
	f := newFixture(t)
	s := f.connect(t, "", f.rootA)

	assert.Equal(t, StatusConnected, s.Status)
	assert.Equal(t, "local:"+f.rootA, s.ServerLabel)
	assert.Equal(t, f.rootA, f.remote.Path())
	assert.Equal(t, []string{"sub", "a.txt"}, names(f.remote.Entries()))
	assert.Equal(t, f.localDir, f.local.Path())

	active, ok := f.m.Active()
	require.True(t, ok)
	assert.Equal(t, s.ID, active.ID)
}

func TestConnectFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("refused")
	f.dial.set(f.rootA, boom, nil)

	_, err := f.m.Connect(context.Background(), "A", LocalParams{Root: f.rootA}, f.localDir)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.m.List())
}

func TestConnectCachesPreviousSession(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)
	_, err := f.m.Navigate(context.Background(), state.Remote, filepath.Join(f.rootA, "sub"))
	require.NoError(t, err)

	f.connect(t, "B", f.rootB)

	got, ok := f.m.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCached, got.Status)
	assert.Equal(t, filepath.Join(f.rootA, "sub"), got.RemotePath)
	assert.Len(t, f.m.List(), 2)
}

func TestSwitchRendersCacheThenReconnects(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)
	_, err := f.m.Navigate(context.Background(), state.Remote, filepath.Join(f.rootA, "sub"))
	require.NoError(t, err)
	b := f.connect(t, "B", f.rootB)

	gate := make(chan struct{})
	f.dial.set(f.rootA, nil, gate)

	require.NoError(t, f.m.Switch(context.Background(), a.ID))

	// Phase one: cached listing without a loading state.
	assert.Equal(t, filepath.Join(f.rootA, "sub"), f.remote.Path())
	assert.False(t, f.remote.IsLoading())
	got, _ := f.m.Get(a.ID)
	assert.Equal(t, StatusConnecting, got.Status)

	// The outgoing session keeps its live state.
	prev, _ := f.m.Get(b.ID)
	assert.Equal(t, StatusCached, prev.Status)
	assert.Equal(t, f.rootB, prev.RemotePath)
	assert.Equal(t, []string{"docs", "b.txt"}, names(prev.RemoteListing))

	close(gate)
	f.m.Wait()

	got, _ = f.m.Get(a.ID)
	assert.Equal(t, StatusConnected, got.Status)
	_, err = f.m.Adapter()
	assert.NoError(t, err)
}

func TestSwitchReconnectFailureKeepsCache(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)
	f.connect(t, "B", f.rootB)

	f.dial.set(f.rootA, errors.New("host unreachable"), nil)
	require.NoError(t, f.m.Switch(context.Background(), a.ID))
	f.m.Wait()

	got, _ := f.m.Get(a.ID)
	assert.Equal(t, StatusCached, got.Status)
	assert.Equal(t, f.rootA, f.remote.Path())
	assert.Equal(t, []string{"sub", "a.txt"}, names(f.remote.Entries()))

	_, err := f.m.Adapter()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = f.m.Navigate(context.Background(), state.Remote, f.rootA)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSwitchStaleReconnectOnlyUpdatesCache(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)
	b := f.connect(t, "B", f.rootB)

	gate := make(chan struct{})
	f.dial.set(f.rootA, nil, gate)
	require.NoError(t, f.m.Switch(context.Background(), a.ID))
	require.NoError(t, f.m.Switch(context.Background(), b.ID))

	// A's reconnect lands after B became active again.
	require.NoError(t, os.WriteFile(filepath.Join(f.rootA, "late.txt"), []byte("x"), 0644))
	close(gate)
	f.m.Wait()

	got, _ := f.m.Get(a.ID)
	assert.Equal(t, StatusCached, got.Status)
	assert.Contains(t, names(got.RemoteListing), "late.txt")
	assert.Equal(t, f.rootB, f.remote.Path())

	active, _ := f.m.Active()
	assert.Equal(t, b.ID, active.ID)
	assert.Equal(t, StatusConnected, active.Status)
}

func TestSwitchBackDuringReconnectClosesSupersededConnection(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)
	b := f.connect(t, "B", f.rootB)

	gate := make(chan struct{})
	f.dial.set(f.rootA, nil, gate)
	require.NoError(t, f.m.Switch(context.Background(), a.ID))
	require.NoError(t, f.m.Switch(context.Background(), b.ID))
	require.NoError(t, f.m.Switch(context.Background(), a.ID))

	// Both reconnects of A are parked on the gate; only the latest may win.
	close(gate)
	f.m.Wait()

	active, ok := f.m.Active()
	require.True(t, ok)
	assert.Equal(t, a.ID, active.ID)
	assert.Equal(t, StatusConnected, active.Status)
	assert.Equal(t, f.rootA, active.RemotePath)
	_, err := f.m.Adapter()
	require.NoError(t, err)

	require.NoError(t, f.m.DisconnectAll())
	assert.Equal(t, f.dial.opened.Load(), f.dial.closed.Load(), "every connection is closed exactly once")
}

func TestSwitchReconnectOutlivesCallerContext(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)
	f.connect(t, "B", f.rootB)

	gate := make(chan struct{})
	f.dial.set(f.rootA, nil, gate)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.m.Switch(ctx, a.ID))
	cancel()
	close(gate)
	f.m.Wait()

	got, _ := f.m.Get(a.ID)
	assert.Equal(t, StatusConnected, got.Status)
}

func TestSwitchRefusedDuringBatch(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)
	f.connect(t, "B", f.rootB)

	f.guard.active.Store(true)
	assert.ErrorIs(t, f.m.Switch(context.Background(), a.ID), ErrTransferInProgress)
	_, err := f.m.Connect(context.Background(), "C", LocalParams{Root: f.rootA}, f.localDir)
	assert.ErrorIs(t, err, ErrTransferInProgress)
	assert.ErrorIs(t, f.m.DisconnectAll(), ErrTransferInProgress)
	f.guard.active.Store(false)
}

func TestSwitchUnknownSession(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.m.Switch(context.Background(), "nope"), ErrSessionNotFound)
}

func TestSwitchRestoresNavigationSync(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)
	f.m.NavSync().Enable(f.rootA, f.localDir)

	b := f.connect(t, "B", f.rootB)
	assert.False(t, f.m.NavSync().Enabled(), "new session starts without sync")

	require.NoError(t, f.m.Switch(context.Background(), a.ID))
	f.m.Wait()
	assert.True(t, f.m.NavSync().Enabled())

	require.NoError(t, f.m.Switch(context.Background(), b.ID))
	f.m.Wait()
	assert.False(t, f.m.NavSync().Enabled())
}

type createAll struct{}

func (createAll) AskMissing(context.Context, state.Side, string) (navsync.MissingAction, error) {
	return navsync.MissingCreate, nil
}

func TestNavigateMirrorsOtherPanel(t *testing.T) {
	base := t.TempDir()
	remote := filepath.Join(base, "srv")
	localDir := filepath.Join(base, "home")
	require.NoError(t, os.MkdirAll(filepath.Join(remote, "assets", "img"), 0755))
	require.NoError(t, os.MkdirAll(localDir, 0755))

	dial := newFakeDial(t)
	remotePanel, localPanel := state.NewPanel(state.Remote, nil), state.NewPanel(state.Local, nil)
	m := NewManager(Options{
		Remote:  remotePanel,
		Local:   localPanel,
		Dial:    dial.dial,
		NavSync: navsync.New(nil, createAll{}, nil),
	})
	_, err := m.Connect(context.Background(), "srv", LocalParams{Root: remote}, localDir)
	require.NoError(t, err)

	m.NavSync().Enable(remote, localDir)
	_, err = m.Navigate(context.Background(), state.Remote, filepath.Join(remote, "assets", "img"))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(localDir, "assets", "img"), localPanel.Path())
	info, err := os.Stat(filepath.Join(localDir, "assets", "img"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = m.Navigate(context.Background(), state.Remote, base)
	assert.ErrorIs(t, err, navsync.ErrAboveBase)
	assert.Equal(t, filepath.Join(remote, "assets", "img"), remotePanel.Path())
}

func TestNavigateWithoutSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Navigate(context.Background(), state.Remote, "/")
	assert.ErrorIs(t, err, ErrNoActiveSession)

	listing, err := f.m.Navigate(context.Background(), state.Local, f.rootA)
	require.NoError(t, err)
	assert.Equal(t, f.rootA, listing.Path)
}

func TestCloseActiveClearsRemotePanel(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", f.rootA)

	require.NoError(t, f.m.Close(a.ID))
	_, ok := f.m.Active()
	assert.False(t, ok)
	assert.Empty(t, f.remote.Entries())
	assert.ErrorIs(t, f.m.Close(a.ID), ErrSessionNotFound)
}

func TestDisconnectAll(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", f.rootA)
	f.connect(t, "B", f.rootB)

	require.NoError(t, f.m.DisconnectAll())
	assert.Empty(t, f.m.List())
}

func TestDialerUnsupportedProtocol(t *testing.T) {
	d, err := NewDialer(nil, nil)
	require.NoError(t, err)
	_, err = d.Backend(nil)
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestDialerBuildsEveryBackend(t *testing.T) {
	d, err := NewDialer(nil, nil)
	require.NoError(t, err)

	cases := []struct {
		params ConnectionParams
		proto  string
	}{
		{FTPParams{Host: "h"}, "ftp"},
		{SFTPParams{Host: "h"}, "sftp"},
		{S3Params{Bucket: "b", Region: "us-east-1"}, "s3"},
		{AzureParams{Account: "acct", Container: "c"}, "azure"},
		{WebDAVParams{URL: "https://dav.example.com/remote.php/dav"}, "webdav"},
		{LocalParams{Root: "/"}, "local"},
	}
	for _, tc := range cases {
		b, err := d.Backend(tc.params)
		require.NoError(t, err, "%T", tc.params)
		assert.Equal(t, tc.proto, b.Protocol(), "%T", tc.params)
	}
}

func TestDialerOAuthRequiresToken(t *testing.T) {
	d, err := NewDialer(nil, nil)
	require.NoError(t, err)
	_, err = d.Backend(OAuthParams{URL: "https://drive.example.com/dav"})
	assert.Error(t, err)
}

func TestProtocolCatalogue(t *testing.T) {
	assert.Equal(t, 21, ProtocolFTP.DefaultPort())
	assert.Equal(t, 990, ProtocolFTPS.DefaultPort())
	assert.Equal(t, 22, ProtocolSFTP.DefaultPort())
	assert.Equal(t, 0, ProtocolLocal.DefaultPort())
	assert.False(t, ProtocolFTP.Secure())
	assert.True(t, ProtocolSFTP.Secure())
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "sftp://deploy@example.com", SFTPParams{User: "deploy", Host: "example.com", Port: 22}.DisplayName())
	assert.Equal(t, "ftp://example.com:2121", FTPParams{Host: "example.com", Port: 2121}.DisplayName())
	assert.Equal(t, "s3://media (minio.local:9000)", S3Params{Bucket: "media", Endpoint: "http://minio.local:9000"}.DisplayName())
	assert.Equal(t, "alice@dav.example.com/files", WebDAVParams{URL: "https://dav.example.com/files", User: "alice"}.DisplayName())
	assert.Equal(t, "nextcloud: cloud.example.com/dav", OAuthParams{Provider: "nextcloud", URL: "https://cloud.example.com/dav"}.DisplayName())
}
