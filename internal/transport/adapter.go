// Package transport defines the per-protocol adapter contract used by the
// batch runner and the session manager, and implements it once on top of a
// small set of backend primitives.
package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/diskspace"
	"github.com/paneflow/paneflow/internal/logging"
)

// Adapter is the protocol facing surface the engine drives.
type Adapter interface {
	Protocol() string

	UploadFile(ctx context.Context, localPath, remotePath string, sink Sink) error
	DownloadFile(ctx context.Context, remotePath, localPath string, sink Sink) error
	UploadFolder(ctx context.Context, localDir, remoteDir string, policy MergePolicy, sink Sink) error
	DownloadFolder(ctx context.Context, remoteDir, localDir string, policy MergePolicy, sink Sink) error

	ListDirectory(ctx context.Context, dir string) (Listing, error)
	ChangeDirectory(ctx context.Context, dir string) (string, error)
	CurrentDirectory() string
	Stat(ctx context.Context, p string) (Entry, error)
	MakeDirectory(ctx context.Context, dir string) error

	Reconnect(ctx context.Context) error
	CancelCurrentTransfer()
	Close() error
}

// Backend is the primitive surface a protocol implements.
//
// Stat returns an error matching ErrNotFound for missing paths. Mkdir creates
// a single level and succeeds if the directory already exists. Remove of a
// directory is recursive.
type Backend interface {
	Protocol() string
	Connect(ctx context.Context) error
	Close() error

	Stat(ctx context.Context, p string) (Entry, error)
	List(ctx context.Context, dir string) ([]Entry, error)
	Mkdir(ctx context.Context, dir string) error
	Remove(ctx context.Context, p string, isDir bool) error
	Put(ctx context.Context, p string, r io.Reader, size int64) error
	Get(ctx context.Context, p string, w io.Writer) error
}

// PathJoiner is implemented by backends whose paths are not slash separated.
type PathJoiner interface {
	Join(elem ...string) string
	Dir(p string) string
}

type slashPaths struct{}

func (slashPaths) Join(elem ...string) string { return path.Join(elem...) }
func (slashPaths) Dir(p string) string        { return path.Dir(p) }

// adapter implements Adapter over a Backend.
type adapter struct {
	backend Backend
	paths   PathJoiner
	logger  *logging.Logger

	mu     sync.Mutex
	cwd    string
	cancel context.CancelFunc
}

// NewAdapter wraps b. A nil logger discards output.
func NewAdapter(b Backend, logger *logging.Logger) Adapter {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	var paths PathJoiner = slashPaths{}
	if pj, ok := b.(PathJoiner); ok {
		paths = pj
	}
	return &adapter{
		backend: b,
		paths:   paths,
		logger:  logger.Component("transport").WithField("protocol", b.Protocol()),
	}
}

func (a *adapter) Protocol() string { return a.backend.Protocol() }

// begin registers the cancel func of the transfer about to start.
func (a *adapter) begin(ctx context.Context) (context.Context, func()) {
	tctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	return tctx, func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		cancel()
	}
}

func (a *adapter) CancelCurrentTransfer() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// finish maps a context cancellation onto ErrCancelled.
func finish(ctx context.Context, op, p string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return NewError(op, p, CategoryCancelled, ctx.Err())
	}
	return err
}

func (a *adapter) UploadFile(ctx context.Context, localPath, remotePath string, sink Sink) error {
	tctx, done := a.begin(ctx)
	defer done()
	return finish(tctx, "upload", remotePath, a.uploadOne(tctx, localPath, remotePath, sink))
}

func (a *adapter) uploadOne(ctx context.Context, localPath, remotePath string, sink Sink) error {
	f, err := os.Open(localPath)
	if err != nil {
		return localError("open", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return localError("stat", localPath, err)
	}

	r := newProgressReader(ctx, f, info.Size(), localPath, sink)
	if err := a.backend.Put(ctx, remotePath, r, info.Size()); err != nil {
		return err
	}
	r.flush()
	return nil
}

func (a *adapter) DownloadFile(ctx context.Context, remotePath, localPath string, sink Sink) error {
	tctx, done := a.begin(ctx)
	defer done()
	return finish(tctx, "download", remotePath, a.downloadOne(tctx, remotePath, localPath, -1, sink))
}

// downloadOne writes to a temporary sibling and renames on success so a
// failed transfer never leaves a truncated destination.
func (a *adapter) downloadOne(ctx context.Context, remotePath, localPath string, size int64, sink Sink) error {
	if size < 0 {
		entry, err := a.backend.Stat(ctx, remotePath)
		if err != nil {
			return err
		}
		size = entry.Size
	}

	if err := os.MkdirAll(parentDir(localPath), 0755); err != nil {
		return localError("mkdir", parentDir(localPath), err)
	}
	if err := diskspace.Check(parentDir(localPath), size, constants.DiskSpaceMargin); err != nil {
		return NewError("download", localPath, CategoryQuotaExceeded, err)
	}
	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return localError("create", tmp, err)
	}

	w := newProgressWriter(ctx, f, size, remotePath, sink)
	getErr := a.backend.Get(ctx, remotePath, w)
	closeErr := f.Close()
	if getErr == nil {
		getErr = closeErr
	}
	if getErr != nil {
		os.Remove(tmp)
		return getErr
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return localError("rename", localPath, err)
	}
	w.flush()
	return nil
}

func (a *adapter) ListDirectory(ctx context.Context, dir string) (Listing, error) {
	if dir == "" {
		dir = a.CurrentDirectory()
	}
	entries, err := a.backend.List(ctx, dir)
	if err != nil {
		return Listing{}, err
	}
	SortEntries(entries)
	return Listing{Path: dir, Entries: entries}, nil
}

func (a *adapter) ChangeDirectory(ctx context.Context, dir string) (string, error) {
	dir = normalizeDir(dir)
	entry, err := a.backend.Stat(ctx, dir)
	if err != nil {
		return "", err
	}
	if !entry.IsDir {
		return "", NewError("chdir", dir, CategoryInvalidPath, fmt.Errorf("not a directory"))
	}
	a.mu.Lock()
	a.cwd = dir
	a.mu.Unlock()
	return dir, nil
}

func (a *adapter) CurrentDirectory() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cwd == "" {
		return "/"
	}
	return a.cwd
}

func (a *adapter) Stat(ctx context.Context, p string) (Entry, error) {
	return a.backend.Stat(ctx, p)
}

// MakeDirectory creates dir and any missing parents.
func (a *adapter) MakeDirectory(ctx context.Context, dir string) error {
	if _, err := a.backend.Stat(ctx, dir); err == nil {
		return nil
	} else if !IsNotFound(err) {
		return err
	}
	parent := a.paths.Dir(dir)
	if parent != dir && parent != "." && parent != "" {
		if err := a.MakeDirectory(ctx, parent); err != nil {
			return err
		}
	}
	return a.backend.Mkdir(ctx, dir)
}

func (a *adapter) Reconnect(ctx context.Context) error {
	a.logger.Info().Msg("reconnecting")
	if err := a.backend.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("close before reconnect")
	}
	if err := a.backend.Connect(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	cwd := a.cwd
	a.mu.Unlock()
	if cwd != "" {
		if _, err := a.backend.Stat(ctx, cwd); err != nil {
			a.logger.Warn().Err(err).Str("path", cwd).Msg("working directory gone after reconnect")
		}
	}
	return nil
}

func (a *adapter) Close() error {
	a.CancelCurrentTransfer()
	return a.backend.Close()
}

func normalizeDir(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

func parentDir(p string) string {
	i := strings.LastIndexAny(p, `/\`)
	if i <= 0 {
		return "."
	}
	return p[:i]
}

func localError(op, p string, err error) error {
	switch {
	case os.IsNotExist(err):
		return NewError(op, p, CategoryNotFound, err)
	case os.IsPermission(err):
		return NewError(op, p, CategoryPermissionDenied, err)
	case os.IsExist(err):
		return NewError(op, p, CategoryAlreadyExists, err)
	}
	return NewError(op, p, CategoryUnknown, err)
}
