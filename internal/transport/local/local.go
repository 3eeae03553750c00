// Package local is the transport backend for the local filesystem. It serves
// local sessions and destination checks for downloads.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paneflow/paneflow/internal/localfs"
	"github.com/paneflow/paneflow/internal/transport"
)

// Backend implements transport.Backend on the local filesystem.
type Backend struct {
	showHidden bool
}

// New returns a local backend. Hidden files are listed when showHidden is set.
func New(showHidden bool) *Backend {
	return &Backend{showHidden: showHidden}
}

// NewAdapter is a shortcut for transport.NewAdapter(New(showHidden), nil).
func NewAdapter(showHidden bool) transport.Adapter {
	return transport.NewAdapter(New(showHidden), nil)
}

func (b *Backend) Protocol() string                  { return "local" }
func (b *Backend) Connect(ctx context.Context) error { return ctx.Err() }
func (b *Backend) Close() error                      { return nil }

func (b *Backend) Join(elem ...string) string { return filepath.Join(elem...) }
func (b *Backend) Dir(p string) string        { return filepath.Dir(p) }

func (b *Backend) Stat(ctx context.Context, p string) (transport.Entry, error) {
	e, err := localfs.Stat(p)
	if err != nil {
		return transport.Entry{}, mapError("stat", p, err)
	}
	return toEntry(e), nil
}

func (b *Backend) List(ctx context.Context, dir string) ([]transport.Entry, error) {
	entries, err := localfs.ListDirectory(dir, localfs.ListOptions{IncludeHidden: b.showHidden})
	if err != nil {
		return nil, mapError("list", dir, err)
	}
	out := make([]transport.Entry, len(entries))
	for i, e := range entries {
		out[i] = toEntry(e)
	}
	return out, nil
}

func (b *Backend) Mkdir(ctx context.Context, dir string) error {
	if err := os.Mkdir(dir, 0755); err != nil && !os.IsExist(err) {
		return mapError("mkdir", dir, err)
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, p string, isDir bool) error {
	var err error
	if isDir {
		err = os.RemoveAll(p)
	} else {
		err = os.Remove(p)
	}
	return mapError("remove", p, err)
}

func (b *Backend) Put(ctx context.Context, p string, r io.Reader, size int64) error {
	tmp := p + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return mapError("create", p, err)
	}
	n, err := transport.CopyContext(ctx, f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short write: %d of %d bytes", n, size)
	}
	if err != nil {
		os.Remove(tmp)
		return mapError("put", p, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return mapError("rename", p, err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, p string, w io.Writer) error {
	f, err := os.Open(p)
	if err != nil {
		return mapError("open", p, err)
	}
	defer f.Close()
	_, err = transport.CopyContext(ctx, w, f)
	return mapError("get", p, err)
}

func toEntry(e localfs.FileEntry) transport.Entry {
	return transport.Entry{
		Name:    e.Name,
		Path:    e.Path,
		Size:    e.Size,
		IsDir:   e.IsDir,
		ModTime: e.ModTime,
	}
}

func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	cat := transport.CategoryUnknown
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		cat = transport.CategoryCancelled
	case os.IsNotExist(err):
		cat = transport.CategoryNotFound
	case os.IsPermission(err):
		cat = transport.CategoryPermissionDenied
	case os.IsExist(err):
		cat = transport.CategoryAlreadyExists
	}
	return transport.NewError(op, p, cat, err)
}
