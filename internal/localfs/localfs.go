// Package localfs provides local filesystem listing and walking shared by the
// local transport backend and the folder transfer algorithm.
package localfs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileEntry represents a file or directory in the local filesystem.
type FileEntry struct {
	Path    string
	Name    string
	Size    int64 // 0 for directories
	IsDir   bool
	ModTime time.Time
	Mode    fs.FileMode
}

// ListOptions configures ListDirectory.
type ListOptions struct {
	// IncludeHidden includes dot files. Default false.
	IncludeHidden bool
}

// WalkOptions configures Walk.
type WalkOptions struct {
	// IncludeHidden includes hidden files and directories in the walk.
	IncludeHidden bool

	// SkipHiddenDirs skips descending into hidden directories entirely.
	// Only meaningful when IncludeHidden is false.
	SkipHiddenDirs bool
}

// IsHidden reports whether the base name of path starts with a dot.
func IsHidden(path string) bool {
	return IsHiddenName(filepath.Base(path))
}

// IsHiddenName reports whether name is a dot file. "." and ".." are not hidden.
func IsHiddenName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return strings.HasPrefix(name, ".")
}

// ListDirectory returns the entries of path in filesystem order.
// Entries that cannot be stat'ed are skipped.
func ListDirectory(path string, opts ListOptions) ([]FileEntry, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	result := make([]FileEntry, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !opts.IncludeHidden && IsHiddenName(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, toEntry(filepath.Join(path, name), info))
	}
	return result, nil
}

// Stat returns the entry for path.
func Stat(path string) (FileEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileEntry{}, err
	}
	return toEntry(path, info), nil
}

func toEntry(path string, info fs.FileInfo) FileEntry {
	e := FileEntry{
		Path:    path,
		Name:    info.Name(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
		Mode:    info.Mode(),
	}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e
}

// WalkFunc is called for every entry. Returning filepath.SkipDir for a
// directory skips its contents; any other error stops the walk.
type WalkFunc func(entry FileEntry) error

// Walk traverses root depth first, directories before their contents. The
// root itself is passed to fn. Unreadable entries are skipped. The walk stops
// with ctx.Err() once ctx is done.
func Walk(ctx context.Context, root string, opts WalkOptions, fn WalkFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}

		name := d.Name()
		if path != root && !opts.IncludeHidden && IsHiddenName(name) {
			if d.IsDir() && opts.SkipHiddenDirs {
				return filepath.SkipDir
			}
			if !d.IsDir() {
				return nil
			}
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(toEntry(path, info))
	})
}

// WalkFiles is Walk restricted to regular files.
func WalkFiles(ctx context.Context, root string, opts WalkOptions, fn WalkFunc) error {
	return Walk(ctx, root, opts, func(entry FileEntry) error {
		if entry.IsDir {
			return nil
		}
		return fn(entry)
	})
}
