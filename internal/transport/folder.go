package transport

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/paneflow/paneflow/internal/constants"
	"github.com/paneflow/paneflow/internal/diskspace"
	"github.com/paneflow/paneflow/internal/localfs"
	"github.com/paneflow/paneflow/internal/validation"
)

type treeFile struct {
	rel  string // slash separated, relative to the tree root
	src  string
	size int64
}

func (a *adapter) UploadFolder(ctx context.Context, localDir, remoteDir string, policy MergePolicy, sink Sink) error {
	tctx, done := a.begin(ctx)
	defer done()
	return finish(tctx, "upload_folder", remoteDir, a.uploadTree(tctx, localDir, remoteDir, policy, sink))
}

func (a *adapter) uploadTree(ctx context.Context, localDir, remoteDir string, policy MergePolicy, sink Sink) error {
	var dirs []string
	var files []treeFile
	err := localfs.Walk(ctx, localDir, localfs.WalkOptions{IncludeHidden: true}, func(e localfs.FileEntry) error {
		rel, err := filepath.Rel(localDir, e.Path)
		if err != nil || rel == "." {
			return err
		}
		rel = filepath.ToSlash(rel)
		if e.IsDir {
			dirs = append(dirs, rel)
		} else {
			files = append(files, treeFile{rel: rel, src: e.Path, size: e.Size})
		}
		return nil
	})
	if err != nil {
		return localError("walk", localDir, err)
	}

	if policy == Replace {
		if _, err := a.backend.Stat(ctx, remoteDir); err == nil {
			a.logger.Info().Str("path", remoteDir).Msg("replacing destination folder")
			if err := a.backend.Remove(ctx, remoteDir, true); err != nil {
				return err
			}
		} else if !IsNotFound(err) {
			return err
		}
	}

	if err := a.MakeDirectory(ctx, remoteDir); err != nil {
		return err
	}
	for _, d := range dirs {
		if err := a.backend.Mkdir(ctx, a.paths.Join(remoteDir, d)); err != nil {
			return err
		}
	}

	total, doneFiles := len(files), 0
	sink.emit(Message{Kind: MessageFolderProgress, TotalFiles: total})
	for _, f := range files {
		dest := a.paths.Join(remoteDir, f.rel)
		if policy == MergeSkipExisting {
			_, err := a.backend.Stat(ctx, dest)
			if err == nil {
				doneFiles++
				sink.emit(Message{Kind: MessageFolderProgress, TotalFiles: total, DoneFiles: doneFiles, CurrentFile: f.rel})
				continue
			}
			if !IsNotFound(err) {
				return err
			}
		}
		if err := a.uploadOne(ctx, f.src, dest, sink); err != nil {
			return err
		}
		doneFiles++
		sink.emit(Message{Kind: MessageFolderProgress, TotalFiles: total, DoneFiles: doneFiles, CurrentFile: f.rel})
	}
	return nil
}

func (a *adapter) DownloadFolder(ctx context.Context, remoteDir, localDir string, policy MergePolicy, sink Sink) error {
	tctx, done := a.begin(ctx)
	defer done()
	return finish(tctx, "download_folder", remoteDir, a.downloadTree(tctx, remoteDir, localDir, policy, sink))
}

func (a *adapter) downloadTree(ctx context.Context, remoteDir, localDir string, policy MergePolicy, sink Sink) error {
	var dirs []string
	var files []treeFile
	err := a.walkRemote(ctx, remoteDir, "", func(rel string, e Entry, full string) {
		if e.IsDir {
			dirs = append(dirs, rel)
		} else {
			files = append(files, treeFile{rel: rel, src: full, size: e.Size})
		}
	})
	if err != nil {
		return err
	}

	if policy == Replace {
		if _, err := os.Stat(localDir); err == nil {
			a.logger.Info().Str("path", localDir).Msg("replacing destination folder")
			if err := os.RemoveAll(localDir); err != nil {
				return localError("remove", localDir, err)
			}
		}
	}
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return localError("mkdir", localDir, err)
	}
	for _, d := range dirs {
		p := filepath.Join(localDir, filepath.FromSlash(d))
		if err := os.MkdirAll(p, 0755); err != nil {
			return localError("mkdir", p, err)
		}
	}

	var need int64
	for _, f := range files {
		need += f.size
	}
	if err := diskspace.Check(localDir, need, constants.DiskSpaceMargin); err != nil {
		return NewError("download_folder", localDir, CategoryQuotaExceeded, err)
	}

	total, doneFiles := len(files), 0
	sink.emit(Message{Kind: MessageFolderProgress, TotalFiles: total})
	for _, f := range files {
		dest := filepath.Join(localDir, filepath.FromSlash(f.rel))
		if err := validation.ValidatePathInDirectory(dest, localDir); err != nil {
			return NewError("download_folder", f.src, CategoryInvalidPath, err)
		}
		if policy == MergeSkipExisting {
			if _, err := os.Stat(dest); err == nil {
				doneFiles++
				sink.emit(Message{Kind: MessageFolderProgress, TotalFiles: total, DoneFiles: doneFiles, CurrentFile: f.rel})
				continue
			}
		}
		if err := a.downloadOne(ctx, f.src, dest, f.size, sink); err != nil {
			return err
		}
		doneFiles++
		sink.emit(Message{Kind: MessageFolderProgress, TotalFiles: total, DoneFiles: doneFiles, CurrentFile: f.rel})
	}
	return nil
}

// walkRemote visits dir depth first, parents before children.
func (a *adapter) walkRemote(ctx context.Context, dir, rel string, fn func(rel string, e Entry, full string)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := a.backend.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := validation.ValidateFilename(e.Name); err != nil {
			return NewError("list", dir, CategoryInvalidPath, err)
		}
		r := path.Join(rel, e.Name)
		full := a.paths.Join(dir, e.Name)
		fn(r, e, full)
		if e.IsDir {
			if err := a.walkRemote(ctx, full, r, fn); err != nil {
				return err
			}
		}
	}
	return nil
}
