// Package walk lists the regular files of job directories.
package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
)

// Entry is a regular file found by FS.
type Entry struct {
	root fs.FS
	// Path is slash separated and relative to the walked root.
	Path string
	Info fs.FileInfo
}

// Open opens the file through the walked filesystem.
func (e Entry) Open() (io.ReadCloser, error) {
	return e.root.Open(e.Path)
}

// Root is a convenience wrapper around FS for a directory, opened as an
// os.Root so symlinks cannot escape it.
func Root(ctx context.Context, dir string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		root, err := os.OpenRoot(dir)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer root.Close()
		for entry, err := range FS(ctx, root.FS()) {
			if !yield(entry, err) {
				return
			}
		}
	}
}

// FS recursively walks root and yields every regular file, or an error if
// file information retrieval fails. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield(Entry{root: root, Path: path}, err) {
					return fs.SkipAll
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if !yield(Entry{root: root, Path: path}, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if !yield(Entry{root: root, Path: path, Info: info}, nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// Files returns the sorted relative paths of the regular files under dir.
// A missing dir has no files.
func Files(ctx context.Context, dir string) ([]string, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	var out []string
	for entry, err := range Root(ctx, dir) {
		if err != nil {
			return nil, err
		}
		out = append(out, filepath.ToSlash(entry.Path))
	}
	slices.Sort(out)
	return out, ctx.Err()
}
