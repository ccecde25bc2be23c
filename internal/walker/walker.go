// Package walker enumerates the files eligible for a conversion stage while
// mirroring the walked directory skeleton into a destination root.
package walker

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/imgpipe/internal/fsutil"
)

// Dir is a visited directory.
type Dir struct {
	Path   string // absolute path under Root
	Rel    string // path relative to Root, "" for Root itself
	Mirror string // MirrorRoot/Rel, "" when not mirroring
}

// File is a visited file matching the walker's extensions.
type File struct {
	Path string
	Name string
	Dir  Dir
}

// MirrorError reports a mirrored directory that could not be created.
type MirrorError struct {
	Path string
	Err  error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("walker: create mirror %s: %v", e.Path, e.Err)
}

func (e *MirrorError) Unwrap() error {
	return e.Err
}

// Walker walks Root recursively.
//
// For every directory it computes the path relative to Root, skips subtrees
// whose relative path contains a QuarantineName segment, creates
// MirrorRoot/rel when MirrorRoot is set, and only then visits the files in
// it. The mirror therefore exists before any job for the directory is built.
type Walker struct {
	Root           string
	MirrorRoot     string   // optional
	QuarantineName string   // e.g. "_broken"
	Extensions     []string // matched case-insensitively, with leading dot
	Exclude        []string // absolute directories never entered
	IgnorePrefix   string   // file name prefix to ignore, e.g. staging files
}

// Walk visits directories and matching files in lexical order. onDir is
// called once per non-skipped directory after its mirror exists; onFile
// once per matching file. Either callback may be nil. Walking stops at the
// first error returned by a callback, the filesystem or ctx.
func (w *Walker) Walk(ctx context.Context, onDir func(Dir) error, onFile func(File) error) error {
	root := filepath.Clean(w.Root)
	var current Dir

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if rel == "." {
				rel = ""
			}
			if w.skipDir(path, rel) {
				return filepath.SkipDir
			}

			current = Dir{Path: path, Rel: rel}
			if w.MirrorRoot != "" {
				current.Mirror = filepath.Join(w.MirrorRoot, rel)
				if err := fsutil.MakeDir(current.Mirror); err != nil {
					return &MirrorError{Path: current.Mirror, Err: err}
				}
			}
			if onDir != nil {
				return onDir(current)
			}
			return nil
		}

		if !d.Type().IsRegular() || !w.matches(d.Name()) {
			return nil
		}
		if onFile == nil {
			return nil
		}
		// WalkDir visits a directory's files right after the directory
		// itself or after one of its subtrees; re-derive the parent.
		parent := filepath.Dir(path)
		if parent != current.Path {
			rel, _ := filepath.Rel(root, parent)
			if rel == "." {
				rel = ""
			}
			current = Dir{Path: parent, Rel: rel}
			if w.MirrorRoot != "" {
				current.Mirror = filepath.Join(w.MirrorRoot, rel)
			}
		}
		return onFile(File{Path: path, Name: d.Name(), Dir: current})
	})
}

// Files collects every matching file. Mirrors are created as a side effect.
func (w *Walker) Files(ctx context.Context) ([]File, error) {
	var files []File
	err := w.Walk(ctx, nil, func(f File) error {
		files = append(files, f)
		return nil
	})
	return files, err
}

func (w *Walker) skipDir(path, rel string) bool {
	for _, ex := range w.Exclude {
		if ex != "" && filepath.Clean(ex) == path && rel != "" {
			return true
		}
	}
	if w.QuarantineName == "" || rel == "" {
		return false
	}
	for _, seg := range strings.Split(rel, string(filepath.Separator)) {
		if seg == w.QuarantineName {
			return true
		}
	}
	return false
}

func (w *Walker) matches(name string) bool {
	if w.IgnorePrefix != "" && strings.HasPrefix(name, w.IgnorePrefix) {
		return false
	}
	ext := filepath.Ext(name)
	for _, want := range w.Extensions {
		if strings.EqualFold(ext, want) {
			return true
		}
	}
	return false
}
