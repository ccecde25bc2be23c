// Package fsutil holds the filesystem primitives used by the pipeline:
// idempotent directory creation, moves that survive filesystem boundaries,
// best-effort removal and depth-first pruning of empty directories.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DirPerm is the mode used for every directory the pipeline creates.
const DirPerm = 0o755

// MakeDir creates dir and any missing parents. An existing directory is not
// an error, so concurrent callers racing on the same path all succeed.
func MakeDir(dir string) error {
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		// MkdirAll can lose a race with another creator on some platforms.
		if info, statErr := os.Stat(dir); statErr == nil && info.IsDir() {
			return nil
		}
		return err
	}
	return nil
}

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// MoveFile relocates src to dst. A rename is tried first; when src and dst
// live on different filesystems the file is copied and src removed.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("copy across devices: %w", err)
	}
	return os.Remove(src)
}

// maxUniqueNames bounds the numbered names MoveUnique tries.
const maxUniqueNames = 10000

// MoveUnique moves src to dst without ever replacing an existing file. When
// dst is taken the file lands at "<base>.<n><ext>" with the lowest free n.
// It returns the path the file now lives at. If src cannot be removed after
// the new link is in place, the file exists at both paths and the returned
// path is still valid.
func MoveUnique(src, dst string) (string, error) {
	dir, name := filepath.Split(dst)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 0; n < maxUniqueNames; n++ {
		candidate := dst
		if n > 0 {
			candidate = filepath.Join(dir, fmt.Sprintf("%s.%d%s", base, n, ext))
		}
		err := linkExclusive(src, candidate)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if err := os.Remove(src); err != nil {
			return candidate, fmt.Errorf("remove %s after move: %w", src, err)
		}
		return candidate, nil
	}
	return "", fmt.Errorf("no free name for %s after %d attempts", dst, maxUniqueNames)
}

// linkExclusive makes dst refer to src's content, failing with fs.ErrExist
// when dst is taken. A hard link is used where possible; across devices, or
// on filesystems without hard links, the content is copied into a file
// created with O_EXCL.
func linkExclusive(src, dst string) error {
	err := os.Link(src, dst)
	if err == nil || errors.Is(err, fs.ErrExist) || errors.Is(err, fs.ErrNotExist) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// RemoveIfExists deletes path. It reports whether something was removed; a
// missing path is not an error.
func RemoveIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// PruneEmptyDirs removes, depth first, every directory under root that is
// empty once its own empty children are gone, root included. It returns the
// removed paths in removal order. A missing root is a no-op, so the call is
// idempotent.
func PruneEmptyDirs(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, nil
	}

	var removed []string
	if err := prune(root, &removed); err != nil {
		return removed, err
	}
	return removed, nil
}

func prune(dir string, removed *[]string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := prune(filepath.Join(dir, e.Name()), removed); err != nil {
			return err
		}
	}

	entries, err = os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	*removed = append(*removed, dir)
	return nil
}

// MoveAction relocates a file once its conversion succeeded. It satisfies
// types.PostAction.
type MoveAction struct {
	From string
	To   string
}

// Run performs the move.
func (m MoveAction) Run() error {
	return MoveFile(m.From, m.To)
}

func (m MoveAction) String() string {
	return fmt.Sprintf("move %s -> %s", m.From, m.To)
}
