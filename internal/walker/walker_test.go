package walker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func names(files []File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, filepath.Join(f.Dir.Rel, f.Name))
	}
	return out
}

func TestWalkMirrorsAndFilters(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	touch(t, filepath.Join(src, "a", "1.tif"))
	touch(t, filepath.Join(src, "a", "b", "2.TIF"))
	touch(t, filepath.Join(src, "a", "notes.txt"))
	touch(t, filepath.Join(src, "c", "d", "readme"))
	touch(t, filepath.Join(src, "3.tif"))

	w := &Walker{Root: src, MirrorRoot: dst, QuarantineName: "_broken", Extensions: []string{".tif"}}
	files, err := w.Files(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"3.tif", filepath.Join("a", "1.tif"), filepath.Join("a", "b", "2.TIF")}, names(files))

	for _, dir := range []string{"", "a", filepath.Join("a", "b"), "c", filepath.Join("c", "d")} {
		assert.DirExists(t, filepath.Join(dst, dir), "mirror of %q", dir)
	}
	for _, f := range files {
		assert.Equal(t, filepath.Join(dst, f.Dir.Rel), f.Dir.Mirror)
		assert.Equal(t, filepath.Join(src, f.Dir.Rel, f.Name), f.Path)
	}
}

// TestWalkMirrorBeforeFiles: the mirror exists when a file is visited.
func TestWalkMirrorBeforeFiles(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")
	touch(t, filepath.Join(src, "x", "y", "1.tif"))
	touch(t, filepath.Join(src, "x", "2.tif"))

	w := &Walker{Root: src, MirrorRoot: dst, Extensions: []string{".tif"}}
	err := w.Walk(context.Background(), nil, func(f File) error {
		assert.DirExists(t, f.Dir.Mirror)
		return nil
	})
	require.NoError(t, err)
}

func TestWalkSkipsQuarantine(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "_broken", "1.tif"))
	touch(t, filepath.Join(root, "a", "_broken", "deep", "2.tif"))
	touch(t, filepath.Join(root, "a_broken_b", "3.tif"))

	w := &Walker{Root: root, QuarantineName: "_broken", Extensions: []string{".tif"}}
	files, err := w.Files(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join("a_broken_b", "3.tif")}, names(files))
}

func TestWalkExcludesNestedMirror(t *testing.T) {
	root := t.TempDir()
	out := filepath.Join(root, "out")
	touch(t, filepath.Join(root, "1.tif"))
	touch(t, filepath.Join(out, "old.tif"))

	w := &Walker{Root: root, MirrorRoot: out, Exclude: []string{out}, Extensions: []string{".tif"}}
	files, err := w.Files(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1.tif"}, names(files))
}

func TestWalkIgnoresPrefix(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, ".partial-1234-1.jp2"))
	touch(t, filepath.Join(root, "1.jp2"))

	w := &Walker{Root: root, Extensions: []string{".jp2"}, IgnorePrefix: ".partial-"}
	files, err := w.Files(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"1.jp2"}, names(files))
}

func TestWalkDirCallback(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a", "1.tif"))
	touch(t, filepath.Join(root, "b", "2.tif"))

	var dirs []string
	w := &Walker{Root: root, Extensions: []string{".tif"}}
	err := w.Walk(context.Background(), func(d Dir) error {
		dirs = append(dirs, d.Rel)
		return nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"", "a", "b"}, dirs)
}

func TestWalkMirrorFailure(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	touch(t, filepath.Join(src, "a", "1.tif"))
	// A regular file where the mirror root should be.
	dst := filepath.Join(root, "dst")
	touch(t, dst)

	w := &Walker{Root: src, MirrorRoot: dst, Extensions: []string{".tif"}}
	_, err := w.Files(context.Background())

	var mirrorErr *MirrorError
	require.True(t, errors.As(err, &mirrorErr))
	assert.Equal(t, dst, mirrorErr.Path)
}

func TestWalkCallbackErrorStops(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "1.tif"))
	touch(t, filepath.Join(root, "2.tif"))

	stop := errors.New("stop")
	calls := 0
	w := &Walker{Root: root, Extensions: []string{".tif"}}
	err := w.Walk(context.Background(), nil, func(File) error {
		calls++
		return stop
	})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestWalkCancelled(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "1.tif"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &Walker{Root: root, Extensions: []string{".tif"}}
	_, err := w.Files(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
