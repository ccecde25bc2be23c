package report

// ============================================================================
// Report 測試檔案
// 職責：驗證失敗紀錄的累積、排序、輸出格式與原子寫入
// ============================================================================

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

func failure(stage types.StageName, src string) types.FailureRecord {
	return types.FailureRecord{
		Stage:          stage,
		Command:        "kdu_compress -i " + src + " -o /dst/out.jp2",
		Diagnostic:     "kdu_compress: bad file",
		SourceFile:     src,
		QuarantinePath: "/dst/_broken/" + filepath.Base(src),
		RemovedOutput:  "/dst/out.jp2",
	}
}

func TestEmptyReport(t *testing.T) {
	r := New("run-1", time.Now())
	assert.True(t, r.Empty())
	assert.Empty(t, r.Failures())
	assert.Equal(t, "run-1", r.RunID())
}

// TestConcurrentRecord 測試多個 worker 同時寫入
func TestConcurrentRecord(t *testing.T) {
	r := New("run-1", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.RecordFailure(failure(types.StageRaw, fmt.Sprintf("/src/%02d.tif", i)))
		}(i)
	}
	wg.Wait()

	failures := r.Failures()
	assert.Len(t, failures, 50)
	assert.False(t, r.Empty())
	assert.Equal(t, "/src/00.tif", failures[0].SourceFile)
	assert.Equal(t, "/src/49.tif", failures[49].SourceFile)
}

func TestFailuresOrderedByStage(t *testing.T) {
	r := New("run-1", time.Now())
	r.RecordFailure(failure(types.StageDerivative, "/dst/a.jp2"))
	r.RecordFailure(failure(types.StageRaw, "/src/b.tif"))

	failures := r.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, types.StageRaw, failures[0].Stage)
	assert.Equal(t, types.StageDerivative, failures[1].Stage)
}

func TestRender(t *testing.T) {
	r := New("run-42", time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC))
	r.RecordFailure(failure(types.StageRaw, "/src/a/b/2.tif"))

	out := r.Render()
	assert.Contains(t, out, "run-42")
	assert.Contains(t, out, "Error encountered running the following command:\nkdu_compress -i /src/a/b/2.tif")
	assert.Contains(t, out, "Output:\nkdu_compress: bad file\n")
	assert.Contains(t, out, "Moved to following directory for inspection:\n/dst/_broken/2.tif\n")
	assert.Contains(t, out, "Removing file created by this process:\n/dst/out.jp2\n")
	assert.Equal(t, 1, strings.Count(out, "\n--\n"))
}

func TestRenderFatal(t *testing.T) {
	r := New("run-1", time.Now())
	r.RecordFatal("kdu_compress not found. Exiting.")

	assert.False(t, r.Empty())
	assert.Contains(t, r.Render(), "kdu_compress not found. Exiting.")
	assert.Equal(t, []string{"kdu_compress not found. Exiting."}, r.Fatal())
}

func TestNotesDoNotMakeReportWorthSending(t *testing.T) {
	r := New("run-1", time.Now())
	r.Note("Converting contents of a from TIF to JP2")

	assert.True(t, r.Empty())
	assert.Contains(t, r.Render(), "Converting contents of a from TIF to JP2\n")
}

func TestSubject(t *testing.T) {
	day := time.Date(2026, 10, 19, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "Image Convert Report 2026-10-19", Subject(day))
}

// ============================================================================
// FileSink 測試
// ============================================================================

func TestFileSinkWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	sink := NewFileSink(dir)
	sink.now = func() time.Time { return time.Date(2026, 10, 19, 14, 3, 9, 0, time.UTC) }

	path, err := sink.Write("body")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "convert_2026-Oct-19_14-03-09.log"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))

	// 不應殘留臨時檔案
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileSinkUnwritableDir(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := NewFileSink(filepath.Join(blocker, "logs")).Write("body")
	assert.Error(t, err)
}
