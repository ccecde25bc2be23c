package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	started := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	run := Run{
		ID:          "run-1",
		StartedAt:   started,
		FinishedAt:  started.Add(time.Minute),
		Source:      "/src",
		Destination: "/dst",
		Workers:     12,
		Submitted:   5,
		Succeeded:   4,
		Failed:      1,
		ReportPath:  "/tmp/convert_x.log",
		Failures: []types.FailureRecord{{
			Stage:          types.StageRaw,
			Command:        "kdu_compress -i /src/2.tif -o /dst/2.jp2",
			Diagnostic:     "bad tiff",
			SourceFile:     "/src/2.tif",
			QuarantinePath: "/dst/_broken/2.tif",
		}},
	}
	require.NoError(t, s.Record(ctx, run))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.True(t, started.Equal(got.StartedAt))
	assert.Equal(t, 12, got.Workers)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, "", got.Error)
	assert.Equal(t, "/tmp/convert_x.log", got.ReportPath)
	require.Len(t, got.Failures, 1)
	assert.Equal(t, types.StageRaw, got.Failures[0].Stage)
	assert.Equal(t, "/dst/_broken/2.tif", got.Failures[0].QuarantinePath)
	assert.Equal(t, "", got.Failures[0].RemovedOutput)
}

func TestGetUnknown(t *testing.T) {
	s := openStore(t)
	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		start := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.Record(ctx, Run{ID: id, StartedAt: start, FinishedAt: start, Workers: 1}))
	}

	runs, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)
}

func TestDuplicateRunRejected(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	run := Run{ID: "dup", StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, s.Record(ctx, run))
	assert.Error(t, s.Record(ctx, run))
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Run{ID: "keep", StartedAt: time.Now(), FinishedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE schema_version SET version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}
