// ============================================================================
// imgpipe Report File Sink - durable copy of the run report
// ============================================================================
//
// Package: internal/report
// File: file_sink.go
// Function: Persists the rendered report under the log directory
//
// Atomic write:
//   1. write <name>.tmp
//   2. os.Rename onto the final name
//   A crash mid-write never leaves a truncated report behind.
//
// File naming:
//   <dir>/convert_<YYYY-Mon-DD_HH-MM-SS>.log, one file per run.
//
// ============================================================================

package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink writes reports into a directory.
type FileSink struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewFileSink creates a sink writing into dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{dir: dir, now: time.Now}
}

// PathFor returns the report path for a run started at t.
func (s *FileSink) PathFor(t time.Time) string {
	return filepath.Join(s.dir, "convert_"+t.Format("2006-Jan-02_15-04-05")+".log")
}

// Write persists body atomically and returns the final path.
func (s *FileSink) Write(body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log dir: %w", err)
	}

	path := s.PathFor(s.now())
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("failed to write temp report: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to rename report: %w", err)
	}
	return path, nil
}
