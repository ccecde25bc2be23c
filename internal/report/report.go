// Package report accumulates the failures of one pipeline run and renders
// them into the single text blob handed to the notification and log sinks.
package report

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// Report is owned by one run. Workers append concurrently; it is read only
// after the final barrier.
type Report struct {
	mu       sync.Mutex
	runID    string
	started  time.Time
	failures []types.FailureRecord
	fatal    []string
	notes    []string
}

// New creates an empty report for runID.
func New(runID string, started time.Time) *Report {
	return &Report{runID: runID, started: started}
}

// RecordFailure appends a per-file failure. Safe for concurrent use.
func (r *Report) RecordFailure(rec types.FailureRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, rec)
}

// RecordFatal appends a run-level error such as a missing tool.
func (r *Report) RecordFatal(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = append(r.fatal, msg)
}

// Note appends a narration line such as "Converting contents of a/b".
// Notes are rendered but never make a report worth sending on their own.
func (r *Report) Note(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, msg)
}

// Failures returns a copy of the per-file failures ordered by stage, then
// source path.
func (r *Report) Failures() []types.FailureRecord {
	r.mu.Lock()
	out := append([]types.FailureRecord(nil), r.failures...)
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return stageOrder(out[i].Stage) < stageOrder(out[j].Stage)
		}
		return out[i].SourceFile < out[j].SourceFile
	})
	return out
}

// Fatal returns the run-level errors.
func (r *Report) Fatal() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fatal...)
}

// Empty reports whether nothing worth notifying was recorded.
func (r *Report) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures) == 0 && len(r.fatal) == 0
}

// RunID returns the run identifier.
func (r *Report) RunID() string {
	return r.runID
}

// Render formats the report as plain text, one block per failure.
func (r *Report) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s started %s\n", r.runID, r.started.Format(time.RFC3339))

	r.mu.Lock()
	notes := append([]string(nil), r.notes...)
	r.mu.Unlock()
	for _, msg := range notes {
		b.WriteString(msg + "\n")
	}

	for _, msg := range r.Fatal() {
		fmt.Fprintf(&b, "\n%s\n", msg)
	}

	for _, f := range r.Failures() {
		b.WriteString("\n--\n")
		b.WriteString("Error encountered running the following command:\n")
		b.WriteString(f.Command + "\n")
		b.WriteString("Output:\n")
		b.WriteString(f.Diagnostic + "\n")
		if f.QuarantinePath != "" {
			b.WriteString("Moved to following directory for inspection:\n")
			b.WriteString(f.QuarantinePath + "\n")
		}
		if f.RemovedOutput != "" {
			b.WriteString("Removing file created by this process:\n")
			b.WriteString(f.RemovedOutput + "\n")
		}
	}
	return b.String()
}

// Subject returns the notification subject for a report sent on day.
func Subject(day time.Time) string {
	return "Image Convert Report " + day.Format("2006-01-02")
}

func stageOrder(s types.StageName) int {
	switch s {
	case types.StageRaw:
		return 0
	case types.StageDerivative:
		return 1
	default:
		return 2
	}
}
