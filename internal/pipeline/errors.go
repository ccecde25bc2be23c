package pipeline

// ============================================================================
// Pipeline Error Definitions
// Purpose: run-level failures that abort a run after the report is flushed
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrToolMissing indicates an enabled stage's tool is not on PATH
	ErrToolMissing = errors.New("pipeline: required tool not found")

	// ErrDirectoryCreate indicates a mirror or quarantine directory could not be created
	ErrDirectoryCreate = errors.New("pipeline: cannot create directory")

	// ErrSourceMissing indicates the source root is not a directory
	ErrSourceMissing = errors.New("pipeline: source directory does not exist")

	// ErrInvalidConfig indicates a Config that failed validation
	ErrInvalidConfig = errors.New("pipeline: invalid config")
)

// ToolMissingError names the tool that could not be found.
type ToolMissingError struct {
	Tool string
}

func (e *ToolMissingError) Error() string {
	return fmt.Sprintf("%s not found", e.Tool)
}

func (e *ToolMissingError) Is(target error) bool {
	return target == ErrToolMissing
}

// DirectoryError reports a directory that could not be created.
type DirectoryError struct {
	Path string
	Err  error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("unable to create %s: %v", e.Path, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

func (e *DirectoryError) Is(target error) bool {
	return target == ErrDirectoryCreate
}
