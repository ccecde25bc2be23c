// Package types defines the core domain model shared by the imgpipe packages.
package types

import (
	"fmt"
	"strings"
	"time"
)

// StageName identifies one conversion pass over the tree.
type StageName string

const (
	StageRaw        StageName = "tif_to_jp2"  // raw masters -> intermediate
	StageDerivative StageName = "jp2_to_jpeg" // intermediate -> derivatives
)

// RunState is a node of the per-run state machine.
type RunState string

const (
	StateIdle              RunState = "idle"
	StateStage1Dispatching RunState = "stage1_dispatching"
	StateStage1Draining    RunState = "stage1_draining"
	StateStage2Dispatching RunState = "stage2_dispatching"
	StateStage2Draining    RunState = "stage2_draining"
	StateReporting         RunState = "reporting"
	StateCleanup           RunState = "cleanup"
	StateTerminal          RunState = "terminal"
)

// Template tokens bound when a job's argv is built.
const (
	TokenInput  = "{input}"
	TokenOutput = "{output}"
)

// Command is an executable plus its argument template. No shell is involved.
type Command struct {
	Program string   `json:"program" yaml:"program"`
	Args    []string `json:"args" yaml:"args"`
}

// Argv returns the argument vector with input and output tokens substituted.
func (c Command) Argv(input, output string) []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Program)
	r := strings.NewReplacer(TokenInput, input, TokenOutput, output)
	for _, a := range c.Args {
		argv = append(argv, r.Replace(a))
	}
	return argv
}

// PostAction is a side effect run only after a successful conversion.
type PostAction interface {
	Run() error
	String() string
}

// Derivative is one leaf artifact produced from an intermediate file.
type Derivative struct {
	Suffix string `json:"suffix" yaml:"suffix"` // e.g. "half.jpg"
	Size   string `json:"size" yaml:"size"`     // e.g. "1500x2100"
}

// ConversionJob is one external-tool invocation bound to a source file.
// It is passed by value and never mutated after it is enqueued.
type ConversionJob struct {
	Stage           StageName
	Command         Command
	PostAction      PostAction // nil for derivative jobs
	SourceFile      string
	DestinationRoot string
	QuarantineDir   string // absolute quarantine directory
	FileName        string
	OutputPath      string
}

// QuarantinePath is where the source file goes when the job fails. If the
// name is already taken there, a numbered variant is used and the actual path
// is what the FailureRecord carries.
func (j ConversionJob) QuarantinePath() string {
	return strings.TrimRight(j.QuarantineDir, "/") + "/" + j.FileName
}

// CommandLine renders the command as it targets the final output path.
func (j ConversionJob) CommandLine() string {
	return strings.Join(j.Command.Argv(j.SourceFile, j.OutputPath), " ")
}

func (j ConversionJob) String() string {
	return fmt.Sprintf("%s %s -> %s", j.Stage, j.SourceFile, j.OutputPath)
}

// Outcome is the terminal state of a job.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeFault     Outcome = "fault" // executor panicked; isolated by the worker
)

// FailureRecord describes one failed job for the end-of-run report.
type FailureRecord struct {
	Stage          StageName `json:"stage"`
	Command        string    `json:"command"`
	Diagnostic     string    `json:"diagnostic"`
	SourceFile     string    `json:"source_file"`
	QuarantinePath string    `json:"quarantine_path"`
	RemovedOutput  string    `json:"removed_output"`
	Time           time.Time `json:"time"`
}

// StageStats counts job outcomes for one stage.
type StageStats struct {
	Submitted int `json:"submitted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}
