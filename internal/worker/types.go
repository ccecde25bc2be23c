package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// Executor runs one conversion job to a terminal outcome.
// Implementations handle their own recovery; the returned Result is only
// reported, never acted on by the pool.
type Executor interface {
	Execute(ctx context.Context, job types.ConversionJob) Result
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job types.ConversionJob) Result

// Execute calls f(ctx, job).
func (f ExecutorFunc) Execute(ctx context.Context, job types.ConversionJob) Result {
	return f(ctx, job)
}

// Recorder receives failure records from executors and workers.
type Recorder interface {
	RecordFailure(rec types.FailureRecord)
}

// Result 代表任務執行結果
type Result struct {
	Job        types.ConversionJob // 執行的任務
	WorkerID   int                 // 執行此任務的 Worker
	Outcome    types.Outcome       // 終止狀態
	Diagnostic string              // 外部工具的診斷輸出（stderr）
	Error      error               // 錯誤訊息（如果有）
	Duration   time.Duration       // 實際執行時間
}

// Success reports whether the job completed on the success path.
func (r Result) Success() bool {
	return r.Outcome == types.OutcomeSucceeded
}
