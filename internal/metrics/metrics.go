// ============================================================================
// imgpipe Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集轉換管線的運行指標，支持 HTTP 抓取與 textfile 匯出
//
// 指標分類:
//
//   1. 任務計數器 (CounterVec, label: stage)：
//      - imgpipe_jobs_submitted_total: 已提交的轉換任務
//      - imgpipe_jobs_succeeded_total: 成功的轉換任務
//      - imgpipe_jobs_failed_total: 失敗並已隔離的轉換任務
//      - imgpipe_worker_faults_total: 執行器 panic 被 Worker 攔截的次數
//
//   2. 性能指標 (HistogramVec, label: stage)：
//      - imgpipe_job_duration_seconds: 單一外部工具執行時間
//        * 桶分佈: 0.1 ~ 204.8 秒（影像轉換通常以秒計）
//
//   3. 狀態指標 (Gauge)：
//      - imgpipe_queue_depth: 目前緩衝區中的任務數
//      - imgpipe_run_state: 目前狀態機節點（label: state，值為 1 者為當前）
//      - imgpipe_last_run_timestamp_seconds: 最近一次執行結束時間
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(imgpipe_jobs_failed_total[1h]) / rate(imgpipe_jobs_submitted_total[1h])
//
//   # 95 分位轉換時間
//   histogram_quantile(0.95, sum by (le, stage) (imgpipe_job_duration_seconds_bucket))
//
// 匯出方式:
//   - Handler(): 長時間執行時透過 /metrics 暴露
//   - WriteTextfile(): 批次執行結束後寫入 node_exporter textfile 目錄
//
// 所有方法對 nil *Collector 安全，未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

var allStates = []types.RunState{
	types.StateIdle,
	types.StateStage1Dispatching,
	types.StateStage1Draining,
	types.StateStage2Dispatching,
	types.StateStage2Draining,
	types.StateReporting,
	types.StateCleanup,
	types.StateTerminal,
}

// Collector Prometheus 指標收集器
type Collector struct {
	gatherer prometheus.Gatherer

	// 任務相關指標
	jobsSubmitted *prometheus.CounterVec
	jobsSucceeded *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	faults        *prometheus.CounterVec

	// 效能指標
	jobDuration *prometheus.HistogramVec

	// 狀態指標
	queueDepth prometheus.Gauge
	runState   *prometheus.GaugeVec
	lastRun    prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		gatherer: reg,
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgpipe_jobs_submitted_total",
			Help: "Total number of conversion jobs submitted",
		}, []string{"stage"}),
		jobsSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgpipe_jobs_succeeded_total",
			Help: "Total number of conversion jobs that succeeded",
		}, []string{"stage"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgpipe_jobs_failed_total",
			Help: "Total number of conversion jobs that failed and were quarantined",
		}, []string{"stage"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imgpipe_worker_faults_total",
			Help: "Total number of executor panics recovered by workers",
		}, []string{"stage"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgpipe_job_duration_seconds",
			Help:    "External tool run time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imgpipe_queue_depth",
			Help: "Current number of buffered jobs",
		}),
		runState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imgpipe_run_state",
			Help: "Current run state, 1 for the active state",
		}, []string{"state"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imgpipe_last_run_timestamp_seconds",
			Help: "Unix time at which the last run reached its terminal state",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsSucceeded,
		c.jobsFailed,
		c.faults,
		c.jobDuration,
		c.queueDepth,
		c.runState,
		c.lastRun,
	)
	return c
}

// RecordSubmit 記錄任務加入佇列
func (c *Collector) RecordSubmit(stage types.StageName, queueDepth int) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(string(stage)).Inc()
	c.queueDepth.Set(float64(queueDepth))
}

// RecordResult 記錄任務的終止狀態與執行時間
func (c *Collector) RecordResult(stage types.StageName, outcome types.Outcome, d time.Duration) {
	if c == nil {
		return
	}
	label := string(stage)
	switch outcome {
	case types.OutcomeSucceeded:
		c.jobsSucceeded.WithLabelValues(label).Inc()
	case types.OutcomeFault:
		c.faults.WithLabelValues(label).Inc()
		c.jobsFailed.WithLabelValues(label).Inc()
	default:
		c.jobsFailed.WithLabelValues(label).Inc()
	}
	c.jobDuration.WithLabelValues(label).Observe(d.Seconds())
}

// SetQueueDepth 更新佇列深度
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// SetState 將 state 標記為當前狀態
func (c *Collector) SetState(state types.RunState) {
	if c == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.runState.WithLabelValues(string(s)).Set(v)
	}
	if state == types.StateTerminal {
		c.lastRun.SetToCurrentTime()
	}
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// WriteTextfile 以 node_exporter textfile 格式寫出目前所有指標
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Serve 在 addr 上暴露 /metrics，直到 ctx 取消
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - addr: 監聽位址，例如 ":9090"
//
// 返回值：
//   - error: 監聽失敗的錯誤；ctx 取消時返回 nil
func (c *Collector) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen metrics %s: %w", addr, err)
	}
	return c.serve(ctx, ln)
}

func (c *Collector) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
