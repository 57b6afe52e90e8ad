// ============================================================================
// virtgpu Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露驅動運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)，依佇列 (control/cursor/display) 區分：
//      - virtgpu_submissions_total: 成功放上佇列的命令數
//      - virtgpu_completions_total: 裝置回應成功的任務數
//      - virtgpu_failures_total: 裝置回應錯誤或逾時的任務數
//      - virtgpu_queue_full_total: 因描述子用盡而被拒的提交數
//      - virtgpu_gate_rejections_total: 安全閘門拒絕次數，依原因區分
//
//   2. 性能指標 (Histogram)：
//      - virtgpu_completion_latency_seconds: 提交到裝置回應的延遲
//
//   3. 狀態指標 (Gauge)：
//      - virtgpu_jobs_in_flight: 等待回應的任務數
//      - virtgpu_device_ready: 裝置是否已進入 Ready
//
// Prometheus 查詢示例:
//
//   # 每秒顯示佇列提交數
//   rate(virtgpu_submissions_total{queue="display"}[1m])
//
//   # 95 分位完成延遲
//   histogram_quantile(0.95, virtgpu_completion_latency_seconds_bucket)
//
//   # 背壓比例
//   rate(virtgpu_queue_full_total[5m]) / rate(virtgpu_submissions_total[5m])
//
// 所有方法對 nil *Collector 都是 no-op，未啟用監控時直接傳 nil。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	submissions *prometheus.CounterVec
	completions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	queueFull   *prometheus.CounterVec
	rejections  *prometheus.CounterVec

	// 效能指標
	latency *prometheus.HistogramVec

	// 狀態指標
	inFlight prometheus.Gauge
	ready    prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "virtgpu_submissions_total",
			Help: "Total number of commands placed on a queue",
		}, []string{"queue"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "virtgpu_completions_total",
			Help: "Total number of jobs the device completed successfully",
		}, []string{"queue"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "virtgpu_failures_total",
			Help: "Total number of jobs that failed or timed out",
		}, []string{"queue"}),
		queueFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "virtgpu_queue_full_total",
			Help: "Total number of submissions rejected for lack of descriptors",
		}, []string{"queue"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "virtgpu_gate_rejections_total",
			Help: "Total number of caller buffers refused by the safety gate",
		}, []string{"reason"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "virtgpu_completion_latency_seconds",
			Help:    "Time from submission to device response in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"queue"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "virtgpu_jobs_in_flight",
			Help: "Current number of jobs waiting for a device response",
		}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "virtgpu_device_ready",
			Help: "1 once the device has completed initialization",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.submissions,
		c.completions,
		c.failures,
		c.queueFull,
		c.rejections,
		c.latency,
		c.inFlight,
		c.ready,
	)
	return c
}

// RecordSubmit 記錄命令放上佇列
func (c *Collector) RecordSubmit(q types.QueueIndex) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(q.String()).Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(q types.QueueIndex, latency time.Duration) {
	if c == nil {
		return
	}
	c.completions.WithLabelValues(q.String()).Inc()
	c.latency.WithLabelValues(q.String()).Observe(latency.Seconds())
}

// RecordFailed 記錄任務失敗（裝置錯誤或逾時）
func (c *Collector) RecordFailed(q types.QueueIndex, latency time.Duration) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(q.String()).Inc()
	c.latency.WithLabelValues(q.String()).Observe(latency.Seconds())
}

// RecordQueueFull 記錄背壓拒絕
func (c *Collector) RecordQueueFull(q types.QueueIndex) {
	if c == nil {
		return
	}
	c.queueFull.WithLabelValues(q.String()).Inc()
}

// RecordRejection 記錄安全閘門拒絕
func (c *Collector) RecordRejection(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

// SetInFlight 設定等待回應的任務數
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// SetReady 設定裝置是否 Ready
func (c *Collector) SetReady(ready bool) {
	if c == nil {
		return
	}
	if ready {
		c.ready.Set(1)
	} else {
		c.ready.Set(0)
	}
}

// NewServer 建立暴露 /metrics 的 HTTP 伺服器，由呼叫端負責啟動與關閉
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
