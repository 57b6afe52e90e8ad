// ============================================================================
// virtgpu 命令分派器 - 驅動對外 API
// ============================================================================
//
// Package: internal/dispatcher
// 文件: dispatcher.go
// 功能: 檢查裝置狀態、選擇佇列、序列化命令、提交並追蹤完成
//
// 提交流程 (Submit):
//   1. 裝置未 Ready → ErrNotInitialized；索引不在 {0,1,2} → ErrInvalidQueue
//   2. 鎖住目標佇列
//   3. 分配 JobID 並登記為 Submitted，SUBMIT 事件放入記憶體佇列（先登記，完成事件不可能早於記錄）
//   4. 以 JobID 作為 fence id 編碼命令，交給 primitive
//   5. primitive 沒有描述子時在有限時間內退避重試，仍失敗則撤銷任務 → ErrQueueFull
//   6. 解鎖，再把累積的事件寫入日誌
//
// 核心循環:
//   1. Completion Loop（每個佇列一個）- 等待中斷，取出已用項目，依 fence id 完成任務
//   2. Timeout Loop - 定期把等待過久的任務標記為 Failed("device timeout")
//
// 並發安全:
//   - 三個佇列各自一把鎖，同一時間只持有一把
//   - 完成循環不持有佇列鎖，只用 primitive 的 Interrupt / Drain
//   - 佇列鎖內不呼叫日誌；事件依發生順序排隊，由鎖外的呼叫者寫出
//   - 回應必須出現在任務提交的佇列上，否則丟棄
//   - stopCh + loopWg 用於優雅關閉所有循環
//
// ============================================================================

package dispatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ChuLiYu/virtgpu/internal/device"
	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/internal/jobmanager"
	"github.com/ChuLiYu/virtgpu/internal/metrics"
	"github.com/ChuLiYu/virtgpu/internal/storage/journal"
	"github.com/ChuLiYu/virtgpu/internal/virtqueue"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// ReasonTimeout 逾時任務的失敗原因
const ReasonTimeout = "device timeout"

var (
	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("dispatcher: already started")
	// ErrStopped Stop 之後不可再 Start
	ErrStopped = errors.New("dispatcher: stopped")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 分派器配置
type Config struct {
	QueueFullWait       time.Duration `yaml:"queue_full_wait"`       // 描述子用盡時的最長等待，0 表示立即失敗
	CompletionTimeout   time.Duration `yaml:"completion_timeout"`    // Submitted 超過此時間視為失敗，0 表示停用
	TimeoutScanInterval time.Duration `yaml:"timeout_scan_interval"` // 逾時掃描間隔
	RetainJobs          int           `yaml:"retain_jobs"`           // 終態任務保留上限
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		QueueFullWait:       2 * time.Millisecond,
		CompletionTimeout:   5 * time.Second,
		TimeoutScanInterval: 250 * time.Millisecond,
		RetainJobs:          jobmanager.DefaultRetain,
	}
}

// Journal 分派器需要的日誌介面，*journal.Journal 實作它
type Journal interface {
	Append(event journal.Event) error
	Flush() error
}

// Option 可選設定
type Option func(*Dispatcher)

// WithMetrics 啟用 Prometheus 指標
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithJournal 啟用任務日誌
func WithJournal(j Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithClock 替換時間來源（測試用）
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher 命令分派器，每個裝置實例一個
type Dispatcher struct {
	dev     *device.Device         // 裝置狀態
	jobs    *jobmanager.JobManager // 任務表
	config  Config                 // 配置
	metrics *metrics.Collector     // 可為 nil
	journal Journal                // 可為 nil
	events  eventQueue             // 尚未寫入日誌的事件
	now     func() time.Time       // 時間來源

	mu        sync.Mutex     // 保護 started / stopped
	started   bool           // 是否已啟動循環
	stopped   bool           // 是否已停止
	startTime time.Time      // 啟動時間（用於統計）
	stopCh    chan struct{}  // 停止訊號
	loopWg    sync.WaitGroup // 等待所有循環退出
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立分派器。裝置不需要已 Ready；Submit 會在每次呼叫時檢查。
func New(dev *device.Device, config Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dev:    dev,
		jobs:   jobmanager.NewJobManager(config.RetainJobs),
		config: config,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ready 裝置已完成初始化且分派器尚未停止
func (d *Dispatcher) Ready() bool {
	return d.dev.Ready() && !d.isStopped()
}

func (d *Dispatcher) isStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// Submit 把命令放上指定佇列，回傳新的 JobID
//
// 錯誤處理：
//   - types.ErrNotInitialized: 裝置未 Ready
//   - types.ErrInvalidQueue: 索引不在 {0,1,2}
//   - types.ErrQueueFull: 有限等待後仍沒有描述子
//   - types.ErrInvalidPayload: cmd 為 nil
//   - ErrStopped（同時符合 types.ErrNotInitialized）: Stop 之後不再接受提交
//
// 失敗時沒有任何任務被登記，回傳的 JobID 為 0。
func (d *Dispatcher) Submit(cmd gpucmd.Command, queueIndex types.QueueIndex) (types.JobID, error) {
	q, err := d.dev.Queue(queueIndex)
	if err != nil {
		return 0, err
	}
	if cmd == nil {
		return 0, fmt.Errorf("%w: nil command", types.ErrInvalidPayload)
	}
	if d.isStopped() {
		return 0, fmt.Errorf("%w: %w", types.ErrNotInitialized, ErrStopped)
	}

	var job types.Job
	err = q.Do(func(p virtqueue.Primitive) error {
		job = d.jobs.Allocate(queueIndex, cmd.Kind().String(), d.now())
		d.events.push(journal.JobEvent(journal.EventSubmit, job))

		if err := d.enqueue(p, gpucmd.Encode(cmd, uint64(job.ID))); err != nil {
			if ferr := d.jobs.Forget(job.ID); ferr != nil {
				slog.Error("Failed to forget rejected job", "jobID", job.ID, "error", ferr)
			}
			rejected := journal.JobEvent(journal.EventReject, job)
			rejected.Reason = "queue full"
			d.events.push(rejected)
			return err
		}
		return nil
	})
	d.writeEvents()
	if err != nil {
		if errors.Is(err, types.ErrQueueFull) {
			d.metrics.RecordQueueFull(queueIndex)
		}
		return 0, err
	}

	d.metrics.RecordSubmit(queueIndex)
	d.updateInFlight()

	slog.Debug("Job submitted",
		"jobID", job.ID,
		"queue", queueIndex.String(),
		"kind", job.Kind,
		"seq", job.Seq)
	return job.ID, nil
}

// enqueue 交給 primitive；沒有描述子時以指數退避重試，總時間不超過 QueueFullWait
func (d *Dispatcher) enqueue(p virtqueue.Primitive, buf []byte) error {
	err := p.Enqueue(buf)
	if err == nil {
		return nil
	}

	if errors.Is(err, virtqueue.ErrNoDescriptors) && d.config.QueueFullWait > 0 {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = d.config.QueueFullWait / 16
		b.MaxInterval = d.config.QueueFullWait / 4
		b.MaxElapsedTime = d.config.QueueFullWait

		err = backoff.Retry(func() error {
			err := p.Enqueue(buf)
			if err != nil && !errors.Is(err, virtqueue.ErrNoDescriptors) {
				return backoff.Permanent(err)
			}
			return err
		}, b)
		if err == nil {
			return nil
		}
	}

	if !errors.Is(err, virtqueue.ErrNoDescriptors) {
		slog.Warn("Queue primitive rejected command", "error", err)
	}
	return fmt.Errorf("%w: %v", types.ErrQueueFull, err)
}

// Status 查詢任務狀態
//
// 錯誤處理：
//   - types.ErrUnknownJob: 從未發出，或已被保留策略回收
func (d *Dispatcher) Status(jobID types.JobID) (types.JobStatus, error) {
	return d.jobs.Status(jobID)
}

// Job 取得完整任務記錄
func (d *Dispatcher) Job(jobID types.JobID) (types.Job, error) {
	job, ok := d.jobs.GetJob(jobID)
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %d", types.ErrUnknownJob, jobID)
	}
	return job, nil
}

// Stats 取得分派器狀態
func (d *Dispatcher) Stats() map[string]interface{} {
	stats := d.jobs.Stats()

	d.mu.Lock()
	var uptime time.Duration
	if d.started {
		uptime = time.Since(d.startTime)
	}
	d.mu.Unlock()

	return map[string]interface{}{
		"ready":       d.dev.Ready(),
		"features":    d.dev.Features().String(),
		"uptime":      uptime.String(),
		"last_job_id": uint64(d.jobs.LastID()),
		"submitted":   stats["submitted"],
		"completed":   stats["completed"],
		"failed":      stats["failed"],
		"evicted":     stats["evicted"],
	}
}

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動完成循環與逾時循環；裝置必須已 Ready
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.stopped:
		return ErrStopped
	case d.started:
		return ErrAlreadyStarted
	case !d.dev.Ready():
		return types.ErrNotInitialized
	}

	queues := make([]*device.Queue, 0, types.NumQueues)
	for i := 0; i < types.NumQueues; i++ {
		q, err := d.dev.Queue(types.QueueIndex(i))
		if err != nil {
			return err
		}
		queues = append(queues, q)
	}

	d.started = true
	d.startTime = time.Now()
	d.metrics.SetReady(true)

	for _, q := range queues {
		d.loopWg.Add(1)
		go d.completionLoop(q.Index(), q.Primitive())
	}
	if d.config.CompletionTimeout > 0 {
		d.loopWg.Add(1)
		go d.timeoutLoop()
	}

	slog.Info("Dispatcher started",
		"queue_full_wait", d.config.QueueFullWait,
		"completion_timeout", d.config.CompletionTimeout,
		"retain_jobs", d.config.RetainJobs)
	return nil
}

// Stop 停止所有循環並寫入日誌緩衝；重複呼叫無作用
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	started := d.started
	d.mu.Unlock()

	close(d.stopCh)
	if started {
		d.loopWg.Wait()
	}

	d.writeEvents()
	if d.journal != nil {
		if err := d.journal.Flush(); err != nil {
			slog.Error("Failed to flush journal", "error", err)
		}
	}
	slog.Info("Dispatcher stopped")
}

// Reap 同步處理所有佇列上已到的回應，回傳處理筆數。
// 沒有呼叫 Start 時可用它手動推進完成狀態。
func (d *Dispatcher) Reap() int {
	if !d.dev.Ready() {
		return 0
	}
	n := 0
	for i := 0; i < types.NumQueues; i++ {
		q, err := d.dev.Queue(types.QueueIndex(i))
		if err != nil {
			continue
		}
		n += d.drain(q.Index(), q.Primitive())
	}
	return n
}

// ============================================================================
// 核心循環
// ============================================================================

// completionLoop 等待佇列中斷並處理回應
func (d *Dispatcher) completionLoop(idx types.QueueIndex, p virtqueue.Primitive) {
	defer d.loopWg.Done()
	for {
		select {
		case <-d.stopCh:
			d.drain(idx, p)
			slog.Debug("Completion loop stopped", "queue", idx.String())
			return
		case <-p.Interrupt():
			d.drain(idx, p)
		}
	}
}

func (d *Dispatcher) drain(idx types.QueueIndex, p virtqueue.Primitive) int {
	used := p.Drain()
	for _, u := range used {
		d.handleResponse(idx, u.Response)
	}
	if len(used) > 0 {
		d.updateInFlight()
	}
	return len(used)
}

// handleResponse 依 fence id 找到任務並轉為終態；fence 指向其他佇列的任務時丟棄
func (d *Dispatcher) handleResponse(idx types.QueueIndex, raw []byte) {
	resp, err := gpucmd.ParseResponse(raw)
	if err != nil {
		slog.Warn("Dropping malformed response", "queue", idx.String(), "error", err)
		return
	}
	if resp.Header.Flags&gpucmd.FlagFence == 0 {
		slog.Warn("Dropping unfenced response", "queue", idx.String(), "type", resp.Code.String())
		return
	}

	id := types.JobID(resp.Header.FenceID)
	now := d.now()

	var job types.Job
	if resp.Code.OK() {
		job, err = d.jobs.Complete(id, idx, raw, now)
	} else {
		job, err = d.jobs.Fail(id, idx, resp.Code.String(), raw, now)
	}
	switch {
	case errors.Is(err, jobmanager.ErrNotSubmitted):
		slog.Debug("Ignoring late completion", "jobID", id, "queue", idx.String())
		return
	case errors.Is(err, jobmanager.ErrWrongQueue):
		slog.Warn("Dropping response for job on another queue", "jobID", id, "queue", idx.String(), "error", err)
		return
	case err != nil:
		slog.Warn("Completion for unknown job", "jobID", id, "queue", idx.String(), "error", err)
		return
	}

	d.finished(job)
}

// timeoutLoop 檢測並處理逾時任務
func (d *Dispatcher) timeoutLoop() {
	defer d.loopWg.Done()

	interval := d.config.TimeoutScanInterval
	if interval <= 0 {
		interval = d.config.CompletionTimeout / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			slog.Debug("Timeout loop stopped")
			return
		case <-ticker.C:
			d.expire()
		}
	}
}

// expire 把所有逾時任務標記為失敗，回傳筆數
func (d *Dispatcher) expire() int {
	now := d.now()
	n := 0
	for _, id := range d.jobs.GetExpiredJobs(now, d.config.CompletionTimeout) {
		job, err := d.jobs.Expire(id, ReasonTimeout, now)
		if err != nil {
			// 回應剛好在掃描後到達
			continue
		}
		slog.Warn("Job timed out", "jobID", id, "queue", job.Queue.String(), "kind", job.Kind)
		d.finished(job)
		n++
	}
	if n > 0 {
		d.updateInFlight()
	}
	return n
}

// finished 終態轉換後的指標與日誌
func (d *Dispatcher) finished(job types.Job) {
	latency := job.FinishedAt.Sub(job.SubmittedAt)
	if job.State == types.StateCompleted {
		d.metrics.RecordCompleted(job.Queue, latency)
		d.record(journal.JobEvent(journal.EventComplete, job))
		slog.Debug("Job completed", "jobID", job.ID, "latency", latency)
		return
	}
	d.metrics.RecordFailed(job.Queue, latency)
	d.record(journal.JobEvent(journal.EventFail, job))
	slog.Debug("Job failed", "jobID", job.ID, "reason", job.Reason)
}

func (d *Dispatcher) record(event journal.Event) {
	d.events.push(event)
	d.writeEvents()
}

// writeEvents 把排隊中的事件依序交給日誌；呼叫者不可持有佇列鎖
func (d *Dispatcher) writeEvents() {
	if d.journal == nil {
		d.events.discard()
		return
	}
	d.events.drain(func(event journal.Event) {
		if err := d.journal.Append(event); err != nil {
			slog.Error("Failed to append journal event", "type", event.Type, "jobID", event.JobID, "error", err)
		}
	})
}

func (d *Dispatcher) updateInFlight() {
	if d.metrics == nil {
		return
	}
	d.metrics.SetInFlight(d.jobs.Stats()["submitted"])
}
