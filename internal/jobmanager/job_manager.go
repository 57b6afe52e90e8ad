// ============================================================================
// virtgpu 任務表 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理每個裝置實例的任務識別碼分配與完成狀態
//
// 設計理念:
//   1. jobs map - 統一的任務存儲，作為單一真實來源 (Single Source of Truth)
//   2. submitted map - 等待裝置回應的任務索引，逾時掃描只看這裡
//   3. terminal btree - 已結束任務依 JobID 排序，保留策略從最小的開始回收
//
// 任務狀態轉換 (State Machine):
//   Submitted (已提交)
//      ↓ Complete() 或 Fail()
//   Completed (已完成) / Failed (失敗，附原因)
//
// 狀態轉換規則:
//   - Allocate() 分配下一個 JobID，直接建立 Submitted 任務
//   - Forget() 只能撤銷 Submitted 任務（佇列拒收時使用），ID 不再重用
//   - 終態不可再變；逾時後才到的回應回傳 ErrNotSubmitted
//
// 保留策略:
//   - 最多保留 retain 筆終態任務，超過時回收 JobID 最小的一筆
//   - Submitted 任務永不回收
//   - 被回收的任務查詢時回傳 types.ErrUnknownJob
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在（從未分配或已被回收）
	ErrJobNotFound = errors.New("job not found")
	// 任務已是終態，不能再轉換
	ErrNotSubmitted = errors.New("job not submitted")
	// 回應出現在與任務不同的佇列上
	ErrWrongQueue = errors.New("job belongs to another queue")
)

// anyQueue 逾時處理不比對佇列
const anyQueue types.QueueIndex = -1

// DefaultRetain 預設保留的終態任務數
const DefaultRetain = 4096

// ============================================================================
// 資料結構定義
// ============================================================================

// JobManager 代表一個裝置實例的任務表
type JobManager struct {
	mu        sync.RWMutex
	jobs      map[types.JobID]*types.Job // 所有保留中的任務
	submitted map[types.JobID]*types.Job // 等待回應的任務
	terminal  *btree.BTreeG[types.JobID] // 終態任務，依 ID 排序
	seq       [types.NumQueues]uint64    // 各佇列最後一個提交序號
	lastID    types.JobID                // 最後分配的 ID，從 1 開始
	retain    int                        // 終態保留上限，<= 0 表示不回收
	counts    map[types.JobState]int     // 各終態目前保留的數量
	evicted   int                        // 累計回收數
}

// NewJobManager 建立新的任務表
//
// 參數說明：
//   - retain: 終態任務保留上限，<= 0 表示全部保留
//
// 使用範例：
//
//	jm := NewJobManager(DefaultRetain)
//	job := jm.Allocate(types.QueueControl, "GetDisplayInfo", time.Now())
//	done, err := jm.Complete(job.ID, types.QueueControl, resp, time.Now())
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager(retain int) *JobManager {
	return &JobManager{
		jobs:      make(map[types.JobID]*types.Job),
		submitted: make(map[types.JobID]*types.Job),
		terminal: btree.NewG[types.JobID](16, func(a, b types.JobID) bool {
			return a < b
		}),
		retain: retain,
		counts: make(map[types.JobState]int),
	}
}

// Allocate 分配下一個 JobID，並登記為 Submitted
//
// 參數說明：
//   - queue: 任務所屬佇列
//   - kind: 命令種類名稱
//   - now: 提交時間
//
// 返回值：
//   - types.Job: 新任務的副本，ID 嚴格大於先前分配的所有 ID
//
// 呼叫端在持有佇列鎖時呼叫，確保同一佇列的 Seq 與入佇列順序一致。
func (jm *JobManager) Allocate(queue types.QueueIndex, kind string, now time.Time) types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.lastID++
	job := &types.Job{
		ID:          jm.lastID,
		Queue:       queue,
		Kind:        kind,
		State:       types.StateSubmitted,
		SubmittedAt: now,
	}
	if queue.Valid() {
		jm.seq[queue]++
		job.Seq = jm.seq[queue]
	}

	jm.jobs[job.ID] = job
	jm.submitted[job.ID] = job
	return *job
}

// Forget 撤銷一個尚未被裝置接收的 Submitted 任務
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrNotSubmitted: 任務已是終態
func (jm *JobManager) Forget(jobID types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != types.StateSubmitted {
		return ErrNotSubmitted
	}

	delete(jm.jobs, jobID)
	delete(jm.submitted, jobID)
	return nil
}

// Complete 將任務標記為已完成，保存裝置回應
//
// 參數說明：
//   - queue: 回應所在的佇列，必須是任務提交時的佇列
//
// 返回值：
//   - types.Job: 轉換後的任務副本（保留策略可能已立即回收它）
//
// 錯誤處理：
//   - ErrJobNotFound: 任務不存在
//   - ErrWrongQueue: 回應來自其他佇列，任務不變
//   - ErrNotSubmitted: 任務已是終態
func (jm *JobManager) Complete(jobID types.JobID, queue types.QueueIndex, resp []byte, now time.Time) (types.Job, error) {
	return jm.finish(jobID, queue, types.StateCompleted, "", resp, now)
}

// Fail 將任務標記為失敗並記錄原因，佇列規則同 Complete
func (jm *JobManager) Fail(jobID types.JobID, queue types.QueueIndex, reason string, resp []byte, now time.Time) (types.Job, error) {
	return jm.finish(jobID, queue, types.StateFailed, reason, resp, now)
}

// Expire 把等待過久的任務標記為失敗，不比對佇列
func (jm *JobManager) Expire(jobID types.JobID, reason string, now time.Time) (types.Job, error) {
	return jm.finish(jobID, anyQueue, types.StateFailed, reason, nil, now)
}

func (jm *JobManager) finish(jobID types.JobID, queue types.QueueIndex, state types.JobState, reason string, resp []byte, now time.Time) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, ErrJobNotFound
	}
	if queue != anyQueue && job.Queue != queue {
		return types.Job{}, fmt.Errorf("%w: job %d is on %s, response on %s", ErrWrongQueue, jobID, job.Queue, queue)
	}
	if job.State != types.StateSubmitted {
		return types.Job{}, ErrNotSubmitted
	}

	job.State = state
	job.Reason = reason
	job.Response = resp
	job.FinishedAt = now

	delete(jm.submitted, jobID)
	jm.terminal.ReplaceOrInsert(jobID)
	jm.counts[state]++
	done := *job

	jm.evictLocked()
	return done, nil
}

// evictLocked 依保留策略回收最舊的終態任務
func (jm *JobManager) evictLocked() {
	if jm.retain <= 0 {
		return
	}
	for jm.terminal.Len() > jm.retain {
		id, ok := jm.terminal.DeleteMin()
		if !ok {
			return
		}
		if job, exists := jm.jobs[id]; exists {
			jm.counts[job.State]--
			delete(jm.jobs, id)
		}
		jm.evicted++
	}
}

// Status 查詢任務狀態
//
// 錯誤處理：
//   - types.ErrUnknownJob: 從未分配、已撤銷或已被保留策略回收
func (jm *JobManager) Status(jobID types.JobID) (types.JobStatus, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.JobStatus{}, fmt.Errorf("%w: %d", types.ErrUnknownJob, jobID)
	}
	return job.Status(), nil
}

// GetJob 取得任務副本
func (jm *JobManager) GetJob(jobID types.JobID) (types.Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[jobID]
	if !exists {
		return types.Job{}, false
	}
	cp := *job
	cp.Response = append([]byte(nil), job.Response...)
	return cp, true
}

// GetExpiredJobs 取得提交時間早於 now-timeout 的 Submitted 任務，依 ID 遞增排序
func (jm *JobManager) GetExpiredJobs(now time.Time, timeout time.Duration) []types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var expired []types.JobID
	cutoff := now.Add(-timeout)
	for jobID, job := range jm.submitted {
		if job.SubmittedAt.Before(cutoff) {
			expired = append(expired, jobID)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}

// LastID 最後分配的 JobID，尚未分配時為 0
func (jm *JobManager) LastID() types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.lastID
}

// Stats 取得各狀態任務的統計資訊
//
// 返回值：
//   - map[string]int: submitted / completed / failed 為目前保留數，evicted 為累計回收數
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		"submitted": len(jm.submitted),
		"completed": jm.counts[types.StateCompleted],
		"failed":    jm.counts[types.StateFailed],
		"evicted":   jm.evicted,
	}
}
