// Package types 定義了 virtgpu 驅動核心共用的領域模型
package types

import (
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// 裝置識別與功能位元
// ============================================================================

// DeviceIdentity 裝置識別碼，由裝置列舉提供，只用於 probe 比對
type DeviceIdentity struct {
	VendorID uint32 `json:"vendor_id" yaml:"vendor_id"`
	DeviceID uint32 `json:"device_id" yaml:"device_id"`
}

// VirtioGPUIdentity 本驅動認得的唯一裝置
var VirtioGPUIdentity = DeviceIdentity{VendorID: 0x1AF4, DeviceID: 0x1050}

// Feature 單一協商功能位元
type Feature uint64

// FeatureSet 協商後的功能位元集合，初始化後唯讀
type FeatureSet uint64

const (
	FeatureVirgl  Feature = 1 << 0 // 3D (virgl) 命令
	FeatureEDID   Feature = 1 << 1 // 延伸顯示資訊
	FeatureResize Feature = 1 << 2 // 動態調整解析度
)

var featureNames = []struct {
	f    Feature
	name string
}{
	{FeatureVirgl, "virgl"},
	{FeatureEDID, "edid"},
	{FeatureResize, "resize"},
}

// ParseFeature 由名稱取得功能位元（設定檔使用）
func ParseFeature(name string) (Feature, error) {
	for _, fn := range featureNames {
		if strings.EqualFold(fn.name, name) {
			return fn.f, nil
		}
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}

// Has 是否包含指定功能
func (s FeatureSet) Has(f Feature) bool {
	return uint64(s)&uint64(f) != 0
}

// With 回傳加入功能後的新集合
func (s FeatureSet) With(f Feature) FeatureSet {
	return s | FeatureSet(f)
}

// Intersect 只保留雙方都有的位元
func (s FeatureSet) Intersect(o FeatureSet) FeatureSet {
	return s & o
}

func (s FeatureSet) String() string {
	var names []string
	for _, fn := range featureNames {
		if s.Has(fn.f) {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// ============================================================================
// 佇列
// ============================================================================

// QueueIndex 命令佇列索引
type QueueIndex int

const (
	QueueControl QueueIndex = 0 // 控制佇列
	QueueCursor  QueueIndex = 1 // 游標佇列
	QueueDisplay QueueIndex = 2 // 顯示佇列

	// NumQueues 佇列總數
	NumQueues = 3
)

// Valid 索引是否屬於 {0,1,2}
func (q QueueIndex) Valid() bool {
	return q >= QueueControl && q <= QueueDisplay
}

func (q QueueIndex) String() string {
	switch q {
	case QueueControl:
		return "control"
	case QueueCursor:
		return "cursor"
	case QueueDisplay:
		return "display"
	default:
		return fmt.Sprintf("queue(%d)", int(q))
	}
}

// ============================================================================
// 任務
// ============================================================================

// JobID 每個裝置實例內唯一、單調遞增的任務識別碼
type JobID uint64

// JobState 任務狀態
type JobState string

const (
	StateSubmitted JobState = "submitted" // 已交給佇列，等待裝置回應
	StateCompleted JobState = "completed" // 裝置回應成功
	StateFailed    JobState = "failed"    // 裝置回應錯誤或逾時
)

// Terminal 是否為終態
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobStatus status 查詢結果，Failed 時附帶原因
type JobStatus struct {
	State  JobState `json:"state"`
	Reason string   `json:"reason,omitempty"`
}

func (s JobStatus) String() string {
	if s.State == StateFailed && s.Reason != "" {
		return fmt.Sprintf("%s(%s)", s.State, s.Reason)
	}
	return string(s.State)
}

// Job 任務記錄
type Job struct {
	ID    JobID      `json:"id"`
	Queue QueueIndex `json:"queue"`
	Seq   uint64     `json:"seq"`  // 在所屬佇列內的提交順序
	Kind  string     `json:"kind"` // 命令種類名稱

	State  JobState `json:"state"`
	Reason string   `json:"reason,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`

	// 裝置原始回應（含控制標頭）
	Response []byte `json:"response,omitempty"`
}

// Status 轉成 status 查詢結果
func (j *Job) Status() JobStatus {
	return JobStatus{State: j.State, Reason: j.Reason}
}
