package types

import "errors"

// 驅動對外的錯誤分類。每一種都可由呼叫端以 errors.Is 區分，且都可恢復。
var (
	// ErrNotInitialized 裝置尚未進入 Ready
	ErrNotInitialized = errors.New("virtgpu: device not initialized")
	// ErrInvalidQueue 佇列索引不在 {0,1,2}
	ErrInvalidQueue = errors.New("virtgpu: invalid queue index")
	// ErrQueueFull 佇列沒有可用的描述子
	ErrQueueFull = errors.New("virtgpu: queue full")
	// ErrUnknownJob 任務從未發出，或已被保留策略回收
	ErrUnknownJob = errors.New("virtgpu: unknown job")
	// ErrBufferTooLarge 呼叫端緩衝區超過上限
	ErrBufferTooLarge = errors.New("virtgpu: buffer too large")
	// ErrUnsupportedCommand 命令標籤未知，或不允許從此入口提交
	ErrUnsupportedCommand = errors.New("virtgpu: unsupported command")
	// ErrInvalidPayload 緩衝區內容與命令需要的格式不符（含空緩衝區）
	ErrInvalidPayload = errors.New("virtgpu: invalid payload")
)

// Taxonomy 依序列出所有錯誤種類，供傳輸層對應使用
var Taxonomy = []error{
	ErrNotInitialized,
	ErrInvalidQueue,
	ErrQueueFull,
	ErrUnknownJob,
	ErrBufferTooLarge,
	ErrUnsupportedCommand,
	ErrInvalidPayload,
}
