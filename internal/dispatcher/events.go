package dispatcher

import (
	"sync"

	"github.com/ChuLiYu/virtgpu/internal/storage/journal"
)

// eventQueue 依發生順序暫存日誌事件
//
// push 只做記憶體操作，可以在佇列鎖內呼叫。drain 在鎖外執行；同一時間只有
// 一個呼叫者寫出，其他呼叫者放進來的事件由它一併寫完，因此檔案中的順序
// 與 push 的順序相同（SUBMIT 一定在同一任務的 COMPLETE / FAIL 之前）。
type eventQueue struct {
	mu       sync.Mutex
	pending  []journal.Event
	draining bool
}

func (q *eventQueue) push(event journal.Event) {
	q.mu.Lock()
	q.pending = append(q.pending, event)
	q.mu.Unlock()
}

func (q *eventQueue) drain(write func(journal.Event)) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for len(q.pending) > 0 {
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, event := range batch {
			write(event)
		}

		q.mu.Lock()
	}
	q.draining = false
	q.mu.Unlock()
}

func (q *eventQueue) discard() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}
