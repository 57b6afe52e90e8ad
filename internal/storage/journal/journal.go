// Package journal is an append-only record of job transitions: one JSON
// line per event, each protected by a CRC32.
package journal

// ============================================================================
// 日誌核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only）
// 2. 批次緩衝，滿了或超時才寫入
// 3. 提供重放功能供 CLI 查看與驗證
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Options 日誌設定
type Options struct {
	BufferSize    int           // 緩衝事件數上限，<= 0 表示每次追加都寫入
	FlushInterval time.Duration // 距上次寫入超過此時間就寫入
	SyncOnFlush   bool          // 寫入後是否 fsync
}

// DefaultOptions 預設設定
var DefaultOptions = Options{
	BufferSize:    256,
	FlushInterval: time.Second,
}

// Journal 表示一個日誌實例
type Journal struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	opts    Options
	closed  bool

	buffer        []Event
	lastFlushTime time.Time
}

// Open 建立或開啟日誌檔案
//
// 行為：
// - 如果檔案不存在，建立新檔案，seq 從 0 開始
// - 如果檔案已存在，讀取最後一個事件的 seq 並繼續
// - 以追加模式開啟，寫入不覆蓋
func Open(path string, opts Options) (*Journal, error) {
	var seq uint64
	if last, err := GetLastEvent(path); err == nil && last != nil {
		seq = last.Seq
	} else if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, max(opts.BufferSize, 1)),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件
//
// 行為：
// - 自動遞增 seq，填入時間戳與 checksum
// - 先放入緩衝，滿了或超時才寫入檔案
func (j *Journal) Append(event Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	j.seq++
	event.Seq = j.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)
	j.buffer = append(j.buffer, event)

	if len(j.buffer) >= j.opts.BufferSize || time.Since(j.lastFlushTime) > j.opts.FlushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 將緩衝的事件寫入檔案
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

// LastSeq 取得當前的事件序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string { return j.path }

// Replay 先寫入緩衝，再從頭重放整個檔案
func (j *Journal) Replay(handler EventHandler) error {
	if err := j.Flush(); err != nil {
		return err
	}
	return Replay(j.path, handler)
}

// Close 寫入剩餘事件並關閉檔案；關閉後不可再用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// flushLocked 假設呼叫者已經持有 j.mu
func (j *Journal) flushLocked() error {
	for _, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()

	if j.opts.SyncOnFlush {
		return j.file.Sync()
	}
	return nil
}

// Replay 從頭讀取日誌檔案，驗證每個事件後呼叫 handler
//
// 錯誤處理：
//   - ErrCorruptedJournal: 某行無法解析
//   - ErrChecksumMismatch: 校驗和不符
//   - handler 回傳的錯誤會直接傳回
func Replay(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
