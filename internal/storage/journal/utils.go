package journal

// ============================================================================
// 日誌工具函式
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/virtgpu/pkg/types"
)

var errStop = errors.New("stop")

// GetLastEvent 從日誌檔案讀取最後一個事件，空檔案回傳 nil
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := Replay(path, func(e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return last, nil
}

// Stats 日誌統計資訊
type Stats struct {
	TotalEvents int               `json:"total_events"`
	EventTypes  map[EventType]int `json:"event_types"`
	FirstSeq    uint64            `json:"first_seq"`
	LastSeq     uint64            `json:"last_seq"`
	LastJobID   types.JobID       `json:"last_job_id"`
}

// GetStats 掃描整個日誌並收集統計資料
func GetStats(path string) (*Stats, error) {
	stats := &Stats{EventTypes: make(map[EventType]int)}
	err := Replay(path, func(e Event) error {
		if stats.TotalEvents == 0 {
			stats.FirstSeq = e.Seq
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		stats.LastSeq = e.Seq
		if e.JobID > stats.LastJobID {
			stats.LastJobID = e.JobID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Dump 以人類可讀格式輸出日誌內容
//
//	[seq:1] SUBMIT job=1 queue=control kind=GetDisplayInfo at 2024-01-01T00:00:00Z
//
// limit > 0 時只輸出最後 limit 筆。
func Dump(path string, w io.Writer, limit int) error {
	var events []Event
	err := Replay(path, func(e Event) error {
		events = append(events, e)
		if limit > 0 && len(events) > limit {
			events = events[1:]
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range events {
		fmt.Fprintf(w, "[seq:%d] %s", e.Seq, e.Type)
		if e.JobID != 0 {
			fmt.Fprintf(w, " job=%d", e.JobID)
		}
		if e.Queue >= 0 {
			fmt.Fprintf(w, " queue=%s", types.QueueIndex(e.Queue))
		}
		if e.Kind != "" {
			fmt.Fprintf(w, " kind=%s", e.Kind)
		}
		if e.Reason != "" {
			fmt.Fprintf(w, " reason=%q", e.Reason)
		}
		fmt.Fprintf(w, " at %s\n", time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339))
	}
	return nil
}

// FindJob 回傳某個任務的所有事件
func FindJob(path string, id types.JobID) ([]Event, error) {
	var out []Event
	err := Replay(path, func(e Event) error {
		if e.JobID == id {
			out = append(out, e)
			if e.Type == EventComplete || e.Type == EventFail {
				return errStop
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return out, nil
}
