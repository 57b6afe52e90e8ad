package journal

import "github.com/ChuLiYu/virtgpu/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records appended for every job transition
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventSubmit   EventType = "SUBMIT"   // Command accepted by a queue
	EventComplete EventType = "COMPLETE" // Device answered RESP_OK_*
	EventFail     EventType = "FAIL"     // Device answered RESP_ERR_* or timed out
	EventReject   EventType = "REJECT"   // Safety gate refused a caller buffer
)

// Event represents a journal record
type Event struct {
	Seq        uint64      `json:"seq"`                  // Monotonically increasing per file
	Type       EventType   `json:"type"`                 // Event type
	JobID      types.JobID `json:"job_id,omitempty"`     // Zero for REJECT
	Queue      int         `json:"queue"`                // Queue index, -1 when unrouted
	Kind       string      `json:"kind,omitempty"`       // Command kind or raw tag
	Reason     string      `json:"reason,omitempty"`     // Failure or rejection reason
	Suppressed int         `json:"suppressed,omitempty"` // REJECT events dropped by the rate limit before this one
	Timestamp  int64       `json:"timestamp"`            // Unix millisecond timestamp
	Checksum   uint32      `json:"checksum"`             // CRC32 over the record with Checksum zeroed
}

// JobEvent builds the event recording a job transition.
func JobEvent(t EventType, job types.Job) Event {
	return Event{
		Type:   t,
		JobID:  job.ID,
		Queue:  int(job.Queue),
		Kind:   job.Kind,
		Reason: job.Reason,
	}
}

// EventHandler is the function type for processing journal events during
// Replay. Returning an error stops the replay.
type EventHandler func(event Event) error
