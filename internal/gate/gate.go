// Package gate is the only entry point for buffers coming from less trusted
// callers. It bounds-checks the buffer, maps the tag through an explicit
// command table and hands the decoded command to the dispatcher.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/internal/metrics"
	"github.com/ChuLiYu/virtgpu/internal/storage/journal"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// MaxBufferSize is the largest caller buffer the gate accepts.
const MaxBufferSize = 1 << 20

// Submitter is the part of the dispatcher the gate needs.
type Submitter interface {
	Ready() bool
	Submit(cmd gpucmd.Command, queueIndex types.QueueIndex) (types.JobID, error)
	Status(jobID types.JobID) (types.JobStatus, error)
}

// Journal receives REJECT events.
type Journal interface {
	Append(event journal.Event) error
}

type Option func(*Gate)

func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gate) { g.metrics = c }
}

func WithJournal(j Journal) Option {
	return func(g *Gate) { g.journal = j }
}

// WithRejectLogEvery limits rejection logs to one per interval.
func WithRejectLogEvery(every time.Duration) Option {
	return func(g *Gate) { g.rejectLog = newRateLimitedLogger(nil, every) }
}

// WithRejectJournalLimit limits REJECT journal events to one per interval
// after an initial burst. Dropped events are counted on the next one written.
func WithRejectJournalLimit(every time.Duration, burst int) Option {
	return func(g *Gate) { g.rejectJournal = newSampler(every, burst) }
}

// Gate validates caller buffers before submission.
type Gate struct {
	sub           Submitter
	metrics       *metrics.Collector
	journal       Journal
	rejectLog     *rateLimitedLogger
	rejectJournal *sampler
}

// New returns a gate in front of sub.
func New(sub Submitter, opts ...Option) *Gate {
	g := &Gate{
		sub:           sub,
		rejectLog:     newRateLimitedLogger(nil, time.Second),
		rejectJournal: newSampler(10*time.Millisecond, 100),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RenderSafe submits buffer as the body of the command named by tag.
//
// Checks run in order: device ready, buffer size, tag, payload. A buffer
// larger than MaxBufferSize never reaches the dispatcher.
func (g *Gate) RenderSafe(buffer []byte, tag uint32) (types.JobID, error) {
	if !g.sub.Ready() {
		return 0, g.reject(tag, len(buffer), types.ErrNotInitialized)
	}
	if len(buffer) > MaxBufferSize {
		return 0, g.reject(tag, len(buffer),
			fmt.Errorf("%w: %d bytes, limit %d", types.ErrBufferTooLarge, len(buffer), MaxBufferSize))
	}

	entry, ok := Lookup(tag)
	if !ok {
		return 0, g.reject(tag, len(buffer), fmt.Errorf("%w: unknown tag %#x", types.ErrUnsupportedCommand, tag))
	}
	if !entry.Allowed {
		return 0, g.reject(tag, len(buffer), fmt.Errorf("%w: %s is privileged", types.ErrUnsupportedCommand, entry.Kind))
	}

	cmd, err := gpucmd.DecodeBody(entry.Kind, buffer)
	if err != nil {
		return 0, g.reject(tag, len(buffer), fmt.Errorf("%w: %v", types.ErrInvalidPayload, err))
	}

	id, err := g.sub.Submit(cmd, entry.Class.Queue())
	if err != nil {
		// Backpressure is not a caller fault; no rejection record.
		return 0, err
	}
	return id, nil
}

// Status forwards to the dispatcher.
func (g *Gate) Status(jobID types.JobID) (types.JobStatus, error) {
	return g.sub.Status(jobID)
}

func (g *Gate) reject(tag uint32, size int, err error) error {
	reason := Reason(err)
	g.metrics.RecordRejection(reason)
	g.rejectLog.Warn("Rejected render request",
		"tag", fmt.Sprintf("%#x", tag),
		"size", size,
		"reason", reason,
		"error", err)

	if g.journal == nil {
		return err
	}
	if ok, dropped := g.rejectJournal.Allow(); ok {
		event := journal.Event{
			Type:       journal.EventReject,
			Queue:      -1,
			Kind:       gpucmd.Kind(tag).String(),
			Reason:     err.Error(),
			Suppressed: dropped,
		}
		if jerr := g.journal.Append(event); jerr != nil {
			slog.Error("Failed to append journal event", "type", event.Type, "error", jerr)
		}
	}
	return err
}

// Reason is the metric label for a rejection error.
func Reason(err error) string {
	switch {
	case errors.Is(err, types.ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, types.ErrBufferTooLarge):
		return "buffer_too_large"
	case errors.Is(err, types.ErrUnsupportedCommand):
		return "unsupported_command"
	case errors.Is(err, types.ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "other"
	}
}
