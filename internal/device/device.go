// Package device holds the per-device state: the queue set, the negotiated
// features and the Uninitialized -> Ready lifecycle.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/virtgpu/internal/virtqueue"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

var (
	// ErrAlreadyReady Configure 在 Ready 之後呼叫
	ErrAlreadyReady = errors.New("device: already ready")
	// ErrMissingQueue Configure 收到 nil primitive
	ErrMissingQueue = errors.New("device: missing queue primitive")
	// ErrNotConfigured MarkReady 在 Configure 成功之前呼叫
	ErrNotConfigured = errors.New("device: not configured")
)

// Probe reports whether the enumerated identity is a virtio-gpu device.
func Probe(id types.DeviceIdentity) bool {
	return id == types.VirtioGPUIdentity
}

// ============================================================================
// Queue
// ============================================================================

// Queue is one command queue. Submissions hold its mutex for descriptor
// construction and notification only.
type Queue struct {
	index types.QueueIndex

	mu   sync.Mutex
	prim virtqueue.Primitive
}

// Index returns the queue index.
func (q *Queue) Index() types.QueueIndex { return q.index }

// Do runs fn with the queue locked.
func (q *Queue) Do(fn func(p virtqueue.Primitive) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fn(q.prim)
}

// Primitive returns the attached primitive without locking, for completion
// goroutines that only use Interrupt and Drain.
func (q *Queue) Primitive() virtqueue.Primitive {
	return q.prim
}

// ============================================================================
// Device
// ============================================================================

// Device is the state of one virtio-gpu instance.
type Device struct {
	queues [types.NumQueues]*Queue

	// mu 保護設定階段（Configure / MarkReady）
	mu         sync.Mutex
	features   types.FeatureSet
	configured bool

	// ready 最後寫入；讀者先讀 ready，看到 true 就一定看到已設定的佇列與功能
	ready atomic.Bool
}

// New returns an Uninitialized device with no primitives and no features.
func New() *Device {
	d := &Device{}
	for i := range d.queues {
		d.queues[i] = &Queue{index: types.QueueIndex(i)}
	}
	return d
}

// Configure attaches one primitive per queue and stores the negotiated
// features, advertised & wanted. It may be repeated until MarkReady.
func (d *Device) Configure(queues [types.NumQueues]virtqueue.Primitive, advertised, wanted types.FeatureSet) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ready.Load() {
		return ErrAlreadyReady
	}
	for i, p := range queues {
		if p == nil {
			return fmt.Errorf("%w: %s", ErrMissingQueue, types.QueueIndex(i))
		}
	}

	for i, p := range queues {
		d.queues[i].prim = p
	}
	d.features = advertised.Intersect(wanted)
	d.configured = true

	slog.Info("device configured",
		"advertised", advertised.String(),
		"wanted", wanted.String(),
		"negotiated", d.features.String())
	return nil
}

// MarkReady performs the one-way Ready transition. Calling it again is a
// no-op.
func (d *Device) MarkReady() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ready.Load() {
		return nil
	}
	if !d.configured {
		return ErrNotConfigured
	}
	d.ready.Store(true)
	slog.Info("device ready", "features", d.features.String())
	return nil
}

// Ready reports whether the device finished initialization.
func (d *Device) Ready() bool {
	return d.ready.Load()
}

// Features returns the negotiated feature set, empty before Configure.
func (d *Device) Features() types.FeatureSet {
	if d.ready.Load() {
		return d.features
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

// Queue returns the queue at idx. It fails with ErrNotInitialized before
// Ready and with ErrInvalidQueue for an index outside {0,1,2}.
func (d *Device) Queue(idx types.QueueIndex) (*Queue, error) {
	if !d.ready.Load() {
		return nil, types.ErrNotInitialized
	}
	if !idx.Valid() {
		return nil, fmt.Errorf("%w: %d", types.ErrInvalidQueue, int(idx))
	}
	return d.queues[idx], nil
}
