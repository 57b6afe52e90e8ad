// Package virtqueue provides the queue primitive the driver submits commands
// through, and an in-memory split ring implementing it.
//
// The ring follows the virtio split-queue layout: a fixed descriptor table
// with a free list, an available ring written by the driver and a used ring
// written by the device. A descriptor returns to the free list only when the
// driver drains its used entry, so a device that stops answering eventually
// makes Enqueue fail with ErrNoDescriptors.
package virtqueue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/virtgpu/pkg/types"
)

var (
	// ErrNoDescriptors is returned by Enqueue when every descriptor is in flight.
	ErrNoDescriptors = errors.New("virtqueue: no free descriptors")
	// ErrEmptyCommand is returned by Enqueue for a zero-length command.
	ErrEmptyCommand = errors.New("virtqueue: empty command")
)

// Used is one completed request as seen by the driver.
type Used struct {
	ID       uint16
	Response []byte
}

// Primitive is the driver side of a queue. Enqueue is called with the queue
// lock held; Interrupt and Drain are used by completion goroutines.
type Primitive interface {
	// Enqueue places one encoded command on the queue and notifies the device.
	Enqueue(cmd []byte) error
	// Interrupt fires after the device adds entries to the used ring.
	Interrupt() <-chan struct{}
	// Drain returns every used entry not yet seen and recycles their descriptors.
	Drain() []Used
}

// Descriptor is one request as seen by the device.
type Descriptor struct {
	ID   uint16
	Data []byte
}

type usedElem struct {
	id   uint16
	resp []byte
}

// Ring is an in-memory split virtqueue.
type Ring struct {
	index types.QueueIndex
	size  uint16

	mu    sync.Mutex
	desc  [][]byte
	free  []uint16
	avail []uint16
	used  []usedElem

	availIdx  uint16 // driver write position
	lastAvail uint16 // device read position
	usedIdx   uint16 // device write position
	lastUsed  uint16 // driver read position

	notify    chan struct{}
	interrupt chan struct{}
}

// MaxSize bounds the number of descriptors of a ring.
const MaxSize = 1 << 15

// NewRing creates a ring with size descriptors for the given queue index.
func NewRing(index types.QueueIndex, size int) (*Ring, error) {
	if size <= 0 || size > MaxSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtqueue: size %d must be a power of two in [1, %d]", size, MaxSize)
	}

	r := &Ring{
		index:     index,
		size:      uint16(size),
		desc:      make([][]byte, size),
		free:      make([]uint16, size),
		avail:     make([]uint16, size),
		used:      make([]usedElem, size),
		notify:    make(chan struct{}, 1),
		interrupt: make(chan struct{}, 1),
	}
	for i := range r.free {
		r.free[i] = uint16(size - 1 - i)
	}
	return r, nil
}

// Index returns the queue index this ring serves.
func (r *Ring) Index() types.QueueIndex { return r.index }

// Size returns the number of descriptors.
func (r *Ring) Size() int { return int(r.size) }

// Free returns the number of descriptors available to Enqueue.
func (r *Ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.free)
}

// Enqueue copies cmd into a free descriptor and publishes it on the
// available ring.
func (r *Ring) Enqueue(cmd []byte) error {
	if len(cmd) == 0 {
		return ErrEmptyCommand
	}
	r.mu.Lock()
	if len(r.free) == 0 {
		r.mu.Unlock()
		return ErrNoDescriptors
	}
	id := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]

	r.desc[id] = append([]byte(nil), cmd...)
	r.avail[r.availIdx%r.size] = id
	r.availIdx++
	r.mu.Unlock()

	signal(r.notify)
	return nil
}

func (r *Ring) Interrupt() <-chan struct{} { return r.interrupt }

func (r *Ring) Drain() []Used {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Used
	for r.lastUsed != r.usedIdx {
		e := r.used[r.lastUsed%r.size]
		r.used[r.lastUsed%r.size] = usedElem{}
		r.desc[e.id] = nil
		r.free = append(r.free, e.id)
		out = append(out, Used{ID: e.id, Response: e.resp})
		r.lastUsed++
	}
	return out
}

// ============================================================================
// Device side
// ============================================================================

// Notify fires after the driver publishes new available entries.
func (r *Ring) Notify() <-chan struct{} { return r.notify }

// Pop takes the next available request. It returns false when the
// available ring is empty.
func (r *Ring) Pop() (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastAvail == r.availIdx {
		return Descriptor{}, false
	}
	id := r.avail[r.lastAvail%r.size]
	r.lastAvail++
	return Descriptor{ID: id, Data: r.desc[id]}, true
}

// Push posts the response for descriptor id on the used ring and raises
// the interrupt.
func (r *Ring) Push(id uint16, resp []byte) error {
	r.mu.Lock()
	if int(id) >= len(r.desc) || r.desc[id] == nil {
		r.mu.Unlock()
		return fmt.Errorf("virtqueue: descriptor %d is not in flight", id)
	}
	if r.usedIdx-r.lastUsed >= r.size {
		r.mu.Unlock()
		return fmt.Errorf("virtqueue: used ring of queue %s is full", r.index)
	}
	r.used[r.usedIdx%r.size] = usedElem{id: id, resp: resp}
	r.usedIdx++
	r.mu.Unlock()

	signal(r.interrupt)
	return nil
}

// signal does a non-blocking send; a pending signal already covers the new
// entries.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
