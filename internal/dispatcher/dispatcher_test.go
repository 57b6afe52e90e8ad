package dispatcher

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/virtgpu/internal/device"
	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/internal/storage/journal"
	"github.com/ChuLiYu/virtgpu/internal/virtqueue"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// spyPrimitive records every Enqueue call and never answers
type spyPrimitive struct {
	mu       sync.Mutex
	enqueued [][]byte
	calls    int
	err      error
	intr     chan struct{}
}

func newSpy() *spyPrimitive {
	return &spyPrimitive{intr: make(chan struct{}, 1)}
}

func (s *spyPrimitive) Enqueue(cmd []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.enqueued = append(s.enqueued, append([]byte(nil), cmd...))
	return nil
}

func (s *spyPrimitive) Interrupt() <-chan struct{} { return s.intr }
func (s *spyPrimitive) Drain() []virtqueue.Used    { return nil }

func (s *spyPrimitive) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newRingDevice creates a Ready device backed by in-memory rings
func newRingDevice(t *testing.T, size int) (*device.Device, [types.NumQueues]*virtqueue.Ring) {
	t.Helper()
	var rings [types.NumQueues]*virtqueue.Ring
	var prims [types.NumQueues]virtqueue.Primitive
	for i := range rings {
		r, err := virtqueue.NewRing(types.QueueIndex(i), size)
		require.NoError(t, err)
		rings[i] = r
		prims[i] = r
	}
	dev := device.New()
	require.NoError(t, dev.Configure(prims, 0, 0))
	require.NoError(t, dev.MarkReady())
	return dev, rings
}

// newSpyDevice creates a device whose queues are spies
func newSpyDevice(t *testing.T, ready bool) (*device.Device, [types.NumQueues]*spyPrimitive) {
	t.Helper()
	var spies [types.NumQueues]*spyPrimitive
	var prims [types.NumQueues]virtqueue.Primitive
	for i := range spies {
		spies[i] = newSpy()
		prims[i] = spies[i]
	}
	dev := device.New()
	require.NoError(t, dev.Configure(prims, 0, 0))
	if ready {
		require.NoError(t, dev.MarkReady())
	}
	return dev, spies
}

// respond plays the device: pops one request and answers it with code
func respond(t *testing.T, r *virtqueue.Ring, code gpucmd.RespCode) types.JobID {
	t.Helper()
	desc, ok := r.Pop()
	require.True(t, ok, "no request on queue %s", r.Index())
	hdr, err := gpucmd.ParseHeader(desc.Data)
	require.NoError(t, err)
	require.NoError(t, r.Push(desc.ID, gpucmd.EncodeResponse(hdr, code, nil)))
	return types.JobID(hdr.FenceID)
}

func failFast() Config {
	cfg := DefaultConfig()
	cfg.QueueFullWait = 0
	cfg.CompletionTimeout = 0
	return cfg
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestSubmitBeforeReady(t *testing.T) {
	dev, spies := newSpyDevice(t, false)
	d := New(dev, failFast())

	assert.False(t, d.Ready())
	for i := 0; i < types.NumQueues; i++ {
		_, err := d.Submit(gpucmd.GetDisplayInfo{}, types.QueueIndex(i))
		assert.ErrorIs(t, err, types.ErrNotInitialized)
	}
	_, err := d.Submit(gpucmd.GetDisplayInfo{}, 9)
	assert.ErrorIs(t, err, types.ErrNotInitialized)

	for _, s := range spies {
		assert.Zero(t, s.Calls())
	}
	assert.ErrorIs(t, d.Start(), types.ErrNotInitialized)
}

func TestSubmitInvalidQueue(t *testing.T) {
	dev, spies := newSpyDevice(t, true)
	d := New(dev, failFast())

	for _, idx := range []types.QueueIndex{-1, 3, 100} {
		id, err := d.Submit(gpucmd.GetDisplayInfo{}, idx)
		assert.ErrorIs(t, err, types.ErrInvalidQueue)
		assert.Zero(t, id)
	}

	for _, s := range spies {
		assert.Zero(t, s.Calls())
	}
	assert.Equal(t, 0, d.Stats()["submitted"])
	assert.Equal(t, uint64(0), d.Stats()["last_job_id"])
}

func TestSubmitNilCommand(t *testing.T) {
	dev, spies := newSpyDevice(t, true)
	d := New(dev, failFast())

	_, err := d.Submit(nil, types.QueueControl)
	assert.ErrorIs(t, err, types.ErrInvalidPayload)
	assert.Zero(t, spies[types.QueueControl].Calls())
}

func TestGetDisplayInfoCompletes(t *testing.T) {
	dev, rings := newRingDevice(t, 8)
	d := New(dev, failFast())
	require.NoError(t, d.Start())
	defer d.Stop()

	id, err := d.Submit(gpucmd.GetDisplayInfo{}, types.QueueControl)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(1), id)

	st, err := d.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, st.State)

	assert.Equal(t, id, respond(t, rings[types.QueueControl], gpucmd.RespOKDisplayInfo))

	require.Eventually(t, func() bool {
		st, err := d.Status(id)
		return err == nil && st.State == types.StateCompleted
	}, time.Second, time.Millisecond)

	job, err := d.Job(id)
	require.NoError(t, err)
	assert.Equal(t, "GetDisplayInfo", job.Kind)
	resp, err := gpucmd.ParseResponse(job.Response)
	require.NoError(t, err)
	assert.Equal(t, gpucmd.RespOKDisplayInfo, resp.Code)
}

func TestDeviceErrorFailsJob(t *testing.T) {
	dev, rings := newRingDevice(t, 8)
	d := New(dev, failFast())

	id, err := d.Submit(gpucmd.ResourceCreate2D{ResourceID: 1, Format: gpucmd.FormatB8G8R8A8, Width: 4, Height: 4}, types.QueueDisplay)
	require.NoError(t, err)
	respond(t, rings[types.QueueDisplay], gpucmd.RespErrInvalidResourceID)

	assert.Equal(t, 1, d.Reap())
	st, err := d.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatus{State: types.StateFailed, Reason: "invalid resource id"}, st)
}

func TestJobIDsIncrease(t *testing.T) {
	dev, _ := newSpyDevice(t, true)
	d := New(dev, failFast())

	var prev types.JobID
	for i := 0; i < 20; i++ {
		id, err := d.Submit(gpucmd.MoveCursor{}, types.QueueIndex(i%types.NumQueues))
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestStatusNeverIssued(t *testing.T) {
	dev, _ := newSpyDevice(t, true)
	d := New(dev, failFast())

	_, err := d.Status(1)
	assert.ErrorIs(t, err, types.ErrUnknownJob)

	id, err := d.Submit(gpucmd.GetDisplayInfo{}, types.QueueControl)
	require.NoError(t, err)
	_, err = d.Status(id + 1)
	assert.ErrorIs(t, err, types.ErrUnknownJob)
	_, err = d.Job(id + 1)
	assert.ErrorIs(t, err, types.ErrUnknownJob)
}

func TestConcurrentDisplaySubmits(t *testing.T) {
	dev, spies := newSpyDevice(t, true)
	d := New(dev, failFast())

	cmd := gpucmd.ResourceCreate2D{ResourceID: 5, Format: gpucmd.FormatR8G8B8A8, Width: 64, Height: 64}
	ids := make([]types.JobID, 2)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := d.Submit(cmd, types.QueueDisplay)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.NotEqual(t, ids[0], ids[1])

	spy := spies[types.QueueDisplay]
	require.Len(t, spy.enqueued, 2)
	fences := map[types.JobID]bool{}
	for _, buf := range spy.enqueued {
		hdr, got, err := gpucmd.Decode(buf)
		require.NoError(t, err, "enqueued buffer must be intact")
		assert.Equal(t, cmd, got)
		fences[types.JobID(hdr.FenceID)] = true
	}
	assert.True(t, fences[ids[0]] && fences[ids[1]])
}

func TestQueueFullFailFast(t *testing.T) {
	dev, rings := newRingDevice(t, 1)
	d := New(dev, failFast())

	first, err := d.Submit(gpucmd.MoveCursor{}, types.QueueCursor)
	require.NoError(t, err)

	_, err = d.Submit(gpucmd.MoveCursor{}, types.QueueCursor)
	require.ErrorIs(t, err, types.ErrQueueFull)

	// Other queues are unaffected.
	_, err = d.Submit(gpucmd.GetDisplayInfo{}, types.QueueControl)
	require.NoError(t, err)

	respond(t, rings[types.QueueCursor], gpucmd.RespOKNoData)
	d.Reap()

	next, err := d.Submit(gpucmd.MoveCursor{}, types.QueueCursor)
	require.NoError(t, err)
	assert.Greater(t, next, first)
	assert.Equal(t, 1, d.Stats()["completed"])
}

func TestQueueFullWaitsForDescriptor(t *testing.T) {
	dev, rings := newRingDevice(t, 1)
	cfg := failFast()
	cfg.QueueFullWait = 500 * time.Millisecond
	d := New(dev, cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	_, err := d.Submit(gpucmd.MoveCursor{}, types.QueueCursor)
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		desc, ok := rings[types.QueueCursor].Pop()
		if !ok {
			return
		}
		hdr, _ := gpucmd.ParseHeader(desc.Data)
		_ = rings[types.QueueCursor].Push(desc.ID, gpucmd.EncodeResponse(hdr, gpucmd.RespOKNoData, nil))
	}()

	id, err := d.Submit(gpucmd.MoveCursor{}, types.QueueCursor)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(2), id)
}

func TestPrimitiveErrorBecomesQueueFull(t *testing.T) {
	dev, spies := newSpyDevice(t, true)
	spies[types.QueueDisplay].err = errors.New("device gone")
	d := New(dev, DefaultConfig())

	_, err := d.Submit(gpucmd.GetDisplayInfo{}, types.QueueDisplay)
	require.ErrorIs(t, err, types.ErrQueueFull)
	// Non-descriptor errors are not retried.
	assert.Equal(t, 1, spies[types.QueueDisplay].Calls())
	assert.Equal(t, 0, d.Stats()["submitted"])
}

func TestCompletionTimeout(t *testing.T) {
	dev, rings := newRingDevice(t, 8)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := failFast()
	cfg.CompletionTimeout = time.Second
	d := New(dev, cfg, WithClock(clock.Now))

	id, err := d.Submit(gpucmd.GetDisplayInfo{}, types.QueueControl)
	require.NoError(t, err)

	clock.Advance(500 * time.Millisecond)
	assert.Zero(t, d.expire())

	clock.Advance(time.Second)
	assert.Equal(t, 1, d.expire())

	st, err := d.Status(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatus{State: types.StateFailed, Reason: ReasonTimeout}, st)

	// A late answer does not resurrect the job.
	respond(t, rings[types.QueueControl], gpucmd.RespOKDisplayInfo)
	d.Reap()
	st, _ = d.Status(id)
	assert.Equal(t, types.StateFailed, st.State)
}

func TestRetention(t *testing.T) {
	dev, rings := newRingDevice(t, 8)
	cfg := failFast()
	cfg.RetainJobs = 2
	d := New(dev, cfg)

	var ids []types.JobID
	for i := 0; i < 3; i++ {
		id, err := d.Submit(gpucmd.GetDisplayInfo{}, types.QueueControl)
		require.NoError(t, err)
		ids = append(ids, id)
		respond(t, rings[types.QueueControl], gpucmd.RespOKDisplayInfo)
	}
	d.Reap()

	_, err := d.Status(ids[0])
	assert.ErrorIs(t, err, types.ErrUnknownJob)
	for _, id := range ids[1:] {
		st, err := d.Status(id)
		require.NoError(t, err)
		assert.Equal(t, types.StateCompleted, st.State)
	}
}

func TestUnknownAndMalformedResponsesDropped(t *testing.T) {
	dev, rings := newRingDevice(t, 8)
	d := New(dev, failFast())

	r := rings[types.QueueControl]
	require.NoError(t, r.Enqueue(gpucmd.Encode(gpucmd.GetDisplayInfo{}, 777)))
	respond(t, r, gpucmd.RespOKNoData)

	require.NoError(t, r.Enqueue([]byte{1, 2, 3}))
	desc, ok := r.Pop()
	require.True(t, ok)
	require.NoError(t, r.Push(desc.ID, []byte{1, 2, 3}))

	assert.NotPanics(t, func() { assert.Equal(t, 2, d.Reap()) })
	assert.Equal(t, 0, d.Stats()["completed"])
}

func TestStartStop(t *testing.T) {
	dev, _ := newRingDevice(t, 4)
	d := New(dev, DefaultConfig())

	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), ErrAlreadyStarted)
	d.Stop()
	d.Stop()
	assert.ErrorIs(t, d.Start(), ErrStopped)
}

func TestJournalRecordsTransitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.journal")
	j, err := journal.Open(path, journal.DefaultOptions)
	require.NoError(t, err)
	defer j.Close()

	dev, rings := newRingDevice(t, 1)
	d := New(dev, failFast(), WithJournal(j))

	id, err := d.Submit(gpucmd.MoveCursor{}, types.QueueCursor)
	require.NoError(t, err)
	_, err = d.Submit(gpucmd.MoveCursor{}, types.QueueCursor)
	require.ErrorIs(t, err, types.ErrQueueFull)
	respond(t, rings[types.QueueCursor], gpucmd.RespOKNoData)
	d.Reap()
	d.Stop()

	var got []journal.EventType
	require.NoError(t, journal.Replay(path, func(e journal.Event) error {
		got = append(got, e.Type)
		return nil
	}))
	assert.Equal(t, []journal.EventType{
		journal.EventSubmit,
		journal.EventSubmit,
		journal.EventReject,
		journal.EventComplete,
	}, got)

	events, err := journal.FindJob(path, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "MoveCursor", events[0].Kind)
}

// blockingJournal holds every Append until release is closed
type blockingJournal struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	events []journal.Event
}

func newBlockingJournal() *blockingJournal {
	return &blockingJournal{entered: make(chan struct{}), release: make(chan struct{})}
}

func (j *blockingJournal) Append(e journal.Event) error {
	j.once.Do(func() { close(j.entered) })
	<-j.release
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

func (j *blockingJournal) Flush() error { return nil }

func (j *blockingJournal) Types() []journal.EventType {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journal.EventType
	for _, e := range j.events {
		out = append(out, e.Type)
	}
	return out
}

func TestJournalWriteDoesNotHoldQueueLock(t *testing.T) {
	dev, spies := newSpyDevice(t, true)
	j := newBlockingJournal()
	d := New(dev, failFast(), WithJournal(j))

	submitted := make(chan error, 1)
	go func() {
		_, err := d.Submit(gpucmd.MoveCursor{}, types.QueueDisplay)
		submitted <- err
	}()

	select {
	case <-j.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("journal never written")
	}

	// The journal is stuck; the display queue must still be usable.
	q, err := dev.Queue(types.QueueDisplay)
	require.NoError(t, err)
	locked := make(chan struct{})
	go func() {
		_ = q.Do(func(virtqueue.Primitive) error {
			close(locked)
			return nil
		})
	}()
	select {
	case <-locked:
	case <-time.After(2 * time.Second):
		t.Fatal("display queue lock held while the journal blocks")
	}
	assert.Equal(t, 1, spies[types.QueueDisplay].Calls())

	close(j.release)
	require.NoError(t, <-submitted)
	assert.Equal(t, []journal.EventType{journal.EventSubmit}, j.Types())
}

func TestResponseOnOtherQueueDropped(t *testing.T) {
	dev, rings := newRingDevice(t, 8)
	d := New(dev, failFast())

	displayID, err := d.Submit(gpucmd.ResourceFlush{ResourceID: 1}, types.QueueDisplay)
	require.NoError(t, err)
	cursorID, err := d.Submit(gpucmd.MoveCursor{}, types.QueueCursor)
	require.NoError(t, err)

	// The cursor request is answered carrying the display job's fence.
	r := rings[types.QueueCursor]
	desc, ok := r.Pop()
	require.True(t, ok)
	hdr, err := gpucmd.ParseHeader(desc.Data)
	require.NoError(t, err)
	hdr.FenceID = uint64(displayID)
	require.NoError(t, r.Push(desc.ID, gpucmd.EncodeResponse(hdr, gpucmd.RespOKNoData, nil)))
	assert.Equal(t, 1, d.Reap())

	for _, id := range []types.JobID{displayID, cursorID} {
		st, err := d.Status(id)
		require.NoError(t, err)
		assert.Equal(t, types.StateSubmitted, st.State, "job %d", id)
	}

	respond(t, rings[types.QueueDisplay], gpucmd.RespOKNoData)
	d.Reap()
	st, err := d.Status(displayID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, st.State)
}

func TestSubmitAfterStop(t *testing.T) {
	dev, spies := newSpyDevice(t, true)
	d := New(dev, DefaultConfig())
	require.NoError(t, d.Start())
	d.Stop()

	assert.False(t, d.Ready())
	_, err := d.Submit(gpucmd.GetDisplayInfo{}, types.QueueControl)
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, err, types.ErrNotInitialized)
	assert.Zero(t, spies[types.QueueControl].Calls())
}
