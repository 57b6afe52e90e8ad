package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/virtgpu/pkg/types"
)

func TestNewRingSize(t *testing.T) {
	for _, size := range []int{0, -1, 3, MaxSize * 2} {
		_, err := NewRing(types.QueueControl, size)
		assert.Error(t, err, "size %d", size)
	}

	r, err := NewRing(types.QueueDisplay, 8)
	require.NoError(t, err)
	assert.Equal(t, 8, r.Size())
	assert.Equal(t, 8, r.Free())
	assert.Equal(t, types.QueueDisplay, r.Index())
}

func TestRingRoundTrip(t *testing.T) {
	r, err := NewRing(types.QueueControl, 4)
	require.NoError(t, err)

	require.NoError(t, r.Enqueue([]byte("a")))
	require.NoError(t, r.Enqueue([]byte("b")))
	assert.Equal(t, 2, r.Free())

	select {
	case <-r.Notify():
	default:
		t.Fatal("expected device notification")
	}

	d1, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), d1.Data)
	d2, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("b"), d2.Data)
	_, ok = r.Pop()
	assert.False(t, ok)

	require.NoError(t, r.Push(d2.ID, []byte("rb")))
	require.NoError(t, r.Push(d1.ID, []byte("ra")))

	select {
	case <-r.Interrupt():
	default:
		t.Fatal("expected interrupt")
	}

	used := r.Drain()
	require.Len(t, used, 2)
	assert.Equal(t, []byte("rb"), used[0].Response)
	assert.Equal(t, []byte("ra"), used[1].Response)
	assert.Equal(t, 4, r.Free())
	assert.Empty(t, r.Drain())
}

func TestRingFull(t *testing.T) {
	r, err := NewRing(types.QueueCursor, 2)
	require.NoError(t, err)

	require.NoError(t, r.Enqueue([]byte{1}))
	require.NoError(t, r.Enqueue([]byte{2}))
	assert.ErrorIs(t, r.Enqueue([]byte{3}), ErrNoDescriptors)

	// Popping alone does not recycle; the driver must drain.
	d, ok := r.Pop()
	require.True(t, ok)
	assert.ErrorIs(t, r.Enqueue([]byte{3}), ErrNoDescriptors)

	require.NoError(t, r.Push(d.ID, nil))
	r.Drain()
	assert.NoError(t, r.Enqueue([]byte{3}))
}

func TestRingEnqueueCopies(t *testing.T) {
	r, err := NewRing(types.QueueControl, 2)
	require.NoError(t, err)

	buf := []byte{1, 2, 3}
	require.NoError(t, r.Enqueue(buf))
	buf[0] = 9

	d, ok := r.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, d.Data)
}

func TestRingPushNotInFlight(t *testing.T) {
	r, err := NewRing(types.QueueControl, 2)
	require.NoError(t, err)

	assert.Error(t, r.Push(0, nil))
	assert.Error(t, r.Push(7, nil))
}

func TestRingWraps(t *testing.T) {
	r, err := NewRing(types.QueueDisplay, 2)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Enqueue([]byte{byte(i)}))
		d, ok := r.Pop()
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i)}, d.Data)
		require.NoError(t, r.Push(d.ID, []byte{byte(i)}))
		used := r.Drain()
		require.Len(t, used, 1)
		assert.Equal(t, []byte{byte(i)}, used[0].Response)
	}
}

func TestRingRejectsEmptyCommand(t *testing.T) {
	r, err := NewRing(types.QueueCursor, 2)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Enqueue(nil), ErrEmptyCommand)
	assert.ErrorIs(t, r.Enqueue([]byte{}), ErrEmptyCommand)
	assert.Equal(t, 2, r.Free(), "no descriptor consumed")

	_, ok := r.Pop()
	assert.False(t, ok)
}
