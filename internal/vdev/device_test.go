package vdev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

func newTestDevice(t *testing.T, mutate func(*Config)) *Device {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QueueSize = 8
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

// exec runs cmd through the wire codec and returns the response code.
func exec(t *testing.T, d *Device, cmd gpucmd.Command) gpucmd.Response {
	t.Helper()
	resp, err := gpucmd.ParseResponse(d.Handle(gpucmd.Encode(cmd, 7)))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.Header.FenceID)
	assert.Equal(t, uint32(gpucmd.FlagFence), resp.Header.Flags&gpucmd.FlagFence)
	return resp
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{QueueSize: 3})
	assert.Error(t, err)

	_, err = New(Config{QueueSize: 8, FailureRate: 1.5})
	assert.Error(t, err)
}

func TestAdvertisedFeatures(t *testing.T) {
	fs, err := Config{Features: []string{"virgl", "edid"}}.AdvertisedFeatures()
	require.NoError(t, err)
	assert.True(t, fs.Has(types.FeatureVirgl))
	assert.True(t, fs.Has(types.FeatureEDID))
	assert.False(t, fs.Has(types.FeatureResize))

	_, err = Config{Features: []string{"bogus"}}.AdvertisedFeatures()
	assert.Error(t, err)
}

func TestDisplayInfo(t *testing.T) {
	d := newTestDevice(t, func(c *Config) {
		c.Displays = []Display{{Width: 1024, Height: 768}, {Width: 640, Height: 480}}
	})

	resp := exec(t, d, gpucmd.GetDisplayInfo{})
	require.Equal(t, gpucmd.RespOKDisplayInfo, resp.Code)

	displays, err := gpucmd.ParseDisplayInfo(resp.Body)
	require.NoError(t, err)
	assert.True(t, displays[0].Enabled)
	assert.Equal(t, uint32(1024), displays[0].Rect.Width)
	assert.Equal(t, uint32(480), displays[1].Rect.Height)
	assert.False(t, displays[2].Enabled)
}

func TestResourceLifecycle(t *testing.T) {
	d := newTestDevice(t, nil)
	full := gpucmd.Rect{Width: 64, Height: 64}

	steps := []struct {
		name string
		cmd  gpucmd.Command
		want gpucmd.RespCode
	}{
		{"create", gpucmd.ResourceCreate2D{ResourceID: 1, Format: gpucmd.FormatB8G8R8A8, Width: 64, Height: 64}, gpucmd.RespOKNoData},
		{"create duplicate", gpucmd.ResourceCreate2D{ResourceID: 1, Format: gpucmd.FormatB8G8R8A8, Width: 64, Height: 64}, gpucmd.RespErrInvalidResourceID},
		{"create id zero", gpucmd.ResourceCreate2D{ResourceID: 0, Format: gpucmd.FormatB8G8R8A8, Width: 1, Height: 1}, gpucmd.RespErrInvalidResourceID},
		{"create bad format", gpucmd.ResourceCreate2D{ResourceID: 2, Format: 999, Width: 1, Height: 1}, gpucmd.RespErrInvalidParameter},
		{"transfer without backing", gpucmd.TransferToHost2D{Rect: full, ResourceID: 1}, gpucmd.RespErrUnspec},
		{"attach empty", gpucmd.ResourceAttachBacking{ResourceID: 1}, gpucmd.RespErrInvalidParameter},
		{"attach", gpucmd.ResourceAttachBacking{ResourceID: 1, Entries: []gpucmd.MemEntry{{Addr: 0x1000, Length: 64 * 64 * 4}}}, gpucmd.RespOKNoData},
		{"attach twice", gpucmd.ResourceAttachBacking{ResourceID: 1, Entries: []gpucmd.MemEntry{{Addr: 0x1000, Length: 1}}}, gpucmd.RespErrUnspec},
		{"transfer", gpucmd.TransferToHost2D{Rect: full, ResourceID: 1}, gpucmd.RespOKNoData},
		{"transfer out of bounds", gpucmd.TransferToHost2D{Rect: gpucmd.Rect{X: 1, Width: 64, Height: 1}, ResourceID: 1}, gpucmd.RespErrInvalidParameter},
		{"set scanout", gpucmd.SetScanout{Rect: full, ScanoutID: 0, ResourceID: 1}, gpucmd.RespOKNoData},
		{"set bad scanout", gpucmd.SetScanout{Rect: full, ScanoutID: 5, ResourceID: 1}, gpucmd.RespErrInvalidScanoutID},
		{"flush", gpucmd.ResourceFlush{Rect: full, ResourceID: 1}, gpucmd.RespOKNoData},
		{"flush unknown", gpucmd.ResourceFlush{Rect: full, ResourceID: 9}, gpucmd.RespErrInvalidResourceID},
		{"cursor", gpucmd.UpdateCursor{Pos: gpucmd.CursorPos{X: 10, Y: 20}, ResourceID: 1, HotX: 1, HotY: 2}, gpucmd.RespOKNoData},
		{"move cursor", gpucmd.MoveCursor{Pos: gpucmd.CursorPos{X: 30, Y: 40}}, gpucmd.RespOKNoData},
		{"move cursor bad scanout", gpucmd.MoveCursor{Pos: gpucmd.CursorPos{ScanoutID: 3}}, gpucmd.RespErrInvalidScanoutID},
		{"detach", gpucmd.ResourceDetachBacking{ResourceID: 1}, gpucmd.RespOKNoData},
		{"detach twice", gpucmd.ResourceDetachBacking{ResourceID: 1}, gpucmd.RespErrUnspec},
	}
	for _, s := range steps {
		resp := exec(t, d, s.cmd)
		assert.Equal(t, s.want, resp.Code, s.name)
	}

	res, ok := d.Resource(1)
	require.True(t, ok)
	assert.Equal(t, 1, res.Transfers)
	assert.Equal(t, 1, res.Flushes)
	assert.Nil(t, res.Backing)

	assert.Equal(t, uint32(1), d.Scanouts()[0].ResourceID)
	cur := d.Cursor()
	assert.Equal(t, uint32(1), cur.ResourceID)
	assert.Equal(t, uint32(30), cur.X)
	assert.Equal(t, uint32(1), cur.HotX)

	assert.Equal(t, gpucmd.RespOKNoData, exec(t, d, gpucmd.ResourceUnref{ResourceID: 1}).Code)
	_, ok = d.Resource(1)
	assert.False(t, ok)
	assert.Zero(t, d.Scanouts()[0].ResourceID, "unref detaches the scanout")
	assert.Zero(t, d.Cursor().ResourceID, "unref hides the cursor")
}

func TestCursorNeedsCursorSizedResource(t *testing.T) {
	d := newTestDevice(t, nil)
	exec(t, d, gpucmd.ResourceCreate2D{ResourceID: 4, Format: gpucmd.FormatB8G8R8A8, Width: 32, Height: 32})

	resp := exec(t, d, gpucmd.UpdateCursor{ResourceID: 4})
	assert.Equal(t, gpucmd.RespErrInvalidParameter, resp.Code)
}

func TestHostMemoryLimit(t *testing.T) {
	d := newTestDevice(t, func(c *Config) { c.MaxHostMem = 64 * 64 * 4 })

	assert.Equal(t, gpucmd.RespOKNoData,
		exec(t, d, gpucmd.ResourceCreate2D{ResourceID: 1, Format: gpucmd.FormatB8G8R8A8, Width: 64, Height: 64}).Code)
	assert.Equal(t, gpucmd.RespErrOutOfMemory,
		exec(t, d, gpucmd.ResourceCreate2D{ResourceID: 2, Format: gpucmd.FormatB8G8R8A8, Width: 1, Height: 1}).Code)

	exec(t, d, gpucmd.ResourceUnref{ResourceID: 1})
	assert.Equal(t, gpucmd.RespOKNoData,
		exec(t, d, gpucmd.ResourceCreate2D{ResourceID: 2, Format: gpucmd.FormatB8G8R8A8, Width: 1, Height: 1}).Code)
}

func TestMalformedCommand(t *testing.T) {
	d := newTestDevice(t, nil)

	// Valid header, truncated body.
	buf := gpucmd.Encode(gpucmd.ResourceUnref{ResourceID: 1}, 3)
	resp, err := gpucmd.ParseResponse(d.Handle(buf[:len(buf)-1]))
	require.NoError(t, err)
	assert.Equal(t, gpucmd.RespErrUnspec, resp.Code)
	assert.Equal(t, uint64(3), resp.Header.FenceID)
}

func TestFailureInjection(t *testing.T) {
	d := newTestDevice(t, func(c *Config) { c.FailureRate = 1 })

	resp := exec(t, d, gpucmd.GetDisplayInfo{})
	assert.Equal(t, gpucmd.RespErrUnspec, resp.Code)
	assert.Equal(t, 1, d.Processed()["control"])
}

func TestStepServesRing(t *testing.T) {
	d := newTestDevice(t, nil)
	r := d.Ring(types.QueueCursor)
	require.NoError(t, r.Enqueue(gpucmd.Encode(gpucmd.MoveCursor{Pos: gpucmd.CursorPos{X: 5}}, 11)))
	require.NoError(t, r.Enqueue(gpucmd.Encode(gpucmd.MoveCursor{Pos: gpucmd.CursorPos{X: 6}}, 12)))

	assert.Equal(t, 2, d.Step(types.QueueCursor))
	assert.Equal(t, 0, d.Step(types.QueueCursor))
	assert.Equal(t, 0, d.Step(types.QueueIndex(9)))

	used := r.Drain()
	require.Len(t, used, 2)
	for i, u := range used {
		resp, err := gpucmd.ParseResponse(u.Response)
		require.NoError(t, err)
		assert.Equal(t, uint64(11+i), resp.Header.FenceID)
		assert.True(t, resp.Code.OK())
	}
	assert.Equal(t, uint32(6), d.Cursor().X)
}

func TestStartStop(t *testing.T) {
	d := newTestDevice(t, func(c *Config) { c.Latency = time.Millisecond })
	require.NoError(t, d.Start())
	assert.ErrorIs(t, d.Start(), ErrAlreadyStarted)

	r := d.Ring(types.QueueControl)
	require.NoError(t, r.Enqueue(gpucmd.Encode(gpucmd.GetDisplayInfo{}, 1)))

	select {
	case <-r.Interrupt():
	case <-time.After(2 * time.Second):
		t.Fatal("device never answered")
	}
	require.Len(t, r.Drain(), 1)

	d.Stop()
	d.Stop()
	assert.ErrorIs(t, d.Start(), ErrStopped)
}
