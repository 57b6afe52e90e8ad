package vdev

import (
	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
)

// ============================================================================
// 2D 資源模型
// ============================================================================

const (
	bytesPerPixel = 4
	// cursorSize 為游標資源固定的邊長（像素）
	cursorSize = 64
)

var validFormats = map[uint32]bool{
	gpucmd.FormatB8G8R8A8: true,
	gpucmd.FormatB8G8R8X8: true,
	gpucmd.FormatA8R8G8B8: true,
	gpucmd.FormatX8R8G8B8: true,
	gpucmd.FormatR8G8B8A8: true,
	gpucmd.FormatX8B8G8R8: true,
	gpucmd.FormatA8B8G8R8: true,
	gpucmd.FormatR8G8B8X8: true,
}

// Resource 是 host 端的 2D 資源
type Resource struct {
	ID      uint32
	Format  uint32
	Width   uint32
	Height  uint32
	Backing []gpucmd.MemEntry // nil 表示尚未附加 backing

	Transfers int // TRANSFER_TO_HOST_2D 次數
	Flushes   int // RESOURCE_FLUSH 次數
}

func (r *Resource) size() uint64 {
	return uint64(r.Width) * uint64(r.Height) * bytesPerPixel
}

// contains 檢查 rect 是否完全落在資源範圍內
func (r *Resource) contains(rect gpucmd.Rect) bool {
	return uint64(rect.X)+uint64(rect.Width) <= uint64(r.Width) &&
		uint64(rect.Y)+uint64(rect.Height) <= uint64(r.Height)
}

// Scanout 是一個輸出畫面
type Scanout struct {
	Width, Height uint32
	ResourceID    uint32 // 0 表示停用
	Rect          gpucmd.Rect
}

// Cursor 是硬體游標狀態
type Cursor struct {
	ScanoutID  uint32
	X, Y       uint32
	ResourceID uint32 // 0 表示隱藏
	HotX, HotY uint32
}

// state 只由 Device 在持有 mu 時存取
type state struct {
	resources map[uint32]*Resource
	scanouts  []Scanout
	cursor    Cursor
	hostBytes uint64
	maxBytes  uint64
}

func newState(displays []Display, maxBytes uint64) *state {
	s := &state{
		resources: make(map[uint32]*Resource),
		maxBytes:  maxBytes,
	}
	for i, d := range displays {
		if i >= gpucmd.MaxScanouts {
			break
		}
		s.scanouts = append(s.scanouts, Scanout{Width: d.Width, Height: d.Height})
	}
	return s
}

// execute 套用一個命令並回傳回應碼與回應內容
func (s *state) execute(cmd gpucmd.Command) (gpucmd.RespCode, []byte) {
	switch c := cmd.(type) {
	case gpucmd.GetDisplayInfo:
		return gpucmd.RespOKDisplayInfo, gpucmd.EncodeDisplayInfo(s.displayInfo())

	case gpucmd.ResourceCreate2D:
		if c.ResourceID == 0 || s.resources[c.ResourceID] != nil {
			return gpucmd.RespErrInvalidResourceID, nil
		}
		if !validFormats[c.Format] || c.Width == 0 || c.Height == 0 {
			return gpucmd.RespErrInvalidParameter, nil
		}
		res := &Resource{ID: c.ResourceID, Format: c.Format, Width: c.Width, Height: c.Height}
		if s.maxBytes > 0 && s.hostBytes+res.size() > s.maxBytes {
			return gpucmd.RespErrOutOfMemory, nil
		}
		s.hostBytes += res.size()
		s.resources[c.ResourceID] = res

	case gpucmd.ResourceUnref:
		res := s.resources[c.ResourceID]
		if res == nil {
			return gpucmd.RespErrInvalidResourceID, nil
		}
		for i := range s.scanouts {
			if s.scanouts[i].ResourceID == c.ResourceID {
				s.scanouts[i].ResourceID = 0
				s.scanouts[i].Rect = gpucmd.Rect{}
			}
		}
		if s.cursor.ResourceID == c.ResourceID {
			s.cursor.ResourceID = 0
		}
		s.hostBytes -= res.size()
		delete(s.resources, c.ResourceID)

	case gpucmd.SetScanout:
		if int(c.ScanoutID) >= len(s.scanouts) {
			return gpucmd.RespErrInvalidScanoutID, nil
		}
		so := &s.scanouts[c.ScanoutID]
		if c.ResourceID == 0 {
			so.ResourceID = 0
			so.Rect = gpucmd.Rect{}
			break
		}
		res := s.resources[c.ResourceID]
		if res == nil {
			return gpucmd.RespErrInvalidResourceID, nil
		}
		if !res.contains(c.Rect) {
			return gpucmd.RespErrInvalidParameter, nil
		}
		so.ResourceID = c.ResourceID
		so.Rect = c.Rect

	case gpucmd.ResourceFlush:
		res := s.resources[c.ResourceID]
		if res == nil {
			return gpucmd.RespErrInvalidResourceID, nil
		}
		if !res.contains(c.Rect) {
			return gpucmd.RespErrInvalidParameter, nil
		}
		res.Flushes++

	case gpucmd.TransferToHost2D:
		res := s.resources[c.ResourceID]
		if res == nil {
			return gpucmd.RespErrInvalidResourceID, nil
		}
		if res.Backing == nil {
			return gpucmd.RespErrUnspec, nil
		}
		if !res.contains(c.Rect) || c.Offset >= res.size() {
			return gpucmd.RespErrInvalidParameter, nil
		}
		res.Transfers++

	case gpucmd.ResourceAttachBacking:
		res := s.resources[c.ResourceID]
		if res == nil {
			return gpucmd.RespErrInvalidResourceID, nil
		}
		if res.Backing != nil {
			return gpucmd.RespErrUnspec, nil
		}
		if len(c.Entries) == 0 {
			return gpucmd.RespErrInvalidParameter, nil
		}
		res.Backing = append([]gpucmd.MemEntry(nil), c.Entries...)

	case gpucmd.ResourceDetachBacking:
		res := s.resources[c.ResourceID]
		if res == nil {
			return gpucmd.RespErrInvalidResourceID, nil
		}
		if res.Backing == nil {
			return gpucmd.RespErrUnspec, nil
		}
		res.Backing = nil

	case gpucmd.UpdateCursor:
		if int(c.Pos.ScanoutID) >= len(s.scanouts) {
			return gpucmd.RespErrInvalidScanoutID, nil
		}
		if c.ResourceID != 0 {
			res := s.resources[c.ResourceID]
			if res == nil {
				return gpucmd.RespErrInvalidResourceID, nil
			}
			if res.Width != cursorSize || res.Height != cursorSize {
				return gpucmd.RespErrInvalidParameter, nil
			}
		}
		s.cursor = Cursor{
			ScanoutID:  c.Pos.ScanoutID,
			X:          c.Pos.X,
			Y:          c.Pos.Y,
			ResourceID: c.ResourceID,
			HotX:       c.HotX,
			HotY:       c.HotY,
		}

	case gpucmd.MoveCursor:
		if int(c.Pos.ScanoutID) >= len(s.scanouts) {
			return gpucmd.RespErrInvalidScanoutID, nil
		}
		s.cursor.ScanoutID = c.Pos.ScanoutID
		s.cursor.X = c.Pos.X
		s.cursor.Y = c.Pos.Y

	default:
		return gpucmd.RespErrUnspec, nil
	}
	return gpucmd.RespOKNoData, nil
}

func (s *state) displayInfo() []gpucmd.DisplayOne {
	out := make([]gpucmd.DisplayOne, len(s.scanouts))
	for i, so := range s.scanouts {
		out[i] = gpucmd.DisplayOne{
			Rect:    gpucmd.Rect{Width: so.Width, Height: so.Height},
			Enabled: true,
		}
	}
	return out
}
