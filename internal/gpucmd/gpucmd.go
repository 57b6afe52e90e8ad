// Package gpucmd holds the virtio-gpu command model: a closed set of
// command variants and their little-endian wire encoding.
//
// Every command is sent as a 24-byte control header followed by a
// variant-specific body. The driver always sets the fence flag and uses the
// job id as fence id; the device echoes it in the response header, which is
// how completions are matched to jobs.
package gpucmd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is the virtio-gpu command type code. It doubles as the command tag
// accepted by the safety gate.
type Kind uint32

const (
	KindGetDisplayInfo        Kind = 0x0100
	KindResourceCreate2D      Kind = 0x0101
	KindResourceUnref         Kind = 0x0102
	KindSetScanout            Kind = 0x0103
	KindResourceFlush         Kind = 0x0104
	KindTransferToHost2D      Kind = 0x0105
	KindResourceAttachBacking Kind = 0x0106
	KindResourceDetachBacking Kind = 0x0107

	KindUpdateCursor Kind = 0x0300
	KindMoveCursor   Kind = 0x0301
)

// Kinds lists every command kind the driver can encode.
var Kinds = []Kind{
	KindGetDisplayInfo,
	KindResourceCreate2D,
	KindResourceUnref,
	KindSetScanout,
	KindResourceFlush,
	KindTransferToHost2D,
	KindResourceAttachBacking,
	KindResourceDetachBacking,
	KindUpdateCursor,
	KindMoveCursor,
}

func (k Kind) String() string {
	switch k {
	case KindGetDisplayInfo:
		return "GetDisplayInfo"
	case KindResourceCreate2D:
		return "ResourceCreate2D"
	case KindResourceUnref:
		return "ResourceUnref"
	case KindSetScanout:
		return "SetScanout"
	case KindResourceFlush:
		return "ResourceFlush"
	case KindTransferToHost2D:
		return "TransferToHost2D"
	case KindResourceAttachBacking:
		return "ResourceAttachBacking"
	case KindResourceDetachBacking:
		return "ResourceDetachBacking"
	case KindUpdateCursor:
		return "UpdateCursor"
	case KindMoveCursor:
		return "MoveCursor"
	default:
		return fmt.Sprintf("Kind(%#x)", uint32(k))
	}
}

// Header flags.
const FlagFence = 1 << 0

// HeaderSize is the encoded size of the control header.
const HeaderSize = 24

// MaxScanouts bounds the display info response.
const MaxScanouts = 16

// Pixel formats accepted by ResourceCreate2D.
const (
	FormatB8G8R8A8 = 1
	FormatB8G8R8X8 = 2
	FormatA8R8G8B8 = 3
	FormatX8R8G8B8 = 4
	FormatR8G8B8A8 = 67
	FormatX8B8G8R8 = 68
	FormatA8B8G8R8 = 121
	FormatR8G8B8X8 = 134
)

var (
	// ErrShortBuffer is returned when a buffer is smaller than the layout it
	// should hold.
	ErrShortBuffer = errors.New("gpucmd: short buffer")
	// ErrBodySize is returned when a body does not have the exact size its
	// kind requires.
	ErrBodySize = errors.New("gpucmd: body size mismatch")
	// ErrUnknownKind is returned for type codes outside Kinds.
	ErrUnknownKind = errors.New("gpucmd: unknown command kind")
)

// Header is the control header shared by commands and responses.
type Header struct {
	Type    uint32
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	RingIdx uint8
}

// ParseHeader decodes a control header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrShortBuffer, HeaderSize, len(data))
	}
	return Header{
		Type:    binary.LittleEndian.Uint32(data[0:4]),
		Flags:   binary.LittleEndian.Uint32(data[4:8]),
		FenceID: binary.LittleEndian.Uint64(data[8:16]),
		CtxID:   binary.LittleEndian.Uint32(data[16:20]),
		RingIdx: data[20],
	}, nil
}

func (h Header) put(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], h.Type)
	binary.LittleEndian.PutUint32(data[4:8], h.Flags)
	binary.LittleEndian.PutUint64(data[8:16], h.FenceID)
	binary.LittleEndian.PutUint32(data[16:20], h.CtxID)
	data[20] = h.RingIdx
	data[21] = 0
	data[22] = 0
	data[23] = 0
}

// Rect is a rectangle in resource coordinates.
type Rect struct {
	X, Y, Width, Height uint32
}

func parseRect(data []byte) Rect {
	return Rect{
		X:      binary.LittleEndian.Uint32(data[0:4]),
		Y:      binary.LittleEndian.Uint32(data[4:8]),
		Width:  binary.LittleEndian.Uint32(data[8:12]),
		Height: binary.LittleEndian.Uint32(data[12:16]),
	}
}

func (r Rect) put(data []byte) {
	binary.LittleEndian.PutUint32(data[0:4], r.X)
	binary.LittleEndian.PutUint32(data[4:8], r.Y)
	binary.LittleEndian.PutUint32(data[8:12], r.Width)
	binary.LittleEndian.PutUint32(data[12:16], r.Height)
}

// MemEntry describes one guest memory chunk backing a resource.
type MemEntry struct {
	Addr   uint64
	Length uint32
}

const memEntrySize = 16

// CursorPos places the cursor on a scanout.
type CursorPos struct {
	ScanoutID uint32
	X, Y      uint32
}

// Command is one GPU command. The set of implementations is closed.
type Command interface {
	Kind() Kind
	bodySize() int
	putBody(data []byte)
}

type GetDisplayInfo struct{}

type ResourceCreate2D struct {
	ResourceID uint32
	Format     uint32
	Width      uint32
	Height     uint32
}

type ResourceUnref struct {
	ResourceID uint32
}

type SetScanout struct {
	Rect       Rect
	ScanoutID  uint32
	ResourceID uint32
}

type ResourceFlush struct {
	Rect       Rect
	ResourceID uint32
}

type TransferToHost2D struct {
	Rect       Rect
	Offset     uint64
	ResourceID uint32
}

type ResourceAttachBacking struct {
	ResourceID uint32
	Entries    []MemEntry
}

type ResourceDetachBacking struct {
	ResourceID uint32
}

type UpdateCursor struct {
	Pos        CursorPos
	ResourceID uint32
	HotX, HotY uint32
}

type MoveCursor struct {
	Pos CursorPos
}

func (GetDisplayInfo) Kind() Kind        { return KindGetDisplayInfo }
func (ResourceCreate2D) Kind() Kind      { return KindResourceCreate2D }
func (ResourceUnref) Kind() Kind         { return KindResourceUnref }
func (SetScanout) Kind() Kind            { return KindSetScanout }
func (ResourceFlush) Kind() Kind         { return KindResourceFlush }
func (TransferToHost2D) Kind() Kind      { return KindTransferToHost2D }
func (ResourceAttachBacking) Kind() Kind { return KindResourceAttachBacking }
func (ResourceDetachBacking) Kind() Kind { return KindResourceDetachBacking }
func (UpdateCursor) Kind() Kind          { return KindUpdateCursor }
func (MoveCursor) Kind() Kind            { return KindMoveCursor }

func (GetDisplayInfo) bodySize() int          { return 0 }
func (ResourceCreate2D) bodySize() int        { return 16 }
func (ResourceUnref) bodySize() int           { return 8 }
func (SetScanout) bodySize() int              { return 24 }
func (ResourceFlush) bodySize() int           { return 24 }
func (TransferToHost2D) bodySize() int        { return 32 }
func (c ResourceAttachBacking) bodySize() int { return 8 + len(c.Entries)*memEntrySize }
func (ResourceDetachBacking) bodySize() int   { return 8 }
func (UpdateCursor) bodySize() int            { return 32 }
func (MoveCursor) bodySize() int              { return 32 }

func (GetDisplayInfo) putBody([]byte) {}

func (c ResourceCreate2D) putBody(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], c.ResourceID)
	binary.LittleEndian.PutUint32(b[4:8], c.Format)
	binary.LittleEndian.PutUint32(b[8:12], c.Width)
	binary.LittleEndian.PutUint32(b[12:16], c.Height)
}

func (c ResourceUnref) putBody(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], c.ResourceID)
}

func (c SetScanout) putBody(b []byte) {
	c.Rect.put(b[0:16])
	binary.LittleEndian.PutUint32(b[16:20], c.ScanoutID)
	binary.LittleEndian.PutUint32(b[20:24], c.ResourceID)
}

func (c ResourceFlush) putBody(b []byte) {
	c.Rect.put(b[0:16])
	binary.LittleEndian.PutUint32(b[16:20], c.ResourceID)
}

func (c TransferToHost2D) putBody(b []byte) {
	c.Rect.put(b[0:16])
	binary.LittleEndian.PutUint64(b[16:24], c.Offset)
	binary.LittleEndian.PutUint32(b[24:28], c.ResourceID)
}

func (c ResourceAttachBacking) putBody(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], c.ResourceID)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(c.Entries)))
	off := 8
	for _, e := range c.Entries {
		binary.LittleEndian.PutUint64(b[off:off+8], e.Addr)
		binary.LittleEndian.PutUint32(b[off+8:off+12], e.Length)
		off += memEntrySize
	}
}

func (c ResourceDetachBacking) putBody(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], c.ResourceID)
}

func putCursor(b []byte, pos CursorPos, res, hotX, hotY uint32) {
	binary.LittleEndian.PutUint32(b[0:4], pos.ScanoutID)
	binary.LittleEndian.PutUint32(b[4:8], pos.X)
	binary.LittleEndian.PutUint32(b[8:12], pos.Y)
	binary.LittleEndian.PutUint32(b[16:20], res)
	binary.LittleEndian.PutUint32(b[20:24], hotX)
	binary.LittleEndian.PutUint32(b[24:28], hotY)
}

func (c UpdateCursor) putBody(b []byte) { putCursor(b, c.Pos, c.ResourceID, c.HotX, c.HotY) }
func (c MoveCursor) putBody(b []byte)   { putCursor(b, c.Pos, 0, 0, 0) }

// Encode serializes cmd with a fenced header carrying fence.
func Encode(cmd Command, fence uint64) []byte {
	buf := make([]byte, HeaderSize+cmd.bodySize())
	Header{
		Type:    uint32(cmd.Kind()),
		Flags:   FlagFence,
		FenceID: fence,
	}.put(buf)
	cmd.putBody(buf[HeaderSize:])
	return buf
}

// Decode parses an encoded command back into its header and variant.
func Decode(data []byte) (Header, Command, error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return Header{}, nil, err
	}
	cmd, err := DecodeBody(Kind(hdr.Type), data[HeaderSize:])
	if err != nil {
		return hdr, nil, err
	}
	return hdr, cmd, nil
}

// DecodeBody parses a body without header for the given kind. The body must
// have exactly the size the kind requires.
func DecodeBody(kind Kind, b []byte) (Command, error) {
	need := func(n int) error {
		if len(b) != n {
			return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrBodySize, kind, n, len(b))
		}
		return nil
	}
	le := binary.LittleEndian

	switch kind {
	case KindGetDisplayInfo:
		if err := need(0); err != nil {
			return nil, err
		}
		return GetDisplayInfo{}, nil
	case KindResourceCreate2D:
		if err := need(16); err != nil {
			return nil, err
		}
		return ResourceCreate2D{
			ResourceID: le.Uint32(b[0:4]),
			Format:     le.Uint32(b[4:8]),
			Width:      le.Uint32(b[8:12]),
			Height:     le.Uint32(b[12:16]),
		}, nil
	case KindResourceUnref:
		if err := need(8); err != nil {
			return nil, err
		}
		return ResourceUnref{ResourceID: le.Uint32(b[0:4])}, nil
	case KindSetScanout:
		if err := need(24); err != nil {
			return nil, err
		}
		return SetScanout{
			Rect:       parseRect(b[0:16]),
			ScanoutID:  le.Uint32(b[16:20]),
			ResourceID: le.Uint32(b[20:24]),
		}, nil
	case KindResourceFlush:
		if err := need(24); err != nil {
			return nil, err
		}
		return ResourceFlush{
			Rect:       parseRect(b[0:16]),
			ResourceID: le.Uint32(b[16:20]),
		}, nil
	case KindTransferToHost2D:
		if err := need(32); err != nil {
			return nil, err
		}
		return TransferToHost2D{
			Rect:       parseRect(b[0:16]),
			Offset:     le.Uint64(b[16:24]),
			ResourceID: le.Uint32(b[24:28]),
		}, nil
	case KindResourceAttachBacking:
		if len(b) < 8 {
			return nil, fmt.Errorf("%w: %s needs at least 8 bytes, got %d", ErrBodySize, kind, len(b))
		}
		n := int(le.Uint32(b[4:8]))
		if err := need(8 + n*memEntrySize); err != nil {
			return nil, err
		}
		cmd := ResourceAttachBacking{
			ResourceID: le.Uint32(b[0:4]),
			Entries:    make([]MemEntry, n),
		}
		for i := range cmd.Entries {
			off := 8 + i*memEntrySize
			cmd.Entries[i] = MemEntry{
				Addr:   le.Uint64(b[off : off+8]),
				Length: le.Uint32(b[off+8 : off+12]),
			}
		}
		return cmd, nil
	case KindResourceDetachBacking:
		if err := need(8); err != nil {
			return nil, err
		}
		return ResourceDetachBacking{ResourceID: le.Uint32(b[0:4])}, nil
	case KindUpdateCursor, KindMoveCursor:
		if err := need(32); err != nil {
			return nil, err
		}
		pos := CursorPos{
			ScanoutID: le.Uint32(b[0:4]),
			X:         le.Uint32(b[4:8]),
			Y:         le.Uint32(b[8:12]),
		}
		if kind == KindMoveCursor {
			return MoveCursor{Pos: pos}, nil
		}
		return UpdateCursor{
			Pos:        pos,
			ResourceID: le.Uint32(b[16:20]),
			HotX:       le.Uint32(b[20:24]),
			HotY:       le.Uint32(b[24:28]),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %#x", ErrUnknownKind, uint32(kind))
	}
}

// EncodeBody returns only the body bytes of cmd, the layout the safety gate
// accepts from callers.
func EncodeBody(cmd Command) []byte {
	buf := make([]byte, cmd.bodySize())
	cmd.putBody(buf)
	return buf
}
