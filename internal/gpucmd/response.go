package gpucmd

import (
	"encoding/binary"
	"fmt"
)

// RespCode is the type field of a device response header.
type RespCode uint32

const (
	RespOKNoData      RespCode = 0x1100
	RespOKDisplayInfo RespCode = 0x1101

	RespErrUnspec            RespCode = 0x1200
	RespErrOutOfMemory       RespCode = 0x1201
	RespErrInvalidScanoutID  RespCode = 0x1202
	RespErrInvalidResourceID RespCode = 0x1203
	RespErrInvalidContextID  RespCode = 0x1204
	RespErrInvalidParameter  RespCode = 0x1205
)

// OK reports whether the code is in the RESP_OK range.
func (c RespCode) OK() bool {
	return c >= 0x1100 && c < 0x1200
}

func (c RespCode) String() string {
	switch c {
	case RespOKNoData:
		return "ok"
	case RespOKDisplayInfo:
		return "ok display info"
	case RespErrUnspec:
		return "unspecified error"
	case RespErrOutOfMemory:
		return "out of memory"
	case RespErrInvalidScanoutID:
		return "invalid scanout id"
	case RespErrInvalidResourceID:
		return "invalid resource id"
	case RespErrInvalidContextID:
		return "invalid context id"
	case RespErrInvalidParameter:
		return "invalid parameter"
	default:
		return fmt.Sprintf("response %#x", uint32(c))
	}
}

// Response is a decoded device response.
type Response struct {
	Header Header
	Code   RespCode
	Body   []byte
}

// ParseResponse decodes the header of a device response. The body is kept
// as is; use ParseDisplayInfo for RespOKDisplayInfo.
func ParseResponse(data []byte) (Response, error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Header: hdr,
		Code:   RespCode(hdr.Type),
		Body:   data[HeaderSize:],
	}, nil
}

// EncodeResponse builds a response echoing the fence of the request header.
func EncodeResponse(req Header, code RespCode, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	Header{
		Type:    uint32(code),
		Flags:   req.Flags & FlagFence,
		FenceID: req.FenceID,
		CtxID:   req.CtxID,
		RingIdx: req.RingIdx,
	}.put(buf)
	copy(buf[HeaderSize:], body)
	return buf
}

// DisplayOne describes one scanout in a display info response.
type DisplayOne struct {
	Rect    Rect   `json:"rect"`
	Enabled bool   `json:"enabled"`
	Flags   uint32 `json:"flags"`
}

const displayOneSize = 24

// DisplayInfoSize is the body size of RespOKDisplayInfo.
const DisplayInfoSize = MaxScanouts * displayOneSize

// EncodeDisplayInfo lays out up to MaxScanouts entries; missing ones are
// zero (disabled).
func EncodeDisplayInfo(displays []DisplayOne) []byte {
	buf := make([]byte, DisplayInfoSize)
	for i, d := range displays {
		if i >= MaxScanouts {
			break
		}
		off := i * displayOneSize
		d.Rect.put(buf[off : off+16])
		if d.Enabled {
			binary.LittleEndian.PutUint32(buf[off+16:off+20], 1)
		}
		binary.LittleEndian.PutUint32(buf[off+20:off+24], d.Flags)
	}
	return buf
}

// ParseDisplayInfo returns the scanouts of a display info body. Index i in
// the result is scanout i; disabled scanouts are included.
func ParseDisplayInfo(body []byte) ([]DisplayOne, error) {
	if len(body) < DisplayInfoSize {
		return nil, fmt.Errorf("%w: display info needs %d bytes, got %d", ErrShortBuffer, DisplayInfoSize, len(body))
	}
	out := make([]DisplayOne, MaxScanouts)
	for i := range out {
		off := i * displayOneSize
		out[i] = DisplayOne{
			Rect:    parseRect(body[off : off+16]),
			Enabled: binary.LittleEndian.Uint32(body[off+16:off+20]) != 0,
			Flags:   binary.LittleEndian.Uint32(body[off+20 : off+24]),
		}
	}
	return out, nil
}
