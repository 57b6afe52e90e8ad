package gate

import (
	"sort"

	"github.com/ChuLiYu/virtgpu/internal/gpucmd"
	"github.com/ChuLiYu/virtgpu/pkg/types"
)

// Class groups commands by the queue that serves them.
type Class int

const (
	ClassControl Class = iota
	ClassCursor
	ClassDisplay
)

// Queue returns the queue serving the class.
func (c Class) Queue() types.QueueIndex {
	switch c {
	case ClassCursor:
		return types.QueueCursor
	case ClassDisplay:
		return types.QueueDisplay
	default:
		return types.QueueControl
	}
}

func (c Class) String() string {
	return c.Queue().String()
}

// Entry describes how the gate treats one command tag.
type Entry struct {
	Kind gpucmd.Kind
	// Allowed is false for commands only trusted code may issue.
	Allowed bool
	Class   Class
}

// table has an entry for every kind in gpucmd.Kinds. Payload shape comes
// from gpucmd.DecodeBody.
var table = map[gpucmd.Kind]Entry{
	gpucmd.KindGetDisplayInfo:        {Kind: gpucmd.KindGetDisplayInfo, Allowed: true, Class: ClassControl},
	gpucmd.KindResourceCreate2D:      {Kind: gpucmd.KindResourceCreate2D, Allowed: true, Class: ClassDisplay},
	gpucmd.KindResourceUnref:         {Kind: gpucmd.KindResourceUnref, Allowed: false, Class: ClassDisplay},
	gpucmd.KindSetScanout:            {Kind: gpucmd.KindSetScanout, Allowed: true, Class: ClassDisplay},
	gpucmd.KindResourceFlush:         {Kind: gpucmd.KindResourceFlush, Allowed: true, Class: ClassDisplay},
	gpucmd.KindTransferToHost2D:      {Kind: gpucmd.KindTransferToHost2D, Allowed: true, Class: ClassDisplay},
	gpucmd.KindResourceAttachBacking: {Kind: gpucmd.KindResourceAttachBacking, Allowed: true, Class: ClassDisplay},
	gpucmd.KindResourceDetachBacking: {Kind: gpucmd.KindResourceDetachBacking, Allowed: false, Class: ClassDisplay},
	gpucmd.KindUpdateCursor:          {Kind: gpucmd.KindUpdateCursor, Allowed: true, Class: ClassCursor},
	gpucmd.KindMoveCursor:            {Kind: gpucmd.KindMoveCursor, Allowed: true, Class: ClassCursor},
}

// Lookup returns the entry for a raw tag.
func Lookup(tag uint32) (Entry, bool) {
	e, ok := table[gpucmd.Kind(tag)]
	return e, ok
}

// Table returns every entry ordered by kind.
func Table() []Entry {
	out := make([]Entry, 0, len(table))
	for _, e := range table {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
