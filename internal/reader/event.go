package reader

import (
	"fmt"
	"strings"

	"example.com/ctftrace/internal/ctf"
	"example.com/ctftrace/internal/index"
)

// LostEventsName names the synthetic event reported before the first event
// of a packet whose producer discarded events.
const LostEventsName = "lost_events"

// Event is one decoded event. Its definitions belong to the caller once
// returned; the reader does not reuse them.
type Event struct {
	Name      string
	ID        uint64
	Timestamp int64
	// Decl is nil for the synthetic lost-events event.
	Decl   *ctf.Event
	Stream *ctf.Stream
	Input  string
	Packet index.PacketDescriptor
	// Lost is the number of events discarded before this packet, set on
	// lost-events events only.
	Lost uint64

	Header        *ctf.StructDef
	StreamContext *ctf.StructDef
	Context       *ctf.StructDef
	Fields        *ctf.StructDef

	scope *ctf.DynamicScope
}

func (e *Event) IsLostEvents() bool { return e.Decl == nil }

// Lookup resolves an absolute path such as "event.fields.msg" or
// "stream.packet.context.cpu_id", or a bare field name of the payload.
func (e *Event) Lookup(path string) (ctf.Definition, bool) {
	if e.scope == nil {
		return nil, false
	}
	if d, ok := e.scope.Lookup(path); ok {
		return d, true
	}
	if e.Fields != nil && !strings.Contains(path, ".") {
		return e.Fields.Field(path)
	}
	return nil, false
}

func (e *Event) String() string {
	if e.IsLostEvents() {
		return fmt.Sprintf("[%d] %s: { count = %d }", e.Timestamp, e.Name, e.Lost)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s:", e.Timestamp, e.Name)
	if e.StreamContext != nil {
		fmt.Fprintf(&b, " stream.event.context = %s,", e.StreamContext)
	}
	if e.Context != nil {
		fmt.Fprintf(&b, " event.context = %s,", e.Context)
	}
	if e.Fields != nil {
		fmt.Fprintf(&b, " %s", e.Fields)
	} else {
		b.WriteString(" { }")
	}
	return b.String()
}

// headerValues extracts the event id and raw timestamp from a decoded event
// header, looking first at top-level id and timestamp fields and then at
// the selected arm of a "v" variant, which wins.
func headerValues(h *ctf.StructDef) (hv headerVals) {
	if h == nil {
		return hv
	}
	hv.take(h)
	if v, ok := h.Field("v"); ok {
		if vd, ok := v.(*ctf.VariantDef); ok {
			if inner, ok := vd.Value.(*ctf.StructDef); ok {
				hv.take(inner)
			}
		}
	}
	return hv
}

type headerVals struct {
	id     uint64
	hasID  bool
	ts     uint64
	tsBits uint
	hasTS  bool
}

func (hv *headerVals) take(s *ctf.StructDef) {
	if f, ok := s.Field("id"); ok {
		if id, ok := ctf.Unsigned(f); ok {
			hv.id, hv.hasID = id, true
		}
	}
	if f, ok := s.Field("timestamp"); ok {
		if in, ok := f.(*ctf.IntegerDef); ok {
			hv.ts, hv.tsBits, hv.hasTS = in.Value, in.Decl.Size, true
		}
	}
}

// extendTimestamp rebuilds a full timestamp from its low bits and the last
// full value of the stream, allowing a single wrap of the low bits.
func extendTimestamp(last, raw uint64, bits uint) uint64 {
	if bits >= 64 {
		return raw
	}
	mask := uint64(1)<<bits - 1
	v := last&^mask | raw&mask
	if raw&mask < last&mask {
		v += mask + 1
	}
	return v
}
