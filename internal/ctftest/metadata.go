// Package ctftest builds small but complete CTF traces: the metadata tree
// and stream files encoded against it. It backs tests and sample output.
package ctftest

import (
	"strconv"

	"github.com/google/uuid"

	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/tsdl"
)

// Event ids of the generated schema. Ids above 30 force the extended
// compact header.
const (
	EventSchedSwitch = 0
	EventMessage     = 1
	EventSamples     = 40

	ClockName = "monotonic"
)

var DefaultUUID = uuid.MustParse("2a6422d0-6cee-11e0-8c08-cb07d7b3a564")

type HeaderLayout int

const (
	LayoutCompact HeaderLayout = iota
	LayoutLarge
)

type Options struct {
	Order  bitbuf.ByteOrder
	UUID   uuid.UUID
	Layout HeaderLayout
	// ExplicitOrder puts byte_order on every integer alias. Without it the
	// aliases precede the trace byte_order and get rebound by the builder.
	ExplicitOrder bool
}

func (o Options) withDefaults() Options {
	if !o.Order.Valid() {
		o.Order = bitbuf.LittleEndian
	}
	if o.UUID == uuid.Nil {
		o.UUID = DefaultUUID
	}
	return o
}

func (o Options) idBits() uint {
	if o.Layout == LayoutLarge {
		return 16
	}
	return 5
}

func (o Options) compactTSBits() uint {
	if o.Layout == LayoutLarge {
		return 32
	}
	return 27
}

// Uint declares an unsigned integer type of the given size and alignment.
func Uint(size, align uint, extra ...*tsdl.Node) *tsdl.Node {
	attrs := []*tsdl.Node{
		tsdl.Assign("size", strconv.FormatUint(uint64(size), 10)),
		tsdl.Assign("align", strconv.FormatUint(uint64(align), 10)),
		tsdl.Assign("signed", "false"),
	}
	return tsdl.Integer(append(attrs, extra...)...)
}

func Int(size, align uint, extra ...*tsdl.Node) *tsdl.Node {
	attrs := []*tsdl.Node{
		tsdl.Assign("size", strconv.FormatUint(uint64(size), 10)),
		tsdl.Assign("align", strconv.FormatUint(uint64(align), 10)),
		tsdl.Assign("signed", "true"),
	}
	return tsdl.Integer(append(attrs, extra...)...)
}

// Aliases declares the integer types the rest of the metadata refers to.
func Aliases(opts Options) []*tsdl.Node {
	o := opts.withDefaults()
	var order []*tsdl.Node
	if o.ExplicitOrder {
		order = append(order, tsdl.Assign("byte_order", orderName(o.Order)))
	}
	with := func(extra ...*tsdl.Node) []*tsdl.Node {
		return append(append([]*tsdl.Node{}, order...), extra...)
	}
	return []*tsdl.Node{
		tsdl.Typealias(Uint(5, 1, with()...), "uint5_t"),
		tsdl.Typealias(Uint(8, 8, with()...), "uint8_t"),
		tsdl.Typealias(Uint(16, 8, with()...), "uint16_t"),
		tsdl.Typealias(Uint(32, 8, with()...), "uint32_t"),
		tsdl.Typealias(Uint(64, 8, with()...), "uint64_t"),
		tsdl.Typealias(Int(32, 8, with()...), "int32_t"),
		tsdl.Typealias(Uint(8, 8, with(tsdl.Assign("encoding", "UTF8"))...), "char"),
	}
}

func clockAliases(o Options) []*tsdl.Node {
	mapped := tsdl.Assign("map", "clock."+ClockName+".value")
	return []*tsdl.Node{
		tsdl.Typealias(Uint(o.compactTSBits(), 1, mapped), "uint_compact_clock_t"),
		tsdl.Typealias(Uint(64, 8, mapped), "uint64_clock_t"),
	}
}

func orderName(o bitbuf.ByteOrder) string {
	if o == bitbuf.BigEndian {
		return "be"
	}
	return "le"
}

// Metadata returns the schema every stream written by this package follows.
func Metadata(opts Options) *tsdl.Document {
	o := opts.withDefaults()
	nodes := Aliases(o)
	nodes = append(nodes, tsdl.Block(tsdl.KindTrace,
		tsdl.Assign("major", "1"),
		tsdl.Assign("minor", "8"),
		tsdl.Assign("uuid", strconv.Quote(o.UUID.String())),
		tsdl.Assign("byte_order", orderName(o.Order)),
		tsdl.TypeAssign("packet.header", tsdl.Struct("",
			tsdl.Field(tsdl.TypeRef("uint32_t"), "magic"),
			tsdl.ArrayField(tsdl.TypeRef("uint8_t"), "uuid", "16"),
			tsdl.Field(tsdl.TypeRef("uint32_t"), "stream_id"),
		)),
	))
	nodes = append(nodes,
		tsdl.Block(tsdl.KindEnv,
			tsdl.Assign("hostname", `"ctftest"`),
			tsdl.Assign("domain", `"ust"`),
			tsdl.Assign("tracer_major", "2"),
		),
		tsdl.Block(tsdl.KindClock,
			tsdl.Assign("name", ClockName),
			tsdl.Assign("uuid", strconv.Quote(o.UUID.String())),
			tsdl.Assign("description", `"Monotonic Clock"`),
			tsdl.Assign("freq", "1000000000"),
			tsdl.Assign("offset", "1351530929945824323"),
			tsdl.Assign("absolute", "TRUE"),
		),
	)
	nodes = append(nodes, clockAliases(o)...)
	nodes = append(nodes,
		tsdl.Block(tsdl.KindStream,
			tsdl.Assign("id", "0"),
			tsdl.TypeAssign("event.header", EventHeader(o)),
			tsdl.TypeAssign("packet.context", tsdl.Struct("",
				tsdl.Field(tsdl.TypeRef("uint64_clock_t"), "timestamp_begin"),
				tsdl.Field(tsdl.TypeRef("uint64_clock_t"), "timestamp_end"),
				tsdl.Field(tsdl.TypeRef("uint64_t"), "content_size"),
				tsdl.Field(tsdl.TypeRef("uint64_t"), "packet_size"),
				tsdl.Field(tsdl.TypeRef("uint64_t"), "events_discarded"),
				tsdl.Field(tsdl.TypeRef("uint32_t"), "cpu_id"),
			)),
		),
		tsdl.Block(tsdl.KindEvent,
			tsdl.Assign("name", `"sched_switch"`),
			tsdl.Assign("id", strconv.Itoa(EventSchedSwitch)),
			tsdl.Assign("stream_id", "0"),
			tsdl.Assign("loglevel", "13"),
			tsdl.TypeAssign("fields", tsdl.Struct("",
				tsdl.ArrayField(tsdl.TypeRef("char"), "prev_comm", "16"),
				tsdl.Field(tsdl.TypeRef("int32_t"), "prev_tid"),
				tsdl.Field(tsdl.TypeRef("uint32_t"), "next_tid"),
			)),
		),
		tsdl.Block(tsdl.KindEvent,
			tsdl.Assign("name", `"message"`),
			tsdl.Assign("id", strconv.Itoa(EventMessage)),
			tsdl.Assign("stream_id", "0"),
			tsdl.Assign("model.emf.uri", `"http://example.com/message"`),
			tsdl.TypeAssign("fields", tsdl.Struct("",
				tsdl.Field(tsdl.String(), "msg"),
			)),
		),
		tsdl.Block(tsdl.KindEvent,
			tsdl.Assign("name", `"samples"`),
			tsdl.Assign("id", strconv.Itoa(EventSamples)),
			tsdl.Assign("stream_id", "0"),
			tsdl.TypeAssign("fields", tsdl.Struct("",
				tsdl.Field(tsdl.TypeRef("uint8_t"), "n"),
				tsdl.ArrayField(tsdl.TypeRef("int32_t"), "values", "n"),
			)),
		),
		tsdl.Block(tsdl.KindCallsite,
			tsdl.Assign("name", `"message"`),
			tsdl.Assign("func", `"log_message"`),
			tsdl.Assign("file", `"message.c"`),
			tsdl.Assign("line", "42"),
			tsdl.Assign("ip", "0x4005d0"),
		),
	)
	return &tsdl.Document{Nodes: nodes}
}

// EventHeader is the compact or large standard event header.
func EventHeader(opts Options) *tsdl.Node {
	o := opts.withDefaults()
	idType := "uint5_t"
	maxCompact := int64(30)
	if o.Layout == LayoutLarge {
		idType = "uint16_t"
		maxCompact = 65534
	}
	h := tsdl.Struct("",
		tsdl.Field(tsdl.Enum("", tsdl.TypeRef(idType),
			tsdl.LabelRange("compact", 0, maxCompact),
			tsdl.LabelValue("extended", maxCompact+1),
		), "id"),
		tsdl.Field(tsdl.Variant("", "id",
			tsdl.Field(tsdl.Struct("",
				tsdl.Field(tsdl.TypeRef("uint_compact_clock_t"), "timestamp"),
			), "compact"),
			tsdl.Field(tsdl.Struct("",
				tsdl.Field(tsdl.TypeRef("uint32_t"), "id"),
				tsdl.Field(tsdl.TypeRef("uint64_clock_t"), "timestamp"),
			), "extended"),
		), "v"),
	)
	h.Align = 8
	return h
}
