// Package index describes the packets of a CTF stream file and keeps them in
// an offset-ordered, timestamp-searchable index.
package index

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"example.com/ctftrace/internal/ctf"
)

var (
	// ErrInvalidArgument marks a caller contract violation, such as a
	// negative search timestamp.
	ErrInvalidArgument = errors.New("index: invalid argument")
	// ErrInvalidPacket marks a packet context whose values cannot describe
	// a packet.
	ErrInvalidPacket = errors.New("index: invalid packet context")
)

// Packet-context field names the descriptor recognizes.
const (
	FieldTimestampBegin  = "timestamp_begin"
	FieldTimestampEnd    = "timestamp_end"
	FieldContentSize     = "content_size"
	FieldPacketSize      = "packet_size"
	FieldEventsDiscarded = "events_discarded"
	FieldDevice          = "device"
	FieldCPUID           = "cpu_id"
)

// PacketDescriptor locates one packet of a stream file. Offsets and sizes
// are in bits from the start of the file.
type PacketDescriptor struct {
	Offset          int64  `cbor:"1,keyasint"`
	TimestampBegin  int64  `cbor:"2,keyasint"`
	TimestampEnd    int64  `cbor:"3,keyasint"`
	Target          string `cbor:"4,keyasint,omitempty"`
	TargetID        int64  `cbor:"5,keyasint"`
	PacketSizeBits  int64  `cbor:"6,keyasint"`
	ContentSizeBits int64  `cbor:"7,keyasint"`
	LostEvents      uint64 `cbor:"8,keyasint"`
	// Discarded is the stream's cumulative events_discarded counter after
	// this packet; the next packet's LostEvents is computed against it.
	Discarded uint64 `cbor:"9,keyasint"`
}

// NewPacketDescriptor summarizes the packet at offsetBits from its decoded
// context. ctx may be nil for streams without a packet context. totalBytes
// is the byte count available from the packet start; it sizes packets whose
// context carries no size. prevDiscarded is the events_discarded counter of
// the previous packet of the same stream.
func NewPacketDescriptor(offsetBits int64, ctx *ctf.StructDef, totalBytes int64, prevDiscarded uint64) (PacketDescriptor, error) {
	d := PacketDescriptor{
		Offset:         offsetBits,
		TimestampBegin: math.MinInt64,
		TimestampEnd:   math.MaxInt64,
		TargetID:       -1,
		Discarded:      prevDiscarded,
	}

	// Both bounds or neither.
	begin, okBegin := timestampField(ctx, FieldTimestampBegin)
	end, okEnd := timestampField(ctx, FieldTimestampEnd)
	if okBegin && okEnd {
		if begin > end {
			return PacketDescriptor{}, fmt.Errorf("%w: packet at bit %d begins at %d after it ends at %d",
				ErrInvalidPacket, offsetBits, begin, end)
		}
		d.TimestampBegin, d.TimestampEnd = begin, end
	}

	total := totalBytes * 8
	content, okContent := unsignedField(ctx, FieldContentSize)
	packet, okPacket := unsignedField(ctx, FieldPacketSize)
	switch {
	case okPacket:
		d.PacketSizeBits = int64(packet)
	case okContent:
		d.PacketSizeBits = int64(content)
	default:
		d.PacketSizeBits = total
	}
	switch {
	case okContent:
		d.ContentSizeBits = int64(content)
	case okPacket:
		d.ContentSizeBits = int64(packet)
	default:
		d.ContentSizeBits = total
	}
	if d.PacketSizeBits < 0 || d.ContentSizeBits < 0 || d.ContentSizeBits > d.PacketSizeBits {
		return PacketDescriptor{}, fmt.Errorf("%w: packet at bit %d has content size %d and packet size %d",
			ErrInvalidPacket, offsetBits, d.ContentSizeBits, d.PacketSizeBits)
	}

	d.Target, d.TargetID = target(ctx)

	if discarded, ok := unsignedField(ctx, FieldEventsDiscarded); ok {
		if discarded >= prevDiscarded {
			d.LostEvents = discarded - prevDiscarded
		} else {
			// Counter restarted, e.g. a new tracing session in the same file.
			d.LostEvents = discarded
		}
		d.Discarded = discarded
	}
	return d, nil
}

// Includes reports whether ts falls within the packet's time range.
func (d PacketDescriptor) Includes(ts int64) bool {
	return d.TimestampBegin <= ts && ts <= d.TimestampEnd
}

// HasTimestamps reports whether the packet context carried its time range.
func (d PacketDescriptor) HasTimestamps() bool {
	return d.TimestampBegin != math.MinInt64 || d.TimestampEnd != math.MaxInt64
}

func (d PacketDescriptor) HasTarget() bool { return d.Target != "" }

// NextOffset is the bit offset right after the packet.
func (d PacketDescriptor) NextOffset() int64 { return d.Offset + d.PacketSizeBits }

func (d PacketDescriptor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "packet@%d size=%d content=%d", d.Offset/8, d.PacketSizeBits/8, d.ContentSizeBits/8)
	if d.HasTimestamps() {
		fmt.Fprintf(&b, " ts=[%d,%d]", d.TimestampBegin, d.TimestampEnd)
	}
	if d.HasTarget() {
		fmt.Fprintf(&b, " target=%s", d.Target)
	}
	if d.LostEvents > 0 {
		fmt.Fprintf(&b, " lost=%d", d.LostEvents)
	}
	return b.String()
}

func field(ctx *ctf.StructDef, name string) (ctf.Definition, bool) {
	if ctx == nil {
		return nil, false
	}
	return ctx.Field(name)
}

func unsignedField(ctx *ctf.StructDef, name string) (uint64, bool) {
	f, ok := field(ctx, name)
	if !ok {
		return 0, false
	}
	return ctf.Unsigned(f)
}

func timestampField(ctx *ctf.StructDef, name string) (int64, bool) {
	f, ok := field(ctx, name)
	if !ok {
		return 0, false
	}
	if in, ok := f.(*ctf.IntegerDef); ok && !in.Decl.Signed {
		if in.Value > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(in.Value), true
	}
	return ctf.Signed(f)
}

// target reads the packet's producer identity: a device name, whose
// trailing digits give the numeric id, or else a CPU number.
func target(ctx *ctf.StructDef) (string, int64) {
	if f, ok := field(ctx, FieldDevice); ok {
		if name, ok := ctf.Text(f); ok && name != "" {
			return name, trailingNumber(name)
		}
	}
	if cpu, ok := unsignedField(ctx, FieldCPUID); ok {
		return "CPU" + strconv.FormatUint(cpu, 10), int64(cpu)
	}
	return "", -1
}

func trailingNumber(s string) int64 {
	i := len(s)
	for i > 0 && unicode.IsDigit(rune(s[i-1])) {
		i--
	}
	if i == len(s) {
		return -1
	}
	n, err := strconv.ParseInt(s[i:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}
