package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/common"
	"example.com/ctftrace/internal/ctf"
	"example.com/ctftrace/internal/index"
)

// StreamInput reads the events of one stream file in file order. It keeps
// the decoded current event, advances packet by packet through its index,
// and stops at the first error.
type StreamInput struct {
	name    string
	path    string
	trace   *ctf.Trace
	src     Source
	index   *index.PacketIndex
	metrics *common.Metrics

	packetPos int
	packet    *packetStart
	desc      index.PacketDescriptor
	cur       *bitbuf.Cursor
	lostDue   bool
	lastTS    uint64

	current *Event
	pending *Event
	err     error
	done    bool
}

// NewStreamInput reads src as a stream of tr. name identifies the input in
// events and errors.
func NewStreamInput(tr *ctf.Trace, name string, src Source) *StreamInput {
	return &StreamInput{name: name, trace: tr, src: src, packetPos: -1}
}

// OpenStreamInput opens the stream file at path.
func OpenStreamInput(tr *ctf.Trace, path string) (*StreamInput, error) {
	src, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	in := NewStreamInput(tr, filepath.Base(path), src)
	in.path = path
	return in, nil
}

func (in *StreamInput) Name() string { return in.name }

// Path is the stream file path, empty for inputs not read from a file.
func (in *StreamInput) Path() string { return in.path }

func (in *StreamInput) Size() int64 { return in.src.Size() }

func (in *StreamInput) SetMetrics(m *common.Metrics) { in.metrics = m }

// Index returns the packet index, nil before BuildIndex or SetIndex.
func (in *StreamInput) Index() *index.PacketIndex { return in.index }

// SetIndex installs a previously built index, such as one loaded from a
// cache.
func (in *StreamInput) SetIndex(x *index.PacketIndex) { in.index = x }

// BuildIndex scans every packet header and context of the file.
func (in *StreamInput) BuildIndex(ctx context.Context) (*index.PacketIndex, error) {
	x := &index.PacketIndex{}
	var (
		off       int64
		discarded uint64
	)
	for off < in.src.Size() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, d, err := scanPacket(in.trace, in.src, off, discarded)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", in.name, err)
		}
		if !x.Append(d) {
			return nil, fmt.Errorf("%s: %w: packet at byte %d out of order", in.name, ErrCorruptPacket, off)
		}
		if d.LostEvents > 0 {
			common.Debugf("reader: %s: %d events lost before packet at byte %d", in.name, d.LostEvents, off)
		}
		discarded = d.Discarded
		off = d.NextOffset() / 8
	}
	in.index = x
	common.Debugf("reader: %s: indexed %d packets", in.name, x.Len())
	return x, nil
}

// Advance decodes the next event. It returns false at the end of the input
// and after an error; Err tells the two apart.
func (in *StreamInput) Advance() bool {
	if in.done || in.err != nil {
		return false
	}
	ev, err := in.next()
	if err != nil {
		in.current = nil
		if errors.Is(err, io.EOF) {
			in.done = true
			return false
		}
		in.err = fmt.Errorf("%s: %w", in.name, err)
		return false
	}
	in.current = ev
	return true
}

// Current is the event decoded by the last successful Advance.
func (in *StreamInput) Current() *Event { return in.current }

func (in *StreamInput) Err() error { return in.err }

// SeekTime positions the input on the first event at or after ts in the packet
// that the index selects for ts. The next Advance returns that event.
func (in *StreamInput) SeekTime(ts int64) error {
	if in.index == nil {
		if _, err := in.BuildIndex(context.Background()); err != nil {
			in.err = err
			return err
		}
	}
	pos, err := in.index.Search(ts)
	if err != nil {
		return err
	}
	in.err, in.done = nil, false
	in.current, in.pending = nil, nil
	in.packet, in.cur, in.lostDue = nil, nil, false
	in.packetPos = pos.Index() - 1
	if !pos.HasNext() {
		in.done = true
		return nil
	}
	if err := in.loadPacket(pos.Index()); err != nil {
		in.err = fmt.Errorf("%s: %w", in.name, err)
		return in.err
	}
	// Decode ahead until the first event at or after ts, then keep it for
	// the next Advance.
	for in.Advance() {
		if in.current.Timestamp >= ts {
			in.pending = in.current
			in.current = nil
			return nil
		}
	}
	return in.err
}

func (in *StreamInput) next() (*Event, error) {
	if in.pending != nil {
		ev := in.pending
		in.pending = nil
		return ev, nil
	}
	for {
		if in.cur == nil {
			if in.index == nil {
				if _, err := in.BuildIndex(context.Background()); err != nil {
					return nil, err
				}
			}
			if in.packetPos+1 >= in.index.Len() {
				return nil, io.EOF
			}
			if err := in.loadPacket(in.packetPos + 1); err != nil {
				return nil, err
			}
		}
		if in.lostDue {
			in.lostDue = false
			return in.lostEvent(), nil
		}
		if in.cur.Remaining() > 0 {
			start := in.cur.Position()
			ev, err := in.decodeEvent()
			if err != nil {
				return nil, fmt.Errorf("packet at byte %d, bit %d: %w", in.desc.Offset/8, start, err)
			}
			if in.cur.Position() == start {
				return nil, fmt.Errorf("%w: packet at byte %d: empty event at bit %d", ErrCorruptPacket, in.desc.Offset/8, start)
			}
			in.metrics.AddEvent()
			return ev, nil
		}
		in.cur = nil
	}
}

func (in *StreamInput) loadPacket(i int) error {
	d, ok := in.index.Element(i)
	if !ok {
		return fmt.Errorf("%w: no packet %d", index.ErrInvalidArgument, i)
	}
	off := d.Offset / 8
	buf, err := sliceExact(in.src, off, int(d.PacketSizeBits/8))
	if err != nil {
		return wrapCorrupt(off, err)
	}
	cur := bitbuf.NewCursor(buf)
	if err := cur.SetLimit(d.ContentSizeBits); err != nil {
		return wrapCorrupt(off, err)
	}
	p, err := decodePacketStart(in.trace, cur)
	if err != nil {
		return wrapCorrupt(off, err)
	}
	in.packetPos, in.packet, in.desc, in.cur = i, p, d, cur
	if d.HasTimestamps() {
		in.lastTS = uint64(d.TimestampBegin)
	}
	in.lostDue = d.LostEvents > 0
	in.metrics.AddPacket(d.PacketSizeBits/8, d.LostEvents)
	return nil
}

func (in *StreamInput) lostEvent() *Event {
	ts := in.desc.TimestampBegin
	if !in.desc.HasTimestamps() {
		ts = clampTS(in.lastTS)
	}
	return &Event{
		Name:      LostEventsName,
		Timestamp: ts,
		Stream:    in.packet.stream,
		Input:     in.name,
		Packet:    in.desc,
		Lost:      in.desc.LostEvents,
		scope:     in.packet.scope(),
	}
}

func (in *StreamInput) decodeEvent() (*Event, error) {
	p := in.packet
	scope := p.scope()
	ev := &Event{Stream: p.stream, Input: in.name, Packet: in.desc, scope: scope}

	if p.stream.EventHeader != nil {
		h, err := ctf.DecodeStruct(p.stream.EventHeader, in.cur, scope)
		if err != nil {
			return nil, fmt.Errorf("event header: %w", err)
		}
		ev.Header, scope.EventHeader = h, h
	}
	hv := headerValues(ev.Header)
	if hv.hasTS {
		in.lastTS = extendTimestamp(in.lastTS, hv.ts, hv.tsBits)
	}
	ev.Timestamp = clampTS(in.lastTS)

	decl, ok := p.stream.EventFor(hv.id, hv.hasID)
	if !ok {
		return nil, fmt.Errorf("%w: id %d in %s", ErrUnknownEvent, hv.id, p.stream)
	}
	ev.Decl, ev.Name, ev.ID = decl, decl.Name, decl.ID

	if p.stream.EventContext != nil {
		c, err := ctf.DecodeStruct(p.stream.EventContext, in.cur, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: stream event context: %w", decl.Name, err)
		}
		ev.StreamContext, scope.StreamEventContext = c, c
	}
	if decl.Context != nil {
		c, err := ctf.DecodeStruct(decl.Context, in.cur, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: context: %w", decl.Name, err)
		}
		ev.Context, scope.EventContext = c, c
	}
	if decl.Fields != nil {
		f, err := ctf.DecodeStruct(decl.Fields, in.cur, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: fields: %w", decl.Name, err)
		}
		ev.Fields, scope.EventFields = f, f
	}
	return ev, nil
}

func clampTS(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func (in *StreamInput) Close() error {
	in.current, in.pending, in.cur = nil, nil, nil
	return in.src.Close()
}
