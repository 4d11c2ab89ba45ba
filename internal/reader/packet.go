// Package reader decodes the packets and events of CTF stream files and
// merges the streams of a trace into one timestamp-ordered event sequence.
package reader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/ctf"
	"example.com/ctftrace/internal/index"
)

// Magic starts every packet whose header declares a magic field.
const Magic = 0xC1FFFCC1

var (
	ErrBadMagic      = errors.New("reader: bad packet magic")
	ErrUUIDMismatch  = errors.New("reader: packet uuid does not match trace")
	ErrCorruptPacket = errors.New("reader: corrupt packet")
	ErrUnknownStream = errors.New("reader: unknown stream")
	ErrUnknownEvent  = errors.New("reader: unknown event")
)

// headerProbe is the first window decoded when looking for a packet
// header and context; it grows while the decode runs out of bytes.
const headerProbe = 4096

// DetectByteOrder infers the trace byte order from the magic number at the
// start of a stream file.
func DetectByteOrder(head []byte) (bitbuf.ByteOrder, error) {
	if len(head) < 4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadMagic, len(head))
	}
	switch {
	case binary.LittleEndian.Uint32(head) == Magic:
		return bitbuf.LittleEndian, nil
	case binary.BigEndian.Uint32(head) == Magic:
		return bitbuf.BigEndian, nil
	}
	return 0, fmt.Errorf("%w: %#08x", ErrBadMagic, binary.BigEndian.Uint32(head))
}

// packetStart is the decoded header and context of one packet.
type packetStart struct {
	stream  *ctf.Stream
	header  *ctf.StructDef
	context *ctf.StructDef
	// eventsAt is the bit position of the first event in the packet.
	eventsAt int64
}

func (p *packetStart) scope() *ctf.DynamicScope {
	return &ctf.DynamicScope{PacketHeader: p.header, PacketContext: p.context}
}

// decodePacketStart decodes and checks the packet header and context at the
// cursor.
func decodePacketStart(tr *ctf.Trace, cur *bitbuf.Cursor) (*packetStart, error) {
	p := &packetStart{}
	scope := &ctf.DynamicScope{}
	if tr.PacketHeader != nil {
		h, err := ctf.DecodeStruct(tr.PacketHeader, cur, scope)
		if err != nil {
			return nil, fmt.Errorf("packet header: %w", err)
		}
		p.header = h
		scope.PacketHeader = h
	}
	s, err := checkPacketHeader(tr, p.header)
	if err != nil {
		return nil, err
	}
	p.stream = s
	if s.PacketContext != nil {
		c, err := ctf.DecodeStruct(s.PacketContext, cur, scope)
		if err != nil {
			return nil, fmt.Errorf("packet context: %w", err)
		}
		p.context = c
	}
	p.eventsAt = cur.Position()
	return p, nil
}

func checkPacketHeader(tr *ctf.Trace, h *ctf.StructDef) (*ctf.Stream, error) {
	if h != nil {
		if f, ok := h.Field("magic"); ok {
			if v, _ := ctf.Unsigned(f); v != Magic {
				return nil, fmt.Errorf("%w: %#08x", ErrBadMagic, v)
			}
		}
		if f, ok := h.Field("uuid"); ok && tr.HasUUID() {
			id, ok := uuidOf(f)
			if !ok {
				return nil, fmt.Errorf("%w: uuid field is not 16 bytes", ErrCorruptPacket)
			}
			if id != tr.UUID {
				return nil, fmt.Errorf("%w: %s, trace is %s", ErrUUIDMismatch, id, tr.UUID)
			}
		}
		if f, ok := h.Field("stream_id"); ok {
			id, ok := ctf.Unsigned(f)
			if !ok {
				return nil, fmt.Errorf("%w: stream_id is not an unsigned integer", ErrCorruptPacket)
			}
			s, ok := tr.Stream(id)
			if !ok {
				if d, ok := tr.DefaultStream(); ok && !d.HasID {
					return d, nil
				}
				return nil, fmt.Errorf("%w: stream_id %d", ErrUnknownStream, id)
			}
			return s, nil
		}
	}
	s, ok := tr.DefaultStream()
	if !ok {
		return nil, fmt.Errorf("%w: packet has no stream_id and the trace has %d streams", ErrUnknownStream, len(tr.Streams()))
	}
	return s, nil
}

func uuidOf(d ctf.Definition) (uuid.UUID, bool) {
	a, ok := d.(*ctf.ArrayDef)
	if !ok || len(a.Elems) != 16 {
		return uuid.Nil, false
	}
	var id uuid.UUID
	for i, e := range a.Elems {
		v, ok := ctf.Unsigned(e)
		if !ok || v > 0xFF {
			return uuid.Nil, false
		}
		id[i] = byte(v)
	}
	return id, true
}

// scanPacket decodes the packet starting at byte offset off of src and
// describes it. prevDiscarded is the events_discarded counter of the
// previous packet.
func scanPacket(tr *ctf.Trace, src Source, off int64, prevDiscarded uint64) (*packetStart, index.PacketDescriptor, error) {
	remaining := src.Size() - off
	probe := int64(headerProbe)
	for {
		if probe > remaining {
			probe = remaining
		}
		buf, err := sliceExact(src, off, int(probe))
		if err != nil {
			return nil, index.PacketDescriptor{}, err
		}
		p, err := decodePacketStart(tr, bitbuf.NewCursor(buf))
		if errors.Is(err, bitbuf.ErrBufferUnderrun) && probe < remaining {
			probe *= 4
			continue
		}
		if err != nil {
			return nil, index.PacketDescriptor{}, wrapCorrupt(off, err)
		}
		d, err := index.NewPacketDescriptor(off*8, p.context, remaining, prevDiscarded)
		if err != nil {
			return nil, index.PacketDescriptor{}, wrapCorrupt(off, err)
		}
		if err := checkSizes(d, src.Size(), p.eventsAt); err != nil {
			return nil, index.PacketDescriptor{}, err
		}
		return p, d, nil
	}
}

func checkSizes(d index.PacketDescriptor, fileSize, eventsAt int64) error {
	switch {
	case d.PacketSizeBits <= 0 || d.PacketSizeBits%8 != 0:
		return fmt.Errorf("%w: packet at byte %d has size %d bits", ErrCorruptPacket, d.Offset/8, d.PacketSizeBits)
	case d.NextOffset() > fileSize*8:
		return fmt.Errorf("%w: packet at byte %d ends at byte %d, past the end of the file (%d)",
			ErrCorruptPacket, d.Offset/8, d.NextOffset()/8, fileSize)
	case d.ContentSizeBits < eventsAt:
		return fmt.Errorf("%w: packet at byte %d has content size %d bits, less than its %d header bits",
			ErrCorruptPacket, d.Offset/8, d.ContentSizeBits, eventsAt)
	}
	return nil
}

func wrapCorrupt(off int64, err error) error {
	switch {
	case errors.Is(err, ErrBadMagic), errors.Is(err, ErrUUIDMismatch),
		errors.Is(err, ErrUnknownStream), errors.Is(err, ErrCorruptPacket):
		return fmt.Errorf("packet at byte %d: %w", off, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: packet at byte %d: truncated", ErrCorruptPacket, off)
	}
	return fmt.Errorf("%w: packet at byte %d: %w", ErrCorruptPacket, off, err)
}
