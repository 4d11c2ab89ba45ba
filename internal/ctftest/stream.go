package ctftest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"example.com/ctftrace/internal/bitbuf"
)

const Magic = 0xC1FFFCC1

// Event is one record of the generated schema. Only the fields of its id
// are encoded.
type Event struct {
	ID        uint32
	Timestamp uint64

	Comm    string
	PrevTID int32
	NextTID uint32
	Msg     string
	Values  []int32
}

type Packet struct {
	Begin     uint64
	End       uint64
	Discarded uint64
	CPU       uint32
	Events    []Event
	// SizeBytes pads the packet past its content. Zero means the content
	// rounded up to a byte.
	SizeBytes int
}

// EncodeStream encodes packets back to back as one stream file.
func EncodeStream(opts Options, packets []Packet) ([]byte, error) {
	o := opts.withDefaults()
	var out bytes.Buffer
	for i, p := range packets {
		// The first pass measures the content; field widths do not depend
		// on the size values, so the second pass lays out the same bits.
		w, err := encodePacket(o, p, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		content := w.Position()
		size := (content + 7) / 8 * 8
		if p.SizeBytes > 0 {
			if int64(p.SizeBytes)*8 < content {
				return nil, fmt.Errorf("packet %d: %d bytes do not hold %d bits", i, p.SizeBytes, content)
			}
			size = int64(p.SizeBytes) * 8
		}
		w, err = encodePacket(o, p, uint64(content), uint64(size))
		if err != nil {
			return nil, fmt.Errorf("packet %d: %w", i, err)
		}
		w.PadTo(size)
		out.Write(w.Bytes())
	}
	return out.Bytes(), nil
}

func encodePacket(o Options, p Packet, content, size uint64) (*bitbuf.Writer, error) {
	w := bitbuf.NewWriter()
	bo := o.Order
	put := func(v uint64, width uint) error {
		if width%8 == 0 {
			w.Align(8)
		}
		return w.WriteUnsigned(v, width, bo)
	}
	id := o.UUID
	steps := []func() error{
		func() error { return put(Magic, 32) },
		func() error { w.WriteBytes(id[:]); return nil },
		func() error { return put(0, 32) },
		func() error { return put(p.Begin, 64) },
		func() error { return put(p.End, 64) },
		func() error { return put(content, 64) },
		func() error { return put(size, 64) },
		func() error { return put(p.Discarded, 64) },
		func() error { return put(uint64(p.CPU), 32) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	last := p.Begin
	for i, ev := range p.Events {
		if err := encodeEvent(w, o, ev, &last); err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}
	return w, nil
}

func encodeEvent(w *bitbuf.Writer, o Options, ev Event, last *uint64) error {
	bo := o.Order
	idBits := o.idBits()
	tsBits := o.compactTSBits()
	extendedID := uint64(1)<<idBits - 1

	// Compact when the id fits and the low timestamp bits extend back to
	// the full value against the previous timestamp.
	span := uint64(1) << tsBits
	compact := uint64(ev.ID) < extendedID && ev.Timestamp >= *last && ev.Timestamp-*last < span

	w.Align(8)
	if compact {
		if err := w.WriteUnsigned(uint64(ev.ID), idBits, bo); err != nil {
			return err
		}
		if err := w.WriteUnsigned(ev.Timestamp&(span-1), tsBits, bo); err != nil {
			return err
		}
	} else {
		if err := w.WriteUnsigned(extendedID, idBits, bo); err != nil {
			return err
		}
		w.Align(8)
		if err := w.WriteUnsigned(uint64(ev.ID), 32, bo); err != nil {
			return err
		}
		if err := w.WriteUnsigned(ev.Timestamp, 64, bo); err != nil {
			return err
		}
	}
	*last = ev.Timestamp

	w.Align(8)
	switch ev.ID {
	case EventSchedSwitch:
		comm := make([]byte, 16)
		copy(comm, ev.Comm)
		w.WriteBytes(comm)
		if err := w.WriteSigned(int64(ev.PrevTID), 32, bo); err != nil {
			return err
		}
		return w.WriteUnsigned(uint64(ev.NextTID), 32, bo)
	case EventMessage:
		w.WriteCString(ev.Msg)
		return nil
	case EventSamples:
		if len(ev.Values) > 255 {
			return fmt.Errorf("%d samples do not fit a uint8 count", len(ev.Values))
		}
		if err := w.WriteUnsigned(uint64(len(ev.Values)), 8, bo); err != nil {
			return err
		}
		for _, v := range ev.Values {
			if err := w.WriteSigned(int64(v), 32, bo); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("no layout for event id %d", ev.ID)
}

// WriteTrace writes metadata.yaml and one stream file per entry of streams
// into dir, skipping files whose content did not change.
func WriteTrace(dir string, opts Options, streams map[string][]Packet) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	meta, err := Metadata(opts).MarshalYAMLBytes()
	if err != nil {
		return err
	}
	if err := writeFileIfChanged(filepath.Join(dir, MetadataFileName), meta); err != nil {
		return err
	}
	for name, packets := range streams {
		data, err := EncodeStream(opts, packets)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := writeFileIfChanged(filepath.Join(dir, name), data); err != nil {
			return err
		}
	}
	return nil
}

const MetadataFileName = "metadata.yaml"

func writeFileIfChanged(path string, data []byte) error {
	existing, err := os.ReadFile(path)
	if err == nil && bytes.Equal(existing, data) {
		return nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
