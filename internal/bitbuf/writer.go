package bitbuf

import (
	"fmt"
	"math"
)

// Writer packs bitfields with the same layout rules Cursor reads. It backs
// test fixtures and sample generation.
type Writer struct {
	buf []byte
	pos int64
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Position() int64 { return w.pos }

func (w *Writer) Bytes() []byte {
	return w.buf[:(w.pos+7)/8]
}

func (w *Writer) grow(bits int64) {
	need := (w.pos + bits + 7) / 8
	for int64(len(w.buf)) < need {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) Align(boundary uint) {
	if boundary <= 1 {
		return
	}
	b := int64(boundary)
	next := (w.pos + b - 1) / b * b
	w.grow(next - w.pos)
	w.pos = next
}

// PadTo zero fills up to an absolute bit position.
func (w *Writer) PadTo(bits int64) {
	if bits <= w.pos {
		return
	}
	w.grow(bits - w.pos)
	w.pos = bits
}

func (w *Writer) WriteUnsigned(v uint64, width uint, order ByteOrder) error {
	if width == 0 || width > 64 {
		return fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	if !order.Valid() {
		return ErrByteOrder
	}
	w.grow(int64(width))
	for i := uint(0); i < width; {
		p := w.pos + int64(i)
		idx := p / 8
		off := uint(p % 8)
		n := min(8-off, width-i)
		m := lowMask(n)
		if order == LittleEndian {
			chunk := byte(v>>i) & m
			w.buf[idx] = w.buf[idx]&^(m<<off) | chunk<<off
		} else {
			chunk := byte(v>>(width-i-n)) & m
			s := 8 - off - n
			w.buf[idx] = w.buf[idx]&^(m<<s) | chunk<<s
		}
		i += n
	}
	w.pos += int64(width)
	return nil
}

func (w *Writer) WriteSigned(v int64, width uint, order ByteOrder) error {
	return w.WriteUnsigned(uint64(v), width, order)
}

func (w *Writer) WriteFloat(v float64, expBits, mantBits uint, order ByteOrder) error {
	switch {
	case expBits == 8 && mantBits == 24:
		return w.WriteUnsigned(uint64(math.Float32bits(float32(v))), 32, order)
	case expBits == 11 && mantBits == 53:
		return w.WriteUnsigned(math.Float64bits(v), 64, order)
	}
	return fmt.Errorf("%w: float exp=%d mant=%d", ErrInvalidWidth, expBits, mantBits)
}

func (w *Writer) WriteBytes(p []byte) {
	w.Align(8)
	w.grow(int64(len(p)) * 8)
	copy(w.buf[w.pos/8:], p)
	w.pos += int64(len(p)) * 8
}

func (w *Writer) WriteCString(s string) {
	w.WriteBytes(append([]byte(s), 0))
}
