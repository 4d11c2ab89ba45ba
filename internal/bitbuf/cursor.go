// Package bitbuf reads and writes arbitrary width bitfields in byte buffers,
// following the CTF bit packing rules: little-endian fields fill each byte
// from its least significant bit, big-endian fields from its most
// significant bit.
package bitbuf

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrBufferUnderrun = errors.New("bitbuf: buffer underrun")
	ErrInvalidWidth   = errors.New("bitbuf: invalid field width")
	ErrByteOrder      = errors.New("bitbuf: unresolved byte order")
	ErrUnaligned      = errors.New("bitbuf: byte read at unaligned position")
)

// Cursor is a read position over an immutable byte buffer. Positions are in
// bits. A limit below the buffer length bounds every read.
type Cursor struct {
	buf   []byte
	pos   int64
	limit int64
}

func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf, limit: int64(len(buf)) * 8}
}

func (c *Cursor) Position() int64 { return c.pos }

func (c *Cursor) Limit() int64 { return c.limit }

func (c *Cursor) Remaining() int64 { return c.limit - c.pos }

func (c *Cursor) Bytes() []byte { return c.buf }

func (c *Cursor) SetPosition(bits int64) error {
	if bits < 0 || bits > c.limit {
		return fmt.Errorf("%w: position %d outside [0,%d]", ErrBufferUnderrun, bits, c.limit)
	}
	c.pos = bits
	return nil
}

// SetLimit restricts reads to the first bits of the buffer.
func (c *Cursor) SetLimit(bits int64) error {
	if bits < 0 || bits > int64(len(c.buf))*8 {
		return fmt.Errorf("%w: limit %d beyond %d bits", ErrBufferUnderrun, bits, int64(len(c.buf))*8)
	}
	c.limit = bits
	if c.pos > bits {
		c.pos = bits
	}
	return nil
}

// Align moves the position forward to the next multiple of boundary bits.
func (c *Cursor) Align(boundary uint) error {
	if boundary <= 1 {
		return nil
	}
	b := int64(boundary)
	next := (c.pos + b - 1) / b * b
	if next > c.limit {
		return fmt.Errorf("%w: align to %d at bit %d", ErrBufferUnderrun, boundary, c.pos)
	}
	c.pos = next
	return nil
}

func (c *Cursor) check(width int64) error {
	if c.pos+width > c.limit {
		return fmt.Errorf("%w: need %d bits at %d, have %d", ErrBufferUnderrun, width, c.pos, c.limit-c.pos)
	}
	return nil
}

func (c *Cursor) ReadUnsigned(width uint, order ByteOrder) (uint64, error) {
	if width == 0 || width > 64 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidWidth, width)
	}
	if !order.Valid() {
		return 0, ErrByteOrder
	}
	if err := c.check(int64(width)); err != nil {
		return 0, err
	}
	var v uint64
	if c.pos%8 == 0 && width%8 == 0 {
		start := c.pos / 8
		raw := c.buf[start : start+int64(width/8)]
		if order == LittleEndian {
			for i := len(raw) - 1; i >= 0; i-- {
				v = v<<8 | uint64(raw[i])
			}
		} else {
			for _, b := range raw {
				v = v<<8 | uint64(b)
			}
		}
		c.pos += int64(width)
		return v, nil
	}
	for i := uint(0); i < width; {
		p := c.pos + int64(i)
		b := c.buf[p/8]
		off := uint(p % 8)
		n := min(8-off, width-i)
		if order == LittleEndian {
			v |= uint64((b>>off)&lowMask(n)) << i
		} else {
			v = v<<n | uint64((b>>(8-off-n))&lowMask(n))
		}
		i += n
	}
	c.pos += int64(width)
	return v, nil
}

func (c *Cursor) ReadSigned(width uint, order ByteOrder) (int64, error) {
	v, err := c.ReadUnsigned(width, order)
	if err != nil {
		return 0, err
	}
	return SignExtend(v, width), nil
}

// ReadFloat reads an IEEE-754 style value with expBits exponent bits and
// mantBits mantissa bits, the mantissa count including the implicit leading
// bit as in CTF float declarations.
func (c *Cursor) ReadFloat(expBits, mantBits uint, order ByteOrder) (float64, error) {
	width := expBits + mantBits
	if expBits < 2 || mantBits < 1 || width > 64 {
		return 0, fmt.Errorf("%w: float exp=%d mant=%d", ErrInvalidWidth, expBits, mantBits)
	}
	raw, err := c.ReadUnsigned(width, order)
	if err != nil {
		return 0, err
	}
	switch {
	case expBits == 8 && mantBits == 24:
		return float64(math.Float32frombits(uint32(raw))), nil
	case expBits == 11 && mantBits == 53:
		return math.Float64frombits(raw), nil
	}
	return decodeFloat(raw, expBits, mantBits), nil
}

func decodeFloat(raw uint64, expBits, mantBits uint) float64 {
	fracBits := mantBits - 1
	frac := raw & (1<<fracBits - 1)
	exp := int64((raw >> fracBits) & (1<<expBits - 1))
	neg := raw>>(expBits+fracBits)&1 == 1
	bias := int64(1)<<(expBits-1) - 1
	maxExp := int64(1)<<expBits - 1

	var v float64
	switch {
	case exp == maxExp && frac == 0:
		v = math.Inf(1)
	case exp == maxExp:
		return math.NaN()
	case exp == 0:
		v = math.Ldexp(float64(frac), int(1-bias-int64(fracBits)))
	default:
		v = math.Ldexp(float64(frac|1<<fracBits), int(exp-bias-int64(fracBits)))
	}
	if neg {
		v = -v
	}
	return v
}

// ReadBytes returns n whole bytes. The cursor must sit on a byte boundary.
func (c *Cursor) ReadBytes(n int) ([]byte, error) {
	if c.pos%8 != 0 {
		return nil, fmt.Errorf("%w: bit %d", ErrUnaligned, c.pos)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidWidth, n)
	}
	if err := c.check(int64(n) * 8); err != nil {
		return nil, err
	}
	start := c.pos / 8
	c.pos += int64(n) * 8
	return c.buf[start : start+int64(n)], nil
}

// ReadCString reads a NUL terminated byte string and consumes the terminator.
func (c *Cursor) ReadCString() (string, error) {
	if c.pos%8 != 0 {
		return "", fmt.Errorf("%w: bit %d", ErrUnaligned, c.pos)
	}
	start := c.pos / 8
	end := c.limit / 8
	for i := start; i < end; i++ {
		if c.buf[i] == 0 {
			c.pos = (i + 1) * 8
			return string(c.buf[start:i]), nil
		}
	}
	return "", fmt.Errorf("%w: unterminated string at byte %d", ErrBufferUnderrun, start)
}

func SignExtend(v uint64, width uint) int64 {
	if width == 0 || width >= 64 {
		return int64(v)
	}
	shift := 64 - width
	return int64(v<<shift) >> shift
}

func lowMask(n uint) byte {
	return byte(1<<n - 1)
}
