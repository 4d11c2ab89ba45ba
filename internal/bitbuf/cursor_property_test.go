package bitbuf

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Fields written with Writer read back unchanged at any width and bit
// offset. A byte order switch starts on a byte boundary, as CTF requires.
func TestWriterCursorRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fields round trip", prop.ForAll(
		func(values []uint64, widths []uint8, bigEndian []bool) bool {
			n := min(len(values), len(widths), len(bigEndian))
			w := NewWriter()
			want := make([]uint64, n)
			for i := 0; i < n; i++ {
				width := uint(widths[i]%64) + 1
				v := values[i]
				if width < 64 {
					v &= 1<<width - 1
				}
				want[i] = v
				if i > 0 && bigEndian[i] != bigEndian[i-1] {
					w.Align(8)
				}
				if err := w.WriteUnsigned(v, width, orderOf(bigEndian[i])); err != nil {
					return false
				}
			}
			c := NewCursor(w.Bytes())
			for i := 0; i < n; i++ {
				width := uint(widths[i]%64) + 1
				if i > 0 && bigEndian[i] != bigEndian[i-1] {
					if err := c.Align(8); err != nil {
						return false
					}
				}
				got, err := c.ReadUnsigned(width, orderOf(bigEndian[i]))
				if err != nil || got != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64()),
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func orderOf(big bool) ByteOrder {
	if big {
		return BigEndian
	}
	return LittleEndian
}
