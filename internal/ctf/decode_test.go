package ctf

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/ctftest"
)

const le = bitbuf.LittleEndian

func u8() *Integer  { return &Integer{Size: 8, Align: 8, Base: 10, Order: le} }
func u16() *Integer { return &Integer{Size: 16, Align: 8, Base: 10, Order: le} }

func mustEnum(t *testing.T, c *Integer, labels ...string) *Enum {
	t.Helper()
	e := NewEnum(c)
	for _, l := range labels {
		require.NoError(t, e.AddNext(l))
	}
	return e
}

func writeU(t *testing.T, w *bitbuf.Writer, v uint64, width uint) {
	t.Helper()
	require.NoError(t, w.WriteUnsigned(v, width, le))
}

func TestDecodeVariantUnderscoreField(t *testing.T) {
	tag := mustEnum(t, u8(), "a", "b")
	v := NewVariant("sel")
	require.NoError(t, v.AddField("_a", u16()))
	require.NoError(t, v.AddField("b", &String{Encoding: EncodingUTF8}))
	s := NewStruct(1)
	require.NoError(t, s.AddField("sel", tag))
	require.NoError(t, s.AddField("v", v))

	w := bitbuf.NewWriter()
	writeU(t, w, 0, 8)
	writeU(t, w, 0xBEEF, 16)
	def, err := DecodeStruct(s, bitbuf.NewCursor(w.Bytes()), nil)
	require.NoError(t, err)
	vd, _ := def.Field("v")
	require.Equal(t, "_a", vd.(*VariantDef).Field)
	require.Equal(t, "a", vd.(*VariantDef).Label)
	got, ok := def.Lookup("v.a")
	require.True(t, ok, "underscore prefix is optional in paths")
	n, _ := Unsigned(got)
	require.EqualValues(t, 0xBEEF, n)

	w = bitbuf.NewWriter()
	writeU(t, w, 1, 8)
	w.WriteCString("xyz")
	def, err = DecodeStruct(s, bitbuf.NewCursor(w.Bytes()), nil)
	require.NoError(t, err)
	js, err := json.Marshal(def)
	require.NoError(t, err)
	require.JSONEq(t, `{"sel":"b","v":{"b":"xyz"}}`, string(js))
}

func TestDecodeVariantErrors(t *testing.T) {
	tag := mustEnum(t, u8(), "a")
	v := NewVariant("sel")
	require.NoError(t, v.AddField("a", u8()))

	s := NewStruct(1)
	require.NoError(t, s.AddField("sel", tag))
	require.NoError(t, s.AddField("v", v))
	_, err := DecodeStruct(s, bitbuf.NewCursor([]byte{7, 0}), nil)
	require.ErrorIs(t, err, ErrUnknownVariant, "unlabeled tag value")

	s = NewStruct(1)
	require.NoError(t, s.AddField("sel", u8()))
	require.NoError(t, s.AddField("v", v))
	_, err = DecodeStruct(s, bitbuf.NewCursor([]byte{0, 0}), nil)
	require.ErrorIs(t, err, ErrTypeError)

	_, err = Decode(NewVariant(""), bitbuf.NewCursor([]byte{0}), nil)
	require.ErrorIs(t, err, ErrUnknownVariant)

	_, err = Decode(v, bitbuf.NewCursor([]byte{0}), nil)
	require.ErrorIs(t, err, ErrUnknownVariant, "tag not in scope")
}

func TestDecodeSequence(t *testing.T) {
	s := NewStruct(1)
	require.NoError(t, s.AddField("n", u8()))
	require.NoError(t, s.AddField("vals", &Sequence{LengthRef: "n", Elem: u16()}))

	w := bitbuf.NewWriter()
	writeU(t, w, 3, 8)
	for _, x := range []uint64{1, 2, 300} {
		writeU(t, w, x, 16)
	}
	def, err := DecodeStruct(s, bitbuf.NewCursor(w.Bytes()), nil)
	require.NoError(t, err)
	vals, _ := def.Field("vals")
	require.Equal(t, "[ 1, 2, 300 ]", vals.(*SequenceDef).String())

	_, err = DecodeStruct(s, bitbuf.NewCursor([]byte{200, 0, 0}), nil)
	require.ErrorIs(t, err, bitbuf.ErrBufferUnderrun)

	signed := NewStruct(1)
	require.NoError(t, signed.AddField("n", &Integer{Size: 8, Align: 8, Signed: true, Order: le}))
	require.NoError(t, signed.AddField("vals", &Sequence{LengthRef: "n", Elem: u8()}))
	_, err = DecodeStruct(signed, bitbuf.NewCursor([]byte{1, 1}), nil)
	require.ErrorIs(t, err, ErrTypeError)

	_, err = Decode(&Sequence{LengthRef: "gone", Elem: u8()}, bitbuf.NewCursor([]byte{1}), nil)
	require.ErrorIs(t, err, ErrTypeError)
}

func TestDecodeSequenceThroughDynamicScope(t *testing.T) {
	ctx := NewStruct(1)
	require.NoError(t, ctx.AddField("count", u8()))
	ctxDef, err := DecodeStruct(ctx, bitbuf.NewCursor([]byte{2}), nil)
	require.NoError(t, err)
	scope := &DynamicScope{StreamEventContext: ctxDef}

	fields := NewStruct(1)
	require.NoError(t, fields.AddField("vals", &Sequence{LengthRef: "stream.event.context.count", Elem: u8()}))
	def, err := DecodeStruct(fields, bitbuf.NewCursor([]byte{5, 6, 7}), scope)
	require.NoError(t, err)
	js, _ := json.Marshal(def)
	require.JSONEq(t, `{"vals":[5,6]}`, string(js))

	_, ok := scope.Lookup("event.fields.vals")
	require.False(t, ok)
	_, ok = scope.Lookup("count")
	require.False(t, ok, "relative paths do not resolve at the root")
}

func TestDecodeEnumUnlabeled(t *testing.T) {
	e := mustEnum(t, u8(), "zero", "one")
	def, err := Decode(e, bitbuf.NewCursor([]byte{9}), nil)
	require.NoError(t, err)
	ed := def.(*EnumDef)
	require.False(t, ed.HasLabel)
	require.EqualValues(t, 9, ed.Value())
	require.Equal(t, "<unknown 9>", ed.String())

	def, err = Decode(e, bitbuf.NewCursor([]byte{1}), nil)
	require.NoError(t, err)
	require.Equal(t, "one", def.(*EnumDef).String())

	signed := NewEnum(&Integer{Size: 8, Align: 8, Signed: true, Order: le})
	require.NoError(t, signed.Add(-2, -1, "neg"))
	def, err = Decode(signed, bitbuf.NewCursor([]byte{0xFE}), nil)
	require.NoError(t, err)
	require.Equal(t, "neg", def.(*EnumDef).Label)
	require.EqualValues(t, -2, def.(*EnumDef).Value())
}

func TestDecodeEnumUnsigned64(t *testing.T) {
	e := NewEnum(&Integer{Size: 64, Align: 8, Base: 10, Order: le})
	require.NoError(t, e.AddUnsigned(0, 9, "small"))
	require.NoError(t, e.AddUnsigned(math.MaxUint64-15, math.MaxUint64, "top"))

	tests := []struct {
		name  string
		value uint64
		label string
		ok    bool
	}{
		{"low range", 3, "small", true},
		{"above int64", math.MaxUint64 - 1, "top", true},
		{"maximum", math.MaxUint64, "top", true},
		{"gap", 1 << 63, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := bitbuf.NewWriter()
			writeU(t, w, tc.value, 64)
			def, err := Decode(e, bitbuf.NewCursor(w.Bytes()), nil)
			require.NoError(t, err)
			ed := def.(*EnumDef)
			require.Equal(t, tc.ok, ed.HasLabel)
			require.Equal(t, tc.label, ed.Label)
			v, ok := Unsigned(ed)
			require.True(t, ok)
			require.Equal(t, tc.value, v)
		})
	}
}

func TestDecodeCharArrayAndFloat(t *testing.T) {
	char := &Integer{Size: 8, Align: 8, Base: 10, Order: le, Encoding: EncodingUTF8}
	s := NewStruct(1)
	require.NoError(t, s.AddField("comm", &Array{Length: 6, Elem: char}))
	require.NoError(t, s.AddField("ratio", &Float{ExpBits: 11, MantBits: 53, Align: 8, Order: le}))
	require.NoError(t, s.AddField("hex", &Integer{Size: 16, Align: 8, Base: 16, Order: le}))
	require.NoError(t, s.AddField("neg", &Integer{Size: 4, Align: 1, Signed: true, Order: le}))

	w := bitbuf.NewWriter()
	w.WriteBytes([]byte("bash\x00\x00"))
	require.NoError(t, w.WriteFloat(0.25, 11, 53, le))
	writeU(t, w, 0xABC, 16)
	require.NoError(t, w.WriteSigned(-3, 4, le))

	def, err := DecodeStruct(s, bitbuf.NewCursor(w.Bytes()), nil)
	require.NoError(t, err)
	comm, _ := def.Field("comm")
	text, ok := Text(comm)
	require.True(t, ok)
	require.Equal(t, "bash", text)
	require.Equal(t, `{ comm = "bash", ratio = 0.25, hex = 0xabc, neg = -3 }`, def.String())
	js, _ := json.Marshal(def)
	require.JSONEq(t, `{"comm":"bash","ratio":0.25,"hex":2748,"neg":-3}`, string(js))

	neg, _ := def.Field("neg")
	_, ok = Unsigned(neg)
	require.False(t, ok)
	n, ok := Signed(neg)
	require.True(t, ok)
	require.EqualValues(t, -3, n)

	f, err := Decode(&Float{ExpBits: 8, MantBits: 24, Align: 8, Order: bitbuf.BigEndian},
		bitbuf.NewCursor([]byte{0x3f, 0x80, 0, 0}), nil)
	require.NoError(t, err)
	require.InDelta(t, 1.0, f.(*FloatDef).Value, 0)
	require.False(t, math.IsNaN(f.(*FloatDef).Value))
}

func TestDecodeStructAlignment(t *testing.T) {
	s := NewStruct(1)
	require.NoError(t, s.AddField("bit", &Integer{Size: 1, Align: 1, Order: le}))
	require.NoError(t, s.AddField("word", &Integer{Size: 32, Align: 32, Order: le}))
	cur := bitbuf.NewCursor([]byte{1, 0, 0, 0, 0x78, 0x56, 0x34, 0x12})
	def, err := DecodeStruct(s, cur, nil)
	require.NoError(t, err)
	word, _ := def.Field("word")
	n, _ := Unsigned(word)
	require.EqualValues(t, 0x12345678, n)
	require.EqualValues(t, 64, cur.Position())

	_, err = DecodeStruct(u8(), cur, nil)
	require.ErrorIs(t, err, ErrTypeError)
}

func headerOf(t *testing.T, layout ctftest.HeaderLayout) *EventHeader {
	t.Helper()
	tr, err := Build(ctftest.Metadata(ctftest.Options{Layout: layout}))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	h, ok := s.EventHeader.(*EventHeader)
	require.True(t, ok)
	return h
}

func encodeHeader(h *EventHeader, id uint32, ts uint64) []byte {
	idBits, tsBits, extended := uint(5), uint(27), uint64(31)
	if h.Layout == LayoutLarge {
		idBits, tsBits, extended = 16, 32, 65535
	}
	w := bitbuf.NewWriter()
	if uint64(id) < extended && ts < 1<<tsBits {
		_ = w.WriteUnsigned(uint64(id), idBits, le)
		_ = w.WriteUnsigned(ts, tsBits, le)
	} else {
		_ = w.WriteUnsigned(extended, idBits, le)
		w.Align(8)
		_ = w.WriteUnsigned(uint64(id), 32, le)
		_ = w.WriteUnsigned(ts, 64, le)
	}
	return w.Bytes()
}

func TestEventHeaderSpecialization(t *testing.T) {
	for _, layout := range []ctftest.HeaderLayout{ctftest.LayoutCompact, ctftest.LayoutLarge} {
		h := headerOf(t, layout)
		for _, c := range []struct {
			id uint32
			ts uint64
		}{{1, 12345}, {40, 1 << 40}, {0, 0}} {
			buf := encodeHeader(h, c.id, c.ts)
			fast, err := Decode(h, bitbuf.NewCursor(buf), nil)
			require.NoError(t, err)
			slow, err := Decode(h.Struct, bitbuf.NewCursor(buf), nil)
			require.NoError(t, err)
			require.Equal(t, slow.(*StructDef).String(), fast.(*StructDef).String())

			fd := fast.(*StructDef)
			ts, ok := fd.Lookup("v.timestamp")
			require.True(t, ok)
			got, _ := Unsigned(ts)
			require.Equal(t, c.ts, got)
		}
	}
}

func TestEventHeaderNotSpecialized(t *testing.T) {
	e := mustEnum(t, &Integer{Size: 6, Align: 1, Order: le}, "compact", "extended")
	v := NewVariant("id")
	inner := NewStruct(1)
	require.NoError(t, inner.AddField("timestamp", &Integer{Size: 26, Align: 1, Order: le}))
	require.NoError(t, v.AddField("compact", inner))
	require.NoError(t, v.AddField("extended", inner))
	s := NewStruct(8)
	require.NoError(t, s.AddField("id", e))
	require.NoError(t, s.AddField("v", v))
	_, ok := specializeEventHeader(s).(*Struct)
	require.True(t, ok)
}

func TestEventHeaderDecodeMatchesGeneric(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	for _, layout := range []ctftest.HeaderLayout{ctftest.LayoutCompact, ctftest.LayoutLarge} {
		h := headerOf(t, layout)
		properties.Property("specialized "+h.Layout.String()+" header decodes like the struct", prop.ForAll(
			func(id uint32, ts uint64) bool {
				buf := encodeHeader(h, id, ts)
				fast, err := Decode(h, bitbuf.NewCursor(buf), nil)
				if err != nil {
					return false
				}
				slow, err := Decode(h.Struct, bitbuf.NewCursor(buf), nil)
				if err != nil {
					return false
				}
				a, _ := json.Marshal(fast)
				b, _ := json.Marshal(slow)
				return string(a) == string(b)
			},
			gen.UInt32Range(0, 70000),
			gen.UInt64(),
		))
	}
	properties.TestingRun(t)
}

func TestByteOrderPropagationProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("every implicit numeric declaration ends in the trace order", prop.ForAll(
		func(big, explicit, large bool) bool {
			order := bitbuf.LittleEndian
			if big {
				order = bitbuf.BigEndian
			}
			layout := ctftest.LayoutCompact
			if large {
				layout = ctftest.LayoutLarge
			}
			tr, err := Build(ctftest.Metadata(ctftest.Options{Order: order, ExplicitOrder: explicit, Layout: layout}))
			if err != nil || tr.ByteOrder != order {
				return false
			}
			return len(misorderedDecls(tr)) == 0
		},
		gen.Bool(), gen.Bool(), gen.Bool(),
	))
	properties.TestingRun(t)
}

func TestDecodeMetadataEvent(t *testing.T) {
	tr, err := Build(ctftest.Metadata(ctftest.Options{}))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	ev, _ := s.Event(ctftest.EventSamples)

	w := bitbuf.NewWriter()
	writeU(t, w, 2, 8)
	require.NoError(t, w.WriteSigned(-7, 32, le))
	require.NoError(t, w.WriteSigned(9, 32, le))
	def, err := DecodeStruct(ev.Fields, bitbuf.NewCursor(w.Bytes()), &DynamicScope{})
	require.NoError(t, err)
	js, _ := json.Marshal(def)
	require.JSONEq(t, `{"n":2,"values":[-7,9]}`, string(js))

	_, err = DecodeStruct(ev.Fields, bitbuf.NewCursor([]byte{2, 0}), &DynamicScope{})
	require.True(t, errors.Is(err, bitbuf.ErrBufferUnderrun))
}
