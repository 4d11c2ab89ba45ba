package ctf

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/ctftest"
	"example.com/ctftrace/internal/tsdl"
)

func oppositeOrder(o bitbuf.ByteOrder) bitbuf.ByteOrder {
	if o == bitbuf.LittleEndian {
		return bitbuf.BigEndian
	}
	return bitbuf.LittleEndian
}

func traceBlock(extra ...*tsdl.Node) *tsdl.Node {
	body := []*tsdl.Node{tsdl.Assign("major", "1"), tsdl.Assign("minor", "8")}
	return tsdl.Block(tsdl.KindTrace, append(body, extra...)...)
}

func doc(nodes ...*tsdl.Node) *tsdl.Document {
	return &tsdl.Document{Nodes: nodes}
}

func u32() *tsdl.Node { return ctftest.Uint(32, 8) }

func requireBuildErr(t *testing.T, err, sentinel error) {
	t.Helper()
	require.Error(t, err)
	require.True(t, errors.Is(err, sentinel), "got %v, want %v", err, sentinel)
	var be *BuildError
	require.True(t, errors.As(err, &be), "not a BuildError: %T", err)
}

func TestBuildGeneratedMetadata(t *testing.T) {
	tr, err := Build(ctftest.Metadata(ctftest.Options{Order: bitbuf.LittleEndian}))
	require.NoError(t, err)

	require.Equal(t, "1.8", tr.Version())
	require.Equal(t, bitbuf.LittleEndian, tr.ByteOrder)
	require.True(t, tr.HasUUID())
	require.Equal(t, ctftest.DefaultUUID, tr.UUID)
	require.Equal(t, "ctftest", tr.Env["hostname"])
	require.Equal(t, "2", tr.Env["tracer_major"])
	require.Equal(t, []string{"domain", "hostname", "tracer_major"}, tr.EnvKeys())

	clk, ok := tr.Clock(ctftest.ClockName)
	require.True(t, ok)
	require.EqualValues(t, 1_000_000_000, clk.Freq)
	require.True(t, clk.Absolute)
	require.Equal(t, "Monotonic Clock", clk.Description)

	require.NotNil(t, tr.PacketHeader)
	magic, ok := tr.PacketHeader.Field("magic")
	require.True(t, ok)
	require.Equal(t, bitbuf.LittleEndian, magic.(*Integer).Order)

	s, ok := tr.DefaultStream()
	require.True(t, ok)
	require.True(t, s.HasID)
	hdr, ok := s.EventHeader.(*EventHeader)
	require.True(t, ok, "compact header is specialized, got %T", s.EventHeader)
	require.Equal(t, LayoutCompact, hdr.Layout)

	ts, _ := s.PacketContext.Field("timestamp_begin")
	require.Equal(t, ctftest.ClockName, ts.(*Integer).Clock)

	require.Len(t, s.Events(), 3)
	ev, ok := s.Event(ctftest.EventSchedSwitch)
	require.True(t, ok)
	require.Equal(t, "sched_switch", ev.Name)
	require.True(t, ev.HasLogLevel)
	require.EqualValues(t, 13, ev.LogLevel)
	comm, _ := ev.Fields.Field("prev_comm")
	require.EqualValues(t, 16, comm.(*Array).Length)

	msg, _ := s.Event(ctftest.EventMessage)
	require.Equal(t, "http://example.com/message", msg.Attributes["model.emf.uri"])

	samples, _ := s.Event(ctftest.EventSamples)
	values, _ := samples.Fields.Field("values")
	require.Equal(t, "n", values.(*Sequence).LengthRef)

	sites := tr.CallsitesFor("message")
	require.Len(t, sites, 1)
	require.EqualValues(t, 0x4005d0, sites[0].IP)
	require.EqualValues(t, 42, sites[0].Line)
}

func TestBuildLargeHeader(t *testing.T) {
	tr, err := Build(ctftest.Metadata(ctftest.Options{Layout: ctftest.LayoutLarge}))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	hdr, ok := s.EventHeader.(*EventHeader)
	require.True(t, ok)
	require.Equal(t, LayoutLarge, hdr.Layout)
}

func TestByteOrderRetroPropagation(t *testing.T) {
	order := oppositeOrder(bitbuf.NativeOrder())
	tr, err := Build(ctftest.Metadata(ctftest.Options{Order: order}))
	require.NoError(t, err)
	require.Equal(t, order, tr.ByteOrder)
	requireResolvedOrders(t, tr)

	magic, _ := tr.PacketHeader.Field("magic")
	require.Equal(t, order, magic.(*Integer).Order)
	s, _ := tr.DefaultStream()
	hdr := s.EventHeader.(*EventHeader)
	require.Equal(t, order, hdr.id.Container.Order)
}

func TestByteOrderExplicitDeclarationsKept(t *testing.T) {
	native := bitbuf.NativeOrder()
	order := oppositeOrder(native)
	d := doc(
		tsdl.Typealias(ctftest.Uint(32, 8, tsdl.Assign("byte_order", orderName(native))), "pinned_t"),
		tsdl.Typealias(ctftest.Uint(32, 8), "loose_t"),
		tsdl.TypeDecl(tsdl.Struct("pair",
			tsdl.Field(tsdl.TypeRef("pinned_t"), "a"),
			tsdl.Field(tsdl.TypeRef("loose_t"), "b"),
		)),
		traceBlock(tsdl.Assign("byte_order", orderName(order))),
		tsdl.Block(tsdl.KindStream, tsdl.TypeAssign("packet.context", tsdl.StructRef("pair"))),
	)
	tr, err := Build(d)
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	a, _ := s.PacketContext.Field("a")
	b, _ := s.PacketContext.Field("b")
	require.Equal(t, native, a.(*Integer).Order)
	require.True(t, a.(*Integer).ExplicitOrder())
	require.Equal(t, order, b.(*Integer).Order)
	requireResolvedOrders(t, tr)
}

func orderName(o bitbuf.ByteOrder) string {
	if o == bitbuf.BigEndian {
		return "be"
	}
	return "le"
}

func TestByteOrderInference(t *testing.T) {
	_, err := Build(ctftest.Metadata(ctftest.Options{Order: bitbuf.BigEndian}),
		WithInferredByteOrder(bitbuf.LittleEndian))
	requireBuildErr(t, err, ErrConflict)

	tr, err := Build(doc(traceBlock()), WithInferredByteOrder(bitbuf.BigEndian))
	require.NoError(t, err)
	require.Equal(t, bitbuf.BigEndian, tr.ByteOrder)

	tr, err = Build(doc(traceBlock(tsdl.Assign("byte_order", "native"))), WithInferredByteOrder(bitbuf.BigEndian))
	require.NoError(t, err)
	require.Equal(t, bitbuf.BigEndian, tr.ByteOrder)

	tr, err = Build(doc(traceBlock()))
	require.NoError(t, err)
	require.Equal(t, bitbuf.NativeOrder(), tr.ByteOrder)
}

func TestUUIDInference(t *testing.T) {
	other := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	_, err := Build(ctftest.Metadata(ctftest.Options{}), WithInferredUUID(other))
	requireBuildErr(t, err, ErrConflict)

	tr, err := Build(doc(traceBlock()), WithInferredUUID(other))
	require.NoError(t, err)
	require.Equal(t, other, tr.UUID)
}

func TestSingleAssignment(t *testing.T) {
	cases := []struct {
		name string
		doc  *tsdl.Document
	}{
		{"major", doc(traceBlock(tsdl.Assign("major", "1")))},
		{"byte_order", doc(traceBlock(tsdl.Assign("byte_order", "le"), tsdl.Assign("byte_order", "le")))},
		{"uuid", doc(traceBlock(
			tsdl.Assign("uuid", `"`+ctftest.DefaultUUID.String()+`"`),
			tsdl.Assign("uuid", `"`+ctftest.DefaultUUID.String()+`"`),
		))},
		{"packet.header", doc(traceBlock(
			tsdl.TypeAssign("packet.header", tsdl.Struct("", tsdl.Field(u32(), "magic"))),
			tsdl.TypeAssign("packet.header", tsdl.Struct("", tsdl.Field(u32(), "magic"))),
		))},
		{"stream id", doc(traceBlock(), tsdl.Block(tsdl.KindStream, tsdl.Assign("id", "0"), tsdl.Assign("id", "1")))},
		{"packet.context", doc(traceBlock(), tsdl.Block(tsdl.KindStream,
			tsdl.TypeAssign("packet.context", tsdl.Struct("", tsdl.Field(u32(), "a"))),
			tsdl.TypeAssign("packet.context", tsdl.Struct("", tsdl.Field(u32(), "a"))),
		))},
		{"event.header", doc(traceBlock(), tsdl.Block(tsdl.KindStream,
			tsdl.TypeAssign("event.header", tsdl.Struct("", tsdl.Field(u32(), "id"))),
			tsdl.TypeAssign("event.header", tsdl.Struct("", tsdl.Field(u32(), "id"))),
		))},
		{"event.context", doc(traceBlock(), tsdl.Block(tsdl.KindStream,
			tsdl.TypeAssign("event.context", tsdl.Struct("", tsdl.Field(u32(), "a"))),
			tsdl.TypeAssign("event.context", tsdl.Struct("", tsdl.Field(u32(), "a"))),
		))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.doc)
			requireBuildErr(t, err, ErrConflict)
		})
	}
}

func TestTraceVersion(t *testing.T) {
	_, err := Build(doc(tsdl.Block(tsdl.KindTrace, tsdl.Assign("major", "1"))))
	requireBuildErr(t, err, ErrMissing)

	_, err = Build(doc(tsdl.Block(tsdl.KindTrace, tsdl.Assign("major", "2"), tsdl.Assign("minor", "0"))))
	requireBuildErr(t, err, ErrUnsupportedVersion)

	_, err = Build(doc(tsdl.Block(tsdl.KindStream)))
	requireBuildErr(t, err, ErrMissing)

	_, err = Build(doc(traceBlock(), traceBlock()))
	requireBuildErr(t, err, ErrDuplicate)
}

func TestStructDeclareOrReference(t *testing.T) {
	foo := tsdl.TypeDecl(tsdl.Struct("Foo", tsdl.Field(u32(), "x")))

	tr, err := Build(doc(foo, traceBlock(),
		tsdl.Block(tsdl.KindStream, tsdl.TypeAssign("packet.context", tsdl.StructRef("Foo")))))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	_, ok := s.PacketContext.Field("x")
	require.True(t, ok, "Foo resolves from a nested scope")

	_, err = Build(doc(foo, tsdl.TypeDecl(tsdl.Struct("Foo", tsdl.Field(u32(), "y"))), traceBlock()))
	requireBuildErr(t, err, ErrDuplicate)

	_, err = Build(doc(traceBlock(), tsdl.TypeDecl(tsdl.StructRef("Missing"))))
	requireBuildErr(t, err, ErrUndefined)

	_, err = Build(doc(traceBlock(), tsdl.TypeDecl(&tsdl.Node{Kind: tsdl.KindStruct})))
	requireBuildErr(t, err, ErrInvalidValue)

	// A nested scope may shadow the name with a new body.
	_, err = Build(doc(foo, traceBlock(), tsdl.Block(tsdl.KindStream,
		tsdl.TypeAssign("packet.context", tsdl.Struct("", tsdl.Field(tsdl.Struct("Foo", tsdl.Field(u32(), "z")), "inner"))))))
	require.NoError(t, err)
}

func TestSymbolTable(t *testing.T) {
	st := NewSymbolTable()
	s := NewStruct(1)
	require.NoError(t, st.RegisterStruct("Foo", s))
	require.NoError(t, st.RegisterType("Foo", &Integer{Size: 8}), "types and tags are separate namespaces")

	st.Push("stream")
	st.Push("struct")
	got, ok := st.LookupStructRecursive("Foo")
	require.True(t, ok)
	require.Same(t, s, got)
	_, ok = st.LookupEnumRecursive("Foo")
	require.False(t, ok)
	require.Equal(t, "stream.struct", st.Current().Path())

	require.NoError(t, st.RegisterIdentifier("len", &Integer{Size: 8}))
	require.NoError(t, st.Pop())
	_, ok = st.LookupIdentifierRecursive("len")
	require.False(t, ok, "identifiers die with their scope")
	require.NoError(t, st.Pop())
	require.ErrorIs(t, st.Pop(), ErrScopeUnderflow)

	require.ErrorIs(t, st.RegisterStruct("Foo", NewStruct(1)), ErrDuplicate)
	repl := &Integer{Size: 16}
	require.NoError(t, st.Root().ReplaceType("Foo", repl))
	d, _ := st.LookupTypeRecursive("Foo")
	require.Same(t, repl, d)
	require.ErrorIs(t, st.Root().ReplaceType("nope", repl), ErrUndefined)
}

func TestIntegerAttributes(t *testing.T) {
	clock := tsdl.Block(tsdl.KindClock, tsdl.Assign("name", "mono"))
	build := func(attrs ...*tsdl.Node) (*Integer, error) {
		tr, err := Build(doc(clock, traceBlock(), tsdl.Block(tsdl.KindStream,
			tsdl.TypeAssign("packet.context", tsdl.Struct("", tsdl.Field(tsdl.Integer(attrs...), "v"))))))
		if err != nil {
			return nil, err
		}
		s, _ := tr.DefaultStream()
		d, _ := s.PacketContext.Field("v")
		return d.(*Integer), nil
	}

	in, err := build(tsdl.Assign("size", "32"))
	require.NoError(t, err)
	require.EqualValues(t, 1, in.Align, "byte sized default alignment")
	require.Equal(t, 10, in.Base)
	require.False(t, in.Signed)

	in, err = build(tsdl.Assign("size", "27"))
	require.NoError(t, err)
	require.EqualValues(t, 8, in.Align, "odd sized default alignment")

	bases := map[string]int{"x": 16, "hex": 16, "p": 16, "o": 8, "b": 2, "u": 10, "16": 16}
	for token, want := range bases {
		in, err = build(tsdl.Assign("size", "8"), tsdl.Assign("base", token))
		require.NoError(t, err, token)
		require.Equal(t, want, in.Base, token)
	}

	in, err = build(tsdl.Assign("size", "64"), tsdl.Assign("map", "clock.mono.value"), tsdl.Assign("byte_order", "network"))
	require.NoError(t, err)
	require.Equal(t, "mono", in.Clock)
	require.Equal(t, bitbuf.BigEndian, in.Order)
	require.True(t, in.ExplicitOrder())

	in, err = build(tsdl.Assign("size", "8"), tsdl.Assign("encoding", "ASCII"), tsdl.Assign("signed", "true"))
	require.NoError(t, err)
	require.True(t, in.IsChar())
	require.True(t, in.Signed)

	failures := []struct {
		attrs []*tsdl.Node
		want  error
	}{
		{nil, ErrMissing},
		{[]*tsdl.Node{tsdl.Assign("size", "0")}, ErrInvalidValue},
		{[]*tsdl.Node{tsdl.Assign("size", "65")}, ErrInvalidValue},
		{[]*tsdl.Node{tsdl.Assign("size", "8"), tsdl.Assign("base", "13")}, ErrInvalidValue},
		{[]*tsdl.Node{tsdl.Assign("size", "8"), tsdl.Assign("align", "3")}, ErrInvalidValue},
		{[]*tsdl.Node{tsdl.Assign("size", "8"), tsdl.Assign("byte_order", "middle")}, ErrInvalidValue},
		{[]*tsdl.Node{tsdl.Assign("size", "8"), tsdl.Assign("encoding", "EBCDIC")}, ErrInvalidValue},
		{[]*tsdl.Node{tsdl.Assign("size", "8"), tsdl.Assign("map", "clock.wall.value")}, ErrUndefined},
		{[]*tsdl.Node{tsdl.Assign("size", "8"), tsdl.Assign("map", "mono")}, ErrInvalidValue},
		{[]*tsdl.Node{tsdl.Assign("size", "8"), tsdl.Assign("colour", "red")}, ErrInvalidValue},
		{[]*tsdl.Node{tsdl.Assign("size", "8"), tsdl.Assign("size", "8")}, ErrDuplicate},
	}
	for _, f := range failures {
		_, err := build(f.attrs...)
		requireBuildErr(t, err, f.want)
	}
}

func TestFloatAndString(t *testing.T) {
	tr, err := Build(doc(traceBlock(tsdl.Assign("byte_order", "be")), tsdl.Block(tsdl.KindStream,
		tsdl.TypeAssign("packet.context", tsdl.Struct("",
			tsdl.Field(tsdl.Float(tsdl.Assign("exp_dig", "8"), tsdl.Assign("mant_dig", "24")), "f"),
			tsdl.Field(tsdl.String(tsdl.Assign("encoding", "ASCII")), "s"),
			tsdl.Field(tsdl.String(), "u"),
		)))))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	f, _ := s.PacketContext.Field("f")
	require.EqualValues(t, 32, f.(*Float).Size())
	require.EqualValues(t, 1, f.(*Float).Align)
	require.Equal(t, bitbuf.BigEndian, f.(*Float).Order)
	str, _ := s.PacketContext.Field("s")
	require.Equal(t, EncodingASCII, str.(*String).Encoding)
	u, _ := s.PacketContext.Field("u")
	require.Equal(t, EncodingUTF8, u.(*String).Encoding)

	_, err = Build(doc(traceBlock(), tsdl.Block(tsdl.KindStream,
		tsdl.TypeAssign("packet.context", tsdl.Struct("", tsdl.Field(tsdl.Float(tsdl.Assign("exp_dig", "8")), "f"))))))
	requireBuildErr(t, err, ErrMissing)
}

func TestFloatAttributeValidation(t *testing.T) {
	floatField := func(attrs ...*tsdl.Node) *tsdl.Document {
		return doc(traceBlock(), tsdl.Block(tsdl.KindStream,
			tsdl.TypeAssign("packet.context", tsdl.Struct("", tsdl.Field(tsdl.Float(attrs...), "f")))))
	}
	tests := []struct {
		name  string
		attrs []*tsdl.Node
		want  error
	}{
		{"single exponent bit", []*tsdl.Node{tsdl.Assign("exp_dig", "1"), tsdl.Assign("mant_dig", "24")}, ErrInvalidValue},
		{"duplicate exp_dig", []*tsdl.Node{tsdl.Assign("exp_dig", "8"), tsdl.Assign("exp_dig", "11"), tsdl.Assign("mant_dig", "24")}, ErrDuplicate},
		{"duplicate mant_dig", []*tsdl.Node{tsdl.Assign("exp_dig", "8"), tsdl.Assign("mant_dig", "24"), tsdl.Assign("mant_dig", "53")}, ErrDuplicate},
		{"duplicate align", []*tsdl.Node{tsdl.Assign("exp_dig", "8"), tsdl.Assign("mant_dig", "24"), tsdl.Assign("align", "8"), tsdl.Assign("align", "32")}, ErrDuplicate},
		{"oversized exp_dig", []*tsdl.Node{tsdl.Assign("exp_dig", "4294967296"), tsdl.Assign("mant_dig", "24")}, ErrInvalidValue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(floatField(tc.attrs...))
			requireBuildErr(t, err, tc.want)
		})
	}

	tr, err := Build(floatField(tsdl.Assign("exp_dig", "2"), tsdl.Assign("mant_dig", "6")))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	f, _ := s.PacketContext.Field("f")
	require.EqualValues(t, 8, f.(*Float).Size())
}

func TestEnumBuild(t *testing.T) {
	entries := []tsdl.Enumerator{tsdl.Label("A"), tsdl.Label("B"), tsdl.LabelValue("C", 10), tsdl.Label("D"), tsdl.LabelRange("E", 20, 29)}
	tr, err := Build(doc(traceBlock(), tsdl.Block(tsdl.KindStream,
		tsdl.TypeAssign("packet.context", tsdl.Struct("", tsdl.Field(tsdl.Enum("e", ctftest.Uint(8, 8), entries...), "v"))))))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	d, _ := s.PacketContext.Field("v")
	e := d.(*Enum)
	require.Equal(t, []EnumRange{
		{0, 0, "A"}, {1, 1, "B"}, {10, 10, "C"}, {11, 11, "D"}, {20, 29, "E"},
	}, e.Ranges())

	_, err = Build(doc(traceBlock(), tsdl.TypeDecl(tsdl.Enum("x", nil, tsdl.Label("A")))))
	requireBuildErr(t, err, ErrUndefined)

	tr, err = Build(doc(tsdl.Typealias(ctftest.Int(32, 8), "int"), traceBlock(),
		tsdl.TypeDecl(tsdl.Enum("x", nil, tsdl.LabelValue("NEG", -5)))))
	require.NoError(t, err)
	require.NotNil(t, tr)

	_, err = Build(doc(traceBlock(), tsdl.TypeDecl(tsdl.Enum("x", tsdl.String(), tsdl.Label("A")))))
	requireBuildErr(t, err, ErrInvalidValue)

	_, err = Build(doc(traceBlock(), tsdl.TypeDecl(tsdl.Enum("x", ctftest.Uint(8, 8), tsdl.LabelValue("A", 1), tsdl.LabelRange("B", 0, 3)))))
	requireBuildErr(t, err, ErrEnumOverlap)

	_, err = Build(doc(traceBlock(), tsdl.TypeDecl(tsdl.Enum("x", ctftest.Uint(8, 8), tsdl.LabelValue("A", 256)))))
	requireBuildErr(t, err, ErrEnumRange)
}

func TestEnumUnsigned64(t *testing.T) {
	enumField := func(c *tsdl.Node, entries ...tsdl.Enumerator) *tsdl.Document {
		return doc(traceBlock(), tsdl.Block(tsdl.KindStream,
			tsdl.TypeAssign("packet.context", tsdl.Struct("", tsdl.Field(tsdl.Enum("", c, entries...), "v")))))
	}
	tr, err := Build(enumField(ctftest.Uint(64, 8),
		tsdl.LabelValue("low", 1),
		tsdl.LabelUintRange("high", 1<<63, math.MaxUint64-1),
		tsdl.Label("top"),
	))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	d, _ := s.PacketContext.Field("v")
	require.Equal(t, []EnumRange{
		{1, 1, "low"}, {1 << 63, math.MaxUint64 - 1, "high"}, {math.MaxUint64, math.MaxUint64, "top"},
	}, d.(*Enum).Ranges())

	tests := []struct {
		name    string
		c       *tsdl.Node
		entries []tsdl.Enumerator
		want    error
	}{
		{"past uint64 maximum", ctftest.Uint(64, 8),
			[]tsdl.Enumerator{tsdl.LabelUintRange("max", math.MaxUint64, math.MaxUint64), tsdl.Label("next")}, ErrEnumRange},
		{"past int64 maximum", ctftest.Int(64, 8),
			[]tsdl.Enumerator{tsdl.LabelValue("max", math.MaxInt64), tsdl.Label("next")}, ErrEnumRange},
		{"above signed container", ctftest.Int(64, 8),
			[]tsdl.Enumerator{tsdl.LabelUintRange("big", 1<<63, 1<<63)}, ErrEnumRange},
		{"negative in unsigned container", ctftest.Uint(64, 8),
			[]tsdl.Enumerator{tsdl.LabelValue("neg", -1)}, ErrEnumRange},
		{"unsigned overlap", ctftest.Uint(64, 8),
			[]tsdl.Enumerator{tsdl.LabelUintRange("a", 1<<63, 1<<63+5), tsdl.LabelUintRange("b", 1<<63+5, 1<<63+9)}, ErrEnumOverlap},
		{"reversed range", ctftest.Uint(64, 8),
			[]tsdl.Enumerator{tsdl.LabelUintRange("r", math.MaxUint64, 1<<63)}, ErrInvalidValue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(enumField(tc.c, tc.entries...))
			requireBuildErr(t, err, tc.want)
		})
	}

	hexValue := "0xFFFFFFFFFFFFFFF0"
	_, err = Build(enumField(ctftest.Uint(64, 8), tsdl.Enumerator{Label: "hex", Value: &hexValue}))
	require.NoError(t, err)
}

func TestVariantTagValidation(t *testing.T) {
	tagged := func(tagType *tsdl.Node, fields ...*tsdl.Node) *tsdl.Document {
		return doc(traceBlock(), tsdl.Block(tsdl.KindStream,
			tsdl.TypeAssign("packet.context", tsdl.Struct("",
				tsdl.Field(tagType, "sel"),
				tsdl.Field(tsdl.Variant("", "sel", fields...), "v"),
			))))
	}
	sel := tsdl.Enum("", ctftest.Uint(8, 8), tsdl.Label("a"), tsdl.Label("b"))

	_, err := Build(tagged(sel, tsdl.Field(u32(), "a"), tsdl.Field(u32(), "_b")))
	require.NoError(t, err)

	_, err = Build(tagged(sel, tsdl.Field(u32(), "x"), tsdl.Field(u32(), "y")))
	requireBuildErr(t, err, ErrInvalidValue)

	_, err = Build(tagged(u32(), tsdl.Field(u32(), "a")))
	requireBuildErr(t, err, ErrInvalidValue)

	_, err = Build(doc(traceBlock(), tsdl.TypeDecl(tsdl.Variant("v", "nowhere", tsdl.Field(u32(), "a")))))
	requireBuildErr(t, err, ErrUndefined)

	// Untagged declaration, tagged at the use site.
	_, err = Build(doc(traceBlock(),
		tsdl.TypeDecl(tsdl.Variant("choice", "", tsdl.Field(u32(), "a"), tsdl.Field(u32(), "b"))),
		tsdl.Block(tsdl.KindStream, tsdl.TypeAssign("packet.context", tsdl.Struct("",
			tsdl.Field(sel, "sel"),
			tsdl.Field(tsdl.VariantRef("choice", "sel"), "v"),
		)))))
	require.NoError(t, err)
}

func TestArraysAndSequences(t *testing.T) {
	tr, err := Build(doc(traceBlock(), tsdl.Block(tsdl.KindStream,
		tsdl.TypeAssign("packet.context", tsdl.Struct("",
			tsdl.Field(ctftest.Uint(8, 8), "len"),
			tsdl.ArrayField(ctftest.Uint(8, 8), "grid", "2", "3"),
			tsdl.ArrayField(ctftest.Uint(8, 8), "rows", "len", "4"),
		)))))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	g, _ := s.PacketContext.Field("grid")
	outer := g.(*Array)
	require.EqualValues(t, 2, outer.Length)
	require.EqualValues(t, 3, outer.Elem.(*Array).Length)
	r, _ := s.PacketContext.Field("rows")
	require.Equal(t, "len", r.(*Sequence).LengthRef)
	require.EqualValues(t, 4, r.(*Sequence).Elem.(*Array).Length)

	cases := []struct {
		field *tsdl.Node
		want  error
	}{
		{tsdl.ArrayField(ctftest.Uint(8, 8), "a", "0"), ErrInvalidValue},
		{tsdl.ArrayField(ctftest.Uint(8, 8), "a", "missing"), ErrUndefined},
		{tsdl.ArrayField(ctftest.Uint(8, 8), "a", "slen"), ErrInvalidValue},
	}
	for _, tc := range cases {
		_, err := Build(doc(traceBlock(), tsdl.Block(tsdl.KindStream,
			tsdl.TypeAssign("packet.context", tsdl.Struct("",
				tsdl.Field(ctftest.Int(8, 8), "slen"),
				tc.field,
			)))))
		requireBuildErr(t, err, tc.want)
	}
}

func TestDynamicScopeReferences(t *testing.T) {
	tr, err := Build(doc(traceBlock(
		tsdl.TypeAssign("packet.header", tsdl.Struct("", tsdl.Field(ctftest.Uint(8, 8), "count"))),
	), tsdl.Block(tsdl.KindStream,
		tsdl.TypeAssign("event.context", tsdl.Struct("", tsdl.Field(ctftest.Uint(16, 8), "n"))),
	), tsdl.Block(tsdl.KindEvent,
		tsdl.Assign("name", `"dyn"`),
		tsdl.TypeAssign("fields", tsdl.Struct("",
			tsdl.ArrayField(ctftest.Uint(8, 8), "a", "stream.event.context.n"),
			tsdl.ArrayField(ctftest.Uint(8, 8), "b", "trace.packet.header.count"),
		)),
	)))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()
	ev, ok := s.EventFor(0, false)
	require.True(t, ok)
	require.Equal(t, "dyn", ev.Name)
}

func TestEventStreamResolution(t *testing.T) {
	ev := func(name string, extra ...*tsdl.Node) *tsdl.Node {
		return tsdl.Block(tsdl.KindEvent, append([]*tsdl.Node{tsdl.Assign("name", `"`+name+`"`)}, extra...)...)
	}
	tr, err := Build(doc(traceBlock(), ev("a", tsdl.Assign("id", "1")), ev("b", tsdl.Assign("id", "2"))))
	require.NoError(t, err)
	require.Len(t, tr.Streams(), 1, "implicit stream created once")
	require.Len(t, tr.Streams()[0].Events(), 2)

	_, err = Build(doc(traceBlock(), ev("a", tsdl.Assign("stream_id", "7"))))
	requireBuildErr(t, err, ErrUndefined)

	_, err = Build(doc(traceBlock(),
		tsdl.Block(tsdl.KindStream, tsdl.Assign("id", "0")),
		tsdl.Block(tsdl.KindStream, tsdl.Assign("id", "1")),
		ev("a")))
	requireBuildErr(t, err, ErrMissing)

	_, err = Build(doc(traceBlock(), tsdl.Block(tsdl.KindStream, tsdl.Assign("id", "0")),
		ev("a", tsdl.Assign("id", "1"), tsdl.Assign("stream_id", "0")),
		ev("b", tsdl.Assign("id", "1"), tsdl.Assign("stream_id", "0"))))
	requireBuildErr(t, err, ErrDuplicate)

	_, err = Build(doc(traceBlock(), tsdl.Block(tsdl.KindStream), tsdl.Block(tsdl.KindStream, tsdl.Assign("id", "1"))))
	requireBuildErr(t, err, ErrConflict)

	_, err = Build(doc(traceBlock(), tsdl.Block(tsdl.KindStream, tsdl.Assign("id", "1")), tsdl.Block(tsdl.KindStream, tsdl.Assign("id", "1"))))
	requireBuildErr(t, err, ErrDuplicate)

	_, err = Build(doc(traceBlock(), ev("")))
	requireBuildErr(t, err, ErrMissing)
}

func TestEventForUnknownID(t *testing.T) {
	ev := func(name string, extra ...*tsdl.Node) *tsdl.Node {
		return tsdl.Block(tsdl.KindEvent, append([]*tsdl.Node{tsdl.Assign("name", `"`+name+`"`)}, extra...)...)
	}
	tr, err := Build(doc(traceBlock(), ev("known", tsdl.Assign("id", "1")), ev("other", tsdl.Assign("id", "2"))))
	require.NoError(t, err)
	s, _ := tr.DefaultStream()

	tests := []struct {
		name  string
		id    uint64
		hasID bool
		want  string
		ok    bool
	}{
		{name: "declared id", id: 1, hasID: true, want: "known", ok: true},
		{name: "undeclared id", id: 99, hasID: true},
		{name: "header without id", hasID: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, ok := s.EventFor(tc.id, tc.hasID)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, e.Name)
			}
		})
	}

	single, err := Build(doc(traceBlock(), ev("only", tsdl.Assign("id", "4"))))
	require.NoError(t, err)
	s, _ = single.DefaultStream()
	_, ok := s.EventFor(5, true)
	require.False(t, ok, "an undeclared id never falls back to the single event")
	e, ok := s.EventFor(0, false)
	require.True(t, ok)
	require.Equal(t, "only", e.Name)

	_, err = Build(doc(traceBlock(), ev("known", tsdl.Assign("id", "1")), ev("anon")))
	requireBuildErr(t, err, ErrConflict)
	_, err = Build(doc(traceBlock(), ev("anon"), ev("known", tsdl.Assign("id", "1"))))
	requireBuildErr(t, err, ErrConflict)
}

func TestClockAndCallsiteErrors(t *testing.T) {
	clock := tsdl.Block(tsdl.KindClock, tsdl.Assign("name", "mono"))
	_, err := Build(doc(clock, clock, traceBlock()))
	requireBuildErr(t, err, ErrDuplicate)

	_, err = Build(doc(tsdl.Block(tsdl.KindClock, tsdl.Assign("freq", "10")), traceBlock()))
	requireBuildErr(t, err, ErrMissing)

	_, err = Build(doc(tsdl.Block(tsdl.KindClock, tsdl.Assign("name", "m"), tsdl.Assign("freq", "0")), traceBlock()))
	requireBuildErr(t, err, ErrInvalidValue)

	_, err = Build(doc(tsdl.Block(tsdl.KindCallsite, tsdl.Assign("func", `"f"`)), traceBlock()))
	requireBuildErr(t, err, ErrMissing)
}

func TestTypedefAndTypealias(t *testing.T) {
	tr, err := Build(doc(
		tsdl.Typedef(ctftest.Uint(8, 8), "byte_t", "octet_t"),
		&tsdl.Node{Kind: tsdl.KindTypealias, Type: ctftest.Uint(8, 8),
			Abstract: &tsdl.Declarator{Lengths: []string{"16"}}, Declarators: []tsdl.Declarator{{Name: "uuid_t"}}},
		traceBlock(tsdl.TypeAssign("packet.header", tsdl.Struct("",
			tsdl.Field(tsdl.TypeRef("octet_t"), "b"),
			tsdl.Field(tsdl.TypeRef("uuid_t"), "uuid"),
		))),
	))
	require.NoError(t, err)
	u, _ := tr.PacketHeader.Field("uuid")
	require.EqualValues(t, 16, u.(*Array).Length)

	_, err = Build(doc(&tsdl.Node{Kind: tsdl.KindTypealias, Type: ctftest.Uint(8, 8),
		Abstract: &tsdl.Declarator{Name: "named"}, Declarators: []tsdl.Declarator{{Name: "x"}}}, traceBlock()))
	requireBuildErr(t, err, ErrInvalidValue)

	_, err = Build(doc(tsdl.Typedef(ctftest.Uint(8, 8), "t"), tsdl.Typedef(ctftest.Uint(8, 8), "t"), traceBlock()))
	requireBuildErr(t, err, ErrDuplicate)

	_, err = Build(doc(traceBlock(tsdl.TypeAssign("packet.header", tsdl.TypeRef("nope")))))
	requireBuildErr(t, err, ErrUndefined)

	_, err = Build(doc(tsdl.TypeDecl(ctftest.Uint(8, 8)), traceBlock()))
	requireBuildErr(t, err, ErrInvalidValue)
}

// misorderedDecls lists the numeric declarations reachable from the trace
// that carry neither an explicit order nor the trace order.
func misorderedDecls(tr *Trace) []string {
	var bad []string
	seen := make(map[Declaration]bool)
	var walk func(path string, d Declaration)
	walk = func(path string, d Declaration) {
		if d == nil || seen[d] {
			return
		}
		seen[d] = true
		switch x := d.(type) {
		case *Integer:
			if !x.Order.Valid() || (!x.ExplicitOrder() && x.Order != tr.ByteOrder) {
				bad = append(bad, path)
			}
		case *Float:
			if !x.ExplicitOrder() && x.Order != tr.ByteOrder {
				bad = append(bad, path)
			}
		case *Enum:
			walk(path, x.Container)
		case *Struct:
			for _, f := range x.Fields() {
				walk(path+"."+f.Name, f.Decl)
			}
		case *Variant:
			for _, f := range x.Fields() {
				walk(path+"."+f.Name, f.Decl)
			}
		case *Array:
			walk(path+"[]", x.Elem)
		case *Sequence:
			walk(path+"[]", x.Elem)
		case *EventHeader:
			walk(path, x.Struct)
		}
	}
	if tr.PacketHeader != nil {
		walk("trace.packet.header", tr.PacketHeader)
	}
	for _, s := range tr.Streams() {
		walk("stream.event.header", s.EventHeader)
		if s.EventContext != nil {
			walk("stream.event.context", s.EventContext)
		}
		if s.PacketContext != nil {
			walk("stream.packet.context", s.PacketContext)
		}
		for _, e := range s.Events() {
			if e.Context != nil {
				walk(e.Name+".context", e.Context)
			}
			if e.Fields != nil {
				walk(e.Name+".fields", e.Fields)
			}
		}
	}
	return bad
}

func requireResolvedOrders(t *testing.T, tr *Trace) {
	t.Helper()
	require.Empty(t, misorderedDecls(tr))
}
