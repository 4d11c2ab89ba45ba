package ctf

import (
	"fmt"

	"example.com/ctftrace/internal/bitbuf"
)

// HeaderLayout names the two standard event header shapes.
type HeaderLayout uint8

const (
	// LayoutCompact: 5-bit id, 27-bit timestamp, extended fallback.
	LayoutCompact HeaderLayout = iota + 1
	// LayoutLarge: 16-bit id, 32-bit timestamp, extended fallback.
	LayoutLarge
)

func (l HeaderLayout) String() string {
	switch l {
	case LayoutCompact:
		return "compact"
	case LayoutLarge:
		return "large"
	}
	return fmt.Sprintf("layout(%d)", uint8(l))
}

// EventHeader is a stream event header whose struct matches one of the
// standard layouts. It decodes to exactly the definition the generic struct
// would produce, without resolving the variant tag through scopes.
type EventHeader struct {
	Layout HeaderLayout
	Struct *Struct

	id       *Enum
	variant  *Variant
	compact  headerArm
	extended headerArm
}

type headerArm struct {
	field string
	decl  *Struct
}

func (*EventHeader) Kind() Kind        { return KindEventHeader }
func (h *EventHeader) Alignment() uint { return h.Struct.Alignment() }
func (*EventHeader) declaration()      {}

func specializeEventHeader(s *Struct) Declaration {
	if h, ok := matchEventHeader(s); ok {
		return h
	}
	return s
}

// matchEventHeader checks s field by field against
//
//	struct {
//		enum : uintN { compact, extended } id;
//		variant <id> {
//			struct { uintT timestamp; } compact;
//			struct { uint32 id; uint64 timestamp; } extended;
//		} v;
//	}
//
// with N=5, T=27 for the compact layout and N=16, T=32 for the large one.
func matchEventHeader(s *Struct) (*EventHeader, bool) {
	if s.Len() != 2 || s.fields[0].Name != "id" || s.fields[1].Name != "v" {
		return nil, false
	}
	id, ok := s.fields[0].Decl.(*Enum)
	if !ok || id.Container.Signed {
		return nil, false
	}
	var (
		layout HeaderLayout
		tsBits uint
	)
	switch id.Container.Size {
	case 5:
		layout, tsBits = LayoutCompact, 27
	case 16:
		layout, tsBits = LayoutLarge, 32
	default:
		return nil, false
	}
	if !id.HasLabel("compact") || !id.HasLabel("extended") {
		return nil, false
	}
	v, ok := s.fields[1].Decl.(*Variant)
	if !ok || v.Tag != "id" || len(v.fields) != 2 {
		return nil, false
	}
	compact, ok := headerStruct(v, "compact", []fieldShape{{"timestamp", tsBits}})
	if !ok {
		return nil, false
	}
	extended, ok := headerStruct(v, "extended", []fieldShape{{"id", 32}, {"timestamp", 64}})
	if !ok {
		return nil, false
	}
	return &EventHeader{
		Layout:   layout,
		Struct:   s,
		id:       id,
		variant:  v,
		compact:  compact,
		extended: extended,
	}, true
}

type fieldShape struct {
	name string
	bits uint
}

func headerStruct(v *Variant, label string, want []fieldShape) (headerArm, bool) {
	name, d, ok := v.Select(label)
	if !ok {
		return headerArm{}, false
	}
	s, ok := d.(*Struct)
	if !ok || s.Len() != len(want) {
		return headerArm{}, false
	}
	for i, w := range want {
		f := s.fields[i]
		in, ok := f.Decl.(*Integer)
		if !ok || f.Name != w.name || in.Size != w.bits || in.Signed {
			return headerArm{}, false
		}
	}
	return headerArm{field: name, decl: s}, true
}

func decodeEventHeader(h *EventHeader, cur *bitbuf.Cursor, scope DefScope) (*StructDef, error) {
	if err := cur.Align(h.Struct.Alignment()); err != nil {
		return nil, err
	}
	def := &StructDef{Decl: h.Struct, parent: scope, fields: make([]Definition, 0, 2)}
	id, err := decodeEnum(h.id, cur)
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	def.fields = append(def.fields, id)

	var arm headerArm
	switch {
	case id.HasLabel && id.Label == "compact":
		arm = h.compact
	case id.HasLabel && id.Label == "extended":
		arm = h.extended
	default:
		return nil, fmt.Errorf("v: %w: tag id=%d", ErrUnknownVariant, id.Value())
	}
	if err := cur.Align(arm.decl.Alignment()); err != nil {
		return nil, fmt.Errorf("v: %w", err)
	}
	inner := &StructDef{Decl: arm.decl, parent: def, fields: make([]Definition, 0, arm.decl.Len())}
	for _, f := range arm.decl.fields {
		v, err := decodeInteger(f.Decl.(*Integer), cur)
		if err != nil {
			return nil, fmt.Errorf("v: %s: %w", f.Name, err)
		}
		inner.fields = append(inner.fields, v)
	}
	def.fields = append(def.fields, &VariantDef{Decl: h.variant, Label: id.Label, Field: arm.field, Value: inner})
	return def, nil
}
