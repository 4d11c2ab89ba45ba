package ctf

import (
	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/common"
)

// propagateByteOrder rebuilds every declaration registered so far whose
// implicit byte order differs from order. Declarations are never changed in
// place: scope tables and schema objects are rebound to the new values.
func (b *builder) propagateByteOrder(order bitbuf.ByteOrder) {
	memo := make(map[Declaration]Declaration)
	var rebound int
	for s := b.table.Current(); s != nil; s = s.parent {
		for _, name := range s.typeOrder {
			old := s.types[name]
			if d := reorder(old, order, memo); d != old {
				_ = s.ReplaceType(name, d)
				rebound++
			}
		}
		for name, d := range s.structs {
			s.structs[name] = reorder(d, order, memo).(*Struct)
		}
		for name, d := range s.enums {
			s.enums[name] = reorder(d, order, memo).(*Enum)
		}
		for name, d := range s.variants {
			s.variants[name] = reorder(d, order, memo).(*Variant)
		}
		for name, d := range s.identifiers {
			s.identifiers[name] = reorder(d, order, memo)
		}
	}
	t := b.trace
	if t.PacketHeader != nil {
		t.PacketHeader = reorder(t.PacketHeader, order, memo).(*Struct)
	}
	for _, st := range t.streams {
		if st.EventHeader != nil {
			st.EventHeader = reorder(st.EventHeader, order, memo)
		}
		if st.EventContext != nil {
			st.EventContext = reorder(st.EventContext, order, memo).(*Struct)
		}
		if st.PacketContext != nil {
			st.PacketContext = reorder(st.PacketContext, order, memo).(*Struct)
		}
		for _, ev := range st.events {
			if ev.Context != nil {
				ev.Context = reorder(ev.Context, order, memo).(*Struct)
			}
			if ev.Fields != nil {
				ev.Fields = reorder(ev.Fields, order, memo).(*Struct)
			}
		}
	}
	common.Debugf("ctf: byte order now %s, %d aliases rebound", order, rebound)
}

// reorder returns d unchanged when nothing inside it uses an implicit byte
// order other than order, and a rebuilt copy otherwise. memo keeps shared
// declarations shared.
func reorder(d Declaration, order bitbuf.ByteOrder, memo map[Declaration]Declaration) Declaration {
	if r, ok := memo[d]; ok {
		return r
	}
	var out Declaration = d
	switch x := d.(type) {
	case *Integer:
		if !x.explicitOrder && x.Order != order {
			out = x.withOrder(order)
		}
	case *Float:
		if !x.explicitOrder && x.Order != order {
			out = x.withOrder(order)
		}
	case *Enum:
		if c := reorder(x.Container, order, memo).(*Integer); c != x.Container {
			out = x.withContainer(c)
		}
	case *Struct:
		if fields, changed := reorderFields(x.fields, order, memo); changed {
			out = &Struct{minAlign: x.minAlign, align: x.align, fields: fields, index: x.index}
		}
	case *Variant:
		if fields, changed := reorderFields(x.fields, order, memo); changed {
			out = &Variant{Tag: x.Tag, fields: fields, index: x.index}
		}
	case *Array:
		if e := reorder(x.Elem, order, memo); e != x.Elem {
			out = &Array{Length: x.Length, Elem: e}
		}
	case *Sequence:
		if e := reorder(x.Elem, order, memo); e != x.Elem {
			out = &Sequence{LengthRef: x.LengthRef, Elem: e}
		}
	case *EventHeader:
		if s := reorder(x.Struct, order, memo).(*Struct); s != x.Struct {
			out = specializeEventHeader(s)
		}
	case *String:
	}
	memo[d] = out
	return out
}

func reorderFields(fields []Field, order bitbuf.ByteOrder, memo map[Declaration]Declaration) ([]Field, bool) {
	var out []Field
	for i, f := range fields {
		d := reorder(f.Decl, order, memo)
		if d == f.Decl {
			continue
		}
		if out == nil {
			out = make([]Field, len(fields))
			copy(out, fields)
		}
		out[i] = Field{Name: f.Name, Decl: d}
	}
	if out == nil {
		return fields, false
	}
	return out, true
}
