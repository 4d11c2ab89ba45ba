package ctf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"example.com/ctftrace/internal/bitbuf"
)

// Definition is a decoded value. Definitions are created per decode call and
// are not shared.
type Definition interface {
	Declaration() Declaration
	definition()
}

// DefScope resolves field paths against already decoded values.
type DefScope interface {
	Lookup(path string) (Definition, bool)
}

type IntegerDef struct {
	Decl *Integer
	// Value holds the raw bits; Int64 sign-extends signed integers.
	Value uint64
}

func (d *IntegerDef) Declaration() Declaration { return d.Decl }
func (*IntegerDef) definition()                {}

func (d *IntegerDef) Int64() int64 {
	if d.Decl.Signed {
		return bitbuf.SignExtend(d.Value, d.Decl.Size)
	}
	return int64(d.Value)
}

func (d *IntegerDef) Uint64() uint64 { return d.Value }

func (d *IntegerDef) String() string {
	switch d.Decl.Base {
	case 16:
		return "0x" + strconv.FormatUint(d.Value, 16)
	case 8:
		return "0" + strconv.FormatUint(d.Value, 8)
	case 2:
		return "0b" + strconv.FormatUint(d.Value, 2)
	}
	if d.Decl.Signed {
		return strconv.FormatInt(d.Int64(), 10)
	}
	return strconv.FormatUint(d.Value, 10)
}

func (d *IntegerDef) MarshalJSON() ([]byte, error) {
	if d.Decl.Signed {
		return []byte(strconv.FormatInt(d.Int64(), 10)), nil
	}
	return []byte(strconv.FormatUint(d.Value, 10)), nil
}

type FloatDef struct {
	Decl  *Float
	Value float64
}

func (d *FloatDef) Declaration() Declaration { return d.Decl }
func (*FloatDef) definition()                {}

func (d *FloatDef) String() string { return strconv.FormatFloat(d.Value, 'g', -1, 64) }

func (d *FloatDef) MarshalJSON() ([]byte, error) { return json.Marshal(d.Value) }

type StringDef struct {
	Decl  *String
	Value string
}

func (d *StringDef) Declaration() Declaration { return d.Decl }
func (*StringDef) definition()                {}

func (d *StringDef) String() string { return d.Value }

func (d *StringDef) MarshalJSON() ([]byte, error) { return json.Marshal(d.Value) }

// EnumDef is a decoded enum. HasLabel is false when the value falls outside
// every declared range.
type EnumDef struct {
	Decl     *Enum
	Integer  *IntegerDef
	Label    string
	HasLabel bool
}

func (d *EnumDef) Declaration() Declaration { return d.Decl }
func (*EnumDef) definition()                {}

func (d *EnumDef) Value() int64 { return d.Integer.Int64() }

func (d *EnumDef) String() string {
	if d.HasLabel {
		return d.Label
	}
	return fmt.Sprintf("<unknown %s>", d.Integer)
}

func (d *EnumDef) MarshalJSON() ([]byte, error) {
	if d.HasLabel {
		return json.Marshal(d.Label)
	}
	return d.Integer.MarshalJSON()
}

// StructDef is a decoded struct. While decoding it also serves as the scope
// for its later fields; unresolved paths go to parent.
type StructDef struct {
	Decl   *Struct
	fields []Definition
	parent DefScope
}

func (d *StructDef) Declaration() Declaration { return d.Decl }
func (*StructDef) definition()                {}

// Fields returns the decoded fields in declaration order.
func (d *StructDef) Fields() []Definition { return d.fields }

func (d *StructDef) Field(name string) (Definition, bool) {
	i := d.Decl.FieldIndex(name)
	if i < 0 || i >= len(d.fields) {
		return nil, false
	}
	return d.fields[i], true
}

func (d *StructDef) Lookup(path string) (Definition, bool) {
	if _, _, ok := splitDynamic(path); ok {
		if d.parent != nil {
			return d.parent.Lookup(path)
		}
		return nil, false
	}
	head, rest, _ := strings.Cut(path, ".")
	if f, ok := d.Field(head); ok {
		return descend(f, rest)
	}
	if d.parent != nil {
		return d.parent.Lookup(path)
	}
	return nil, false
}

func (d *StructDef) String() string {
	var b strings.Builder
	b.WriteString("{ ")
	for i, f := range d.fields {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = %v", d.Decl.fields[i].Name, f)
	}
	b.WriteString(" }")
	return b.String()
}

func (d *StructDef) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(d.Decl.fields[i].Name)
		buf.Write(key)
		buf.WriteByte(':')
		v, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type VariantDef struct {
	Decl *Variant
	// Label is the tag label; Field the variant field it selected, which
	// may carry a leading underscore.
	Label string
	Field string
	Value Definition
}

func (d *VariantDef) Declaration() Declaration { return d.Decl }
func (*VariantDef) definition()                {}

func (d *VariantDef) String() string { return fmt.Sprintf("%s: %v", d.Field, d.Value) }

func (d *VariantDef) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]Definition{d.Field: d.Value})
}

type ArrayDef struct {
	Decl  *Array
	Elems []Definition
}

func (d *ArrayDef) Declaration() Declaration { return d.Decl }
func (*ArrayDef) definition()                {}

// Text returns the content of a character array up to the first NUL.
func (d *ArrayDef) Text() (string, bool) { return charText(d.Decl.Elem, d.Elems) }

func (d *ArrayDef) String() string               { return listString(d.Decl.Elem, d.Elems) }
func (d *ArrayDef) MarshalJSON() ([]byte, error) { return listJSON(d.Decl.Elem, d.Elems) }

type SequenceDef struct {
	Decl  *Sequence
	Elems []Definition
}

func (d *SequenceDef) Declaration() Declaration { return d.Decl }
func (*SequenceDef) definition()                {}

func (d *SequenceDef) Text() (string, bool) { return charText(d.Decl.Elem, d.Elems) }

func (d *SequenceDef) String() string               { return listString(d.Decl.Elem, d.Elems) }
func (d *SequenceDef) MarshalJSON() ([]byte, error) { return listJSON(d.Decl.Elem, d.Elems) }

func charText(elem Declaration, elems []Definition) (string, bool) {
	in, ok := elem.(*Integer)
	if !ok || !in.IsChar() {
		return "", false
	}
	buf := make([]byte, 0, len(elems))
	for _, e := range elems {
		c := byte(e.(*IntegerDef).Value)
		if c == 0 {
			break
		}
		buf = append(buf, c)
	}
	return string(buf), true
}

func listString(elem Declaration, elems []Definition) string {
	if s, ok := charText(elem, elems); ok {
		return strconv.Quote(s)
	}
	parts := make([]string, len(elems))
	for i, e := range elems {
		parts[i] = fmt.Sprint(e)
	}
	return "[ " + strings.Join(parts, ", ") + " ]"
}

func listJSON(elem Declaration, elems []Definition) ([]byte, error) {
	if s, ok := charText(elem, elems); ok {
		return json.Marshal(s)
	}
	if elems == nil {
		elems = []Definition{}
	}
	return json.Marshal(elems)
}

// descend follows the remaining elements of a path below a definition.
// Variants are transparent; naming the selected field is optional.
func descend(d Definition, path string) (Definition, bool) {
	for path != "" {
		head, rest, _ := strings.Cut(path, ".")
		switch x := d.(type) {
		case *StructDef:
			f, ok := x.Field(head)
			if !ok {
				return nil, false
			}
			d, path = f, rest
		case *VariantDef:
			if head == x.Field || "_"+head == x.Field {
				path = rest
			}
			d = x.Value
		default:
			return nil, false
		}
	}
	return d, true
}

// DynamicScope resolves the absolute paths trace.packet.header.*,
// stream.packet.context.*, stream.event.header.*, stream.event.context.*,
// event.context.* and event.fields.*. It is the root of every decode scope
// chain.
type DynamicScope struct {
	PacketHeader       *StructDef
	PacketContext      *StructDef
	EventHeader        *StructDef
	StreamEventContext *StructDef
	EventContext       *StructDef
	EventFields        *StructDef
}

func (s *DynamicScope) Lookup(path string) (Definition, bool) {
	if s == nil {
		return nil, false
	}
	root, rest, ok := splitDynamic(path)
	if !ok {
		return nil, false
	}
	var d *StructDef
	switch root {
	case "trace.packet.header":
		d = s.PacketHeader
	case "stream.packet.context":
		d = s.PacketContext
	case "stream.event.header":
		d = s.EventHeader
	case "stream.event.context":
		d = s.StreamEventContext
	case "event.context":
		d = s.EventContext
	case "event.fields":
		d = s.EventFields
	}
	if d == nil {
		return nil, false
	}
	return descend(d, rest)
}

// Unsigned reads a non-negative integer from an integer or enum definition.
func Unsigned(d Definition) (uint64, bool) {
	switch x := d.(type) {
	case *IntegerDef:
		if x.Decl.Signed && x.Int64() < 0 {
			return 0, false
		}
		return x.Value, true
	case *EnumDef:
		return Unsigned(x.Integer)
	}
	return 0, false
}

// Signed reads an integer or enum definition as int64.
func Signed(d Definition) (int64, bool) {
	switch x := d.(type) {
	case *IntegerDef:
		return x.Int64(), true
	case *EnumDef:
		return x.Value(), true
	}
	return 0, false
}

// Text reads a string or a character array or sequence.
func Text(d Definition) (string, bool) {
	switch x := d.(type) {
	case *StringDef:
		return x.Value, true
	case *ArrayDef:
		return x.Text()
	case *SequenceDef:
		return x.Text()
	}
	return "", false
}
