// Package ctf turns CTF metadata into declarations and decodes packet bytes
// against them.
//
// Declarations form a closed set: every concrete type below implements
// Declaration and nothing outside the package can. Once Build returns, the
// declaration graph is read-only and may be shared between goroutines.
package ctf

import (
	"fmt"
	"math"

	"example.com/ctftrace/internal/bitbuf"
)

type Kind uint8

const (
	KindInteger Kind = iota + 1
	KindFloat
	KindString
	KindEnum
	KindStruct
	KindVariant
	KindArray
	KindSequence
	KindEventHeader
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindEnum:
		return "enum"
	case KindStruct:
		return "struct"
	case KindVariant:
		return "variant"
	case KindArray:
		return "array"
	case KindSequence:
		return "sequence"
	case KindEventHeader:
		return "event header"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Declaration interface {
	Kind() Kind
	// Alignment in bits.
	Alignment() uint
	declaration()
}

type Encoding uint8

const (
	EncodingNone Encoding = iota
	EncodingASCII
	EncodingUTF8
)

func (e Encoding) String() string {
	switch e {
	case EncodingASCII:
		return "ASCII"
	case EncodingUTF8:
		return "UTF8"
	default:
		return "none"
	}
}

// defaultAlign is the alignment used when a numeric type omits align: byte
// sized types are bit aligned and odd sized ones byte aligned. This is the
// historical rule of the metadata producers we read, kept as is.
func defaultAlign(sizeBits uint) uint {
	if sizeBits%8 == 0 {
		return 1
	}
	return 8
}

type Integer struct {
	Size     uint
	Signed   bool
	Base     int
	Order    bitbuf.ByteOrder
	Encoding Encoding
	// Clock names the clock this integer counts in, empty when unmapped.
	Clock string
	Align uint

	explicitOrder bool
}

func (*Integer) Kind() Kind        { return KindInteger }
func (i *Integer) Alignment() uint { return i.Align }
func (*Integer) declaration()      {}

// ExplicitOrder reports whether the byte order came from the declaration
// itself rather than from the trace default.
func (i *Integer) ExplicitOrder() bool { return i.explicitOrder }

func (i *Integer) IsChar() bool {
	return i.Size == 8 && i.Encoding != EncodingNone
}

// MinValue and MaxValue bound the representable values, clamped to int64.
func (i *Integer) MinValue() int64 {
	if !i.Signed {
		return 0
	}
	if i.Size >= 64 {
		return math.MinInt64
	}
	return -(int64(1) << (i.Size - 1))
}

func (i *Integer) MaxValue() int64 {
	switch {
	case i.Signed && i.Size >= 64, !i.Signed && i.Size >= 63:
		return math.MaxInt64
	case i.Signed:
		return int64(1)<<(i.Size-1) - 1
	default:
		return int64(1)<<i.Size - 1
	}
}

// MaxUnsigned is the largest bit pattern the integer holds.
func (i *Integer) MaxUnsigned() uint64 {
	if i.Size >= 64 {
		return math.MaxUint64
	}
	return uint64(1)<<i.Size - 1
}

func (i *Integer) withOrder(o bitbuf.ByteOrder) *Integer {
	c := *i
	c.Order = o
	return &c
}

type Float struct {
	ExpBits  uint
	MantBits uint
	Order    bitbuf.ByteOrder
	Align    uint

	explicitOrder bool
}

func (*Float) Kind() Kind        { return KindFloat }
func (f *Float) Alignment() uint { return f.Align }
func (*Float) declaration()      {}

func (f *Float) ExplicitOrder() bool { return f.explicitOrder }
func (f *Float) Size() uint          { return f.ExpBits + f.MantBits }

func (f *Float) withOrder(o bitbuf.ByteOrder) *Float {
	c := *f
	c.Order = o
	return &c
}

type String struct {
	Encoding Encoding
}

func (*String) Kind() Kind      { return KindString }
func (*String) Alignment() uint { return 8 }
func (*String) declaration()    {}

type Field struct {
	Name string
	Decl Declaration
}

type Struct struct {
	minAlign uint
	align    uint
	fields   []Field
	index    map[string]int
}

func NewStruct(minAlign uint) *Struct {
	if minAlign == 0 {
		minAlign = 1
	}
	return &Struct{minAlign: minAlign, align: minAlign, index: make(map[string]int)}
}

func (*Struct) Kind() Kind        { return KindStruct }
func (s *Struct) Alignment() uint { return s.align }
func (*Struct) declaration()      {}

// AddField appends a field during construction.
func (s *Struct) AddField(name string, d Declaration) error {
	if _, ok := s.index[name]; ok {
		return fmt.Errorf("%w: field %q", ErrDuplicate, name)
	}
	s.index[name] = len(s.fields)
	s.fields = append(s.fields, Field{Name: name, Decl: d})
	if a := d.Alignment(); a > s.align {
		s.align = a
	}
	return nil
}

func (s *Struct) Fields() []Field { return s.fields }

func (s *Struct) Len() int { return len(s.fields) }

func (s *Struct) Field(name string) (Declaration, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return s.fields[i].Decl, true
}

func (s *Struct) FieldIndex(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Variant selects one of its fields by the label of an enum tag field.
type Variant struct {
	Tag    string
	fields []Field
	index  map[string]int
}

func NewVariant(tag string) *Variant {
	return &Variant{Tag: tag, index: make(map[string]int)}
}

func (*Variant) Kind() Kind      { return KindVariant }
func (*Variant) Alignment() uint { return 1 }
func (*Variant) declaration()    {}

func (v *Variant) AddField(name string, d Declaration) error {
	if _, ok := v.index[name]; ok {
		return fmt.Errorf("%w: variant field %q", ErrDuplicate, name)
	}
	v.index[name] = len(v.fields)
	v.fields = append(v.fields, Field{Name: name, Decl: d})
	return nil
}

func (v *Variant) Fields() []Field { return v.fields }

func (v *Variant) Field(name string) (Declaration, bool) {
	i, ok := v.index[name]
	if !ok {
		return nil, false
	}
	return v.fields[i].Decl, true
}

// Select returns the field chosen by an enum label. CTF allows the field to
// carry a leading underscore that the label lacks.
func (v *Variant) Select(label string) (string, Declaration, bool) {
	if d, ok := v.Field(label); ok {
		return label, d, true
	}
	if d, ok := v.Field("_" + label); ok {
		return "_" + label, d, true
	}
	return "", nil, false
}

// WithTag returns a copy sharing the field declarations.
func (v *Variant) WithTag(tag string) *Variant {
	return &Variant{Tag: tag, fields: v.fields, index: v.index}
}

type Array struct {
	Length uint64
	Elem   Declaration
}

func (*Array) Kind() Kind        { return KindArray }
func (a *Array) Alignment() uint { return a.Elem.Alignment() }
func (*Array) declaration()      {}

type Sequence struct {
	LengthRef string
	Elem      Declaration
}

func (*Sequence) Kind() Kind        { return KindSequence }
func (s *Sequence) Alignment() uint { return s.Elem.Alignment() }
func (*Sequence) declaration()      {}

// minBits is a lower bound of the encoded size of d, used to reject sequence
// lengths that cannot fit in the remaining buffer.
func minBits(d Declaration) uint64 {
	switch d := d.(type) {
	case *Integer:
		return uint64(d.Size)
	case *Float:
		return uint64(d.Size())
	case *String:
		return 8
	case *Enum:
		return uint64(d.Container.Size)
	case *Struct:
		var n uint64
		for _, f := range d.fields {
			n += minBits(f.Decl)
		}
		return n
	case *Array:
		return d.Length * minBits(d.Elem)
	case *EventHeader:
		return minBits(d.Struct)
	}
	return 0
}
