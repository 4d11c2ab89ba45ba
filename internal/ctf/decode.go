package ctf

import (
	"fmt"

	"example.com/ctftrace/internal/bitbuf"
)

// Decode reads one value of declaration d at the cursor. scope resolves the
// variant tags and sequence lengths d refers to; it may be nil when d has no
// such references.
func Decode(d Declaration, cur *bitbuf.Cursor, scope DefScope) (Definition, error) {
	switch d := d.(type) {
	case *Integer:
		return decodeInteger(d, cur)
	case *Float:
		if err := cur.Align(d.Align); err != nil {
			return nil, err
		}
		v, err := cur.ReadFloat(d.ExpBits, d.MantBits, d.Order)
		if err != nil {
			return nil, err
		}
		return &FloatDef{Decl: d, Value: v}, nil
	case *String:
		if err := cur.Align(8); err != nil {
			return nil, err
		}
		s, err := cur.ReadCString()
		if err != nil {
			return nil, err
		}
		return &StringDef{Decl: d, Value: s}, nil
	case *Enum:
		return decodeEnum(d, cur)
	case *Struct:
		return decodeStruct(d, cur, scope)
	case *EventHeader:
		return decodeEventHeader(d, cur, scope)
	case *Variant:
		return decodeVariant(d, cur, scope)
	case *Array:
		elems, err := decodeElems(d.Elem, d.Length, cur, scope)
		if err != nil {
			return nil, err
		}
		return &ArrayDef{Decl: d, Elems: elems}, nil
	case *Sequence:
		return decodeSequence(d, cur, scope)
	}
	return nil, fmt.Errorf("%w: cannot decode %T", ErrTypeError, d)
}

// DecodeStruct decodes a struct or a specialized event header.
func DecodeStruct(d Declaration, cur *bitbuf.Cursor, scope DefScope) (*StructDef, error) {
	switch d := d.(type) {
	case *Struct:
		return decodeStruct(d, cur, scope)
	case *EventHeader:
		return decodeEventHeader(d, cur, scope)
	}
	return nil, fmt.Errorf("%w: %s is not a struct", ErrTypeError, d.Kind())
}

func decodeInteger(d *Integer, cur *bitbuf.Cursor) (*IntegerDef, error) {
	if err := cur.Align(d.Align); err != nil {
		return nil, err
	}
	v, err := cur.ReadUnsigned(d.Size, d.Order)
	if err != nil {
		return nil, err
	}
	return &IntegerDef{Decl: d, Value: v}, nil
}

func decodeEnum(d *Enum, cur *bitbuf.Cursor) (*EnumDef, error) {
	in, err := decodeInteger(d.Container, cur)
	if err != nil {
		return nil, err
	}
	def := &EnumDef{Decl: d, Integer: in}
	bits := in.Value
	if d.Container.Signed {
		bits = uint64(in.Int64())
	}
	def.Label, def.HasLabel = d.Lookup(bits)
	return def, nil
}

func decodeStruct(d *Struct, cur *bitbuf.Cursor, scope DefScope) (*StructDef, error) {
	if err := cur.Align(d.Alignment()); err != nil {
		return nil, err
	}
	def := &StructDef{Decl: d, parent: scope, fields: make([]Definition, 0, len(d.fields))}
	for _, f := range d.fields {
		v, err := Decode(f.Decl, cur, def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		def.fields = append(def.fields, v)
	}
	return def, nil
}

func lookup(scope DefScope, path string) (Definition, bool) {
	if scope == nil {
		return nil, false
	}
	return scope.Lookup(path)
}

func decodeVariant(d *Variant, cur *bitbuf.Cursor, scope DefScope) (*VariantDef, error) {
	if d.Tag == "" {
		return nil, fmt.Errorf("%w: variant has no tag", ErrUnknownVariant)
	}
	t, ok := lookup(scope, d.Tag)
	if !ok {
		return nil, fmt.Errorf("%w: tag %q not found", ErrUnknownVariant, d.Tag)
	}
	tag, ok := t.(*EnumDef)
	if !ok {
		return nil, fmt.Errorf("%w: tag %q is not an enum", ErrTypeError, d.Tag)
	}
	if !tag.HasLabel {
		return nil, fmt.Errorf("%w: tag %q value %d has no label", ErrUnknownVariant, d.Tag, tag.Value())
	}
	name, fd, ok := d.Select(tag.Label)
	if !ok {
		return nil, fmt.Errorf("%w: no field for label %q", ErrUnknownVariant, tag.Label)
	}
	v, err := Decode(fd, cur, scope)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &VariantDef{Decl: d, Label: tag.Label, Field: name, Value: v}, nil
}

func decodeSequence(d *Sequence, cur *bitbuf.Cursor, scope DefScope) (*SequenceDef, error) {
	ld, ok := lookup(scope, d.LengthRef)
	if !ok {
		return nil, fmt.Errorf("%w: sequence length %q not found", ErrTypeError, d.LengthRef)
	}
	length, ok := ld.(*IntegerDef)
	if !ok || length.Decl.Signed {
		return nil, fmt.Errorf("%w: sequence length %q is not an unsigned integer", ErrTypeError, d.LengthRef)
	}
	elems, err := decodeElems(d.Elem, length.Value, cur, scope)
	if err != nil {
		return nil, err
	}
	return &SequenceDef{Decl: d, Elems: elems}, nil
}

func decodeElems(elem Declaration, n uint64, cur *bitbuf.Cursor, scope DefScope) ([]Definition, error) {
	if mb := minBits(elem); mb > 0 && n > uint64(cur.Remaining())/mb {
		return nil, fmt.Errorf("%w: %d elements of at least %d bits, %d bits left",
			bitbuf.ErrBufferUnderrun, n, mb, cur.Remaining())
	}
	elems := make([]Definition, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := Decode(elem, cur, scope)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		elems = append(elems, v)
	}
	return elems, nil
}
