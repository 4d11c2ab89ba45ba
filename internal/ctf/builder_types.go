package ctf

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"example.com/ctftrace/internal/bitbuf"
	"example.com/ctftrace/internal/tsdl"
)

// statement handles typedef, typealias and standalone compound declarations
// in whatever scope is current.
func (b *builder) statement(n *tsdl.Node) error {
	switch n.Kind {
	case tsdl.KindTypedef:
		if n.Type == nil || len(n.Declarators) == 0 {
			return buildErrf(n, "", ErrMissing, "typedef type or name")
		}
		base, err := b.typeSpecifier(n.Type)
		if err != nil {
			return err
		}
		for _, d := range n.Declarators {
			t, err := b.declarator(n, base, d, modeTypedef)
			if err != nil {
				return err
			}
			if err := b.table.RegisterType(d.Name, t); err != nil {
				return buildErr(n, d.Name, err)
			}
		}
		return nil

	case tsdl.KindTypealias:
		if n.Type == nil || len(n.Declarators) != 1 {
			return buildErrf(n, "", ErrInvalidValue, "typealias needs a target and one alias")
		}
		target, err := b.typeSpecifier(n.Type)
		if err != nil {
			return err
		}
		if n.Abstract != nil {
			if target, err = b.declarator(n, target, *n.Abstract, modeTypealiasTarget); err != nil {
				return err
			}
		}
		alias := n.Declarators[0]
		t, err := b.declarator(n, target, alias, modeTypealiasAlias)
		if err != nil {
			return err
		}
		return buildErr(n, alias.Name, b.table.RegisterType(alias.Name, t))

	case tsdl.KindTypeDecl:
		if n.Type == nil {
			return buildErrf(n, "", ErrMissing, "type")
		}
		switch n.Type.Kind {
		case tsdl.KindStruct, tsdl.KindVariant, tsdl.KindEnum:
		default:
			return buildErrf(n, "", ErrInvalidValue, "declaration of %s declares nothing", n.Type.Kind)
		}
		_, err := b.typeSpecifier(n.Type)
		return err
	}
	return buildErrf(n, "", ErrInvalidValue, "unexpected %s", n.Kind)
}

func (b *builder) typeSpecifier(n *tsdl.Node) (Declaration, error) {
	switch n.Kind {
	case tsdl.KindInteger:
		return b.integer(n)
	case tsdl.KindFloat:
		return b.float(n)
	case tsdl.KindString:
		return b.stringType(n)
	case tsdl.KindStruct:
		return b.structType(n)
	case tsdl.KindVariant:
		return b.variantType(n)
	case tsdl.KindEnum:
		return b.enumType(n)
	case tsdl.KindTypeRef:
		d, ok := b.table.LookupTypeRecursive(n.Name)
		if !ok {
			return nil, buildErrf(n, n.Name, ErrUndefined, "type")
		}
		return d, nil
	}
	return nil, buildErrf(n, "", ErrInvalidValue, "%s is not a type", n.Kind)
}

// fields adds every declarator of a field statement to add and registers
// the resulting identifiers in the current scope.
func (b *builder) fields(n *tsdl.Node, add func(string, Declaration) error) error {
	if n.Type == nil || len(n.Declarators) == 0 {
		return buildErrf(n, "", ErrMissing, "field type or name")
	}
	base, err := b.typeSpecifier(n.Type)
	if err != nil {
		return err
	}
	for _, d := range n.Declarators {
		t, err := b.declarator(n, base, d, modeField)
		if err != nil {
			return err
		}
		if err := add(d.Name, t); err != nil {
			return buildErr(n, d.Name, err)
		}
		if err := b.table.RegisterIdentifier(d.Name, t); err != nil {
			return buildErr(n, d.Name, err)
		}
	}
	return nil
}

// declarator wraps base in the array and sequence dimensions of d. In
// "int a[2][3]" the last length is the innermost dimension.
func (b *builder) declarator(n *tsdl.Node, base Declaration, d tsdl.Declarator, mode parseMode) (Declaration, error) {
	switch mode {
	case modeTypealiasTarget:
		if d.Name != "" {
			return nil, buildErrf(n, d.Name, ErrInvalidValue, "%s declarator must be abstract", mode)
		}
	case modeTypealiasAlias:
		if d.Name == "" || len(d.Lengths) > 0 {
			return nil, buildErrf(n, d.Name, ErrInvalidValue, "%s must be a plain name", mode)
		}
	default:
		if d.Name == "" {
			return nil, buildErrf(n, "", ErrMissing, "%s name", mode)
		}
	}
	t := base
	for i := len(d.Lengths) - 1; i >= 0; i-- {
		length := strings.TrimSpace(d.Lengths[i])
		if count, err := strconv.ParseUint(trimIntSuffix(length), 0, 64); err == nil {
			if count == 0 {
				return nil, buildErrf(n, d.Name, ErrInvalidValue, "array length must be at least 1")
			}
			t = &Array{Length: count, Elem: t}
			continue
		}
		ref, ok := b.resolvePath(length)
		if !ok {
			return nil, buildErrf(n, d.Name, ErrUndefined, "sequence length %q", length)
		}
		li, ok := ref.(*Integer)
		if !ok || li.Signed {
			return nil, buildErrf(n, d.Name, ErrInvalidValue, "sequence length %q is not an unsigned integer", length)
		}
		t = &Sequence{LengthRef: length, Elem: t}
	}
	return t, nil
}

func (b *builder) integer(n *tsdl.Node) (*Integer, error) {
	i := &Integer{Base: 10}
	var haveSize, haveAlign bool
	seen := make(map[string]bool)
	for _, a := range n.Body {
		if a.Kind != tsdl.KindAssign {
			return nil, buildErrf(a, "", ErrInvalidValue, "unexpected %s in integer", a.Kind)
		}
		if seen[a.Key] {
			return nil, buildErrf(a, a.Key, ErrDuplicate, "integer attribute")
		}
		seen[a.Key] = true
		v := unquote(a.Value)
		var err error
		switch a.Key {
		case "size":
			var size uint64
			if size, err = parseUint(v); err == nil && (size == 0 || size > 64) {
				err = fmt.Errorf("%w: size %d", ErrInvalidValue, size)
			}
			i.Size, haveSize = uint(size), true
		case "align":
			i.Align, err = parseAlign(v)
			haveAlign = true
		case "signed":
			i.Signed, err = parseBool(v)
		case "base":
			i.Base, err = parseBase(v)
		case "byte_order":
			i.Order, i.explicitOrder, err = b.parseOrder(v)
		case "encoding":
			i.Encoding, err = parseEncoding(v)
		case "map":
			i.Clock, err = b.parseClockMap(v)
		default:
			err = fmt.Errorf("%w: unknown integer attribute", ErrInvalidValue)
		}
		if err != nil {
			return nil, buildErr(a, a.Key, err)
		}
	}
	if !haveSize {
		return nil, buildErrf(n, "", ErrMissing, "integer size")
	}
	if !haveAlign {
		i.Align = defaultAlign(i.Size)
	}
	if !i.explicitOrder {
		i.Order = b.defaultOrder
	}
	return i, nil
}

func (b *builder) float(n *tsdl.Node) (*Float, error) {
	f := &Float{}
	var haveAlign bool
	seen := make(map[string]bool)
	for _, a := range n.Body {
		if a.Kind != tsdl.KindAssign {
			return nil, buildErrf(a, "", ErrInvalidValue, "unexpected %s in float", a.Kind)
		}
		if seen[a.Key] {
			return nil, buildErrf(a, a.Key, ErrDuplicate, "float attribute")
		}
		seen[a.Key] = true
		v := unquote(a.Value)
		var err error
		var u uint64
		switch a.Key {
		case "exp_dig":
			if u, err = parseUint(v); err == nil && u > 64 {
				err = fmt.Errorf("%w: exp_dig %d", ErrInvalidValue, u)
			}
			f.ExpBits = uint(u)
		case "mant_dig":
			if u, err = parseUint(v); err == nil && u > 64 {
				err = fmt.Errorf("%w: mant_dig %d", ErrInvalidValue, u)
			}
			f.MantBits = uint(u)
		case "align":
			f.Align, err = parseAlign(v)
			haveAlign = true
		case "byte_order":
			f.Order, f.explicitOrder, err = b.parseOrder(v)
		default:
			err = fmt.Errorf("%w: unknown float attribute", ErrInvalidValue)
		}
		if err != nil {
			return nil, buildErr(a, a.Key, err)
		}
	}
	if f.ExpBits == 0 || f.MantBits == 0 {
		return nil, buildErrf(n, "", ErrMissing, "exp_dig and mant_dig")
	}
	// Exponents 0 and all-ones are reserved, so one bit leaves no normal value.
	if f.ExpBits < 2 {
		return nil, buildErrf(n, "exp_dig", ErrInvalidValue, "exp_dig %d below 2", f.ExpBits)
	}
	if f.Size() > 64 {
		return nil, buildErrf(n, "", ErrInvalidValue, "float of %d bits", f.Size())
	}
	if !haveAlign {
		f.Align = defaultAlign(f.Size())
	}
	if !f.explicitOrder {
		f.Order = b.defaultOrder
	}
	return f, nil
}

func (b *builder) stringType(n *tsdl.Node) (*String, error) {
	s := &String{Encoding: EncodingUTF8}
	for _, a := range n.Body {
		if a.Kind != tsdl.KindAssign || a.Key != "encoding" {
			return nil, buildErrf(a, a.Key, ErrInvalidValue, "unknown string attribute")
		}
		enc, err := parseEncoding(unquote(a.Value))
		if err != nil {
			return nil, buildErr(a, a.Key, err)
		}
		s.Encoding = enc
	}
	return s, nil
}

func (b *builder) structType(n *tsdl.Node) (*Struct, error) {
	if !n.HasBody {
		if n.Name == "" {
			return nil, buildErrf(n, "", ErrInvalidValue, "anonymous struct without body")
		}
		s, ok := b.table.LookupStructRecursive(n.Name)
		if !ok {
			return nil, buildErrf(n, n.Name, ErrUndefined, "struct")
		}
		return s, nil
	}
	if n.Name != "" && b.table.hasLocalStruct(n.Name) {
		return nil, buildErrf(n, n.Name, ErrDuplicate, "struct")
	}
	var align uint = 1
	if n.Align > 0 {
		if err := checkAlign(n.Align); err != nil {
			return nil, buildErr(n, n.Name, err)
		}
		align = uint(n.Align)
	}
	s := NewStruct(align)
	err := b.withScope("struct "+n.Name, func() error {
		return b.body(n, s.AddField)
	})
	if err != nil {
		return nil, err
	}
	if n.Name != "" {
		if err := b.table.RegisterStruct(n.Name, s); err != nil {
			return nil, buildErr(n, n.Name, err)
		}
	}
	return s, nil
}

// body processes the statements of a struct or variant body.
func (b *builder) body(n *tsdl.Node, add func(string, Declaration) error) error {
	for _, f := range n.Body {
		var err error
		switch f.Kind {
		case tsdl.KindField:
			err = b.fields(f, add)
		case tsdl.KindTypedef, tsdl.KindTypealias, tsdl.KindTypeDecl:
			err = b.statement(f)
		default:
			err = buildErrf(f, "", ErrInvalidValue, "unexpected %s in %s body", f.Kind, n.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) variantType(n *tsdl.Node) (*Variant, error) {
	var v *Variant
	if !n.HasBody {
		if n.Name == "" {
			return nil, buildErrf(n, "", ErrInvalidValue, "anonymous variant without body")
		}
		found, ok := b.table.LookupVariantRecursive(n.Name)
		if !ok {
			return nil, buildErrf(n, n.Name, ErrUndefined, "variant")
		}
		if n.Tag == "" || n.Tag == found.Tag {
			return found, nil
		}
		v = found.WithTag(n.Tag)
	} else {
		if n.Name != "" && b.table.hasLocalVariant(n.Name) {
			return nil, buildErrf(n, n.Name, ErrDuplicate, "variant")
		}
		v = NewVariant(n.Tag)
		err := b.withScope("variant "+n.Name, func() error {
			return b.body(n, v.AddField)
		})
		if err != nil {
			return nil, err
		}
		if len(v.fields) == 0 {
			return nil, buildErrf(n, n.Name, ErrMissing, "variant fields")
		}
		if n.Name != "" {
			if err := b.table.RegisterVariant(n.Name, v); err != nil {
				return nil, buildErr(n, n.Name, err)
			}
		}
	}
	if v.Tag != "" {
		if err := b.checkVariantTag(v); err != nil {
			return nil, buildErr(n, n.Name, err)
		}
	}
	return v, nil
}

// checkVariantTag requires the tag to name an enum with at least one label
// that selects a field.
func (b *builder) checkVariantTag(v *Variant) error {
	d, ok := b.resolvePath(v.Tag)
	if !ok {
		return fmt.Errorf("%w: variant tag %q", ErrUndefined, v.Tag)
	}
	e, ok := d.(*Enum)
	if !ok {
		return fmt.Errorf("%w: variant tag %q is a %s, not an enum", ErrInvalidValue, v.Tag, d.Kind())
	}
	for _, label := range e.Labels() {
		if _, _, ok := v.Select(label); ok {
			return nil
		}
	}
	return fmt.Errorf("%w: no label of tag %q names a variant field", ErrInvalidValue, v.Tag)
}

func (b *builder) enumType(n *tsdl.Node) (*Enum, error) {
	if !n.HasBody {
		if n.Name == "" {
			return nil, buildErrf(n, "", ErrInvalidValue, "anonymous enum without body")
		}
		e, ok := b.table.LookupEnumRecursive(n.Name)
		if !ok {
			return nil, buildErrf(n, n.Name, ErrUndefined, "enum")
		}
		return e, nil
	}
	if n.Name != "" && b.table.hasLocalEnum(n.Name) {
		return nil, buildErrf(n, n.Name, ErrDuplicate, "enum")
	}
	var (
		container Declaration
		err       error
	)
	if n.Container != nil {
		container, err = b.typeSpecifier(n.Container)
		if err != nil {
			return nil, err
		}
	} else {
		var ok bool
		if container, ok = b.table.LookupTypeRecursive("int"); !ok {
			return nil, buildErrf(n, n.Name, ErrUndefined, "enum without container and no \"int\" type")
		}
	}
	ci, ok := container.(*Integer)
	if !ok {
		return nil, buildErrf(n, n.Name, ErrInvalidValue, "enum container is a %s", container.Kind())
	}
	e := NewEnum(ci)
	for _, en := range n.Enumerators {
		if err := addEnumerator(e, en); err != nil {
			return nil, buildErr(n, n.Name, err)
		}
	}
	if n.Name != "" {
		if err := b.table.RegisterEnum(n.Name, e); err != nil {
			return nil, buildErr(n, n.Name, err)
		}
	}
	return e, nil
}

// dynamicRoots are the absolute prefixes a field path may start with.
var dynamicRoots = []string{
	"trace.packet.header",
	"stream.packet.context",
	"stream.event.header",
	"stream.event.context",
	"event.context",
	"event.fields",
}

func splitDynamic(path string) (root, rest string, ok bool) {
	for _, r := range dynamicRoots {
		if path == r {
			return r, "", true
		}
		if strings.HasPrefix(path, r+".") {
			return r, path[len(r)+1:], true
		}
	}
	return "", "", false
}

// resolvePath finds the declaration of a field path: an absolute path
// through one of the dynamic scopes, or a relative path whose first element
// is an identifier visible from the current scope.
func (b *builder) resolvePath(path string) (Declaration, bool) {
	if root, rest, ok := splitDynamic(path); ok {
		d := b.dynamicRoot(root)
		if d == nil {
			return nil, false
		}
		return walkDecl(d, rest)
	}
	head, rest, _ := strings.Cut(path, ".")
	d, ok := b.table.LookupIdentifierRecursive(head)
	if !ok {
		return nil, false
	}
	return walkDecl(d, rest)
}

func (b *builder) dynamicRoot(root string) Declaration {
	var s *Struct
	switch root {
	case "trace.packet.header":
		s = b.trace.PacketHeader
	case "stream.packet.context":
		if b.stream != nil {
			s = b.stream.PacketContext
		}
	case "stream.event.header":
		if b.stream != nil && b.stream.EventHeader != nil {
			return b.stream.EventHeader
		}
	case "stream.event.context":
		if b.stream != nil {
			s = b.stream.EventContext
		}
	case "event.context":
		if b.event != nil {
			s = b.event.Context
		}
	case "event.fields":
		if b.event != nil {
			s = b.event.Fields
		}
	}
	if s == nil {
		return nil
	}
	return s
}

func walkDecl(d Declaration, path string) (Declaration, bool) {
	for path != "" {
		var head string
		head, path, _ = strings.Cut(path, ".")
		switch x := d.(type) {
		case *EventHeader:
			d = x.Struct
			path = joinPath(head, path)
		case *Struct:
			f, ok := x.Field(head)
			if !ok {
				return nil, false
			}
			d = f
		case *Variant:
			_, f, ok := x.Select(head)
			if !ok {
				return nil, false
			}
			d = f
		default:
			return nil, false
		}
	}
	return d, true
}

func joinPath(head, rest string) string {
	if rest == "" {
		return head
	}
	return head + "." + rest
}

func (b *builder) parseOrder(v string) (bitbuf.ByteOrder, bool, error) {
	switch v {
	case "le":
		return bitbuf.LittleEndian, true, nil
	case "be", "network":
		return bitbuf.BigEndian, true, nil
	case "native":
		return b.defaultOrder, false, nil
	}
	return 0, false, fmt.Errorf("%w: byte order %q", ErrInvalidValue, v)
}

func (b *builder) parseClockMap(v string) (string, error) {
	name, ok := strings.CutPrefix(v, "clock.")
	if ok {
		name, ok = strings.CutSuffix(name, ".value")
	}
	if !ok || name == "" {
		return "", fmt.Errorf("%w: map %q, want clock.<name>.value", ErrInvalidValue, v)
	}
	if _, ok := b.trace.clocks[name]; !ok {
		return "", fmt.Errorf("%w: clock %q", ErrUndefined, name)
	}
	return name, nil
}

func addEnumerator(e *Enum, en tsdl.Enumerator) error {
	switch {
	case en.Value == nil && en.High != nil:
		return fmt.Errorf("%w: enumerator %q has a high bound without a low one", ErrInvalidValue, en.Label)
	case en.Value == nil:
		return e.AddNext(en.Label)
	}
	low, high := *en.Value, *en.Value
	if en.High != nil {
		high = *en.High
	}
	// Non-negative bounds go through the unsigned path so that 64-bit
	// unsigned containers keep values above int64.
	negative := func(lit string) bool { return strings.HasPrefix(strings.TrimSpace(unquote(lit)), "-") }
	if !negative(low) && !negative(high) {
		lo, err := parseUint(low)
		if err != nil {
			return err
		}
		hi, err := parseUint(high)
		if err != nil {
			return err
		}
		return e.AddUnsigned(lo, hi, en.Label)
	}
	lo, err := parseInt(low)
	if err != nil {
		return err
	}
	hi, err := parseInt(high)
	if err != nil {
		return err
	}
	return e.Add(lo, hi, en.Label)
}

func parseAlign(v string) (uint, error) {
	a, err := parseUint(v)
	if err != nil {
		return 0, err
	}
	if err := checkAlign(a); err != nil {
		return 0, err
	}
	return uint(a), nil
}

func checkAlign(a uint64) error {
	if bits.OnesCount64(a) != 1 {
		return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidValue, a)
	}
	return nil
}

func parseBase(v string) (int, error) {
	switch v {
	case "2", "binary", "bin", "b":
		return 2, nil
	case "8", "octal", "oct", "o":
		return 8, nil
	case "10", "decimal", "dec", "d", "i", "u":
		return 10, nil
	case "16", "hexadecimal", "hex", "x", "X", "p":
		return 16, nil
	}
	return 0, fmt.Errorf("%w: base %q", ErrInvalidValue, v)
}

func parseEncoding(v string) (Encoding, error) {
	switch strings.ToUpper(v) {
	case "NONE":
		return EncodingNone, nil
	case "ASCII":
		return EncodingASCII, nil
	case "UTF8", "UTF-8":
		return EncodingUTF8, nil
	}
	return 0, fmt.Errorf("%w: encoding %q", ErrInvalidValue, v)
}
