package tsdl

import "strconv"

// Constructors used by front ends and tests to assemble trees.

func Assign(key, value string) *Node {
	return &Node{Kind: KindAssign, Key: key, Value: value}
}

func TypeAssign(key string, typ *Node) *Node {
	return &Node{Kind: KindTypeAssign, Key: key, Type: typ}
}

func Block(kind Kind, body ...*Node) *Node {
	return &Node{Kind: kind, Body: body, HasBody: true}
}

func Integer(attrs ...*Node) *Node {
	return &Node{Kind: KindInteger, Body: attrs, HasBody: true}
}

func Float(attrs ...*Node) *Node {
	return &Node{Kind: KindFloat, Body: attrs, HasBody: true}
}

func String(attrs ...*Node) *Node {
	return &Node{Kind: KindString, Body: attrs, HasBody: len(attrs) > 0}
}

func TypeRef(name string) *Node {
	return &Node{Kind: KindTypeRef, Name: name}
}

// Struct declares a struct with a body. An empty name makes it anonymous.
func Struct(name string, fields ...*Node) *Node {
	return &Node{Kind: KindStruct, Name: name, Body: fields, HasBody: true}
}

func StructRef(name string) *Node {
	return &Node{Kind: KindStruct, Name: name}
}

func Variant(name, tag string, fields ...*Node) *Node {
	return &Node{Kind: KindVariant, Name: name, Tag: tag, Body: fields, HasBody: true}
}

func VariantRef(name, tag string) *Node {
	return &Node{Kind: KindVariant, Name: name, Tag: tag}
}

func Enum(name string, container *Node, entries ...Enumerator) *Node {
	return &Node{Kind: KindEnum, Name: name, Container: container, Enumerators: entries, HasBody: true}
}

func EnumRef(name string) *Node {
	return &Node{Kind: KindEnum, Name: name}
}

func Label(label string) Enumerator {
	return Enumerator{Label: label}
}

func LabelValue(label string, v int64) Enumerator {
	lit := strconv.FormatInt(v, 10)
	return Enumerator{Label: label, Value: &lit}
}

func LabelRange(label string, low, high int64) Enumerator {
	l, h := strconv.FormatInt(low, 10), strconv.FormatInt(high, 10)
	return Enumerator{Label: label, Value: &l, High: &h}
}

// LabelUintRange declares a range beyond int64, for 64-bit unsigned
// containers.
func LabelUintRange(label string, low, high uint64) Enumerator {
	l, h := strconv.FormatUint(low, 10), strconv.FormatUint(high, 10)
	return Enumerator{Label: label, Value: &l, High: &h}
}

func Field(typ *Node, names ...string) *Node {
	n := &Node{Kind: KindField, Type: typ}
	for _, name := range names {
		n.Declarators = append(n.Declarators, Declarator{Name: name})
	}
	return n
}

// ArrayField declares a single field with array or sequence dimensions.
func ArrayField(typ *Node, name string, lengths ...string) *Node {
	return &Node{Kind: KindField, Type: typ, Declarators: []Declarator{{Name: name, Lengths: lengths}}}
}

func Typedef(typ *Node, names ...string) *Node {
	n := Field(typ, names...)
	n.Kind = KindTypedef
	return n
}

func Typealias(target *Node, alias string) *Node {
	return &Node{Kind: KindTypealias, Type: target, Declarators: []Declarator{{Name: alias}}}
}

func TypeDecl(typ *Node) *Node {
	return &Node{Kind: KindTypeDecl, Type: typ}
}
