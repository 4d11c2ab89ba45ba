// Package tsdl holds the parse tree of CTF metadata that the declaration
// builder consumes. A grammar front end (or the YAML loader in this package)
// produces a Document; nothing here interprets types.
package tsdl

import (
	"fmt"
	"strings"
)

type Kind string

const (
	KindTrace    Kind = "trace"
	KindStream   Kind = "stream"
	KindEvent    Kind = "event"
	KindClock    Kind = "clock"
	KindEnv      Kind = "env"
	KindCallsite Kind = "callsite"

	// statements
	KindTypedef    Kind = "typedef"
	KindTypealias  Kind = "typealias"
	KindTypeDecl   Kind = "typedecl"
	KindField      Kind = "field"
	KindAssign     Kind = "assign"
	KindTypeAssign Kind = "type_assign"

	// type specifiers
	KindInteger Kind = "integer"
	KindFloat   Kind = "float"
	KindString  Kind = "string"
	KindStruct  Kind = "struct"
	KindVariant Kind = "variant"
	KindEnum    Kind = "enum"
	KindTypeRef Kind = "typeref"
)

func (k Kind) IsBlock() bool {
	switch k {
	case KindTrace, KindStream, KindEvent, KindClock, KindEnv, KindCallsite:
		return true
	}
	return false
}

func (k Kind) IsTypeSpecifier() bool {
	switch k {
	case KindInteger, KindFloat, KindString, KindStruct, KindVariant, KindEnum, KindTypeRef:
		return true
	}
	return false
}

// Declarator names one instance of a type. Each entry of Lengths adds an
// array dimension (integer literal) or a sequence dimension (field path).
type Declarator struct {
	Name    string   `yaml:"name,omitempty"`
	Lengths []string `yaml:"lengths,omitempty"`
}

func (d Declarator) String() string {
	var b strings.Builder
	b.WriteString(d.Name)
	for _, l := range d.Lengths {
		fmt.Fprintf(&b, "[%s]", l)
	}
	return b.String()
}

// Enumerator is one enum entry. A nil Value continues from the previous
// entry; a non-nil High makes the entry a range. Bounds are integer literals,
// interpreted against the signedness of the enum's container.
type Enumerator struct {
	Label string  `yaml:"label"`
	Value *string `yaml:"value,omitempty"`
	High  *string `yaml:"high,omitempty"`
}

// Node is one element of the tree. Which fields are meaningful depends on
// Kind:
//
//	blocks          Body
//	assign          Key, Value
//	type_assign     Key, Type
//	typedef, field  Type, Declarators
//	typealias       Type, Abstract (optional), Declarators[0] is the alias
//	typedecl        Type
//	integer, float  Body of assign nodes; string too when it has attributes
//	struct          Name, Body, HasBody, Align
//	variant         Name, Tag, Body, HasBody
//	enum            Name, Container, Enumerators, HasBody
//	typeref         Name
type Node struct {
	Kind        Kind         `yaml:"kind"`
	Name        string       `yaml:"name,omitempty"`
	Key         string       `yaml:"key,omitempty"`
	Value       string       `yaml:"value,omitempty"`
	Tag         string       `yaml:"tag,omitempty"`
	Align       uint64       `yaml:"align,omitempty"`
	Type        *Node        `yaml:"type,omitempty"`
	Container   *Node        `yaml:"container,omitempty"`
	Abstract    *Declarator  `yaml:"abstract,omitempty"`
	Declarators []Declarator `yaml:"declarators,omitempty"`
	Enumerators []Enumerator `yaml:"enumerators,omitempty"`
	Body        []*Node      `yaml:"body,omitempty"`
	HasBody     bool         `yaml:"-"`
	Line        int          `yaml:"-"`
}

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.Kind {
	case KindAssign:
		return fmt.Sprintf("%s = %s", n.Key, n.Value)
	case KindTypeAssign:
		return fmt.Sprintf("%s := %s", n.Key, n.Type)
	case KindStruct, KindVariant, KindEnum, KindTypeRef:
		if n.Name != "" {
			return fmt.Sprintf("%s %s", n.Kind, n.Name)
		}
	}
	return string(n.Kind)
}

// Document is a whole metadata file in source order.
type Document struct {
	Nodes []*Node `yaml:"metadata"`
}
