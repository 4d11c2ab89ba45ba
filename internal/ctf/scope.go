package ctf

import "fmt"

// Scope is one level of the metadata namespace. Type aliases, compound tags
// (struct, enum and variant names) and field identifiers live in separate
// maps, so "struct foo" and a typealias "foo" never collide.
type Scope struct {
	parent *Scope
	name   string

	types       map[string]Declaration
	typeOrder   []string
	structs     map[string]*Struct
	enums       map[string]*Enum
	variants    map[string]*Variant
	identifiers map[string]Declaration
}

func newScope(parent *Scope, name string) *Scope {
	return &Scope{
		parent:      parent,
		name:        name,
		types:       make(map[string]Declaration),
		structs:     make(map[string]*Struct),
		enums:       make(map[string]*Enum),
		variants:    make(map[string]*Variant),
		identifiers: make(map[string]Declaration),
	}
}

func (s *Scope) Name() string   { return s.name }
func (s *Scope) Parent() *Scope { return s.parent }

// Path is the dotted chain of scope names from the root.
func (s *Scope) Path() string {
	if s.parent == nil {
		return s.name
	}
	if p := s.parent.Path(); p != "" {
		return p + "." + s.name
	}
	return s.name
}

func (s *Scope) Type(name string) (Declaration, bool) {
	d, ok := s.types[name]
	return d, ok
}

// TypeNames lists the aliases of this scope in registration order.
func (s *Scope) TypeNames() []string { return s.typeOrder }

// ReplaceType rebinds an existing alias to a new declaration. The previous
// declaration is left untouched.
func (s *Scope) ReplaceType(name string, d Declaration) error {
	if _, ok := s.types[name]; !ok {
		return fmt.Errorf("%w: type %q", ErrUndefined, name)
	}
	s.types[name] = d
	return nil
}

// SymbolTable is the builder's scope stack. It starts and ends at the root.
type SymbolTable struct {
	root    *Scope
	current *Scope
}

func NewSymbolTable() *SymbolTable {
	root := newScope(nil, "")
	return &SymbolTable{root: root, current: root}
}

func (t *SymbolTable) Root() *Scope    { return t.root }
func (t *SymbolTable) Current() *Scope { return t.current }

func (t *SymbolTable) Push(name string) *Scope {
	t.current = newScope(t.current, name)
	return t.current
}

func (t *SymbolTable) Pop() error {
	if t.current.parent == nil {
		return ErrScopeUnderflow
	}
	t.current = t.current.parent
	return nil
}

func (t *SymbolTable) RegisterType(name string, d Declaration) error {
	s := t.current
	if _, ok := s.types[name]; ok {
		return fmt.Errorf("%w: type %q", ErrDuplicate, name)
	}
	s.types[name] = d
	s.typeOrder = append(s.typeOrder, name)
	return nil
}

func (t *SymbolTable) RegisterStruct(name string, d *Struct) error {
	if _, ok := t.current.structs[name]; ok {
		return fmt.Errorf("%w: struct %q", ErrDuplicate, name)
	}
	t.current.structs[name] = d
	return nil
}

func (t *SymbolTable) RegisterEnum(name string, d *Enum) error {
	if _, ok := t.current.enums[name]; ok {
		return fmt.Errorf("%w: enum %q", ErrDuplicate, name)
	}
	t.current.enums[name] = d
	return nil
}

func (t *SymbolTable) RegisterVariant(name string, d *Variant) error {
	if _, ok := t.current.variants[name]; ok {
		return fmt.Errorf("%w: variant %q", ErrDuplicate, name)
	}
	t.current.variants[name] = d
	return nil
}

func (t *SymbolTable) RegisterIdentifier(name string, d Declaration) error {
	if _, ok := t.current.identifiers[name]; ok {
		return fmt.Errorf("%w: identifier %q", ErrDuplicate, name)
	}
	t.current.identifiers[name] = d
	return nil
}

func (t *SymbolTable) LookupTypeRecursive(name string) (Declaration, bool) {
	for s := t.current; s != nil; s = s.parent {
		if d, ok := s.types[name]; ok {
			return d, true
		}
	}
	return nil, false
}

func (t *SymbolTable) LookupStructRecursive(name string) (*Struct, bool) {
	for s := t.current; s != nil; s = s.parent {
		if d, ok := s.structs[name]; ok {
			return d, true
		}
	}
	return nil, false
}

func (t *SymbolTable) LookupEnumRecursive(name string) (*Enum, bool) {
	for s := t.current; s != nil; s = s.parent {
		if d, ok := s.enums[name]; ok {
			return d, true
		}
	}
	return nil, false
}

func (t *SymbolTable) LookupVariantRecursive(name string) (*Variant, bool) {
	for s := t.current; s != nil; s = s.parent {
		if d, ok := s.variants[name]; ok {
			return d, true
		}
	}
	return nil, false
}

func (t *SymbolTable) LookupIdentifierRecursive(name string) (Declaration, bool) {
	for s := t.current; s != nil; s = s.parent {
		if d, ok := s.identifiers[name]; ok {
			return d, true
		}
	}
	return nil, false
}

// hasLocalStruct and friends check only the current scope, for the
// redeclaration rule.
func (t *SymbolTable) hasLocalStruct(name string) bool {
	_, ok := t.current.structs[name]
	return ok
}

func (t *SymbolTable) hasLocalEnum(name string) bool {
	_, ok := t.current.enums[name]
	return ok
}

func (t *SymbolTable) hasLocalVariant(name string) bool {
	_, ok := t.current.variants[name]
	return ok
}
