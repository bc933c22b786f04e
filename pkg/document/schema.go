package document

import (
	"fmt"
)

// ValueType is the type of a leaf value.
type ValueType int

const (
	TypeString ValueType = iota
	TypeText
	TypeInt
	TypeFloat
	TypeBool
	TypeDate
)

// String returns the type name.
func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeText:
		return "text"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	case TypeDate:
		return "date"
	default:
		return "unknown"
	}
}

// ParseValueType parses a type name as returned by ValueType.String.
func ParseValueType(s string) (ValueType, error) {
	for t := TypeString; t <= TypeDate; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TypeString, fmt.Errorf("unknown value type %q", s)
}

// FieldKind is the structural shape of a field.
type FieldKind int

const (
	KindValue FieldKind = iota
	KindValueList
	KindObject
	KindObjectList
)

// String returns the kind name.
func (k FieldKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindValueList:
		return "value_list"
	case KindObject:
		return "object"
	case KindObjectList:
		return "object_list"
	default:
		return "unknown"
	}
}

// IsObject reports whether the field holds nested nodes.
func (k FieldKind) IsObject() bool {
	return k == KindObject || k == KindObjectList
}

// IsList reports whether the field may hold several entries.
func (k FieldKind) IsList() bool {
	return k == KindValueList || k == KindObjectList
}

// FieldSchema describes one declared field.
type FieldSchema struct {
	Name string
	Kind FieldKind
	// Type is meaningful for value fields only.
	Type ValueType
	// Object is the nested schema for object fields, nil otherwise.
	Object *ObjectSchema

	parent *ObjectSchema
}

// Path returns the dotted schema path of the field.
func (f *FieldSchema) Path() string {
	if f.parent == nil || f.parent.path == "" {
		return f.Name
	}
	return f.parent.path + "." + f.Name
}

// ObjectSchema is the set of fields declared at one level of the tree.
type ObjectSchema struct {
	path   string
	fields []*FieldSchema
	byName map[string]*FieldSchema
}

// NewSchema creates an empty root schema.
func NewSchema() *ObjectSchema {
	return newObjectSchema("")
}

func newObjectSchema(path string) *ObjectSchema {
	return &ObjectSchema{
		path:   path,
		byName: make(map[string]*FieldSchema),
	}
}

// Path returns the dotted path of this object, empty for the root.
func (s *ObjectSchema) Path() string {
	return s.path
}

// Fields returns the declared fields in declaration order.
func (s *ObjectSchema) Fields() []*FieldSchema {
	out := make([]*FieldSchema, len(s.fields))
	copy(out, s.fields)
	return out
}

// Lookup returns the field declared under name.
func (s *ObjectSchema) Lookup(name string) (*FieldSchema, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Value declares a single-valued leaf field.
func (s *ObjectSchema) Value(name string, t ValueType) (*FieldSchema, error) {
	return s.declare(name, KindValue, t)
}

// ValueList declares a multi-valued leaf field.
func (s *ObjectSchema) ValueList(name string, t ValueType) (*FieldSchema, error) {
	return s.declare(name, KindValueList, t)
}

// Object declares a single nested object field.
func (s *ObjectSchema) Object(name string) (*FieldSchema, error) {
	return s.declare(name, KindObject, TypeString)
}

// ObjectList declares a multi-valued nested object field.
func (s *ObjectSchema) ObjectList(name string) (*FieldSchema, error) {
	return s.declare(name, KindObjectList, TypeString)
}

func (s *ObjectSchema) declare(name string, kind FieldKind, t ValueType) (*FieldSchema, error) {
	if name == "" {
		return nil, fmt.Errorf("field name must not be empty")
	}
	if _, exists := s.byName[name]; exists {
		return nil, fmt.Errorf("field %q already declared at %q", name, s.displayPath())
	}

	f := &FieldSchema{
		Name:   name,
		Kind:   kind,
		Type:   t,
		parent: s,
	}
	if kind.IsObject() {
		f.Object = newObjectSchema(f.Path())
	}

	s.fields = append(s.fields, f)
	s.byName[name] = f
	return f, nil
}

func (s *ObjectSchema) displayPath() string {
	if s.path == "" {
		return "<root>"
	}
	return s.path
}
