package document

import (
	"fmt"
	"sort"
	"time"
)

// Entry is one written field of a Node.
type Entry struct {
	Name string
	Kind FieldKind
	Type ValueType

	// Values holds leaf values for value fields.
	Values []any
	// Objects holds nested nodes for object fields.
	Objects []*Node
}

// Node is an ordered mapping of field name to values or nested nodes.
type Node struct {
	schema  *ObjectSchema
	entries []*Entry
	byName  map[string]*Entry
}

// New creates an empty node bound to schema.
// A nil schema creates a dynamic node whose fields are declared on first write.
func New(schema *ObjectSchema) *Node {
	return &Node{
		schema: schema,
		byName: make(map[string]*Entry),
	}
}

// Schema returns the schema the node is bound to, nil for dynamic nodes.
func (n *Node) Schema() *ObjectSchema {
	return n.schema
}

// Fields returns the written entries in write order.
func (n *Node) Fields() []*Entry {
	return n.entries
}

// Get returns the entry written under name.
func (n *Node) Get(name string) (*Entry, bool) {
	e, ok := n.byName[name]
	return e, ok
}

// Len returns the number of written fields.
func (n *Node) Len() int {
	return len(n.entries)
}

// Set writes a single leaf value. Writing the same single-valued field twice is an error.
func (n *Node) Set(f *FieldSchema, v any) error {
	if err := n.checkField(f, KindValue); err != nil {
		return err
	}
	if _, exists := n.byName[f.Name]; exists {
		return fmt.Errorf("field %q already written", f.Path())
	}
	norm, err := normalize(f.Type, v)
	if err != nil {
		return fmt.Errorf("field %q: %w", f.Path(), err)
	}
	n.entry(f).Values = []any{norm}
	return nil
}

// Append adds a value to a multi-valued leaf field.
func (n *Node) Append(f *FieldSchema, v any) error {
	if err := n.checkField(f, KindValueList); err != nil {
		return err
	}
	norm, err := normalize(f.Type, v)
	if err != nil {
		return fmt.Errorf("field %q: %w", f.Path(), err)
	}
	e := n.entry(f)
	e.Values = append(e.Values, norm)
	return nil
}

// AddObject creates a nested node under an object field and returns it.
func (n *Node) AddObject(f *FieldSchema) (*Node, error) {
	if f == nil {
		return nil, fmt.Errorf("nil field")
	}
	if !f.Kind.IsObject() {
		return nil, fmt.Errorf("field %q is a %s field, not an object", f.Path(), f.Kind)
	}
	if err := n.checkOwner(f); err != nil {
		return nil, err
	}
	if e, exists := n.byName[f.Name]; exists && f.Kind == KindObject && len(e.Objects) > 0 {
		return nil, fmt.Errorf("field %q already written", f.Path())
	}
	child := New(f.Object)
	e := n.entry(f)
	e.Objects = append(e.Objects, child)
	return child, nil
}

// SetDynamic writes a leaf value on a dynamic node, inferring its type.
func (n *Node) SetDynamic(name string, v any) error {
	if n.schema != nil {
		return fmt.Errorf("node is bound to a schema; declare %q first", name)
	}
	if _, exists := n.byName[name]; exists {
		return fmt.Errorf("field %q already written", name)
	}

	switch tv := v.(type) {
	case []any:
		e := &Entry{Name: name, Kind: KindValueList, Type: inferType(tv)}
		for _, item := range tv {
			norm, err := normalize(e.Type, item)
			if err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
			e.Values = append(e.Values, norm)
		}
		n.add(e)
	case map[string]any:
		e := &Entry{Name: name, Kind: KindObject}
		e.Objects = []*Node{FromMap(tv)}
		n.add(e)
	default:
		t := inferType([]any{v})
		norm, err := normalize(t, v)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		n.add(&Entry{Name: name, Kind: KindValue, Type: t, Values: []any{norm}})
	}
	return nil
}

func (n *Node) checkField(f *FieldSchema, kind FieldKind) error {
	if f == nil {
		return fmt.Errorf("nil field")
	}
	if f.Kind != kind {
		return fmt.Errorf("field %q is a %s field, not %s", f.Path(), f.Kind, kind)
	}
	return n.checkOwner(f)
}

func (n *Node) checkOwner(f *FieldSchema) error {
	if n.schema == nil {
		return fmt.Errorf("field %q written to a dynamic node", f.Path())
	}
	if f.parent != n.schema {
		return fmt.Errorf("field %q is not declared at %q", f.Path(), n.schema.displayPath())
	}
	return nil
}

func (n *Node) entry(f *FieldSchema) *Entry {
	if e, ok := n.byName[f.Name]; ok {
		return e
	}
	e := &Entry{Name: f.Name, Kind: f.Kind, Type: f.Type}
	n.add(e)
	return e
}

func (n *Node) add(e *Entry) {
	n.entries = append(n.entries, e)
	n.byName[e.Name] = e
}

// ToMap renders the node as nested maps. Single-valued fields become scalars,
// list fields become slices. formatDate renders dates; nil keeps time.Time values.
func (n *Node) ToMap(formatDate func(time.Time) any) map[string]any {
	out := make(map[string]any, len(n.entries))
	for _, e := range n.entries {
		switch e.Kind {
		case KindValue:
			if len(e.Values) > 0 {
				out[e.Name] = renderValue(e.Values[0], formatDate)
			}
		case KindValueList:
			vals := make([]any, len(e.Values))
			for i, v := range e.Values {
				vals[i] = renderValue(v, formatDate)
			}
			out[e.Name] = vals
		case KindObject:
			if len(e.Objects) > 0 {
				out[e.Name] = e.Objects[0].ToMap(formatDate)
			}
		case KindObjectList:
			objs := make([]any, len(e.Objects))
			for i, o := range e.Objects {
				objs[i] = o.ToMap(formatDate)
			}
			out[e.Name] = objs
		}
	}
	return out
}

// FromMap builds a dynamic node from decoded JSON-like data.
// Keys are written in sorted order so the result is deterministic.
func FromMap(m map[string]any) *Node {
	n := New(nil)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		if list, ok := v.([]any); ok && len(list) > 0 {
			if _, isObj := list[0].(map[string]any); isObj {
				e := &Entry{Name: k, Kind: KindObjectList}
				for _, item := range list {
					if obj, ok := item.(map[string]any); ok {
						e.Objects = append(e.Objects, FromMap(obj))
					}
				}
				n.add(e)
				continue
			}
		}
		if err := n.SetDynamic(k, v); err != nil {
			// Unsupported values degrade to their string form.
			n.add(&Entry{Name: k, Kind: KindValue, Type: TypeString, Values: []any{fmt.Sprint(v)}})
		}
	}
	return n
}

// EstimatedSize approximates the serialized size of the node in bytes.
func (n *Node) EstimatedSize() int {
	size := 2
	for _, e := range n.entries {
		size += len(e.Name) + 4
		for _, v := range e.Values {
			size += valueSize(v) + 1
		}
		for _, o := range e.Objects {
			size += o.EstimatedSize() + 1
		}
		if e.Kind.IsList() {
			size += 2
		}
	}
	return size
}

func renderValue(v any, formatDate func(time.Time) any) any {
	if t, ok := v.(time.Time); ok && formatDate != nil {
		return formatDate(t)
	}
	return v
}

func valueSize(v any) int {
	switch tv := v.(type) {
	case string:
		return len(tv) + 2
	case time.Time:
		return 26
	case bool:
		return 5
	case nil:
		return 4
	default:
		return 12
	}
}
