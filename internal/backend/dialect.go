package backend

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/document"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// Version is a backend major.minor version.
type Version struct {
	Major int
	Minor int
}

// ParseVersion parses "7", "7.10" or "7.10.2". Patch levels are ignored.
func ParseVersion(s string) (Version, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)
	if parts[0] == "" {
		return Version{}, fmt.Errorf("empty backend version")
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return Version{}, fmt.Errorf("invalid backend version %q", s)
	}
	v := Version{Major: major}
	if len(parts) > 1 {
		if v.Minor, err = strconv.Atoi(parts[1]); err != nil {
			return Version{}, fmt.Errorf("invalid backend version %q", s)
		}
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// Mapping declares the backend field type of dotted document paths.
type Mapping map[string]document.ValueType

// MappingFromSchema collects the leaf fields of a schema.
func MappingFromSchema(s *document.ObjectSchema) Mapping {
	m := Mapping{}
	var walk func(*document.ObjectSchema)
	walk = func(s *document.ObjectSchema) {
		for _, f := range s.Fields() {
			if f.Kind.IsObject() {
				walk(f.Object)
				continue
			}
			m[f.Path()] = f.Type
		}
	}
	if s != nil {
		walk(s)
	}
	return m
}

// MappingFromFields builds a mapping from dotted field paths and type names,
// as written in configuration. Intermediate path segments become objects.
func MappingFromFields(fields map[string]string) (Mapping, error) {
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	schema := document.NewSchema()
	for _, p := range paths {
		t, err := document.ParseValueType(strings.ToLower(fields[p]))
		if err != nil {
			return nil, errors.New(errors.ErrCodeMappingInvalid, fmt.Sprintf("field %s", p), err)
		}
		segments := strings.Split(p, ".")
		obj := schema
		for _, name := range segments[:len(segments)-1] {
			f, ok := obj.Lookup(name)
			if !ok {
				if f, err = obj.Object(name); err != nil {
					return nil, errors.New(errors.ErrCodeMappingInvalid, fmt.Sprintf("field %s", p), err)
				}
			}
			if !f.Kind.IsObject() {
				return nil, errors.New(errors.ErrCodeMappingInvalid,
					fmt.Sprintf("field %s: %s is a %s field, not an object", p, f.Path(), f.Type), nil)
			}
			obj = f.Object
		}
		if _, err := obj.Value(segments[len(segments)-1], t); err != nil {
			return nil, errors.New(errors.ErrCodeMappingInvalid, fmt.Sprintf("field %s", p), err)
		}
	}
	return MappingFromSchema(schema), nil
}

// Dialect is the set of version-specific behaviors of a remote backend.
// Each field is an independent strategy; SelectDialect composes them from
// version-range rules.
type Dialect struct {
	Version Version

	// TypeName, when set, is sent as _type in action metadata.
	TypeName string
	// RoutingField is the action metadata key carrying the routing key.
	RoutingField string
	// FormatDate renders date values in documents.
	FormatDate func(time.Time) any
	// FieldType names the backend field type for a value type.
	FieldType func(document.ValueType) string
	// Validate checks a document against a mapping before it is sent.
	Validate func(doc *document.Node, m Mapping) error
}

// ActionMeta builds the action line of a bulk item.
func (d *Dialect) ActionMeta(w *work.Descriptor, id string) map[string]any {
	meta := map[string]any{
		"_index": w.Index(),
		"_id":    id,
	}
	if d.TypeName != "" {
		meta["_type"] = d.TypeName
	}
	if w.RoutingKey() != "" {
		meta[d.RoutingField] = w.RoutingKey()
	}

	op := "index"
	switch w.Kind() {
	case work.KindAdd:
		op = "create"
	case work.KindDelete:
		op = "delete"
	}
	return map[string]any{op: meta}
}

// MappingProperties renders a mapping as a backend properties object.
func (d *Dialect) MappingProperties(m Mapping) map[string]any {
	props := make(map[string]any, len(m))
	for path, t := range m {
		props[path] = map[string]any{"type": d.FieldType(t)}
	}
	return props
}

type dialectRule struct {
	name  string
	from  Version
	until Version // exclusive; zero means open-ended
	apply func(*Dialect)
}

func (r dialectRule) matches(v Version) bool {
	if v.Less(r.from) {
		return false
	}
	return r.until == (Version{}) || v.Less(r.until)
}

// dialectRules are applied in order; later rules override earlier ones.
var dialectRules = []dialectRule{
	{
		name: "base",
		apply: func(d *Dialect) {
			d.RoutingField = "routing"
			d.FormatDate = formatDateNanos
			d.FieldType = fieldTypeModern
			d.Validate = validateTypes
		},
	},
	{
		name:  "typed",
		until: Version{Major: 7},
		apply: func(d *Dialect) {
			d.TypeName = "_doc"
			d.RoutingField = "_routing"
			d.FormatDate = formatDateMillis
			d.FieldType = withDateType("date", d.FieldType)
		},
	},
	{
		name:  "string-type",
		until: Version{Major: 5},
		apply: func(d *Dialect) {
			d.FieldType = fieldTypeLegacyString
		},
	},
	{
		name:  "reserved-names",
		until: Version{Major: 6},
		apply: func(d *Dialect) {
			d.Validate = chainValidators(d.Validate, rejectReservedNames)
		},
	},
}

// SelectDialect composes the dialect for a backend version string.
func SelectDialect(version string) (*Dialect, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "invalid backend version", err)
	}
	d := &Dialect{Version: v}
	for _, r := range dialectRules {
		if r.matches(v) {
			r.apply(d)
		}
	}
	return d, nil
}

func formatDateNanos(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDateMillis(t time.Time) any {
	return t.UnixMilli()
}

func fieldTypeModern(t document.ValueType) string {
	switch t {
	case document.TypeText:
		return "text"
	case document.TypeInt:
		return "long"
	case document.TypeFloat:
		return "double"
	case document.TypeBool:
		return "boolean"
	case document.TypeDate:
		return "date_nanos"
	default:
		return "keyword"
	}
}

func withDateType(name string, next func(document.ValueType) string) func(document.ValueType) string {
	return func(t document.ValueType) string {
		if t == document.TypeDate {
			return name
		}
		return next(t)
	}
}

func fieldTypeLegacyString(t document.ValueType) string {
	switch t {
	case document.TypeString, document.TypeText:
		return "string"
	case document.TypeDate:
		return "date"
	default:
		return fieldTypeModern(t)
	}
}

func chainValidators(vs ...func(*document.Node, Mapping) error) func(*document.Node, Mapping) error {
	return func(doc *document.Node, m Mapping) error {
		for _, v := range vs {
			if err := v(doc, m); err != nil {
				return err
			}
		}
		return nil
	}
}

// validateTypes rejects values that do not fit the mapped type of their path.
// Paths missing from the mapping are accepted.
func validateTypes(doc *document.Node, m Mapping) error {
	if len(m) == 0 || doc == nil {
		return nil
	}
	return walkEntries(doc, "", func(path string, e *document.Entry) error {
		want, ok := m[path]
		if !ok || e.Kind.IsObject() {
			return nil
		}
		for _, v := range e.Values {
			if !valueFits(want, v) {
				return errors.New(errors.ErrCodeMappingInvalid,
					fmt.Sprintf("field %q: %v (%T) does not fit mapped type %s", path, v, v, want), nil)
			}
		}
		return nil
	})
}

func rejectReservedNames(doc *document.Node, _ Mapping) error {
	if doc == nil {
		return nil
	}
	return walkEntries(doc, "", func(path string, e *document.Entry) error {
		if strings.HasPrefix(e.Name, "_") {
			return errors.New(errors.ErrCodeMappingInvalid,
				fmt.Sprintf("field %q uses a reserved name", path), nil)
		}
		return nil
	})
}

func walkEntries(n *document.Node, prefix string, fn func(path string, e *document.Entry) error) error {
	for _, e := range n.Fields() {
		path := e.Name
		if prefix != "" {
			path = prefix + "." + e.Name
		}
		if err := fn(path, e); err != nil {
			return err
		}
		for _, child := range e.Objects {
			if err := walkEntries(child, path, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func valueFits(t document.ValueType, v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case document.TypeString, document.TypeText:
		_, ok := v.(string)
		return ok
	case document.TypeInt:
		switch tv := v.(type) {
		case int64:
			return true
		case float64:
			return tv == float64(int64(tv))
		}
	case document.TypeFloat:
		switch v.(type) {
		case int64, float64:
			return true
		}
	case document.TypeBool:
		_, ok := v.(bool)
		return ok
	case document.TypeDate:
		switch tv := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, tv)
			return err == nil
		}
	}
	return false
}
