package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bookSchema(t *testing.T) (*ObjectSchema, map[string]*FieldSchema) {
	t.Helper()
	s := NewSchema()
	fields := map[string]*FieldSchema{}
	var err error

	fields["title"], err = s.Value("title", TypeText)
	require.NoError(t, err)
	fields["tags"], err = s.ValueList("tags", TypeString)
	require.NoError(t, err)
	fields["published"], err = s.Value("published", TypeDate)
	require.NoError(t, err)
	fields["authors"], err = s.ObjectList("authors")
	require.NoError(t, err)
	fields["author.name"], err = fields["authors"].Object.Value("name", TypeString)
	require.NoError(t, err)
	return s, fields
}

func TestSchema_DuplicateDeclarationFails(t *testing.T) {
	// Given: a schema with a declared field
	s := NewSchema()
	_, err := s.Value("title", TypeText)
	require.NoError(t, err)

	// When: declaring the same name again at the same level
	_, err = s.ValueList("title", TypeString)

	// Then: declaration is rejected
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already declared")
}

func TestSchema_SameNameAtDifferentPathsIsAllowed(t *testing.T) {
	s := NewSchema()
	_, err := s.Value("name", TypeString)
	require.NoError(t, err)
	owner, err := s.Object("owner")
	require.NoError(t, err)

	nested, err := owner.Object.Value("name", TypeString)

	require.NoError(t, err)
	assert.Equal(t, "owner.name", nested.Path())
}

func TestNode_WritesInOrder(t *testing.T) {
	s, f := bookSchema(t)
	n := New(s)

	require.NoError(t, n.Append(f["tags"], "scifi"))
	require.NoError(t, n.Set(f["title"], "Dune"))
	require.NoError(t, n.Append(f["tags"], "classic"))

	entries := n.Fields()
	require.Len(t, entries, 2)
	assert.Equal(t, "tags", entries[0].Name)
	assert.Equal(t, []any{"scifi", "classic"}, entries[0].Values)
	assert.Equal(t, "title", entries[1].Name)
}

func TestNode_SetTwiceFails(t *testing.T) {
	s, f := bookSchema(t)
	n := New(s)
	require.NoError(t, n.Set(f["title"], "Dune"))

	err := n.Set(f["title"], "Dune Messiah")

	assert.Error(t, err)
}

func TestNode_RejectsForeignField(t *testing.T) {
	_, f := bookSchema(t)
	other := NewSchema()
	n := New(other)

	err := n.Set(f["title"], "Dune")

	assert.Error(t, err)
}

func TestNode_RejectsKindMismatch(t *testing.T) {
	s, f := bookSchema(t)
	n := New(s)

	assert.Error(t, n.Set(f["tags"], "x"))
	assert.Error(t, n.Append(f["title"], "x"))
	_, err := n.AddObject(f["title"])
	assert.Error(t, err)
}

func TestNode_RejectsWrongValueType(t *testing.T) {
	s := NewSchema()
	count, err := s.Value("count", TypeInt)
	require.NoError(t, err)
	n := New(s)

	assert.Error(t, n.Set(count, "seven"))
	assert.NoError(t, n.Set(count, 7))

	e, ok := n.Get("count")
	require.True(t, ok)
	assert.Equal(t, int64(7), e.Values[0])
}

func TestNode_NestedObjectsToMap(t *testing.T) {
	s, f := bookSchema(t)
	n := New(s)
	published := time.Date(1965, 8, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, n.Set(f["title"], "Dune"))
	require.NoError(t, n.Set(f["published"], published))
	a, err := n.AddObject(f["authors"])
	require.NoError(t, err)
	require.NoError(t, a.Set(f["author.name"], "Frank Herbert"))

	m := n.ToMap(func(t time.Time) any { return t.Format("2006-01-02") })

	assert.Equal(t, "Dune", m["title"])
	assert.Equal(t, "1965-08-01", m["published"])
	authors, ok := m["authors"].([]any)
	require.True(t, ok)
	require.Len(t, authors, 1)
	assert.Equal(t, map[string]any{"name": "Frank Herbert"}, authors[0])
}

func TestFromMap_RoundTripsDecodedJSON(t *testing.T) {
	src := map[string]any{
		"title":   "Dune",
		"pages":   float64(412),
		"tags":    []any{"scifi", "classic"},
		"authors": []any{map[string]any{"name": "Frank Herbert"}},
		"owner":   map[string]any{"name": "library"},
	}

	n := FromMap(src)

	assert.Nil(t, n.Schema())
	assert.Equal(t, 5, n.Len())
	assert.Equal(t, src, n.ToMap(nil))
}

func TestNode_SetDynamicOnBoundNodeFails(t *testing.T) {
	s, _ := bookSchema(t)
	n := New(s)

	assert.Error(t, n.SetDynamic("title", "Dune"))
}

func TestNode_EstimatedSizeGrowsWithContent(t *testing.T) {
	s, f := bookSchema(t)
	small := New(s)
	require.NoError(t, small.Set(f["title"], "a"))

	big := New(s)
	require.NoError(t, big.Set(f["title"], "a much longer title for a much longer book"))

	assert.Greater(t, big.EstimatedSize(), small.EstimatedSize())
}

func TestParseValueType(t *testing.T) {
	for _, want := range []ValueType{TypeString, TypeText, TypeInt, TypeFloat, TypeBool, TypeDate} {
		got, err := ParseValueType(want.String())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseValueType("keyword")
	assert.Error(t, err)
}
