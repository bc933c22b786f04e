package work

import (
	"fmt"

	"github.com/Aman-CERP/indexsync/pkg/document"
)

// EntityReference identifies the system-of-record entity a work item came from.
type EntityReference struct {
	EntityName string
	ID         string
}

// String renders the reference as Name#ID.
func (r EntityReference) String() string {
	return r.EntityName + "#" + r.ID
}

// IsZero reports whether the reference is empty.
func (r EntityReference) IsZero() bool {
	return r.EntityName == "" && r.ID == ""
}

// Descriptor is one immutable logical index operation.
type Descriptor struct {
	kind       Kind
	index      string
	tenantID   string
	documentID string
	routingKey string
	entity     EntityReference
	doc        *document.Node
	commit     CommitStrategy
	refresh    RefreshStrategy
}

func (d *Descriptor) Kind() Kind { return d.kind }
func (d *Descriptor) Index() string { return d.index }
func (d *Descriptor) TenantID() string { return d.tenantID }
func (d *Descriptor) DocumentID() string { return d.documentID }
func (d *Descriptor) RoutingKey() string { return d.routingKey }
func (d *Descriptor) Entity() EntityReference { return d.entity }
func (d *Descriptor) Document() *document.Node { return d.doc }
func (d *Descriptor) Commit() CommitStrategy { return d.commit }
func (d *Descriptor) Refresh() RefreshStrategy { return d.refresh }

// String is a compact description for logs.
func (d *Descriptor) String() string {
	if d.kind.IsDocumentScope() {
		return fmt.Sprintf("%s %s/%s (%s)", d.kind, d.index, d.documentID, d.entity)
	}
	return fmt.Sprintf("%s %s", d.kind, d.index)
}

// Builder assembles a Descriptor.
type Builder struct {
	d   Descriptor
	err error
}

// NewDocumentWork starts a document-scope descriptor.
func NewDocumentWork(kind Kind, index, documentID string) *Builder {
	b := &Builder{d: Descriptor{kind: kind, index: index, documentID: documentID}}
	if !kind.IsDocumentScope() {
		b.err = fmt.Errorf("%s is not a document-scope kind", kind)
	}
	return b
}

// NewIndexWork starts an index-scope descriptor (flush, refresh, merge, purge).
func NewIndexWork(kind Kind, index string) *Builder {
	b := &Builder{d: Descriptor{kind: kind, index: index}}
	if !kind.Valid() || kind.IsDocumentScope() {
		b.err = fmt.Errorf("%s is not an index-scope kind", kind)
	}
	return b
}

// Tenant sets the tenant identifier.
func (b *Builder) Tenant(tenantID string) *Builder {
	b.d.tenantID = tenantID
	return b
}

// Routing sets the routing key.
func (b *Builder) Routing(key string) *Builder {
	b.d.routingKey = key
	return b
}

// Entity sets the originating entity reference.
func (b *Builder) Entity(ref EntityReference) *Builder {
	b.d.entity = ref
	return b
}

// Document sets the document body.
func (b *Builder) Document(doc *document.Node) *Builder {
	b.d.doc = doc
	return b
}

// Commit sets the commit strategy.
func (b *Builder) Commit(c CommitStrategy) *Builder {
	b.d.commit = c
	return b
}

// Refresh sets the refresh strategy.
func (b *Builder) Refresh(r RefreshStrategy) *Builder {
	b.d.refresh = r
	return b
}

// Build validates and returns the descriptor.
func (b *Builder) Build() (*Descriptor, error) {
	if b.err != nil {
		return nil, b.err
	}
	d := b.d
	if d.index == "" {
		return nil, fmt.Errorf("%s: index name is required", d.kind)
	}
	if d.kind.IsDocumentScope() && d.documentID == "" {
		return nil, fmt.Errorf("%s: document id is required", d.kind)
	}
	if d.kind.CarriesDocument() && d.doc == nil {
		return nil, fmt.Errorf("%s %s: document is required", d.kind, d.documentID)
	}
	if d.kind == KindDelete {
		d.doc = nil
	}
	return &d, nil
}

// MustBuild is Build for statically known descriptors; it panics on error.
func (b *Builder) MustBuild() *Descriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}

// WithStrategies returns a copy of d with the given commit and refresh strategies.
func (d *Descriptor) WithStrategies(c CommitStrategy, r RefreshStrategy) *Descriptor {
	cp := *d
	cp.commit = c
	cp.refresh = r
	return &cp
}
