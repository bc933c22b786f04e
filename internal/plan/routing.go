package plan

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/indexsync/pkg/document"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// Route is where an entity's document lives.
type Route struct {
	Index    string
	TenantID string
	// RoutingKey is the current routing key, empty for default routing.
	RoutingKey string
	// PreviousRoutingKeys are keys the document may still be stored under.
	PreviousRoutingKeys []string
}

// RoutingResolver derives the routing key of an entity. doc is nil for deletes.
type RoutingResolver interface {
	ResolveRouting(ctx context.Context, ref work.EntityReference, doc *document.Node) (string, error)
}

// RoutingFunc adapts a function to RoutingResolver.
type RoutingFunc func(ctx context.Context, ref work.EntityReference, doc *document.Node) (string, error)

// ResolveRouting calls f.
func (f RoutingFunc) ResolveRouting(ctx context.Context, ref work.EntityReference, doc *document.Node) (string, error) {
	return f(ctx, ref, doc)
}

// FieldResolver routes an entity by the value of a document field at a
// dotted path. Documents without the field, and deletes, get default routing;
// wrap it in a CachedResolver so deletes follow earlier writes.
func FieldResolver(path string) RoutingResolver {
	segments := strings.Split(path, ".")
	return RoutingFunc(func(_ context.Context, _ work.EntityReference, doc *document.Node) (string, error) {
		node := doc
		for i, name := range segments {
			if node == nil {
				return "", nil
			}
			e, ok := node.Get(name)
			if !ok {
				return "", nil
			}
			if i < len(segments)-1 {
				node = nil
				if len(e.Objects) > 0 {
					node = e.Objects[0]
				}
				continue
			}
			if len(e.Values) == 0 {
				return "", nil
			}
			return fmt.Sprint(e.Values[0]), nil
		}
		return "", nil
	})
}

// DefaultIndexName maps an entity name to its index name.
func DefaultIndexName(entityName string) string {
	return strings.ToLower(entityName)
}

// CachedResolver remembers resolved routing keys per entity so deletes,
// which carry no document, route the same way as earlier writes. Use it only
// for routing derived from attributes that never change.
type CachedResolver struct {
	inner RoutingResolver
	cache *lru.Cache[work.EntityReference, string]
}

// NewCachedResolver wraps inner with an LRU of size entries.
func NewCachedResolver(inner RoutingResolver, size int) (*CachedResolver, error) {
	cache, err := lru.New[work.EntityReference, string](size)
	if err != nil {
		return nil, err
	}
	return &CachedResolver{inner: inner, cache: cache}, nil
}

// ResolveRouting implements RoutingResolver.
func (c *CachedResolver) ResolveRouting(ctx context.Context, ref work.EntityReference, doc *document.Node) (string, error) {
	if key, ok := c.cache.Get(ref); ok {
		return key, nil
	}
	key, err := c.inner.ResolveRouting(ctx, ref, doc)
	if err != nil {
		return "", err
	}
	if doc != nil {
		c.cache.Add(ref, key)
	}
	return key, nil
}

// Invalidate drops the cached key of ref.
func (c *CachedResolver) Invalidate(ref work.EntityReference) {
	c.cache.Remove(ref)
}

// Len returns the number of cached keys.
func (c *CachedResolver) Len() int {
	return c.cache.Len()
}
