// Package work describes logical indexing operations.
//
// A Descriptor is one operation against a search backend: a document-scope
// write (add, add-or-update, delete) or an index-scope maintenance call
// (flush, refresh, merge segments, purge). Descriptors are immutable and
// built through a Builder. Kind is a closed set; code that dispatches on it
// switches over every value.
package work

import "fmt"

// Kind is the operation a Descriptor performs.
type Kind int

const (
	KindAdd Kind = iota + 1
	KindAddOrUpdate
	KindDelete
	KindFlush
	KindRefresh
	KindMergeSegments
	KindPurge
)

var kindNames = map[Kind]string{
	KindAdd:           "add",
	KindAddOrUpdate:   "add_or_update",
	KindDelete:        "delete",
	KindFlush:         "flush",
	KindRefresh:       "refresh",
	KindMergeSegments: "merge_segments",
	KindPurge:         "purge",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown work kind %q", s)
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsDocumentScope reports whether the kind targets a single document.
func (k Kind) IsDocumentScope() bool {
	switch k {
	case KindAdd, KindAddOrUpdate, KindDelete:
		return true
	default:
		return false
	}
}

// CarriesDocument reports whether the kind needs a document body.
func (k Kind) CarriesDocument() bool {
	return k == KindAdd || k == KindAddOrUpdate
}

// CommitStrategy controls whether a write must be durable before completion.
type CommitStrategy int

const (
	CommitNone CommitStrategy = iota
	CommitForce
)

// String returns the strategy name.
func (c CommitStrategy) String() string {
	if c == CommitForce {
		return "force"
	}
	return "none"
}

// RefreshStrategy controls whether a write must be searchable before completion.
type RefreshStrategy int

const (
	RefreshNone RefreshStrategy = iota
	RefreshForce
)

// String returns the strategy name.
func (r RefreshStrategy) String() string {
	if r == RefreshForce {
		return "force"
	}
	return "none"
}
