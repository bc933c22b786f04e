package codec

import (
	"strconv"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/document"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// wireDescriptor is the serialized form of a work.Descriptor.
type wireDescriptor struct {
	Kind       string         `json:"kind"`
	Index      string         `json:"index"`
	Tenant     string         `json:"tenant,omitempty"`
	ID         string         `json:"id,omitempty"`
	Routing    string         `json:"routing,omitempty"`
	EntityName string         `json:"entity_name,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Commit     bool           `json:"commit,omitempty"`
	Refresh    bool           `json:"refresh,omitempty"`
	Document   map[string]any `json:"document,omitempty"`
}

type wireBatch struct {
	Version int              `json:"v"`
	Works   []wireDescriptor `json:"works"`
}

const batchVersion = 1

// EncodeBatch serializes a list of descriptors.
func EncodeBatch(batch []*work.Descriptor) ([]byte, error) {
	wb := wireBatch{Version: batchVersion, Works: make([]wireDescriptor, 0, len(batch))}
	for _, d := range batch {
		w := wireDescriptor{
			Kind:       d.Kind().String(),
			Index:      d.Index(),
			Tenant:     d.TenantID(),
			ID:         d.DocumentID(),
			Routing:    d.RoutingKey(),
			EntityName: d.Entity().EntityName,
			EntityID:   d.Entity().ID,
			Commit:     d.Commit() == work.CommitForce,
			Refresh:    d.Refresh() == work.RefreshForce,
		}
		if doc := d.Document(); doc != nil {
			w.Document = doc.ToMap(FormatDate)
		}
		wb.Works = append(wb.Works, w)
	}
	b, err := JSON.Marshal(wb)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSerialization, "encode work batch", err)
	}
	return b, nil
}

// DecodeBatch parses a batch produced by EncodeBatch.
func DecodeBatch(data []byte) ([]*work.Descriptor, error) {
	var wb wireBatch
	if err := JSON.Unmarshal(data, &wb); err != nil {
		return nil, errors.New(errors.ErrCodeSerialization, "decode work batch", err)
	}
	if wb.Version > batchVersion {
		return nil, errors.New(errors.ErrCodeSerialization, "unsupported work batch version", nil).
			WithDetail("version", strconv.Itoa(wb.Version))
	}

	out := make([]*work.Descriptor, 0, len(wb.Works))
	for i, w := range wb.Works {
		kind, err := work.ParseKind(w.Kind)
		if err != nil {
			return nil, errors.New(errors.ErrCodeSerialization, "decode work batch", err).
				WithDetail("position", strconv.Itoa(i))
		}

		var b *work.Builder
		if kind.IsDocumentScope() {
			b = work.NewDocumentWork(kind, w.Index, w.ID).
				Entity(work.EntityReference{EntityName: w.EntityName, ID: w.EntityID}).
				Routing(w.Routing)
			if w.Document != nil {
				b.Document(document.FromMap(w.Document))
			}
		} else {
			b = work.NewIndexWork(kind, w.Index)
		}
		b.Tenant(w.Tenant)
		if w.Commit {
			b.Commit(work.CommitForce)
		}
		if w.Refresh {
			b.Refresh(work.RefreshForce)
		}

		d, err := b.Build()
		if err != nil {
			return nil, errors.New(errors.ErrCodeSerialization, "decode work batch", err).
				WithDetail("position", strconv.Itoa(i))
		}
		out = append(out, d)
	}
	return out, nil
}
