// Package codec holds the process-wide JSON codec and the wire forms of
// documents, work batches and outbox payloads.
//
// The jsoniter API is frozen once at package init and shared; it is safe for
// concurrent use.
package codec

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/document"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// JSON is the shared codec. Map keys are sorted so encoded output is stable.
var JSON = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              false,
}.Froze()

// FormatDate renders dates the way documents are stored on the wire.
func FormatDate(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

// EncodeDocument renders a document node as a JSON object.
func EncodeDocument(doc *document.Node) ([]byte, error) {
	b, err := JSON.Marshal(doc.ToMap(FormatDate))
	if err != nil {
		return nil, errors.New(errors.ErrCodeSerialization, "encode document", err)
	}
	return b, nil
}

// DecodeDocument parses a JSON object into a dynamic document node.
func DecodeDocument(data []byte) (*document.Node, error) {
	var m map[string]any
	if err := JSON.Unmarshal(data, &m); err != nil {
		return nil, errors.New(errors.ErrCodeSerialization, "decode document", err)
	}
	return document.FromMap(m), nil
}

// EncodePayload serializes an outbox event payload.
func EncodePayload(p work.EventPayload) ([]byte, error) {
	if p.Version == 0 {
		p.Version = work.EventPayloadVersion
	}
	b, err := JSON.Marshal(p)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSerialization, "encode event payload", err)
	}
	return b, nil
}

// DecodePayload parses an outbox event payload. An empty input yields a zero payload.
func DecodePayload(data []byte) (work.EventPayload, error) {
	var p work.EventPayload
	if len(data) == 0 {
		return p, nil
	}
	if err := JSON.Unmarshal(data, &p); err != nil {
		return p, errors.New(errors.ErrCodeSerialization, "decode event payload", err)
	}
	return p, nil
}

// EncodeRoutingKeys serializes a routing key list for storage.
func EncodeRoutingKeys(keys []string) ([]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	return JSON.Marshal(keys)
}

// DecodeRoutingKeys is the inverse of EncodeRoutingKeys.
func DecodeRoutingKeys(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var keys []string
	if err := JSON.Unmarshal(data, &keys); err != nil {
		return nil, errors.New(errors.ErrCodeSerialization, "decode routing keys", err)
	}
	return keys, nil
}
