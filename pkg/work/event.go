package work

import "fmt"

// EventType is the entity-level intent carried by an Event.
type EventType string

const (
	EventAdd         EventType = "add"
	EventAddOrUpdate EventType = "add_or_update"
	EventDelete      EventType = "delete"
)

// ParseEventType validates an event type read from storage or the wire.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventAdd, EventAddOrUpdate, EventDelete:
		return EventType(s), nil
	default:
		return "", fmt.Errorf("unknown event type %q", s)
	}
}

// Event is the durable, queueable form of one entity-change intent.
type Event struct {
	EntityName   string
	SerializedID string
	Type         EventType
	Payload      EventPayload
}

// Reference returns the entity reference the event is about.
func (e Event) Reference() EntityReference {
	return EntityReference{EntityName: e.EntityName, ID: e.SerializedID}
}

// EventPayloadVersion is the payload layout written by this code.
const EventPayloadVersion = 1

// EventPayload holds what is needed to rebuild a Descriptor without touching
// the entity again. Unknown fields written by newer versions are ignored.
type EventPayload struct {
	Version int `json:"v"`
	// Index overrides the index name derived from the entity name.
	Index string `json:"index,omitempty"`
	// TenantID of the entity.
	TenantID string `json:"tenant,omitempty"`
	// RoutingKey is the pre-resolved current routing key.
	RoutingKey string `json:"routing,omitempty"`
	// PreviousRoutingKeys are keys the document may still be stored under.
	PreviousRoutingKeys []string `json:"previous_routing,omitempty"`
	// DirtyPaths hints which properties changed.
	DirtyPaths []string `json:"dirty,omitempty"`
	// Document is an optional pre-rendered snapshot of the document.
	Document map[string]any `json:"document,omitempty"`
}

// RoutingKeys returns the current key followed by previous keys, deduplicated.
func (p EventPayload) RoutingKeys() []string {
	seen := make(map[string]struct{}, 1+len(p.PreviousRoutingKeys))
	var keys []string
	for _, k := range append([]string{p.RoutingKey}, p.PreviousRoutingKeys...) {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}
