package schema

import "encoding/json"

// EventKind names a live push event.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventTouch  EventKind = "touch"
	EventDel    EventKind = "del"
)

// Event is the envelope pushed to connected actors when a record changes.
// Update events carry Diff instead of Data when an incremental patch exists.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Key       Ref             `json:"key"`
	TTL       int64           `json:"ttl,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Diff      json.RawMessage `json:"diff,omitempty"`
	MediaType string          `json:"mediaType,omitempty"`
	Encoding  string          `json:"encoding,omitempty"`
}
