// Package types defines the JSON wire protocol spoken over the session
// websocket. Paths are relative to the session's state root; values travel
// as raw JSON and are validated by the subsystem that owns the path.
package types

import "encoding/json"

// Client -> Server operation types.
const (
	OpWrite        = "write"
	OpMerge        = "merge"
	OpAppend       = "append"
	OpRemove       = "remove"
	OpSubscribe    = "subscribe"
	OpUnsubscribe  = "unsubscribe"
	OpOnDisconnect = "onDisconnect"
)

// ClientMessage is one operation from a participant. Value is the payload
// for write and append; Fields carries the named fields for merge and
// onDisconnect. ID echoes back in the matching Ack so the client can
// correlate replies.
type ClientMessage struct {
	ID     int64                      `json:"id,omitempty"`
	Op     string                     `json:"op"`
	Path   string                     `json:"path"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}
