package types

import "encoding/json"

// Server -> Client message types.
const (
	MsgValue = "value"
	MsgAck   = "ack"
	MsgError = "error"
)

// ServerMessage is one frame to a participant. A value frame carries the
// current contents of a subscribed path; an ack confirms the operation with
// the matching ID; an error frame reports a rejected operation, also keyed
// by ID when the request carried one.
type ServerMessage struct {
	Type  string          `json:"type"`
	ID    int64           `json:"id,omitempty"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}
