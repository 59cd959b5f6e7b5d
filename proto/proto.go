// Package proto defines the newline-delimited JSON control protocol spoken
// on the TCP control port. Each line is one JSON object: client→server
// requests, server→client responses, and server→client event pushes for
// subscribed sessions.
package proto

import "encoding/json"

// Commands.
const (
	CmdStatus    = "status"
	CmdPlaceCall = "place_call"
	CmdAnswer    = "answer"
	CmdHangup    = "hangup"
	CmdSubscribe = "subscribe"
	CmdSimStatus = "sim_status"
	CmdPing      = "ping"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error codes carried in error responses.
const (
	CodeBusy              = "busy"
	CodeNoRingingCall     = "no_ringing_call"
	CodeDeviceTimeout     = "device_timeout"
	CodeDeviceError       = "device_error"
	CodeSimLocked         = "sim_locked"
	CodeSimRetriesExhaust = "sim_retries_exhausted"
	CodeMalformed         = "malformed"
	CodeUnknownCommand    = "unknown_command"
	CodeCallFailed        = "call_failed"
	CodeAborted           = "aborted"
)

// Request is one client command line.
type Request struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response answers exactly one Request, echoing its request_id.
type Response struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// PlaceCallParams are the params of a place_call request.
type PlaceCallParams struct {
	Number string `json:"number"`
}

// SubscribeParams are the params of a subscribe request. An empty or
// missing Events list subscribes to every category.
type SubscribeParams struct {
	Events []string `json:"events,omitempty"`
}

// Push is one server-initiated event line. Extra per-event fields are
// flattened next to type and timestamp when encoding.
type Push struct {
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	Fields    map[string]string `json:"-"`
}

// MarshalJSON flattens Fields into the top-level object.
func (p Push) MarshalJSON() ([]byte, error) {
	obj := make(map[string]string, len(p.Fields)+2)
	for k, v := range p.Fields {
		obj[k] = v
	}
	obj["type"] = p.Type
	obj["timestamp"] = p.Timestamp
	return json.Marshal(obj)
}
