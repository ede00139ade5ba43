package models

import (
	"encoding/json"
	"fmt"
)

// EventKind is the SSE event name of a job event
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventLog      EventKind = "log"
	EventArtifact EventKind = "artifact"
	EventError    EventKind = "error"
	EventDone     EventKind = "done"
	EventPing     EventKind = "ping"
)

// Valid reports whether k is one of the known event kinds
func (k EventKind) Valid() bool {
	switch k {
	case EventProgress, EventLog, EventArtifact, EventError, EventDone, EventPing:
		return true
	}
	return false
}

// IsTerminal reports whether k ends a job's stream
func (k EventKind) IsTerminal() bool {
	return k == EventDone
}

// Envelope is one event on a job channel. Data is already canonical JSON.
type Envelope struct {
	Event EventKind       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ProgressData is the payload of a progress event
type ProgressData struct {
	Percent int    `json:"percent"`
	Label   string `json:"label"`
}

// LogData is the payload of a log event
type LogData struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// ErrorData is the payload of an error event
type ErrorData struct {
	Message string `json:"message"`
}

// DoneData is the payload of the terminal done event
type DoneData struct {
	OK        bool       `json:"ok"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
	Cancelled bool       `json:"cancelled,omitempty"`
}

// NewEnvelope marshals data into an envelope of the given kind
func NewEnvelope(kind EventKind, data interface{}) (Envelope, error) {
	if data == nil {
		return Envelope{Event: kind, Data: json.RawMessage("{}")}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s event: %w", kind, err)
	}
	return Envelope{Event: kind, Data: raw}, nil
}

// PingEnvelope is the keep-alive frame sent by stream bridges
func PingEnvelope() Envelope {
	return Envelope{Event: EventPing, Data: json.RawMessage("{}")}
}

// DecodeEnvelope parses a wire message and normalizes legacy payload field names
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var wire struct {
		Event EventKind              `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode event envelope: %w", err)
	}
	if wire.Event == "" {
		wire.Event = EventLog
	}
	return NewEnvelope(wire.Event, NormalizeEventData(wire.Event, wire.Data))
}

// Encode returns the wire form {"event": ..., "data": ...}
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Done decodes the payload of a done envelope
func (e Envelope) Done() (DoneData, error) {
	var d DoneData
	if e.Event != EventDone {
		return d, fmt.Errorf("not a done event: %s", e.Event)
	}
	err := json.Unmarshal(e.Data, &d)
	return d, err
}

// legacy field name -> canonical name, per event kind
var legacyFieldNames = map[EventKind]map[string]string{
	EventProgress: {"pct": "percent", "msg": "label"},
	EventLog:      {"message": "msg"},
	EventArtifact: {"path": "href", "size": "bytes", "type": "id"},
	EventError:    {"msg": "message", "error": "message"},
}

// NormalizeEventData rewrites alternate field names to the canonical schema.
// Canonical names win when both spellings are present.
func NormalizeEventData(kind EventKind, data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return map[string]interface{}{}
	}
	renames := legacyFieldNames[kind]
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if canonical, ok := renames[k]; ok {
			if _, exists := data[canonical]; exists {
				continue
			}
			out[canonical] = v
			continue
		}
		out[k] = v
	}
	return out
}
