package main

import (
	"encoding/json"
)

type envelopeType string

const (
	roomEvent      envelopeType = "room_event"
	streamEvent    envelopeType = "stream_event"
	operationEvent envelopeType = "operation_event"
)

// Control names carried by room_event envelopes.
const (
	controlJoin  = "join"
	controlLeave = "leave"
	controlEnd   = "end"
)

// Operation names carried by operation_event envelopes.
const (
	operationRoomInfo = "room_info"
	operationSubInfo  = "sub_info"
)

var emptyData = json.RawMessage(`{}`)

// envelope is the only message shape written to a viewer.
type envelope struct {
	Type     envelopeType    `json:"type"`
	StreamID string          `json:"unique_id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
}

func newEnvelope(t envelopeType, streamID, name string, data json.RawMessage) envelope {
	if len(data) == 0 || string(data) == "null" {
		data = emptyData
	}
	return envelope{Type: t, StreamID: streamID, Name: name, Data: data}
}

func controlEnvelope(streamID, name string) envelope {
	return newEnvelope(roomEvent, streamID, name, nil)
}

func operationEnvelope(streamID, name string, data json.RawMessage) envelope {
	return newEnvelope(operationEvent, streamID, name, data)
}

// streamEnvelope translates an upstream event. Terminal events are not
// forwarded and report false.
func streamEnvelope(streamID string, ev event) (envelope, bool) {
	if ev.Kind.terminal() || !ev.Kind.valid() {
		return envelope{}, false
	}
	return newEnvelope(streamEvent, streamID, string(ev.Kind), ev.Data), true
}

func (e envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}
