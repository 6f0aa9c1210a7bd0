// Package realtime is the WebSocket layer. Every node fans its emits out
// over a shared bus, so a client connected to any node receives events
// emitted on any other.
package realtime

import "encoding/json"

// Frame is the wire format of every WebSocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Packet is an emitted event plus its audience. An empty Rooms list means
// every connection. Except lists connection ids that must not receive it.
type Packet struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Rooms  []string        `json:"rooms,omitempty"`
	Except []string        `json:"except,omitempty"`
	Origin string          `json:"origin,omitempty"`
}

func (p Packet) frame() ([]byte, error) {
	return json.Marshal(Frame{Event: p.Event, Data: p.Data})
}

func encodeData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}
