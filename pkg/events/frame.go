// Package events defines the typed event surface of the engine: the raw
// wire frame consumed from the transport, the closed set of normalized
// updates, and the classifier that maps one to the other.
package events

import "encoding/json"

// Frame is one raw event as delivered by the transport: a kind tag plus
// a lazily decoded payload. Payload extraction is deferred so frames of
// unrecognized kinds cost nothing to skip.
type Frame struct {
	Kind    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// ParseFrame splits one wire message into its kind tag and raw payload.
// The whole message doubles as the payload: the server flattens the base
// fields next to "type", so payload structs just pick what they need.
func ParseFrame(data []byte) (Frame, error) {
	var tag struct {
		Kind string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: tag.Kind, Payload: json.RawMessage(data)}, nil
}
