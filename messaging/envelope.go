package messaging

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON body of every event, request and response on the
// bus: {"type": "...", "data": {...}}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope of msgType carrying data. A nil data
// becomes an empty object.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	if msgType == "" {
		return Envelope{}, &DecodeError{What: "envelope", Err: ErrMissingType}
	}

	if data == nil {
		return Envelope{Type: msgType, Data: json.RawMessage(`{}`)}, nil
	}

	if raw, ok := data.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return Envelope{}, &DecodeError{What: "envelope data", Err: fmt.Errorf("invalid JSON")}
		}
		return Envelope{Type: msgType, Data: raw}, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, &DecodeError{What: "envelope data", Err: err}
	}
	return Envelope{Type: msgType, Data: raw}, nil
}

// ParseEnvelope decodes a message body. The body must be a JSON object with
// a non-empty type.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, &DecodeError{What: "envelope", Body: truncate(body), Err: err}
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, &DecodeError{What: "envelope", Body: truncate(body), Err: err}
	}
	return env, nil
}

// Validate checks the envelope can be routed
func (e Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	return nil
}

// Decode unmarshals the envelope data into out
func (e Envelope) Decode(out any) error {
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &DecodeError{What: e.Type + " data", Body: truncate(data), Err: err}
	}
	return nil
}

// Marshal encodes the envelope for the wire
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, &DecodeError{What: "envelope", Err: err}
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, &DecodeError{What: "envelope", Err: err}
	}
	return body, nil
}

const maxLoggedBody = 256

func truncate(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "..."
	}
	return string(body)
}
