package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the body of every message on the bus: a kind tag and its payload.
//
//	{"type": "USER_CREATED", "data": {...}}
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope marshals data under the given kind
func NewEnvelope(kind string, data any) (Envelope, error) {
	if kind == "" {
		return Envelope{}, fmt.Errorf("%w: empty type", ErrInvalidEnvelope)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{Type: kind, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
func MustEnvelope(kind string, data any) Envelope {
	env, err := NewEnvelope(kind, data)
	if err != nil {
		panic(err)
	}
	return env
}

// ParseEnvelope decodes a message body. The body must be a JSON object with a
// non-empty type.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return env, nil
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	data := e.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Bytes returns the wire form of the envelope
func (e Envelope) Bytes() ([]byte, error) {
	if e.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidEnvelope)
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("null")
	}
	return json.Marshal(e)
}

// Record is an entity payload carried verbatim, such as a user or property
// row. Services keep their own schema for it; the bus only moves the bytes.
type Record json.RawMessage

// NewRecord marshals v into a Record
func NewRecord(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Record(raw), nil
}

// MarshalJSON writes the record unchanged
func (r Record) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON keeps a copy of the raw payload
func (r *Record) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// Decode unmarshals the record into v
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.bytes(), v)
}

// IsNull reports whether the record is empty or JSON null
func (r Record) IsNull() bool {
	trimmed := bytes.TrimSpace(r)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (r Record) bytes() []byte {
	if len(r) == 0 {
		return []byte("null")
	}
	return r
}
