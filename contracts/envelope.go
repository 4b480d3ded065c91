package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a serialized payload for transport
type Envelope struct {
	ID           string    `json:"id"`
	CreationDate time.Time `json:"creation_date"`
	Sender       string    `json:"sender"`
	Payload      Payload   `json:"payload"`
}

// NewEnvelope serializes payload and wraps it with a fresh id and the
// current UTC time.
func NewEnvelope(sender string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Target: "payload", Err: err}
	}
	return &Envelope{
		ID:           uuid.NewString(),
		CreationDate: time.Now().UTC(),
		Sender:       sender,
		Payload:      data,
	}, nil
}

// Marshal encodes the envelope itself
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, &SerializationError{Target: "envelope", Err: err}
	}
	return data, nil
}

// DecodeEnvelope parses delivery bytes. Every field is required and the
// payload must not be empty.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var wire struct {
		ID           string    `json:"id"`
		CreationDate time.Time `json:"creation_date"`
		Sender       string    `json:"sender"`
		Payload      *Payload  `json:"payload"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &DecodeError{Target: "envelope", Err: err}
	}

	switch {
	case wire.ID == "":
		return nil, &DecodeError{Target: "envelope", Field: "id", Err: ErrMissingField}
	case wire.CreationDate.IsZero():
		return nil, &DecodeError{Target: "envelope", Field: "creation_date", Err: ErrMissingField}
	case wire.Sender == "":
		return nil, &DecodeError{Target: "envelope", Field: "sender", Err: ErrMissingField}
	case wire.Payload == nil || len(*wire.Payload) == 0:
		// absent and null both leave the pointer nil
		return nil, &DecodeError{Target: "envelope", Field: "payload", Err: ErrMissingField}
	}
	return &Envelope{
		ID:           wire.ID,
		CreationDate: wire.CreationDate,
		Sender:       wire.Sender,
		Payload:      *wire.Payload,
	}, nil
}

// DecodePayload unmarshals the payload into v
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &DecodeError{Target: "payload", Err: err}
	}
	return nil
}

// PayloadAsString returns the raw payload JSON
func (e *Envelope) PayloadAsString() string {
	return string(e.Payload)
}

// Payload is the JSON document carried by an envelope. It is written as a
// base64 string and read from either a base64 string or an array of byte
// values.
type Payload []byte

func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal([]byte(p))
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return ErrMissingField
	}

	switch data[0] {
	case '"':
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*p = raw
		return nil

	case '[':
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		raw := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return fmt.Errorf("payload byte %d out of range: %d", i, v)
			}
			raw[i] = byte(v)
		}
		*p = raw
		return nil
	}

	return fmt.Errorf("payload must be a base64 string or a byte array, got %q", data[:1])
}
