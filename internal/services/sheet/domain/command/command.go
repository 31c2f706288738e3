// Package command defines the immutable command value and its registry.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTypeRequired indicates a missing command type.
	ErrTypeRequired = errors.New("command type is required")
	// ErrTypeUnknown indicates an unregistered command type.
	ErrTypeUnknown = errors.New("command type is not registered")
	// ErrPayloadInvalid indicates malformed payload JSON.
	ErrPayloadInvalid = errors.New("payload json must be valid")
)

// Type identifies the command type string.
type Type string

// Command is an immutable command value. The payload is stored as canonical
// JSON; every rewrite produces a new Command.
type Command struct {
	typ     Type
	payload string
}

// New builds a command from any JSON-marshalable payload.
func New(typ Type, payload any) (Command, error) {
	typ = Type(strings.TrimSpace(string(typ)))
	if typ == "" {
		return Command{}, ErrTypeRequired
	}
	if payload == nil {
		return Command{typ: typ, payload: "{}"}, nil
	}
	var data []byte
	switch p := payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		raw, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("marshal payload: %w", err)
		}
		data = raw
	}
	canonical, err := canonicalJSON(data)
	if err != nil {
		return Command{}, err
	}
	return Command{typ: typ, payload: string(canonical)}, nil
}

// MustNew is New for statically known payloads.
func MustNew(typ Type, payload any) Command {
	cmd, err := New(typ, payload)
	if err != nil {
		panic(err)
	}
	return cmd
}

// Type returns the command type.
func (c Command) Type() Type {
	return c.typ
}

// IsZero reports whether the command was never built.
func (c Command) IsZero() bool {
	return c.typ == ""
}

// Payload returns a copy of the canonical payload JSON.
func (c Command) Payload() json.RawMessage {
	if c.payload == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(c.payload)
}

// Decode unmarshals the payload into v.
func (c Command) Decode(v any) error {
	if err := json.Unmarshal(c.Payload(), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.typ, err)
	}
	return nil
}

// WithPayload returns a copy of the command carrying raw as its payload.
func (c Command) WithPayload(raw []byte) (Command, error) {
	return New(c.typ, json.RawMessage(raw))
}

// Equal reports whether both commands carry the same type and payload.
func (c Command) Equal(other Command) bool {
	return c.typ == other.typ && c.payload == other.payload
}

// String renders the command for logs.
func (c Command) String() string {
	return string(c.typ) + " " + string(c.Payload())
}

type wireCommand struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the command as {"type", "payload"}.
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCommand{Type: c.typ, Payload: c.Payload()})
}

// UnmarshalJSON decodes a {"type", "payload"} document.
func (c *Command) UnmarshalJSON(data []byte) error {
	var wire wireCommand
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload := any(nil)
	if len(wire.Payload) > 0 && !bytes.Equal(wire.Payload, []byte("null")) {
		payload = wire.Payload
	}
	decoded, err := New(wire.Type, payload)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}

// canonicalJSON re-encodes a JSON document with sorted keys and no HTML
// escaping so equal payloads compare byte-equal.
func canonicalJSON(data []byte) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(data) {
		return nil, ErrPayloadInvalid
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(raw); err != nil {
		return nil, fmt.Errorf("encode canonical: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
