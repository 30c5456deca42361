// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"encoding/json"
	"fmt"
)

// Message is one wire message: a single JSON object with a "channel" routing
// key, an optional "method" (for requests and notifications), an optional
// "id" linking a response to a request, and any number of method-specific
// keys alongside them.
type Message struct {
	// Channel is the topic/routing key. Every message has one.
	Channel string `json:"channel"`
	// Method names the operation within the channel. Responses omit it.
	Method string `json:"method,omitempty"`
	// ID is a unique number that is used to link a response to a request.
	ID uint64 `json:"id,omitempty"`

	raw json.RawMessage
}

// DecodeMessage decodes a *Message from one line of JSON-formatted bytes.
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	if msg.Channel == "" {
		return nil, fmt.Errorf("message with no channel")
	}
	msg.raw = append(json.RawMessage(nil), b...)
	return msg, nil
}

// NewMessage creates a *Message for the channel and method. The payload's
// fields are flattened into the message object itself, alongside the channel
// and method keys, per the trade service's wire format. A nil payload is
// allowed.
func NewMessage(channel, method string, payload interface{}) (*Message, error) {
	if channel == "" {
		return nil, fmt.Errorf("empty string not allowed for channel")
	}
	msg := &Message{
		Channel: channel,
		Method:  method,
	}
	if err := msg.encode(payload); err != nil {
		return nil, err
	}
	return msg, nil
}

// NewResponse creates a response-type *Message for the given request id.
func NewResponse(channel string, id uint64, payload interface{}) (*Message, error) {
	if id == 0 {
		return nil, fmt.Errorf("id = 0 not allowed for a response-type message")
	}
	msg := &Message{
		Channel: channel,
		ID:      id,
	}
	if err := msg.encode(payload); err != nil {
		return nil, err
	}
	return msg, nil
}

// encode flattens the payload fields and the envelope fields into one JSON
// object and stores the result as the message's wire form.
func (msg *Message) encode(payload interface{}) error {
	fields := make(map[string]json.RawMessage)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return fmt.Errorf("payload must encode to a JSON object: %w", err)
		}
	}
	for _, reserved := range []string{"channel", "method", "id"} {
		delete(fields, reserved)
	}
	envelope, err := json.Marshal(struct {
		Channel string `json:"channel"`
		Method  string `json:"method,omitempty"`
		ID      uint64 `json:"id,omitempty"`
	}{msg.Channel, msg.Method, msg.ID})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(envelope, &fields); err != nil {
		return err
	}
	msg.raw, err = json.Marshal(fields)
	return err
}

// Unmarshal decodes the full message object, including the method-specific
// fields, into the provided value.
func (msg *Message) Unmarshal(v interface{}) error {
	if msg.raw == nil {
		return fmt.Errorf("no message data")
	}
	return json.Unmarshal(msg.raw, v)
}

// Bytes returns the message's wire form, without the trailing newline.
func (msg *Message) Bytes() []byte {
	return msg.raw
}

// setID stamps the request id into the already-encoded message. Used by
// (*Conn).Request.
func (msg *Message) setID(id uint64) error {
	msg.ID = id
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(msg.raw, &fields); err != nil {
		return err
	}
	idB, _ := json.Marshal(id)
	fields["id"] = idB
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	msg.raw = raw
	return nil
}
