package callproto

import (
	"encoding/json"
	"fmt"
)

// Message is the interface implemented by all realtime relay messages, both
// client->relay subscription requests and relay->client row events. Each
// message type corresponds to a JSON object with a "type" discriminator
// field.
type Message interface {
	MessageType() string
}

// SubscribeInsertsMessage asks the relay to deliver INSERT events on rows
// whose recipient_type matches Role, filtered further to rows naming
// ProfileID in the field that role owns (§4.A, §4.E channel 1).
type SubscribeInsertsMessage struct {
	Role      Role   `json:"role"`
	ProfileID string `json:"profileId"`
}

func (SubscribeInsertsMessage) MessageType() string { return "subscribe_inserts" }

// SubscribeCallMessage binds the connection to UPDATE events for one call id
// (§4.E channel 2).
type SubscribeCallMessage struct {
	CallID string `json:"callId"`
}

func (SubscribeCallMessage) MessageType() string { return "subscribe_call" }

// UnsubscribeCallMessage releases a previous per-call subscription.
type UnsubscribeCallMessage struct {
	CallID string `json:"callId"`
}

func (UnsubscribeCallMessage) MessageType() string { return "unsubscribe_call" }

// SubscribedMessage confirms a subscription is active. Receiving this stops
// any polling fallback that was started while the subscription was pending
// (§4.E "Subscription lifecycle").
type SubscribedMessage struct {
	CallID string `json:"callId,omitempty"`
}

func (SubscribedMessage) MessageType() string { return "subscribed" }

// InsertEventMessage delivers a newly inserted Call row in full (select
// responses / freshly observed inserts are complete, §4.B).
type InsertEventMessage struct {
	Row Call `json:"row"`
}

func (InsertEventMessage) MessageType() string { return "insert" }

// UpdateEventMessage delivers an UPDATE event. Changed carries only the
// columns that actually changed, keyed by their JSON field name from Call/
// Patch — UPDATE payloads may omit unchanged columns, and implementers must
// not assume a delivered event contains a full row (§4.B, §4.E).
type UpdateEventMessage struct {
	CallID  string                     `json:"callId"`
	Changed map[string]json.RawMessage `json:"changed"`
}

// Has reports whether column appeared in this UPDATE payload.
func (m UpdateEventMessage) Has(column string) bool {
	_, ok := m.Changed[column]
	return ok
}

// Status decodes the "status" column from the payload, if present.
func (m UpdateEventMessage) Status() (Status, bool) {
	raw, ok := m.Changed["status"]
	if !ok {
		return "", false
	}
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Answer decodes the "answer" column from the payload, if present.
func (m UpdateEventMessage) Answer() (*SessionDescription, bool) {
	raw, ok := m.Changed["answer"]
	if !ok {
		return nil, false
	}
	var sd SessionDescription
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, false
	}
	return &sd, true
}

func (UpdateEventMessage) MessageType() string { return "update" }

// ErrorMessage is sent by the relay when a subscription request is rejected
// (e.g. malformed filter). Transient store/transport errors are not sent as
// protocol messages; the relay Hub drops them without closing the
// connection.
type ErrorMessage struct {
	Error string `json:"error"`
}

func (ErrorMessage) MessageType() string { return "error" }

var messageTypes = map[string]func() Message{
	"subscribe_inserts": func() Message { return &SubscribeInsertsMessage{} },
	"subscribe_call":    func() Message { return &SubscribeCallMessage{} },
	"unsubscribe_call":  func() Message { return &UnsubscribeCallMessage{} },
	"subscribed":        func() Message { return &SubscribedMessage{} },
	"insert":            func() Message { return &InsertEventMessage{} },
	"update":            func() Message { return &UpdateEventMessage{} },
	"error":             func() Message { return &ErrorMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator
// field.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON message, using the "type" discriminator to
// decode into the correct concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
