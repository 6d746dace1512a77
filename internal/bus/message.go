package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message on the wire.
type Kind string

const (
	KindEvent    Kind = "event"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Message is the wire-level unit of communication between agents and the
// orchestrator. A request carries a unique CorrelationID and a ReplyTo topic;
// the matching response echoes the CorrelationID. Messages are immutable once
// published.
type Message struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Sender        string          `json:"sender,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// NewEvent builds an event-kind message for the given topic.
func NewEvent(sender, topic string, payload interface{}) (*Message, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:      uuid.New().String(),
		Topic:   topic,
		Kind:    KindEvent,
		Sender:  sender,
		SentAt:  time.Now(),
		Payload: data,
	}, nil
}

// marshalPayload accepts raw JSON as-is and marshals anything else.
func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

// replyTopic generates a unique ephemeral reply topic. Reply topics are never
// reused across concurrent requests.
func replyTopic() string {
	return "reply." + uuid.New().String()
}
