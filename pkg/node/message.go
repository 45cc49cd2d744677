package node

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	fieldID      = "_msgid"
	fieldTopic   = "topic"
	fieldPayload = "payload"
)

// Message is the unit of data that flows between nodes. Besides the well-known fields, a message
// can carry arbitrary properties set by upstream nodes; they are preserved in Fields.
type Message struct {
	ID      string
	Topic   string
	Payload interface{}
	Fields  map[string]interface{}
}

// WithPayload returns a copy of m whose payload is replaced with payload.
func (m Message) WithPayload(payload interface{}) Message {
	out := m
	out.Payload = payload
	if m.Fields != nil {
		out.Fields = make(map[string]interface{}, len(m.Fields))
		for k, v := range m.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// MarshalJSON flattens the message into a single JSON object. Protobuf payloads use the
// canonical protobuf JSON mapping.
func (m Message) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(m.Fields)+3)
	for k, v := range m.Fields {
		obj[k] = v
	}
	if m.ID != "" {
		obj[fieldID] = m.ID
	}
	if m.Topic != "" {
		obj[fieldTopic] = m.Topic
	}
	if pb, ok := m.Payload.(proto.Message); ok {
		encoded, err := protojson.Marshal(pb)
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		obj[fieldPayload] = json.RawMessage(encoded)
	} else {
		obj[fieldPayload] = m.Payload
	}
	return json.Marshal(obj)
}

// UnmarshalJSON parses a JSON object into m. Numbers are kept as json.Number so that device
// identifiers such as 10001 survive without floating-point formatting.
func (m *Message) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var obj map[string]interface{}
	if err := decoder.Decode(&obj); err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("message must be a JSON object")
	}

	*m = Message{}
	if id, ok := obj[fieldID].(string); ok {
		m.ID = id
		delete(obj, fieldID)
	}
	if topic, ok := obj[fieldTopic].(string); ok {
		m.Topic = topic
		delete(obj, fieldTopic)
	}
	m.Payload = obj[fieldPayload]
	delete(obj, fieldPayload)
	if len(obj) > 0 {
		m.Fields = obj
	}
	return nil
}
