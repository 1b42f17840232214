package message

import (
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"
)

var (
	errNilEnvelope = errors.New("cqrs/message: envelope is nil")
	errNilEvent    = errors.New("cqrs/message: envelope has no event")
	errEmptyData   = errors.New("cqrs/message: data is empty")
)

// Serializer converts envelopes to and from a transport-neutral byte form.
type Serializer interface {
	Serialize(env *EventEnvelope) ([]byte, error)
	Deserialize(data []byte) (*EventEnvelope, error)
}

// JSONSerializer encodes envelopes as JSON.
type JSONSerializer struct{}

// NewJSONSerializer returns the JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

func (s *JSONSerializer) Serialize(env *EventEnvelope) ([]byte, error) {
	if env == nil {
		return nil, errNilEnvelope
	}
	if env.Event == nil {
		return nil, errNilEvent
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("serialize event %s: %w", env.Event.EventType, err)
	}

	return data, nil
}

func (s *JSONSerializer) Deserialize(data []byte) (*EventEnvelope, error) {
	if len(data) == 0 {
		return nil, errEmptyData
	}

	env := &EventEnvelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("deserialize event: %w", err)
	}
	if env.Event == nil {
		return nil, errNilEvent
	}

	return env, nil
}
