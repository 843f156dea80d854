package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEvent = errors.New("unknown event")

// Envelope is the frame exchanged over the room connection.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ValidationError reports an inbound payload that failed its event schema.
type ValidationError struct {
	Event EventName
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Event, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func Encode(msg Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, fmt.Errorf("encode: nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Event(), err)
	}
	return Envelope{Event: msg.Event(), Data: data}, nil
}

// Decode validates env against the schema of its event and returns the concrete
// payload type.
func Decode(env Envelope) (Message, error) {
	if err := Validate(env.Event, env.Data); err != nil {
		return nil, err
	}
	var (
		msg Message
		err error
	)
	switch env.Event {
	case EventPageAdd:
		var m PageAdd
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventPageRemove:
		var m PageRemove
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventPageUpdate:
		var m PageUpdate
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventPageSelect:
		var m PageSelect
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventPageRequestSync:
		var m PageRequestSync
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventPageFullSync:
		var m PageFullSync
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventEditorFullUpdate:
		var m EditorFullUpdate
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventUserJoin:
		var m UserJoin
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventUserLeave:
		var m UserLeave
		err = json.Unmarshal(env.Data, &m)
		msg = m
	case EventPresenceUpdate:
		var m PresenceUpdate
		err = json.Unmarshal(env.Data, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		return nil, &ValidationError{Event: env.Event, Err: err}
	}
	return msg, nil
}

// MarshalFrame encodes msg as a complete JSON envelope.
func MarshalFrame(msg Message) ([]byte, error) {
	env, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalFrame parses and decodes a complete JSON envelope.
func UnmarshalFrame(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return Decode(env)
}
