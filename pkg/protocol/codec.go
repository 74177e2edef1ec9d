package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is returned when a frame is not a JSON object with a type.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownType is returned for a type outside the decoded family.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidPayload is returned when a payload fails validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// required payload fields per frame type; nested objects validate themselves
var requiredFields = map[MessageType][]string{
	TypeAgentError:               {"error"},
	TypeAgentToken:               {"token"},
	TypeRunCommandTool:           {"id", "input"},
	TypeGetLineGroupTool:         {"id", "input"},
	TypeSendReply:                {"reply"},
	TypeRunCommandToolResponse:   {"id", "output"},
	TypeGetLineGroupToolResponse: {"id", "output"},
}

// Encode serializes msg as {"type": ..., "payload": ...}. Frames without a
// payload omit the field.
func Encode(msg Message) ([]byte, error) {
	env := envelope{Type: msg.Type()}
	if _, ok := requiredFields[msg.Type()]; ok {
		payload, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
		}
		env.Payload = payload
	}
	return json.Marshal(env)
}

// DecodeS2C parses and validates a frame sent by the server.
func DecodeS2C(data []byte) (S2CMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeAgentStart:
		return AgentStart{}, nil
	case TypeAgentStop:
		return AgentStop{}, nil
	case TypeAgentError:
		return decodeS2C[AgentError](env)
	case TypeAgentToken:
		return decodeS2C[AgentToken](env)
	case TypeRunCommandTool:
		return decodeS2C[RunCommandToolCall](env)
	case TypeGetLineGroupTool:
		return decodeS2C[GetLineGroupToolCall](env)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// DecodeC2S parses and validates a frame sent by the client.
func DecodeC2S(data []byte) (C2SMessage, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeAgentCancel:
		return AgentCancel{}, nil
	case TypeSendReply:
		return decodeC2S[SendReply](env)
	case TypeRunCommandToolResponse:
		return decodeC2S[RunCommandToolResponse](env)
	case TypeGetLineGroupToolResponse:
		return decodeC2S[GetLineGroupToolResponse](env)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env, nil
}

func decodeS2C[T S2CMessage](env envelope) (S2CMessage, error) {
	var m T
	if err := decodePayload(env, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeC2S[T C2SMessage](env envelope) (C2SMessage, error) {
	var m T
	if err := decodePayload(env, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodePayload(env envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s: missing payload", ErrInvalidPayload, env.Type)
	}
	if err := decodeStrict(env.Payload, v, requiredFields[env.Type]...); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return nil
}

// decodeStrict unmarshals data into v after checking that every required
// field is present and not null.
func decodeStrict(data []byte, v any, required ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errors.New("expected object")
	}
	for _, name := range required {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return fmt.Errorf("missing field %q", name)
		}
	}
	return json.Unmarshal(data, v)
}
