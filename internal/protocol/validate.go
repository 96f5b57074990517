package protocol

import (
	"errors"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:      true,
	TypeSessionWrite:       true,
	TypeSessionResize:      true,
	TypeSessionPause:       true,
	TypeSessionResume:      true,
	TypeSessionClose:       true,
	TypeSessionSubscribe:   true,
	TypeSessionUnsubscribe: true,
}

// ClientMessage is a validated client message. Body is the decoded
// payload, one of the *Payload types.
type ClientMessage struct {
	*Message
	Body any
}

// ValidateClientMessage decodes and validates a raw client frame.
func ValidateClientMessage(c Codec, raw []byte) (*ClientMessage, error) {
	msg, err := c.Decode(raw)
	if err != nil {
		return nil, err
	}

	if msg.Type == "" {
		return nil, errors.New("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		return nil, errors.New("missing 'payload' field")
	}

	// Validate required payload fields per type.
	var payload any
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := c.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.WorkDir == "" {
			return nil, missing("workDir", msg.Type)
		}
		payload = p

	case TypeSessionWrite:
		var p SessionWritePayload
		if err := c.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		if len(p.Data) == 0 {
			return nil, missing("data", msg.Type)
		}
		payload = p

	case TypeSessionResize:
		var p SessionResizePayload
		if err := c.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		if p.Rows == 0 || p.Cols == 0 {
			return nil, fmt.Errorf("'rows' and 'cols' must be positive in %s payload", msg.Type)
		}
		payload = p

	case TypeSessionSubscribe:
		var p SessionSubscribePayload
		if err := c.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		payload = p

	case TypeSessionPause, TypeSessionResume, TypeSessionClose, TypeSessionUnsubscribe:
		var p SessionIDPayload
		if err := c.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		payload = p
	}

	return &ClientMessage{Message: msg, Body: payload}, nil
}

func missing(field, msgType string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(c Codec, code, message string) (*Message, error) {
	return NewMessage(c, TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
