package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionConnect:    true,
	TypeSessionDisconnect: true,
	TypeCommandSubmit:     true,
	TypeStreamStart:       true,
	TypeStreamStop:        true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	// Validate required payload fields per type. Connect and
	// disconnect carry no payload.
	switch msg.Type {
	case TypeCommandSubmit:
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		var p CommandSubmitPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("missing required field 'text' in %s payload", msg.Type)
		}

	case TypeStreamStart:
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		var p StreamStartPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if len(p.Files) == 0 {
			return nil, fmt.Errorf("missing required field 'files' in %s payload", msg.Type)
		}
		if p.Mode != "last_n" && p.Mode != "follow" {
			return nil, fmt.Errorf("invalid 'mode' %q in %s payload", p.Mode, msg.Type)
		}

	case TypeStreamStop:
		if msg.Payload == nil {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		var p StreamStopPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.StreamID == "" {
			return nil, fmt.Errorf("missing required field 'streamId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
